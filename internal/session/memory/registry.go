// Package memory keeps worker sessions in process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Registry implements scraper.SessionRegistry with a map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]scraper.WorkerSession
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]scraper.WorkerSession)}
}

// Put stores or replaces the session.
func (r *Registry) Put(_ context.Context, session scraper.WorkerSession) error {
	r.mu.Lock()
	r.sessions[session.WorkerID] = session
	r.mu.Unlock()
	return nil
}

// Remove deletes the session; unknown ids are ignored.
func (r *Registry) Remove(_ context.Context, workerID string) error {
	r.mu.Lock()
	delete(r.sessions, workerID)
	r.mu.Unlock()
	return nil
}

// List returns sessions ordered by worker index.
func (r *Registry) List(_ context.Context) ([]scraper.WorkerSession, error) {
	r.mu.RLock()
	out := make([]scraper.WorkerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out, nil
}

func sortSessions(s []scraper.WorkerSession) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Index != s[j].Index {
			return s[i].Index < s[j].Index
		}
		return s[i].WorkerID < s[j].WorkerID
	})
}

// Package memory implements an in-process TaskStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Store keeps tasks in memory behind a single mutex.
type Store struct {
	mu     sync.Mutex
	clock  scraper.Clock
	nextID int64
	tasks  map[int64]*scraper.Task
	keys   map[string]int64
}

// New creates an empty Store.
func New(clock scraper.Clock) *Store {
	return &Store{
		clock: clock,
		tasks: make(map[int64]*scraper.Task),
		keys:  make(map[string]int64),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// Claim hands the highest-priority claimable task to workerID.
func (s *Store) Claim(_ context.Context, workerID string) (scraper.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *scraper.Task
	for _, task := range s.tasks {
		if !task.Status.Claimable() {
			continue
		}
		if best == nil || before(task, best) {
			best = task
		}
	}
	if best == nil {
		return scraper.Task{}, false, nil
	}
	best.Status = scraper.StatusInProgress
	best.WorkerID = workerID
	best.Attempts++
	best.UpdatedAt = s.clock.Now()
	return clone(best), true, nil
}

func before(a, b *scraper.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Complete marks a held task completed.
func (s *Store) Complete(_ context.Context, taskID int64, workerID string, result scraper.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.held(taskID, workerID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	res := result
	task.Status = scraper.StatusCompleted
	task.Result = &res
	task.LastError = ""
	task.UpdatedAt = now
	task.CompletedAt = &now
	return nil
}

// Fail records an attempt failure and decides between retry and failed.
func (s *Store) Fail(
	_ context.Context,
	taskID int64,
	workerID string,
	errMsg string,
	retryable bool,
	maxRetries int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.held(taskID, workerID)
	if err != nil {
		return err
	}
	if retryable && task.Attempts < maxRetries {
		task.Status = scraper.StatusRetry
	} else {
		task.Status = scraper.StatusFailed
	}
	task.WorkerID = ""
	task.LastError = errMsg
	task.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) held(taskID int64, workerID string) (*scraper.Task, error) {
	task, ok := s.tasks[taskID]
	if !ok || task.Status != scraper.StatusInProgress || task.WorkerID != workerID {
		return nil, fmt.Errorf("task %d: %w", taskID, scraper.ErrNotOwner)
	}
	return task, nil
}

// ReleaseStale returns in-progress tasks untouched for timeout or longer to retry.
func (s *Store) ReleaseStale(_ context.Context, timeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-timeout)
	var released int64
	for _, task := range s.tasks {
		if task.Status != scraper.StatusInProgress || task.UpdatedAt.After(cutoff) {
			continue
		}
		task.Status = scraper.StatusRetry
		task.WorkerID = ""
		task.LastError = "worker timeout"
		task.UpdatedAt = now
		released++
	}
	return released, nil
}

// Stats counts tasks per status.
func (s *Store) Stats(_ context.Context) (scraper.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats scraper.Stats
	workers := make(map[string]struct{})
	for _, task := range s.tasks {
		stats.Total++
		switch task.Status {
		case scraper.StatusPending:
			stats.Pending++
		case scraper.StatusInProgress:
			stats.InProgress++
			workers[task.WorkerID] = struct{}{}
		case scraper.StatusCompleted:
			stats.Completed++
		case scraper.StatusFailed:
			stats.Failed++
		case scraper.StatusRetry:
			stats.Retry++
		}
	}
	stats.ActiveWorkers = int64(len(workers))
	return stats, nil
}

// Count returns the number of tasks loaded for campaign.
func (s *Store) Count(_ context.Context, campaign string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, task := range s.tasks {
		if task.Campaign == campaign {
			n++
		}
	}
	return n, nil
}

// Insert adds pending tasks, skipping locations already loaded for the campaign.
func (s *Store) Insert(_ context.Context, tasks []scraper.NewTask) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var inserted int64
	for _, nt := range tasks {
		key := nt.Campaign + "|" + nt.Location.String()
		if _, exists := s.keys[key]; exists {
			continue
		}
		s.nextID++
		s.tasks[s.nextID] = &scraper.Task{
			ID:        s.nextID,
			Campaign:  nt.Campaign,
			Location:  nt.Location,
			Status:    scraper.StatusPending,
			Priority:  nt.Priority,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.keys[key] = s.nextID
		inserted++
	}
	return inserted, nil
}

// Get returns a copy of a task.
func (s *Store) Get(_ context.Context, id int64) (scraper.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return scraper.Task{}, fmt.Errorf("task %d: %w", id, scraper.ErrNotFound)
	}
	return clone(task), nil
}

func clone(task *scraper.Task) scraper.Task {
	out := *task
	if task.Result != nil {
		res := *task.Result
		out.Result = &res
	}
	if task.CompletedAt != nil {
		at := *task.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Package redissession shares worker sessions across processes through Redis.
//
// Each session is a JSON value with a TTL, so a crashed process's workers disappear on their
// own. A set indexes the live worker ids; List prunes ids whose value has expired.
package redissession

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Config describes the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Registry implements scraper.SessionRegistry.
type Registry struct {
	client redis.Cmdable
	closer func() error
	prefix string
	ttl    time.Duration
}

// New connects to cfg.Addr.
func New(cfg Config) (*Registry, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	r := NewWithClient(client, cfg.Prefix, cfg.TTL)
	r.closer = client.Close
	return r, nil
}

// NewWithClient builds a registry on an existing client (tests).
func NewWithClient(client redis.Cmdable, prefix string, ttl time.Duration) *Registry {
	if prefix == "" {
		prefix = "e14:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Registry{client: client, prefix: prefix, ttl: ttl}
}

// Ping checks connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the client when New created it.
func (r *Registry) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *Registry) indexKey() string {
	return r.prefix + "workers"
}

func (r *Registry) sessionKey(workerID string) string {
	return r.prefix + "worker:" + workerID
}

// Put writes the session and refreshes its TTL.
func (r *Registry) Put(ctx context.Context, session scraper.WorkerSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.sessionKey(session.WorkerID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), session.WorkerID).Err(); err != nil {
		return fmt.Errorf("redis index session: %w", err)
	}
	return nil
}

// Remove deletes the session and its index entry.
func (r *Registry) Remove(ctx context.Context, workerID string) error {
	if err := r.client.Del(ctx, r.sessionKey(workerID)).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(), workerID).Err(); err != nil {
		return fmt.Errorf("redis unindex session: %w", err)
	}
	return nil
}

// List returns live sessions ordered by worker index.
func (r *Registry) List(ctx context.Context) ([]scraper.WorkerSession, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get sessions: %w", err)
	}

	sessions := make([]scraper.WorkerSession, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var s scraper.WorkerSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		sessions = append(sessions, s)
	}
	if len(expired) > 0 {
		if err := r.client.SRem(ctx, r.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune sessions: %w", err)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].Index < sessions[j].Index })
	return sessions, nil
}

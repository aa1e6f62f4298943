// Package orchestrator supervises the worker pool and the background maintenance loops.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/e14-scraper/internal/metrics"
	"github.com/JakeFAU/e14-scraper/internal/proxy"
	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// Runner is one worker loop.
type Runner interface {
	ID() string
	Run(ctx context.Context) error
}

// WorkerFactory builds the worker at index.
type WorkerFactory func(index int) (Runner, error)

// ProxyHealth is the part of the proxy pool the orchestrator maintains.
type ProxyHealth interface {
	RecheckUnhealthy(ctx context.Context) int
	Snapshot() []proxy.Info
}

// Config controls pool size and loop cadence.
type Config struct {
	Workers            int
	MonitorInterval    time.Duration
	StaleInterval      time.Duration
	StaleTimeout       time.Duration
	ProxyCheckInterval time.Duration
	ExitWhenDrained    bool
	CloseTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.StaleInterval <= 0 {
		c.StaleInterval = time.Minute
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 5 * time.Minute
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	return c
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Orchestrator runs N workers plus monitor, stale-recovery and proxy-recheck loops.
type Orchestrator struct {
	store     scraper.TaskStore
	sessions  scraper.SessionRegistry
	proxies   ProxyHealth
	newWorker WorkerFactory
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	closers []closer
	last    scraper.Stats
}

// New creates an Orchestrator. sessions and proxies may be nil.
func New(
	store scraper.TaskStore,
	sessions scraper.SessionRegistry,
	proxies ProxyHealth,
	newWorker WorkerFactory,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("task store is required")
	}
	if newWorker == nil {
		return nil, errors.New("worker factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		sessions:  sessions,
		proxies:   proxies,
		newWorker: newWorker,
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("orchestrator"),
	}, nil
}

// OnShutdown registers a resource to close after every worker has stopped. Closers run in
// reverse registration order.
func (o *Orchestrator) OnShutdown(name string, fn func(ctx context.Context) error) {
	o.mu.Lock()
	o.closers = append(o.closers, closer{name: name, fn: fn})
	o.mu.Unlock()
}

// LastStats returns the most recent monitor snapshot.
func (o *Orchestrator) LastStats() scraper.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Run starts the pool and blocks until ctx is cancelled, the queue drains (with
// ExitWhenDrained), or every worker has exited. In-flight attempts finish before Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	runners := make([]Runner, 0, o.cfg.Workers)
	for i := range o.cfg.Workers {
		r, err := o.newWorker(i)
		if err != nil {
			return errors.Join(fmt.Errorf("create worker %d: %w", i, err), o.close())
		}
		runners = append(runners, r)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	loops, loopCtx := errgroup.WithContext(runCtx)
	loops.Go(func() error {
		o.every(loopCtx, o.cfg.MonitorInterval, func(c context.Context) { o.monitor(c, stop) })
		return nil
	})
	loops.Go(func() error {
		o.every(loopCtx, o.cfg.StaleInterval, o.releaseStale)
		return nil
	})
	if o.proxies != nil && o.cfg.ProxyCheckInterval > 0 {
		loops.Go(func() error {
			o.every(loopCtx, o.cfg.ProxyCheckInterval, o.recheckProxies)
			return nil
		})
	}

	o.logger.Info("starting workers", zap.Int("workers", len(runners)))
	var (
		wg      sync.WaitGroup
		errMu   sync.Mutex
		workErr []error
	)
	for _, r := range runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			if err := r.Run(runCtx); err != nil {
				o.logger.Error("worker exited", zap.String("worker_id", r.ID()), zap.Error(err))
				errMu.Lock()
				workErr = append(workErr, fmt.Errorf("worker %s: %w", r.ID(), err))
				errMu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	o.logger.Info("workers stopped")

	stop()
	_ = loops.Wait()
	o.snapshot(context.WithoutCancel(ctx))

	closeErr := o.close()
	if len(workErr) == len(runners) && len(runners) > 0 && ctx.Err() == nil {
		return errors.Join(append(workErr, closeErr)...)
	}
	return closeErr
}

func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (o *Orchestrator) monitor(ctx context.Context, stop context.CancelFunc) {
	stats, ok := o.snapshot(ctx)
	if ok && o.cfg.ExitWhenDrained && stats.Total > 0 && stats.Remaining() == 0 {
		o.logger.Info("queue drained; stopping workers")
		stop()
	}
}

func (o *Orchestrator) snapshot(ctx context.Context) (scraper.Stats, bool) {
	stats, err := o.store.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("stats snapshot failed", zap.Error(err))
		}
		return scraper.Stats{}, false
	}
	o.mu.Lock()
	o.last = stats
	o.mu.Unlock()
	metrics.SetQueueStats(stats)

	fields := []zap.Field{
		zap.Int64("pending", stats.Pending),
		zap.Int64("in_progress", stats.InProgress),
		zap.Int64("retry", stats.Retry),
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("active_workers", stats.ActiveWorkers),
	}
	if o.sessions != nil {
		if sessions, err := o.sessions.List(ctx); err == nil {
			fields = append(fields, zap.Int("sessions", len(sessions)))
		}
	}
	if o.proxies != nil {
		healthy := 0
		for _, p := range o.proxies.Snapshot() {
			if p.Healthy {
				healthy++
			}
		}
		metrics.SetHealthyProxies(healthy)
		fields = append(fields, zap.Int("healthy_proxies", healthy))
	}
	o.logger.Info("queue snapshot", fields...)
	return stats, true
}

func (o *Orchestrator) releaseStale(ctx context.Context) {
	n, err := o.store.ReleaseStale(ctx, o.cfg.StaleTimeout)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("release stale tasks failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		metrics.AddStaleReleased(n)
		o.logger.Warn("released stale tasks", zap.Int64("count", n), zap.Duration("timeout", o.cfg.StaleTimeout))
	}
}

func (o *Orchestrator) recheckProxies(ctx context.Context) {
	if recovered := o.proxies.RecheckUnhealthy(ctx); recovered > 0 {
		o.logger.Info("proxies recovered", zap.Int("count", recovered))
	}
}

func (o *Orchestrator) close() error {
	o.mu.Lock()
	closers := o.closers
	o.closers = nil
	o.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CloseTimeout)
		if err := c.fn(ctx); err != nil {
			o.logger.Error("close resource failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Package app builds the scraper's dependency graph from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/api"
	"github.com/JakeFAU/e14-scraper/internal/campaign"
	"github.com/JakeFAU/e14-scraper/internal/captcha"
	"github.com/JakeFAU/e14-scraper/internal/clock/system"
	"github.com/JakeFAU/e14-scraper/internal/config"
	"github.com/JakeFAU/e14-scraper/internal/extract"
	collyfetcher "github.com/JakeFAU/e14-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/e14-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/e14-scraper/internal/hash/sha256"
	"github.com/JakeFAU/e14-scraper/internal/id/uuid"
	"github.com/JakeFAU/e14-scraper/internal/metrics"
	"github.com/JakeFAU/e14-scraper/internal/orchestrator"
	"github.com/JakeFAU/e14-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/e14-scraper/internal/proxy"
	kafkapublisher "github.com/JakeFAU/e14-scraper/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/e14-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/e14-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/e14-scraper/internal/scraper"
	memorysession "github.com/JakeFAU/e14-scraper/internal/session/memory"
	redissession "github.com/JakeFAU/e14-scraper/internal/session/redis"
	gcsstorage "github.com/JakeFAU/e14-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/e14-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/e14-scraper/internal/storage/memory"
	s3storage "github.com/JakeFAU/e14-scraper/internal/storage/s3"
	memorystore "github.com/JakeFAU/e14-scraper/internal/taskstore/memory"
	pgstore "github.com/JakeFAU/e14-scraper/internal/taskstore/postgres"
	sqlitestore "github.com/JakeFAU/e14-scraper/internal/taskstore/sqlite"
	"github.com/JakeFAU/e14-scraper/internal/telemetry"
	"github.com/JakeFAU/e14-scraper/internal/worker"
)

// TaskStore is the full task store surface the application drives.
type TaskStore interface {
	scraper.TaskStore
	scraper.TaskLoader
	Get(ctx context.Context, id int64) (scraper.Task, error)
	Close()
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scraper.Clock

	store     TaskStore
	proxies   *proxy.Manager
	sessions  scraper.SessionRegistry
	blobs     scraper.BlobStore
	publisher scraper.Publisher
	solver    scraper.Solver
	browser   scraper.Browser
	fetcher   scraper.DocumentFetcher
	extractor scraper.Extractor
	limiter   *ratelimit.Limiter

	mu      sync.Mutex
	closers []closer
}

// RunOptions are the per-invocation knobs of `run`.
type RunOptions struct {
	Workers       int
	LoadTasks     bool
	HierarchyFile string
}

// Option customizes Build.
type Option func(*App)

// WithBrowser replaces the chromedp browser.
func WithBrowser(b scraper.Browser) Option {
	return func(a *App) { a.browser = b }
}

// WithClock replaces the wall clock.
func WithClock(c scraper.Clock) Option {
	return func(a *App) { a.clock = c }
}

// Build creates the application's dependencies. Resources opened before a failure are closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	for _, opt := range opts {
		opt(a)
	}
	metrics.Init()

	a.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
		zap.String("sessions", cfg.Session.Backend),
	)

	steps := []func(context.Context) error{
		a.setupTracing,
		a.setupDatabase,
		a.setupStorage,
		a.setupPublisher,
		a.setupSessions,
		a.setupProxies,
		a.setupSolver,
		a.setupBrowser,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, errors.Join(err, a.Close(ctx))
		}
	}
	a.extractor = extract.New(cfg.Extract)
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Browser.UserAgent,
		Timeout:     cfg.Browser.DownloadTimeout,
		MaxBodySize: cfg.Browser.MaxDocumentBytes,
	})
	a.limiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: cfg.Worker.RequestsPerMinute})
	return a, nil
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.mu.Lock()
	a.closers = append(a.closers, closer{name: name, fn: fn})
	a.mu.Unlock()
}

// Store returns the task store.
func (a *App) Store() TaskStore {
	return a.store
}

// Loader returns a campaign loader bound to the task store.
func (a *App) Loader() *campaign.Loader {
	return campaign.NewLoader(a.store, a.cfg.Queue.InsertBatchSize, a.logger)
}

func (a *App) setupTracing(ctx context.Context) error {
	shutdown, err := telemetry.Init(ctx, a.cfg.Tracing, a.logger.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	if a.cfg.Tracing.Enabled {
		a.onClose("tracing", func(ctx context.Context) error { return shutdown(ctx) })
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case "postgres":
		if db.AutoMigrate {
			if err := pgstore.Migrate(db.DSN, a.logger); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			InsertBatchSize: a.cfg.Queue.InsertBatchSize,
		}, a.clock)
		if err != nil {
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		a.store = store
	case "sqlite":
		store, err := sqlitestore.New(ctx, sqlitestore.Config{Path: db.SQLitePath, BusyTimeout: db.BusyTimeout}, a.clock)
		if err != nil {
			return fmt.Errorf("sqlite task store init failed: %w", err)
		}
		a.store = store
	default:
		a.logger.Warn("using in-memory task store; tasks are lost on exit")
		a.store = memorystore.New(a.clock)
	}
	store := a.store
	a.onClose("task store", func(context.Context) error { store.Close(); return nil })
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	st := a.cfg.Storage
	switch st.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: st.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = store
		a.onClose("gcs", func(context.Context) error { return store.Close() })
	case "s3":
		store, err := s3storage.New(s3storage.Config{
			Endpoint:  st.S3.Endpoint,
			AccessKey: st.S3.AccessKey,
			SecretKey: st.S3.SecretKey,
			Bucket:    st.S3.Bucket,
			Region:    st.S3.Region,
			Secure:    st.S3.Secure,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.blobs = store
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: st.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
	default:
		a.logger.Info("using in-memory blob store")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	pc := a.cfg.Publisher
	switch pc.Backend {
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, pc.ProjectID, pc.Topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	case "kafka":
		pub, err := kafkapublisher.New(pc.Brokers, pc.Topic)
		if err != nil {
			return fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.publisher = pub
		a.onClose("kafka", func(context.Context) error { return pub.Close() })
	case "memory":
		a.publisher = memorypublisher.New()
	default:
		a.logger.Info("completion events disabled")
	}
	return nil
}

func (a *App) setupSessions(ctx context.Context) error {
	if a.cfg.Session.Backend != "redis" {
		a.sessions = memorysession.New()
		return nil
	}
	reg, err := redissession.New(redissession.Config{
		Addr:     a.cfg.Session.RedisAddr,
		Password: a.cfg.Session.RedisPassword,
		DB:       a.cfg.Session.RedisDB,
		Prefix:   a.cfg.Session.Prefix,
		TTL:      a.cfg.Session.TTL,
	})
	if err != nil {
		return fmt.Errorf("redis session registry init failed: %w", err)
	}
	if err := reg.Ping(ctx); err != nil {
		_ = reg.Close()
		return fmt.Errorf("redis session registry unreachable: %w", err)
	}
	a.sessions = reg
	a.onClose("redis", func(context.Context) error { return reg.Close() })
	return nil
}

func (a *App) setupProxies(context.Context) error {
	pc := a.cfg.Proxy
	mgr, err := proxy.New(proxy.Config{
		Addresses:        pc.Addresses,
		TopK:             pc.TopK,
		FailureThreshold: pc.FailureThreshold,
		ProbeURL:         pc.ProbeURL,
		ProbeTimeout:     pc.ProbeTimeout,
	}, a.clock, a.logger.Named("proxy"))
	if err != nil {
		return fmt.Errorf("proxy pool init failed: %w", err)
	}
	if mgr.Len() == 0 {
		a.logger.Warn("proxy pool is empty; connecting directly")
	}
	a.proxies = mgr
	return nil
}

func (a *App) setupSolver(context.Context) error {
	if !a.cfg.Captcha.Enabled {
		a.logger.Warn("captcha solver disabled; interactive challenges will be retried")
		return nil
	}
	client, err := captcha.New(captcha.Config{
		BaseURL:      a.cfg.Captcha.BaseURL,
		APIKey:       a.cfg.Captcha.APIKey,
		PollInterval: a.cfg.Captcha.PollInterval,
		MaxPolls:     a.cfg.Captcha.MaxPolls,
		HTTPTimeout:  a.cfg.Captcha.HTTPTimeout,
	}, a.logger.Named("captcha"))
	if err != nil {
		return fmt.Errorf("captcha solver init failed: %w", err)
	}
	a.solver = client
	return nil
}

func (a *App) setupBrowser(context.Context) error {
	if a.browser != nil {
		return nil
	}
	bc := a.cfg.Browser
	browser, err := headless.NewChromedp(headless.Config{
		PortalURL:         bc.PortalURL,
		MaxParallel:       bc.MaxParallel,
		UserAgent:         bc.UserAgent,
		NavigationTimeout: bc.NavigationTimeout,
		ShowBrowser:       bc.ShowBrowser,
		ChallengeAction:   bc.ChallengeAction,
		Selectors:         bc.Selectors,
	}, a.logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("browser init failed: %w", err)
	}
	a.browser = browser
	return nil
}

// Run optionally loads the campaign, serves the ops endpoints and runs the worker pool until
// ctx is cancelled. Resources are closed by the orchestrator once the workers stop.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if opts.LoadTasks {
		if err := a.loadCampaign(ctx, opts.HierarchyFile); err != nil {
			return errors.Join(err, a.Close(ctx))
		}
	}

	runID, err := uuid.New("").NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = a.cfg.Worker.Count
	}
	logger := a.logger.With(zap.String("run_id", runID))

	orch, err := orchestrator.New(a.store, a.sessions, a.proxies, a.workerFactory(runID, logger), orchestrator.Config{
		Workers:            workers,
		MonitorInterval:    a.cfg.Orchestrator.MonitorInterval,
		StaleInterval:      a.cfg.Orchestrator.StaleInterval,
		StaleTimeout:       a.cfg.Queue.StaleTimeout,
		ProxyCheckInterval: a.cfg.Orchestrator.ProxyCheckInterval,
		ExitWhenDrained:    a.cfg.Orchestrator.ExitWhenDrained,
	}, logger)
	if err != nil {
		return errors.Join(fmt.Errorf("orchestrator init failed: %w", err), a.Close(ctx))
	}
	a.mu.Lock()
	for _, c := range a.closers {
		orch.OnShutdown(c.name, c.fn)
	}
	a.closers = nil
	a.mu.Unlock()

	srv := a.startServer(logger)
	runErr := orch.Run(ctx)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return runErr
}

func (a *App) loadCampaign(ctx context.Context, path string) error {
	if path == "" {
		path = a.cfg.Campaign.HierarchyFile
	}
	if path == "" {
		return errors.New("a hierarchy file is required to load tasks")
	}
	h, err := campaign.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parse hierarchy: %w", err)
	}
	inserted, skipped, err := a.Loader().Load(ctx, h)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	a.logger.Info("campaign load finished",
		zap.String("campaign", h.Campaign),
		zap.Int64("inserted", inserted),
		zap.Bool("skipped", skipped),
	)
	return nil
}

func (a *App) workerFactory(runID string, logger *zap.Logger) orchestrator.WorkerFactory {
	hasher := sha256.New()
	return func(index int) (orchestrator.Runner, error) {
		id := uuid.WorkerID(runID, index)
		deps := worker.Deps{
			Store:     a.store,
			Proxies:   a.proxies,
			Browser:   a.browser,
			Extractor: a.extractor,
			Fetcher:   a.fetcher,
			Blobs:     a.blobs,
			Sessions:  a.sessions,
			Pacer:     a.limiter.Pacer(id),
			Hasher:    hasher,
			Clock:     a.clock,
		}
		if a.solver != nil {
			deps.Solver = a.solver
		}
		if a.publisher != nil {
			deps.Publisher = a.publisher
		}
		w, err := worker.New(id, deps, worker.Config{
			Index:          index,
			MaxRetries:     a.cfg.Queue.MaxRetries,
			AttemptTimeout: a.cfg.Worker.AttemptTimeout,
			MaxInfraErrors: a.cfg.Worker.MaxInfraErrors,
			IdleBackoff:    a.cfg.Worker.IdleBackoff,
			MaxIdleBackoff: a.cfg.Worker.MaxIdleBackoff,
			BlobPrefix:     a.cfg.Storage.Prefix,
			Topic:          a.cfg.Publisher.Topic,
		}, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

func (a *App) startServer(logger *zap.Logger) *http.Server {
	if !a.cfg.Server.Enabled {
		return nil
	}
	handler := api.NewServer(a.store, a.sessions, a.proxies, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv
}

// Close releases every resource still owned by the App, in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}

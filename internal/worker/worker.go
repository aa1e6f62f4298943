// Package worker implements the claim, execute and report loop run by each scraping worker.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/metrics"
	"github.com/JakeFAU/e14-scraper/internal/proxy"
	"github.com/JakeFAU/e14-scraper/internal/scraper"
	"github.com/JakeFAU/e14-scraper/internal/storage"
)

var tracer = otel.Tracer("github.com/JakeFAU/e14-scraper/internal/worker")

// Outcome labels recorded per attempt.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// Config controls Worker behavior.
type Config struct {
	Index          int
	MaxRetries     int
	AttemptTimeout time.Duration
	// ReportTimeout bounds recording the outcome, separately from the attempt itself.
	ReportTimeout  time.Duration
	MaxInfraErrors int
	IdleBackoff    time.Duration
	MaxIdleBackoff time.Duration
	BlobPrefix     string
	Topic          string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Minute
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 30 * time.Second
	}
	if c.MaxInfraErrors <= 0 {
		c.MaxInfraErrors = 10
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 500 * time.Millisecond
	}
	if c.MaxIdleBackoff < c.IdleBackoff {
		c.MaxIdleBackoff = 30 * time.Second
	}
	return c
}

// Deps are the collaborators a Worker drives. Solver, Publisher, Sessions and Pacer are optional.
type Deps struct {
	Store     scraper.TaskStore
	Proxies   scraper.ProxyPool
	Browser   scraper.Browser
	Solver    scraper.Solver
	Extractor scraper.Extractor
	Fetcher   scraper.DocumentFetcher
	Blobs     scraper.BlobStore
	Publisher scraper.Publisher
	Sessions  scraper.SessionRegistry
	Pacer     scraper.Pacer
	Hasher    scraper.Hasher
	Clock     scraper.Clock
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("task store is required")
	case d.Proxies == nil:
		return errors.New("proxy pool is required")
	case d.Browser == nil:
		return errors.New("browser is required")
	case d.Extractor == nil:
		return errors.New("extractor is required")
	case d.Fetcher == nil:
		return errors.New("document fetcher is required")
	case d.Blobs == nil:
		return errors.New("blob store is required")
	case d.Hasher == nil:
		return errors.New("hasher is required")
	case d.Clock == nil:
		return errors.New("clock is required")
	}
	return nil
}

// Worker claims tasks one at a time and drives each through the portal.
type Worker struct {
	id      string
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	session scraper.WorkerSession
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(d time.Duration) time.Duration
}

// New constructs a Worker.
func New(id string, deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if id == "" {
		return nil, errors.New("worker id is required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.String("worker_id", id), zap.Int("index", cfg.Index)),
		session: scraper.WorkerSession{
			WorkerID: id,
			Index:    cfg.Index,
			State:    scraper.StateIdle,
		},
		sleep:  sleepContext,
		jitter: halfJitter,
	}, nil
}

// ID returns the worker identifier recorded on claimed tasks.
func (w *Worker) ID() string {
	return w.id
}

// Run claims and executes tasks until ctx is cancelled. It returns an error only after
// MaxInfraErrors consecutive claim failures.
func (w *Worker) Run(ctx context.Context) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.session.StartedAt = w.deps.Clock.Now()
	w.setState(ctx, scraper.StateIdle, 0)
	defer w.stop(ctx)

	w.logger.Info("worker started")
	infraErrors := 0
	idle := time.Duration(0)
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok, err := w.deps.Store.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			infraErrors++
			w.logger.Error("claim task failed", zap.Int("consecutive", infraErrors), zap.Error(err))
			if infraErrors >= w.cfg.MaxInfraErrors {
				return fmt.Errorf("claim failed %d consecutive times: %w", infraErrors, err)
			}
			if w.sleep(ctx, w.backoff(infraErrors)) != nil {
				return nil
			}
			continue
		}
		infraErrors = 0
		if !ok {
			idle = w.nextIdle(idle)
			if w.sleep(ctx, w.jitter(idle)) != nil {
				return nil
			}
			continue
		}
		idle = 0

		w.process(ctx, task)

		if w.deps.Pacer != nil {
			if err := w.deps.Pacer.Pause(ctx); err != nil {
				return nil
			}
		}
	}
}

func (w *Worker) nextIdle(prev time.Duration) time.Duration {
	if prev <= 0 {
		return w.cfg.IdleBackoff
	}
	return min(prev*2, w.cfg.MaxIdleBackoff)
}

func (w *Worker) backoff(failures int) time.Duration {
	d := w.cfg.IdleBackoff
	for i := 1; i < failures && d < w.cfg.MaxIdleBackoff; i++ {
		d *= 2
	}
	return w.jitter(min(d, w.cfg.MaxIdleBackoff))
}

// process runs one attempt and reports it. The attempt ignores shutdown but is bounded by
// AttemptTimeout. The outcome is recorded on its own ReportTimeout budget so an attempt
// that ran out of time still reaches the store.
func (w *Worker) process(ctx context.Context, task scraper.Task) {
	spanCtx, span := tracer.Start(context.WithoutCancel(ctx), "worker.attempt", trace.WithAttributes(
		attribute.String("worker.id", w.id),
		attribute.Int64("task.id", task.ID),
		attribute.String("task.location", task.Location.String()),
		attribute.Int("task.attempt", task.Attempts),
	))
	defer span.End()
	attemptCtx, cancel := context.WithTimeout(spanCtx, w.cfg.AttemptTimeout)
	defer cancel()

	logger := w.logger.With(
		zap.Int64("task_id", task.ID),
		zap.String("location", task.Location.String()),
		zap.Int("attempt", task.Attempts),
	)
	start := time.Now()
	w.session.Attempts++
	w.setState(attemptCtx, scraper.StateClaimed, task.ID)

	proxyAddr, err := w.selectProxy()
	var result scraper.Result
	if err == nil {
		result, err = w.execute(attemptCtx, task, proxyAddr, logger)
	}
	elapsed := time.Since(start)
	cancel()
	span.SetAttributes(attribute.Bool("proxy.direct", proxyAddr == ""))

	reportCtx, cancelReport := context.WithTimeout(spanCtx, w.cfg.ReportTimeout)
	defer cancelReport()
	if err == nil {
		w.report(reportCtx, task, result, elapsed, logger)
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, scraper.Stage(err))
		w.fail(reportCtx, task, err, elapsed, logger)
	}
	w.feedback(proxyAddr, err, elapsed)
	w.setState(reportCtx, scraper.StateIdle, 0)
}

func (w *Worker) selectProxy() (string, error) {
	addr, err := w.deps.Proxies.Select()
	if errors.Is(err, proxy.ErrNoProxies) {
		return "", nil
	}
	if err != nil {
		return "", scraper.Transient("proxy", err)
	}
	return addr, nil
}

func (w *Worker) execute(
	ctx context.Context,
	task scraper.Task,
	proxyAddr string,
	logger *zap.Logger,
) (scraper.Result, error) {
	if err := task.Location.Validate(); err != nil {
		return scraper.Result{}, scraper.Permanent("validate", err)
	}

	w.setState(ctx, scraper.StateNavigating, task.ID)
	page, err := w.deps.Browser.Open(ctx, proxyAddr)
	if err != nil {
		return scraper.Result{}, scraper.Transient("open", err)
	}
	defer page.Close()

	if err := page.Navigate(ctx, task.Location); err != nil {
		return scraper.Result{}, classify("navigate", err)
	}

	w.setState(ctx, scraper.StateChallengeCheck, task.ID)
	kind, err := w.clearChallenge(ctx, task, page, logger)
	if err != nil {
		return scraper.Result{}, err
	}

	w.setState(ctx, scraper.StateExtracting, task.ID)
	content, err := page.Results(ctx)
	if err != nil {
		return scraper.Result{}, classify("results", err)
	}
	extraction, err := w.deps.Extractor.Extract(content)
	if err != nil {
		return scraper.Result{}, classify("extract", err)
	}

	doc, err := w.deps.Fetcher.Download(ctx, extraction.DocumentURL, proxyAddr)
	if err != nil {
		return scraper.Result{}, scraper.Transient("download", err)
	}
	digest, err := w.deps.Hasher.Hash(doc.Body)
	if err != nil {
		return scraper.Result{}, scraper.Transient("hash", err)
	}
	key := storage.DocumentKey(
		path.Join(w.cfg.BlobPrefix, task.Campaign),
		task.Location,
		storage.Extension(doc.ContentType, doc.URL),
	)
	uri, err := w.deps.Blobs.PutObject(ctx, key, doc.ContentType, bytes.NewReader(doc.Body))
	if err != nil {
		return scraper.Result{}, scraper.Transient("store", err)
	}

	return scraper.Result{
		DocumentURL:   extraction.DocumentURL,
		BlobURI:       uri,
		ContentHash:   digest,
		ContentType:   doc.ContentType,
		Rows:          extraction.Rows,
		Fields:        extraction.Fields,
		ProxyAddress:  proxyAddr,
		ChallengeKind: kind,
		FetchedAt:     w.deps.Clock.Now(),
	}, nil
}

// clearChallenge handles whatever verification the page shows. Invisible challenges run in
// the page; only interactive ones go to the solver.
func (w *Worker) clearChallenge(
	ctx context.Context,
	task scraper.Task,
	page scraper.Page,
	logger *zap.Logger,
) (scraper.ChallengeKind, error) {
	challenge, err := page.DetectChallenge(ctx)
	if err != nil {
		return scraper.ChallengeNone, scraper.Transient("challenge", err)
	}

	var solution scraper.Solution
	switch challenge.Kind {
	case scraper.ChallengeNone, "":
		return scraper.ChallengeNone, nil
	case scraper.ChallengeInvisible:
		if err := page.RunInvisible(ctx, challenge); err != nil {
			metrics.ObserveCaptcha(challenge.Kind, "error")
			return challenge.Kind, scraper.Transient("challenge", err)
		}
	case scraper.ChallengeInteractive:
		if w.deps.Solver == nil {
			return challenge.Kind, scraper.Transient("challenge", errors.New("no captcha solver configured"))
		}
		w.setState(ctx, scraper.StateCaptchaSolving, task.ID)
		solution, err = w.deps.Solver.Solve(ctx, challenge)
		if err != nil {
			metrics.ObserveCaptcha(challenge.Kind, "error")
			return challenge.Kind, scraper.Transient("challenge", err)
		}
		if err := page.InjectToken(ctx, challenge, solution.Token); err != nil {
			metrics.ObserveCaptcha(challenge.Kind, "error")
			return challenge.Kind, scraper.Transient("challenge", err)
		}
	default:
		return challenge.Kind, scraper.Transient("challenge", fmt.Errorf("unknown challenge kind %q", challenge.Kind))
	}

	after, err := page.DetectChallenge(ctx)
	if err != nil {
		return challenge.Kind, scraper.Transient("challenge", err)
	}
	if after.Kind != scraper.ChallengeNone && after.Kind != "" {
		metrics.ObserveCaptcha(challenge.Kind, "rejected")
		if solution.JobID != "" {
			w.deps.Solver.ReportBad(solution.JobID)
		}
		logger.Warn("challenge persisted after handling",
			zap.String("kind", string(challenge.Kind)),
			zap.String("type", challenge.Type),
		)
		return challenge.Kind, scraper.Transient("challenge", scraper.ErrChallengeUnsolved)
	}
	metrics.ObserveCaptcha(challenge.Kind, "solved")
	return challenge.Kind, nil
}

func classify(op string, err error) error {
	if errors.Is(err, scraper.ErrLocationNotFound) {
		return scraper.Permanent(op, err)
	}
	return scraper.Transient(op, err)
}

func (w *Worker) report(
	ctx context.Context,
	task scraper.Task,
	result scraper.Result,
	elapsed time.Duration,
	logger *zap.Logger,
) {
	if err := w.deps.Store.Complete(ctx, task.ID, w.id, result); err != nil {
		// The task was released by the stale sweep or re-claimed; the artifact stays in the store.
		if errors.Is(err, scraper.ErrNotOwner) {
			logger.Warn("lost ownership before completion", zap.Error(err))
		} else {
			logger.Error("complete task failed", zap.Error(err))
		}
		metrics.ObserveStageError("complete")
		metrics.ObserveAttempt(OutcomeRetry, elapsed)
		return
	}
	w.session.Completed++
	metrics.ObserveAttempt(OutcomeCompleted, elapsed)
	logger.Info("task completed",
		zap.String("blob_uri", result.BlobURI),
		zap.String("content_hash", result.ContentHash),
		zap.Duration("elapsed", elapsed),
	)
	w.publish(ctx, task, result, logger)
}

func (w *Worker) publish(ctx context.Context, task scraper.Task, result scraper.Result, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	event := scraper.CompletionEvent{
		TaskID:      task.ID,
		Campaign:    task.Campaign,
		Location:    task.Location,
		BlobURI:     result.BlobURI,
		DocumentURL: result.DocumentURL,
		ContentHash: result.ContentHash,
		CompletedAt: w.deps.Clock.Now(),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		metrics.IncPublishFailures()
		logger.Error("publish completion failed", zap.String("topic", w.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("topic", w.cfg.Topic), zap.String("message_id", id))
}

func (w *Worker) fail(ctx context.Context, task scraper.Task, cause error, elapsed time.Duration, logger *zap.Logger) {
	retryable := scraper.IsRetryable(cause)
	stage := scraper.Stage(cause)
	metrics.ObserveStageError(stage)

	if err := w.deps.Store.Fail(ctx, task.ID, w.id, cause.Error(), retryable, w.cfg.MaxRetries); err != nil {
		logger.Error("fail task failed", zap.String("cause", cause.Error()), zap.Error(err))
		metrics.ObserveAttempt(OutcomeRetry, elapsed)
		return
	}
	outcome := OutcomeRetry
	if !retryable || task.Attempts >= w.cfg.MaxRetries {
		outcome = OutcomeFailed
		w.session.Failed++
	}
	metrics.ObserveAttempt(outcome, elapsed)
	logger.Warn("task attempt failed",
		zap.String("stage", stage),
		zap.Bool("retryable", retryable),
		zap.String("outcome", outcome),
		zap.Error(cause),
	)
}

// proxyStages are the stages whose failures count against the proxy.
var proxyStages = map[string]bool{
	"open":     true,
	"navigate": true,
	"results":  true,
	"download": true,
}

func (w *Worker) feedback(proxyAddr string, err error, elapsed time.Duration) {
	if proxyAddr == "" {
		return
	}
	if err == nil {
		w.deps.Proxies.ReportSuccess(proxyAddr, elapsed)
		metrics.ObserveProxyReport("success")
		return
	}
	if !scraper.IsRetryable(err) || !proxyStages[scraper.Stage(err)] {
		return
	}
	w.deps.Proxies.ReportFailure(proxyAddr, err.Error())
	metrics.ObserveProxyReport("failure")
}

func (w *Worker) setState(ctx context.Context, state scraper.WorkerState, taskID int64) {
	w.session.State = state
	w.session.CurrentTaskID = taskID
	w.session.LastSeen = w.deps.Clock.Now()
	if w.deps.Sessions == nil {
		return
	}
	if err := w.deps.Sessions.Put(ctx, w.session); err != nil {
		w.logger.Debug("session update failed", zap.String("state", string(state)), zap.Error(err))
	}
}

func (w *Worker) stop(ctx context.Context) {
	w.session.State = scraper.StateStopped
	w.session.CurrentTaskID = 0
	w.logger.Info("worker stopped",
		zap.Int64("attempts", w.session.Attempts),
		zap.Int64("completed", w.session.Completed),
		zap.Int64("failed", w.session.Failed),
	)
	if w.deps.Sessions == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Sessions.Remove(cleanupCtx, w.id); err != nil {
		w.logger.Debug("session remove failed", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// halfJitter returns a duration in [d/2, d].
func halfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}

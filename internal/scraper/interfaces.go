package scraper

import (
	"context"
	"io"
	"time"
)

// TaskStore owns every task state transition.
type TaskStore interface {
	Claim(ctx context.Context, workerID string) (Task, bool, error)
	Complete(ctx context.Context, taskID int64, workerID string, result Result) error
	Fail(ctx context.Context, taskID int64, workerID string, errMsg string, retryable bool, maxRetries int) error
	ReleaseStale(ctx context.Context, timeout time.Duration) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// TaskLoader inserts campaign tasks in bulk.
type TaskLoader interface {
	Count(ctx context.Context, campaign string) (int64, error)
	Insert(ctx context.Context, tasks []NewTask) (int64, error)
}

// ProxyPool hands out proxies for one attempt and takes feedback on them.
type ProxyPool interface {
	Select() (string, error)
	ReportSuccess(address string, latency time.Duration)
	ReportFailure(address string, reason string)
}

// Solver solves interactive challenges through an external provider.
type Solver interface {
	Solve(ctx context.Context, challenge Challenge) (Solution, error)
	ReportBad(jobID string)
}

// Browser opens page sessions routed through a proxy. An empty proxy means a direct connection.
type Browser interface {
	Open(ctx context.Context, proxy string) (Page, error)
}

// Page drives one portal session for a single attempt.
type Page interface {
	Navigate(ctx context.Context, location LocationKey) error
	DetectChallenge(ctx context.Context) (Challenge, error)
	RunInvisible(ctx context.Context, challenge Challenge) error
	InjectToken(ctx context.Context, challenge Challenge, token string) error
	Results(ctx context.Context) (PageContent, error)
	Close()
}

// Extractor pulls raw rows and the document reference out of a rendered result page.
type Extractor interface {
	Extract(content PageContent) (Extraction, error)
}

// DocumentFetcher downloads the document artifact through a proxy.
type DocumentFetcher interface {
	Download(ctx context.Context, url string, proxy string) (Document, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SessionRegistry records worker liveness for monitoring.
type SessionRegistry interface {
	Put(ctx context.Context, session WorkerSession) error
	Remove(ctx context.Context, workerID string) error
	List(ctx context.Context) ([]WorkerSession, error)
}

// Pacer spaces out a worker's portal requests.
type Pacer interface {
	Pause(ctx context.Context) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker and run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

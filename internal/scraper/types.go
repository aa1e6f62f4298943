// Package scraper defines the core types shared across the task queue, workers and orchestrator.
package scraper

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a scraping task.
type Status string

// Task status values persisted in the task store.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// Claimable reports whether a task in this status may be claimed by a worker.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRetry
}

// Terminal reports whether the status ends the task lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LocationKey identifies which E-14 document(s) a task retrieves.
// Empty Zone or Station means "enumerate all" below the last populated level.
type LocationKey struct {
	Department   string `json:"dept_code" yaml:"dept_code"`
	Municipality string `json:"muni_code" yaml:"muni_code"`
	Zone         string `json:"zone_code,omitempty" yaml:"zone_code"`
	Station      string `json:"station_code,omitempty" yaml:"station_code"`
	Corporation  string `json:"corporation" yaml:"corporation"`
}

// Validate checks the key is structurally usable. A failure here is a permanent task error.
func (k LocationKey) Validate() error {
	if !isCode(k.Department) {
		return fmt.Errorf("department code %q is not numeric", k.Department)
	}
	if !isCode(k.Municipality) {
		return fmt.Errorf("municipality code %q is not numeric", k.Municipality)
	}
	if k.Zone != "" && !isCode(k.Zone) {
		return fmt.Errorf("zone code %q is not numeric", k.Zone)
	}
	if k.Station != "" {
		if k.Zone == "" {
			return fmt.Errorf("station %q requires a zone", k.Station)
		}
		if !isCode(k.Station) {
			return fmt.Errorf("station code %q is not numeric", k.Station)
		}
	}
	if strings.TrimSpace(k.Corporation) == "" {
		return fmt.Errorf("corporation is required")
	}
	return nil
}

// String renders the key as dept/muni/zone/station/corporation for logs.
func (k LocationKey) String() string {
	return strings.Join([]string{k.Department, k.Municipality, orAll(k.Zone), orAll(k.Station), k.Corporation}, "/")
}

func orAll(code string) string {
	if code == "" {
		return "all"
	}
	return code
}

func isCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Task is one unit of retrieval work. It only changes state through a TaskStore.
type Task struct {
	ID          int64       `json:"id"`
	Campaign    string      `json:"campaign"`
	Location    LocationKey `json:"location"`
	Status      Status      `json:"status"`
	Priority    int         `json:"priority"`
	Attempts    int         `json:"attempts"`
	WorkerID    string      `json:"worker_id,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Result      *Result     `json:"result_payload,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// NewTask is the insert shape used by bulk loading.
type NewTask struct {
	Campaign string
	Location LocationKey
	Priority int
}

// Result is the payload stored on completion and consumed by the downstream OCR pipeline.
type Result struct {
	DocumentURL   string            `json:"document_url"`
	BlobURI       string            `json:"blob_uri,omitempty"`
	ContentHash   string            `json:"content_hash,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Rows          [][]string        `json:"rows,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
	ProxyAddress  string            `json:"proxy,omitempty"`
	ChallengeKind ChallengeKind     `json:"challenge,omitempty"`
	FetchedAt     time.Time         `json:"fetched_at"`
}

// Stats aggregates task counts for monitoring.
type Stats struct {
	Pending       int64 `json:"pending"`
	InProgress    int64 `json:"in_progress"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Retry         int64 `json:"retry"`
	Total         int64 `json:"total"`
	ActiveWorkers int64 `json:"active_workers"`
}

// Remaining counts tasks that have not reached a terminal state.
func (s Stats) Remaining() int64 {
	return s.Pending + s.InProgress + s.Retry
}

// ChallengeKind classifies the verification mechanism found on a page.
type ChallengeKind string

// Challenge kinds reported by a page driver.
const (
	ChallengeNone        ChallengeKind = "none"
	ChallengeInvisible   ChallengeKind = "invisible"
	ChallengeInteractive ChallengeKind = "interactive"
)

// Challenge describes a verification mechanism blocking the portal query.
type Challenge struct {
	Kind    ChallengeKind     `json:"kind"`
	Type    string            `json:"challenge_type"`
	SiteKey string            `json:"site_key"`
	PageURL string            `json:"page_url"`
	Options map[string]string `json:"options,omitempty"`
}

// Solution is a solved challenge token and the provider job that produced it.
type Solution struct {
	JobID string
	Token string
}

// PageContent is the rendered DOM after the portal query ran.
type PageContent struct {
	URL  string
	HTML string
}

// Extraction holds the raw structured data pulled from a result page.
type Extraction struct {
	DocumentURL string
	Rows        [][]string
	Fields      map[string]string
}

// Document is a downloaded E-14 artifact.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
}

// WorkerState is the state a worker's current attempt is in.
type WorkerState string

// Worker attempt states.
const (
	StateIdle           WorkerState = "idle"
	StateClaimed        WorkerState = "claimed"
	StateNavigating     WorkerState = "navigating"
	StateChallengeCheck WorkerState = "challenge_check"
	StateCaptchaSolving WorkerState = "captcha_solving"
	StateExtracting     WorkerState = "extracting"
	StateStopped        WorkerState = "stopped"
)

// WorkerSession is a liveness record for one running worker. It is not authoritative for task state.
type WorkerSession struct {
	WorkerID      string      `json:"worker_id"`
	Index         int         `json:"index"`
	State         WorkerState `json:"state"`
	CurrentTaskID int64       `json:"current_task_id,omitempty"`
	Attempts      int64       `json:"attempts"`
	Completed     int64       `json:"completed"`
	Failed        int64       `json:"failed"`
	StartedAt     time.Time   `json:"started_at"`
	LastSeen      time.Time   `json:"last_seen"`
}

// CompletionEvent is published after a task completes.
type CompletionEvent struct {
	TaskID      int64       `json:"task_id"`
	Campaign    string      `json:"campaign"`
	Location    LocationKey `json:"location"`
	BlobURI     string      `json:"blob_uri"`
	DocumentURL string      `json:"document_url"`
	ContentHash string      `json:"content_hash"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Attributes are the routing attributes attached to the published message.
func (e CompletionEvent) Attributes() map[string]string {
	return map[string]string{
		"campaign":    e.Campaign,
		"department":  e.Location.Department,
		"corporation": e.Location.Corporation,
	}
}

// Key orders events for the same location onto one partition.
func (e CompletionEvent) Key() string {
	return e.Campaign + ":" + e.Location.String()
}

package scraper

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by stores and the worker pipeline.
var (
	// ErrNotOwner is returned when a worker reports on a task it does not hold.
	ErrNotOwner = errors.New("task not held by worker")
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrLocationNotFound means the portal has no such location; never retried.
	ErrLocationNotFound = errors.New("location not found on portal")
	// ErrMarkupMissing means expected result markup was absent from the page.
	ErrMarkupMissing = errors.New("expected markup missing")
	// ErrChallengeUnsolved means the page still blocks after challenge handling.
	ErrChallengeUnsolved = errors.New("challenge unsolved")
)

// ErrorClass separates retryable attempt failures from terminal ones.
type ErrorClass string

// Error classes used when failing a task.
const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// TaskError attaches a class and pipeline stage to an attempt failure.
type TaskError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *TaskError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &TaskError{Class: ClassTransient, Op: op, Err: err}
}

// Permanent wraps err as a terminal failure of op.
func Permanent(op string, err error) error {
	return &TaskError{Class: ClassPermanent, Op: op, Err: err}
}

// IsRetryable reports whether err may be retried. Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Class != ClassPermanent
	}
	return !errors.Is(err, ErrLocationNotFound)
}

// Stage returns the pipeline op recorded on err, or "unknown".
func Stage(err error) string {
	var te *TaskError
	if errors.As(err, &te) && te.Op != "" {
		return te.Op
	}
	return "unknown"
}

// Package uuid generates run and worker identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 identifiers, optionally prefixed (e.g. "worker-").
type Generator struct {
	prefix string
}

// New creates a Generator. An empty prefix yields bare UUIDs.
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns prefix + UUIDv7.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}

// WorkerID derives a stable, readable worker identifier for index within run.
func WorkerID(runID string, index int) string {
	short := runID
	if parsed, err := uuid.Parse(runID); err == nil {
		short = parsed.String()[:8]
	}
	return fmt.Sprintf("w%02d-%s", index, short)
}

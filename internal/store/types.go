package store

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/job"
)

var ErrDisabled = errors.New("store disabled")

// Config configures job persistence.
//
// Driver values:
//   - "file": dependency-free snapshot file (atomic rename)
//   - "sqlite": SQLite database file (optional build tag)
//   - "memory": process-memory only (tests, demos)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence contract for the job set.
//
// Implementations must not expose partially-written state to a subsequent
// Load. The core treats the store as a single-writer resource.
type Store interface {
	Load(ctx context.Context) (job.Set, error)
	Save(ctx context.Context, jobs job.Set) error
	Close() error
}

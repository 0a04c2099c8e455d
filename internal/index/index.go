// Package index records which source files have already been materialized
// at a destination.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("index is closed")

// Index is a durable set of canonical source paths. Implementations are safe
// for one writer alongside concurrent readers. InsertBatch is idempotent.
type Index interface {
	Contains(ctx context.Context, key string) (bool, error)
	// ContainsBatch returns the subset of keys already present.
	ContainsBatch(ctx context.Context, keys []string) (map[string]struct{}, error)
	InsertBatch(ctx context.Context, keys []string) error
	// Flush makes every accepted insert durable.
	Flush(ctx context.Context) error
	Len() int
	Close() error
}

// Options selects and tunes a backend.
type Options struct {
	Backend string
	// Dir holds backup_log.txt (memory) or index.db (sqlite).
	Dir string
	// TailEntries bounds how many log lines the memory backend loads.
	TailEntries int
	// FlushSize triggers a memory-backend flush once this many inserts are pending.
	FlushSize int
	// FlushInterval is the background flush period of the memory backend.
	FlushInterval time.Duration
	// CacheSize is the sqlite backend's positive-lookup LRU capacity.
	CacheSize int
}

// DefaultOptions returns the defaults for the memory backend.
func DefaultOptions(dir string) Options {
	return Options{
		Backend:       BackendMemory,
		Dir:           dir,
		TailEntries:   200_000,
		FlushSize:     100,
		FlushInterval: time.Second,
		CacheSize:     65_536,
	}
}

// Open creates the data directory if needed and opens the configured
// backend. Failure here is fatal for the service.
func Open(ctx context.Context, opts Options) (Index, error) {
	if opts.Dir == "" {
		return nil, errors.New("index: data directory not set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	switch opts.Backend {
	case "", BackendMemory:
		return OpenMemory(opts)
	case BackendSQLite:
		return OpenSQLite(ctx, opts)
	default:
		return nil, fmt.Errorf("index: unknown backend %q", opts.Backend)
	}
}

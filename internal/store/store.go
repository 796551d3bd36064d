// Package store provides durable per-message dispatch state, keyed by
// (batch_id, idx). Three backends are available: a local SQLite file
// (the default), Postgres, and Redis. A record write must be durable
// before the caller proceeds; a crash between a provider success and a
// durable write would risk a duplicate send on resume.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
)

// ErrNotFound is returned when a requested batch has no persisted state.
var ErrNotFound = errors.New("store: batch not found")

// Store is the durable record store consumed by the dispatch engine.
// Writes for a given (batchID, index) are serialized by the backend;
// each index is owned by exactly one in-flight attempt at a time.
type Store interface {
	// SaveBatch creates or refreshes the batch-level row.
	SaveBatch(ctx context.Context, job batch.Job) error

	// GetBatch returns the batch-level row, or ErrNotFound.
	GetBatch(ctx context.Context, batchID string) (*batch.Job, error)

	// Upsert durably writes one message record.
	Upsert(ctx context.Context, rec *batch.MessageRecord) error

	// LoadBatch returns all known records for a batch ordered by index,
	// or an empty slice if none exist.
	LoadBatch(ctx context.Context, batchID string) ([]batch.MessageRecord, error)

	// DeleteBatch discards all state for a batch (resume=false).
	DeleteBatch(ctx context.Context, batchID string) error

	// Close flushes and releases resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend     string // "sqlite" (default), "postgres", "redis"
	Path        string // sqlite file path
	PostgresDSN string
	RedisAddr   string
	RedisDB     int
}

// Open creates a Store for the configured backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return openSQLite(cfg.Path)
	case "postgres":
		return openPostgres(cfg.PostgresDSN)
	case "redis":
		return openRedis(cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

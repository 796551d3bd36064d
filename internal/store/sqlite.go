package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore is the default backend: a single local database file.
// A single connection serializes all writes, which also satisfies the
// per-key serialization requirement.
type sqliteStore struct {
	db *sql.DB
}

func openSQLite(path string) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// A record must be on disk before its concurrency slot is released,
	// so every commit fsyncs.
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	st := &sqliteStore{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) SaveBatch(ctx context.Context, job batch.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches(batch_id, total_count, created_at) VALUES(?,?,?)
		 ON CONFLICT(batch_id) DO UPDATE SET total_count = excluded.total_count`,
		job.BatchID, job.TotalCount, job.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: save batch %s: %w", job.BatchID, err)
	}
	return nil
}

func (s *sqliteStore) GetBatch(ctx context.Context, batchID string) (*batch.Job, error) {
	var job batch.Job
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id, total_count, created_at FROM batches WHERE batch_id = ?`, batchID,
	).Scan(&job.BatchID, &job.TotalCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch %s: %w", batchID, err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &job, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, rec *batch.MessageRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(batch_id, idx, status, attempts, last_error, provider_message_id, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(batch_id, idx) DO UPDATE SET
		     status = excluded.status,
		     attempts = excluded.attempts,
		     last_error = excluded.last_error,
		     provider_message_id = excluded.provider_message_id,
		     updated_at = excluded.updated_at`,
		rec.BatchID, rec.Index, string(rec.Status), rec.Attempts,
		rec.LastError, rec.ProviderMessageID, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: upsert %s/%d: %w", rec.BatchID, rec.Index, err)
	}
	return nil
}

func (s *sqliteStore) LoadBatch(ctx context.Context, batchID string) ([]batch.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, idx, status, attempts, last_error, provider_message_id, updated_at
		 FROM messages WHERE batch_id = ? ORDER BY idx`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: load batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var recs []batch.MessageRecord
	for rows.Next() {
		var rec batch.MessageRecord
		var status, updated string
		if err := rows.Scan(&rec.BatchID, &rec.Index, &status, &rec.Attempts,
			&rec.LastError, &rec.ProviderMessageID, &updated); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		rec.Status = batch.Status(status)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("store: delete batch %s: %w", batchID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE batch_id = ?`, batchID); err != nil {
		return fmt.Errorf("store: delete batch %s: %w", batchID, err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

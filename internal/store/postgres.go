package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
)

// postgresStore keeps dispatch state in Postgres for hosts that already
// run one. Upserts go through ON CONFLICT on the (batch_id, idx) primary
// key, so concurrent writers for different indexes never block each other.
type postgresStore struct {
	db *sql.DB
}

func openPostgres(dsn string) (Store, error) {
	if dsn == "" {
		return nil, errors.New("store: postgres DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	st := &postgresStore{db: db}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dispatch_batches (
			batch_id    TEXT PRIMARY KEY,
			total_count INTEGER NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS dispatch_messages (
			batch_id            TEXT NOT NULL,
			idx                 INTEGER NOT NULL,
			status              TEXT NOT NULL,
			attempts            INTEGER NOT NULL DEFAULT 0,
			last_error          TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			updated_at          TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (batch_id, idx)
		);
	`)
	return err
}

func (s *postgresStore) SaveBatch(ctx context.Context, job batch.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_batches (batch_id, total_count, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO UPDATE SET total_count = EXCLUDED.total_count
	`, job.BatchID, job.TotalCount, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save batch %s: %w", job.BatchID, err)
	}
	return nil
}

func (s *postgresStore) GetBatch(ctx context.Context, batchID string) (*batch.Job, error) {
	var job batch.Job
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id, total_count, created_at FROM dispatch_batches WHERE batch_id = $1
	`, batchID).Scan(&job.BatchID, &job.TotalCount, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get batch %s: %w", batchID, err)
	}
	return &job, nil
}

func (s *postgresStore) Upsert(ctx context.Context, rec *batch.MessageRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_messages (batch_id, idx, status, attempts, last_error, provider_message_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (batch_id, idx) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			provider_message_id = EXCLUDED.provider_message_id,
			updated_at = EXCLUDED.updated_at
	`, rec.BatchID, rec.Index, string(rec.Status), rec.Attempts,
		rec.LastError, rec.ProviderMessageID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert %s/%d: %w", rec.BatchID, rec.Index, err)
	}
	return nil
}

func (s *postgresStore) LoadBatch(ctx context.Context, batchID string) ([]batch.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, idx, status, attempts, last_error, provider_message_id, updated_at
		FROM dispatch_messages WHERE batch_id = $1 ORDER BY idx
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: load batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var recs []batch.MessageRecord
	for rows.Next() {
		var rec batch.MessageRecord
		var status string
		if err := rows.Scan(&rec.BatchID, &rec.Index, &status, &rec.Attempts,
			&rec.LastError, &rec.ProviderMessageID, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		rec.Status = batch.Status(status)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *postgresStore) DeleteBatch(ctx context.Context, batchID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_messages WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("store: delete batch %s: %w", batchID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_batches WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("store: delete batch %s: %w", batchID, err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
)

// redisStore keeps dispatch state in Redis hashes, one per record, with a
// set tracking the known indexes of each batch. Durability depends on the
// server running AOF with appendfsync always; anything weaker downgrades
// the resume guarantee to best-effort.
type redisStore struct {
	client *redis.Client
}

func openRedis(addr string, db int) (Store, error) {
	if addr == "" {
		return nil, errors.New("store: redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return &redisStore{client: client}, nil
}

func batchKey(batchID string) string { return "dispatch:batch:" + batchID }
func indexKey(batchID string) string { return "dispatch:batch:" + batchID + ":idx" }
func recordKey(batchID string, idx int) string {
	return "dispatch:batch:" + batchID + ":msg:" + strconv.Itoa(idx)
}

func (s *redisStore) SaveBatch(ctx context.Context, job batch.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	err := s.client.HSet(ctx, batchKey(job.BatchID),
		"total_count", job.TotalCount,
		"created_at", job.CreatedAt.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("store: save batch %s: %w", job.BatchID, err)
	}
	return nil
}

func (s *redisStore) GetBatch(ctx context.Context, batchID string) (*batch.Job, error) {
	vals, err := s.client.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: get batch %s: %w", batchID, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	job := &batch.Job{BatchID: batchID}
	job.TotalCount, _ = strconv.Atoi(vals["total_count"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, vals["created_at"])
	return job, nil
}

func (s *redisStore) Upsert(ctx context.Context, rec *batch.MessageRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, recordKey(rec.BatchID, rec.Index),
		"status", string(rec.Status),
		"attempts", rec.Attempts,
		"last_error", rec.LastError,
		"provider_message_id", rec.ProviderMessageID,
		"updated_at", rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.SAdd(ctx, indexKey(rec.BatchID), rec.Index)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert %s/%d: %w", rec.BatchID, rec.Index, err)
	}
	return nil
}

func (s *redisStore) LoadBatch(ctx context.Context, batchID string) ([]batch.MessageRecord, error) {
	members, err := s.client.SMembers(ctx, indexKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load batch %s: %w", batchID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	indexes := make([]int, 0, len(members))
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(indexes))
	for i, idx := range indexes {
		cmds[i] = pipe.HGetAll(ctx, recordKey(batchID, idx))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: load batch %s: %w", batchID, err)
	}

	recs := make([]batch.MessageRecord, 0, len(indexes))
	for i, idx := range indexes {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		rec := batch.MessageRecord{
			BatchID:           batchID,
			Index:             idx,
			Status:            batch.Status(vals["status"]),
			LastError:         vals["last_error"],
			ProviderMessageID: vals["provider_message_id"],
		}
		rec.Attempts, _ = strconv.Atoi(vals["attempts"])
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, vals["updated_at"])
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *redisStore) DeleteBatch(ctx context.Context, batchID string) error {
	members, err := s.client.SMembers(ctx, indexKey(batchID)).Result()
	if err != nil {
		return fmt.Errorf("store: delete batch %s: %w", batchID, err)
	}
	keys := make([]string, 0, len(members)+2)
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		keys = append(keys, recordKey(batchID, idx))
	}
	keys = append(keys, indexKey(batchID), batchKey(batchID))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: delete batch %s: %w", batchID, err)
	}
	return nil
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

package dispatch

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
)

// MetricsSnapshot is the aggregate outcome of a run. Every count is
// derived from terminal MessageRecord states; nothing is tracked as an
// independent counter, so the snapshot can never diverge from the store.
type MetricsSnapshot struct {
	BatchID                string `json:"batch_id"`
	TotalMessages          int    `json:"total_messages"`
	SentCount              int    `json:"sent_count"`
	PermanentlyFailedCount int    `json:"permanently_failed_count"`
	RetriedCount           int    `json:"retried_count"`
	TotalAttempts          int    `json:"total_attempts"`
	DurationMs             int64  `json:"duration_ms"`
	Completed              bool   `json:"completed"`
}

// WriteFile serializes the snapshot as JSON to path.
func (m *MetricsSnapshot) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("metrics: encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}

// MetricsCollector accumulates terminal records for one run. The
// coordinator feeds it every record that reaches sent or
// permanently_failed, including records that were already terminal when
// a resumed batch was loaded.
type MetricsCollector struct {
	mu       sync.Mutex
	batchID  string
	total    int
	start    time.Time
	terminal map[int]batch.MessageRecord
}

// NewMetricsCollector starts the run clock.
func NewMetricsCollector(batchID string, totalMessages int) *MetricsCollector {
	return &MetricsCollector{
		batchID:  batchID,
		total:    totalMessages,
		start:    time.Now(),
		terminal: make(map[int]batch.MessageRecord, totalMessages),
	}
}

// Observe records a terminal transition. Non-terminal records are
// ignored so callers don't have to guard the state check themselves.
func (c *MetricsCollector) Observe(rec batch.MessageRecord) {
	if !rec.Status.Terminal() {
		return
	}
	c.mu.Lock()
	c.terminal[rec.Index] = rec
	c.mu.Unlock()
}

// Snapshot derives the aggregate report from the terminal records seen
// so far. For a cancelled run this is the partial snapshot; Completed
// reports whether every message reached a terminal state.
func (c *MetricsCollector) Snapshot() *MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &MetricsSnapshot{
		BatchID:       c.batchID,
		TotalMessages: c.total,
		DurationMs:    time.Since(c.start).Milliseconds(),
	}
	for _, rec := range c.terminal {
		snap.TotalAttempts += rec.Attempts
		switch rec.Status {
		case batch.StatusSent:
			snap.SentCount++
		case batch.StatusPermanentlyFailed:
			snap.PermanentlyFailedCount++
		}
	}
	if retried := snap.TotalAttempts - len(c.terminal); retried > 0 {
		snap.RetriedCount = retried
	}
	snap.Completed = len(c.terminal) == c.total
	return snap
}

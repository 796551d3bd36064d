// Package dispatch implements the resumable concurrent batch dispatch
// engine: a bounded worker pool driving per-message state machines with
// durable state, retry classification, backoff, and aggregate metrics.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
	"github.com/mailgoatai/mailgoat-sub005/internal/sender"
	"github.com/mailgoatai/mailgoat-sub005/internal/store"
)

// Coordinator orchestrates one batch run: it reconciles the requested
// batch against persisted state, hands eligible records to the worker
// pool, and aggregates the final metrics. Dependencies are injected at
// construction; the coordinator never reaches for ambient state.
type Coordinator struct {
	snd      sender.MessageSender
	st       store.Store
	classify Classifier
	log      zerolog.Logger
}

// NewCoordinator wires a coordinator with the default classifier and a
// no-op logger.
func NewCoordinator(snd sender.MessageSender, st store.Store) *Coordinator {
	return &Coordinator{
		snd:      snd,
		st:       st,
		classify: DefaultClassifier,
		log:      zerolog.Nop(),
	}
}

// SetClassifier overrides the retry classification policy.
func (c *Coordinator) SetClassifier(classify Classifier) {
	if classify != nil {
		c.classify = classify
	}
}

// SetLogger attaches a structured logger.
func (c *Coordinator) SetLogger(log zerolog.Logger) {
	c.log = log.With().Str("component", "dispatch").Logger()
}

// Run dispatches the batch and blocks until every record is terminal or
// ctx is cancelled. Message-level failures never surface as an error;
// they resolve into permanently_failed records counted in the snapshot.
// Run itself fails only on invalid options/input or on a state store
// failure. A cancelled run returns the partial snapshot with a nil
// error and the batch safely resumable.
func (c *Coordinator) Run(ctx context.Context, batchID string, messages []sender.Message, opts Options) (*MetricsSnapshot, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if batchID == "" {
		return nil, &ValidationError{Field: "batchId", Reason: "empty"}
	}

	collector := NewMetricsCollector(batchID, len(messages))
	// Each invocation gets its own run ID so resumed runs of the same
	// batch are distinguishable in logs.
	log := c.log.With().Str("batch", batchID).Str("run_id", uuid.NewString()[:8]).Logger()

	tasks, err := c.reconcile(ctx, batchID, messages, opts, collector)
	if err != nil {
		return nil, err
	}

	log.Info().Int("total", len(messages)).Int("eligible", len(tasks)).
		Int("concurrency", opts.Concurrency).Bool("resume", opts.Resume).
		Msg("batch dispatch starting")

	pool := newWorkerPool(opts, c.snd, c.st, c.classify, collector, log)
	runErr := pool.run(ctx, tasks)

	snap := collector.Snapshot()
	if runErr != nil {
		return snap, runErr
	}

	if snap.Completed {
		log.Info().Int("sent", snap.SentCount).Int("failed", snap.PermanentlyFailedCount).
			Int("retried", snap.RetriedCount).Int64("duration_ms", snap.DurationMs).
			Msg("batch dispatch finished")
	} else {
		log.Warn().Int("sent", snap.SentCount).Int("failed", snap.PermanentlyFailedCount).
			Int("pending", snap.TotalMessages-snap.SentCount-snap.PermanentlyFailedCount).
			Msg("batch dispatch stopped before completion")
	}
	return snap, nil
}

// reconcile builds the eligible task list. Terminal records are counted
// and skipped; a record left in sending is treated as crashed mid-flight
// and reset to pending; retry_wait records are re-enqueued immediately
// (the backoff clock does not survive a restart).
func (c *Coordinator) reconcile(ctx context.Context, batchID string, messages []sender.Message, opts Options, collector *MetricsCollector) ([]*task, error) {
	existing := make(map[int]batch.MessageRecord)
	if opts.Resume {
		recs, err := c.st.LoadBatch(ctx, batchID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: load batch state: %w", err)
		}
		for _, rec := range recs {
			existing[rec.Index] = rec
		}
		job, err := c.st.GetBatch(ctx, batchID)
		switch {
		case err == nil:
			if job.TotalCount != len(messages) {
				return nil, &ValidationError{
					Field:  "messages",
					Reason: fmt.Sprintf("batch %s has %d persisted records but %d messages were supplied", batchID, job.TotalCount, len(messages)),
				}
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("dispatch: load batch %s: %w", batchID, err)
		}
	} else if err := c.st.DeleteBatch(ctx, batchID); err != nil {
		return nil, fmt.Errorf("dispatch: discard prior state: %w", err)
	}

	if err := c.st.SaveBatch(ctx, batch.Job{BatchID: batchID, TotalCount: len(messages)}); err != nil {
		return nil, fmt.Errorf("dispatch: save batch: %w", err)
	}

	tasks := make([]*task, 0, len(messages))
	for i := range messages {
		rec, ok := existing[i]
		if !ok {
			rec = batch.MessageRecord{BatchID: batchID, Index: i, Status: batch.StatusPending}
		}

		switch rec.Status {
		case batch.StatusSent, batch.StatusPermanentlyFailed:
			collector.Observe(rec)
			continue
		case batch.StatusSending:
			rec.Status = batch.StatusPending
		case batch.StatusPending, batch.StatusRetryWait:
			// eligible as-is
		default:
			return nil, &ValidationError{
				Field:  "state",
				Reason: fmt.Sprintf("record %d has unknown status %q", i, rec.Status),
			}
		}

		recCopy := rec
		if err := c.st.Upsert(ctx, &recCopy); err != nil {
			return nil, fmt.Errorf("dispatch: persist initial state: %w", err)
		}
		tasks = append(tasks, &task{rec: &recCopy, msg: &messages[i]})
	}
	return tasks, nil
}

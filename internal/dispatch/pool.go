package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
	"github.com/mailgoatai/mailgoat-sub005/internal/sender"
	"github.com/mailgoatai/mailgoat-sub005/internal/store"
)

// task pairs a mutable record with its payload for one run. Records are
// only ever touched by the single worker currently holding the task, so
// no locking is needed on the record itself.
type task struct {
	rec *batch.MessageRecord
	msg *sender.Message
}

// workerPool runs dispatch attempts under a hard concurrency ceiling.
// A slot is held only for the duration of one attempt, including its
// provider call; backoff waits run on timers outside the pool so a
// retrying record never starves ready work.
type workerPool struct {
	opts      Options
	snd       sender.MessageSender
	st        store.Store
	classify  Classifier
	limiter   *rate.Limiter
	collector *MetricsCollector
	log       zerolog.Logger

	mu       sync.Mutex
	timers   []*time.Timer
	stopped  bool
	storeErr error
	cancel   context.CancelFunc
}

func newWorkerPool(opts Options, snd sender.MessageSender, st store.Store, classify Classifier, collector *MetricsCollector, log zerolog.Logger) *workerPool {
	p := &workerPool{
		opts:      opts,
		snd:       snd,
		st:        st,
		classify:  classify,
		collector: collector,
		log:       log,
	}
	if opts.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RatePerSec)
	}
	return p
}

// run dispatches every task to a terminal state, blocking until all are
// settled, the parent context is cancelled, or a store write fails. In
// the cancellation case, in-flight provider calls are allowed to finish
// and their results are persisted before run returns.
func (p *workerPool) run(ctx context.Context, tasks []*task) error {
	if len(tasks) == 0 {
		return nil
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	// Buffered to the full task count: a task is re-queued at most once
	// per attempt, so sends into ready can never block.
	ready := make(chan *task, len(tasks))
	for _, t := range tasks {
		ready <- t
	}

	done := make(chan struct{})
	remaining := int64(len(tasks))
	settle := func() {
		if atomic.AddInt64(&remaining, -1) == 0 {
			close(done)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(dctx, ready, settle)
		}()
	}

	select {
	case <-done:
	case <-dctx.Done():
	}
	cancel()
	p.stopTimers()
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storeErr
}

func (p *workerPool) worker(ctx context.Context, ready chan *task, settle func()) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case t := <-ready:
			p.attempt(ctx, t, ready, settle)
		}
	}
}

// attempt drives one record through a single sending transition. Every
// state change is durably persisted before the slot is released.
func (p *workerPool) attempt(ctx context.Context, t *task, ready chan *task, settle func()) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			// Cancelled while throttled; the record keeps its persisted
			// pending/retry_wait status and stays resumable.
			return
		}
	}

	rec := t.rec
	rec.Attempts++
	rec.Status = batch.StatusSending
	if err := p.persist(ctx, rec); err != nil {
		// A stop signal landing during this write makes ctx-honoring
		// backends return the context error. Nothing is in flight yet
		// and the record's persisted state is untouched, so this is a
		// cooperative stop, not a store failure.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		// The attempt must not proceed if its outcome could not be
		// recorded durably.
		p.abort(err)
		return
	}

	// The provider call is detached from run cancellation: once issued,
	// abandoning it would orphan a send with an unknown outcome.
	sctx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), p.opts.SendTimeout)
	res, err := p.snd.Send(sctx, t.msg)
	cancelSend()

	// Result persistence is likewise detached so a stop signal cannot
	// lose the outcome of a completed call.
	pctx := context.WithoutCancel(ctx)

	if err == nil {
		rec.Status = batch.StatusSent
		rec.ProviderMessageID = res.MessageID
		rec.LastError = ""
		if perr := p.persist(pctx, rec); perr != nil {
			p.abort(perr)
			return
		}
		p.collector.Observe(*rec)
		settle()
		p.log.Debug().Int("idx", rec.Index).Int("attempt", rec.Attempts).
			Str("message_id", rec.ProviderMessageID).Msg("message sent")
		return
	}

	class := p.classify(err)
	rec.LastError = err.Error()

	if class == ClassRetryable && rec.Attempts < p.opts.MaxAttempts {
		rec.Status = batch.StatusRetryWait
		if perr := p.persist(pctx, rec); perr != nil {
			p.abort(perr)
			return
		}
		delay := backoffDelay(p.opts.BackoffBase, p.opts.BackoffMax, rec.Attempts)
		p.log.Debug().Int("idx", rec.Index).Int("attempt", rec.Attempts).
			Dur("delay", delay).Err(err).Msg("retry scheduled")
		p.schedule(ctx, t, delay, ready)
		return
	}

	rec.Status = batch.StatusPermanentlyFailed
	if perr := p.persist(pctx, rec); perr != nil {
		p.abort(perr)
		return
	}
	p.collector.Observe(*rec)
	settle()
	p.log.Warn().Int("idx", rec.Index).Int("attempt", rec.Attempts).
		Str("class", class.String()).Err(err).Msg("message permanently failed")
}

func (p *workerPool) persist(ctx context.Context, rec *batch.MessageRecord) error {
	rec.UpdatedAt = time.Now()
	return p.st.Upsert(ctx, rec)
}

// schedule re-queues a retry_wait task after its backoff delay without
// occupying a concurrency slot.
func (p *workerPool) schedule(ctx context.Context, t *task, delay time.Duration, ready chan *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	tm := time.AfterFunc(delay, func() {
		select {
		case <-ctx.Done():
			// Stopped mid-backoff: the record stays retry_wait in the
			// store and is re-enqueued on resume.
		case ready <- t:
		}
	})
	p.timers = append(p.timers, tm)
}

// abort records the first fatal store error and stops the dispatch so
// the engine can flush and exit cleanly instead of silently losing
// state.
func (p *workerPool) abort(err error) {
	p.mu.Lock()
	if p.storeErr == nil {
		p.storeErr = err
	}
	cancel := p.cancel
	p.mu.Unlock()
	p.log.Error().Err(err).Msg("state store write failed, stopping dispatch")
	if cancel != nil {
		cancel()
	}
}

func (p *workerPool) stopTimers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, tm := range p.timers {
		tm.Stop()
	}
	p.timers = nil
}

// backoffDelay computes the retry delay after the given attempt number:
// an exponential backoff capped at max, scaled by equal jitter into
// [0.5, 1.0) of the capped value.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp > float64(max) {
		exp = float64(max)
	}
	return time.Duration(exp * (0.5 + rand.Float64()/2))
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailgoatai/mailgoat-sub005/internal/batch"
	"github.com/mailgoatai/mailgoat-sub005/internal/sender"
	"github.com/mailgoatai/mailgoat-sub005/internal/store"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]batch.Job
	recs       map[string]map[int]batch.MessageRecord
	failWrites atomic.Bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[string]batch.Job),
		recs: make(map[string]map[int]batch.MessageRecord),
	}
}

func (s *memStore) SaveBatch(_ context.Context, job batch.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.BatchID] = job
	return nil
}

func (s *memStore) GetBatch(_ context.Context, batchID string) (*batch.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[batchID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &job, nil
}

func (s *memStore) Upsert(_ context.Context, rec *batch.MessageRecord) error {
	if s.failWrites.Load() {
		return errors.New("store: disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.recs[rec.BatchID]
	if !ok {
		m = make(map[int]batch.MessageRecord)
		s.recs[rec.BatchID] = m
	}
	m[rec.Index] = *rec
	return nil
}

func (s *memStore) LoadBatch(_ context.Context, batchID string) ([]batch.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []batch.MessageRecord
	for _, rec := range s.recs[batchID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *memStore) DeleteBatch(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, batchID)
	delete(s.jobs, batchID)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) record(t *testing.T, batchID string, idx int) batch.MessageRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[batchID][idx]
	if !ok {
		t.Fatalf("no record for %s/%d", batchID, idx)
	}
	return rec
}

// fakeSender scripts per-recipient outcomes and tracks the number of
// simultaneously in-flight sends.
type fakeSender struct {
	mu       sync.Mutex
	calls    map[string]int
	total    int64
	inFlight int64
	maxSeen  int64
	delay    time.Duration
	outcome  func(to string, call int) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(map[string]int)}
}

func (f *fakeSender) Send(_ context.Context, msg *sender.Message) (*sender.Result, error) {
	cur := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt64(&f.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt64(&f.maxSeen, seen, cur) {
			break
		}
	}
	atomic.AddInt64(&f.total, 1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	to := msg.To[0]
	f.mu.Lock()
	f.calls[to]++
	call := f.calls[to]
	f.mu.Unlock()

	if f.outcome != nil {
		if err := f.outcome(to, call); err != nil {
			return nil, err
		}
	}
	return &sender.Result{MessageID: fmt.Sprintf("mid-%s-%d", to, call), SentAt: time.Now()}, nil
}

func (f *fakeSender) callsFor(to string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[to]
}

func testMessages(n int) []sender.Message {
	msgs := make([]sender.Message, n)
	for i := range msgs {
		msgs[i] = sender.Message{
			To:      []string{fmt.Sprintf("user%d@example.com", i)},
			Subject: "hello",
			Body:    "body",
		}
	}
	return msgs
}

func fastOptions() Options {
	return Options{
		Concurrency: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}
}

func TestRunAllSucceed(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	coord := NewCoordinator(snd, st)

	snap, err := coord.Run(context.Background(), "batch-1", testMessages(5), fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 5, snap.SentCount)
	assert.Equal(t, 0, snap.PermanentlyFailedCount)
	assert.Equal(t, 0, snap.RetriedCount)
	assert.True(t, snap.Completed)

	for i := 0; i < 5; i++ {
		rec := st.record(t, "batch-1", i)
		assert.Equal(t, batch.StatusSent, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		assert.NotEmpty(t, rec.ProviderMessageID)
	}
}

func TestRunRetryableExhaustsAttempts(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	snd.outcome = func(to string, call int) error {
		if to == "user2@example.com" {
			return &sender.ProviderError{StatusCode: 503, Message: "try later"}
		}
		return nil
	}
	coord := NewCoordinator(snd, st)

	snap, err := coord.Run(context.Background(), "batch-2", testMessages(5), fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 4, snap.SentCount)
	assert.Equal(t, 1, snap.PermanentlyFailedCount)
	assert.Equal(t, 2, snap.RetriedCount)
	assert.Equal(t, 7, snap.TotalAttempts)
	assert.True(t, snap.Completed)

	rec := st.record(t, "batch-2", 2)
	assert.Equal(t, batch.StatusPermanentlyFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.LastError, "try later")
	assert.Equal(t, 3, snd.callsFor("user2@example.com"))
}

func TestRunPermanentFailureNeverRetried(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	snd.outcome = func(to string, call int) error {
		if to == "user0@example.com" {
			return &sender.ProviderError{StatusCode: 422, Code: "invalid_recipient", Message: "bad address"}
		}
		return nil
	}
	coord := NewCoordinator(snd, st)

	snap, err := coord.Run(context.Background(), "batch-3", testMessages(3), fastOptions())
	require.NoError(t, err)

	assert.Equal(t, 2, snap.SentCount)
	assert.Equal(t, 1, snap.PermanentlyFailedCount)

	rec := st.record(t, "batch-3", 0)
	assert.Equal(t, batch.StatusPermanentlyFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, snd.callsFor("user0@example.com"))
}

func TestRunValidatesConcurrencyBeforeDispatch(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	coord := NewCoordinator(snd, st)

	opts := fastOptions()
	opts.Concurrency = 75
	_, err := coord.Run(context.Background(), "batch-4", testMessages(3), opts)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "concurrency", verr.Field)
	assert.Equal(t, int64(0), atomic.LoadInt64(&snd.total))
}

func TestRunEmptyBatchID(t *testing.T) {
	coord := NewCoordinator(newFakeSender(), newMemStore())
	_, err := coord.Run(context.Background(), "", testMessages(1), fastOptions())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestResumeSkipsTerminalRecords(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	require.NoError(t, st.SaveBatch(ctx, batch.Job{BatchID: "batch-5", TotalCount: 5}))
	seed := []batch.MessageRecord{
		{BatchID: "batch-5", Index: 0, Status: batch.StatusSent, Attempts: 1, ProviderMessageID: "m0"},
		{BatchID: "batch-5", Index: 1, Status: batch.StatusSent, Attempts: 1, ProviderMessageID: "m1"},
		{BatchID: "batch-5", Index: 2, Status: batch.StatusPermanentlyFailed, Attempts: 3, LastError: "rejected"},
		{BatchID: "batch-5", Index: 3, Status: batch.StatusSending, Attempts: 1},
		{BatchID: "batch-5", Index: 4, Status: batch.StatusPending},
	}
	for i := range seed {
		require.NoError(t, st.Upsert(ctx, &seed[i]))
	}

	snd := newFakeSender()
	coord := NewCoordinator(snd, st)
	opts := fastOptions()
	opts.Resume = true

	snap, err := coord.Run(ctx, "batch-5", testMessages(5), opts)
	require.NoError(t, err)

	// Only the crashed-mid-flight record and the pending record are
	// dispatched; the terminal three are never re-sent.
	assert.Equal(t, int64(2), atomic.LoadInt64(&snd.total))
	assert.Equal(t, 0, snd.callsFor("user0@example.com"))
	assert.Equal(t, 0, snd.callsFor("user2@example.com"))

	assert.Equal(t, 4, snap.SentCount)
	assert.Equal(t, 1, snap.PermanentlyFailedCount)
	assert.True(t, snap.Completed)

	// The interrupted sending record keeps its prior attempt count.
	rec := st.record(t, "batch-5", 3)
	assert.Equal(t, batch.StatusSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestResumeFalseDiscardsPriorState(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	rec := batch.MessageRecord{BatchID: "batch-6", Index: 0, Status: batch.StatusSent, Attempts: 2}
	require.NoError(t, st.Upsert(ctx, &rec))

	snd := newFakeSender()
	coord := NewCoordinator(snd, st)

	snap, err := coord.Run(ctx, "batch-6", testMessages(2), fastOptions())
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&snd.total))
	assert.Equal(t, 2, snap.SentCount)
	assert.Equal(t, 1, st.record(t, "batch-6", 0).Attempts)
}

func TestResumeRejectsMismatchedInput(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()
	require.NoError(t, st.SaveBatch(ctx, batch.Job{BatchID: "batch-7", TotalCount: 5}))
	rec := batch.MessageRecord{BatchID: "batch-7", Index: 0, Status: batch.StatusSent, Attempts: 1}
	require.NoError(t, st.Upsert(ctx, &rec))

	coord := NewCoordinator(newFakeSender(), st)
	opts := fastOptions()
	opts.Resume = true

	_, err := coord.Run(ctx, "batch-7", testMessages(3), opts)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestConcurrencyBoundHolds(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	snd.delay = 10 * time.Millisecond
	coord := NewCoordinator(snd, st)

	opts := fastOptions()
	opts.Concurrency = 3
	snap, err := coord.Run(context.Background(), "batch-8", testMessages(20), opts)
	require.NoError(t, err)

	assert.Equal(t, 20, snap.SentCount)
	assert.LessOrEqual(t, atomic.LoadInt64(&snd.maxSeen), int64(3))
}

func TestCancellationLeavesBatchResumable(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	snd.delay = 30 * time.Millisecond
	coord := NewCoordinator(snd, st)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(75 * time.Millisecond)
		cancel()
	}()

	snap, err := coord.Run(ctx, "batch-9", testMessages(10), fastOptions())
	require.NoError(t, err)
	assert.False(t, snap.Completed)
	assert.Less(t, snap.SentCount, 10)

	// No record may be left mid-flight: in-flight attempts completed and
	// were persisted, everything else is pending.
	recs, err := st.LoadBatch(context.Background(), "batch-9")
	require.NoError(t, err)
	for _, rec := range recs {
		assert.NotEqual(t, batch.StatusSending, rec.Status, "index %d left in sending", rec.Index)
	}

	// Resuming finishes the remaining work without re-sending anything.
	snd.delay = 0
	opts := fastOptions()
	opts.Resume = true
	snap2, err := coord.Run(context.Background(), "batch-9", testMessages(10), opts)
	require.NoError(t, err)
	assert.True(t, snap2.Completed)
	assert.Equal(t, 10, snap2.SentCount)
	assert.Equal(t, int64(10), atomic.LoadInt64(&snd.total))
}

func TestStoreWriteFailureStopsRun(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	snd.delay = 5 * time.Millisecond
	coord := NewCoordinator(snd, st)

	go func() {
		time.Sleep(10 * time.Millisecond)
		st.failWrites.Store(true)
	}()

	_, err := coord.Run(context.Background(), "batch-10", testMessages(50), fastOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// ctxAwareStore honors context cancellation the way database/sql and
// go-redis backends do, and fires the cancel itself while a chosen
// record's sending transition is being written.
type ctxAwareStore struct {
	*memStore
	cancel      context.CancelFunc
	cancelOnIdx int
	once        sync.Once
}

func (s *ctxAwareStore) Upsert(ctx context.Context, rec *batch.MessageRecord) error {
	if rec.Status == batch.StatusSending && rec.Index == s.cancelOnIdx {
		s.once.Do(s.cancel)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.Upsert(ctx, rec)
}

func TestCancelDuringSendingWriteIsNotAStoreFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &ctxAwareStore{memStore: newMemStore(), cancel: cancel, cancelOnIdx: 1}
	snd := newFakeSender()
	coord := NewCoordinator(snd, st)

	opts := fastOptions()
	opts.Concurrency = 1
	snap, err := coord.Run(ctx, "batch-12", testMessages(3), opts)

	// The stop signal landed mid-write: a cooperative stop, not a store
	// error, with the progress so far in the snapshot.
	require.NoError(t, err)
	assert.False(t, snap.Completed)
	assert.Equal(t, 1, snap.SentCount)
	assert.Equal(t, int64(1), atomic.LoadInt64(&snd.total))

	recs, lerr := st.LoadBatch(context.Background(), "batch-12")
	require.NoError(t, lerr)
	for _, rec := range recs {
		assert.NotEqual(t, batch.StatusSending, rec.Status, "index %d left in sending", rec.Index)
	}

	// The batch resumes to full completion.
	ropts := fastOptions()
	ropts.Resume = true
	snap2, err := coord.Run(context.Background(), "batch-12", testMessages(3), ropts)
	require.NoError(t, err)
	assert.True(t, snap2.Completed)
	assert.Equal(t, 3, snap2.SentCount)
}

type brokenGetBatchStore struct{ *memStore }

func (s *brokenGetBatchStore) GetBatch(context.Context, string) (*batch.Job, error) {
	return nil, errors.New("store: connection lost")
}

func TestResumePropagatesBatchLookupFailure(t *testing.T) {
	st := &brokenGetBatchStore{memStore: newMemStore()}
	snd := newFakeSender()
	coord := NewCoordinator(snd, st)

	opts := fastOptions()
	opts.Resume = true
	_, err := coord.Run(context.Background(), "batch-13", testMessages(2), opts)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection lost")
	assert.Equal(t, int64(0), atomic.LoadInt64(&snd.total))
}

func TestResumeFreshBatchStartsClean(t *testing.T) {
	st := newMemStore()
	snd := newFakeSender()
	coord := NewCoordinator(snd, st)

	// No prior state: resume tolerates the missing batch row and runs
	// everything from pending.
	opts := fastOptions()
	opts.Resume = true
	snap, err := coord.Run(context.Background(), "batch-14", testMessages(3), opts)
	require.NoError(t, err)
	assert.True(t, snap.Completed)
	assert.Equal(t, 3, snap.SentCount)
}

func TestRunEmptyBatchCompletesImmediately(t *testing.T) {
	coord := NewCoordinator(newFakeSender(), newMemStore())
	snap, err := coord.Run(context.Background(), "batch-11", nil, fastOptions())
	require.NoError(t, err)
	assert.True(t, snap.Completed)
	assert.Equal(t, 0, snap.SentCount)
}

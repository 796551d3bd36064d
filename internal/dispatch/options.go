package dispatch

import (
	"fmt"
	"time"
)

// Concurrency bounds are fail-closed: anything outside them aborts the
// run before a single dispatch, to protect downstream provider rate
// limits.
const (
	MinConcurrency = 1
	MaxConcurrency = 50

	DefaultConcurrency = 10
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultSendTimeout = 30 * time.Second
)

// Options configures one Run.
type Options struct {
	// Concurrency is the hard ceiling on in-flight dispatch attempts.
	// Must be within [MinConcurrency, MaxConcurrency].
	Concurrency int

	// Resume reattaches to the batch's persisted state and completes
	// only unfinished work. When false, prior state for the batch is
	// discarded and every message starts at pending.
	Resume bool

	// MaxAttempts bounds dispatch attempts per message (>= 1).
	MaxAttempts int

	// BackoffBase and BackoffMax shape the exponential retry delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// SendTimeout caps a single provider call.
	SendTimeout time.Duration

	// RatePerSec throttles provider calls across all workers. Zero
	// disables the limiter.
	RatePerSec int
}

// ValidationError reports malformed options or batch input. It is
// raised before any dispatch begins and aborts the whole run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// withDefaults fills unset fields. Zero Concurrency means "use the
// default"; out-of-range values are left for validate to reject.
func (o Options) withDefaults() Options {
	if o.Concurrency == 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}

func (o Options) validate() error {
	if o.Concurrency < MinConcurrency || o.Concurrency > MaxConcurrency {
		return &ValidationError{
			Field:  "concurrency",
			Reason: fmt.Sprintf("%d outside [%d, %d]", o.Concurrency, MinConcurrency, MaxConcurrency),
		}
	}
	if o.MaxAttempts < 1 {
		return &ValidationError{Field: "maxAttempts", Reason: fmt.Sprintf("%d < 1", o.MaxAttempts)}
	}
	if o.BackoffBase < 0 || o.BackoffMax < 0 {
		return &ValidationError{Field: "backoff", Reason: "negative duration"}
	}
	if o.BackoffMax < o.BackoffBase {
		return &ValidationError{Field: "backoff", Reason: "max below base"}
	}
	if o.RatePerSec < 0 {
		return &ValidationError{Field: "ratePerSec", Reason: "negative rate"}
	}
	return nil
}

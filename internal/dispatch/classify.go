package dispatch

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/mailgoatai/mailgoat-sub005/internal/sender"
)

// Classification is the retry decision for a failed attempt.
type Classification int

const (
	// ClassRetryable failures recover locally via backoff and retry.
	ClassRetryable Classification = iota
	// ClassPermanent failures mark the record permanently_failed with no
	// further attempts.
	ClassPermanent
)

func (c Classification) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "retryable"
}

// Classifier maps a send error to a Classification. It must be pure: no
// IO, no state. The coordinator accepts a custom Classifier so the
// policy can be adapted per transport.
type Classifier func(err error) Classification

// DefaultClassifier implements the stock policy:
//   - provider responses 408/425/429/5xx, network errors, and timeouts
//     are retryable
//   - provider responses in the 4xx range (validation, authentication,
//     rejected recipients) are permanent
//   - anything unrecognized is retryable; the attempt ceiling bounds the
//     damage of misclassifying a permanent failure
func DefaultClassifier(err error) Classification {
	if err == nil {
		return ClassRetryable
	}

	var provider *sender.ProviderError
	if errors.As(err, &provider) {
		return classifyStatus(provider.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassRetryable
	}

	return ClassRetryable
}

// classifyStatus follows the same split as provider HTTP clients: retry
// only statuses that indicate transient capacity or server trouble.
func classifyStatus(status int) Classification {
	switch status {
	case http.StatusRequestTimeout, // 408
		http.StatusTooEarly,            // 425
		http.StatusTooManyRequests,     // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return ClassRetryable
	}
	if status >= 500 {
		return ClassRetryable
	}
	if status >= 400 {
		return ClassPermanent
	}
	return ClassRetryable
}

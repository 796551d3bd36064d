// Package sender defines the outbound delivery port consumed by the
// dispatch engine, plus adapters for the MailGoat HTTP API and AWS SES.
// The engine owns retries; adapters attempt a delivery exactly once and
// surface failures as typed errors the retry classifier can inspect.
package sender

import (
	"context"
	"fmt"
	"time"
)

// Message is one outbound email payload. The dispatch engine treats it
// as opaque beyond handing it to a MessageSender.
type Message struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body,omitempty"`
	HTML    string   `json:"html,omitempty"`
	Tag     string   `json:"tag,omitempty"`
}

// Result is a successful delivery attempt.
type Result struct {
	MessageID string
	SentAt    time.Time
}

// MessageSender attempts to deliver one message. On success it returns
// the provider-assigned message ID. On failure the error carries enough
// information (HTTP status, provider error code, network failure kind)
// for classification into retryable vs permanent.
type MessageSender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// ProviderError is a delivery rejection reported by the provider itself,
// as opposed to a network-level failure reaching it.
type ProviderError struct {
	StatusCode int    // HTTP status of the provider response
	Code       string // provider error code, e.g. "invalid_recipient"
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.StatusCode, e.Message)
}

// Package batch defines the durable state model for a dispatch run: the
// batch job, its per-message records, and the status state machine they
// move through.
package batch

import "time"

// Status is the dispatch state of a single message record.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSending           Status = "sending"
	StatusSent              Status = "sent"
	StatusRetryWait         Status = "retry_wait"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusRetryWait, StatusPermanentlyFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal records never
// transition again and are skipped entirely on resume.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusPermanentlyFailed
}

func (s Status) String() string { return string(s) }

// Job identifies one dispatch run. The batch ID is derived
// deterministically from the input source, so re-invoking with the same
// input reattaches to the same persisted state.
type Job struct {
	BatchID    string
	TotalCount int
	CreatedAt  time.Time
}

// MessageRecord is one unit of dispatch work, keyed by (BatchID, Index).
// Index is the message's position within the batch and is stable across
// resumes. The payload itself is not part of the record; the caller
// re-supplies the ordered message collection on every run.
type MessageRecord struct {
	BatchID           string
	Index             int
	Status            Status
	Attempts          int
	LastError         string
	ProviderMessageID string
	UpdatedAt         time.Time
}

package domain

import "time"

// OperatorStatus is the review state of a dead letter. `open` is the only
// creation state; `ignored` and `resolved` are terminal for the pipeline.
type OperatorStatus string

const (
	OperatorOpen     OperatorStatus = "open"
	OperatorRequeued OperatorStatus = "requeued"
	OperatorIgnored  OperatorStatus = "ignored"
	OperatorResolved OperatorStatus = "resolved"
)

// Valid reports whether s is a known operator status.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorOpen, OperatorRequeued, OperatorIgnored, OperatorResolved:
		return true
	}
	return false
}

// CanTransitionTo reports whether an operator may move a dead letter from
// s to next. Only `open` records accept transitions; a requeued record
// returns to `open` solely through a fresh failure episode, which creates
// a new dead letter rather than reopening this one.
func (s OperatorStatus) CanTransitionTo(next OperatorStatus) bool {
	if s != OperatorOpen {
		return false
	}
	switch next {
	case OperatorRequeued, OperatorIgnored, OperatorResolved:
		return true
	}
	return false
}

// DeadLetterRecord quarantines one failure episode of one outbox record.
// The dispatcher never revisits it; only the operator workflow mutates it.
type DeadLetterRecord struct {
	ID                string         `json:"id"`
	OutboxID          string         `json:"outbox_id"`
	AuditEventID      string         `json:"audit_event_id"`
	Destination       string         `json:"destination"`
	FinalAttemptCount int            `json:"final_attempt_count"`
	FirstFailedAt     time.Time      `json:"first_failed_at"`
	DeadLetteredAt    time.Time      `json:"dead_lettered_at"`
	ErrorSummary      string         `json:"error_summary"`
	ErrorDetails      *string        `json:"error_details,omitempty"`
	OperatorStatus    OperatorStatus `json:"operator_status"`
	OperatorID        *string        `json:"operator_id,omitempty"`
	OperatorNote      *string        `json:"operator_note,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

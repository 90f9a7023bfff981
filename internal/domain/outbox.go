package domain

import "time"

// DeliveryState is the lifecycle state of an outbox record. It is the
// source of truth for dispatch decisions; the nullable timestamps on the
// record are evidence of transitions, never something to branch on.
type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateInProgress   DeliveryState = "in_progress"
	StateRetryWait    DeliveryState = "retry_wait"
	StateDelivered    DeliveryState = "delivered"
	StateDeadLettered DeliveryState = "dead_lettered"
)

// Valid reports whether s is one of the closed set of delivery states.
func (s DeliveryState) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateRetryWait, StateDelivered, StateDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether the dispatcher will never select this state again.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateDeadLettered
}

// OutboxRecord is one pending delivery of one audit event to one
// destination. (destination, event) and the idempotency key are both
// unique, so an event is enqueued to a destination at most once.
type OutboxRecord struct {
	ID               string        `json:"id"`
	AuditEventID     string        `json:"audit_event_id"`
	Destination      string        `json:"destination"`
	IdempotencyKey   string        `json:"idempotency_key"`
	DeliveryState    DeliveryState `json:"delivery_state"`
	AttemptCount     int           `json:"attempt_count"`
	NextAttemptAt    time.Time     `json:"next_attempt_at"`
	LastErrorCode    *string       `json:"last_error_code,omitempty"`
	LastErrorMessage *string       `json:"last_error_message,omitempty"`
	LastAttemptAt    *time.Time    `json:"last_attempt_at,omitempty"`
	DeliveredAt      *time.Time    `json:"delivered_at,omitempty"`
	LeaseOwner       *string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time    `json:"lease_expires_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

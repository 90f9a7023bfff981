package domain

import (
	"encoding/json"
	"time"
)

// ResultStatus is the recorded outcome of the audited action itself.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultPartial ResultStatus = "partial"
)

// AuditEvent is an immutable audit fact. Written exactly once by the
// producer and never mutated; delivery bookkeeping lives in the outbox.
type AuditEvent struct {
	ID                string          `json:"id"`
	OccurredAt        time.Time       `json:"occurred_at"`
	ActorType         string          `json:"actor_type"`
	ActorID           *string         `json:"actor_id,omitempty"`
	TenantID          *string         `json:"tenant_id,omitempty"`
	TraceID           *string         `json:"trace_id,omitempty"`
	RequestID         *string         `json:"request_id,omitempty"`
	Action            string          `json:"action"`
	TargetType        *string         `json:"target_type,omitempty"`
	TargetID          *string         `json:"target_id,omitempty"`
	ResultStatus      ResultStatus    `json:"result_status"`
	HTTPStatus        *int            `json:"http_status,omitempty"`
	SourceIP          *string         `json:"source_ip,omitempty"`
	UserAgent         *string         `json:"user_agent,omitempty"`
	PayloadRedacted   json.RawMessage `json:"payload_redacted"`
	PayloadHashSHA256 string          `json:"payload_hash_sha256"`
	SchemaVersion     int             `json:"schema_version"`
	CreatedAt         time.Time       `json:"created_at"`
}

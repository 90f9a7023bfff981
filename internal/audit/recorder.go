// Package audit records audit events and fans them out into the delivery
// outbox. The event insert and the outbox fan-out commit as a single
// transaction, so a recorded event can never miss its deliveries.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stratalog/audit-relay/internal/domain"
	"github.com/stratalog/audit-relay/internal/metrics"
	"github.com/stratalog/audit-relay/internal/store"
)

const schemaVersion = 1

// ErrInvalidResultStatus rejects a record whose result_status is outside
// the closed success/failure/partial set.
var ErrInvalidResultStatus = errors.New("invalid result_status")

// EventStore is the slice of the store the recorder needs.
type EventStore interface {
	CreateEventWithOutbox(ctx context.Context, event *domain.AuditEvent, enqueues []store.OutboxEnqueue) error
}

// Recorder writes immutable audit events and enqueues one delivery per
// configured destination.
type Recorder struct {
	store        EventStore
	destinations []string
	logger       *slog.Logger
}

func NewRecorder(s EventStore, destinations []string, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:        s,
		destinations: destinations,
		logger:       logger,
	}
}

// RecordRequest is the producer-facing shape of an audit fact. The payload
// must already be redacted; the recorder only hashes it.
type RecordRequest struct {
	OccurredAt   time.Time       `json:"occurred_at"`
	ActorType    string          `json:"actor_type"`
	ActorID      *string         `json:"actor_id,omitempty"`
	TenantID     *string         `json:"tenant_id,omitempty"`
	TraceID      *string         `json:"trace_id,omitempty"`
	RequestID    *string         `json:"request_id,omitempty"`
	Action       string          `json:"action"`
	TargetType   *string         `json:"target_type,omitempty"`
	TargetID     *string         `json:"target_id,omitempty"`
	ResultStatus string          `json:"result_status"`
	HTTPStatus   *int            `json:"http_status,omitempty"`
	SourceIP     *string         `json:"source_ip,omitempty"`
	UserAgent    *string         `json:"user_agent,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Record persists the event and its fan-out. Enqueue collisions are
// already absorbed at the store level, so retried producer calls with the
// same event id remain safe.
func (r *Recorder) Record(ctx context.Context, req RecordRequest) (*domain.AuditEvent, error) {
	now := time.Now().UTC()
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	result := domain.ResultStatus(req.ResultStatus)
	switch result {
	case domain.ResultSuccess, domain.ResultFailure, domain.ResultPartial:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResultStatus, req.ResultStatus)
	}

	event := &domain.AuditEvent{
		ID:                uuid.NewString(),
		OccurredAt:        occurredAt,
		ActorType:         req.ActorType,
		ActorID:           req.ActorID,
		TenantID:          req.TenantID,
		TraceID:           req.TraceID,
		RequestID:         req.RequestID,
		Action:            req.Action,
		TargetType:        req.TargetType,
		TargetID:          req.TargetID,
		ResultStatus:      result,
		HTTPStatus:        req.HTTPStatus,
		SourceIP:          req.SourceIP,
		UserAgent:         req.UserAgent,
		PayloadRedacted:   req.Payload,
		PayloadHashSHA256: HashPayload(req.Payload),
		SchemaVersion:     schemaVersion,
		CreatedAt:         now,
	}

	enqueues := make([]store.OutboxEnqueue, 0, len(r.destinations))
	for _, dest := range r.destinations {
		enqueues = append(enqueues, store.OutboxEnqueue{
			Destination:    dest,
			IdempotencyKey: IdempotencyKey(dest, event.ID, event.SchemaVersion),
		})
	}

	if err := r.store.CreateEventWithOutbox(ctx, event, enqueues); err != nil {
		return nil, fmt.Errorf("recording audit event: %w", err)
	}

	metrics.EventsRecorded.Inc()
	r.logger.Info("audit event recorded",
		"event_id", event.ID,
		"action", event.Action,
		"destinations", len(enqueues),
	)

	return event, nil
}

// Destinations returns the configured fan-out targets.
func (r *Recorder) Destinations() []string {
	return r.destinations
}

// IdempotencyKey derives the deterministic dedupe key a destination uses
// to recognize duplicate deliveries of the same logical event.
func IdempotencyKey(destination, eventID string, version int) string {
	return fmt.Sprintf("%s:%s:v%d", destination, eventID, version)
}

// HashPayload returns the hex SHA-256 of the payload, an integrity proof
// that survives without storing the unredacted body.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

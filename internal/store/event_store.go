package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stratalog/audit-relay/internal/domain"
)

const auditEventColumns = `id, occurred_at, actor_type, actor_id, tenant_id, trace_id, request_id,
	action, target_type, target_id, result_status, http_status, source_ip, user_agent,
	payload_redacted, payload_hash_sha256, schema_version, created_at`

func scanAuditEvent(row pgx.Row) (*domain.AuditEvent, error) {
	var e domain.AuditEvent
	err := row.Scan(
		&e.ID, &e.OccurredAt, &e.ActorType, &e.ActorID, &e.TenantID, &e.TraceID, &e.RequestID,
		&e.Action, &e.TargetType, &e.TargetID, &e.ResultStatus, &e.HTTPStatus, &e.SourceIP, &e.UserAgent,
		&e.PayloadRedacted, &e.PayloadHashSHA256, &e.SchemaVersion, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEventWithOutbox inserts the audit event and one outbox record per
// destination in a single transaction. Duplicate enqueues (same
// destination+event or idempotency key) are absorbed by the uniqueness
// constraints and treated as success.
func (s *PostgresStore) CreateEventWithOutbox(ctx context.Context, event *domain.AuditEvent, enqueues []OutboxEnqueue) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (`+auditEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		event.ID, event.OccurredAt, event.ActorType, event.ActorID, event.TenantID, event.TraceID, event.RequestID,
		event.Action, event.TargetType, event.TargetID, event.ResultStatus, event.HTTPStatus, event.SourceIP, event.UserAgent,
		event.PayloadRedacted, event.PayloadHashSHA256, event.SchemaVersion, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}

	now := time.Now().UTC()
	for _, enq := range enqueues {
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_outbox (id, audit_event_id, destination, idempotency_key, delivery_state, attempt_count, next_attempt_at)
			VALUES ($1, $2, $3, $4, 'pending', 0, $5)
			ON CONFLICT DO NOTHING
		`, uuid.NewString(), event.ID, enq.Destination, enq.IdempotencyKey, now)
		if err != nil {
			return fmt.Errorf("enqueuing outbox for %s: %w", enq.Destination, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*domain.AuditEvent, error) {
	event, err := scanAuditEvent(s.pool.QueryRow(ctx,
		`SELECT `+auditEventColumns+` FROM audit_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying audit event: %w", err)
	}
	return event, nil
}

// ListEvents returns recent events, optionally filtered by action and tenant.
func (s *PostgresStore) ListEvents(ctx context.Context, action, tenantID string, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT ` + auditEventColumns + ` FROM audit_events`
	args := []any{}
	argIdx := 1
	conditions := []string{}

	if action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argIdx))
		args = append(args, action)
		argIdx++
	}
	if tenantID != "" {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, tenantID)
		argIdx++
	}

	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}

	query += " ORDER BY occurred_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	events := []domain.AuditEvent{}
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, *e)
	}

	return events, rows.Err()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stratalog/audit-relay/internal/domain"
)

// OutboxEnqueue is one (destination, idempotency key) pair to fan an event
// out to.
type OutboxEnqueue struct {
	Destination    string
	IdempotencyKey string
}

const outboxColumns = `id, audit_event_id, destination, idempotency_key, delivery_state, attempt_count,
	next_attempt_at, last_error_code, last_error_message, last_attempt_at, delivered_at,
	lease_owner, lease_expires_at, created_at, updated_at`

func scanOutbox(row pgx.Row) (*domain.OutboxRecord, error) {
	var rec domain.OutboxRecord
	err := row.Scan(
		&rec.ID, &rec.AuditEventID, &rec.Destination, &rec.IdempotencyKey, &rec.DeliveryState, &rec.AttemptCount,
		&rec.NextAttemptAt, &rec.LastErrorCode, &rec.LastErrorMessage, &rec.LastAttemptAt, &rec.DeliveredAt,
		&rec.LeaseOwner, &rec.LeaseExpiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SelectDue returns up to batchSize candidate records that are due for
// delivery, oldest first. The result is only a candidate list: rows must
// still be claimed individually, and another worker may win any of them.
func (s *PostgresStore) SelectDue(ctx context.Context, now time.Time, batchSize int) ([]domain.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM audit_outbox
		WHERE delivery_state IN ('pending', 'retry_wait') AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC
		LIMIT $2
	`, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting due outbox rows: %w", err)
	}
	defer rows.Close()

	var records []domain.OutboxRecord
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// Claim attempts to take an exclusive lease on one candidate row. The state
// check and the lease write are a single conditional update, so exactly one
// of any number of racing workers wins. A false return with nil error means
// another worker got there first.
func (s *PostgresStore) Claim(ctx context.Context, id, workerID string, leaseUntil time.Time) (*domain.OutboxRecord, bool, error) {
	rec, err := scanOutbox(s.pool.QueryRow(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'in_progress', lease_owner = $2, lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND delivery_state IN ('pending', 'retry_wait')
		RETURNING `+outboxColumns,
		id, workerID, leaseUntil))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claiming outbox row: %w", err)
	}
	return rec, true, nil
}

// MarkDelivered closes a claimed row as successfully delivered. The
// attempt count is untouched: it counts failed attempts only.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id, workerID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'delivered', delivered_at = $3, last_attempt_at = $3,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND delivery_state = 'in_progress' AND lease_owner = $2
	`, id, workerID, now)
	if err != nil {
		return fmt.Errorf("marking delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("marking delivered: lease on %s no longer held", id)
	}
	return nil
}

// MarkRetryWait records a transient failure and reschedules the row.
// attemptCount must already include the failure being recorded.
func (s *PostgresStore) MarkRetryWait(ctx context.Context, id, workerID string, attemptCount int, nextAttemptAt time.Time, errCode, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'retry_wait', attempt_count = $3, next_attempt_at = $4,
		    last_error_code = $5, last_error_message = $6, last_attempt_at = $7,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND delivery_state = 'in_progress' AND lease_owner = $2
	`, id, workerID, attemptCount, nextAttemptAt, errCode, truncateError(errMsg), now)
	if err != nil {
		return fmt.Errorf("marking retry_wait: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("marking retry_wait: lease on %s no longer held", id)
	}
	return nil
}

// ReleaseLease hands a claimed row back without recording an attempt.
// Used on graceful shutdown and when a delivery was never started (circuit
// open, rate limited): the row becomes due again immediately.
func (s *PostgresStore) ReleaseLease(ctx context.Context, id, workerID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'retry_wait', next_attempt_at = $3,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND delivery_state = 'in_progress' AND lease_owner = $2
	`, id, workerID, now)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}

// ReclaimExpired resets rows whose lease expired without resolution back to
// retry_wait. The attempt count stays as it was: the outcome of the dying
// worker's attempt is unknown, and at-least-once semantics err toward an
// extra delivery over a lost one.
func (s *PostgresStore) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'retry_wait', next_attempt_at = $1,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE delivery_state = 'in_progress' AND lease_expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reclaiming expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetOutbox(ctx context.Context, id string) (*domain.OutboxRecord, error) {
	rec, err := scanOutbox(s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM audit_outbox WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying outbox row: %w", err)
	}
	return rec, nil
}

// ListOutbox returns outbox records with optional state/destination filters.
func (s *PostgresStore) ListOutbox(ctx context.Context, state, destination string, limit int) ([]domain.OutboxRecord, error) {
	query := `SELECT ` + outboxColumns + ` FROM audit_outbox`
	args := []any{}
	argIdx := 1
	conditions := []string{}

	if state != "" {
		conditions = append(conditions, fmt.Sprintf("delivery_state = $%d", argIdx))
		args = append(args, state)
		argIdx++
	}
	if destination != "" {
		conditions = append(conditions, fmt.Sprintf("destination = $%d", argIdx))
		args = append(args, destination)
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

	query += " ORDER BY next_attempt_at ASC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox rows: %w", err)
	}
	defer rows.Close()

	records := []domain.OutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// PipelineStats holds the backlog gauges operators watch.
type PipelineStats struct {
	Backlog         int64 `json:"backlog"`
	InProgress      int64 `json:"in_progress"`
	Delivered       int64 `json:"delivered"`
	DeadLettered    int64 `json:"dead_lettered"`
	OpenDeadLetters int64 `json:"open_dead_letters"`
	TotalEvents     int64 `json:"total_events"`
}

// GetPipelineStats returns aggregate pipeline counters.
func (s *PostgresStore) GetPipelineStats(ctx context.Context) (*PipelineStats, error) {
	var st PipelineStats

	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE delivery_state IN ('pending', 'retry_wait')) AS backlog,
			COUNT(*) FILTER (WHERE delivery_state = 'in_progress') AS in_progress,
			COUNT(*) FILTER (WHERE delivery_state = 'delivered') AS delivered,
			COUNT(*) FILTER (WHERE delivery_state = 'dead_lettered') AS dead_lettered
		FROM audit_outbox
	`).Scan(&st.Backlog, &st.InProgress, &st.Delivered, &st.DeadLettered)
	if err != nil {
		return nil, fmt.Errorf("querying outbox stats: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_dead_letters WHERE operator_status = 'open'`,
	).Scan(&st.OpenDeadLetters)
	if err != nil {
		return nil, fmt.Errorf("querying open dead letters: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&st.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("querying event count: %w", err)
	}

	return &st, nil
}

// truncateError caps error messages at the column width, keeping the head.
func truncateError(msg string) string {
	const maxBytes = 1024
	if len(msg) <= maxBytes {
		return msg
	}
	return msg[:maxBytes-len("...(truncated)")] + "...(truncated)"
}

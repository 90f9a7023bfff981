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

const deadLetterColumns = `id, outbox_id, audit_event_id, destination, final_attempt_count,
	first_failed_at, dead_lettered_at, error_summary, error_details,
	operator_status, operator_id, operator_note, updated_at`

func scanDeadLetter(row pgx.Row) (*domain.DeadLetterRecord, error) {
	var dl domain.DeadLetterRecord
	err := row.Scan(
		&dl.ID, &dl.OutboxID, &dl.AuditEventID, &dl.Destination, &dl.FinalAttemptCount,
		&dl.FirstFailedAt, &dl.DeadLetteredAt, &dl.ErrorSummary, &dl.ErrorDetails,
		&dl.OperatorStatus, &dl.OperatorID, &dl.OperatorNote, &dl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

// DeadLetterParams captures one exhausted or permanently failed delivery.
// ErrorSummary doubles as the outbox row's last_error_code so the terminal
// row describes its own failure.
type DeadLetterParams struct {
	OutboxID          string
	AuditEventID      string
	Destination       string
	WorkerID          string
	FinalAttemptCount int
	FirstFailedAt     time.Time
	ErrorSummary      string
	ErrorDetails      string
	LastErrorMessage  string
}

// DeadLetter quarantines a claimed outbox row: the dead letter insert and
// the flip to dead_lettered commit as one transaction, so a crash cannot
// leave one without the other.
func (s *PostgresStore) DeadLetter(ctx context.Context, p DeadLetterParams, now time.Time) (*domain.DeadLetterRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'dead_lettered', attempt_count = $3, last_attempt_at = $4,
		    last_error_code = $5, last_error_message = $6,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND delivery_state = 'in_progress' AND lease_owner = $2
	`, p.OutboxID, p.WorkerID, p.FinalAttemptCount, now, p.ErrorSummary, truncateError(p.LastErrorMessage))
	if err != nil {
		return nil, fmt.Errorf("closing outbox row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("dead-lettering: lease on %s no longer held", p.OutboxID)
	}

	var details *string
	if p.ErrorDetails != "" {
		details = &p.ErrorDetails
	}

	dl, err := scanDeadLetter(tx.QueryRow(ctx, `
		INSERT INTO audit_dead_letters (id, outbox_id, audit_event_id, destination,
			final_attempt_count, first_failed_at, dead_lettered_at, error_summary, error_details, operator_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open')
		RETURNING `+deadLetterColumns,
		uuid.NewString(), p.OutboxID, p.AuditEventID, p.Destination,
		p.FinalAttemptCount, p.FirstFailedAt, now, p.ErrorSummary, details))
	if err != nil {
		return nil, fmt.Errorf("inserting dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return dl, nil
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterRecord, error) {
	dl, err := scanDeadLetter(s.pool.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM audit_dead_letters WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters filtered by operator status and
// destination, newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, status, destination string, limit int) ([]domain.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM audit_dead_letters`
	args := []any{}
	argIdx := 1
	conditions := []string{}

	if status != "" {
		conditions = append(conditions, fmt.Sprintf("operator_status = $%d", argIdx))
		args = append(args, status)
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

	query += " ORDER BY dead_lettered_at DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer rows.Close()

	letters := []domain.DeadLetterRecord{}
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		letters = append(letters, *dl)
	}

	return letters, rows.Err()
}

// TransitionDeadLetter moves an open dead letter to ignored or resolved.
// Requeueing goes through RequeueDeadLetter since it also touches the
// outbox row.
func (s *PostgresStore) TransitionDeadLetter(ctx context.Context, id string, to domain.OperatorStatus, operatorID, note string) error {
	if to != domain.OperatorIgnored && to != domain.OperatorResolved {
		return fmt.Errorf("%w: cannot set %s directly", ErrInvalidTransition, to)
	}

	var notePtr *string
	if note != "" {
		notePtr = &note
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE audit_dead_letters
		SET operator_status = $2, operator_id = $3, operator_note = $4, updated_at = NOW()
		WHERE id = $1 AND operator_status = 'open'
	`, id, to, operatorID, notePtr)
	if err != nil {
		return fmt.Errorf("transitioning dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetDeadLetter(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}
	return nil
}

// RequeueDeadLetter re-arms the dead letter's outbox row for a fresh
// delivery cycle: attempt count back to zero, due immediately. The status
// flip and the re-arm commit together. If the row fails again, the
// pipeline creates a new dead letter rather than reopening this one.
func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, id, operatorID, note string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var notePtr *string
	if note != "" {
		notePtr = &note
	}

	var outboxID string
	err = tx.QueryRow(ctx, `
		UPDATE audit_dead_letters
		SET operator_status = 'requeued', operator_id = $2, operator_note = $3, updated_at = NOW()
		WHERE id = $1 AND operator_status = 'open'
		RETURNING outbox_id
	`, id, operatorID, notePtr).Scan(&outboxID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetDeadLetter(ctx, id); getErr != nil {
				return getErr
			}
			return ErrInvalidTransition
		}
		return fmt.Errorf("requeueing dead letter: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE audit_outbox
		SET delivery_state = 'pending', attempt_count = 0, next_attempt_at = $2,
		    last_error_code = NULL, last_error_message = NULL,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND delivery_state = 'dead_lettered'
	`, outboxID, now)
	if err != nil {
		return fmt.Errorf("re-arming outbox row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("re-arming outbox row %s: not in dead_lettered state", outboxID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

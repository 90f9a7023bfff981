package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stratalog/audit-relay/internal/config"
	"github.com/stratalog/audit-relay/internal/domain"
	"github.com/stratalog/audit-relay/internal/engine"
	"github.com/stratalog/audit-relay/internal/metrics"
	"github.com/stratalog/audit-relay/internal/retry"
	"github.com/stratalog/audit-relay/internal/sink"
	"github.com/stratalog/audit-relay/internal/store"
	ws "github.com/stratalog/audit-relay/internal/websocket"
)

// OutboxStore is the slice of the store the worker needs. All ownership
// transitions behind it are single conditional updates.
type OutboxStore interface {
	SelectDue(ctx context.Context, now time.Time, batchSize int) ([]domain.OutboxRecord, error)
	Claim(ctx context.Context, id, workerID string, leaseUntil time.Time) (*domain.OutboxRecord, bool, error)
	MarkDelivered(ctx context.Context, id, workerID string, now time.Time) error
	MarkRetryWait(ctx context.Context, id, workerID string, attemptCount int, nextAttemptAt time.Time, errCode, errMsg string, now time.Time) error
	ReleaseLease(ctx context.Context, id, workerID string, now time.Time) error
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
	DeadLetter(ctx context.Context, p store.DeadLetterParams, now time.Time) (*domain.DeadLetterRecord, error)
	GetEvent(ctx context.Context, id string) (*domain.AuditEvent, error)
	GetPipelineStats(ctx context.Context) (*store.PipelineStats, error)
}

// Executor runs one claimed outbox record through its destination sink and
// applies the outcome: close on success, reschedule on transient failure,
// quarantine on permanent failure or retry exhaustion.
type Executor struct {
	store          OutboxStore
	sinks          map[string]sink.Sink
	destinations   map[string]config.Destination
	policies       map[string]retry.Policy
	circuitBreaker *engine.CircuitBreaker
	rateLimiter    *engine.RateLimiter
	redisClient    *redis.Client
	workerID       string
	logger         *slog.Logger
}

// ExecutorOptions carries the optional collaborators. Any of them may be
// nil; the executor then skips the corresponding step.
type ExecutorOptions struct {
	CircuitBreaker *engine.CircuitBreaker
	RateLimiter    *engine.RateLimiter
	RedisClient    *redis.Client
}

func NewExecutor(s OutboxStore, sinks map[string]sink.Sink, destinations []config.Destination, workerID string, logger *slog.Logger, opts ExecutorOptions) *Executor {
	destMap := make(map[string]config.Destination, len(destinations))
	policies := make(map[string]retry.Policy, len(destinations))
	for _, d := range destinations {
		destMap[d.Name] = d
		policies[d.Name] = retry.FromDestination(d)
	}

	return &Executor{
		store:          s,
		sinks:          sinks,
		destinations:   destMap,
		policies:       policies,
		circuitBreaker: opts.CircuitBreaker,
		rateLimiter:    opts.RateLimiter,
		redisClient:    opts.RedisClient,
		workerID:       workerID,
		logger:         logger,
	}
}

// Execute processes one claimed record. Every path out of here leaves the
// record in retry_wait, delivered, or dead_lettered: nothing is dropped.
func (e *Executor) Execute(ctx context.Context, rec domain.OutboxRecord) {
	log := e.logger.With("outbox_id", rec.ID, "event_id", rec.AuditEventID, "destination", rec.Destination)

	dest, ok := e.destinations[rec.Destination]
	if !ok {
		// Destination dropped from config: count it as a transient failure
		// so the row eventually dead-letters instead of spinning forever.
		e.handleFailure(ctx, rec, sink.Transient("unknown_destination", fmt.Sprintf("destination %q is not configured", rec.Destination)), log)
		return
	}

	destSink, ok := e.sinks[rec.Destination]
	if !ok {
		e.handleFailure(ctx, rec, sink.Transient("sink_unavailable", fmt.Sprintf("no sink built for %q", rec.Destination)), log)
		return
	}

	// Breaker and limiter gate the attempt before it starts. A blocked
	// claim is handed back untouched: no attempt happened.
	if e.circuitBreaker != nil {
		if state, allowed := e.circuitBreaker.AllowRequest(ctx, rec.Destination); !allowed {
			log.Debug("delivery blocked by circuit breaker", "state", state)
			e.Release(rec)
			return
		}
	}
	if e.rateLimiter != nil && !e.rateLimiter.Allow(ctx, rec.Destination, dest.RateLimitPerSecond) {
		e.Release(rec)
		return
	}

	event, err := e.store.GetEvent(ctx, rec.AuditEventID)
	if err != nil {
		log.Error("failed to load audit event for delivery", "error", err)
		e.Release(rec)
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		e.handleFailure(ctx, rec, sink.Permanent("marshal_failed", err.Error()), log)
		return
	}

	deliverCtx, cancel := context.WithTimeout(ctx, dest.Timeout())
	start := time.Now()
	outcome := destSink.Deliver(deliverCtx, payload, rec.IdempotencyKey)
	cancel()
	metrics.DeliveryDuration.WithLabelValues(rec.Destination).Observe(time.Since(start).Seconds())

	switch outcome.Status {
	case sink.StatusDelivered:
		e.handleSuccess(ctx, rec, log)
	default:
		e.handleFailure(ctx, rec, outcome, log)
	}
}

func (e *Executor) handleSuccess(ctx context.Context, rec domain.OutboxRecord, log *slog.Logger) {
	now := time.Now().UTC()
	if err := e.store.MarkDelivered(ctx, rec.ID, e.workerID, now); err != nil {
		// The lease may have expired mid-delivery and been reclaimed. The
		// row will be retried; the idempotency key absorbs the duplicate.
		log.Warn("delivered but could not close row", "error", err)
		return
	}

	if e.circuitBreaker != nil {
		e.circuitBreaker.RecordSuccess(ctx, rec.Destination)
	}
	metrics.Deliveries.WithLabelValues(rec.Destination, "delivered").Inc()
	e.publishFeed(ctx, ws.DeliveryEvent{
		Type:        ws.TypeDelivered,
		OutboxID:    rec.ID,
		EventID:     rec.AuditEventID,
		Destination: rec.Destination,
		Attempt:     rec.AttemptCount,
		Timestamp:   now,
	})

	log.Info("delivery successful", "attempt_count", rec.AttemptCount)
}

func (e *Executor) handleFailure(ctx context.Context, rec domain.OutboxRecord, outcome sink.Outcome, log *slog.Logger) {
	now := time.Now().UTC()
	attemptCount := rec.AttemptCount + 1
	policy := e.policyFor(rec.Destination)

	if e.circuitBreaker != nil {
		e.circuitBreaker.RecordFailure(ctx, rec.Destination)
	}

	permanent := outcome.Status == sink.StatusPermanent
	exhausted := policy.Exhausted(attemptCount)

	if permanent || exhausted {
		// The first failure timestamp comes from the outbox row so the
		// dead letter reflects the whole failing episode, not just now.
		firstFailedAt := now
		if rec.LastAttemptAt != nil {
			firstFailedAt = *rec.LastAttemptAt
		}

		details, _ := json.Marshal(map[string]string{"message": outcome.Message})
		dl, err := e.store.DeadLetter(ctx, store.DeadLetterParams{
			OutboxID:          rec.ID,
			AuditEventID:      rec.AuditEventID,
			Destination:       rec.Destination,
			WorkerID:          e.workerID,
			FinalAttemptCount: attemptCount,
			FirstFailedAt:     firstFailedAt,
			ErrorSummary:      errorSummary(outcome),
			ErrorDetails:      string(details),
			LastErrorMessage:  outcome.Message,
		}, now)
		if err != nil {
			log.Error("failed to dead-letter record", "error", err)
			return
		}

		outcomeLabel := "transient_failure"
		if permanent {
			outcomeLabel = "permanent_failure"
		}
		metrics.Deliveries.WithLabelValues(rec.Destination, outcomeLabel).Inc()
		metrics.DeadLettersCreated.WithLabelValues(rec.Destination).Inc()
		e.publishFeed(ctx, ws.DeliveryEvent{
			Type:        ws.TypeDeadLettered,
			OutboxID:    rec.ID,
			EventID:     rec.AuditEventID,
			Destination: rec.Destination,
			Attempt:     attemptCount,
			Error:       outcome.Message,
			Timestamp:   now,
		})

		log.Warn("delivery dead-lettered",
			"dead_letter_id", dl.ID,
			"final_attempt_count", attemptCount,
			"permanent", permanent,
			"error_code", outcome.Code,
		)
		return
	}

	nextAttemptAt := policy.NextAttemptAt(now, attemptCount)
	if err := e.store.MarkRetryWait(ctx, rec.ID, e.workerID, attemptCount, nextAttemptAt, outcome.Code, outcome.Message, now); err != nil {
		log.Error("failed to reschedule record", "error", err)
		return
	}

	metrics.Deliveries.WithLabelValues(rec.Destination, "transient_failure").Inc()
	e.publishFeed(ctx, ws.DeliveryEvent{
		Type:        ws.TypeRetrying,
		OutboxID:    rec.ID,
		EventID:     rec.AuditEventID,
		Destination: rec.Destination,
		Attempt:     attemptCount,
		Error:       outcome.Message,
		Timestamp:   now,
	})

	log.Warn("delivery failed, rescheduled",
		"attempt_count", attemptCount,
		"next_attempt_at", nextAttemptAt,
		"error_code", outcome.Code,
	)
}

// Release hands a claimed row back to the queue without recording an
// attempt. Used on shutdown and when a delivery never started.
func (e *Executor) Release(rec domain.OutboxRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.store.ReleaseLease(ctx, rec.ID, e.workerID, time.Now().UTC()); err != nil {
		e.logger.Error("failed to release lease", "outbox_id", rec.ID, "error", err)
	}
}

func (e *Executor) policyFor(destination string) retry.Policy {
	if p, ok := e.policies[destination]; ok {
		return p
	}
	return retry.FromDestination(config.Destination{})
}

func (e *Executor) publishFeed(ctx context.Context, event ws.DeliveryEvent) {
	if e.redisClient == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := e.redisClient.Publish(ctx, ws.DeliveryFeedChannel, data).Err(); err != nil {
		e.logger.Debug("failed to publish delivery feed event", "error", err)
	}
}

func errorSummary(o sink.Outcome) string {
	if o.Code != "" {
		return o.Code
	}
	return "delivery_failed"
}

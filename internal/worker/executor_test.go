package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stratalog/audit-relay/internal/config"
	"github.com/stratalog/audit-relay/internal/domain"
	"github.com/stratalog/audit-relay/internal/engine"
	"github.com/stratalog/audit-relay/internal/retry"
	"github.com/stratalog/audit-relay/internal/sink"
	"github.com/stratalog/audit-relay/internal/store"
)

// fakeStore is an in-memory OutboxStore that enforces the same ownership
// rules as the Postgres implementation: claims are conditional, and
// terminal transitions require holding the lease.
type fakeStore struct {
	mu          sync.Mutex
	outbox      map[string]*domain.OutboxRecord
	events      map[string]*domain.AuditEvent
	deadLetters []*domain.DeadLetterRecord
	dlSeq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		outbox: make(map[string]*domain.OutboxRecord),
		events: make(map[string]*domain.AuditEvent),
	}
}

func (f *fakeStore) addRecord(rec domain.OutboxRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := rec
	f.outbox[r.ID] = &r

	if _, ok := f.events[r.AuditEventID]; !ok {
		f.events[r.AuditEventID] = &domain.AuditEvent{
			ID:           r.AuditEventID,
			Action:       "user.login",
			ResultStatus: domain.ResultSuccess,
			OccurredAt:   time.Now().UTC(),
		}
	}
}

func (f *fakeStore) get(id string) domain.OutboxRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.outbox[id]
}

func (f *fakeStore) SelectDue(ctx context.Context, now time.Time, batchSize int) ([]domain.OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []domain.OutboxRecord
	for _, r := range f.outbox {
		if len(due) >= batchSize {
			break
		}
		if (r.DeliveryState == domain.StatePending || r.DeliveryState == domain.StateRetryWait) && !r.NextAttemptAt.After(now) {
			due = append(due, *r)
		}
	}
	return due, nil
}

func (f *fakeStore) Claim(ctx context.Context, id, workerID string, leaseUntil time.Time) (*domain.OutboxRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.outbox[id]
	if !ok {
		return nil, false, nil
	}
	if r.DeliveryState != domain.StatePending && r.DeliveryState != domain.StateRetryWait {
		return nil, false, nil
	}
	r.DeliveryState = domain.StateInProgress
	r.LeaseOwner = &workerID
	r.LeaseExpiresAt = &leaseUntil
	out := *r
	return &out, true, nil
}

func (f *fakeStore) holdsLease(r *domain.OutboxRecord, workerID string) bool {
	return r.DeliveryState == domain.StateInProgress && r.LeaseOwner != nil && *r.LeaseOwner == workerID
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id, workerID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.outbox[id]
	if !ok || !f.holdsLease(r, workerID) {
		return store.ErrNotFound
	}
	r.DeliveryState = domain.StateDelivered
	r.DeliveredAt = &now
	r.LastAttemptAt = &now
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil
	return nil
}

func (f *fakeStore) MarkRetryWait(ctx context.Context, id, workerID string, attemptCount int, nextAttemptAt time.Time, errCode, errMsg string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.outbox[id]
	if !ok || !f.holdsLease(r, workerID) {
		return store.ErrNotFound
	}
	r.DeliveryState = domain.StateRetryWait
	r.AttemptCount = attemptCount
	r.NextAttemptAt = nextAttemptAt
	r.LastErrorCode = &errCode
	r.LastErrorMessage = &errMsg
	r.LastAttemptAt = &now
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil
	return nil
}

func (f *fakeStore) ReleaseLease(ctx context.Context, id, workerID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.outbox[id]
	if !ok || !f.holdsLease(r, workerID) {
		return store.ErrNotFound
	}
	r.DeliveryState = domain.StateRetryWait
	r.NextAttemptAt = now
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil
	return nil
}

func (f *fakeStore) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, r := range f.outbox {
		if r.DeliveryState == domain.StateInProgress && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now) {
			r.DeliveryState = domain.StateRetryWait
			r.NextAttemptAt = now
			r.LeaseOwner = nil
			r.LeaseExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeadLetter(ctx context.Context, p store.DeadLetterParams, now time.Time) (*domain.DeadLetterRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.outbox[p.OutboxID]
	if !ok || !f.holdsLease(r, p.WorkerID) {
		return nil, store.ErrNotFound
	}
	r.DeliveryState = domain.StateDeadLettered
	r.AttemptCount = p.FinalAttemptCount
	r.LastAttemptAt = &now
	r.LastErrorCode = &p.ErrorSummary
	r.LastErrorMessage = &p.LastErrorMessage
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil

	f.dlSeq++
	dl := &domain.DeadLetterRecord{
		ID:                fmt.Sprintf("dl-%d", f.dlSeq),
		OutboxID:          p.OutboxID,
		AuditEventID:      p.AuditEventID,
		Destination:       p.Destination,
		FinalAttemptCount: p.FinalAttemptCount,
		FirstFailedAt:     p.FirstFailedAt,
		DeadLetteredAt:    now,
		ErrorSummary:      p.ErrorSummary,
		OperatorStatus:    domain.OperatorOpen,
		UpdatedAt:         now,
	}
	f.deadLetters = append(f.deadLetters, dl)
	return dl, nil
}

func (f *fakeStore) GetEvent(ctx context.Context, id string) (*domain.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (f *fakeStore) GetPipelineStats(ctx context.Context) (*store.PipelineStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := &store.PipelineStats{}
	for _, r := range f.outbox {
		switch r.DeliveryState {
		case domain.StatePending, domain.StateRetryWait:
			stats.Backlog++
		case domain.StateInProgress:
			stats.InProgress++
		case domain.StateDelivered:
			stats.Delivered++
		case domain.StateDeadLettered:
			stats.DeadLettered++
		}
	}
	for _, dl := range f.deadLetters {
		if dl.OperatorStatus == domain.OperatorOpen {
			stats.OpenDeadLetters++
		}
	}
	stats.TotalEvents = int64(len(f.events))
	return stats, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDestination(name, url string) config.Destination {
	noJitter := 0.0
	return config.Destination{
		Name:               name,
		Kind:               "http",
		URL:                url,
		TimeoutSeconds:     5,
		LeaseSeconds:       30,
		MaxAttempts:        3,
		BackoffBaseSeconds: 1,
		BackoffCapSeconds:  60,
		JitterSeconds:      &noJitter,
	}
}

func claimedRecord(t *testing.T, fs *fakeStore, id, destination, workerID string) domain.OutboxRecord {
	t.Helper()

	fs.addRecord(domain.OutboxRecord{
		ID:             id,
		AuditEventID:   "evt-" + id,
		Destination:    destination,
		IdempotencyKey: destination + ":evt-" + id + ":v1",
		DeliveryState:  domain.StatePending,
		NextAttemptAt:  time.Now().UTC(),
	})

	rec, ok, err := fs.Claim(context.Background(), id, workerID, time.Now().Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("failed to claim test record: ok=%v err=%v", ok, err)
	}
	return *rec
}

func TestExecutor_SuccessfulDelivery(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	fs := newFakeStore()
	dest := testDestination("siem", server.URL)
	sinks, err := sink.Build([]config.Destination{dest}, testLogger())
	if err != nil {
		t.Fatalf("building sinks: %v", err)
	}

	exec := NewExecutor(fs, sinks, []config.Destination{dest}, "worker-1", testLogger(), ExecutorOptions{})

	rec := claimedRecord(t, fs, "ob-1", "siem", "worker-1")
	exec.Execute(context.Background(), rec)

	if received.Load() != 1 {
		t.Fatalf("expected 1 request to endpoint, got %d", received.Load())
	}

	got := fs.get("ob-1")
	if got.DeliveryState != domain.StateDelivered {
		t.Errorf("state = %q, want %q", got.DeliveryState, domain.StateDelivered)
	}
	if got.AttemptCount != 0 {
		t.Errorf("successful delivery should not increment attempt_count, got %d", got.AttemptCount)
	}
	if got.DeliveredAt == nil {
		t.Error("delivered_at should be set")
	}
}

func TestExecutor_TransientFailureReschedules(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	fs := newFakeStore()
	dest := testDestination("siem", server.URL)
	sinks, _ := sink.Build([]config.Destination{dest}, testLogger())
	exec := NewExecutor(fs, sinks, []config.Destination{dest}, "worker-1", testLogger(), ExecutorOptions{})

	before := time.Now().UTC()
	rec := claimedRecord(t, fs, "ob-retry", "siem", "worker-1")
	exec.Execute(context.Background(), rec)

	got := fs.get("ob-retry")
	if got.DeliveryState != domain.StateRetryWait {
		t.Fatalf("state = %q, want %q", got.DeliveryState, domain.StateRetryWait)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if !got.NextAttemptAt.After(before) {
		t.Errorf("next_attempt_at should be in the future, got %v", got.NextAttemptAt)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "http_503" {
		t.Errorf("last_error_code = %v, want http_503", got.LastErrorCode)
	}
	if len(fs.deadLetters) != 0 {
		t.Errorf("transient failure below the attempt cap must not dead-letter")
	}
}

func TestExecutor_PermanentFailureDeadLettersImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	fs := newFakeStore()
	dest := testDestination("siem", server.URL)
	sinks, _ := sink.Build([]config.Destination{dest}, testLogger())
	exec := NewExecutor(fs, sinks, []config.Destination{dest}, "worker-1", testLogger(), ExecutorOptions{})

	rec := claimedRecord(t, fs, "ob-perm", "siem", "worker-1")
	exec.Execute(context.Background(), rec)

	got := fs.get("ob-perm")
	if got.DeliveryState != domain.StateDeadLettered {
		t.Fatalf("state = %q, want %q", got.DeliveryState, domain.StateDeadLettered)
	}
	if len(fs.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(fs.deadLetters))
	}
	dl := fs.deadLetters[0]
	if dl.FinalAttemptCount != 1 {
		t.Errorf("final_attempt_count = %d, want 1", dl.FinalAttemptCount)
	}
	if dl.OperatorStatus != domain.OperatorOpen {
		t.Errorf("operator_status = %q, want open", dl.OperatorStatus)
	}

	// The terminal outbox row records the failure too, not just the
	// dead letter.
	if got.LastErrorCode == nil || *got.LastErrorCode != "http_400" {
		t.Errorf("last_error_code = %v, want http_400", got.LastErrorCode)
	}
	if got.LastErrorMessage == nil || *got.LastErrorMessage == "" {
		t.Error("last_error_message should be set on the dead-lettered row")
	}
}

func TestExecutor_RetryExhaustionDeadLetters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fs := newFakeStore()
	dest := testDestination("siem", server.URL) // MaxAttempts: 3
	sinks, _ := sink.Build([]config.Destination{dest}, testLogger())
	exec := NewExecutor(fs, sinks, []config.Destination{dest}, "worker-1", testLogger(), ExecutorOptions{})

	rec := claimedRecord(t, fs, "ob-exhaust", "siem", "worker-1")
	firstFailure := time.Now().UTC().Add(-time.Hour)
	rec.AttemptCount = 2 // two failures already recorded
	rec.LastAttemptAt = &firstFailure

	exec.Execute(context.Background(), rec)

	got := fs.get("ob-exhaust")
	if got.DeliveryState != domain.StateDeadLettered {
		t.Fatalf("state = %q, want %q", got.DeliveryState, domain.StateDeadLettered)
	}
	if len(fs.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(fs.deadLetters))
	}
	dl := fs.deadLetters[0]
	if dl.FinalAttemptCount != 3 {
		t.Errorf("final_attempt_count = %d, want 3", dl.FinalAttemptCount)
	}
	if !dl.FirstFailedAt.Equal(firstFailure) {
		t.Errorf("first_failed_at = %v, want %v (start of the failing episode)", dl.FirstFailedAt, firstFailure)
	}
}

func TestExecutor_CircuitBreakerReleasesLease(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := testLogger()
	cb := engine.NewCircuitBreaker(client, logger)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		cb.RecordFailure(ctx, "siem")
	}

	fs := newFakeStore()
	dest := testDestination("siem", server.URL)
	sinks, _ := sink.Build([]config.Destination{dest}, logger)
	exec := NewExecutor(fs, sinks, []config.Destination{dest}, "worker-1", logger, ExecutorOptions{CircuitBreaker: cb})

	rec := claimedRecord(t, fs, "ob-cb", "siem", "worker-1")
	exec.Execute(ctx, rec)

	if received.Load() != 0 {
		t.Errorf("open circuit must block delivery, but %d requests reached the endpoint", received.Load())
	}

	got := fs.get("ob-cb")
	if got.DeliveryState != domain.StateRetryWait {
		t.Errorf("state = %q, want retry_wait (lease released)", got.DeliveryState)
	}
	if got.AttemptCount != 0 {
		t.Errorf("a blocked delivery is not an attempt, got attempt_count=%d", got.AttemptCount)
	}
}

func TestExecutor_UnknownDestinationEventuallyDeadLetters(t *testing.T) {
	fs := newFakeStore()
	exec := NewExecutor(fs, map[string]sink.Sink{}, nil, "worker-1", testLogger(), ExecutorOptions{})

	rec := claimedRecord(t, fs, "ob-unknown", "ghost", "worker-1")
	exec.Execute(context.Background(), rec)

	got := fs.get("ob-unknown")
	if got.DeliveryState != domain.StateRetryWait {
		t.Fatalf("state = %q, want retry_wait", got.DeliveryState)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "unknown_destination" {
		t.Errorf("last_error_code = %v, want unknown_destination", got.LastErrorCode)
	}

	// No config to consult, so the default retry budget applies; burn
	// through the rest of it.
	for attempt := 2; attempt <= retry.DefaultMaxAttempts; attempt++ {
		r, ok, err := fs.Claim(context.Background(), "ob-unknown", "worker-1", time.Now().Add(30*time.Second))
		if err != nil || !ok {
			t.Fatalf("re-claim for attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		exec.Execute(context.Background(), *r)
	}

	if len(fs.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter after exhaustion, got %d", len(fs.deadLetters))
	}
	if fs.deadLetters[0].FinalAttemptCount != retry.DefaultMaxAttempts {
		t.Errorf("final_attempt_count = %d, want %d", fs.deadLetters[0].FinalAttemptCount, retry.DefaultMaxAttempts)
	}
	if got := fs.get("ob-unknown"); got.DeliveryState != domain.StateDeadLettered {
		t.Errorf("state = %q, want dead_lettered", got.DeliveryState)
	}
}

func TestExecutor_ReleaseHandsBackUntouched(t *testing.T) {
	fs := newFakeStore()
	exec := NewExecutor(fs, map[string]sink.Sink{}, nil, "worker-1", testLogger(), ExecutorOptions{})

	rec := claimedRecord(t, fs, "ob-rel", "siem", "worker-1")
	exec.Release(rec)

	got := fs.get("ob-rel")
	if got.DeliveryState != domain.StateRetryWait {
		t.Errorf("state = %q, want retry_wait", got.DeliveryState)
	}
	if got.AttemptCount != 0 {
		t.Errorf("release must not record an attempt, got %d", got.AttemptCount)
	}
	if got.LeaseOwner != nil {
		t.Error("lease_owner should be cleared")
	}
}

// requeue re-arms the fake row the way the operator workflow does: fresh
// retry budget, errors cleared, due immediately.
func (f *fakeStore) requeue(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.outbox[id]
	r.DeliveryState = domain.StatePending
	r.AttemptCount = 0
	r.NextAttemptAt = time.Now().UTC()
	r.LastErrorCode = nil
	r.LastErrorMessage = nil
}

func TestExecutor_RequeueFailureCreatesSecondDeadLetter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	fs := newFakeStore()
	dest := testDestination("siem", server.URL)
	sinks, _ := sink.Build([]config.Destination{dest}, testLogger())
	exec := NewExecutor(fs, sinks, []config.Destination{dest}, "worker-1", testLogger(), ExecutorOptions{})

	rec := claimedRecord(t, fs, "ob-episodes", "siem", "worker-1")
	exec.Execute(context.Background(), rec)

	if len(fs.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter after first episode, got %d", len(fs.deadLetters))
	}

	fs.requeue("ob-episodes")

	rec2, ok, err := fs.Claim(context.Background(), "ob-episodes", "worker-1", time.Now().Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("reclaiming requeued record: ok=%v err=%v", ok, err)
	}
	exec.Execute(context.Background(), *rec2)

	if len(fs.deadLetters) != 2 {
		t.Fatalf("expected a second dead letter after the repeat failure, got %d", len(fs.deadLetters))
	}
	if fs.deadLetters[0].ID == fs.deadLetters[1].ID {
		t.Error("each failure episode must produce a distinct dead letter")
	}
	if fs.deadLetters[1].FinalAttemptCount != 1 {
		t.Errorf("second episode final_attempt_count = %d, want 1 (budget was reset)", fs.deadLetters[1].FinalAttemptCount)
	}
}

func TestFakeStore_ReclaimKeepsAttemptCount(t *testing.T) {
	fs := newFakeStore()
	fs.addRecord(domain.OutboxRecord{
		ID:            "ob-reclaim",
		AuditEventID:  "evt-reclaim",
		Destination:   "siem",
		DeliveryState: domain.StatePending,
		NextAttemptAt: time.Now().UTC(),
		AttemptCount:  4,
	})

	expired := time.Now().Add(-time.Minute)
	if _, ok, _ := fs.Claim(context.Background(), "ob-reclaim", "worker-dead", expired); !ok {
		t.Fatal("claim failed")
	}

	n, err := fs.ReclaimExpired(context.Background(), time.Now().UTC())
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}

	got := fs.get("ob-reclaim")
	if got.DeliveryState != domain.StateRetryWait {
		t.Errorf("state = %q, want retry_wait", got.DeliveryState)
	}
	if got.AttemptCount != 4 {
		t.Errorf("reclaim must not change attempt_count, got %d", got.AttemptCount)
	}
}

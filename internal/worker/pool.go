package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stratalog/audit-relay/internal/domain"
)

// Pool manages a fixed number of executor goroutines that process claimed
// outbox records.
type Pool struct {
	numWorkers int
	jobs       chan domain.OutboxRecord
	executor   *Executor
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates an executor pool with the given number of goroutines.
func NewPool(numWorkers int, executor *Executor, logger *slog.Logger) *Pool {
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan domain.OutboxRecord, numWorkers*2),
		executor:   executor,
		logger:     logger,
	}
}

// Start launches all executor goroutines. They read from the jobs channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("executor pool started", "num_workers", p.numWorkers)
}

// Submit hands a claimed record to the pool.
func (p *Pool) Submit(rec domain.OutboxRecord) {
	p.jobs <- rec
}

// Stop closes the jobs channel and waits for all executors to finish.
// Records still queued after cancellation have their leases released so
// another worker picks them up without waiting for expiry.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("executor pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for rec := range p.jobs {
		select {
		case <-ctx.Done():
			// Shutting down: give the claim back instead of letting the
			// lease run out.
			p.executor.Release(rec)
		default:
			p.executor.Execute(ctx, rec)
		}
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/stratalog/audit-relay/internal/config"
	"github.com/stratalog/audit-relay/internal/metrics"
)

// Dispatcher polls the outbox for due records, claims each one with a
// lease, and hands the claimed records to the pool. A second loop reclaims
// leases abandoned by crashed workers and refreshes backlog gauges.
type Dispatcher struct {
	store           OutboxStore
	pool            *Pool
	destinations    map[string]config.Destination
	workerID        string
	batchSize       int
	pollInterval    time.Duration
	reclaimInterval time.Duration
	logger          *slog.Logger
	done            chan struct{}
}

func NewDispatcher(s OutboxStore, pool *Pool, cfg *config.Config, workerID string, logger *slog.Logger) *Dispatcher {
	destMap := make(map[string]config.Destination, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		destMap[d.Name] = d
	}

	return &Dispatcher{
		store:           s,
		pool:            pool,
		destinations:    destMap,
		workerID:        workerID,
		batchSize:       cfg.BatchSize,
		pollInterval:    cfg.PollInterval,
		reclaimInterval: cfg.ReclaimInterval,
		logger:          logger,
		done:            make(chan struct{}),
	}
}

// Start runs the poll and reclaim loops until ctx is cancelled. Stop the
// pool only after Wait returns, so no claim is submitted to a closed pool.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)

	go d.reclaimLoop(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"worker_id", d.workerID,
		"batch_size", d.batchSize,
		"poll_interval", d.pollInterval,
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.dispatchBatch(ctx)
		}
	}
}

// Wait blocks until the poll loop has fully exited after cancellation.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) {
	now := time.Now().UTC()

	due, err := d.store.SelectDue(ctx, now, d.batchSize)
	if err != nil {
		d.logger.Error("failed to select due outbox records", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	claimed := 0
	for _, rec := range due {
		leaseUntil := now.Add(d.leaseFor(rec.Destination))

		claimedRec, ok, err := d.store.Claim(ctx, rec.ID, d.workerID, leaseUntil)
		if err != nil {
			d.logger.Error("failed to claim outbox record", "outbox_id", rec.ID, "error", err)
			continue
		}
		if !ok {
			// Another worker won the row between select and claim.
			metrics.ClaimRacesLost.Inc()
			continue
		}

		d.pool.Submit(*claimedRec)
		claimed++
	}

	metrics.ClaimBatchSize.Observe(float64(claimed))
	d.logger.Debug("dispatched batch", "due", len(due), "claimed", claimed)
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()

			n, err := d.store.ReclaimExpired(ctx, now)
			if err != nil {
				d.logger.Error("failed to reclaim expired leases", "error", err)
			} else if n > 0 {
				metrics.LeasesReclaimed.Add(float64(n))
				d.logger.Warn("reclaimed expired leases", "count", n)
			}

			stats, err := d.store.GetPipelineStats(ctx)
			if err != nil {
				d.logger.Error("failed to load pipeline stats", "error", err)
				continue
			}
			metrics.OutboxBacklog.Set(float64(stats.Backlog))
			metrics.DeadLettersOpen.Set(float64(stats.OpenDeadLetters))
		}
	}
}

func (d *Dispatcher) leaseFor(destination string) time.Duration {
	if dest, ok := d.destinations[destination]; ok {
		return dest.LeaseDuration()
	}
	return config.Destination{}.LeaseDuration()
}

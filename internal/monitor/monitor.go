// Package monitor resolves executions that stopped making progress: running
// records whose worker died past the timeout grace, and cancelling records
// nobody honored. It is the safety net under the at-least-once pipeline;
// without it a crashed worker would leave records running forever.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/rs/zerolog/log"
)

// Cancelling records get a short fixed grace; the worker's cancel poll runs
// every second, so 30 s of silence means nobody is honoring the request.
const cancellingGrace = 30 * time.Second

type Monitor struct {
	cfg        config.SchedulerConfig
	executions *services.ExecutionService
	registry   *pool.Registry
	tracker    *queue.Tracker
	pending    *queue.PendingStore
	cancelFlag *queue.CancelFlag
	publisher  *events.Publisher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	cfg config.SchedulerConfig,
	executions *services.ExecutionService,
	registry *pool.Registry,
	tracker *queue.Tracker,
	pending *queue.PendingStore,
	cancelFlag *queue.CancelFlag,
	publisher *events.Publisher,
) *Monitor {
	return &Monitor{
		cfg:        cfg,
		executions: executions,
		registry:   registry,
		tracker:    tracker,
		pending:    pending,
		cancelFlag: cancelFlag,
		publisher:  publisher,
		stopCh:     make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.StuckTick)
		defer ticker.Stop()

		m.resolve(ctx)
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.resolve(ctx)
			}
		}
	}()

	log.Info().
		Dur("tick", m.cfg.StuckTick).
		Dur("running_grace", m.cfg.StuckGrace).
		Msg("Stuck execution monitor started")
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("Stuck execution monitor stopped")
}

func (m *Monitor) resolve(ctx context.Context) {
	overdue, err := m.executions.Overdue(ctx, m.cfg.StuckGrace, cancellingGrace)
	if err != nil {
		log.Error().Err(err).Msg("Failed to scan for overdue executions")
		return
	}

	for i := range overdue {
		m.resolveOne(ctx, &overdue[i])
	}
}

func (m *Monitor) resolveOne(ctx context.Context, exec *models.Execution) {
	if m.workerAlive(ctx, exec) {
		log.Debug().
			Str("execution_id", exec.ID.String()).
			Str("status", exec.Status).
			Msg("Overdue execution still has a live worker, leaving for next tick")
		return
	}

	var status, errType, errMsg string
	switch exec.Status {
	case models.StatusRunning:
		status = models.StatusTimeout
		errType = models.ErrTypeTimeout
		errMsg = "execution exceeded its budget and its worker stopped responding"
	case models.StatusCancelling:
		status = models.StatusStuck
		errType = models.ErrTypeStuck
		errMsg = "cancellation was not honored within the grace period"
	default:
		return
	}

	wrote, err := m.executions.Finish(ctx, exec.ID, status, nil, &errMsg, &errType)
	if err != nil {
		log.Error().Err(err).
			Str("execution_id", exec.ID.String()).
			Msg("Failed to resolve overdue execution")
		return
	}
	if !wrote {
		// Another writer got the terminal state in between.
		return
	}

	metrics.StuckResolutionsTotal.WithLabelValues(status).Inc()

	if err := m.tracker.Remove(ctx, exec.ID); err != nil {
		log.Warn().Err(err).Str("execution_id", exec.ID.String()).Msg("Failed to remove queue position")
	}
	if err := m.pending.Delete(ctx, exec.ID); err != nil {
		log.Debug().Err(err).Str("execution_id", exec.ID.String()).Msg("Pending cleanup failed")
	}
	if exec.Status == models.StatusCancelling {
		if err := m.cancelFlag.Clear(ctx, exec.ID); err != nil {
			log.Debug().Err(err).Str("execution_id", exec.ID.String()).Msg("Cancel flag cleanup failed")
		}
	}
	if exec.WorkerID != nil {
		if err := m.registry.Free(ctx, *exec.WorkerID); err != nil {
			log.Warn().Err(err).Str("worker_id", *exec.WorkerID).Msg("Failed to free worker slot")
		}
	}

	m.publisher.PublishStatus(ctx, exec.ID, status, errMsg, errType)

	log.Warn().
		Str("execution_id", exec.ID.String()).
		Str("from", exec.Status).
		Str("to", status).
		Msg("Resolved stuck execution")
}

// workerAlive reports whether the execution's claimed worker is both
// heartbeating and still assigned to it. A worker that heartbeats but
// carries a different assignment lost this execution to a crash or
// redelivery and must not keep the record parked.
func (m *Monitor) workerAlive(ctx context.Context, exec *models.Execution) bool {
	if exec.WorkerID == nil {
		return false
	}

	slot, err := m.registry.Get(ctx, *exec.WorkerID)
	if err != nil {
		if errors.Is(err, pool.ErrSlotNotFound) {
			return false
		}
		// Indeterminate, do not kill on a read error.
		log.Warn().Err(err).Str("worker_id", *exec.WorkerID).Msg("Worker liveness check failed")
		return true
	}

	return slot.CurrentExecutionID != nil && *slot.CurrentExecutionID == exec.ID
}

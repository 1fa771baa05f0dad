package worker

import (
	"context"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// setBusy flips the slot to BUSY for the given execution and pushes the
// change immediately so the pool and the stuck monitor see the claim
// without waiting for the next tick.
func (r *Runner) setBusy(ctx context.Context, executionID uuid.UUID) {
	id := executionID

	r.slotMu.Lock()
	r.slot.State = models.WorkerStateBusy
	r.slot.CurrentExecutionID = &id
	snapshot := r.slot
	r.slotMu.Unlock()

	if err := r.deps.Registry.Heartbeat(ctx, &snapshot); err != nil {
		log.Warn().Err(err).Str("worker_id", r.workerID).Msg("Slot update failed")
	}
}

func (r *Runner) setIdle(ctx context.Context, completed bool) {
	r.slotMu.Lock()
	r.slot.State = models.WorkerStateIdle
	r.slot.CurrentExecutionID = nil
	if completed {
		r.slot.Completions++
	}
	snapshot := r.slot
	r.slotMu.Unlock()

	if err := r.deps.Registry.Heartbeat(ctx, &snapshot); err != nil {
		log.Warn().Err(err).Str("worker_id", r.workerID).Msg("Slot update failed")
	}
}

// Completions reports how many executions this process has finished, the
// input to the pool's recycle-after-N policy.
func (r *Runner) Completions() int64 {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()
	return r.slot.Completions
}

// RunHeartbeat refreshes the worker slot until ctx ends, then frees it so
// the pool observes the exit immediately instead of waiting out the TTL.
func (r *Runner) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	r.beat(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.deps.Registry.Free(releaseCtx, r.workerID); err != nil {
				log.Debug().Err(err).Str("worker_id", r.workerID).Msg("Slot release failed")
			}
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runner) beat(ctx context.Context) {
	r.slotMu.Lock()
	snapshot := r.slot
	r.slotMu.Unlock()

	if err := r.deps.Registry.Heartbeat(ctx, &snapshot); err != nil {
		log.Warn().Err(err).Str("worker_id", r.workerID).Msg("Worker heartbeat failed")
	}
}

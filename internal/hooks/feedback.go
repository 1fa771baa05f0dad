package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	pkgredis "github.com/bifrosthq/bifrost/internal/pkg/redis"
)

const (
	reconcileInterval = 5 * time.Minute
	staleQueuedAge    = 15 * time.Minute
	retryLagGrace     = 2 * time.Minute
	reconcileBatch    = 100
)

// Feedback folds terminal execution statuses back into delivery rows. The
// primary signal is the per-execution update channel; the periodic sweep
// reconciles rows whose signal was lost, either because this process was
// down when it fired or because a booked retry task never ran.
type Feedback struct {
	redis      *pkgredis.Client
	deliveries *repositories.EventDeliveryRepository
	executions *services.ExecutionService
	dispatcher *Dispatcher

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewFeedback(redisClient *pkgredis.Client, deliveries *repositories.EventDeliveryRepository, executions *services.ExecutionService, dispatcher *Dispatcher) *Feedback {
	return &Feedback{
		redis:      redisClient,
		deliveries: deliveries,
		executions: executions,
		dispatcher: dispatcher,
		stopCh:     make(chan struct{}),
	}
}

func (f *Feedback) Start(ctx context.Context) {
	f.wg.Add(2)
	go f.listen(ctx)
	go f.sweepLoop(ctx)
	log.Info().Msg("Delivery feedback started")
}

func (f *Feedback) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	log.Info().Msg("Delivery feedback stopped")
}

func (f *Feedback) listen(ctx context.Context) {
	defer f.wg.Done()
	pubsub := f.redis.PSubscribe(ctx, events.UpdateChannelPattern)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-f.stopCh:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.handle(ctx, msg.Payload)
		}
	}
}

// handle filters the update stream down to terminal status events.
func (f *Feedback) handle(ctx context.Context, raw string) {
	var evt events.Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return
	}
	if evt.Type != events.TypeStatus || !models.IsTerminalStatus(evt.Status) {
		return
	}
	executionID, err := uuid.Parse(evt.ExecutionID)
	if err != nil {
		return
	}
	f.apply(ctx, executionID, evt.Status, evt.Error)
}

// apply folds one terminal status into its delivery, when one exists. Most
// executions are not event deliveries, so a missing row is the common case.
func (f *Feedback) apply(ctx context.Context, executionID uuid.UUID, status, errMsg string) {
	delivery, err := f.deliveries.FindByExecutionID(ctx, executionID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Err(err).Str("execution_id", executionID.String()).Msg("Delivery lookup failed")
		}
		return
	}
	if delivery.Status != models.DeliveryStatusQueued {
		return
	}

	switch status {
	case models.StatusSuccess, models.StatusCompletedWithErrors:
		if err := f.deliveries.MarkSuccess(ctx, delivery.ID); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("Failed to mark delivery succeeded")
			return
		}
		log.Debug().Str("delivery_id", delivery.ID.String()).Msg("Delivery succeeded")
	case models.StatusCancelled:
		if err := f.deliveries.MarkSkipped(ctx, delivery.ID, "execution cancelled"); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("Failed to mark delivery skipped")
		}
	default:
		reason := errMsg
		if reason == "" {
			reason = "execution " + status
		}
		f.dispatcher.retryOrFail(ctx, delivery, errors.New(reason))
	}
}

func (f *Feedback) sweepLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.sweep(ctx)
		}
	}
}

// sweep is the lost-signal backstop: queued deliveries whose terminal
// status event was never observed, and pending deliveries whose retry task
// never fired.
func (f *Feedback) sweep(ctx context.Context) {
	stale, err := f.deliveries.FindStaleQueued(ctx, staleQueuedAge, reconcileBatch)
	if err != nil {
		log.Error().Err(err).Msg("Stale delivery scan failed")
	}
	for i := range stale {
		f.reconcile(ctx, &stale[i])
	}

	due, err := f.deliveries.FindDueRetries(ctx, time.Now().Add(-retryLagGrace), reconcileBatch)
	if err != nil {
		log.Error().Err(err).Msg("Due retry scan failed")
		return
	}
	for i := range due {
		if err := f.dispatcher.Retry(ctx, due[i].ID); err != nil {
			log.Warn().Err(err).Str("delivery_id", due[i].ID.String()).Msg("Swept retry failed")
		}
	}
}

// reconcile checks one stale queued delivery against its execution record.
func (f *Feedback) reconcile(ctx context.Context, delivery *models.EventDelivery) {
	if delivery.ExecutionID == nil {
		return
	}
	exec, err := f.executions.GetByID(ctx, *delivery.ExecutionID)
	if err != nil {
		if errors.Is(err, services.ErrExecutionNotFound) {
			// queued against an execution that never materialized
			f.dispatcher.retryOrFail(ctx, delivery, errors.New("execution record missing"))
		}
		return
	}
	if !exec.IsTerminal() {
		return
	}
	errMsg := ""
	if exec.Error != nil {
		errMsg = *exec.Error
	}
	f.apply(ctx, exec.ID, exec.Status, errMsg)
}

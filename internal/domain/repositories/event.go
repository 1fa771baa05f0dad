package repositories

import (
	"context"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EventSourceRepository struct {
	*BaseRepository[models.EventSource]
}

func NewEventSourceRepository(db *gorm.DB) *EventSourceRepository {
	return &EventSourceRepository{
		BaseRepository: NewBaseRepository[models.EventSource](db),
	}
}

// FindExpiring returns active sources whose registration expires within the
// window, for the renewal loop.
func (r *EventSourceRepository) FindExpiring(ctx context.Context, window time.Duration) ([]models.EventSource, error) {
	var sources []models.EventSource
	cutoff := time.Now().Add(window)
	err := r.DB().WithContext(ctx).
		Where("is_active = true AND expires_at IS NOT NULL AND expires_at <= ?", cutoff).
		Find(&sources).Error
	return sources, err
}

func (r *EventSourceRepository) SetError(ctx context.Context, sourceID uuid.UUID, message string) error {
	return r.DB().WithContext(ctx).Model(&models.EventSource{}).
		Where("id = ?", sourceID).
		Update("error_message", message).Error
}

func (r *EventSourceRepository) SetExpiry(ctx context.Context, sourceID uuid.UUID, expiresAt time.Time) error {
	return r.DB().WithContext(ctx).Model(&models.EventSource{}).
		Where("id = ?", sourceID).
		Updates(map[string]interface{}{
			"expires_at":    expiresAt,
			"error_message": nil,
		}).Error
}

type EventSubscriptionRepository struct {
	*BaseRepository[models.EventSubscription]
}

func NewEventSubscriptionRepository(db *gorm.DB) *EventSubscriptionRepository {
	return &EventSubscriptionRepository{
		BaseRepository: NewBaseRepository[models.EventSubscription](db),
	}
}

// FindActiveForSource returns subscriptions matching a source and event
// type. An empty subscription event_type matches every event from the
// source; expression filters are applied by the caller.
func (r *EventSubscriptionRepository) FindActiveForSource(ctx context.Context, sourceID uuid.UUID, eventType string) ([]models.EventSubscription, error) {
	var subs []models.EventSubscription
	err := r.DB().WithContext(ctx).
		Where("source_id = ? AND is_active = true AND (event_type = '' OR event_type = ?)", sourceID, eventType).
		Find(&subs).Error
	return subs, err
}

type EventRepository struct {
	*BaseRepository[models.Event]
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{
		BaseRepository: NewBaseRepository[models.Event](db),
	}
}

type EventDeliveryRepository struct {
	*BaseRepository[models.EventDelivery]
}

func NewEventDeliveryRepository(db *gorm.DB) *EventDeliveryRepository {
	return &EventDeliveryRepository{
		BaseRepository: NewBaseRepository[models.EventDelivery](db),
	}
}

// MarkQueued records a successful admission and the execution it produced.
func (r *EventDeliveryRepository) MarkQueued(ctx context.Context, deliveryID, executionID uuid.UUID) error {
	return r.DB().WithContext(ctx).Model(&models.EventDelivery{}).
		Where("id = ?", deliveryID).
		Updates(map[string]interface{}{
			"status":       models.DeliveryStatusQueued,
			"execution_id": executionID,
		}).Error
}

func (r *EventDeliveryRepository) MarkSuccess(ctx context.Context, deliveryID uuid.UUID) error {
	return r.DB().WithContext(ctx).Model(&models.EventDelivery{}).
		Where("id = ?", deliveryID).
		Update("status", models.DeliveryStatusSuccess).Error
}

// MarkSkipped closes a delivery without counting it as a failure, used when
// the triggered execution was cancelled rather than broken.
func (r *EventDeliveryRepository) MarkSkipped(ctx context.Context, deliveryID uuid.UUID, reason string) error {
	return r.DB().WithContext(ctx).Model(&models.EventDelivery{}).
		Where("id = ?", deliveryID).
		Updates(map[string]interface{}{
			"status":        models.DeliveryStatusSkipped,
			"last_error":    reason,
			"next_retry_at": nil,
		}).Error
}

// RecordFailure increments the attempt counter and either schedules a retry
// or finalizes the delivery as failed once attempts are exhausted.
func (r *EventDeliveryRepository) RecordFailure(ctx context.Context, deliveryID uuid.UUID, lastError string, nextRetryAt *time.Time, final bool) error {
	updates := map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": lastError,
	}
	if final {
		updates["status"] = models.DeliveryStatusFailed
		updates["next_retry_at"] = nil
	} else {
		updates["status"] = models.DeliveryStatusPending
		updates["next_retry_at"] = nextRetryAt
	}
	return r.DB().WithContext(ctx).Model(&models.EventDelivery{}).
		Where("id = ?", deliveryID).
		Updates(updates).Error
}

func (r *EventDeliveryRepository) FindByExecutionID(ctx context.Context, executionID uuid.UUID) (*models.EventDelivery, error) {
	var delivery models.EventDelivery
	err := r.DB().WithContext(ctx).
		Where("execution_id = ?", executionID).
		First(&delivery).Error
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

// FindDueRetries returns pending deliveries whose retry time has passed.
func (r *EventDeliveryRepository) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]models.EventDelivery, error) {
	var deliveries []models.EventDelivery
	err := r.DB().WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.DeliveryStatusPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

// FindStaleQueued returns queued deliveries that have not been touched for
// longer than age. Their executions are normally reported back over pub/sub;
// rows that linger here missed that signal and need reconciling against the
// execution table directly.
func (r *EventDeliveryRepository) FindStaleQueued(ctx context.Context, age time.Duration, limit int) ([]models.EventDelivery, error) {
	var deliveries []models.EventDelivery
	cutoff := time.Now().Add(-age)
	err := r.DB().WithContext(ctx).
		Where("status = ? AND execution_id IS NOT NULL AND updated_at < ?", models.DeliveryStatusQueued, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

// Package hooks turns verified inbound events into workflow executions and
// follows every delivery until its execution settles.
//
// Ingress authenticates a posted event with the source's adapter, records
// it, matches it against the source's subscriptions (event type plus an
// optional filter expression) and admits one execution per match. Failed
// admissions retry as background tasks with exponential backoff until the
// attempt budget runs out. A pub/sub listener folds terminal execution
// statuses back into delivery rows, with a periodic sweep catching rows
// whose signal was lost.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/bifrosthq/bifrost/internal/admission"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/bifrosthq/bifrost/internal/pkg/tasks"
	"github.com/bifrosthq/bifrost/internal/queue"
)

// ErrSourceNotFound covers both unknown and deactivated sources; callers
// cannot tell the two apart.
var ErrSourceNotFound = errors.New("event source not found")

const maxRetryDelay = time.Hour

// Dispatcher owns the ingress path and per-delivery retry decisions. It is
// stateless, so the API binary and the scheduler binary each construct
// their own.
type Dispatcher struct {
	cfg           config.HooksConfig
	sources       *repositories.EventSourceRepository
	subscriptions *repositories.EventSubscriptionRepository
	events        *repositories.EventRepository
	deliveries    *repositories.EventDeliveryRepository
	gate          *admission.Gate
	tasks         *tasks.Client
	adapters      *AdapterSet
	systemID      uuid.UUID
}

func NewDispatcher(
	cfg config.HooksConfig,
	sources *repositories.EventSourceRepository,
	subscriptions *repositories.EventSubscriptionRepository,
	events *repositories.EventRepository,
	deliveries *repositories.EventDeliveryRepository,
	gate *admission.Gate,
	tasksClient *tasks.Client,
	systemID uuid.UUID,
) *Dispatcher {
	return &Dispatcher{
		cfg:           cfg,
		sources:       sources,
		subscriptions: subscriptions,
		events:        events,
		deliveries:    deliveries,
		gate:          gate,
		tasks:         tasksClient,
		adapters:      DefaultAdapters(),
		systemID:      systemID,
	}
}

// IngressResult summarizes what one inbound event produced.
type IngressResult struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	Deliveries int       `json:"deliveries"`
	Queued     int       `json:"queued"`
}

// HandleIngress runs the full ingress path for one posted event: verify,
// record, match, admit. It returns once every matching subscription has a
// delivery row and a first admission attempt behind it.
func (d *Dispatcher) HandleIngress(ctx context.Context, sourceID uuid.UUID, header http.Header, body []byte) (*IngressResult, error) {
	source, err := d.sources.FindByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSourceNotFound
		}
		return nil, fmt.Errorf("loading event source: %w", err)
	}
	if !source.IsActive {
		return nil, ErrSourceNotFound
	}

	adapter, err := d.adapters.For(source.Kind)
	if err != nil {
		metrics.RecordHookEvent(source.Kind, "unknown_kind")
		return nil, err
	}
	if err := adapter.Verify(source, header, body); err != nil {
		metrics.RecordHookEvent(source.Kind, "rejected")
		log.Warn().Err(err).
			Str("source_id", source.ID.String()).
			Str("name", source.Name).
			Msg("Rejected hook event")
		return nil, err
	}

	payload := parsePayload(body)
	eventType := resolveEventType(source, header, payload)

	event := &models.Event{
		ID:         uuid.New(),
		SourceID:   source.ID,
		EventType:  eventType,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	if err := d.events.Create(ctx, event); err != nil {
		metrics.RecordHookEvent(source.Kind, "error")
		return nil, fmt.Errorf("recording event: %w", err)
	}

	subs, err := d.subscriptions.FindActiveForSource(ctx, source.ID, eventType)
	if err != nil {
		metrics.RecordHookEvent(source.Kind, "error")
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}

	result := &IngressResult{EventID: event.ID, EventType: eventType}
	for i := range subs {
		sub := &subs[i]
		matched, err := MatchFilter(sub.FilterExpression, eventType, payload)
		if err != nil {
			log.Warn().Err(err).
				Str("subscription_id", sub.ID.String()).
				Msg("Filter expression failed, treating as no match")
			continue
		}
		if !matched {
			continue
		}

		delivery := &models.EventDelivery{
			ID:             uuid.New(),
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			Status:         models.DeliveryStatusPending,
		}
		if err := d.deliveries.Create(ctx, delivery); err != nil {
			log.Error().Err(err).
				Str("subscription_id", sub.ID.String()).
				Msg("Failed to record delivery")
			continue
		}
		result.Deliveries++
		if err := d.deliver(ctx, source, sub, event, delivery); err == nil {
			result.Queued++
		}
	}

	metrics.RecordHookEvent(source.Kind, "accepted")
	log.Info().
		Str("source_id", source.ID.String()).
		Str("event_type", eventType).
		Int("deliveries", result.Deliveries).
		Int("queued", result.Queued).
		Msg("Hook event accepted")
	return result, nil
}

// HandleDeliveryRetry is the task handler behind delivery:retry jobs.
func (d *Dispatcher) HandleDeliveryRetry(ctx context.Context, t *asynq.Task) error {
	var payload tasks.DeliveryRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding delivery retry payload: %w", err)
	}
	return d.Retry(ctx, payload.DeliveryID)
}

// Retry re-admits one delivery if it is still waiting. Admission failures
// book their own follow-up attempt, so the task itself is never requeued
// for them; only load errors bounce back to the task queue.
func (d *Dispatcher) Retry(ctx context.Context, deliveryID uuid.UUID) error {
	delivery, err := d.deliveries.FindByID(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("loading delivery: %w", err)
	}
	if delivery.Status != models.DeliveryStatusPending {
		return nil
	}

	sub, err := d.subscriptions.FindByID(ctx, delivery.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d.deliveries.MarkSkipped(ctx, delivery.ID, "subscription deleted")
		}
		return fmt.Errorf("loading subscription: %w", err)
	}
	if !sub.IsActive {
		return d.deliveries.MarkSkipped(ctx, delivery.ID, "subscription deactivated")
	}

	event, err := d.events.FindByID(ctx, delivery.EventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d.deliveries.MarkSkipped(ctx, delivery.ID, "event deleted")
		}
		return fmt.Errorf("loading event: %w", err)
	}
	source, err := d.sources.FindByID(ctx, event.SourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d.deliveries.MarkSkipped(ctx, delivery.ID, "event source deleted")
		}
		return fmt.Errorf("loading event source: %w", err)
	}
	if !source.IsActive {
		return d.deliveries.MarkSkipped(ctx, delivery.ID, "event source deactivated")
	}

	if err := d.deliver(ctx, source, sub, event, delivery); err != nil {
		log.Debug().Err(err).
			Str("delivery_id", delivery.ID.String()).
			Msg("Delivery retry failed")
	}
	return nil
}

// deliver admits the execution behind one delivery. Failures are folded
// into the delivery row before returning, so the error is informational.
func (d *Dispatcher) deliver(ctx context.Context, source *models.EventSource, sub *models.EventSubscription, event *models.Event, delivery *models.EventDelivery) error {
	executionID, err := d.gate.Admit(ctx, admission.AdmitRequest{
		Workflow:   services.WorkflowRef{ID: &sub.WorkflowID},
		Parameters: buildParameters(sub, event),
		Caller: queue.CallerContext{
			UserID:      &d.systemID,
			OrgID:       source.OrganizationID,
			IsSuperuser: true,
		},
		TriggerSource:   models.TriggerWebhook,
		EventDeliveryID: &delivery.ID,
	})
	if err != nil {
		return d.retryOrFail(ctx, delivery, err)
	}

	if err := d.deliveries.MarkQueued(ctx, delivery.ID, executionID); err != nil {
		log.Error().Err(err).
			Str("delivery_id", delivery.ID.String()).
			Str("execution_id", executionID.String()).
			Msg("Admitted delivery could not be marked queued")
		return nil
	}
	log.Debug().
		Str("delivery_id", delivery.ID.String()).
		Str("execution_id", executionID.String()).
		Msg("Delivery queued")
	return nil
}

// retryOrFail books the next attempt with exponential backoff, or finalizes
// the delivery once the cause is permanent or the attempt budget is spent.
func (d *Dispatcher) retryOrFail(ctx context.Context, delivery *models.EventDelivery, cause error) error {
	attempt := delivery.Attempts + 1
	maxAttempts := d.cfg.MaxDeliveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	if permanentAdmissionError(cause) || attempt >= maxAttempts {
		if err := d.deliveries.RecordFailure(ctx, delivery.ID, cause.Error(), nil, true); err != nil {
			log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("Failed to finalize delivery")
			return cause
		}
		log.Warn().Err(cause).
			Str("delivery_id", delivery.ID.String()).
			Int("attempts", attempt).
			Msg("Delivery failed permanently")
		return cause
	}

	next := time.Now().Add(retryDelay(d.cfg.RetryBaseDelay, attempt))
	if err := d.deliveries.RecordFailure(ctx, delivery.ID, cause.Error(), &next, false); err != nil {
		log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("Failed to record delivery failure")
		return cause
	}
	if err := d.tasks.EnqueueDeliveryRetry(ctx, delivery.ID, next); err != nil {
		// the periodic sweep finds the row again through next_retry_at
		log.Error().Err(err).Str("delivery_id", delivery.ID.String()).Msg("Failed to book delivery retry task")
	}
	metrics.DeliveryRetriesTotal.Inc()
	log.Info().
		Str("delivery_id", delivery.ID.String()).
		Int("attempt", attempt).
		Time("next_retry_at", next).
		Msg("Delivery retry booked")
	return cause
}

// permanentAdmissionError reports failures that cannot succeed on retry:
// the workflow is gone, the system caller was refused, or the template no
// longer fits the parameter schema.
func permanentAdmissionError(err error) bool {
	var vErr *admission.ValidationError
	return errors.Is(err, admission.ErrWorkflowNotFound) ||
		errors.Is(err, admission.ErrNotAuthorized) ||
		errors.As(err, &vErr)
}

// retryDelay backs off exponentially from the base delay, capped at an hour
// so a long outage does not push attempts out by days.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// buildParameters starts from the subscription's template and attaches the
// event under "event" so workflow code can read the raw payload.
func buildParameters(sub *models.EventSubscription, event *models.Event) map[string]interface{} {
	params := make(map[string]interface{}, len(sub.ParametersTemplate)+1)
	for k, v := range sub.ParametersTemplate {
		params[k] = v
	}
	params["event"] = map[string]interface{}{
		"id":          event.ID.String(),
		"type":        event.EventType,
		"payload":     map[string]interface{}(event.Payload),
		"received_at": event.ReceivedAt.UTC().Format(time.RFC3339),
	}
	return params
}

// parsePayload decodes the body as JSON when possible. Non-JSON bodies are
// kept verbatim under "raw" so nothing a source sends is dropped.
func parsePayload(body []byte) models.JSON {
	if len(body) == 0 {
		return models.JSON{}
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err == nil && payload != nil {
		return models.JSON(payload)
	}
	return models.JSON{"raw": string(body)}
}

// resolveEventType reads the event type from the configured header, falling
// back to a "type" field in the payload. Sources that send neither produce
// events with an empty type, which only wildcard subscriptions match.
func resolveEventType(source *models.EventSource, header http.Header, payload models.JSON) string {
	if v := header.Get(configString(source.Config, "event_type_header", "X-Event-Type")); v != "" {
		return v
	}
	if v, ok := payload["type"].(string); ok {
		return v
	}
	return ""
}

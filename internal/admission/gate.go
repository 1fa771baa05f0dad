// Package admission is the single doorway through which every trigger
// source submits an execution: resolve the workflow, authorize the caller,
// validate parameters, persist the pending context, take a queue position
// and publish the dispatch message.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/bifrosthq/bifrost/internal/authz"
	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/bifrosthq/bifrost/internal/pkg/validator"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotAuthorized       = errors.New("caller is not authorized to execute this workflow")
	ErrAdmissionOverloaded = errors.New("admission overloaded, broker and redis both unavailable")
	ErrExecutionIDRequired = errors.New("sync admission requires a caller-supplied execution id")

	// ErrWorkflowNotFound aliases the catalog sentinel so callers can match
	// either package.
	ErrWorkflowNotFound = services.ErrWorkflowNotFound
)

// ValidationError rejects parameters that do not satisfy the workflow's
// declared schema. No state is persisted for a rejected admission.
type ValidationError struct {
	Errors []validator.ParamError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "parameter validation failed"
	}
	return "parameter validation failed: " + e.Errors[0].Error()
}

// AdmitRequest carries one execution submission. ExecutionID is required
// for sync submissions, where the caller waits on the record it minted;
// async submissions may leave it nil and have the gate mint one.
type AdmitRequest struct {
	ExecutionID     *uuid.UUID
	Workflow        services.WorkflowRef
	Parameters      map[string]interface{}
	Caller          queue.CallerContext
	TriggerSource   string
	Sync            bool
	CodeB64         *string
	FormID          *uuid.UUID
	EventDeliveryID *uuid.UUID
}

type Gate struct {
	catalog    *services.CatalogService
	executions *services.ExecutionService
	authz      *authz.Resolver
	pending    *queue.PendingStore
	tracker    *queue.Tracker
	publisher  *broker.Publisher
}

func NewGate(
	catalog *services.CatalogService,
	executions *services.ExecutionService,
	resolver *authz.Resolver,
	pending *queue.PendingStore,
	tracker *queue.Tracker,
	publisher *broker.Publisher,
) *Gate {
	return &Gate{
		catalog:    catalog,
		executions: executions,
		authz:      resolver,
		pending:    pending,
		tracker:    tracker,
		publisher:  publisher,
	}
}

// Admit runs the admission sequence and returns the execution id the caller
// can watch. The gate itself never retries; callers decide whether a
// transient failure is worth resubmitting.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (uuid.UUID, error) {
	workflow, err := g.catalog.Resolve(ctx, req.Workflow)
	if err != nil {
		return uuid.Nil, err
	}

	allowed, err := g.authz.CanExecute(ctx, authz.Input{
		WorkflowID:  workflow.ID,
		Identity:    req.Caller.UserID,
		OrgID:       req.Caller.OrgID,
		IsSuperuser: req.Caller.IsSuperuser,
		IsAPIKey:    req.Caller.IsAPIKey,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("authorization check failed: %w", err)
	}
	if !allowed {
		return uuid.Nil, ErrNotAuthorized
	}

	params, paramErrs := validator.ValidateParams(validator.ParseSchema(workflow.ParametersSchema), req.Parameters)
	if len(paramErrs) > 0 {
		return uuid.Nil, &ValidationError{Errors: paramErrs}
	}

	executionID := uuid.New()
	if req.ExecutionID != nil {
		executionID = *req.ExecutionID
	} else if req.Sync {
		return uuid.Nil, ErrExecutionIDRequired
	}

	// Sync callers poll and wait on the durable record, so it must exist
	// before the dispatch can race ahead of it. Async records are created
	// lazily by the worker.
	if req.Sync {
		if _, err := g.executions.Create(ctx, buildCreateInput(executionID, workflow, req, params)); err != nil {
			return uuid.Nil, fmt.Errorf("failed to write durable record: %w", err)
		}
	}

	record := &queue.PendingRecord{
		WorkflowID:      workflow.ID,
		WorkflowName:    workflow.Name,
		Parameters:      params,
		Caller:          req.Caller,
		Sync:            req.Sync,
		TriggerSource:   req.TriggerSource,
		FormID:          req.FormID,
		EventDeliveryID: req.EventDeliveryID,
		CodeB64:         req.CodeB64,
	}

	pendingErr := g.pending.Set(ctx, executionID, record)
	if pendingErr != nil {
		log.Warn().Err(pendingErr).
			Str("execution_id", executionID.String()).
			Msg("Failed to write pending record")
	} else if _, err := g.tracker.Add(ctx, executionID); err != nil {
		log.Warn().Err(err).
			Str("execution_id", executionID.String()).
			Msg("Failed to take queue position")
	}

	publishErr := g.publisher.PublishDispatch(ctx, broker.DispatchMessage{
		ExecutionID:  executionID,
		WorkflowName: workflow.Name,
		Code:         req.CodeB64,
		Sync:         req.Sync,
	})

	switch {
	case publishErr == nil && pendingErr == nil:
		metrics.DispatchesTotal.WithLabelValues("ok").Inc()
		log.Info().
			Str("execution_id", executionID.String()).
			Str("workflow_name", workflow.Name).
			Str("trigger_source", req.TriggerSource).
			Bool("sync", req.Sync).
			Msg("Execution admitted")
		return executionID, nil

	case publishErr == nil:
		// Dispatched without a pending record; the worker resolves this as
		// AdmissionExpired, which is visible to the caller.
		metrics.DispatchesTotal.WithLabelValues("degraded").Inc()
		return executionID, nil

	case pendingErr != nil:
		metrics.DispatchesTotal.WithLabelValues("overloaded").Inc()
		g.abandon(ctx, executionID, req.Sync, "broker and redis unavailable at admission")
		return uuid.Nil, ErrAdmissionOverloaded

	default:
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		g.abandon(ctx, executionID, req.Sync, "dispatch publish failed at admission")
		return uuid.Nil, fmt.Errorf("dispatch publish failed: %w", publishErr)
	}
}

// abandon unwinds a failed admission so nothing dangles: ephemeral state is
// removed and a sync durable record is closed out as failed.
func (g *Gate) abandon(ctx context.Context, executionID uuid.UUID, sync bool, reason string) {
	if err := g.pending.Delete(ctx, executionID); err != nil {
		log.Debug().Err(err).Str("execution_id", executionID.String()).Msg("Pending cleanup failed")
	}
	if err := g.tracker.Remove(ctx, executionID); err != nil {
		log.Debug().Err(err).Str("execution_id", executionID.String()).Msg("Tracker cleanup failed")
	}
	if !sync {
		return
	}

	errType := models.ErrTypeTransientInfrastructure
	if _, err := g.executions.Finish(ctx, executionID, models.StatusFailed, nil, &reason, &errType); err != nil {
		log.Warn().Err(err).
			Str("execution_id", executionID.String()).
			Msg("Failed to close out durable record for abandoned admission")
	}
}

func buildCreateInput(id uuid.UUID, workflow *models.Workflow, req AdmitRequest, params map[string]interface{}) services.CreateExecutionInput {
	return services.CreateExecutionInput{
		ID:              id,
		WorkflowID:      workflow.ID,
		WorkflowName:    workflow.Name,
		OrganizationID:  resolveOrg(req.Caller.OrgID, workflow.OrganizationID),
		TriggerSource:   req.TriggerSource,
		Parameters:      models.JSON(params),
		ExecutedBy:      req.Caller.UserID,
		TimeSaved:       workflow.TimeSaved,
		Value:           workflow.Value,
		APIKeyID:        req.Caller.APIKeyID,
		SessionID:       req.Caller.SessionID,
		FormID:          req.FormID,
		EventDeliveryID: req.EventDeliveryID,
	}
}

// resolveOrg applies the org resolution rule: the caller's org wins, then
// the workflow's, then global scope.
func resolveOrg(callerOrg, workflowOrg *uuid.UUID) *uuid.UUID {
	if callerOrg != nil {
		return callerOrg
	}
	return workflowOrg
}

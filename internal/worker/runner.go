// Package worker implements the execution side of the orchestration core:
// one process, one dispatch at a time, from pending pickup to terminal
// write and ack.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bifrosthq/bifrost/internal/authz"
	"github.com/bifrosthq/bifrost/internal/broker"
	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/domain/services"
	"github.com/bifrosthq/bifrost/internal/events"
	"github.com/bifrosthq/bifrost/internal/pkg/config"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/bifrosthq/bifrost/internal/pool"
	"github.com/bifrosthq/bifrost/internal/queue"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Deps bundles the collaborators one Runner needs.
type Deps struct {
	Executions *services.ExecutionService
	Catalog    *services.CatalogService
	Authz      *authz.Resolver
	Pending    *queue.PendingStore
	Tracker    *queue.Tracker
	CancelFlag *queue.CancelFlag
	Inbox      *events.ResultInbox
	Publisher  *events.Publisher
	Logs       *repositories.ExecutionLogRepository
	Modules    *ModuleLoader
	Registry   *pool.Registry
}

// Runner executes dispatched workflow runs, one at a time. Handle is the
// consumer callback; everything else supports it.
type Runner struct {
	workerID string
	cfg      config.WorkerConfig
	deps     Deps

	slotMu sync.Mutex
	slot   pool.Slot
}

func NewRunner(workerID string, cfg config.WorkerConfig, deps Deps) *Runner {
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = time.Second
	}
	return &Runner{
		workerID: workerID,
		cfg:      cfg,
		deps:     deps,
		slot: pool.Slot{
			WorkerID: workerID,
			PID:      os.Getpid(),
			State:    models.WorkerStateIdle,
		},
	}
}

// outcome is a terminal classification ready for the durable writer.
type outcome struct {
	status  string
	result  models.JSON
	errMsg  *string
	errType *string
}

func failureOutcome(errType, message string) outcome {
	return outcome{status: models.StatusFailed, errMsg: &message, errType: &errType}
}

func cancelledOutcome(message string) outcome {
	errType := models.ErrTypeCancelled
	return outcome{status: models.StatusCancelled, errMsg: &message, errType: &errType}
}

// Handle processes one dispatch delivery end to end. A nil return and any
// non-transient error ack the message; transient errors requeue it.
func (r *Runner) Handle(ctx context.Context, d amqp.Delivery) error {
	msg, err := broker.UnmarshalDispatch(d.Body)
	if err != nil {
		log.Error().Err(err).Str("message_id", d.MessageId).Msg("Dropping malformed dispatch")
		return err
	}

	logger := log.With().
		Str("execution_id", msg.ExecutionID.String()).
		Str("workflow_name", msg.WorkflowName).
		Bool("sync", msg.Sync).
		Logger()

	// Step 1: the pending record is the full execution context.
	record, err := r.deps.Pending.Get(ctx, msg.ExecutionID)
	if err != nil {
		if errors.Is(err, queue.ErrPendingNotFound) {
			return r.handleExpiredAdmission(ctx, msg, logger)
		}
		return broker.Transient(err)
	}

	workflow, err := r.deps.Catalog.GetByID(ctx, record.WorkflowID)
	if err != nil {
		if errors.Is(err, services.ErrWorkflowNotFound) {
			message := fmt.Sprintf("workflow %s is not registered or inactive", record.WorkflowID)
			return r.failBeforeStart(ctx, msg, record, nil, record.Caller.OrgID,
				failureOutcome(models.ErrTypeWorkflowNotFound, message))
		}
		return broker.Transient(err)
	}

	// Step 2: effective organization. The caller's when set, the
	// workflow's otherwise, global when neither is.
	orgID := resolveOrg(record.Caller.OrgID, workflow.OrganizationID)

	// Step 3: ensure the durable record exists, then claim it.
	execution, err := r.ensureDurable(ctx, msg, record, workflow, orgID)
	if err != nil {
		return broker.Transient(err)
	}
	if execution.IsTerminal() {
		logger.Debug().Str("status", execution.Status).Msg("Duplicate delivery for finished execution")
		return r.cleanupOnly(ctx, msg.ExecutionID)
	}

	if err := r.deps.Executions.Start(ctx, msg.ExecutionID, r.workerID); err != nil {
		if errors.Is(err, services.ErrInvalidTransition) {
			return r.handleUnstartable(ctx, msg, record, logger)
		}
		return broker.Transient(err)
	}

	logger.Info().Str("path", workflow.Path).Msg("Execution started")
	return r.execute(ctx, msg, record, workflow, orgID, logger)
}

// execute owns the Running window: authorization re-check, code execution
// and the terminal write.
func (r *Runner) execute(ctx context.Context, msg *broker.DispatchMessage, record *queue.PendingRecord, workflow *models.Workflow, orgID *uuid.UUID, logger zerolog.Logger) error {
	r.setBusy(ctx, msg.ExecutionID)
	metrics.ExecutionsInFlight.Inc()
	started := time.Now()
	defer func() {
		metrics.ExecutionsInFlight.Dec()
		r.setIdle(ctx, true)
	}()

	secrets := NewSecretRegistry()
	pipe := events.NewLogPipe(r.deps.Logs, r.deps.Publisher, msg.ExecutionID, secrets.Redact)

	// Step 4: authorization re-check with the resolved organization.
	allowed, err := r.deps.Authz.CanExecute(ctx, authz.Input{
		WorkflowID:  workflow.ID,
		Identity:    record.Caller.UserID,
		OrgID:       orgID,
		IsSuperuser: record.Caller.IsSuperuser,
		IsAPIKey:    record.Caller.IsAPIKey,
	})
	if err != nil {
		out := failureOutcome(models.ErrTypeTransientInfrastructure, "authorization check failed: "+err.Error())
		return r.finalize(ctx, msg, record, out, pipe, started)
	}
	if !allowed {
		logger.Warn().Msg("Authorization re-check denied execution")
		out := failureOutcome(models.ErrTypeNotAuthorized, "caller is not authorized to execute this workflow")
		return r.finalize(ctx, msg, record, out, pipe, started)
	}

	// Steps 5 and 6: load code, run it under budget with cooperative
	// cancellation, stream console output through the log pipe.
	resultVal, runErr := r.runCode(ctx, msg, record, workflow, pipe)

	out := classifyOutcome(resultVal, runErr, pipe, secrets)
	logger.Info().
		Str("status", out.status).
		Int64("log_lines", pipe.Sequence()).
		Dur("elapsed", time.Since(started)).
		Msg("Execution finished")
	return r.finalize(ctx, msg, record, out, pipe, started)
}

func (r *Runner) runCode(ctx context.Context, msg *broker.DispatchMessage, record *queue.PendingRecord, workflow *models.Workflow, pipe *events.LogPipe) (interface{}, error) {
	sandbox := NewSandbox(workflow.Timeout(), pipe)

	pollCtx, stopPoll := context.WithCancel(ctx)
	pollDone := r.watchCancellation(pollCtx, msg.ExecutionID, sandbox)
	defer func() {
		stopPoll()
		<-pollDone
	}()

	source, inline, err := inlineSource(msg, record)
	if err != nil {
		return nil, err
	}
	if inline {
		return sandbox.RunInline(ctx, source, record.Parameters)
	}

	program, err := r.deps.Modules.Load(ctx, workflow.Path)
	if err != nil {
		if errors.Is(err, ErrModuleNotFound) {
			return nil, execErrorf(models.ErrTypeModuleNotFound, "module %s is not available", workflow.Path)
		}
		return nil, err
	}
	return sandbox.RunModule(ctx, program, workflow.FunctionName, record.Parameters)
}

// inlineSource decodes inline code when the dispatch carries it. The
// pending record is authoritative; the wire copy is the fallback.
func inlineSource(msg *broker.DispatchMessage, record *queue.PendingRecord) (string, bool, error) {
	encoded := record.CodeB64
	if encoded == nil {
		encoded = msg.Code
	}
	if encoded == nil {
		return "", false, nil
	}

	source, err := base64.StdEncoding.DecodeString(*encoded)
	if err != nil {
		return "", false, execErrorf(models.ErrTypeValidationError, "inline code is not valid base64: %v", err)
	}
	return string(source), true, nil
}

// watchCancellation polls the cancel marker and the durable status while
// the sandbox runs, interrupting it when a cancel lands.
func (r *Runner) watchCancellation(ctx context.Context, executionID uuid.UUID, sandbox *Sandbox) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.CancelPoll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.cancelRequested(ctx, executionID) {
					sandbox.Cancel()
					return
				}
			}
		}
	}()
	return done
}

func (r *Runner) cancelRequested(ctx context.Context, executionID uuid.UUID) bool {
	if flagged, err := r.deps.CancelFlag.IsSet(ctx, executionID); err == nil && flagged {
		return true
	}

	execution, err := r.deps.Executions.GetByID(ctx, executionID)
	if err != nil {
		return false
	}
	return execution.Status == models.StatusCancelling
}

// classifyOutcome maps the run result onto the terminal state machine:
// clean return is Success unless error-level lines were logged, interrupts
// split into Timeout and Cancelled, everything else is Failed.
func classifyOutcome(resultVal interface{}, runErr error, pipe *events.LogPipe, secrets *SecretRegistry) outcome {
	if runErr == nil {
		status := models.StatusSuccess
		if pipe.ErrorCount() > 0 {
			status = models.StatusCompletedWithErrors
		}
		return outcome{status: status, result: redactResult(secrets, coerceResult(resultVal))}
	}

	errType, errMsg := classify(runErr)
	errMsg = secrets.Redact(errMsg)
	switch errType {
	case models.ErrTypeTimeout:
		return outcome{status: models.StatusTimeout, errMsg: &errMsg, errType: &errType}
	case models.ErrTypeCancelled:
		return outcome{status: models.StatusCancelled, errMsg: &errMsg, errType: &errType}
	default:
		return outcome{status: models.StatusFailed, errMsg: &errMsg, errType: &errType}
	}
}

func coerceResult(val interface{}) models.JSON {
	if val == nil {
		return nil
	}
	if m, ok := val.(map[string]interface{}); ok {
		return models.JSON(m)
	}
	return models.JSON{"result": val}
}

// redactResult scrubs registered secrets from the serialized result before
// it reaches the durable store or a sync caller.
func redactResult(secrets *SecretRegistry, result models.JSON) models.JSON {
	if result == nil || secrets.Len() == 0 {
		return result
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	redacted := secrets.Redact(string(data))
	if redacted == string(data) {
		return result
	}

	var clean models.JSON
	if err := json.Unmarshal([]byte(redacted), &clean); err != nil {
		log.Warn().Err(err).Msg("Result redaction produced unreadable JSON, dropping result")
		return nil
	}
	return clean
}

// finalize writes the terminal record and runs the step 11 sequence:
// tracker removal, sync inbox push, final status event, pending cleanup.
// A failed terminal write is transient so the delivery requeues.
func (r *Runner) finalize(ctx context.Context, msg *broker.DispatchMessage, record *queue.PendingRecord, out outcome, pipe *events.LogPipe, started time.Time) error {
	executionID := msg.ExecutionID

	if out.status == models.StatusCancelled {
		// running → cancelled is not a legal edge; route the record
		// through cancelling when the API has not already done so.
		if err := r.deps.Executions.RequestCancel(ctx, executionID); err != nil &&
			!errors.Is(err, services.ErrExecutionNotActive) &&
			!errors.Is(err, services.ErrAlreadyTerminal) {
			log.Warn().Err(err).Str("execution_id", executionID.String()).Msg("Pre-cancel transition failed")
		}
	}

	wrote, err := r.deps.Executions.Finish(ctx, executionID, out.status, out.result, out.errMsg, out.errType)
	if err != nil {
		return broker.Transient(err)
	}

	if err := r.deps.Tracker.Remove(ctx, executionID); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID.String()).Msg("Queue tracker removal failed")
	}

	if wrote {
		if msg.Sync {
			sync := &events.SyncResult{
				Status:    out.status,
				Result:    out.result,
				Error:     deref(out.errMsg),
				ErrorType: deref(out.errType),
			}
			if err := r.deps.Inbox.Push(ctx, executionID, sync); err != nil {
				log.Error().Err(err).Str("execution_id", executionID.String()).Msg("Sync result push failed")
			}
		}
		if pipe != nil {
			pipe.Flush(ctx)
		}
		if err := r.deps.Publisher.PublishStatus(ctx, executionID, out.status, deref(out.errMsg), deref(out.errType)); err != nil {
			log.Debug().Err(err).Str("execution_id", executionID.String()).Msg("Status event publish failed")
		}
	} else {
		log.Warn().
			Str("execution_id", executionID.String()).
			Str("status", out.status).
			Msg("Terminal state already written elsewhere")
	}

	if err := r.deps.Pending.Delete(ctx, executionID); err != nil {
		log.Warn().Err(err).Str("execution_id", executionID.String()).Msg("Pending record delete failed")
	}
	if out.status == models.StatusCancelled {
		_ = r.deps.CancelFlag.Clear(ctx, executionID)
	}

	if record != nil {
		metrics.RecordExecution(out.status, record.TriggerSource, msg.WorkflowName, time.Since(started).Seconds())
	}
	return nil
}

// ensureDurable finds the caller-created record or writes one from the
// pending context, which is how async admissions materialize.
func (r *Runner) ensureDurable(ctx context.Context, msg *broker.DispatchMessage, record *queue.PendingRecord, workflow *models.Workflow, orgID *uuid.UUID) (*models.Execution, error) {
	execution, err := r.deps.Executions.GetByID(ctx, msg.ExecutionID)
	if err == nil {
		return execution, nil
	}
	if !errors.Is(err, services.ErrExecutionNotFound) {
		return nil, err
	}

	input := services.CreateExecutionInput{
		ID:              msg.ExecutionID,
		WorkflowID:      record.WorkflowID,
		WorkflowName:    record.WorkflowName,
		OrganizationID:  orgID,
		TriggerSource:   record.TriggerSource,
		Parameters:      models.JSON(record.Parameters),
		ExecutedBy:      record.Caller.UserID,
		APIKeyID:        record.Caller.APIKeyID,
		SessionID:       record.Caller.SessionID,
		FormID:          record.FormID,
		EventDeliveryID: record.EventDeliveryID,
	}
	if workflow != nil {
		input.WorkflowName = workflow.Name
		input.TimeSaved = workflow.TimeSaved
		input.Value = workflow.Value
	}

	execution, err = r.deps.Executions.Create(ctx, input)
	if err != nil {
		// A concurrent writer may have created the same id; losing that
		// race is benign.
		if existing, getErr := r.deps.Executions.GetByID(ctx, msg.ExecutionID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return execution, nil
}

// failBeforeStart records a failure for work that never reached Running.
func (r *Runner) failBeforeStart(ctx context.Context, msg *broker.DispatchMessage, record *queue.PendingRecord, workflow *models.Workflow, orgID *uuid.UUID, out outcome) error {
	if _, err := r.ensureDurable(ctx, msg, record, workflow, orgID); err != nil {
		return broker.Transient(err)
	}
	return r.finalize(ctx, msg, record, out, nil, time.Now())
}

// handleExpiredAdmission covers deliveries whose pending record aged out.
// A terminal durable record means honest redelivery; anything still live
// gets a definite AdmissionExpired failure so callers are not left hanging.
func (r *Runner) handleExpiredAdmission(ctx context.Context, msg *broker.DispatchMessage, logger zerolog.Logger) error {
	execution, err := r.deps.Executions.GetByID(ctx, msg.ExecutionID)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrExecutionNotFound):
		return r.expireWithoutRecord(ctx, msg, logger)
	default:
		return broker.Transient(err)
	}

	switch execution.Status {
	case models.StatusPending:
		out := failureOutcome(models.ErrTypeAdmissionExpired, "pending execution context expired before pickup")
		return r.finalize(ctx, msg, nil, out, nil, time.Now())
	case models.StatusRunning, models.StatusCancelling:
		// Claimed elsewhere; the stuck monitor arbitrates dead owners.
		logger.Warn().Str("status", execution.Status).Msg("Redelivery for execution claimed elsewhere")
		return nil
	default:
		logger.Debug().Str("status", execution.Status).Msg("Duplicate delivery for finished execution")
		return r.cleanupOnly(ctx, msg.ExecutionID)
	}
}

// expireWithoutRecord handles the async variant where not even a durable
// record exists: one is written just to carry the AdmissionExpired outcome.
func (r *Runner) expireWithoutRecord(ctx context.Context, msg *broker.DispatchMessage, logger zerolog.Logger) error {
	workflow, err := r.deps.Catalog.Resolve(ctx, services.WorkflowRef{Name: msg.WorkflowName})
	if err != nil {
		if errors.Is(err, services.ErrWorkflowNotFound) {
			logger.Warn().Msg("Expired dispatch for unknown workflow, dropping")
			return nil
		}
		return broker.Transient(err)
	}

	input := services.CreateExecutionInput{
		ID:             msg.ExecutionID,
		WorkflowID:     workflow.ID,
		WorkflowName:   workflow.Name,
		OrganizationID: workflow.OrganizationID,
	}
	if _, err := r.deps.Executions.Create(ctx, input); err != nil {
		if existing, getErr := r.deps.Executions.GetByID(ctx, msg.ExecutionID); getErr == nil && existing.IsTerminal() {
			return nil
		}
		return broker.Transient(err)
	}

	out := failureOutcome(models.ErrTypeAdmissionExpired, "pending execution context expired before pickup")
	return r.finalize(ctx, msg, nil, out, nil, time.Now())
}

// handleUnstartable resolves a claim that lost to another transition while
// the delivery was in flight.
func (r *Runner) handleUnstartable(ctx context.Context, msg *broker.DispatchMessage, record *queue.PendingRecord, logger zerolog.Logger) error {
	execution, err := r.deps.Executions.GetByID(ctx, msg.ExecutionID)
	if err != nil {
		return broker.Transient(err)
	}

	switch {
	case execution.Status == models.StatusCancelling:
		logger.Info().Msg("Execution cancelled before start")
		return r.finalize(ctx, msg, record, cancelledOutcome("execution cancelled before start"), nil, time.Now())
	case execution.Status == models.StatusRunning:
		logger.Warn().Msg("Execution claimed by another worker")
		return nil
	case execution.IsTerminal():
		logger.Debug().Str("status", execution.Status).Msg("Duplicate delivery for finished execution")
		return r.cleanupOnly(ctx, msg.ExecutionID)
	default:
		return broker.Transient(fmt.Errorf("execution %s unstartable in status %s", msg.ExecutionID, execution.Status))
	}
}

// cleanupOnly clears queue leftovers for work that already finished.
func (r *Runner) cleanupOnly(ctx context.Context, executionID uuid.UUID) error {
	if err := r.deps.Tracker.Remove(ctx, executionID); err != nil {
		log.Debug().Err(err).Str("execution_id", executionID.String()).Msg("Tracker cleanup failed")
	}
	if err := r.deps.Pending.Delete(ctx, executionID); err != nil {
		log.Debug().Err(err).Str("execution_id", executionID.String()).Msg("Pending cleanup failed")
	}
	return nil
}

// Exhausted fires when a dispatch burned its redelivery budget. The durable
// record gets a definite failure so callers are not left waiting on a
// message that will never be processed.
func (r *Runner) Exhausted(ctx context.Context, d amqp.Delivery) {
	msg, err := broker.UnmarshalDispatch(d.Body)
	if err != nil {
		return
	}

	record, err := r.deps.Pending.Get(ctx, msg.ExecutionID)
	if err != nil {
		record = nil
	}
	if record != nil {
		var workflow *models.Workflow
		if wf, err := r.deps.Catalog.GetByID(ctx, record.WorkflowID); err == nil {
			workflow = wf
		}
		orgID := record.Caller.OrgID
		if workflow != nil {
			orgID = resolveOrg(record.Caller.OrgID, workflow.OrganizationID)
		}
		if _, err := r.ensureDurable(ctx, msg, record, workflow, orgID); err != nil {
			log.Error().Err(err).Str("execution_id", msg.ExecutionID.String()).Msg("Could not record exhausted dispatch")
			return
		}
	}

	out := failureOutcome(models.ErrTypeInfrastructureExhausted, "dispatch abandoned after repeated infrastructure failures")
	if err := r.finalize(ctx, msg, record, out, nil, time.Now()); err != nil {
		log.Error().Err(err).Str("execution_id", msg.ExecutionID.String()).Msg("Exhausted dispatch finalize failed")
	}
}

// HandleInstall reacts to the package-installation fanout: compiled
// programs are dropped so the next load sees freshly installed content.
func (r *Runner) HandleInstall(ctx context.Context, d amqp.Delivery) error {
	var msg broker.InstallMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return fmt.Errorf("malformed install message: %w", err)
	}

	r.deps.Modules.InvalidateCompiled()
	log.Info().
		Str("package", msg.Package).
		Str("version", msg.Version).
		Str("action", msg.Action).
		Msg("Package installation observed, compiled modules invalidated")
	return nil
}

func resolveOrg(callerOrg, workflowOrg *uuid.UUID) *uuid.UUID {
	if callerOrg != nil {
		return callerOrg
	}
	return workflowOrg
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

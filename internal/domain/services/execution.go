package services

import (
	"context"
	"errors"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrAlreadyTerminal    = errors.New("execution already in a terminal state")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrExecutionNotActive = errors.New("execution is not pending or running")
)

// ExecutionService owns durable execution records and enforces the status
// state machine on every write.
type ExecutionService struct {
	executionRepo *repositories.ExecutionRepository
	logRepo       *repositories.ExecutionLogRepository
}

func NewExecutionService(
	executionRepo *repositories.ExecutionRepository,
	logRepo *repositories.ExecutionLogRepository,
) *ExecutionService {
	return &ExecutionService{
		executionRepo: executionRepo,
		logRepo:       logRepo,
	}
}

type CreateExecutionInput struct {
	ID              uuid.UUID
	WorkflowID      uuid.UUID
	WorkflowName    string
	OrganizationID  *uuid.UUID
	TriggerSource   string
	Parameters      models.JSON
	ExecutedBy      *uuid.UUID
	TimeSaved       float64
	Value           float64
	APIKeyID        *uuid.UUID
	SessionID       *uuid.UUID
	FormID          *uuid.UUID
	EventDeliveryID *uuid.UUID
}

// Create writes the durable record in pending. The id is caller-supplied
// (sync admissions mint it up front; the worker mints one lazily for async).
func (s *ExecutionService) Create(ctx context.Context, input CreateExecutionInput) (*models.Execution, error) {
	execution := &models.Execution{
		ID:              input.ID,
		WorkflowID:      input.WorkflowID,
		WorkflowName:    input.WorkflowName,
		OrganizationID:  input.OrganizationID,
		Status:          models.StatusPending,
		TriggerSource:   input.TriggerSource,
		Parameters:      input.Parameters,
		ExecutedBy:      input.ExecutedBy,
		TimeSaved:       input.TimeSaved,
		Value:           input.Value,
		APIKeyID:        input.APIKeyID,
		SessionID:       input.SessionID,
		FormID:          input.FormID,
		EventDeliveryID: input.EventDeliveryID,
	}

	if err := s.executionRepo.Create(ctx, execution); err != nil {
		return nil, err
	}
	return execution, nil
}

func (s *ExecutionService) GetByID(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	execution, err := s.executionRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	return execution, nil
}

// Start claims the execution for a worker, moving pending → running.
// Returns ErrInvalidTransition when the record already left pending, which
// the caller inspects to distinguish cancelled or redelivered work.
func (s *ExecutionService) Start(ctx context.Context, id uuid.UUID, workerID string) error {
	moved, err := s.executionRepo.MarkRunning(ctx, id, workerID)
	if err != nil {
		return err
	}
	if !moved {
		return ErrInvalidTransition
	}
	return nil
}

// RequestCancel writes cancelling; legal from pending or running only.
func (s *ExecutionService) RequestCancel(ctx context.Context, id uuid.UUID) error {
	moved, err := s.executionRepo.MarkCancelling(ctx, id)
	if err != nil {
		return err
	}
	if !moved {
		execution, lookupErr := s.GetByID(ctx, id)
		if lookupErr != nil {
			return lookupErr
		}
		if execution.IsTerminal() {
			return ErrAlreadyTerminal
		}
		return ErrExecutionNotActive
	}
	return nil
}

// Finish writes a terminal status with its outcome. The write is
// conditional on the current status being a legal predecessor; a false
// return with nil error means another writer got there first.
func (s *ExecutionService) Finish(ctx context.Context, id uuid.UUID, status string, result models.JSON, errMsg, errType *string) (bool, error) {
	if !models.IsTerminalStatus(status) {
		return false, ErrInvalidTransition
	}
	return s.executionRepo.Complete(ctx, id, status, result, errMsg, errType)
}

// Logs returns ordered log rows after the given sequence.
func (s *ExecutionService) Logs(ctx context.Context, id uuid.UUID, since int64, limit int) ([]models.ExecutionLog, error) {
	return s.logRepo.ListSince(ctx, id, since, limit)
}

// Overdue surfaces running and cancelling executions past their grace
// windows for the stuck monitor.
func (s *ExecutionService) Overdue(ctx context.Context, runningGrace, cancelGrace time.Duration) ([]models.Execution, error) {
	return s.executionRepo.FindOverdue(ctx, runningGrace, cancelGrace)
}

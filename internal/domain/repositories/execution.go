package repositories

import (
	"context"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ExecutionRepository struct {
	*BaseRepository[models.Execution]
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{
		BaseRepository: NewBaseRepository[models.Execution](db),
	}
}

func (r *ExecutionRepository) FindByWorkflowID(ctx context.Context, workflowID uuid.UUID, opts *ListOptions) ([]models.Execution, int64, error) {
	var executions []models.Execution
	var total int64

	query := r.DB().WithContext(ctx).Model(&models.Execution{}).Where("workflow_id = ?", workflowID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := opts.Apply(query).Find(&executions).Error
	return executions, total, err
}

// TransitionStatus applies a conditional status write: the update only takes
// effect while the current status is a legal predecessor of the target, so
// terminal states never regress and duplicate deliveries become no-ops. The
// returned bool reports whether the row actually moved.
func (r *ExecutionRepository) TransitionStatus(ctx context.Context, executionID uuid.UUID, status string, updates map[string]interface{}) (bool, error) {
	from := models.StatusPredecessors(status)
	if len(from) == 0 {
		return false, nil
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = status

	result := r.DB().WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status IN ?", executionID, from).
		Updates(updates)
	return result.RowsAffected > 0, result.Error
}

// MarkRunning moves pending → running and stamps the worker claim.
func (r *ExecutionRepository) MarkRunning(ctx context.Context, executionID uuid.UUID, workerID string) (bool, error) {
	result := r.DB().WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status = ?", executionID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":     models.StatusRunning,
			"worker_id":  workerID,
			"started_at": time.Now().UTC(),
		})
	return result.RowsAffected > 0, result.Error
}

// MarkCancelling requests cooperative cancellation. Valid from pending or
// running only.
func (r *ExecutionRepository) MarkCancelling(ctx context.Context, executionID uuid.UUID) (bool, error) {
	result := r.DB().WithContext(ctx).Model(&models.Execution{}).
		Where("id = ? AND status IN ?", executionID, []string{models.StatusPending, models.StatusRunning}).
		Update("status", models.StatusCancelling)
	return result.RowsAffected > 0, result.Error
}

// Complete writes a terminal state together with its outcome fields.
func (r *ExecutionRepository) Complete(ctx context.Context, executionID uuid.UUID, status string, result models.JSON, errMsg, errType *string) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"completed_at": now,
		"duration_ms":  gorm.Expr("COALESCE(EXTRACT(EPOCH FROM (? - started_at)) * 1000, 0)::bigint", now),
	}
	if result != nil {
		updates["result"] = result
	}
	if errMsg != nil {
		updates["error"] = *errMsg
	}
	if errType != nil {
		updates["error_type"] = *errType
	}
	return r.TransitionStatus(ctx, executionID, status, updates)
}

// FindOverdue returns running executions past their per-workflow budget plus
// the running grace, and cancelling executions past the cancel grace. The
// stuck monitor decides their fate.
func (r *ExecutionRepository) FindOverdue(ctx context.Context, runningGrace, cancelGrace time.Duration) ([]models.Execution, error) {
	var executions []models.Execution
	err := r.DB().WithContext(ctx).
		Table("executions").
		Select("executions.*").
		Joins("JOIN workflows ON workflows.id = executions.workflow_id").
		Where(
			"(executions.status = ? AND COALESCE(executions.started_at, executions.created_at) < NOW() - (workflows.timeout_seconds + ?) * INTERVAL '1 second')"+
				" OR (executions.status = ? AND COALESCE(executions.started_at, executions.created_at) < NOW() - ? * INTERVAL '1 second')",
			models.StatusRunning, int(runningGrace.Seconds()),
			models.StatusCancelling, int(cancelGrace.Seconds()),
		).
		Find(&executions).Error
	return executions, err
}

func (r *ExecutionRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.DB().WithContext(ctx).Model(&models.Execution{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

func (r *ExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.DB().WithContext(ctx).
		Where("created_at < ? AND status NOT IN ?", cutoff, []string{models.StatusPending, models.StatusRunning, models.StatusCancelling}).
		Delete(&models.Execution{})
	return result.RowsAffected, result.Error
}

package repositories

import (
	"context"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ExecutionLogRepository struct {
	*BaseRepository[models.ExecutionLog]
}

func NewExecutionLogRepository(db *gorm.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{
		BaseRepository: NewBaseRepository[models.ExecutionLog](db),
	}
}

// Append inserts one log row. A duplicate (execution_id, sequence) pair is
// skipped rather than erroring, which makes redelivered log writes
// idempotent. Returns whether the row was actually inserted.
func (r *ExecutionLogRepository) Append(ctx context.Context, row *models.ExecutionLog) (bool, error) {
	result := r.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}, {Name: "sequence"}},
			DoNothing: true,
		}).
		Create(row)
	return result.RowsAffected > 0, result.Error
}

// ListSince returns rows with sequence > since, in sequence order.
func (r *ExecutionLogRepository) ListSince(ctx context.Context, executionID uuid.UUID, since int64, limit int) ([]models.ExecutionLog, error) {
	var rows []models.ExecutionLog
	query := r.DB().WithContext(ctx).
		Where("execution_id = ? AND sequence > ?", executionID, since).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	return rows, err
}

// MaxSequence returns the highest sequence written for an execution, 0 when
// none exist.
func (r *ExecutionLogRepository) MaxSequence(ctx context.Context, executionID uuid.UUID) (int64, error) {
	var max *int64
	err := r.DB().WithContext(ctx).Model(&models.ExecutionLog{}).
		Where("execution_id = ?", executionID).
		Select("MAX(sequence)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// CountErrors returns how many error-level rows an execution emitted.
func (r *ExecutionLogRepository) CountErrors(ctx context.Context, executionID uuid.UUID) (int64, error) {
	var count int64
	err := r.DB().WithContext(ctx).Model(&models.ExecutionLog{}).
		Where("execution_id = ? AND level = ?", executionID, models.LogLevelError).
		Count(&count).Error
	return count, err
}

package repositories

import (
	"context"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowRepository struct {
	*BaseRepository[models.Workflow]
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{
		BaseRepository: NewBaseRepository[models.Workflow](db),
	}
}

func (r *WorkflowRepository) FindByPath(ctx context.Context, path, functionName string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := r.DB().WithContext(ctx).
		Where("path = ? AND function_name = ?", path, functionName).
		First(&workflow).Error
	if err != nil {
		return nil, err
	}
	return &workflow, nil
}

func (r *WorkflowRepository) FindByName(ctx context.Context, name string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := r.DB().WithContext(ctx).
		Where("name = ? AND is_active = true", name).
		Order("created_at ASC").
		First(&workflow).Error
	if err != nil {
		return nil, err
	}
	return &workflow, nil
}

// FindDue returns active scheduled workflows whose next_due_at has passed
// (or was never computed), in stable (id, next_due_at) order.
func (r *WorkflowRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Workflow, error) {
	var workflows []models.Workflow
	err := r.DB().WithContext(ctx).
		Where("is_active = true AND schedule IS NOT NULL AND (next_due_at IS NULL OR next_due_at <= ?)", now).
		Order("id ASC, next_due_at ASC").
		Limit(limit).
		Find(&workflows).Error
	return workflows, err
}

// UpdateCronState records a fire and the next computed due time.
func (r *WorkflowRepository) UpdateCronState(ctx context.Context, workflowID uuid.UUID, lastFired, nextDue time.Time) error {
	return r.DB().WithContext(ctx).Model(&models.Workflow{}).
		Where("id = ?", workflowID).
		Updates(map[string]interface{}{
			"last_fired_at": lastFired,
			"next_due_at":   nextDue,
		}).Error
}

// SetNextDue initializes next_due_at without marking a fire, used when a
// schedule is seen for the first time.
func (r *WorkflowRepository) SetNextDue(ctx context.Context, workflowID uuid.UUID, nextDue time.Time) error {
	return r.DB().WithContext(ctx).Model(&models.Workflow{}).
		Where("id = ?", workflowID).
		Update("next_due_at", nextDue).Error
}

type WorkflowAccessRepository struct {
	*BaseRepository[models.WorkflowAccess]
}

func NewWorkflowAccessRepository(db *gorm.DB) *WorkflowAccessRepository {
	return &WorkflowAccessRepository{
		BaseRepository: NewBaseRepository[models.WorkflowAccess](db),
	}
}

// FindForWorkflow returns access rows visible to the caller's organization:
// rows scoped to that organization plus global rows.
func (r *WorkflowAccessRepository) FindForWorkflow(ctx context.Context, workflowID uuid.UUID, orgID *uuid.UUID) ([]models.WorkflowAccess, error) {
	var rows []models.WorkflowAccess
	query := r.DB().WithContext(ctx).Where("workflow_id = ?", workflowID)
	if orgID != nil {
		query = query.Where("organization_id = ? OR organization_id IS NULL", *orgID)
	} else {
		query = query.Where("organization_id IS NULL")
	}
	err := query.Find(&rows).Error
	return rows, err
}

// Upsert writes an access row with set semantics on
// (workflow_id, entity_type, entity_id).
func (r *WorkflowAccessRepository) Upsert(ctx context.Context, row *models.WorkflowAccess) error {
	return r.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"access_level", "organization_id"}),
		}).
		Create(row).Error
}

type RoleAssignmentRepository struct {
	*BaseRepository[models.RoleAssignment]
}

func NewRoleAssignmentRepository(db *gorm.DB) *RoleAssignmentRepository {
	return &RoleAssignmentRepository{
		BaseRepository: NewBaseRepository[models.RoleAssignment](db),
	}
}

// FindRoleIDs returns the roles assigned to a form or app.
func (r *RoleAssignmentRepository) FindRoleIDs(ctx context.Context, entityType string, entityID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.DB().WithContext(ctx).Model(&models.RoleAssignment{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Pluck("role_id", &ids).Error
	return ids, err
}

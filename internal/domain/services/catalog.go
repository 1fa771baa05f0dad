package services

import (
	"context"
	"errors"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowRef identifies a workflow either by id or by its unique
// (path, function_name) pair; Name alone is a last-resort lookup for
// display-name references.
type WorkflowRef struct {
	ID           *uuid.UUID
	Path         string
	FunctionName string
	Name         string
}

// CatalogService reads the workflow registry. Rows are written by the
// catalog importer; the orchestration core only resolves them.
type CatalogService struct {
	workflowRepo *repositories.WorkflowRepository
}

func NewCatalogService(workflowRepo *repositories.WorkflowRepository) *CatalogService {
	return &CatalogService{workflowRepo: workflowRepo}
}

func (s *CatalogService) Resolve(ctx context.Context, ref WorkflowRef) (*models.Workflow, error) {
	var (
		workflow *models.Workflow
		err      error
	)

	switch {
	case ref.ID != nil:
		workflow, err = s.workflowRepo.FindByID(ctx, *ref.ID)
	case ref.Path != "" && ref.FunctionName != "":
		workflow, err = s.workflowRepo.FindByPath(ctx, ref.Path, ref.FunctionName)
	case ref.Name != "":
		workflow, err = s.workflowRepo.FindByName(ctx, ref.Name)
	default:
		return nil, ErrWorkflowNotFound
	}

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	if !workflow.IsActive {
		return nil, ErrWorkflowNotFound
	}
	return workflow, nil
}

func (s *CatalogService) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	workflow, err := s.workflowRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return workflow, nil
}

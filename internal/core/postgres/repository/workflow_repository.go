package repository

import (
	"context"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a new instance of WorkflowRepository
func NewWorkflowRepository(db *gorm.DB) ports.WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) CreateWorkflow(ctx context.Context, workflow *domain.UserWorkflow, steps []domain.WorkflowStep) error {
	return translate(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Steps are written explicitly below, not through the association
		if err := tx.Omit("Steps").Create(workflow).Error; err != nil {
			return err
		}

		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}

		return nil
	}))
}

func (r *workflowRepository) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.UserWorkflow, error) {
	var workflow domain.UserWorkflow
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number") }).
		Where("id = ?", id).
		First(&workflow).Error
	if err != nil {
		return nil, translate(err)
	}
	return &workflow, nil
}

func (r *workflowRepository) ListWorkflows(ctx context.Context, query ports.WorkflowQuery) ([]domain.UserWorkflow, error) {
	q := r.db.WithContext(ctx).Model(&domain.UserWorkflow{})
	if query.TenantID != "" {
		q = q.Where("tenant_id = ?", query.TenantID)
	}
	if query.UserID != "" {
		q = q.Where("user_id = ?", query.UserID)
	}
	if len(query.Statuses) > 0 {
		q = q.Where("status IN ?", query.Statuses)
	}
	if query.CreatedBefore != nil {
		q = q.Where("created_at < ?", *query.CreatedBefore)
	}
	if query.Limit > 0 {
		q = q.Limit(query.Limit)
	}

	var workflows []domain.UserWorkflow
	err := q.Order("created_at").Find(&workflows).Error
	return workflows, translate(err)
}

// TransitionWorkflow only moves a workflow that is still in one of the
// expected states, so two callers racing on the same workflow cannot both win.
func (r *workflowRepository) TransitionWorkflow(ctx context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus, errMessage *string) error {
	cols := map[string]any{
		"status":     to,
		"updated_at": time.Now(),
	}
	if errMessage != nil {
		cols["error_message"] = *errMessage
	}
	result := r.db.WithContext(ctx).
		Model(&domain.UserWorkflow{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(cols)
	return conditionalResult(ctx, r.db, &domain.UserWorkflow{}, id, result)
}

func (r *workflowRepository) AppendHistory(ctx context.Context, entry *domain.WorkflowHistory) error {
	return translate(r.db.WithContext(ctx).Create(entry).Error)
}

func (r *workflowRepository) ListHistory(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowHistory, error) {
	var entries []domain.WorkflowHistory
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at, id").
		Find(&entries).Error
	return entries, translate(err)
}

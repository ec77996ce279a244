package repository

import (
	"context"

	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
)

func (r *workflowRepository) GetStep(ctx context.Context, id uuid.UUID) (*domain.WorkflowStep, error) {
	var step domain.WorkflowStep
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&step).Error; err != nil {
		return nil, translate(err)
	}
	return &step, nil
}

func (r *workflowRepository) ListSteps(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error) {
	var steps []domain.WorkflowStep
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("step_number").
		Find(&steps).Error
	return steps, translate(err)
}

// TransitionStep is the claim: the patch lands only if the step is still in
// the status the caller read. A concurrent claimer gets ErrStaleState.
func (r *workflowRepository) TransitionStep(ctx context.Context, id uuid.UUID, from domain.StepStatus, patch domain.StepPatch) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowStep{}).
		Where("id = ? AND status = ?", id, from).
		Updates(patch.Columns())
	return conditionalResult(ctx, r.db, &domain.WorkflowStep{}, id, result)
}

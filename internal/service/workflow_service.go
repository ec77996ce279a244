package service

import (
	"context"
	"time"

	"go-lifecycle/internal/approval"
	"go-lifecycle/internal/coordinator"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/notification"

	"github.com/google/uuid"
)

// WorkflowService is what the HTTP layer and the scheduler commands see of
// the workflow side: the engine, the approval gate and the notification
// callbacks.
type WorkflowService interface {
	SubmitWorkflow(ctx context.Context, req coordinator.CreateRequest, start bool) (*coordinator.AdvanceResult, error)
	Advance(ctx context.Context, workflowID uuid.UUID, opts coordinator.AdvanceOptions) (*coordinator.AdvanceResult, error)
	Cancel(ctx context.Context, workflowID uuid.UUID, actorID, reason string) (*domain.UserWorkflow, error)
	Get(ctx context.Context, workflowID uuid.UUID) (*domain.UserWorkflow, error)
	Step(ctx context.Context, stepID uuid.UUID) (*domain.WorkflowStep, error)
	List(ctx context.Context, query ports.WorkflowQuery) ([]domain.UserWorkflow, error)
	History(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowHistory, error)

	RequestApproval(ctx context.Context, stepID uuid.UUID, approvers []string) (approval.RequestResult, error)
	ApproveStep(ctx context.Context, stepID uuid.UUID, approverID, notes string, resume bool) (*StepDecision, error)
	RejectStep(ctx context.Context, stepID uuid.UUID, rejectorID, reason string) (*StepDecision, error)

	EnforceSLA(ctx context.Context, workflowID uuid.UUID, maxHours int) (bool, error)
	SweepSLA(ctx context.Context, tenantID string, maxHours int) (approval.SweepReport, error)
	RemindApprovers(ctx context.Context, tenantID string, olderThan time.Duration) (int, error)

	Notifications(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowNotification, error)
	Notification(ctx context.Context, notificationID uuid.UUID) (*domain.WorkflowNotification, error)
	MarkNotificationSent(ctx context.Context, notificationID uuid.UUID) error
	MarkNotificationFailed(ctx context.Context, notificationID uuid.UUID, reason string) error
}

// StepDecision is the outcome of an approve or reject call. Advance is set
// when the caller asked to resume the workflow after approval.
type StepDecision struct {
	Step    *domain.WorkflowStep       `json:"step"`
	Advance *coordinator.AdvanceResult `json:"advance,omitempty"`
}

// The Implementation
type workflowService struct {
	engine        *coordinator.Coordinator
	gate          *approval.Gate
	notifier      *notification.Notifier
	notifications ports.NotificationRepository
}

// Constructor
func NewWorkflowService(engine *coordinator.Coordinator, gate *approval.Gate, notifier *notification.Notifier, notifications ports.NotificationRepository) WorkflowService {
	return &workflowService{
		engine:        engine,
		gate:          gate,
		notifier:      notifier,
		notifications: notifications,
	}
}

func (s *workflowService) SubmitWorkflow(ctx context.Context, req coordinator.CreateRequest, start bool) (*coordinator.AdvanceResult, error) {
	// 1. Persist the workflow with its steps
	wf, err := s.engine.CreateWorkflow(ctx, req)
	if err != nil {
		return nil, err
	}
	if !start {
		return &coordinator.AdvanceResult{Workflow: wf}, nil
	}

	// 2. Run until the first halt
	return s.engine.Advance(ctx, wf.ID, coordinator.AdvanceOptions{})
}

func (s *workflowService) Advance(ctx context.Context, workflowID uuid.UUID, opts coordinator.AdvanceOptions) (*coordinator.AdvanceResult, error) {
	return s.engine.Advance(ctx, workflowID, opts)
}

func (s *workflowService) Cancel(ctx context.Context, workflowID uuid.UUID, actorID, reason string) (*domain.UserWorkflow, error) {
	return s.engine.Cancel(ctx, workflowID, actorID, reason)
}

func (s *workflowService) Get(ctx context.Context, workflowID uuid.UUID) (*domain.UserWorkflow, error) {
	return s.engine.Get(ctx, workflowID)
}

func (s *workflowService) Step(ctx context.Context, stepID uuid.UUID) (*domain.WorkflowStep, error) {
	return s.engine.Step(ctx, stepID)
}

func (s *workflowService) List(ctx context.Context, query ports.WorkflowQuery) ([]domain.UserWorkflow, error) {
	return s.engine.List(ctx, query)
}

func (s *workflowService) History(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowHistory, error) {
	return s.engine.History(ctx, workflowID)
}

func (s *workflowService) RequestApproval(ctx context.Context, stepID uuid.UUID, approvers []string) (approval.RequestResult, error) {
	return s.gate.RequestApproval(ctx, stepID, approvers)
}

func (s *workflowService) ApproveStep(ctx context.Context, stepID uuid.UUID, approverID, notes string, resume bool) (*StepDecision, error) {
	step, err := s.gate.ApproveStep(ctx, stepID, approverID, notes)
	if err != nil {
		return nil, err
	}
	decision := &StepDecision{Step: step}
	if !resume {
		return decision, nil
	}
	res, err := s.engine.Advance(ctx, step.WorkflowID, coordinator.AdvanceOptions{})
	if err != nil {
		return decision, err
	}
	decision.Advance = res
	return decision, nil
}

func (s *workflowService) RejectStep(ctx context.Context, stepID uuid.UUID, rejectorID, reason string) (*StepDecision, error) {
	step, err := s.gate.RejectStep(ctx, stepID, rejectorID, reason)
	if err != nil {
		return nil, err
	}
	return &StepDecision{Step: step}, nil
}

func (s *workflowService) EnforceSLA(ctx context.Context, workflowID uuid.UUID, maxHours int) (bool, error) {
	return s.gate.EnforceSLA(ctx, workflowID, maxHours)
}

func (s *workflowService) SweepSLA(ctx context.Context, tenantID string, maxHours int) (approval.SweepReport, error) {
	return s.gate.SweepSLA(ctx, tenantID, maxHours)
}

func (s *workflowService) RemindApprovers(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	return s.gate.RemindApprovers(ctx, tenantID, olderThan)
}

func (s *workflowService) Notifications(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowNotification, error) {
	return s.notifications.ListNotifications(ctx, workflowID)
}

func (s *workflowService) Notification(ctx context.Context, notificationID uuid.UUID) (*domain.WorkflowNotification, error) {
	return s.notifications.GetNotification(ctx, notificationID)
}

func (s *workflowService) MarkNotificationSent(ctx context.Context, notificationID uuid.UUID) error {
	return s.notifier.MarkSent(ctx, notificationID)
}

func (s *workflowService) MarkNotificationFailed(ctx context.Context, notificationID uuid.UUID, reason string) error {
	return s.notifier.MarkFailed(ctx, notificationID, reason)
}

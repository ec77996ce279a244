// Package approval implements the approval gate for REQUEST_APPROVAL steps
// and the SLA checks an external scheduler triggers.
package approval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go-lifecycle/internal/audit"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/metrics"
	"go-lifecycle/internal/notification"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultSLAHours applies when a caller passes a non-positive limit.
const DefaultSLAHours = 48

type Gate struct {
	workflows ports.WorkflowRepository
	users     ports.UserRepository
	notifier  *notification.Notifier
	audit     *audit.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Gate)

func WithLogger(l *zap.Logger) Option       { return func(g *Gate) { g.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }
func WithAudit(r *audit.Recorder) Option    { return func(g *Gate) { g.audit = r } }

func NewGate(workflows ports.WorkflowRepository, users ports.UserRepository, notifier *notification.Notifier, opts ...Option) *Gate {
	g := &Gate{
		workflows: workflows,
		users:     users,
		notifier:  notifier,
		metrics:   metrics.Nop(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestResult reports how many approvers were notified. Success is false
// when at least one notification could not be persisted.
type RequestResult struct {
	Success           bool `json:"success"`
	NotificationCount int  `json:"notificationCount"`
}

// RequestApproval parks the step IN_PROGRESS with its approver list and sends
// one approval-requested notification per approver. The workflow must be
// running with every earlier step COMPLETED.
func (g *Gate) RequestApproval(ctx context.Context, stepID uuid.UUID, approvers []string) (RequestResult, error) {
	approvers = normalizeApprovers(approvers)
	if len(approvers) == 0 {
		return RequestResult{}, fmt.Errorf("%w: approval step needs at least one approver", domain.ErrValidation)
	}

	step, err := g.workflows.GetStep(ctx, stepID)
	if err != nil {
		return RequestResult{}, err
	}
	if step.ActionType != domain.ActionRequestApproval {
		return RequestResult{}, fmt.Errorf("%w: step %s is not an approval step", domain.ErrValidation, step)
	}
	if step.Status != domain.StepPending && step.Status != domain.StepInProgress {
		return RequestResult{}, fmt.Errorf("%w: step %s is %s", domain.ErrInvalidTransition, step, step.Status)
	}
	wf, err := g.workflows.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return RequestResult{}, err
	}
	if err := wf.CheckStepOrder(step.StepNumber); err != nil {
		return RequestResult{}, err
	}

	patch := domain.StepPatch{Status: domain.StepInProgress, Approvers: approvers}
	if step.StartedAt == nil {
		patch.StartedAt = domain.Ptr(g.now())
	}
	if err := g.workflows.TransitionStep(ctx, step.ID, step.Status, patch); err != nil {
		return RequestResult{}, fmt.Errorf("park step %s: %w", step, err)
	}
	patch.Apply(step)

	data := notification.DataFor(wf, g.lookupUser(ctx, wf.UserID), step, len(wf.Steps))
	data.ActorName = wf.InitiatedBy

	result := RequestResult{Success: true}
	for _, approver := range approvers {
		d := data
		d.ApproverName = approver
		_, err := g.notifier.Notify(ctx, notification.Request{
			WorkflowID: wf.ID,
			TenantID:   wf.TenantID,
			StepID:     &step.ID,
			Template:   notification.ApprovalRequested,
			Recipient:  approver,
			Data:       d,
		})
		if err != nil {
			result.Success = false
			g.logger.Warn("approval request not queued",
				zap.String("step_id", step.ID.String()),
				zap.String("approver", approver),
				zap.Error(err))
			continue
		}
		result.NotificationCount++
	}

	g.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditStep, step.ID, "APPROVAL_REQUESTED").
		By(wf.TenantID, wf.InitiatedBy))
	return result, nil
}

// ApproveStep completes a parked approval step. Calling it again with the
// same approver is a no-op; a different approver gets ErrAlreadyApproved.
func (g *Gate) ApproveStep(ctx context.Context, stepID uuid.UUID, approverID, notes string) (*domain.WorkflowStep, error) {
	if strings.TrimSpace(approverID) == "" {
		return nil, fmt.Errorf("%w: approver is required", domain.ErrValidation)
	}
	step, err := g.workflows.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.ActionType != domain.ActionRequestApproval {
		return nil, fmt.Errorf("%w: step %s is not an approval step", domain.ErrValidation, step)
	}
	if done, err := alreadyApproved(step, approverID); done || err != nil {
		return step, err
	}
	if step.Status != domain.StepInProgress {
		return nil, fmt.Errorf("%w: step %s is %s, not awaiting approval", domain.ErrInvalidTransition, step, step.Status)
	}
	if err := g.checkOpen(ctx, step); err != nil {
		return nil, err
	}
	if err := g.checkApprover(ctx, step, approverID); err != nil {
		return nil, err
	}

	now := g.now()
	patch := domain.StepPatch{
		Status:      domain.StepCompleted,
		CompletedAt: &now,
		ApprovedAt:  &now,
		ApprovedBy:  &approverID,
		ClearError:  true,
	}
	if step.StartedAt != nil {
		patch.DurationMs = domain.Ptr(now.Sub(*step.StartedAt).Milliseconds())
	}
	if notes != "" {
		patch.ApprovalNotes = &notes
	}
	if err := g.workflows.TransitionStep(ctx, step.ID, domain.StepInProgress, patch); err != nil {
		if !errors.Is(err, domain.ErrStaleState) {
			return nil, err
		}
		// Lost a race with another approve or reject; report what won.
		current, getErr := g.workflows.GetStep(ctx, stepID)
		if getErr != nil {
			return nil, getErr
		}
		if done, err := alreadyApproved(current, approverID); done || err != nil {
			return current, err
		}
		return nil, fmt.Errorf("%w: step %s is %s", domain.ErrInvalidTransition, current, current.Status)
	}
	patch.Apply(step)

	g.appendHistory(ctx, step, domain.HistoryStepApproved, approverID,
		map[string]any{"status": domain.StepInProgress},
		map[string]any{"status": domain.StepCompleted, "approvedBy": approverID, "notes": notes})
	g.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditStep, step.ID, string(domain.HistoryStepApproved)).
		Transition(string(domain.StepInProgress), string(domain.StepCompleted)).
		By("", approverID))
	g.logger.Info("approval step approved",
		zap.String("workflow_id", step.WorkflowID.String()),
		zap.String("step_id", step.ID.String()),
		zap.String("approver", approverID))
	return step, nil
}

func alreadyApproved(step *domain.WorkflowStep, approverID string) (bool, error) {
	if step.Status != domain.StepCompleted || step.ApprovedBy == nil {
		return false, nil
	}
	if *step.ApprovedBy == approverID {
		return true, nil
	}
	return true, fmt.Errorf("%w by %s", domain.ErrAlreadyApproved, *step.ApprovedBy)
}

// checkOpen rejects decisions on steps of cancelled or failed workflows.
func (g *Gate) checkOpen(ctx context.Context, step *domain.WorkflowStep) error {
	wf, err := g.workflows.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return err
	}
	if wf.IsFinished() {
		return fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidTransition, wf.ID, wf.Status)
	}
	return nil
}

// checkApprover accepts either a listed identifier or a user whose email is
// on the list.
func (g *Gate) checkApprover(ctx context.Context, step *domain.WorkflowStep, approverID string) error {
	if len(step.Approvers) == 0 || slices.ContainsFunc(step.Approvers, func(a string) bool { return strings.EqualFold(a, approverID) }) {
		return nil
	}
	user, err := g.users.FindUser(ctx, approverID)
	if err == nil && slices.ContainsFunc(step.Approvers, func(a string) bool { return strings.EqualFold(a, user.Email) }) {
		return nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s is not a designated approver", domain.ErrValidation, approverID)
}

// RejectStep returns a parked approval step to PENDING with the reason as its
// error so the same step can be run again.
func (g *Gate) RejectStep(ctx context.Context, stepID uuid.UUID, rejectorID, reason string) (*domain.WorkflowStep, error) {
	if strings.TrimSpace(rejectorID) == "" {
		return nil, fmt.Errorf("%w: rejector is required", domain.ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "rejected"
	}
	step, err := g.workflows.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.ActionType != domain.ActionRequestApproval {
		return nil, fmt.Errorf("%w: step %s is not an approval step", domain.ErrValidation, step)
	}
	if step.Status != domain.StepInProgress {
		return nil, fmt.Errorf("%w: step %s is %s, not awaiting approval", domain.ErrInvalidTransition, step, step.Status)
	}
	if err := g.checkOpen(ctx, step); err != nil {
		return nil, err
	}
	if err := g.checkApprover(ctx, step, rejectorID); err != nil {
		return nil, err
	}

	patch := domain.StepPatch{Status: domain.StepPending, ErrorMessage: &reason}
	if err := g.workflows.TransitionStep(ctx, step.ID, domain.StepInProgress, patch); err != nil {
		return nil, err
	}
	patch.Apply(step)

	g.appendHistory(ctx, step, domain.HistoryStepRejected, rejectorID,
		map[string]any{"status": domain.StepInProgress},
		map[string]any{"status": domain.StepPending, "rejectedBy": rejectorID, "reason": reason})
	g.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditStep, step.ID, string(domain.HistoryStepRejected)).
		Transition(string(domain.StepInProgress), string(domain.StepPending)).
		By("", rejectorID))

	g.notifyRejection(ctx, step, rejectorID, reason)
	return step, nil
}

func (g *Gate) notifyRejection(ctx context.Context, step *domain.WorkflowStep, rejectorID, reason string) {
	wf, err := g.workflows.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		g.logger.Warn("rejection notice skipped", zap.String("step_id", step.ID.String()), zap.Error(err))
		return
	}
	user := g.lookupUser(ctx, wf.UserID)
	if user == nil {
		return
	}
	data := notification.DataFor(wf, user, step, len(wf.Steps))
	data.ActorName = rejectorID
	data.Reason = reason
	if _, err := g.notifier.Notify(ctx, notification.Request{
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		StepID:     &step.ID,
		Template:   notification.ApprovalRejected,
		Recipient:  user.Email,
		Data:       data,
	}); err != nil {
		g.logger.Warn("rejection notice not queued", zap.String("step_id", step.ID.String()), zap.Error(err))
	}
}

// EnforceSLA fails a non-terminal workflow older than maxHours. It reports
// whether this call was the one that failed it.
func (g *Gate) EnforceSLA(ctx context.Context, workflowID uuid.UUID, maxHours int) (bool, error) {
	if maxHours <= 0 {
		maxHours = DefaultSLAHours
	}
	wf, err := g.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if wf.IsFinished() || !g.now().After(wf.SLADeadline(maxHours)) {
		return false, nil
	}

	msg := fmt.Sprintf("SLA violated: workflow exceeded %d hours without completing", maxHours)
	err = g.workflows.TransitionWorkflow(ctx, wf.ID, domain.NonTerminalWorkflowStatuses, domain.WorkflowFailed, &msg)
	if errors.Is(err, domain.ErrStaleState) {
		// Finished concurrently; nothing left to enforce.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	g.metrics.SLAViolations.Inc()
	g.metrics.WorkflowTransitions.WithLabelValues(string(wf.WorkflowType), string(domain.WorkflowFailed)).Inc()
	entry := domain.NewWorkflowHistory(wf.ID, nil, domain.HistorySLAViolated, "system",
		map[string]any{"status": wf.Status},
		map[string]any{"status": domain.WorkflowFailed, "maxHours": maxHours, "message": msg})
	entry.CreatedAt = g.now()
	if err := g.workflows.AppendHistory(ctx, entry); err != nil {
		g.logger.Error("sla history not recorded", zap.String("workflow_id", wf.ID.String()), zap.Error(err))
	}
	g.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditWorkflow, wf.ID, string(domain.HistorySLAViolated)).
		Transition(string(wf.Status), string(domain.WorkflowFailed)).
		By(wf.TenantID, "system"))
	g.logger.Warn("workflow failed by SLA",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("tenant_id", wf.TenantID),
		zap.Int("max_hours", maxHours))

	wf.Status = domain.WorkflowFailed
	wf.ErrorMessage = &msg
	if user := g.lookupUser(ctx, wf.UserID); user != nil {
		if _, err := g.notifier.Notify(ctx, notification.Request{
			WorkflowID: wf.ID,
			TenantID:   wf.TenantID,
			Template:   notification.WorkflowFailed,
			Recipient:  user.Email,
			Data:       notification.DataFor(wf, user, nil, len(wf.Steps)),
		}); err != nil {
			g.logger.Warn("sla failure notice not queued", zap.String("workflow_id", wf.ID.String()), zap.Error(err))
		}
	}
	return true, nil
}

// SweepReport summarizes one SweepSLA pass.
type SweepReport struct {
	Checked  int         `json:"checked"`
	Violated []uuid.UUID `json:"violated"`
	Errors   int         `json:"errors"`
}

// SweepSLA runs EnforceSLA over every stale non-terminal workflow of a tenant.
// An empty tenant sweeps all tenants.
func (g *Gate) SweepSLA(ctx context.Context, tenantID string, maxHours int) (SweepReport, error) {
	if maxHours <= 0 {
		maxHours = DefaultSLAHours
	}
	cutoff := g.now().Add(-time.Duration(maxHours) * time.Hour)
	stale, err := g.workflows.ListWorkflows(ctx, ports.WorkflowQuery{
		TenantID:      tenantID,
		Statuses:      domain.NonTerminalWorkflowStatuses,
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, wf := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		violated, err := g.EnforceSLA(ctx, wf.ID, maxHours)
		if err != nil {
			report.Errors++
			g.logger.Error("sla enforcement failed", zap.String("workflow_id", wf.ID.String()), zap.Error(err))
			continue
		}
		if violated {
			report.Violated = append(report.Violated, wf.ID)
		}
	}
	return report, nil
}

// RemindApprovers re-notifies the approvers of every approval step that has
// been parked longer than olderThan. It returns the number of reminders sent.
func (g *Gate) RemindApprovers(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	active, err := g.workflows.ListWorkflows(ctx, ports.WorkflowQuery{
		TenantID: tenantID,
		Statuses: []domain.WorkflowStatus{domain.WorkflowInProgress},
	})
	if err != nil {
		return 0, err
	}

	now := g.now()
	sent := 0
	for i := range active {
		wf := &active[i]
		steps, err := g.workflows.ListSteps(ctx, wf.ID)
		if err != nil {
			g.logger.Warn("reminder scan skipped workflow", zap.String("workflow_id", wf.ID.String()), zap.Error(err))
			continue
		}
		for j := range steps {
			step := &steps[j]
			if !step.AwaitingApproval() || step.StartedAt == nil || now.Sub(*step.StartedAt) < olderThan {
				continue
			}
			data := notification.DataFor(wf, g.lookupUser(ctx, wf.UserID), step, len(steps))
			data.PendingHours = int(now.Sub(*step.StartedAt).Hours())
			for _, approver := range step.Approvers {
				d := data
				d.ApproverName = approver
				if _, err := g.notifier.Notify(ctx, notification.Request{
					WorkflowID: wf.ID,
					TenantID:   wf.TenantID,
					StepID:     &step.ID,
					Template:   notification.WorkflowReminder,
					Recipient:  approver,
					Data:       d,
				}); err != nil {
					g.logger.Warn("reminder not queued", zap.String("step_id", step.ID.String()), zap.Error(err))
					continue
				}
				sent++
			}
		}
	}
	return sent, nil
}

func (g *Gate) appendHistory(ctx context.Context, step *domain.WorkflowStep, event domain.HistoryEvent, actor string, oldValue, newValue any) {
	entry := domain.NewWorkflowHistory(step.WorkflowID, &step.ID, event, actor, oldValue, newValue)
	entry.CreatedAt = g.now()
	if err := g.workflows.AppendHistory(ctx, entry); err != nil {
		g.logger.Error("workflow history not recorded",
			zap.String("workflow_id", step.WorkflowID.String()),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

func (g *Gate) lookupUser(ctx context.Context, userID string) *domain.User {
	user, err := g.users.FindUser(ctx, userID)
	if err != nil {
		g.logger.Debug("user lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return user
}

func normalizeApprovers(approvers []string) []string {
	var out []string
	for _, a := range approvers {
		a = strings.TrimSpace(a)
		if a != "" && !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

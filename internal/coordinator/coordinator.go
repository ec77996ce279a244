package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-lifecycle/internal/audit"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/metrics"
	"go-lifecycle/internal/notification"
	"go-lifecycle/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Coordinator drives user workflows through their steps. It never waits: an
// approval step parks the workflow and a later Advance call resumes it.
//
// The coordinator itself only sends the started and failed notices. Any other
// email is a SEND_EMAIL step of the workflow.
type Coordinator struct {
	workflows ports.WorkflowRepository
	users     ports.UserRepository
	registry  *worker.Registry
	notifier  *notification.Notifier
	audit     *audit.Recorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option       { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }
func WithAudit(r *audit.Recorder) Option    { return func(c *Coordinator) { c.audit = r } }

func NewCoordinator(
	workflows ports.WorkflowRepository,
	users ports.UserRepository,
	registry *worker.Registry,
	notifier *notification.Notifier,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		workflows: workflows,
		users:     users,
		registry:  registry,
		notifier:  notifier,
		metrics:   metrics.Nop(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateRequest describes a new workflow. When Steps is empty the steps come
// from the template for Type.
type CreateRequest struct {
	TenantID    string
	UserID      string
	Type        domain.WorkflowType
	InitiatedBy string
	Options     TemplateOptions
	Steps       []StepDefinition
}

// CreateWorkflow persists a PENDING workflow with its numbered steps. Step
// configurations are checked when each step runs; only the action kinds are
// checked here.
func (c *Coordinator) CreateWorkflow(ctx context.Context, req CreateRequest) (*domain.UserWorkflow, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown workflow type %q", domain.ErrValidation, req.Type)
	}
	if req.TenantID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: tenant and user are required", domain.ErrValidation)
	}

	user, err := c.users.FindUser(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", req.UserID, err)
	}
	if user.TenantID != req.TenantID {
		return nil, fmt.Errorf("%w: user %s in tenant %s", domain.ErrNotFound, req.UserID, req.TenantID)
	}

	defs := req.Steps
	if len(defs) == 0 {
		defs, err = Template(req.Type, req.Options)
		if err != nil {
			return nil, err
		}
	}
	for i, d := range defs {
		if _, err := c.registry.Handler(d.Action); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	// 1. Build the workflow and its numbered steps
	wf := domain.NewWorkflow(req.TenantID, req.UserID, req.Type, req.InitiatedBy)
	wf.CreatedAt = c.now()
	steps := make([]domain.WorkflowStep, 0, len(defs))
	for i, d := range defs {
		name := d.Name
		if name == "" {
			name = defaultStepName(d.Action)
		}
		step := domain.NewStep(wf.ID, i+1, name, d.Action, d.Config)
		step.CreatedAt = wf.CreatedAt
		steps = append(steps, *step)
	}

	// 2. Persist everything in one transaction
	if err := c.workflows.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	wf.Steps = steps

	// 3. Record
	c.history(ctx, wf, domain.HistoryCreated, wf.InitiatedBy, nil,
		map[string]any{"status": wf.Status, "type": wf.WorkflowType, "steps": len(steps)})
	c.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditWorkflow, wf.ID, string(domain.HistoryCreated)).
		Transition("", string(wf.Status)).
		By(wf.TenantID, wf.InitiatedBy))
	c.metrics.WorkflowTransitions.WithLabelValues(string(wf.WorkflowType), string(wf.Status)).Inc()
	c.logger.Info("workflow created",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("tenant_id", wf.TenantID),
		zap.String("user_id", wf.UserID),
		zap.String("type", string(wf.WorkflowType)),
		zap.Int("steps", len(steps)))
	return wf, nil
}

// AdvanceOptions tune one Advance call.
type AdvanceOptions struct {
	// RetryFailedStep is how many extra attempts a failing step gets within
	// this call before the workflow is failed.
	RetryFailedStep int
}

// StepRun is one execution attempt made during Advance.
type StepRun struct {
	StepID     uuid.UUID      `json:"stepId"`
	StepNumber int            `json:"stepNumber"`
	Action     string         `json:"action"`
	Outcome    worker.Outcome `json:"outcome"`
	Message    string         `json:"message,omitempty"`
}

// AdvanceResult is the state the workflow was left in.
type AdvanceResult struct {
	Workflow *domain.UserWorkflow `json:"workflow"`
	Runs     []StepRun            `json:"runs"`
	// AwaitingApproval is set when progress halted at an approval gate.
	AwaitingApproval *domain.WorkflowStep `json:"awaitingApproval,omitempty"`
}

// Advance executes the next runnable steps strictly in step-number order until
// the workflow completes, fails or parks at an approval gate.
//
// A step failure fails the workflow and is reported through the result. A
// returned error means the workflow could not be advanced at all and its
// state is unchanged by the failing call.
func (c *Coordinator) Advance(ctx context.Context, workflowID uuid.UUID, opts AdvanceOptions) (*AdvanceResult, error) {
	wf, err := c.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.IsFinished() {
		return nil, fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidTransition, wf.ID, wf.Status)
	}
	log := c.logger.With(zap.String("workflow_id", wf.ID.String()), zap.String("tenant_id", wf.TenantID))
	result := &AdvanceResult{Workflow: wf}

	// 1. First advance starts the workflow
	if wf.Status == domain.WorkflowPending {
		if err := c.start(ctx, wf); err != nil {
			return nil, err
		}
	}

	// 2. Walk the steps in order
	steps, err := c.workflows.ListSteps(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	for i := range steps {
		step := &steps[i]
		switch step.Status {
		case domain.StepCompleted:
			continue
		case domain.StepInProgress:
			if step.AwaitingApproval() {
				result.AwaitingApproval = step
				return c.reload(ctx, result)
			}
			return nil, fmt.Errorf("%w: step %s is already in progress", domain.ErrInvalidTransition, step)
		}

		attempts := 1 + max(opts.RetryFailedStep, 0)
		// A step left FAILED by an earlier call only runs again on request.
		if step.Status == domain.StepFailed && opts.RetryFailedStep <= 0 {
			msg := fmt.Sprintf("step %s failed", step)
			if step.ErrorMessage != nil {
				msg = fmt.Sprintf("step %s failed: %s", step, *step.ErrorMessage)
			}
			return c.fail(ctx, result, step, msg)
		}

		var res worker.StepResult
		for attempt := 1; attempt <= attempts; attempt++ {
			res, err = c.registry.Execute(ctx, step.ID)
			if err != nil {
				if worker.IsConfigError(err) {
					return c.fail(ctx, result, step, err.Error())
				}
				return nil, fmt.Errorf("execute step %s: %w", step, err)
			}
			result.Runs = append(result.Runs, StepRun{
				StepID:     step.ID,
				StepNumber: step.StepNumber,
				Action:     string(step.ActionType),
				Outcome:    res.Outcome,
				Message:    res.Message,
			})
			if res.Success || worker.IsConfigError(res.Err) {
				break
			}
			if attempt < attempts {
				log.Info("retrying failed step", zap.String("step_id", step.ID.String()), zap.Int("attempt", attempt+1))
			}
		}

		if !res.Success {
			// Invalid configuration leaves the step untouched and still
			// fails the workflow.
			return c.fail(ctx, result, step, fmt.Sprintf("step %s failed: %s", step, res.Message))
		}
		if res.Outcome == worker.Suspended {
			parked, err := c.workflows.GetStep(ctx, step.ID)
			if err != nil {
				return nil, err
			}
			result.AwaitingApproval = parked
			log.Info("workflow awaiting approval", zap.String("step_id", step.ID.String()))
			return c.reload(ctx, result)
		}
	}

	// 3. Every step is COMPLETED
	return c.complete(ctx, result, len(steps))
}

func (c *Coordinator) start(ctx context.Context, wf *domain.UserWorkflow) error {
	err := c.workflows.TransitionWorkflow(ctx, wf.ID, []domain.WorkflowStatus{domain.WorkflowPending}, domain.WorkflowInProgress, nil)
	if errors.Is(err, domain.ErrStaleState) {
		// Someone else started or finished it.
		current, getErr := c.workflows.GetWorkflow(ctx, wf.ID)
		if getErr != nil {
			return getErr
		}
		if current.Status != domain.WorkflowInProgress {
			return fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidTransition, wf.ID, current.Status)
		}
		*wf = *current
		return nil
	}
	if err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}

	prior := wf.Status
	wf.Status = domain.WorkflowInProgress
	c.transitioned(ctx, wf, domain.HistoryStarted, "system", prior, nil)

	user := c.lookupUser(ctx, wf.UserID)
	if user == nil {
		return nil
	}
	steps, _ := c.workflows.ListSteps(ctx, wf.ID)
	c.notify(ctx, wf, nil, notification.WorkflowStarted, user.Email, notification.DataFor(wf, user, nil, len(steps)))
	return nil
}

func (c *Coordinator) fail(ctx context.Context, result *AdvanceResult, step *domain.WorkflowStep, msg string) (*AdvanceResult, error) {
	wf := result.Workflow
	err := c.workflows.TransitionWorkflow(ctx, wf.ID, domain.NonTerminalWorkflowStatuses, domain.WorkflowFailed, &msg)
	if errors.Is(err, domain.ErrStaleState) {
		return c.reload(ctx, result)
	}
	if err != nil {
		return nil, fmt.Errorf("fail workflow: %w", err)
	}

	prior := wf.Status
	wf.Status = domain.WorkflowFailed
	wf.ErrorMessage = &msg
	c.transitioned(ctx, wf, domain.HistoryFailed, "system", prior, map[string]any{"stepId": step.ID, "error": msg})
	c.logger.Warn("workflow failed",
		zap.String("workflow_id", wf.ID.String()),
		zap.String("step_id", step.ID.String()),
		zap.String("error", msg))

	if user := c.lookupUser(ctx, wf.UserID); user != nil {
		data := notification.DataFor(wf, user, step, 0)
		data.ErrorMessage = msg
		c.notify(ctx, wf, nil, notification.WorkflowFailed, user.Email, data)
	}
	return c.reload(ctx, result)
}

func (c *Coordinator) complete(ctx context.Context, result *AdvanceResult, total int) (*AdvanceResult, error) {
	wf := result.Workflow
	err := c.workflows.TransitionWorkflow(ctx, wf.ID, []domain.WorkflowStatus{domain.WorkflowInProgress}, domain.WorkflowCompleted, nil)
	if errors.Is(err, domain.ErrStaleState) {
		return c.reload(ctx, result)
	}
	if err != nil {
		return nil, fmt.Errorf("complete workflow: %w", err)
	}

	prior := wf.Status
	wf.Status = domain.WorkflowCompleted
	c.transitioned(ctx, wf, domain.HistoryCompleted, "system", prior, map[string]any{"steps": total})
	c.logger.Info("workflow completed", zap.String("workflow_id", wf.ID.String()), zap.Int("steps", total))
	return c.reload(ctx, result)
}

// Cancel moves a non-terminal workflow to CANCELLED. Steps are left as they
// are so partial progress stays visible.
func (c *Coordinator) Cancel(ctx context.Context, workflowID uuid.UUID, actorID, reason string) (*domain.UserWorkflow, error) {
	wf, err := c.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.IsFinished() {
		return nil, fmt.Errorf("%w: workflow %s is %s", domain.ErrInvalidTransition, wf.ID, wf.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}
	err = c.workflows.TransitionWorkflow(ctx, wf.ID, domain.NonTerminalWorkflowStatuses, domain.WorkflowCancelled, &reason)
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: workflow %s finished concurrently", domain.ErrInvalidTransition, wf.ID)
	}
	if err != nil {
		return nil, err
	}

	prior := wf.Status
	wf.Status = domain.WorkflowCancelled
	wf.ErrorMessage = &reason
	c.transitioned(ctx, wf, domain.HistoryCancelled, actorID, prior, map[string]any{"reason": reason})
	c.logger.Info("workflow cancelled", zap.String("workflow_id", wf.ID.String()), zap.String("actor", actorID))
	return c.workflows.GetWorkflow(ctx, wf.ID)
}

func (c *Coordinator) Get(ctx context.Context, workflowID uuid.UUID) (*domain.UserWorkflow, error) {
	return c.workflows.GetWorkflow(ctx, workflowID)
}

func (c *Coordinator) Step(ctx context.Context, stepID uuid.UUID) (*domain.WorkflowStep, error) {
	return c.workflows.GetStep(ctx, stepID)
}

func (c *Coordinator) List(ctx context.Context, query ports.WorkflowQuery) ([]domain.UserWorkflow, error) {
	return c.workflows.ListWorkflows(ctx, query)
}

func (c *Coordinator) History(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowHistory, error) {
	if _, err := c.workflows.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return c.workflows.ListHistory(ctx, workflowID)
}

// --- HELPERS ---

func (c *Coordinator) reload(ctx context.Context, result *AdvanceResult) (*AdvanceResult, error) {
	wf, err := c.workflows.GetWorkflow(ctx, result.Workflow.ID)
	if err != nil {
		return nil, err
	}
	result.Workflow = wf
	return result, nil
}

func (c *Coordinator) transitioned(ctx context.Context, wf *domain.UserWorkflow, event domain.HistoryEvent, actor string, from domain.WorkflowStatus, detail map[string]any) {
	newValue := map[string]any{"status": wf.Status}
	for k, v := range detail {
		newValue[k] = v
	}
	c.history(ctx, wf, event, actor, map[string]any{"status": from}, newValue)
	c.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditWorkflow, wf.ID, string(event)).
		Transition(string(from), string(wf.Status)).
		By(wf.TenantID, actor))
	c.metrics.WorkflowTransitions.WithLabelValues(string(wf.WorkflowType), string(wf.Status)).Inc()
}

func (c *Coordinator) history(ctx context.Context, wf *domain.UserWorkflow, event domain.HistoryEvent, actor string, oldValue, newValue any) {
	entry := domain.NewWorkflowHistory(wf.ID, nil, event, actor, oldValue, newValue)
	entry.CreatedAt = c.now()
	if err := c.workflows.AppendHistory(ctx, entry); err != nil {
		c.logger.Error("workflow history not recorded",
			zap.String("workflow_id", wf.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

// notify is best effort: a queueing failure never changes workflow state.
func (c *Coordinator) notify(ctx context.Context, wf *domain.UserWorkflow, stepID *uuid.UUID, tmpl notification.Template, recipient string, data notification.TemplateData) {
	if c.notifier == nil || recipient == "" {
		return
	}
	if _, err := c.notifier.Notify(ctx, notification.Request{
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		StepID:     stepID,
		Template:   tmpl,
		Recipient:  recipient,
		Data:       data,
	}); err != nil {
		c.logger.Warn("workflow notification not queued",
			zap.String("workflow_id", wf.ID.String()),
			zap.String("template", string(tmpl)),
			zap.Error(err))
	}
}

func (c *Coordinator) lookupUser(ctx context.Context, userID string) *domain.User {
	user, err := c.users.FindUser(ctx, userID)
	if err != nil {
		c.logger.Debug("user lookup failed", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	return user
}

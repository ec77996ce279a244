package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// StepContext is everything a handler gets to see about the step it runs.
type StepContext struct {
	WorkflowID   uuid.UUID
	WorkflowType domain.WorkflowType
	StepID       uuid.UUID
	TenantID     string
	UserID       string
	Config       domain.StepConfig
}

type Outcome string

const (
	Succeeded Outcome = "succeeded"
	// BestEffort is a success where optional work could not be done, such as
	// archiving from a table that does not exist.
	BestEffort Outcome = "best_effort"
	// Suspended leaves the step IN_PROGRESS until an external event resumes it.
	Suspended Outcome = "suspended"
	Failed    Outcome = "failed"
)

type StepResult struct {
	Success bool           `json:"success"`
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Err     error          `json:"-"`
}

func ok(message string, data map[string]any) StepResult {
	return StepResult{Success: true, Outcome: Succeeded, Message: message, Data: data}
}

func bestEffort(message string, data map[string]any) StepResult {
	return StepResult{Success: true, Outcome: BestEffort, Message: message, Data: data}
}

func suspended(message string, data map[string]any) StepResult {
	return StepResult{Success: true, Outcome: Suspended, Message: message, Data: data}
}

func fail(err error) StepResult {
	return StepResult{Success: false, Outcome: Failed, Message: err.Error(), Err: err}
}

// StepHandler is implemented once per step action. Validate runs before any
// state is touched; Handle does the work and must be safe to re-run.
type StepHandler interface {
	Validate(config domain.StepConfig) error
	Handle(ctx context.Context, sc StepContext) StepResult
}

// Handlers is the full set a Registry is built from. Every field is required.
type Handlers struct {
	CreateAccount   StepHandler
	ProvisionAccess StepHandler
	SendEmail       StepHandler
	AssignRole      StepHandler
	DisableAccount  StepHandler
	ArchiveData     StepHandler
	RequestApproval StepHandler
	SyncPermissions StepHandler
}

// Registry is built once and never mutated, so concurrent workflow
// executions can share it.
type Registry struct {
	handlers  Handlers
	workflows ports.WorkflowRepository
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

type RegistryOption func(*Registry)

func WithRegistryLogger(l *zap.Logger) RegistryOption { return func(r *Registry) { r.logger = l } }
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}
func WithRegistryClock(now func() time.Time) RegistryOption { return func(r *Registry) { r.now = now } }

func NewRegistry(workflows ports.WorkflowRepository, handlers Handlers, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		handlers:  handlers,
		workflows: workflows,
		metrics:   metrics.Nop(),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, action := range domain.StepActions {
		if h, _ := r.Handler(action); h == nil {
			return nil, fmt.Errorf("no handler configured for %s", action)
		}
	}
	return r, nil
}

// Handler resolves an action to its handler. Unknown actions are a
// configuration error.
func (r *Registry) Handler(action domain.StepAction) (StepHandler, error) {
	var h StepHandler
	switch action {
	case domain.ActionCreateAccount:
		h = r.handlers.CreateAccount
	case domain.ActionProvisionAccess:
		h = r.handlers.ProvisionAccess
	case domain.ActionSendEmail:
		h = r.handlers.SendEmail
	case domain.ActionAssignRole:
		h = r.handlers.AssignRole
	case domain.ActionDisableAccount:
		h = r.handlers.DisableAccount
	case domain.ActionArchiveData:
		h = r.handlers.ArchiveData
	case domain.ActionRequestApproval:
		h = r.handlers.RequestApproval
	case domain.ActionSyncPermissions:
		h = r.handlers.SyncPermissions
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}
	return h, nil
}

// Validate checks a step definition without running it.
func (r *Registry) Validate(action domain.StepAction, config domain.StepConfig) error {
	h, err := r.Handler(action)
	if err != nil {
		return err
	}
	return h.Validate(config)
}

// Execute is the single wrapper every step runs through:
//
//  1. load the step and its workflow, refusing it unless the workflow is
//     running and every earlier step is COMPLETED
//  2. resolve and validate the handler, touching nothing on failure
//  3. claim the step (PENDING or FAILED -> IN_PROGRESS)
//  4. run the handler, converting panics to failures
//  5. record COMPLETED with duration, FAILED with the error, or leave it
//     IN_PROGRESS when the handler suspended
//
// A returned error means the step could not be run at all. A handler failure
// is reported through the result with a nil error.
func (r *Registry) Execute(ctx context.Context, stepID uuid.UUID) (StepResult, error) {
	step, err := r.workflows.GetStep(ctx, stepID)
	if err != nil {
		return StepResult{}, fmt.Errorf("load step %s: %w", stepID, err)
	}
	switch step.Status {
	case domain.StepCompleted:
		return ok("step already completed", nil), nil
	case domain.StepInProgress:
		return StepResult{}, fmt.Errorf("%w: step %s is already in progress", domain.ErrInvalidTransition, step)
	}

	wf, err := r.workflows.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return StepResult{}, fmt.Errorf("load workflow %s: %w", step.WorkflowID, err)
	}
	if err := wf.CheckStepOrder(step.StepNumber); err != nil {
		return StepResult{}, err
	}

	handler, err := r.Handler(step.ActionType)
	if err != nil {
		return StepResult{}, err
	}
	if err := handler.Validate(step.Config); err != nil {
		r.metrics.StepExecutions.WithLabelValues(string(step.ActionType), "invalid").Inc()
		return fail(err), nil
	}

	log := r.logger.With(
		zap.String("workflow_id", wf.ID.String()),
		zap.String("step_id", step.ID.String()),
		zap.String("action", string(step.ActionType)),
	)

	started := r.now()
	prior := step.Status
	claim := domain.StepPatch{Status: domain.StepInProgress, StartedAt: &started, ClearError: true}
	if err := r.workflows.TransitionStep(ctx, step.ID, prior, claim); err != nil {
		return StepResult{}, fmt.Errorf("claim step %s: %w", step, err)
	}
	r.history(ctx, step, domain.HistoryStepStarted, wf.InitiatedBy, prior, domain.StepInProgress, nil)
	log.Info("step started")

	result := r.run(ctx, handler, StepContext{
		WorkflowID:   wf.ID,
		WorkflowType: wf.WorkflowType,
		StepID:       step.ID,
		TenantID:     wf.TenantID,
		UserID:       wf.UserID,
		Config:       step.Config,
	})
	// An approval step only completes through the approval gate.
	if step.ActionType == domain.ActionRequestApproval && result.Success {
		result.Outcome = Suspended
	}

	finished := r.now()
	elapsed := finished.Sub(started)
	r.metrics.StepExecutions.WithLabelValues(string(step.ActionType), string(result.Outcome)).Inc()
	r.metrics.StepDuration.WithLabelValues(string(step.ActionType)).Observe(elapsed.Seconds())

	switch result.Outcome {
	case Suspended:
		log.Info("step suspended", zap.String("message", result.Message))
		return result, nil
	case Failed:
		msg := result.Message
		patch := domain.StepPatch{
			Status:       domain.StepFailed,
			CompletedAt:  &finished,
			DurationMs:   domain.Ptr(elapsed.Milliseconds()),
			ErrorMessage: &msg,
			Output:       output(result),
		}
		if err := r.workflows.TransitionStep(ctx, step.ID, domain.StepInProgress, patch); err != nil {
			return result, fmt.Errorf("record failure of step %s: %w", step, err)
		}
		r.history(ctx, step, domain.HistoryStepFailed, wf.InitiatedBy, domain.StepInProgress, domain.StepFailed, map[string]any{"error": msg})
		log.Warn("step failed", zap.Error(result.Err))
		return result, nil
	default:
		patch := domain.StepPatch{
			Status:      domain.StepCompleted,
			CompletedAt: &finished,
			DurationMs:  domain.Ptr(elapsed.Milliseconds()),
			Output:      output(result),
		}
		if err := r.workflows.TransitionStep(ctx, step.ID, domain.StepInProgress, patch); err != nil {
			return result, fmt.Errorf("record completion of step %s: %w", step, err)
		}
		r.history(ctx, step, domain.HistoryStepDone, wf.InitiatedBy, domain.StepInProgress, domain.StepCompleted, result.Data)
		log.Info("step completed", zap.String("outcome", string(result.Outcome)), zap.Duration("duration", elapsed))
		return result, nil
	}
}

func (r *Registry) run(ctx context.Context, h StepHandler, sc StepContext) (result StepResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("step handler panicked",
				zap.String("step_id", sc.StepID.String()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			result = fail(fmt.Errorf("handler panic: %v", p))
		}
	}()
	result = h.Handle(ctx, sc)
	if result.Outcome == "" {
		if result.Success {
			result.Outcome = Succeeded
		} else {
			result.Outcome = Failed
		}
	}
	if result.Outcome == Failed && result.Message == "" {
		result.Message = "step failed"
		if result.Err != nil {
			result.Message = result.Err.Error()
		}
	}
	return result
}

func (r *Registry) history(ctx context.Context, step *domain.WorkflowStep, event domain.HistoryEvent, actor string, from, to domain.StepStatus, detail map[string]any) {
	newValue := map[string]any{"status": to}
	for k, v := range detail {
		newValue[k] = v
	}
	entry := domain.NewWorkflowHistory(step.WorkflowID, &step.ID, event, actor, map[string]any{"status": from}, newValue)
	entry.CreatedAt = r.now()
	if err := r.workflows.AppendHistory(ctx, entry); err != nil {
		r.logger.Error("step history not recorded",
			zap.String("step_id", step.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

func output(result StepResult) datatypes.JSON {
	payload := map[string]any{"outcome": result.Outcome}
	if result.Message != "" {
		payload["message"] = result.Message
	}
	if len(result.Data) > 0 {
		payload["data"] = result.Data
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// IsConfigError reports whether err means the step definition itself is
// wrong rather than the work failing.
func IsConfigError(err error) bool {
	return errors.Is(err, domain.ErrUnknownAction) || errors.Is(err, domain.ErrValidation)
}

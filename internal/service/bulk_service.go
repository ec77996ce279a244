package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"go-lifecycle/internal/audit"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/dryrun"
	"go-lifecycle/internal/metrics"
	"go-lifecycle/internal/notification"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultBulkWorkers = 4

// BulkService owns the lifecycle of bulk operations:
//
//	DRAFT -> READY -> IN_PROGRESS -> COMPLETED | FAILED
//	any non-terminal -> CANCELLED
//	COMPLETED | FAILED -> CANCELLED (rollback)
type BulkService struct {
	ops      ports.BulkOperationRepository
	users    ports.UserRepository
	analyzer *dryrun.Analyzer
	notifier *notification.Notifier
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	workers        int
	previewLimit   int
	rollbackWindow time.Duration
}

type BulkOption func(*BulkService)

func WithLogger(l *zap.Logger) BulkOption       { return func(s *BulkService) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) BulkOption { return func(s *BulkService) { s.metrics = m } }
func WithClock(now func() time.Time) BulkOption { return func(s *BulkService) { s.now = now } }
func WithAudit(r *audit.Recorder) BulkOption    { return func(s *BulkService) { s.audit = r } }

// WithNotifier enables queueing of SEND_EMAIL operations for operations that
// notify users. Without it those operations only record a marker.
func WithNotifier(n *notification.Notifier) BulkOption {
	return func(s *BulkService) { s.notifier = n }
}

// WithWorkers bounds how many users are processed concurrently.
func WithWorkers(n int) BulkOption {
	return func(s *BulkService) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithPreviewLimit(n int) BulkOption {
	return func(s *BulkService) {
		if n > 0 {
			s.previewLimit = n
		}
	}
}

func WithRollbackWindow(d time.Duration) BulkOption {
	return func(s *BulkService) {
		if d > 0 {
			s.rollbackWindow = d
		}
	}
}

func NewBulkService(ops ports.BulkOperationRepository, users ports.UserRepository, analyzer *dryrun.Analyzer, opts ...BulkOption) *BulkService {
	s := &BulkService{
		ops:            ops,
		users:          users,
		analyzer:       analyzer,
		metrics:        metrics.Nop(),
		logger:         zap.NewNop(),
		now:            time.Now,
		workers:        DefaultBulkWorkers,
		previewLimit:   dryrun.DefaultPreviewLimit,
		rollbackWindow: domain.RollbackWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBulkRequest is the input to Create. NotifyUsers defaults to true.
type CreateBulkRequest struct {
	Name             string
	Description      string
	UserFilter       domain.UserFilter
	Config           domain.OperationConfig
	ApprovalRequired bool
	ScheduledFor     *time.Time
	NotifyUsers      *bool
}

// Create persists a DRAFT operation.
func (s *BulkService) Create(ctx context.Context, tenantID, createdBy string, req CreateBulkRequest) (*domain.BulkOperation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: operation name is required", domain.ErrValidation)
	}
	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	if err := validateFilter(req.UserFilter); err != nil {
		return nil, err
	}

	op := domain.NewBulkOperation(tenantID, createdBy, strings.TrimSpace(req.Name), req.Config)
	op.Description = req.Description
	op.UserFilter = req.UserFilter
	op.ScheduledFor = req.ScheduledFor
	if req.NotifyUsers != nil {
		op.NotifyUsers = *req.NotifyUsers
	}
	if req.ApprovalRequired {
		op.ApprovalRequired = true
		op.ApprovalStatus = domain.ApprovalPending
	}
	op.CreatedAt = s.now()
	op.UpdatedAt = op.CreatedAt

	if err := s.ops.CreateOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}
	s.record(ctx, op, domain.OperationCreatedEvent, createdBy, nil,
		map[string]any{"status": op.Status, "type": op.Type, "name": op.Name, "approvalRequired": op.ApprovalRequired})
	s.logger.Info("bulk operation created",
		zap.String("operation_id", op.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("type", string(op.Type)))
	return op, nil
}

// Preview resolves the target users, stores the dry-run snapshot and moves
// the operation to READY. A nil filter reuses the stored one. Any conflict
// that needs sign-off makes the operation approval-required, and a new
// preview always asks for approval again.
func (s *BulkService) Preview(ctx context.Context, operationID uuid.UUID, filter *domain.UserFilter, actor string) (*domain.DryRunResult, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Status != domain.OperationDraft && op.Status != domain.OperationReady {
		return nil, fmt.Errorf("%w: operation %s is %s", domain.ErrInvalidTransition, op.ID, op.Status)
	}

	f := op.UserFilter
	if filter != nil {
		if err := validateFilter(*filter); err != nil {
			return nil, err
		}
		f = *filter
	}
	users, err := s.users.FindUsers(ctx, op.TenantID, f)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}
	result, err := s.analyzer.Analyze(ctx, users, op.OperationConfig, s.previewLimit)
	if err != nil {
		return nil, err
	}

	approvalRequired := op.ApprovalRequired || result.RequiresApproval() || !result.CanProceed
	approvalStatus := domain.ApprovalNone
	if approvalRequired {
		approvalStatus = domain.ApprovalPending
	}
	total := result.AffectedUserCount
	patch := domain.OperationPatch{
		Status:             domain.OperationReady,
		UserFilter:         &f,
		TotalUsersAffected: &total,
		DryRun:             result,
		ApprovalRequired:   &approvalRequired,
		ApprovalStatus:     approvalStatus,
	}
	err = s.ops.TransitionOperation(ctx, op.ID, []domain.OperationStatus{domain.OperationDraft, domain.OperationReady}, patch)
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: operation %s changed during preview", domain.ErrInvalidTransition, op.ID)
	}
	if err != nil {
		return nil, err
	}

	prior := op.Status
	patch.Apply(op)
	s.record(ctx, op, domain.OperationPreviewedEvent, actor,
		map[string]any{"status": prior},
		map[string]any{"status": op.Status, "affectedUserCount": total, "riskLevel": result.RiskLevel, "approvalRequired": approvalRequired})
	return result, nil
}

// Progress is derived from the persisted counters on every call.
type Progress struct {
	OperationID     uuid.UUID              `json:"operationId"`
	Status          domain.OperationStatus `json:"status"`
	ProgressPercent int                    `json:"progressPercent"`
	TotalUsers      int                    `json:"totalUsers"`
	ProcessedUsers  int                    `json:"processedUsers"`
	SuccessCount    int                    `json:"successCount"`
	FailureCount    int                    `json:"failureCount"`
}

func progressOf(op *domain.BulkOperation) *Progress {
	p := &Progress{
		OperationID:    op.ID,
		Status:         op.Status,
		TotalUsers:     op.TotalUsersAffected,
		ProcessedUsers: op.Processed(),
		SuccessCount:   op.SuccessCount,
		FailureCount:   op.FailureCount,
	}
	if p.TotalUsers > 0 {
		p.ProgressPercent = int(math.Round(float64(p.ProcessedUsers) / float64(p.TotalUsers) * 100))
	}
	return p
}

// GetProgress is safe to poll concurrently with Execute.
func (s *BulkService) GetProgress(ctx context.Context, operationID uuid.UUID) (*Progress, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return progressOf(op), nil
}

// Execute applies the change to every user the filter matches now. Each user
// gets exactly one result row; one user's failure never stops the others.
// Only one caller can move the operation out of READY, so a second concurrent
// Execute fails with ErrInvalidTransition.
func (s *BulkService) Execute(ctx context.Context, operationID uuid.UUID, actor string) (*Progress, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if err := op.ExecutionAllowed(); err != nil {
		return nil, fmt.Errorf("%w: operation %s is %s (approval %s)", err, op.ID, op.Status, op.ApprovalStatus)
	}
	log := s.logger.With(zap.String("operation_id", op.ID.String()), zap.String("tenant_id", op.TenantID))

	// 1. CLAIM: READY -> IN_PROGRESS
	started := s.now()
	zero := 0
	claim := domain.OperationPatch{Status: domain.OperationInProgress, StartedAt: &started, SuccessCount: &zero, FailureCount: &zero}
	err = s.ops.TransitionOperation(ctx, op.ID, []domain.OperationStatus{domain.OperationReady}, claim)
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: operation %s is already being executed", domain.ErrInvalidTransition, op.ID)
	}
	if err != nil {
		return nil, err
	}
	claim.Apply(op)

	// 2. RESOLVE: the filter is evaluated again, not taken from the preview
	users, err := s.users.FindUsers(ctx, op.TenantID, op.UserFilter)
	if err != nil {
		msg := fmt.Sprintf("resolve users: %v", err)
		s.finish(ctx, op, domain.OperationFailed, &msg, actor)
		return nil, fmt.Errorf("resolve users: %w", err)
	}
	total := len(users)
	if err := s.ops.TransitionOperation(ctx, op.ID, []domain.OperationStatus{domain.OperationInProgress},
		domain.OperationPatch{TotalUsersAffected: &total}); err != nil {
		log.Warn("total not recorded before processing", zap.Error(err))
	}
	op.TotalUsersAffected = total
	log.Info("bulk execution started", zap.Int("users", total), zap.Int("workers", s.workers))

	// 3. PROCESS with a bounded pool
	var succeeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range users {
		user := users[i]
		g.Go(func() error {
			if s.processUser(gctx, op, &user) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	// 4. FINALIZE
	final := domain.OperationCompleted
	if failed.Load() > 0 {
		final = domain.OperationFailed
	}
	s.finish(ctx, op, final, nil, actor)
	log.Info("bulk execution finished",
		zap.String("status", string(final)),
		zap.Int64("success", succeeded.Load()),
		zap.Int64("failure", failed.Load()))

	current, err := s.ops.GetOperation(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	return progressOf(current), nil
}

// finish closes an IN_PROGRESS operation. A concurrent cancel wins.
func (s *BulkService) finish(ctx context.Context, op *domain.BulkOperation, status domain.OperationStatus, errMsg *string, actor string) {
	// Finalization must land even if the caller gave up.
	ctx = context.WithoutCancel(ctx)
	completed := s.now()
	until := completed.Add(s.rollbackWindow)
	rollback := s.analyzerRollback(op.Type)
	patch := domain.OperationPatch{
		Status:            status,
		CompletedAt:       &completed,
		ErrorMessage:      errMsg,
		RollbackAvailable: &rollback,
		RollbackUntilDate: &until,
	}
	err := s.ops.TransitionOperation(ctx, op.ID, []domain.OperationStatus{domain.OperationInProgress}, patch)
	if err != nil {
		s.logger.Warn("bulk operation not finalized",
			zap.String("operation_id", op.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	patch.Apply(op)
	if current, err := s.ops.GetOperation(ctx, op.ID); err == nil {
		op.SuccessCount, op.FailureCount = current.SuccessCount, current.FailureCount
	}
	s.record(ctx, op, domain.OperationExecutedEvent, actor,
		map[string]any{"status": domain.OperationReady},
		map[string]any{
			"status":       op.Status,
			"totalUsers":   op.TotalUsersAffected,
			"successCount": op.SuccessCount,
			"failureCount": op.FailureCount,
		})
}

// analyzerRollback mirrors the dry-run rollback estimate: everything except
// messages and imports can be rolled back, though only roles are restored.
func (s *BulkService) analyzerRollback(t domain.OperationType) bool {
	return t != domain.OpSendEmail && t != domain.OpImportCSV
}

// processUser applies the change to one user and records exactly one result.
// It reports whether the result counts as a success; only SUCCESS does.
func (s *BulkService) processUser(ctx context.Context, op *domain.BulkOperation, user *domain.User) bool {
	started := time.Now()
	res := &domain.BulkOperationResult{
		ID:              uuid.New(),
		BulkOperationID: op.ID,
		UserID:          user.ID,
	}

	if err := ctx.Err(); err != nil {
		res.Status = domain.ResultFailed
		res.ErrorMessage = domain.Ptr(fmt.Sprintf("execution cancelled: %v", err))
	} else {
		before, after, skip, err := s.apply(ctx, op, user)
		switch {
		case err != nil:
			res.Status = domain.ResultFailed
			res.ErrorMessage = domain.Ptr(err.Error())
		case skip != "":
			res.Status = domain.ResultSkipped
			res.ErrorMessage = &skip
		default:
			res.Status = domain.ResultSuccess
		}
		res.ChangesBefore, res.ChangesAfter = before, after
	}

	elapsed := time.Since(started)
	res.ExecutionTimeMs = elapsed.Milliseconds()
	res.CreatedAt = s.now()
	success := res.Status == domain.ResultSuccess

	// Bookkeeping survives cancellation so every user ends with one result.
	wctx := context.WithoutCancel(ctx)
	if err := s.ops.CreateResult(wctx, res); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			s.logger.Warn("duplicate bulk result ignored", zap.String("operation_id", op.ID.String()), zap.String("user_id", user.ID))
			return success
		}
		s.logger.Error("bulk result not recorded",
			zap.String("operation_id", op.ID.String()),
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	if err := s.ops.IncrementCounters(wctx, op.ID, succ, fail); err != nil {
		s.logger.Error("bulk counters not updated",
			zap.String("operation_id", op.ID.String()),
			zap.String("user_id", user.ID),
			zap.Error(err))
	}
	s.metrics.BulkUserResults.WithLabelValues(string(op.Type), string(res.Status)).Inc()
	s.metrics.BulkUserDuration.Observe(elapsed.Seconds())
	return success
}

// apply performs the type-specific mutation. A user already in the target
// state is a success with identical snapshots. A non-empty skip reason means
// the change could not be applied to this user.
func (s *BulkService) apply(ctx context.Context, op *domain.BulkOperation, user *domain.User) (before, after *domain.ChangeSet, skip string, err error) {
	cfg := op.OperationConfig
	switch cfg.Type {
	case domain.OpRoleChange:
		to := cfg.RoleChange.ToRole
		if from := cfg.RoleChange.FromRole; from != "" && user.Role != from {
			return nil, nil, fmt.Sprintf("role %s does not match %s", user.Role, from), nil
		}
		if user.Role == to {
			return &domain.ChangeSet{Role: &to}, &domain.ChangeSet{Role: &to}, "", nil
		}
		if err := s.users.UpdateUserRole(ctx, user.ID, to); err != nil {
			return nil, nil, "", fmt.Errorf("update role: %w", err)
		}
		prev := user.Role
		return &domain.ChangeSet{Role: &prev}, &domain.ChangeSet{Role: &to}, "", nil

	case domain.OpStatusUpdate:
		to := cfg.Status.ToStatus
		if from := cfg.Status.FromStatus; from != "" && user.Status != from {
			return nil, nil, fmt.Sprintf("status %s does not match %s", user.Status, from), nil
		}
		if user.Status == to {
			return &domain.ChangeSet{Status: &to}, &domain.ChangeSet{Status: &to}, "", nil
		}
		if err := s.users.UpdateUserStatus(ctx, user.ID, to); err != nil {
			return nil, nil, "", fmt.Errorf("update status: %w", err)
		}
		prev := user.Status
		return &domain.ChangeSet{Status: &prev}, &domain.ChangeSet{Status: &to}, "", nil

	case domain.OpPermissionGrant, domain.OpPermissionRevoke:
		held, err := s.users.ListPermissions(ctx, user.ID)
		if err != nil {
			return nil, nil, "", fmt.Errorf("list permissions: %w", err)
		}
		var changed []string
		if cfg.Type == domain.OpPermissionGrant {
			changed, err = s.users.GrantPermissions(ctx, user.ID, cfg.PermissionList()...)
		} else {
			changed, err = s.users.RevokePermissions(ctx, user.ID, cfg.PermissionList()...)
		}
		if err != nil {
			return nil, nil, "", fmt.Errorf("%s: %w", strings.ToLower(string(cfg.Type)), err)
		}
		if len(changed) == 0 {
			return &domain.ChangeSet{Permissions: held}, &domain.ChangeSet{Permissions: []string{}}, "", nil
		}
		return &domain.ChangeSet{Permissions: held}, &domain.ChangeSet{Permissions: changed}, "", nil

	case domain.OpSendEmail:
		email := &domain.EmailChange{Template: cfg.Email.Template, Subject: cfg.Email.Subject, Recipient: user.Email}
		if op.NotifyUsers && s.notifier != nil {
			subject := cfg.Email.Subject
			if subject == "" {
				subject = op.Name
			}
			if _, err := s.notifier.Enqueue(ctx, op.ID, op.TenantID, user.Email, subject, s.emailBody(op, user)); err != nil {
				return nil, nil, "", fmt.Errorf("queue email: %w", err)
			}
			email.Queued = true
		}
		return nil, &domain.ChangeSet{Email: email}, "", nil

	case domain.OpCustom:
		var data map[string]any
		if cfg.Custom != nil {
			data = cfg.Custom.Data
		}
		return nil, &domain.ChangeSet{Custom: data}, "", nil
	}
	return nil, nil, fmt.Sprintf("%s is not applied per user", cfg.Type), nil
}

// emailBody renders the catalog template when the operation names one.
func (s *BulkService) emailBody(op *domain.BulkOperation, user *domain.User) string {
	tmpl := notification.Template(op.OperationConfig.Email.Template)
	if s.notifier.Catalog().Has(tmpl) {
		msg, err := s.notifier.Catalog().Render(tmpl, notification.TemplateData{
			UserName:  user.DisplayName(),
			UserEmail: user.Email,
		})
		if err == nil {
			return msg.Body
		}
	}
	return fmt.Sprintf("Hello %s,\n\n%s\n", user.DisplayName(), op.Description)
}

// Approve grants the approval an operation needs before Execute. Approving
// twice by the same approver is a no-op.
func (s *BulkService) Approve(ctx context.Context, operationID uuid.UUID, approverID string) (*domain.BulkOperation, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.ApprovalRequired {
		return nil, fmt.Errorf("%w: operation %s does not require approval", domain.ErrInvalidTransition, op.ID)
	}
	switch op.ApprovalStatus {
	case domain.ApprovalApproved:
		if op.ApprovedBy != nil && *op.ApprovedBy == approverID {
			return op, nil
		}
		return nil, fmt.Errorf("%w: operation %s", domain.ErrAlreadyApproved, op.ID)
	case domain.ApprovalRejected:
		return nil, fmt.Errorf("%w: operation %s was rejected; preview it again first", domain.ErrInvalidTransition, op.ID)
	}
	return s.decide(ctx, op, domain.ApprovalApproved, domain.OperationApprovedEvent, approverID, nil)
}

// Reject blocks execution until the operation is previewed again.
func (s *BulkService) Reject(ctx context.Context, operationID uuid.UUID, rejectorID, reason string) (*domain.BulkOperation, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.ApprovalRequired || op.ApprovalStatus != domain.ApprovalPending {
		return nil, fmt.Errorf("%w: operation %s has no pending approval", domain.ErrInvalidTransition, op.ID)
	}
	if reason == "" {
		reason = "rejected"
	}
	return s.decide(ctx, op, domain.ApprovalRejected, domain.OperationRejectedEvent, rejectorID, &reason)
}

func (s *BulkService) decide(ctx context.Context, op *domain.BulkOperation, status domain.ApprovalStatus, event domain.OperationEvent, actor string, reason *string) (*domain.BulkOperation, error) {
	if op.Status != domain.OperationDraft && op.Status != domain.OperationReady {
		return nil, fmt.Errorf("%w: operation %s is %s", domain.ErrInvalidTransition, op.ID, op.Status)
	}
	at := s.now()
	patch := domain.OperationPatch{
		Status:         op.Status,
		ApprovalStatus: status,
		ApprovedBy:     &actor,
		ApprovedAt:     &at,
		ErrorMessage:   reason,
	}
	err := s.ops.TransitionOperation(ctx, op.ID, []domain.OperationStatus{op.Status}, patch)
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: operation %s changed concurrently", domain.ErrInvalidTransition, op.ID)
	}
	if err != nil {
		return nil, err
	}
	prior := op.ApprovalStatus
	patch.Apply(op)
	newValue := map[string]any{"approvalStatus": status}
	if reason != nil {
		newValue["reason"] = *reason
	}
	s.record(ctx, op, event, actor, map[string]any{"approvalStatus": prior}, newValue)
	return op, nil
}

// Cancel stops future processing. Changes already applied stay applied.
func (s *BulkService) Cancel(ctx context.Context, operationID uuid.UUID, actor string) (*domain.BulkOperation, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(domain.CancellableOperationStatuses, op.Status) {
		return nil, fmt.Errorf("%w: operation %s is %s", domain.ErrInvalidTransition, op.ID, op.Status)
	}
	patch := domain.OperationPatch{Status: domain.OperationCancelled}
	err = s.ops.TransitionOperation(ctx, op.ID, domain.CancellableOperationStatuses, patch)
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: operation %s finished concurrently", domain.ErrInvalidTransition, op.ID)
	}
	if err != nil {
		return nil, err
	}
	prior := op.Status
	patch.Apply(op)
	s.record(ctx, op, domain.OperationCancelledEvent, actor, map[string]any{"status": prior}, map[string]any{"status": op.Status})
	return op, nil
}

// RollbackReport counts what happened to each successful result.
type RollbackReport struct {
	OperationID uuid.UUID `json:"operationId"`
	Restored    int       `json:"restored"`
	Failed      int       `json:"failed"`
	// Inert results had nothing restorable, e.g. permission or email changes.
	Inert int `json:"inert"`
}

// Rollback restores the prior role of every successfully changed user, then
// closes the operation as CANCELLED. Users are restored independently; a
// failure on one is logged and the rest continue.
func (s *BulkService) Rollback(ctx context.Context, operationID uuid.UUID, actor string) (*RollbackReport, error) {
	op, err := s.ops.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if op.RollbackUntilDate != nil && now.After(*op.RollbackUntilDate) {
		return nil, fmt.Errorf("%w: window closed at %s", domain.ErrRollbackExpired, op.RollbackUntilDate.Format(time.RFC3339))
	}
	if !op.RollbackAvailable {
		return nil, fmt.Errorf("%w: operation %s", domain.ErrRollbackUnavailable, op.ID)
	}
	if !op.CanRollback(now) {
		return nil, fmt.Errorf("%w: operation %s is %s", domain.ErrInvalidTransition, op.ID, op.Status)
	}

	// Load before claiming so a read failure leaves the operation rollbackable.
	results, err := s.ops.ListResults(ctx, op.ID, domain.ResultSuccess)
	if err != nil {
		s.logger.Error("rollback results not loaded", zap.String("operation_id", op.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("list results: %w", err)
	}

	// The claim keeps two rollbacks from both restoring.
	off := false
	patch := domain.OperationPatch{Status: domain.OperationCancelled, RollbackAvailable: &off}
	err = s.ops.TransitionOperation(ctx, op.ID, []domain.OperationStatus{domain.OperationCompleted, domain.OperationFailed}, patch)
	if errors.Is(err, domain.ErrStaleState) {
		return nil, fmt.Errorf("%w: operation %s was already rolled back or cancelled", domain.ErrRollbackUnavailable, op.ID)
	}
	if err != nil {
		return nil, err
	}
	prior := op.Status
	patch.Apply(op)

	report := &RollbackReport{OperationID: op.ID}
	for _, r := range results {
		if !r.RestoresRole() {
			report.Inert++
			s.metrics.RollbackRestorations.WithLabelValues("inert").Inc()
			continue
		}
		if err := s.users.UpdateUserRole(ctx, r.UserID, *r.ChangesBefore.Role); err != nil {
			report.Failed++
			s.metrics.RollbackRestorations.WithLabelValues("failed").Inc()
			s.logger.Error("rollback of user failed",
				zap.String("operation_id", op.ID.String()),
				zap.String("user_id", r.UserID),
				zap.Error(err))
			continue
		}
		report.Restored++
		s.metrics.RollbackRestorations.WithLabelValues("restored").Inc()
	}

	s.record(ctx, op, domain.OperationRollbackEvent, actor,
		map[string]any{"status": prior, "rollbackAvailable": true},
		map[string]any{"status": op.Status, "rollbackAvailable": false, "restored": report.Restored, "failed": report.Failed, "inert": report.Inert})
	s.logger.Info("bulk operation rolled back",
		zap.String("operation_id", op.ID.String()),
		zap.Int("restored", report.Restored),
		zap.Int("failed", report.Failed),
		zap.Int("inert", report.Inert))
	return report, nil
}

func (s *BulkService) Get(ctx context.Context, operationID uuid.UUID) (*domain.BulkOperation, error) {
	return s.ops.GetOperation(ctx, operationID)
}

func (s *BulkService) List(ctx context.Context, query ports.OperationQuery) ([]domain.BulkOperation, int64, error) {
	if query.TenantID == "" {
		return nil, 0, fmt.Errorf("%w: tenant is required", domain.ErrValidation)
	}
	return s.ops.ListOperations(ctx, query)
}

func (s *BulkService) ListResults(ctx context.Context, operationID uuid.UUID, status domain.ResultStatus) ([]domain.BulkOperationResult, error) {
	if _, err := s.ops.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return s.ops.ListResults(ctx, operationID, status)
}

func (s *BulkService) History(ctx context.Context, operationID uuid.UUID) ([]domain.BulkOperationHistory, error) {
	if _, err := s.ops.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	return s.ops.ListOperationHistory(ctx, operationID)
}

// record appends history, emits the audit event and counts the transition.
// History is best effort here; the status change already happened.
func (s *BulkService) record(ctx context.Context, op *domain.BulkOperation, event domain.OperationEvent, actor string, oldValue, newValue map[string]any) {
	entry := domain.NewOperationHistory(op.ID, event, actor, oldValue, newValue)
	entry.CreatedAt = s.now()
	if err := s.ops.AppendOperationHistory(ctx, entry); err != nil {
		s.logger.Error("operation history not recorded",
			zap.String("operation_id", op.ID.String()),
			zap.String("event", string(event)),
			zap.Error(err))
	}
	var from string
	if v, ok := oldValue["status"]; ok {
		from = fmt.Sprint(v)
	}
	s.audit.Emit(ctx, domain.NewAuditEvent(domain.AuditBulkOperation, op.ID, string(event)).
		Transition(from, string(op.Status)).
		By(op.TenantID, actor))
	s.metrics.BulkOperations.WithLabelValues(string(op.Type), string(event)).Inc()
}

func validateFilter(f domain.UserFilter) error {
	for _, r := range f.Roles {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown role %q in filter", domain.ErrValidation, r)
		}
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return fmt.Errorf("%w: unknown status %q in filter", domain.ErrValidation, st)
		}
	}
	if f.DateRange != nil && f.DateRange.To.Before(f.DateRange.From) {
		return fmt.Errorf("%w: date range ends before it starts", domain.ErrValidation)
	}
	return nil
}

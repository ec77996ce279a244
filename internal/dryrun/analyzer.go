// Package dryrun simulates a bulk change without mutating anything and
// scores the risk of applying it.
package dryrun

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultPreviewLimit = 10

	perUserCostMs   = 50
	minDurationMs   = 1000
	usersPerRequest = 100
	dependentShare  = 0.2
	rollbackFactor  = 1.5
)

// DangerousPermissions may never be granted without a security review.
var DangerousPermissions = []string{"DELETE_ALL_DATA", "MODIFY_SECURITY_SETTINGS"}

// PermissionDependencies maps a permission to the permissions that only work
// while it is held.
var PermissionDependencies = map[string][]string{
	"USERS_READ":   {"USERS_WRITE", "USERS_DELETE"},
	"BILLING_READ": {"BILLING_WRITE"},
	"REPORTS_VIEW": {"REPORTS_EXPORT"},
}

// approvalRoles are promotion targets that always need sign-off.
var approvalRoles = []domain.Role{domain.RoleAdmin, domain.RoleSuperAdmin}

type Analyzer struct {
	users   ports.UserRepository
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Analyzer)

func WithLogger(l *zap.Logger) Option       { return func(a *Analyzer) { a.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Analyzer) { a.metrics = m } }
func WithClock(now func() time.Time) Option { return func(a *Analyzer) { a.now = now } }

func NewAnalyzer(users ports.UserRepository, opts ...Option) *Analyzer {
	a := &Analyzer{
		users:   users,
		metrics: metrics.Nop(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RunDryRun resolves userIDs inside the tenant and analyzes config against
// them. Unknown or foreign IDs are not counted.
func (a *Analyzer) RunDryRun(ctx context.Context, tenantID string, userIDs []string, config domain.OperationConfig, previewLimit int) (*domain.DryRunResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ids := dedupe(userIDs)
	var users []domain.User
	if len(ids) > 0 {
		var err error
		users, err = a.users.FindUsersByIDs(ctx, tenantID, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve users: %w", err)
		}
	}
	return a.Analyze(ctx, users, config, previewLimit)
}

// Analyze produces the dry-run for an already resolved user set. Conflicts
// are detected across every user; only the preview is capped.
func (a *Analyzer) Analyze(ctx context.Context, users []domain.User, config domain.OperationConfig, previewLimit int) (*domain.DryRunResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if previewLimit <= 0 {
		previewLimit = DefaultPreviewLimit
	}

	result := &domain.DryRunResult{
		AffectedUserCount: len(users),
		Preview:           []domain.UserChangePreview{},
		Conflicts:         []domain.DryRunConflict{},
		RiskLevel:         domain.RiskLow,
		Timestamp:         a.now().UTC(),
	}

	privilegedDemotions := 0
	for i := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := a.analyzeUser(ctx, &users[i], config)
		if err != nil {
			return nil, err
		}
		for _, c := range p.Conflicts {
			if c.Type == domain.ConflictRoleDowngrade && p.Changes.Role != nil && p.Changes.Role.From.Privileged() {
				privilegedDemotions++
			}
		}
		result.Conflicts = append(result.Conflicts, p.Conflicts...)
		if len(result.Preview) < previewLimit {
			result.Preview = append(result.Preview, p)
		}
	}

	result.ConflictCount = len(result.Conflicts)
	for _, c := range result.Conflicts {
		result.RiskLevel = result.RiskLevel.Max(c.Severity)
	}
	result.CanProceed = result.RiskLevel != domain.RiskCritical
	result.OverallRiskMessage = riskMessage(result.Conflicts, result.RiskLevel, privilegedDemotions)
	result.ImpactAnalysis = impact(len(users), config.Type)
	result.EstimatedDurationMs = result.ImpactAnalysis.EstimatedExecutionTimeMs

	a.metrics.DryRunRisk.WithLabelValues(string(result.RiskLevel)).Inc()
	a.logger.Debug("dry run analyzed",
		zap.String("type", string(config.Type)),
		zap.Int("users", len(users)),
		zap.Int("conflicts", result.ConflictCount),
		zap.String("risk", string(result.RiskLevel)))
	return result, nil
}

func (a *Analyzer) analyzeUser(ctx context.Context, u *domain.User, config domain.OperationConfig) (domain.UserChangePreview, error) {
	p := domain.UserChangePreview{
		UserID:      u.ID,
		UserName:    u.DisplayName(),
		Email:       u.Email,
		CurrentRole: u.Role,
		RiskLevel:   domain.RiskLow,
	}

	switch config.Type {
	case domain.OpRoleChange:
		cfg := config.RoleChange
		p.Changes.Role = &domain.RoleTransition{From: u.Role, To: cfg.ToRole}
		switch {
		case cfg.FromRole != "" && cfg.FromRole != u.Role:
			p.Changes.Note = fmt.Sprintf("current role %s does not match %s; user will be skipped", u.Role, cfg.FromRole)
		case u.Role == cfg.ToRole:
			p.Changes.Note = "role unchanged"
		default:
			p.Conflicts = append(p.Conflicts, roleConflicts(u, cfg.ToRole)...)
		}

	case domain.OpStatusUpdate:
		cfg := config.Status
		p.Changes.Status = &domain.StatusTransition{From: u.Status, To: cfg.ToStatus}
		switch {
		case cfg.FromStatus != "" && cfg.FromStatus != u.Status:
			p.Changes.Note = fmt.Sprintf("current status %s does not match %s; user will be skipped", u.Status, cfg.FromStatus)
		case u.Status == cfg.ToStatus:
			p.Changes.Note = "status unchanged"
		case cfg.ToStatus == domain.UserSuspended:
			p.Changes.Note = "User will lose access to all features"
			p.RiskLevel = domain.RiskHigh
		}

	case domain.OpPermissionGrant:
		held, err := a.users.ListPermissions(ctx, u.ID)
		if err != nil {
			return p, fmt.Errorf("list permissions of %s: %w", u.ID, err)
		}
		var added []string
		for _, perm := range config.PermissionList() {
			if !slices.Contains(held, perm) {
				added = append(added, perm)
			}
		}
		p.Changes.Permissions = &domain.PermissionDelta{Added: added}
		if dangerous := intersect(config.PermissionList(), DangerousPermissions); len(dangerous) > 0 {
			p.Conflicts = append(p.Conflicts, domain.DryRunConflict{
				Type:             domain.ConflictPermission,
				Severity:         domain.RiskCritical,
				UserID:           u.ID,
				Message:          fmt.Sprintf("Granting dangerous permissions (%s) to %s. Requires security review.", strings.Join(dangerous, ", "), u.Email),
				RequiresApproval: true,
			})
		}

	case domain.OpPermissionRevoke:
		held, err := a.users.ListPermissions(ctx, u.ID)
		if err != nil {
			return p, fmt.Errorf("list permissions of %s: %w", u.ID, err)
		}
		revoking := config.PermissionList()
		var removed []string
		for _, perm := range revoking {
			if slices.Contains(held, perm) {
				removed = append(removed, perm)
			}
		}
		p.Changes.Permissions = &domain.PermissionDelta{Removed: removed}
		for _, perm := range removed {
			var broken []string
			for _, dep := range PermissionDependencies[perm] {
				if slices.Contains(held, dep) && !slices.Contains(revoking, dep) {
					broken = append(broken, dep)
				}
			}
			if len(broken) > 0 {
				p.Conflicts = append(p.Conflicts, domain.DryRunConflict{
					Type:                 domain.ConflictDependencyViolation,
					Severity:             domain.RiskMedium,
					UserID:               u.ID,
					Message:              fmt.Sprintf("Revoking %s from %s breaks %s.", perm, u.Email, strings.Join(broken, ", ")),
					AffectedDependencies: broken,
				})
			}
		}

	case domain.OpSendEmail:
		p.Changes.Email = &domain.EmailChange{
			Template:  config.Email.Template,
			Subject:   config.Email.Subject,
			Recipient: u.Email,
		}

	case domain.OpImportCSV:
		p.Changes.Note = fmt.Sprintf("records imported from %s", config.Import.Source)

	case domain.OpCustom:
		if config.Custom != nil {
			p.Changes.Custom = config.Custom.Data
		}
	}

	for _, c := range p.Conflicts {
		p.RiskLevel = p.RiskLevel.Max(c.Severity)
	}
	return p, nil
}

func roleConflicts(u *domain.User, to domain.Role) []domain.DryRunConflict {
	var out []domain.DryRunConflict
	if u.Role.IsDowngradeTo(to) {
		out = append(out, domain.DryRunConflict{
			Type:             domain.ConflictRoleDowngrade,
			Severity:         domain.RiskHigh,
			UserID:           u.ID,
			Message:          fmt.Sprintf("User %s will be demoted from %s to %s. This requires approval.", u.Email, u.Role, to),
			RequiresApproval: true,
		})
	}
	if slices.Contains(approvalRoles, to) {
		out = append(out, domain.DryRunConflict{
			Type:             domain.ConflictApprovalRequired,
			Severity:         domain.RiskMedium,
			UserID:           u.ID,
			Message:          fmt.Sprintf("Assigning %s to %s requires approval.", to, u.Email),
			RequiresApproval: true,
		})
	}
	return out
}

func impact(count int, opType domain.OperationType) domain.ImpactAnalysis {
	duration := int64(max(minDurationMs, count*perUserCostMs))
	ia := domain.ImpactAnalysis{
		DirectlyAffectedCount:    count,
		PotentiallyAffectedCount: int(math.Round(math.Min(float64(count), float64(count)*dependentShare))),
		EstimatedExecutionTimeMs: duration,
		EstimatedNetworkCalls:    int(math.Ceil(1 + float64(count)/usersPerRequest)),
	}

	ri := domain.RollbackImpact{CanRollback: true}
	switch opType {
	case domain.OpRoleChange:
		ri.RestoresState = true
	case domain.OpStatusUpdate:
		ri.DataLoss = []string{"status changes are not reverted by rollback"}
	case domain.OpPermissionGrant, domain.OpPermissionRevoke:
		ri.DataLoss = []string{"permission changes are not reverted by rollback"}
	case domain.OpCustom:
		ri.DataLoss = []string{"custom changes are not reverted by rollback"}
	default:
		ri.CanRollback = false
		ri.DataLoss = []string{"sent messages and imported records cannot be recalled"}
	}
	if ri.CanRollback {
		ri.RollbackTimeMs = int64(float64(duration) * rollbackFactor)
	}
	ia.RollbackImpact = ri
	return ia
}

func riskMessage(conflicts []domain.DryRunConflict, level domain.RiskLevel, privilegedDemotions int) string {
	if len(conflicts) == 0 {
		return "No issues detected. Safe to proceed."
	}
	counts := map[domain.RiskLevel]int{}
	for _, c := range conflicts {
		counts[c.Severity]++
	}
	var parts []string
	if n := counts[domain.RiskCritical]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d critical issue(s)", n))
	}
	if n := counts[domain.RiskHigh]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d high-risk issue(s)", n))
	}
	if n := counts[domain.RiskMedium]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d medium-risk issue(s)", n))
	}
	if privilegedDemotions > 0 {
		parts = append(parts, fmt.Sprintf("%d privileged account(s) demoted", privilegedDemotions))
	}
	msg := strings.Join(parts, ", ")

	switch level {
	case domain.RiskCritical:
		return msg + " - Operation cannot proceed without review and approval."
	case domain.RiskHigh:
		return msg + " - Requires approval before proceeding."
	}
	return msg + " - Please review before proceeding."
}

func intersect(a, b []string) []string {
	var out []string
	for _, v := range a {
		if slices.Contains(b, v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; id == "" || dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-lifecycle/internal/approval"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/notification"

	"go.uber.org/zap"
)

var (
	// DefaultAccessSystems are provisioned when a ProvisionAccess step lists none.
	DefaultAccessSystems = []string{"email", "calendar", "document-storage"}
	// PermissionSyncTargets are the downstream systems SyncPermissions reports to.
	PermissionSyncTargets = []string{"directory", "sso", "billing"}
	// DefaultArchiveTables hold the user-owned records ArchiveData flags.
	DefaultArchiveTables = []string{"tasks", "bookings"}
)

// Deps are the collaborators the built-in handlers share.
type Deps struct {
	Users        ports.UserRepository
	Provisioning ports.ProvisioningRepository
	Notifier     *notification.Notifier
	Gate         *approval.Gate
	Logger       *zap.Logger
}

// DefaultHandlers wires the eight built-in step handlers.
func DefaultHandlers(d Deps) Handlers {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return Handlers{
		CreateAccount:   &createAccount{users: d.Users},
		ProvisionAccess: &provisionAccess{provisioning: d.Provisioning},
		SendEmail:       &sendEmail{users: d.Users, notifier: d.Notifier},
		AssignRole:      &assignRole{users: d.Users},
		DisableAccount:  &disableAccount{users: d.Users},
		ArchiveData:     &archiveData{users: d.Users, provisioning: d.Provisioning, logger: d.Logger},
		RequestApproval: &requestApproval{gate: d.Gate},
		SyncPermissions: &syncPermissions{users: d.Users, provisioning: d.Provisioning},
	}
}

// --- CREATE ACCOUNT ---

type createAccount struct {
	users ports.UserRepository
}

func (h *createAccount) Validate(domain.StepConfig) error { return nil }

func (h *createAccount) Handle(ctx context.Context, sc StepContext) StepResult {
	user, err := h.users.FindUser(ctx, sc.UserID)
	if err != nil {
		return fail(fmt.Errorf("find user %s: %w", sc.UserID, err))
	}
	if user.EmailVerified && user.Status == domain.UserActive {
		return ok("account already active", map[string]any{"alreadyActive": true})
	}
	if err := h.users.ActivateUser(ctx, sc.UserID); err != nil {
		return fail(fmt.Errorf("activate user %s: %w", sc.UserID, err))
	}
	return ok("account activated", map[string]any{"previousStatus": user.Status})
}

// --- PROVISION ACCESS ---

type provisionAccess struct {
	provisioning ports.ProvisioningRepository
}

func (h *provisionAccess) systems(config domain.StepConfig) []string {
	if config.ProvisionAccess != nil && len(config.ProvisionAccess.Systems) > 0 {
		return config.ProvisionAccess.Systems
	}
	return DefaultAccessSystems
}

func (h *provisionAccess) Validate(config domain.StepConfig) error {
	for _, s := range h.systems(config) {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty system name", domain.ErrValidation)
		}
	}
	return nil
}

func (h *provisionAccess) Handle(ctx context.Context, sc StepContext) StepResult {
	granted, existing, err := record(ctx, h.provisioning, sc, domain.ProvisionAccessKind, h.systems(sc.Config), "")
	if err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("access provisioned to %d system(s)", len(granted)+len(existing)),
		map[string]any{"granted": granted, "existing": existing})
}

// record writes one provisioning record per system and splits the systems
// into newly recorded and already present.
func record(ctx context.Context, repo ports.ProvisioningRepository, sc StepContext, kind domain.ProvisioningKind, systems []string, detail string) (created, existing []string, err error) {
	for _, system := range systems {
		rec := domain.NewProvisioningRecord(sc.TenantID, sc.UserID, system, kind, sc.WorkflowID, sc.StepID)
		rec.Detail = detail
		isNew, err := repo.RecordProvisioning(ctx, rec)
		if err != nil {
			return nil, nil, fmt.Errorf("record %s for %s: %w", kind, system, err)
		}
		if isNew {
			created = append(created, system)
		} else {
			existing = append(existing, system)
		}
	}
	return created, existing, nil
}

// --- SEND EMAIL ---

type sendEmail struct {
	users    ports.UserRepository
	notifier *notification.Notifier
}

func (h *sendEmail) Validate(config domain.StepConfig) error {
	if config.SendEmail == nil || config.SendEmail.Template == "" {
		return fmt.Errorf("%w: send email step needs a template", domain.ErrValidation)
	}
	if !h.notifier.Catalog().Has(notification.Template(config.SendEmail.Template)) {
		return fmt.Errorf("%w: unknown email template %q", domain.ErrValidation, config.SendEmail.Template)
	}
	return nil
}

func (h *sendEmail) Handle(ctx context.Context, sc StepContext) StepResult {
	cfg := sc.Config.SendEmail
	user, err := h.users.FindUser(ctx, sc.UserID)
	if err != nil {
		return fail(fmt.Errorf("find user %s: %w", sc.UserID, err))
	}
	recipient := cfg.Recipient
	if recipient == "" {
		recipient = user.Email
	}
	tmpl := notification.Template(cfg.Template)

	// At most one notification per step, template and recipient.
	sent, err := h.notifier.SentForStep(ctx, sc.StepID, tmpl, recipient)
	if err != nil {
		return fail(err)
	}
	if sent {
		return ok("email already queued", map[string]any{"recipient": recipient, "template": cfg.Template})
	}

	data := notification.TemplateData{
		UserName:     user.DisplayName(),
		UserEmail:    user.Email,
		WorkflowID:   sc.WorkflowID.String(),
		WorkflowType: string(sc.WorkflowType),
		Variables:    cfg.Variables,
	}
	rec, err := h.notifier.Notify(ctx, notification.Request{
		WorkflowID: sc.WorkflowID,
		TenantID:   sc.TenantID,
		StepID:     &sc.StepID,
		Template:   tmpl,
		Recipient:  recipient,
		Data:       data,
	})
	if err != nil {
		return fail(err)
	}
	return ok("email queued", map[string]any{"notificationId": rec.ID.String(), "recipient": recipient})
}

// --- ASSIGN ROLE ---

type assignRole struct {
	users ports.UserRepository
}

func (h *assignRole) Validate(config domain.StepConfig) error {
	if config.AssignRole == nil || !config.AssignRole.Role.Valid() {
		return fmt.Errorf("%w: assign role step needs a valid role", domain.ErrValidation)
	}
	return nil
}

func (h *assignRole) Handle(ctx context.Context, sc StepContext) StepResult {
	target := sc.Config.AssignRole.Role
	user, err := h.users.FindUser(ctx, sc.UserID)
	if err != nil {
		return fail(fmt.Errorf("find user %s: %w", sc.UserID, err))
	}
	data := map[string]any{"before": user.Role, "after": target}
	if user.Role == target {
		return ok("role already assigned", data)
	}
	if err := h.users.UpdateUserRole(ctx, sc.UserID, target); err != nil {
		return fail(fmt.Errorf("assign role %s: %w", target, err))
	}
	return ok(fmt.Sprintf("role changed from %s to %s", user.Role, target), data)
}

// --- DISABLE ACCOUNT ---

type disableAccount struct {
	users ports.UserRepository
}

func (h *disableAccount) Validate(domain.StepConfig) error { return nil }

func (h *disableAccount) Handle(ctx context.Context, sc StepContext) StepResult {
	user, err := h.users.FindUser(ctx, sc.UserID)
	if err != nil {
		return fail(fmt.Errorf("find user %s: %w", sc.UserID, err))
	}
	if user.LockedIndefinitely() {
		return ok("account already locked", map[string]any{"lockedAt": user.LockedAt})
	}
	if err := h.users.LockUser(ctx, sc.UserID, nil); err != nil {
		return fail(fmt.Errorf("lock user %s: %w", sc.UserID, err))
	}
	return ok("account locked indefinitely", nil)
}

// --- ARCHIVE DATA ---

type archiveData struct {
	users        ports.UserRepository
	provisioning ports.ProvisioningRepository
	logger       *zap.Logger
}

func (h *archiveData) tables(config domain.StepConfig) []string {
	if config.ArchiveData != nil && len(config.ArchiveData.Tables) > 0 {
		return config.ArchiveData.Tables
	}
	return DefaultArchiveTables
}

func (h *archiveData) Validate(domain.StepConfig) error { return nil }

// Handle counts and flags the user's records. Missing tables are skipped;
// any other store error fails the step.
func (h *archiveData) Handle(ctx context.Context, sc StepContext) StepResult {
	counts := map[string]int64{}
	var skipped []string
	for _, table := range h.tables(sc.Config) {
		n, err := h.users.CountRecords(ctx, table, sc.UserID)
		if errors.Is(err, domain.ErrTableNotFound) {
			h.logger.Info("archive table missing, skipped", zap.String("table", table), zap.String("user_id", sc.UserID))
			skipped = append(skipped, table)
			continue
		}
		if err != nil {
			return fail(fmt.Errorf("count %s for %s: %w", table, sc.UserID, err))
		}
		counts[table] = n
		if _, _, err := record(ctx, h.provisioning, sc, domain.ProvisionArchive, []string{table}, fmt.Sprintf("records=%d", n)); err != nil {
			return fail(err)
		}
	}

	data := map[string]any{"counts": counts}
	if len(skipped) > 0 {
		data["skipped"] = skipped
		return bestEffort(fmt.Sprintf("archived %d table(s), skipped %d missing", len(counts), len(skipped)), data)
	}
	return ok(fmt.Sprintf("archived %d table(s)", len(counts)), data)
}

// --- REQUEST APPROVAL ---

type requestApproval struct {
	gate *approval.Gate
}

func (h *requestApproval) Validate(config domain.StepConfig) error {
	if config.RequestApproval == nil {
		return fmt.Errorf("%w: approval step has no approvers configured", domain.ErrValidation)
	}
	for _, a := range config.RequestApproval.Approvers {
		if strings.TrimSpace(a) != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: approval step has no approvers configured", domain.ErrValidation)
}

func (h *requestApproval) Handle(ctx context.Context, sc StepContext) StepResult {
	res, err := h.gate.RequestApproval(ctx, sc.StepID, sc.Config.RequestApproval.Approvers)
	if err != nil {
		return fail(err)
	}
	data := map[string]any{"notificationCount": res.NotificationCount, "allNotified": res.Success}
	if res.NotificationCount == 0 {
		return fail(errors.New("no approver could be notified"))
	}
	return suspended(fmt.Sprintf("awaiting approval from %d approver(s)", res.NotificationCount), data)
}

// --- SYNC PERMISSIONS ---

type syncPermissions struct {
	users        ports.UserRepository
	provisioning ports.ProvisioningRepository
}

func (h *syncPermissions) targets(config domain.StepConfig) []string {
	if config.SyncPermissions != nil && len(config.SyncPermissions.Systems) > 0 {
		return config.SyncPermissions.Systems
	}
	return PermissionSyncTargets
}

func (h *syncPermissions) Validate(domain.StepConfig) error { return nil }

func (h *syncPermissions) Handle(ctx context.Context, sc StepContext) StepResult {
	perms, err := h.users.ListPermissions(ctx, sc.UserID)
	if err != nil {
		return fail(fmt.Errorf("list permissions of %s: %w", sc.UserID, err))
	}
	synced, existing, err := record(ctx, h.provisioning, sc, domain.ProvisionPermissionSync, h.targets(sc.Config), strings.Join(perms, ","))
	if err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("permissions synced to %d system(s)", len(synced)+len(existing)),
		map[string]any{"permissions": len(perms), "synced": synced, "existing": existing})
}

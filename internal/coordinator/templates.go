package coordinator

import (
	"fmt"

	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/notification"
)

// StepDefinition is a step before it is numbered and persisted.
type StepDefinition struct {
	Name   string            `json:"name"`
	Action domain.StepAction `json:"actionType"`
	Config domain.StepConfig `json:"config"`
}

// TemplateOptions fill the configurable parts of the built-in templates.
type TemplateOptions struct {
	Role      domain.Role `json:"role,omitempty"`
	Approvers []string    `json:"approvers,omitempty"`
	Systems   []string    `json:"systems,omitempty"`
	Tables    []string    `json:"tables,omitempty"`
}

// Template returns the built-in step list for a workflow type.
//
//	ONBOARDING:  create account, assign role, provision access, welcome email
//	OFFBOARDING: disable account, archive data, sync permissions
//	ROLE_CHANGE: approval, assign role, sync permissions, confirmation email
func Template(t domain.WorkflowType, opts TemplateOptions) ([]StepDefinition, error) {
	switch t {
	case domain.WorkflowOnboarding:
		role := opts.Role
		if role == "" {
			role = domain.RoleTeamMember
		}
		return []StepDefinition{
			{Name: "Create account", Action: domain.ActionCreateAccount},
			{Name: "Assign role", Action: domain.ActionAssignRole,
				Config: domain.StepConfig{AssignRole: &domain.AssignRoleConfig{Role: role}}},
			{Name: "Provision access", Action: domain.ActionProvisionAccess,
				Config: domain.StepConfig{ProvisionAccess: &domain.ProvisionAccessConfig{Systems: opts.Systems}}},
			{Name: "Send welcome email", Action: domain.ActionSendEmail,
				Config: domain.StepConfig{SendEmail: &domain.SendEmailConfig{Template: string(notification.WorkflowCompleted)}}},
		}, nil

	case domain.WorkflowOffboarding:
		return []StepDefinition{
			{Name: "Disable account", Action: domain.ActionDisableAccount},
			{Name: "Archive data", Action: domain.ActionArchiveData,
				Config: domain.StepConfig{ArchiveData: &domain.ArchiveDataConfig{Tables: opts.Tables}}},
			{Name: "Sync permissions", Action: domain.ActionSyncPermissions,
				Config: domain.StepConfig{SyncPermissions: &domain.SyncPermissionsConfig{Systems: opts.Systems}}},
		}, nil

	case domain.WorkflowRoleChange:
		if opts.Role == "" {
			return nil, fmt.Errorf("%w: role change needs a target role", domain.ErrValidation)
		}
		return []StepDefinition{
			{Name: "Approve role change", Action: domain.ActionRequestApproval,
				Config: domain.StepConfig{RequestApproval: &domain.RequestApprovalConfig{Approvers: opts.Approvers}}},
			{Name: "Assign role", Action: domain.ActionAssignRole,
				Config: domain.StepConfig{AssignRole: &domain.AssignRoleConfig{Role: opts.Role}}},
			{Name: "Sync permissions", Action: domain.ActionSyncPermissions},
			{Name: "Send confirmation email", Action: domain.ActionSendEmail,
				Config: domain.StepConfig{SendEmail: &domain.SendEmailConfig{Template: string(notification.WorkflowCompleted)}}},
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown workflow type %q", domain.ErrValidation, t)
}

func defaultStepName(action domain.StepAction) string {
	switch action {
	case domain.ActionCreateAccount:
		return "Create account"
	case domain.ActionProvisionAccess:
		return "Provision access"
	case domain.ActionSendEmail:
		return "Send email"
	case domain.ActionAssignRole:
		return "Assign role"
	case domain.ActionDisableAccount:
		return "Disable account"
	case domain.ActionArchiveData:
		return "Archive data"
	case domain.ActionRequestApproval:
		return "Request approval"
	case domain.ActionSyncPermissions:
		return "Sync permissions"
	}
	return string(action)
}

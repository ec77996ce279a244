package dto

import (
	"time"

	"go-lifecycle/internal/coordinator"
	"go-lifecycle/internal/domain"
)

type StepDTO struct {
	Name   string            `json:"name"`
	Action string            `json:"action" binding:"required"`
	Config domain.StepConfig `json:"config"`
}

type TemplateOptionsDTO struct {
	Role      string   `json:"role"`
	Approvers []string `json:"approvers"`
	Systems   []string `json:"systems"`
	Tables    []string `json:"tables"`
}

type CreateWorkflowRequest struct {
	Type    string             `json:"type" binding:"required"`
	UserID  string             `json:"user_id" binding:"required"`
	Start   bool               `json:"start"`
	Options TemplateOptionsDTO `json:"options"`
	// Steps overrides the template for Type when present
	Steps []StepDTO `json:"steps" binding:"omitempty,dive"`
}

// ToCreateRequest converts the payload into the engine's request.
func (r CreateWorkflowRequest) ToCreateRequest(tenantID, actorID string) coordinator.CreateRequest {
	req := coordinator.CreateRequest{
		TenantID:    tenantID,
		UserID:      r.UserID,
		Type:        domain.WorkflowType(r.Type),
		InitiatedBy: actorID,
		Options: coordinator.TemplateOptions{
			Role:      domain.Role(r.Options.Role),
			Approvers: r.Options.Approvers,
			Systems:   r.Options.Systems,
			Tables:    r.Options.Tables,
		},
	}
	for _, s := range r.Steps {
		req.Steps = append(req.Steps, coordinator.StepDefinition{
			Name:   s.Name,
			Action: domain.StepAction(s.Action),
			Config: s.Config,
		})
	}
	return req
}

type AdvanceRequest struct {
	RetryFailedStep int `json:"retry_failed_step" binding:"min=0,max=5"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type EnforceSLARequest struct {
	MaxHours int `json:"max_hours" binding:"min=0"`
}

type RequestApprovalRequest struct {
	Approvers []string `json:"approvers" binding:"required,min=1"`
}

type ApproveStepRequest struct {
	Notes  string `json:"notes"`
	Resume bool   `json:"resume"`
}

type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type DeliveryFailedRequest struct {
	Error string `json:"error" binding:"required"`
}

type DryRunRequest struct {
	UserIDs      []string               `json:"user_ids"`
	Config       domain.OperationConfig `json:"config" binding:"required"`
	PreviewLimit int                    `json:"preview_limit" binding:"min=0"`
}

type CreateBulkOperationRequest struct {
	Name             string                 `json:"name" binding:"required"`
	Description      string                 `json:"description"`
	UserFilter       domain.UserFilter      `json:"user_filter"`
	Config           domain.OperationConfig `json:"config" binding:"required"`
	ApprovalRequired bool                   `json:"approval_required"`
	ScheduledFor     *time.Time             `json:"scheduled_for"`
	NotifyUsers      *bool                  `json:"notify_users"`
}

type PreviewRequest struct {
	UserFilter *domain.UserFilter `json:"user_filter"`
}

type ListResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

type RemindRequest struct {
	OlderThanHours int `json:"older_than_hours" binding:"min=0"`
}

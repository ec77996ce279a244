package domain

import (
	"database/sql/driver"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// StepAction is the closed set of step kinds a workflow can contain. Adding a
// kind is a code change in the worker registry.
type StepAction string

const (
	ActionCreateAccount   StepAction = "CREATE_ACCOUNT"
	ActionProvisionAccess StepAction = "PROVISION_ACCESS"
	ActionSendEmail       StepAction = "SEND_EMAIL"
	ActionAssignRole      StepAction = "ASSIGN_ROLE"
	ActionDisableAccount  StepAction = "DISABLE_ACCOUNT"
	ActionArchiveData     StepAction = "ARCHIVE_DATA"
	ActionRequestApproval StepAction = "REQUEST_APPROVAL"
	ActionSyncPermissions StepAction = "SYNC_PERMISSIONS"
)

var StepActions = []StepAction{
	ActionCreateAccount,
	ActionProvisionAccess,
	ActionSendEmail,
	ActionAssignRole,
	ActionDisableAccount,
	ActionArchiveData,
	ActionRequestApproval,
	ActionSyncPermissions,
}

func (a StepAction) Valid() bool {
	return slices.Contains(StepActions, a)
}

type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// ProvisionAccessConfig lists the external systems to grant access to.
type ProvisionAccessConfig struct {
	Systems []string `json:"systems"`
}

type SendEmailConfig struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type AssignRoleConfig struct {
	Role Role `json:"role"`
}

type RequestApprovalConfig struct {
	Approvers []string `json:"approvers"`
}

type SyncPermissionsConfig struct {
	Systems []string `json:"systems,omitempty"`
}

type ArchiveDataConfig struct {
	Tables []string `json:"tables,omitempty"`
}

// StepConfig is a tagged union: only the member matching the owning step's
// action is read. CreateAccount and DisableAccount take no configuration.
type StepConfig struct {
	ProvisionAccess *ProvisionAccessConfig `json:"provisionAccess,omitempty"`
	SendEmail       *SendEmailConfig       `json:"sendEmail,omitempty"`
	AssignRole      *AssignRoleConfig      `json:"assignRole,omitempty"`
	RequestApproval *RequestApprovalConfig `json:"requestApproval,omitempty"`
	SyncPermissions *SyncPermissionsConfig `json:"syncPermissions,omitempty"`
	ArchiveData     *ArchiveDataConfig     `json:"archiveData,omitempty"`
}

func (c StepConfig) Value() (driver.Value, error) { return jsonValue(c) }
func (c *StepConfig) Scan(src any) error          { return jsonScan(src, c) }

// StringList is a jsonb-backed []string.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return jsonValue([]string{})
	}
	return jsonValue([]string(l))
}
func (l *StringList) Scan(src any) error { return jsonScan(src, (*[]string)(l)) }

type WorkflowStep struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key;"`
	WorkflowID uuid.UUID  `gorm:"type:uuid;index;not null"`
	StepNumber int        `gorm:"not null"`
	Name       string     `gorm:"type:varchar(100);not null"`
	ActionType StepAction `gorm:"type:varchar(30);not null"`
	Config     StepConfig `gorm:"type:jsonb"`
	Status     StepStatus `gorm:"type:varchar(20);index;default:'PENDING'"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64

	Approvers     StringList `gorm:"type:jsonb"`
	ApprovedAt    *time.Time
	ApprovedBy    *string `gorm:"type:varchar(64)"`
	ApprovalNotes *string `gorm:"type:text"`

	ErrorMessage *string        `gorm:"type:text"`
	Output       datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- FACTORY ---
func NewStep(workflowID uuid.UUID, number int, name string, action StepAction, config StepConfig) *WorkflowStep {
	return &WorkflowStep{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		StepNumber: number,
		Name:       name,
		ActionType: action,
		Config:     config,
		Status:     StepPending,
		CreatedAt:  time.Now(),
	}
}

func (s *WorkflowStep) String() string {
	return fmt.Sprintf("#%d %s (%s)", s.StepNumber, s.Name, s.ActionType)
}

// AwaitingApproval reports whether the step is parked at an approval gate.
func (s *WorkflowStep) AwaitingApproval() bool {
	return s.ActionType == ActionRequestApproval && s.Status == StepInProgress
}

// StepPatch is a partial update applied only when the step is still in the
// expected status. Nil fields are left untouched; ClearError resets the
// error message.
type StepPatch struct {
	Status        StepStatus
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
	Approvers     StringList
	ApprovedAt    *time.Time
	ApprovedBy    *string
	ApprovalNotes *string
	ErrorMessage  *string
	ClearError    bool
	Output        datatypes.JSON
}

// Apply mutates s in place. Used by in-memory stores and to keep callers'
// copies in sync after a successful conditional update.
func (p StepPatch) Apply(s *WorkflowStep) {
	if p.Status != "" {
		s.Status = p.Status
	}
	if p.StartedAt != nil {
		s.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		s.CompletedAt = p.CompletedAt
	}
	if p.DurationMs != nil {
		s.DurationMs = *p.DurationMs
	}
	if p.Approvers != nil {
		s.Approvers = append(StringList(nil), p.Approvers...)
	}
	if p.ApprovedAt != nil {
		s.ApprovedAt = p.ApprovedAt
	}
	if p.ApprovedBy != nil {
		s.ApprovedBy = p.ApprovedBy
	}
	if p.ApprovalNotes != nil {
		s.ApprovalNotes = p.ApprovalNotes
	}
	if p.ClearError {
		s.ErrorMessage = nil
	}
	if p.ErrorMessage != nil {
		s.ErrorMessage = p.ErrorMessage
	}
	if p.Output != nil {
		s.Output = p.Output
	}
	s.UpdatedAt = time.Now()
}

// Columns renders the patch as a gorm update map.
func (p StepPatch) Columns() map[string]any {
	cols := map[string]any{"updated_at": time.Now()}
	if p.Status != "" {
		cols["status"] = p.Status
	}
	if p.StartedAt != nil {
		cols["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	if p.DurationMs != nil {
		cols["duration_ms"] = *p.DurationMs
	}
	if p.Approvers != nil {
		cols["approvers"] = p.Approvers
	}
	if p.ApprovedAt != nil {
		cols["approved_at"] = *p.ApprovedAt
	}
	if p.ApprovedBy != nil {
		cols["approved_by"] = *p.ApprovedBy
	}
	if p.ApprovalNotes != nil {
		cols["approval_notes"] = *p.ApprovalNotes
	}
	if p.ClearError {
		cols["error_message"] = nil
	}
	if p.ErrorMessage != nil {
		cols["error_message"] = *p.ErrorMessage
	}
	if p.Output != nil {
		cols["output"] = p.Output
	}
	return cols
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

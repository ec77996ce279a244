package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type OperationStatus string

const (
	OperationDraft      OperationStatus = "DRAFT"
	OperationReady      OperationStatus = "READY"
	OperationInProgress OperationStatus = "IN_PROGRESS"
	OperationCompleted  OperationStatus = "COMPLETED"
	OperationFailed     OperationStatus = "FAILED"
	OperationCancelled  OperationStatus = "CANCELLED"
	OperationPaused     OperationStatus = "PAUSED"
)

func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// CancellableOperationStatuses are the states cancel may leave from.
var CancellableOperationStatuses = []OperationStatus{OperationDraft, OperationReady, OperationInProgress, OperationPaused}

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "NOT_REQUIRED"
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// RollbackWindow is how long after completion a bulk operation can be reverted.
const RollbackWindow = 30 * 24 * time.Hour

type BulkOperation struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key;"`
	TenantID    string    `gorm:"type:varchar(64);index;not null"`
	Name        string    `gorm:"type:varchar(200);not null"`
	Description string    `gorm:"type:text"`

	Type            OperationType   `gorm:"type:varchar(30);not null"`
	UserFilter      UserFilter      `gorm:"type:jsonb"`
	OperationConfig OperationConfig `gorm:"type:jsonb"`

	Status         OperationStatus `gorm:"type:varchar(20);index;default:'DRAFT'"`
	ErrorMessage   *string         `gorm:"type:text"`
	ScheduledFor   *time.Time
	NotifyUsers    bool
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedBy      string         `gorm:"type:varchar(64)"`
	ApprovalStatus ApprovalStatus `gorm:"type:varchar(20);default:'NOT_REQUIRED'"`
	ApprovedBy     *string        `gorm:"type:varchar(64)"`
	ApprovedAt     *time.Time

	ApprovalRequired   bool
	TotalUsersAffected int
	SuccessCount       int
	FailureCount       int

	DryRunResults datatypes.JSONType[*DryRunResult] `gorm:"type:jsonb"`

	RollbackAvailable bool
	RollbackUntilDate *time.Time

	Results []BulkOperationResult  `gorm:"foreignKey:BulkOperationID"`
	History []BulkOperationHistory `gorm:"foreignKey:BulkOperationID"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// --- FACTORY ---
func NewBulkOperation(tenantID, createdBy, name string, config OperationConfig) *BulkOperation {
	return &BulkOperation{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Name:            name,
		Type:            config.Type,
		OperationConfig: config,
		Status:          OperationDraft,
		CreatedBy:       createdBy,
		ApprovalStatus:  ApprovalNone,
		NotifyUsers:     true,
		CreatedAt:       time.Now(),
	}
}

// --- METHODS ---

// ExecutionAllowed enforces that execution starts from READY and only once
// any required approval has been granted.
func (o *BulkOperation) ExecutionAllowed() error {
	if o.Status != OperationReady {
		return ErrInvalidTransition
	}
	if o.ApprovalRequired && o.ApprovalStatus != ApprovalApproved {
		return ErrApprovalRequired
	}
	return nil
}

// CanRollback reports whether the rollback window is still open at now. The
// window includes its closing instant.
func (o *BulkOperation) CanRollback(now time.Time) bool {
	if !o.RollbackAvailable || o.RollbackUntilDate == nil {
		return false
	}
	if o.Status != OperationCompleted && o.Status != OperationFailed {
		return false
	}
	return !now.After(*o.RollbackUntilDate)
}

// Processed is the number of users with a recorded result.
func (o *BulkOperation) Processed() int {
	return o.SuccessCount + o.FailureCount
}

// DryRun returns the stored preview snapshot, if any.
func (o *BulkOperation) DryRun() *DryRunResult {
	return o.DryRunResults.Data()
}

// OperationPatch is a conditional partial update. Nil fields are untouched.
type OperationPatch struct {
	Status             OperationStatus
	UserFilter         *UserFilter
	ErrorMessage       *string
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ApprovalRequired   *bool
	ApprovalStatus     ApprovalStatus
	ApprovedBy         *string
	ApprovedAt         *time.Time
	TotalUsersAffected *int
	SuccessCount       *int
	FailureCount       *int
	DryRun             *DryRunResult
	RollbackAvailable  *bool
	RollbackUntilDate  *time.Time
}

func (p OperationPatch) Apply(o *BulkOperation) {
	if p.Status != "" {
		o.Status = p.Status
	}
	if p.UserFilter != nil {
		o.UserFilter = *p.UserFilter
	}
	if p.ErrorMessage != nil {
		o.ErrorMessage = p.ErrorMessage
	}
	if p.StartedAt != nil {
		o.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		o.CompletedAt = p.CompletedAt
	}
	if p.ApprovalRequired != nil {
		o.ApprovalRequired = *p.ApprovalRequired
	}
	if p.ApprovalStatus != "" {
		o.ApprovalStatus = p.ApprovalStatus
	}
	if p.ApprovedBy != nil {
		o.ApprovedBy = p.ApprovedBy
	}
	if p.ApprovedAt != nil {
		o.ApprovedAt = p.ApprovedAt
	}
	if p.TotalUsersAffected != nil {
		o.TotalUsersAffected = *p.TotalUsersAffected
	}
	if p.SuccessCount != nil {
		o.SuccessCount = *p.SuccessCount
	}
	if p.FailureCount != nil {
		o.FailureCount = *p.FailureCount
	}
	if p.DryRun != nil {
		o.DryRunResults = datatypes.NewJSONType(p.DryRun)
	}
	if p.RollbackAvailable != nil {
		o.RollbackAvailable = *p.RollbackAvailable
	}
	if p.RollbackUntilDate != nil {
		o.RollbackUntilDate = p.RollbackUntilDate
	}
	o.UpdatedAt = time.Now()
}

func (p OperationPatch) Columns() map[string]any {
	cols := map[string]any{"updated_at": time.Now()}
	if p.Status != "" {
		cols["status"] = p.Status
	}
	if p.UserFilter != nil {
		cols["user_filter"] = *p.UserFilter
	}
	if p.ErrorMessage != nil {
		cols["error_message"] = *p.ErrorMessage
	}
	if p.StartedAt != nil {
		cols["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	if p.ApprovalRequired != nil {
		cols["approval_required"] = *p.ApprovalRequired
	}
	if p.ApprovalStatus != "" {
		cols["approval_status"] = p.ApprovalStatus
	}
	if p.ApprovedBy != nil {
		cols["approved_by"] = *p.ApprovedBy
	}
	if p.ApprovedAt != nil {
		cols["approved_at"] = *p.ApprovedAt
	}
	if p.TotalUsersAffected != nil {
		cols["total_users_affected"] = *p.TotalUsersAffected
	}
	if p.SuccessCount != nil {
		cols["success_count"] = *p.SuccessCount
	}
	if p.FailureCount != nil {
		cols["failure_count"] = *p.FailureCount
	}
	if p.DryRun != nil {
		cols["dry_run_results"] = datatypes.NewJSONType(p.DryRun)
	}
	if p.RollbackAvailable != nil {
		cols["rollback_available"] = *p.RollbackAvailable
	}
	if p.RollbackUntilDate != nil {
		cols["rollback_until_date"] = *p.RollbackUntilDate
	}
	return cols
}

type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailed  ResultStatus = "FAILED"
	ResultSkipped ResultStatus = "SKIPPED"
)

// BulkOperationResult is written once per targeted user.
type BulkOperationResult struct {
	ID              uuid.UUID    `gorm:"type:uuid;primary_key;"`
	BulkOperationID uuid.UUID    `gorm:"type:uuid;uniqueIndex:idx_result_user;not null"`
	UserID          string       `gorm:"type:varchar(64);uniqueIndex:idx_result_user;not null"`
	Status          ResultStatus `gorm:"type:varchar(20);index;not null"`
	ErrorMessage    *string      `gorm:"type:text"`
	ChangesBefore   *ChangeSet   `gorm:"type:jsonb"`
	ChangesAfter    *ChangeSet   `gorm:"type:jsonb"`
	ExecutionTimeMs int64
	CreatedAt       time.Time
}

// RestoresRole reports whether rolling back this result changes a role.
func (r *BulkOperationResult) RestoresRole() bool {
	if r.Status != ResultSuccess || r.ChangesBefore == nil || r.ChangesBefore.Role == nil {
		return false
	}
	return r.ChangesAfter == nil || r.ChangesAfter.Role == nil || *r.ChangesAfter.Role != *r.ChangesBefore.Role
}

type OperationEvent string

const (
	OperationCreatedEvent   OperationEvent = "CREATED"
	OperationPreviewedEvent OperationEvent = "PREVIEWED"
	OperationExecutedEvent  OperationEvent = "EXECUTED"
	OperationApprovedEvent  OperationEvent = "APPROVED"
	OperationRejectedEvent  OperationEvent = "REJECTED"
	OperationCancelledEvent OperationEvent = "CANCELLED"
	OperationRollbackEvent  OperationEvent = "ROLLBACK"
)

type BulkOperationHistory struct {
	ID              uuid.UUID      `gorm:"type:uuid;primary_key;"`
	BulkOperationID uuid.UUID      `gorm:"type:uuid;index;not null"`
	EventType       OperationEvent `gorm:"type:varchar(20);not null"`
	ChangedBy       string         `gorm:"type:varchar(64)"`
	OldValue        datatypes.JSON `gorm:"type:jsonb"`
	NewValue        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"index"`
}

func NewOperationHistory(operationID uuid.UUID, event OperationEvent, changedBy string, oldValue, newValue any) *BulkOperationHistory {
	return &BulkOperationHistory{
		ID:              uuid.New(),
		BulkOperationID: operationID,
		EventType:       event,
		ChangedBy:       changedBy,
		OldValue:        snapshot(oldValue),
		NewValue:        snapshot(newValue),
		CreatedAt:       time.Now(),
	}
}

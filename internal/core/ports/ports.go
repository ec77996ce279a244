package ports

import (
	"context"
	"errors"
	"time"

	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
)

// ErrQueueEmpty is returned by NotificationQueue.Pop when nothing arrived
// within the queue's poll window.
var ErrQueueEmpty = errors.New("queue empty")

// NotificationQueue hands notification IDs to the delivery workers.
type NotificationQueue interface {
	// Push a notification ID to the tail of the delivery list
	Push(ctx context.Context, notificationID string) error

	// Block until a notification ID is available
	Pop(ctx context.Context) (string, error)
}

// AuditSink receives every state transition. It is push-only.
type AuditSink interface {
	Publish(ctx context.Context, event domain.AuditEvent) error
}

// Transport performs the actual email delivery for the delivery worker.
type Transport interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// UserRepository is the narrow view of the account store the engines need.
type UserRepository interface {
	FindUsers(ctx context.Context, tenantID string, filter domain.UserFilter) ([]domain.User, error)
	FindUsersByIDs(ctx context.Context, tenantID string, ids []string) ([]domain.User, error)
	FindUser(ctx context.Context, userID string) (*domain.User, error)

	UpdateUserRole(ctx context.Context, userID string, role domain.Role) error
	UpdateUserStatus(ctx context.Context, userID string, status domain.UserStatus) error

	// ActivateUser marks the email verified and the status ACTIVE in one write
	ActivateUser(ctx context.Context, userID string) error

	// LockUser locks the account until the given instant; nil means indefinitely
	LockUser(ctx context.Context, userID string, until *time.Time) error

	ListPermissions(ctx context.Context, userID string) ([]string, error)

	// GrantPermissions and RevokePermissions apply all rows for one user
	// atomically and return only the rows that actually changed
	GrantPermissions(ctx context.Context, userID string, permissions ...string) ([]string, error)
	RevokePermissions(ctx context.Context, userID string, permissions ...string) ([]string, error)

	// CountRecords counts rows in table owned by userID. A missing table is
	// reported as domain.ErrTableNotFound.
	CountRecords(ctx context.Context, table, userID string) (int64, error)
}

type ProvisioningRepository interface {
	// RecordProvisioning inserts the record unless one already exists for the
	// same user, system and kind. created is false for the duplicate case.
	RecordProvisioning(ctx context.Context, record *domain.ProvisioningRecord) (created bool, err error)
	ListProvisioning(ctx context.Context, userID string, kind domain.ProvisioningKind) ([]domain.ProvisioningRecord, error)
}

// WorkflowQuery narrows ListWorkflows. Zero fields match everything.
type WorkflowQuery struct {
	TenantID      string
	UserID        string
	Statuses      []domain.WorkflowStatus
	CreatedBefore *time.Time
	Limit         int
}

type WorkflowRepository interface {
	// Create a workflow with all its steps in one transaction
	CreateWorkflow(ctx context.Context, workflow *domain.UserWorkflow, steps []domain.WorkflowStep) error

	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.UserWorkflow, error)
	ListWorkflows(ctx context.Context, query WorkflowQuery) ([]domain.UserWorkflow, error)

	// TransitionWorkflow sets the status WHERE status IN (from).
	// Zero affected rows returns domain.ErrStaleState.
	TransitionWorkflow(ctx context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus, errMessage *string) error

	GetStep(ctx context.Context, id uuid.UUID) (*domain.WorkflowStep, error)

	// ListSteps returns the steps ordered by step number
	ListSteps(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error)

	// TransitionStep applies patch WHERE status = from (the ClaimTask pattern)
	TransitionStep(ctx context.Context, id uuid.UUID, from domain.StepStatus, patch domain.StepPatch) error

	AppendHistory(ctx context.Context, entry *domain.WorkflowHistory) error
	ListHistory(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowHistory, error)
}

type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *domain.WorkflowNotification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*domain.WorkflowNotification, error)
	ListNotifications(ctx context.Context, workflowID uuid.UUID) ([]domain.WorkflowNotification, error)
	ListStepNotifications(ctx context.Context, stepID uuid.UUID) ([]domain.WorkflowNotification, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uuid.UUID, errMessage string) error
}

// OperationQuery narrows ListOperations.
type OperationQuery struct {
	TenantID string
	Status   domain.OperationStatus
	Limit    int
	Offset   int
}

type BulkOperationRepository interface {
	CreateOperation(ctx context.Context, op *domain.BulkOperation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*domain.BulkOperation, error)
	ListOperations(ctx context.Context, query OperationQuery) ([]domain.BulkOperation, int64, error)

	// TransitionOperation applies patch WHERE status IN (from).
	// Zero affected rows returns domain.ErrStaleState.
	TransitionOperation(ctx context.Context, id uuid.UUID, from []domain.OperationStatus, patch domain.OperationPatch) error

	// IncrementCounters adds to success/failure counts in a single statement
	IncrementCounters(ctx context.Context, id uuid.UUID, success, failure int) error

	// CreateResult fails if the user already has a result for the operation
	CreateResult(ctx context.Context, result *domain.BulkOperationResult) error
	ListResults(ctx context.Context, operationID uuid.UUID, status domain.ResultStatus) ([]domain.BulkOperationResult, error)

	AppendOperationHistory(ctx context.Context, entry *domain.BulkOperationHistory) error
	ListOperationHistory(ctx context.Context, operationID uuid.UUID) ([]domain.BulkOperationHistory, error)
}

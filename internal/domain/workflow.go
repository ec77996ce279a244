package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type WorkflowType string

const (
	WorkflowOnboarding  WorkflowType = "ONBOARDING"
	WorkflowOffboarding WorkflowType = "OFFBOARDING"
	WorkflowRoleChange  WorkflowType = "ROLE_CHANGE"
)

func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowOnboarding, WorkflowOffboarding, WorkflowRoleChange:
		return true
	}
	return false
}

type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowFailed     WorkflowStatus = "FAILED"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// CanTransitionTo encodes PENDING->IN_PROGRESS->{COMPLETED|FAILED} plus
// cancellation from any non-terminal state.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case WorkflowCancelled:
		return true
	case WorkflowInProgress:
		return s == WorkflowPending
	case WorkflowCompleted, WorkflowFailed:
		return s == WorkflowPending || s == WorkflowInProgress
	}
	return false
}

// NonTerminalWorkflowStatuses lists the states SLA enforcement applies to.
var NonTerminalWorkflowStatuses = []WorkflowStatus{WorkflowPending, WorkflowInProgress}

type UserWorkflow struct {
	ID           uuid.UUID    `gorm:"type:uuid;primary_key;"`
	TenantID     string       `gorm:"type:varchar(64);index;not null"`
	UserID       string       `gorm:"type:varchar(64);index;not null"`
	WorkflowType WorkflowType `gorm:"type:varchar(20);not null"`
	InitiatedBy  string       `gorm:"type:varchar(64)"`

	// State
	Status       WorkflowStatus `gorm:"type:varchar(20);index;default:'PENDING'"`
	ErrorMessage *string        `gorm:"type:text"`

	// Relationships
	Steps []WorkflowStep `gorm:"foreignKey:WorkflowID"`

	// Audit
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// --- FACTORY ---
func NewWorkflow(tenantID, userID string, workflowType WorkflowType, initiatedBy string) *UserWorkflow {
	return &UserWorkflow{
		ID:           uuid.New(),
		TenantID:     tenantID,
		UserID:       userID,
		WorkflowType: workflowType,
		InitiatedBy:  initiatedBy,
		Status:       WorkflowPending,
		CreatedAt:    time.Now(),
	}
}

// --- METHODS ---
func (w *UserWorkflow) IsFinished() bool {
	return w.Status.Terminal()
}

// CheckStepOrder returns ErrInvalidTransition unless the workflow is running
// and every step numbered below stepNumber is COMPLETED. Steps must be loaded.
func (w *UserWorkflow) CheckStepOrder(stepNumber int) error {
	if w.Status != WorkflowInProgress {
		return fmt.Errorf("%w: workflow %s is %s", ErrInvalidTransition, w.ID, w.Status)
	}
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.StepNumber < stepNumber && s.Status != StepCompleted {
			return fmt.Errorf("%w: earlier step %s is %s", ErrInvalidTransition, s, s.Status)
		}
	}
	return nil
}

// SLADeadline is the wall-clock instant after which a non-terminal workflow
// violates an SLA of maxHours.
func (w *UserWorkflow) SLADeadline(maxHours int) time.Time {
	return w.CreatedAt.Add(time.Duration(maxHours) * time.Hour)
}

type HistoryEvent string

const (
	HistoryCreated      HistoryEvent = "CREATED"
	HistoryStarted      HistoryEvent = "STARTED"
	HistoryStepStarted  HistoryEvent = "STEP_STARTED"
	HistoryStepDone     HistoryEvent = "STEP_COMPLETED"
	HistoryStepFailed   HistoryEvent = "STEP_FAILED"
	HistoryStepApproved HistoryEvent = "STEP_APPROVED"
	HistoryStepRejected HistoryEvent = "STEP_REJECTED"
	HistoryCompleted    HistoryEvent = "COMPLETED"
	HistoryFailed       HistoryEvent = "FAILED"
	HistoryCancelled    HistoryEvent = "CANCELLED"
	HistorySLAViolated  HistoryEvent = "SLA_VIOLATED"
)

// WorkflowHistory is write-once.
type WorkflowHistory struct {
	ID         uuid.UUID      `gorm:"type:uuid;primary_key;"`
	WorkflowID uuid.UUID      `gorm:"type:uuid;index;not null"`
	StepID     *uuid.UUID     `gorm:"type:uuid;index"`
	EventType  HistoryEvent   `gorm:"type:varchar(30);not null"`
	ActorID    string         `gorm:"type:varchar(64)"`
	OldValue   datatypes.JSON `gorm:"type:jsonb"`
	NewValue   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"index"`
}

func NewWorkflowHistory(workflowID uuid.UUID, stepID *uuid.UUID, event HistoryEvent, actor string, oldValue, newValue any) *WorkflowHistory {
	return &WorkflowHistory{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		StepID:     stepID,
		EventType:  event,
		ActorID:    actor,
		OldValue:   snapshot(oldValue),
		NewValue:   snapshot(newValue),
		CreatedAt:  time.Now(),
	}
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "PENDING"
	NotificationSent    NotificationStatus = "SENT"
	NotificationFailed  NotificationStatus = "FAILED"
)

type WorkflowNotification struct {
	ID uuid.UUID `gorm:"type:uuid;primary_key;"`
	// WorkflowID names the owning workflow, or the bulk operation for
	// messages queued by a SEND_EMAIL operation.
	WorkflowID   uuid.UUID          `gorm:"type:uuid;index;not null"`
	TenantID     string             `gorm:"type:varchar(64);index"`
	StepID       *uuid.UUID         `gorm:"type:uuid;index"`
	Template     string             `gorm:"type:varchar(50)"`
	Recipient    string             `gorm:"type:varchar(320);not null"`
	Subject      string             `gorm:"type:varchar(300);not null"`
	Body         string             `gorm:"type:text"`
	Status       NotificationStatus `gorm:"type:varchar(20);index;default:'PENDING'"`
	SentAt       *time.Time
	ErrorMessage *string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (n *WorkflowNotification) String() string {
	return fmt.Sprintf("%s -> %s (%s)", n.Template, n.Recipient, n.Status)
}

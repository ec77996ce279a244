package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditSubject string

const (
	AuditWorkflow      AuditSubject = "workflow"
	AuditStep          AuditSubject = "step"
	AuditBulkOperation AuditSubject = "bulk_operation"
)

// AuditEvent is pushed to the audit sink on every state transition. Nothing in
// this module reads it back.
type AuditEvent struct {
	ID         uuid.UUID    `json:"id"`
	Subject    AuditSubject `json:"subject"`
	SubjectID  uuid.UUID    `json:"subject_id"`
	TenantID   string       `json:"tenant_id,omitempty"`
	Event      string       `json:"event"`
	ActorID    string       `json:"actor_id,omitempty"`
	From       string       `json:"from,omitempty"`
	To         string       `json:"to,omitempty"`
	Message    string       `json:"message,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func NewAuditEvent(subject AuditSubject, subjectID uuid.UUID, event string) AuditEvent {
	return AuditEvent{
		ID:         uuid.New(),
		Subject:    subject,
		SubjectID:  subjectID,
		Event:      event,
		OccurredAt: time.Now(),
	}
}

// Transition fills the from/to pair of a status change.
func (e AuditEvent) Transition(from, to string) AuditEvent {
	e.From, e.To = from, to
	return e
}

func (e AuditEvent) By(tenantID, actorID string) AuditEvent {
	e.TenantID, e.ActorID = tenantID, actorID
	return e
}

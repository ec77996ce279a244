// Package notification renders the workflow email templates and queues them
// for delivery. It owns no retry logic; redelivery is the delivery worker's
// concern.
package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Notifier struct {
	repo    ports.NotificationRepository
	queue   ports.NotificationQueue
	catalog *Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Notifier)

func WithLogger(l *zap.Logger) Option       { return func(n *Notifier) { n.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(n *Notifier) { n.metrics = m } }
func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

func NewNotifier(repo ports.NotificationRepository, queue ports.NotificationQueue, catalog *Catalog, opts ...Option) *Notifier {
	n := &Notifier{
		repo:    repo,
		queue:   queue,
		catalog: catalog,
		metrics: metrics.Nop(),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) Catalog() *Catalog {
	return n.catalog
}

// Request is a templated notification.
type Request struct {
	WorkflowID uuid.UUID
	TenantID   string
	StepID     *uuid.UUID
	Template   Template
	Recipient  string
	Data       TemplateData
}

// Notify renders req and enqueues it.
func (n *Notifier) Notify(ctx context.Context, req Request) (*domain.WorkflowNotification, error) {
	msg, err := n.catalog.Render(req.Template, req.Data)
	if err != nil {
		return nil, err
	}
	return n.enqueue(ctx, req.WorkflowID, req.TenantID, req.StepID, string(req.Template), req.Recipient, msg.Subject, msg.Body)
}

// Enqueue stores a pre-rendered message and returns its ID. ownerID is a
// workflow or bulk operation ID.
func (n *Notifier) Enqueue(ctx context.Context, ownerID uuid.UUID, tenantID, recipient, subject, body string) (uuid.UUID, error) {
	rec, err := n.enqueue(ctx, ownerID, tenantID, nil, "", recipient, subject, body)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

func (n *Notifier) enqueue(ctx context.Context, workflowID uuid.UUID, tenantID string, stepID *uuid.UUID, template, recipient, subject, body string) (*domain.WorkflowNotification, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, fmt.Errorf("%w: notification recipient is empty", domain.ErrValidation)
	}

	now := n.now()
	rec := &domain.WorkflowNotification{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		StepID:     stepID,
		Template:   template,
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		Status:     domain.NotificationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := n.repo.CreateNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	n.metrics.NotificationsQueued.WithLabelValues(templateLabel(template)).Inc()

	// The PENDING row is the source of truth; a lost push only delays delivery.
	if err := n.queue.Push(ctx, rec.ID.String()); err != nil {
		n.logger.Warn("notification persisted but not queued",
			zap.String("notification_id", rec.ID.String()),
			zap.String("workflow_id", workflowID.String()),
			zap.Error(err))
	}
	return rec, nil
}

// MarkSent is the delivery-status callback for a successful send.
func (n *Notifier) MarkSent(ctx context.Context, id uuid.UUID) error {
	if err := n.repo.MarkNotificationSent(ctx, id, n.now()); err != nil {
		return err
	}
	n.metrics.NotificationsDelivered.WithLabelValues(string(domain.NotificationSent)).Inc()
	return nil
}

// MarkFailed records a delivery failure. A notification already SENT is left
// alone.
func (n *Notifier) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	if err := n.repo.MarkNotificationFailed(ctx, id, reason); err != nil {
		return err
	}
	n.metrics.NotificationsDelivered.WithLabelValues(string(domain.NotificationFailed)).Inc()
	return nil
}

// SentForStep returns the notifications already queued for a step and
// template, used to keep SendEmail steps idempotent.
func (n *Notifier) SentForStep(ctx context.Context, stepID uuid.UUID, template Template, recipient string) (bool, error) {
	existing, err := n.repo.ListStepNotifications(ctx, stepID)
	if err != nil {
		return false, err
	}
	for _, e := range existing {
		if e.Template == string(template) && strings.EqualFold(e.Recipient, recipient) {
			return true, nil
		}
	}
	return false, nil
}

func templateLabel(t string) string {
	if t == "" {
		return "raw"
	}
	return t
}

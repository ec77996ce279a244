package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-lifecycle/internal/core/memory"
	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockQueue is a mock implementation of ports.NotificationQueue
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Push(ctx context.Context, notificationID string) error {
	args := m.Called(ctx, notificationID)
	return args.Error(0)
}

func (m *MockQueue) Pop(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func TestCatalogRendersEveryTemplate(t *testing.T) {
	c := NewCatalog()
	data := TemplateData{
		UserName:     "Ada",
		WorkflowID:   "wf-1",
		WorkflowType: "ROLE_CHANGE",
		StepName:     "Approve role change",
		StepNumber:   1,
		TotalSteps:   4,
	}
	for _, name := range c.Names() {
		t.Run(string(name), func(t *testing.T) {
			require.True(t, c.Has(name))
			msg, err := c.Render(name, data)
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Subject)
			assert.Contains(t, msg.Body, "wf-1")
		})
	}
}

func TestCatalogFormatting(t *testing.T) {
	c := NewCatalog()

	t.Run("workflow type is humanized", func(t *testing.T) {
		msg, err := c.Render(WorkflowStarted, TemplateData{UserName: "Ada", WorkflowType: "ROLE_CHANGE", TotalSteps: 3})
		require.NoError(t, err)
		assert.Equal(t, "Role Change started for Ada", msg.Subject)
		assert.Contains(t, msg.Body, "A role change workflow has started")
	})

	t.Run("failure defaults", func(t *testing.T) {
		msg, err := c.Render(WorkflowFailed, TemplateData{UserName: "Ada", WorkflowType: "OFFBOARDING"})
		require.NoError(t, err)
		assert.Contains(t, msg.Body, "Error: unknown error")
		assert.NotContains(t, msg.Body, "at step")
	})

	t.Run("rejection carries the reason", func(t *testing.T) {
		msg, err := c.Render(ApprovalRejected, TemplateData{UserName: "Ada", WorkflowType: "ROLE_CHANGE", StepName: "Approve", ActorName: "boss", Reason: "not now"})
		require.NoError(t, err)
		assert.Contains(t, msg.Body, "by boss")
		assert.Contains(t, msg.Body, "Reason: not now")
	})

	t.Run("unknown template", func(t *testing.T) {
		_, err := c.Render("birthday", TemplateData{})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.False(t, c.Has("birthday"))
	})
}

func TestDataFor(t *testing.T) {
	wf := domain.NewWorkflow("t1", "u1", domain.WorkflowOnboarding, "admin")
	wf.ErrorMessage = domain.Ptr("boom")
	step := domain.NewStep(wf.ID, 2, "Assign role", domain.ActionAssignRole, domain.StepConfig{})

	data := DataFor(wf, nil, step, 4)
	assert.Equal(t, "u1", data.UserName)
	assert.Equal(t, "boom", data.ErrorMessage)
	assert.Equal(t, 2, data.StepNumber)

	data = DataFor(wf, &domain.User{ID: "u1", Email: "ada@x.io"}, nil, 4)
	assert.Equal(t, "ada@x.io", data.UserName)
	assert.Empty(t, data.StepName)
}

func TestNotifier(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("notify persists pending and pushes the id", func(t *testing.T) {
		store := memory.NewStore()
		q := &MockQueue{}
		q.On("Push", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()
		n := NewNotifier(store, q, NewCatalog(), WithClock(func() time.Time { return fixed }), WithLogger(zaptest.NewLogger(t)))

		wfID, stepID := uuid.New(), uuid.New()
		rec, err := n.Notify(ctx, Request{
			WorkflowID: wfID,
			StepID:     &stepID,
			Template:   WorkflowStarted,
			Recipient:  " ada@x.io ",
			Data:       TemplateData{UserName: "Ada", WorkflowType: "ONBOARDING"},
		})
		require.NoError(t, err)
		assert.Equal(t, "ada@x.io", rec.Recipient)
		assert.Equal(t, domain.NotificationPending, rec.Status)
		assert.Equal(t, fixed, rec.CreatedAt)
		q.AssertCalled(t, "Push", mock.Anything, rec.ID.String())

		sent, err := n.SentForStep(ctx, stepID, WorkflowStarted, "ADA@x.io")
		require.NoError(t, err)
		assert.True(t, sent)
	})

	t.Run("push failure keeps the row", func(t *testing.T) {
		store := memory.NewStore()
		q := &MockQueue{}
		q.On("Push", mock.Anything, mock.Anything).Return(errors.New("redis down"))
		n := NewNotifier(store, q, NewCatalog(), WithLogger(zaptest.NewLogger(t)))

		id, err := n.Enqueue(ctx, uuid.New(), "t1", "a@x.io", "subject", "body")
		require.NoError(t, err)

		got, err := store.GetNotification(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.NotificationPending, got.Status)
		assert.Empty(t, got.Template)
	})

	t.Run("empty recipient is rejected before persisting", func(t *testing.T) {
		store := memory.NewStore()
		q := &MockQueue{}
		n := NewNotifier(store, q, NewCatalog())

		_, err := n.Enqueue(ctx, uuid.New(), "t1", "  ", "s", "b")
		assert.ErrorIs(t, err, domain.ErrValidation)
		q.AssertNotCalled(t, "Push", mock.Anything, mock.Anything)
	})

	t.Run("delivery callbacks", func(t *testing.T) {
		store := memory.NewStore()
		n := NewNotifier(store, memory.NewQueue(4), NewCatalog(), WithClock(func() time.Time { return fixed }))

		id, err := n.Enqueue(ctx, uuid.New(), "t1", "a@x.io", "s", "b")
		require.NoError(t, err)

		require.NoError(t, n.MarkFailed(ctx, id, "timeout"))
		require.NoError(t, n.MarkSent(ctx, id))
		assert.ErrorIs(t, n.MarkFailed(ctx, id, "late"), domain.ErrStaleState)

		got, err := store.GetNotification(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.NotificationSent, got.Status)
		require.NotNil(t, got.SentAt)
		assert.Equal(t, fixed, *got.SentAt)
	})
}

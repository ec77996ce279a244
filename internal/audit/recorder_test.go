package audit

import (
	"context"
	"errors"
	"testing"

	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Publish(ctx context.Context, event domain.AuditEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestRecorderEmit(t *testing.T) {
	ctx := context.Background()
	event := domain.NewAuditEvent(domain.AuditWorkflow, uuid.New(), "STARTED")

	t.Run("publishes to the sink", func(t *testing.T) {
		sink := new(MockSink)
		sink.On("Publish", ctx, event).Return(nil).Once()

		NewRecorder(sink, nil).Emit(ctx, event)

		sink.AssertExpectations(t)
	})

	t.Run("publish errors are logged and dropped", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		sink := new(MockSink)
		sink.On("Publish", ctx, event).Return(errors.New("redis down")).Once()

		NewRecorder(sink, zap.New(core)).Emit(ctx, event)

		sink.AssertExpectations(t)
		if assert.Equal(t, 1, logs.Len()) {
			entry := logs.All()[0]
			assert.Equal(t, "audit publish failed", entry.Message)
			assert.Equal(t, "STARTED", entry.ContextMap()["event"])
		}
	})

	t.Run("nil recorder and nil sink are no-ops", func(t *testing.T) {
		var r *Recorder
		assert.NotPanics(t, func() { r.Emit(ctx, event) })
		assert.NotPanics(t, func() { NewRecorder(nil, nil).Emit(ctx, event) })
	})
}

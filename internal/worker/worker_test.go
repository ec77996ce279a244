package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-lifecycle/internal/core/memory"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/notification"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

// --- MOCKS ---

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, recipient, subject, body string) error {
	args := m.Called(ctx, recipient, subject, body)
	return args.Error(0)
}

// --- SUITE ---

type DeliveryWorkerTestSuite struct {
	suite.Suite
	ctx       context.Context
	store     *memory.Store
	queue     *memory.Queue
	notifier  *notification.Notifier
	transport *MockTransport
	worker    *DeliveryWorker
}

func (s *DeliveryWorkerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.queue = memory.NewQueue(16)
	s.notifier = notification.NewNotifier(s.store, s.queue, notification.NewCatalog())
	s.transport = new(MockTransport)
	s.worker = NewDeliveryWorker(s.queue, s.store, s.notifier, s.transport, nil, zaptest.NewLogger(s.T()))
}

func (s *DeliveryWorkerTestSuite) enqueue(recipient string) uuid.UUID {
	id, err := s.notifier.Enqueue(s.ctx, uuid.New(), "t1", recipient, "Welcome", "Hello there")
	s.Require().NoError(err)
	return id
}

func (s *DeliveryWorkerTestSuite) notification(id uuid.UUID) *domain.WorkflowNotification {
	n, err := s.store.GetNotification(s.ctx, id)
	s.Require().NoError(err)
	return n
}

func (s *DeliveryWorkerTestSuite) TestDeliversAndMarksSent() {
	id := s.enqueue("ada@x.io")
	s.transport.On("Send", mock.Anything, "ada@x.io", "Welcome", "Hello there").Return(nil).Once()

	s.Require().NoError(s.worker.ProcessNext(s.ctx))

	n := s.notification(id)
	s.Equal(domain.NotificationSent, n.Status)
	s.NotNil(n.SentAt)
	s.transport.AssertExpectations(s.T())
}

func (s *DeliveryWorkerTestSuite) TestTransportErrorMarksFailed() {
	id := s.enqueue("ada@x.io")
	s.transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("mailbox full"))

	s.Require().NoError(s.worker.ProcessNext(s.ctx))

	n := s.notification(id)
	s.Equal(domain.NotificationFailed, n.Status)
	s.Require().NotNil(n.ErrorMessage)
	s.Equal("mailbox full", *n.ErrorMessage)
}

func (s *DeliveryWorkerTestSuite) TestRedeliveryOfSentNotificationIsSkipped() {
	id := s.enqueue("ada@x.io")
	s.transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	s.Require().NoError(s.worker.ProcessNext(s.ctx))
	s.Require().NoError(s.queue.Push(s.ctx, id.String()))
	s.Require().NoError(s.worker.ProcessNext(s.ctx))

	s.transport.AssertNumberOfCalls(s.T(), "Send", 1)
}

func (s *DeliveryWorkerTestSuite) TestMalformedIDIsDropped() {
	s.Require().NoError(s.queue.Push(s.ctx, "not-a-uuid"))

	s.NoError(s.worker.ProcessNext(s.ctx))
	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func (s *DeliveryWorkerTestSuite) TestUnknownNotificationIsAnError() {
	s.Require().NoError(s.queue.Push(s.ctx, uuid.NewString()))

	err := s.worker.ProcessNext(s.ctx)
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *DeliveryWorkerTestSuite) TestPoolDrainsQueueAndStops() {
	ids := []uuid.UUID{s.enqueue("a@x.io"), s.enqueue("b@x.io"), s.enqueue("c@x.io")}
	s.transport.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(s.ctx)
	s.worker.StartPool(ctx, 2)

	s.Eventually(func() bool {
		for _, id := range ids {
			if s.notification(id).Status != domain.NotificationSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	s.worker.Wait()
	s.transport.AssertNumberOfCalls(s.T(), "Send", 3)
}

func TestDeliveryWorkerTestSuite(t *testing.T) {
	suite.Run(t, new(DeliveryWorkerTestSuite))
}

func TestProcessNextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.NewStore()
	q := memory.NewQueue(1)
	w := NewDeliveryWorker(q, store, notification.NewNotifier(store, q, notification.NewCatalog()), new(MockTransport), nil, nil)

	require.ErrorIs(t, w.ProcessNext(ctx), context.Canceled)
}

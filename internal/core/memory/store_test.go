package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *Store {
	s := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.AddUser(domain.User{ID: "u1", TenantID: "t1", Email: "a@x.io", Role: domain.RoleAdmin, Status: domain.UserActive, CreatedAt: base})
	s.AddUser(domain.User{ID: "u2", TenantID: "t1", Email: "b@x.io", Role: domain.RoleStaff, Status: domain.UserActive, CreatedAt: base.Add(time.Hour)})
	s.AddUser(domain.User{ID: "u3", TenantID: "t2", Email: "c@x.io", Role: domain.RoleAdmin, CreatedAt: base})
	return s
}

func TestStoreUsers(t *testing.T) {
	ctx := context.Background()

	t.Run("find users is tenant scoped", func(t *testing.T) {
		s := seeded()
		users, err := s.FindUsers(ctx, "t1", domain.UserFilter{Roles: []domain.Role{domain.RoleAdmin}})
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "u1", users[0].ID)
	})

	t.Run("find by ids drops duplicates and foreign tenants", func(t *testing.T) {
		s := seeded()
		users, err := s.FindUsersByIDs(ctx, "t1", []string{"u2", "u1", "u2", "u3", "missing"})
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "u1", users[0].ID)
		assert.Equal(t, "u2", users[1].ID)
	})

	t.Run("add user defaults status to inactive", func(t *testing.T) {
		s := seeded()
		u, err := s.FindUser(ctx, "u3")
		require.NoError(t, err)
		assert.Equal(t, domain.UserInactive, u.Status)
	})

	t.Run("returned users are copies", func(t *testing.T) {
		s := seeded()
		u, err := s.FindUser(ctx, "u1")
		require.NoError(t, err)
		u.Role = domain.RoleClient

		again, err := s.FindUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, domain.RoleAdmin, again.Role)
	})

	t.Run("grant and revoke report only changed rows", func(t *testing.T) {
		s := seeded()
		added, err := s.GrantPermissions(ctx, "u1", "USERS_READ", "USERS_WRITE")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"USERS_READ", "USERS_WRITE"}, added)

		added, err = s.GrantPermissions(ctx, "u1", "USERS_READ")
		require.NoError(t, err)
		assert.Empty(t, added)

		removed, err := s.RevokePermissions(ctx, "u1", "USERS_WRITE", "BILLING_READ")
		require.NoError(t, err)
		assert.Equal(t, []string{"USERS_WRITE"}, removed)

		perms, err := s.ListPermissions(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"USERS_READ"}, perms)
	})

	t.Run("count records on missing table", func(t *testing.T) {
		s := seeded()
		s.SeedRecords("tasks", "u1", 4)

		n, err := s.CountRecords(ctx, "tasks", "u1")
		require.NoError(t, err)
		assert.EqualValues(t, 4, n)

		_, err = s.CountRecords(ctx, "bookings", "u1")
		assert.ErrorIs(t, err, domain.ErrTableNotFound)
	})

	t.Run("injected fault", func(t *testing.T) {
		s := seeded()
		boom := errors.New("boom")
		s.InjectFault("UpdateUserRole", boom)
		assert.ErrorIs(t, s.UpdateUserRole(ctx, "u1", domain.RoleStaff), boom)

		s.ClearFault("UpdateUserRole")
		assert.NoError(t, s.UpdateUserRole(ctx, "u1", domain.RoleStaff))
	})
}

func TestStoreProvisioningIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	wf := domain.NewWorkflow("t1", "u1", domain.WorkflowOnboarding, "admin")

	created, err := s.RecordProvisioning(ctx, domain.NewProvisioningRecord("t1", "u1", "email", domain.ProvisionAccessKind, wf.ID, wf.ID))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RecordProvisioning(ctx, domain.NewProvisioningRecord("t1", "u1", "email", domain.ProvisionAccessKind, wf.ID, wf.ID))
	require.NoError(t, err)
	assert.False(t, created)

	records, err := s.ListProvisioning(ctx, "u1", domain.ProvisionAccessKind)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestStoreWorkflowTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	wf := domain.NewWorkflow("t1", "u1", domain.WorkflowOnboarding, "admin")
	steps := []domain.WorkflowStep{
		*domain.NewStep(wf.ID, 2, "second", domain.ActionSendEmail, domain.StepConfig{}),
		*domain.NewStep(wf.ID, 1, "first", domain.ActionCreateAccount, domain.StepConfig{}),
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf, steps))
	assert.ErrorIs(t, s.CreateWorkflow(ctx, wf, nil), domain.ErrDuplicate)

	t.Run("steps come back ordered", func(t *testing.T) {
		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, 1, got.Steps[0].StepNumber)
		assert.Equal(t, 2, got.Steps[1].StepNumber)
	})

	t.Run("conditional workflow transition", func(t *testing.T) {
		err := s.TransitionWorkflow(ctx, wf.ID, []domain.WorkflowStatus{domain.WorkflowInProgress}, domain.WorkflowCompleted, nil)
		assert.ErrorIs(t, err, domain.ErrStaleState)

		require.NoError(t, s.TransitionWorkflow(ctx, wf.ID, []domain.WorkflowStatus{domain.WorkflowPending}, domain.WorkflowInProgress, nil))
		got, err := s.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowInProgress, got.Status)
	})

	t.Run("only one concurrent step claim wins", func(t *testing.T) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.TransitionStep(ctx, steps[1].ID, domain.StepPending, domain.StepPatch{Status: domain.StepInProgress})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("list filters", func(t *testing.T) {
		cutoff := time.Now().Add(time.Hour)
		list, err := s.ListWorkflows(ctx, ports.WorkflowQuery{TenantID: "t1", Statuses: domain.NonTerminalWorkflowStatuses, CreatedBefore: &cutoff})
		require.NoError(t, err)
		assert.Len(t, list, 1)

		list, err = s.ListWorkflows(ctx, ports.WorkflowQuery{TenantID: "t2"})
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestStoreNotifications(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	n := &domain.WorkflowNotification{ID: uuid.New(), Recipient: "a@x.io", Subject: "hi", Status: domain.NotificationPending}
	require.NoError(t, s.CreateNotification(ctx, n))

	require.NoError(t, s.MarkNotificationFailed(ctx, n.ID, "smtp down"))
	require.NoError(t, s.MarkNotificationSent(ctx, n.ID, time.Now()))
	require.NoError(t, s.MarkNotificationSent(ctx, n.ID, time.Now()))
	assert.ErrorIs(t, s.MarkNotificationFailed(ctx, n.ID, "late"), domain.ErrStaleState)

	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.NotificationSent, got.Status)
	assert.Nil(t, got.ErrorMessage)
}

func TestStoreBulkOperations(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	op := domain.NewBulkOperation("t1", "admin", "demote", domain.NewRoleChange("", domain.RoleStaff))
	require.NoError(t, s.CreateOperation(ctx, op))

	t.Run("transition from wrong state is stale", func(t *testing.T) {
		err := s.TransitionOperation(ctx, op.ID, []domain.OperationStatus{domain.OperationReady}, domain.OperationPatch{Status: domain.OperationInProgress})
		assert.ErrorIs(t, err, domain.ErrStaleState)
	})

	t.Run("one result per user", func(t *testing.T) {
		r := &domain.BulkOperationResult{BulkOperationID: op.ID, UserID: "u1", Status: domain.ResultSuccess}
		require.NoError(t, s.CreateResult(ctx, r))
		assert.ErrorIs(t, s.CreateResult(ctx, r), domain.ErrDuplicate)
	})

	t.Run("counters accumulate", func(t *testing.T) {
		require.NoError(t, s.IncrementCounters(ctx, op.ID, 2, 1))
		require.NoError(t, s.IncrementCounters(ctx, op.ID, 1, 0))
		got, err := s.GetOperation(ctx, op.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.SuccessCount)
		assert.Equal(t, 1, got.FailureCount)
	})

	t.Run("list paginates and reports total", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.CreateOperation(ctx, domain.NewBulkOperation("t1", "admin", "extra", domain.NewCustom(nil))))
		}
		items, total, err := s.ListOperations(ctx, ports.OperationQuery{TenantID: "t1", Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.EqualValues(t, 4, total)
		assert.Len(t, items, 2)
	})
}

func TestQueue(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	assert.Equal(t, 2, q.Len())

	id, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _ = q.Pop(ctx)
	_, err = q.Pop(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

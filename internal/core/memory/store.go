// Package memory is an in-process implementation of every repository port.
// It keeps the same conditional-update semantics as the postgres adapters so
// the engines behave identically against either.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"

	"github.com/google/uuid"
)

type Store struct {
	mu sync.RWMutex

	users        map[string]*domain.User
	permissions  map[string]map[string]time.Time
	records      map[string]map[string]int64
	provisioning map[string]*domain.ProvisioningRecord

	workflows     map[uuid.UUID]*domain.UserWorkflow
	steps         map[uuid.UUID]*domain.WorkflowStep
	history       []domain.WorkflowHistory
	notifications map[uuid.UUID]*domain.WorkflowNotification

	operations map[uuid.UUID]*domain.BulkOperation
	results    map[uuid.UUID][]domain.BulkOperationResult
	opHistory  []domain.BulkOperationHistory

	faults map[string]error
}

var (
	_ ports.UserRepository          = (*Store)(nil)
	_ ports.ProvisioningRepository  = (*Store)(nil)
	_ ports.WorkflowRepository      = (*Store)(nil)
	_ ports.NotificationRepository  = (*Store)(nil)
	_ ports.BulkOperationRepository = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		users:         make(map[string]*domain.User),
		permissions:   make(map[string]map[string]time.Time),
		records:       make(map[string]map[string]int64),
		provisioning:  make(map[string]*domain.ProvisioningRecord),
		workflows:     make(map[uuid.UUID]*domain.UserWorkflow),
		steps:         make(map[uuid.UUID]*domain.WorkflowStep),
		notifications: make(map[uuid.UUID]*domain.WorkflowNotification),
		operations:    make(map[uuid.UUID]*domain.BulkOperation),
		results:       make(map[uuid.UUID][]domain.BulkOperationResult),
		faults:        make(map[string]error),
	}
}

// InjectFault makes every later call to the named method return err until
// ClearFault is called. Method names match the port method names.
func (s *Store) InjectFault(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

func (s *Store) ClearFault(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, method)
}

// fault must be called with s.mu held.
func (s *Store) fault(method string) error {
	return s.faults[method]
}

// --- SEEDING ---

func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if u.Status == "" {
		u.Status = domain.UserInactive
	}
	s.users[u.ID] = &u
}

// SeedRecords creates table if needed and sets the row count owned by userID.
func (s *Store) SeedRecords(table, userID string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[table] == nil {
		s.records[table] = make(map[string]int64)
	}
	s.records[table][userID] = n
}

// --- USERS ---

func (s *Store) FindUsers(_ context.Context, tenantID string, filter domain.UserFilter) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("FindUsers"); err != nil {
		return nil, err
	}
	var out []domain.User
	for _, u := range s.users {
		if u.TenantID == tenantID && filter.Matches(u) {
			out = append(out, *u)
		}
	}
	sortUsers(out)
	return out, nil
}

func (s *Store) FindUsersByIDs(_ context.Context, tenantID string, ids []string) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("FindUsersByIDs"); err != nil {
		return nil, err
	}
	var out []domain.User
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		u, ok := s.users[id]
		if !ok || seen[id] || u.TenantID != tenantID {
			continue
		}
		seen[id] = true
		out = append(out, *u)
	}
	sortUsers(out)
	return out, nil
}

func sortUsers(users []domain.User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
}

func (s *Store) FindUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("FindUser"); err != nil {
		return nil, err
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) mutateUser(method, userID string, fn func(u *domain.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(method); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpdateUserRole(_ context.Context, userID string, role domain.Role) error {
	return s.mutateUser("UpdateUserRole", userID, func(u *domain.User) { u.Role = role })
}

func (s *Store) UpdateUserStatus(_ context.Context, userID string, status domain.UserStatus) error {
	return s.mutateUser("UpdateUserStatus", userID, func(u *domain.User) { u.Status = status })
}

func (s *Store) ActivateUser(_ context.Context, userID string) error {
	return s.mutateUser("ActivateUser", userID, func(u *domain.User) {
		u.EmailVerified = true
		u.Status = domain.UserActive
	})
}

func (s *Store) LockUser(_ context.Context, userID string, until *time.Time) error {
	return s.mutateUser("LockUser", userID, func(u *domain.User) {
		u.LockedAt = domain.Ptr(time.Now())
		u.LockedUntil = until
	})
}

func (s *Store) ListPermissions(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListPermissions"); err != nil {
		return nil, err
	}
	var perms []string
	for p := range s.permissions[userID] {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s *Store) GrantPermissions(_ context.Context, userID string, permissions ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("GrantPermissions"); err != nil {
		return nil, err
	}
	if s.permissions[userID] == nil {
		s.permissions[userID] = make(map[string]time.Time)
	}
	var added []string
	for _, p := range permissions {
		if _, ok := s.permissions[userID][p]; ok {
			continue
		}
		s.permissions[userID][p] = time.Now()
		added = append(added, p)
	}
	return added, nil
}

func (s *Store) RevokePermissions(_ context.Context, userID string, permissions ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RevokePermissions"); err != nil {
		return nil, err
	}
	var removed []string
	for _, p := range permissions {
		if _, ok := s.permissions[userID][p]; ok {
			delete(s.permissions[userID], p)
			removed = append(removed, p)
		}
	}
	return removed, nil
}

func (s *Store) CountRecords(_ context.Context, table, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("CountRecords"); err != nil {
		return 0, err
	}
	rows, ok := s.records[table]
	if !ok {
		return 0, fmt.Errorf("%w: relation %q does not exist", domain.ErrTableNotFound, table)
	}
	return rows[userID], nil
}

// --- PROVISIONING ---

func provisioningKey(r *domain.ProvisioningRecord) string {
	return strings.Join([]string{r.UserID, r.System, string(r.Kind)}, "\x00")
}

func (s *Store) RecordProvisioning(_ context.Context, record *domain.ProvisioningRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("RecordProvisioning"); err != nil {
		return false, err
	}
	key := provisioningKey(record)
	if _, ok := s.provisioning[key]; ok {
		return false, nil
	}
	cp := *record
	s.provisioning[key] = &cp
	return true, nil
}

func (s *Store) ListProvisioning(_ context.Context, userID string, kind domain.ProvisioningKind) ([]domain.ProvisioningRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ProvisioningRecord
	for _, r := range s.provisioning {
		if r.UserID == userID && (kind == "" || r.Kind == kind) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].System < out[j].System })
	return out, nil
}

// --- WORKFLOWS ---

func (s *Store) CreateWorkflow(_ context.Context, workflow *domain.UserWorkflow, steps []domain.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateWorkflow"); err != nil {
		return err
	}
	if _, ok := s.workflows[workflow.ID]; ok {
		return domain.ErrDuplicate
	}
	wf := *workflow
	wf.Steps = nil
	wf.UpdatedAt = time.Now()
	s.workflows[wf.ID] = &wf
	for i := range steps {
		st := steps[i]
		s.steps[st.ID] = &st
	}
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (*domain.UserWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetWorkflow"); err != nil {
		return nil, err
	}
	wf, ok := s.workflows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *wf
	cp.Steps = s.stepsOf(id)
	return &cp, nil
}

func (s *Store) ListWorkflows(_ context.Context, query ports.WorkflowQuery) ([]domain.UserWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UserWorkflow
	for _, wf := range s.workflows {
		if query.TenantID != "" && wf.TenantID != query.TenantID {
			continue
		}
		if query.UserID != "" && wf.UserID != query.UserID {
			continue
		}
		if len(query.Statuses) > 0 && !slices.Contains(query.Statuses, wf.Status) {
			continue
		}
		if query.CreatedBefore != nil && !wf.CreatedAt.Before(*query.CreatedBefore) {
			continue
		}
		out = append(out, *wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) TransitionWorkflow(_ context.Context, id uuid.UUID, from []domain.WorkflowStatus, to domain.WorkflowStatus, errMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TransitionWorkflow"); err != nil {
		return err
	}
	wf, ok := s.workflows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !slices.Contains(from, wf.Status) {
		return domain.ErrStaleState
	}
	wf.Status = to
	if errMessage != nil {
		wf.ErrorMessage = domain.Ptr(*errMessage)
	}
	wf.UpdatedAt = time.Now()
	return nil
}

func (s *Store) GetStep(_ context.Context, id uuid.UUID) (*domain.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetStep"); err != nil {
		return nil, err
	}
	st, ok := s.steps[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListSteps(_ context.Context, workflowID uuid.UUID) ([]domain.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListSteps"); err != nil {
		return nil, err
	}
	return s.stepsOf(workflowID), nil
}

func (s *Store) stepsOf(workflowID uuid.UUID) []domain.WorkflowStep {
	var out []domain.WorkflowStep
	for _, st := range s.steps {
		if st.WorkflowID == workflowID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out
}

func (s *Store) TransitionStep(_ context.Context, id uuid.UUID, from domain.StepStatus, patch domain.StepPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TransitionStep"); err != nil {
		return err
	}
	st, ok := s.steps[id]
	if !ok {
		return domain.ErrNotFound
	}
	if st.Status != from {
		return domain.ErrStaleState
	}
	patch.Apply(st)
	return nil
}

func (s *Store) AppendHistory(_ context.Context, entry *domain.WorkflowHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AppendHistory"); err != nil {
		return err
	}
	s.history = append(s.history, *entry)
	return nil
}

func (s *Store) ListHistory(_ context.Context, workflowID uuid.UUID) ([]domain.WorkflowHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WorkflowHistory
	for _, h := range s.history {
		if h.WorkflowID == workflowID {
			out = append(out, h)
		}
	}
	return out, nil
}

// --- NOTIFICATIONS ---

func (s *Store) CreateNotification(_ context.Context, notification *domain.WorkflowNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateNotification"); err != nil {
		return err
	}
	cp := *notification
	s.notifications[cp.ID] = &cp
	return nil
}

func (s *Store) GetNotification(_ context.Context, id uuid.UUID) (*domain.WorkflowNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNotifications(_ context.Context, workflowID uuid.UUID) ([]domain.WorkflowNotification, error) {
	return s.listNotifications(func(n *domain.WorkflowNotification) bool { return n.WorkflowID == workflowID }), nil
}

func (s *Store) ListStepNotifications(_ context.Context, stepID uuid.UUID) ([]domain.WorkflowNotification, error) {
	return s.listNotifications(func(n *domain.WorkflowNotification) bool {
		return n.StepID != nil && *n.StepID == stepID
	}), nil
}

func (s *Store) listNotifications(match func(*domain.WorkflowNotification) bool) []domain.WorkflowNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.WorkflowNotification
	for _, n := range s.notifications {
		if match(n) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) MarkNotificationSent(_ context.Context, id uuid.UUID, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status == domain.NotificationSent {
		return nil
	}
	n.Status = domain.NotificationSent
	n.SentAt = domain.Ptr(sentAt)
	n.ErrorMessage = nil
	n.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkNotificationFailed(_ context.Context, id uuid.UUID, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	if n.Status == domain.NotificationSent {
		return domain.ErrStaleState
	}
	n.Status = domain.NotificationFailed
	n.ErrorMessage = domain.Ptr(errMessage)
	n.UpdatedAt = time.Now()
	return nil
}

// --- BULK OPERATIONS ---

func (s *Store) CreateOperation(_ context.Context, op *domain.BulkOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateOperation"); err != nil {
		return err
	}
	if _, ok := s.operations[op.ID]; ok {
		return domain.ErrDuplicate
	}
	cp := *op
	cp.Results, cp.History = nil, nil
	s.operations[cp.ID] = &cp
	return nil
}

func (s *Store) GetOperation(_ context.Context, id uuid.UUID) (*domain.BulkOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("GetOperation"); err != nil {
		return nil, err
	}
	op, ok := s.operations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *Store) ListOperations(_ context.Context, query ports.OperationQuery) ([]domain.BulkOperation, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BulkOperation
	for _, op := range s.operations {
		if op.TenantID != query.TenantID {
			continue
		}
		if query.Status != "" && op.Status != query.Status {
			continue
		}
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			out = nil
		} else {
			out = out[query.Offset:]
		}
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, total, nil
}

func (s *Store) TransitionOperation(_ context.Context, id uuid.UUID, from []domain.OperationStatus, patch domain.OperationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("TransitionOperation"); err != nil {
		return err
	}
	op, ok := s.operations[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !slices.Contains(from, op.Status) {
		return domain.ErrStaleState
	}
	patch.Apply(op)
	return nil
}

func (s *Store) IncrementCounters(_ context.Context, id uuid.UUID, success, failure int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("IncrementCounters"); err != nil {
		return err
	}
	op, ok := s.operations[id]
	if !ok {
		return domain.ErrNotFound
	}
	op.SuccessCount += success
	op.FailureCount += failure
	op.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CreateResult(_ context.Context, result *domain.BulkOperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("CreateResult"); err != nil {
		return err
	}
	for _, existing := range s.results[result.BulkOperationID] {
		if existing.UserID == result.UserID {
			return fmt.Errorf("%w: result for user %s", domain.ErrDuplicate, result.UserID)
		}
	}
	s.results[result.BulkOperationID] = append(s.results[result.BulkOperationID], *result)
	return nil
}

func (s *Store) ListResults(_ context.Context, operationID uuid.UUID, status domain.ResultStatus) ([]domain.BulkOperationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault("ListResults"); err != nil {
		return nil, err
	}
	var out []domain.BulkOperationResult
	for _, r := range s.results[operationID] {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AppendOperationHistory(_ context.Context, entry *domain.BulkOperationHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("AppendOperationHistory"); err != nil {
		return err
	}
	s.opHistory = append(s.opHistory, *entry)
	return nil
}

func (s *Store) ListOperationHistory(_ context.Context, operationID uuid.UUID) ([]domain.BulkOperationHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.BulkOperationHistory
	for _, h := range s.opHistory {
		if h.BulkOperationID == operationID {
			out = append(out, h)
		}
	}
	return out, nil
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-lifecycle/internal/api/dto"
	"go-lifecycle/internal/approval"
	"go-lifecycle/internal/coordinator"
	"go-lifecycle/internal/core/memory"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/dryrun"
	"go-lifecycle/internal/notification"
	"go-lifecycle/internal/service"
	"go-lifecycle/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type RouterTestSuite struct {
	suite.Suite
	store  *memory.Store
	router *gin.Engine
}

func (s *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(s.T())
	s.store = memory.NewStore()
	s.store.AddUser(domain.User{ID: "u1", TenantID: "t1", Name: "Ada", Email: "ada@x.io", Role: domain.RoleAdmin, Status: domain.UserActive})
	s.store.AddUser(domain.User{ID: "u2", TenantID: "t1", Name: "Bo", Email: "bo@x.io", Role: domain.RoleStaff, Status: domain.UserActive})

	notifier := notification.NewNotifier(s.store, memory.NewQueue(64), notification.NewCatalog())
	gate := approval.NewGate(s.store, s.store, notifier)
	registry, err := worker.NewRegistry(s.store, worker.DefaultHandlers(worker.Deps{
		Users: s.store, Provisioning: s.store, Notifier: notifier, Gate: gate,
	}))
	s.Require().NoError(err)
	engine := coordinator.NewCoordinator(s.store, s.store, registry, notifier)
	analyzer := dryrun.NewAnalyzer(s.store)

	workflows := NewWorkflowHandler(service.NewWorkflowService(engine, gate, notifier, s.store), logger)
	bulk := NewBulkHandler(service.NewBulkService(s.store, s.store, analyzer), analyzer, logger)
	s.router = NewRouter(workflows, bulk, prometheus.NewRegistry(), logger)
}

func (s *RouterTestSuite) do(method, path, tenant string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	req.Header.Set(ActorHeader, "operator")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *RouterTestSuite) decode(w *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *RouterTestSuite) submit(body gin.H) *coordinator.AdvanceResult {
	w := s.do(http.MethodPost, "/api/v1/workflows", "t1", body)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var res coordinator.AdvanceResult
	s.decode(w, &res)
	return &res
}

func (s *RouterTestSuite) TestHealthAndMetrics() {
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/metrics", "", nil).Code)
}

func (s *RouterTestSuite) TestTenantHeaderIsRequired() {
	w := s.do(http.MethodGet, "/api/v1/workflows", "", nil)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Contains(w.Body.String(), TenantHeader)
}

func (s *RouterTestSuite) TestWorkflowLifecycle() {
	res := s.submit(gin.H{"type": "OFFBOARDING", "user_id": "u2", "start": true})
	s.Equal(domain.WorkflowCompleted, res.Workflow.Status)
	s.Len(res.Runs, 3)
	path := fmt.Sprintf("/api/v1/workflows/%s", res.Workflow.ID)

	s.Run("get in tenant", func() {
		w := s.do(http.MethodGet, path, "t1", nil)
		s.Equal(http.StatusOK, w.Code)
	})
	s.Run("other tenant sees nothing", func() {
		s.Equal(http.StatusNotFound, s.do(http.MethodGet, path, "t2", nil).Code)
		s.Equal(http.StatusNotFound, s.do(http.MethodPost, path+"/cancel", "t2", nil).Code)
	})
	s.Run("finished workflow cannot advance", func() {
		s.Equal(http.StatusConflict, s.do(http.MethodPost, path+"/advance", "t1", nil).Code)
	})
	s.Run("history and notifications", func() {
		var history dto.ListResponse[domain.WorkflowHistory]
		w := s.do(http.MethodGet, path+"/history", "t1", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.decode(w, &history)
		s.NotZero(history.Total)

		var notes dto.ListResponse[domain.WorkflowNotification]
		w = s.do(http.MethodGet, path+"/notifications", "t1", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.decode(w, &notes)
		s.Require().NotEmpty(notes.Items)

		sent := fmt.Sprintf("/api/v1/notifications/%s/sent", notes.Items[0].ID)
		s.Equal(http.StatusNoContent, s.do(http.MethodPost, sent, "t1", nil).Code)
		failed := fmt.Sprintf("/api/v1/notifications/%s/failed", notes.Items[0].ID)
		s.Equal(http.StatusConflict, s.do(http.MethodPost, failed, "t1", gin.H{"error": "bounced"}).Code)
	})
	s.Run("list filters by user", func() {
		var list dto.ListResponse[domain.UserWorkflow]
		w := s.do(http.MethodGet, "/api/v1/workflows?user_id=u2", "t1", nil)
		s.Require().Equal(http.StatusOK, w.Code)
		s.decode(w, &list)
		s.EqualValues(1, list.Total)
	})
}

func (s *RouterTestSuite) TestWorkflowRequestErrors() {
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/workflows", "t1", gin.H{"type": "OFFBOARDING"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/workflows", "t1", gin.H{"type": "PROMOTION", "user_id": "u2"}).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/api/v1/workflows", "t2", gin.H{"type": "OFFBOARDING", "user_id": "u2"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/workflows/not-a-uuid", "t1", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), "t1", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/api/v1/steps/"+uuid.NewString()+"/reject", "t1", gin.H{"reason": "no"}).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/api/v1/notifications/"+uuid.NewString()+"/sent", "t1", nil).Code)
}

func (s *RouterTestSuite) TestStepAndNotificationRoutesAreTenantScoped() {
	res := s.submit(gin.H{
		"type":    "ROLE_CHANGE",
		"user_id": "u2",
		"start":   true,
		"options": gin.H{"role": "TEAM_LEAD", "approvers": []string{"ada@x.io"}},
	})
	s.Require().NotNil(res.AwaitingApproval)
	step := fmt.Sprintf("/api/v1/steps/%s", res.AwaitingApproval.ID)

	notes, err := s.store.ListNotifications(context.Background(), res.Workflow.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(notes)
	s.Equal("t1", notes[0].TenantID)
	note := fmt.Sprintf("/api/v1/notifications/%s", notes[0].ID)

	s.Equal(http.StatusNotFound, s.do(http.MethodPost, step+"/request-approval", "t2", gin.H{"approvers": []string{"x@y.io"}}).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, step+"/approve", "t2", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, step+"/reject", "t2", gin.H{"reason": "no"}).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, note+"/sent", "t2", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, note+"/failed", "t2", gin.H{"error": "bounced"}).Code)

	cur, err := s.store.GetStep(context.Background(), res.AwaitingApproval.ID)
	s.Require().NoError(err)
	s.True(cur.AwaitingApproval(), "foreign tenants change nothing")
	s.Nil(cur.ApprovedBy)
	sent, err := s.store.GetNotification(context.Background(), notes[0].ID)
	s.Require().NoError(err)
	s.Equal(domain.NotificationPending, sent.Status)

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, step+"/reject", "t1", gin.H{}).Code)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, note+"/sent", "t1", nil).Code)
}

func (s *RouterTestSuite) TestApprovalOverHTTP() {
	res := s.submit(gin.H{
		"type":    "ROLE_CHANGE",
		"user_id": "u2",
		"start":   true,
		"options": gin.H{"role": "TEAM_LEAD", "approvers": []string{"ada@x.io"}},
	})
	s.Require().NotNil(res.AwaitingApproval)
	approve := fmt.Sprintf("/api/v1/steps/%s/approve", res.AwaitingApproval.ID)

	req := httptest.NewRequest(http.MethodPost, approve, bytes.NewBufferString(`{"resume":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantHeader, "t1")
	req.Header.Set(ActorHeader, "u1")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	var decision service.StepDecision
	s.decode(w, &decision)
	s.Require().NotNil(decision.Advance)
	s.Equal(domain.WorkflowCompleted, decision.Advance.Workflow.Status)

	// A second approver is refused.
	w = s.do(http.MethodPost, approve, "t1", nil)
	s.Equal(http.StatusConflict, w.Code)
}

func (s *RouterTestSuite) TestDryRun() {
	w := s.do(http.MethodPost, "/api/v1/dry-run", "t1", gin.H{
		"user_ids": []string{"u2"},
		"config":   domain.NewPermissionGrant("DELETE_ALL_DATA", "MODIFY_SECURITY_SETTINGS"),
	})
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var res domain.DryRunResult
	s.decode(w, &res)
	s.Equal(domain.RiskCritical, res.RiskLevel)
	s.False(res.CanProceed)

	w = s.do(http.MethodPost, "/api/v1/dry-run", "t1", gin.H{"config": gin.H{"type": "ROLE_CHANGE"}})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *RouterTestSuite) TestBulkOperationLifecycle() {
	w := s.do(http.MethodPost, "/api/v1/bulk-operations", "t1", gin.H{
		"name":        "promote staff",
		"user_filter": domain.UserFilter{Roles: []domain.Role{domain.RoleStaff}},
		"config":      domain.NewRoleChange("", domain.RoleTeamMember),
	})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var op domain.BulkOperation
	s.decode(w, &op)
	base := fmt.Sprintf("/api/v1/bulk-operations/%s", op.ID)

	s.Equal(http.StatusConflict, s.do(http.MethodPost, base+"/execute", "t1", nil).Code, "DRAFT cannot execute")
	s.Equal(http.StatusOK, s.do(http.MethodPost, base+"/preview", "t1", nil).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, base+"/execute", "t2", nil).Code)

	w = s.do(http.MethodPost, base+"/execute", "t1", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var progress service.Progress
	s.decode(w, &progress)
	s.Equal(domain.OperationCompleted, progress.Status)
	s.Equal(1, progress.SuccessCount)

	var results dto.ListResponse[domain.BulkOperationResult]
	w = s.do(http.MethodGet, base+"/results?status=SUCCESS", "t1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.decode(w, &results)
	s.EqualValues(1, results.Total)

	s.Equal(http.StatusOK, s.do(http.MethodPost, base+"/rollback", "t1", nil).Code)
	s.Equal(http.StatusConflict, s.do(http.MethodPost, base+"/rollback", "t1", nil).Code)

	var list dto.ListResponse[domain.BulkOperation]
	w = s.do(http.MethodGet, "/api/v1/bulk-operations?limit=1", "t1", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.decode(w, &list)
	s.EqualValues(1, list.Total)
}

func TestRouterTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrUnknownAction, http.StatusBadRequest},
		{domain.ErrRollbackExpired, http.StatusGone},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrStaleState, http.StatusConflict},
		{domain.ErrApprovalRequired, http.StatusConflict},
		{domain.ErrAlreadyApproved, http.StatusConflict},
		{domain.ErrRollbackUnavailable, http.StatusConflict},
		{domain.ErrDuplicate, http.StatusConflict},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

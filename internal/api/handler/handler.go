package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go-lifecycle/internal/api/dto"
	"go-lifecycle/internal/coordinator"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	TenantHeader = "X-Tenant-ID"
	ActorHeader  = "X-Actor-ID"

	tenantKey = "tenant_id"
	actorKey  = "actor_id"
)

type WorkflowHandler struct {
	service service.WorkflowService
	logger  *zap.Logger
}

func NewWorkflowHandler(svc service.WorkflowService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{service: svc, logger: logger}
}

func (h *WorkflowHandler) SubmitWorkflow(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.service.SubmitWorkflow(c.Request.Context(), req.ToCreateRequest(tenant(c), actor(c)), req.Start)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	q := ports.WorkflowQuery{TenantID: tenant(c), UserID: c.Query("user_id")}
	if st := c.Query("status"); st != "" {
		q.Statuses = []domain.WorkflowStatus{domain.WorkflowStatus(st)}
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))

	items, err := h.service.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse[domain.UserWorkflow]{Items: items, Total: int64(len(items))})
}

func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	wf, ok := h.workflowInTenant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, wf)
}

func (h *WorkflowHandler) Advance(c *gin.Context) {
	var req dto.AdvanceRequest
	if !bindOptional(c, &req) {
		return
	}
	wf, ok := h.workflowInTenant(c)
	if !ok {
		return
	}
	res, err := h.service.Advance(c.Request.Context(), wf.ID, coordinator.AdvanceOptions{RetryFailedStep: req.RetryFailedStep})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WorkflowHandler) Cancel(c *gin.Context) {
	var req dto.CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	wf, ok := h.workflowInTenant(c)
	if !ok {
		return
	}
	res, err := h.service.Cancel(c.Request.Context(), wf.ID, actor(c), req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WorkflowHandler) History(c *gin.Context) {
	wf, ok := h.workflowInTenant(c)
	if !ok {
		return
	}
	items, err := h.service.History(c.Request.Context(), wf.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse[domain.WorkflowHistory]{Items: items, Total: int64(len(items))})
}

func (h *WorkflowHandler) Notifications(c *gin.Context) {
	wf, ok := h.workflowInTenant(c)
	if !ok {
		return
	}
	items, err := h.service.Notifications(c.Request.Context(), wf.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse[domain.WorkflowNotification]{Items: items, Total: int64(len(items))})
}

func (h *WorkflowHandler) EnforceSLA(c *gin.Context) {
	var req dto.EnforceSLARequest
	if !bindOptional(c, &req) {
		return
	}
	wf, ok := h.workflowInTenant(c)
	if !ok {
		return
	}
	violated, err := h.service.EnforceSLA(c.Request.Context(), wf.ID, req.MaxHours)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"violated": violated})
}

// SweepSLA fails every open workflow of the tenant that is past its SLA.
func (h *WorkflowHandler) SweepSLA(c *gin.Context) {
	var req dto.EnforceSLARequest
	if !bindOptional(c, &req) {
		return
	}
	report, err := h.service.SweepSLA(c.Request.Context(), tenant(c), req.MaxHours)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *WorkflowHandler) RemindApprovers(c *gin.Context) {
	var req dto.RemindRequest
	if !bindOptional(c, &req) {
		return
	}
	sent, err := h.service.RemindApprovers(c.Request.Context(), tenant(c), time.Duration(req.OlderThanHours)*time.Hour)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reminders": sent})
}

func (h *WorkflowHandler) RequestApproval(c *gin.Context) {
	id, ok := h.stepInTenant(c)
	if !ok {
		return
	}
	var req dto.RequestApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.service.RequestApproval(c.Request.Context(), id, req.Approvers)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WorkflowHandler) ApproveStep(c *gin.Context) {
	id, ok := h.stepInTenant(c)
	if !ok {
		return
	}
	var req dto.ApproveStepRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.service.ApproveStep(c.Request.Context(), id, actor(c), req.Notes, req.Resume)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WorkflowHandler) RejectStep(c *gin.Context) {
	id, ok := h.stepInTenant(c)
	if !ok {
		return
	}
	var req dto.RejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.service.RejectStep(c.Request.Context(), id, actor(c), req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *WorkflowHandler) MarkSent(c *gin.Context) {
	id, ok := h.notificationInTenant(c)
	if !ok {
		return
	}
	if err := h.service.MarkNotificationSent(c.Request.Context(), id); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *WorkflowHandler) MarkFailed(c *gin.Context) {
	id, ok := h.notificationInTenant(c)
	if !ok {
		return
	}
	var req dto.DeliveryFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.MarkNotificationFailed(c.Request.Context(), id, req.Error); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// workflowInTenant loads the workflow named by :id. A workflow of another
// tenant is reported as not found.
func (h *WorkflowHandler) workflowInTenant(c *gin.Context) (*domain.UserWorkflow, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	wf, err := h.service.Get(c.Request.Context(), id)
	if err == nil && wf.TenantID != tenant(c) {
		err = domain.ErrNotFound
	}
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	return wf, true
}

// stepInTenant resolves :id to a step whose workflow belongs to the caller's
// tenant and returns the step ID.
func (h *WorkflowHandler) stepInTenant(c *gin.Context) (uuid.UUID, bool) {
	id, ok := pathID(c)
	if !ok {
		return uuid.Nil, false
	}
	ctx := c.Request.Context()
	step, err := h.service.Step(ctx, id)
	if err == nil {
		var wf *domain.UserWorkflow
		wf, err = h.service.Get(ctx, step.WorkflowID)
		if err == nil && wf.TenantID != tenant(c) {
			err = domain.ErrNotFound
		}
	}
	if err != nil {
		writeError(c, h.logger, err)
		return uuid.Nil, false
	}
	return id, true
}

// notificationInTenant resolves :id to a notification of the caller's tenant.
func (h *WorkflowHandler) notificationInTenant(c *gin.Context) (uuid.UUID, bool) {
	id, ok := pathID(c)
	if !ok {
		return uuid.Nil, false
	}
	n, err := h.service.Notification(c.Request.Context(), id)
	if err == nil && n.TenantID != tenant(c) {
		err = domain.ErrNotFound
	}
	if err != nil {
		writeError(c, h.logger, err)
		return uuid.Nil, false
	}
	return id, true
}

// --- SHARED ---

// TenantScope rejects requests without a tenant header and stores the tenant
// and actor for the handlers. Resolving them is the caller's job.
func TenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		t := c.GetHeader(TenantHeader)
		if t == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": TenantHeader + " header is required"})
			return
		}
		c.Set(tenantKey, t)
		c.Set(actorKey, c.GetHeader(ActorHeader))
		c.Next()
	}
}

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("tenant_id", c.GetString(tenantKey)))
	}
}

func tenant(c *gin.Context) string { return c.GetString(tenantKey) }
func actor(c *gin.Context) string  { return c.GetString(actorKey) }

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, obj any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRollbackExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStaleState),
		errors.Is(err, domain.ErrApprovalRequired),
		errors.Is(err, domain.ErrAlreadyApproved),
		errors.Is(err, domain.ErrRollbackUnavailable),
		errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

package handler

import (
	"net/http"
	"strconv"

	"go-lifecycle/internal/api/dto"
	"go-lifecycle/internal/core/ports"
	"go-lifecycle/internal/domain"
	"go-lifecycle/internal/dryrun"
	"go-lifecycle/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type BulkHandler struct {
	service  *service.BulkService
	analyzer *dryrun.Analyzer
	logger   *zap.Logger
}

func NewBulkHandler(svc *service.BulkService, analyzer *dryrun.Analyzer, logger *zap.Logger) *BulkHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkHandler{service: svc, analyzer: analyzer, logger: logger}
}

// DryRun previews an operation against explicit user IDs without saving it.
func (h *BulkHandler) DryRun(c *gin.Context) {
	var req dto.DryRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.analyzer.RunDryRun(c.Request.Context(), tenant(c), req.UserIDs, req.Config, req.PreviewLimit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *BulkHandler) Create(c *gin.Context) {
	var req dto.CreateBulkOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op, err := h.service.Create(c.Request.Context(), tenant(c), actor(c), service.CreateBulkRequest{
		Name:             req.Name,
		Description:      req.Description,
		UserFilter:       req.UserFilter,
		Config:           req.Config,
		ApprovalRequired: req.ApprovalRequired,
		ScheduledFor:     req.ScheduledFor,
		NotifyUsers:      req.NotifyUsers,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, op)
}

func (h *BulkHandler) List(c *gin.Context) {
	q := ports.OperationQuery{TenantID: tenant(c), Status: domain.OperationStatus(c.Query("status"))}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	q.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, total, err := h.service.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse[domain.BulkOperation]{Items: items, Total: total})
}

func (h *BulkHandler) Get(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h *BulkHandler) Preview(c *gin.Context) {
	var req dto.PreviewRequest
	if !bindOptional(c, &req) {
		return
	}
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	res, err := h.service.Preview(c.Request.Context(), op.ID, req.UserFilter, actor(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *BulkHandler) Execute(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	progress, err := h.service.Execute(c.Request.Context(), op.ID, actor(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *BulkHandler) Approve(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	res, err := h.service.Approve(c.Request.Context(), op.ID, actor(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *BulkHandler) Reject(c *gin.Context) {
	var req dto.CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	res, err := h.service.Reject(c.Request.Context(), op.ID, actor(c), req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *BulkHandler) Cancel(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	res, err := h.service.Cancel(c.Request.Context(), op.ID, actor(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *BulkHandler) Rollback(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	report, err := h.service.Rollback(c.Request.Context(), op.ID, actor(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *BulkHandler) Progress(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	progress, err := h.service.GetProgress(c.Request.Context(), op.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *BulkHandler) Results(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	items, err := h.service.ListResults(c.Request.Context(), op.ID, domain.ResultStatus(c.Query("status")))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse[domain.BulkOperationResult]{Items: items, Total: int64(len(items))})
}

func (h *BulkHandler) History(c *gin.Context) {
	op, ok := h.operationInTenant(c)
	if !ok {
		return
	}
	items, err := h.service.History(c.Request.Context(), op.ID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ListResponse[domain.BulkOperationHistory]{Items: items, Total: int64(len(items))})
}

func (h *BulkHandler) operationInTenant(c *gin.Context) (*domain.BulkOperation, bool) {
	id, ok := pathID(c)
	if !ok {
		return nil, false
	}
	op, err := h.service.Get(c.Request.Context(), id)
	if err == nil && op.TenantID != tenant(c) {
		err = domain.ErrNotFound
	}
	if err != nil {
		writeError(c, h.logger, err)
		return nil, false
	}
	return op, true
}

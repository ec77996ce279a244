package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter builds the gin engine with every route mounted. gatherer may be
// nil, in which case /metrics is not exposed.
func NewRouter(workflows *WorkflowHandler, bulk *BulkHandler, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1", TenantScope())

	wf := api.Group("/workflows")
	wf.POST("", workflows.SubmitWorkflow)
	wf.GET("", workflows.ListWorkflows)
	wf.GET("/:id", workflows.GetWorkflow)
	wf.POST("/:id/advance", workflows.Advance)
	wf.POST("/:id/cancel", workflows.Cancel)
	wf.GET("/:id/history", workflows.History)
	wf.GET("/:id/notifications", workflows.Notifications)
	wf.POST("/:id/sla", workflows.EnforceSLA)
	wf.POST("/sla-sweep", workflows.SweepSLA)
	wf.POST("/remind-approvers", workflows.RemindApprovers)

	steps := api.Group("/steps")
	steps.POST("/:id/request-approval", workflows.RequestApproval)
	steps.POST("/:id/approve", workflows.ApproveStep)
	steps.POST("/:id/reject", workflows.RejectStep)

	notifications := api.Group("/notifications")
	notifications.POST("/:id/sent", workflows.MarkSent)
	notifications.POST("/:id/failed", workflows.MarkFailed)

	api.POST("/dry-run", bulk.DryRun)

	ops := api.Group("/bulk-operations")
	ops.POST("", bulk.Create)
	ops.GET("", bulk.List)
	ops.GET("/:id", bulk.Get)
	ops.POST("/:id/preview", bulk.Preview)
	ops.POST("/:id/execute", bulk.Execute)
	ops.POST("/:id/approve", bulk.Approve)
	ops.POST("/:id/reject", bulk.Reject)
	ops.POST("/:id/cancel", bulk.Cancel)
	ops.POST("/:id/rollback", bulk.Rollback)
	ops.GET("/:id/progress", bulk.Progress)
	ops.GET("/:id/results", bulk.Results)
	ops.GET("/:id/history", bulk.History)

	return r
}

// Package metrics holds the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	WorkflowTransitions *prometheus.CounterVec
	StepExecutions      *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	SLAViolations       prometheus.Counter

	NotificationsQueued    *prometheus.CounterVec
	NotificationsDelivered *prometheus.CounterVec

	BulkOperations       *prometheus.CounterVec
	BulkUserResults      *prometheus.CounterVec
	BulkUserDuration     prometheus.Histogram
	DryRunRisk           *prometheus.CounterVec
	RollbackRestorations *prometheus.CounterVec
}

// New registers every collector on reg. Passing nil gives unregistered
// collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WorkflowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_workflow_transitions_total",
			Help: "Workflow status transitions by type and target status",
		}, []string{"type", "status"}),
		StepExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_step_executions_total",
			Help: "Step handler executions by action and outcome",
		}, []string{"action", "outcome"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifecycle_step_duration_seconds",
			Help:    "Step handler execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		SLAViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "lifecycle_sla_violations_total",
			Help: "Workflows failed by SLA enforcement",
		}),
		NotificationsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_notifications_queued_total",
			Help: "Notifications persisted for delivery by template",
		}, []string{"template"}),
		NotificationsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_notifications_delivered_total",
			Help: "Delivery outcomes reported by the delivery worker",
		}, []string{"status"}),
		BulkOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_bulk_operations_total",
			Help: "Bulk operation lifecycle events by type and event",
		}, []string{"type", "event"}),
		BulkUserResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_bulk_user_results_total",
			Help: "Per-user bulk results by type and status",
		}, []string{"type", "status"}),
		BulkUserDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifecycle_bulk_user_duration_seconds",
			Help:    "Time spent applying a bulk change to one user",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		DryRunRisk: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_dry_run_total",
			Help: "Dry runs by resulting risk level",
		}, []string{"risk"}),
		RollbackRestorations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifecycle_rollback_restorations_total",
			Help: "Per-user rollback outcomes",
		}, []string{"outcome"}),
	}
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	return New(nil)
}

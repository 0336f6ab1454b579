// Package observability exposes Prometheus metrics and health endpoints
// for the coordination runtime.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	messagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_messages_published_total",
			Help: "Total number of messages published to the bus",
		},
		[]string{"topic", "type"},
	)

	messagesDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_messages_delivered_total",
			Help: "Total number of handler deliveries",
		},
		[]string{"topic"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_requests_total",
			Help: "Total number of request/response round trips by outcome",
		},
		[]string{"topic", "status"},
	)

	// Agent metrics
	agentDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_agent_dispatches_total",
			Help: "Total number of capability dispatches",
		},
		[]string{"agent", "capability", "status"},
	)

	agentDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgrid_agent_dispatch_duration_seconds",
			Help:    "Capability handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	// Workflow metrics
	workflowExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgrid_workflow_executions_total",
			Help: "Total number of workflow executions by terminal status",
		},
		[]string{"workflow", "status"},
	)

	workflowStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgrid_workflow_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Scheduler metrics
	schedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgrid_scheduler_queue_depth",
			Help: "Number of queued workflow runs waiting for an executor slot",
		},
	)

	schedulerActiveExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgrid_scheduler_active_executions",
			Help: "Number of workflow executions currently running",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with the default registry. Safe to
// call multiple times.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesPublishedTotal,
			messagesDeliveredTotal,
			requestsTotal,
			agentDispatchesTotal,
			agentDispatchDuration,
			workflowExecutionsTotal,
			workflowStepDuration,
			schedulerQueueDepth,
			schedulerActiveExecutions,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessagePublished increments the published-message counter.
func RecordMessagePublished(topic, msgType string) {
	messagesPublishedTotal.WithLabelValues(topic, msgType).Inc()
}

// RecordMessageDelivered increments the delivery counter.
func RecordMessageDelivered(topic string) {
	messagesDeliveredTotal.WithLabelValues(topic).Inc()
}

// RecordRequest records a request/response outcome ("ok", "timeout",
// "canceled").
func RecordRequest(topic, status string) {
	requestsTotal.WithLabelValues(topic, status).Inc()
}

// RecordAgentDispatch records one capability dispatch.
func RecordAgentDispatch(agent, capability, status string, seconds float64) {
	agentDispatchesTotal.WithLabelValues(agent, capability, status).Inc()
	agentDispatchDuration.WithLabelValues(agent).Observe(seconds)
}

// RecordWorkflowExecution records a terminal workflow execution.
func RecordWorkflowExecution(workflow, status string) {
	workflowExecutionsTotal.WithLabelValues(workflow, status).Inc()
}

// RecordWorkflowStep records one step's duration.
func RecordWorkflowStep(step string, seconds float64) {
	workflowStepDuration.WithLabelValues(step).Observe(seconds)
}

// SetQueueDepth updates the scheduler queue depth gauge.
func SetQueueDepth(n int) {
	schedulerQueueDepth.Set(float64(n))
}

// SetActiveExecutions updates the active executions gauge.
func SetActiveExecutions(n int) {
	schedulerActiveExecutions.Set(float64(n))
}

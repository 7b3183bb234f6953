package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Hub metrics
	hubMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_hub_messages_total",
			Help: "Total number of messages dispatched through the hub",
		},
		[]string{"type", "mode", "outcome"},
	)

	hubDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_hub_delivery_duration_seconds",
			Help:    "Handler delivery duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Resource pool metrics
	poolAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_pool_allocations_total",
			Help: "Total number of agent allocation attempts",
		},
		[]string{"role", "outcome"},
	)

	poolInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_pool_instances",
			Help: "Number of agent instances by role and status",
		},
		[]string{"role", "status"},
	)

	// Orchestration metrics
	orchestrationRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmesh_orchestration_rounds_total",
			Help: "Total number of orchestration scheduling rounds",
		},
	)

	taskNodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_task_nodes_total",
			Help: "Total number of task nodes by terminal status",
		},
		[]string{"status"},
	)

	// Agent loop metrics
	loopIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_loop_iterations_total",
			Help: "Total number of think-act-observe iterations",
		},
		[]string{"outcome"},
	)

	proposalParsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_proposal_parses_total",
			Help: "Total number of proposal parse attempts by method",
		},
		[]string{"method"},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			hubMessagesTotal,
			hubDeliveryDuration,
			poolAllocationsTotal,
			poolInstances,
			orchestrationRoundsTotal,
			taskNodesTotal,
			loopIterationsTotal,
			proposalParsesTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHubMessage records one hub dispatch.
func RecordHubMessage(msgType, mode, outcome string) {
	hubMessagesTotal.WithLabelValues(msgType, mode, outcome).Inc()
}

// RecordDelivery records one handler invocation.
func RecordDelivery(endpoint string, duration time.Duration) {
	hubDeliveryDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordPoolAllocation records one allocation attempt.
func RecordPoolAllocation(role, outcome string) {
	poolAllocationsTotal.WithLabelValues(role, outcome).Inc()
}

// SetPoolInstances sets the instance gauge for a role/status pair.
func SetPoolInstances(role, status string, count int) {
	poolInstances.WithLabelValues(role, status).Set(float64(count))
}

// RecordOrchestrationRound records one scheduling round.
func RecordOrchestrationRound() {
	orchestrationRoundsTotal.Inc()
}

// RecordTaskNode records a task node reaching a terminal status.
func RecordTaskNode(status string) {
	taskNodesTotal.WithLabelValues(status).Inc()
}

// RecordLoopIteration records one think-act-observe iteration.
func RecordLoopIteration(outcome string) {
	loopIterationsTotal.WithLabelValues(outcome).Inc()
}

// RecordProposalParse records one parse attempt by the method that
// succeeded ("masked", "repaired") or "failed".
func RecordProposalParse(method string) {
	proposalParsesTotal.WithLabelValues(method).Inc()
}

// Package metrics exposes the action engine's Prometheus gauges/counters/
// histograms plus the liveness/readiness HTTP handlers fleetctl's serve
// command wires up alongside them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Action lifecycle metrics
	ActionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterforge_actions_total",
			Help: "Number of actions by verb and status",
		},
		[]string{"verb", "status"},
	)

	ActionsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_actions_dispatched_total",
			Help: "Total number of actions claimed and dispatched to a worker",
		},
		[]string{"verb"},
	)

	ActionsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_actions_retried_total",
			Help: "Total number of actions re-enqueued after a RETRY result",
		},
		[]string{"verb"},
	)

	ActionExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterforge_action_execution_duration_seconds",
			Help:    "Time from claim to terminal status for an action, by verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb", "result"},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterforge_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a cluster or node lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope"},
	)

	LockStealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_lock_steals_total",
			Help: "Total number of forced or dead-owner lock steals",
		},
		[]string{"scope", "reason"},
	)

	// Dependency graph metrics
	DependencyFanOut = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusterforge_dependency_fanout",
			Help:    "Number of child actions created per parent action",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// Policy engine metrics
	PolicyCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clusterforge_policy_check_duration_seconds",
			Help:    "Time taken to run a policy pre_op or post_op hook",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"policy_type", "phase"},
	)

	PolicyCooldownRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterforge_policy_cooldown_rejections_total",
			Help: "Total number of actions rejected because a policy cooldown was in progress",
		},
		[]string{"policy_type"},
	)

	// Registry / recovery metrics
	RegistrySweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_registry_sweep_cycles_total",
			Help: "Total number of service-registry liveness sweep cycles completed",
		},
	)

	RegistryGCEnginesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_registry_gc_engines_total",
			Help: "Total number of dead engines garbage-collected",
		},
	)

	ActionPurgeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterforge_action_purge_total",
			Help: "Total number of terminal actions removed by the retention sweep",
		},
	)

	// Cluster / node gauges
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterforge_clusters_total",
			Help: "Total number of clusters by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clusterforge_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ActionsDispatchedTotal)
	prometheus.MustRegister(ActionsRetriedTotal)
	prometheus.MustRegister(ActionExecutionDuration)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockStealsTotal)
	prometheus.MustRegister(DependencyFanOut)
	prometheus.MustRegister(PolicyCheckDuration)
	prometheus.MustRegister(PolicyCooldownRejectionsTotal)
	prometheus.MustRegister(RegistrySweepCyclesTotal)
	prometheus.MustRegister(RegistryGCEnginesTotal)
	prometheus.MustRegister(ActionPurgeTotal)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(NodesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

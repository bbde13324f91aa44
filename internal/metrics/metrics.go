// Package metrics holds the Prometheus collectors the controller reports
// through. A nil *Metrics is valid and records nothing, so components can be
// built without an observability channel in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "converge"
)

// Metrics is the set of controller collectors, registered on one registry.
type Metrics struct {
	// PipelineRuns counts pipeline passes by outcome
	PipelineRuns *prometheus.CounterVec
	// PipelineDuration measures pass latency
	PipelineDuration *prometheus.HistogramVec
	// MessagesSent counts state transition messages written to nodes
	MessagesSent *prometheus.CounterVec
	// SubscriptionsActive tracks the controller's armed watches
	SubscriptionsActive *prometheus.GaugeVec
	// ControllerLeader is 1 while this process leads the cluster
	ControllerLeader *prometheus.GaugeVec
	// UnassignedReplicas tracks replica slots left empty for lack of nodes
	UnassignedReplicas *prometheus.GaugeVec
	// StoreRetries counts retried store operations per component
	StoreRetries *prometheus.CounterVec
	// ElectionTransitions counts lifecycle state changes
	ElectionTransitions *prometheus.CounterVec
}

// New registers the collectors on reg. Passing prometheus.NewRegistry() keeps
// tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PipelineRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of controller pipeline passes",
			},
			[]string{"cluster", "result"}, // result: ok/aborted/error
		),
		PipelineDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "Pipeline pass latency in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"cluster"},
		),
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of state transition messages dispatched",
			},
			[]string{"cluster"},
		),
		SubscriptionsActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subscriptions_active",
				Help:      "Number of store watches held by the controller",
			},
			[]string{"cluster"},
		),
		ControllerLeader: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_leader",
				Help:      "1 if this controller leads the cluster",
			},
			[]string{"cluster"},
		),
		UnassignedReplicas: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unassigned_replicas",
				Help:      "Replica slots left unassigned because too few nodes are live",
			},
			[]string{"cluster", "resource"},
		),
		StoreRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Total number of retried metadata store operations",
			},
			[]string{"component"}, // cache/dispatch/election
		),
		ElectionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_total",
				Help:      "Total number of controller lifecycle state changes",
			},
			[]string{"cluster", "to"},
		),
	}
}

// ObservePipeline records one pipeline pass.
func (m *Metrics) ObservePipeline(cluster, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(cluster, result).Inc()
	m.PipelineDuration.WithLabelValues(cluster).Observe(d.Seconds())
}

// MessagesDispatched adds n sent messages.
func (m *Metrics) MessagesDispatched(cluster string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesSent.WithLabelValues(cluster).Add(float64(n))
}

// SetSubscriptions records the number of armed controller watches.
func (m *Metrics) SetSubscriptions(cluster string, n int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.WithLabelValues(cluster).Set(float64(n))
}

// SetLeader flips the leadership gauge.
func (m *Metrics) SetLeader(cluster string, leader bool) {
	if m == nil {
		return
	}
	v := 0.0
	if leader {
		v = 1
	}
	m.ControllerLeader.WithLabelValues(cluster).Set(v)
}

// SetUnassigned records unfilled replica slots of a resource.
func (m *Metrics) SetUnassigned(cluster, resource string, n int) {
	if m == nil {
		return
	}
	m.UnassignedReplicas.WithLabelValues(cluster, resource).Set(float64(n))
}

// StoreRetry counts one retried store operation.
func (m *Metrics) StoreRetry(component string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(component).Inc()
}

// LifecycleTransition counts a controller state change.
func (m *Metrics) LifecycleTransition(cluster, to string) {
	if m == nil {
		return
	}
	m.ElectionTransitions.WithLabelValues(cluster, to).Inc()
}


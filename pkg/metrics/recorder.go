// Package metrics provides Prometheus-based metrics recording for the
// agent RPC layer: call outcomes, retries, breaker transitions, and pool
// session churn.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder records RPC layer metrics. It satisfies the client and
// server Recorder interfaces and the event sink interface, so breaker and
// pool events can be teed into it alongside the logger.
type PrometheusRecorder struct {
	callsTotal         *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	poolSessions       *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the metric vectors on the default
// registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWith(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWith registers the metric vectors on the given
// registerer. Tests pass a fresh registry to avoid duplicate registration.
func NewPrometheusRecorderWith(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_calls_total",
				Help: "Total number of outbound RPC calls by method, authority, and outcome",
			},
			[]string{"method", "authority", "status"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpc_call_duration_seconds",
				Help:    "Duration of outbound RPC calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "authority"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_retries_total",
				Help: "Total number of retry attempts beyond the first call",
			},
			[]string{"method"},
		),
		circuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_circuit_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		poolSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_pool_sessions_total",
				Help: "Total number of pool session lifecycle events",
			},
			[]string{"authority", "event"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rpc_server_requests_total",
				Help: "Total number of dispatched inbound requests by method and code",
			},
			[]string{"method", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rpc_server_request_duration_seconds",
				Help:    "Duration of inbound request handling in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// ObserveCall records an outbound call outcome.
func (p *PrometheusRecorder) ObserveCall(method, authority, status string, duration time.Duration) {
	p.callsTotal.WithLabelValues(method, authority, status).Inc()
	p.callDuration.WithLabelValues(method, authority).Observe(duration.Seconds())
}

// IncRetry counts one retry attempt beyond the initial call.
func (p *PrometheusRecorder) IncRetry(method string) {
	p.retriesTotal.WithLabelValues(method).Inc()
}

// ObserveRequest records a dispatched inbound request.
func (p *PrometheusRecorder) ObserveRequest(method string, code int, duration time.Duration) {
	p.requestsTotal.WithLabelValues(method, fmt.Sprintf("%d", code)).Inc()
	p.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Event implements the event sink interface for breaker and pool lifecycle
// events. Unrecognized events are ignored.
func (p *PrometheusRecorder) Event(name string, fields map[string]any) {
	switch name {
	case "circuit_state_change":
		p.circuitTransitions.WithLabelValues(
			str(fields["name"]), str(fields["from"]), str(fields["to"]),
		).Inc()
	case "pool_session_created":
		p.poolSessions.WithLabelValues(str(fields["authority"]), "created").Inc()
	case "pool_session_evicted":
		p.poolSessions.WithLabelValues(str(fields["authority"]), "evicted").Inc()
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

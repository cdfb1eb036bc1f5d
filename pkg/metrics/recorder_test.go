package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCall(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.ObserveCall("process_task", "agent-b:8080", "success", 50*time.Millisecond)
	rec.ObserveCall("process_task", "agent-b:8080", "success", 70*time.Millisecond)
	rec.ObserveCall("process_task", "agent-b:8080", "timeout", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		rec.callsTotal.WithLabelValues("process_task", "agent-b:8080", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		rec.callsTotal.WithLabelValues("process_task", "agent-b:8080", "timeout")))
}

func TestIncRetry(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.IncRetry("process_task")
	rec.IncRetry("process_task")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.retriesTotal.WithLabelValues("process_task")))
}

func TestObserveRequest(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.ObserveRequest("process_task", 0, 10*time.Millisecond)
	rec.ObserveRequest("process_task", -32601, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("process_task", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("process_task", "-32601")))
}

func TestEvent_BreakerAndPool(t *testing.T) {
	rec := NewPrometheusRecorderWith(prometheus.NewRegistry())

	rec.Event("circuit_state_change", map[string]any{
		"name": "agent-b:8080_process_task", "from": "CLOSED", "to": "OPEN",
	})
	rec.Event("pool_session_created", map[string]any{"authority": "agent-b:8080"})
	rec.Event("pool_session_created", map[string]any{"authority": "agent-b:8080"})
	rec.Event("pool_session_evicted", map[string]any{"authority": "agent-b:8080"})
	rec.Event("rpc_call_start", map[string]any{"method": "ignored"})

	assert.Equal(t, 1.0, testutil.ToFloat64(
		rec.circuitTransitions.WithLabelValues("agent-b:8080_process_task", "CLOSED", "OPEN")))
	assert.Equal(t, 2.0, testutil.ToFloat64(
		rec.poolSessions.WithLabelValues("agent-b:8080", "created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		rec.poolSessions.WithLabelValues("agent-b:8080", "evicted")))
}

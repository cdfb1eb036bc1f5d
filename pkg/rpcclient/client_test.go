package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrpc/pkg/circuit"
	"agentrpc/pkg/logx"
	"agentrpc/pkg/pool"
	"agentrpc/pkg/proto"
	"agentrpc/pkg/retry"
	"agentrpc/pkg/rpcerrors"
)

// fastTestConfig keeps retries and timeouts at test scale.
func fastTestConfig() Config {
	return Config{
		Retry: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
			Jitter:        false,
		},
		Breaker: circuit.Config{
			FailureThreshold: 5,
			OpenTimeout:      time.Minute,
			HalfOpenMaxCalls: 1,
		},
		Pool: pool.DefaultPoolConfig,
		Timeouts: pool.TimeoutProfile{
			Total:   2 * time.Second,
			Connect: time.Second,
			Read:    time.Second,
		},
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := New(cfg, logx.NewLogger("test"), logx.NopSink{})
	t.Cleanup(c.Close)
	return c
}

func rpcHandler(t *testing.T, hits *atomic.Int64, respond func(req proto.Request, w http.ResponseWriter)) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req proto.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		respond(req, w)
	}
}

func writeSuccess(w http.ResponseWriter, id any, result any) {
	resp, _ := proto.NewSuccessResponse(id, result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestCall_Success(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		assert.Equal(t, proto.Version, req.JSONRPC)
		assert.Equal(t, "echo", req.Method)
		assert.NotEmpty(t, req.ID)
		writeSuccess(w, req.ID, req.Params)
	}))
	defer ts.Close()

	c := newTestClient(t, fastTestConfig())
	result, err := c.Call(context.Background(), ts.URL, "echo", map[string]any{"x": 1}, "")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, float64(1), decoded["x"])
	assert.Equal(t, int64(1), hits.Load())
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		if hits.Load() <= 2 {
			// Transient server band error: retried.
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(proto.NewErrorResponse(req.ID, -32001, "busy", nil))
			return
		}
		writeSuccess(w, req.ID, "done")
	}))
	defer ts.Close()

	c := newTestClient(t, fastTestConfig())
	result, err := c.Call(context.Background(), ts.URL, "work", nil, "")
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(result))
	assert.Equal(t, int64(3), hits.Load())
}

func TestCall_PermanentProtocolErrorNotRetried(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(proto.NewErrorResponse(req.ID, proto.CodeMethodNotFound, "Method not found", nil))
	}))
	defer ts.Close()

	c := newTestClient(t, fastTestConfig())
	_, err := c.Call(context.Background(), ts.URL, "missing", nil, "")
	require.Error(t, err)
	assert.Equal(t, rpcerrors.ErrorTypeProtocol, rpcerrors.TypeOf(err))

	var rpcErr *rpcerrors.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, proto.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, int64(1), hits.Load(), "method-not-found must not be retried")
}

func TestCall_NetworkErrorKind(t *testing.T) {
	// A closed listener yields connection refused.
	ts := httptest.NewServer(http.NotFoundHandler())
	endpoint := ts.URL
	ts.Close()

	cfg := fastTestConfig()
	cfg.Retry.MaxAttempts = 2
	c := newTestClient(t, cfg)

	_, err := c.Call(context.Background(), endpoint, "ping", nil, "")
	require.Error(t, err)
	assert.Equal(t, rpcerrors.ErrorTypeNetwork, rpcerrors.TypeOf(err))
}

func TestCall_TimeoutKind(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer ts.Close()

	cfg := fastTestConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Timeouts = pool.TimeoutProfile{
		Total:   50 * time.Millisecond,
		Connect: time.Second,
		Read:    time.Second,
	}
	c := newTestClient(t, cfg)

	_, err := c.Call(context.Background(), ts.URL, "slow", nil, "")
	require.Error(t, err)
	assert.Equal(t, rpcerrors.ErrorTypeTimeout, rpcerrors.TypeOf(err))
	assert.Equal(t, int64(2), hits.Load(), "timeouts retry up to the attempt budget")
}

func TestCall_CircuitOpensAndFastFails(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(proto.NewErrorResponse(req.ID, -32001, "overloaded", nil))
	}))
	defer ts.Close()

	cfg := fastTestConfig()
	cfg.Retry.MaxAttempts = 3
	cfg.Breaker = circuit.Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}
	c := newTestClient(t, cfg)

	// First call: three attempts, all transient, breaker trips at the third.
	_, err := c.Call(context.Background(), ts.URL, "down", nil, "")
	require.Error(t, err)
	assert.Equal(t, int64(3), hits.Load())

	// Second call: admission denied, no network attempt.
	_, err = c.Call(context.Background(), ts.URL, "down", nil, "")
	require.Error(t, err)
	assert.Equal(t, rpcerrors.ErrorTypeCircuitOpen, rpcerrors.TypeOf(err))
	assert.Equal(t, int64(3), hits.Load(), "open breaker must block network attempts")

	// The breaker key includes the method, so other methods still go out.
	_, err = c.Call(context.Background(), ts.URL, "other", nil, "")
	require.Error(t, err)
	assert.Greater(t, hits.Load(), int64(3))
}

func TestCall_ValidationErrors(t *testing.T) {
	c := newTestClient(t, fastTestConfig())

	_, err := c.Call(context.Background(), "http://peer:8080/rpc", "", nil, "")
	require.Error(t, err)
	assert.Equal(t, rpcerrors.ErrorTypeValidation, rpcerrors.TypeOf(err))

	_, err = c.Call(context.Background(), "::bad::", "ping", nil, "")
	require.Error(t, err)
	assert.Equal(t, rpcerrors.ErrorTypeValidation, rpcerrors.TypeOf(err))
}

func TestCall_EchoesSuppliedRequestID(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		assert.Equal(t, "fixed-id", req.ID)
		writeSuccess(w, req.ID, true)
	}))
	defer ts.Close()

	c := newTestClient(t, fastTestConfig())
	_, err := c.Call(context.Background(), ts.URL, "ping", nil, "fixed-id")
	require.NoError(t, err)
}

func TestGetAgentCard(t *testing.T) {
	var hits atomic.Int64
	card := proto.AgentCard{
		Name:               "remote",
		Version:            "2.0.0",
		Capabilities:       []string{"process_task"},
		Endpoints:          map[string]string{"rpc": "http://remote/rpc"},
		CommunicationModes: []string{"jsonrpc"},
	}
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		assert.Equal(t, MethodAgentCard, req.Method)
		writeSuccess(w, req.ID, card)
	}))
	defer ts.Close()

	c := newTestClient(t, fastTestConfig())
	got, err := c.GetAgentCard(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, card.Name, got.Name)
	assert.Equal(t, card.Capabilities, got.Capabilities)
}

func TestClient_SharesPoolAcrossCalls(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		writeSuccess(w, req.ID, "ok")
	}))
	defer ts.Close()

	c := newTestClient(t, fastTestConfig())
	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), ts.URL, "ping", nil, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.Pool().Len(), "all calls share one pooled session per key")
}

func TestClient_BreakerRegistryExposedForReset(t *testing.T) {
	var hits atomic.Int64
	ts := httptest.NewServer(rpcHandler(t, &hits, func(req proto.Request, w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(proto.NewErrorResponse(req.ID, -32001, "overloaded", nil))
	}))
	defer ts.Close()

	cfg := fastTestConfig()
	cfg.Breaker.FailureThreshold = 2
	cfg.Retry.MaxAttempts = 2
	c := newTestClient(t, cfg)

	_, err := c.Call(context.Background(), ts.URL, "down", nil, "")
	require.Error(t, err)

	states := c.Breakers().ListStates()
	require.Len(t, states, 1)
	for name, state := range states {
		assert.Equal(t, circuit.Open, state)
		c.Breakers().Reset(name)
	}
	for _, state := range c.Breakers().ListStates() {
		assert.Equal(t, circuit.Closed, state)
	}
}

func TestClassifyTransportError(t *testing.T) {
	timeoutErr := classifyTransportError(context.DeadlineExceeded, "http://peer/rpc", "ping")
	assert.Equal(t, rpcerrors.ErrorTypeTimeout, timeoutErr.Type)

	plain := classifyTransportError(errors.New("connection refused"), "http://peer/rpc", "ping")
	assert.Equal(t, rpcerrors.ErrorTypeNetwork, plain.Type)
}

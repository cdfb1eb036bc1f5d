// Package rpcclient implements the outbound half of the agent RPC layer:
// a JSON-RPC 2.0 client composing the connection pool, per-target circuit
// breakers, and retry with backoff.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"agentrpc/pkg/circuit"
	"agentrpc/pkg/logx"
	"agentrpc/pkg/pool"
	"agentrpc/pkg/proto"
	"agentrpc/pkg/retry"
	"agentrpc/pkg/rpcerrors"
)

// MethodAgentCard is the descriptor method every peer exposes.
const MethodAgentCard = "get_agent_card"

// Recorder observes call outcomes for metrics. May be nil.
type Recorder interface {
	ObserveCall(method, authority, status string, duration time.Duration)
	IncRetry(method string)
}

// Config bundles the client's resilience settings.
type Config struct {
	Retry    retry.Config
	Breaker  circuit.Config
	Pool     pool.Config
	Timeouts pool.TimeoutProfile
}

// DefaultClientConfig mirrors the documented defaults: 3 attempts with 1s
// base and 30s cap plus jitter; breakers open after 5 failures for 30s with
// 3 half-open probes.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultClientConfig = Config{
	Retry:    retry.DefaultConfig,
	Breaker:  circuit.DefaultConfig,
	Pool:     pool.DefaultPoolConfig,
	Timeouts: pool.DefaultTimeouts,
}

// Client performs JSON-RPC calls against peer agents. The pool and breaker
// registry are shared across calls for the client's lifetime.
type Client struct {
	config   Config
	pool     *pool.Pool
	breakers *circuit.Registry
	retry    *retry.Policy
	logger   *logx.Logger
	sink     logx.EventSink
	recorder Recorder
}

// New creates a client with the given config. Zero-valued config sections
// fall back to defaults. The sink may be nil.
func New(config Config, logger *logx.Logger, sink logx.EventSink) *Client {
	if logger == nil {
		logger = logx.NewLogger("rpcclient")
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultClientConfig.Retry
	}
	if config.Breaker.FailureThreshold <= 0 {
		config.Breaker = DefaultClientConfig.Breaker
	}
	if config.Timeouts.Total <= 0 {
		config.Timeouts = DefaultClientConfig.Timeouts
	}
	return &Client{
		config:   config,
		pool:     pool.New(config.Pool, sink),
		breakers: circuit.NewRegistry(sink),
		retry:    retry.NewPolicy(config.Retry, nil),
		logger:   logger,
		sink:     sink,
	}
}

// SetRecorder installs a metrics recorder. Call before first use.
func (c *Client) SetRecorder(recorder Recorder) {
	c.recorder = recorder
}

// Breakers exposes the breaker registry for inspection and manual reset.
func (c *Client) Breakers() *circuit.Registry {
	return c.breakers
}

// Pool exposes the connection pool so an external scheduler can run the
// idle sweep.
func (c *Client) Pool() *pool.Pool {
	return c.pool
}

// Close releases all pooled sessions.
func (c *Client) Close() {
	c.pool.CloseAll()
}

// Call invokes method on the peer at endpoint. The request id is generated
// when empty. The returned error, if any, is one of the five classified
// kinds: protocol, timeout, network, circuit-open, or validation.
func (c *Client) Call(ctx context.Context, endpoint, method string, params map[string]any, requestID string) (json.RawMessage, error) {
	if method == "" {
		return nil, rpcerrors.New(rpcerrors.ErrorTypeValidation, "method is required")
	}
	authority, err := pool.Authority(endpoint)
	if err != nil {
		return nil, rpcerrors.NewWithCause(rpcerrors.ErrorTypeValidation, err, "invalid endpoint")
	}

	req := proto.NewRequest(method, params, requestID)
	breaker := c.breakers.GetOrCreate(circuit.Key(authority, method), c.config.Breaker)

	c.event("rpc_call_start", map[string]any{
		"endpoint": endpoint,
		"method":   method,
		"id":       req.ID,
	})
	start := time.Now()

	var result json.RawMessage
	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		if attempts > 1 && c.recorder != nil {
			c.recorder.IncRetry(method)
		}
		raw, callErr := c.rawCall(ctx, endpoint, req)
		if callErr != nil {
			return callErr
		}
		result = raw
		return nil
	}

	err = c.retry.ExecuteWithBreaker(ctx, breaker, op)
	duration := time.Since(start)

	if err != nil {
		kind := rpcerrors.TypeOf(err)
		c.event("rpc_call_failure", map[string]any{
			"endpoint": endpoint,
			"method":   method,
			"id":       req.ID,
			"kind":     kind.String(),
			"attempts": attempts,
		})
		if c.recorder != nil {
			c.recorder.ObserveCall(method, authority, kind.String(), duration)
		}
		c.logger.Debug("call %s %s failed after %d attempts: %v", endpoint, method, attempts, err)
		return nil, err
	}

	c.event("rpc_call_success", map[string]any{
		"endpoint": endpoint,
		"method":   method,
		"id":       req.ID,
		"attempts": attempts,
	})
	if c.recorder != nil {
		c.recorder.ObserveCall(method, authority, "success", duration)
	}
	return result, nil
}

// GetAgentCard fetches and decodes the peer's agent descriptor.
func (c *Client) GetAgentCard(ctx context.Context, endpoint string) (*proto.AgentCard, error) {
	raw, err := c.Call(ctx, endpoint, MethodAgentCard, nil, "")
	if err != nil {
		return nil, err
	}
	var card proto.AgentCard
	if err := json.Unmarshal(raw, &card); err != nil {
		return nil, rpcerrors.NewWithCause(rpcerrors.ErrorTypeProtocol, err, "malformed agent card")
	}
	return &card, nil
}

// rawCall performs one network attempt: pooled session, POST, parse,
// classify. It never retries and never consults the breaker.
func (c *Client) rawCall(ctx context.Context, endpoint string, req *proto.Request) (json.RawMessage, error) {
	session, err := c.pool.GetSession(endpoint, c.config.Timeouts)
	if err != nil {
		return nil, rpcerrors.NewWithCause(rpcerrors.ErrorTypeValidation, err, "session setup failed")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpcerrors.NewWithCause(rpcerrors.ErrorTypeValidation, err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, rpcerrors.NewWithCause(rpcerrors.ErrorTypeValidation, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := session.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err, endpoint, req.Method)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransportError(err, endpoint, req.Method)
	}

	var resp proto.Response
	if jsonErr := json.Unmarshal(respBody, &resp); jsonErr != nil {
		// Non-success status with an unparseable body is a plain HTTP
		// failure from a proxy or middlebox.
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return nil, &rpcerrors.Error{
				Type:     rpcerrors.ErrorTypeProtocol,
				Code:     httpResp.StatusCode,
				Message:  fmt.Sprintf("HTTP %d from %s", httpResp.StatusCode, endpoint),
				Method:   req.Method,
				Endpoint: endpoint,
			}
		}
		return nil, rpcerrors.NewWithCause(rpcerrors.ErrorTypeProtocol, jsonErr, "malformed response body")
	}

	if resp.Err != nil {
		return nil, &rpcerrors.Error{
			Type:     rpcerrors.ErrorTypeProtocol,
			Code:     resp.Err.Code,
			Message:  resp.Err.Message,
			Err:      resp.Err,
			Method:   req.Method,
			Endpoint: endpoint,
		}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &rpcerrors.Error{
			Type:     rpcerrors.ErrorTypeProtocol,
			Code:     httpResp.StatusCode,
			Message:  fmt.Sprintf("HTTP %d from %s", httpResp.StatusCode, endpoint),
			Method:   req.Method,
			Endpoint: endpoint,
		}
	}

	return resp.Result, nil
}

// classifyTransportError maps connection-level failures to the timeout or
// network kinds so callers can choose different recovery strategies.
func classifyTransportError(err error, endpoint, method string) *rpcerrors.Error {
	kind := rpcerrors.ErrorTypeNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = rpcerrors.ErrorTypeTimeout
	}
	return &rpcerrors.Error{
		Type:     kind,
		Err:      err,
		Message:  err.Error(),
		Method:   method,
		Endpoint: endpoint,
	}
}

func (c *Client) event(name string, fields map[string]any) {
	if c.sink != nil {
		c.sink.Event(name, fields)
	}
}

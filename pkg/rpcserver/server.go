// Package rpcserver implements the inbound half of the agent RPC layer: a
// JSON-RPC 2.0 dispatcher with a strict validation pipeline and an agent
// descriptor endpoint.
package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"agentrpc/pkg/logx"
	"agentrpc/pkg/proto"
)

// maxBodyBytes bounds the request body a peer may send.
const maxBodyBytes = 4 << 20

// Handler processes validated params and returns a plain value that is
// wrapped into the success envelope.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Validator checks a domain payload before it reaches the handler. A
// failure maps to the invalid-params error code. Implementations may return
// a normalized copy of the params.
type Validator interface {
	Validate(method string, params map[string]any) (map[string]any, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(method string, params map[string]any) (map[string]any, error)

func (f ValidatorFunc) Validate(method string, params map[string]any) (map[string]any, error) {
	return f(method, params)
}

// Recorder observes dispatched requests for metrics. May be nil.
type Recorder interface {
	ObserveRequest(method string, code int, duration time.Duration)
}

// Server validates and dispatches incoming JSON-RPC requests to registered
// handlers and serves the agent card descriptor.
type Server struct {
	card      proto.AgentCard
	logger    *logx.Logger
	sink      logx.EventSink
	validator Validator
	recorder  Recorder

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a server for the given agent card. The get_agent_card method
// is pre-registered. The sink may be nil.
func New(card proto.AgentCard, logger *logx.Logger, sink logx.EventSink) *Server {
	if logger == nil {
		logger = logx.NewLogger("rpcserver")
	}
	s := &Server{
		card:     card,
		logger:   logger,
		sink:     sink,
		handlers: make(map[string]Handler),
	}
	s.RegisterHandler("get_agent_card", func(context.Context, map[string]any) (any, error) {
		return s.card, nil
	})
	return s
}

// SetValidator installs the domain payload validator. Call before serving.
func (s *Server) SetValidator(v Validator) {
	s.validator = v
}

// SetRecorder installs a metrics recorder. Call before serving.
func (s *Server) SetRecorder(r Recorder) {
	s.recorder = r
}

// RegisterHandler binds a method name to a handler, replacing any previous
// binding.
func (s *Server) RegisterHandler(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
}

// RegisterRoutes sets up the POST dispatch and GET descriptor routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/rpc", s.HandleRPC)
	mux.HandleFunc("/agent-card", s.HandleAgentCard)
}

// HandleAgentCard serves the agent descriptor as plain JSON on GET.
func (s *Server) HandleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.card); err != nil {
		s.logger.Error("encode agent card: %v", err)
	}
}

// HandleRPC runs the validation pipeline, short-circuiting at the first
// violation, then dispatches to the registered handler.
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest,
			proto.NewErrorResponse(nil, proto.CodeParseError, "Parse error", nil), "", start)
		return
	}

	method, resp, status := s.dispatch(r.Context(), body)
	s.writeResponse(w, status, resp, method, start)
}

// dispatch validates the raw body and invokes the handler. It returns the
// method name (when recovered), the response envelope, and the HTTP status.
func (s *Server) dispatch(ctx context.Context, body []byte) (string, *proto.Response, int) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", proto.NewErrorResponse(nil, proto.CodeParseError, "Parse error", nil), http.StatusBadRequest
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return "", proto.NewErrorResponse(nil, proto.CodeInvalidRequest, "Invalid Request: body must be an object", nil), http.StatusBadRequest
	}

	id := obj["id"]

	if version, _ := obj["jsonrpc"].(string); version != proto.Version {
		return "", proto.NewErrorResponse(id, proto.CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\"", nil), http.StatusBadRequest
	}

	method, ok := obj["method"].(string)
	if !ok || method == "" || len(method) > proto.MaxMethodLen {
		return "", proto.NewErrorResponse(id, proto.CodeInvalidRequest, "Invalid Request: method must be a non-empty string", nil), http.StatusBadRequest
	}

	var params map[string]any
	if rawParams, present := obj["params"]; present && rawParams != nil {
		params, ok = rawParams.(map[string]any)
		if !ok {
			return method, proto.NewErrorResponse(id, proto.CodeInvalidRequest, "Invalid Request: params must be an object", nil), http.StatusBadRequest
		}
	}

	s.mu.RLock()
	handler, registered := s.handlers[method]
	s.mu.RUnlock()
	if !registered {
		return method, proto.NewErrorResponse(id, proto.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil), http.StatusNotFound
	}

	if s.validator != nil {
		validated, err := s.validator.Validate(method, params)
		if err != nil {
			return method, proto.NewErrorResponse(id, proto.CodeInvalidParams, fmt.Sprintf("Invalid params: %v", err), nil), http.StatusBadRequest
		}
		params = validated
	}

	result, err := s.invoke(ctx, method, handler, params)
	if err != nil {
		// Internal detail stays in the local log; the wire gets a
		// sanitized envelope.
		s.logger.Error("handler %s failed: %v", method, err)
		return method, proto.NewErrorResponse(id, proto.CodeInternalError, "Internal error", nil), http.StatusInternalServerError
	}

	resp, err := proto.NewSuccessResponse(id, result)
	if err != nil {
		s.logger.Error("handler %s returned unserializable result: %v", method, err)
		return method, proto.NewErrorResponse(id, proto.CodeInternalError, "Internal error", nil), http.StatusInternalServerError
	}
	return method, resp, http.StatusOK
}

// invoke runs the handler, converting a panic into an error so a broken
// handler cannot take the server down or leak a stack trace on the wire.
func (s *Server) invoke(ctx context.Context, method string, handler Handler, params map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler %s panicked: %v", method, rec)
		}
	}()
	return handler(ctx, params)
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, resp *proto.Response, method string, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode response: %v", err)
	}

	code := 0
	outcome := "success"
	if resp.Err != nil {
		code = resp.Err.Code
		outcome = "error"
	}
	if s.sink != nil {
		s.sink.Event("rpc_request", map[string]any{
			"method":  method,
			"outcome": outcome,
			"code":    code,
		})
	}
	if s.recorder != nil {
		s.recorder.ObserveRequest(method, code, time.Since(start))
	}
}

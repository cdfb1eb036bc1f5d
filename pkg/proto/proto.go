// Package proto defines the JSON-RPC 2.0 wire envelope and the agent domain
// types (AgentCard, Task, Artifact, Message) exchanged between peers.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// MaxMethodLen bounds the method name length accepted by the server.
const MaxMethodLen = 128

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server-defined errors occupy [-32099, -32000] and are treated as
	// transient by the client's retry classifier.
	CodeServerErrorMin = -32099
	CodeServerErrorMax = -32000
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      string         `json:"id"`
}

// NewRequest builds a request envelope, generating a UUID id when none is
// supplied.
func NewRequest(method string, params map[string]any, id string) *Request {
	if id == "" {
		id = uuid.NewString()
	}
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
		ID:      id,
	}
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result and
// Err is populated; use the constructors to preserve that invariant.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
	ID      any             `json:"id"`
}

// NewSuccessResponse wraps a handler result into a success envelope.
func NewSuccessResponse(id, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// NewErrorResponse builds an error envelope. The id is echoed from the
// request, or null when the request id was never recovered.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		Err:     &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
}

// Validate enforces the envelope invariants: correct version and mutual
// exclusion of result and error.
func (r *Response) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	hasResult := len(r.Result) > 0
	hasError := r.Err != nil
	if hasResult && hasError {
		return fmt.Errorf("response carries both result and error")
	}
	if !hasResult && !hasError {
		return fmt.Errorf("response carries neither result nor error")
	}
	return nil
}

// AgentCard describes an agent's identity and reachable endpoints. Peers
// fetch it via the get_agent_card method or the HTTP GET descriptor route.
type AgentCard struct {
	Name               string            `json:"name"`
	Version            string            `json:"version"`
	Description        string            `json:"description"`
	Capabilities       []string          `json:"capabilities"`
	Endpoints          map[string]string `json:"endpoints"`
	CommunicationModes []string          `json:"communication_modes"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// TaskStatus tracks the lifecycle of a delegated task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Task is a transient wire object describing work delegated to a peer.
// Persistence is an external concern.
type Task struct {
	ID            string         `json:"id"`
	Instruction   string         `json:"instruction"`
	Context       map[string]any `json:"context"`
	StateSnapshot map[string]any `json:"state_snapshot"`
	Status        TaskStatus     `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewTask creates a pending task with a generated id.
func NewTask(instruction string, taskContext map[string]any) *Task {
	if taskContext == nil {
		taskContext = map[string]any{}
	}
	return &Task{
		ID:            uuid.NewString(),
		Instruction:   instruction,
		Context:       taskContext,
		StateSnapshot: map[string]any{},
		Status:        TaskStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// Validate checks the task fields a server must reject early.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Instruction == "" {
		return fmt.Errorf("task instruction is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	return nil
}

// Artifact is an immutable output produced while executing a task.
type Artifact struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Content     any            `json:"content"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewArtifact creates an artifact bound to a task.
func NewArtifact(taskID string, content any, contentType string) *Artifact {
	return &Artifact{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
}

// Message is a point-to-point note exchanged between agents about a task.
type Message struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Content     string         `json:"content"`
	Sender      string         `json:"sender"`
	Recipient   string         `json:"recipient"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewMessage creates a message with a generated id.
func NewMessage(taskID, sender, recipient, messageType, content string) *Message {
	return &Message{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Content:     content,
		Sender:      sender,
		Recipient:   recipient,
		MessageType: messageType,
		CreatedAt:   time.Now().UTC(),
	}
}

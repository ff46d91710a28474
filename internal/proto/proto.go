// Package proto defines the message protocol spoken between the pool
// coordinator and its worker agent processes. Messages are JSON objects,
// one per line, written to the agent's stdin (pool to worker) and read from
// its stdout (worker to pool).
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type tags a message on the wire.
type Type string

const (
	TypeTask      Type = "task"      // pool -> worker
	TypeResult    Type = "result"    // worker -> pool, terminal per task
	TypeHeartbeat Type = "heartbeat" // bidirectional liveness
	TypeLog       Type = "log"       // worker -> pool
	TypeError     Type = "error"     // worker -> pool, protocol fault
	TypeControl   Type = "control"   // pool -> worker, abort/shutdown
)

// Control commands carried in a ControlPayload.
const (
	ControlAbort    = "abort"
	ControlShutdown = "shutdown"
)

// Error classes carried in a ResultPayload. Retryable errors consume retry
// budget; fatal errors terminate the task immediately.
const (
	ErrClassRetryable = "retryable"
	ErrClassFatal     = "fatal"
)

// Message is the wire envelope. CorrelationID ties a result (or heartbeat
// answer) back to the message that prompted it.
type Message struct {
	Type          Type            `json:"type"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// TaskPayload carries one task assignment.
type TaskPayload struct {
	TaskID         string            `json:"task_id"`
	Kind           string            `json:"kind"`
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int64             `json:"timeout_seconds,omitempty"`
}

// ResultPayload is the single terminal answer to a task message.
type ResultPayload struct {
	TaskID     string `json:"task_id"`
	ExitCode   int32  `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	ErrorClass string `json:"error_class,omitempty"` // retryable | fatal
	DurationMS int64  `json:"duration_ms"`
}

// Success reports whether the result represents a clean completion.
func (r ResultPayload) Success() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// HeartbeatPayload signals liveness. Status mirrors the agent side of the
// worker state machine: idle or busy.
type HeartbeatPayload struct {
	Status      string `json:"status"`
	ActiveTask  string `json:"active_task,omitempty"`
	ActiveTasks int32  `json:"active_tasks"`
}

// LogPayload carries one captured output line from a running task.
type LogPayload struct {
	TaskID string `json:"task_id"`
	Stream string `json:"stream"` // stdout | stderr
	Line   string `json:"line"`
}

// ErrorPayload reports a worker-side protocol fault that is not tied to a
// task result.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlPayload carries an abort or shutdown command.
type ControlPayload struct {
	Command string `json:"command"`
	TaskID  string `json:"task_id,omitempty"`
}

// New builds a message envelope around the given payload.
func New(typ Type, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Message{
		Type:      typ,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NewReply builds a message correlated to a prior message.
func NewReply(typ Type, correlationID string, payload interface{}) (Message, error) {
	msg, err := New(typ, payload)
	if err != nil {
		return Message{}, err
	}
	msg.CorrelationID = correlationID
	return msg, nil
}

// Decode unmarshals the payload into out.
func (m Message) Decode(out interface{}) error {
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

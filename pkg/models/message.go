package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the envelope version stamped on every message.
const ProtocolVersion = "2.0"

// JSON-RPC style error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeTimeout        = -32000
	CodeUnauthorized   = -32001
	CodeUnavailable    = -32002
)

// RPCError is the error member of a response envelope.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPC error with the given code.
func NewRPCError(code int, format string, args ...interface{}) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Message is the versioned envelope exchanged between agents.
//
// A request carries ID and Method; a notification carries Method only; a response
// carries ID and exactly one of Result or Error.
type Message struct {
	JSONRPC          string                 `json:"jsonrpc"`
	ID               string                 `json:"id,omitempty"`
	Method           string                 `json:"method,omitempty"`
	Params           map[string]interface{} `json:"params,omitempty"`
	Result           json.RawMessage        `json:"result,omitempty"`
	Error            *RPCError              `json:"error,omitempty"`
	Priority         Priority               `json:"priority"`
	AuthLevel        AuthLevel              `json:"auth_level"`
	SessionID        string                 `json:"session_id,omitempty"`
	SensitiveContext map[string]string      `json:"sensitive_data_context,omitempty"`
	Encrypted        []byte                 `json:"encrypted_payload,omitempty"`
	Source           string                 `json:"source,omitempty"`
	Target           string                 `json:"target,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
	AuditTrail       []AuditEntry           `json:"audit_trail,omitempty"`
}

// NewRequest creates a request envelope with a fresh id.
func NewRequest(method string, params map[string]interface{}, priority Priority, auth AuthLevel) *Message {
	return &Message{
		JSONRPC:   ProtocolVersion,
		ID:        uuid.New().String(),
		Method:    method,
		Params:    params,
		Priority:  priority,
		AuthLevel: auth,
		Timestamp: time.Now(),
	}
}

// NewNotification creates a fire-and-forget envelope without an id.
func NewNotification(method string, params map[string]interface{}, priority Priority, auth AuthLevel) *Message {
	msg := NewRequest(method, params, priority, auth)
	msg.ID = ""
	return msg
}

// NewResponse creates a success response for the request with the given id.
func NewResponse(req *Message, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	resp := responseFor(req)
	resp.Result = raw
	return resp, nil
}

// NewErrorResponse creates an error response for the request with the given id.
func NewErrorResponse(req *Message, rpcErr *RPCError) *Message {
	resp := responseFor(req)
	resp.Error = rpcErr
	return resp
}

func responseFor(req *Message) *Message {
	resp := &Message{
		JSONRPC:   ProtocolVersion,
		Timestamp: time.Now(),
	}
	if req != nil {
		resp.ID = req.ID
		resp.Priority = req.Priority
		resp.AuthLevel = req.AuthLevel
		resp.SessionID = req.SessionID
		resp.Source = req.Target
		resp.Target = req.Source
	}
	return resp
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != ""
}

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == ""
}

// IsResponse reports whether the message answers a request.
func (m *Message) IsResponse() bool {
	return m.Method == ""
}

// Validate checks the envelope shape.
func (m *Message) Validate() error {
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil

	if m.Method != "" {
		if hasResult || hasError {
			return &ValidationError{Field: "method", Message: "request must not carry result or error"}
		}
		return nil
	}

	if m.ID == "" {
		return &ValidationError{Field: "id", Message: "response requires an id"}
	}
	if hasResult == hasError {
		return &ValidationError{Field: "result", Message: "response requires exactly one of result or error"}
	}
	return nil
}

// DecodeResult unmarshals the response result into v.
func (m *Message) DecodeResult(v interface{}) error {
	if len(m.Result) == 0 {
		return fmt.Errorf("message %s has no result", m.ID)
	}
	return json.Unmarshal(m.Result, v)
}

// AppendAudit adds one entry to the audit trail.
func (m *Message) AppendAudit(event, agentID string, details map[string]string) {
	m.AuditTrail = append(m.AuditTrail, AuditEntry{
		Timestamp: time.Now(),
		Event:     event,
		AgentID:   agentID,
		Details:   details,
	})
}

// Clone returns a copy that can be mutated without affecting the original.
// Params and the audit trail are copied shallowly.
func (m *Message) Clone() *Message {
	c := *m
	if m.Params != nil {
		c.Params = make(map[string]interface{}, len(m.Params))
		for k, v := range m.Params {
			c.Params[k] = v
		}
	}
	if m.AuditTrail != nil {
		c.AuditTrail = append([]AuditEntry(nil), m.AuditTrail...)
	}
	return &c
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON deserializes a message from JSON bytes
func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ValidationError represents a message validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

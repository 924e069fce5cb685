// Package jsonrpc holds the newline-delimited JSON-RPC 2.0 wire types shared
// by backends, the broker, and the daemon.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the only protocol version this package speaks.
const Version = mcp.JSONRPC_VERSION

// Error codes used across the broker.
const (
	CodeParseError     = mcp.PARSE_ERROR
	CodeInvalidRequest = mcp.INVALID_REQUEST
	CodeMethodNotFound = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  = mcp.INVALID_PARAMS
	CodeInternalError  = mcp.INTERNAL_ERROR
)

// Kind classifies a decoded message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is one JSON-RPC object. Params, Result and ID are kept opaque.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object. It doubles as a Go error so backend
// failures keep their code while travelling up the stack.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// HasID reports whether the message carries an id member (null included).
func (m *Message) HasID() bool {
	return len(m.ID) > 0
}

// Kind classifies m as request, notification or response.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID():
		return KindResponse
	default:
		return KindInvalid
	}
}

// ExpectsResponse reports whether the broker answers m. Only id-less
// messages in the notifications/ namespace go unanswered; other id-less
// requests are assigned an id.
func (m *Message) ExpectsResponse() bool {
	return m.HasID() || !strings.HasPrefix(m.Method, "notifications/")
}

// IDKey returns a canonical string for m's id, suitable as a map key.
func (m *Message) IDKey() string {
	return IDKey(m.ID)
}

// IDKey canonicalizes a raw id by compacting its JSON text.
func IDKey(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

// IntID encodes n as a raw JSON id.
func IntID(n int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(n, 10))
}

// NullID is the id used for responses to unparseable requests.
var NullID = json.RawMessage("null")

// NewRequest builds a request. A nil id produces a notification.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := marshalRaw(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	raw, err := marshalRaw(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return &Message{JSONRPC: Version, ID: responseID(id), Result: raw}, nil
}

// NewError builds an error response for id.
func NewError(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      responseID(id),
		Error:   &Error{Code: code, Message: message},
	}
}

// WithID returns a shallow copy of m carrying id.
func (m *Message) WithID(id json.RawMessage) *Message {
	out := *m
	out.ID = id
	return &out
}

// Encode renders m as a single newline-terminated line.
func Encode(m *Message) ([]byte, error) {
	if m.JSONRPC == "" {
		m.JSONRPC = Version
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses one JSON-RPC object. Unlike the Framer it reports errors.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToolCall is the params shape of a tools/call request.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall decodes m's params as a tools/call payload. ok is false when m
// is not a tools/call request or its params cannot be decoded.
func (m *Message) ToolCall() (ToolCall, bool) {
	var call ToolCall
	if m.Method != "tools/call" || len(m.Params) == 0 {
		return call, false
	}
	if err := json.Unmarshal(m.Params, &call); err != nil {
		return call, false
	}
	return call, true
}

func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return NullID
	}
	return id
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

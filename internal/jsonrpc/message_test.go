package jsonrpc

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		line string
		want Kind
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{`{"jsonrpc":"2.0","id":"a","result":{}}`, KindResponse},
		{`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"x"}}`, KindResponse},
		{`{"jsonrpc":"2.0"}`, KindInvalid},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.line))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.line, err)
		}
		if got := msg.Kind(); got != tt.want {
			t.Fatalf("Kind(%s) = %s, want %s", tt.line, got, tt.want)
		}
	}
}

func TestIDKeyCanonicalizesWhitespace(t *testing.T) {
	if got := IDKey(json.RawMessage(` "abc" `)); got != `"abc"` {
		t.Fatalf("IDKey = %q", got)
	}
	if IDKey(IntID(7)) != "7" {
		t.Fatalf("IDKey(IntID(7)) = %q", IDKey(IntID(7)))
	}
	if IDKey(nil) != "" {
		t.Fatal("IDKey(nil) should be empty")
	}
}

func TestEncodeIsSingleLine(t *testing.T) {
	msg, err := NewRequest(IntID(3), "tools/call", map[string]any{"name": "x", "arguments": map[string]any{"q": "a\nb"}})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Count(string(data), "\n") != 1 || data[len(data)-1] != '\n' {
		t.Fatalf("encoded = %q, want one trailing newline", data)
	}

	var f Framer
	msgs := f.Append(data)
	if len(msgs) != 1 || msgs[0].Method != "tools/call" {
		t.Fatalf("framed = %+v", msgs)
	}
}

func TestNewErrorDefaultsToNullID(t *testing.T) {
	msg := NewError(nil, CodeParseError, "Parse error: boom")
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error: boom"}}` + "\n"
	if string(data) != want {
		t.Fatalf("encoded = %s, want %s", data, want)
	}
}

func TestErrorIsGoError(t *testing.T) {
	var err error = &Error{Code: CodeInvalidParams, Message: "bad"}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32602 {
		t.Fatalf("errors.As failed for %v", err)
	}
}

func TestWithIDCopies(t *testing.T) {
	orig, _ := NewRequest(IntID(1), "ping", nil)
	moved := orig.WithID(IntID(99))
	if orig.IDKey() != "1" || moved.IDKey() != "99" {
		t.Fatalf("ids = %s/%s", orig.IDKey(), moved.IDKey())
	}
	if moved.Method != "ping" {
		t.Fatalf("method = %q", moved.Method)
	}
}

func TestToolCallDecoding(t *testing.T) {
	msg, _ := NewRequest(IntID(1), "tools/call", map[string]any{"name": "mcp_discover", "arguments": map[string]any{"jsonpath": "$.tools[*]"}})
	call, ok := msg.ToolCall()
	if !ok || call.Name != "mcp_discover" {
		t.Fatalf("ToolCall = %+v, %v", call, ok)
	}

	other, _ := NewRequest(IntID(2), "tools/list", nil)
	if _, ok := other.ToolCall(); ok {
		t.Fatal("tools/list decoded as a tool call")
	}
}

func TestExpectsResponse(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, true},
		{`{"jsonrpc":"2.0","method":"tools/list"}`, true},
		{`{"jsonrpc":"2.0","method":"notifications/initialized"}`, false},
		{`{"jsonrpc":"2.0","id":2,"method":"notifications/cancelled"}`, true},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.line))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.line, err)
		}
		if got := msg.ExpectsResponse(); got != tt.want {
			t.Fatalf("ExpectsResponse(%s) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

package sparse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
)

// DefaultQuery is used when discover is called without a jsonpath.
const DefaultQuery = "$.tools[*]"

// NoMatches is the discover answer for an empty result.
const NoMatches = "No matches found"

// Reenter dispatches a request as if the caller had sent it directly.
type Reenter func(ctx context.Context, req *jsonrpc.Message) *jsonrpc.Message

type discoverArgs struct {
	JSONPath string `json:"jsonpath"`
}

type callArgs struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// HandleToolCall resolves a discover or call invocation. ok is false for
// anything else, onboarding included.
func (f *Filter) HandleToolCall(ctx context.Context, req *jsonrpc.Message, reenter Reenter) (resp *jsonrpc.Message, ok bool) {
	call, isCall := req.ToolCall()
	if !isCall {
		return nil, false
	}

	switch call.Name {
	case ToolDiscover:
		return f.discover(req.ID, call.Arguments), true
	case ToolCall:
		return f.call(ctx, req.ID, call.Arguments, reenter), true
	default:
		return nil, false
	}
}

func (f *Filter) discover(id json.RawMessage, rawArgs json.RawMessage) *jsonrpc.Message {
	var args discoverArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "Invalid discover arguments: "+err.Error())
		}
	}
	if args.JSONPath == "" {
		args.JSONPath = DefaultQuery
	}

	result, err := f.reg.Discover(args.JSONPath)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "Discovery error: "+err.Error())
	}

	text := NoMatches
	if result != nil {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "Discovery error: "+err.Error())
		}
		text = string(data)
	}
	return textResult(id, text)
}

func (f *Filter) call(ctx context.Context, id json.RawMessage, rawArgs json.RawMessage, reenter Reenter) *jsonrpc.Message {
	var args callArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "Invalid call arguments: "+err.Error())
		}
	}
	if args.Method == "" {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "Missing 'method' parameter")
	}
	if len(args.Params) == 0 || string(args.Params) == "null" {
		args.Params = json.RawMessage("{}")
	}

	inner, err := jsonrpc.NewRequest(id, args.Method, args.Params)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, err.Error())
	}
	if reenter == nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "call is not available")
	}
	return reenter(ctx, inner)
}

func textResult(id json.RawMessage, text string) *jsonrpc.Message {
	res := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
	msg, err := jsonrpc.NewResult(id, res)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, fmt.Sprintf("encoding result: %v", err))
	}
	return msg
}

package ipc

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
)

// Process exit codes shared by the CLI commands that talk to the daemon.
const (
	ExitOK       = 0
	ExitToolErr  = 1
	ExitUsageErr = 2
	ExitInternal = 3
)

// Prefixes of the errors the server produces itself.
const (
	ParseErrorPrefix    = "Parse error: "
	InternalErrorPrefix = "Internal error: "
)

// parseError answers a line that is not valid JSON-RPC. The id is always
// null because the request could not be read.
func parseError(err error) *jsonrpc.Message {
	return jsonrpc.NewError(jsonrpc.NullID, jsonrpc.CodeParseError, ParseErrorPrefix+err.Error())
}

func internalError(id json.RawMessage, v any) *jsonrpc.Message {
	return jsonrpc.NewError(id, jsonrpc.CodeInternalError, fmt.Sprintf("%s%v", InternalErrorPrefix, v))
}

func writeMessage(w io.Writer, msg *jsonrpc.Message) error {
	data, err := jsonrpc.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

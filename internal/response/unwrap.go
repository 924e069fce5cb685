// Package response renders broker answers for the command line.
package response

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"strings"

	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
)

type toolResult struct {
	Content           []json.RawMessage `json:"content"`
	StructuredContent json.RawMessage   `json:"structuredContent"`
	IsError           bool              `json:"isError"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Data     string          `json:"data"`
	MIMEType string          `json:"mimeType"`
	Resource json.RawMessage `json:"resource"`
}

// Unwrap extracts printable output from a tools/call answer and the exit
// code it maps to. Error answers render their message.
func Unwrap(resp *jsonrpc.Message) ([]byte, int) {
	if resp == nil {
		return nil, ipc.ExitInternal
	}
	if resp.Error != nil {
		return withNewline([]byte(resp.Error.Message)), ExitCode(resp.Error)
	}

	var result toolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return withNewline(bytes.TrimSpace(resp.Result)), ipc.ExitInternal
	}

	exitCode := ipc.ExitOK
	if result.IsError {
		exitCode = ipc.ExitToolErr
	}

	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		var compact bytes.Buffer
		if err := json.Compact(&compact, result.StructuredContent); err == nil {
			return withNewline(compact.Bytes()), exitCode
		}
	}

	var parts []string
	for _, raw := range result.Content {
		if rendered, ok := renderContent(raw); ok {
			parts = append(parts, rendered)
			continue
		}
		parts = append(parts, string(bytes.TrimSpace(raw)))
	}
	if len(parts) == 0 {
		return nil, exitCode
	}
	return withNewline([]byte(strings.Join(parts, "\n"))), exitCode
}

// ExitCode classifies a JSON-RPC error: caller mistakes are usage errors,
// everything else is internal.
func ExitCode(err *jsonrpc.Error) int {
	if err == nil {
		return ipc.ExitOK
	}
	switch err.Code {
	case jsonrpc.CodeInvalidParams, jsonrpc.CodeMethodNotFound, jsonrpc.CodeInvalidRequest:
		return ipc.ExitUsageErr
	}
	msg := strings.ToLower(err.Message)
	if strings.HasPrefix(msg, "tool ") && strings.Contains(msg, " not found") {
		return ipc.ExitUsageErr
	}
	return ipc.ExitInternal
}

// Indent pretty-prints a raw result for commands that return plain JSON.
func Indent(raw json.RawMessage) ([]byte, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("formatting result: %w", err)
	}
	return withNewline(out.Bytes()), nil
}

func renderContent(raw json.RawMessage) (string, bool) {
	var c contentBlock
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", false
	}
	switch c.Type {
	case "text":
		return c.Text, true
	case "image", "audio":
		return spillBase64(c.Type, c.MIMEType, c.Data)
	case "resource":
		var res struct {
			Text     string `json:"text"`
			Blob     string `json:"blob"`
			MIMEType string `json:"mimeType"`
		}
		if len(c.Resource) == 0 || json.Unmarshal(c.Resource, &res) != nil {
			return "", false
		}
		if res.Text != "" {
			return spill("resource", res.MIMEType, []byte(res.Text))
		}
		if res.Blob != "" {
			return spillBase64("resource", res.MIMEType, res.Blob)
		}
	}
	return "", false
}

func spillBase64(kind, mimeType, encoded string) (string, bool) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return spill(kind, mimeType, data)
}

// spill stores binary or bulky content in a temp file and returns its path.
func spill(kind, mimeType string, data []byte) (string, bool) {
	f, err := os.CreateTemp("", "mcpbrowser-"+kind+"-*"+fileExtension(mimeType))
	if err != nil {
		return "", false
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(f.Name())
		return "", false
	}
	return f.Name(), true
}

func fileExtension(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	base = strings.TrimSpace(base)
	switch exts, _ := mime.ExtensionsByType(base); {
	case base == "":
	case base == "text/plain":
		return ".txt"
	case len(exts) > 0:
		return exts[0]
	case strings.HasPrefix(base, "text/"):
		return ".txt"
	case strings.Contains(base, "json"):
		return ".json"
	}
	return ".bin"
}

func withNewline(out []byte) []byte {
	if len(out) > 0 && out[len(out)-1] != '\n' {
		return append(out, '\n')
	}
	return out
}

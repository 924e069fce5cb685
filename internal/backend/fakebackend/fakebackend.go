// Package fakebackend is a scriptable MCP server for tests. Test binaries
// re-exec themselves as a backend: TestMain calls Main when Active reports
// true, and tests launch os.Args[0] with the environment from Env.
package fakebackend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const (
	envActive = "MCPBROWSER_FAKE_BACKEND"
	envName   = "MCPBROWSER_FAKE_NAME"
	envTools  = "MCPBROWSER_FAKE_TOOLS"
	envMode   = "MCPBROWSER_FAKE_MODE"
)

// Modes alter startup behaviour.
const (
	ModeNormal     = ""
	ModeSilentInit = "silent-init" // never answers initialize
	ModeExit       = "exit"        // exits before reading anything
	ModeIgnoreTerm = "ignore-term" // survives SIGTERM and stdin EOF
	ModeDeaf       = "deaf"        // stops reading stdin after initialize
)

// Active reports whether this process was launched as a fake backend.
func Active() bool {
	return os.Getenv(envActive) == "1"
}

// Env returns the environment that selects the fake backend.
func Env(name, mode string, tools ...string) map[string]string {
	return map[string]string{
		envActive: "1",
		envName:   name,
		envTools:  strings.Join(tools, ","),
		envMode:   mode,
	}
}

// Command returns the executable that runs the fake backend: the test binary.
func Command() string {
	return os.Args[0]
}

// Main serves stdin/stdout until EOF and returns the exit code.
//
// The debug/echo method answers with its params. One resource
// (mem://<server>/notes) and one prompt (greet) are served, and
// completion/complete suggests the argument value with "-one" and "-two"
// appended. Tools behave by name:
//   - sleep: never answers
//   - slow: answers after 200ms
//   - crash: exits with status 2
//   - fail: answers with a JSON-RPC error
//   - anything else listed: answers "<server>:<tool> <arguments>"
func Main() int {
	name := os.Getenv(envName)
	mode := os.Getenv(envMode)
	var tools []string
	if v := os.Getenv(envTools); v != "" {
		tools = strings.Split(v, ",")
	}

	if mode == ModeExit {
		fmt.Fprintln(os.Stderr, "fake backend exiting")
		return 3
	}
	if mode == ModeIgnoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}

	fmt.Fprintln(os.Stderr, "fake backend ready")
	fmt.Fprintln(os.Stdout, "fake backend banner, not json")

	out := bufio.NewWriter(os.Stdout)
	reply := func(v any) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if len(req.ID) == 0 {
			continue
		}

		switch req.Method {
		case "initialize":
			if mode == ModeSilentInit {
				continue
			}
			reply(result(req.ID, map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{"tools": map[string]any{}, "logging": map[string]any{}},
				"serverInfo":      map[string]any{"name": name, "version": "1.0.0"},
			}))
			if mode == ModeDeaf {
				time.Sleep(time.Hour)
				return 0
			}
		case "tools/list":
			list := make([]map[string]any, 0, len(tools))
			for _, t := range tools {
				list = append(list, map[string]any{
					"name":        t,
					"description": "tool " + t + " on " + name,
					"inputSchema": map[string]any{"type": "object"},
				})
			}
			reply(result(req.ID, map[string]any{"tools": list}))
		case "tools/call":
			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			json.Unmarshal(req.Params, &params)
			switch {
			case params.Name == "sleep":
				continue
			case params.Name == "crash":
				return 2
			case params.Name == "fail":
				reply(errorResponse(req.ID, -32000, "tool failed"))
				continue
			case params.Name == "slow":
				time.Sleep(200 * time.Millisecond)
			case !contains(tools, params.Name):
				reply(errorResponse(req.ID, -32602, "Unknown tool: "+params.Name))
				continue
			}
			args := string(params.Arguments)
			if args == "" {
				args = "{}"
			}
			reply(result(req.ID, map[string]any{
				"content": []map[string]any{{"type": "text", "text": name + ":" + params.Name + " " + args}},
			}))
		case "ping":
			reply(result(req.ID, map[string]any{}))
		case "debug/echo":
			reply(result(req.ID, req.Params))
		case "resources/list":
			reply(result(req.ID, map[string]any{
				"resources": []map[string]any{{"uri": "mem://" + name + "/notes", "name": "notes"}},
			}))
		case "resources/read":
			var params struct {
				URI string `json:"uri"`
			}
			json.Unmarshal(req.Params, &params)
			if params.URI != "mem://"+name+"/notes" {
				reply(errorResponse(req.ID, -32602, "Resource not found: "+params.URI))
				continue
			}
			reply(result(req.ID, map[string]any{
				"contents": []map[string]any{{"uri": params.URI, "mimeType": "text/plain", "text": "notes from " + name}},
			}))
		case "prompts/list":
			reply(result(req.ID, map[string]any{
				"prompts": []map[string]any{{"name": "greet", "description": "Greet someone"}},
			}))
		case "prompts/get":
			var params struct {
				Name      string            `json:"name"`
				Arguments map[string]string `json:"arguments"`
			}
			json.Unmarshal(req.Params, &params)
			if params.Name != "greet" {
				reply(errorResponse(req.ID, -32602, "Prompt not found: "+params.Name))
				continue
			}
			reply(result(req.ID, map[string]any{
				"description": "Greet someone",
				"messages": []map[string]any{{
					"role":    "user",
					"content": map[string]any{"type": "text", "text": "hello " + params.Arguments["who"]},
				}},
			}))
		case "completion/complete":
			var params struct {
				Argument struct {
					Value string `json:"value"`
				} `json:"argument"`
			}
			json.Unmarshal(req.Params, &params)
			v := params.Argument.Value
			reply(result(req.ID, map[string]any{
				"completion": map[string]any{"values": []string{v + "-one", v + "-two"}},
			}))
		default:
			reply(errorResponse(req.ID, -32601, "Method not found: "+req.Method))
		}
	}

	if mode == ModeIgnoreTerm {
		time.Sleep(time.Hour)
	}
	return 0
}

func result(id json.RawMessage, v any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": v}
}

func errorResponse(id json.RawMessage, code int, msg string) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": msg}}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

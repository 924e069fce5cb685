package cli

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lydakis/mcpbrowser/internal/backend/fakebackend"
	"github.com/lydakis/mcpbrowser/internal/daemon"
	"github.com/lydakis/mcpbrowser/internal/ipc"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
)

func TestMain(m *testing.M) {
	if fakebackend.Active() {
		os.Exit(fakebackend.Main())
	}
	os.Exit(m.Run())
}

const baseConfig = `
default_server = "alpha"
enable_builtin_servers = false
timeout = "5s"
fallback_sources = []

[daemon]
watch_config = false
`

func fakeServerTOML(section, name string, tools ...string) string {
	env := fakebackend.Env(name, fakebackend.ModeNormal, tools...)
	pairs := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		pairs = append(pairs, fmt.Sprintf("%s = %s", k, strconv.Quote(env[k])))
	}
	return fmt.Sprintf("\n[%s.%s]\ncommand = %s\nenv = { %s }\n",
		section, name, strconv.Quote(fakebackend.Command()), strings.Join(pairs, ", "))
}

// isolate points every XDG location at a temp dir.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(home, "run"))
	t.Setenv("MCPBROWSER_LOG_LEVEL", "error")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestToolsCallPrintsResult(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo", "bar"))

	res := runCLI(t, "", "--config", cfg, "tools-call", "foo", `{"q": 1}`)
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "alpha:foo {\"q\":1}\n", res.stdout)
}

func TestToolsCallReadsArgumentsFromStdin(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo"))

	res := runCLI(t, `{"from":"stdin"}`, "--config", cfg, "tools-call", "foo", "-")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "alpha:foo {\"from\":\"stdin\"}\n", res.stdout)
}

func TestToolsCallExitCodes(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo", "fail"))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "unknown tool", args: []string{"tools-call", "ghost"}, want: ipc.ExitUsageErr},
		{name: "backend error", args: []string{"tools-call", "fail"}, want: ipc.ExitInternal},
		{name: "arguments not an object", args: []string{"tools-call", "foo", "[1]"}, want: ipc.ExitUsageErr},
		{name: "missing name", args: []string{"tools-call"}, want: ipc.ExitUsageErr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, "", append([]string{"--config", cfg}, tt.args...)...)
			require.Equal(t, tt.want, res.code, "stdout=%q stderr=%q", res.stdout, res.stderr)
			require.Empty(t, res.stdout)
			require.NotEmpty(t, res.stderr)
		})
	}
}

func TestDiscoverQueriesCatalog(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo", "bar"))

	res := runCLI(t, "", "--config", cfg, "discover", "$.tools[*].name")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.JSONEq(t, `["foo","bar"]`, strings.TrimSpace(res.stdout))

	res = runCLI(t, "", "--config", cfg, "discover", "$.tools[?(@.name =~ /^b/)].name")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.JSONEq(t, `"bar"`, strings.TrimSpace(res.stdout))
}

func TestToolsListSparseAndReal(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo", "bar"))

	res := runCLI(t, "", "--config", cfg, "tools-list", "--names")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "call\ndiscover\nonboarding\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "--no-sparse", "tools-list")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "foo\ttool foo on alpha\nbar\ttool bar on alpha\n", res.stdout)
}

func TestJSONRPCSendsRawMessage(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo"))

	res := runCLI(t, "", "--config", cfg, "jsonrpc", `{"jsonrpc":"2.0","id":"q7","method":"ping"}`)
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	resp, err := jsonrpc.Decode([]byte(res.stdout))
	require.NoError(t, err)
	require.Equal(t, `"q7"`, resp.IDKey())
	require.Nil(t, resp.Error)

	res = runCLI(t, "", "--config", cfg, "jsonrpc", `{not json`)
	require.Equal(t, ipc.ExitUsageErr, res.code)
}

func TestServeAnswersStdio(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo"))

	stdin := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"call","arguments":{"method":"tools/call","params":{"name":"foo","arguments":{"x":true}}}}}`,
		`not json`,
	}, "\n") + "\n"

	res := runCLI(t, stdin, "--config", cfg, "serve")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 3, res.stdout)

	first, err := jsonrpc.Decode([]byte(lines[0]))
	require.NoError(t, err)
	require.Equal(t, "1", first.IDKey())
	require.Contains(t, string(first.Result), `"mcpbrowser"`)

	second, err := jsonrpc.Decode([]byte(lines[1]))
	require.NoError(t, err)
	require.Equal(t, "2", second.IDKey())
	text, ok := firstText(second.Result)
	require.True(t, ok, lines[1])
	require.Equal(t, `alpha:foo {"x":true}`, text)

	third, err := jsonrpc.Decode([]byte(lines[2]))
	require.NoError(t, err)
	require.NotNil(t, third.Error)
	require.Equal(t, jsonrpc.CodeParseError, third.Error.Code)
}

func TestConfigInitAndServers(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	res := runCLI(t, "", "--config", path, "config", "init")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, path)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	res = runCLI(t, "", "--config", path, "config", "init")
	require.Equal(t, ipc.ExitUsageErr, res.code)
	require.Contains(t, res.stderr, "already exists")

	res = runCLI(t, "", "--config", path, "config", "servers")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, "* default\tDefault in-memory MCP server\n")
	require.Contains(t, res.stdout, "builtin:memory\t")

	res = runCLI(t, "", "--config", path, "--no-builtins", "config", "servers")
	require.NotContains(t, res.stdout, "builtin:")

	res = runCLI(t, "", "--config", path, "config", "show")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, `default_server = "default"`)

	res = runCLI(t, "", "--config", path, "config", "validate")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
}

func TestConfigValidateReportsErrors(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+"\n[backends.bad]\nargs = [\"x\"]\n")

	res := runCLI(t, "", "--config", cfg, "config", "validate")
	require.Equal(t, ipc.ExitUsageErr, res.code)
	require.Contains(t, res.stderr, "backends.bad: missing command")
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	isolate(t)
	res := runCLI(t, "", "frobnicate")
	require.Equal(t, ipc.ExitUsageErr, res.code)
	require.Contains(t, res.stderr, "unknown command")
}

func TestDaemonStatusAndStopWithoutDaemon(t *testing.T) {
	isolate(t)

	res := runCLI(t, "", "daemon", "status")
	require.Equal(t, ipc.ExitToolErr, res.code)
	require.Equal(t, "daemon not running\n", res.stdout)

	res = runCLI(t, "", "daemon", "stop")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "daemon not running\n", res.stdout)
}

func TestDaemonModeRelaysToSharedDaemon(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo"))

	dir, err := os.MkdirTemp("", "mb")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- daemon.Run(ctx, daemon.Settings{ConfigPath: cfg, Socket: sock, Logger: logging.Discard()})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(15 * time.Second):
			t.Error("daemon did not shut down")
		}
	})
	require.Eventually(t, func() bool {
		c, err := ipc.Dial(sock, 100*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 15*time.Second, 20*time.Millisecond)

	oldSpawn := spawnOrConnectFn
	spawnOrConnectFn = func(daemon.Settings) (string, error) { return sock, nil }
	t.Cleanup(func() { spawnOrConnectFn = oldSpawn })
	oldLocal := openLocalFn
	openLocalFn = func(context.Context, *globalOptions) (session, error) {
		t.Fatal("local broker opened in daemon mode")
		return nil, nil
	}
	t.Cleanup(func() { openLocalFn = oldLocal })

	res := runCLI(t, "", "--config", cfg, "--daemon", "tools-call", "foo", `{"via":"daemon"}`)
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "alpha:foo {\"via\":\"daemon\"}\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "--daemon", "daemon", "start")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, fmt.Sprintf("daemon running on %s (pid %d)\n", sock, os.Getpid()), res.stdout)
}

func TestResourceAndPromptCommands(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo"))

	res := runCLI(t, "", "--config", cfg, "resources-list")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "mem://alpha/notes: notes\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "resources-read", "mem://alpha/notes")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "notes from alpha\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "resources-read", "mem://alpha/missing")
	require.Equal(t, ipc.ExitUsageErr, res.code)
	require.Contains(t, res.stderr, "Resource not found: mem://alpha/missing")

	res = runCLI(t, "", "--config", cfg, "prompts-list")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "greet: Greet someone\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "prompts-get", "greet", "-a", `{"who":"sam"}`)
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Contains(t, res.stdout, `"text": "hello sam"`)

	res = runCLI(t, "", "--config", cfg, "prompts-get", "greet", "-a", `[1]`)
	require.Equal(t, ipc.ExitUsageErr, res.code)
	require.Contains(t, res.stderr, "--arguments must be a JSON object")

	res = runCLI(t, "", "--config", cfg, "complete", "--ref", "mem://alpha/{topic}", "--argument", "topic", "--value", "ca")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "ca-one\nca-two\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "complete", "--argument", "topic")
	require.Equal(t, ipc.ExitUsageErr, res.code)
}

func TestTestCommandReportsToolCount(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo", "bar"))

	res := runCLI(t, "", "--config", cfg, "test")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "Testing connection to server: default\n"+
		"Connected\n"+
		"Server provides 3 tools\n"+
		"(sparse mode: showing virtual tools only)\n", res.stdout)

	res = runCLI(t, "", "--config", cfg, "--no-sparse", "--server", "alpha", "test")
	require.Equal(t, ipc.ExitOK, res.code, res.stderr)
	require.Equal(t, "Testing connection to server: alpha\n"+
		"Connected\n"+
		"Server provides 2 tools\n", res.stdout)
}

func TestTestCommandFailsWithoutServers(t *testing.T) {
	isolate(t)
	cfg := writeConfig(t, baseConfig+fakeServerTOML("servers", "alpha", "foo"))

	res := runCLI(t, "", "--config", cfg, "--server", "ghost", "test")
	require.Equal(t, ipc.ExitInternal, res.code)
	require.Equal(t, "Testing connection to server: ghost\n", res.stdout)
	require.Contains(t, res.stderr, "connection failed")
}

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lydakis/mcpbrowser/internal/backend"
	"github.com/lydakis/mcpbrowser/internal/backend/fakebackend"
	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/mcppool"
)

func TestMain(m *testing.M) {
	if fakebackend.Active() {
		os.Exit(fakebackend.Main())
	}
	os.Exit(m.Run())
}

var testBackend = backend.Config{
	InitTimeout: 5 * time.Second,
	CallTimeout: 5 * time.Second,
	StopTimeout: time.Second,
	Logger:      logging.Discard(),
}

func primaryConfig(name string, tools ...string) *backend.Config {
	cfg := testBackend
	cfg.Name = name
	cfg.Command = fakebackend.Command()
	cfg.Env = fakebackend.Env(name, fakebackend.ModeNormal, tools...)
	return &cfg
}

func fakeDef(name string, tools ...string) mcppool.Definition {
	return mcppool.Definition{
		Name:    name,
		Command: fakebackend.Command(),
		Env:     fakebackend.Env(name, fakebackend.ModeNormal, tools...),
	}
}

func startBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	opts.Backend = testBackend
	opts.Logger = logging.Discard()
	b := New(opts)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Message {
	t.Helper()
	var raw json.RawMessage
	if id != nil {
		data, err := json.Marshal(id)
		require.NoError(t, err)
		raw = data
	}
	msg, err := jsonrpc.NewRequest(raw, method, params)
	require.NoError(t, err)
	return msg
}

func toolCall(t *testing.T, id any, name string, args any) *jsonrpc.Message {
	return request(t, id, "tools/call", map[string]any{"name": name, "arguments": args})
}

func toolNames(t *testing.T, msg *jsonrpc.Message) []string {
	t.Helper()
	require.Nil(t, msg.Error)
	var res struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	names := make([]string, len(res.Tools))
	for i, tool := range res.Tools {
		names[i] = tool.Name
	}
	return names
}

func firstText(t *testing.T, msg *jsonrpc.Message) string {
	t.Helper()
	require.Nil(t, msg.Error, "unexpected error response")
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	require.NotEmpty(t, res.Content)
	require.Equal(t, "text", res.Content[0].Type)
	return res.Content[0].Text
}

func TestInitializeAnsweredLocally(t *testing.T) {
	b := startBroker(t, Options{})

	resp := b.Call(context.Background(), request(t, 1, "initialize", map[string]any{"protocolVersion": "2025-03-26"}))
	require.Nil(t, resp.Error)

	var res initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Equal(t, "2025-03-26", res.ProtocolVersion)
	require.Equal(t, ServerName, res.ServerInfo.Name)
	require.Contains(t, res.Capabilities, "tools")
}

func TestCallWithoutBackends(t *testing.T) {
	b := startBroker(t, Options{})

	resp := b.Call(context.Background(), request(t, 7, "tools/list", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	require.Equal(t, msgNoBackend, resp.Error.Message)
	require.Equal(t, "7", resp.IDKey())
}

func TestSparseToolsListHidesPrimaryCatalog(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo", "bar"), Sparse: true})

	resp := b.Call(context.Background(), request(t, 1, "tools/list", map[string]any{}))
	require.Equal(t, []string{"discover", "call", "onboarding"}, toolNames(t, resp))
	require.Equal(t, 2, b.Registry().Snapshot().ToolCount())
}

func TestNonSparseToolsListPassesThrough(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo", "bar")})

	resp := b.Call(context.Background(), request(t, 1, "tools/list", map[string]any{}))
	require.Equal(t, []string{"foo", "bar"}, toolNames(t, resp))
}

func TestVirtualCallMatchesDirectRequest(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo", "bar"), Sparse: true})
	ctx := context.Background()

	direct := b.Call(ctx, request(t, 5, "tools/list", map[string]any{}))
	viaCall := b.Call(ctx, toolCall(t, 5, "call", map[string]any{"method": "tools/list", "params": map[string]any{}}))

	require.Equal(t, direct.IDKey(), viaCall.IDKey())
	require.JSONEq(t, string(direct.Result), string(viaCall.Result))

	directTool := b.Call(ctx, toolCall(t, 6, "foo", map[string]any{"q": 1}))
	viaTool := b.Call(ctx, toolCall(t, 6, "call", map[string]any{
		"method": "tools/call",
		"params": map[string]any{"name": "foo", "arguments": map[string]any{"q": 1}},
	}))
	require.JSONEq(t, string(directTool.Result), string(viaTool.Result))
	require.Equal(t, `alpha:foo {"q":1}`, firstText(t, viaTool))
}

func TestDiscoverSeesPrimaryAndRouterTools(t *testing.T) {
	b := startBroker(t, Options{
		Primary:  primaryConfig("alpha", "foo"),
		Backends: []mcppool.Definition{fakeDef("side", "echo")},
		Sparse:   true,
	})

	got, err := b.Discover("$.tools[*].name")
	require.NoError(t, err)
	require.Equal(t, []any{"foo", "side::echo"}, got)

	resp := b.Call(context.Background(), toolCall(t, 2, "discover", map[string]any{"jsonpath": "$.tools[?(@.name=='foo')].description"}))
	require.Equal(t, `"tool foo on alpha"`, firstText(t, resp))

	resp = b.Call(context.Background(), toolCall(t, 3, "discover", map[string]any{"jsonpath": "$.tools[?(@.name=='missing')]"}))
	require.Equal(t, "No matches found", firstText(t, resp))
}

func TestDiscoverServersMetadata(t *testing.T) {
	b := startBroker(t, Options{
		Primary:            primaryConfig("alpha", "foo"),
		PrimaryDescription: "main server",
		Backends:           []mcppool.Definition{fakeDef("side", "echo")},
	})

	state, err := b.Discover("$.servers.alpha.state")
	require.NoError(t, err)
	require.Equal(t, "running", state)

	desc, err := b.Discover("$.metadata.servers.alpha.description")
	require.NoError(t, err)
	require.Equal(t, "main server", desc)

	caps, err := b.Discover("$.servers.side.capabilities")
	require.NoError(t, err)
	require.Equal(t, []any{"logging", "tools"}, caps)
}

func TestPrimaryTimeout(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "sleep"), Timeout: 300 * time.Millisecond})

	start := time.Now()
	resp := b.Call(context.Background(), toolCall(t, "slow-1", "sleep", map[string]any{}))
	elapsed := time.Since(start)

	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	require.Equal(t, "Request timeout", resp.Error.Message)
	require.Equal(t, `"slow-1"`, resp.IDKey())
	require.Less(t, elapsed, 3*time.Second)
	require.Equal(t, backend.StateOffline, b.primary.State())

	// Inside the cooldown the primary fails fast instead of respawning.
	start = time.Now()
	resp = b.Call(context.Background(), toolCall(t, 2, "sleep", map[string]any{}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
	require.Less(t, time.Since(start), time.Second)
}

func TestCallAssignsMissingID(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo")})

	resp := b.Call(context.Background(), request(t, nil, "tools/list", map[string]any{}))
	require.NotNil(t, resp)
	require.True(t, resp.HasID())
	require.NotEqual(t, "null", resp.IDKey())
}

func TestNotificationHasNoResponse(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo")})

	resp := b.Call(context.Background(), request(t, nil, "notifications/initialized", nil))
	require.Nil(t, resp)

	// The primary is unaffected.
	resp = b.Call(context.Background(), request(t, 2, "ping", nil))
	require.Nil(t, resp.Error)
}

func TestMissingMethod(t *testing.T) {
	b := startBroker(t, Options{})

	resp := b.Call(context.Background(), &jsonrpc.Message{JSONRPC: jsonrpc.Version, ID: jsonrpc.IntID(1)})
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestNamespacedCallRoutesPastPrimary(t *testing.T) {
	b := startBroker(t, Options{
		Primary:  primaryConfig("alpha", "foo"),
		Backends: []mcppool.Definition{fakeDef("side", "echo")},
	})

	resp := b.Call(context.Background(), toolCall(t, 1, "side::echo", map[string]any{"x": 1}))
	require.Equal(t, `side:echo {"x":1}`, firstText(t, resp))

	// A namespace that is not a router backend goes to the primary.
	resp = b.Call(context.Background(), toolCall(t, 2, "nobody::echo", map[string]any{}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestNamespacedCallKeepsBackendErrorCode(t *testing.T) {
	b := startBroker(t, Options{Backends: []mcppool.Definition{fakeDef("side", "fail")}})

	resp := b.Call(context.Background(), toolCall(t, 1, "side::fail", map[string]any{}))
	require.NotNil(t, resp.Error)
	require.Equal(t, -32000, resp.Error.Code)
	require.Equal(t, "tool failed", resp.Error.Message)
}

func TestRouterOnlyEmulation(t *testing.T) {
	b := startBroker(t, Options{
		Backends: []mcppool.Definition{fakeDef("side", "echo"), fakeDef("other", "echo", "extra")},
	})
	ctx := context.Background()

	resp := b.Call(ctx, request(t, 1, "tools/list", map[string]any{}))
	require.Equal(t, []string{"side::echo", "other::echo", "other::extra"}, toolNames(t, resp))

	resp = b.Call(ctx, toolCall(t, 2, "echo", map[string]any{}))
	require.Equal(t, "side:echo {}", firstText(t, resp))

	resp = b.Call(ctx, toolCall(t, 3, "extra", map[string]any{}))
	require.Equal(t, "other:extra {}", firstText(t, resp))

	resp = b.Call(ctx, request(t, 4, "prompts/list", nil))
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"prompts":[]}`, string(resp.Result))

	resp = b.Call(ctx, request(t, 5, "resources/list", nil))
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"resources":[]}`, string(resp.Result))

	resp = b.Call(ctx, request(t, 6, "completion/complete", map[string]any{
		"ref":      map[string]any{"type": "ref/prompt", "name": "p"},
		"argument": map[string]any{"name": "a", "value": "x"},
	}))
	require.Nil(t, resp.Error)
	require.JSONEq(t, `{"completion":{"values":[]}}`, string(resp.Result))

	resp = b.Call(ctx, request(t, 7, "prompts/get", map[string]any{"name": "greet"}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	require.Equal(t, "Prompt not found: greet", resp.Error.Message)

	resp = b.Call(ctx, request(t, 8, "resources/read", map[string]any{"uri": "mem://x"}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	require.Equal(t, "Resource not found: mem://x", resp.Error.Message)

	resp = b.Call(ctx, request(t, 9, "sampling/createMessage", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestRouterOnlySparseCatalog(t *testing.T) {
	b := startBroker(t, Options{Backends: []mcppool.Definition{fakeDef("side", "echo")}, Sparse: true})

	resp := b.Call(context.Background(), request(t, 1, "tools/list", map[string]any{}))
	require.Equal(t, []string{"discover", "call", "onboarding"}, toolNames(t, resp))

	resp = b.Call(context.Background(), toolCall(t, 2, "call", map[string]any{
		"method": "tools/call",
		"params": map[string]any{"name": "side::echo", "arguments": map[string]any{"k": "v"}},
	}))
	require.Equal(t, `side:echo {"k":"v"}`, firstText(t, resp))
}

func TestOnboardingRoutesToOnboardingBackend(t *testing.T) {
	b := startBroker(t, Options{
		Primary:  primaryConfig("alpha", "foo"),
		Builtins: []mcppool.Definition{fakeDef(mcppool.BuiltinOnboarding, "onboarding")},
		Sparse:   true,
	})

	ctx := context.Background()
	resp := b.Call(ctx, toolCall(t, 9, "onboarding", map[string]any{"identity": "me"}))
	require.Equal(t, `builtin:onboarding:onboarding {"identity":"me"}`, firstText(t, resp))

	direct := b.Call(ctx, toolCall(t, 10, mcppool.OnboardingTool, map[string]any{"identity": "me"}))
	require.JSONEq(t, string(direct.Result), string(resp.Result))
}

func TestOnboardingResultInRouterOnlyMode(t *testing.T) {
	b := startBroker(t, Options{
		Builtins: []mcppool.Definition{fakeDef(mcppool.BuiltinOnboarding, "onboarding")},
	})

	resp := b.Call(context.Background(), toolCall(t, 1, "onboarding", map[string]any{"identity": "me"}))
	require.Equal(t, `builtin:onboarding:onboarding {"identity":"me"}`, firstText(t, resp))

	var res map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Contains(t, res, "content")
	require.NotContains(t, res, "result")
}

func TestOnboardingWithoutBackendIsInternalError(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo")})

	resp := b.Call(context.Background(), toolCall(t, 1, "onboarding", map[string]any{}))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
}

func TestBuiltinFailureDoesNotBlockPrimary(t *testing.T) {
	b := startBroker(t, Options{
		Primary: primaryConfig("alpha", "foo"),
		Builtins: []mcppool.Definition{
			{Name: mcppool.BuiltinScreen, Command: "/nonexistent/mcpbrowser-screen"},
			fakeDef(mcppool.BuiltinMemory, "store"),
		},
	})

	servers := b.Servers()
	require.Contains(t, servers, "alpha")
	require.Contains(t, servers, mcppool.BuiltinMemory)
	require.NotContains(t, servers, mcppool.BuiltinScreen)

	names := b.Registry().Snapshot().ToolNames()
	require.Equal(t, []string{"foo", "builtin:memory::store"}, names)
}

func TestConcurrentCallersReusingIDs(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo", "slow")})

	const n = 16
	reqs := make([]*jsonrpc.Message, n)
	wants := make([]string, n)
	for i := range n {
		tool := "foo"
		if i%2 == 0 {
			tool = "slow"
		}
		reqs[i] = toolCall(t, 1, tool, map[string]any{"i": i})
		wants[i] = fmt.Sprintf(`alpha:%s {"i":%d}`, tool, i)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := b.Call(context.Background(), reqs[i])
			if resp.Error != nil {
				errs <- fmt.Errorf("call %d: %v", i, resp.Error)
				return
			}
			if resp.IDKey() != "1" {
				errs <- fmt.Errorf("call %d: id = %s", i, resp.IDKey())
				return
			}
			var res struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(resp.Result, &res); err != nil || len(res.Content) == 0 || res.Content[0].Text != wants[i] {
				errs <- fmt.Errorf("call %d: result %s, want %s", i, resp.Result, wants[i])
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestAddBackendRefreshesCatalog(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo")})
	require.False(t, b.HasBackend("late"))

	require.NoError(t, b.AddBackend(context.Background(), fakeDef("late", "thing")))
	require.True(t, b.HasBackend("late"))
	require.Equal(t, []string{"foo", "late::thing"}, b.Registry().Snapshot().ToolNames())

	err := b.AddBackend(context.Background(), fakeDef("late", "thing"))
	require.ErrorIs(t, err, mcppool.ErrBackendExists)
}

func TestCloseIsFinal(t *testing.T) {
	b := New(Options{Primary: primaryConfig("alpha", "foo"), Logger: logging.Discard()})
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Start(context.Background()), ErrClosed)

	resp := b.Call(context.Background(), request(t, 1, "ping", nil))
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
}

func TestPassThroughLeavesNonCatalogResultsAlone(t *testing.T) {
	b := startBroker(t, Options{Primary: primaryConfig("alpha", "foo"), Sparse: true})
	ctx := context.Background()

	params := map[string]any{"tools": []map[string]any{{"name": "zzz", "inputSchema": map[string]any{"type": "object"}}}}
	resp := b.Call(ctx, request(t, 1, "debug/echo", params))
	require.Equal(t, []string{"zzz"}, toolNames(t, resp))
	require.NotContains(t, b.Registry().Snapshot().ToolNames(), "zzz")

	resp = b.Call(ctx, request(t, 2, "tools/list", map[string]any{}))
	require.Equal(t, []string{"discover", "call", "onboarding"}, toolNames(t, resp))
	require.Contains(t, b.Registry().Snapshot().ToolNames(), "foo")
}

// Package sparse hides the real tool catalog behind three virtual tools and
// resolves calls to those tools locally.
package sparse

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
	"github.com/lydakis/mcpbrowser/internal/logging"
	"github.com/lydakis/mcpbrowser/internal/registry"
)

// maxHandled bounds the set of locally resolved ids awaiting a duplicate error.
const maxHandled = 1024

// Options configures a Filter.
type Options struct {
	Registry *registry.Registry
	// Sparse replaces outgoing catalogs with the virtual catalog. When false
	// catalogs pass through and only the registry is refreshed.
	Sparse bool
	Logger *slog.Logger
}

// Filter rewrites backend messages on their way to the caller.
type Filter struct {
	reg    *registry.Registry
	sparse bool
	logger *slog.Logger

	supplemental atomic.Pointer[[]registry.Tool]

	mu      sync.Mutex
	handled map[string]struct{}
}

// New creates a Filter over opts.Registry.
func New(opts Options) *Filter {
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Filter{
		reg:     reg,
		sparse:  opts.Sparse,
		logger:  logging.OrDefault(opts.Logger),
		handled: make(map[string]struct{}),
	}
}

// Registry returns the registry the filter refreshes.
func (f *Filter) Registry() *registry.Registry { return f.reg }

// Sparse reports whether catalogs are virtualized.
func (f *Filter) Sparse() bool { return f.sparse }

// SetSupplemental sets tools merged into every catalog refresh, typically
// the last aggregate of the built-in backends.
func (f *Filter) SetSupplemental(tools []registry.Tool) {
	cp := append([]registry.Tool(nil), tools...)
	f.supplemental.Store(&cp)
}

// Refresh replaces the registry catalog with tools plus the supplemental set.
func (f *Filter) Refresh(tools []registry.Tool) {
	all := append([]registry.Tool(nil), tools...)
	if extra := f.supplemental.Load(); extra != nil {
		all = append(all, *extra...)
	}
	f.reg.UpdateTools(all)
}

// MarkHandled records that id was answered locally, so a later internal
// error for the same id from a backend is suppressed once.
func (f *Filter) MarkHandled(id string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handled) >= maxHandled {
		f.handled = make(map[string]struct{})
	}
	f.handled[id] = struct{}{}
}

func (f *Filter) release(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handled[id]; !ok {
		return false
	}
	delete(f.handled, id)
	return true
}

// FilterIncoming inspects a message from a backend. A tools/list result
// refreshes the registry and, in sparse mode, has its tools replaced by the
// virtual catalog. A duplicate internal error for a locally handled id
// yields nil. Everything else is returned unchanged.
func (f *Filter) FilterIncoming(msg *jsonrpc.Message) *jsonrpc.Message {
	if msg == nil {
		return nil
	}
	if msg.Error != nil && msg.Error.Code == jsonrpc.CodeInternalError && f.release(msg.IDKey()) {
		f.logger.Debug("suppressing duplicate error", "id", msg.IDKey())
		return nil
	}
	if !msg.HasID() || len(msg.Result) == 0 {
		return msg
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return msg
	}
	rawTools, ok := result["tools"]
	if !ok {
		return msg
	}
	tools, err := registry.DecodeToolList(msg.Result)
	if err != nil {
		f.logger.Warn("ignoring undecodable tool list", "error", err)
		return msg
	}

	f.Refresh(tools)
	if !f.sparse {
		return msg
	}

	catalog, err := json.Marshal(Catalog(f.reg.Snapshot()))
	if err != nil {
		f.logger.Error("encoding virtual catalog", "error", err)
		return msg
	}
	f.logger.Debug("virtualized tool list", "real", len(tools), "raw_bytes", len(rawTools))
	result["tools"] = json.RawMessage(catalog)

	out := *msg
	out.Result, err = json.Marshal(result)
	if err != nil {
		return msg
	}
	return &out
}

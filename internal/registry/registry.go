// Package registry holds the de-sparsified tool catalog and answers JSONPath
// discovery queries against it.
//
// Writers replace the whole snapshot under a lock; readers load the current
// snapshot without locking and never observe a partial update.
package registry

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/lydakis/mcpbrowser/internal/metrics"
)

// Document keys.
const (
	KeyTools     = "tools"
	KeyToolNames = "tool_names"
	KeyMetadata  = "metadata"
	KeyServers   = "servers"
)

// Registry owns the current catalog snapshot.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(build(nil, map[string]any{}))
	return r
}

// Snapshot returns the current immutable snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// UpdateTools replaces the catalog. Later duplicates of a name are dropped.
func (r *Registry) UpdateTools(tools []Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	r.snap.Store(build(tools, cur.metadata))
}

// SetMetadata sets one queryable metadata key.
func (r *Registry) SetMetadata(key string, value any) {
	r.UpdateMetadata(map[string]any{key: value})
}

// UpdateMetadata merges values into the metadata map in one step.
func (r *Registry) UpdateMetadata(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	meta := make(map[string]any, len(cur.metadata)+len(values))
	for k, v := range cur.metadata {
		meta[k] = v
	}
	for k, v := range values {
		meta[k] = v
	}
	r.snap.Store(build(cur.tools, meta))
}

// Discover runs a query against the current snapshot.
func (r *Registry) Discover(path string) (any, error) {
	return r.Snapshot().Discover(path)
}

// Snapshot is one immutable registry state. Values returned from it are
// shared and must not be modified.
type Snapshot struct {
	tools    []Tool
	names    []string
	metadata map[string]any
	doc      map[string]any
}

func build(tools []Tool, metadata map[string]any) *Snapshot {
	seen := make(map[string]struct{}, len(tools))
	kept := make([]Tool, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		if _, dup := seen[t.Name]; dup {
			continue
		}
		seen[t.Name] = struct{}{}
		kept = append(kept, t)
		names = append(names, t.Name)
	}

	servers, ok := metadata[KeyServers]
	if !ok {
		servers = map[string]any{}
	}
	doc := toGeneric(map[string]any{
		KeyTools:     kept,
		KeyToolNames: names,
		KeyMetadata:  metadata,
		KeyServers:   servers,
	})

	metrics.RegistryTools.Set(float64(len(kept)))
	return &Snapshot{tools: kept, names: names, metadata: metadata, doc: doc}
}

// toGeneric converts v to the map/slice/scalar shape the query engine walks.
func toGeneric(v map[string]any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{KeyTools: []any{}, KeyToolNames: []any{}, KeyMetadata: map[string]any{}, KeyServers: map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Tools returns a copy of the catalog.
func (s *Snapshot) Tools() []Tool {
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// ToolNames returns the catalog names in order.
func (s *Snapshot) ToolNames() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// ToolCount is the number of real tools.
func (s *Snapshot) ToolCount() int { return len(s.tools) }

// ServerCount is the number of entries under metadata.servers.
func (s *Snapshot) ServerCount() int {
	servers, _ := s.doc[KeyServers].(map[string]any)
	return len(servers)
}

// Tool looks up a descriptor by exact name.
func (s *Snapshot) Tool(name string) (Tool, bool) {
	for _, t := range s.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// Document returns the queryable document.
func (s *Snapshot) Document() map[string]any { return s.doc }

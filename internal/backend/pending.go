package backend

import (
	"fmt"
	"sync"

	"github.com/lydakis/mcpbrowser/internal/jsonrpc"
)

// Pending correlates in-flight requests with their responses by id.
//
// Resolution and expiry race for the same entry; whichever removes it first
// wins. A response arriving for a removed id is dropped.
type Pending struct {
	mu      sync.Mutex
	entries map[string]chan *jsonrpc.Message
}

// NewPending returns an empty correlation table.
func NewPending() *Pending {
	return &Pending{entries: make(map[string]chan *jsonrpc.Message)}
}

// Add registers id and returns the channel its response is delivered on.
// A nil message on the channel means the backend went away.
func (p *Pending) Add(id string) (<-chan *jsonrpc.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; ok {
		return nil, fmt.Errorf("request id %s already pending", id)
	}
	ch := make(chan *jsonrpc.Message, 1)
	p.entries[id] = ch
	return ch, nil
}

// Resolve delivers msg to the entry matching its id. It returns false when
// no entry is waiting.
func (p *Pending) Resolve(msg *jsonrpc.Message) bool {
	key := msg.IDKey()
	if key == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.entries[key]
	if !ok {
		return false
	}
	delete(p.entries, key)
	ch <- msg
	return true
}

// Remove expires id. It returns false when the entry was already resolved.
func (p *Pending) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	return true
}

// Has reports whether id is still waiting.
func (p *Pending) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Len returns the number of waiting entries.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Clear drops every entry without resolving it.
func (p *Pending) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	p.entries = make(map[string]chan *jsonrpc.Message)
	return n
}

// Fail wakes every waiter with a nil message and drops the entries.
func (p *Pending) Fail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	for key, ch := range p.entries {
		ch <- nil
		delete(p.entries, key)
	}
	return n
}

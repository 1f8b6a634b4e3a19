package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// CallHandler executes one tool invocation through the gateway.
type CallHandler func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// callable is one exposed tool: its schema for clients plus the handler that
// routes the invocation.
type callable struct {
	schema  json.RawMessage
	handler CallHandler
}

// CapabilityTable is the explicit name → handler surface served to gateway
// clients. Entries appear only through activation events and disappear only
// when their server is deregistered.
type CapabilityTable struct {
	mu        sync.RWMutex
	callables map[string]callable
}

// NewCapabilityTable creates an empty table.
func NewCapabilityTable() *CapabilityTable {
	return &CapabilityTable{callables: make(map[string]callable)}
}

// Register exposes one tool. Re-registering a name replaces its entry.
func (t *CapabilityTable) Register(name string, schema json.RawMessage, handler CallHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callables[name] = callable{schema: schema, handler: handler}
}

// Lookup returns the handler and schema for one exposed tool.
func (t *CapabilityTable) Lookup(name string) (CallHandler, json.RawMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.callables[name]
	if !ok {
		return nil, nil, false
	}
	return c.handler, c.schema, true
}

// RemovePrefix withdraws every callable whose name starts with prefix.
func (t *CapabilityTable) RemovePrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for name := range t.callables {
		if strings.HasPrefix(name, prefix) {
			delete(t.callables, name)
			n++
		}
	}
	return n
}

// Names returns all exposed tool names, sorted.
func (t *CapabilityTable) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.callables))
	for name := range t.callables {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Package activation tracks which discovered tools are exposed as callable.
//
// Tools on eagerly-loaded servers activate as soon as discovery completes.
// Tools on deferred servers stay dormant (indexed for search but not
// callable) until a search first surfaces them. Activation runs the external
// expose side effect exactly once per tool, no matter how many callers race.
package activation

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/pkg/namespace"
)

// State is one step in a tool's lifecycle.
type State int

const (
	// StateUnknown — the tracker has never seen this tool.
	StateUnknown State = iota
	// StateDiscovered — definition received, loading decision pending.
	StateDiscovered
	// StateDormant — indexed for search but not callable yet.
	StateDormant
	// StateActive — exposed as callable. Terminal until the owning server
	// is removed.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateDormant:
		return "dormant"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// ExposeFunc is the external "register as callable" side effect, invoked
// exactly once per tool transition into StateActive.
type ExposeFunc func(def registry.ToolDefinition) error

type entry struct {
	def   registry.ToolDefinition
	state State
}

// Tracker is the activation state machine over all known tools.
type Tracker struct {
	expose ExposeFunc
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewTracker creates a Tracker that calls expose on each activation.
func NewTracker(expose ExposeFunc, logger *zap.Logger) *Tracker {
	return &Tracker{
		expose:  expose,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Discover records a freshly discovered tool and applies the server's
// loading mode: eager tools activate immediately, deferred tools park in
// StateDormant. Rediscovering an already active tool keeps it active but
// refreshes its definition.
func (t *Tracker) Discover(def registry.ToolDefinition, mode registry.LoadingMode) error {
	t.mu.Lock()
	e, ok := t.entries[def.NamespacedName]
	if !ok {
		e = &entry{state: StateDiscovered}
		t.entries[def.NamespacedName] = e
	}
	e.def = def
	if e.state != StateActive && mode == registry.LoadingDeferred {
		e.state = StateDormant
	}
	t.mu.Unlock()

	if mode == registry.LoadingEager {
		return t.Activate([]string{def.NamespacedName})
	}
	return nil
}

// Activate transitions each named tool to StateActive, running the expose
// side effect exactly once per tool. Unknown names and already active tools
// are skipped; the call is idempotent and safe under concurrency.
func (t *Tracker) Activate(namespacedNames []string) error {
	for _, name := range namespacedNames {
		t.mu.Lock()
		e, ok := t.entries[name]
		if !ok || e.state == StateActive {
			t.mu.Unlock()
			continue
		}
		// Test-and-set under the lock; the expose call runs inside it so a
		// concurrent Activate for the same name can never double-fire.
		def := e.def
		if err := t.expose(def); err != nil {
			t.mu.Unlock()
			return err
		}
		e.state = StateActive
		t.mu.Unlock()

		t.logger.Debug("tool activated", zap.String("tool", name))
	}
	return nil
}

// StateOf returns the lifecycle state of one tool.
func (t *Tracker) StateOf(namespacedName string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[namespacedName]; ok {
		return e.state
	}
	return StateUnknown
}

// IsActive reports whether the tool is callable.
func (t *Tracker) IsActive(namespacedName string) bool {
	return t.StateOf(namespacedName) == StateActive
}

// RemoveServer forgets every tool belonging to one server. Removed tools
// revert to StateUnknown; a later re-registration starts their lifecycle
// over.
func (t *Tracker) RemoveServer(serverName string) {
	prefix := namespace.ServerPrefix(serverName)
	t.mu.Lock()
	defer t.mu.Unlock()
	for name := range t.entries {
		if strings.HasPrefix(name, prefix) {
			delete(t.entries, name)
		}
	}
}

// ActiveNames returns the namespaced names of all active tools, sorted.
func (t *Tracker) ActiveNames() []string {
	t.mu.Lock()
	var names []string
	for name, e := range t.entries {
		if e.state == StateActive {
			names = append(names, name)
		}
	}
	t.mu.Unlock()
	sort.Strings(names)
	return names
}

package tool

import (
	"sort"
	"sync"

	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
)

// entry pairs a tool with its display metadata, remembering registration
// order so Definitions and Names are deterministic.
type entry struct {
	tool Tool
	meta Meta
	seq  int
}

// Registry is the process-wide table of invokable tools. It is constructed
// once at startup, populated by the host's discovery step, and passed
// explicitly to the invoker and engine; there is no package-level table.
// Reads require no locking beyond the internal RWMutex and the registry is
// read-mostly after startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	next    int
	logger  logging.Logger
}

// NewRegistry constructs an empty registry. A nil logger disables the
// re-registration warning.
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{entries: map[string]entry{}, logger: logger}
}

// Register adds a tool under its name. Re-registration of the same name
// overwrites the previous entry (last registration wins) with a warning.
func (r *Registry) Register(t Tool, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name()]; exists {
		r.logger.Warn("tool.registry.overwrite", "tool", t.Name())
	}
	if meta.DisplayName == "" {
		meta.DisplayName = t.Name()
	}
	r.entries[t.Name()] = entry{tool: t, meta: meta, seq: r.next}
	r.next++
}

// Get returns the tool and metadata registered under name.
func (r *Registry) Get(name string) (Tool, Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, e.meta, ok
}

// DisplayMeta returns the display metadata for name, or a generic fallback
// for tools the registry does not know about.
func (r *Registry) DisplayMeta(name string) Meta {
	if _, meta, ok := r.Get(name); ok {
		return meta
	}
	return Meta{DisplayName: name, Icon: ":gear:"}
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ordered := r.orderedLocked()
	names := make([]string, len(ordered))
	for i, e := range ordered {
		names[i] = e.tool.Name()
	}
	return names
}

// Definitions returns the backend-facing tool declarations for all registered
// tools, in registration order.
func (r *Registry) Definitions() []core.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ordered := r.orderedLocked()
	defs := make([]core.ToolDefinition, len(ordered))
	for i, e := range ordered {
		defs[i] = core.ToolDefinition{
			Type:        core.ToolKindFunction,
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
		}
	}
	return defs
}

func (r *Registry) orderedLocked() []entry {
	ordered := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	return ordered
}

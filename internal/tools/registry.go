// Package tools implements a hybrid Tool Registry: a single lookup
// surface over internally-implemented tools and tools proxied from
// external MCP-style tool servers, with internal definitions always
// winning name collisions. The RWMutex-guarded map and
// Register/Unregister/Get shape follows internal/agent.ToolRegistry,
// generalized from a single flat namespace to a two-source model, with
// debounced registry:changed notification added to avoid a storm of
// events on bulk registration.
package tools

import (
	"fmt"
	"sync"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

// Handler executes one internal tool call. External tools are dispatched
// by internal/toolserver instead; the registry only stores their
// definitions for lookup/listing purposes.
type Handler func(req models.ToolCallRequest) (any, error)

type entry struct {
	def     models.ToolDefinition
	handler Handler // nil for external tools
}

// Registry is the hybrid internal+external tool catalogue.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	debounce time.Duration
	onChange func()
	timer    *time.Timer
	timerMu  sync.Mutex
}

// New builds an empty Registry. onChange is invoked (debounced by
// debounce) after any registration/unregistration settles; pass 0 for
// debounce to fire immediately, suitable for tests.
func New(debounce time.Duration, onChange func()) *Registry {
	return &Registry{
		entries:  make(map[string]entry),
		debounce: debounce,
		onChange: onChange,
	}
}

// RegisterInternal adds or replaces an internally-handled tool. Internal
// registrations always win over an existing external tool of the same
// name.
func (r *Registry) RegisterInternal(def models.ToolDefinition, handler Handler) {
	def.Source = string(models.SourceInternal)
	r.mu.Lock()
	r.entries[def.Name] = entry{def: def, handler: handler}
	r.mu.Unlock()
	r.scheduleChange()
}

// RegisterExternal adds or replaces an externally-proxied tool definition,
// tagging it with the owning tool server's id. If an internal tool of the
// same name already exists, the external registration is rejected and the
// internal definition is kept.
func (r *Registry) RegisterExternal(def models.ToolDefinition, serverID string) bool {
	def.Source = serverID
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[def.Name]; ok && existing.def.Source == string(models.SourceInternal) {
		return false
	}
	r.entries[def.Name] = entry{def: def}
	r.scheduleChangeLocked()
	return true
}

// Unregister removes a tool by name, regardless of source.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if existed {
		r.scheduleChange()
	}
}

// UnregisterSource removes every tool that came from a given external
// server, used when a tool server goes unhealthy/stops.
func (r *Registry) UnregisterSource(serverID string) {
	r.mu.Lock()
	removed := false
	for name, e := range r.entries {
		if e.def.Source == serverID {
			delete(r.entries, name)
			removed = true
		}
	}
	r.mu.Unlock()
	if removed {
		r.scheduleChange()
	}
}

// Get returns the definition and handler (nil for external tools) for name.
func (r *Registry) Get(name string) (models.ToolDefinition, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, e.handler, ok
}

// List returns every registered tool definition.
func (r *Registry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	return out
}

// Invoke runs an internally-registered tool's handler. Returns an error if
// name is unregistered or is an external tool (those are dispatched via
// internal/toolserver, not here).
func (r *Registry) Invoke(req models.ToolCallRequest) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[req.ToolName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", req.ToolName)
	}
	if e.handler == nil {
		return nil, fmt.Errorf("tools: %q is an external tool, dispatch via toolserver", req.ToolName)
	}
	return e.handler(req)
}

func (r *Registry) scheduleChange() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleChangeLocked()
}

// scheduleChangeLocked assumes r.mu is already held.
func (r *Registry) scheduleChangeLocked() {
	if r.onChange == nil {
		return
	}
	if r.debounce <= 0 {
		r.onChange()
		return
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, r.onChange)
}

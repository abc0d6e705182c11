// Package registry implements the namespaced tool catalog shared between the
// plugin supervisor (external tools) and the native agent subsystem
// (in-process specialists exposed as tools). The registry is kind-agnostic:
// it stores immutable descriptors keyed by identity and leaves dispatch
// decisions to the orchestrator, which switches on each descriptor's origin.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// OriginKind discriminates who owns a registered tool identity.
type OriginKind string

const (
	// OriginNative marks tools backed by an in-process specialist agent.
	OriginNative OriginKind = "native"
	// OriginPlugin marks tools backed by an external plugin connection.
	OriginPlugin OriginKind = "plugin"
)

// Origin identifies the owning entity of a tool identity. It is a tagged
// variant: for native tools only AgentID is set; for plugin tools PluginID
// and ToolName carry the backing connection and the remote tool name.
type Origin struct {
	Kind     OriginKind
	AgentID  string // native only
	PluginID string // plugin only
	ToolName string // plugin only: tool name as the remote end knows it
}

// NativeOrigin builds the origin for an in-process specialist agent.
func NativeOrigin(agentID string) Origin {
	return Origin{Kind: OriginNative, AgentID: agentID}
}

// PluginOrigin builds the origin for a tool owned by an external plugin.
func PluginOrigin(pluginID, toolName string) Origin {
	return Origin{Kind: OriginPlugin, PluginID: pluginID, ToolName: toolName}
}

// Owner returns the owning entity component of the origin, ignoring the
// per-tool part. Two origins with the same owner may legitimately replace
// each other's registrations; different owners may not collide.
func (o Origin) Owner() string {
	if o.Kind == OriginNative {
		return string(OriginNative) + ":" + o.AgentID
	}
	return string(OriginPlugin) + ":" + o.PluginID
}

// String renders the full origin tag, e.g. "native:web_search" or
// "plugin:fs:read_file".
func (o Origin) String() string {
	if o.Kind == OriginNative {
		return o.Owner()
	}
	return o.Owner() + ":" + o.ToolName
}

// Descriptor describes one invocable capability. Descriptors are immutable
// once published: re-registration replaces the stored value wholesale, the
// registry never mutates one in place.
type Descriptor struct {
	// Identity is the globally unique, namespaced tool identifier presented
	// to the model (e.g. "web_search" or "fs__read_file").
	Identity string
	// Description is the human-readable summary shown to the model.
	Description string
	// Parameters is a JSON-Schema-like map describing accepted arguments.
	Parameters map[string]any
	// Origin tags the owning entity and dispatch path.
	Origin Origin
}

// CollisionError reports a registration attempt whose identity is already
// owned by a different origin.
type CollisionError struct {
	Identity string
	Existing Origin
	Attempt  Origin
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("registry: identity %q already registered by %s (attempted by %s)",
		e.Identity, e.Existing.Owner(), e.Attempt.Owner())
}

// Registry is a mutation-safe catalog of tool descriptors. Reads are
// lock-cheap snapshots taken once per orchestration turn; writes happen only
// on plugin lifecycle transitions and native agent (de)registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register publishes a descriptor. An identity already registered by the
// same owner is replaced wholesale; an identity held by a different owner is
// rejected with *CollisionError and no other registration is affected.
func (r *Registry) Register(d Descriptor) error {
	if d.Identity == "" {
		return fmt.Errorf("registry: descriptor has empty identity")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[d.Identity]; ok && existing.Origin.Owner() != d.Origin.Owner() {
		return &CollisionError{Identity: d.Identity, Existing: existing.Origin, Attempt: d.Origin}
	}

	r.tools[d.Identity] = d

	return nil
}

// DeregisterAll removes every descriptor belonging to the given owner tag
// (as returned by Origin.Owner) and reports how many were removed. Used on
// plugin stop/crash and on specialist-agent disablement.
func (r *Registry) DeregisterAll(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for identity, d := range r.tools {
		if d.Origin.Owner() == owner {
			delete(r.tools, identity)
			removed++
		}
	}

	return removed
}

// Deregister removes a single identity. Missing identities are a no-op.
func (r *Registry) Deregister(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, identity)
}

// Snapshot returns a point-in-time copy of all registered descriptors sorted
// by identity. The caller may hold it across a model request without
// blocking concurrent registrations.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })

	return out
}

// Lookup returns the descriptor for an identity, if registered.
func (r *Registry) Lookup(identity string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[identity]
	return d, ok
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Package agent implements in-process specialist agents: capabilities that
// live inside the host process but are published through the same tool
// registry as external plugin tools, under native:<agent-id> origins. The
// orchestrator dispatches to them synchronously via their Handle entry
// point, so from the model's perspective a specialist agent and a plugin
// tool are indistinguishable.
package agent

import (
	"context"
	"fmt"

	"github.com/toolmesh/toolmesh/internal/util"
	"github.com/toolmesh/toolmesh/registry"
)

// Agent is the entry point contract for an in-process specialist. Handle is
// synchronous from the orchestrator's perspective even if the implementation
// streams internally.
//
// Implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Be safe for concurrent Handle calls
type Agent interface {
	// Name returns the unique agent identifier. It doubles as the tool
	// identity published to the model, under the native:<name> origin.
	Name() string

	// Description returns a human-readable summary provided to the model.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Handle executes the agent with already-validated arguments and
	// returns the result content for the conversation.
	Handle(ctx context.Context, args map[string]any) (string, error)
}

// Error represents a failure during specialist agent execution, categorized
// for uniform downstream handling.
type Error struct {
	Agent   string `json:"agent"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent error [%s] in %s: %s", e.Code, e.Agent, e.Message)
	}
	return fmt.Sprintf("agent error in %s: %s", e.Agent, e.Message)
}

// Error codes attached to *Error.
const (
	// CodeValidation marks a schema / argument mismatch.
	CodeValidation = "VALIDATION_ERROR"
	// CodeExecution marks a failure from the wrapped implementation.
	CodeExecution = "EXECUTION_ERROR"
)

// Func adapts a plain Go function into an Agent. It validates arguments
// against the declared schema before invoking the function and normalizes
// failures to *Error. A Func has no mutable state after construction and is
// safe for concurrent use.
type Func struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFunc constructs a Func agent from an explicit schema and function.
func NewFunc(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (string, error),
) *Func {
	return &Func{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// Name returns the unique agent identifier.
func (f *Func) Name() string { return f.name }

// Description returns the summary exposed to models.
func (f *Func) Description() string { return f.description }

// Parameters returns the JSON schema describing expected arguments.
func (f *Func) Parameters() map[string]any { return f.parameters }

// Handle validates args against the declared schema then invokes the
// wrapped function.
//
// Error semantics:
//
//	*Error (returned directly) -> forwarded unchanged
//	validation failure         -> *Error{Code: VALIDATION_ERROR}
//	other error                -> *Error{Code: EXECUTION_ERROR}
func (f *Func) Handle(ctx context.Context, args map[string]any) (string, error) {
	if err := util.ValidateArguments(args, f.parameters); err != nil {
		return "", &Error{
			Agent:   f.name,
			Message: fmt.Sprintf("argument validation failed: %v", err),
			Code:    CodeValidation,
		}
	}

	result, err := f.fn(ctx, args)
	if err != nil {
		if agentErr, ok := err.(*Error); ok {
			return "", agentErr
		}
		return "", &Error{
			Agent:   f.name,
			Message: err.Error(),
			Code:    CodeExecution,
		}
	}

	return result, nil
}

// Descriptor builds the registry descriptor publishing an agent under its
// native origin.
func Descriptor(a Agent) registry.Descriptor {
	return registry.Descriptor{
		Identity:    a.Name(),
		Description: a.Description(),
		Parameters:  a.Parameters(),
		Origin:      registry.NativeOrigin(a.Name()),
	}
}

// Register publishes an agent into the registry.
func Register(reg *registry.Registry, a Agent) error {
	return reg.Register(Descriptor(a))
}

// Deregister removes every descriptor owned by the named agent. Used on
// specialist-agent disablement.
func Deregister(reg *registry.Registry, agentID string) int {
	return reg.DeregisterAll(registry.NativeOrigin(agentID).Owner())
}

// Catalog maps agent identifiers to their entry points for orchestrator
// dispatch. It is populated at engine construction and read-only afterwards.
type Catalog map[string]Agent

// Add registers an agent in the catalog, rejecting duplicate names.
func (c Catalog) Add(a Agent) error {
	if _, exists := c[a.Name()]; exists {
		return fmt.Errorf("agent %q already present", a.Name())
	}
	c[a.Name()] = a
	return nil
}

// Get looks up an agent by identifier.
func (c Catalog) Get(name string) (Agent, bool) {
	a, ok := c[name]
	return a, ok
}

// Package toolmesh provides a high-level façade over the orchestration
// engine and its supporting services (tool registry, plugin supervision,
// sessions & logging). Most applications interact with this package by:
//  1. Creating a Mesh via New() with a model implementation
//  2. Registering native agents and/or applying a plugin configuration
//  3. Sending user turns with Chat, which runs the bounded tool loop
//
// The façade wires the registry, supervisor and orchestrator together while
// keeping setup ergonomics concise. All defaults are safe for local
// development; production deployments typically supply a structured logger
// and a plugin configuration file.
package toolmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/toolmesh/toolmesh/agent"
	"github.com/toolmesh/toolmesh/config"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/model"
	"github.com/toolmesh/toolmesh/orchestrator"
	"github.com/toolmesh/toolmesh/registry"
	"github.com/toolmesh/toolmesh/session"
	"github.com/toolmesh/toolmesh/supervisor"
)

// Options configures the Mesh instance.
type Options struct {
	// Instructions is the system prompt sent on every inference step.
	Instructions string

	// MaxIterations bounds the reason/act loop per turn.
	MaxIterations int

	// InvocationTimeout bounds each individual tool invocation.
	InvocationTimeout time.Duration

	// HandshakeTimeout bounds each plugin's startup handshake.
	HandshakeTimeout time.Duration

	// Sessions defaults to an in-memory store if not provided.
	Sessions *session.InMemoryStore

	// Logger defaults to a NoOp logger if nil.
	Logger logging.Logger
}

// Mesh is the high-level façade aggregating the orchestration engine and
// its services.
type Mesh struct {
	opts         Options
	registry     *registry.Registry
	agents       agent.Catalog
	supervisor   *supervisor.Supervisor
	orchestrator *orchestrator.Orchestrator
	sessions     *session.InMemoryStore
}

// New creates a new Mesh around the given model with optional overrides.
func New(m model.Model, optFns ...func(o *Options)) *Mesh {
	def := config.Default()
	opts := Options{
		MaxIterations:     def.MaxIterations,
		InvocationTimeout: def.InvocationTimeout,
		HandshakeTimeout:  def.HandshakeTimeout,
		Sessions:          session.NewInMemoryStore(),
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	reg := registry.New()
	agents := agent.Catalog{}
	sup := supervisor.New(reg, func(o *supervisor.Options) {
		o.Logger = opts.Logger
		o.HandshakeTimeout = opts.HandshakeTimeout
	})
	orch := orchestrator.New(m, reg, agents, sup, func(o *orchestrator.Options) {
		o.Logger = opts.Logger
		o.Instructions = opts.Instructions
		o.MaxIterations = opts.MaxIterations
		o.InvocationTimeout = opts.InvocationTimeout
	})

	return &Mesh{
		opts:         opts,
		registry:     reg,
		agents:       agents,
		supervisor:   sup,
		orchestrator: orch,
		sessions:     opts.Sessions,
	}
}

// RegisterAgent publishes a native specialist agent as a tool.
func (m *Mesh) RegisterAgent(a agent.Agent) error {
	if err := m.agents.Add(a); err != nil {
		return err
	}
	if err := agent.Register(m.registry, a); err != nil {
		delete(m.agents, a.Name())
		return err
	}
	return nil
}

// ApplyConfig reconciles plugin connections against a configuration,
// starting enabled plugins and stopping removed ones.
func (m *Mesh) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	return m.supervisor.Apply(ctx, cfg)
}

// Chat appends a user turn to the named conversation, runs the bounded tool
// loop and returns the final assistant text. Turns against the same
// conversation are serialized; different conversations run in parallel.
func (m *Mesh) Chat(ctx context.Context, sessionID, text string) (string, error) {
	unlock := m.sessions.LockTurn(sessionID)
	defer unlock()

	sess, err := m.sessions.Get(sessionID)
	if err != nil {
		return "", fmt.Errorf("toolmesh: load session: %w", err)
	}

	transcript := append(sess.Messages, model.NewUserMessage(text))

	result, err := m.orchestrator.Run(ctx, transcript)
	if err != nil {
		return "", err
	}

	sess.Messages = result.Messages
	if err := m.sessions.Replace(sess); err != nil {
		return "", fmt.Errorf("toolmesh: save session: %w", err)
	}

	return result.FinalText, nil
}

// Run executes one bounded loop over an explicit transcript without
// touching session storage. Useful for hosts that own conversation state.
func (m *Mesh) Run(ctx context.Context, messages []model.Message) (*orchestrator.Result, error) {
	return m.orchestrator.Run(ctx, messages)
}

// Registry exposes the shared tool catalog.
func (m *Mesh) Registry() *registry.Registry { return m.registry }

// Supervisor exposes plugin lifecycle control and events.
func (m *Mesh) Supervisor() *supervisor.Supervisor { return m.supervisor }

// Close stops every plugin connection.
func (m *Mesh) Close(ctx context.Context) error {
	return m.supervisor.Close(ctx)
}

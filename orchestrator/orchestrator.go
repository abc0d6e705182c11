// Package orchestrator drives the reasoning loop: it hands the conversation
// and the current tool catalog to the model, executes whatever invocations
// the model requests, folds the results back into the conversation and
// repeats until the model produces a final answer or the iteration bound is
// hit.
//
// Tool failures and timeouts are conversation content, not faults: they
// come back as error-flagged tool results so the model can react, retry
// differently or explain. Only model errors and context cancellation abort
// a run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/toolmesh/agent"
	"github.com/toolmesh/toolmesh/config"
	"github.com/toolmesh/toolmesh/logging"
	"github.com/toolmesh/toolmesh/model"
	"github.com/toolmesh/toolmesh/registry"
	"github.com/toolmesh/toolmesh/supervisor"
)

// DefaultFallback is the assistant message appended when the iteration
// bound is reached without a final answer.
const DefaultFallback = "I wasn't able to complete this request within the allowed number of tool steps. Here is what I found so far; please refine the request or try again."

// Options tune one orchestrator. Zero values fall back to config.Default.
type Options struct {
	Logger logging.Logger
	// Instructions is the system prompt sent with every inference step.
	Instructions string
	// MaxIterations bounds the reason/act loop per run.
	MaxIterations int
	// InvocationTimeout bounds each individual tool invocation.
	InvocationTimeout time.Duration
	// Fallback replaces DefaultFallback when non-empty.
	Fallback string
}

// Orchestrator runs bounded reasoning loops over one model, one registry
// and the two dispatch paths behind it. It holds no conversation state of
// its own; callers own the transcript.
type Orchestrator struct {
	model      model.Model
	registry   *registry.Registry
	agents     agent.Catalog
	supervisor *supervisor.Supervisor
	logger     logging.Logger
	opts       Options
}

// Result is the outcome of one run.
type Result struct {
	// Messages is the full transcript including everything appended during
	// the run, ending with the final (or fallback) assistant message.
	Messages []model.Message
	// FinalText is the text of that last assistant message.
	FinalText string
	// Iterations counts inference steps taken.
	Iterations int
	// HitBound reports that the fallback path fired.
	HitBound bool
}

// New creates an orchestrator. The agent catalog and supervisor may be nil
// when the corresponding dispatch path is unused.
func New(m model.Model, reg *registry.Registry, agents agent.Catalog, sup *supervisor.Supervisor, optFns ...func(o *Options)) *Orchestrator {
	def := config.Default()
	opts := Options{
		Logger:            logging.NoOpLogger{},
		MaxIterations:     def.MaxIterations,
		InvocationTimeout: def.InvocationTimeout,
		Fallback:          DefaultFallback,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Orchestrator{
		model:      m,
		registry:   reg,
		agents:     agents,
		supervisor: sup,
		logger:     opts.Logger,
		opts:       opts,
	}
}

// Run executes the bounded loop over the given transcript. The input slice
// is not mutated; the returned Result carries the extended transcript.
func (o *Orchestrator) Run(ctx context.Context, messages []model.Message) (*Result, error) {
	transcript := make([]model.Message, len(messages))
	copy(transcript, messages)

	for iteration := 1; iteration <= o.opts.MaxIterations; iteration++ {
		// The catalog is re-snapshotted every step so tools appearing or
		// disappearing mid-conversation take effect on the next step. The
		// same snapshot resolves this step's invocations, so the model's view
		// and the dispatch view cannot diverge within a step.
		snapshot := o.registry.Snapshot()
		tools := toolDefinitions(snapshot)

		resp, err := o.model.Generate(ctx, model.Request{
			Instructions: o.opts.Instructions,
			Messages:     transcript,
			Tools:        tools,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: model step %d: %w", iteration, err)
		}

		assistant := model.Message{Role: model.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls}
		transcript = append(transcript, assistant)

		if resp.Final() {
			o.logger.Debug("orchestrator.final", "iterations", iteration)
			return &Result{Messages: transcript, FinalText: resp.Text, Iterations: iteration}, nil
		}

		o.logger.Debug("orchestrator.dispatch", "iteration", iteration, "calls", len(resp.ToolCalls))

		results, err := o.dispatch(ctx, resp.ToolCalls, snapshot)
		if err != nil {
			return nil, err
		}
		transcript = append(transcript, results...)
	}

	fallback := model.NewAssistantMessage(o.opts.Fallback)
	transcript = append(transcript, fallback)
	o.logger.Warn("orchestrator.iteration_bound", "max_iterations", o.opts.MaxIterations)

	return &Result{
		Messages:   transcript,
		FinalText:  fallback.Text,
		Iterations: o.opts.MaxIterations,
		HitBound:   true,
	}, nil
}

// dispatch executes every requested invocation concurrently. Result
// messages are appended in request order regardless of completion order,
// keeping correlation deterministic for the model. A failed or timed-out
// invocation becomes an error-flagged result; only context cancellation
// makes dispatch itself fail.
func (o *Orchestrator) dispatch(ctx context.Context, calls []model.ToolCall, snapshot []registry.Descriptor) ([]model.Message, error) {
	results := make([]model.Message, len(calls))

	byName := make(map[string]registry.Descriptor, len(snapshot))
	for _, d := range snapshot {
		byName[d.Identity] = d
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.invoke(gctx, call, byName)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: dispatch cancelled: %w", err)
	}

	return results, nil
}

// invoke executes one tool call under the per-invocation timeout and
// normalizes every failure mode into a tool-result message. Identities
// resolve against the step's snapshot, not the live registry.
func (o *Orchestrator) invoke(ctx context.Context, call model.ToolCall, byName map[string]registry.Descriptor) model.Message {
	desc, ok := byName[call.Name]
	if !ok {
		return model.NewToolResultMessage(call.ID, call.Name,
			fmt.Sprintf("unknown tool %q: it is not currently available", call.Name), true)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.InvocationTimeout)
	defer cancel()

	content, isError, err := o.execute(callCtx, desc, call.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			content = fmt.Sprintf("tool %q timed out after %s", call.Name, o.opts.InvocationTimeout)
		default:
			content = fmt.Sprintf("tool %q failed: %v", call.Name, err)
		}
		isError = true
		o.logger.Warn("orchestrator.invocation_failed", "tool", call.Name, "error", err.Error())
	}

	return model.NewToolResultMessage(call.ID, call.Name, content, isError)
}

// execute routes one invocation to its dispatch path based on the
// descriptor's origin.
func (o *Orchestrator) execute(ctx context.Context, desc registry.Descriptor, args map[string]any) (string, bool, error) {
	switch desc.Origin.Kind {
	case registry.OriginNative:
		if o.agents == nil {
			return "", false, fmt.Errorf("no agent catalog configured")
		}
		a, ok := o.agents.Get(desc.Origin.AgentID)
		if !ok {
			return "", false, fmt.Errorf("agent %q not found", desc.Origin.AgentID)
		}
		content, err := a.Handle(ctx, args)
		return content, false, err

	case registry.OriginPlugin:
		if o.supervisor == nil {
			return "", false, fmt.Errorf("no plugin supervisor configured")
		}
		result, err := o.supervisor.InvokeTool(ctx, desc.Origin.PluginID, desc.Origin.ToolName, args)
		if err != nil {
			return "", false, err
		}
		return result.Text(), result.IsError, nil

	default:
		return "", false, fmt.Errorf("unknown origin kind %q", desc.Origin.Kind)
	}
}

// toolDefinitions converts a registry snapshot into the model's tool
// declaration format.
func toolDefinitions(snapshot []registry.Descriptor) []model.ToolDefinition {
	if len(snapshot) == 0 {
		return nil
	}

	out := make([]model.ToolDefinition, len(snapshot))
	for i, d := range snapshot {
		out[i] = model.ToolDefinition{
			Name:        d.Identity,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}

	return out
}

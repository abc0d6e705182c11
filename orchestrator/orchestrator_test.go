package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/toolmesh/agent"
	"github.com/toolmesh/toolmesh/model"
	"github.com/toolmesh/toolmesh/orchestrator"
	"github.com/toolmesh/toolmesh/registry"
)

// slowAgent answers with its fixed reply after an optional delay, counting
// invocations.
type slowAgent struct {
	name  string
	reply string
	delay time.Duration
	calls atomic.Int32
	err   error
}

func (a *slowAgent) Name() string               { return a.name }
func (a *slowAgent) Description() string        { return "test agent " + a.name }
func (a *slowAgent) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (a *slowAgent) Handle(ctx context.Context, _ map[string]any) (string, error) {
	a.calls.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.err != nil {
		return "", a.err
	}
	return a.reply, nil
}

func setup(t *testing.T, agents ...agent.Agent) (*registry.Registry, agent.Catalog) {
	t.Helper()

	reg := registry.New()
	catalog := agent.Catalog{}
	for _, a := range agents {
		require.NoError(t, catalog.Add(a))
		require.NoError(t, agent.Register(reg, a))
	}

	return reg, catalog
}

func call(name string) model.ToolCall {
	return model.ToolCall{ID: model.NewCallID(), Name: name, Arguments: map[string]any{}}
}

func TestOrchestrator_FinalAnswerWithoutTools(t *testing.T) {
	reg, catalog := setup(t)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(model.Response{Text: "direct answer"})

	orch := orchestrator.New(mock, reg, catalog, nil)

	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "direct answer", result.FinalText)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.HitBound)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, model.RoleAssistant, result.Messages[1].Role)
}

func TestOrchestrator_ToolRoundTrip(t *testing.T) {
	echo := &slowAgent{name: "echo", reply: "tool output"}
	reg, catalog := setup(t, echo)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(
		model.Response{ToolCalls: []model.ToolCall{call("echo")}},
		model.Response{Text: "answer using tool output"},
	)

	orch := orchestrator.New(mock, reg, catalog, nil)

	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err)
	assert.Equal(t, "answer using tool output", result.FinalText)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, int32(1), echo.calls.Load())

	// Transcript: user, assistant(call), tool result, assistant(final).
	require.Len(t, result.Messages, 4)
	toolMsg := result.Messages[2]
	assert.Equal(t, model.RoleTool, toolMsg.Role)
	assert.Equal(t, "tool output", toolMsg.Text)
	assert.False(t, toolMsg.IsError)
	assert.Equal(t, result.Messages[1].ToolCalls[0].ID, toolMsg.ToolCallID)

	// The second inference step saw the tool result.
	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, model.RoleTool, reqs[1].Messages[len(reqs[1].Messages)-1].Role)
}

func TestOrchestrator_ToolsDeclaredFromSnapshot(t *testing.T) {
	echo := &slowAgent{name: "echo", reply: "x"}
	reg, catalog := setup(t, echo)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(model.Response{Text: "done"})

	orch := orchestrator.New(mock, reg, catalog, nil)
	_, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("hi")})
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "echo", reqs[0].Tools[0].Name)
	assert.Equal(t, "test agent echo", reqs[0].Tools[0].Description)
}

func TestOrchestrator_ConcurrentDispatchPreservesRequestOrder(t *testing.T) {
	// The slower tool is requested first; its result must still come first.
	slow := &slowAgent{name: "slow", reply: "slow result", delay: 150 * time.Millisecond}
	fast := &slowAgent{name: "fast", reply: "fast result"}
	reg, catalog := setup(t, slow, fast)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(
		model.Response{ToolCalls: []model.ToolCall{call("slow"), call("fast")}},
		model.Response{Text: "done"},
	)

	orch := orchestrator.New(mock, reg, catalog, nil)

	start := time.Now()
	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err)

	// Concurrent, not sequential: total stays near the slower tool's delay.
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	require.Len(t, result.Messages, 5)
	assert.Equal(t, "slow result", result.Messages[2].Text)
	assert.Equal(t, "fast result", result.Messages[3].Text)
	assert.Equal(t, "slow", result.Messages[2].ToolName)
	assert.Equal(t, "fast", result.Messages[3].ToolName)
}

func TestOrchestrator_StepResolvesAgainstItsSnapshot(t *testing.T) {
	echo := &slowAgent{name: "echo", reply: "still reachable"}
	reg, catalog := setup(t, echo)

	// The tool disappears from the registry while the inference step is in
	// flight. The step's view stays consistent: a tool offered to the model
	// at the top of the step remains invocable for that step.
	m := &hookModel{
		hook: func() { reg.DeregisterAll(registry.NativeOrigin("echo").Owner()) },
		responses: []model.Response{
			{ToolCalls: []model.ToolCall{call("echo")}},
			{Text: "done"},
		},
	}

	orch := orchestrator.New(m, reg, catalog, nil)

	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err)

	toolMsg := result.Messages[2]
	assert.False(t, toolMsg.IsError)
	assert.Equal(t, "still reachable", toolMsg.Text)
	assert.Equal(t, int32(1), echo.calls.Load())
}

func TestOrchestrator_UnknownToolBecomesErrorResult(t *testing.T) {
	reg, catalog := setup(t)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(
		model.Response{ToolCalls: []model.ToolCall{call("ghost")}},
		model.Response{Text: "recovered"},
	)

	orch := orchestrator.New(mock, reg, catalog, nil)

	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err, "unknown tool must not abort the run")
	assert.Equal(t, "recovered", result.FinalText)

	toolMsg := result.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Text, "ghost")
}

func TestOrchestrator_FailingToolBecomesErrorResult(t *testing.T) {
	boom := &slowAgent{name: "boom", err: errors.New("disk on fire")}
	reg, catalog := setup(t, boom)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(
		model.Response{ToolCalls: []model.ToolCall{call("boom")}},
		model.Response{Text: "recovered"},
	)

	orch := orchestrator.New(mock, reg, catalog, nil)

	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err)

	toolMsg := result.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Text, "disk on fire")
}

func TestOrchestrator_TimeoutBecomesErrorResult(t *testing.T) {
	stuck := &slowAgent{name: "stuck", reply: "never", delay: 5 * time.Second}
	reg, catalog := setup(t, stuck)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(
		model.Response{ToolCalls: []model.ToolCall{call("stuck")}},
		model.Response{Text: "gave up on the tool"},
	)

	orch := orchestrator.New(mock, reg, catalog, nil, func(o *orchestrator.Options) {
		o.InvocationTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err, "a timed-out tool must not abort the run")
	assert.Less(t, time.Since(start), 2*time.Second)

	toolMsg := result.Messages[2]
	assert.True(t, toolMsg.IsError)
	assert.Contains(t, toolMsg.Text, "timed out")
	assert.Equal(t, "gave up on the tool", result.FinalText)
}

func TestOrchestrator_IterationBoundAppendsFallback(t *testing.T) {
	echo := &slowAgent{name: "echo", reply: "more"}
	reg, catalog := setup(t, echo)

	// The model requests a tool on every step and never finishes.
	mock := model.NewMockModel("m", "mock")
	for i := 0; i < 10; i++ {
		mock.Enqueue(model.Response{ToolCalls: []model.ToolCall{call("echo")}})
	}

	orch := orchestrator.New(mock, reg, catalog, nil, func(o *orchestrator.Options) {
		o.MaxIterations = 3
	})

	result, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.NoError(t, err)
	assert.True(t, result.HitBound)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, int32(3), echo.calls.Load())
	assert.Equal(t, orchestrator.DefaultFallback, result.FinalText)

	last := result.Messages[len(result.Messages)-1]
	assert.Equal(t, model.RoleAssistant, last.Role)
	assert.Empty(t, last.ToolCalls)
}

func TestOrchestrator_ModelErrorAborts(t *testing.T) {
	reg, catalog := setup(t)

	orch := orchestrator.New(&failingModel{}, reg, catalog, nil)

	_, err := orch.Run(context.Background(), []model.Message{model.NewUserMessage("go")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model step 1")
}

func TestOrchestrator_CancellationAborts(t *testing.T) {
	stuck := &slowAgent{name: "stuck", reply: "never", delay: 5 * time.Second}
	reg, catalog := setup(t, stuck)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(model.Response{ToolCalls: []model.ToolCall{call("stuck")}})

	orch := orchestrator.New(mock, reg, catalog, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := orch.Run(ctx, []model.Message{model.NewUserMessage("go")})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "cancellation must cut tool waits short")
}

func TestOrchestrator_InputTranscriptNotMutated(t *testing.T) {
	reg, catalog := setup(t)

	mock := model.NewMockModel("m", "mock")
	mock.Enqueue(model.Response{Text: "ok"})

	orch := orchestrator.New(mock, reg, catalog, nil)

	input := []model.Message{model.NewUserMessage("hi")}
	result, err := orch.Run(context.Background(), input)
	require.NoError(t, err)

	assert.Len(t, input, 1)
	assert.Len(t, result.Messages, 2)
}

// hookModel runs a side effect during each inference step before answering
// from its scripted responses.
type hookModel struct {
	hook      func()
	responses []model.Response
	step      int
}

func (m *hookModel) Generate(context.Context, model.Request) (*model.Response, error) {
	if m.hook != nil {
		m.hook()
	}
	resp := m.responses[m.step]
	m.step++
	return &resp, nil
}

func (m *hookModel) Info() model.Info { return model.Info{Name: "hook", Provider: "test"} }

type failingModel struct{}

func (failingModel) Generate(context.Context, model.Request) (*model.Response, error) {
	return nil, errors.New("provider unavailable")
}

func (failingModel) Info() model.Info { return model.Info{Name: "failing", Provider: "test"} }

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/delta/internal/compose"
	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/hooks"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/providers"
	"github.com/nextlevelbuilder/delta/internal/sessions"
	"github.com/nextlevelbuilder/delta/internal/tools"
)

// fakeProvider replays a scripted sequence of responses.
type fakeProvider struct {
	responses []*providers.ChatResponse
	sendErr   error
	calls     int
	requests  [][]byte
}

func (f *fakeProvider) BuildRequest(req providers.ChatRequest) ([]byte, error) {
	return json.Marshal(req)
}

func (f *fakeProvider) Send(_ context.Context, body []byte) (*providers.ChatResponse, error) {
	f.requests = append(f.requests, body)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.calls >= len(f.responses) {
		return nil, errors.New("no scripted response left")
	}
	resp := f.responses[f.calls]
	f.calls++
	if resp.Raw == nil {
		resp.Raw = []byte(`{"scripted":true}`)
	}
	return resp, nil
}

func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Name() string         { return "fake" }

func finalAnswer(content string) *providers.ChatResponse {
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}
}

func toolCall(id, name string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:      "using " + name,
		FinishReason: "tool_calls",
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

type testEngine struct {
	*Engine
	jnl    *journal.Journal
	runDir string
}

func newTestEngine(t *testing.T, fake *fakeProvider, specs []config.ToolSpec, hookMap map[config.HookPoint]config.HookSpec) *testEngine {
	t.Helper()
	runDir := t.TempDir()
	work := t.TempDir()

	jnl, err := journal.Open("run_test", runDir)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	require.NoError(t, jnl.InitMetadata(journal.RunMetadata{
		RunID:  "run_test",
		Task:   "test task",
		Status: journal.StatusRunning,
		PID:    os.Getpid(),
	}))
	_, err = jnl.Append(journal.EventRunStart, journal.RunStartPayload{RunID: "run_test", Task: "test task"})
	require.NoError(t, err)
	_, err = jnl.Append(journal.EventUserMessage, journal.UserMessagePayload{Content: "test task"})
	require.NoError(t, err)

	vars := tools.Vars{AgentHome: t.TempDir(), CWD: work, RunID: "run_test"}
	cfg := &config.AgentConfig{
		Name: "tester",
		LLM:  config.LLMConfig{Provider: "fake", Model: "fake-model"},
	}

	return &testEngine{
		Engine: &Engine{
			Config:   cfg,
			Journal:  jnl,
			Provider: fake,
			Registry: tools.NewRegistry(specs),
			ToolExec: &tools.Executor{WorkDir: work, AgentHome: vars.AgentHome},
			HookExec: &hooks.Executor{Journal: jnl, Hooks: hookMap, Vars: vars, WorkDir: work},
			Builder: &compose.Builder{
				Manifest: []config.SourceSpec{{Type: config.SourceJournal}},
				Journal:  jnl,
				Vars:     vars,
				WorkDir:  work,
			},
			Sessions:      &sessions.Manager{SessionsDir: t.TempDir()},
			Vars:          vars,
			WorkDir:       work,
			MaxIterations: 5,
		},
		jnl:    jnl,
		runDir: runDir,
	}
}

func echoToolSpec() config.ToolSpec {
	return config.ToolSpec{
		Name:        "echo_tool",
		Description: "echo a message",
		Command:     []string{"echo"},
		Parameters: []config.Parameter{
			{Name: "msg", Type: config.TypeString, Required: true, InjectAs: config.InjectArgument},
		},
	}
}

func eventTypes(t *testing.T, jnl *journal.Journal) []journal.EventType {
	t.Helper()
	events, err := jnl.ReadAll()
	require.NoError(t, err)
	types := make([]journal.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	fake := &fakeProvider{responses: []*providers.ChatResponse{finalAnswer("done")}}
	te := newTestEngine(t, fake, nil, nil)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	assert.Equal(t, []journal.EventType{
		journal.EventRunStart,
		journal.EventUserMessage,
		journal.EventThought,
		journal.EventRunEnd,
	}, eventTypes(t, te.jnl))

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, meta.Status)
	assert.NotEmpty(t, meta.EndTime)
	// the final answer still consumes an iteration
	assert.Equal(t, 1, meta.IterationsCompleted)
}

func TestRunExecutesToolThenCompletes(t *testing.T) {
	fake := &fakeProvider{responses: []*providers.ChatResponse{
		toolCall("call_1", "echo_tool", map[string]any{"msg": "hello"}),
		finalAnswer("the output was hello"),
	}}
	te := newTestEngine(t, fake, []config.ToolSpec{echoToolSpec()}, nil)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	assert.Equal(t, []journal.EventType{
		journal.EventRunStart,
		journal.EventUserMessage,
		journal.EventThought,
		journal.EventActionRequest,
		journal.EventActionResult,
		journal.EventThought,
		journal.EventRunEnd,
	}, eventTypes(t, te.jnl))

	events, err := te.jnl.ReadAll()
	require.NoError(t, err)

	var req journal.ActionRequestPayload
	require.NoError(t, events[3].DecodePayload(&req))
	assert.Equal(t, "call_1", req.ActionID)
	assert.Equal(t, "echo_tool", req.ToolName)
	assert.Equal(t, []string{"echo", "hello"}, req.ResolvedCommand)

	var res journal.ActionResultPayload
	require.NoError(t, events[4].DecodePayload(&res))
	assert.Equal(t, "call_1", res.ActionID)
	assert.Equal(t, journal.ActionSuccess, res.Status)
	assert.Contains(t, res.ObservationContent, "hello")
	assert.Equal(t, "call_1", res.ExecutionRef)

	execDir := filepath.Join(te.runDir, "io", "tool_executions", "call_1")
	code, err := os.ReadFile(filepath.Join(execDir, "exit_code.txt"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(code))

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, 2, meta.IterationsCompleted)
}

func TestRunFailingToolRecordsFailedObservation(t *testing.T) {
	spec := config.ToolSpec{
		Name:    "always_fails",
		Command: []string{"sh", "-c", "echo bad >&2; exit 3"},
	}
	fake := &fakeProvider{responses: []*providers.ChatResponse{
		toolCall("call_1", "always_fails", map[string]any{}),
		finalAnswer("the tool failed"),
	}}
	te := newTestEngine(t, fake, []config.ToolSpec{spec}, nil)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	// tool failure is an observation, not a run failure
	assert.Equal(t, journal.StatusCompleted, status)

	events, err := te.jnl.ReadAll()
	require.NoError(t, err)
	var res journal.ActionResultPayload
	require.NoError(t, events[4].DecodePayload(&res))
	assert.Equal(t, journal.ActionFailed, res.Status)
	assert.Contains(t, res.ObservationContent, "bad")
	assert.Contains(t, res.ObservationContent, "exit code: 3")

	code, err := os.ReadFile(filepath.Join(te.runDir, "io", "tool_executions", "call_1", "exit_code.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(code))
}

func TestRunUnknownToolRejected(t *testing.T) {
	fake := &fakeProvider{responses: []*providers.ChatResponse{
		toolCall("call_1", "no_such_tool", map[string]any{}),
		finalAnswer("giving up"),
	}}
	te := newTestEngine(t, fake, nil, nil)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	events, err := te.jnl.ReadAll()
	require.NoError(t, err)
	var res journal.ActionResultPayload
	require.NoError(t, events[4].DecodePayload(&res))
	assert.Equal(t, journal.ActionFailed, res.Status)
	assert.Contains(t, res.ObservationContent, "unknown tool")
	assert.Equal(t, "call_1", res.ExecutionRef)

	// the reference resolves to a real artifact directory even though the
	// command never ran
	execDir := filepath.Join(te.runDir, "io", "tool_executions", "call_1")
	code, err := os.ReadFile(filepath.Join(execDir, "exit_code.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(code))
	stderr, err := os.ReadFile(filepath.Join(execDir, "stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "unknown tool")
}

func TestRunPreToolExecSkip(t *testing.T) {
	skipHook := map[config.HookPoint]config.HookSpec{
		config.HookPreToolExec: {Command: []string{"sh", "-c",
			`echo '{"skip":true,"reason":"cached"}' > "$DELTA_HOOK_IO_PATH/output/control.json"`}},
	}
	fake := &fakeProvider{responses: []*providers.ChatResponse{
		toolCall("call_1", "echo_tool", map[string]any{"msg": "hi"}),
		finalAnswer("skipped"),
	}}
	te := newTestEngine(t, fake, []config.ToolSpec{echoToolSpec()}, skipHook)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	results, err := te.jnl.ReadByType(journal.EventActionResult)
	require.NoError(t, err)
	require.Len(t, results, 1)
	var res journal.ActionResultPayload
	require.NoError(t, results[0].DecodePayload(&res))
	assert.Equal(t, journal.ActionSuccess, res.Status)
	assert.Equal(t, "tool execution skipped: cached", res.ObservationContent)
	assert.Equal(t, "call_1", res.ExecutionRef)

	// skipped executions leave no artifact directory behind the reference
	_, err = os.Stat(filepath.Join(te.runDir, "io", "tool_executions", "call_1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunMaxIterationsReached(t *testing.T) {
	fake := &fakeProvider{}
	for i := 0; i < 10; i++ {
		fake.responses = append(fake.responses, toolCall("", "echo_tool", map[string]any{"msg": "again"}))
	}
	te := newTestEngine(t, fake, []config.ToolSpec{echoToolSpec()}, nil)
	te.MaxIterations = 3

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, status)
	assert.Equal(t, 3, fake.calls)

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, meta.Status)
	assert.Equal(t, "max iterations reached", meta.Error)
}

func TestRunProviderErrorFailsRun(t *testing.T) {
	fake := &fakeProvider{sendErr: errors.New("upstream 500")}
	te := newTestEngine(t, fake, nil, nil)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, status)

	messages, err := te.jnl.ReadByType(journal.EventSystemMessage)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	var payload journal.SystemMessagePayload
	require.NoError(t, messages[0].DecodePayload(&payload))
	assert.Equal(t, journal.LevelError, payload.Level)
	assert.Contains(t, payload.Content, "upstream 500")

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Contains(t, meta.Error, "upstream 500")
}

func TestRunAskHumanParksRun(t *testing.T) {
	fake := &fakeProvider{responses: []*providers.ChatResponse{
		toolCall("call_ask", ToolAskHuman, map[string]any{"prompt": "Deploy to prod?", "sensitive": false}),
	}}
	te := newTestEngine(t, fake, nil, nil)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusWaitingForInput, status)

	raw, err := os.ReadFile(filepath.Join(te.runDir, "interaction", "request.json"))
	require.NoError(t, err)
	var req InteractionRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	assert.Equal(t, "call_ask", req.ActionID)
	assert.Equal(t, "Deploy to prod?", req.Prompt)

	events, err := te.jnl.ReadAll()
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, journal.EventRunEnd, last.Type)
	var end journal.RunEndPayload
	require.NoError(t, last.DecodePayload(&end))
	assert.Equal(t, string(journal.StatusWaitingForInput), end.Status)

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusWaitingForInput, meta.Status)
}

func TestRunResumesAfterInteractionResponse(t *testing.T) {
	fake := &fakeProvider{responses: []*providers.ChatResponse{finalAnswer("thanks")}}
	te := newTestEngine(t, fake, nil, nil)

	// simulate a previously parked run with a response now on disk
	dir := filepath.Join(te.runDir, "interaction")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	req, _ := json.Marshal(InteractionRequest{ActionID: "call_ask", Prompt: "ok?"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "request.json"), req, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "response.txt"), []byte("yes, proceed"), 0o644))

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	results, err := te.jnl.ReadByType(journal.EventActionResult)
	require.NoError(t, err)
	require.Len(t, results, 1)
	var res journal.ActionResultPayload
	require.NoError(t, results[0].DecodePayload(&res))
	assert.Equal(t, "call_ask", res.ActionID)
	assert.Equal(t, journal.ActionSuccess, res.Status)
	assert.Equal(t, "yes, proceed", res.ObservationContent)

	// both interaction files are consumed
	_, err = os.Stat(filepath.Join(dir, "request.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "response.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCanceledContextInterrupts(t *testing.T) {
	fake := &fakeProvider{responses: []*providers.ChatResponse{finalAnswer("never sent")}}
	te := newTestEngine(t, fake, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := te.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, status)
	assert.Zero(t, fake.calls)

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, meta.Status)
}

// interruptingProvider cancels the run context from inside Send, the way a
// signal lands while the model call is in flight.
type interruptingProvider struct {
	fakeProvider
	cancel context.CancelFunc
}

func (p *interruptingProvider) Send(ctx context.Context, _ []byte) (*providers.ChatResponse, error) {
	p.cancel()
	return nil, ctx.Err()
}

func TestRunSignalDuringLLMCallInterrupts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake := &interruptingProvider{cancel: cancel}
	te := newTestEngine(t, &fakeProvider{}, nil, nil)
	te.Provider = fake

	status, err := te.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, status)

	meta, err := te.jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, meta.Status)
	assert.Equal(t, "interrupted by signal", meta.Error)

	// no FAILED bookkeeping: an interruption is not a provider error
	messages, err := te.jnl.ReadByType(journal.EventSystemMessage)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestRunEndHookAuditPrecedesRunEnd(t *testing.T) {
	hookMap := map[config.HookPoint]config.HookSpec{
		config.HookOnRunEnd: {Command: []string{"true"}},
	}
	fake := &fakeProvider{responses: []*providers.ChatResponse{finalAnswer("done")}}
	te := newTestEngine(t, fake, nil, hookMap)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	events, err := te.jnl.ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)

	// RUN_END stays the last event; the hook audit lands just before it
	last := events[len(events)-1]
	assert.Equal(t, journal.EventRunEnd, last.Type)
	audit := events[len(events)-2]
	require.Equal(t, journal.EventHookExecutionAudit, audit.Type)
	var payload journal.HookExecutionAuditPayload
	require.NoError(t, audit.DecodePayload(&payload))
	assert.Equal(t, string(config.HookOnRunEnd), payload.HookName)
	assert.Equal(t, "SUCCESS", payload.Status)
}

func TestRunPreLLMHookReplacesRequest(t *testing.T) {
	hookMap := map[config.HookPoint]config.HookSpec{
		config.HookPreLLMReq: {Command: []string{"sh", "-c",
			`echo '{"rewritten":true}' > "$DELTA_HOOK_IO_PATH/output/final_payload.json"`}},
	}
	fake := &fakeProvider{responses: []*providers.ChatResponse{finalAnswer("ok")}}
	te := newTestEngine(t, fake, nil, hookMap)

	status, err := te.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, status)

	require.Len(t, fake.requests, 1)
	assert.JSONEq(t, `{"rewritten":true}`, string(fake.requests[0]))
}

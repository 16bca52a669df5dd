// Package engine implements the Think-Act-Observe loop. The engine keeps no
// conversation state between iterations: context is rebuilt from the journal
// every time, so a crash at any point leaves a resumable run behind.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/delta/internal/compose"
	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/hooks"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/providers"
	"github.com/nextlevelbuilder/delta/internal/sessions"
	"github.com/nextlevelbuilder/delta/internal/telemetry"
	"github.com/nextlevelbuilder/delta/internal/tools"
)

// DefaultMaxIterations bounds a run when no override is given.
const DefaultMaxIterations = 30

// Engine drives one run to a terminal state.
type Engine struct {
	Config   *config.AgentConfig
	Journal  *journal.Journal
	Provider providers.Provider
	Registry *tools.Registry
	ToolExec *tools.Executor
	HookExec *hooks.Executor
	Builder  *compose.Builder
	Sessions *sessions.Manager
	Tracer   *telemetry.Tracer

	Vars    tools.Vars
	WorkDir string

	// MaxIterations caps the loop; zero means DefaultMaxIterations.
	MaxIterations int
}

func (e *Engine) maxIterations() int {
	if e.MaxIterations > 0 {
		return e.MaxIterations
	}
	return DefaultMaxIterations
}

// Run executes the loop until a terminal condition. The returned status is
// also persisted in run metadata; a non-nil error means the journal or
// filesystem failed and the run state on disk may be incomplete.
func (e *Engine) Run(ctx context.Context) (journal.Status, error) {
	meta, err := e.Journal.ReadMetadata()
	if err != nil {
		return journal.StatusFailed, err
	}

	ctx, span := e.Tracer.StartRun(ctx, e.Journal.RunID(), meta.AgentRef)
	defer span.End()

	if err := e.resumeInteraction(); err != nil {
		return e.fail(err)
	}

	toolDefs := append(e.Registry.ProviderDefs(), builtinDefs()...)

	for iter := meta.IterationsCompleted; iter < e.maxIterations(); iter++ {
		if ctx.Err() != nil {
			return e.interrupt()
		}
		status, done, err := e.iteration(ctx, iter, toolDefs)
		if done || err != nil {
			return status, err
		}
	}

	return e.finish(journal.StatusFailed, "max iterations reached")
}

// iteration runs one Think-Act-Observe pass. done is true when the run
// reached a terminal state inside the pass.
func (e *Engine) iteration(ctx context.Context, iter int, toolDefs []providers.ToolDefinition) (journal.Status, bool, error) {
	ctx, span := e.Tracer.StartIteration(ctx, iter)
	defer span.End()

	resp, invocationID, err := e.think(ctx, toolDefs)
	if err != nil {
		// A cancelled context means the signal landed while waiting on the
		// model; that is an interruption, not a provider failure.
		if ctx.Err() != nil {
			status, ferr := e.interrupt()
			return status, true, ferr
		}
		e.Journal.EngineLog("iteration %d failed: %v", iter, err)
		e.fireOnError(ctx, err)
		if jerr := e.appendSystemError(err); jerr != nil {
			return journal.StatusFailed, true, jerr
		}
		status, ferr := e.finish(journal.StatusFailed, err.Error())
		return status, true, ferr
	}

	if _, err := e.Journal.Append(journal.EventThought, journal.ThoughtPayload{
		Content:          resp.Content,
		LLMInvocationRef: invocationID,
		ToolCalls:        toJournalCalls(resp.ToolCalls),
	}); err != nil {
		return journal.StatusFailed, true, err
	}

	if len(resp.ToolCalls) == 0 {
		if err := e.completeIteration(iter); err != nil {
			return journal.StatusFailed, true, err
		}
		status, ferr := e.finish(journal.StatusCompleted, "")
		return status, true, ferr
	}

	for _, call := range resp.ToolCalls {
		if ctx.Err() != nil {
			status, ferr := e.interrupt()
			return status, true, ferr
		}
		waiting, err := e.dispatch(ctx, call)
		if err != nil {
			return journal.StatusFailed, true, err
		}
		if waiting {
			status, ferr := e.finish(journal.StatusWaitingForInput, "")
			return status, true, ferr
		}
	}

	if err := e.completeIteration(iter); err != nil {
		return journal.StatusFailed, true, err
	}
	return journal.StatusRunning, false, nil
}

func (e *Engine) completeIteration(iter int) error {
	return e.Journal.UpdateMetadata(func(m *journal.RunMetadata) {
		m.IterationsCompleted = iter + 1
	})
}

// think builds context, lets pre_llm_req reshape the request, calls the
// model, and persists the invocation artifacts.
func (e *Engine) think(ctx context.Context, toolDefs []providers.ToolDefinition) (*providers.ChatResponse, string, error) {
	messages, err := e.Builder.Build(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("build context: %w", err)
	}

	body, err := e.Provider.BuildRequest(providers.ChatRequest{
		Messages:    messages,
		Tools:       toolDefs,
		Model:       e.Config.LLM.Model,
		MaxTokens:   e.Config.LLM.MaxTokens,
		Temperature: e.Config.LLM.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	outcome, err := e.HookExec.Run(ctx, config.HookPreLLMReq, e.Journal.NextSeq(), body, true)
	if err != nil {
		return nil, "", err
	}
	// After the hook the request is opaque: use whatever it returned.
	if replacement := outcome.ReplacementPayload(); replacement != nil {
		body = replacement
	}

	invocationID := uuid.NewString()
	if err := e.Journal.SaveInvocation(invocationID, body, nil, nil); err != nil {
		return nil, "", err
	}

	llmCtx, llmSpan := e.Tracer.StartLLMCall(ctx, e.Provider.Name(), e.Config.LLM.Model)
	start := time.Now()
	resp, err := e.Provider.Send(llmCtx, body)
	duration := time.Since(start)
	if err != nil {
		telemetry.RecordError(llmSpan, err)
		llmSpan.End()
		return nil, "", fmt.Errorf("llm call: %w", err)
	}

	invMeta := &journal.InvocationMeta{
		InvocationID: invocationID,
		Model:        e.Config.LLM.Model,
		Provider:     e.Provider.Name(),
		StartTime:    start.UTC().Format(time.RFC3339),
		DurationMs:   duration.Milliseconds(),
	}
	if resp.Usage != nil {
		invMeta.PromptTokens = resp.Usage.PromptTokens
		invMeta.OutputTokens = resp.Usage.CompletionTokens
		telemetry.AddUsage(llmSpan, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	llmSpan.End()
	if err := e.Journal.SaveInvocation(invocationID, nil, resp.Raw, invMeta); err != nil {
		return nil, "", err
	}

	if _, err := e.HookExec.Run(ctx, config.HookPostLLMResp, e.Journal.NextSeq(), resp.Raw, true); err != nil {
		return nil, "", err
	}

	return resp, invocationID, nil
}

// dispatch handles one tool call: validation, ACTION_REQUEST, the
// pre_tool_exec gate, execution, post_tool_exec, ACTION_RESULT. Tool
// failures become FAILED observations and never abort the loop. Returns
// waiting=true when the call was ask_human.
func (e *Engine) dispatch(ctx context.Context, call providers.ToolCall) (bool, error) {
	actionID := call.ID
	if actionID == "" {
		actionID = uuid.NewString()
	}

	ctx, span := e.Tracer.StartToolExec(ctx, call.Name, actionID)
	defer span.End()

	if call.Name == ToolAskHuman {
		return true, e.raiseInteraction(actionID, call.Arguments)
	}

	resolved, bindErr := e.resolve(call)
	if _, err := e.Journal.Append(journal.EventActionRequest, journal.ActionRequestPayload{
		ActionID:        actionID,
		ToolName:        call.Name,
		ToolArgs:        call.Arguments,
		ResolvedCommand: resolved.command(),
	}); err != nil {
		return false, err
	}

	if bindErr != nil {
		slog.Warn("tool call rejected", "tool", call.Name, "error", bindErr)
		// The execution_ref must point at a real artifact directory even
		// though nothing ran.
		if err := e.Journal.SaveToolExecution(actionID, journal.ToolExecution{
			Command:  resolved.command(),
			Stderr:   bindErr.Error(),
			ExitCode: 1,
		}); err != nil {
			return false, err
		}
		return false, e.recordResult(actionID, journal.ActionFailed, bindErr.Error(), actionID)
	}

	skipped, reason, err := e.preToolGate(ctx, actionID, call, resolved.command())
	if err != nil {
		return false, err
	}
	if skipped {
		// Synthetic result: no execution happened, so no artifact
		// directory exists behind the reference.
		obs := "tool execution skipped"
		if reason != "" {
			obs = "tool execution skipped: " + reason
		}
		return false, e.recordResult(actionID, journal.ActionSuccess, obs, actionID)
	}

	observation, execution := e.execute(ctx, call, resolved)

	if err := e.Journal.SaveToolExecution(actionID, execution); err != nil {
		return false, err
	}

	postPayload, _ := json.Marshal(map[string]any{
		"action_id": actionID,
		"tool_name": call.Name,
		"exit_code": execution.ExitCode,
	})
	if _, err := e.HookExec.Run(ctx, config.HookPostToolExec, e.Journal.NextSeq(), postPayload, true); err != nil {
		return false, err
	}

	status := journal.ActionSuccess
	if execution.ExitCode != 0 {
		status = journal.ActionFailed
	}
	return false, e.recordResult(actionID, status, observation, actionID)
}

// resolved is a bound tool call ready to run, or a builtin marker.
type resolvedCall struct {
	spec       config.ToolSpec
	invocation *tools.Invocation
	builtin    bool
	name       string
}

func (r resolvedCall) command() []string {
	if r.invocation != nil {
		return r.invocation.Argv
	}
	return []string{r.name}
}

// resolve validates the tool exists and binds its arguments. Builtins bind
// lazily at execution time.
func (e *Engine) resolve(call providers.ToolCall) (resolvedCall, error) {
	if isBuiltin(call.Name) {
		return resolvedCall{builtin: true, name: call.Name}, nil
	}
	spec, ok := e.Registry.Get(call.Name)
	if !ok {
		return resolvedCall{name: call.Name}, fmt.Errorf("unknown tool %q", call.Name)
	}
	if err := e.Registry.ValidateArgs(call.Name, call.Arguments); err != nil {
		return resolvedCall{name: call.Name, spec: spec}, err
	}
	inv, err := tools.Bind(spec, call.Arguments, e.Vars)
	if err != nil {
		return resolvedCall{name: call.Name, spec: spec}, err
	}
	return resolvedCall{spec: spec, invocation: inv, name: call.Name}, nil
}

// preToolGate fires pre_tool_exec and interprets its control directives.
func (e *Engine) preToolGate(ctx context.Context, actionID string, call providers.ToolCall, resolved []string) (skipped bool, reason string, err error) {
	payload, _ := json.Marshal(map[string]any{
		"action_id":        actionID,
		"tool_name":        call.Name,
		"tool_args":        call.Arguments,
		"resolved_command": resolved,
	})
	outcome, err := e.HookExec.Run(ctx, config.HookPreToolExec, e.Journal.NextSeq(), payload, true)
	if err != nil {
		return false, "", err
	}
	if outcome == nil || outcome.Failed || outcome.Control == nil {
		return false, "", nil
	}
	return outcome.Control.Skip, outcome.Control.Reason, nil
}

// execute runs the call and renders its observation.
func (e *Engine) execute(ctx context.Context, call providers.ToolCall, resolved resolvedCall) (string, journal.ToolExecution) {
	start := time.Now()

	if resolved.builtin {
		content, command, exitCode := e.sessionObservation(call.Name, call.Arguments)
		return content, journal.ToolExecution{
			Command:  command,
			Stdout:   content,
			ExitCode: exitCode,
			Duration: time.Since(start),
		}
	}

	result, err := e.ToolExec.Run(ctx, resolved.invocation, resolved.spec.Timeout())
	if err != nil {
		// Spawn failure: the command never ran.
		return fmt.Sprintf("failed to execute: %v", err), journal.ToolExecution{
			Command:  resolved.invocation.Argv,
			Stderr:   err.Error(),
			ExitCode: -1,
			Duration: time.Since(start),
		}
	}

	observation := formatExecOutput(result.Stdout, result.Stderr, result.ExitCode)
	if result.TimedOut {
		observation += fmt.Sprintf("\ntool timed out after %s", resolved.spec.Timeout())
	}
	return observation, journal.ToolExecution{
		Command:  resolved.invocation.Argv,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Duration: result.Duration,
	}
}

// raiseInteraction records the pending ask_human call and parks the run.
func (e *Engine) raiseInteraction(actionID string, args map[string]any) error {
	if _, err := e.Journal.Append(journal.EventActionRequest, journal.ActionRequestPayload{
		ActionID:        actionID,
		ToolName:        ToolAskHuman,
		ToolArgs:        args,
		ResolvedCommand: []string{ToolAskHuman},
	}); err != nil {
		return err
	}
	return e.writeInteractionRequest(InteractionRequest{
		ActionID:  actionID,
		Prompt:    stringArg(args, "prompt"),
		InputType: stringArg(args, "input_type"),
		Sensitive: boolArg(args, "sensitive"),
	})
}

// resumeInteraction turns a waiting run back into a running one when the
// human response has arrived: the response becomes the pending tool call's
// observation.
func (e *Engine) resumeInteraction() error {
	pending, err := e.pendingInteraction()
	if err != nil || pending == nil {
		return err
	}
	response, ok, err := e.consumeInteractionResponse()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run is waiting for input; no interaction response found")
	}

	if err := e.Journal.SaveToolExecution(pending.ActionID, journal.ToolExecution{
		Command: []string{ToolAskHuman},
		Stdout:  response,
	}); err != nil {
		return err
	}
	if err := e.recordResult(pending.ActionID, journal.ActionSuccess, response, pending.ActionID); err != nil {
		return err
	}
	return e.Journal.UpdateMetadata(func(m *journal.RunMetadata) {
		m.Status = journal.StatusRunning
		m.EndTime = ""
	})
}

func (e *Engine) recordResult(actionID string, status journal.ActionStatus, observation, executionRef string) error {
	_, err := e.Journal.Append(journal.EventActionResult, journal.ActionResultPayload{
		ActionID:           actionID,
		Status:             status,
		ObservationContent: observation,
		ExecutionRef:       executionRef,
	})
	return err
}

// finish fires on_run_end, appends RUN_END, and writes the terminal
// metadata. RUN_END must be the last journal event, so the hook and its
// audit record land before it. The hook runs on a fresh context: the
// run's own context is already cancelled when the run was interrupted.
func (e *Engine) finish(status journal.Status, errMsg string) (journal.Status, error) {
	endPayload, _ := json.Marshal(map[string]any{
		"run_id": e.Journal.RunID(),
		"status": string(status),
	})
	if _, err := e.HookExec.Run(context.Background(), config.HookOnRunEnd, e.Journal.NextSeq(), endPayload, true); err != nil {
		slog.Warn("on_run_end hook bookkeeping failed", "error", err)
	}

	if _, err := e.Journal.Append(journal.EventRunEnd, journal.RunEndPayload{
		Status: string(status),
	}); err != nil {
		return journal.StatusFailed, err
	}
	if err := e.Journal.UpdateMetadata(func(m *journal.RunMetadata) {
		m.Status = status
		m.EndTime = time.Now().UTC().Format(time.RFC3339)
		if errMsg != "" {
			m.Error = errMsg
		}
	}); err != nil {
		return journal.StatusFailed, err
	}
	slog.Info("run finished", "run_id", e.Journal.RunID(), "status", status)
	return status, nil
}

// interrupt finalizes the run after an external termination signal.
func (e *Engine) interrupt() (journal.Status, error) {
	slog.Warn("interrupted, finalizing run", "run_id", e.Journal.RunID())
	return e.finish(journal.StatusInterrupted, "interrupted by signal")
}

// fail finalizes a run broken before the loop could start.
func (e *Engine) fail(err error) (journal.Status, error) {
	if jerr := e.appendSystemError(err); jerr != nil {
		return journal.StatusFailed, jerr
	}
	return e.finish(journal.StatusFailed, err.Error())
}

func (e *Engine) appendSystemError(cause error) error {
	_, err := e.Journal.Append(journal.EventSystemMessage, journal.SystemMessagePayload{
		Level:   journal.LevelError,
		Content: cause.Error(),
	})
	return err
}

// fireOnError runs the on_error hook best-effort.
func (e *Engine) fireOnError(ctx context.Context, cause error) {
	payload, _ := json.Marshal(map[string]any{"error": cause.Error()})
	if _, err := e.HookExec.Run(ctx, config.HookOnError, e.Journal.NextSeq(), payload, true); err != nil {
		slog.Warn("on_error hook bookkeeping failed", "error", err)
	}
}

func toJournalCalls(calls []providers.ToolCall) []journal.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]journal.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = journal.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

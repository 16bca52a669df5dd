// Package compose materializes the LLM message list from the context
// manifest. Builds are pure: the same manifest and journal always produce the
// same messages, which is what makes crashed runs resumable.
package compose

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/providers"
	"github.com/nextlevelbuilder/delta/internal/tools"
)

// Builder resolves a context manifest against one run's journal.
type Builder struct {
	Manifest []config.SourceSpec
	Journal  *journal.Journal
	Vars     tools.Vars
	WorkDir  string
}

// Build walks the manifest in order and concatenates each source's messages.
func (b *Builder) Build(ctx context.Context) ([]providers.Message, error) {
	var messages []providers.Message
	for i, src := range b.Manifest {
		var (
			part []providers.Message
			err  error
		)
		switch src.Type {
		case config.SourceFile:
			part, err = b.materializeFile(src)
		case config.SourceComputedFile:
			part, err = b.materializeComputed(ctx, src)
		case config.SourceJournal:
			part, err = b.materializeJournal(src)
		default:
			err = fmt.Errorf("unknown source type %q", src.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("context source %d (%s): %w", i, sourceID(src, i), err)
		}
		messages = append(messages, part...)
	}
	return messages, nil
}

func sourceID(src config.SourceSpec, i int) string {
	if src.ID != "" {
		return src.ID
	}
	return fmt.Sprintf("%s[%d]", src.Type, i)
}

func (b *Builder) materializeFile(src config.SourceSpec) ([]providers.Message, error) {
	path := b.Vars.Expand(src.Path)
	data, err := os.ReadFile(path)
	if err != nil {
		// Only an explicit skip tolerates a missing file.
		if os.IsNotExist(err) && src.OnMissing == config.MissingSkip {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return []providers.Message{{Role: "system", Content: string(data)}}, nil
}

// materializeComputed runs the generator in the workspace, requires exit 0,
// then reads the produced file. A failing generator fails the whole build;
// the engine aborts the iteration rather than calling the LLM with a partial
// context.
func (b *Builder) materializeComputed(ctx context.Context, src config.SourceSpec) ([]providers.Message, error) {
	argv := b.Vars.ExpandAll(src.GeneratorCommand)
	outputPath := b.Vars.Expand(src.OutputPath)

	runCtx, cancel := context.WithTimeout(ctx, src.GeneratorTimeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = b.WorkDir
	cmd.Env = append(os.Environ(), "AGENT_HOME="+b.Vars.AgentHome, "DELTA_RUN_ID="+b.Vars.RunID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("generator %q timed out after %s", argv[0], src.GeneratorTimeout())
		}
		return nil, fmt.Errorf("generator %q failed: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("generator output %s: %w", outputPath, err)
	}
	return []providers.Message{{Role: "system", Content: string(data)}}, nil
}

// materializeJournal replays the run's conversation. USER_MESSAGE becomes a
// user message, THOUGHT an assistant message carrying its tool calls, and
// ACTION_RESULT a tool message keyed by action id. Everything else is
// engine-internal and contributes nothing to context.
func (b *Builder) materializeJournal(src config.SourceSpec) ([]providers.Message, error) {
	events, err := b.Journal.ReadAll()
	if err != nil {
		return nil, err
	}

	type tagged struct {
		msg       providers.Message
		iteration int // THOUGHTs seen before this message, inclusive of own
		firstUser bool
	}

	var replay []tagged
	thoughts := 0
	sawUser := false
	for _, ev := range events {
		switch ev.Type {
		case journal.EventUserMessage:
			var p journal.UserMessagePayload
			if err := ev.DecodePayload(&p); err != nil {
				return nil, err
			}
			replay = append(replay, tagged{
				msg:       providers.Message{Role: "user", Content: p.Content},
				iteration: thoughts,
				firstUser: !sawUser,
			})
			sawUser = true
		case journal.EventThought:
			var p journal.ThoughtPayload
			if err := ev.DecodePayload(&p); err != nil {
				return nil, err
			}
			thoughts++
			msg := providers.Message{Role: "assistant", Content: p.Content}
			for _, tc := range p.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, providers.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			}
			replay = append(replay, tagged{msg: msg, iteration: thoughts})
		case journal.EventActionResult:
			var p journal.ActionResultPayload
			if err := ev.DecodePayload(&p); err != nil {
				return nil, err
			}
			replay = append(replay, tagged{
				msg:       providers.Message{Role: "tool", Content: p.ObservationContent, ToolCallID: p.ActionID},
				iteration: thoughts,
			})
		}
	}

	// Windowing: keep only the last N THOUGHT-delimited iterations. The
	// initial task message is always retained so the model keeps its goal.
	if src.MaxIterations > 0 && thoughts > src.MaxIterations {
		cutoff := thoughts - src.MaxIterations + 1
		var kept []tagged
		for _, t := range replay {
			if t.firstUser || t.iteration >= cutoff {
				kept = append(kept, t)
			}
		}
		replay = kept
	}

	messages := make([]providers.Message, 0, len(replay))
	for _, t := range replay {
		messages = append(messages, t.msg)
	}
	return messages, nil
}

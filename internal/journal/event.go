package journal

import (
	"encoding/json"
	"fmt"
)

// EventType identifies a journal event. The set is closed: readers treat an
// unknown type as a malformed journal.
type EventType string

const (
	EventRunStart           EventType = "RUN_START"
	EventUserMessage        EventType = "USER_MESSAGE"
	EventThought            EventType = "THOUGHT"
	EventActionRequest      EventType = "ACTION_REQUEST"
	EventActionResult       EventType = "ACTION_RESULT"
	EventSystemMessage      EventType = "SYSTEM_MESSAGE"
	EventHookExecutionAudit EventType = "HOOK_EXECUTION_AUDIT"
	EventRunEnd             EventType = "RUN_END"
)

var knownEventTypes = map[EventType]bool{
	EventRunStart:           true,
	EventUserMessage:        true,
	EventThought:            true,
	EventActionRequest:      true,
	EventActionResult:       true,
	EventSystemMessage:      true,
	EventHookExecutionAudit: true,
	EventRunEnd:             true,
}

// Event is one line of journal.jsonl. Payload is kept raw so readers decode
// only the events they care about.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// ActionStatus is the outcome of a single tool call.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "SUCCESS"
	ActionFailed  ActionStatus = "FAILED"
)

// SystemLevel grades SYSTEM_MESSAGE events.
type SystemLevel string

const (
	LevelInfo  SystemLevel = "INFO"
	LevelWarn  SystemLevel = "WARN"
	LevelError SystemLevel = "ERROR"
)

// ToolCall is the tool invocation structure returned by the LLM, recorded
// verbatim on THOUGHT events and replayed into context builds.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// RunStartPayload opens every journal at seq 1.
type RunStartPayload struct {
	RunID    string `json:"run_id"`
	Task     string `json:"task"`
	AgentRef string `json:"agent_ref"`
}

// UserMessagePayload carries a user turn. The initial task is always the
// USER_MESSAGE at seq 2.
type UserMessagePayload struct {
	Content string `json:"content"`
}

// ThoughtPayload records one LLM response. LLMInvocationRef names the
// io/invocations/<id>/ directory holding the full request and response.
type ThoughtPayload struct {
	Content          string     `json:"content"`
	LLMInvocationRef string     `json:"llm_invocation_ref"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ActionRequestPayload records a tool dispatch with the fully resolved argv.
type ActionRequestPayload struct {
	ActionID        string         `json:"action_id"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args"`
	ResolvedCommand []string       `json:"resolved_command"`
}

// ActionResultPayload records the observation for an ACTION_REQUEST.
// ExecutionRef names io/tool_executions/<id>/; for hook-skipped calls it is
// the synthetic reference with no directory behind it.
type ActionResultPayload struct {
	ActionID           string       `json:"action_id"`
	Status             ActionStatus `json:"status"`
	ObservationContent string       `json:"observation_content"`
	ExecutionRef       string       `json:"execution_ref"`
}

// SystemMessagePayload carries engine-originated notices.
type SystemMessagePayload struct {
	Level   SystemLevel `json:"level"`
	Content string      `json:"content"`
}

// HookExecutionAuditPayload records one lifecycle hook invocation.
type HookExecutionAuditPayload struct {
	HookName  string `json:"hook_name"`
	Status    string `json:"status"` // "SUCCESS" or "FAILED"
	IOPathRef string `json:"io_path_ref"`
}

// RunEndPayload closes the journal. Exactly one per terminal run, always last.
type RunEndPayload struct {
	Status string `json:"status"`
}

// DecodePayload unmarshals the event payload into dst.
func (e Event) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload at seq %d: %w", e.Type, e.Seq, err)
	}
	return nil
}

package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// InvocationMeta is the timing/usage record saved beside each LLM request and
// response under io/invocations/<id>/metadata.json.
type InvocationMeta struct {
	InvocationID string `json:"invocation_id"`
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	StartTime    string `json:"start_time"`
	DurationMs   int64  `json:"duration_ms"`
	PromptTokens int    `json:"prompt_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// SaveInvocation persists the byte-exact LLM request and response envelopes.
// The request is written before the call, so a crash mid-call still leaves
// the request on disk; callers write the response by calling again with the
// same id.
func (j *Journal) SaveInvocation(id string, request, response []byte, meta *InvocationMeta) error {
	dir := filepath.Join(j.runDir, invocationsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create invocation dir: %w", err)
	}
	if request != nil {
		if err := os.WriteFile(filepath.Join(dir, "request.json"), request, 0o644); err != nil {
			return fmt.Errorf("save invocation request: %w", err)
		}
	}
	if response != nil {
		if err := os.WriteFile(filepath.Join(dir, "response.json"), response, 0o644); err != nil {
			return fmt.Errorf("save invocation response: %w", err)
		}
	}
	if meta != nil {
		raw, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal invocation metadata: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
			return fmt.Errorf("save invocation metadata: %w", err)
		}
	}
	return nil
}

// InvocationDir returns the artifact directory for one LLM call.
func (j *Journal) InvocationDir(id string) string {
	return filepath.Join(j.runDir, invocationsDir, id)
}

// ReadInvocationMetas loads every persisted invocation metadata record, used
// to aggregate token usage for the run result.
func (j *Journal) ReadInvocationMetas() ([]InvocationMeta, error) {
	root := filepath.Join(j.runDir, invocationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var metas []InvocationMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var m InvocationMeta
		if json.Unmarshal(raw, &m) == nil {
			metas = append(metas, m)
		}
	}
	return metas, nil
}

// ToolExecution captures the full I/O of one tool subprocess.
type ToolExecution struct {
	Command  []string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// SaveToolExecution persists a tool execution under io/tool_executions/<id>/
// with one file per captured stream, matching the layout every ACTION_RESULT
// references.
func (j *Journal) SaveToolExecution(id string, exec ToolExecution) error {
	dir := filepath.Join(j.runDir, toolExecutionsDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tool execution dir: %w", err)
	}
	cmdJSON, _ := json.Marshal(exec.Command)
	files := map[string][]byte{
		"command.txt":     cmdJSON,
		"stdout.log":      []byte(exec.Stdout),
		"stderr.log":      []byte(exec.Stderr),
		"exit_code.txt":   []byte(strconv.Itoa(exec.ExitCode)),
		"duration_ms.txt": []byte(strconv.FormatInt(exec.Duration.Milliseconds(), 10)),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("save tool execution %s: %w", name, err)
		}
	}
	return nil
}

// ToolExecutionDir returns the artifact directory for one tool call.
func (j *Journal) ToolExecutionDir(id string) string {
	return filepath.Join(j.runDir, toolExecutionsDir, id)
}

// NextHookDir allocates the next io/hooks/<NNN>_<name>/ directory. The
// counter is run-scoped and monotonic so audit ordering matches directory
// listing order.
func (j *Journal) NextHookDir(hookName string) (string, error) {
	j.mu.Lock()
	j.hookSeq++
	n := j.hookSeq
	j.mu.Unlock()

	dir := filepath.Join(j.runDir, hooksDir, fmt.Sprintf("%03d_%s", n, hookName))
	for _, sub := range []string{"input", "output", "execution_meta"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create hook dir: %w", err)
		}
	}
	return dir, nil
}

// InteractionDir returns the run's human-in-the-loop directory, creating it
// on demand.
func (j *Journal) InteractionDir() (string, error) {
	dir := filepath.Join(j.runDir, "interaction")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create interaction dir: %w", err)
	}
	return dir, nil
}

package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveInvocationLayout(t *testing.T) {
	j := openTestJournal(t)

	// Request first, as the engine does before the call goes out.
	require.NoError(t, j.SaveInvocation("inv1", []byte(`{"model":"m"}`), nil, nil))
	dir := j.InvocationDir("inv1")
	req, err := os.ReadFile(filepath.Join(dir, "request.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"model":"m"}`, string(req))

	require.NoError(t, j.SaveInvocation("inv1", nil, []byte(`{"ok":true}`), &InvocationMeta{
		InvocationID: "inv1",
		Provider:     "anthropic",
		DurationMs:   42,
		PromptTokens: 10,
		OutputTokens: 5,
	}))

	for _, name := range []string{"request.json", "response.json", "metadata.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestReadInvocationMetasAggregates(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.SaveInvocation("a", []byte("{}"), []byte("{}"), &InvocationMeta{InvocationID: "a", PromptTokens: 100, OutputTokens: 20}))
	require.NoError(t, j.SaveInvocation("b", []byte("{}"), []byte("{}"), &InvocationMeta{InvocationID: "b", PromptTokens: 200, OutputTokens: 30}))

	metas, err := j.ReadInvocationMetas()
	require.NoError(t, err)
	require.Len(t, metas, 2)

	var prompt, output int
	for _, m := range metas {
		prompt += m.PromptTokens
		output += m.OutputTokens
	}
	assert.Equal(t, 300, prompt)
	assert.Equal(t, 50, output)
}

func TestSaveToolExecutionLayout(t *testing.T) {
	j := openTestJournal(t)

	require.NoError(t, j.SaveToolExecution("act1", ToolExecution{
		Command:  []string{"echo", "hello"},
		Stdout:   "hello\n",
		Stderr:   "",
		ExitCode: 3,
		Duration: 1500 * time.Millisecond,
	}))

	dir := j.ToolExecutionDir("act1")
	cmd, err := os.ReadFile(filepath.Join(dir, "command.txt"))
	require.NoError(t, err)
	assert.JSONEq(t, `["echo","hello"]`, string(cmd))

	exitCode, err := os.ReadFile(filepath.Join(dir, "exit_code.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(exitCode))

	duration, err := os.ReadFile(filepath.Join(dir, "duration_ms.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1500", string(duration))

	stdout, err := os.ReadFile(filepath.Join(dir, "stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(stdout))

	_, err = os.Stat(filepath.Join(dir, "stderr.log"))
	assert.NoError(t, err)
}

func TestNextHookDirNumbering(t *testing.T) {
	j := openTestJournal(t)

	d1, err := j.NextHookDir("pre_tool_exec")
	require.NoError(t, err)
	d2, err := j.NextHookDir("post_tool_exec")
	require.NoError(t, err)

	assert.Equal(t, "001_pre_tool_exec", filepath.Base(d1))
	assert.Equal(t, "002_post_tool_exec", filepath.Base(d2))

	for _, d := range []string{d1, d2} {
		for _, sub := range []string{"input", "output", "execution_meta"} {
			info, err := os.Stat(filepath.Join(d, sub))
			require.NoError(t, err)
			assert.True(t, info.IsDir())
		}
	}
}

func TestHookCounterSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open("run_test", dir)
	require.NoError(t, err)
	_, err = j.Append(EventRunStart, RunStartPayload{RunID: "run_test"})
	require.NoError(t, err)
	_, err = j.NextHookDir("on_error")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open("run_test", dir)
	require.NoError(t, err)
	defer j2.Close()

	d, err := j2.NextHookDir("on_error")
	require.NoError(t, err)
	assert.Equal(t, "002_on_error", filepath.Base(d))
}

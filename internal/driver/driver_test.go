package driver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/delta/internal/config"
	"github.com/nextlevelbuilder/delta/internal/journal"
	"github.com/nextlevelbuilder/delta/internal/workspace"
)

func testWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Resolve(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestResolveRunCreatesNewRun(t *testing.T) {
	ws := testWorkspace(t)

	runID, runDir, resumed, err := resolveRun(ws, Options{})
	require.NoError(t, err)
	assert.False(t, resumed)
	require.NoError(t, workspace.ValidRunID(runID))

	info, err := os.Stat(runDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestResolveRunExplicitIDCollision(t *testing.T) {
	ws := testWorkspace(t)

	_, _, _, err := resolveRun(ws, Options{RunID: "20260826_120000_abc123"})
	require.NoError(t, err)

	_, _, _, err = resolveRun(ws, Options{RunID: "20260826_120000_abc123"})
	require.ErrorIs(t, err, workspace.ErrRunExists)
}

func TestResolveRunContinueRequiresID(t *testing.T) {
	ws := testWorkspace(t)

	_, _, _, err := resolveRun(ws, Options{Continue: true})
	require.ErrorIs(t, err, ErrRunIDRequired)
}

func TestResolveRunContinueMissingRun(t *testing.T) {
	ws := testWorkspace(t)

	_, _, _, err := resolveRun(ws, Options{Continue: true, RunID: "20260826_120000_abc123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func seedRun(t *testing.T, ws *workspace.Workspace, runID string, status journal.Status) *journal.Journal {
	t.Helper()
	runDir, err := ws.CreateRunDir(runID)
	require.NoError(t, err)
	jnl, err := journal.Open(runID, runDir)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	cfg := config.Default()
	cfg.AgentHome = t.TempDir()
	require.NoError(t, prepareNew(jnl, cfg, Options{Message: "original task"}, runID))
	if status != journal.StatusRunning {
		require.NoError(t, jnl.UpdateMetadata(func(m *journal.RunMetadata) {
			m.Status = status
			m.EndTime = "2026-08-26T12:00:05Z"
		}))
	}
	return jnl
}

func TestPrepareNewSeedsJournal(t *testing.T) {
	ws := testWorkspace(t)
	jnl := seedRun(t, ws, "20260826_120000_aaaaaa", journal.StatusRunning)

	events, err := jnl.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, journal.EventRunStart, events[0].Type)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, journal.EventUserMessage, events[1].Type)
	assert.Equal(t, int64(2), events[1].Seq)

	var user journal.UserMessagePayload
	require.NoError(t, events[1].DecodePayload(&user))
	assert.Equal(t, "original task", user.Content)

	meta, err := jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, meta.Status)
	assert.Equal(t, os.Getpid(), meta.PID)
	assert.NotEmpty(t, meta.Hostname)
	assert.NotEmpty(t, meta.ProcessName)
}

func TestPrepareResumeTerminalNoMessage(t *testing.T) {
	ws := testWorkspace(t)
	jnl := seedRun(t, ws, "20260826_120000_bbbbbb", journal.StatusCompleted)

	err := prepareResume(jnl, config.Default(), Options{})
	require.ErrorIs(t, err, errAlreadyTerminal)

	meta, err := jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, meta.Status)
}

func TestPrepareResumeTerminalWithMessage(t *testing.T) {
	ws := testWorkspace(t)
	jnl := seedRun(t, ws, "20260826_120000_cccccc", journal.StatusCompleted)

	require.NoError(t, prepareResume(jnl, config.Default(), Options{Message: "and now do this"}))

	events, err := jnl.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, journal.EventUserMessage, events[2].Type)
	var user journal.UserMessagePayload
	require.NoError(t, events[2].DecodePayload(&user))
	assert.Equal(t, "and now do this", user.Content)

	meta, err := jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, meta.Status)
	assert.Empty(t, meta.EndTime)
}

func TestPrepareResumeWaitingWritesResponse(t *testing.T) {
	ws := testWorkspace(t)
	jnl := seedRun(t, ws, "20260826_120000_dddddd", journal.StatusWaitingForInput)

	require.NoError(t, prepareResume(jnl, config.Default(), Options{Message: "yes"}))

	dir, err := jnl.InteractionDir()
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, "response.txt"))
	require.NoError(t, err)
	assert.Equal(t, "yes", string(raw))

	// no new USER_MESSAGE: the message is the interaction answer
	events, err := jnl.ReadAll()
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPrepareResumeWaitingNoMessageStaysParked(t *testing.T) {
	ws := testWorkspace(t)
	jnl := seedRun(t, ws, "20260826_120000_ffffff", journal.StatusWaitingForInput)

	dir, err := jnl.InteractionDir()
	require.NoError(t, err)
	reqPath := filepath.Join(dir, "request.json")
	require.NoError(t, os.WriteFile(reqPath, []byte(`{"action_id":"call_ask"}`), 0o644))

	err = prepareResume(jnl, config.Default(), Options{})
	require.ErrorIs(t, err, errStillWaiting)

	// nothing was mutated: the run stays parked and the pending request
	// survives for the next attempt
	meta, err := jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusWaitingForInput, meta.Status)

	raw, err := os.ReadFile(reqPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action_id":"call_ask"}`, string(raw))

	_, err = os.Stat(filepath.Join(dir, "response.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaxIterationsPrecedence(t *testing.T) {
	cfg := config.Default()
	cfg.MaxIterations = 20

	assert.Equal(t, 20, maxIterations(Options{}, cfg))
	assert.Equal(t, 7, maxIterations(Options{MaxIterations: 7}, cfg))
}

func TestResultExitCode(t *testing.T) {
	cases := []struct {
		status journal.Status
		code   int
	}{
		{journal.StatusCompleted, ExitOK},
		{journal.StatusFailed, ExitFailure},
		{journal.StatusWaitingForInput, ExitWaitingForInput},
		{journal.StatusInterrupted, ExitInterrupted},
	}
	for _, tc := range cases {
		r := &Result{Status: tc.status}
		assert.Equal(t, tc.code, r.ExitCode(), tc.status)
	}
}

func TestFinalizeSetupFailure(t *testing.T) {
	ws := testWorkspace(t)
	jnl := seedRun(t, ws, "20260826_120000_eeeeee", journal.StatusRunning)

	finalizeSetupFailure(jnl, os.ErrPermission)

	meta, err := jnl.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, meta.Status)
	assert.NotEmpty(t, meta.EndTime)
	assert.NotEmpty(t, meta.Error)

	events, err := jnl.ReadAll()
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, journal.EventRunEnd, last.Type)
}

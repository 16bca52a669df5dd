package workspace

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/delta/internal/journal"
)

func TestResolveCreatesControlPlane(t *testing.T) {
	root := t.TempDir()
	ws, err := Resolve(root)
	require.NoError(t, err)

	version, err := os.ReadFile(filepath.Join(ws.Root, ControlDir, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion+"\n", string(version))

	// Resolving again must not rewrite anything.
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, ControlDir, "VERSION"), []byte("9.9\n"), 0o644))
	_, err = Resolve(root)
	require.NoError(t, err)
	version, err = os.ReadFile(filepath.Join(ws.Root, ControlDir, "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, "9.9\n", string(version))
}

func TestNewRunIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		id := NewRunID()
		assert.Regexp(t, re, id)
		assert.False(t, seen[id], "duplicate run id %s", id)
		seen[id] = true
	}
}

func TestValidRunID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"20260826_120000_abc123", false},
		{"my-run", false},
		{"", true},
		{"../escape", true},
		{"a/b", true},
		{`a\b`, true},
		{".", true},
		{"..", true},
		{"VERSION", true},
	}
	for _, tt := range tests {
		err := ValidRunID(tt.id)
		if tt.wantErr {
			assert.Error(t, err, tt.id)
		} else {
			assert.NoError(t, err, tt.id)
		}
	}
}

func TestCreateRunDirDuplicate(t *testing.T) {
	ws, err := Resolve(t.TempDir())
	require.NoError(t, err)

	dir, err := ws.CreateRunDir("X")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sentinel"), []byte("keep"), 0o644))

	_, err = ws.CreateRunDir("X")
	require.ErrorIs(t, err, ErrRunExists)
	assert.Contains(t, err.Error(), "Run ID 'X' already exists")

	// The existing run must be untouched.
	content, err := os.ReadFile(filepath.Join(dir, "sentinel"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(content))
}

func TestListRunsNewestFirst(t *testing.T) {
	ws, err := Resolve(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"20260101_000000_aaaaaa", "20260102_000000_bbbbbb"} {
		dir, err := ws.CreateRunDir(id)
		require.NoError(t, err)
		require.NoError(t, journal.WriteMetadataFile(dir, journal.RunMetadata{
			RunID:  id,
			Status: journal.StatusCompleted,
		}))
	}
	// Sessions dir and uninitialized run dirs are skipped.
	require.NoError(t, os.MkdirAll(ws.SessionsDir(), 0o755))
	_, err = ws.CreateRunDir("20260103_000000_cccccc")
	require.NoError(t, err)

	runs, err := ws.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "20260102_000000_bbbbbb", runs[0].RunID)
	assert.Equal(t, "20260101_000000_aaaaaa", runs[1].RunID)
}

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/delta/internal/config"
)

func TestBindInjectionModes(t *testing.T) {
	spec := config.ToolSpec{
		Name:    "deploy",
		Command: []string{"deployctl", "--verbose"},
		Parameters: []config.Parameter{
			{Name: "target", Type: config.TypeString, Required: true, InjectAs: config.InjectArgument},
			{Name: "region", Type: config.TypeString, InjectAs: config.InjectOption, OptionName: "--region"},
			{Name: "manifest", Type: config.TypeString, InjectAs: config.InjectStdin},
		},
	}

	inv, err := Bind(spec, map[string]any{
		"target":   "prod",
		"region":   "us-east-1",
		"manifest": "replicas: 3",
	}, Vars{})
	require.NoError(t, err)

	assert.Equal(t, []string{"deployctl", "--verbose", "prod", "--region", "us-east-1"}, inv.Argv)
	assert.True(t, inv.HasStdin)
	assert.Equal(t, "replicas: 3", inv.Stdin)
}

func TestBindMissingRequired(t *testing.T) {
	spec := config.ToolSpec{
		Name:    "echo",
		Command: []string{"echo"},
		Parameters: []config.Parameter{
			{Name: "msg", Type: config.TypeString, Required: true, InjectAs: config.InjectArgument},
		},
	}
	_, err := Bind(spec, map[string]any{}, Vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required parameter "msg"`)
}

func TestBindOptionalOmitted(t *testing.T) {
	spec := config.ToolSpec{
		Name:    "ls",
		Command: []string{"ls"},
		Parameters: []config.Parameter{
			{Name: "path", Type: config.TypeString, InjectAs: config.InjectArgument},
		},
	}
	inv, err := Bind(spec, map[string]any{}, Vars{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ls"}, inv.Argv)
	assert.False(t, inv.HasStdin)
}

func TestBindValueFormatting(t *testing.T) {
	spec := config.ToolSpec{
		Name:    "calc",
		Command: []string{"calc"},
		Parameters: []config.Parameter{
			{Name: "count", Type: config.TypeNumber, InjectAs: config.InjectArgument},
			{Name: "ratio", Type: config.TypeNumber, InjectAs: config.InjectArgument},
			{Name: "dry", Type: config.TypeBoolean, InjectAs: config.InjectArgument},
		},
	}

	// JSON numbers arrive as float64.
	inv, err := Bind(spec, map[string]any{
		"count": float64(42),
		"ratio": 0.5,
		"dry":   true,
	}, Vars{})
	require.NoError(t, err)
	assert.Equal(t, []string{"calc", "42", "0.5", "true"}, inv.Argv)
}

func TestBindExpandsVariables(t *testing.T) {
	spec := config.ToolSpec{
		Name:    "cat",
		Command: []string{"cat", "${AGENT_HOME}/prompt.md"},
	}
	inv, err := Bind(spec, nil, Vars{AgentHome: "/agents/a1", CWD: "/ws", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "/agents/a1/prompt.md"}, inv.Argv)
}

func TestVarsExpand(t *testing.T) {
	v := Vars{AgentHome: "/home/agent", CWD: "/workspace", RunID: "20260826_1200_abc123"}

	assert.Equal(t, "/home/agent/x", v.Expand("${AGENT_HOME}/x"))
	assert.Equal(t, "/workspace", v.Expand("${CWD}"))
	assert.Equal(t, "run 20260826_1200_abc123", v.Expand("run ${RUN_ID}"))
	assert.Equal(t, "${OTHER}", v.Expand("${OTHER}"))

	all := v.ExpandAll([]string{"ls", "${CWD}"})
	assert.Equal(t, []string{"ls", "/workspace"}, all)
}

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/delta/internal/config"
)

func testRegistry() *Registry {
	return NewRegistry([]config.ToolSpec{
		{
			Name:        "echo",
			Description: "print a message",
			Command:     []string{"echo"},
			Parameters: []config.Parameter{
				{Name: "msg", Type: config.TypeString, Required: true, InjectAs: config.InjectArgument},
				{Name: "count", Type: config.TypeNumber, InjectAs: config.InjectOption, OptionName: "-n"},
			},
		},
		{
			Name:    "noop",
			Command: []string{"true"},
		},
	})
}

func TestRegistryLookup(t *testing.T) {
	r := testRegistry()

	spec, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", spec.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"echo", "noop"}, r.Names())
}

func TestProviderDefsSchema(t *testing.T) {
	defs := testRegistry().ProviderDefs()
	require.Len(t, defs, 2)

	echo := defs[0]
	assert.Equal(t, "echo", echo.Name)
	assert.Equal(t, "print a message", echo.Description)
	assert.Equal(t, "object", echo.Parameters["type"])

	props := echo.Parameters["properties"].(map[string]any)
	assert.Contains(t, props, "msg")
	assert.Contains(t, props, "count")
	assert.Equal(t, []string{"msg"}, echo.Parameters["required"])

	// A tool without parameters still gets a valid object schema.
	noop := defs[1]
	assert.Equal(t, "object", noop.Parameters["type"])
	_, hasRequired := noop.Parameters["required"]
	assert.False(t, hasRequired)
}

func TestValidateArgs(t *testing.T) {
	r := testRegistry()

	assert.NoError(t, r.ValidateArgs("echo", map[string]any{"msg": "hi"}))
	assert.NoError(t, r.ValidateArgs("echo", map[string]any{"msg": "hi", "count": 3.0}))

	err := r.ValidateArgs("echo", map[string]any{"msg": 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments")

	err = r.ValidateArgs("echo", map[string]any{})
	require.Error(t, err)

	err = r.ValidateArgs("missing", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestValidateArgsCachesSchema(t *testing.T) {
	r := testRegistry()
	require.NoError(t, r.ValidateArgs("echo", map[string]any{"msg": "a"}))
	require.NoError(t, r.ValidateArgs("echo", map[string]any{"msg": "b"}))
	assert.Len(t, r.schemas, 1)
}

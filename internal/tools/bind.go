package tools

import (
	"fmt"
	"strconv"

	"github.com/nextlevelbuilder/delta/internal/config"
)

// Invocation is a fully bound tool call ready to execute: resolved argv plus
// optional buffered stdin.
type Invocation struct {
	Argv     []string
	Stdin    string
	HasStdin bool
}

// Bind resolves a tool definition and LLM-supplied arguments into an
// Invocation. Parameters are walked in definition order: argument-injected
// values append after the template tokens, option-injected values append as
// "option_name value" pairs, and the single stdin parameter is buffered.
func Bind(spec config.ToolSpec, args map[string]any, vars Vars) (*Invocation, error) {
	inv := &Invocation{Argv: vars.ExpandAll(spec.Command)}

	for _, p := range spec.Parameters {
		raw, present := args[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("tool %q: missing required parameter %q", spec.Name, p.Name)
			}
			continue
		}
		value, err := formatValue(raw, p.Type)
		if err != nil {
			return nil, fmt.Errorf("tool %q: parameter %q: %w", spec.Name, p.Name, err)
		}

		switch p.InjectAs {
		case config.InjectArgument:
			inv.Argv = append(inv.Argv, value)
		case config.InjectOption:
			inv.Argv = append(inv.Argv, p.OptionName, value)
		case config.InjectStdin:
			inv.Stdin = value
			inv.HasStdin = true
		}
	}
	return inv, nil
}

// formatValue renders an argument value as the string handed to the
// subprocess. Numbers keep their JSON form; booleans are "true"/"false".
func formatValue(raw any, typ config.ParamType) (string, error) {
	switch typ {
	case config.TypeString:
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case config.TypeNumber:
		switch n := raw.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(n), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		default:
			return "", fmt.Errorf("expected number, got %T", raw)
		}
	case config.TypeBoolean:
		b, ok := raw.(bool)
		if !ok {
			return "", fmt.Errorf("expected boolean, got %T", raw)
		}
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("unknown parameter type %q", typ)
}

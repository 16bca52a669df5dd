package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Simplified tool syntax. `exec:` templates are tokenized and run directly,
// so shell metacharacters are rejected outright. `shell:` templates run under
// sh -c with placeholders rewritten to positional parameters, so values are
// quoted by the shell and never interpolated textually.

var (
	placeholderRe   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	shellMetacharRe = regexp.MustCompile("[;&|`$<>(){}\\\\\"']")
)

// compileToolSpec rewrites the Exec/Shell sugar into the canonical
// Command+Parameters shape. No-op for tools already in canonical form.
func compileToolSpec(t *ToolSpec) error {
	switch {
	case t.Exec != "" && t.Shell != "":
		return fmt.Errorf("exec and shell are mutually exclusive")
	case t.Exec != "" && len(t.Command) > 0, t.Shell != "" && len(t.Command) > 0:
		return fmt.Errorf("command cannot be combined with exec/shell")
	case t.Exec != "":
		return compileExec(t)
	case t.Shell != "":
		return compileShell(t)
	default:
		if t.Stdin != "" {
			return fmt.Errorf("stdin shorthand requires exec or shell form")
		}
		return nil
	}
}

func compileExec(t *ToolSpec) error {
	tokens := strings.Fields(t.Exec)
	if len(tokens) == 0 {
		return fmt.Errorf("exec template is empty")
	}

	var command []string
	var order []string
	for _, tok := range tokens {
		names := placeholderRe.FindAllStringSubmatch(tok, -1)
		if len(names) == 0 || isRuntimeVar(names[0][1]) {
			// Literal token. Variables like ${AGENT_HOME} are resolved at
			// dispatch; anything shell-ish in a literal is an injection risk.
			if shellMetacharRe.MatchString(stripRuntimeVars(tok)) {
				return fmt.Errorf("exec template token %q contains shell metacharacters", tok)
			}
			if len(order) > 0 {
				return fmt.Errorf("exec literal %q follows a placeholder; bound values are appended after the template", tok)
			}
			command = append(command, tok)
			continue
		}
		if tok != names[0][0] {
			return fmt.Errorf("exec placeholder %q must be a whole token", tok)
		}
		order = append(order, names[0][1])
	}

	t.Command = command
	t.Parameters = synthesizeParams(t, order)
	t.Exec = ""
	return nil
}

func compileShell(t *ToolSpec) error {
	script := t.Shell
	var order []string
	script = placeholderRe.ReplaceAllStringFunc(script, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if isRuntimeVar(name) {
			return m
		}
		order = append(order, name)
		return fmt.Sprintf(`"$%d"`, len(order))
	})

	// sh -c "<script>" sh v1 v2 ... — values land in $1.. and are expanded
	// by the shell as quoted words, never re-parsed.
	t.Command = []string{"sh", "-c", script, "sh"}
	t.Parameters = synthesizeParams(t, order)
	t.Shell = ""
	return nil
}

// synthesizeParams builds the parameter list for a simplified template:
// placeholders in order as argument-injected parameters, plus the optional
// stdin parameter. Declared parameters contribute metadata by name.
func synthesizeParams(t *ToolSpec, order []string) []Parameter {
	declared := map[string]Parameter{}
	for _, p := range t.Parameters {
		declared[p.Name] = p
	}

	var params []Parameter
	for _, name := range order {
		p, ok := declared[name]
		if !ok {
			p = Parameter{Name: name, Type: TypeString, Required: true}
		}
		p.InjectAs = InjectArgument
		p.OptionName = ""
		params = append(params, p)
	}
	if t.Stdin != "" {
		p, ok := declared[t.Stdin]
		if !ok {
			p = Parameter{Name: t.Stdin, Type: TypeString, Required: true}
		}
		p.InjectAs = InjectStdin
		p.OptionName = ""
		params = append(params, p)
		t.Stdin = ""
	}
	return params
}

// Runtime variables resolved by the executor, not tool parameters.
func isRuntimeVar(name string) bool {
	switch name {
	case "AGENT_HOME", "CWD", "RUN_ID":
		return true
	}
	return false
}

func stripRuntimeVars(tok string) string {
	return placeholderRe.ReplaceAllStringFunc(tok, func(m string) string {
		if isRuntimeVar(placeholderRe.FindStringSubmatch(m)[1]) {
			return ""
		}
		return m
	})
}

package tools

import "strings"

// Vars are the runtime variables substituted into command templates and
// context-source paths. AGENT_HOME is also exported into child environments.
type Vars struct {
	AgentHome string
	CWD       string
	RunID     string
}

// Expand replaces ${AGENT_HOME}, ${CWD} and ${RUN_ID} in s.
func (v Vars) Expand(s string) string {
	r := strings.NewReplacer(
		"${AGENT_HOME}", v.AgentHome,
		"${CWD}", v.CWD,
		"${RUN_ID}", v.RunID,
	)
	return r.Replace(s)
}

// ExpandAll expands every element of argv, returning a fresh slice.
func (v Vars) ExpandAll(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = v.Expand(a)
	}
	return out
}

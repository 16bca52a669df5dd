// Package config loads and validates agent configuration. The loaded shape
// (tools, hooks, context manifest, LLM settings) is the contract the engine
// consumes; definition errors are fatal before any journal is opened.
package config

import (
	"fmt"
	"time"
)

// ParamType is the closed set of tool parameter types.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// InjectMode selects how a bound parameter reaches the subprocess.
type InjectMode string

const (
	InjectArgument InjectMode = "argument"
	InjectStdin    InjectMode = "stdin"
	InjectOption   InjectMode = "option"
)

// HookPoint is the closed set of lifecycle points.
type HookPoint string

const (
	HookPreLLMReq    HookPoint = "pre_llm_req"
	HookPostLLMResp  HookPoint = "post_llm_resp"
	HookPreToolExec  HookPoint = "pre_tool_exec"
	HookPostToolExec HookPoint = "post_tool_exec"
	HookOnError      HookPoint = "on_error"
	HookOnRunEnd     HookPoint = "on_run_end"
)

var knownHookPoints = map[HookPoint]bool{
	HookPreLLMReq:    true,
	HookPostLLMResp:  true,
	HookPreToolExec:  true,
	HookPostToolExec: true,
	HookOnError:      true,
	HookOnRunEnd:     true,
}

const (
	// DefaultHookTimeout applies when a hook omits timeout_ms.
	DefaultHookTimeout = 30 * time.Second
	// MinHookTimeout and MaxHookTimeout bound the configurable range.
	MinHookTimeout = 100 * time.Millisecond
	MaxHookTimeout = 10 * time.Minute

	// DefaultToolTimeout bounds tool subprocess wall clock.
	DefaultToolTimeout = 30 * time.Second
	// DefaultGeneratorTimeout bounds computed-file generator commands.
	DefaultGeneratorTimeout = 30 * time.Second
)

// Parameter is one tool parameter slot.
type Parameter struct {
	Name        string     `yaml:"name" json:"name"`
	Type        ParamType  `yaml:"type" json:"type"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool       `yaml:"required,omitempty" json:"required,omitempty"`
	InjectAs    InjectMode `yaml:"inject_as" json:"inject_as"`
	OptionName  string     `yaml:"option_name,omitempty" json:"option_name,omitempty"`
}

// ToolSpec is one tool definition. Either the canonical form (Command +
// Parameters) or the simplified Exec/Shell templates may be used; the
// simplified forms are compiled to the canonical shape at load time.
type ToolSpec struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Command     []string    `yaml:"command,omitempty" json:"command,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Exec        string      `yaml:"exec,omitempty" json:"exec,omitempty"`
	Shell       string      `yaml:"shell,omitempty" json:"shell,omitempty"`
	Stdin       string      `yaml:"stdin,omitempty" json:"stdin,omitempty"` // parameter name fed via stdin (simplified forms)
	TimeoutMs   int         `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Timeout returns the tool's wall-clock budget.
func (t ToolSpec) Timeout() time.Duration {
	if t.TimeoutMs > 0 {
		return time.Duration(t.TimeoutMs) * time.Millisecond
	}
	return DefaultToolTimeout
}

// HookSpec is one lifecycle hook command.
type HookSpec struct {
	Command   []string `yaml:"command" json:"command"`
	TimeoutMs int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// Timeout returns the hook budget, defaulted and clamped to [100ms, 10m].
func (h HookSpec) Timeout() time.Duration {
	if h.TimeoutMs <= 0 {
		return DefaultHookTimeout
	}
	d := time.Duration(h.TimeoutMs) * time.Millisecond
	if d < MinHookTimeout {
		return MinHookTimeout
	}
	if d > MaxHookTimeout {
		return MaxHookTimeout
	}
	return d
}

// SourceKind tags a context manifest entry.
type SourceKind string

const (
	SourceFile         SourceKind = "file"
	SourceComputedFile SourceKind = "computed_file"
	SourceJournal      SourceKind = "journal"
)

// OnMissing selects file-source behavior for absent paths.
type OnMissing string

const (
	MissingError OnMissing = "error"
	MissingSkip  OnMissing = "skip"
)

// SourceSpec is one entry of the context manifest, a tagged union over the
// three source kinds.
type SourceSpec struct {
	Type SourceKind `yaml:"type" json:"type"`
	ID   string     `yaml:"id,omitempty" json:"id,omitempty"`

	// file
	Path      string    `yaml:"path,omitempty" json:"path,omitempty"`
	OnMissing OnMissing `yaml:"on_missing,omitempty" json:"on_missing,omitempty"`

	// computed_file
	GeneratorCommand []string `yaml:"generator_command,omitempty" json:"generator_command,omitempty"`
	OutputPath       string   `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	TimeoutMs        int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`

	// journal
	MaxIterations int `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// GeneratorTimeout returns the computed-file budget.
func (s SourceSpec) GeneratorTimeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return DefaultGeneratorTimeout
}

// LLMConfig selects and tunes the provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider" json:"provider"` // "anthropic" or "openai"
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	RPM         int     `yaml:"rpm,omitempty" json:"rpm,omitempty"` // 0 = unlimited
}

// TelemetryConfig enables OTLP trace export. Off by default.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint    string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty" json:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty" json:"sample_ratio,omitempty"`
}

// AgentConfig is the root configuration loaded from the agent directory.
type AgentConfig struct {
	Name          string                 `yaml:"name" json:"name"`
	LLM           LLMConfig              `yaml:"llm" json:"llm"`
	MaxIterations int                    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	Tools         []ToolSpec             `yaml:"tools,omitempty" json:"tools,omitempty"`
	Hooks         map[HookPoint]HookSpec `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	Context       []SourceSpec           `yaml:"context,omitempty" json:"context,omitempty"`
	Telemetry     TelemetryConfig        `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`

	// AgentHome is the directory the config was loaded from. Set by Load,
	// never serialized.
	AgentHome string `yaml:"-" json:"-"`
}

// Default returns an AgentConfig with sensible defaults.
func Default() *AgentConfig {
	return &AgentConfig{
		Name: "agent",
		LLM: LLMConfig{
			Provider:    "anthropic",
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		MaxIterations: 30,
		Context: []SourceSpec{
			{Type: SourceFile, ID: "system_prompt", Path: "${AGENT_HOME}/system_prompt.md", OnMissing: MissingSkip},
			{Type: SourceJournal, ID: "conversation"},
		},
	}
}

// Validate checks every definition the engine will consume. Any failure here
// is a configuration error: fatal before a run starts.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: agent name is required")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("config: max_iterations must be positive")
	}

	seen := map[string]bool{}
	for i := range c.Tools {
		t := &c.Tools[i]
		if t.Name == "" {
			return fmt.Errorf("config: tool %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
		if err := compileToolSpec(t); err != nil {
			return fmt.Errorf("config: tool %q: %w", t.Name, err)
		}
		if err := validateToolSpec(*t); err != nil {
			return fmt.Errorf("config: tool %q: %w", t.Name, err)
		}
	}

	for point, h := range c.Hooks {
		if !knownHookPoints[point] {
			return fmt.Errorf("config: unknown hook point %q", point)
		}
		if len(h.Command) == 0 {
			return fmt.Errorf("config: hook %s has an empty command", point)
		}
	}

	journalSources := 0
	for i, s := range c.Context {
		switch s.Type {
		case SourceFile:
			if s.Path == "" {
				return fmt.Errorf("config: context source %d: file source requires path", i)
			}
			if s.OnMissing != "" && s.OnMissing != MissingError && s.OnMissing != MissingSkip {
				return fmt.Errorf("config: context source %d: invalid on_missing %q", i, s.OnMissing)
			}
		case SourceComputedFile:
			if len(s.GeneratorCommand) == 0 || s.OutputPath == "" {
				return fmt.Errorf("config: context source %d: computed_file requires generator_command and output_path", i)
			}
		case SourceJournal:
			if s.MaxIterations < 0 {
				return fmt.Errorf("config: context source %d: max_iterations must not be negative", i)
			}
			journalSources++
		default:
			return fmt.Errorf("config: context source %d: unknown type %q", i, s.Type)
		}
	}
	if journalSources == 0 {
		return fmt.Errorf("config: context manifest must include a journal source")
	}
	return nil
}

func validateToolSpec(t ToolSpec) error {
	if len(t.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	stdinParams := 0
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		switch p.Type {
		case TypeString, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
		switch p.InjectAs {
		case InjectArgument:
		case InjectStdin:
			stdinParams++
		case InjectOption:
			if p.OptionName == "" {
				return fmt.Errorf("parameter %q: option injection requires option_name", p.Name)
			}
		default:
			return fmt.Errorf("parameter %q: unknown inject_as %q", p.Name, p.InjectAs)
		}
	}
	if stdinParams > 1 {
		return fmt.Errorf("at most one parameter may use inject_as: stdin")
	}
	return nil
}

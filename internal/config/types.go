package config

import (
	"fmt"
	"time"

	"github.com/storyflowhq/storyflow/internal/stage"
)

// Stage kinds. Each stage config is one variant of a tagged union; which
// fields are required depends on the kind and is validated at load time.
const (
	KindSpawn    = "spawn"    // run an agent CLI with a rendered prompt
	KindCommand  = "command"  // run a rendered shell command
	KindDelegate = "delegate" // run another layer's stages inline
)

// DefaultStageTimeout applies when a stage omits its timeout.
const DefaultStageTimeout = 30 * time.Minute

// AgentConfig defines one agent CLI the pipeline can spawn.
type AgentConfig struct {
	Command string   `koanf:"command" yaml:"command"` // binary name (e.g. "claude")
	Args    []string `koanf:"args" yaml:"args"`       // base args prepended to every invocation
	Model   string   `koanf:"model" yaml:"model"`     // optional model override
}

// RetryConfig is the config-facing shape of stage.RetryPolicy.
type RetryConfig struct {
	MaxAttempts int    `koanf:"max_attempts" yaml:"max_attempts"`
	OnFailure   string `koanf:"on_failure" yaml:"on_failure"` // abort | continue | fix_and_retry
}

// StageConfig is one stage definition. Kind selects the variant:
//   - spawn: Agent + Prompt required
//   - command: Command required
//   - delegate: Layer required
//
// Fix fields configure the optional corrective invocation run between
// failed attempts under fix_and_retry; the fix is always an agent spawn.
type StageConfig struct {
	Kind string `koanf:"kind" yaml:"kind"`

	// spawn variant
	Agent  string `koanf:"agent" yaml:"agent"`
	Prompt string `koanf:"prompt" yaml:"prompt"`

	// command variant
	Command string `koanf:"command" yaml:"command"`

	// delegate variant
	Layer *int `koanf:"layer" yaml:"layer"`

	// common
	DependsOn   []string    `koanf:"depends_on" yaml:"depends_on"`
	TimeoutSecs int         `koanf:"timeout" yaml:"timeout"`
	Retry       RetryConfig `koanf:"retry" yaml:"retry"`
	Disabled    bool        `koanf:"disabled" yaml:"disabled"`

	FixAgent       string `koanf:"fix_agent" yaml:"fix_agent"` // defaults to Agent for spawn stages
	FixPrompt      string `koanf:"fix_prompt" yaml:"fix_prompt"`
	FixTimeoutSecs int    `koanf:"fix_timeout" yaml:"fix_timeout"` // defaults to the stage timeout
}

// Timeout returns the stage's effective timeout.
func (s StageConfig) Timeout() time.Duration {
	if s.TimeoutSecs <= 0 {
		return DefaultStageTimeout
	}
	return time.Duration(s.TimeoutSecs) * time.Second
}

// FixTimeout returns the fix invocation's effective timeout.
func (s StageConfig) FixTimeout() time.Duration {
	if s.FixTimeoutSecs <= 0 {
		return s.Timeout()
	}
	return time.Duration(s.FixTimeoutSecs) * time.Second
}

// PathsConfig locates the backlog and local state.
type PathsConfig struct {
	StoriesDir string `koanf:"stories_dir" yaml:"stories_dir"`
	StateDir   string `koanf:"state_dir" yaml:"state_dir"`
}

// IntegrationConfig drives the git/PR integration step of layer 3.
type IntegrationConfig struct {
	BaseBranch  string `koanf:"base_branch" yaml:"base_branch"`
	Remote      string `koanf:"remote" yaml:"remote"`
	UseWorktree bool   `koanf:"use_worktree" yaml:"use_worktree"` // isolate each run in a git worktree
	Push        bool   `koanf:"push" yaml:"push"`
	CreatePR    bool   `koanf:"create_pr" yaml:"create_pr"` // requires the gh CLI
}

// Config is the top-level configuration.
type Config struct {
	Agents      map[string]AgentConfig `koanf:"agents" yaml:"agents"`
	Stages      map[string]StageConfig `koanf:"stages" yaml:"stages"`
	Layers      map[string][]string    `koanf:"layers" yaml:"layers"` // "0".."3" -> ordered stage names
	Paths       PathsConfig            `koanf:"paths" yaml:"paths"`
	Integration IntegrationConfig      `koanf:"integration" yaml:"integration"`
}

// Policy returns the retry policy for a stage. Omitted max_attempts means 1;
// disabling a stage is done with `disabled: true`, not a zero attempt count.
func (c *Config) Policy(name string) stage.RetryPolicy {
	st, ok := c.Stages[name]
	if !ok {
		return stage.RetryPolicy{MaxAttempts: 1, OnFailure: stage.PolicyAbort}
	}
	attempts := st.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	policy, _ := ParsePolicy(st.Retry.OnFailure)
	return stage.RetryPolicy{MaxAttempts: attempts, OnFailure: policy}
}

// LayerStages returns the ordered stage names for a layer.
func (c *Config) LayerStages(layer int) ([]string, error) {
	names, ok := c.Layers[fmt.Sprintf("%d", layer)]
	if !ok {
		return nil, fmt.Errorf("layer %d is not configured", layer)
	}
	return names, nil
}

// ParsePolicy maps the config string to a failure policy. Empty means abort.
func ParsePolicy(s string) (stage.FailurePolicy, error) {
	switch s {
	case "", "abort":
		return stage.PolicyAbort, nil
	case "continue":
		return stage.PolicyContinue, nil
	case "fix_and_retry":
		return stage.PolicyFixAndRetry, nil
	default:
		return stage.PolicyAbort, fmt.Errorf("unknown on_failure policy %q", s)
	}
}

// Validate enforces the tagged-union rules and cross-references. It runs at
// load time so a malformed stage fails loudly before any pipeline starts.
func (c *Config) Validate() error {
	for name, st := range c.Stages {
		if err := c.validateStage(name, st); err != nil {
			return err
		}
	}

	for layer, names := range c.Layers {
		for _, name := range names {
			if _, ok := c.Stages[name]; !ok {
				return fmt.Errorf("layer %s references unknown stage %q", layer, name)
			}
		}
	}
	return nil
}

func (c *Config) validateStage(name string, st StageConfig) error {
	switch st.Kind {
	case KindSpawn:
		if st.Agent == "" {
			return fmt.Errorf("stage %q: spawn stage requires an agent", name)
		}
		if _, ok := c.Agents[st.Agent]; !ok {
			return fmt.Errorf("stage %q: unknown agent %q", name, st.Agent)
		}
		if st.Prompt == "" {
			return fmt.Errorf("stage %q: spawn stage requires a prompt", name)
		}
		if st.Command != "" || st.Layer != nil {
			return fmt.Errorf("stage %q: spawn stage must not set command or layer", name)
		}
	case KindCommand:
		if st.Command == "" {
			return fmt.Errorf("stage %q: command stage requires a command", name)
		}
		if st.Agent != "" || st.Prompt != "" || st.Layer != nil {
			return fmt.Errorf("stage %q: command stage must not set agent, prompt, or layer", name)
		}
		if st.FixPrompt != "" && st.FixAgent == "" {
			return fmt.Errorf("stage %q: command stage with fix_prompt requires fix_agent", name)
		}
	case KindDelegate:
		if st.Layer == nil {
			return fmt.Errorf("stage %q: delegate stage requires a layer", name)
		}
		if _, ok := c.Layers[fmt.Sprintf("%d", *st.Layer)]; !ok {
			return fmt.Errorf("stage %q: delegates to unconfigured layer %d", name, *st.Layer)
		}
		if st.Agent != "" || st.Prompt != "" || st.Command != "" || st.FixPrompt != "" {
			return fmt.Errorf("stage %q: delegate stage must not set agent, prompt, command, or fix_prompt", name)
		}
	case "":
		return fmt.Errorf("stage %q: kind is required", name)
	default:
		return fmt.Errorf("stage %q: unknown kind %q", name, st.Kind)
	}

	if st.FixAgent != "" {
		if _, ok := c.Agents[st.FixAgent]; !ok {
			return fmt.Errorf("stage %q: unknown fix_agent %q", name, st.FixAgent)
		}
	}

	if _, err := ParsePolicy(st.Retry.OnFailure); err != nil {
		return fmt.Errorf("stage %q: %w", name, err)
	}

	for _, dep := range st.DependsOn {
		if _, ok := c.Stages[dep]; !ok {
			return fmt.Errorf("stage %q depends on unknown stage %q", name, dep)
		}
	}
	return nil
}

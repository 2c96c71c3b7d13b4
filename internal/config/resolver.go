package config

import (
	"fmt"
	"time"

	"github.com/storyflowhq/storyflow/internal/proc"
	"github.com/storyflowhq/storyflow/internal/stage"
)

// Resolver materializes stage definitions into concrete invocations. It is
// the command/prompt collaborator the stage executor consumes: unknown or
// disabled stages resolve to nil (automatic pass), and a template that
// cannot be fully rendered fails resolution instead of leaking literal
// placeholders into a live command.
type Resolver struct {
	cfg *Config
}

var _ stage.Resolver = (*Resolver)(nil)

// NewResolver creates a resolver over a validated config.
func NewResolver(cfg *Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve turns a stage name plus context into an invocation.
// The context key "workdir" selects the working directory (a worktree path
// during isolated runs).
func (r *Resolver) Resolve(name string, sc stage.Context) (*stage.Invocation, error) {
	st, ok := r.cfg.Stages[name]
	if !ok || st.Disabled {
		return nil, nil
	}

	switch st.Kind {
	case KindSpawn:
		return r.spawnInvocation(st.Agent, st.Prompt, sc, st.Timeout())
	case KindCommand:
		rendered, err := stage.Render(st.Command, sc)
		if err != nil {
			return nil, err
		}
		return &stage.Invocation{
			Command: proc.Command{Name: "/bin/sh", Args: []string{"-c", rendered}, Dir: sc["workdir"]},
			Timeout: st.Timeout(),
		}, nil
	case KindDelegate:
		return nil, fmt.Errorf("stage %q delegates to layer %d and must be run by the pipeline", name, *st.Layer)
	default:
		return nil, fmt.Errorf("stage %q has unknown kind %q", name, st.Kind)
	}
}

// ResolveFix builds the corrective invocation run between failed attempts.
// Stages without a fix_prompt have no fix; the fix is always an agent spawn
// carrying the failed attempt's error text in its context.
func (r *Resolver) ResolveFix(name string, sc stage.Context) (*stage.Invocation, error) {
	st, ok := r.cfg.Stages[name]
	if !ok || st.Disabled || st.FixPrompt == "" {
		return nil, nil
	}

	agentName := st.FixAgent
	if agentName == "" {
		agentName = st.Agent
	}
	return r.spawnInvocation(agentName, st.FixPrompt, sc, st.FixTimeout())
}

func (r *Resolver) spawnInvocation(agentName, prompt string, sc stage.Context, timeout time.Duration) (*stage.Invocation, error) {
	agent, ok := r.cfg.Agents[agentName]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}

	rendered, err := stage.Render(prompt, sc)
	if err != nil {
		return nil, err
	}

	args := append([]string(nil), agent.Args...)
	args = append(args, "-p", rendered)
	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}

	return &stage.Invocation{
		Command: proc.Command{Name: agent.Command, Args: args, Dir: sc["workdir"]},
		Timeout: timeout,
	}, nil
}

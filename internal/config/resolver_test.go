package config

import (
	"strings"
	"testing"
	"time"

	"github.com/storyflowhq/storyflow/internal/stage"
)

func testResolverConfig() *Config {
	layer := 1
	return &Config{
		Agents: map[string]AgentConfig{
			"coder":    {Command: "claude", Args: []string{"--dangerously-skip-permissions"}, Model: "sonnet"},
			"reviewer": {Command: "claude"},
		},
		Stages: map[string]StageConfig{
			"develop": {
				Kind:        KindSpawn,
				Agent:       "coder",
				Prompt:      "Implement story {story_id}: {story}\n{known_issues}",
				TimeoutSecs: 120,
				FixPrompt:   "Fix {story_id}: {error}",
			},
			"lint": {
				Kind:      KindCommand,
				Command:   "make lint",
				FixAgent:  "coder",
				FixPrompt: "Fix lint failures: {error}",
			},
			"review":   {Kind: KindSpawn, Agent: "reviewer", Prompt: "Review {story_id}"},
			"disabled": {Kind: KindCommand, Command: "make never", Disabled: true},
			"gates":    {Kind: KindDelegate, Layer: &layer},
		},
	}
}

func TestResolver_SpawnStage(t *testing.T) {
	r := NewResolver(testResolverConfig())
	sc := stage.Context{
		"story_id": "ST-7",
		"story":    "add pagination",
		"workdir":  "/tmp/wt",
	}

	inv, err := r.Resolve("develop", sc)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if inv == nil {
		t.Fatal("expected an invocation")
	}

	if inv.Command.Name != "claude" {
		t.Errorf("expected claude, got %q", inv.Command.Name)
	}
	if inv.Command.Dir != "/tmp/wt" {
		t.Errorf("expected workdir /tmp/wt, got %q", inv.Command.Dir)
	}
	if inv.Timeout != 120*time.Second {
		t.Errorf("expected 120s timeout, got %s", inv.Timeout)
	}

	joined := strings.Join(inv.Command.Args, " ")
	if !strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Errorf("agent args not carried through: %v", inv.Command.Args)
	}
	if !strings.Contains(joined, "Implement story ST-7: add pagination") {
		t.Errorf("prompt not rendered: %v", inv.Command.Args)
	}
	if !strings.Contains(joined, "--model sonnet") {
		t.Errorf("model flag missing: %v", inv.Command.Args)
	}
	// known_issues is an optional key and defaults to empty.
	if strings.Contains(joined, "{known_issues}") {
		t.Errorf("unresolved placeholder leaked: %v", inv.Command.Args)
	}
}

func TestResolver_CommandStage(t *testing.T) {
	r := NewResolver(testResolverConfig())

	inv, err := r.Resolve("lint", stage.Context{"workdir": "/repo"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if inv.Command.Name != "/bin/sh" {
		t.Errorf("command stages run through the shell, got %q", inv.Command.Name)
	}
	if len(inv.Command.Args) != 2 || inv.Command.Args[0] != "-c" || inv.Command.Args[1] != "make lint" {
		t.Errorf("unexpected args: %v", inv.Command.Args)
	}
	if inv.Command.Dir != "/repo" {
		t.Errorf("expected workdir /repo, got %q", inv.Command.Dir)
	}
	if inv.Timeout != DefaultStageTimeout {
		t.Errorf("expected default timeout, got %s", inv.Timeout)
	}
}

func TestResolver_MissingAndDisabledStagesSkip(t *testing.T) {
	r := NewResolver(testResolverConfig())

	inv, err := r.Resolve("nope", stage.Context{})
	if err != nil || inv != nil {
		t.Errorf("unknown stage should resolve to nil, nil; got %v, %v", inv, err)
	}

	inv, err = r.Resolve("disabled", stage.Context{})
	if err != nil || inv != nil {
		t.Errorf("disabled stage should resolve to nil, nil; got %v, %v", inv, err)
	}
}

func TestResolver_DelegateStageErrors(t *testing.T) {
	r := NewResolver(testResolverConfig())
	if _, err := r.Resolve("gates", stage.Context{}); err == nil {
		t.Fatal("delegate stages cannot be resolved directly")
	}
}

func TestResolver_UnresolvedPlaceholderFails(t *testing.T) {
	r := NewResolver(testResolverConfig())
	// story_id is required and missing from the context.
	if _, err := r.Resolve("develop", stage.Context{"story": "x"}); err == nil {
		t.Fatal("expected render error for missing story_id")
	}
}

func TestResolver_FixFallsBackToStageAgent(t *testing.T) {
	r := NewResolver(testResolverConfig())
	sc := stage.Context{"story_id": "ST-1", "error": "2 failures"}

	inv, err := r.ResolveFix("develop", sc)
	if err != nil {
		t.Fatalf("ResolveFix failed: %v", err)
	}
	if inv == nil {
		t.Fatal("expected a fix invocation")
	}
	if inv.Command.Name != "claude" {
		t.Errorf("fix should use the stage agent, got %q", inv.Command.Name)
	}
	if !strings.Contains(strings.Join(inv.Command.Args, " "), "Fix ST-1: 2 failures") {
		t.Errorf("fix prompt not rendered: %v", inv.Command.Args)
	}
	// Fix timeout defaults to the stage timeout.
	if inv.Timeout != 120*time.Second {
		t.Errorf("expected 120s fix timeout, got %s", inv.Timeout)
	}
}

func TestResolver_NoFixPromptMeansNoFix(t *testing.T) {
	r := NewResolver(testResolverConfig())
	inv, err := r.ResolveFix("review", stage.Context{"story_id": "ST-1"})
	if err != nil || inv != nil {
		t.Errorf("stage without fix_prompt should return nil, nil; got %v, %v", inv, err)
	}
}

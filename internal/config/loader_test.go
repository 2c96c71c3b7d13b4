package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storyflowhq/storyflow/internal/stage"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, ok := cfg.Agents["coder"]; !ok {
		t.Error("expected built-in coder agent")
	}
	if _, ok := cfg.Stages["develop"]; !ok {
		t.Error("expected built-in develop stage")
	}
	if cfg.Integration.BaseBranch != "main" {
		t.Errorf("expected base branch main, got %q", cfg.Integration.BaseBranch)
	}

	pol := cfg.Policy("lint")
	if pol.OnFailure != stage.PolicyFixAndRetry || pol.MaxAttempts != 2 {
		t.Errorf("unexpected lint policy: %+v", pol)
	}
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.yaml", `
agents:
  coder:
    command: claude
    model: global-model
integration:
  base_branch: develop
`)
	project := writeConfig(t, dir, "project.yaml", `
agents:
  coder:
    command: claude
    model: project-model
`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.Agents["coder"].Model; got != "project-model" {
		t.Errorf("project layer should win, got model %q", got)
	}
	// Global settings the project does not touch still apply.
	if cfg.Integration.BaseBranch != "develop" {
		t.Errorf("expected global base branch develop, got %q", cfg.Integration.BaseBranch)
	}
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	t.Setenv("STORYFLOW_INTEGRATION__BASE_BRANCH", "release")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Integration.BaseBranch != "release" {
		t.Errorf("expected env override release, got %q", cfg.Integration.BaseBranch)
	}
}

func TestLoad_MissingFilesAreNotErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "also-nope.yaml")); err != nil {
		t.Fatalf("missing config files should be skipped, got: %v", err)
	}
}

func TestLoad_InvalidStageRejected(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "project.yaml", `
stages:
  broken:
    kind: spawn
    prompt: "do something"
`)
	if _, err := Load("", project); err == nil {
		t.Fatal("expected validation error for spawn stage without agent")
	}
}

func TestLoad_UnknownDependencyRejected(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "project.yaml", `
stages:
  custom:
    kind: command
    command: "make custom"
    depends_on: [nonexistent]
`)
	if _, err := Load("", project); err == nil {
		t.Fatal("expected validation error for unknown dependency")
	}
}

func TestStageConfig_TimeoutDefaults(t *testing.T) {
	st := StageConfig{}
	if st.Timeout() != DefaultStageTimeout {
		t.Errorf("expected default timeout, got %s", st.Timeout())
	}

	st = StageConfig{TimeoutSecs: 90}
	if st.Timeout() != 90*time.Second {
		t.Errorf("expected 90s, got %s", st.Timeout())
	}
	if st.FixTimeout() != 90*time.Second {
		t.Errorf("fix timeout should default to the stage timeout, got %s", st.FixTimeout())
	}

	st.FixTimeoutSecs = 30
	if st.FixTimeout() != 30*time.Second {
		t.Errorf("expected 30s fix timeout, got %s", st.FixTimeout())
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in   string
		want stage.FailurePolicy
		ok   bool
	}{
		{"", stage.PolicyAbort, true},
		{"abort", stage.PolicyAbort, true},
		{"continue", stage.PolicyContinue, true},
		{"fix_and_retry", stage.PolicyFixAndRetry, true},
		{"retry", stage.PolicyAbort, false},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.in)
		if tc.ok && err != nil {
			t.Errorf("ParsePolicy(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ParsePolicy(%q) expected error", tc.in)
			}
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSave_RoundTrip(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Integration.BaseBranch != cfg.Integration.BaseBranch {
		t.Errorf("round trip changed base branch: %q vs %q",
			loaded.Integration.BaseBranch, cfg.Integration.BaseBranch)
	}
	if len(loaded.Stages) != len(cfg.Stages) {
		t.Errorf("round trip changed stage count: %d vs %d", len(loaded.Stages), len(cfg.Stages))
	}
}

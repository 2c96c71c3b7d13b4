package stage

import (
	"strings"
	"testing"
)

func TestRender_Substitution(t *testing.T) {
	out, err := Render("implement story {story_id} in {workdir}", Context{
		"story_id": "S-42",
		"workdir":  "/tmp/wt",
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "implement story S-42 in /tmp/wt" {
		t.Errorf("Unexpected render: %q", out)
	}
}

// TestRender_MissingKeyFails verifies an unresolved placeholder fails the
// render loudly instead of leaking "{key}" into a live command.
func TestRender_MissingKeyFails(t *testing.T) {
	_, err := Render("run {tool} against {target}", Context{"tool": "lint"})
	if err == nil {
		t.Fatal("Expected error for missing key")
	}
	if !strings.Contains(err.Error(), "target") {
		t.Errorf("Expected the missing key to be named, got %v", err)
	}
}

// TestRender_OptionalKeysDefaultEmpty verifies error/known_issues are
// legitimately absent on first attempts.
func TestRender_OptionalKeysDefaultEmpty(t *testing.T) {
	out, err := Render("fix this: {error}{known_issues}", Context{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "fix this: " {
		t.Errorf("Expected optional keys to render empty, got %q", out)
	}
}

func TestRender_ContextOverridesOptionalDefault(t *testing.T) {
	out, err := Render("{error}", Context{"error": "boom"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "boom" {
		t.Errorf("Expected context value to win, got %q", out)
	}
}

func TestContext_CloneIsolated(t *testing.T) {
	orig := Context{"a": "1"}
	cp := orig.Clone()
	cp["a"] = "2"
	cp["b"] = "3"
	if orig["a"] != "1" {
		t.Error("Clone mutated the original value")
	}
	if _, ok := orig["b"]; ok {
		t.Error("Clone added keys to the original")
	}
}

package stage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/storyflowhq/storyflow/internal/proc"
)

// trackScriptRunner fails commands whose name contains "fail" and succeeds
// otherwise, with an optional per-call sleep to exercise real concurrency.
type trackScriptRunner struct {
	sleep time.Duration
}

func (r *trackScriptRunner) RunBlocking(_ context.Context, _ string, command proc.Command, _ time.Duration) proc.TaskResult {
	if r.sleep > 0 {
		time.Sleep(r.sleep)
	}
	if strings.Contains(command.Name, "fail") {
		return proc.TaskResult{Error: "track failed", ExitCode: 1, Status: proc.StatusFailed, Launched: true}
	}
	return proc.TaskResult{Success: true, Status: proc.StatusCompleted, Launched: true}
}

// TestRunTracks_Independence verifies a failing track does not affect or
// cancel its sibling, and both results are reported.
func TestRunTracks_Independence(t *testing.T) {
	tr := NewTrackRunner(&trackScriptRunner{})

	results := tr.RunTracks(context.Background(), map[string]Track{
		"lint":      {Command: proc.Command{Name: "lint-ok"}, Timeout: time.Minute},
		"typecheck": {Command: proc.Command{Name: "typecheck-fail"}, Timeout: time.Minute},
	})

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if !results["lint"].Success {
		t.Errorf("Expected lint track to succeed: %+v", results["lint"])
	}
	if results["typecheck"].Success {
		t.Errorf("Expected typecheck track to fail: %+v", results["typecheck"])
	}
}

// TestRunTracks_RunsConcurrently verifies the pool is sized to the batch:
// N tracks each sleeping d should finish in roughly d, not N*d.
func TestRunTracks_RunsConcurrently(t *testing.T) {
	const sleep = 200 * time.Millisecond
	tr := NewTrackRunner(&trackScriptRunner{sleep: sleep})

	tracks := map[string]Track{
		"a": {Command: proc.Command{Name: "a"}},
		"b": {Command: proc.Command{Name: "b"}},
		"c": {Command: proc.Command{Name: "c"}},
		"d": {Command: proc.Command{Name: "d"}},
	}

	start := time.Now()
	results := tr.RunTracks(context.Background(), tracks)
	elapsed := time.Since(start)

	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}
	if elapsed >= 3*sleep {
		t.Errorf("Tracks appear to have run sequentially: %s elapsed", elapsed)
	}
}

// TestRunTracks_Empty verifies an empty batch returns immediately.
func TestRunTracks_Empty(t *testing.T) {
	tr := NewTrackRunner(&trackScriptRunner{})
	results := tr.RunTracks(context.Background(), nil)
	if len(results) != 0 {
		t.Errorf("Expected empty result map, got %v", results)
	}
}

// panicRunner panics for one command name only.
type panicRunner struct{}

func (panicRunner) RunBlocking(_ context.Context, _ string, command proc.Command, _ time.Duration) proc.TaskResult {
	if command.Name == "boom" {
		panic("submission bug")
	}
	return proc.TaskResult{Success: true, Status: proc.StatusCompleted, Launched: true}
}

// TestRunTracks_PanicIsolated verifies a panicking track slot gets a
// synthesized failed result and siblings are unaffected.
func TestRunTracks_PanicIsolated(t *testing.T) {
	tr := NewTrackRunner(panicRunner{})

	results := tr.RunTracks(context.Background(), map[string]Track{
		"bad":  {Command: proc.Command{Name: "boom"}},
		"good": {Command: proc.Command{Name: "ok"}},
	})

	if !results["good"].Success {
		t.Errorf("Expected sibling track to succeed: %+v", results["good"])
	}
	bad := results["bad"]
	if bad.Success || bad.Status != proc.StatusFailed || !strings.Contains(bad.Error, "panicked") {
		t.Errorf("Expected synthesized failure for panicking track, got %+v", bad)
	}
}

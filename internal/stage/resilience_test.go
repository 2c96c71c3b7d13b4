package stage

import (
	"strings"
	"testing"

	"github.com/storyflowhq/storyflow/internal/proc"
)

func launchFailedResult() proc.TaskResult {
	return proc.TaskResult{Error: "launch failed: exec: not found", ExitCode: -1, Status: proc.StatusFailed}
}

// TestBreaker_TripsOnConsecutiveLaunchFailures verifies the breaker opens
// after repeated launch failures and then skips the invocation entirely.
func TestBreaker_TripsOnConsecutiveLaunchFailures(t *testing.T) {
	reg := NewBreakerRegistry()
	invocations := 0
	fn := func() proc.TaskResult {
		invocations++
		return launchFailedResult()
	}

	for i := 0; i < 3; i++ {
		res := reg.Run("missing-agent", fn)
		if res.Launched {
			t.Fatalf("Expected launch failure on attempt %d", i+1)
		}
	}
	if invocations != 3 {
		t.Fatalf("Expected 3 real invocations before the trip, got %d", invocations)
	}

	res := reg.Run("missing-agent", fn)
	if invocations != 3 {
		t.Errorf("Expected the open breaker to skip the invocation, fn ran %d times", invocations)
	}
	if res.Success || !strings.Contains(res.Error, "circuit open") {
		t.Errorf("Expected synthesized circuit-open failure, got %+v", res)
	}
}

// TestBreaker_NonZeroExitDoesNotTrip verifies an agent that starts fine but
// exits non-zero never counts against the breaker.
func TestBreaker_NonZeroExitDoesNotTrip(t *testing.T) {
	reg := NewBreakerRegistry()
	fn := func() proc.TaskResult {
		return proc.TaskResult{Error: "lint errors", ExitCode: 1, Status: proc.StatusFailed, Launched: true}
	}

	for i := 0; i < 10; i++ {
		res := reg.Run("linter", fn)
		if strings.Contains(res.Error, "circuit open") {
			t.Fatalf("Breaker tripped on non-zero exits at iteration %d", i)
		}
	}
}

// TestBreaker_IsolatedPerCommand verifies one dead binary doesn't poison
// invocations of a different one.
func TestBreaker_IsolatedPerCommand(t *testing.T) {
	reg := NewBreakerRegistry()
	for i := 0; i < 5; i++ {
		reg.Run("dead", launchFailedResult)
	}

	res := reg.Run("alive", func() proc.TaskResult {
		return proc.TaskResult{Success: true, Status: proc.StatusCompleted, Launched: true}
	})
	if !res.Success {
		t.Errorf("Expected the healthy command to run, got %+v", res)
	}
}

package proc

import (
	"context"
	"testing"
	"time"
)

// TestTaskHandle_ResultSetOnce verifies finish() is first-write-wins and
// that the status never moves backwards.
func TestTaskHandle_ResultSetOnce(t *testing.T) {
	h := newTaskHandle("id", "label", time.Second)

	if h.Status() != StatusPending {
		t.Fatalf("Expected StatusPending for a fresh handle, got %s", h.Status())
	}

	h.markRunning()
	if h.Status() != StatusRunning {
		t.Fatalf("Expected StatusRunning, got %s", h.Status())
	}

	h.finish(TaskResult{Success: true, Status: StatusCompleted})
	h.finish(TaskResult{Status: StatusFailed}) // must be ignored

	res, ok := h.Result()
	if !ok {
		t.Fatal("Expected result to be set")
	}
	if !res.Success || res.Status != StatusCompleted {
		t.Errorf("Second finish overwrote the result: %+v", res)
	}

	// markRunning after a terminal state must not regress.
	h.markRunning()
	if h.Status() != StatusCompleted {
		t.Errorf("Status regressed to %s", h.Status())
	}
}

// TestTaskHandle_WaitCancellation verifies Wait honors context cancellation
// while the task is still in flight.
func TestTaskHandle_WaitCancellation(t *testing.T) {
	h := newTaskHandle("id", "label", time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := h.Wait(ctx); err == nil {
		t.Fatal("Expected context error from Wait on an unfinished task")
	}
}

func TestStatus_Terminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("%s.Terminal() = %v, expected %v", tc.status, got, tc.terminal)
		}
	}
}

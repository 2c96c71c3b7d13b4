package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/storyflowhq/storyflow/internal/events"
)

func TestReporter_FormatsStageLifecycle(t *testing.T) {
	var b strings.Builder
	r := NewReporter(&b)

	r.print(events.StageStarted{Stage: "lint"})
	r.print(events.StageAttempt{Stage: "lint", Attempt: 1, MaxAttempts: 2})
	r.print(events.StageFixSpawned{Stage: "lint", Attempt: 1, Error: "3 errors\ndetail"})
	r.print(events.StageAttempt{Stage: "lint", Attempt: 2, MaxAttempts: 2})
	r.print(events.StageFinished{Stage: "lint", Status: "PASS", AttemptsUsed: 2, Duration: 3200 * time.Millisecond})
	r.print(events.PipelineFinished{Success: true, Duration: time.Minute})

	out := b.String()
	if !strings.Contains(out, "lint") {
		t.Fatalf("stage name missing:\n%s", out)
	}
	if strings.Contains(out, "retry 1/2") {
		t.Error("first attempt should not print as a retry")
	}
	if !strings.Contains(out, "retry 2/2") {
		t.Errorf("second attempt should print as a retry:\n%s", out)
	}
	if !strings.Contains(out, "spawning fix after attempt 1: 3 errors") {
		t.Errorf("fix line missing or multiline error leaked:\n%s", out)
	}
	if !strings.Contains(out, "2 attempts") {
		t.Errorf("attempt count missing from finish line:\n%s", out)
	}
	if !strings.Contains(out, "pipeline finished") {
		t.Errorf("pipeline summary missing:\n%s", out)
	}
}

func TestReporter_FailureLines(t *testing.T) {
	var b strings.Builder
	r := NewReporter(&b)

	r.print(events.StageFinished{Stage: "test", Status: "TIMEOUT", AttemptsUsed: 3, Duration: time.Minute, Error: "timed out after 1m0s"})
	r.print(events.PipelineFinished{Aborted: true, Duration: 2 * time.Minute})

	out := b.String()
	if !strings.Contains(out, "TIMEOUT") {
		t.Errorf("timeout status missing:\n%s", out)
	}
	if !strings.Contains(out, "pipeline aborted") {
		t.Errorf("abort summary missing:\n%s", out)
	}
}

func TestModel_TracksStages(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	m := New(bus, "ST-1")

	m.apply(events.StageStarted{Stage: "develop"})
	m.apply(events.StageAttempt{Stage: "develop", Attempt: 1, MaxAttempts: 2})
	m.apply(events.StageFinished{Stage: "develop", Status: "PASS"})
	m.apply(events.StageStarted{Stage: "lint"})

	view := m.View()
	if !strings.Contains(view, "ST-1") {
		t.Errorf("story ID missing from view:\n%s", view)
	}
	if !strings.Contains(view, "develop") || !strings.Contains(view, "lint") {
		t.Errorf("stages missing from view:\n%s", view)
	}

	m.apply(events.PipelineFinished{Success: true})
	if !strings.Contains(m.View(), "pipeline finished") {
		t.Errorf("finish banner missing:\n%s", m.View())
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo"); got != "one" {
		t.Errorf("expected first line only, got %q", got)
	}
	long := strings.Repeat("x", 120)
	if got := firstLine(long); len(got) != 80 || !strings.HasSuffix(got, "...") {
		t.Errorf("long lines should be truncated to 80 chars, got %d", len(got))
	}
}

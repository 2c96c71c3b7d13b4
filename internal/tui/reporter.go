package tui

import (
	"fmt"
	"io"
	"time"

	"github.com/storyflowhq/storyflow/internal/events"
)

const timeUnit = 100 * time.Millisecond

// Reporter is the non-interactive alternative to the full TUI: one styled
// line per event, suitable for logs and CI output.
type Reporter struct {
	out io.Writer
}

// NewReporter creates a reporter writing to out.
func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

// Run consumes events until the bus closes. Call it on its own goroutine;
// it returns when the subscription channel is closed.
func (r *Reporter) Run(sub <-chan events.Event) {
	for ev := range sub {
		r.print(ev)
	}
}

func (r *Reporter) print(ev events.Event) {
	switch ev := ev.(type) {
	case events.StageStarted:
		fmt.Fprintf(r.out, "%s %s\n", styleRunning.Render("▶"), ev.Stage)
	case events.StageAttempt:
		if ev.Attempt > 1 {
			fmt.Fprintf(r.out, "  %s retry %d/%d\n", ev.Stage, ev.Attempt, ev.MaxAttempts)
		}
	case events.StageFixSpawned:
		fmt.Fprintf(r.out, "  %s spawning fix after attempt %d: %s\n", ev.Stage, ev.Attempt, firstLine(ev.Error))
	case events.StageFinished:
		mark := stylePassed.Render("✓")
		if ev.Status == "FAIL" || ev.Status == "TIMEOUT" {
			mark = styleFailed.Render("✗")
		}
		line := fmt.Sprintf("%s %s %s (%s", mark, ev.Stage, ev.Status, ev.Duration.Round(timeUnit))
		if ev.AttemptsUsed > 1 {
			line += fmt.Sprintf(", %d attempts", ev.AttemptsUsed)
		}
		line += ")"
		if ev.Error != "" {
			line += " " + stylePending.Render(firstLine(ev.Error))
		}
		fmt.Fprintln(r.out, line)
	case events.PipelineFinished:
		switch {
		case ev.Success:
			fmt.Fprintln(r.out, stylePassed.Render(fmt.Sprintf("pipeline finished in %s", ev.Duration.Round(timeUnit))))
		case ev.Aborted:
			fmt.Fprintln(r.out, styleFailed.Render(fmt.Sprintf("pipeline aborted after %s", ev.Duration.Round(timeUnit))))
		default:
			fmt.Fprintln(r.out, styleFailed.Render(fmt.Sprintf("pipeline failed after %s", ev.Duration.Round(timeUnit))))
		}
	}
}

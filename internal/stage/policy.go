package stage

import (
	"context"
	"time"

	"github.com/storyflowhq/storyflow/internal/proc"
)

// FailurePolicy determines how a stage's final failure propagates.
type FailurePolicy int

const (
	PolicyAbort       FailurePolicy = iota // stop the pipeline
	PolicyContinue                         // report failure, pipeline proceeds
	PolicyFixAndRetry                      // spawn a fix invocation between attempts; abort on exhaustion
)

// String returns the config-facing policy name.
func (p FailurePolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicyContinue:
		return "continue"
	case PolicyFixAndRetry:
		return "fix_and_retry"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds a stage's attempt loop. MaxAttempts <= 0 means the
// stage is disabled and passes automatically without any invocation.
type RetryPolicy struct {
	MaxAttempts int
	OnFailure   FailurePolicy
}

// OutcomeStatus is the per-stage status a pipeline reports to the user.
type OutcomeStatus int

const (
	StagePassed OutcomeStatus = iota
	StageFailed
	StageSkipped
	StageTimedOut
)

func (s OutcomeStatus) String() string {
	switch s {
	case StagePassed:
		return "PASS"
	case StageFailed:
		return "FAIL"
	case StageSkipped:
		return "SKIPPED"
	case StageTimedOut:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the value every stage execution collapses into. Launch
// failures, timeouts, and non-zero exits never escape as errors; callers
// inspect the outcome instead.
type Outcome struct {
	Stage        string
	Status       OutcomeStatus
	Success      bool
	Abort        bool // caller must stop the pipeline
	AttemptsUsed int
	LastResult   *proc.TaskResult
	Err          error // resolution or unexpected internal error, nil for plain process failure
}

// Invocation is a stage's command resolved against its context, ready to run.
type Invocation struct {
	Command proc.Command
	Timeout time.Duration
}

// Runner abstracts the blocking process-execution primitive so stage logic
// can be tested against a stub. *proc.Executor satisfies it.
type Runner interface {
	RunBlocking(ctx context.Context, label string, command proc.Command, timeout time.Duration) proc.TaskResult
}

// Resolver turns a stage name plus context into a concrete invocation.
// Resolve returns (nil, nil) for an unconfigured or disabled stage, which
// the executor treats as an automatic pass. ResolveFix returns (nil, nil)
// when the stage has no fix invocation configured.
type Resolver interface {
	Resolve(stage string, sc Context) (*Invocation, error)
	ResolveFix(stage string, sc Context) (*Invocation, error)
}

// Lesson is a recorded error-pattern/fix pair used to bias future stage
// executions away from previously-seen failures.
type Lesson struct {
	ID      string
	Pattern string
	Fix     string
}

// LessonSource is the knowledge-base collaborator. All calls are advisory:
// a nil source or a failing store degrades to "no known issues".
type LessonSource interface {
	Lessons(stage string, limit int) []Lesson
	RecordUsed(stage string, lessonIDs []string)
	RecordNew(stage string, errText, fixText string)
}

package stage

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/storyflowhq/storyflow/internal/proc"
)

// maxLessonsPerStage bounds how much knowledge-base text gets spliced into
// a stage's context.
const maxLessonsPerStage = 5

// Executor runs named stages through the process-execution primitive with
// a bounded retry policy and an optional fix invocation between failed
// attempts. Every failure mode is converted into an Outcome; no error from
// a spawned process ever surfaces as a Go error to the caller.
type Executor struct {
	runner   Runner
	resolver Resolver
	lessons  LessonSource     // optional
	breakers *BreakerRegistry // optional
	observer Observer         // optional
	delay    DelayConfig
}

// Observer receives attempt-level progress notifications. Implementations
// must not block; they run on the executing goroutine.
type Observer interface {
	AttemptStarted(stage string, attempt, maxAttempts int)
	FixSpawned(stage string, attempt int, errText string)
}

// Option configures an Executor.
type Option func(*Executor)

// WithLessons attaches the knowledge-base collaborator.
func WithLessons(src LessonSource) Option {
	return func(e *Executor) { e.lessons = src }
}

// WithBreakers attaches a launch-failure circuit breaker registry.
func WithBreakers(reg *BreakerRegistry) Option {
	return func(e *Executor) { e.breakers = reg }
}

// WithDelay overrides the inter-attempt pacing.
func WithDelay(cfg DelayConfig) Option {
	return func(e *Executor) { e.delay = cfg }
}

// WithObserver attaches a progress observer.
func WithObserver(obs Observer) Option {
	return func(e *Executor) { e.observer = obs }
}

// NewExecutor creates a stage executor over the given runner and resolver.
func NewExecutor(runner Runner, resolver Resolver, opts ...Option) *Executor {
	e := &Executor{
		runner:   runner,
		resolver: resolver,
		delay:    DefaultDelayConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one named stage under the given retry policy.
//
// Attempts are strictly sequential: attempt k+1 never starts before attempt
// k's process has fully exited and its output been captured. Under
// PolicyFixAndRetry a failed attempt (other than the last) spawns one fix
// invocation whose own exit status does not gate the next attempt — its job
// was to mutate external state, not to report pass/fail of the stage.
func (e *Executor) Execute(ctx context.Context, name string, sc Context, policy RetryPolicy) (outcome Outcome) {
	// Unexpected programming errors (a bug in resolution, a misbehaving
	// collaborator) must not take down sibling tracks or later stages.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: stage %q panicked: %v", name, r)
			outcome = Outcome{
				Stage:  name,
				Status: StageFailed,
				Abort:  true,
				Err:    fmt.Errorf("stage %q panicked: %v", name, r),
			}
		}
	}()

	// A disabled stage is an automatic pass, not an error: pipelines skip
	// optional work via configuration without special-casing call sites.
	if policy.MaxAttempts <= 0 {
		return Outcome{Stage: name, Status: StageSkipped, Success: true}
	}

	sc = sc.Clone()

	var lessonIDs []string
	if e.lessons != nil {
		lessons := e.lessons.Lessons(name, maxLessonsPerStage)
		sc["known_issues"] = formatLessons(lessons)
		for _, l := range lessons {
			lessonIDs = append(lessonIDs, l.ID)
		}
	}

	inv, err := e.resolver.Resolve(name, sc)
	if err != nil {
		// Distinct failure mode from a process that ran and exited non-zero:
		// a stage that cannot even be resolved is a configuration defect and
		// is not retried.
		return Outcome{
			Stage:  name,
			Status: StageFailed,
			Abort:  true,
			Err:    fmt.Errorf("resolving stage %q: %w", name, err),
		}
	}
	if inv == nil {
		return Outcome{Stage: name, Status: StageSkipped, Success: true}
	}

	bo := e.delay.newBackOff()
	var last proc.TaskResult
	var firstError string

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if e.observer != nil {
			e.observer.AttemptStarted(name, attempt, policy.MaxAttempts)
		}
		last = e.runAttempt(ctx, name, inv)

		if last.Success {
			if attempt > 1 {
				e.recordRecovery(name, lessonIDs, firstError)
			}
			return Outcome{
				Stage:        name,
				Status:       StagePassed,
				Success:      true,
				AttemptsUsed: attempt,
				LastResult:   &last,
			}
		}

		if firstError == "" {
			firstError = last.Error
		}

		if attempt < policy.MaxAttempts {
			if policy.OnFailure == PolicyFixAndRetry {
				e.runFix(ctx, name, attempt, sc, last)
			}
			if !e.sleep(ctx, bo) {
				break // interrupted between attempts
			}
		}
	}

	status := StageFailed
	if last.Status == proc.StatusTimeout {
		status = StageTimedOut
	}
	return Outcome{
		Stage:        name,
		Status:       status,
		AttemptsUsed: policy.MaxAttempts,
		LastResult:   &last,
		// PolicyFixAndRetry with no attempts left behaves like PolicyAbort.
		Abort: policy.OnFailure != PolicyContinue,
	}
}

// BackgroundRunner is the optional non-blocking side of a process runner.
type BackgroundRunner interface {
	RunBackground(ctx context.Context, label string, command proc.Command, timeout time.Duration, onComplete func(proc.TaskResult)) *proc.TaskHandle
}

// Spawn resolves a stage and launches it without waiting; the caller polls
// or waits on the returned handle. No retry policy applies. A skipped stage
// returns a nil handle and nil error.
func (e *Executor) Spawn(ctx context.Context, name string, sc Context) (*proc.TaskHandle, error) {
	br, ok := e.runner.(BackgroundRunner)
	if !ok {
		return nil, fmt.Errorf("runner %T does not support background execution", e.runner)
	}

	sc = sc.Clone()
	if e.lessons != nil {
		sc["known_issues"] = formatLessons(e.lessons.Lessons(name, maxLessonsPerStage))
	}

	inv, err := e.resolver.Resolve(name, sc)
	if err != nil {
		return nil, fmt.Errorf("resolving stage %q: %w", name, err)
	}
	if inv == nil {
		return nil, nil
	}
	return br.RunBackground(ctx, name, inv.Command, inv.Timeout, nil), nil
}

// runAttempt executes one raw invocation, through the launch breaker when
// one is configured.
func (e *Executor) runAttempt(ctx context.Context, name string, inv *Invocation) proc.TaskResult {
	if e.breakers == nil {
		return e.runner.RunBlocking(ctx, name, inv.Command, inv.Timeout)
	}
	return e.breakers.Run(inv.Command.Name, func() proc.TaskResult {
		return e.runner.RunBlocking(ctx, name, inv.Command, inv.Timeout)
	})
}

// runFix spawns the stage's fix invocation with the failed attempt's error
// text in context. The fix result is discarded save for logging: the next
// raw attempt happens regardless.
func (e *Executor) runFix(ctx context.Context, name string, attempt int, sc Context, failed proc.TaskResult) {
	fixCtx := sc.Clone()
	fixCtx["error"] = failed.Error

	fixInv, err := e.resolver.ResolveFix(name, fixCtx)
	if err != nil {
		log.Printf("WARNING: resolving fix for stage %q: %v", name, err)
		return
	}
	if fixInv == nil {
		return
	}
	if e.observer != nil {
		e.observer.FixSpawned(name, attempt, failed.Error)
	}

	res := e.runner.RunBlocking(ctx, name+":fix", fixInv.Command, fixInv.Timeout)
	if !res.Success {
		log.Printf("WARNING: fix invocation for stage %q finished %s; retrying the stage anyway", name, res.Status)
	}
}

// recordRecovery tells the knowledge base that a stage eventually passed
// after at least one failure. Advisory telemetry: a failing store must not
// fail the stage.
func (e *Executor) recordRecovery(name string, lessonIDs []string, firstError string) {
	if e.lessons == nil {
		return
	}
	if len(lessonIDs) > 0 {
		e.lessons.RecordUsed(name, lessonIDs)
	}
	if firstError != "" {
		e.lessons.RecordNew(name, firstError, "resolved on retry after fix invocation")
	}
}

// sleep pauses between attempts; returns false if the context was cancelled.
func (e *Executor) sleep(ctx context.Context, bo backoff.BackOff) bool {
	next := bo.NextBackOff()
	if next == backoff.Stop || next <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// formatLessons renders lessons into the "known issues" text spliced into a
// stage's prompt context. No lessons degrades to empty text, never an error.
func formatLessons(lessons []Lesson) string {
	if len(lessons) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known issues from previous runs:\n")
	for _, l := range lessons {
		fmt.Fprintf(&b, "- %s: %s\n", l.Pattern, l.Fix)
	}
	return b.String()
}

package proc

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

// Status represents the lifecycle state of a task or its final result.
// Transitions are strictly forward: Pending -> Running -> one terminal state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusTimeout
)

// String returns a human-readable status name for logging.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// TaskResult is the immutable outcome of one process invocation.
// It is created exactly once, when the invocation finishes, and never
// mutated afterwards.
type TaskResult struct {
	Success  bool
	Output   string // full captured stdout
	Error    string // captured stderr, or a synthesized message for timeout/launch failure
	ExitCode int    // raw exit code, or -1 for abnormal termination
	Duration time.Duration
	Status   Status // StatusCompleted, StatusFailed, or StatusTimeout
	Launched bool   // false when the process could not be started at all
}

// Command describes one external command to execute.
type Command struct {
	Name string
	Args []string
	Dir  string            // working directory ("" = inherit)
	Env  map[string]string // appended to the parent environment
}

// TaskHandle is a mutable handle to an in-flight or finished invocation.
// It is owned by the Executor that created it; callers may poll or wait
// but must not mutate it.
type TaskHandle struct {
	ID        string
	Label     string
	StartTime time.Time
	Timeout   time.Duration

	mu     sync.Mutex
	status Status
	result *TaskResult
	cmd    *exec.Cmd
	done   chan struct{}
}

func newTaskHandle(id, label string, timeout time.Duration) *TaskHandle {
	return &TaskHandle{
		ID:      id,
		Label:   label,
		Timeout: timeout,
		status:  StatusPending,
		done:    make(chan struct{}),
	}
}

// Status returns the handle's current status.
func (h *TaskHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the task's result if it has finished.
// The second return value is false while the task is still in flight.
func (h *TaskHandle) Result() (TaskResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		return TaskResult{}, false
	}
	return *h.result, true
}

// Done returns a channel that is closed when the task finishes.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finishes or the context is cancelled.
// On cancellation it returns the context error; the underlying process
// keeps running and remains subject to its own timeout and registry cleanup.
func (h *TaskHandle) Wait(ctx context.Context) (TaskResult, error) {
	select {
	case <-h.done:
		res, _ := h.Result()
		return res, nil
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// markRunning advances Pending -> Running. Later states are never rolled back.
func (h *TaskHandle) markRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusPending {
		h.status = StatusRunning
		h.StartTime = time.Now()
	}
}

// finish records the result exactly once and closes the done channel.
// Subsequent calls are no-ops.
func (h *TaskHandle) finish(res TaskResult) {
	h.mu.Lock()
	if h.result != nil {
		h.mu.Unlock()
		return
	}
	h.result = &res
	h.status = res.Status
	h.mu.Unlock()
	close(h.done)
}

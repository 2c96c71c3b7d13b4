package proc

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultPollInterval keeps timeout enforcement accurate without
	// busy-spinning; stages run for seconds to minutes.
	defaultPollInterval = 250 * time.Millisecond
	// defaultProgressInterval paces "still running" notices.
	defaultProgressInterval = 30 * time.Second
)

// Executor launches external commands as child processes, captures their
// full output through per-task temp files, enforces timeouts, and guarantees
// the process tree is terminated on timeout, interrupt, or program exit.
type Executor struct {
	registry         *Registry
	tempDir          string
	pollInterval     time.Duration
	progressInterval time.Duration
}

// NewExecutor creates an Executor that tracks its subprocesses in the given
// registry. A nil registry gets a private one.
func NewExecutor(registry *Registry) *Executor {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Executor{
		registry:         registry,
		tempDir:          os.TempDir(),
		pollInterval:     defaultPollInterval,
		progressInterval: defaultProgressInterval,
	}
}

// Registry returns the process registry so a hosting CLI can wire its
// exit/signal cleanup hooks.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// RunBlocking launches the command, waits up to timeout, and returns the
// result. A timeout <= 0 means no deadline. Launch, timeout, and non-zero
// exit are all reported through the result, never as an error value.
func (e *Executor) RunBlocking(ctx context.Context, label string, command Command, timeout time.Duration) TaskResult {
	handle := newTaskHandle(uuid.NewString(), label, timeout)
	e.runTask(ctx, handle, command, nil)
	res, _ := handle.Result()
	return res
}

// RunBackground launches the command on its own goroutine and returns
// immediately with a handle. onComplete, if non-nil, is invoked exactly
// once after the result is set.
func (e *Executor) RunBackground(ctx context.Context, label string, command Command, timeout time.Duration, onComplete func(TaskResult)) *TaskHandle {
	handle := newTaskHandle(uuid.NewString(), label, timeout)
	go e.runTask(ctx, handle, command, onComplete)
	return handle
}

// Terminate force-terminates an in-flight task's process tree. Best-effort:
// an already-finished task is not an error.
func (e *Executor) Terminate(handle *TaskHandle) error {
	handle.mu.Lock()
	cmd := handle.cmd
	handle.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return killProcessTree(cmd)
}

// ShutdownAll terminates every live process this executor launched.
// Idempotent; intended for exit hooks, signal handlers, and the CLI's
// top-level error path.
func (e *Executor) ShutdownAll() {
	e.registry.KillAll()
}

func (e *Executor) runTask(ctx context.Context, handle *TaskHandle, command Command, onComplete func(TaskResult)) {
	res := e.execute(ctx, handle, command)
	handle.finish(res)
	if onComplete != nil {
		onComplete(res)
	}
}

// execute owns the full lifecycle of one invocation: temp-file output
// capture, polling wait, timeout enforcement, tree termination, read-back.
func (e *Executor) execute(ctx context.Context, handle *TaskHandle, command Command) TaskResult {
	start := time.Now()

	// Output goes to per-task temp files, never in-memory pipes: a child
	// that emits more than a pipe buffer holds while the parent is not
	// draining would deadlock.
	stdoutPath := filepath.Join(e.tempDir, fmt.Sprintf("storyflow-%s-stdout", handle.ID))
	stderrPath := filepath.Join(e.tempDir, fmt.Sprintf("storyflow-%s-stderr", handle.ID))

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return launchFailure(start, fmt.Errorf("creating stdout capture file: %w", err))
	}
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		stdoutFile.Close()
		os.Remove(stdoutPath)
		return launchFailure(start, fmt.Errorf("creating stderr capture file: %w", err))
	}

	cmd := exec.Command(command.Name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		env := os.Environ()
		for k, v := range command.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	// New process group so the entire subprocess tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		// Cleanup pass even on the launch-failure path: a partially-started
		// process must not leak.
		if killErr := killProcessTree(cmd); killErr != nil && cmd.Process != nil {
			log.Printf("WARNING: cleanup after failed launch of %q: %v", handle.Label, killErr)
		}
		stdoutFile.Close()
		stderrFile.Close()
		os.Remove(stdoutPath)
		os.Remove(stderrPath)
		return launchFailure(start, err)
	}

	handle.mu.Lock()
	handle.cmd = cmd
	handle.mu.Unlock()
	handle.markRunning()

	e.registry.Track(cmd)
	defer e.registry.Untrack(cmd)

	// Reap on a dedicated goroutine; the select below interleaves the wait
	// with timeout checks and progress notices instead of blocking forever.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var deadline time.Time
	if handle.Timeout > 0 {
		deadline = start.Add(handle.Timeout)
	}
	lastNotice := start

	var waitErr error
	timedOut := false
	interrupted := false

wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-ctx.Done():
			interrupted = true
			if err := killProcessTree(cmd); err != nil {
				log.Printf("WARNING: killing %q after interrupt: %v", handle.Label, err)
			}
			waitErr = <-waitCh
			break wait
		case <-ticker.C:
			if !deadline.IsZero() && time.Now().After(deadline) {
				timedOut = true
				if err := killProcessTree(cmd); err != nil {
					log.Printf("WARNING: killing %q after timeout: %v", handle.Label, err)
				}
				waitErr = <-waitCh
				break wait
			}
			if time.Since(lastNotice) >= e.progressInterval {
				log.Printf("%s: still running (%s elapsed)", handle.Label, time.Since(start).Round(time.Second))
				lastNotice = time.Now()
			}
		}
	}

	stdoutFile.Close()
	stderrFile.Close()
	stdout := readCapture(stdoutPath, handle.Label)
	stderr := readCapture(stderrPath, handle.Label)
	os.Remove(stdoutPath)
	os.Remove(stderrPath)

	duration := time.Since(start)

	if timedOut {
		errText := fmt.Sprintf("timed out after %s", handle.Timeout)
		if stderr != "" {
			errText += "; stderr: " + stderr
		}
		return TaskResult{
			Output:   stdout,
			Error:    errText,
			ExitCode: -1,
			Duration: duration,
			Status:   StatusTimeout,
			Launched: true,
		}
	}

	if interrupted {
		return TaskResult{
			Output:   stdout,
			Error:    fmt.Sprintf("interrupted: %v", ctx.Err()),
			ExitCode: -1,
			Duration: duration,
			Status:   StatusFailed,
			Launched: true,
		}
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		errText := stderr
		if errText == "" {
			errText = waitErr.Error()
		}
		return TaskResult{
			Output:   stdout,
			Error:    errText,
			ExitCode: exitCode,
			Duration: duration,
			Status:   StatusFailed,
			Launched: true,
		}
	}

	return TaskResult{
		Success:  true,
		Output:   stdout,
		Error:    stderr,
		ExitCode: exitCode,
		Duration: duration,
		Status:   StatusCompleted,
		Launched: true,
	}
}

// readCapture reads an output capture file back. Best-effort: a read-back
// failure must not mask the process's own outcome, so it degrades to empty
// output with a warning.
func readCapture(path, label string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("WARNING: reading captured output for %q: %v", label, err)
		return ""
	}
	return string(data)
}

func launchFailure(start time.Time, err error) TaskResult {
	return TaskResult{
		Error:    fmt.Sprintf("launch failed: %v", err),
		ExitCode: -1,
		Duration: time.Since(start),
		Status:   StatusFailed,
	}
}

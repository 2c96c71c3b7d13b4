package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// termGrace is how long a process group gets to exit after SIGTERM before
// it is force-killed.
const termGrace = 2 * time.Second

// killProcessTree terminates the command's entire process group, not just
// the direct child, since spawned agents routinely fork their own workers.
// Strategy: SIGTERM to the group, wait a short grace period, SIGKILL if the
// group is still alive. Already-dead processes are not an error.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return errors.New("process not started")
	}

	// Negative pid addresses the whole process group (the child was started
	// with Setpgid, so its pgid equals its pid).
	pgid := cmd.Process.Pid

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil // group already gone
		}
		return fmt.Errorf("failed to signal process group %d: %w", pgid, err)
	}

	// Grace period: poll for the group to disappear.
	deadline := time.Now().Add(termGrace)
	for time.Now().Before(deadline) {
		if syscall.Kill(-pgid, 0) != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", pgid, err)
	}
	return nil
}

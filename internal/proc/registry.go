package proc

import (
	"log"
	"os/exec"
	"sync"
)

// Registry tracks every live subprocess spawned by an Executor so they can
// all be terminated when the orchestrator exits, whatever the exit path.
// One Registry instance is owned by one Executor; tests can create isolated
// registries without cross-test leakage.
type Registry struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*exec.Cmd)}
}

// Track registers a subprocess. Must be called after cmd.Start(), once
// cmd.Process is available.
func (r *Registry) Track(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has exited and been reaped.
func (r *Registry) Untrack(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, cmd.Process.Pid)
}

// Count returns the number of currently tracked processes.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// KillAll terminates every tracked process tree. It is idempotent: a second
// call finds an empty registry and does nothing, and processes that already
// exited are silently skipped. Kill failures are logged, never propagated.
func (r *Registry) KillAll() {
	r.mu.Lock()
	snapshot := make([]*exec.Cmd, 0, len(r.procs))
	for _, cmd := range r.procs {
		snapshot = append(snapshot, cmd)
	}
	r.procs = make(map[int]*exec.Cmd)
	r.mu.Unlock()

	for _, cmd := range snapshot {
		if err := killProcessTree(cmd); err != nil {
			log.Printf("WARNING: failed to kill process %d: %v", cmd.Process.Pid, err)
		}
	}
}

// storyflow runs backlog stories through an agent-driven development
// pipeline: implement, gate, review, integrate.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/storyflowhq/storyflow/internal/proc"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executor := proc.NewExecutor(proc.NewRegistry())
	// Spawned agents must never outlive the orchestrator, on any exit path.
	defer executor.ShutdownAll()

	root := newRootCmd(executor)
	if err := root.ExecuteContext(ctx); err != nil {
		executor.ShutdownAll()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/pipeline"
	"github.com/storyflowhq/storyflow/internal/stage"
)

const timeRound = 10 * time.Millisecond

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check [stage...]",
		Short: "Run quality gates once each, in parallel, without retries",
		Long: `Run the named command stages concurrently and report each result.
Defaults to lint, typecheck, and test. Stages run once with no fix loop;
use this for fast local feedback, not as the pipeline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = []string{"lint", "typecheck", "test"}
			}

			runner := pipeline.New(pipeline.Options{
				Config:   a.cfg,
				Procs:    a.executor,
				RepoPath: a.repoPath,
			})

			results, err := runner.RunChecks(cmd.Context(), names, stage.Context{"workdir": a.repoPath})
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(results))
			for name := range results {
				keys = append(keys, name)
			}
			sort.Strings(keys)

			failed := 0
			for _, name := range keys {
				res := results[name]
				if res.Success {
					fmt.Printf("✓ %s (%s)\n", name, res.Duration.Round(timeRound))
					continue
				}
				failed++
				fmt.Printf("✗ %s (%s): %s\n", name, res.Status, res.Error)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(results))
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/events"
	"github.com/storyflowhq/storyflow/internal/gitops"
	"github.com/storyflowhq/storyflow/internal/history"
	"github.com/storyflowhq/storyflow/internal/knowledge"
	"github.com/storyflowhq/storyflow/internal/pipeline"
	"github.com/storyflowhq/storyflow/internal/story"
	"github.com/storyflowhq/storyflow/internal/tui"
)

func newRunCmd(a *app) *cobra.Command {
	var layer int
	var useTUI bool

	cmd := &cobra.Command{
		Use:   "run [story-id]",
		Short: "Run the pipeline for a story (next open story by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.pickStory(args)
			if err != nil {
				return err
			}
			if st == nil {
				fmt.Println("backlog is clear; nothing to run")
				return nil
			}
			return a.runStory(cmd.Context(), st, layer, useTUI)
		},
	}

	cmd.Flags().IntVar(&layer, "layer", pipeline.IntegrationLayer, "pipeline layer to run (0-3)")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show the live TUI instead of line output")
	return cmd
}

func (a *app) pickStory(args []string) (*story.Story, error) {
	if len(args) == 1 {
		return story.Find(a.cfg.Paths.StoriesDir, args[0])
	}
	return story.NextOpen(a.cfg.Paths.StoriesDir)
}

// runStory wires the collaborators for one pipeline run and executes it.
// Returns an error when the pipeline aborts so main exits non-zero.
func (a *app) runStory(ctx context.Context, st *story.Story, layer int, useTUI bool) error {
	if layer < 0 || layer > pipeline.IntegrationLayer {
		return fmt.Errorf("layer must be 0-%d, got %d", pipeline.IntegrationLayer, layer)
	}

	hist, err := history.Open(ctx, a.statePath("history.db"))
	if err != nil {
		log.Printf("WARNING: run history disabled: %v", err)
		hist = nil
	} else {
		defer hist.Close()
	}

	bus := events.NewBus()

	var git *gitops.Client
	if layer >= pipeline.IntegrationLayer {
		git = gitops.NewClient(a.executor, gitops.Options{
			RepoPath:   a.repoPath,
			BaseBranch: a.cfg.Integration.BaseBranch,
			Remote:     a.cfg.Integration.Remote,
		})
	}

	runner := pipeline.New(pipeline.Options{
		Config:   a.cfg,
		Procs:    a.executor,
		Git:      git,
		History:  hist,
		Bus:      bus,
		Lessons:  knowledge.Open(a.statePath("lessons.yaml")),
		RepoPath: a.repoPath,
	})

	var summary *pipeline.Summary
	var runErr error

	if useTUI {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		type runResult struct {
			summary *pipeline.Summary
			err     error
		}
		resCh := make(chan runResult, 1)
		go func() {
			s, err := runner.Run(runCtx, st, layer)
			resCh <- runResult{s, err}
		}()

		p := tea.NewProgram(tui.New(bus, st.ID), tea.WithAltScreen(), tea.WithContext(ctx))
		_, teaErr := p.Run()
		cancel() // quitting the TUI cancels an in-flight pipeline
		res := <-resCh
		summary, runErr = res.summary, res.err
		bus.Close()
		if teaErr != nil && ctx.Err() == nil {
			return teaErr
		}
	} else {
		sub := bus.SubscribeAll(256)
		done := make(chan struct{})
		go func() {
			tui.NewReporter(os.Stdout).Run(sub)
			close(done)
		}()
		summary, runErr = runner.Run(ctx, st, layer)
		bus.Close()
		<-done
	}

	if runErr != nil {
		return runErr
	}
	if summary == nil {
		return fmt.Errorf("run for story %s did not finish", st.ID)
	}

	if summary.PRURL != "" {
		fmt.Println("PR:", summary.PRURL)
	}
	if summary.Success && summary.Merged {
		if err := story.Complete(st); err != nil {
			log.Printf("WARNING: story %s integrated but not marked done: %v", st.ID, err)
		} else {
			fmt.Printf("story %s done\n", st.ID)
		}
	}
	if summary.Aborted {
		return fmt.Errorf("pipeline aborted for story %s", st.ID)
	}
	return nil
}

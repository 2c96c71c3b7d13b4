package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	var showStages bool

	cmd := &cobra.Command{
		Use:   "history [story-id]",
		Short: "List past pipeline runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := history.Open(ctx, a.statePath("history.db"))
			if err != nil {
				return err
			}
			defer store.Close()

			storyID := ""
			if len(args) == 1 {
				storyID = args[0]
			}

			runs, err := store.ListRuns(ctx, storyID, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTORY\tLAYER\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%.8s\t%s\t%d\t%s\t%s\t%s\n",
					r.ID, r.StoryID, r.Layer, r.Status,
					r.StartedAt.Local().Format("2006-01-02 15:04"),
					runDuration(r))
			}
			w.Flush()

			// With a story selected, also show the most recent run's stages.
			if storyID != "" && showStages {
				stages, err := store.RunStages(ctx, runs[0].ID)
				if err != nil {
					return err
				}
				fmt.Println()
				sw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
				fmt.Fprintln(sw, "STAGE\tSTATUS\tATTEMPTS\tDURATION\tERROR")
				for _, s := range stages {
					fmt.Fprintf(sw, "%s\t%s\t%d\t%s\t%s\n",
						s.Stage, s.Status, s.Attempts, s.Duration.Round(time.Millisecond), s.Error)
				}
				sw.Flush()
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&showStages, "stages", true, "show stage outcomes of the latest run (with a story-id)")
	return cmd
}

func runDuration(r history.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/story"
)

func newStoriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stories",
		Short: "List the backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stories, err := story.List(a.cfg.Paths.StoriesDir)
			if err != nil {
				return err
			}
			if len(stories) == 0 {
				fmt.Println("no stories in", a.cfg.Paths.StoriesDir)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tDONE\tTITLE")
			for _, s := range stories {
				state := "open"
				if !s.Open() {
					state = "done"
				}
				checked := 0
				for _, c := range s.Acceptance {
					if c.Done {
						checked++
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", s.ID, state, checked, len(s.Acceptance), s.Title)
			}
			return w.Flush()
		},
	}
}

package main

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/storyflowhq/storyflow/internal/story"
)

// settleDelay coalesces the burst of write events an editor save produces.
const settleDelay = 500 * time.Millisecond

func newWatchCmd(a *app) *cobra.Command {
	var layer int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the stories directory and run new or changed stories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), layer)
		},
	}

	cmd.Flags().IntVar(&layer, "layer", 3, "pipeline layer to run for each story")
	return cmd
}

func (a *app) watch(ctx context.Context, layer int) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := a.cfg.Paths.StoriesDir
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Printf("watching %s; stories run at layer %d", dir, layer)

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	ready := make(chan string)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".md") || filepath.Base(filepath.Dir(ev.Name)) == "done" {
				continue
			}

			// Restart the settle timer for this path on every event.
			path := ev.Name
			mu.Lock()
			if t, ok := timers[path]; ok {
				t.Stop()
			}
			timers[path] = time.AfterFunc(settleDelay, func() {
				mu.Lock()
				delete(timers, path)
				mu.Unlock()
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("WARNING: watch error: %v", err)

		case path := <-ready:
			st, err := story.Load(path)
			if err != nil {
				log.Printf("WARNING: skipping %s: %v", path, err)
				continue
			}
			if !st.Open() {
				continue
			}
			log.Printf("running story %s from %s", st.ID, path)
			if err := a.runStory(ctx, st, layer, false); err != nil {
				log.Printf("ERROR: story %s: %v", st.ID, err)
			}
		}
	}
}

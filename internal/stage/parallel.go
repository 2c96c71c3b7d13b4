package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storyflowhq/storyflow/internal/proc"
)

// Track is one of several independent invocations run concurrently.
type Track struct {
	Command proc.Command
	Timeout time.Duration
}

// TrackRunner fans out independent invocations to a worker pool sized to
// the batch and joins them. No ordering is guaranteed across tracks; the
// result map is keyed by track name.
type TrackRunner struct {
	runner Runner
}

// NewTrackRunner creates a TrackRunner over the given process runner.
func NewTrackRunner(runner Runner) *TrackRunner {
	return &TrackRunner{runner: runner}
}

// RunTracks blocks until every track has a result. One track's failure or
// timeout does not cancel its siblings; each runs to its own completion.
// A track whose submission panics gets a synthesized failed result; the
// others are unaffected.
func (tr *TrackRunner) RunTracks(ctx context.Context, tracks map[string]Track) map[string]proc.TaskResult {
	results := make(map[string]proc.TaskResult, len(tracks))
	if len(tracks) == 0 {
		return results
	}

	var mu sync.Mutex
	// Deliberately not errgroup.WithContext: a sibling failure must not
	// propagate cancellation to the other tracks.
	var g errgroup.Group
	g.SetLimit(len(tracks))

	for name, track := range tracks {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					results[name] = proc.TaskResult{
						Error:    fmt.Sprintf("track %q panicked: %v", name, r),
						ExitCode: -1,
						Status:   proc.StatusFailed,
					}
					mu.Unlock()
				}
			}()

			res := tr.runner.RunBlocking(ctx, name, track.Command, track.Timeout)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait() // track goroutines never return errors; failures live in the map
	return results
}

// Package pipeline drives a story through its configured stages: the layer's
// stage list becomes a dependency DAG, the DAG becomes waves, each wave runs
// through the stage executor (concurrently when the wave has siblings), and
// layer 3 finishes with git integration.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/storyflowhq/storyflow/internal/config"
	"github.com/storyflowhq/storyflow/internal/events"
	"github.com/storyflowhq/storyflow/internal/gitops"
	"github.com/storyflowhq/storyflow/internal/history"
	"github.com/storyflowhq/storyflow/internal/proc"
	"github.com/storyflowhq/storyflow/internal/stage"
	"github.com/storyflowhq/storyflow/internal/story"
)

// IntegrationLayer is the layer that commits, merges, and optionally opens a
// PR once all stages pass.
const IntegrationLayer = 3

// Options wires a Runner. Config and Procs are required; the rest degrade
// gracefully when nil (no history, no events, no git integration).
type Options struct {
	Config   *config.Config
	Procs    stage.Runner       // process execution for stages and checks
	Git      *gitops.Client     // nil disables worktree isolation and integration
	History  *history.Store     // nil disables run persistence
	Bus      *events.Bus        // nil disables progress events
	Lessons  stage.LessonSource // nil disables the knowledge base
	RepoPath string
}

// Summary is the final report of one pipeline run.
type Summary struct {
	StoryID  string
	RunID    string
	Stages   []stage.Outcome
	Success  bool
	Aborted  bool
	Merged   bool
	PRURL    string
	Duration time.Duration
}

// Runner executes pipelines for stories.
type Runner struct {
	cfg      *config.Config
	stages   *stage.Executor
	procs    stage.Runner
	git      *gitops.Client
	hist     *history.Store
	bus      *events.Bus
	repoPath string
}

// New creates a pipeline runner.
func New(opts Options) *Runner {
	stageOpts := []stage.Option{
		stage.WithBreakers(stage.NewBreakerRegistry()),
	}
	if opts.Lessons != nil {
		stageOpts = append(stageOpts, stage.WithLessons(opts.Lessons))
	}
	if opts.Bus != nil {
		stageOpts = append(stageOpts, stage.WithObserver(&busObserver{bus: opts.Bus}))
	}

	return &Runner{
		cfg:      opts.Config,
		stages:   stage.NewExecutor(opts.Procs, config.NewResolver(opts.Config), stageOpts...),
		procs:    opts.Procs,
		git:      opts.Git,
		hist:     opts.History,
		bus:      opts.Bus,
		repoPath: opts.RepoPath,
	}
}

// Run executes the given layer's stages for a story. Abort outcomes stop the
// pipeline and are reported in the summary, not as a Go error; errors are
// reserved for setup problems (bad layer, worktree creation failure).
func (r *Runner) Run(ctx context.Context, st *story.Story, layer int) (*Summary, error) {
	names, err := r.stageList(layer)
	if err != nil {
		return nil, err
	}
	stageWaves, err := waves(names, r.cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	summary := &Summary{StoryID: st.ID}

	if r.hist != nil {
		runID, err := r.hist.StartRun(ctx, st.ID, layer)
		if err != nil {
			log.Printf("WARNING: failed to record run start: %v", err)
		}
		summary.RunID = runID
	}

	sc := stage.Context{
		"story_id": st.ID,
		"story":    st.Body(),
	}
	if r.repoPath != "" {
		sc["workdir"] = r.repoPath
	}

	integrate := layer >= IntegrationLayer && r.git != nil
	var wt *gitops.Worktree
	if integrate && r.cfg.Integration.UseWorktree {
		wt, err = r.git.CreateWorktree(ctx, st.ID)
		if err != nil {
			r.finish(ctx, summary, "failed", start)
			return nil, fmt.Errorf("worktree setup: %w", err)
		}
		sc["workdir"] = wt.Path
	}

	for _, wave := range stageWaves {
		outcomes := r.runWave(ctx, wave, sc)
		summary.Stages = append(summary.Stages, outcomes...)

		aborted := false
		for _, o := range outcomes {
			r.recordStage(ctx, summary.RunID, o)
			if o.Abort {
				aborted = true
			}
		}
		if aborted {
			summary.Aborted = true
			if wt != nil {
				log.Printf("WARNING: keeping worktree %s for inspection after abort", wt.Path)
			}
			r.finish(ctx, summary, "aborted", start)
			return summary, nil
		}
	}

	if integrate {
		if err := r.integrate(ctx, st, wt, summary); err != nil {
			summary.Aborted = true
			r.recordStage(ctx, summary.RunID, stage.Outcome{
				Stage:  "integrate",
				Status: stage.StageFailed,
				Err:    err,
			})
			log.Printf("ERROR: integration for story %s: %v", st.ID, err)
			r.finish(ctx, summary, "aborted", start)
			return summary, nil
		}
		r.recordStage(ctx, summary.RunID, stage.Outcome{
			Stage:        "integrate",
			Status:       stage.StagePassed,
			Success:      true,
			AttemptsUsed: 1,
		})
	}

	summary.Success = true
	r.finish(ctx, summary, "success", start)
	return summary, nil
}

// RunChecks runs the named command stages once each, in parallel, with no
// retries. Used by `storyflow check` for fast local feedback.
func (r *Runner) RunChecks(ctx context.Context, names []string, sc stage.Context) (map[string]proc.TaskResult, error) {
	resolver := config.NewResolver(r.cfg)
	tracks := make(map[string]stage.Track, len(names))
	for _, name := range names {
		inv, err := resolver.Resolve(name, sc)
		if err != nil {
			return nil, err
		}
		if inv == nil {
			continue
		}
		tracks[name] = stage.Track{Command: inv.Command, Timeout: inv.Timeout}
	}
	return stage.NewTrackRunner(r.procs).RunTracks(ctx, tracks), nil
}

// stageList expands the layer's configured stage names, splicing delegate
// stages into the layer they point at.
func (r *Runner) stageList(layer int) ([]string, error) {
	return r.expandLayer(layer, make(map[int]bool))
}

func (r *Runner) expandLayer(layer int, seen map[int]bool) ([]string, error) {
	if seen[layer] {
		return nil, fmt.Errorf("layer %d delegates to itself", layer)
	}
	seen[layer] = true

	names, err := r.cfg.LayerStages(layer)
	if err != nil {
		return nil, err
	}

	var out []string
	have := make(map[string]bool)
	add := func(n string) {
		if !have[n] {
			have[n] = true
			out = append(out, n)
		}
	}

	for _, name := range names {
		st, ok := r.cfg.Stages[name]
		if ok && st.Kind == config.KindDelegate {
			inner, err := r.expandLayer(*st.Layer, seen)
			if err != nil {
				return nil, err
			}
			for _, n := range inner {
				add(n)
			}
			continue
		}
		add(name)
	}
	return out, nil
}

// runWave executes one wave. A single stage runs inline; siblings run
// concurrently, each with its own retry loop, none cancelling the others.
func (r *Runner) runWave(ctx context.Context, wave []string, sc stage.Context) []stage.Outcome {
	if len(wave) == 1 {
		return []stage.Outcome{r.runStage(ctx, wave[0], sc)}
	}

	outcomes := make([]stage.Outcome, len(wave))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(len(wave))

	for i, name := range wave {
		g.Go(func() error {
			o := r.runStage(ctx, name, sc)
			mu.Lock()
			outcomes[i] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Runner) runStage(ctx context.Context, name string, sc stage.Context) stage.Outcome {
	if r.bus != nil {
		r.bus.Publish(events.TopicStage, events.StageStarted{
			Stage:     name,
			StoryID:   sc["story_id"],
			Timestamp: time.Now(),
		})
	}

	started := time.Now()
	out := r.stages.Execute(ctx, name, sc, r.cfg.Policy(name))

	if r.bus != nil {
		ev := events.StageFinished{
			Stage:        name,
			Status:       out.Status.String(),
			AttemptsUsed: out.AttemptsUsed,
			Duration:     time.Since(started),
			Timestamp:    time.Now(),
		}
		if out.Err != nil {
			ev.Error = out.Err.Error()
		} else if out.LastResult != nil && !out.Success {
			ev.Error = out.LastResult.Error
		}
		r.bus.Publish(events.TopicStage, ev)
	}
	return out
}

// integrate commits the worktree, merges it back, and optionally pushes and
// opens a PR. A clean tree is integrated trivially.
func (r *Runner) integrate(ctx context.Context, st *story.Story, wt *gitops.Worktree, summary *Summary) error {
	if wt == nil {
		// Worktree isolation disabled; nothing to merge back.
		return nil
	}

	committed, err := r.git.Commit(ctx, wt, st.Title)
	if err != nil {
		return err
	}
	if !committed {
		log.Printf("WARNING: story %s produced no changes; skipping merge", st.ID)
		return r.git.Cleanup(ctx, wt)
	}

	if r.cfg.Integration.Push || r.cfg.Integration.CreatePR {
		if err := r.git.Push(ctx, wt.Branch); err != nil {
			return err
		}
	}

	if r.cfg.Integration.CreatePR {
		url, err := r.git.CreatePR(ctx, wt, st.Title, st.Body())
		if err != nil {
			return err
		}
		summary.PRURL = url
		// The branch stays alive for the PR; only the worktree goes.
		return nil
	}

	res, err := r.git.Merge(ctx, wt)
	if err != nil {
		return err
	}
	if !res.Merged {
		return fmt.Errorf("merge conflict in %v: %s", res.ConflictFiles, res.Detail)
	}
	summary.Merged = true
	return r.git.Cleanup(ctx, wt)
}

func (r *Runner) recordStage(ctx context.Context, runID string, o stage.Outcome) {
	if r.hist == nil || runID == "" {
		return
	}
	sr := history.StageResult{
		Stage:    o.Stage,
		Attempts: o.AttemptsUsed,
		Status:   o.Status.String(),
	}
	if o.Err != nil {
		sr.Error = o.Err.Error()
	} else if o.LastResult != nil && !o.Success {
		sr.Error = o.LastResult.Error
	}
	if o.LastResult != nil {
		sr.Duration = o.LastResult.Duration
	}
	if err := r.hist.SaveStageResult(ctx, runID, sr); err != nil {
		log.Printf("WARNING: failed to record stage result: %v", err)
	}
}

func (r *Runner) finish(ctx context.Context, summary *Summary, status string, start time.Time) {
	summary.Duration = time.Since(start)

	if r.hist != nil && summary.RunID != "" {
		if err := r.hist.FinishRun(ctx, summary.RunID, status); err != nil {
			log.Printf("WARNING: failed to record run finish: %v", err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(events.TopicPipeline, events.PipelineFinished{
			StoryID:   summary.StoryID,
			Success:   summary.Success,
			Aborted:   summary.Aborted,
			Duration:  summary.Duration,
			Timestamp: time.Now(),
		})
	}
}

// busObserver republishes stage executor progress on the event bus.
type busObserver struct {
	bus *events.Bus
}

func (o *busObserver) AttemptStarted(stageName string, attempt, maxAttempts int) {
	o.bus.Publish(events.TopicStage, events.StageAttempt{
		Stage:       stageName,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Timestamp:   time.Now(),
	})
}

func (o *busObserver) FixSpawned(stageName string, attempt int, errText string) {
	o.bus.Publish(events.TopicStage, events.StageFixSpawned{
		Stage:     stageName,
		Attempt:   attempt,
		Error:     errText,
		Timestamp: time.Now(),
	})
}

// Package gitops integrates pipeline runs with git. Every story run gets an
// isolated worktree on a story/<id> branch; on success the branch is merged
// back to the base branch after a merge-tree dry run, optionally pushed, and
// optionally turned into a PR via the gh CLI.
//
// All git and gh invocations go through the process executor so they share
// its timeout handling and shutdown cleanup with agent spawns.
package gitops

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/storyflowhq/storyflow/internal/proc"
)

const gitTimeout = 2 * time.Minute

// Worktree describes an isolated checkout for one story run.
type Worktree struct {
	Path    string
	Branch  string
	StoryID string
	Head    string
}

// MergeResult reports the outcome of merging a story branch back.
type MergeResult struct {
	Merged        bool
	ConflictFiles []string
	Detail        string
}

// Options configures a Client.
type Options struct {
	RepoPath    string
	WorktreeDir string // relative to RepoPath, defaults to .storyflow/worktrees
	BaseBranch  string
	Remote      string
}

// Client runs git and gh operations for the pipeline.
type Client struct {
	exec    *proc.Executor
	opts    Options
	mergeMu sync.Mutex // one merge into the main repo at a time
}

// NewClient creates a git client backed by the given executor.
func NewClient(exec *proc.Executor, opts Options) *Client {
	if opts.WorktreeDir == "" {
		opts.WorktreeDir = filepath.Join(".storyflow", "worktrees")
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	return &Client{exec: exec, opts: opts}
}

func (c *Client) git(ctx context.Context, dir string, args ...string) (proc.TaskResult, error) {
	res := c.exec.RunBlocking(ctx, "git "+args[0], proc.Command{
		Name: "git",
		Args: args,
		Dir:  dir,
	}, gitTimeout)
	if !res.Success {
		return res, fmt.Errorf("git %s failed: %s", strings.Join(args, " "), firstLine(res.Error, res.Output))
	}
	return res, nil
}

// CreateWorktree adds a worktree on a fresh story/<id> branch off the base
// branch. An existing branch from an aborted earlier run is deleted first.
func (c *Client) CreateWorktree(ctx context.Context, storyID string) (*Worktree, error) {
	branch := "story/" + storyID
	path := filepath.Join(c.opts.RepoPath, c.opts.WorktreeDir, storyID)

	// Leftovers from a crashed run would make worktree add fail.
	c.git(ctx, c.opts.RepoPath, "worktree", "remove", "--force", path)
	c.git(ctx, c.opts.RepoPath, "branch", "-D", branch)

	if _, err := c.git(ctx, c.opts.RepoPath, "worktree", "add", "-b", branch, path, c.opts.BaseBranch); err != nil {
		return nil, err
	}

	head, err := c.git(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	return &Worktree{
		Path:    path,
		Branch:  branch,
		StoryID: storyID,
		Head:    strings.TrimSpace(head.Output),
	}, nil
}

// Commit stages everything in the worktree and commits with a story-derived
// message. A clean tree is not an error; ok reports whether a commit was made.
func (c *Client) Commit(ctx context.Context, wt *Worktree, title string) (bool, error) {
	if _, err := c.git(ctx, wt.Path, "add", "-A"); err != nil {
		return false, err
	}

	status, err := c.git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status.Output) == "" {
		return false, nil
	}

	msg := fmt.Sprintf("%s: %s", wt.StoryID, title)
	if _, err := c.git(ctx, wt.Path, "commit", "-m", msg); err != nil {
		return false, err
	}
	return true, nil
}

// Merge brings the story branch into the base branch. A merge-tree dry run
// detects conflicts first so the main checkout is never left mid-merge.
func (c *Client) Merge(ctx context.Context, wt *Worktree) (*MergeResult, error) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	if _, err := c.git(ctx, c.opts.RepoPath, "checkout", c.opts.BaseBranch); err != nil {
		return nil, err
	}

	dry := c.exec.RunBlocking(ctx, "git merge-tree", proc.Command{
		Name: "git",
		Args: []string{"merge-tree", "--write-tree", c.opts.BaseBranch, wt.Branch},
		Dir:  c.opts.RepoPath,
	}, gitTimeout)
	if !dry.Success || strings.Contains(dry.Output, "CONFLICT") {
		return &MergeResult{
			Merged:        false,
			ConflictFiles: ParseConflictFiles(dry.Output),
			Detail:        firstLine(dry.Output, dry.Error),
		}, nil
	}

	res, err := c.git(ctx, c.opts.RepoPath, "merge", "--no-ff", wt.Branch,
		"-m", fmt.Sprintf("Merge %s", wt.Branch))
	if err != nil {
		return &MergeResult{Merged: false, Detail: firstLine(res.Output, res.Error)}, nil
	}
	return &MergeResult{Merged: true}, nil
}

// Push publishes a branch to the remote.
func (c *Client) Push(ctx context.Context, branch string) error {
	_, err := c.git(ctx, c.opts.RepoPath, "push", "-u", c.opts.Remote, branch)
	return err
}

// CreatePR opens a pull request with the gh CLI and returns its URL.
func (c *Client) CreatePR(ctx context.Context, wt *Worktree, title, body string) (string, error) {
	res := c.exec.RunBlocking(ctx, "gh pr create", proc.Command{
		Name: "gh",
		Args: []string{"pr", "create",
			"--base", c.opts.BaseBranch,
			"--head", wt.Branch,
			"--title", fmt.Sprintf("%s: %s", wt.StoryID, title),
			"--body", body,
		},
		Dir: c.opts.RepoPath,
	}, gitTimeout)
	if !res.Success {
		return "", fmt.Errorf("gh pr create failed: %s", firstLine(res.Error, res.Output))
	}
	return strings.TrimSpace(res.Output), nil
}

// Cleanup removes the worktree and its branch, forcing when needed.
func (c *Client) Cleanup(ctx context.Context, wt *Worktree) error {
	var errs []string

	if _, err := c.git(ctx, c.opts.RepoPath, "worktree", "remove", wt.Path); err != nil {
		if _, err := c.git(ctx, c.opts.RepoPath, "worktree", "remove", "--force", wt.Path); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if _, err := c.git(ctx, c.opts.RepoPath, "branch", "-d", wt.Branch); err != nil {
		if _, err := c.git(ctx, c.opts.RepoPath, "branch", "-D", wt.Branch); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("worktree cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Prune drops stale worktree metadata left by crashed runs.
func (c *Client) Prune(ctx context.Context) error {
	_, err := c.git(ctx, c.opts.RepoPath, "worktree", "prune")
	return err
}

// ParseConflictFiles extracts conflicting paths from merge-tree output.
// Lines look like "CONFLICT (content): Merge conflict in internal/foo.go".
func ParseConflictFiles(output string) []string {
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "CONFLICT") {
			continue
		}
		if idx := strings.LastIndex(line, " in "); idx >= 0 {
			files = append(files, strings.TrimSpace(line[idx+4:]))
		}
	}
	return files
}

func firstLine(candidates ...string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if i := strings.IndexByte(c, '\n'); i >= 0 {
			c = c[:i]
		}
		return c
	}
	return "unknown error"
}

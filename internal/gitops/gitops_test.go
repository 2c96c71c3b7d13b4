package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/storyflowhq/storyflow/internal/proc"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repo := t.TempDir()
	runGit(t, repo, "init")
	runGit(t, repo, "config", "user.name", "Test User")
	runGit(t, repo, "config", "user.email", "test@example.com")
	runGit(t, repo, "checkout", "-b", "main")

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Test Repo\n"), 0o644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "initial commit")

	return repo
}

func testClient(t *testing.T, repo string) *Client {
	t.Helper()
	executor := proc.NewExecutor(proc.NewRegistry())
	t.Cleanup(executor.ShutdownAll)
	return NewClient(executor, Options{RepoPath: repo, BaseBranch: "main"})
}

func TestCreateWorktree(t *testing.T) {
	repo := setupTestRepo(t)
	c := testClient(t, repo)

	wt, err := c.CreateWorktree(context.Background(), "ST-1")
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	if wt.Branch != "story/ST-1" {
		t.Errorf("expected branch story/ST-1, got %q", wt.Branch)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Errorf("worktree path missing: %v", err)
	}
	if wt.Head == "" {
		t.Error("HEAD commit not captured")
	}
}

func TestCreateWorktree_ReplacesStaleBranch(t *testing.T) {
	repo := setupTestRepo(t)
	c := testClient(t, repo)
	ctx := context.Background()

	first, err := c.CreateWorktree(ctx, "ST-1")
	if err != nil {
		t.Fatalf("first CreateWorktree failed: %v", err)
	}
	// Simulate a crashed run: the worktree and branch were never cleaned up.
	_ = first

	if _, err := c.CreateWorktree(ctx, "ST-1"); err != nil {
		t.Fatalf("CreateWorktree should replace leftovers from a crashed run: %v", err)
	}
}

func TestCommitAndMerge(t *testing.T) {
	repo := setupTestRepo(t)
	c := testClient(t, repo)
	ctx := context.Background()

	wt, err := c.CreateWorktree(ctx, "ST-2")
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(wt.Path, "feature.go"), []byte("package feature\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	committed, err := c.Commit(ctx, wt, "add feature")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !committed {
		t.Fatal("expected a commit to be made")
	}

	res, err := c.Merge(ctx, wt)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !res.Merged {
		t.Fatalf("expected clean merge, got %+v", res)
	}

	if _, err := os.Stat(filepath.Join(repo, "feature.go")); err != nil {
		t.Errorf("merged file not on base branch: %v", err)
	}

	if err := c.Cleanup(ctx, wt); err != nil {
		t.Errorf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Error("worktree directory should be removed")
	}
}

func TestCommit_CleanTreeIsNotAnError(t *testing.T) {
	repo := setupTestRepo(t)
	c := testClient(t, repo)
	ctx := context.Background()

	wt, err := c.CreateWorktree(ctx, "ST-3")
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	committed, err := c.Commit(ctx, wt, "nothing changed")
	if err != nil {
		t.Fatalf("Commit on clean tree failed: %v", err)
	}
	if committed {
		t.Error("no commit should be made on a clean tree")
	}
}

func TestMerge_DetectsConflicts(t *testing.T) {
	repo := setupTestRepo(t)
	c := testClient(t, repo)
	ctx := context.Background()

	wt, err := c.CreateWorktree(ctx, "ST-4")
	if err != nil {
		t.Fatalf("CreateWorktree failed: %v", err)
	}

	// Diverge the same file on both branches.
	if err := os.WriteFile(filepath.Join(wt.Path, "README.md"), []byte("# Story version\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := c.Commit(ctx, wt, "story change"); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Main version\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	runGit(t, repo, "commit", "-am", "main change")

	res, err := c.Merge(ctx, wt)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if res.Merged {
		t.Fatal("conflicting merge should not be applied")
	}
	if len(res.ConflictFiles) == 0 || res.ConflictFiles[0] != "README.md" {
		t.Errorf("expected README.md in conflict files, got %v", res.ConflictFiles)
	}

	// The dry run must leave the main checkout untouched.
	status := runGit(t, repo, "status", "--porcelain")
	if strings.TrimSpace(status) != "" {
		t.Errorf("main checkout dirty after conflict detection:\n%s", status)
	}
}

func TestParseConflictFiles(t *testing.T) {
	output := `1f7a...
CONFLICT (content): Merge conflict in internal/foo.go
CONFLICT (content): Merge conflict in cmd/main.go
some other line`

	files := ParseConflictFiles(output)
	if len(files) != 2 || files[0] != "internal/foo.go" || files[1] != "cmd/main.go" {
		t.Errorf("unexpected conflict files: %v", files)
	}

	if files := ParseConflictFiles("clean output"); len(files) != 0 {
		t.Errorf("expected no conflicts, got %v", files)
	}
}

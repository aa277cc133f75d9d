package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/gittest"
)

// svc is a GitService backed by real git
var svc = NewGitService()

var ctx = context.Background()

func TestValidateRepo(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	if err := svc.ValidateRepo(ctx, repoPath); err != nil {
		t.Errorf("ValidateRepo failed for valid repo: %v", err)
	}
	if err := svc.ValidateRepo(ctx, t.TempDir()); err == nil {
		t.Error("ValidateRepo should fail for non-git directory")
	}
}

func TestRepoRoot(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	sub := filepath.Join(repoPath, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	root, err := svc.RepoRoot(ctx, sub)
	if err != nil {
		t.Fatalf("RepoRoot failed: %v", err)
	}
	want, _ := filepath.EvalSymlinks(repoPath)
	got, _ := filepath.EvalSymlinks(root)
	if got != want {
		t.Errorf("RepoRoot = %q, want %q", got, want)
	}

	if _, err := svc.RepoRoot(ctx, t.TempDir()); err == nil {
		t.Error("RepoRoot should fail outside a repository")
	}
}

func TestCurrentBranch(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	branch, err := svc.CurrentBranch(ctx, repoPath)
	if err != nil {
		t.Fatalf("CurrentBranch failed: %v", err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch = %q, want main", branch)
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	wt := filepath.Join(filepath.Dir(repoPath), "wt", "abc12345")

	if err := svc.AddWorktree(ctx, repoPath, wt, "session/abc12345", "main"); err != nil {
		t.Fatalf("AddWorktree failed: %v", err)
	}
	if !svc.BranchExists(ctx, repoPath, "session/abc12345") {
		t.Error("branch should exist after AddWorktree")
	}
	if _, err := os.Stat(filepath.Join(wt, "test.txt")); err != nil {
		t.Errorf("worktree should be checked out: %v", err)
	}

	branches, err := svc.ListBranches(ctx, repoPath, "session/")
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(branches) != 1 || branches[0] != "session/abc12345" {
		t.Errorf("ListBranches = %v", branches)
	}

	// Adding the same branch again must fail.
	if err := svc.AddWorktree(ctx, repoPath, wt+"-2", "session/abc12345", "main"); err == nil {
		t.Error("AddWorktree should fail for an existing branch")
	}

	if err := svc.RemoveWorktree(ctx, repoPath, wt, false); err != nil {
		t.Fatalf("RemoveWorktree failed: %v", err)
	}
	if err := svc.DeleteBranch(ctx, repoPath, "session/abc12345", false); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if svc.BranchExists(ctx, repoPath, "session/abc12345") {
		t.Error("branch should be gone")
	}
}

func TestRemoveWorktree_DirtyNeedsForce(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	wt := filepath.Join(filepath.Dir(repoPath), "wt", "dirty")
	if err := svc.AddWorktree(ctx, repoPath, wt, "session/dirty", "main"); err != nil {
		t.Fatalf("AddWorktree failed: %v", err)
	}
	gittest.WriteFile(t, wt, "scratch.txt", "uncommitted")

	if err := svc.RemoveWorktree(ctx, repoPath, wt, false); err == nil {
		t.Error("non-forced remove should refuse a dirty worktree")
	}
	if err := svc.RemoveWorktree(ctx, repoPath, wt, true); err != nil {
		t.Errorf("forced remove failed: %v", err)
	}
}

func TestCommitAll_AllowEmpty(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	before, _ := svc.HeadCommit(ctx, repoPath)

	if err := svc.CommitAll(ctx, repoPath, "nothing changed", false); err == nil {
		t.Error("commit without changes should fail unless allowEmpty")
	}
	if err := svc.CommitAll(ctx, repoPath, "nothing changed", true); err != nil {
		t.Fatalf("allow-empty commit failed: %v", err)
	}
	after, _ := svc.HeadCommit(ctx, repoPath)
	if before == after {
		t.Error("allow-empty commit should advance HEAD")
	}
}

func TestCommitAll_StagesUntracked(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.WriteFile(t, repoPath, "new/file.txt", "hello")

	dirty, err := svc.HasChanges(ctx, repoPath)
	if err != nil || !dirty {
		t.Fatalf("HasChanges = %v, %v; want true", dirty, err)
	}
	if err := svc.CommitAll(ctx, repoPath, "add file", false); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}
	dirty, _ = svc.HasChanges(ctx, repoPath)
	if dirty {
		t.Error("worktree should be clean after CommitAll")
	}
}

func TestUndoCommit_RestoresIndexAndWorktree(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.WriteFile(t, repoPath, "test.txt", "edited\n")
	gittest.WriteFile(t, repoPath, "staged.txt", "staged\n")
	gittest.Run(t, repoPath, "add", "staged.txt")
	gittest.WriteFile(t, repoPath, "untracked.txt", "loose\n")
	statusBefore := gittest.Run(t, repoPath, "status", "--porcelain")

	tip, err := svc.HeadCommit(ctx, repoPath)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := svc.IndexTree(ctx, repoPath)
	if err != nil {
		t.Fatalf("IndexTree: %v", err)
	}
	if err := svc.CommitAll(ctx, repoPath, "temporary", false); err != nil {
		t.Fatal(err)
	}
	if head, _ := svc.HeadCommit(ctx, repoPath); head == tip {
		t.Fatal("CommitAll should have advanced HEAD")
	}

	if err := svc.UndoCommit(ctx, repoPath, tip, tree); err != nil {
		t.Fatalf("UndoCommit: %v", err)
	}
	if head, _ := svc.HeadCommit(ctx, repoPath); head != tip {
		t.Errorf("HEAD = %s, want %s", head, tip)
	}
	if got := gittest.Run(t, repoPath, "status", "--porcelain"); got != statusBefore {
		t.Errorf("status after undo:\n%s\nwant:\n%s", got, statusBefore)
	}
	data, err := os.ReadFile(filepath.Join(repoPath, "test.txt"))
	if err != nil || string(data) != "edited\n" {
		t.Errorf("working tree changed: %q, %v", data, err)
	}
}

func TestDiffAndChangedFiles(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.Run(t, repoPath, "checkout", "-b", "feature")
	gittest.CommitFile(t, repoPath, "feature.txt", "feature\n", "add feature")
	gittest.CommitFile(t, repoPath, "test.txt", "changed\n", "change test")
	gittest.Run(t, repoPath, "checkout", "main")

	files, err := svc.ChangedFiles(ctx, repoPath, "main", "feature")
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ChangedFiles = %v, want 2 entries", files)
	}
	got := map[string]string{}
	for _, f := range files {
		got[f.Path] = f.Status
	}
	if got["feature.txt"] != "A" || got["test.txt"] != "M" {
		t.Errorf("unexpected statuses %v", got)
	}

	diff, err := svc.Diff(ctx, repoPath, "main", "feature")
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if !strings.Contains(diff, "+feature") {
		t.Errorf("diff should contain added line, got:\n%s", diff)
	}
}

func TestWorktreeDiff(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.WriteFile(t, repoPath, "test.txt", "edited\n")
	gittest.WriteFile(t, repoPath, "untracked.txt", "x")

	diff, untracked, err := svc.WorktreeDiff(ctx, repoPath)
	if err != nil {
		t.Fatalf("WorktreeDiff failed: %v", err)
	}
	if !strings.Contains(diff, "+edited") {
		t.Errorf("diff should show tracked edit:\n%s", diff)
	}
	if len(untracked) != 1 || untracked[0] != "untracked.txt" {
		t.Errorf("untracked = %v", untracked)
	}
}

func TestIsAncestor(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.Run(t, repoPath, "branch", "side")
	gittest.Run(t, repoPath, "checkout", "side")
	gittest.CommitFile(t, repoPath, "side.txt", "side", "side commit")
	gittest.Run(t, repoPath, "checkout", "main")

	ok, err := svc.IsAncestor(ctx, repoPath, "main", "side")
	if err != nil || !ok {
		t.Errorf("main should be an ancestor of side: %v %v", ok, err)
	}
	ok, err = svc.IsAncestor(ctx, repoPath, "side", "main")
	if err != nil || ok {
		t.Errorf("side should not be an ancestor of main: %v %v", ok, err)
	}
	if _, err := svc.IsAncestor(ctx, repoPath, "no-such-ref", "main"); err == nil {
		t.Error("unknown ref should be an error, not false")
	}
}

func TestMergeNoFF(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.Run(t, repoPath, "checkout", "-b", "feature")
	gittest.CommitFile(t, repoPath, "feature.txt", "feature", "feature commit")
	gittest.Run(t, repoPath, "checkout", "main")
	before := gittest.FirstParentCount(t, repoPath, "main")

	res, err := svc.MergeNoFF(ctx, repoPath, "feature", "Merge feature")
	if err != nil || res.Conflict {
		t.Fatalf("MergeNoFF = %+v, %v", res, err)
	}
	if got := gittest.FirstParentCount(t, repoPath, "main"); got != before+1 {
		t.Errorf("first-parent count = %d, want %d", got, before+1)
	}
	parents := strings.Fields(gittest.Run(t, repoPath, "rev-list", "--parents", "-n", "1", "HEAD"))
	if len(parents) != 3 {
		t.Errorf("HEAD should be a merge commit, got %v", parents)
	}
}

func TestMergeNoFF_ConflictAndAbort(t *testing.T) {
	repoPath := gittest.NewRepo(t)
	gittest.Run(t, repoPath, "checkout", "-b", "conflict-branch")
	gittest.CommitFile(t, repoPath, "test.txt", "feature version\n", "feature change")
	gittest.Run(t, repoPath, "checkout", "main")
	gittest.CommitFile(t, repoPath, "test.txt", "main version\n", "main change")
	head, _ := svc.HeadCommit(ctx, repoPath)

	res, err := svc.MergeNoFF(ctx, repoPath, "conflict-branch", "Merge conflict-branch")
	if err != nil {
		t.Fatalf("conflict should not be an error: %v", err)
	}
	if !res.Conflict {
		t.Fatal("expected Conflict=true")
	}
	if err := svc.AbortMerge(ctx, repoPath); err != nil {
		t.Fatalf("AbortMerge failed: %v", err)
	}
	after, _ := svc.HeadCommit(ctx, repoPath)
	if after != head {
		t.Error("HEAD should be unchanged after abort")
	}
	if dirty, _ := svc.HasChanges(ctx, repoPath); dirty {
		t.Error("worktree should be clean after abort")
	}
}

func TestParseNameStatus(t *testing.T) {
	out := "A\tnew.txt\nM\tdir/changed.go\nR100\told.txt\trenamed.txt\n\n"
	got := parseNameStatus(out)
	want := []FileChange{
		{Status: "A", Path: "new.txt"},
		{Status: "M", Path: "dir/changed.go"},
		{Status: "R100", Path: "renamed.txt"},
	}
	if len(got) != len(want) {
		t.Fatalf("parseNameStatus = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCombinedWithRetry_RetriesLockContention(t *testing.T) {
	mockExec := pexec.NewMockExecutor(nil)
	mockExec.AddPrefixMatch("git", []string{"branch"}, pexec.MockResponse{
		Stderr: []byte("fatal: Unable to create '/repo/.git/index.lock': File exists."),
		Err:    errors.New("exit status 128"),
	})
	s := NewGitServiceWithExecutor(mockExec)

	if err := s.DeleteBranch(ctx, "/repo", "session/x", true); err == nil {
		t.Fatal("expected persistent lock contention to fail")
	}
	if got := len(mockExec.GetCalls()); got != lockRetryAttempts {
		t.Errorf("calls = %d, want %d retries", got, lockRetryAttempts)
	}
}

func TestCombinedWithRetry_NoRetryOnOtherErrors(t *testing.T) {
	mockExec := pexec.NewMockExecutor(nil)
	mockExec.AddPrefixMatch("git", []string{"branch"}, pexec.MockResponse{
		Stderr: []byte("error: branch 'session/x' not found."),
		Err:    errors.New("exit status 1"),
	})
	s := NewGitServiceWithExecutor(mockExec)

	if err := s.DeleteBranch(ctx, "/repo", "session/x", true); err == nil {
		t.Fatal("expected failure")
	}
	if got := len(mockExec.GetCalls()); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

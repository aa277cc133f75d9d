// Package git wraps the git operations nightshift needs: worktree
// provisioning, session branch bookkeeping, terminal commits, diffs and
// mainline merges. All commands go through a pexec.CommandExecutor.
package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/logger"
)

const (
	// lockRetryAttempts bounds retries on ref/index lock contention between
	// concurrent operations sharing one object store.
	lockRetryAttempts = 6
	lockRetryStep     = 75 * time.Millisecond
)

// GitService runs git commands through an executor.
type GitService struct {
	executor pexec.CommandExecutor
	log      *slog.Logger
}

// NewGitService returns a service backed by real git.
func NewGitService() *GitService {
	return NewGitServiceWithExecutor(pexec.NewRealExecutor())
}

// NewGitServiceWithExecutor returns a service backed by the given executor.
func NewGitServiceWithExecutor(e pexec.CommandExecutor) *GitService {
	return &GitService{executor: e, log: logger.ComponentLogger("git")}
}

// FileChange is one entry of a name-status diff.
type FileChange struct {
	Status string // A, M, D, R100, ...
	Path   string
}

// isLockContention reports whether git failed because another process held
// one of its lock files.
func isLockContention(output []byte) bool {
	s := string(output)
	return strings.Contains(s, ".lock': File exists") ||
		strings.Contains(s, "index.lock") ||
		strings.Contains(s, "cannot lock ref") ||
		strings.Contains(s, "Unable to create") && strings.Contains(s, ".lock")
}

// combinedWithRetry runs git, retrying with linear backoff while the failure
// is lock contention. Any other failure is returned immediately.
func (s *GitService) combinedWithRetry(ctx context.Context, dir string, args ...string) ([]byte, error) {
	var out []byte
	var cmdErr error
	_ = retry.Retry(func(attempt uint) error {
		out, cmdErr = s.executor.CombinedOutput(ctx, dir, "git", args...)
		if cmdErr != nil && isLockContention(out) && ctx.Err() == nil {
			s.log.Debug("git lock contention, retrying", "args", args, "attempt", attempt)
			return cmdErr
		}
		return nil
	}, strategy.Limit(lockRetryAttempts), strategy.Backoff(backoff.Linear(lockRetryStep)))
	return out, cmdErr
}

func gitError(op string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %s: %w", op, msg, err)
}

// ValidateRepo checks that path is inside a git work tree.
func (s *GitService) ValidateRepo(ctx context.Context, path string) error {
	out, err := s.executor.CombinedOutput(ctx, path, "git", "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("not a git repository: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// RepoRoot returns the top-level directory of the work tree containing dir.
func (s *GitService) RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := s.executor.Output(ctx, dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the branch checked out in dir.
func (s *GitService) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := s.executor.Output(ctx, dir, "git", "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to determine current branch (detached HEAD?): %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// BranchExists reports whether refs/heads/<branch> exists.
func (s *GitService) BranchExists(ctx context.Context, repoPath, branch string) bool {
	_, _, err := s.executor.Run(ctx, repoPath, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ListBranches returns local branch names under prefix, sorted by refname.
func (s *GitService) ListBranches(ctx context.Context, repoPath, prefix string) ([]string, error) {
	pattern := "refs/heads/" + strings.TrimSuffix(prefix, "/")
	out, err := s.executor.Output(ctx, repoPath, "git", "for-each-ref", "--sort=refname", "--format=%(refname:short)", pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var branches []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// AddWorktree creates a new branch at startPoint checked out at path.
func (s *GitService) AddWorktree(ctx context.Context, repoPath, path, branch, startPoint string) error {
	out, err := s.combinedWithRetry(ctx, repoPath, "worktree", "add", "-b", branch, path, startPoint)
	if err != nil {
		return gitError("git worktree add", out, err)
	}
	return nil
}

// RemoveWorktree removes the worktree at path. Without force git refuses to
// remove a worktree with uncommitted or untracked files.
func (s *GitService) RemoveWorktree(ctx context.Context, repoPath, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	out, err := s.combinedWithRetry(ctx, repoPath, args...)
	if err != nil {
		return gitError("git worktree remove", out, err)
	}
	return nil
}

// PruneWorktrees drops administrative entries for worktrees that vanished.
func (s *GitService) PruneWorktrees(ctx context.Context, repoPath string) error {
	out, err := s.combinedWithRetry(ctx, repoPath, "worktree", "prune")
	if err != nil {
		return gitError("git worktree prune", out, err)
	}
	return nil
}

// DeleteBranch deletes a local branch; force uses -D.
func (s *GitService) DeleteBranch(ctx context.Context, repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	out, err := s.combinedWithRetry(ctx, repoPath, "branch", flag, branch)
	if err != nil {
		return gitError("git branch "+flag, out, err)
	}
	return nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (s *GitService) IsAncestor(ctx context.Context, repoPath, ancestor, descendant string) (bool, error) {
	_, stderr, err := s.executor.Run(ctx, repoPath, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if pexec.ExitCode(err) == 1 {
		return false, nil
	}
	return false, gitError("git merge-base", stderr, err)
}

// HasChanges reports whether dir has staged, unstaged or untracked changes.
func (s *GitService) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := s.executor.Output(ctx, dir, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// CommitAll stages everything in dir and commits it. With allowEmpty the
// commit is created even when nothing changed.
func (s *GitService) CommitAll(ctx context.Context, dir, message string, allowEmpty bool) error {
	if out, err := s.combinedWithRetry(ctx, dir, "add", "-A"); err != nil {
		return gitError("git add", out, err)
	}
	args := []string{"commit", "--no-verify", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	out, err := s.combinedWithRetry(ctx, dir, args...)
	if err != nil {
		return gitError("git commit", out, err)
	}
	return nil
}

// HeadCommit returns the full hash of HEAD in dir.
func (s *GitService) HeadCommit(ctx context.Context, dir string) (string, error) {
	out, err := s.executor.Output(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// IndexTree writes the index of dir as a tree object and returns its hash.
func (s *GitService) IndexTree(ctx context.Context, dir string) (string, error) {
	out, err := s.combinedWithRetry(ctx, dir, "write-tree")
	if err != nil {
		return "", gitError("git write-tree", out, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// UndoCommit moves the branch checked out in dir back to rev and restores
// the index to tree, as recorded by IndexTree before committing. The
// working tree is not touched.
func (s *GitService) UndoCommit(ctx context.Context, dir, rev, tree string) error {
	if out, err := s.combinedWithRetry(ctx, dir, "reset", "--soft", rev); err != nil {
		return gitError("git reset --soft", out, err)
	}
	if out, err := s.combinedWithRetry(ctx, dir, "read-tree", tree); err != nil {
		return gitError("git read-tree", out, err)
	}
	return nil
}

// ChangedFiles lists files that differ between base and the tip of branch,
// relative to their merge base.
func (s *GitService) ChangedFiles(ctx context.Context, repoPath, base, branch string) ([]FileChange, error) {
	out, err := s.executor.Output(ctx, repoPath, "git", "diff", "--no-ext-diff", "--name-status", base+"..."+branch)
	if err != nil {
		return nil, fmt.Errorf("git diff --name-status: %w", err)
	}
	return parseNameStatus(string(out)), nil
}

func parseNameStatus(out string) []FileChange {
	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		// Renames and copies carry old and new paths; report the new one.
		changes = append(changes, FileChange{Status: fields[0], Path: fields[len(fields)-1]})
	}
	return changes
}

// Diff returns the patch between base and branch, relative to their merge base.
func (s *GitService) Diff(ctx context.Context, repoPath, base, branch string) (string, error) {
	out, err := s.executor.Output(ctx, repoPath, "git", "diff", "--no-ext-diff", base+"..."+branch)
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// WorktreeDiff returns uncommitted changes to tracked files in dir along with
// the list of untracked files.
func (s *GitService) WorktreeDiff(ctx context.Context, dir string) (string, []string, error) {
	out, err := s.executor.Output(ctx, dir, "git", "diff", "--no-ext-diff", "HEAD")
	if err != nil {
		return "", nil, fmt.Errorf("git diff HEAD: %w", err)
	}
	untrackedOut, err := s.executor.Output(ctx, dir, "git", "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return "", nil, fmt.Errorf("git ls-files: %w", err)
	}
	var untracked []string
	for _, line := range strings.Split(string(untrackedOut), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			untracked = append(untracked, line)
		}
	}
	return string(out), untracked, nil
}

// Checkout switches dir to branch.
func (s *GitService) Checkout(ctx context.Context, dir, branch string) error {
	out, err := s.combinedWithRetry(ctx, dir, "checkout", branch)
	if err != nil {
		return gitError("git checkout "+branch, out, err)
	}
	return nil
}

// MergeResult describes the outcome of a merge attempt.
type MergeResult struct {
	Conflict bool
	Output   string
}

// MergeNoFF merges branch into the branch checked out in dir, always creating
// a merge commit. A conflicted merge is reported with Conflict=true and a nil
// error; the caller decides whether to abort.
func (s *GitService) MergeNoFF(ctx context.Context, dir, branch, message string) (MergeResult, error) {
	out, err := s.combinedWithRetry(ctx, dir, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	res := MergeResult{Output: string(out)}
	if err == nil {
		return res, nil
	}
	if s.mergeInProgress(ctx, dir) {
		res.Conflict = true
		return res, nil
	}
	return res, gitError("git merge", out, err)
}

// mergeInProgress reports whether MERGE_HEAD exists in dir.
func (s *GitService) mergeInProgress(ctx context.Context, dir string) bool {
	_, _, err := s.executor.Run(ctx, dir, "git", "rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	return err == nil
}

// AbortMerge restores dir to its pre-merge state.
func (s *GitService) AbortMerge(ctx context.Context, dir string) error {
	out, err := s.combinedWithRetry(ctx, dir, "merge", "--abort")
	if err != nil {
		return gitError("git merge --abort", out, err)
	}
	return nil
}

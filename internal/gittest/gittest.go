// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// Run executes git in dir and fails the test on error. It returns trimmed stdout.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// NewRepo creates a repository on branch main with one commit containing
// test.txt. The repo lives in its own temp dir so sibling worktree
// directories are cleaned up with it.
func NewRepo(t testing.TB) string {
	t.Helper()

	repoPath := filepath.Join(t.TempDir(), "repo")
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		t.Fatalf("Failed to create repo dir: %v", err)
	}

	Run(t, repoPath, "init", "-b", "main")
	Run(t, repoPath, "config", "user.email", "test@example.com")
	Run(t, repoPath, "config", "user.name", "Test User")
	Run(t, repoPath, "config", "commit.gpgsign", "false")

	WriteFile(t, repoPath, "test.txt", "test content\n")
	Run(t, repoPath, "add", ".")
	Run(t, repoPath, "commit", "-m", "Initial commit")

	return repoPath
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t testing.TB, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// CommitFile writes and commits a single file in dir.
func CommitFile(t testing.TB, dir, name, content, message string) {
	t.Helper()
	WriteFile(t, dir, name, content)
	Run(t, dir, "add", name)
	Run(t, dir, "commit", "-m", message)
}

// Branches lists local branch names.
func Branches(t testing.TB, repoPath string) []string {
	t.Helper()
	out := Run(t, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Worktrees lists worktree paths, the main checkout first.
func Worktrees(t testing.TB, repoPath string) []string {
	t.Helper()
	var paths []string
	for _, line := range strings.Split(Run(t, repoPath, "worktree", "list", "--porcelain"), "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// FirstParentCount counts commits reachable from ref along first parents.
func FirstParentCount(t testing.TB, repoPath, ref string) int {
	t.Helper()
	n, err := strconv.Atoi(Run(t, repoPath, "rev-list", "--first-parent", "--count", ref))
	if err != nil {
		t.Fatalf("rev-list count: %v", err)
	}
	return n
}

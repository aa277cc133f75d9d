package workspace

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/gittest"
)

func newProvisioner(t *testing.T) (*Provisioner, *config.Config) {
	t.Helper()
	cfg := config.Default(gittest.NewRepo(t))
	cfg.Mainline = "main"
	return New(cfg, git.NewGitService()), cfg
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	p, cfg := newProvisioner(t)

	sess, err := p.Create(ctx, "0a1b2c3d")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.Branch != "session/0a1b2c3d" {
		t.Errorf("Branch = %q", sess.Branch)
	}
	if _, err := os.Stat(sess.WorkTree + "/test.txt"); err != nil {
		t.Errorf("worktree not checked out: %v", err)
	}
	if !slices.Contains(gittest.Branches(t, cfg.RepoPath), sess.Branch) {
		t.Error("branch missing")
	}
	if got := gittest.Run(t, sess.WorkTree, "rev-parse", "HEAD"); got != gittest.Run(t, cfg.RepoPath, "rev-parse", "main") {
		t.Error("session branch should start at the mainline tip")
	}
}

func TestCreate_InvalidID(t *testing.T) {
	p, _ := newProvisioner(t)
	_, err := p.Create(context.Background(), "../escape")
	if !perrors.Is(err, perrors.KindInvalid) {
		t.Errorf("expected KindInvalid, got %v", err)
	}
}

func TestCreate_Collision(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "branch exists",
			setup: func(t *testing.T, cfg *config.Config) {
				gittest.Run(t, cfg.RepoPath, "branch", "session/0a1b2c3d")
			},
		},
		{
			name: "worktree path exists",
			setup: func(t *testing.T, cfg *config.Config) {
				if err := os.MkdirAll(cfg.WorktreeDir+"/0a1b2c3d", 0o755); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "log exists",
			setup: func(t *testing.T, cfg *config.Config) {
				gittest.WriteFile(t, cfg.LogDir(), "0a1b2c3d.log", "old")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, cfg := newProvisioner(t)
			tt.setup(t, cfg)
			_, err := p.Create(context.Background(), "0a1b2c3d")
			if !perrors.Is(err, perrors.KindCollision) {
				t.Errorf("expected KindCollision, got %v", err)
			}
		})
	}
}

func TestCreate_SameIDTwice(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvisioner(t)
	if _, err := p.Create(ctx, "0a1b2c3d"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Create(ctx, "0a1b2c3d"); !perrors.Is(err, perrors.KindCollision) {
		t.Errorf("second Create should collide, got %v", err)
	}
}

func TestCreate_Concurrent(t *testing.T) {
	ctx := context.Background()
	p, cfg := newProvisioner(t)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Create(ctx, fmt.Sprintf("0000000%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Create #%d failed: %v", i, err)
		}
	}
	worktrees := gittest.Worktrees(t, cfg.RepoPath)
	if len(worktrees) != n+1 {
		t.Errorf("expected %d worktrees, got %v", n+1, worktrees)
	}
	seen := map[string]bool{}
	for _, w := range worktrees {
		if seen[w] {
			t.Errorf("worktree %s listed twice", w)
		}
		seen[w] = true
	}
}

func TestDestroy_Force(t *testing.T) {
	ctx := context.Background()
	p, cfg := newProvisioner(t)
	branchesBefore := gittest.Branches(t, cfg.RepoPath)
	worktreesBefore := gittest.Worktrees(t, cfg.RepoPath)

	sess, err := p.Create(ctx, "0a1b2c3d")
	if err != nil {
		t.Fatal(err)
	}
	gittest.CommitFile(t, sess.WorkTree, "work.txt", "work", "unmerged work")
	gittest.WriteFile(t, sess.WorkTree, "dirty.txt", "uncommitted")

	if err := p.Destroy(ctx, "0a1b2c3d", true); err != nil {
		t.Fatalf("forced Destroy failed: %v", err)
	}
	if got := gittest.Branches(t, cfg.RepoPath); !slices.Equal(got, branchesBefore) {
		t.Errorf("branches = %v, want %v", got, branchesBefore)
	}
	if got := gittest.Worktrees(t, cfg.RepoPath); !slices.Equal(got, worktreesBefore) {
		t.Errorf("worktrees = %v, want %v", got, worktreesBefore)
	}
	if _, err := os.Stat(sess.WorkTree); !os.IsNotExist(err) {
		t.Error("worktree directory should be gone")
	}
}

func TestDestroy_UnmergedRefusesWithoutTouching(t *testing.T) {
	ctx := context.Background()
	p, cfg := newProvisioner(t)
	sess, err := p.Create(ctx, "0a1b2c3d")
	if err != nil {
		t.Fatal(err)
	}
	gittest.CommitFile(t, sess.WorkTree, "work.txt", "work", "unmerged work")

	err = p.Destroy(ctx, "0a1b2c3d", false)
	if !perrors.Is(err, perrors.KindUnmerged) {
		t.Fatalf("expected KindUnmerged, got %v", err)
	}
	if !slices.Contains(gittest.Branches(t, cfg.RepoPath), sess.Branch) {
		t.Error("branch should survive a refused destroy")
	}
	if _, err := os.Stat(sess.WorkTree + "/work.txt"); err != nil {
		t.Error("worktree should survive a refused destroy")
	}
}

func TestDestroy_MergedBranch(t *testing.T) {
	ctx := context.Background()
	p, cfg := newProvisioner(t)
	sess, err := p.Create(ctx, "0a1b2c3d")
	if err != nil {
		t.Fatal(err)
	}
	gittest.CommitFile(t, sess.WorkTree, "work.txt", "work", "work")
	gittest.Run(t, cfg.RepoPath, "merge", "--no-ff", "-m", "merge", sess.Branch)

	if err := p.Destroy(ctx, "0a1b2c3d", false); err != nil {
		t.Fatalf("Destroy of merged session failed: %v", err)
	}
	if slices.Contains(gittest.Branches(t, cfg.RepoPath), sess.Branch) {
		t.Error("branch should be deleted")
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	ctx := context.Background()
	p, _ := newProvisioner(t)
	if _, err := p.Create(ctx, "0a1b2c3d"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := p.Destroy(ctx, "0a1b2c3d", true); err != nil {
			t.Fatalf("Destroy #%d failed: %v", i+1, err)
		}
	}
	if err := p.Destroy(ctx, "ffffffff", false); err != nil {
		t.Errorf("Destroy of unknown id should be a no-op, got %v", err)
	}
}

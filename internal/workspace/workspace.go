// Package workspace provisions and tears down the isolated git worktree and
// branch that a session works in.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/session"
)

// Provisioner creates and destroys session worktrees. It is safe to use from
// several goroutines for different ids.
type Provisioner struct {
	cfg    *config.Config
	git    *git.GitService
	layout *session.Layout
	log    *slog.Logger
}

// New returns a provisioner for the repository in cfg. cfg.Mainline must be
// resolved.
func New(cfg *config.Config, gitSvc *git.GitService) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		git:    gitSvc,
		layout: session.NewLayout(cfg),
		log:    logger.ComponentLogger("workspace"),
	}
}

// Create makes a new branch at the mainline tip and checks it out in a fresh
// worktree. It fails with KindCollision if the branch, the worktree path or
// the session log already exists.
func (p *Provisioner) Create(ctx context.Context, id string) (*session.Session, error) {
	if !session.ValidID(id) {
		return nil, perrors.E(perrors.Op("workspace.Create"), perrors.KindInvalid, fmt.Sprintf("invalid session id %q", id))
	}
	start := time.Now()
	sess := p.layout.Session(id)
	log := p.log.With("sessionID", id)

	if p.git.BranchExists(ctx, p.cfg.RepoPath, sess.Branch) {
		return nil, perrors.Collision(id, "branch "+sess.Branch)
	}
	if _, err := os.Lstat(sess.WorkTree); err == nil {
		return nil, perrors.Collision(id, "worktree "+sess.WorkTree)
	}
	if _, err := os.Lstat(sess.LogPath); err == nil {
		return nil, perrors.Collision(id, "log "+sess.LogPath)
	}

	if err := os.MkdirAll(filepath.Dir(sess.WorkTree), 0o755); err != nil {
		return nil, perrors.E(perrors.Op("workspace.Create"), perrors.KindIO, err)
	}

	log.Debug("creating worktree", "branch", sess.Branch, "path", sess.WorkTree, "from", p.cfg.Mainline)
	if err := p.git.AddWorktree(ctx, p.cfg.RepoPath, sess.WorkTree, sess.Branch, p.cfg.Mainline); err != nil {
		// Lost a race with another creator of the same id.
		if strings.Contains(err.Error(), "already exists") {
			return nil, perrors.Collision(id, "branch or worktree")
		}
		return nil, perrors.GitWorktreeFailed(sess.Branch, err)
	}

	log.Info("workspace created", "branch", sess.Branch, "path", sess.WorkTree, "elapsed", time.Since(start))
	return sess, nil
}

// Destroy removes the worktree and branch of id. Without force it refuses,
// before touching anything, when the branch has commits the mainline does
// not contain, and git refuses to remove a worktree with uncommitted files.
// Artifacts that are already gone are skipped.
func (p *Provisioner) Destroy(ctx context.Context, id string, force bool) error {
	sess := p.layout.Session(id)
	log := p.log.With("sessionID", id, "force", force)

	hasBranch := p.git.BranchExists(ctx, p.cfg.RepoPath, sess.Branch)
	if hasBranch && !force {
		merged, err := p.git.IsAncestor(ctx, p.cfg.RepoPath, sess.Branch, p.cfg.Mainline)
		if err != nil {
			return perrors.E(perrors.Op("workspace.Destroy"), perrors.KindGit, err)
		}
		if !merged {
			return perrors.Unmerged(sess.Branch)
		}
	}

	if _, err := os.Stat(sess.WorkTree); err == nil {
		if err := p.git.RemoveWorktree(ctx, p.cfg.RepoPath, sess.WorkTree, force); err != nil {
			if !force {
				return perrors.E(perrors.Op("workspace.Destroy"), perrors.KindGit, "failed to remove worktree", err)
			}
			// Not a registered worktree (or a half-created one).
			log.Warn("git worktree remove failed, deleting directory", "error", err)
			if rmErr := os.RemoveAll(sess.WorkTree); rmErr != nil {
				return perrors.E(perrors.Op("workspace.Destroy"), perrors.KindIO, rmErr)
			}
		}
	}
	if err := p.git.PruneWorktrees(ctx, p.cfg.RepoPath); err != nil {
		log.Warn("worktree prune failed", "error", err)
	}

	if hasBranch {
		// Ancestry against the mainline was checked above; -d checks HEAD.
		if err := p.git.DeleteBranch(ctx, p.cfg.RepoPath, sess.Branch, true); err != nil {
			return perrors.E(perrors.Op("workspace.Destroy"), perrors.KindGit, err)
		}
	}

	log.Info("workspace destroyed", "branch", sess.Branch)
	return nil
}

// Package review implements the human-gated end of a session: inspecting
// its changes, merging them into the mainline, or discarding them.
//
// Approve and Reject both finish by deleting the session's worktree, branch
// and log. Approve holds the mainline lock from checkout to cleanup so two
// approvals never interleave; Diff and Reject take no lock.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/session"
	"github.com/zhubert/nightshift/internal/status"
	"github.com/zhubert/nightshift/internal/workspace"
)

// Killer stops a running session.
type Killer interface {
	Kill(ctx context.Context, id string) error
}

// ChangeSet is everything a session changed relative to the mainline.
type ChangeSet struct {
	ID     string
	Branch string
	Base   string
	State  session.State

	// Files and Patch cover committed work: <base>...<branch>.
	Files []git.FileChange
	Patch string

	// Uncommitted and Untracked cover the worktree; both are empty once the
	// terminal commit has been made.
	Uncommitted string
	Untracked   []string
}

// Empty reports whether the session changed nothing.
func (c *ChangeSet) Empty() bool {
	return len(c.Files) == 0 && c.Uncommitted == "" && len(c.Untracked) == 0
}

// Outcome reports what Approve or Reject did.
type Outcome struct {
	ID       string
	Decision session.State // StateApproved or StateRejected
	State    session.State // StateCleaned once everything is gone

	MergeCommit string // Approve only
	Salvaged    bool   // leftover worktree changes were committed before merging
	Killed      bool   // Reject stopped a running worker
	Found       bool   // any session artifact existed
}

// Controller drives the review state machine for one repository.
type Controller struct {
	cfg       *config.Config
	git       *git.GitService
	workspace *workspace.Provisioner
	inspector *status.Inspector
	killer    Killer
	lock      *MainlineLock
	layout    *session.Layout
	log       *slog.Logger
}

// New returns a controller. cfg.Mainline must be resolved.
func New(cfg *config.Config, gitSvc *git.GitService, prov *workspace.Provisioner, insp *status.Inspector, killer Killer) *Controller {
	return &Controller{
		cfg:       cfg,
		git:       gitSvc,
		workspace: prov,
		inspector: insp,
		killer:    killer,
		lock:      NewMainlineLock(cfg.LockPath()),
		layout:    session.NewLayout(cfg),
		log:       logger.ComponentLogger("review"),
	}
}

// Review reports the state a session is in from the reviewer's point of
// view: Running while the worker is alive, UnderReview afterwards.
func (c *Controller) Review(ctx context.Context, id string) (session.State, error) {
	st, err := c.inspector.State(ctx, id)
	if err != nil {
		return 0, err
	}
	if st.Terminal() {
		return session.StateUnderReview, nil
	}
	return st, nil
}

// Diff returns the session's changes against the mainline tip. It is safe
// to call at any time, including while the worker runs.
func (c *Controller) Diff(ctx context.Context, id string) (*ChangeSet, error) {
	sum, err := c.inspector.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sum.HasBranch {
		return nil, perrors.E(perrors.Op("review.Diff"), perrors.KindNotFound, fmt.Sprintf("branch %s no longer exists", sum.Branch))
	}

	cs := &ChangeSet{ID: id, Branch: sum.Branch, Base: c.cfg.Mainline, State: sum.State}
	if cs.Files, err = c.git.ChangedFiles(ctx, c.cfg.RepoPath, c.cfg.Mainline, sum.Branch); err != nil {
		return nil, err
	}
	if cs.Patch, err = c.git.Diff(ctx, c.cfg.RepoPath, c.cfg.Mainline, sum.Branch); err != nil {
		return nil, err
	}
	if sum.HasWorkTree {
		if cs.Uncommitted, cs.Untracked, err = c.git.WorktreeDiff(ctx, sum.WorkTree); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// Approve merges the session branch into the mainline with a merge commit
// and deletes the session. A running session is refused with
// KindNotTerminal. On conflicts the merge is aborted and KindMergeConflict
// returned with the session untouched, including any uncommitted changes
// in its worktree.
func (c *Controller) Approve(ctx context.Context, id string) (*Outcome, error) {
	op := perrors.Op("review.Approve")
	log := c.log.With("sessionID", id)

	if err := c.lock.Lock(ctx); err != nil {
		return nil, perrors.E(op, perrors.KindIO, "acquire mainline lock", err)
	}
	defer c.lock.Unlock()
	start := time.Now()

	sum, err := c.inspector.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sum.State == session.StateRunning {
		return nil, perrors.NotTerminal(id)
	}
	if !sum.HasBranch {
		return nil, perrors.E(op, perrors.KindNotFound, fmt.Sprintf("branch %s no longer exists", sum.Branch))
	}
	log.Info("approving session", "state", sum.State, "changedFiles", sum.ChangedFiles)

	out := &Outcome{ID: id, Decision: session.StateApproved, State: session.StateApproved, Found: true}

	// A crashed worker can leave edits that never reached the terminal
	// commit. Commit them so the worktree can be removed without --force,
	// and take the commit back if the merge does not go through.
	merged := false
	if sum.HasWorkTree {
		dirty, err := c.git.HasChanges(ctx, sum.WorkTree)
		if err != nil {
			return nil, perrors.E(op, perrors.KindGit, err)
		}
		if dirty {
			tip, index, err := c.salvage(ctx, id, sum.WorkTree)
			if err != nil {
				return nil, err
			}
			out.Salvaged = true
			log.Warn("committed leftover worktree changes", "state", sum.State)
			defer func() {
				if merged {
					return
				}
				if err := c.git.UndoCommit(context.WithoutCancel(ctx), sum.WorkTree, tip, index); err != nil {
					log.Error("could not undo salvage commit", "tip", tip, "error", err)
					return
				}
				log.Info("salvage commit undone", "tip", tip)
			}()
		}
	}

	if err := c.checkoutMainline(ctx); err != nil {
		return nil, perrors.E(op, perrors.KindGit, err)
	}

	res, err := c.git.MergeNoFF(ctx, c.cfg.RepoPath, sum.Branch, session.MergeMessage(id, sum.Task))
	if err != nil {
		return nil, perrors.GitMergeFailed(sum.Branch, err)
	}
	if res.Conflict {
		if abortErr := c.git.AbortMerge(ctx, c.cfg.RepoPath); abortErr != nil {
			log.Error("merge --abort failed", "error", abortErr)
		}
		log.Warn("merge conflict, session left intact")
		return nil, perrors.MergeConflict(sum.Branch, errors.New(strings.TrimSpace(res.Output)))
	}
	merged = true

	if out.MergeCommit, err = c.git.HeadCommit(ctx, c.cfg.RepoPath); err != nil {
		log.Warn("could not read merge commit", "error", err)
	}

	if err := c.workspace.Destroy(ctx, id, false); err != nil {
		return out, err
	}
	if err := c.removeFiles(id); err != nil {
		return out, err
	}
	out.State = session.StateCleaned
	log.Info("session approved and cleaned", "mergeCommit", out.MergeCommit, "elapsed", time.Since(start))
	return out, nil
}

// salvage commits everything left in worktree. It returns the previous
// branch tip and index tree for UndoCommit.
func (c *Controller) salvage(ctx context.Context, id, worktree string) (tip, index string, err error) {
	op := perrors.Op("review.Salvage")
	if tip, err = c.git.HeadCommit(ctx, worktree); err != nil {
		return "", "", perrors.E(op, perrors.KindGit, err)
	}
	if index, err = c.git.IndexTree(ctx, worktree); err != nil {
		return "", "", perrors.E(op, perrors.KindGit, err)
	}
	msg := fmt.Sprintf("nightshift: salvage uncommitted changes from session %s\n\nSession: %s\n", id, id)
	if err := c.git.CommitAll(ctx, worktree, msg, false); err != nil {
		return "", "", perrors.E(op, perrors.KindCommit, "salvage commit", err)
	}
	return tip, index, nil
}

// checkoutMainline switches the main repository to the mainline if it is on
// another branch.
func (c *Controller) checkoutMainline(ctx context.Context) error {
	cur, err := c.git.CurrentBranch(ctx, c.cfg.RepoPath)
	if err == nil && cur == c.cfg.Mainline {
		return nil
	}
	return c.git.Checkout(ctx, c.cfg.RepoPath, c.cfg.Mainline)
}

// Reject discards a session in any state. A running worker is killed first.
// Rejecting a session that no longer exists succeeds with Found unset.
func (c *Controller) Reject(ctx context.Context, id string) (*Outcome, error) {
	op := perrors.Op("review.Reject")
	log := c.log.With("sessionID", id)
	out := &Outcome{ID: id, Decision: session.StateRejected, State: session.StateRejected}

	sum, err := c.inspector.Get(ctx, id)
	switch {
	case err == nil:
		out.Found = true
	case perrors.Is(err, perrors.KindNotFound):
		if !session.ValidID(id) {
			return nil, err
		}
	default:
		return nil, err
	}

	if out.Found && sum.State == session.StateRunning {
		log.Info("killing running worker")
		if err := c.killer.Kill(ctx, id); err != nil {
			return nil, perrors.E(op, perrors.KindIO, "kill worker", err)
		}
		out.Killed = true
	}

	if err := c.workspace.Destroy(ctx, id, true); err != nil {
		return nil, err
	}
	if err := c.removeFiles(id); err != nil {
		return nil, err
	}
	out.State = session.StateCleaned
	log.Info("session rejected and cleaned", "found", out.Found, "killed", out.Killed)
	return out, nil
}

// removeFiles deletes the log and pid file of id.
func (c *Controller) removeFiles(id string) error {
	sess := c.layout.Session(id)
	for _, p := range []string{sess.LogPath, sess.PIDPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return perrors.E(perrors.Op("review.RemoveFiles"), perrors.KindIO, err)
		}
	}
	return nil
}

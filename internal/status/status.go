// Package status derives the state of every session from external facts:
// whether its supervisor process is alive and what its log says.
package status

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/session"
)

// snapshotParallelism bounds concurrent git invocations in Snapshot.
const snapshotParallelism = 8

// LivenessChecker reports whether a session's supervisor is running.
type LivenessChecker interface {
	Alive(ctx context.Context, id string) (pid int, alive bool)
}

// Summary is a point-in-time view of one session.
type Summary struct {
	ID       string
	Branch   string
	WorkTree string
	LogPath  string

	State        session.State
	PID          int // 0 unless Running
	ChangedFiles int
	LastActivity time.Time // log mtime; zero if there is no log
	CreatedAt    time.Time
	Task         string
	CommitError  string

	HasBranch   bool
	HasWorkTree bool
}

// Age is LastActivity in words, e.g. "3 minutes ago".
func (s Summary) Age() string {
	if s.LastActivity.IsZero() {
		return "never"
	}
	return humanize.Time(s.LastActivity)
}

// Inspector computes session summaries. It never modifies anything and is
// safe for concurrent use.
type Inspector struct {
	cfg      *config.Config
	git      *git.GitService
	registry *session.Registry
	liveness LivenessChecker
	log      *slog.Logger
}

// New returns an inspector for the repository in cfg. cfg.Mainline must be
// resolved.
func New(cfg *config.Config, gitSvc *git.GitService, registry *session.Registry, liveness LivenessChecker) *Inspector {
	return &Inspector{
		cfg:      cfg,
		git:      gitSvc,
		registry: registry,
		liveness: liveness,
		log:      logger.ComponentLogger("status"),
	}
}

// List yields a summary for every session, in id order. The registry is
// scanned when iteration starts, so each range over the sequence sees the
// current set of sessions. Stopping early is fine.
func (i *Inspector) List(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		ids, err := i.registry.IDs(ctx)
		if err != nil {
			yield(Summary{}, err)
			return
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(Summary{}, err)
				return
			}
			if !yield(i.summarize(ctx, id)) {
				return
			}
		}
	}
}

// Snapshot computes every summary concurrently and returns them in id order.
func (i *Inspector) Snapshot(ctx context.Context) ([]Summary, error) {
	ids, err := i.registry.IDs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotParallelism)
	for n, id := range ids {
		g.Go(func() error {
			s, err := i.summarize(gctx, id)
			if err != nil {
				return err
			}
			out[n] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get summarizes one session. It fails with KindNotFound when the session
// has no branch, worktree or log.
func (i *Inspector) Get(ctx context.Context, id string) (Summary, error) {
	if !session.ValidID(id) || !i.registry.Exists(ctx, id) {
		return Summary{}, perrors.SessionNotFound(id)
	}
	return i.summarize(ctx, id)
}

// State derives the current state of id.
func (i *Inspector) State(ctx context.Context, id string) (session.State, error) {
	s, err := i.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.State, nil
}

func (i *Inspector) summarize(ctx context.Context, id string) (Summary, error) {
	sess := i.registry.Layout().Session(id)
	s := Summary{
		ID:       id,
		Branch:   sess.Branch,
		WorkTree: sess.WorkTree,
		LogPath:  sess.LogPath,
	}

	info, err := session.ReadLogInfo(sess.LogPath, id)
	switch {
	case err == nil:
		s.LastActivity = info.ModTime
		s.CreatedAt = info.StartedAt
		s.Task = info.Task
		s.CommitError = info.CommitError
	case errors.Is(err, os.ErrNotExist):
	default:
		return Summary{}, perrors.E(perrors.Op("status.Summarize"), perrors.KindIO, err)
	}

	pid, alive := i.liveness.Alive(ctx, id)
	switch {
	case alive:
		s.State = session.StateRunning
		s.PID = pid
	case info.Completed:
		s.State = session.StateCompleted
	default:
		s.State = session.StateCrashed
	}

	if _, err := os.Stat(sess.WorkTree); err == nil {
		s.HasWorkTree = true
	}
	s.HasBranch = i.git.BranchExists(ctx, i.cfg.RepoPath, sess.Branch)
	if s.HasBranch {
		files, err := i.git.ChangedFiles(ctx, i.cfg.RepoPath, i.cfg.Mainline, sess.Branch)
		if err != nil {
			i.log.Warn("failed to count changed files", "sessionID", id, "error", err)
		}
		s.ChangedFiles = len(files)
	}
	return s, nil
}

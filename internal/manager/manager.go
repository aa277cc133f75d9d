// Package manager wires the session components together for one
// repository and implements the operations exposed by the CLI.
package manager

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/review"
	"github.com/zhubert/nightshift/internal/session"
	"github.com/zhubert/nightshift/internal/status"
	"github.com/zhubert/nightshift/internal/supervisor"
	"github.com/zhubert/nightshift/internal/workspace"
)

// maxStartAttempts bounds id regeneration when a fresh id collides with an
// existing session.
const maxStartAttempts = 5

// Manager owns the components for one repository.
type Manager struct {
	cfg      *config.Config
	git      *git.GitService
	executor pexec.CommandExecutor

	registry   *session.Registry
	workspace  *workspace.Provisioner
	supervisor *supervisor.Supervisor
	inspector  *status.Inspector
	review     *review.Controller

	log   *slog.Logger
	newID func() string
}

// New validates the repository in cfg, resolves the mainline to the
// checked-out branch when it is not configured, and builds the components.
func New(ctx context.Context, cfg *config.Config) (*Manager, error) {
	gitSvc := git.NewGitService()
	if err := gitSvc.ValidateRepo(ctx, cfg.RepoPath); err != nil {
		return nil, perrors.E(perrors.Op("manager.New"), perrors.KindInvalid, fmt.Sprintf("%s is not a git repository", cfg.RepoPath), err)
	}
	if cfg.Mainline == "" {
		branch, err := gitSvc.CurrentBranch(ctx, cfg.RepoPath)
		if err != nil {
			return nil, perrors.E(perrors.Op("manager.New"), perrors.KindConfig, "cannot determine the mainline; set mainline in the config", err)
		}
		cfg.Mainline = branch
	}
	if !gitSvc.BranchExists(ctx, cfg.RepoPath, cfg.Mainline) {
		return nil, perrors.ConfigInvalid(fmt.Sprintf("mainline branch %q does not exist", cfg.Mainline))
	}

	executor := pexec.NewRealExecutor()
	registry := session.NewRegistry(cfg, gitSvc)
	prov := workspace.New(cfg, gitSvc)
	sup := supervisor.New(cfg, gitSvc, executor)
	insp := status.New(cfg, gitSvc, registry, sup)

	return &Manager{
		cfg:        cfg,
		git:        gitSvc,
		executor:   executor,
		registry:   registry,
		workspace:  prov,
		supervisor: sup,
		inspector:  insp,
		review:     review.New(cfg, gitSvc, prov, insp, sup),
		log:        logger.ComponentLogger("manager"),
		newID:      session.NewID,
	}, nil
}

// Config returns the resolved configuration.
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Supervisor returns the process supervisor.
func (m *Manager) Supervisor() *supervisor.Supervisor {
	return m.supervisor
}

// Start provisions a workspace for task and launches a detached worker in
// it. A colliding id is regenerated; if the worker cannot be launched the
// workspace, branch and log are removed again.
func (m *Manager) Start(ctx context.Context, task string) (*session.Session, error) {
	if strings.TrimSpace(task) == "" {
		return nil, perrors.E(perrors.Op("manager.Start"), perrors.KindInvalid, "task is empty")
	}
	start := time.Now()

	var sess *session.Session
	var err error
	for attempt := 1; attempt <= maxStartAttempts; attempt++ {
		id := m.newID()
		sess, err = m.workspace.Create(ctx, id)
		if err == nil {
			break
		}
		if !perrors.Is(err, perrors.KindCollision) {
			return nil, err
		}
		m.log.Warn("session id collision, regenerating", "sessionID", id, "attempt", attempt)
	}
	if err != nil {
		return nil, err
	}

	h, err := m.supervisor.Launch(ctx, sess, task)
	if err != nil {
		m.log.Error("launch failed, rolling back", "sessionID", sess.ID, "error", err)
		m.rollback(context.WithoutCancel(ctx), sess)
		return nil, err
	}

	m.log.Info("session started", "sessionID", sess.ID, "pid", h.PID, "elapsed", time.Since(start))
	return sess, nil
}

func (m *Manager) rollback(ctx context.Context, sess *session.Session) {
	if err := m.workspace.Destroy(ctx, sess.ID, true); err != nil {
		m.log.Error("rollback: destroy failed", "sessionID", sess.ID, "error", err)
	}
	for _, p := range []string{sess.LogPath, sess.PIDPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			m.log.Error("rollback: remove failed", "path", p, "error", err)
		}
	}
}

// List lazily yields every session's summary in id order.
func (m *Manager) List(ctx context.Context) iter.Seq2[status.Summary, error] {
	return m.inspector.List(ctx)
}

// Snapshot returns every session's summary.
func (m *Manager) Snapshot(ctx context.Context) ([]status.Summary, error) {
	return m.inspector.Snapshot(ctx)
}

// Get returns one session's summary.
func (m *Manager) Get(ctx context.Context, id string) (status.Summary, error) {
	return m.inspector.Get(ctx, id)
}

// Review reports UnderReview for a finished session and Running otherwise.
func (m *Manager) Review(ctx context.Context, id string) (session.State, error) {
	return m.review.Review(ctx, id)
}

// Diff returns the session's changes against the mainline.
func (m *Manager) Diff(ctx context.Context, id string) (*review.ChangeSet, error) {
	return m.review.Diff(ctx, id)
}

// Approve merges a finished session into the mainline and cleans it up.
func (m *Manager) Approve(ctx context.Context, id string) (*review.Outcome, error) {
	return m.review.Approve(ctx, id)
}

// Reject discards a session, killing its worker if needed.
func (m *Manager) Reject(ctx context.Context, id string) (*review.Outcome, error) {
	return m.review.Reject(ctx, id)
}

// Supervise runs the body of a detached session in this process.
func (m *Manager) Supervise(ctx context.Context, opts supervisor.SuperviseOptions) error {
	return m.supervisor.Supervise(ctx, opts)
}

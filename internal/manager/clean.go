package manager

import (
	"context"
	"os"
	"strings"

	"github.com/zhubert/nightshift/internal/process"
	"github.com/zhubert/nightshift/internal/session"
)

// CleanReport lists what Clean found and, unless it was a dry run, removed.
type CleanReport struct {
	Orphans       []session.Orphan
	StalePIDFiles []string
	Processes     []process.SupervisorProcess
}

// Empty reports whether there was nothing to clean.
func (r *CleanReport) Empty() bool {
	return len(r.Orphans) == 0 && len(r.StalePIDFiles) == 0 && len(r.Processes) == 0
}

// Clean removes leftovers that no session owns any more: worktree
// directories and logs whose branch is gone, pid files of supervisors that
// have exited, and supervisor processes of this repository whose branch is
// gone. Sessions that still have a branch are never touched.
func (m *Manager) Clean(ctx context.Context, dryRun bool) (*CleanReport, error) {
	report := &CleanReport{}

	orphans, err := m.registry.Orphans(ctx)
	if err != nil {
		return nil, err
	}
	report.Orphans = orphans

	ids, err := m.registry.IDs(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(ids))
	layout := m.registry.Layout()
	for _, id := range ids {
		sess := layout.Session(id)
		if !m.git.BranchExists(ctx, m.cfg.RepoPath, sess.Branch) {
			continue
		}
		known[id] = true
		if _, err := os.Stat(sess.PIDPath); err != nil {
			continue
		}
		if _, alive := m.supervisor.Alive(ctx, id); !alive {
			report.StalePIDFiles = append(report.StalePIDFiles, sess.PIDPath)
		}
	}

	procs, err := process.FindOrphanedSupervisors(ctx, m.executor, known)
	if err != nil {
		m.log.Warn("could not list supervisor processes", "error", err)
	}
	for _, p := range procs {
		if strings.Contains(p.Command, "--repo "+m.cfg.RepoPath+" ") {
			report.Processes = append(report.Processes, p)
		}
	}

	if dryRun {
		return report, nil
	}

	for _, p := range report.Processes {
		m.log.Info("killing orphaned supervisor", "pid", p.PID, "sessionID", p.SessionID)
		alive := func() bool { return process.SessionAlive(ctx, m.executor, p.PID, p.SessionID) }
		if err := process.TerminateGroup(ctx, p.PID, m.supervisor.KillGrace(), alive); err != nil {
			m.log.Error("failed to kill supervisor", "pid", p.PID, "error", err)
		}
	}
	for _, o := range report.Orphans {
		if o.WorkTree != "" {
			if err := os.RemoveAll(o.WorkTree); err != nil {
				return report, err
			}
		}
		for _, p := range []string{o.LogPath, o.PIDPath} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return report, err
			}
		}
		m.log.Info("removed orphaned session files", "sessionID", o.ID)
	}
	for _, p := range report.StalePIDFiles {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return report, err
		}
	}
	if err := m.git.PruneWorktrees(ctx, m.cfg.RepoPath); err != nil {
		m.log.Warn("worktree prune failed", "error", err)
	}
	return report, nil
}

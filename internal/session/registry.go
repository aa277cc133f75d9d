package session

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/zhubert/nightshift/internal/config"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
)

// Registry enumerates sessions from what exists on disk. It keeps no state
// of its own.
type Registry struct {
	cfg    *config.Config
	git    *git.GitService
	layout *Layout
	log    *slog.Logger
}

// NewRegistry returns a registry for the repository in cfg.
func NewRegistry(cfg *config.Config, gitSvc *git.GitService) *Registry {
	return &Registry{
		cfg:    cfg,
		git:    gitSvc,
		layout: NewLayout(cfg),
		log:    logger.ComponentLogger("registry"),
	}
}

// Layout returns the naming scheme used by the registry.
func (r *Registry) Layout() *Layout {
	return r.layout
}

// IDs returns the sorted union of ids that have a session branch, a worktree
// directory or a log file.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	branches, err := r.git.ListBranches(ctx, r.cfg.RepoPath, r.cfg.BranchPrefix)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		if id, ok := r.layout.IDFromBranch(b); ok {
			seen[id] = struct{}{}
		}
	}

	for _, id := range r.scanDir(r.cfg.WorktreeDir, "", true) {
		seen[id] = struct{}{}
	}
	for _, id := range r.scanDir(r.cfg.LogDir(), ".log", false) {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Exists reports whether any artifact of id is present.
func (r *Registry) Exists(ctx context.Context, id string) bool {
	s := r.layout.Session(id)
	if r.git.BranchExists(ctx, r.cfg.RepoPath, s.Branch) {
		return true
	}
	if _, err := os.Stat(s.WorkTree); err == nil {
		return true
	}
	_, err := os.Stat(s.LogPath)
	return err == nil
}

// scanDir returns session ids named by entries of dir. A missing dir is
// empty.
func (r *Registry) scanDir(dir, suffix string, wantDir bool) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("failed to scan directory", "dir", dir, "error", err)
		}
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() != wantDir {
			continue
		}
		id, ok := strings.CutSuffix(e.Name(), suffix)
		if !ok || !ValidID(id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Orphan is a session whose branch is gone but which left files behind.
type Orphan struct {
	ID       string
	WorkTree string // empty if the directory is gone
	LogPath  string // empty if the log is gone
	PIDPath  string // empty if the pid file is gone
}

// Orphans lists sessions with leftover files and no branch.
func (r *Registry) Orphans(ctx context.Context) ([]Orphan, error) {
	ids, err := r.IDs(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []Orphan
	for _, id := range ids {
		s := r.layout.Session(id)
		if r.git.BranchExists(ctx, r.cfg.RepoPath, s.Branch) {
			continue
		}
		o := Orphan{ID: id}
		if exists(s.WorkTree) {
			o.WorkTree = s.WorkTree
		}
		if exists(s.LogPath) {
			o.LogPath = s.LogPath
		}
		if exists(s.PIDPath) {
			o.PIDPath = s.PIDPath
		}
		orphans = append(orphans, o)
	}
	return orphans, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

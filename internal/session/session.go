package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/zhubert/nightshift/internal/config"
)

// IDLength is the number of hex characters in a session id.
const IDLength = 8

var validIDRegex = regexp.MustCompile(`^[0-9a-f]{8}$`)

// NewID returns a fresh session id: the first 32 bits of a random UUID as
// lower-case hex.
func NewID() string {
	return uuid.New().String()[:IDLength]
}

// ValidID reports whether id has the session id shape.
func ValidID(id string) bool {
	return validIDRegex.MatchString(id)
}

// State is the lifecycle state of a session.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateCrashed
	StateUnderReview
	StateApproved
	StateRejected
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCrashed:
		return "crashed"
	case StateUnderReview:
		return "under review"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "rejected"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the worker has stopped, cleanly or not.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCrashed
}

// Session names the artifacts that belong to one id.
type Session struct {
	ID       string
	Branch   string
	WorkTree string
	LogPath  string
	PIDPath  string
}

// Layout maps session ids to artifact locations for one repository.
type Layout struct {
	cfg *config.Config
}

// NewLayout returns the layout described by cfg.
func NewLayout(cfg *config.Config) *Layout {
	return &Layout{cfg: cfg}
}

// Session returns the artifact names for id. It does not check that any of
// them exist.
func (l *Layout) Session(id string) *Session {
	return &Session{
		ID:       id,
		Branch:   l.cfg.BranchPrefix + id,
		WorkTree: filepath.Join(l.cfg.WorktreeDir, id),
		LogPath:  filepath.Join(l.cfg.LogDir(), id+".log"),
		PIDPath:  filepath.Join(l.cfg.LogDir(), id+".pid"),
	}
}

// IDFromBranch extracts the session id from a branch name.
func (l *Layout) IDFromBranch(branch string) (string, bool) {
	id, ok := strings.CutPrefix(branch, l.cfg.BranchPrefix)
	if !ok || !ValidID(id) {
		return "", false
	}
	return id, true
}

// CommitMessage is the message of the terminal commit made when the worker
// exits.
func CommitMessage(id string, exitCode int, task string) string {
	return fmt.Sprintf("nightshift: session %s finished (exit %d)\n\nTask:\n%s\n\nSession: %s\n", id, exitCode, task, id)
}

// MergeMessage is the message of the merge commit made on approval.
func MergeMessage(id, task string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(task), "\n")
	if title == "" {
		return fmt.Sprintf("Merge nightshift session %s", id)
	}
	const maxTitle = 60
	if r := []rune(title); len(r) > maxTitle {
		title = string(r[:maxTitle-3]) + "..."
	}
	return fmt.Sprintf("Merge nightshift session %s: %s", id, title)
}

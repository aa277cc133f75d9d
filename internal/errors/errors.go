// Package errors provides structured error types for nightshift.
// These errors carry the operation that failed and a Kind that callers
// branch on (retry with a new id, resolve a conflict, force a teardown).
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalid
	KindIO
	KindConfig
	KindGit
	// KindCollision means the id, branch, worktree or log already exists.
	KindCollision
	// KindUnmerged means a non-forced destroy hit a branch with unmerged history.
	KindUnmerged
	// KindNotTerminal means an approve was attempted on a running session.
	KindNotTerminal
	// KindMergeConflict means the session branch could not be merged cleanly.
	// The session is left exactly as it was.
	KindMergeConflict
	// KindProcessLaunch means the worker could not be started.
	KindProcessLaunch
	// KindCommit means the terminal commit could not be written.
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "I/O error"
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git error"
	case KindCollision:
		return "collision"
	case KindUnmerged:
		return "unmerged"
	case KindNotTerminal:
		return "not terminal"
	case KindMergeConflict:
		return "merge conflict"
	case KindProcessLaunch:
		return "process launch failed"
	case KindCommit:
		return "commit failed"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for nightshift.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err, or any error it wraps, is of the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// GetKind returns the Kind of the outermost structured error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Session errors
func SessionNotFound(id string) error {
	return E(Op("session.Get"), KindNotFound, fmt.Sprintf("session %s not found", id))
}

func Collision(id, what string) error {
	return E(Op("workspace.Create"), KindCollision, fmt.Sprintf("session %s: %s already exists", id, what))
}

func Unmerged(branch string) error {
	return E(Op("workspace.Destroy"), KindUnmerged, fmt.Sprintf("branch %s has commits not merged into the mainline", branch))
}

func NotTerminal(id string) error {
	return E(Op("review.Approve"), KindNotTerminal, fmt.Sprintf("session %s is still running", id))
}

func MergeConflict(branch string, err error) error {
	return E(Op("review.Approve"), KindMergeConflict, fmt.Sprintf("merging %s produced conflicts; resolve manually and retry", branch), err)
}

func ProcessLaunch(id string, err error) error {
	return E(Op("supervisor.Launch"), KindProcessLaunch, fmt.Sprintf("failed to start worker for session %s", id), err)
}

func CommitFailed(id string, err error) error {
	return E(Op("supervisor.TerminalCommit"), KindCommit, fmt.Sprintf("terminal commit failed for session %s", id), err)
}

// Config errors
func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}

// Git errors
func GitNotRepo(path string) error {
	return E(Op("git.ValidateRepo"), KindInvalid, fmt.Sprintf("%s is not a git repository", path))
}

func GitWorktreeFailed(branch string, err error) error {
	return E(Op("git.CreateWorktree"), KindGit, fmt.Sprintf("failed to create worktree for branch %s", branch), err)
}

func GitMergeFailed(branch string, err error) error {
	return E(Op("git.Merge"), KindGit, fmt.Sprintf("failed to merge branch %s", branch), err)
}

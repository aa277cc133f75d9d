// Package session defines what a nightshift session is and how to find one.
//
// # Overview
//
// A session is one unattended run of the worker against a single task. It
// owns exactly three artifacts, all named after its 8-character hex id:
//
//   - a branch, <branch_prefix><id> (session/<id> by default)
//   - a worktree checked out on that branch, <worktree_dir>/<id>
//   - an append-only log, <state_dir>/logs/<id>.log, plus a pid file next to it
//
// Nothing about a session is stored anywhere else. The Registry recovers the
// set of sessions by scanning branches, worktree directories and log files,
// and the status package derives each session's state from whether its
// supervisor process is alive and whether its log carries the completion
// banner.
//
// # Lifecycle
//
//	Running ──exit──▶ Completed ─┐
//	   │                         ├──▶ UnderReview ──approve──▶ Approved ──▶ Cleaned
//	   └──killed/lost─▶ Crashed ─┘          │
//	                                        └──reject───▶ Rejected ──▶ Cleaned
//
// Running, Completed and Crashed are observed. UnderReview, Approved,
// Rejected and Cleaned are reported by the review controller while it acts
// and are never written down.
//
// # Log format
//
// The log opens with a start banner written before the worker is launched:
//
//	=== nightshift session <id> started <RFC3339> ===
//	workspace: <path>
//	task: <task text, may span lines>
//	=== worker output ===
//
// Worker stdout and stderr follow verbatim. When the terminal commit
// succeeds the supervisor appends
//
//	=== nightshift session <id> completed <RFC3339> ===
//
// and when it fails it appends an ERROR marker instead.
package session

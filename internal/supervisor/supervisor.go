// Package supervisor launches session workers as detached processes and
// performs the terminal commit when they exit.
//
// Launch re-executes the nightshift binary as
//
//	nightshift supervise --repo <repo> --id <id> --workspace <path> --task <text>
//
// in a new process session with its output appended to the session log. That
// process runs the worker, waits for it, commits whatever the worker left in
// the worktree and appends the completion banner. Its pid, which is also its
// process group id, is the session's process handle.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/process"
	"github.com/zhubert/nightshift/internal/session"
)

// SuperviseCommand is the hidden subcommand Launch re-executes.
const SuperviseCommand = "supervise"

// launchTimeout bounds how long Kill waits for a launching session to get
// its supervisor pid.
const launchTimeout = 10 * time.Second

// Supervisor starts and tracks session workers for one repository.
type Supervisor struct {
	cfg      *config.Config
	git      *git.GitService
	executor pexec.CommandExecutor
	layout   *session.Layout
	log      *slog.Logger

	// binary is the executable re-run by Launch; os.Executable by default.
	binary string
	now    func() time.Time
}

// New returns a supervisor for the repository in cfg.
func New(cfg *config.Config, gitSvc *git.GitService, executor pexec.CommandExecutor) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		git:      gitSvc,
		executor: executor,
		layout:   session.NewLayout(cfg),
		log:      logger.ComponentLogger("supervisor"),
		now:      time.Now,
	}
}

// SetBinary overrides the executable that Launch re-runs.
func (s *Supervisor) SetBinary(path string) {
	s.binary = path
}

// Handle identifies a launched worker.
type Handle struct {
	SessionID string
	PID       int
	LogPath   string
}

// SuperviseArgs returns the argument list of the detached supervisor for a
// session, excluding the binary itself.
func SuperviseArgs(repo, id, workspace, task string) []string {
	return []string{SuperviseCommand, "--repo", repo, "--id", id, "--workspace", workspace, "--task", task}
}

// Launch writes the start banner and starts the detached supervisor for
// sess. The pid file exists, as a placeholder naming this process, for as
// long as the log does. Any failure is reported as KindProcessLaunch; the
// log is left in place for the caller's rollback.
func (s *Supervisor) Launch(ctx context.Context, sess *session.Session, task string) (*Handle, error) {
	log := s.log.With("sessionID", sess.ID)

	binary := s.binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, perrors.ProcessLaunch(sess.ID, fmt.Errorf("get executable path: %w", err))
		}
		binary = exe
	}

	if err := os.MkdirAll(s.cfg.LogDir(), 0o755); err != nil {
		return nil, perrors.ProcessLaunch(sess.ID, err)
	}
	// The placeholder goes down before the log so that nobody sees a log
	// without a pid file and takes the session for crashed.
	if err := process.WriteLaunchingPIDFile(sess.PIDPath, os.Getpid()); err != nil {
		return nil, perrors.ProcessLaunch(sess.ID, fmt.Errorf("write pid file: %w", err))
	}
	launched := false
	defer func() {
		if !launched {
			_ = os.Remove(sess.PIDPath)
		}
	}()

	logFile, err := os.OpenFile(sess.LogPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, perrors.ProcessLaunch(sess.ID, fmt.Errorf("open log: %w", err))
	}
	defer logFile.Close()

	if _, err := io.WriteString(logFile, session.StartBanner(sess.ID, s.now(), sess.WorkTree, task)); err != nil {
		return nil, perrors.ProcessLaunch(sess.ID, fmt.Errorf("write start banner: %w", err))
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, perrors.ProcessLaunch(sess.ID, err)
	}
	defer devNull.Close()

	cmd := exec.Command(binary, SuperviseArgs(s.cfg.RepoPath, sess.ID, sess.WorkTree, task)...)
	cmd.Dir = sess.WorkTree
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach from the terminal and our process group so the session
	// outlives the command that started it and can be killed as a group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, perrors.ProcessLaunch(sess.ID, err)
	}
	pid := cmd.Process.Pid

	if err := process.WritePIDFile(sess.PIDPath, pid); err != nil {
		_ = process.SignalGroup(pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, perrors.ProcessLaunch(sess.ID, fmt.Errorf("write pid file: %w", err))
	}
	launched = true

	// Reap the child if it exits while we are still around.
	go func() { _ = cmd.Wait() }()

	log.Info("worker launched", "pid", pid, "workspace", sess.WorkTree, "log", sess.LogPath)
	return &Handle{SessionID: sess.ID, PID: pid, LogPath: sess.LogPath}, nil
}

// WorkerArgs returns the worker's argument list for task: the configured
// arguments, the turn and budget ceilings, then the task itself.
func (s *Supervisor) WorkerArgs(task string) []string {
	w := s.cfg.Worker
	args := append([]string{}, w.Args...)
	args = append(args,
		"--max-turns", strconv.Itoa(w.MaxTurns),
		"--max-budget-usd", strconv.FormatFloat(w.MaxBudgetUSD, 'f', -1, 64),
		task,
	)
	return args
}

// SuperviseOptions are the inputs of one supervised run.
type SuperviseOptions struct {
	ID        string
	Workspace string
	Task      string

	// Output receives worker output; the log file in a detached run.
	Output io.Writer
}

// Supervise runs the worker to completion and makes the terminal commit.
// It is the body of the hidden supervise command. The worker's exit status
// does not matter: whatever it left behind is committed with
// --allow-empty. On success the completion banner is appended to the log;
// if the commit fails an ERROR marker is appended instead and a KindCommit
// error returned.
func (s *Supervisor) Supervise(ctx context.Context, opts SuperviseOptions) error {
	sess := s.layout.Session(opts.ID)
	log := logger.WithSession(opts.ID).With("component", "supervisor")
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	cmd := exec.CommandContext(ctx, s.cfg.Worker.Command, s.WorkerArgs(opts.Task)...)
	cmd.Dir = opts.Workspace
	cmd.Stdout = out
	cmd.Stderr = out

	log.Info("running worker", "command", s.cfg.Worker.Command, "workspace", opts.Workspace)
	start := s.now()
	runErr := cmd.Run()
	exitCode := pexec.ExitCode(runErr)
	if runErr != nil {
		fmt.Fprintf(out, "\nnightshift: worker exited: %v\n", runErr)
	}
	log.Info("worker exited", "exitCode", exitCode, "elapsed", time.Since(start), "error", runErr)

	// The worker may have been stopped by ctx; the commit must still run.
	commitCtx := context.WithoutCancel(ctx)
	msg := session.CommitMessage(opts.ID, exitCode, opts.Task)
	if err := s.git.CommitAll(commitCtx, opts.Workspace, msg, true); err != nil {
		log.Error("terminal commit failed", "error", err)
		if werr := appendLog(sess.LogPath, session.CommitErrorMarker(err)); werr != nil {
			log.Error("failed to write error marker", "error", werr)
		}
		return perrors.CommitFailed(opts.ID, err)
	}

	if err := appendLog(sess.LogPath, session.CompletionBanner(opts.ID, s.now())); err != nil {
		log.Error("failed to write completion banner", "error", err)
		return perrors.E(perrors.Op("supervisor.Supervise"), perrors.KindIO, err)
	}
	log.Info("session completed", "exitCode", exitCode)
	return nil
}

func appendLog(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Alive reports whether the session id is still running, and the pid of
// its process group. A worker outliving a killed supervisor keeps the
// session alive. While Launch is between writing the placeholder pid file
// and starting the supervisor, the session is alive as long as the
// launching process is, and the pid is 0.
func (s *Supervisor) Alive(ctx context.Context, id string) (int, bool) {
	path := s.layout.Session(id).PIDPath
	pid, err := process.ReadPIDFile(path)
	if err != nil {
		if launcher, ok := process.ReadLauncherPID(path); ok {
			return 0, process.Exists(launcher)
		}
		return 0, false
	}
	return pid, process.SessionAlive(ctx, s.executor, pid, id)
}

// Kill stops the supervisor of id and its worker: SIGTERM to the process
// group, then SIGKILL once the grace period has passed. It returns once
// every process in the group is gone. A session that is not running is left
// alone.
func (s *Supervisor) Kill(ctx context.Context, id string) error {
	pid, alive := s.Alive(ctx, id)
	if alive && pid == 0 {
		// Still launching; wait for the real pid.
		process.WaitExit(ctx, launchTimeout, func() bool {
			pid, alive = s.Alive(ctx, id)
			return alive && pid == 0
		})
		if alive && pid == 0 {
			return perrors.E(perrors.Op("supervisor.Kill"), perrors.KindProcessLaunch,
				fmt.Sprintf("session %s still launching after %v", id, launchTimeout))
		}
	}
	if !alive {
		return nil
	}
	grace := s.KillGrace()
	s.log.Info("killing session worker", "sessionID", id, "pid", pid, "grace", grace)
	return process.TerminateGroup(ctx, pid, grace, func() bool {
		return process.SessionAlive(ctx, s.executor, pid, id)
	})
}

// KillGrace is how long a worker gets between SIGTERM and SIGKILL.
func (s *Supervisor) KillGrace() time.Duration {
	return time.Duration(s.cfg.KillGraceSeconds) * time.Second
}

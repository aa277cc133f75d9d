// Package process finds, checks and signals nightshift supervisor processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/logger"
)

// SupervisorProcess is a running `nightshift supervise` process.
type SupervisorProcess struct {
	PID       int    // Process ID, also the process group id
	Command   string // Full command line
	SessionID string
}

// pollInterval is how often WaitExit re-checks a process.
const pollInterval = 50 * time.Millisecond

// launchingPrefix marks a pid file written before the supervisor exists.
// It names the launching process instead of the supervisor.
const launchingPrefix = "launching "

// ReadPIDFile returns the pid recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// WritePIDFile records pid in path. Readers never see a partial file.
func WritePIDFile(path string, pid int) error {
	return writeFileAtomic(path, strconv.Itoa(pid)+"\n", false)
}

// WriteLaunchingPIDFile records that launcher is about to start the
// supervisor whose pid will replace it in path. It fails if path exists.
func WriteLaunchingPIDFile(path string, launcher int) error {
	return writeFileAtomic(path, launchingPrefix+strconv.Itoa(launcher)+"\n", true)
}

// ReadLauncherPID returns the launcher pid of a pid file written by
// WriteLaunchingPIDFile.
func ReadLauncherPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(string(data)), launchingPrefix)
	if !ok {
		return 0, false
	}
	pid, err := strconv.Atoi(rest)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// writeFileAtomic writes data to a temporary file next to path and moves
// it into place. With exclusive set an existing path is an error
// satisfying errors.Is(err, fs.ErrExist).
func writeFileAtomic(path, data string, exclusive bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if exclusive {
		return os.Link(tmp.Name(), path)
	}
	return os.Rename(tmp.Name(), path)
}

// Exists reports whether a process with pid exists, including zombies.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// CommandLine returns the argument list of pid as printed by ps. Zombies
// report a bracketed name and no arguments.
func CommandLine(ctx context.Context, executor pexec.CommandExecutor, pid int) (string, error) {
	out, err := executor.Output(ctx, "", "ps", "-p", strconv.Itoa(pid), "-o", "args=")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsSupervisorOf reports whether pid is alive and is the supervisor of
// sessionID. A recycled pid belonging to another program does not match.
func IsSupervisorOf(ctx context.Context, executor pexec.CommandExecutor, pid int, sessionID string) bool {
	if !Exists(pid) {
		return false
	}
	cmdLine, err := CommandLine(ctx, executor, pid)
	if err != nil {
		return false
	}
	return containsSessionID(cmdLine, sessionID)
}

// SessionAlive reports whether anything of the session led by pid is still
// running: the supervisor itself, or any member of its process group once
// the supervisor is gone. A pid cannot be reused while its group has
// members, so a live process under pid that is not the supervisor means the
// group is gone and the pid was recycled.
func SessionAlive(ctx context.Context, executor pexec.CommandExecutor, pid int, sessionID string) bool {
	if pid <= 1 {
		return false
	}
	if IsSupervisorOf(ctx, executor, pid, sessionID) {
		return true
	}
	if Exists(pid) && !isZombie(ctx, executor, pid) {
		return false
	}
	return GroupAlive(ctx, executor, pid)
}

// GroupAlive reports whether process group pgid has a member that is not a
// zombie.
func GroupAlive(ctx context.Context, executor pexec.CommandExecutor, pgid int) bool {
	if pgid <= 1 {
		return false
	}
	if err := unix.Kill(-pgid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	out, err := executor.Output(ctx, "", "ps", "-A", "-o", "pgid=,stat=")
	if err != nil {
		// The kernel says the group exists; trust it.
		return true
	}
	want := strconv.Itoa(pgid)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != want {
			continue
		}
		if !strings.HasPrefix(fields[1], "Z") {
			return true
		}
	}
	return false
}

func isZombie(ctx context.Context, executor pexec.CommandExecutor, pid int) bool {
	out, err := executor.Output(ctx, "", "ps", "-p", strconv.Itoa(pid), "-o", "stat=")
	return err == nil && strings.HasPrefix(strings.TrimSpace(string(out)), "Z")
}

// containsSessionID reports whether cmdLine carries "--id <sessionID>" or
// "--id=<sessionID>".
func containsSessionID(cmdLine, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	return extractSessionID(cmdLine) == sessionID
}

// extractSessionID returns the value of the first --id flag in cmdLine.
func extractSessionID(cmdLine string) string {
	fields := strings.Fields(cmdLine)
	for i, f := range fields {
		if v, ok := strings.CutPrefix(f, "--id="); ok {
			return v
		}
		if f == "--id" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// SignalGroup sends sig to the process group led by pid.
func SignalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// WaitExit polls until alive returns false or the timeout elapses. It
// reports whether the process went away.
func WaitExit(ctx context.Context, timeout time.Duration, alive func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !alive() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !alive()
		case <-time.After(pollInterval):
		}
	}
}

// TerminateGroup sends SIGTERM to the group led by pid, then SIGKILL if it
// is still alive after grace, and waits for it to go away.
func TerminateGroup(ctx context.Context, pid int, grace time.Duration, alive func() bool) error {
	log := logger.ComponentLogger("process")

	log.Info("terminating process group", "pid", pid)
	if err := SignalGroup(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("SIGTERM process group %d: %w", pid, err)
	}
	if WaitExit(ctx, grace, alive) {
		return nil
	}

	log.Warn("process group ignored SIGTERM, sending SIGKILL", "pid", pid, "grace", grace)
	if err := SignalGroup(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("SIGKILL process group %d: %w", pid, err)
	}
	if !WaitExit(ctx, 5*time.Second, alive) {
		return fmt.Errorf("process %d still alive after SIGKILL", pid)
	}
	return nil
}

// FindSupervisors lists running supervisor processes on this machine.
func FindSupervisors(ctx context.Context, executor pexec.CommandExecutor) ([]SupervisorProcess, error) {
	log := logger.ComponentLogger("process")

	out, err := executor.Output(ctx, "", "pgrep", "-f", "supervise.*--id")
	if err != nil {
		// pgrep exits 1 when nothing matches.
		if pexec.ExitCode(err) == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep: %w", err)
	}

	var procs []SupervisorProcess
	for _, pidStr := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		cmdLine, err := CommandLine(ctx, executor, pid)
		if err != nil {
			continue
		}
		id := extractSessionID(cmdLine)
		if id == "" {
			continue
		}
		procs = append(procs, SupervisorProcess{PID: pid, Command: cmdLine, SessionID: id})
	}
	log.Debug("found supervisor processes", "count", len(procs))
	return procs, nil
}

// FindOrphanedSupervisors returns supervisors whose session id is not in
// known.
func FindOrphanedSupervisors(ctx context.Context, executor pexec.CommandExecutor, known map[string]bool) ([]SupervisorProcess, error) {
	all, err := FindSupervisors(ctx, executor)
	if err != nil {
		return nil, err
	}
	var orphans []SupervisorProcess
	for _, p := range all {
		if !known[p.SessionID] {
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}

// Package sessiontest provides fixtures for tests that need real sessions:
// a repository with a fake worker, a helper that lets the test binary stand
// in for `nightshift supervise`, and hand-made logs and processes.
package sessiontest

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/zhubert/nightshift/internal/config"
	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/gittest"
	"github.com/zhubert/nightshift/internal/process"
	"github.com/zhubert/nightshift/internal/session"
	"github.com/zhubert/nightshift/internal/supervisor"
)

// HelperEnv makes a test binary behave as `nightshift supervise` when it is
// re-executed by supervisor.Launch.
const HelperEnv = "NIGHTSHIFT_TEST_SUPERVISOR"

// RunSupervisorIfHelper must be called from TestMain before m.Run. When the
// test binary was launched as a supervisor it runs the session and exits.
func RunSupervisorIfHelper() {
	if os.Getenv(HelperEnv) != "1" || len(os.Args) < 2 || os.Args[1] != supervisor.SuperviseCommand {
		return
	}

	fs := flag.NewFlagSet(supervisor.SuperviseCommand, flag.ContinueOnError)
	repo := fs.String("repo", "", "")
	id := fs.String("id", "", "")
	workspace := fs.String("workspace", "", "")
	task := fs.String("task", "", "")
	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*repo)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sup := supervisor.New(cfg, git.NewGitService(), pexec.NewRealExecutor())
	err = sup.Supervise(context.Background(), supervisor.SuperviseOptions{
		ID:        *id,
		Workspace: *workspace,
		Task:      *task,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// WriteWorker writes an executable shell script with body and returns its
// path. The script receives the worker arguments in "$@".
func WriteWorker(t testing.TB, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return path
}

// Setup creates a repository on main and a config whose worker runs
// workerBody. Detached supervisors launched from the test binary pick the
// worker up from the environment.
func Setup(t *testing.T, workerBody string) *config.Config {
	t.Helper()
	cfg := config.Default(gittest.NewRepo(t))
	cfg.Mainline = "main"
	cfg.KillGraceSeconds = 1
	cfg.Worker.Command = WriteWorker(t, workerBody)

	t.Setenv(HelperEnv, "1")
	t.Setenv(config.EnvWorker, cfg.Worker.Command)
	t.Setenv(config.EnvMainline, cfg.Mainline)
	return cfg
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, what)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// StartFakeSupervisor starts a long-running process whose command line
// carries --id <id> in its own process group and records it in the pid
// file, so the session looks Running. The process is killed at cleanup.
func StartFakeSupervisor(t testing.TB, sess *session.Session) int {
	t.Helper()
	cmd := exec.Command("sh", "-c", "sleep 60 & wait", "nightshift-supervise", "--id", sess.ID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start fake supervisor: %v", err)
	}
	go func() { _ = cmd.Wait() }()
	pid := cmd.Process.Pid
	t.Cleanup(func() { _ = process.SignalGroup(pid, syscall.SIGKILL) })

	if err := os.MkdirAll(filepath.Dir(sess.PIDPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := process.WritePIDFile(sess.PIDPath, pid); err != nil {
		t.Fatal(err)
	}
	return pid
}

// WriteLog writes a start banner for task, then output, then the completion
// banner if completed is set.
func WriteLog(t testing.TB, sess *session.Session, task, output string, completed bool) {
	t.Helper()
	now := time.Now()
	text := session.StartBanner(sess.ID, now.Add(-time.Minute), sess.WorkTree, task) + output
	if completed {
		text += session.CompletionBanner(sess.ID, now)
	}
	if err := os.MkdirAll(filepath.Dir(sess.LogPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sess.LogPath, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
}

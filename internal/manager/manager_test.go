package manager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/nightshift/internal/config"
	perrors "github.com/zhubert/nightshift/internal/errors"
	"github.com/zhubert/nightshift/internal/gittest"
	"github.com/zhubert/nightshift/internal/session"
	"github.com/zhubert/nightshift/internal/sessiontest"
)

func TestMain(m *testing.M) {
	sessiontest.RunSupervisorIfHelper()
	os.Exit(m.Run())
}

const worker = `for last; do :; done
case "$last" in
  noop*) ;;
  sleep*) sleep 30 ;;
  *) echo "$last" > "$last.txt"; echo "wrote $last.txt" ;;
esac`

func newManager(t *testing.T) *Manager {
	t.Helper()
	cfg := sessiontest.Setup(t, worker)
	m, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func waitState(t *testing.T, m *Manager, id string, want session.State) {
	t.Helper()
	sessiontest.Eventually(t, 20*time.Second, "state "+want.String(), func() bool {
		s, err := m.Get(context.Background(), id)
		return err == nil && s.State == want
	})
}

func TestNew_ResolvesMainline(t *testing.T) {
	repo := gittest.NewRepo(t)
	cfg := config.Default(repo)

	m, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Config().Mainline != "main" {
		t.Errorf("Mainline = %q, want main", m.Config().Mainline)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(context.Background(), config.Default(t.TempDir())); !perrors.Is(err, perrors.KindInvalid) {
		t.Errorf("non-repo: expected KindInvalid, got %v", err)
	}

	cfg := config.Default(gittest.NewRepo(t))
	cfg.Mainline = "no-such-branch"
	if _, err := New(context.Background(), cfg); !perrors.Is(err, perrors.KindInvalid) {
		t.Errorf("missing mainline: expected KindInvalid, got %v", err)
	}
}

func TestStart_RunsToApproval(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	sess, err := m.Start(ctx, "result")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !session.ValidID(sess.ID) {
		t.Errorf("bad id %q", sess.ID)
	}
	waitState(t, m, sess.ID, session.StateCompleted)

	sum, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sum.ChangedFiles != 1 || sum.Task != "result" {
		t.Errorf("summary = %+v", sum)
	}

	var logs bytes.Buffer
	if err := m.Logs(ctx, sess.ID, false, &logs); err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(logs.String(), "wrote result.txt") {
		t.Errorf("worker output missing from log:\n%s", logs.String())
	}

	if _, err := m.Approve(ctx, sess.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.Config().RepoPath, "result.txt")); err != nil {
		t.Errorf("result.txt not on mainline: %v", err)
	}
	if _, err := m.Get(ctx, sess.ID); !perrors.Is(err, perrors.KindNotFound) {
		t.Errorf("approved session should be gone, got %v", err)
	}
}

func TestStart_EmptyTask(t *testing.T) {
	m := newManager(t)
	if _, err := m.Start(context.Background(), "  \n"); !perrors.Is(err, perrors.KindInvalid) {
		t.Errorf("expected KindInvalid, got %v", err)
	}
}

func TestStart_RegeneratesOnCollision(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	gittest.Run(t, m.Config().RepoPath, "branch", "session/aaaaaaaa")

	ids := []string{"aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	m.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	sess, err := m.Start(ctx, "noop")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.ID != "bbbbbbbb" {
		t.Errorf("ID = %q, want bbbbbbbb", sess.ID)
	}
	waitState(t, m, sess.ID, session.StateCompleted)
}

func TestStart_CollisionExhausted(t *testing.T) {
	m := newManager(t)
	gittest.Run(t, m.Config().RepoPath, "branch", "session/aaaaaaaa")
	calls := 0
	m.newID = func() string {
		calls++
		return "aaaaaaaa"
	}

	_, err := m.Start(context.Background(), "noop")
	if !perrors.Is(err, perrors.KindCollision) {
		t.Fatalf("expected KindCollision, got %v", err)
	}
	if calls != maxStartAttempts {
		t.Errorf("newID called %d times, want %d", calls, maxStartAttempts)
	}
}

func TestStart_LaunchFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	repo := m.Config().RepoPath
	branches := gittest.Branches(t, repo)
	worktrees := gittest.Worktrees(t, repo)
	m.Supervisor().SetBinary(filepath.Join(t.TempDir(), "missing-binary"))

	_, err := m.Start(ctx, "result")
	if !perrors.Is(err, perrors.KindProcessLaunch) {
		t.Fatalf("expected KindProcessLaunch, got %v", err)
	}
	if got := gittest.Branches(t, repo); !slices.Equal(got, branches) {
		t.Errorf("branches = %v, want %v", got, branches)
	}
	if got := gittest.Worktrees(t, repo); !slices.Equal(got, worktrees) {
		t.Errorf("worktrees = %v, want %v", got, worktrees)
	}
	entries, _ := os.ReadDir(m.Config().LogDir())
	if len(entries) != 0 {
		t.Errorf("log dir should be empty, has %d entries", len(entries))
	}
}

func TestStart_ConcurrentSessionsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	const n = 5
	sessions := make([]*session.Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = m.Start(ctx, "noop")
		}()
	}
	wg.Wait()

	branches, paths, logs := map[string]bool{}, map[string]bool{}, map[string]bool{}
	for i, s := range sessions {
		if errs[i] != nil {
			t.Fatalf("Start #%d: %v", i, errs[i])
		}
		if branches[s.Branch] || paths[s.WorkTree] || logs[s.LogPath] {
			t.Errorf("session %s shares an artifact with another session", s.ID)
		}
		branches[s.Branch], paths[s.WorkTree], logs[s.LogPath] = true, true, true
	}
	for _, s := range sessions {
		waitState(t, m, s.ID, session.StateCompleted)
	}
	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != n {
		t.Errorf("Snapshot has %d sessions, want %d", len(snap), n)
	}
}

func TestReject_RunningSession(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	sess, err := m.Start(ctx, "sleep")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, m, sess.ID, session.StateRunning)

	st, err := m.Review(ctx, sess.ID)
	if err != nil || st != session.StateRunning {
		t.Errorf("Review = %v, %v", st, err)
	}
	if _, err := m.Approve(ctx, sess.ID); !perrors.Is(err, perrors.KindNotTerminal) {
		t.Errorf("Approve of running session: %v", err)
	}

	out, err := m.Reject(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if !out.Killed {
		t.Error("worker should have been killed")
	}
	var ids []string
	for s, err := range m.List(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if len(ids) != 0 {
		t.Errorf("List after reject = %v", ids)
	}
}

func TestLogs_Follow(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	followInterval = 20 * time.Millisecond
	t.Cleanup(func() { followInterval = 250 * time.Millisecond })

	sess := m.registry.Layout().Session("aaaaaaaa")
	sessiontest.WriteLog(t, sess, "x", "line one\n", false)
	sessiontest.StartFakeSupervisor(t, sess)

	var mu sync.Mutex
	var buf bytes.Buffer
	w := writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})

	done := make(chan error, 1)
	go func() { done <- m.Logs(ctx, sess.ID, true, w) }()

	f, err := os.OpenFile(sess.LogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("line two\n")
	f.Close()

	sessiontest.Eventually(t, 5*time.Second, "followed output", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(buf.String(), "line two")
	})

	if _, err := m.Reject(ctx, sess.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Logs: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Logs --follow did not return after the session stopped")
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestLogs_NotFound(t *testing.T) {
	m := newManager(t)
	if err := m.Logs(context.Background(), "ffffffff", false, &bytes.Buffer{}); !perrors.Is(err, perrors.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestClean(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	layout := m.registry.Layout()

	// Orphan: log and directory without a branch.
	orphan := layout.Session("aaaaaaaa")
	sessiontest.WriteLog(t, orphan, "x", "", true)
	if err := os.MkdirAll(orphan.WorkTree, 0o755); err != nil {
		t.Fatal(err)
	}

	// Live session with a stale pid file.
	live, err := m.workspace.Create(ctx, "bbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	sessiontest.WriteLog(t, live, "y", "", true)
	gittest.WriteFile(t, filepath.Dir(live.PIDPath), filepath.Base(live.PIDPath), "1\n")

	report, err := m.Clean(ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(report.Orphans) != 1 || report.Orphans[0].ID != "aaaaaaaa" {
		t.Errorf("Orphans = %+v", report.Orphans)
	}
	if !slices.Equal(report.StalePIDFiles, []string{live.PIDPath}) {
		t.Errorf("StalePIDFiles = %v", report.StalePIDFiles)
	}
	if _, err := os.Stat(orphan.LogPath); err != nil {
		t.Error("dry run must not remove anything")
	}

	if _, err := m.Clean(ctx, false); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	for _, p := range []string{orphan.LogPath, orphan.WorkTree, live.PIDPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", p)
		}
	}
	for _, p := range []string{live.LogPath, live.WorkTree} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s belongs to a live session and must survive: %v", p, err)
		}
	}

	again, err := m.Clean(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Empty() {
		t.Errorf("second clean should find nothing, got %+v", again)
	}
}

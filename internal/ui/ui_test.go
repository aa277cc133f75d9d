package ui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/x/ansi"

	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/keys"
	"github.com/zhubert/nightshift/internal/review"
	"github.com/zhubert/nightshift/internal/session"
	"github.com/zhubert/nightshift/internal/status"
)

func summary(id string, state session.State, files int) status.Summary {
	return status.Summary{
		ID:           id,
		Branch:       "session/" + id,
		State:        state,
		ChangedFiles: files,
		Task:         "fix the\nflaky test",
	}
}

func TestStatusRow(t *testing.T) {
	s := summary("0a1b2c3d", session.StateCompleted, 2)
	got := StatusRow(s)
	want := []string{"0a1b2c3d", "completed", "2", "never"}
	if len(got) != len(want) {
		t.Fatalf("StatusRow() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %s = %q, want %q", StatusColumns[i], got[i], want[i])
		}
	}
}

func TestRenderStatusTable(t *testing.T) {
	rows := []status.Summary{
		summary("0a1b2c3d", session.StateRunning, 0),
		summary("deadbeef", session.StateCrashed, 5),
	}
	out := ansi.Strip(RenderStatusTable(rows, -1))

	for _, col := range StatusColumns {
		if !strings.Contains(out, col) {
			t.Errorf("table missing column %q:\n%s", col, out)
		}
	}
	for _, want := range []string{"0a1b2c3d", "running", "deadbeef", "crashed"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "0a1b2c3d") > strings.Index(out, "deadbeef") {
		t.Error("rows should keep their input order")
	}
}

func TestRenderChangeSet(t *testing.T) {
	cs := &review.ChangeSet{
		ID:     "0a1b2c3d",
		Branch: "session/0a1b2c3d",
		Base:   "main",
		State:  session.StateCompleted,
		Files:  []git.FileChange{{Status: "A", Path: "result.txt"}},
		Patch:  "diff --git a/result.txt b/result.txt\n+hello\n",
	}

	plain := RenderChangeSet(cs, false)
	for _, want := range []string{"session 0a1b2c3d (completed) main...session/0a1b2c3d", "1 file(s) changed", "A\tresult.txt", "+hello"} {
		if !strings.Contains(plain, want) {
			t.Errorf("plain output missing %q:\n%s", want, plain)
		}
	}
	if plain != ansi.Strip(plain) {
		t.Error("plain output should not contain escape sequences")
	}

	colored := RenderChangeSet(cs, true)
	if !strings.Contains(ansi.Strip(colored), "+hello") {
		t.Errorf("colored output lost content:\n%s", colored)
	}
}

func TestRenderChangeSet_EmptyAndUncommitted(t *testing.T) {
	empty := &review.ChangeSet{ID: "0a1b2c3d", Branch: "session/0a1b2c3d", Base: "main"}
	if out := RenderChangeSet(empty, false); !strings.Contains(out, "no changes") {
		t.Errorf("empty change set should say so:\n%s", out)
	}

	dirty := &review.ChangeSet{
		ID:          "0a1b2c3d",
		Branch:      "session/0a1b2c3d",
		Base:        "main",
		State:       session.StateRunning,
		Uncommitted: "diff --git a/a.txt b/a.txt\n-old\n+new",
		Untracked:   []string{"scratch.txt"},
	}
	out := RenderChangeSet(dirty, false)
	for _, want := range []string{"uncommitted changes in worktree", "+new", "?? scratch.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHighlightDiff(t *testing.T) {
	if HighlightDiff("") != "" {
		t.Error("empty diff should stay empty")
	}
	in := "--- a/x\n+++ b/x\n@@ -1 +1 @@\n-old\n+new\n"
	if got := ansi.Strip(HighlightDiff(in)); got != in {
		t.Errorf("highlighting changed the text: %q", got)
	}
}

func TestFinished(t *testing.T) {
	prev := []status.Summary{
		summary("aaaaaaaa", session.StateRunning, 0),
		summary("bbbbbbbb", session.StateRunning, 0),
		summary("cccccccc", session.StateCompleted, 1),
	}
	next := []status.Summary{
		summary("aaaaaaaa", session.StateCompleted, 1),
		summary("bbbbbbbb", session.StateRunning, 0),
		summary("cccccccc", session.StateCompleted, 1),
		summary("dddddddd", session.StateCrashed, 0),
	}
	done := Finished(prev, next)
	if len(done) != 1 || done[0].ID != "aaaaaaaa" {
		t.Errorf("Finished() = %v, want only aaaaaaaa", done)
	}
}

func TestWatchModel_NotifiesOnTransition(t *testing.T) {
	var calls []string
	finished := func(id, state string) error {
		calls = append(calls, id+" "+state)
		return nil
	}
	m := NewWatchModel(context.Background(), nil, finished, time.Second)

	m.Update(snapshotMsg{rows: []status.Summary{summary("aaaaaaaa", session.StateRunning, 0)}, at: time.Now()})
	if len(calls) != 0 {
		t.Fatalf("first snapshot should not notify, got %v", calls)
	}

	_, cmd := m.Update(snapshotMsg{rows: []status.Summary{summary("aaaaaaaa", session.StateCompleted, 1)}, at: time.Now()})
	if len(calls) != 1 || calls[0] != "aaaaaaaa completed" {
		t.Errorf("calls = %v, want [aaaaaaaa completed]", calls)
	}
	if cmd == nil {
		t.Error("a snapshot should schedule the next tick")
	}

	m.Update(snapshotMsg{rows: []status.Summary{summary("aaaaaaaa", session.StateCompleted, 1)}, at: time.Now()})
	if len(calls) != 1 {
		t.Errorf("a finished session should be announced once, got %v", calls)
	}
}

func TestWatchModel_SnapshotError(t *testing.T) {
	m := NewWatchModel(context.Background(), nil, nil, time.Second)
	m.Update(snapshotMsg{rows: []status.Summary{summary("aaaaaaaa", session.StateRunning, 0)}, at: time.Now()})
	m.Update(snapshotMsg{err: errors.New("git exploded")})

	out := ansi.Strip(m.render())
	if !strings.Contains(out, "git exploded") {
		t.Errorf("error not shown:\n%s", out)
	}
	if !strings.Contains(out, "aaaaaaaa") {
		t.Errorf("last good rows should stay visible:\n%s", out)
	}
}

func TestWatchModel_Refresh(t *testing.T) {
	calls := 0
	snap := func(ctx context.Context) ([]status.Summary, error) {
		calls++
		return []status.Summary{summary("aaaaaaaa", session.StateRunning, 0)}, nil
	}
	m := NewWatchModel(context.Background(), snap, nil, time.Second)

	msg := m.Init()()
	if calls != 1 {
		t.Fatalf("Init should take a snapshot, calls = %d", calls)
	}
	if _, ok := msg.(snapshotMsg); !ok {
		t.Fatalf("Init produced %T, want snapshotMsg", msg)
	}

	_, cmd := m.Update(tickMsg(time.Now()))
	cmd()
	if calls != 2 {
		t.Errorf("tick should refresh, calls = %d", calls)
	}

	_, cmd = m.Update(tea.KeyPressMsg{Code: 'r', Text: "r"})
	if cmd == nil {
		t.Fatal("r should refresh")
	}
	cmd()
	if calls != 3 {
		t.Errorf("r should refresh, calls = %d", calls)
	}
}

func TestWatchModel_Keys(t *testing.T) {
	m := NewWatchModel(context.Background(), nil, nil, time.Second)
	m.Update(snapshotMsg{rows: []status.Summary{
		summary("aaaaaaaa", session.StateRunning, 0),
		summary("bbbbbbbb", session.StateCrashed, 0),
	}, at: time.Now()})

	m.Update(tea.KeyPressMsg{Code: tea.KeyDown})
	m.Update(tea.KeyPressMsg{Code: tea.KeyDown})
	if m.selected != 1 {
		t.Errorf("selected = %d, want 1 (clamped)", m.selected)
	}
	m.Update(tea.KeyPressMsg{Code: 'k', Text: "k"})
	if m.selected != 0 {
		t.Errorf("selected = %d, want 0", m.selected)
	}

	for _, k := range []tea.KeyPressMsg{
		{Code: 'q', Text: "q"},
		{Code: tea.KeyEscape},
		{Code: 'c', Mod: tea.ModCtrl},
	} {
		_, cmd := m.Update(k)
		if cmd == nil {
			t.Fatalf("%s should quit", k.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s should quit", k.String())
		}
	}
	if keys.Escape != "esc" {
		t.Errorf("unexpected escape key string %q", keys.Escape)
	}
}

func TestWatchModel_SelectionClampsWhenRowsShrink(t *testing.T) {
	m := NewWatchModel(context.Background(), nil, nil, time.Second)
	m.Update(snapshotMsg{rows: []status.Summary{
		summary("aaaaaaaa", session.StateRunning, 0),
		summary("bbbbbbbb", session.StateRunning, 0),
	}, at: time.Now()})
	m.Update(tea.KeyPressMsg{Code: tea.KeyDown})

	m.Update(snapshotMsg{rows: []status.Summary{summary("aaaaaaaa", session.StateRunning, 0)}, at: time.Now()})
	if m.selected != 0 {
		t.Errorf("selected = %d, want 0", m.selected)
	}

	m.Update(snapshotMsg{rows: nil, at: time.Now()})
	if out := ansi.Strip(m.render()); !strings.Contains(out, "no sessions") {
		t.Errorf("empty dashboard should say so:\n%s", out)
	}
}

func TestWatchModel_Detail(t *testing.T) {
	m := NewWatchModel(context.Background(), nil, nil, time.Second)
	s := summary("aaaaaaaa", session.StateRunning, 0)
	s.PID = 4242
	m.Update(snapshotMsg{rows: []status.Summary{s}, at: time.Now()})

	got := ansi.Strip(m.detail())
	if got != "pid 4242  session/aaaaaaaa  fix the flaky test" {
		t.Errorf("detail() = %q", got)
	}

	m.Update(tea.WindowSizeMsg{Width: 20, Height: 10})
	if w := ansi.StringWidth(ansi.Strip(m.detail())); w > 20 {
		t.Errorf("detail should fit the window, width %d", w)
	}
}

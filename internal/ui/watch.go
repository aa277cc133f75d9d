package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/help"
	"charm.land/bubbles/v2/key"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/x/ansi"

	"github.com/zhubert/nightshift/internal/keys"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/session"
	"github.com/zhubert/nightshift/internal/status"
)

// DefaultWatchInterval is how often the dashboard re-derives session state.
const DefaultWatchInterval = 2 * time.Second

// SnapshotFunc returns the current summaries, ordered by id.
type SnapshotFunc func(ctx context.Context) ([]status.Summary, error)

// FinishedFunc is called once for each session seen going from Running to
// a terminal state while the dashboard is open.
type FinishedFunc func(id, state string) error

type tickMsg time.Time

type snapshotMsg struct {
	rows []status.Summary
	err  error
	at   time.Time
}

type watchKeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func defaultWatchKeys() watchKeyMap {
	return watchKeyMap{
		Up:      key.NewBinding(key.WithKeys(keys.Up, "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys(keys.Down, "j"), key.WithHelp("↓/j", "down")),
		Refresh: key.NewBinding(key.WithKeys("r", keys.CtrlR), key.WithHelp("r", "refresh")),
		Quit:    key.NewBinding(key.WithKeys("q", keys.Escape, keys.CtrlC), key.WithHelp("q", "quit")),
	}
}

// WatchModel is the bubbletea model behind `nightshift watch`.
type WatchModel struct {
	ctx      context.Context
	snapshot SnapshotFunc
	finished FinishedFunc
	interval time.Duration

	rows     []status.Summary
	loaded   bool
	selected int
	err      error
	updated  time.Time
	width    int

	keys watchKeyMap
	help help.Model
}

// NewWatchModel returns a dashboard that polls snapshot every interval.
// finished may be nil.
func NewWatchModel(ctx context.Context, snapshot SnapshotFunc, finished FinishedFunc, interval time.Duration) *WatchModel {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &WatchModel{
		ctx:      ctx,
		snapshot: snapshot,
		finished: finished,
		interval: interval,
		keys:     defaultWatchKeys(),
		help:     help.New(),
	}
}

// Init takes the first snapshot.
func (m *WatchModel) Init() tea.Cmd {
	return m.refresh()
}

func (m *WatchModel) refresh() tea.Cmd {
	ctx, snapshot := m.ctx, m.snapshot
	return func() tea.Msg {
		rows, err := snapshot(ctx)
		return snapshotMsg{rows: rows, err: err, at: time.Now()}
	}
}

func (m *WatchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles key presses, ticks and snapshot results.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyPressMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, m.keys.Down):
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		}
		return m, nil

	case tickMsg:
		return m, m.refresh()

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			if m.loaded {
				m.announce(Finished(m.rows, msg.rows))
			}
			m.rows = msg.rows
			m.loaded = true
			m.updated = msg.at
			if m.selected >= len(m.rows) {
				m.selected = max(len(m.rows)-1, 0)
			}
		}
		return m, m.tick()
	}
	return m, nil
}

func (m *WatchModel) announce(done []status.Summary) {
	if m.finished == nil {
		return
	}
	log := logger.ComponentLogger("watch")
	for _, s := range done {
		log.Info("session finished", "sessionID", s.ID, "state", s.State.String())
		if err := m.finished(s.ID, s.State.String()); err != nil {
			log.Warn("notification failed", "sessionID", s.ID, "error", err)
		}
	}
}

// View renders the dashboard in the alternate screen.
func (m *WatchModel) View() tea.View {
	var v tea.View
	v.AltScreen = true
	v.SetContent(m.render())
	return v
}

func (m *WatchModel) render() string {
	var b strings.Builder

	title := "nightshift sessions"
	if !m.updated.IsZero() {
		title += " · updated " + m.updated.Format(time.TimeOnly)
	}
	b.WriteString(HeaderStyle.Render(title) + "\n\n")

	switch {
	case m.err != nil:
		b.WriteString(StateStyle(session.StateCrashed).Render("error: "+m.err.Error()) + "\n\n")
	case !m.loaded:
		b.WriteString(MutedStyle.Render("loading...") + "\n\n")
	}

	if m.loaded {
		if len(m.rows) == 0 {
			b.WriteString(MutedStyle.Render("no sessions") + "\n\n")
		} else {
			b.WriteString(RenderStatusTable(m.rows, m.selected) + "\n")
			b.WriteString(m.detail() + "\n\n")
		}
	}

	b.WriteString(m.help.ShortHelpView([]key.Binding{m.keys.Up, m.keys.Down, m.keys.Refresh, m.keys.Quit}))
	return b.String()
}

// detail describes the selected session on one line.
func (m *WatchModel) detail() string {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return ""
	}
	s := m.rows[m.selected]
	task := strings.Join(strings.Fields(s.Task), " ")
	line := fmt.Sprintf("%s  %s", s.Branch, task)
	if s.PID > 0 {
		line = fmt.Sprintf("pid %d  %s", s.PID, line)
	}
	if m.width > 0 {
		line = ansi.Truncate(line, m.width, "…")
	}
	return MutedStyle.Render(line)
}

// Finished returns the sessions that were Running in prev and are Completed
// or Crashed in next.
func Finished(prev, next []status.Summary) []status.Summary {
	running := make(map[string]bool, len(prev))
	for _, s := range prev {
		if s.State == session.StateRunning {
			running[s.ID] = true
		}
	}
	var done []status.Summary
	for _, s := range next {
		if running[s.ID] && s.State.Terminal() {
			done = append(done, s)
		}
	}
	return done
}

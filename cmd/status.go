package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/status"
	"github.com/zhubert/nightshift/internal/ui"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:     "status [id]",
	Aliases: []string{"ls"},
	Short:   "Show the state of sessions",
	Long: `Without an id, prints a table of every session with its state, the
number of files it changed and when its log last changed. With an id, prints
the details of that session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}

// statusJSONRow is the --json representation of a summary.
type statusJSONRow struct {
	ID           string     `json:"id"`
	State        string     `json:"state"`
	Branch       string     `json:"branch"`
	WorkTree     string     `json:"worktree"`
	Log          string     `json:"log"`
	PID          int        `json:"pid,omitempty"`
	ChangedFiles int        `json:"changed_files"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	Task         string     `json:"task,omitempty"`
	CommitError  string     `json:"commit_error,omitempty"`
}

func toJSONRow(s status.Summary) statusJSONRow {
	row := statusJSONRow{
		ID:           s.ID,
		State:        s.State.String(),
		Branch:       s.Branch,
		WorkTree:     s.WorkTree,
		Log:          s.LogPath,
		PID:          s.PID,
		ChangedFiles: s.ChangedFiles,
		Task:         s.Task,
		CommitError:  s.CommitError,
	}
	if !s.LastActivity.IsZero() {
		t := s.LastActivity
		row.LastActivity = &t
	}
	if !s.CreatedAt.IsZero() {
		t := s.CreatedAt
		row.CreatedAt = &t
	}
	return row
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		s, err := m.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(out, toJSONRow(s))
		}
		printSummary(out, s)
		return nil
	}

	summaries, err := m.Snapshot(ctx)
	if err != nil {
		return err
	}
	if statusJSON {
		rows := make([]statusJSONRow, 0, len(summaries))
		for _, s := range summaries {
			rows = append(rows, toJSONRow(s))
		}
		return writeJSON(out, rows)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	_, err = lipgloss.Fprintln(out, ui.RenderStatusTable(summaries, -1))
	return err
}

func printSummary(w io.Writer, s status.Summary) {
	fmt.Fprintf(w, "Session %s\n", s.ID)
	fmt.Fprintf(w, "  state:         %s\n", s.State)
	if s.PID > 0 {
		fmt.Fprintf(w, "  pid:           %d\n", s.PID)
	}
	fmt.Fprintf(w, "  branch:        %s\n", s.Branch)
	fmt.Fprintf(w, "  worktree:      %s\n", s.WorkTree)
	fmt.Fprintf(w, "  log:           %s\n", s.LogPath)
	fmt.Fprintf(w, "  files changed: %d\n", s.ChangedFiles)
	fmt.Fprintf(w, "  last activity: %s\n", s.Age())
	if !s.CreatedAt.IsZero() {
		fmt.Fprintf(w, "  started:       %s\n", s.CreatedAt.Format(time.RFC3339))
	}
	if s.CommitError != "" {
		fmt.Fprintf(w, "  commit error:  %s\n", s.CommitError)
	}
	if s.Task != "" {
		fmt.Fprintf(w, "  task:\n%s\n", indent(s.Task, "    "))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

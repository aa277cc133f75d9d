package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/manager"
)

var (
	skipConfirm bool
	cleanDryRun bool
	cleanLogs   bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove leftovers of sessions whose branch is gone",
	Long: `Removes worktree directories, logs and pid files of sessions whose branch
no longer exists, pid files of supervisors that have exited, and supervisor
processes of this repository that no session owns. Sessions that still have
a branch are never touched; reject them instead.

It will prompt for confirmation before proceeding unless the --yes flag is used.`,
	Args: cobra.NoArgs,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "Only show what would be removed")
	cleanCmd.Flags().BoolVar(&cleanLogs, "logs", false, "Also remove nightshift's own log file")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	m, err := loadManager(cmd.Context())
	if err != nil {
		return err
	}
	return runCleanWithReader(cmd.Context(), m, os.Stdin, cmd.OutOrStdout())
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(ctx context.Context, m *manager.Manager, input io.Reader, out io.Writer) error {
	report, err := m.Clean(ctx, true)
	if err != nil {
		return err
	}

	if report.Empty() && !cleanLogs {
		fmt.Fprintln(out, "Nothing to clean.")
		return nil
	}

	fmt.Fprintln(out, "This will clean:")
	printCleanReport(out, report)
	if cleanLogs {
		fmt.Fprintf(out, "  - The nightshift log %s\n", logger.DefaultLogPath())
	}

	if cleanDryRun {
		return nil
	}

	// Confirm unless --yes flag is set
	if !skipConfirm {
		if !confirm(input, out, "Continue?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	report, err = m.Clean(ctx, false)
	if err != nil {
		return err
	}

	var logsCleared int
	if cleanLogs {
		logsCleared, err = logger.ClearLogs()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Cleaned:")
	if n := len(report.Orphans); n > 0 {
		fmt.Fprintf(out, "  - %d orphaned session(s) removed\n", n)
	}
	if n := len(report.StalePIDFiles); n > 0 {
		fmt.Fprintf(out, "  - %d stale pid file(s) removed\n", n)
	}
	if n := len(report.Processes); n > 0 {
		fmt.Fprintf(out, "  - %d orphaned supervisor(s) killed\n", n)
	}
	if logsCleared > 0 {
		fmt.Fprintln(out, "  - nightshift log removed")
	}
	return nil
}

func printCleanReport(out io.Writer, report *manager.CleanReport) {
	if len(report.Orphans) > 0 {
		fmt.Fprintf(out, "  - %d orphaned session(s)\n", len(report.Orphans))
		for _, o := range report.Orphans {
			fmt.Fprintf(out, "      %s\n", o.ID)
		}
	}
	if len(report.StalePIDFiles) > 0 {
		fmt.Fprintf(out, "  - %d stale pid file(s)\n", len(report.StalePIDFiles))
		for _, p := range report.StalePIDFiles {
			fmt.Fprintf(out, "      %s\n", p)
		}
	}
	if len(report.Processes) > 0 {
		fmt.Fprintf(out, "  - %d orphaned supervisor process(es)\n", len(report.Processes))
		for _, p := range report.Processes {
			fmt.Fprintf(out, "      PID %d (session %s)\n", p.PID, p.SessionID)
		}
	}
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, out io.Writer, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

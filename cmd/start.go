package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var startTaskFile string

var startCmd = &cobra.Command{
	Use:   "start [task...]",
	Short: "Start a session working on a task",
	Long: `Creates a worktree on a new session/<id> branch from the mainline and
launches the worker on the task in the background. The command returns as
soon as the worker is running; use "nightshift status" to follow it.

The task is the remaining arguments joined by spaces, or the contents of
--file ("-" reads standard input).`,
	Example: `  nightshift start "fix the flaky TestLogin"
  nightshift start -f task.md`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVarP(&startTaskFile, "file", "f", "", "Read the task from a file (- for stdin)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	task, err := readTask(cmd.InOrStdin(), startTaskFile, args)
	if err != nil {
		return err
	}

	m, err := loadManager(cmd.Context())
	if err != nil {
		return err
	}
	sess, err := m.Start(cmd.Context(), task)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Started session %s\n", sess.ID)
	fmt.Fprintf(out, "  branch:   %s\n", sess.Branch)
	fmt.Fprintf(out, "  worktree: %s\n", sess.WorkTree)
	fmt.Fprintf(out, "  log:      %s\n", sess.LogPath)
	return nil
}

// readTask returns the task from file when set, otherwise from args.
func readTask(stdin io.Reader, file string, args []string) (string, error) {
	if file != "" && len(args) > 0 {
		return "", fmt.Errorf("give the task as arguments or with --file, not both")
	}
	var task string
	switch file {
	case "":
		task = strings.Join(args, " ")
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("error reading task from stdin: %w", err)
		}
		task = string(data)
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("error reading task file: %w", err)
		}
		task = string(data)
	}
	task = strings.TrimSpace(task)
	if task == "" {
		return "", fmt.Errorf("no task given")
	}
	return task, nil
}

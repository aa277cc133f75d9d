package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/ui"
)

var rejectYes bool

// confirmReject asks before throwing work away. Tests replace it.
var confirmReject = func(id string) (bool, error) {
	return ui.Confirm(
		fmt.Sprintf("Reject session %s?", id),
		"The worker is stopped and its worktree, branch and log are deleted.",
		"Reject",
	)
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Discard a session and everything it did",
	Long: `Stops the worker if it is still running, then force-removes the session's
worktree, branch, log and pid file. Rejecting a session that is already gone
is not an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runReject,
}

func init() {
	rejectCmd.Flags().BoolVarP(&rejectYes, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(rejectCmd)
}

func runReject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}

	id := args[0]
	if !rejectYes {
		ok, err := confirmReject(id)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	out, err := m.Reject(ctx, id)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch {
	case !out.Found:
		fmt.Fprintf(w, "Session %s does not exist; nothing to do.\n", id)
	case out.Killed:
		fmt.Fprintf(w, "Stopped and rejected session %s.\n", id)
	default:
		fmt.Fprintf(w, "Rejected session %s.\n", id)
	}
	return nil
}

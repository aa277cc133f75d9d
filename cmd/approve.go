package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	perrors "github.com/zhubert/nightshift/internal/errors"
)

var approveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Merge a finished session into the mainline",
	Long: `Merges the session branch into the mainline with a merge commit, then
removes the session's worktree, branch and log.

A running session cannot be approved. If the merge conflicts, nothing is
changed: resolve the conflict on the session branch and approve again.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	rootCmd.AddCommand(approveCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}

	out, err := m.Approve(ctx, args[0])
	switch {
	case perrors.Is(err, perrors.KindNotTerminal):
		return fmt.Errorf("%w\n\nWait for it to finish or reject it", err)
	case perrors.Is(err, perrors.KindMergeConflict):
		branch := m.Config().BranchPrefix + args[0]
		return fmt.Errorf("%w\n\nThe session is unchanged. Resolve the conflict on %s and approve again", err, branch)
	case err != nil:
		return err
	}

	w := cmd.OutOrStdout()
	if out.Salvaged {
		fmt.Fprintln(w, "Committed leftover worktree changes before merging.")
	}
	fmt.Fprintf(w, "Approved session %s: merged into %s as %s\n", out.ID, m.Config().Mainline, shortHash(out.MergeCommit))
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

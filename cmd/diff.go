package cmd

import (
	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/ui"
)

var diffNoColor bool

var diffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show what a session changed",
	Long: `Prints the files changed on the session branch relative to the mainline,
followed by the patch. For a running session, changes not yet committed in
its worktree are shown as well.`,
	Args: cobra.ExactArgs(1),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().BoolVar(&diffNoColor, "no-color", false, "Disable syntax highlighting")
	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}
	cs, err := m.Diff(ctx, args[0])
	if err != nil {
		return err
	}
	// lipgloss downsamples or strips colors when stdout is not a terminal.
	_, err = lipgloss.Fprint(cmd.OutOrStdout(), ui.RenderChangeSet(cs, !diffNoColor))
	return err
}

package cmd

import (
	"github.com/spf13/cobra"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Print a session's log",
	Long: `Prints the session log: the start banner, everything the worker wrote and,
once it has finished, the completion banner. With --follow, keeps printing
new output until the session stops running or you interrupt it.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing output while the session runs")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}
	return m.Logs(ctx, args[0], logsFollow, cmd.OutOrStdout())
}

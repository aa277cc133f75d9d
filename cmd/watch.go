package cmd

import (
	"fmt"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/notification"
	"github.com/zhubert/nightshift/internal/ui"
)

var (
	watchInterval time.Duration
	watchNotify   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of all sessions",
	Long: `Shows the status table and refreshes it until you quit. When a session
stops running a desktop notification is sent (disable with --notify=false).`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "n", ui.DefaultWatchInterval, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchNotify, "notify", true, "Send a desktop notification when a session finishes")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManager(ctx)
	if err != nil {
		return err
	}

	var finished ui.FinishedFunc
	if watchNotify {
		finished = notification.SessionFinished
	}

	model := ui.NewWatchModel(ctx, m.Snapshot, finished, watchInterval)
	p := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running dashboard: %w", err)
	}
	return nil
}

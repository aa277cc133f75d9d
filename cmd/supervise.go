package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/config"
	pexec "github.com/zhubert/nightshift/internal/exec"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/supervisor"
)

var superviseOpts struct {
	repo      string
	id        string
	workspace string
	task      string
}

// superviseCmd is what `nightshift start` runs in the background. Its
// stdout and stderr are already the session log.
var superviseCmd = &cobra.Command{
	Use:    supervisor.SuperviseCommand,
	Short:  "Run a session's worker and make its terminal commit",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runSupervise,
}

func init() {
	f := superviseCmd.Flags()
	f.StringVar(&superviseOpts.repo, "repo", "", "Repository the session belongs to")
	f.StringVar(&superviseOpts.id, "id", "", "Session id")
	f.StringVar(&superviseOpts.workspace, "workspace", "", "Session worktree")
	f.StringVar(&superviseOpts.task, "task", "", "Task for the worker")
	for _, name := range []string{"repo", "id", "workspace", "task"} {
		_ = superviseCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(superviseCmd)
}

func runSupervise(cmd *cobra.Command, args []string) error {
	// Default signal handling: a killed supervisor leaves no completion
	// banner, so the session reads as crashed.
	signal.Reset(os.Interrupt, syscall.SIGTERM)

	cfg, err := config.Load(superviseOpts.repo)
	if err != nil {
		return err
	}
	log := logger.WithSession(superviseOpts.id)
	log.Info("supervisor started", "pid", os.Getpid(), "workspace", superviseOpts.workspace)

	sup := supervisor.New(cfg, git.NewGitService(), pexec.NewRealExecutor())
	err = sup.Supervise(cmd.Context(), supervisor.SuperviseOptions{
		ID:        superviseOpts.id,
		Workspace: superviseOpts.workspace,
		Task:      superviseOpts.task,
		Output:    cmd.OutOrStdout(),
	})
	if err != nil {
		log.Error("supervisor failed", "error", err)
		return err
	}
	log.Info("supervisor finished")
	return nil
}

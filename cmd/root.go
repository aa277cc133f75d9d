package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/nightshift/internal/config"
	"github.com/zhubert/nightshift/internal/git"
	"github.com/zhubert/nightshift/internal/logger"
	"github.com/zhubert/nightshift/internal/manager"
)

var (
	debugMode             bool
	quietMode             bool
	repoPath              string
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "nightshift",
	Short: "Run unattended worker sessions in isolated git worktrees",
	Long: `nightshift launches a background worker on a task inside its own git
worktree and branch, lets it run to completion unattended, and then lets you
review the result: approve merges the branch into the mainline, reject throws
the work away.

Session state is derived from git, the session log and process liveness;
nightshift keeps no database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", true, "Enable debug logging (on by default)")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Reduce logging to info level only")
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".", "Repository to operate on")
}

func initConfig() {
	if quietMode {
		logger.SetDebug(false)
	} else if debugMode {
		logger.SetDebug(true)
	}
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logger.Close()
	return rootCmd.ExecuteContext(ctx)
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("nightshift %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("nightshift %s\n", version)
}

// resolveRepo turns the --repo flag into the top-level directory of its
// repository.
func resolveRepo(ctx context.Context) (string, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return "", fmt.Errorf("invalid --repo %q: %w", repoPath, err)
	}
	root, err := git.NewGitService().RepoRoot(ctx, abs)
	if err != nil {
		return "", err
	}
	return root, nil
}

// loadManager loads the repository's configuration and builds a manager.
func loadManager(ctx context.Context) (*manager.Manager, error) {
	root, err := resolveRepo(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return manager.New(ctx, cfg)
}

// Package config loads the per-repository nightshift configuration from
// <repo>/.nightshift/config.yaml, layered over defaults and environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	perrors "github.com/zhubert/nightshift/internal/errors"
)

const (
	configDirName  = ".nightshift"
	configFileName = "config.yaml"

	// DefaultBranchPrefix namespaces session branches so the registry can be
	// recovered by listing refs.
	DefaultBranchPrefix = "session/"

	DefaultWorkerCommand = "claude"
	DefaultMaxTurns      = 50
	DefaultMaxBudgetUSD  = 5.0

	// DefaultKillGraceSeconds is how long a rejected worker gets between
	// SIGTERM and SIGKILL.
	DefaultKillGraceSeconds = 5
)

// DefaultWorkerArgs run claude non-interactively with no permission prompts.
var DefaultWorkerArgs = []string{"--print", "--dangerously-skip-permissions"}

// Environment overrides, applied after the config file.
const (
	EnvWorker    = "NIGHTSHIFT_WORKER"
	EnvMaxTurns  = "NIGHTSHIFT_MAX_TURNS"
	EnvMaxBudget = "NIGHTSHIFT_MAX_BUDGET"
	EnvMainline  = "NIGHTSHIFT_MAINLINE"
)

// WorkerConfig describes the autonomous worker command. The ceilings are
// passed to the worker, which enforces them itself.
type WorkerConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args,omitempty"`
	MaxTurns     int      `yaml:"max_turns"`
	MaxBudgetUSD float64  `yaml:"max_budget_usd"`
}

// Config holds the configuration for one repository.
type Config struct {
	// RepoPath is the main checkout. It is not read from the file.
	RepoPath string `yaml:"-"`

	// Mainline is the integration branch. Empty means the branch checked out
	// in RepoPath when nightshift starts.
	Mainline     string       `yaml:"mainline,omitempty"`
	BranchPrefix string       `yaml:"branch_prefix,omitempty"`
	WorktreeDir  string       `yaml:"worktree_dir,omitempty"`
	StateDir     string       `yaml:"state_dir,omitempty"`
	Worker       WorkerConfig `yaml:"worker"`

	KillGraceSeconds int `yaml:"kill_grace_seconds,omitempty"`
}

// Default returns the configuration used when no file exists.
//
// Worktrees live next to the repository in .nightshift-worktrees/<repo>/,
// logs and the mainline lock under <repo>/.git/nightshift so they never show
// up as untracked files in the main checkout.
func Default(repoPath string) *Config {
	return &Config{
		RepoPath:     repoPath,
		BranchPrefix: DefaultBranchPrefix,
		WorktreeDir:  filepath.Join(filepath.Dir(repoPath), ".nightshift-worktrees", filepath.Base(repoPath)),
		StateDir:     filepath.Join(repoPath, ".git", "nightshift"),
		Worker: WorkerConfig{
			Command:      DefaultWorkerCommand,
			Args:         append([]string{}, DefaultWorkerArgs...),
			MaxTurns:     DefaultMaxTurns,
			MaxBudgetUSD: DefaultMaxBudgetUSD,
		},
		KillGraceSeconds: DefaultKillGraceSeconds,
	}
}

// Path returns the config file location for a repository.
func Path(repoPath string) string {
	return filepath.Join(repoPath, configDirName, configFileName)
}

// Load reads <repo>/.nightshift/config.yaml if present, fills unset fields
// from Default, applies environment overrides and validates the result.
func Load(repoPath string) (*Config, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, perrors.ConfigLoadFailed(repoPath, err)
	}

	cfg := &Config{}
	fp := Path(abs)
	data, err := os.ReadFile(fp)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, perrors.ConfigLoadFailed(fp, fmt.Errorf("failed to parse: %w", err))
		}
	case os.IsNotExist(err):
	default:
		return nil, perrors.ConfigLoadFailed(fp, err)
	}

	cfg.RepoPath = abs
	cfg.ensureDefaults()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ensureDefaults fills zero-valued fields from Default.
func (c *Config) ensureDefaults() {
	d := Default(c.RepoPath)
	if c.BranchPrefix == "" {
		c.BranchPrefix = d.BranchPrefix
	}
	if c.WorktreeDir == "" {
		c.WorktreeDir = d.WorktreeDir
	} else if !filepath.IsAbs(c.WorktreeDir) {
		c.WorktreeDir = filepath.Join(c.RepoPath, c.WorktreeDir)
	}
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	} else if !filepath.IsAbs(c.StateDir) {
		c.StateDir = filepath.Join(c.RepoPath, c.StateDir)
	}
	if c.Worker.Command == "" {
		c.Worker.Command = d.Worker.Command
		if c.Worker.Args == nil {
			c.Worker.Args = d.Worker.Args
		}
	}
	if c.Worker.MaxTurns == 0 {
		c.Worker.MaxTurns = d.Worker.MaxTurns
	}
	if c.Worker.MaxBudgetUSD == 0 {
		c.Worker.MaxBudgetUSD = d.Worker.MaxBudgetUSD
	}
	if c.KillGraceSeconds == 0 {
		c.KillGraceSeconds = d.KillGraceSeconds
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvWorker); v != "" {
		c.Worker.Command = v
	}
	if v := getenv(EnvMainline); v != "" {
		c.Mainline = v
	}
	if v := getenv(EnvMaxTurns); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return perrors.ConfigInvalid(fmt.Sprintf("%s=%q is not an integer", EnvMaxTurns, v))
		}
		c.Worker.MaxTurns = n
	}
	if v := getenv(EnvMaxBudget); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return perrors.ConfigInvalid(fmt.Sprintf("%s=%q is not a number", EnvMaxBudget, v))
		}
		c.Worker.MaxBudgetUSD = f
	}
	return nil
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return perrors.ConfigInvalid("repo path is empty")
	}
	if strings.ContainsAny(c.BranchPrefix, " ~^:?*[\\") || strings.HasPrefix(c.BranchPrefix, "-") {
		return perrors.ConfigInvalid(fmt.Sprintf("branch prefix %q is not valid in a git ref", c.BranchPrefix))
	}
	if c.Worker.MaxTurns < 1 {
		return perrors.ConfigInvalid("worker.max_turns must be at least 1")
	}
	if c.Worker.MaxBudgetUSD <= 0 {
		return perrors.ConfigInvalid("worker.max_budget_usd must be positive")
	}
	if c.KillGraceSeconds < 0 {
		return perrors.ConfigInvalid("kill_grace_seconds cannot be negative")
	}
	return nil
}

// LogDir is where per-session logs and pid files live.
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LockPath is the advisory lock serializing mainline merges.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "mainline.lock")
}

// Save writes the config file, creating .nightshift/ if needed.
func (c *Config) Save() error {
	fp := Path(c.RepoPath)
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return perrors.E(perrors.Op("config.Save"), perrors.KindConfig, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return perrors.E(perrors.Op("config.Save"), perrors.KindConfig, err)
	}
	if err := os.WriteFile(fp, data, 0o644); err != nil {
		return perrors.E(perrors.Op("config.Save"), perrors.KindConfig, err)
	}
	return nil
}

// Package config loads the daemon's YAML configuration: where the SQLite
// store and worktrees live, the reaper's sweep schedule, and the
// diff-streamer's content budget. Use Load to read from a file or
// DefaultConfig for sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgecrew/attemptkit/internal/logging"
)

// Config is the top-level daemon configuration.
type Config struct {
	Store     *StoreConfig     `yaml:"store"`
	Worktrees *WorktreesConfig `yaml:"worktrees"`
	Reaper    *ReaperConfig    `yaml:"reaper"`
	Diffs     *DiffsConfig     `yaml:"diffs"`
	Logging   *logging.Config  `yaml:"logging"`
}

// StoreConfig points at the SQLite database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WorktreesConfig controls where and how worktrees are materialized.
type WorktreesConfig struct {
	BaseDir      string `yaml:"base_dir"`
	BranchPrefix string `yaml:"branch_prefix"`
}

// ReaperConfig controls the periodic cleanup sweep's schedule and scope.
type ReaperConfig struct {
	// Schedule is a cron expression, e.g. "@every 30m".
	Schedule string `yaml:"schedule"`
	// ExpireAfterHours is the inactivity window after which a non-running
	// attempt's worktree is eligible for reaping.
	ExpireAfterHours int `yaml:"expire_after_hours"`
	// OrphanSweepOnStartup enables the one-shot startup sweep for worktree
	// directories with no matching attempt row.
	OrphanSweepOnStartup bool `yaml:"orphan_sweep_on_startup"`
}

// DiffsConfig holds a per-stream content budget for diff streams. It is
// loaded and validated here, but internal/diffstream does not read it:
// every stream uses the fixed diffstream.ContentBudget (200 MiB).
type DiffsConfig struct {
	ContentBudgetBytes int64 `yaml:"content_budget_bytes"`
}

// DefaultConfig returns the daemon's built-in defaults. Load starts from
// this and overlays whatever the YAML file supplies.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: &StoreConfig{
			Path: filepath.Join(home, ".attemptkit", "attemptkit.db"),
		},
		Worktrees: &WorktreesConfig{
			BaseDir:      filepath.Join(home, ".attemptkit", "worktrees"),
			BranchPrefix: "vk/",
		},
		Reaper: &ReaperConfig{
			Schedule:             "@every 30m",
			ExpireAfterHours:     72,
			OrphanSweepOnStartup: false,
		},
		Diffs: &DiffsConfig{
			ContentBudgetBytes: 200 * 1024 * 1024,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads path, expanding environment variables and leading "~",
// overlaying its values onto DefaultConfig. A missing file is not an
// error: Load returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Store != nil {
		cfg.Store.Path = expandPath(cfg.Store.Path)
	}
	if cfg.Worktrees != nil {
		cfg.Worktrees.BaseDir = expandPath(cfg.Worktrees.BaseDir)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory if
// needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultConfigPath returns ~/.attemptkit/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".attemptkit", "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Store == nil || c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if c.Worktrees == nil || c.Worktrees.BaseDir == "" {
		return fmt.Errorf("config: worktrees.base_dir is required")
	}
	if c.Worktrees.BranchPrefix == "" {
		return fmt.Errorf("config: worktrees.branch_prefix is required")
	}
	if c.Reaper == nil || c.Reaper.Schedule == "" {
		return fmt.Errorf("config: reaper.schedule is required")
	}
	if c.Reaper.ExpireAfterHours <= 0 {
		return fmt.Errorf("config: reaper.expire_after_hours must be positive")
	}
	if c.Diffs == nil || c.Diffs.ContentBudgetBytes <= 0 {
		return fmt.Errorf("config: diffs.content_budget_bytes must be positive")
	}
	return nil
}

// Command attemptkitd runs the task-attempt execution engine daemon: it
// opens the store, wires the worktree manager, git service, supervisor
// and reaper together, and serves until told to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgecrew/attemptkit/internal/config"
	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/reaper"
	"github.com/forgecrew/attemptkit/internal/store"
	"github.com/forgecrew/attemptkit/internal/supervisor"
	"github.com/forgecrew/attemptkit/internal/worktree"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "attemptkitd",
		Short: "Task-attempt execution engine",
		Long:  `attemptkitd materializes git worktrees for task attempts, runs their setup/agent/cleanup scripts, and reaps them when they go stale.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.attemptkit/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newReapCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Logging != nil {
		if err := logging.Init(cfg.Logging); err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
	}
	return cfg, nil
}

// wireDaemon opens the store and constructs the supervisor and reaper a
// serve/reap invocation shares.
func wireDaemon(cfg *config.Config) (*store.Store, *supervisor.Supervisor, *reaper.Reaper, error) {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening store: %w", err)
	}

	wm := worktree.NewManager(cfg.Worktrees.BaseDir)
	git := gitservice.New()
	sup := supervisor.New(s, wm, git, cfg.Worktrees.BranchPrefix)
	r := reaper.New(s, wm, git, cfg.Reaper)

	return s, sup, r, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: schedule the reaper and wait for attempts to execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, _, r, err := wireDaemon(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := r.Start(ctx); err != nil {
				return fmt.Errorf("starting reaper: %w", err)
			}

			log := logging.WithComponent("daemon")
			log.Info("attemptkitd started", "store", cfg.Store.Path, "worktrees", cfg.Worktrees.BaseDir, "reaper_schedule", cfg.Reaper.Schedule)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("shutting down")
			r.Stop()
			return nil
		},
	}
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one reaper sweep immediately and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, _, r, err := wireDaemon(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			r.Sweep(context.Background())
			if cfg.Reaper.OrphanSweepOnStartup {
				r.OrphanSweep(context.Background())
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// store.Open runs every pending migration before returning, so
			// opening and closing is the whole migration step.
			s, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer s.Close()

			fmt.Println("schema up to date:", cfg.Store.Path)
			return nil
		},
	}
}

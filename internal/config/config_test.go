package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	t.Run("Store", func(t *testing.T) {
		if cfg.Store == nil || cfg.Store.Path == "" {
			t.Fatal("Store.Path is empty")
		}
	})

	t.Run("Worktrees", func(t *testing.T) {
		if cfg.Worktrees == nil {
			t.Fatal("Worktrees config is nil")
		}
		if cfg.Worktrees.BranchPrefix != "vk/" {
			t.Errorf("Worktrees.BranchPrefix = %q, want %q", cfg.Worktrees.BranchPrefix, "vk/")
		}
	})

	t.Run("Reaper", func(t *testing.T) {
		if cfg.Reaper == nil {
			t.Fatal("Reaper config is nil")
		}
		if cfg.Reaper.ExpireAfterHours != 72 {
			t.Errorf("Reaper.ExpireAfterHours = %d, want 72", cfg.Reaper.ExpireAfterHours)
		}
	})

	t.Run("Diffs", func(t *testing.T) {
		if cfg.Diffs == nil || cfg.Diffs.ContentBudgetBytes != 200*1024*1024 {
			t.Errorf("Diffs.ContentBudgetBytes = %+v, want 200MiB", cfg.Diffs)
		}
	})

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worktrees.BranchPrefix != "vk/" {
		t.Errorf("expected defaults when file is missing, got %+v", cfg.Worktrees)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte("worktrees:\n  base_dir: /tmp/custom-worktrees\n  branch_prefix: custom/\nreaper:\n  expire_after_hours: 24\n")
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worktrees.BaseDir != "/tmp/custom-worktrees" {
		t.Errorf("Worktrees.BaseDir = %q, want /tmp/custom-worktrees", cfg.Worktrees.BaseDir)
	}
	if cfg.Worktrees.BranchPrefix != "custom/" {
		t.Errorf("Worktrees.BranchPrefix = %q, want custom/", cfg.Worktrees.BranchPrefix)
	}
	if cfg.Reaper.ExpireAfterHours != 24 {
		t.Errorf("Reaper.ExpireAfterHours = %d, want 24", cfg.Reaper.ExpireAfterHours)
	}
	// Unspecified sections keep their defaults.
	if cfg.Diffs.ContentBudgetBytes != 200*1024*1024 {
		t.Errorf("expected Diffs to retain default, got %+v", cfg.Diffs)
	}
}

func TestLoadExpandsHomeDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  path: \"~/custom.db\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.Store.Path != filepath.Join(home, "custom.db") {
		t.Errorf("Store.Path = %q, want expansion of ~/custom.db", cfg.Store.Path)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worktrees.BranchPrefix = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty branch prefix")
	}
}

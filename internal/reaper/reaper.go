// Package reaper runs the periodic worktree-cleanup sweep: attempts whose
// worktree directory vanished underneath the engine, attempts that have
// gone inactive long enough to expire, and (once, at startup) worktree
// directories with no attempt row pointing at them at all. The run-loop
// shape is adapted from the teacher's VersionChecker: a cron-scheduled
// background goroutine with an explicit Start/Stop lifecycle, swapping
// the teacher's bare ticker for a declarative cron.Schedule.
package reaper

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forgecrew/attemptkit/internal/config"
	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/reposolver"
	"github.com/forgecrew/attemptkit/internal/store"
	"github.com/forgecrew/attemptkit/internal/worktree"
)

// Reaper periodically reconciles attempt worktrees against the
// filesystem and reaps inactive ones. It is safe for concurrent use.
type Reaper struct {
	store     *store.Store
	worktrees *worktree.Manager
	git       *gitservice.Service
	cfg       *config.ReaperConfig

	mu        sync.Mutex
	cron      *cron.Cron
	isRunning bool
}

// New returns a Reaper driven by cfg's schedule and expiration window.
func New(s *store.Store, wm *worktree.Manager, git *gitservice.Service, cfg *config.ReaperConfig) *Reaper {
	return &Reaper{store: s, worktrees: wm, git: git, cfg: cfg}
}

// Start schedules the periodic sweep and, if configured, runs the
// one-shot orphan sweep immediately. Calling Start twice is a no-op.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = true
	r.cron = cron.New()
	r.mu.Unlock()

	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.Sweep(ctx) }); err != nil {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
		return err
	}
	r.cron.Start()

	if r.cfg.OrphanSweepOnStartup {
		go r.OrphanSweep(ctx)
	}
	return nil
}

// Stop halts the cron schedule and waits for any in-flight sweep to
// finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.isRunning = false
}

// Sweep runs one external-deletion pass followed by one expiration pass.
// Every failure in either pass is logged and does not abort the rest of
// the sweep: one bad attempt should never stall reaping the others.
func (r *Reaper) Sweep(ctx context.Context) {
	log := logging.WithComponent("reaper")
	if err := r.externalDeletionSweep(ctx); err != nil {
		log.Warn("external-deletion sweep failed", "error", err)
	}
	if err := r.expirationSweep(ctx); err != nil {
		log.Warn("expiration sweep failed", "error", err)
	}
}

// externalDeletionSweep marks an attempt worktree_deleted when its
// primary container_ref no longer exists on disk, e.g. a user deleted it
// by hand outside the engine.
func (r *Reaper) externalDeletionSweep(ctx context.Context) error {
	attempts, err := r.store.ListActiveAttemptsWithContainerRef()
	if err != nil {
		return err
	}
	log := logging.WithComponent("reaper")
	for _, a := range attempts {
		if a.ContainerRef == nil {
			continue
		}
		if _, err := os.Stat(*a.ContainerRef); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			log.Warn("stat failed during external-deletion sweep", "attempt_id", a.ID, "error", err)
			continue
		}
		if err := r.store.MarkWorktreeDeleted(a.ID); err != nil {
			log.Warn("marking externally deleted attempt failed", "attempt_id", a.ID, "error", err)
			continue
		}
		log.Info("attempt worktree deleted externally", "attempt_id", a.ID, "container_ref", *a.ContainerRef)
	}
	return nil
}

// expirationSweep reaps every repository's worktree for attempts that
// have had no activity (no Running process, no update) since
// ExpireAfterHours ago.
func (r *Reaper) expirationSweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(r.cfg.ExpireAfterHours) * time.Hour)
	attempts, err := r.store.ListActiveAttemptsWithoutActivitySince(cutoff)
	if err != nil {
		return err
	}
	log := logging.WithComponent("reaper")
	for _, a := range attempts {
		contexts, err := r.store.ResolveRepositoryContexts(a.ID)
		if err != nil {
			if err == reposolver.ErrNoRepositoriesConfigured {
				continue
			}
			log.Warn("resolving repositories for expiration sweep failed", "attempt_id", a.ID, "error", err)
			continue
		}
		for _, c := range contexts {
			if c.AttemptRepo == nil || c.AttemptRepo.ContainerRef == nil {
				continue
			}
			r.worktrees.CleanupWorktree(ctx, *c.AttemptRepo.ContainerRef, c.ProjectRepo.Path)
		}
		if err := r.store.MarkWorktreeDeleted(a.ID); err != nil {
			log.Warn("marking expired attempt failed", "attempt_id", a.ID, "error", err)
			continue
		}
		log.Info("attempt worktree expired", "attempt_id", a.ID, "expired_after_hours", r.cfg.ExpireAfterHours)
	}
	return nil
}

// OrphanSweep removes worktree directories under the worktree base
// directory that no attempt repository row references. It runs once, at
// daemon startup or from the one-shot reap command, and only when
// configured to — a concurrently-running Create could otherwise race it.
func (r *Reaper) OrphanSweep(ctx context.Context) {
	log := logging.WithComponent("reaper")

	known, err := r.store.ListAllContainerRefs()
	if err != nil {
		log.Warn("orphan sweep: listing known container refs failed", "error", err)
		return
	}
	knownSet := make(map[string]bool, len(known))
	for _, ref := range known {
		knownSet[filepath.Clean(ref)] = true
	}

	base := r.worktrees.GetWorktreeBaseDir()
	entries, err := os.ReadDir(base)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("orphan sweep: reading worktree base directory failed", "base_dir", base, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Clean(filepath.Join(base, entry.Name()))
		if knownSet[path] {
			continue
		}
		log.Info("removing orphaned worktree directory", "path", path)
		r.worktrees.CleanupWorktree(ctx, path, "")
	}
}

package diffstream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/reposolver"
)

const watchDebounce = 150 * time.Millisecond

// watchRepo opens an fsnotify watcher rooted at rc's worktree directory
// and, on each debounced batch of filesystem events, re-diffs the
// changed paths and emits AddDiff/RemoveDiff. The watcher's lifetime is
// tied to ctx: canceling ctx closes the watcher before watchRepo returns,
// so a dropped stream always cleans up its inotify/kqueue handles.
func (s *Streamer) watchRepo(ctx context.Context, rc reposolver.RepositoryContext, baseCommit string, b *budget, opts OpenOptions, ch chan<- Message, known map[string]bool, knownMu *sync.Mutex) {
	log := logging.WithComponent("diffstream")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("failed to create filesystem watcher", "worktree_path", rc.EffectiveWorktreePath, "error", err)
		return
	}
	defer watcher.Close()

	root := filepath.Clean(rc.EffectiveWorktreePath)
	if err := addTreeRecursive(watcher, root); err != nil {
		log.Warn("failed to watch worktree tree", "worktree_path", root, "error", err)
		return
	}

	pending := make(map[string]struct{})
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		pending = make(map[string]struct{})
		s.reconcile(ctx, rc, baseCommit, paths, b, opts, ch, known, knownMu)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					_ = addTreeRecursive(watcher, event.Name)
				}
			}
			rel, relErr := filepath.Rel(root, event.Name)
			if relErr == nil {
				pending[filepath.ToSlash(rel)] = struct{}{}
			}
			timer.Reset(watchDebounce)
		case <-timer.C:
			flush()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("filesystem watcher error", "worktree_path", root, "error", err)
		}
	}
}

func addTreeRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// reconcile re-diffs the set of changed relative paths against baseCommit
// and emits AddDiff for paths that still differ, RemoveDiff for paths
// that no longer do.
func (s *Streamer) reconcile(ctx context.Context, rc reposolver.RepositoryContext, baseCommit string, changedPaths []string, b *budget, opts OpenOptions, ch chan<- Message, known map[string]bool, knownMu *sync.Mutex) {
	diffs, err := s.git.GetDiffs(gitservice.WorktreeDiffTarget{WorktreePath: rc.EffectiveWorktreePath, BaseCommit: baseCommit}, changedPaths)
	if err != nil {
		logging.WithComponent("diffstream").Warn("incremental diff enumeration failed",
			"repository_id", rc.ProjectRepo.ID, "error", err)
		return
	}

	stillDiffed := make(map[string]bool, len(diffs))
	for i := range diffs {
		path := gitservice.DiffPath(diffs[i])
		stillDiffed[path] = true

		knownMu.Lock()
		hadFullContent, wasKnown := known[path]
		knownMu.Unlock()

		omitted := applyContentPolicy(&diffs[i], b, opts.StatsOnly)

		// Avoid oscillating empty patches: if this path was already
		// recorded as content-omitted and it's still omitted, there's
		// nothing new for a subscriber to learn.
		if wasKnown && !hadFullContent && omitted {
			continue
		}

		knownMu.Lock()
		known[path] = !omitted
		knownMu.Unlock()

		if !send(ctx, ch, Message{Kind: PatchAddDiff, RepositoryID: rc.ProjectRepo.ID, Path: path, Diff: &diffs[i]}) {
			return
		}
	}

	for _, path := range changedPaths {
		path = strings.TrimSuffix(path, "/")
		if stillDiffed[path] {
			continue
		}
		knownMu.Lock()
		_, wasKnown := known[path]
		if wasKnown {
			delete(known, path)
		}
		knownMu.Unlock()
		if !wasKnown {
			continue
		}
		if !send(ctx, ch, Message{Kind: PatchRemoveDiff, RepositoryID: rc.ProjectRepo.ID, Path: path}) {
			return
		}
	}
}

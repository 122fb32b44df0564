// Package diffstream implements the hybrid diff stream: an initial
// snapshot of a worktree's changes against its base commit, followed by a
// live fsnotify-debounced tail, or — when an attempt has already been
// merged cleanly — a single static pass over the merge commit's diffs.
// Every open stream enforces its own 200 MiB cumulative content budget so
// one huge diff can't blow out memory for every subscriber at once.
package diffstream

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/forgecrew/attemptkit/internal/gitservice"
	"github.com/forgecrew/attemptkit/internal/logging"
	"github.com/forgecrew/attemptkit/internal/reposolver"
)

// ContentBudget is the per-stream cumulative cap, in bytes, on
// old_content+new_content summed across every diff emitted with content.
const ContentBudget = 200 * 1024 * 1024

// PatchKind discriminates the three message variants a stream emits.
type PatchKind string

const (
	PatchAddDiff    PatchKind = "add_diff"
	PatchRemoveDiff PatchKind = "remove_diff"
	PatchFinished   PatchKind = "finished"
)

// Message is one event on a diff stream.
type Message struct {
	Kind         PatchKind
	RepositoryID uuid.UUID
	Path         string
	Diff         *gitservice.FileDiff
}

// AttemptRef is the minimal attempt state the streamer needs to run its
// decision tree, decoupled from internal/store.
type AttemptRef struct {
	Branch     string
	BaseBranch string
}

// MergeRef describes a completed merge, one commit SHA per repository
// that participated in it.
type MergeRef struct {
	CommitByRepo map[uuid.UUID]string
}

// OpenOptions configures one call to Open.
type OpenOptions struct {
	// RepoFilter, when non-empty, restricts emission to the repository
	// with this ProjectRepo.ID.
	RepoFilter uuid.UUID
	// StatsOnly forces every diff into the content_omitted branch.
	StatsOnly bool
}

func (o OpenOptions) hasFilter() bool {
	return o.RepoFilter != uuid.Nil
}

func (o OpenOptions) repoAllowed(id uuid.UUID) bool {
	return !o.hasFilter() || o.RepoFilter == id
}

// Streamer opens diff streams for attempts using a shared GitService.
type Streamer struct {
	git *gitservice.Service
}

// New returns a Streamer backed by git.
func New(git *gitservice.Service) *Streamer {
	return &Streamer{git: git}
}

// Open starts a diff stream for attempt across the given repository
// contexts (as produced by reposolver.Resolve), optionally scoped to a
// single merge. The returned channel is closed once a Finished message
// has been sent or ctx is canceled; canceling ctx also stops the
// filesystem watcher backing a live-mode stream (RAII: the watcher's
// lifetime is tied 1:1 to the stream's).
func (s *Streamer) Open(ctx context.Context, attempt AttemptRef, contexts []reposolver.RepositoryContext, merge *MergeRef, opts OpenOptions) (<-chan Message, error) {
	if merge != nil {
		static, err := s.tryStaticMode(ctx, attempt, contexts, merge, opts)
		if err != nil {
			return nil, err
		}
		if static != nil {
			return static, nil
		}
	}
	return s.liveMode(ctx, attempt, contexts, opts)
}

// tryStaticMode returns a non-nil channel when the static-merged-mode
// preconditions hold: a Merge record exists, the primary worktree is
// clean, and its branch is not ahead of its base.
func (s *Streamer) tryStaticMode(ctx context.Context, attempt AttemptRef, contexts []reposolver.RepositoryContext, merge *MergeRef, opts OpenOptions) (<-chan Message, error) {
	var primary *reposolver.RepositoryContext
	for i := range contexts {
		if contexts[i].IsPrimary {
			primary = &contexts[i]
			break
		}
	}
	if primary == nil {
		return nil, nil
	}

	clean, err := s.git.IsWorktreeClean(ctx, primary.EffectiveWorktreePath)
	if err != nil || !clean {
		return nil, nil
	}

	status, err := s.git.GetBranchStatus(ctx, primary.ProjectRepo.Path, attempt.Branch, attempt.BaseBranch)
	if err != nil || status.Ahead != 0 {
		return nil, nil
	}

	ch := make(chan Message, 32)
	go func() {
		defer close(ch)
		budget := newBudget()
		for _, rc := range contexts {
			if !opts.repoAllowed(rc.ProjectRepo.ID) {
				continue
			}
			commitSHA, ok := merge.CommitByRepo[rc.ProjectRepo.ID]
			if !ok {
				continue
			}
			diffs, err := s.git.GetDiffs(gitservice.CommitDiffTarget{RepoPath: rc.ProjectRepo.Path, CommitSHA: commitSHA}, nil)
			if err != nil {
				logging.WithComponent("diffstream").Warn("static diff enumeration failed",
					"repository_id", rc.ProjectRepo.ID, "error", err)
				continue
			}
			for i := range diffs {
				applyContentPolicy(&diffs[i], budget, opts.StatsOnly)
				if !send(ctx, ch, Message{Kind: PatchAddDiff, RepositoryID: rc.ProjectRepo.ID, Path: gitservice.DiffPath(diffs[i]), Diff: &diffs[i]}) {
					return
				}
			}
		}
		send(ctx, ch, Message{Kind: PatchFinished})
	}()
	return ch, nil
}

// liveMode runs the snapshot-then-tail path: one full worktree-vs-base
// diff per allowed repository, then a debounced filesystem watcher over
// each repository's worktree feeding incremental AddDiff/RemoveDiff
// events until ctx is canceled.
func (s *Streamer) liveMode(ctx context.Context, attempt AttemptRef, contexts []reposolver.RepositoryContext, opts OpenOptions) (<-chan Message, error) {
	ch := make(chan Message, 64)
	budget := newBudget()

	type repoState struct {
		ctx        reposolver.RepositoryContext
		baseCommit string
		known      map[string]bool // path -> emitted with full content (not omitted)
		knownMu    sync.Mutex
	}

	var states []*repoState
	for _, rc := range contexts {
		if !opts.repoAllowed(rc.ProjectRepo.ID) {
			continue
		}
		baseCommit, err := s.git.GetBaseCommit(ctx, rc.ProjectRepo.Path, attempt.Branch, attempt.BaseBranch)
		if err != nil {
			logging.WithComponent("diffstream").Warn("failed to resolve base commit, skipping repository",
				"repository_id", rc.ProjectRepo.ID, "error", err)
			continue
		}
		states = append(states, &repoState{ctx: rc, baseCommit: baseCommit, known: make(map[string]bool)})
	}

	go func() {
		defer close(ch)

		for _, st := range states {
			diffs, err := s.git.GetDiffs(gitservice.WorktreeDiffTarget{WorktreePath: st.ctx.EffectiveWorktreePath, BaseCommit: st.baseCommit}, nil)
			if err != nil {
				logging.WithComponent("diffstream").Warn("snapshot diff enumeration failed",
					"repository_id", st.ctx.ProjectRepo.ID, "error", err)
				continue
			}
			for i := range diffs {
				path := gitservice.DiffPath(diffs[i])
				omitted := applyContentPolicy(&diffs[i], budget, opts.StatsOnly)
				st.knownMu.Lock()
				st.known[path] = !omitted
				st.knownMu.Unlock()
				if !send(ctx, ch, Message{Kind: PatchAddDiff, RepositoryID: st.ctx.ProjectRepo.ID, Path: path, Diff: &diffs[i]}) {
					return
				}
			}
		}

		if len(states) == 0 {
			send(ctx, ch, Message{Kind: PatchFinished})
			return
		}

		var wg sync.WaitGroup
		for _, st := range states {
			wg.Add(1)
			go func(st *repoState) {
				defer wg.Done()
				s.watchRepo(ctx, st.ctx, st.baseCommit, budget, opts, ch, st.known, &st.knownMu)
			}(st)
		}
		wg.Wait()
		send(ctx, ch, Message{Kind: PatchFinished})
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- Message, msg Message) bool {
	select {
	case ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

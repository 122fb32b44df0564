package diffstream

import (
	"sync"

	"github.com/forgecrew/attemptkit/internal/gitservice"
)

// budget tracks cumulative emitted content bytes for one open stream.
type budget struct {
	mu    sync.Mutex
	used  int64
	limit int64
}

func newBudget() *budget {
	return &budget{limit: ContentBudget}
}

// admit reserves size bytes against the remaining budget, returning
// whether there was room.
func (b *budget) admit(size int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+size > b.limit {
		return false
	}
	b.used += size
	return true
}

// applyContentPolicy enforces the per-stream cumulative-byte policy on
// diff in place: when statsOnly is set, or the budget has no room left
// for this diff's content, old/new content is cleared and
// ContentOmitted is set, while Additions/Deletions (already computed by
// GitService) are left intact. Returns whether content was omitted.
func applyContentPolicy(diff *gitservice.FileDiff, b *budget, statsOnly bool) bool {
	if diff.Binary {
		diff.ContentOmitted = true
		diff.OldContent = ""
		diff.NewContent = ""
		return true
	}

	size := int64(len(diff.OldContent) + len(diff.NewContent))

	if statsOnly || !b.admit(size) {
		diff.ContentOmitted = true
		diff.OldContent = ""
		diff.NewContent = ""
		return true
	}

	diff.ContentOmitted = false
	return false
}

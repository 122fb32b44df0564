// Package namederive implements the pure, deterministic name-derivation
// functions used to turn a task-attempt and its repositories into branch
// names, worktree directory names, repository slugs, and environment
// variable prefixes. Nothing in this package performs I/O: every function
// is a straight string transform so it can be pinned exactly by tests
// without touching git, the filesystem, or the store.
package namederive

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// maxBranchIDLen is the maximum length of a slug produced by GitBranchID.
const maxBranchIDLen = 16

// GitBranchID slugifies arbitrary text into a short, git-ref-safe token:
// lowercase, runs of non-alphanumerics collapsed to a single '-', leading
// and trailing '-' trimmed, truncated to 16 characters, then trailing '-'
// trimmed again (truncation can land mid-run).
func GitBranchID(text string) string {
	lower := strings.ToLower(text)
	collapsed := nonAlnumRun.ReplaceAllString(lower, "-")
	trimmed := strings.Trim(collapsed, "-")
	if len(trimmed) > maxBranchIDLen {
		trimmed = trimmed[:maxBranchIDLen]
	}
	return strings.TrimRight(trimmed, "-")
}

// ShortUUID returns the first 4 hex characters of the simple (unhyphenated)
// form of id.
func ShortUUID(id uuid.UUID) string {
	simple := strings.ReplaceAll(id.String(), "-", "")
	if len(simple) < 4 {
		return simple
	}
	return simple[:4]
}

// NormalizeBranchPrefix trims prefix and, unless empty, ensures it ends in
// a separator character ('/', '-', or '_') by appending '/' when needed.
func NormalizeBranchPrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return ""
	}
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, "-") || strings.HasSuffix(p, "_") {
		return p
	}
	return p + "/"
}

// GitBranchNameWithPrefix builds the branch name for a task attempt:
// <prefix><short(attemptID)>-<slug(taskTitle)>, or, when prefix normalizes
// to empty, just <short(attemptID)>-<slug(taskTitle)>.
func GitBranchNameWithPrefix(prefix string, attemptID uuid.UUID, taskTitle string) string {
	base := ShortUUID(attemptID) + "-" + GitBranchID(taskTitle)
	norm := NormalizeBranchPrefix(prefix)
	if norm == "" {
		return base
	}
	return norm + base
}

// WorktreeDirectoryName returns the base worktree directory name shared by
// every repository in an attempt: <short(attemptID)>-<slug(taskTitle)>.
func WorktreeDirectoryName(attemptID uuid.UUID, taskTitle string) string {
	return ShortUUID(attemptID) + "-" + GitBranchID(taskTitle)
}

// RepoRef is the minimal repository identity needed to derive a slug:
// a name (possibly empty/unsluggable) and a stable ID.
type RepoRef struct {
	ID   uuid.UUID
	Name string
}

// RepoSlug returns <slug(repo.Name)>-<short(repo.ID)>, falling back to a
// "repo-" prefix when the name slugifies to empty (e.g. a name made
// entirely of punctuation).
func RepoSlug(repo RepoRef) string {
	nameSlug := GitBranchID(repo.Name)
	if nameSlug == "" {
		return "repo-" + ShortUUID(repo.ID)
	}
	return nameSlug + "-" + ShortUUID(repo.ID)
}

// WorktreePathForRepo returns the worktree directory path for repo within
// an attempt. The primary repository's worktree lives directly at
// <baseDir>/<worktreeDirName>; every other repository gets its own
// sibling directory suffixed with "--<repoSlug>" so multiple repositories
// in one attempt never collide on disk.
func WorktreePathForRepo(baseDir string, attemptID uuid.UUID, taskTitle string, repo RepoRef, isPrimary bool) string {
	dirName := WorktreeDirectoryName(attemptID, taskTitle)
	if isPrimary {
		return joinPath(baseDir, dirName)
	}
	return joinPath(baseDir, dirName+"--"+RepoSlug(repo))
}

// joinPath joins with '/' rather than filepath.Join so behavior is
// platform-independent and directly testable; callers that need OS
// path semantics should filepath.Clean the result.
func joinPath(base, leaf string) string {
	if base == "" {
		return leaf
	}
	if strings.HasSuffix(base, "/") {
		return base + leaf
	}
	return base + "/" + leaf
}

// RepoEnvPrefix derives the env-var prefix fragment for a repository slug:
// uppercased, '-' replaced with '_', "REPO" as the fallback for an empty
// slug.
func RepoEnvPrefix(slug string) string {
	if slug == "" {
		return "REPO"
	}
	upper := strings.ToUpper(slug)
	return strings.ReplaceAll(upper, "-", "_")
}

// NormalizeRootPath normalizes a user-supplied relative root path within a
// repository: trimmed, leading "./" stripped, leading/trailing '/' and '\'
// trimmed, and a bare "." collapsed to "".
func NormalizeRootPath(input string) string {
	s := strings.TrimSpace(input)
	s = strings.TrimPrefix(s, "./")
	s = strings.Trim(s, `/\`)
	if s == "." {
		return ""
	}
	return s
}

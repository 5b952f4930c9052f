// Package layout resolves a repository's on-disk layout: the repo root
// (walking up to a .git directory or worktree gitlink), the .ixchel/ index
// directory, per-kind entity subdirectories, and id-to-path mapping
// (spec.md §4.2, §6.1).
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ixchel-dev/ixchel/internal/ids"
	"github.com/ixchel-dev/ixchel/internal/ixerr"
)

// IndexDirName is the index directory spec.md §6.1 fixes at ".ixchel".
const IndexDirName = ".ixchel"

// Repo describes a resolved repository and its index directory.
type Repo struct {
	Root     string // absolute path to the directory containing .git
	IndexDir string // Root/.ixchel
}

// FindRoot walks upward from start looking for a .git entry, matching the
// teacher's internal/config.Initialize walk-up-directories pattern. A .git
// *file* (rather than directory) is a git-worktree gitlink whose first line
// is "gitdir: <path>"; when that path exists, the directory holding the
// gitlink is the root (the main repository's root is not used), adapted
// from original_source/helix-decisions/src/git_utils.rs.
func FindRoot(start string) (*Repo, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		info, statErr := os.Stat(gitPath)
		if statErr == nil {
			if info.IsDir() {
				return &Repo{Root: dir, IndexDir: filepath.Join(dir, IndexDirName)}, nil
			}
			if _, ok := resolveWorktreeRoot(gitPath); ok {
				return &Repo{Root: dir, IndexDir: filepath.Join(dir, IndexDirName)}, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ixerr.ErrNotInRepo
		}
		dir = parent
	}
}

// resolveWorktreeRoot reads a ".git" gitlink file and reports whether it
// points at a real worktree gitdir. The directory containing the gitlink
// file is itself a valid repo root for our purposes (it has its own
// working tree); we only need to confirm the link resolves, not rewrite
// Root, since .ixchel/ always lives alongside the worktree's own .git file.
func resolveWorktreeRoot(gitPath string) (string, bool) {
	data, err := os.ReadFile(gitPath)
	if err != nil {
		return "", false
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(gitPath), target)
	}
	if _, err := os.Stat(target); err != nil {
		return "", false
	}
	return target, true
}

// RequireIndex returns ixerr.ErrNotInitialized if the repo has no .ixchel/
// directory yet.
func (r *Repo) RequireIndex() error {
	if _, err := os.Stat(r.IndexDir); err != nil {
		return ixerr.ErrNotInitialized
	}
	return nil
}

// KindDir returns the absolute path of a kind's entity directory.
func (r *Repo) KindDir(kind ids.Kind) string {
	return filepath.Join(r.IndexDir, ids.KindDir(kind))
}

// AllKindDirs returns every known kind's entity directory, in the fixed
// order spec.md §6.1 lists them, for deterministic directory walks (spec.md
// §4.7 step 2 requires lexicographic path order, which callers get by
// sorting file paths collected across these directories).
func (r *Repo) AllKindDirs() []string {
	kinds := []ids.Kind{
		ids.KindDecision, ids.KindIssue, ids.KindIdea, ids.KindReport,
		ids.KindSource, ids.KindCitation, ids.KindAgent, ids.KindSession,
	}
	dirs := make([]string, len(kinds))
	for i, k := range kinds {
		dirs[i] = r.KindDir(k)
	}
	return dirs
}

// EntityPath resolves an id to its expected file path, or ("", false) if
// the id's prefix is unknown (spec.md §4.2).
func (r *Repo) EntityPath(id string) (string, bool) {
	prefix := ids.Prefix(id)
	kind, _, ok := ids.PrefixKind(prefix)
	if !ok {
		return "", false
	}
	return filepath.Join(r.KindDir(kind), id+".md"), true
}

// DataDir and ModelsDir are the subdirectories spec.md §6.1 and §4.9
// exclude from the watcher and from version control.
func (r *Repo) DataDir() string   { return filepath.Join(r.IndexDir, "data") }
func (r *Repo) ModelsDir() string { return filepath.Join(r.IndexDir, "models") }

// RelPath returns path relative to the repo root with forward slashes,
// matching the node property contract in spec.md §3.2 ("file_path
// normalized, forward-slash, relative to repo root").
func (r *Repo) RelPath(path string) (string, error) {
	rel, err := filepath.Rel(r.Root, path)
	if err != nil {
		return "", fmt.Errorf("layout: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

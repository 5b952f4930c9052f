package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ixchel-dev/ixchel/internal/ids"
)

func TestFindRootPlainGit(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	repo, err := FindRoot(sub)
	if err != nil {
		t.Fatal(err)
	}
	if repo.Root != root {
		t.Fatalf("root = %q, want %q", repo.Root, root)
	}
	if repo.IndexDir != filepath.Join(root, IndexDirName) {
		t.Fatalf("index dir = %q", repo.IndexDir)
	}
}

func TestFindRootWorktreeGitlink(t *testing.T) {
	main := t.TempDir()
	gitdir := filepath.Join(main, ".git")
	if err := os.MkdirAll(filepath.Join(gitdir, "worktrees", "feature"), 0o755); err != nil {
		t.Fatal(err)
	}

	wt := t.TempDir()
	linkTarget := filepath.Join(gitdir, "worktrees", "feature")
	if err := os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: "+linkTarget+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	repo, err := FindRoot(wt)
	if err != nil {
		t.Fatal(err)
	}
	if repo.Root != wt {
		t.Fatalf("root = %q, want %q", repo.Root, wt)
	}
}

func TestFindRootNotInRepo(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindRoot(dir); err == nil {
		t.Fatal("expected error outside a git repo")
	}
}

func TestEntityPath(t *testing.T) {
	root := t.TempDir()
	repo := &Repo{Root: root, IndexDir: filepath.Join(root, IndexDirName)}

	path, ok := repo.EntityPath("dec-abc123")
	if !ok {
		t.Fatal("expected ok")
	}
	want := filepath.Join(root, IndexDirName, "decisions", "dec-abc123.md")
	if path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}

	if _, ok := repo.EntityPath("zzz-abc123"); ok {
		t.Fatal("expected unknown prefix to be rejected")
	}
}

func TestAllKindDirsCount(t *testing.T) {
	repo := &Repo{Root: "/r", IndexDir: "/r/.ixchel"}
	dirs := repo.AllKindDirs()
	if len(dirs) != 8 {
		t.Fatalf("expected 8 kind dirs, got %d", len(dirs))
	}
}

func TestRelPath(t *testing.T) {
	repo := &Repo{Root: "/r", IndexDir: "/r/.ixchel"}
	rel, err := repo.RelPath("/r/.ixchel/decisions/" + ids.KindPrefix(ids.KindDecision) + "-abc.md")
	if err != nil {
		t.Fatal(err)
	}
	if rel == "" {
		t.Fatal("expected non-empty relative path")
	}
}

package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ixchel-dev/ixchel/internal/layout"
)

func writeEntity(t *testing.T, repoRoot, kindDir, filename, body string) {
	t.Helper()
	dir := filepath.Join(repoRoot, layout.IndexDirName, kindDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func setupRepo(t *testing.T) *layout.Repo {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	repo, err := layout.FindRoot(root)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

const goodDecision = `---
id: dec-abc123
type: decision
title: Use bbolt for storage
created_at: 2026-01-01T00:00:00Z
updated_at: 2026-01-02T00:00:00Z
tags:
  - storage
---

Body text.
`

func TestRunCleanRepo(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-abc123.md", goodDecision)

	issues, err := Run(repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestRunDetectsFilenameMismatch(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "wrong-name.md", goodDecision)

	issues, err := Run(repo)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, i := range issues {
		if i.Message == `id "dec-abc123" does not match filename stem "wrong-name"` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected filename mismatch issue, got %+v", issues)
	}
}

func TestRunDetectsWrongDirectory(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "issues", "dec-abc123.md", goodDecision)

	issues, err := Run(repo)
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) == 0 {
		t.Fatal("expected kind/directory mismatch issue")
	}
}

func TestRunDetectsDanglingRelationship(t *testing.T) {
	repo := setupRepo(t)
	const doc = `---
id: dec-abc123
type: decision
title: Depends on a missing decision
created_at: 2026-01-01T00:00:00Z
updated_at: 2026-01-01T00:00:00Z
supersedes: dec-ffffff
---

Body.
`
	writeEntity(t, repo.Root, "decisions", "dec-abc123.md", doc)

	issues, err := Run(repo)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, i := range issues {
		if i.Message == `relationship "Supersedes" targets "dec-ffffff", which does not exist` {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dangling relationship issue, got %+v", issues)
	}
}

func TestRunDetectsDuplicateID(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-abc123.md", goodDecision)
	writeEntity(t, repo.Root, "decisions", "dec-abc123-copy.md", goodDecision)

	issues, err := Run(repo)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, i := range issues {
		if i.Message != "" && i.Path != "" && filepath.Ext(i.Path) == ".md" {
			if len(i.Suggestion) > 0 && i.Suggestion == "ids must be unique across the repository" {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected duplicate id issue, got %+v", issues)
	}
}

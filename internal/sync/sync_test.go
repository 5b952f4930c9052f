package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ixchel-dev/ixchel/internal/embedding"
	"github.com/ixchel-dev/ixchel/internal/ids"
	"github.com/ixchel-dev/ixchel/internal/layout"
	"github.com/ixchel-dev/ixchel/internal/store"
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

func newOrchestrator(t *testing.T, dim int) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"), dim)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &Orchestrator{
		Store:          s,
		Embedder:       embedding.NewHashEmbedder(dim),
		IndexerVersion: "test-v1",
		BatchSize:      8,
	}, s
}

const decisionA = `---
id: dec-aaaaaa
type: decision
title: Use bbolt for storage
created_at: 2026-01-01T00:00:00Z
updated_at: 2026-01-01T00:00:00Z
tags:
  - storage
---

We picked bbolt because it is embeddable and transactional.
`

const decisionB = `---
id: dec-bbbbbb
type: decision
title: Supersede the storage decision
created_at: 2026-01-02T00:00:00Z
updated_at: 2026-01-02T00:00:00Z
supersedes: dec-aaaaaa
---

Switching approaches.
`

func TestRunInsertsNewEntities(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, _ := newOrchestrator(t, 32)

	stats, err := o.Run(context.Background(), repo, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != 1 || stats.Added != 1 || stats.Modified != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunSecondPassSkipsUnchanged(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, _ := newOrchestrator(t, 32)

	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}
	stats, err := o.Run(context.Background(), repo, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Unchanged != 1 || stats.Added != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunDetectsModification(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, _ := newOrchestrator(t, 32)
	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	const edited = `---
id: dec-aaaaaa
type: decision
title: Use bbolt for storage (revised)
created_at: 2026-01-01T00:00:00Z
updated_at: 2026-01-03T00:00:00Z
tags:
  - storage
---

Revised rationale.
`
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", edited)

	stats, err := o.Run(context.Background(), repo, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Modified != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunDeletesRemovedEntity(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, _ := newOrchestrator(t, 32)
	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(repo.Root, layout.IndexDirName, "decisions", "dec-aaaaaa.md")); err != nil {
		t.Fatal(err)
	}

	stats, err := o.Run(context.Background(), repo, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunBuildsSupersedesEdge(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	writeEntity(t, repo.Root, "decisions", "dec-bbbbbb.md", decisionB)
	o, s := newOrchestrator(t, 32)

	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	err := s.View(func(tx *store.Txn) error {
		n, err := tx.RequireID("dec-bbbbbb")
		if err != nil {
			return err
		}
		neighbors, err := tx.OutgoingNeighbors(n.ID, "SUPERSEDES")
		if err != nil {
			return err
		}
		if len(neighbors) != 1 {
			t.Fatalf("expected one SUPERSEDES neighbor, got %d", len(neighbors))
		}
		target, ok, err := tx.GetNode(neighbors[0])
		if err != nil {
			return err
		}
		if !ok || target.Properties["id"] != "dec-aaaaaa" {
			t.Fatalf("unexpected supersedes target: %+v", target)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunForceRebuildsFromScratch(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, _ := newOrchestrator(t, 32)
	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	stats, err := o.Run(context.Background(), repo, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Added != 1 || stats.Unchanged != 0 {
		t.Fatalf("expected force rebuild to treat the entity as a fresh insert, got %+v", stats)
	}
}

// TestRunRenameRecoveryPreservesNodeAndIncomingEdges exercises spec.md
// §4.7 step 4's rename recovery: a stale manifest entry whose content_hash
// matches an otherwise-unmatched new file is reassigned rather than
// deleted-and-reinserted, so its node_id/vector_id and any edges other
// entities hold incoming to it survive (Testable Property 5).
func TestRunRenameRecoveryPreservesNodeAndIncomingEdges(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, s := newOrchestrator(t, 32)
	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	const renamedBody = `---
id: dec-cccccc
type: decision
title: Renamed decision
created_at: 2026-01-05T00:00:00Z
updated_at: 2026-01-05T00:00:00Z
---

Renamed content.
`
	renamedHash := ids.ContentHash([]byte(renamedBody))

	// Seed a stale manifest entry + node + vector under an old id whose
	// content_hash matches the file about to be synced under a new id, and
	// an edge from dec-aaaaaa pointing at that old node_id — the edge the
	// rename must preserve.
	var staleNodeID, staleVectorID uint64
	err := s.Update(func(tx *store.Txn) error {
		var err error
		staleNodeID, err = tx.NextNodeID()
		if err != nil {
			return err
		}
		staleVectorID, err = tx.NextVectorID()
		if err != nil {
			return err
		}
		if err := tx.VectorInsert(staleVectorID, make([]float32, 32)); err != nil {
			return err
		}
		if err := tx.PutNode(store.Node{
			ID:    staleNodeID,
			Label: "ENTITY",
			Properties: map[string]string{
				"id":           "dec-dddddd",
				"kind":         "decision",
				"title":        "Original decision",
				"content_hash": renamedHash,
			},
		}); err != nil {
			return err
		}
		if err := tx.PutSecondary("id", "dec-dddddd", staleNodeID); err != nil {
			return err
		}
		if err := tx.PutSecondary("vector_id", fmt.Sprint(staleVectorID), staleNodeID); err != nil {
			return err
		}
		if err := tx.PutManifestEntry(store.ManifestEntry{
			EntityID:           "dec-dddddd",
			FilePath:           "index/decisions/dec-dddddd.md",
			ContentHash:        renamedHash,
			NodeID:             staleNodeID,
			VectorID:           staleVectorID,
			EmbeddingModelName: o.Embedder.ModelName(),
			IndexerVersion:     o.IndexerVersion,
		}); err != nil {
			return err
		}
		aNode, err := tx.RequireID("dec-aaaaaa")
		if err != nil {
			return err
		}
		edgeID, err := tx.NextEdgeID()
		if err != nil {
			return err
		}
		return tx.PutEdge(store.Edge{ID: edgeID, Label: "SUPERSEDES", From: aNode.ID, To: staleNodeID})
	})
	if err != nil {
		t.Fatal(err)
	}

	writeEntity(t, repo.Root, "decisions", "dec-cccccc.md", renamedBody)

	stats, err := o.Run(context.Background(), repo, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Renamed != 1 || stats.Added != 0 || stats.Deleted != 0 {
		t.Fatalf("stats = %+v, want exactly one rename and no adds/deletes", stats)
	}

	err = s.View(func(tx *store.Txn) error {
		n, ok, err := tx.GetNode(staleNodeID)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("renamed node_id was deleted, want it reused in place")
		}
		if n.Properties["id"] != "dec-cccccc" {
			t.Fatalf("node properties = %+v, want id dec-cccccc", n.Properties)
		}

		resolved, ok, err := tx.LookupSecondary("id", "dec-cccccc")
		if err != nil {
			return err
		}
		if !ok || resolved != staleNodeID {
			t.Fatalf("id index for dec-cccccc resolves to %d (ok=%v), want %d", resolved, ok, staleNodeID)
		}
		if _, ok, err := tx.LookupSecondary("id", "dec-dddddd"); err != nil {
			return err
		} else if ok {
			t.Fatal("stale id index entry for dec-dddddd was not cleaned up")
		}

		aNode, err := tx.RequireID("dec-aaaaaa")
		if err != nil {
			return err
		}
		in, err := tx.IncomingNeighbors(staleNodeID, "SUPERSEDES")
		if err != nil {
			return err
		}
		if len(in) != 1 || in[0] != aNode.ID {
			t.Fatalf("incoming SUPERSEDES neighbors of the reused node = %v, want [%d]", in, aNode.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestRunWritesMentionsEdgesFromBodyLinks covers SPEC_FULL.md §3: a body
// wiki-link to another entity becomes a MENTIONS edge, distinct from
// frontmatter-declared relationships.
func TestRunWritesMentionsEdgesFromBodyLinks(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)

	const mentioning = `---
id: dec-eeeeee
type: decision
title: References the storage decision
created_at: 2026-01-06T00:00:00Z
updated_at: 2026-01-06T00:00:00Z
---

See [[dec-aaaaaa]] for background.
`
	writeEntity(t, repo.Root, "decisions", "dec-eeeeee.md", mentioning)

	o, s := newOrchestrator(t, 32)
	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	err := s.View(func(tx *store.Txn) error {
		n, err := tx.RequireID("dec-eeeeee")
		if err != nil {
			return err
		}
		neighbors, err := tx.OutgoingNeighbors(n.ID, "MENTIONS")
		if err != nil {
			return err
		}
		if len(neighbors) != 1 {
			t.Fatalf("expected one MENTIONS neighbor, got %d", len(neighbors))
		}
		target, ok, err := tx.GetNode(neighbors[0])
		if err != nil {
			return err
		}
		if !ok || target.Properties["id"] != "dec-aaaaaa" {
			t.Fatalf("unexpected MENTIONS target: %+v", target)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunReembedsOnIndexerVersionBump(t *testing.T) {
	repo := setupRepo(t)
	writeEntity(t, repo.Root, "decisions", "dec-aaaaaa.md", decisionA)
	o, _ := newOrchestrator(t, 32)
	if _, err := o.Run(context.Background(), repo, false); err != nil {
		t.Fatal(err)
	}

	o.IndexerVersion = "test-v2"
	stats, err := o.Run(context.Background(), repo, false)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Reembedded != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

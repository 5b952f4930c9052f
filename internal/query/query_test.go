package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ixchel-dev/ixchel/internal/embedding"
	"github.com/ixchel-dev/ixchel/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"), 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putEntity(t *testing.T, s *store.Store, id, kind, title string, vec []float32) uint64 {
	t.Helper()
	var nodeID uint64
	err := s.Update(func(tx *store.Txn) error {
		var err error
		nodeID, err = tx.NextNodeID()
		if err != nil {
			return err
		}
		vectorID, err := tx.NextVectorID()
		if err != nil {
			return err
		}
		if err := tx.VectorInsert(vectorID, vec); err != nil {
			return err
		}
		if err := tx.PutNode(store.Node{
			ID:    nodeID,
			Label: "ENTITY",
			Properties: map[string]string{
				"id":         id,
				"kind":       kind,
				"title":      title,
				"updated_at": time.Now().UTC().Format(time.RFC3339),
				"tags":       "alpha,beta",
			},
		}); err != nil {
			return err
		}
		return tx.PutSecondary("vector_id", fmtUint(vectorID), nodeID)
	})
	if err != nil {
		t.Fatal(err)
	}
	return nodeID
}

func putEntityWithDate(t *testing.T, s *store.Store, id, kind, title, date string, vec []float32) uint64 {
	t.Helper()
	var nodeID uint64
	err := s.Update(func(tx *store.Txn) error {
		var err error
		nodeID, err = tx.NextNodeID()
		if err != nil {
			return err
		}
		vectorID, err := tx.NextVectorID()
		if err != nil {
			return err
		}
		if err := tx.VectorInsert(vectorID, vec); err != nil {
			return err
		}
		if err := tx.PutNode(store.Node{
			ID:    nodeID,
			Label: "ENTITY",
			Properties: map[string]string{
				"id":         id,
				"kind":       kind,
				"title":      title,
				"date":       date,
				"updated_at": time.Now().UTC().Format(time.RFC3339),
				"tags":       "alpha,beta",
			},
		}); err != nil {
			return err
		}
		return tx.PutSecondary("vector_id", fmtUint(vectorID), nodeID)
	})
	if err != nil {
		t.Fatal(err)
	}
	return nodeID
}

func fmtUint(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func putEdge(t *testing.T, s *store.Store, from, to uint64, label string) {
	t.Helper()
	err := s.Update(func(tx *store.Txn) error {
		edgeID, err := tx.NextEdgeID()
		if err != nil {
			return err
		}
		return tx.PutEdge(store.Edge{ID: edgeID, Label: label, From: from, To: to})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOutgoingIncomingNeighbors(t *testing.T) {
	s := openTestStore(t)
	a := putEntity(t, s, "dec-1", "decision", "Original", []float32{1, 0, 0, 0})
	b := putEntity(t, s, "dec-2", "decision", "Replacement", []float32{0, 1, 0, 0})
	putEdge(t, s, b, a, "SUPERSEDES")

	eng := New(s, embedding.NewHashEmbedder(4))
	out, err := eng.Outgoing("dec-2", "SUPERSEDES")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"dec-1"}, out); diff != "" {
		t.Fatalf("Outgoing() mismatch (-want +got):\n%s", diff)
	}

	in, err := eng.Incoming("dec-1", "SUPERSEDES")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"dec-2"}, in); diff != "" {
		t.Fatalf("Incoming() mismatch (-want +got):\n%s", diff)
	}
}

func TestChainFollowsLatestSupersedes(t *testing.T) {
	s := openTestStore(t)
	a := putEntity(t, s, "dec-1", "decision", "v1", []float32{1, 0, 0, 0})
	b := putEntity(t, s, "dec-2", "decision", "v2", []float32{0, 1, 0, 0})
	putEdge(t, s, b, a, "SUPERSEDES")

	eng := New(s, embedding.NewHashEmbedder(4))
	chain, err := eng.Chain("dec-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].ID != "dec-1" || chain[1].ID != "dec-2" {
		t.Fatalf("chain = %+v", chain)
	}
	if chain[0].IsCurrent || !chain[1].IsCurrent {
		t.Fatalf("chain = %+v, want only the last element current", chain)
	}
}

// TestChainTieBreaksOnDateThenNumericID uses spec.md's S4 ids and dates,
// with v2, v3 and a decoy all superseding v1: the latest date picks the
// next link, and when two incoming SUPERSEDES candidates share that date,
// the one with the higher numeric id wins.
func TestChainTieBreaksOnDateThenNumericID(t *testing.T) {
	s := openTestStore(t)
	v1 := putEntityWithDate(t, s, "dec-000001", "decision", "v1", "2024-01-01", []float32{1, 0, 0, 0})
	v2 := putEntityWithDate(t, s, "dec-000002", "decision", "v2", "2024-02-01", []float32{0, 1, 0, 0})
	v3 := putEntityWithDate(t, s, "dec-000003", "decision", "v3", "2024-03-01", []float32{0, 0, 1, 0})
	// A decoy sharing v3's date but a lower numeric id must lose the tie.
	decoy := putEntityWithDate(t, s, "dec-000000", "decision", "decoy", "2024-03-01", []float32{0, 0, 0, 1})
	putEdge(t, s, v2, v1, "SUPERSEDES")
	putEdge(t, s, v3, v1, "SUPERSEDES")
	putEdge(t, s, decoy, v1, "SUPERSEDES")

	eng := New(s, embedding.NewHashEmbedder(4))
	chain, err := eng.Chain("dec-000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].ID != "dec-000001" || chain[1].ID != "dec-000003" {
		t.Fatalf("chain = %+v, want [dec-000001 dec-000003]", chain)
	}
	if chain[0].IsCurrent || !chain[1].IsCurrent {
		t.Fatalf("chain = %+v, want only dec-000003 current", chain)
	}
}

func TestDescendantsBFSBoundedByDepth(t *testing.T) {
	s := openTestStore(t)
	root := putEntity(t, s, "dec-1", "decision", "root", []float32{1, 0, 0, 0})
	child := putEntity(t, s, "dec-2", "decision", "child", []float32{0, 1, 0, 0})
	grandchild := putEntity(t, s, "dec-3", "decision", "grandchild", []float32{0, 0, 1, 0})
	putEdge(t, s, root, child, "PARENT_OF")
	putEdge(t, s, child, grandchild, "PARENT_OF")

	eng := New(s, embedding.NewHashEmbedder(4))
	visited, err := eng.Descendants("dec-1", "PARENT_OF", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(visited) != 1 || visited[0].ID != "dec-2" {
		t.Fatalf("visited = %+v, want only depth-1 child", visited)
	}
}

func TestCollectTags(t *testing.T) {
	s := openTestStore(t)
	putEntity(t, s, "dec-1", "decision", "first", []float32{1, 0, 0, 0})

	eng := New(s, embedding.NewHashEmbedder(4))
	tags, err := eng.CollectTags("")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags["alpha"]) != 1 || tags["alpha"][0] != "dec-1" {
		t.Fatalf("tags = %+v", tags)
	}
}

func TestSearchEndToEnd(t *testing.T) {
	s := openTestStore(t)
	embedder := embedding.NewHashEmbedder(32)
	vecs, err := embedder.EmbedBatch(context.Background(), []string{"decision about storage", "decision about networking"})
	if err != nil {
		t.Fatal(err)
	}
	putEntity(t, s, "dec-1", "decision", "decision about storage", vecs[0])
	putEntity(t, s, "dec-2", "decision", "decision about networking", vecs[1])

	eng := New(s, embedder)
	hits, err := eng.Search(context.Background(), "decision about storage", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "dec-1" {
		t.Fatalf("hits = %+v", hits)
	}
}

package manifest

import (
	"testing"
	"time"

	"github.com/ixchel-dev/ixchel/internal/store"
)

func TestClassifyInsert(t *testing.T) {
	obs := Observation{EntityID: "dec-1", ContentHash: "aaa"}
	if got := Classify(obs, store.ManifestEntry{}, false); got != Insert {
		t.Fatalf("got %s, want insert", got)
	}
}

func TestClassifySkip(t *testing.T) {
	obs := Observation{ContentHash: "aaa", EmbeddingModelName: "m1", IndexerVersion: "v1.0.0"}
	prior := store.ManifestEntry{ContentHash: "aaa", EmbeddingModelName: "m1", IndexerVersion: "v1.0.0"}
	if got := Classify(obs, prior, true); got != Skip {
		t.Fatalf("got %s, want skip", got)
	}
}

func TestClassifyUpdate(t *testing.T) {
	obs := Observation{ContentHash: "bbb", EmbeddingModelName: "m1", IndexerVersion: "v1.0.0"}
	prior := store.ManifestEntry{ContentHash: "aaa", EmbeddingModelName: "m1", IndexerVersion: "v1.0.0"}
	if got := Classify(obs, prior, true); got != Update {
		t.Fatalf("got %s, want update", got)
	}
}

func TestClassifyReembedOnModelChange(t *testing.T) {
	obs := Observation{ContentHash: "aaa", EmbeddingModelName: "m2", IndexerVersion: "v1.0.0"}
	prior := store.ManifestEntry{ContentHash: "aaa", EmbeddingModelName: "m1", IndexerVersion: "v1.0.0"}
	if got := Classify(obs, prior, true); got != Reembed {
		t.Fatalf("got %s, want reembed", got)
	}
}

func TestClassifyReembedOnIndexerVersionBump(t *testing.T) {
	obs := Observation{ContentHash: "aaa", EmbeddingModelName: "m1", IndexerVersion: "v1.1.0"}
	prior := store.ManifestEntry{ContentHash: "aaa", EmbeddingModelName: "m1", IndexerVersion: "v1.0.0"}
	if got := Classify(obs, prior, true); got != Reembed {
		t.Fatalf("got %s, want reembed", got)
	}
}

func TestDetectRenamesUniqueMatch(t *testing.T) {
	stale := []store.ManifestEntry{
		{EntityID: "dec-1", FilePath: "decisions/dec-1.md", ContentHash: "hash-a"},
	}
	fresh := []Observation{
		{EntityID: "dec-1", FilePath: "decisions/renamed.md", ContentHash: "hash-a"},
	}
	got := DetectRenames(stale, fresh)
	if len(got) != 1 || got[0].New.FilePath != "decisions/renamed.md" {
		t.Fatalf("got %+v", got)
	}
}

func TestDetectRenamesAmbiguousHashSkipped(t *testing.T) {
	stale := []store.ManifestEntry{
		{EntityID: "dec-1", ContentHash: "dup"},
		{EntityID: "dec-2", ContentHash: "dup"},
	}
	fresh := []Observation{
		{EntityID: "dec-3", ContentHash: "dup"},
	}
	got := DetectRenames(stale, fresh)
	if len(got) != 0 {
		t.Fatalf("expected no renames recovered for ambiguous hash, got %+v", got)
	}
}

func TestToEntryRoundTrip(t *testing.T) {
	obs := Observation{
		EntityID:           "dec-1",
		FilePath:           "decisions/dec-1.md",
		ContentHash:        "hash-a",
		Mtime:              time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Size:               42,
		EmbeddingModelName: "m1",
		IndexerVersion:     "v1.0.0",
	}
	entry := ToEntry(obs, 7, 9)
	if entry.NodeID != 7 || entry.VectorID != 9 || entry.EntityID != "dec-1" {
		t.Fatalf("entry = %+v", entry)
	}
}

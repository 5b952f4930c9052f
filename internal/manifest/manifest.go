// Package manifest implements the content-hash-based delta decision table
// and rename recovery spec.md §4.7 describes. It is pure classification
// logic over store.ManifestEntry records; the manifest bucket itself lives
// in internal/store so that manifest writes commit in the same transaction
// as the graph/vector writes they describe (spec.md §3.3).
package manifest

import (
	"time"

	"golang.org/x/mod/semver"

	"github.com/ixchel-dev/ixchel/internal/store"
)

// Decision is the outcome of classifying one on-disk file against its
// manifest entry, per spec.md §4.7's table.
type Decision int

const (
	// Insert means no manifest entry exists for this entity yet.
	Insert Decision = iota
	// Skip means the entry is unchanged: same hash, model, and indexer version.
	Skip
	// Update means the content hash differs but the embedding is still valid.
	Update
	// Reembed means the embedding model or indexer version changed, so the
	// vector must be recomputed even if the hash is unchanged.
	Reembed
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Skip:
		return "skip"
	case Update:
		return "update"
	case Reembed:
		return "reembed"
	default:
		return "unknown"
	}
}

// Observation is what a sync pass has freshly computed for one file on
// disk, to be compared against its prior manifest entry (if any).
type Observation struct {
	EntityID           string
	FilePath           string
	ContentHash        string
	Mtime              time.Time
	Size               int64
	EmbeddingModelName string
	IndexerVersion     string
}

// Classify compares a fresh Observation against the existing manifest entry
// (ok == false if this entity has never been seen) and returns the
// decision spec.md §4.7's table specifies. semver-formatted version
// strings (prefixed "v") compare via golang.org/x/mod/semver; anything
// else falls back to exact string equality, since an indexer_version of
// "dev" or similar has no total order.
func Classify(obs Observation, prior store.ManifestEntry, ok bool) Decision {
	if !ok {
		return Insert
	}
	if obs.ContentHash == prior.ContentHash &&
		versionsEqual(obs.EmbeddingModelName, prior.EmbeddingModelName) &&
		versionsEqual(obs.IndexerVersion, prior.IndexerVersion) {
		return Skip
	}
	if !versionsEqual(obs.EmbeddingModelName, prior.EmbeddingModelName) ||
		!versionsEqual(obs.IndexerVersion, prior.IndexerVersion) {
		return Reembed
	}
	return Update
}

func versionsEqual(a, b string) bool {
	if a == b {
		return true
	}
	if semver.IsValid(a) && semver.IsValid(b) {
		return semver.Compare(a, b) == 0
	}
	return false
}

// RenameCandidate pairs a new, unmatched file observation with the stale
// manifest entry whose id no longer exists on disk.
type RenameCandidate struct {
	Stale store.ManifestEntry
	New   Observation
}

// DetectRenames implements spec.md §4.7 step 4: among manifest entries
// whose entity id was not touched during this sync pass, look for a new
// file (one not matched to any existing entity id) whose content hash
// equals the stale entry's hash. A conservative match only: if the same
// hash is shared by more than one untouched stale entry or more than one
// unmatched new file, none of them are recovered, per spec.md §4.7's open
// question about content-hash collisions across distinct ids — ambiguity
// is never resolved by guessing.
func DetectRenames(staleEntries []store.ManifestEntry, unmatchedNew []Observation) []RenameCandidate {
	staleByHash := make(map[string][]store.ManifestEntry)
	for _, e := range staleEntries {
		staleByHash[e.ContentHash] = append(staleByHash[e.ContentHash], e)
	}
	newByHash := make(map[string][]Observation)
	for _, o := range unmatchedNew {
		newByHash[o.ContentHash] = append(newByHash[o.ContentHash], o)
	}

	var out []RenameCandidate
	for hash, stales := range staleByHash {
		news := newByHash[hash]
		if len(stales) == 1 && len(news) == 1 {
			out = append(out, RenameCandidate{Stale: stales[0], New: news[0]})
		}
	}
	return out
}

// ToEntry builds a fresh store.ManifestEntry from an Observation and the
// node/vector ids a sync pass assigned to it.
func ToEntry(obs Observation, nodeID, vectorID uint64) store.ManifestEntry {
	return store.ManifestEntry{
		EntityID:           obs.EntityID,
		FilePath:           obs.FilePath,
		ContentHash:        obs.ContentHash,
		Mtime:              obs.Mtime,
		Size:               obs.Size,
		NodeID:             nodeID,
		VectorID:           vectorID,
		EmbeddingModelName: obs.EmbeddingModelName,
		IndexerVersion:     obs.IndexerVersion,
	}
}

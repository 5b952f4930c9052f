// Package store implements ixchel's embedded hybrid graph+vector store
// (spec.md §4.5): a labeled property graph (nodes, directed labeled edges,
// secondary indices) and an HNSW vector index, backed by a single bbolt
// database so every write lands in one ACID transaction. Node and edge ids
// are 64-bit (bbolt's native sequence width) rather than spec.md's u128 —
// Go has no native 128-bit integer and bbolt's own NextSequence is 64-bit,
// so this is the idiomatic width for the backing store (SPEC_FULL.md §4).
package store

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for the five logical databases spec.md §4.5 describes, plus
// a meta bucket for bookkeeping.
var (
	bucketNodes      = []byte("nodes")
	bucketEdges      = []byte("edges")
	bucketOutEdges   = []byte("out_edges")
	bucketInEdges    = []byte("in_edges")
	bucketSecondary  = []byte("secondary_indices")
	bucketVectors    = []byte("vectors")
	bucketManifest   = []byte("manifest")
	bucketMeta       = []byte("meta")
)

// Node is a graph node. Label is always "ENTITY" for this system (spec.md
// §3.2); Properties holds the fixed property set spec.md §3.2 names,
// serialized as strings (tags as one comma-separated string).
type Node struct {
	ID         uint64
	Label      string
	Version    uint64
	Properties map[string]string
}

// Edge is a directed labeled edge between two nodes.
type Edge struct {
	ID      uint64
	Label   string
	From    uint64
	To      uint64
	Version uint64
}

// ManifestEntry is the sync manifest record for one entity (spec.md §3.3).
type ManifestEntry struct {
	EntityID           string
	FilePath           string
	ContentHash        string
	Mtime              time.Time
	Size               int64
	NodeID             uint64
	VectorID           uint64
	EmbeddingModelName string
	IndexerVersion     string
}

// SecondaryIndices is the set of indices every store opens, matching
// spec.md §3.2's required indices plus the kind index SPEC_FULL queries
// lean on for tag/kind scans.
var SecondaryIndices = []string{"id", "vector_id", "kind"}

// Store wraps a single bbolt environment. Exactly one write transaction can
// be open at a time; bbolt enforces this natively (Update blocks until the
// previous writer commits), which is what gives spec.md §5's "at most one
// write transaction per store environment" guarantee for free within a
// process. Cross-process exclusion (only one daemon per repo) is handled
// one layer up, by internal/queue's flock-based lock.
type Store struct {
	db      *bbolt.DB
	vectors *vectorIndex
}

// Open creates or opens the store at path, creating all required buckets,
// and rebuilds the HNSW index from persisted vectors (spec.md §4.5's
// vector_id invariant: every node with a vector_id has a matching vector
// entry).
func Open(path string, dim int) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketEdges, bucketOutEdges, bucketInEdges, bucketVectors, bucketManifest, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		sec, err := tx.CreateBucketIfNotExists(bucketSecondary)
		if err != nil {
			return err
		}
		for _, idx := range SecondaryIndices {
			if _, err := sec.CreateBucketIfNotExists([]byte(idx)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: initializing buckets: %w", err)
	}

	vi := newVectorIndex(dim)
	if err := vi.loadFrom(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: rebuilding vector index: %w", err)
	}

	return &Store{db: db, vectors: vi}, nil
}

// Close releases the underlying bbolt environment.
func (s *Store) Close() error {
	return s.db.Close()
}

// Wipe truncates all five logical databases and the in-memory HNSW index,
// used by a force rebuild (spec.md §4.7).
func (s *Store) Wipe() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketNodes, bucketEdges, bucketOutEdges, bucketInEdges, bucketVectors, bucketManifest, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		if err := tx.DeleteBucket(bucketSecondary); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		sec, err := tx.CreateBucket(bucketSecondary)
		if err != nil {
			return err
		}
		for _, idx := range SecondaryIndices {
			if _, err := sec.CreateBucketIfNotExists([]byte(idx)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: wipe: %w", err)
	}
	s.vectors.reset()
	return nil
}

// labelHash is a 4-byte hash of the uppercased edge label, per spec.md §4.5.
func labelHash(label string) [4]byte {
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(label)))
	sum := h.Sum32()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// adjacencyKey builds the 12-byte "node_id || label_hash" composite key
// spec.md §4.5 defines for out_edges_db/in_edges_db.
func adjacencyKey(nodeID uint64, label string) []byte {
	lh := labelHash(label)
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[:8], nodeID)
	copy(key[8:], lh[:])
	return key
}

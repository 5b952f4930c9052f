package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"
	"go.etcd.io/bbolt"
)

// vectorIndex wraps an in-memory HNSW graph (github.com/coder/hnsw) keyed
// by the store's uint64 vector ids, persisted to the vectors bucket so it
// can be rebuilt on Open without re-embedding anything (spec.md §4.5).
type vectorIndex struct {
	mu   sync.RWMutex
	dim  int
	g    *hnsw.Graph[uint64]
}

func newVectorIndex(dim int) *vectorIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	return &vectorIndex{dim: dim, g: g}
}

func (vi *vectorIndex) reset() {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	vi.g = g
}

// loadFrom rebuilds the HNSW graph from every entry in the vectors bucket.
func (vi *vectorIndex) loadFrom(db *bbolt.DB) error {
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		if b == nil {
			return nil
		}
		vi.mu.Lock()
		defer vi.mu.Unlock()
		return b.ForEach(func(k, v []byte) error {
			id := decodeU64(k)
			vec, err := decodeVector(v)
			if err != nil {
				return fmt.Errorf("vector %d: %w", id, err)
			}
			vi.g.Add(hnsw.MakeNode(id, vec))
			return nil
		})
	})
}

// insert adds or replaces a vector in the live index. The caller is
// responsible for persisting the raw bytes to the vectors bucket within
// the same write transaction.
func (vi *vectorIndex) insert(id uint64, vec []float32) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.g.Delete(id)
	vi.g.Add(hnsw.MakeNode(id, vec))
}

func (vi *vectorIndex) delete(id uint64) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.g.Delete(id)
}

// searchResult is one k-NN hit: a vector id and its cosine distance.
type searchResult struct {
	ID       uint64
	Distance float32
}

// search returns the k nearest vectors to query, with score computed by
// the caller as 1/(1+distance) per spec.md §6.1.
func (vi *vectorIndex) search(query []float32, k int) []searchResult {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	hits := vi.g.Search(query, k)
	out := make([]searchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, searchResult{ID: h.Key, Distance: cosineDistance(query, h.Value)})
	}
	return out
}

func cosineDistance(a, b []float32) float32 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return float32(1 - sim)
}

// encodeVector serializes a float32 vector as little-endian bytes for the
// vectors bucket.
func encodeVector(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector bytes not a multiple of 4: %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

package embedding

import (
	"context"
	"math"

	"lukechampine.com/blake3"
)

// HashEmbedder is a deterministic, content-addressed embedder with no
// external dependencies: each text is split into whitespace tokens, every
// token is hashed with BLAKE3 (the same hash ixchel uses for entity ids,
// internal/ids) into a bucket in [0, dim), and that bucket gets +1 or -1
// according to one further bit of the hash.
// The result is L2-normalized. It produces no semantic signal, but it is
// stable, fast, and good enough to exercise the rest of the sync/query
// pipeline without a model — the "hash-bucket-v1" provider tests default to.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds a HashEmbedder producing vectors of length dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int   { return h.dim }
func (h *HashEmbedder) ModelName() string { return "hash-bucket-v1" }

func (h *HashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = h.embed(text)
	}
	return out, nil
}

func (h *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		sum := blake3.Sum256([]byte(tok))
		bucket := int(sum[0])<<8 | int(sum[1])
		bucket %= h.dim
		sign := float32(1)
		if sum[2]&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	var toks []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			toks = append(toks, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			flush()
			continue
		}
		cur = append(cur, r)
	}
	flush()
	return toks
}

func normalize(vec []float32) {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
}

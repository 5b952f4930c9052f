// Package embedding implements ixchel's pluggable embedding provider
// (spec.md §4.4): turn an entity's title+body+tags text into a fixed-length
// vector. Three providers are grounded on the teacher's extractor package
// and config.go's provider-selection shape: a deterministic hash-bucket
// embedder for tests and offline use, a wazero-hosted WASM/ONNX model for
// local production inference, and an Ollama HTTP backend for anyone
// already running one.
package embedding

import (
	"context"
	"fmt"
)

// Embedder turns text into a fixed-dimension vector. EmbedBatch is the
// primary entry point; sync always batches (spec.md §4.7 step 3) so
// implementations that can share setup cost across a batch (a loaded ONNX
// session, one HTTP connection) should do so here rather than in a
// single-text method.
type Embedder interface {
	// Dimension is the length of every vector this Embedder returns.
	Dimension() int
	// ModelName identifies the embedding model, recorded into the sync
	// manifest so a model change is detected as a Reembed (spec.md §4.7).
	ModelName() string
	// EmbedBatch embeds texts in order, returning one vector per input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// New builds the Embedder named by provider ("hash", "wazero", or
// "ollama"), matching the teacher's extractor-selection-by-name pattern in
// internal/extractor/pipeline.go.
func New(provider, modelName string, dim int, opts Options) (Embedder, error) {
	switch provider {
	case "hash", "":
		return NewHashEmbedder(dim), nil
	case "wazero":
		return NewWazeroEmbedder(opts.ModelPath, dim)
	case "ollama":
		return NewOllamaEmbedder(opts.OllamaURL, modelName, dim), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", provider)
	}
}

// Options carries provider-specific configuration not common to all three
// embedders.
type Options struct {
	ModelPath string // wazero: path to a .wasm module under .ixchel/models/
	OllamaURL string // ollama: base URL of a running Ollama daemon
}

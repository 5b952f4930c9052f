package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaEmbedder calls a running Ollama daemon's embeddings endpoint,
// adapted from the teacher's internal/extractor/ollama.go (which drives
// the same client's /api/generate for entity extraction). ixchel uses the
// client's Embed call instead of Generate.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dim    int
}

// NewOllamaEmbedder builds an embedder against baseURL (falling back to
// the client's default environment discovery when baseURL is empty, same
// as the teacher's api.ClientFromEnvironment()).
func NewOllamaEmbedder(baseURL, model string, dim int) *OllamaEmbedder {
	client, err := api.ClientFromEnvironment()
	if err != nil || baseURL != "" {
		client = api.NewClient(mustParseURL(baseURL), http.DefaultClient)
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{client: client, model: model, dim: dim}
}

func (o *OllamaEmbedder) Dimension() int    { return o.dim }
func (o *OllamaEmbedder) ModelName() string { return o.model }

// EmbedBatch sends one embeddings request per text; Ollama's embed
// endpoint accepts a batch Input, but fan-out here keeps partial failures
// attributable to a single text instead of failing the whole batch.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		resp, err := o.client.Embed(ctx, &api.EmbedRequest{
			Model: o.model,
			Input: text,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding: ollama embed text %d: %w", i, err)
		}
		if len(resp.Embeddings) == 0 {
			return nil, fmt.Errorf("embedding: ollama returned no embeddings for text %d", i)
		}
		out[i] = resp.Embeddings[0]
	}
	return out, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{Scheme: "http", Host: "127.0.0.1:11434"}
	}
	return u
}

package embedding

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatal(err)
	}
	if len(a[0]) != 64 {
		t.Fatalf("dim = %d", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("not deterministic at %d: %v vs %v", i, a[0][i], b[0][i])
		}
	}
}

func TestHashEmbedderNormalized(t *testing.T) {
	e := NewHashEmbedder(32)
	vecs, err := e.EmbedBatch(context.Background(), []string{"a decision about caching strategy"})
	if err != nil {
		t.Fatal(err)
	}
	var sum float64
	for _, f := range vecs[0] {
		sum += float64(f) * float64(f)
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Fatalf("||v||^2 = %f, want ~1", sum)
	}
}

func TestHashEmbedderDistinguishesText(t *testing.T) {
	e := NewHashEmbedder(128)
	vecs, err := e.EmbedBatch(context.Background(), []string{"caching", "networking"})
	if err != nil {
		t.Fatal(err)
	}
	identical := true
	for i := range vecs[0] {
		if vecs[0][i] != vecs[1][i] {
			identical = false
			break
		}
	}
	if identical {
		t.Fatal("expected different texts to embed differently")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New("not-a-provider", "", 8, Options{}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewWazeroRequiresModelPath(t *testing.T) {
	if _, err := NewWazeroEmbedder("", 8); err == nil {
		t.Fatal("expected error when model_path is empty")
	}
}

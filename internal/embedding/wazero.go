package embedding

import (
	"context"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WazeroEmbedder hosts a compiled embedding model (exported as a WASI
// module, e.g. an ONNX model wrapped by a small Rust/C WASI shim under
// .ixchel/models/) inside a wazero runtime, for local inference with no
// external service. The module must export:
//
//	alloc(len i32) -> ptr i32
//	embed(ptr i32, len i32, out_ptr i32) -> written i32
//
// writing `dim` little-endian float32s to out_ptr. This mirrors the
// teacher's choice of wazero (internal/extractor's transitive wazero dep)
// for the module's only non-Ollama, non-regex inference path.
type WazeroEmbedder struct {
	dim     int
	runtime wazero.Runtime
	mod     wazeroModule
}

// wazeroModule is the subset of api.Module this package calls through;
// kept as an interface so tests can substitute a fake without compiling a
// real .wasm module.
type wazeroModule interface {
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Embed(ctx context.Context, ptr, length, outPtr uint32) (uint32, error)
	Memory() memoryView
	Close(ctx context.Context) error
}

type memoryView interface {
	Write(offset uint32, data []byte) bool
	Read(offset, byteCount uint32) ([]byte, bool)
}

// NewWazeroEmbedder compiles and instantiates the .wasm module at
// modelPath. modelPath is required; an empty path is a configuration
// error rather than a silent fallback, since picking a default model
// silently would make the sync manifest's model_name lie about what
// actually produced a vector.
func NewWazeroEmbedder(modelPath string, dim int) (*WazeroEmbedder, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("embedding: wazero provider requires embedding.model_path")
	}
	wasmBytes, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("embedding: reading %s: %w", modelPath, err)
	}

	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("embedding: instantiating WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("embedding: compiling %s: %w", modelPath, err)
	}

	instance, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("embedding: instantiating %s: %w", modelPath, err)
	}

	return &WazeroEmbedder{
		dim:     dim,
		runtime: runtime,
		mod:     &realModule{mod: instance},
	}, nil
}

func (w *WazeroEmbedder) Dimension() int    { return w.dim }
func (w *WazeroEmbedder) ModelName() string { return "wazero-onnx" }

func (w *WazeroEmbedder) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *WazeroEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := w.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding: wazero embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (w *WazeroEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	in := []byte(text)
	ptr, err := w.mod.Alloc(ctx, uint32(len(in)))
	if err != nil {
		return nil, err
	}
	if !w.mod.Memory().Write(ptr, in) {
		return nil, fmt.Errorf("embedding: writing input to wasm memory out of range")
	}

	outSize := uint32(w.dim * 4)
	outPtr, err := w.mod.Alloc(ctx, outSize)
	if err != nil {
		return nil, err
	}

	written, err := w.mod.Embed(ctx, ptr, uint32(len(in)), outPtr)
	if err != nil {
		return nil, err
	}
	if written != uint32(w.dim) {
		return nil, fmt.Errorf("embedding: model returned %d dims, want %d", written, w.dim)
	}

	raw, ok := w.mod.Memory().Read(outPtr, outSize)
	if !ok {
		return nil, fmt.Errorf("embedding: reading output from wasm memory out of range")
	}
	return decodeVectorLE(raw), nil
}

func decodeVectorLE(b []byte) []float32 {
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = bytesToFloat32(b[i*4 : i*4+4])
	}
	return vec
}

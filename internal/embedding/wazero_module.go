package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// realModule adapts a live wazero api.Module to the wazeroModule interface,
// calling its exported "alloc"/"embed" functions.
type realModule struct {
	mod api.Module
}

func (r *realModule) Alloc(ctx context.Context, size uint32) (uint32, error) {
	fn := r.mod.ExportedFunction("alloc")
	if fn == nil {
		return 0, fmt.Errorf("embedding: wasm module does not export alloc")
	}
	res, err := fn.Call(ctx, uint64(size))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

func (r *realModule) Embed(ctx context.Context, ptr, length, outPtr uint32) (uint32, error) {
	fn := r.mod.ExportedFunction("embed")
	if fn == nil {
		return 0, fmt.Errorf("embedding: wasm module does not export embed")
	}
	res, err := fn.Call(ctx, uint64(ptr), uint64(length), uint64(outPtr))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

func (r *realModule) Memory() memoryView {
	return realMemory{mem: r.mod.Memory()}
}

func (r *realModule) Close(ctx context.Context) error {
	return r.mod.Close(ctx)
}

type realMemory struct {
	mem api.Memory
}

func (m realMemory) Write(offset uint32, data []byte) bool {
	return m.mem.Write(offset, data)
}

func (m realMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	return m.mem.Read(offset, byteCount)
}

func bytesToFloat32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

// Package wakewordplugin implements C14: an optional wazero sandbox
// that post-processes classifier confidences before the debouncer
// sees them. It is adapted from the project's skill runtime, narrowed
// to a single pure-function hook with no publish capability: a
// plugin can reshape scores, it cannot reach the bus or the filesystem.
package wakewordplugin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Host exports the narrow set of capabilities available to a plugin
// module. Unlike the skill runtime this host has no Publish binding.
type Host struct {
	Logger *slog.Logger
}

func (h Host) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// Plugin wraps one loaded wasm module exposing:
//
//	alloc(size u32) -> ptr u32
//	score(ptr u32, len u32) -> packed u64 (result_ptr<<32 | result_len)
//
// Both input and output are little-endian float32 arrays written into
// the guest's own linear memory.
type Plugin struct {
	rt       wazero.Runtime
	module   api.Module
	compiled wazero.CompiledModule
	alloc    api.Function
	score    api.Function
}

// Load compiles and instantiates a plugin module from path.
func Load(ctx context.Context, path string, host Host) (*Plugin, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wakewordplugin: read module: %w", err)
	}
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, host); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wakewordplugin: instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wakewordplugin: instantiate wasi: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wakewordplugin: compile module: %w", err)
	}
	module, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		compiled.Close(ctx)
		rt.Close(ctx)
		return nil, fmt.Errorf("wakewordplugin: instantiate module: %w", err)
	}
	alloc := module.ExportedFunction("alloc")
	score := module.ExportedFunction("score")
	if alloc == nil || score == nil {
		module.Close(ctx)
		compiled.Close(ctx)
		rt.Close(ctx)
		return nil, fmt.Errorf("wakewordplugin: module %q missing alloc/score exports", path)
	}
	return &Plugin{rt: rt, module: module, compiled: compiled, alloc: alloc, score: score}, nil
}

// Close releases the underlying wazero runtime.
func (p *Plugin) Close(ctx context.Context) error {
	if p == nil || p.rt == nil {
		return nil
	}
	return p.rt.Close(ctx)
}

// Score runs the guest's score function over confidences and returns
// the reshaped scores. Same length in, same length expected out; a
// mismatched length is treated as a plugin error.
func (p *Plugin) Score(ctx context.Context, confidences []float32) ([]float32, error) {
	size := uint32(len(confidences) * 4)
	ptrs, err := p.alloc.Call(ctx, uint64(size))
	if err != nil {
		return nil, fmt.Errorf("wakewordplugin: alloc: %w", err)
	}
	ptr := uint32(ptrs[0])

	mem := p.module.Memory()
	if mem == nil {
		return nil, fmt.Errorf("wakewordplugin: module has no memory")
	}
	buf := make([]byte, size)
	for i, v := range confidences {
		bits := math.Float32bits(v)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	if !mem.Write(ptr, buf) {
		return nil, fmt.Errorf("wakewordplugin: write input failed")
	}

	packed, err := p.score.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		return nil, fmt.Errorf("wakewordplugin: score call: %w", err)
	}
	resultPtr := uint32(packed[0] >> 32)
	resultLen := uint32(packed[0])
	out, ok := mem.Read(resultPtr, resultLen)
	if !ok {
		return nil, fmt.Errorf("wakewordplugin: read output failed")
	}
	if resultLen%4 != 0 {
		return nil, fmt.Errorf("wakewordplugin: output length %d not a multiple of 4", resultLen)
	}
	result := make([]float32, resultLen/4)
	for i := range result {
		bits := uint32(out[i*4]) | uint32(out[i*4+1])<<8 | uint32(out[i*4+2])<<16 | uint32(out[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result, nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, host Host) error {
	logger := host.logger()
	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		if len(stack) < 2 {
			return
		}
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			return
		}
		logger.Info("wakeword plugin log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")
	_, err := builder.Instantiate(ctx)
	return err
}

package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wasmMemoryPages caps module memory at 64 MiB (wazero pages are 64 KiB).
const wasmMemoryPages = 1024

// wasmCallTimeout bounds a single classification.
const wasmCallTimeout = 3 * time.Second

// WASMProvider runs an embedded classifier compiled to WASI. The module
// reads the document from stdin and writes {"label","confidence"} JSON
// to stdout. Deny-by-default: no filesystem, no network, no env.
type WASMProvider struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	seq      atomic.Uint64
}

func NewWASMProvider(ctx context.Context, path string) (*WASMProvider, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sentiment: read module: %w", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(wasmMemoryPages)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sentiment: compile module: %w", err)
	}

	return &WASMProvider{runtime: r, compiled: compiled}, nil
}

func (p *WASMProvider) Name() string { return "wasm" }

func (p *WASMProvider) Analyze(ctx context.Context, text string) (*Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, wasmCallTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("sentiment-%d", p.seq.Add(1))).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader([]byte(truncate(text)))).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sentiment: classification timed out after %v", wasmCallTimeout)
		}
		return nil, fmt.Errorf("sentiment: module run: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("sentiment: module stderr: %s", stderr.String())
	}

	var out struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("sentiment: decode module output: %w", err)
	}

	return &Signal{
		Label:      normalizeLabel(out.Label),
		Confidence: clampConfidence(out.Confidence),
	}, nil
}

// Close releases the wazero runtime.
func (p *WASMProvider) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}

// FromConfig selects a provider: HTTP when a service URL is set, the
// embedded WASM classifier when a module path is set, otherwise the
// disabled provider.
func FromConfig(ctx context.Context, serviceURL, wasmPath string) (Provider, error) {
	switch {
	case serviceURL != "":
		return NewHTTPProvider(serviceURL), nil
	case wasmPath != "":
		return NewWASMProvider(ctx, wasmPath)
	default:
		return Disabled{}, nil
	}
}

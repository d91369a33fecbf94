package matcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/swapmesh/marketd/pkg/contracts"
)

// CategorySandbox evaluates a compiled WASM category predicate as a
// sandboxed extension point for want_spec alternatives the built-in
// platform/app/asset matcher cannot express (spec.md §9's "polymorphism
// over message types" plugin point, exercised here for category rules
// rather than event variants). It mirrors the teacher's WASISandbox
// (core/pkg/runtime/sandbox/wasi_sandbox.go): a deny-by-default wazero
// runtime with only stdin/stdout wired, no filesystem or network.
type CategorySandbox struct {
	runtime wazero.Runtime
	modules map[string][]byte // category -> compiled module bytes
}

// NewCategorySandbox constructs a sandbox with the given category ->
// WASM-module-bytes bindings. An empty modules map is valid: every
// category-only alternative then simply has no match, the same outcome
// as the engine without a sandbox configured at all.
func NewCategorySandbox(ctx context.Context, modules map[string][]byte) (*CategorySandbox, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("matcher: instantiate WASI: %w", err)
	}
	return &CategorySandbox{runtime: r, modules: modules}, nil
}

// Close releases the wazero runtime.
func (s *CategorySandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

// Match evaluates whether asset satisfies alt's category predicate.
// alt.Category must have a registered module; the module receives the
// asset's platform/app/asset_id as newline-separated stdin and reports
// a match by writing exactly "true" to stdout. A compile, instantiate,
// or execution error counts as "no match" and is returned to the
// caller so it can be folded into the canary error sample.
func (s *CategorySandbox) Match(ctx context.Context, alt contracts.WantAlternative, asset contracts.AssetDescriptor) (bool, error) {
	module, ok := s.modules[alt.Category]
	if !ok {
		return false, nil
	}

	compiled, err := s.runtime.CompileModule(ctx, module)
	if err != nil {
		return false, fmt.Errorf("matcher: category module compile for %q: %w", alt.Category, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	input := strings.Join([]string{asset.Platform, asset.AppID, asset.AssetID}, "\n")
	var stdout bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader([]byte(input))).
		WithStdout(&stdout).
		WithStartFunctions("_start")

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return false, fmt.Errorf("matcher: category module instantiate for %q: %w", alt.Category, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	return strings.TrimSpace(stdout.String()) == "true", nil
}

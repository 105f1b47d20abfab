package wasmsnap

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmsnap/wasmsnap/internal/engine"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// HostFunc is a function defined in Go that a module imports. It reads its parameters from stack and leaves its
// result, if any, in stack[0]. The caller is the instance that made the call, which lets the function access memory
// or interrupt the instance.
//
// A returned error aborts the call into the module.
type HostFunc func(ctx context.Context, caller Instance, stack []uint64) error

// HostFunctionBuilder defines a host function (in Go), so that a WebAssembly binary (e.g. %.wasm file) can import
// and use it.
type HostFunctionBuilder interface {
	// WithGoFunction is an advanced feature for those who need higher performance than WithFunc at the cost of
	// access to the calling instance.
	WithGoFunction(fn api.GoFunction, params, results []api.ValueType) HostFunctionBuilder

	// WithFunc uses fn as the host function with the given signature.
	WithFunc(fn HostFunc, params, results []api.ValueType) HostFunctionBuilder

	// Export exports this to the HostModuleBuilder as the given name.
	Export(name string) HostModuleBuilder
}

// HostModuleBuilder is a way to define host functions (in Go), so that a WebAssembly binary (e.g. %.wasm file) can
// import and use them.
//
// Notes:
//   - HostModuleBuilder is mutable: each method returns the same instance for chaining.
//   - methods do not return errors, to allow chaining. Any validation errors are deferred until Instantiate.
type HostModuleBuilder interface {
	// NewFunctionBuilder begins the definition of a host function.
	NewFunctionBuilder() HostFunctionBuilder

	// Instantiate makes the functions importable by modules instantiated afterwards. A module name can only be
	// instantiated once per runtime.
	Instantiate(ctx context.Context) error
}

// hostModuleBuilder implements HostModuleBuilder
type hostModuleBuilder struct {
	r              *runtime
	moduleName     string
	nameToHostFunc map[string]*engine.HostFunction
	err            error
}

// NewHostModuleBuilder implements Runtime.NewHostModuleBuilder
func (r *runtime) NewHostModuleBuilder(moduleName string) HostModuleBuilder {
	return &hostModuleBuilder{
		r:              r,
		moduleName:     moduleName,
		nameToHostFunc: map[string]*engine.HostFunction{},
	}
}

// hostFunctionBuilder implements HostFunctionBuilder
type hostFunctionBuilder struct {
	b  *hostModuleBuilder
	fn *engine.HostFunction
}

// WithGoFunction implements HostFunctionBuilder.WithGoFunction
func (h *hostFunctionBuilder) WithGoFunction(fn api.GoFunction, params, results []api.ValueType) HostFunctionBuilder {
	h.fn = &engine.HostFunction{
		Type: wasm.FunctionType{Params: params, Results: results},
		Func: func(ctx context.Context, _ *engine.Instance, stack []uint64) error {
			fn.Call(ctx, stack)
			return nil
		},
	}
	return h
}

// WithFunc implements HostFunctionBuilder.WithFunc
func (h *hostFunctionBuilder) WithFunc(fn HostFunc, params, results []api.ValueType) HostFunctionBuilder {
	h.fn = &engine.HostFunction{
		Type: wasm.FunctionType{Params: params, Results: results},
		Func: func(ctx context.Context, caller *engine.Instance, stack []uint64) error {
			return fn(ctx, &instance{i: caller}, stack)
		},
	}
	return h
}

// Export implements HostFunctionBuilder.Export
func (h *hostFunctionBuilder) Export(exportName string) HostModuleBuilder {
	b := h.b
	switch {
	case b.err != nil:
	case h.fn == nil:
		b.err = fmt.Errorf("func[%s.%s] has no implementation", b.moduleName, exportName)
	case len(h.fn.Type.Results) > 1:
		b.err = fmt.Errorf("func[%s.%s] has more than one result", b.moduleName, exportName)
	default:
		b.nameToHostFunc[exportName] = h.fn
	}
	return b
}

// NewFunctionBuilder implements HostModuleBuilder.NewFunctionBuilder
func (b *hostModuleBuilder) NewFunctionBuilder() HostFunctionBuilder {
	return &hostFunctionBuilder{b: b}
}

// Instantiate implements HostModuleBuilder.Instantiate
func (b *hostModuleBuilder) Instantiate(context.Context) error {
	if b.err != nil {
		return b.err
	}
	return b.r.registerHostModule(b.moduleName, b.nameToHostFunc)
}

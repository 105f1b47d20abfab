// Package wasmsnap runs WebAssembly 1.0 modules on an emulated machine whose execution can be interrupted, saved as
// an image and resumed later, possibly by another instance running code of another tier.
package wasmsnap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmsnap/wasmsnap/internal/engine"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// Image is a snapshot of an instance: its memory, its globals and the frames of the interrupted computation.
type Image = state.InstanceImage

// TrapError is returned when code traps. Its Image holds the frames at the trap.
type TrapError = engine.TrapError

// InterruptedError is returned when a call is interrupted. Its Image resumes the computation with Instance.Resume.
type InterruptedError = engine.InterruptedError

var (
	// ErrExportNotFound is returned by Instance.Call when no function is exported under the name.
	ErrExportNotFound = engine.ErrExportNotFound
	// ErrNoImage is returned by Instance.Resume when the image has no frames.
	ErrNoImage = engine.ErrNoImage
	// ErrInvalidImage is returned by UnmarshalImage when the bytes are not an image.
	ErrInvalidImage = errors.New("invalid image")
)

// UnmarshalImage decodes an image saved with Image.Marshal.
func UnmarshalImage(b []byte) (*Image, error) {
	img, ok := state.UnmarshalInstanceImage(b)
	if !ok {
		return nil, ErrInvalidImage
	}
	return img, nil
}

// Runtime allows embedding of WebAssembly modules.
//
// The below is an example of basic initialization:
//
//	ctx := context.Background()
//	r := wasmsnap.NewRuntime(ctx)
//	inst, _ := r.Instantiate(ctx, wasmBin)
//	results, err := inst.Call(ctx, "run", 10)
type Runtime interface {
	// NewHostModuleBuilder lets you create modules out of functions defined in Go.
	//
	// Below defines and instantiates a module named "env" with one function:
	//
	//	ctx := context.Background()
	//	hello := func(context.Context, Instance, []uint64) error {
	//		fmt.Fprintln(stdout, "hello!")
	//		return nil
	//	}
	//	_, err := r.NewHostModuleBuilder("env").
	//		NewFunctionBuilder().WithFunc(hello, nil, nil).Export("hello").
	//		Instantiate(ctx)
	NewHostModuleBuilder(moduleName string) HostModuleBuilder

	// CompileModule decodes the WebAssembly binary (%.wasm) or errs if invalid, then compiles it with the
	// configured tier.
	CompileModule(ctx context.Context, binary []byte) (CompiledModule, error)

	// Instantiate instantiates a module from the WebAssembly binary (%.wasm) or errs if invalid.
	//
	// Note: This is a convenience utility that chains CompileModule with InstantiateModule. To instantiate the same
	// source multiple times, use CompileModule as InstantiateModule avoids redundant decoding and compilation.
	Instantiate(ctx context.Context, binary []byte) (Instance, error)

	// InstantiateModule instantiates the compiled module, resolving its imports from the host modules of this
	// runtime, and runs its start function.
	InstantiateModule(ctx context.Context, compiled CompiledModule) (Instance, error)
}

// NewRuntime returns a runtime with a configuration assigned by NewRuntimeConfig.
func NewRuntime(ctx context.Context) Runtime {
	return NewRuntimeWithConfig(ctx, NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(_ context.Context, rConfig RuntimeConfig) Runtime {
	config := rConfig.(*runtimeConfig)
	if config.logger != nil {
		engine.SetLogger(config.logger)
	}
	return &runtime{config: config, hostModules: engine.Imports{}}
}

// runtime allows decoupling of public interfaces from internal representation.
type runtime struct {
	config *runtimeConfig

	mu          sync.Mutex
	hostModules engine.Imports
}

// CompileModule implements Runtime.CompileModule
func (r *runtime) CompileModule(ctx context.Context, binary []byte) (CompiledModule, error) {
	m, err := wasm.DecodeModule(binary)
	if err != nil {
		return nil, err
	}
	cm, err := engine.Compile(ctx, m, r.config.engine)
	if err != nil {
		return nil, err
	}
	return &compiledModule{cm: cm}, nil
}

// Instantiate implements Runtime.Instantiate
func (r *runtime) Instantiate(ctx context.Context, binary []byte) (Instance, error) {
	compiled, err := r.CompileModule(ctx, binary)
	if err != nil {
		return nil, err
	}
	return r.InstantiateModule(ctx, compiled)
}

// InstantiateModule implements Runtime.InstantiateModule
func (r *runtime) InstantiateModule(ctx context.Context, compiled CompiledModule) (Instance, error) {
	c, ok := compiled.(*compiledModule)
	if !ok {
		return nil, fmt.Errorf("unsupported compiled module %T", compiled)
	}
	r.mu.Lock()
	imports := make(engine.Imports, len(r.hostModules))
	for name, fns := range r.hostModules {
		imports[name] = fns
	}
	r.mu.Unlock()

	i, err := engine.Instantiate(ctx, c.cm, imports)
	if err != nil {
		return nil, err
	}
	return &instance{i: i}, nil
}

// registerHostModule makes the functions importable under moduleName.
func (r *runtime) registerHostModule(moduleName string, fns map[string]*engine.HostFunction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hostModules[moduleName]; ok {
		return fmt.Errorf("module[%s] has already been instantiated", moduleName)
	}
	r.hostModules[moduleName] = fns
	return nil
}

// FunctionDefinition is the name and signature of an exported function.
type FunctionDefinition struct {
	Name        string
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// CompiledModule is a WebAssembly module ready to be instantiated (Runtime.InstantiateModule).
type CompiledModule interface {
	// Name returns the module name from the name section, if any.
	Name() string

	// Tier returns the tier the module was compiled with.
	Tier() Tier

	// ExportedFunctions returns the functions exported by the module, keyed by name.
	ExportedFunctions() map[string]FunctionDefinition

	// ImportedFunctions returns the module and name of each imported function, in index order.
	ImportedFunctions() [][2]string
}

type compiledModule struct {
	cm *engine.CompiledModule
}

// Name implements CompiledModule.Name
func (c *compiledModule) Name() string {
	if ns := c.cm.Module.NameSection; ns != nil {
		return ns.ModuleName
	}
	return ""
}

// Tier implements CompiledModule.Tier
func (c *compiledModule) Tier() Tier {
	return c.cm.Tier()
}

// ExportedFunctions implements CompiledModule.ExportedFunctions
func (c *compiledModule) ExportedFunctions() map[string]FunctionDefinition {
	m := c.cm.Module
	ret := map[string]FunctionDefinition{}
	for _, e := range m.ExportSection {
		if e.Type != wasm.ExternTypeFunc {
			continue
		}
		typeIndex, _ := m.TypeOfFunction(e.Index)
		typ := &m.TypeSection[typeIndex]
		ret[e.Name] = FunctionDefinition{Name: e.Name, ParamTypes: typ.Params, ResultTypes: typ.Results}
	}
	return ret
}

// ImportedFunctions implements CompiledModule.ImportedFunctions
func (c *compiledModule) ImportedFunctions() [][2]string {
	var ret [][2]string
	for _, imp := range c.cm.Module.ImportSection {
		ret = append(ret, [2]string{imp.Module, imp.Name})
	}
	return ret
}

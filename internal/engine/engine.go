// Package engine drives the code generator over whole modules and runs the result on the vm64 machine. It lays out
// the text of every tier, owns the code versions the stack walker consults, and turns traps and interrupts into
// images that can be resumed.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/wasmsnap/wasmsnap/internal/engine/backend"
	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/engine/frontend"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// Config is the engine configuration. The zero value is completed by withDefaults.
type Config struct {
	// Tier is the tier modules are first compiled with.
	Tier backend.Tier
	// StackSize is the size in bytes of each instance's machine stack.
	StackSize uint64
	// MemoryLimitPages caps linear memory below what the module declares.
	MemoryLimitPages uint32
	// CloseOnContextDone makes cancellation of the call context interrupt the running code.
	CloseOnContextDone bool
	// BacktraceDepth limits the frames decoded on traps. Zero decodes the whole stack.
	BacktraceDepth int
	// CompilationWorkers is the number of functions compiled concurrently.
	CompilationWorkers int
}

const (
	defaultStackSize = 1 << 20
	minStackSize     = 4 << 10
)

func (c Config) withDefaults() Config {
	if c.StackSize == 0 {
		c.StackSize = defaultStackSize
	} else if c.StackSize < minStackSize {
		c.StackSize = minStackSize
	}
	c.StackSize &^= 15
	if c.MemoryLimitPages == 0 || c.MemoryLimitPages > wasm.MemoryMaxPages {
		c.MemoryLimitPages = wasm.MemoryMaxPages
	}
	if c.CompilationWorkers <= 0 {
		c.CompilationWorkers = runtime.GOMAXPROCS(0)
	}
	return c
}

// CompiledModule is a module compiled with at least one tier. It is safe for concurrent use and may be instantiated
// any number of times.
type CompiledModule struct {
	Module *wasm.Module
	cfg    Config

	// typeIDs maps each type index to its canonical signature id.
	typeIDs []uint32

	mu       sync.Mutex
	versions [2]*codeVersion
}

// codeVersion is the text of one tier: a trampoline per imported function, followed by every local function.
type codeVersion struct {
	tier backend.Tier
	text []byte
	// importsSize is the size of the trampolines, hence the offset of the first local function.
	importsSize uint64
	// funcOffsets is the offset of each local function in text.
	funcOffsets []uint64
	msm         *state.ModuleStateMap
}

// importTrampolineSize is the size of `HOSTCALL import(i); RET`.
const importTrampolineSize = 2 * vm64.InstructionSize

// functionOffset returns the offset in text of the function at funcIndex in the function index namespace.
func (v *codeVersion) functionOffset(m *wasm.Module, funcIndex wasm.Index) uint64 {
	if imports := m.ImportFuncCount(); funcIndex < imports {
		return uint64(funcIndex) * importTrampolineSize
	}
	return v.funcOffsets[funcIndex-m.ImportFuncCount()]
}

// stateVersion returns the code version as seen by the stack walker, for text mapped at base.
func (v *codeVersion) stateVersion(base uint64) state.CodeVersion {
	return state.CodeVersion{Base: base + v.importsSize, Baseline: v.tier == backend.TierBaseline, MSM: v.msm}
}

// Compile validates m and compiles it with the configured tier.
func Compile(ctx context.Context, m *wasm.Module, cfg Config) (*CompiledModule, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	cm := &CompiledModule{Module: m, cfg: cfg.withDefaults(), typeIDs: m.CanonicalTypeIDs()}
	if _, err := cm.version(ctx, cm.cfg.Tier); err != nil {
		return nil, err
	}
	return cm, nil
}

// Tier returns the tier the module was first compiled with.
func (cm *CompiledModule) Tier() backend.Tier {
	return cm.cfg.Tier
}

// version returns the text of tier, compiling it on first use.
func (cm *CompiledModule) version(ctx context.Context, tier backend.Tier) (*codeVersion, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if v := cm.versions[tier]; v != nil {
		return v, nil
	}
	v, err := compileVersion(ctx, cm.Module, tier, cm.cfg.CompilationWorkers)
	if err != nil {
		return nil, err
	}
	cm.versions[tier] = v
	return v, nil
}

func compileVersion(ctx context.Context, m *wasm.Module, tier backend.Tier, workers int) (*codeVersion, error) {
	n := len(m.CodeSection)
	compiled := make([]*backend.Compiled, n)
	errs := make([]error, n)
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// The frontend reuses its IR between functions, so each worker has its own.
			fe := frontend.NewFrontendCompiler(m, ir.NewBuilder())
			env := &backend.Env{Module: m}
			for li := range jobs {
				fn, err := fe.Lower(li)
				if err != nil {
					errs[li] = err
					continue
				}
				if compiled[li], err = backend.Compile(fn, env, tier); err != nil {
					errs[li] = fmt.Errorf("function[%d]: %w", m.ImportFuncCount()+uint32(li), err)
				}
			}
		}()
	}
	var ctxErr error
	for li := 0; li < n; li++ {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		jobs <- li
	}
	close(jobs)
	wg.Wait()
	if ctxErr != nil {
		return nil, ctxErr
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	v := &codeVersion{
		tier:        tier,
		importsSize: uint64(m.ImportFuncCount()) * importTrampolineSize,
		funcOffsets: make([]uint64, n),
		msm:         &state.ModuleStateMap{},
	}
	size := v.importsSize
	for li, c := range compiled {
		v.funcOffsets[li] = size
		size += uint64(len(c.Code))
	}
	v.text = make([]byte, 0, size)
	v.text = append(v.text, importTrampolines(int(m.ImportFuncCount()))...)
	for li, c := range compiled {
		v.text = append(v.text, c.Code...)
		v.msm.Add(v.funcOffsets[li]-v.importsSize, c.StateMap)
	}
	v.msm.TotalSize = size - v.importsSize

	for li, c := range compiled {
		start := v.funcOffsets[li]
		for _, r := range c.Relocations {
			if r.FuncIndex >= m.FunctionCount() {
				return nil, fmt.Errorf("function[%d]: call to invalid function %d", m.ImportFuncCount()+uint32(li), r.FuncIndex)
			}
			at := start + r.Offset
			in := vm64.Decode(v.text[at:])
			in.Imm = int64(v.functionOffset(m, r.FuncIndex)) - int64(at)
			in.Encode(v.text[at:])
		}
		Logger().Debug("compiled function",
			zap.Uint32("index", m.ImportFuncCount()+uint32(li)),
			zap.Stringer("tier", tier),
			zap.Int("code_size", len(c.Code)),
			zap.Uint64("frame_size", c.FrameSize),
			zap.Int("suspend_points", len(c.StateMap.LoopOffsets)+len(c.StateMap.CallOffsets)+len(c.StateMap.TrappableOffsets)))
	}
	Logger().Info("compiled module", zap.Stringer("tier", tier), zap.Int("functions", n), zap.Int("text_size", len(v.text)))
	return v, nil
}

func importTrampolines(n int) []byte {
	a := vm64.NewAssembler()
	for i := 0; i < n; i++ {
		a.Emit(vm64.Instruction{Op: vm64.OpHostCall, Imm: int64(engineapi.HostCallImportWithIndex(i))})
		a.Emit(vm64.Instruction{Op: vm64.OpRet})
	}
	code, _ := a.Assemble()
	return code
}

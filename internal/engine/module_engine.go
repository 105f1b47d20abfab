package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wasmsnap/wasmsnap/internal/engine/backend"
	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/unwind"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// Address space of an instance. Every instance has its own bus, so these are the same for all of them.
const (
	// runtimeBase holds the halt instruction outermost frames return to, followed by the switch trampoline.
	runtimeBase = 0x1000
	vmctxBase   = 0x2000
	// dataBase is where globals, function pointers and the table are allocated, in this order.
	dataBase  = 0x1_0000
	dataLimit = 0x100_0000
	// textBase is the text of the baseline tier. Each tier has a region of textRegionSize bytes.
	textBase       = 0x100_0000
	textRegionSize = 0x100_0000
	// stackTop is the highest address of the machine stack, which grows down.
	stackTop = 0x8000_0000
	// memoryBase is the first byte of linear memory.
	memoryBase = 0x1_0000_0000
	// stackGuard is the part of the stack kept free for the trampolines once a prologue sees the limit.
	stackGuard = 256
)

var offsets = engineapi.VmctxOffsets

// Instance is an instantiated module: its address space, machine and runtime structures. An Instance runs one call
// at a time; only Interrupt may be called concurrently.
type Instance struct {
	module *CompiledModule
	cfg    Config

	bus *vm64.Bus
	cpu *vm64.CPU

	globalsAddr, funcPtrsAddr, tableAddr uint64
	stackLo                              uint64

	memory    *vm64.Segment
	memoryMax uint32
	// tableFuncs is the function index of each table element, or -1 when the element is null.
	tableFuncs []int64
	imports    []*HostFunction

	tier backend.Tier
	// versions are the code versions loaded in the address space, oldest first.
	versions []state.CodeVersion
	running  atomic.Bool
}

// Instantiate creates an instance of cm, resolving its imports from imports, and runs its start function.
func Instantiate(ctx context.Context, cm *CompiledModule, imports Imports) (*Instance, error) {
	m := cm.Module
	i := &Instance{module: cm, cfg: cm.cfg, bus: &vm64.Bus{}, tier: cm.cfg.Tier}
	i.cpu = vm64.NewCPU(i.bus, i)

	if err := i.resolveImports(imports); err != nil {
		return nil, err
	}
	if err := i.mapRuntime(); err != nil {
		return nil, err
	}
	v, err := cm.version(ctx, i.tier)
	if err != nil {
		return nil, err
	}
	if err = i.mapVersion(v); err != nil {
		return nil, err
	}
	if err = i.mapData(); err != nil {
		return nil, err
	}
	if err = i.mapMemory(); err != nil {
		return nil, err
	}
	if err = i.initGlobals(); err != nil {
		return nil, err
	}
	i.updateFunctionPointers(v)
	if err = i.initTable(); err != nil {
		return nil, err
	}
	if err = i.initData(); err != nil {
		return nil, err
	}

	Logger().Debug("instantiated module",
		zap.Stringer("tier", i.tier),
		zap.Uint64("stack_size", i.cfg.StackSize),
		zap.Uint32("memory_pages", i.MemoryPages()))

	if m.StartSection != nil {
		if _, err = i.callFunction(ctx, *m.StartSection, nil); err != nil {
			return nil, fmt.Errorf("start function[%d] failed: %w", *m.StartSection, err)
		}
	}
	return i, nil
}

func (i *Instance) resolveImports(imports Imports) error {
	m := i.module.Module
	i.imports = make([]*HostFunction, len(m.ImportSection))
	for idx := range m.ImportSection {
		imp := &m.ImportSection[idx]
		fn, ok := imports[imp.Module][imp.Name]
		if !ok || fn == nil {
			return fmt.Errorf("import[%d] %s.%s: not found", idx, imp.Module, imp.Name)
		}
		if typ := &m.TypeSection[imp.DescFunc]; !fn.Type.EqualsSignature(typ) {
			return fmt.Errorf("import[%d] %s.%s: signature mismatch: %s != %s", idx, imp.Module, imp.Name, typ, &fn.Type)
		}
		i.imports[idx] = fn
	}
	return nil
}

func (i *Instance) mapRuntime() error {
	a := vm64.NewAssembler()
	a.Emit(vm64.Instruction{Op: vm64.OpHalt})
	unwind.EmitSwitchTrampoline(a)
	code, err := a.Assemble()
	if err != nil {
		return err
	}
	if err = i.bus.Map(&vm64.Segment{Name: "runtime", Base: runtimeBase, Data: code, Exec: true}); err != nil {
		return err
	}

	if err = i.bus.Map(&vm64.Segment{Name: "vmctx", Base: vmctxBase, Data: make([]byte, engineapi.VmctxSize)}); err != nil {
		return err
	}
	i.stackLo = stackTop - i.cfg.StackSize
	if err = i.bus.Map(&vm64.Segment{Name: "stack", Base: i.stackLo, Data: make([]byte, i.cfg.StackSize)}); err != nil {
		return err
	}
	i.writeVmctx(offsets.StackLimit, i.stackLo+stackGuard)
	return nil
}

func textAddress(tier backend.Tier) uint64 {
	return textBase + uint64(tier)*textRegionSize
}

// mapVersion maps the text of v and makes it known to the stack walker.
func (i *Instance) mapVersion(v *codeVersion) error {
	if uint64(len(v.text)) > textRegionSize {
		return fmt.Errorf("%s text of %d bytes exceeds %d", v.tier, len(v.text), textRegionSize)
	}
	base := textAddress(v.tier)
	if err := i.bus.Map(&vm64.Segment{Name: "text." + v.tier.String(), Base: base, Data: v.text, Exec: true}); err != nil {
		return err
	}
	i.versions = append(i.versions, v.stateVersion(base))
	return nil
}

func (i *Instance) mapData() error {
	m := i.module.Module
	addr := uint64(dataBase)
	alloc := func(name string, size uint64) (uint64, error) {
		base := addr
		addr = (addr + size + 0xfff) &^ 0xfff
		if addr > dataLimit {
			return 0, fmt.Errorf("%s of %d bytes does not fit the instance", name, size)
		}
		if size == 0 {
			return base, nil
		}
		return base, i.bus.Map(&vm64.Segment{Name: name, Base: base, Data: make([]byte, size)})
	}

	var err error
	if i.globalsAddr, err = alloc("globals", uint64(len(m.GlobalSection))*engineapi.GlobalSize); err != nil {
		return err
	}
	if i.funcPtrsAddr, err = alloc("functions", uint64(m.FunctionCount())*8); err != nil {
		return err
	}
	var tableLen uint64
	if m.TableSection != nil {
		tableLen = uint64(m.TableSection.Min)
	}
	if i.tableAddr, err = alloc("table", tableLen*engineapi.TableElementSize); err != nil {
		return err
	}
	i.tableFuncs = make([]int64, tableLen)
	for e := range i.tableFuncs {
		i.tableFuncs[e] = -1
		i.bus.Write(i.tableAddr+uint64(e)*engineapi.TableElementSize+engineapi.TableElementSignatureOffset,
			vm64.Width32, engineapi.NullSignature)
	}

	i.writeVmctx(offsets.GlobalsBase, i.globalsAddr)
	i.writeVmctx(offsets.FunctionPointerBase, i.funcPtrsAddr)
	i.writeVmctx(offsets.TableBase, i.tableAddr)
	i.writeVmctx(offsets.TableLength, tableLen)
	return nil
}

func (i *Instance) mapMemory() error {
	m := i.module.Module
	if m.MemorySection == nil {
		return nil
	}
	limit := i.cfg.MemoryLimitPages
	if mem := m.MemorySection; mem.IsMaxEncoded && mem.Max < limit {
		limit = mem.Max
	}
	if m.MemorySection.Min > limit {
		return fmt.Errorf("memory minimum of %d pages exceeds the limit of %d pages", m.MemorySection.Min, limit)
	}
	i.memoryMax = limit
	i.memory = &vm64.Segment{
		Name:  "memory",
		Base:  memoryBase,
		Data:  make([]byte, uint64(m.MemorySection.Min)*uint64(wasm.MemoryPageSize)),
		Limit: uint64(limit) * uint64(wasm.MemoryPageSize),
	}
	if err := i.bus.Map(i.memory); err != nil {
		return err
	}
	i.writeVmctx(offsets.MemoryBase, memoryBase)
	i.writeVmctx(offsets.MemoryBound, uint64(len(i.memory.Data)))
	return nil
}

func (i *Instance) initGlobals() error {
	m := i.module.Module
	values := make([]uint64, 0, len(m.GlobalSection))
	for idx := range m.GlobalSection {
		v, err := m.GlobalSection[idx].Init.Eval(values)
		if err != nil {
			return fmt.Errorf("global[%d]: %w", idx, err)
		}
		values = append(values, v)
		i.bus.Write64(i.globalsAddr+uint64(idx)*engineapi.GlobalSize, v)
	}
	return nil
}

func (i *Instance) globalValues() []uint64 {
	gs := i.Globals()
	ret := make([]uint64, len(gs))
	for idx, g := range gs {
		ret[idx] = g.Lo
	}
	return ret
}

func (i *Instance) initTable() error {
	m := i.module.Module
	globals := i.globalValues()
	for idx := range m.ElementSection {
		seg := &m.ElementSection[idx]
		off, err := seg.OffsetExpr.Eval(globals)
		if err != nil {
			return fmt.Errorf("element[%d]: %w", idx, err)
		}
		start := uint64(uint32(off))
		if start+uint64(len(seg.Init)) > uint64(len(i.tableFuncs)) {
			return fmt.Errorf("element[%d]: out of bounds table access", idx)
		}
		for k, f := range seg.Init {
			if f >= m.FunctionCount() {
				return fmt.Errorf("element[%d]: invalid function index %d", idx, f)
			}
			i.setTableElement(start+uint64(k), f)
		}
	}
	return nil
}

func (i *Instance) setTableElement(e uint64, funcIndex wasm.Index) {
	m := i.module.Module
	typeIndex, _ := m.TypeOfFunction(funcIndex)
	addr := i.tableAddr + e*engineapi.TableElementSize
	fp, _ := i.bus.Read64(i.funcPtrsAddr + 8*uint64(funcIndex))
	i.bus.Write64(addr+engineapi.TableElementFunctionOffset, fp)
	i.bus.Write64(addr+engineapi.TableElementVmctxOffset, vmctxBase)
	i.bus.Write(addr+engineapi.TableElementSignatureOffset, vm64.Width32, uint64(i.module.typeIDs[typeIndex]))
	i.tableFuncs[e] = int64(funcIndex)
}

func (i *Instance) initData() error {
	m := i.module.Module
	globals := i.globalValues()
	for idx := range m.DataSection {
		seg := &m.DataSection[idx]
		off, err := seg.OffsetExpression.Eval(globals)
		if err != nil {
			return fmt.Errorf("data[%d]: %w", idx, err)
		}
		start := uint64(uint32(off))
		if start+uint64(len(seg.Init)) > uint64(len(i.memory.Data)) {
			return fmt.Errorf("data[%d]: out of bounds memory access", idx)
		}
		copy(i.memory.Data[start:], seg.Init)
	}
	return nil
}

// updateFunctionPointers points every function index at its code in v, which must be mapped.
func (i *Instance) updateFunctionPointers(v *codeVersion) {
	m := i.module.Module
	base := textAddress(v.tier)
	for f := wasm.Index(0); f < m.FunctionCount(); f++ {
		i.bus.Write64(i.funcPtrsAddr+8*uint64(f), base+v.functionOffset(m, f))
	}
	for e, f := range i.tableFuncs {
		if f >= 0 {
			i.setTableElement(uint64(e), wasm.Index(f))
		}
	}
}

// TierUp switches the instance to the optimized tier, compiling it once per module. Calls made afterwards, and
// calls already running through the function pointers and the table, enter optimized code. Frames of the baseline
// tier that are live stay valid.
func (i *Instance) TierUp(ctx context.Context) error {
	if i.tier == backend.TierOptimized {
		return nil
	}
	v, err := i.module.version(ctx, backend.TierOptimized)
	if err != nil {
		return err
	}
	if err = i.mapVersion(v); err != nil {
		return err
	}
	i.tier = backend.TierOptimized
	i.updateFunctionPointers(v)
	Logger().Info("tiered up", zap.Int("code_versions", len(i.versions)))
	return nil
}

// Tier returns the tier new calls enter.
func (i *Instance) Tier() backend.Tier {
	return i.tier
}

// currentVersion returns the code version of the current tier.
func (i *Instance) currentVersion() state.CodeVersion {
	return i.versions[len(i.versions)-1]
}

func (i *Instance) writeVmctx(off engineapi.Offset, v uint64) {
	i.bus.Write64(vmctxBase+off.U64(), v)
}

func (i *Instance) readVmctx(off engineapi.Offset) uint64 {
	v, _ := i.bus.Read64(vmctxBase + off.U64())
	return v
}

// MemoryPages returns the size of linear memory in pages.
func (i *Instance) MemoryPages() uint32 {
	if i.memory == nil {
		return 0
	}
	return uint32(uint64(len(i.memory.Data)) / uint64(wasm.MemoryPageSize))
}

// Memory returns a view of linear memory, or nil if the module has none. The view is invalidated by memory growth.
func (i *Instance) Memory() []byte {
	if i.memory == nil {
		return nil
	}
	return i.memory.Data
}

// ReadMemory returns n bytes of linear memory at offset.
func (i *Instance) ReadMemory(offset, n uint32) ([]byte, bool) {
	mem := i.Memory()
	if uint64(offset)+uint64(n) > uint64(len(mem)) {
		return nil, false
	}
	return mem[offset : offset+n], true
}

// WriteMemory copies b into linear memory at offset.
func (i *Instance) WriteMemory(offset uint32, b []byte) bool {
	mem := i.Memory()
	if uint64(offset)+uint64(len(b)) > uint64(len(mem)) {
		return false
	}
	copy(mem[offset:], b)
	return true
}

// Globals returns the current value of every global.
func (i *Instance) Globals() []state.Global {
	n := len(i.module.Module.GlobalSection)
	ret := make([]state.Global, n)
	for idx := range ret {
		addr := i.globalsAddr + uint64(idx)*engineapi.GlobalSize
		ret[idx].Lo, _ = i.bus.Read64(addr)
		ret[idx].Hi, _ = i.bus.Read64(addr + 8)
	}
	return ret
}

// setMemoryPages resizes linear memory, keeping its contents up to the new size.
func (i *Instance) setMemoryPages(pages uint32) {
	size := uint64(pages) * uint64(wasm.MemoryPageSize)
	if cur := uint64(len(i.memory.Data)); size > cur {
		i.memory.Data = append(i.memory.Data, make([]byte, size-cur)...)
	} else {
		i.memory.Data = i.memory.Data[:size]
	}
	i.writeVmctx(offsets.MemoryBound, size)
}

// growMemory grows linear memory by delta pages and returns the previous page count, or false past the limit.
func (i *Instance) growMemory(delta uint32) (uint32, bool) {
	if i.memory == nil {
		return 0, false
	}
	prev := i.MemoryPages()
	if uint64(prev)+uint64(delta) > uint64(i.memoryMax) {
		return 0, false
	}
	if delta > 0 {
		i.setMemoryPages(prev + delta)
	}
	return prev, true
}

// machine is the view of an instance the stack synthesizer needs.
type machine struct{ i *Instance }

func (m machine) CPU() *vm64.CPU { return m.i.cpu }

func (m machine) RestoreMemory(mem []byte) error {
	i := m.i
	if i.memory == nil {
		if mem != nil {
			return fmt.Errorf("%w: image has a memory but the module has none", unwind.ErrImageMismatch)
		}
		return nil
	}
	if mem == nil {
		return fmt.Errorf("%w: image has no memory", unwind.ErrImageMismatch)
	}
	pageSize := uint64(wasm.MemoryPageSize)
	if uint64(len(mem))%pageSize != 0 {
		return fmt.Errorf("%w: memory of %d bytes is not a whole number of pages", unwind.ErrImageMismatch, len(mem))
	}
	pages := uint64(len(mem)) / pageSize
	if pages < uint64(i.module.Module.MemorySection.Min) || pages > uint64(i.memoryMax) {
		return fmt.Errorf("%w: memory of %d pages is out of range [%d, %d]", unwind.ErrImageMismatch, pages,
			i.module.Module.MemorySection.Min, i.memoryMax)
	}
	i.setMemoryPages(uint32(pages))
	copy(i.memory.Data, mem)
	return nil
}

func (m machine) RestoreGlobals(globals []state.Global) error {
	i := m.i
	if len(globals) != len(i.module.Module.GlobalSection) {
		return fmt.Errorf("%w: image has %d globals, module has %d", unwind.ErrImageMismatch, len(globals),
			len(i.module.Module.GlobalSection))
	}
	for idx, g := range globals {
		addr := i.globalsAddr + uint64(idx)*engineapi.GlobalSize
		i.bus.Write64(addr, g.Lo)
		i.bus.Write64(addr+8, g.Hi)
	}
	return nil
}

func (m machine) Vmctx() uint64 { return vmctxBase }

func (m machine) StackRange() (lo, hi uint64) { return m.i.stackLo + stackGuard, stackTop }

func (m machine) SwitchAddress() uint64 { return runtimeBase + vm64.InstructionSize }

func (m machine) HaltAddress() uint64 { return runtimeBase }

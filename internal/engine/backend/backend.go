// Package backend generates vm64 code from the block IR together with the state map of every suspend point in it.
//
// Two tiers share the lowering of individual operations and differ in where slots live:
//
//   - TierBaseline keeps the first five locals in callee-saved registers and every operand stack entry in a frame
//     slot. It carries an explicit shadow region and restores the callee-saved registers from the instance context
//     preservation area.
//   - TierOptimized simplifies the IR first, keeps every local in the frame (packing i32 locals in pairs), tracks
//     constants within a block and elides guards whose operands are known to be safe.
package backend

import (
	"errors"
	"fmt"

	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// Tier selects the code generation strategy.
type Tier byte

const (
	TierBaseline Tier = iota
	TierOptimized
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return fmt.Sprintf("tier(%d)", byte(t))
}

// Env is the module-level information the backend needs.
type Env struct {
	Module *wasm.Module
}

func (e *Env) minMemoryBytes() uint64 {
	if e == nil || e.Module == nil || e.Module.MemorySection == nil {
		return 0
	}
	return uint64(e.Module.MemorySection.Min) * uint64(wasm.MemoryPageSize)
}

func (e *Env) minTableLength() uint64 {
	if e == nil || e.Module == nil || e.Module.TableSection == nil {
		return 0
	}
	return uint64(e.Module.TableSection.Min)
}

// Relocation is a direct call whose displacement is resolved once all functions are laid out.
type Relocation struct {
	// Offset is the function relative offset of the OpCall instruction.
	Offset uint64
	// FuncIndex is the callee in the function index namespace.
	FuncIndex wasm.Index
}

// Compiled is the code of one function.
type Compiled struct {
	Code        []byte
	Relocations []Relocation
	StateMap    *state.FunctionStateMap
	// FrameSize is the number of bytes the prologue reserves below the frame pointer.
	FrameSize uint64
}

// ErrUnsupportedInstruction is returned for IR the backend cannot lower.
var ErrUnsupportedInstruction = errors.New("unsupported instruction")

type compiler struct {
	fn        *ir.Function
	env       *Env
	optimized bool

	asm      *vm64.Assembler
	layout   *frameLayout
	fsm      *state.FunctionStateMap
	labels   map[ir.BlockID]vm64.Label
	epilogue vm64.Label
	relocs   []Relocation

	// consts holds the operand stack entries with a value known at compile time. It is only used by TierOptimized
	// and is reset at every block boundary.
	consts map[int]uint64
	// next is the block laid out after the current one.
	next ir.BlockID
}

// Compile generates the code of fn at the given tier. fn may be modified.
func Compile(fn *ir.Function, env *Env, tier Tier) (*Compiled, error) {
	c := &compiler{
		fn:        fn,
		env:       env,
		optimized: tier == TierOptimized,
		asm:       vm64.NewAssembler(),
		labels:    make(map[ir.BlockID]vm64.Label, len(fn.Blocks)),
		consts:    map[int]uint64{},
	}
	if c.optimized {
		ir.Simplify(fn)
		c.layout = newOptimizedLayout(fn)
	} else {
		c.layout = newBaselineLayout(fn)
	}
	c.fsm = state.NewFunctionStateMap(fn.LocalIndex, c.layout.shadowSize, c.layout.abstractLocals)
	for _, blk := range fn.Blocks {
		c.labels[blk.ID] = c.asm.NewLabel()
	}
	c.epilogue = c.asm.NewLabel()

	c.emitPrologue()
	for i, blk := range fn.Blocks {
		c.next = -1
		if i+1 < len(fn.Blocks) {
			c.next = fn.Blocks[i+1].ID
		}
		c.asm.Bind(c.labels[blk.ID])
		for k := range c.consts {
			delete(c.consts, k)
		}
		for j := range blk.Instrs {
			if err := c.lower(&blk.Instrs[j]); err != nil {
				return nil, fmt.Errorf("block %d: %w", blk.ID, err)
			}
		}
	}
	c.emitEpilogue()

	code, err := c.asm.Assemble()
	if err != nil {
		return nil, err
	}
	c.fsm.Finalize(uint64(len(code)))
	return &Compiled{Code: code, Relocations: c.relocs, StateMap: c.fsm, FrameSize: uint64(c.layout.frameBytes)}, nil
}

func (c *compiler) emitPrologue() {
	a, l := c.asm, c.layout

	ok := a.NewLabel()
	a.AddImm(vm64.R0, vm64.SP, -(l.frameBytes + 16 + stackCheckMargin))
	a.Load64(vm64.R1, vm64.VmctxRegister, offsets.StackLimit.I64())
	a.Op3(vm64.OpCmp, vm64.CondLtU, vm64.R2, vm64.R0, vm64.R1)
	a.Jump(vm64.OpJz, vm64.R2, ok)
	a.Trap(vm64.TrapCodeStackOverflow)
	a.Bind(ok)

	a.Push(vm64.FP)
	a.Mov(vm64.FP, vm64.SP)
	a.AddImm(vm64.SP, vm64.SP, -l.frameBytes)
	a.Store64(vm64.VmctxRegister, vm64.FP, l.vmctxOffset)
	for _, s := range l.saved {
		a.Store64(s.reg, vm64.FP, s.offset)
	}

	params := len(c.fn.Type.Params)
	if c.optimized {
		a.Load64(vm64.R0, vm64.VmctxRegister, offsets.GlobalsBase.I64())
		a.Store64(vm64.R0, vm64.FP, l.globalsOffset)
		a.Load64(memoryBaseRegister, vm64.VmctxRegister, offsets.MemoryBase.I64())
		for i := 0; i < params; i++ {
			a.Load64(vm64.R0, vm64.FP, callerArgsOffset+8*int64(i))
			c.storeLocal(i, vm64.R0)
		}
	} else {
		for i := 0; i < params && i < len(baselineLocalRegisters); i++ {
			a.Load64(l.locals[i].reg, vm64.FP, callerArgsOffset+8*int64(i))
		}
	}

	zeroed := false
	for i := params; i < len(l.locals); i++ {
		switch loc := l.locals[i]; loc.kind {
		case localInRegister:
			a.MovImm(loc.reg, 0)
		case localInFrame, localInFrame32:
			if !zeroed {
				a.MovImm(vm64.R0, 0)
				zeroed = true
			}
			c.storeLocal(i, vm64.R0)
		}
	}
}

func (c *compiler) emitEpilogue() {
	a := c.asm
	a.Bind(c.epilogue)
	for _, s := range c.layout.saved {
		a.Load64(s.reg, vm64.FP, s.offset)
	}
	a.Mov(vm64.SP, vm64.FP)
	a.Pop(vm64.FP)
	a.Emit(vm64.Instruction{Op: vm64.OpRet})
}

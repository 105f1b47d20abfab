package backend

import (
	"fmt"

	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

var offsets = engineapi.VmctxOffsets

// scratchMaterialize is only used while writing tracked constants back to their slots.
const scratchMaterialize = vm64.R11

func (c *compiler) lower(instr *ir.Instruction) error {
	a := c.asm
	switch instr.Op {
	case ir.OpcodeConst:
		c.define(instr.Dst, instr.Imm, vm64.R0)
	case ir.OpcodeMove:
		if v, ok := c.constOf(instr.X); ok {
			c.define(instr.Dst, v, vm64.R0)
			return nil
		}
		c.def(instr.Dst, c.use(vm64.R0, instr.X))
	case ir.OpcodeSelect:
		if cond, ok := c.constOf(instr.Z); ok {
			src := instr.Y
			if cond != 0 {
				src = instr.X
			}
			return c.lower(&ir.Instruction{Op: ir.OpcodeMove, Dst: instr.Dst, X: src})
		}
		y := c.use(vm64.R1, instr.Y)
		a.Mov(vm64.R6, y)
		x := c.use(vm64.R0, instr.X)
		cond := c.use(vm64.R2, instr.Z)
		a.Emit(vm64.Instruction{Op: vm64.OpCMovNZ, A: vm64.R6, B: cond, C: x})
		c.def(instr.Dst, vm64.R6)
	case ir.OpcodeUnary:
		if instr.Kind == ir.UnaryReinterpret {
			return c.lower(&ir.Instruction{Op: ir.OpcodeMove, Dst: instr.Dst, X: instr.X})
		}
		op, mode := unaryOp(instr.Kind, instr.Type)
		c.lowerOp(op, mode, instr.Dst, instr.X, ir.Slot{})
	case ir.OpcodeBinary:
		op, mode := binaryOp(instr.Kind, instr.Type)
		c.lowerOp(op, mode, instr.Dst, instr.X, instr.Y)
	case ir.OpcodeCompare:
		op, mode := compareOp(instr.Kind, instr.Type)
		c.lowerOp(op, mode, instr.Dst, instr.X, instr.Y)
	case ir.OpcodeConvert:
		op, mode := convertOp(instr.Kind)
		c.lowerOp(op, mode, instr.Dst, instr.X, ir.Slot{})
	case ir.OpcodeLoad:
		addr := c.use(vm64.R0, instr.X)
		a.Op3(vm64.OpAdd, 0, vm64.R0, addr, c.memoryBase(vm64.R1))
		mode := instr.Kind & ir.AccessWidthMask
		if instr.Kind&ir.LoadSigned != 0 {
			mode |= vm64.ModeSigned
		}
		if instr.Type == wasm.ValueTypeI32 {
			mode |= vm64.ModeW32
		}
		a.Load(vm64.R0, vm64.R0, int64(instr.Imm), mode)
		c.def(instr.Dst, vm64.R0)
	case ir.OpcodeStore:
		addr := c.use(vm64.R0, instr.X)
		a.Op3(vm64.OpAdd, 0, vm64.R0, addr, c.memoryBase(vm64.R1))
		v := c.use(vm64.R1, instr.Y)
		a.Store(v, vm64.R0, int64(instr.Imm), instr.Kind&ir.AccessWidthMask)
	case ir.OpcodeGlobalGet:
		base := c.globalsBase(vm64.R1)
		a.Load64(vm64.R0, base, int64(instr.Imm)*engineapi.GlobalSize)
		c.def(instr.Dst, vm64.R0)
	case ir.OpcodeGlobalSet:
		v := c.use(vm64.R0, instr.X)
		base := c.globalsBase(vm64.R1)
		a.Store64(v, base, int64(instr.Imm)*engineapi.GlobalSize)
	case ir.OpcodeMemorySize:
		a.Emit(vm64.Instruction{Op: vm64.OpHostCall, Imm: int64(engineapi.HostCallMemorySize)})
		c.def(instr.Dst, vm64.ReturnRegister)
	case ir.OpcodeMemoryGrow:
		a.Mov(vm64.ReturnRegister, c.use(vm64.R0, instr.X))
		a.Emit(vm64.Instruction{Op: vm64.OpHostCall, Imm: int64(engineapi.HostCallMemoryGrow)})
		c.reloadMemoryBase()
		c.def(instr.Dst, vm64.ReturnRegister)
	case ir.OpcodeCall:
		c.lowerCall(instr, false)
	case ir.OpcodeCallIndirect:
		c.lowerCall(instr, true)
	case ir.OpcodePoll:
		off := a.Emit(vm64.Instruction{Op: vm64.OpPoll})
		c.record(state.SuspendLoop, off, off, instr.Suspend, false, 0)

	case ir.OpcodeTrapIfZero, ir.OpcodeTrapIfDivOverflow, ir.OpcodeTrapIfTruncInvalid, ir.OpcodeBoundsCheck,
		ir.OpcodeTableBoundsCheck, ir.OpcodeSignatureCheck:
		c.lowerGuard(instr)
	case ir.OpcodeUnreachable:
		if instr.Suspend != nil {
			off := a.Offset()
			c.record(state.SuspendTrappable, off, off, instr.Suspend, false, 0)
		}
		a.Trap(vm64.TrapCodeUnreachable)

	case ir.OpcodeJump:
		c.materialize()
		c.jumpTo(instr.Target)
	case ir.OpcodeBrIf:
		if v, ok := c.constOf(instr.X); ok {
			c.materialize()
			if v != 0 {
				c.jumpTo(instr.Target)
			} else {
				c.jumpTo(instr.Else)
			}
			return nil
		}
		c.materialize()
		cond := c.use(vm64.R0, instr.X)
		a.Jump(vm64.OpJnz, cond, c.labels[instr.Target])
		c.jumpTo(instr.Else)
	case ir.OpcodeBrTable:
		c.materialize()
		idx := c.use(vm64.R0, instr.X)
		targets := make([]vm64.Label, len(instr.Targets))
		for i, t := range instr.Targets {
			targets[i] = c.labels[t]
		}
		a.BrTable(idx, targets)
	case ir.OpcodeReturn:
		if instr.X.Valid() {
			a.Mov(vm64.ReturnRegister, c.use(vm64.R0, instr.X))
		}
		a.Jump(vm64.OpJmp, 0, c.epilogue)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedInstruction, instr.Op)
	}
	return nil
}

func (c *compiler) jumpTo(target ir.BlockID) {
	if target != c.next {
		c.asm.Jump(vm64.OpJmp, 0, c.labels[target])
	}
}

// lowerOp emits dst = op(x, y), folding it when every operand is a tracked constant.
func (c *compiler) lowerOp(op vm64.Op, mode byte, dst, x, y ir.Slot) {
	xv, xok := c.constOf(x)
	yv, yok := c.constOf(y)
	if xok && (yok || !y.Valid()) {
		if v, ok := vm64.Eval(op, mode, xv, yv); ok {
			c.define(dst, v, vm64.R0)
			return
		}
	}
	xr := c.use(vm64.R0, x)
	if y.Valid() {
		c.asm.Op3(op, mode, vm64.R0, xr, c.use(vm64.R1, y))
	} else {
		c.asm.Op2(op, mode, vm64.R0, xr)
	}
	c.def(dst, vm64.R0)
}

func (c *compiler) lowerCall(instr *ir.Instruction, indirect bool) {
	a, l := c.asm, c.layout
	s := instr.Suspend
	argCount := int(instr.Imm2)
	if indirect {
		argCount = int(instr.Imm3)
	}

	if !c.optimized {
		for _, r := range engineapi.PreservedRegisters {
			off, _ := engineapi.PreservedRegisterOffset(r)
			a.Store64(r, vm64.VmctxRegister, off.I64())
		}
	}
	for j := 0; j < argCount; j++ {
		a.Store64(c.use(vm64.R0, ir.Stack(instr.X.Index+j)), vm64.SP, 8*int64(j))
	}

	switch {
	case indirect:
		c.tableElement(vm64.R0, instr.Y)
		a.Load64(vm64.R1, vm64.R0, engineapi.TableElementFunctionOffset)
		a.Load64(vm64.VmctxRegister, vm64.R0, engineapi.TableElementVmctxOffset)
		a.Emit(vm64.Instruction{Op: vm64.OpCallR, A: vm64.R1})
	case c.optimized:
		off := a.Emit(vm64.Instruction{Op: vm64.OpCall})
		c.relocs = append(c.relocs, Relocation{Offset: off, FuncIndex: wasm.Index(instr.Imm)})
	default:
		a.Load64(vm64.R0, vm64.VmctxRegister, offsets.FunctionPointerBase.I64())
		a.Load64(vm64.R0, vm64.R0, 8*int64(instr.Imm))
		a.Emit(vm64.Instruction{Op: vm64.OpCallR, A: vm64.R0})
	}

	ret := a.Offset()
	c.record(state.SuspendCall, ret, ret, s, true, argCount)
	a.Load64(vm64.VmctxRegister, vm64.FP, l.vmctxOffset)
	c.reloadMemoryBase()
	for d := s.ArgBase; d < s.Depth; d++ {
		delete(c.consts, d)
	}
	if instr.Dst.Valid() {
		c.def(instr.Dst, vm64.ReturnRegister)
	}
}

// tableElement sets dst to the address of the table element at the index in slot idx.
func (c *compiler) tableElement(dst vm64.Register, idx ir.Slot) {
	a := c.asm
	i := c.use(vm64.R0, idx)
	a.MovImm(vm64.R1, engineapi.TableElementSize)
	a.Op3(vm64.OpMul, 0, dst, i, vm64.R1)
	a.Load64(vm64.R1, vm64.VmctxRegister, offsets.TableBase.I64())
	a.Op3(vm64.OpAdd, 0, dst, dst, vm64.R1)
}

func (c *compiler) memoryBase(scratch vm64.Register) vm64.Register {
	if c.optimized {
		return memoryBaseRegister
	}
	c.asm.Load64(scratch, vm64.VmctxRegister, offsets.MemoryBase.I64())
	return scratch
}

// reloadMemoryBase refreshes the cached memory base after anything that may have grown linear memory.
func (c *compiler) reloadMemoryBase() {
	if c.optimized {
		c.asm.Load64(memoryBaseRegister, vm64.VmctxRegister, offsets.MemoryBase.I64())
	}
}

func (c *compiler) globalsBase(scratch vm64.Register) vm64.Register {
	if c.optimized {
		c.asm.Load64(scratch, vm64.FP, c.layout.globalsOffset)
	} else {
		c.asm.Load64(scratch, vm64.VmctxRegister, offsets.GlobalsBase.I64())
	}
	return scratch
}

// constOf returns the compile time value of s, if known.
func (c *compiler) constOf(s ir.Slot) (uint64, bool) {
	switch s.Kind {
	case ir.SlotStack:
		v, ok := c.consts[s.Index]
		return v, ok
	case ir.SlotLocal:
		if c.layout.locals[s.Index].kind == localConstZero {
			return 0, true
		}
	}
	return 0, false
}

// use returns a register holding the value of s, loading it into scratch if needed. The returned register must not
// be written.
func (c *compiler) use(scratch vm64.Register, s ir.Slot) vm64.Register {
	a := c.asm
	if v, ok := c.constOf(s); ok {
		a.MovImm(scratch, int64(v))
		return scratch
	}
	if s.Kind == ir.SlotStack {
		a.Load64(scratch, vm64.FP, c.layout.operandOffsets[s.Index])
		return scratch
	}
	switch loc := c.layout.locals[s.Index]; loc.kind {
	case localInRegister:
		return loc.reg
	case localInFrame32:
		a.Load(scratch, vm64.FP, loc.offset, vm64.Width32)
	default:
		a.Load64(scratch, vm64.FP, loc.offset)
	}
	return scratch
}

// def stores r into s.
func (c *compiler) def(s ir.Slot, r vm64.Register) {
	if s.Kind == ir.SlotStack {
		delete(c.consts, s.Index)
		c.asm.Store64(r, vm64.FP, c.layout.operandOffsets[s.Index])
		return
	}
	c.storeLocal(s.Index, r)
}

// define sets s to the constant v, tracking it instead of storing it when possible.
func (c *compiler) define(s ir.Slot, v uint64, scratch vm64.Register) {
	if c.optimized && s.Kind == ir.SlotStack {
		c.consts[s.Index] = v
		return
	}
	c.asm.MovImm(scratch, int64(v))
	c.def(s, scratch)
}

func (c *compiler) storeLocal(i int, r vm64.Register) {
	switch loc := c.layout.locals[i]; loc.kind {
	case localInRegister:
		c.asm.Mov(loc.reg, r)
	case localInFrame32:
		c.asm.Store(r, vm64.FP, loc.offset, vm64.Width32)
	case localInFrame, localInCaller:
		c.asm.Store64(r, vm64.FP, loc.offset)
	}
}

// materialize writes every tracked constant to its slot.
func (c *compiler) materialize() {
	for d := 0; d < len(c.layout.operandOffsets); d++ {
		if v, ok := c.consts[d]; ok {
			c.asm.MovImm(scratchMaterialize, int64(v))
			c.asm.Store64(scratchMaterialize, vm64.FP, c.layout.operandOffsets[d])
		}
	}
	for k := range c.consts {
		delete(c.consts, k)
	}
}

func unaryOp(kind byte, typ wasm.ValueType) (vm64.Op, byte) {
	var w32, f32 byte
	if typ == wasm.ValueTypeI32 {
		w32 = vm64.ModeW32
	} else if typ == wasm.ValueTypeF32 {
		f32 = vm64.ModeF32
	}
	switch kind {
	case ir.UnaryClz, ir.UnaryCtz, ir.UnaryPopcnt, ir.UnaryEqz:
		return vm64.OpClz + (kind - ir.UnaryClz), w32
	case ir.UnaryExtend8S:
		return vm64.OpSext, vm64.Width8 | w32
	case ir.UnaryExtend16S:
		return vm64.OpSext, vm64.Width16 | w32
	case ir.UnaryExtend32S:
		return vm64.OpSext, vm64.Width32
	case ir.UnaryExtendU32, ir.UnaryWrap:
		return vm64.OpZext, vm64.Width32
	case ir.UnaryDemote:
		return vm64.OpFDemote, 0
	case ir.UnaryPromote:
		return vm64.OpFPromote, 0
	}
	return vm64.OpFAbs + (kind - ir.UnaryFAbs), f32
}

func binaryOp(kind byte, typ wasm.ValueType) (vm64.Op, byte) {
	if kind < ir.BinaryFAdd {
		if typ == wasm.ValueTypeI32 {
			return vm64.OpAdd + kind, vm64.ModeW32
		}
		return vm64.OpAdd + kind, 0
	}
	if typ == wasm.ValueTypeF32 {
		return vm64.OpFAdd + (kind - ir.BinaryFAdd), vm64.ModeF32
	}
	return vm64.OpFAdd + (kind - ir.BinaryFAdd), 0
}

func compareOp(kind byte, typ wasm.ValueType) (vm64.Op, byte) {
	if kind < ir.CmpFEq {
		if typ == wasm.ValueTypeI32 {
			return vm64.OpCmp, kind | vm64.ModeW32
		}
		return vm64.OpCmp, kind
	}
	if typ == wasm.ValueTypeF32 {
		return vm64.OpFCmp, (kind - ir.CmpFEq) | vm64.ModeF32
	}
	return vm64.OpFCmp, kind - ir.CmpFEq
}

func convertOp(flags byte) (vm64.Op, byte) {
	if flags&ir.ConvToFloat != 0 {
		return vm64.OpIToF, flags & (ir.ConvSrc64 | ir.ConvDst64 | ir.ConvSigned)
	}
	return vm64.OpFToI, flags & (ir.ConvSrc64 | ir.ConvDst64 | ir.ConvSigned | ir.ConvSaturating)
}

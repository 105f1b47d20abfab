package backend

import (
	"math"

	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// lowerGuard emits a trap guard. Every emitted guard is a trappable suspend point that starts at its first
// instruction, and the trap itself is inline.
func (c *compiler) lowerGuard(instr *ir.Instruction) {
	if c.optimized && c.guardIsSafe(instr) {
		return
	}
	a := c.asm
	start := a.Offset()
	c.record(state.SuspendTrappable, start, start, instr.Suspend, false, 0)

	ok := a.NewLabel()
	var code vm64.TrapCode
	switch instr.Op {
	case ir.OpcodeTrapIfZero:
		code = vm64.TrapCodeIllegalArithmetic
		a.Jump(vm64.OpJnz, c.use(vm64.R0, instr.X), ok)
	case ir.OpcodeTrapIfDivOverflow:
		code = vm64.TrapCodeIllegalArithmetic
		cond, lowest := vm64.CondEq, int64(math.MinInt64)
		if instr.Type == wasm.ValueTypeI32 {
			cond, lowest = cond|vm64.ModeW32, math.MinInt32
		}
		y := c.use(vm64.R1, instr.Y)
		a.MovImm(vm64.R2, -1)
		a.Op3(vm64.OpCmp, cond, vm64.R2, y, vm64.R2)
		a.Jump(vm64.OpJz, vm64.R2, ok)
		x := c.use(vm64.R0, instr.X)
		a.MovImm(vm64.R2, lowest)
		a.Op3(vm64.OpCmp, cond, vm64.R2, x, vm64.R2)
		a.Jump(vm64.OpJz, vm64.R2, ok)
	case ir.OpcodeTrapIfTruncInvalid:
		code = vm64.TrapCodeIllegalArithmetic
		var f32 byte
		if instr.Type == wasm.ValueTypeF32 {
			f32 = vm64.ModeF32
		}
		trap := a.NewLabel()
		shift, invalid := instr.TruncExponent()
		x := c.use(vm64.R0, instr.X)
		a.MovImm(vm64.R1, int64(shift))
		a.Op3(vm64.OpShrU, 0, vm64.R2, x, vm64.R1)
		a.MovImm(vm64.R1, int64(invalid))
		a.Op3(vm64.OpAnd, 0, vm64.R2, vm64.R2, vm64.R1)
		a.Op3(vm64.OpCmp, vm64.CondEq, vm64.R2, vm64.R2, vm64.R1)
		a.Jump(vm64.OpJnz, vm64.R2, trap)
		a.MovImm(vm64.R1, int64(instr.Imm))
		a.Op3(vm64.OpFCmp, vm64.FCondLe|f32, vm64.R2, x, vm64.R1)
		a.Jump(vm64.OpJnz, vm64.R2, trap)
		a.MovImm(vm64.R1, int64(instr.Imm2))
		a.Op3(vm64.OpFCmp, vm64.FCondGe|f32, vm64.R2, x, vm64.R1)
		a.Jump(vm64.OpJz, vm64.R2, ok)
		a.Bind(trap)
	case ir.OpcodeBoundsCheck:
		code = vm64.TrapCodeMemoryOutOfBounds
		addr := c.use(vm64.R0, instr.X)
		a.AddImm(vm64.R2, addr, int64(instr.Imm+instr.Imm2))
		a.Load64(vm64.R1, vm64.VmctxRegister, offsets.MemoryBound.I64())
		a.Op3(vm64.OpCmp, vm64.CondGtU, vm64.R2, vm64.R2, vm64.R1)
		a.Jump(vm64.OpJz, vm64.R2, ok)
	case ir.OpcodeTableBoundsCheck:
		code = vm64.TrapCodeCallIndirectOutOfBounds
		idx := c.use(vm64.R0, instr.X)
		a.Load64(vm64.R1, vm64.VmctxRegister, offsets.TableLength.I64())
		a.Op3(vm64.OpCmp, vm64.CondLtU, vm64.R2, idx, vm64.R1)
		a.Jump(vm64.OpJnz, vm64.R2, ok)
	case ir.OpcodeSignatureCheck:
		code = vm64.TrapCodeCallIndirectSignatureMismatch
		c.tableElement(vm64.R0, instr.X)
		a.Load(vm64.R1, vm64.R0, engineapi.TableElementSignatureOffset, vm64.Width32)
		a.MovImm(vm64.R2, int64(instr.Imm2))
		a.Op3(vm64.OpCmp, vm64.CondEq, vm64.R2, vm64.R1, vm64.R2)
		a.Jump(vm64.OpJnz, vm64.R2, ok)
	}
	a.Trap(code)
	a.Bind(ok)
}

// guardIsSafe returns true if the operands of the guard are constants for which it cannot trap.
func (c *compiler) guardIsSafe(instr *ir.Instruction) bool {
	x, xok := c.constOf(instr.X)
	switch instr.Op {
	case ir.OpcodeTrapIfZero:
		if instr.Type == wasm.ValueTypeI32 {
			x = uint64(uint32(x))
		}
		return xok && x != 0
	case ir.OpcodeTrapIfDivOverflow:
		y, yok := c.constOf(instr.Y)
		if instr.Type == wasm.ValueTypeI32 {
			return (yok && uint32(y) != math.MaxUint32) || (xok && uint32(x) != 1<<31)
		}
		return (yok && y != math.MaxUint64) || (xok && x != 1<<63)
	case ir.OpcodeTrapIfTruncInvalid:
		if !xok {
			return false
		}
		var v, lower, upper float64
		if instr.Type == wasm.ValueTypeF32 {
			v = float64(math.Float32frombits(uint32(x)))
			lower = float64(math.Float32frombits(uint32(instr.Imm)))
			upper = float64(math.Float32frombits(uint32(instr.Imm2)))
		} else {
			v = math.Float64frombits(x)
			lower = math.Float64frombits(instr.Imm)
			upper = math.Float64frombits(instr.Imm2)
		}
		return !math.IsNaN(v) && !math.IsInf(v, 0) && v > lower && v < upper
	case ir.OpcodeBoundsCheck:
		return xok && uint64(uint32(x))+instr.Imm+instr.Imm2 <= c.env.minMemoryBytes()
	case ir.OpcodeTableBoundsCheck:
		return xok && uint64(uint32(x)) < c.env.minTableLength()
	}
	return false
}

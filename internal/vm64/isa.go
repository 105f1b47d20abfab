// Package vm64 is the native target of the code generator: a 64-bit register machine with a frame-pointer call
// stack, fixed-width instructions and a segmented address space. Generated code, the call stack and the runtime
// structures all live in one Bus, so the stack walker reads real machine words.
package vm64

import (
	"encoding/binary"
	"fmt"
)

// Register is an index into the machine register file. General purpose registers come first, vector registers
// follow, matching the register index space of a machine state record.
type Register = byte

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	V0
	V1
	V2
	V3
	V4
	V5
	V6
	V7

	NumGPRegisters = 16
	NumRegisters   = 24
)

const (
	// SP is the stack pointer.
	SP = R4
	// FP is the frame pointer.
	FP = R5
	// VmctxRegister carries the instance context pointer on function entry.
	VmctxRegister = R7
	// ReturnRegister holds the single result of a call.
	ReturnRegister = R0
)

// CalleeSaved lists the registers a callee must restore before returning.
var CalleeSaved = [...]Register{R3, R12, R13, R14, R15}

// RegisterName returns the assembly name of r.
func RegisterName(r Register) string {
	switch {
	case r == SP:
		return "sp"
	case r == FP:
		return "fp"
	case r < NumGPRegisters:
		return fmt.Sprintf("r%d", r)
	case r < NumRegisters:
		return fmt.Sprintf("v%d", r-V0)
	}
	return fmt.Sprintf("invalid(%d)", r)
}

// Op is an instruction opcode.
type Op = byte

const (
	OpNop Op = iota
	// OpHalt stops the machine with ExitReturned.
	OpHalt
	// OpMovImm sets A to Imm.
	OpMovImm
	// OpMov copies B into A.
	OpMov
	// OpLoad loads A from [B+Imm] with the width and extension in Mode.
	OpLoad
	// OpStore stores the low Mode-width bytes of A to [B+Imm].
	OpStore
	// OpAddImm sets A to B+Imm in 64 bits.
	OpAddImm

	// Integer binary operations: A = B op C. ModeW32 operates on the low 32 bits and zero-extends.
	OpAdd
	OpSub
	OpMul
	OpDivS
	OpDivU
	OpRemS
	OpRemU
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrS
	OpShrU
	OpRotl
	OpRotr

	// Integer unary operations: A = op B.
	OpClz
	OpCtz
	OpPopcnt
	OpEqz
	// OpSext sign-extends B from the Mode width. ModeW32 truncates the result to 32 bits.
	OpSext
	// OpZext zero-extends B from the Mode width.
	OpZext

	// OpCmp sets A to 1 if B cond C holds, 0 otherwise. Mode holds a Cond and optionally ModeW32.
	OpCmp
	// OpFCmp sets A to 1 if B fcond C holds. Mode holds an FCond and optionally ModeF32.
	OpFCmp

	// Float binary operations on raw bit patterns; ModeF32 for f32 in the low 32 bits.
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFMin
	OpFMax
	OpFCopysign

	// Float unary operations.
	OpFAbs
	OpFNeg
	OpFSqrt
	OpFCeil
	OpFFloor
	OpFTrunc
	OpFNearest

	// OpFToI converts a float to an integer. Mode holds ConvSrc64, ConvDst64, ConvSigned and ConvSaturating.
	OpFToI
	// OpIToF converts an integer to a float. Mode holds ConvSrc64, ConvDst64 and ConvSigned.
	OpIToF
	// OpFDemote converts f64 to f32.
	OpFDemote
	// OpFPromote converts f32 to f64.
	OpFPromote

	// OpCMovNZ sets A to C if B is not zero.
	OpCMovNZ

	// OpJmp jumps to PC+Imm.
	OpJmp
	// OpJz jumps to PC+Imm if A is zero.
	OpJz
	// OpJnz jumps to PC+Imm if A is not zero.
	OpJnz
	// OpBrTable jumps into the Imm+1 jump instructions that follow, picking index min(uint32(A), Imm).
	OpBrTable

	// OpCall pushes the return address and jumps to PC+Imm.
	OpCall
	// OpCallR pushes the return address and jumps to the address in A.
	OpCallR
	// OpRet pops the return address and jumps to it.
	OpRet
	// OpPush pushes A.
	OpPush
	// OpPop pops into A.
	OpPop

	// OpTrap stops the machine with ExitTrapped and the TrapCode in Imm.
	OpTrap
	// OpPoll stops the machine with ExitInterrupted if an interrupt was raised.
	OpPoll
	// OpHostCall invokes Host.HostCall with the id in Imm.
	OpHostCall

	opEnd
)

// Mode bits.
const (
	// ModeW32 selects 32-bit integer arithmetic.
	ModeW32 byte = 0x80
	// ModeF32 selects f32 float arithmetic.
	ModeF32 byte = 0x40
	// ModeSigned selects sign extension on loads.
	ModeSigned byte = 0x10

	ConvSrc64      byte = 0x01
	ConvDst64      byte = 0x02
	ConvSigned     byte = 0x04
	ConvSaturating byte = 0x08
)

// Width is the access size of loads, stores and extensions, stored in the low bits of Mode.
type Width = byte

const (
	Width8 Width = iota
	Width16
	Width32
	Width64
	widthMask = 0x03
)

// WidthBytes returns the number of bytes accessed with w.
func WidthBytes(w Width) uint64 {
	return 1 << (w & widthMask)
}

// Cond is the condition of OpCmp.
type Cond = byte

const (
	CondEq Cond = iota
	CondNe
	CondLtS
	CondLtU
	CondGtS
	CondGtU
	CondLeS
	CondLeU
	CondGeS
	CondGeU
	condMask = 0x0f
)

// FCond is the condition of OpFCmp. Every condition except FCondNe is false if either operand is NaN.
type FCond = byte

const (
	FCondEq FCond = iota
	FCondNe
	FCondLt
	FCondGt
	FCondLe
	FCondGe
)

// TrapCode identifies why generated code stopped with OpTrap.
type TrapCode uint32

const (
	TrapCodeUnreachable TrapCode = iota
	// TrapCodeIllegalArithmetic covers integer division by zero, integer overflow and invalid float-to-int
	// conversion.
	TrapCodeIllegalArithmetic
	TrapCodeMemoryOutOfBounds
	TrapCodeCallIndirectOutOfBounds
	TrapCodeCallIndirectSignatureMismatch
	TrapCodeStackOverflow
	trapCodeEnd
)

// String implements fmt.Stringer.
func (t TrapCode) String() string {
	switch t {
	case TrapCodeUnreachable:
		return "unreachable"
	case TrapCodeIllegalArithmetic:
		return "illegal_arithmetic"
	case TrapCodeMemoryOutOfBounds:
		return "memory_out_of_bounds"
	case TrapCodeCallIndirectOutOfBounds:
		return "call_indirect_out_of_bounds"
	case TrapCodeCallIndirectSignatureMismatch:
		return "call_indirect_signature_mismatch"
	case TrapCodeStackOverflow:
		return "stack_overflow"
	}
	return fmt.Sprintf("trap_code(%d)", uint32(t))
}

// InstructionSize is the encoded size of every instruction.
const InstructionSize = 16

// Instruction is one decoded machine instruction.
type Instruction struct {
	Op      Op
	A, B, C Register
	Mode    byte
	Imm     int64
}

// Encode writes the instruction into buf, which must hold InstructionSize bytes.
func (i *Instruction) Encode(buf []byte) {
	buf[0], buf[1], buf[2], buf[3], buf[4] = i.Op, i.A, i.B, i.C, i.Mode
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[8:], uint64(i.Imm))
}

// Decode reads an instruction from buf, which must hold InstructionSize bytes.
func Decode(buf []byte) Instruction {
	return Instruction{
		Op: buf[0], A: buf[1], B: buf[2], C: buf[3], Mode: buf[4],
		Imm: int64(binary.LittleEndian.Uint64(buf[8:])),
	}
}

var opNames = [...]string{
	OpNop: "nop", OpHalt: "halt", OpMovImm: "movi", OpMov: "mov", OpLoad: "load", OpStore: "store",
	OpAddImm: "addi", OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDivS: "div_s", OpDivU: "div_u",
	OpRemS: "rem_s", OpRemU: "rem_u", OpAnd: "and", OpOr: "or", OpXor: "xor", OpShl: "shl", OpShrS: "shr_s",
	OpShrU: "shr_u", OpRotl: "rotl", OpRotr: "rotr", OpClz: "clz", OpCtz: "ctz", OpPopcnt: "popcnt",
	OpEqz: "eqz", OpSext: "sext", OpZext: "zext", OpCmp: "cmp", OpFCmp: "fcmp", OpFAdd: "fadd",
	OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv", OpFMin: "fmin", OpFMax: "fmax",
	OpFCopysign: "fcopysign", OpFAbs: "fabs", OpFNeg: "fneg", OpFSqrt: "fsqrt", OpFCeil: "fceil",
	OpFFloor: "ffloor", OpFTrunc: "ftrunc", OpFNearest: "fnearest", OpFToI: "ftoi", OpIToF: "itof",
	OpFDemote: "fdemote", OpFPromote: "fpromote", OpCMovNZ: "cmovnz", OpJmp: "jmp", OpJz: "jz",
	OpJnz: "jnz", OpBrTable: "brtable", OpCall: "call", OpCallR: "callr", OpRet: "ret", OpPush: "push",
	OpPop: "pop", OpTrap: "trap", OpPoll: "poll", OpHostCall: "hostcall",
}

// OpName returns the mnemonic of op.
func OpName(op Op) string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", op)
}

// String implements fmt.Stringer.
func (i Instruction) String() string {
	switch i.Op {
	case OpNop, OpHalt, OpRet, OpPoll:
		return OpName(i.Op)
	case OpMovImm:
		return fmt.Sprintf("movi %s, %#x", RegisterName(i.A), i.Imm)
	case OpMov, OpClz, OpCtz, OpPopcnt, OpEqz, OpSext, OpZext, OpFAbs, OpFNeg, OpFSqrt, OpFCeil, OpFFloor,
		OpFTrunc, OpFNearest, OpFToI, OpIToF, OpFDemote, OpFPromote:
		return fmt.Sprintf("%s %s, %s", OpName(i.Op), RegisterName(i.A), RegisterName(i.B))
	case OpLoad:
		return fmt.Sprintf("load%d %s, [%s%+d]", 8*WidthBytes(i.Mode), RegisterName(i.A), RegisterName(i.B), i.Imm)
	case OpStore:
		return fmt.Sprintf("store%d [%s%+d], %s", 8*WidthBytes(i.Mode), RegisterName(i.B), i.Imm, RegisterName(i.A))
	case OpAddImm:
		return fmt.Sprintf("addi %s, %s, %d", RegisterName(i.A), RegisterName(i.B), i.Imm)
	case OpJmp, OpCall:
		return fmt.Sprintf("%s %+d", OpName(i.Op), i.Imm)
	case OpJz, OpJnz:
		return fmt.Sprintf("%s %s, %+d", OpName(i.Op), RegisterName(i.A), i.Imm)
	case OpBrTable:
		return fmt.Sprintf("brtable %s, %d", RegisterName(i.A), i.Imm)
	case OpCallR, OpPush, OpPop:
		return fmt.Sprintf("%s %s", OpName(i.Op), RegisterName(i.A))
	case OpTrap:
		return fmt.Sprintf("trap %s", TrapCode(i.Imm))
	case OpHostCall:
		return fmt.Sprintf("hostcall %d", i.Imm)
	default:
		return fmt.Sprintf("%s %s, %s, %s", OpName(i.Op), RegisterName(i.A), RegisterName(i.B), RegisterName(i.C))
	}
}

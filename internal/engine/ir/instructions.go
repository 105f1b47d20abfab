// Package ir is the block IR between the frontend and the backends. Values live in two kinds of slots: WebAssembly
// locals and operand stack depths. Every instruction reads and writes slots directly, so each backend decides where
// a slot lives in the native frame.
package ir

import (
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// SlotKind is the kind of a Slot.
type SlotKind byte

const (
	// SlotNone is the zero Slot, for absent operands.
	SlotNone SlotKind = iota
	// SlotLocal is a WebAssembly local, parameters first.
	SlotLocal
	// SlotStack is an operand stack depth.
	SlotStack
)

// Slot is a storage location of a value.
type Slot struct {
	Kind  SlotKind
	Index int
}

// Local returns the slot of the local i.
func Local(i int) Slot { return Slot{Kind: SlotLocal, Index: i} }

// Stack returns the slot of the operand stack depth d.
func Stack(d int) Slot { return Slot{Kind: SlotStack, Index: d} }

// Valid returns true unless s is SlotNone.
func (s Slot) Valid() bool { return s.Kind != SlotNone }

// String implements fmt.Stringer.
func (s Slot) String() string {
	switch s.Kind {
	case SlotLocal:
		return fmt.Sprintf("l%d", s.Index)
	case SlotStack:
		return fmt.Sprintf("s%d", s.Index)
	}
	return "_"
}

// Opcode is the operation of an Instruction.
type Opcode byte

const (
	OpcodeInvalid Opcode = iota

	// OpcodeConst sets Dst to Imm.
	OpcodeConst
	// OpcodeMove copies X into Dst.
	OpcodeMove
	// OpcodeSelect sets Dst to X if Z is not zero, otherwise to Y.
	OpcodeSelect
	// OpcodeUnary sets Dst to Kind(X). Type is the operand type.
	OpcodeUnary
	// OpcodeBinary sets Dst to X Kind Y. Type is the operand type.
	OpcodeBinary
	// OpcodeCompare sets Dst to 1 if X Kind Y holds. Type is the operand type.
	OpcodeCompare
	// OpcodeConvert converts X between integer and float. Kind holds the Conv flags.
	OpcodeConvert
	// OpcodeLoad sets Dst to the memory at X+Imm. Kind holds the access width and LoadSigned. Type is the result type.
	OpcodeLoad
	// OpcodeStore stores Y to the memory at X+Imm. Kind holds the access width.
	OpcodeStore
	// OpcodeGlobalGet sets Dst to the global Imm.
	OpcodeGlobalGet
	// OpcodeGlobalSet sets the global Imm to X.
	OpcodeGlobalSet
	// OpcodeMemorySize sets Dst to the page count of linear memory.
	OpcodeMemorySize
	// OpcodeMemoryGrow grows linear memory by X pages and sets Dst to the previous page count or -1.
	OpcodeMemoryGrow
	// OpcodeCall calls the function Imm with Imm2 arguments starting at the stack slot X, storing the result to Dst.
	OpcodeCall
	// OpcodeCallIndirect calls the table element Y of type Imm, whose signature id is Imm2, with Imm3 arguments
	// starting at the stack slot X.
	OpcodeCallIndirect
	// OpcodePoll checks for an interrupt request.
	OpcodePoll

	// OpcodeTrapIfZero traps with illegal arithmetic if X is zero.
	OpcodeTrapIfZero
	// OpcodeTrapIfDivOverflow traps with illegal arithmetic if X is the minimum signed value and Y is -1.
	OpcodeTrapIfDivOverflow
	// OpcodeTrapIfTruncInvalid traps with illegal arithmetic unless the float X of Type truncates to the target
	// range: NaN and infinities trap, as do values at or below Imm or at or above Imm2 (both float bits of Type).
	// Imm3 holds the exponent shift and invalid exponent, see TruncExponent.
	OpcodeTrapIfTruncInvalid
	// OpcodeBoundsCheck traps with memory out of bounds if X+Imm+Imm2 exceeds the memory bound.
	OpcodeBoundsCheck
	// OpcodeTableBoundsCheck traps if X is not below the table length.
	OpcodeTableBoundsCheck
	// OpcodeSignatureCheck traps if the signature id of the table element X is not Imm2.
	OpcodeSignatureCheck
	// OpcodeUnreachable always traps.
	OpcodeUnreachable

	// OpcodeJump jumps to Target.
	OpcodeJump
	// OpcodeBrIf jumps to Target if X is not zero, otherwise to Else.
	OpcodeBrIf
	// OpcodeBrTable jumps to Targets[min(X, len(Targets)-1)].
	OpcodeBrTable
	// OpcodeReturn returns X, if valid, to the caller.
	OpcodeReturn

	opcodeEnd
)

var opcodeNames = [...]string{
	OpcodeInvalid: "invalid", OpcodeConst: "const", OpcodeMove: "move", OpcodeSelect: "select",
	OpcodeUnary: "unary", OpcodeBinary: "binary", OpcodeCompare: "cmp", OpcodeConvert: "convert",
	OpcodeLoad: "load", OpcodeStore: "store", OpcodeGlobalGet: "global.get", OpcodeGlobalSet: "global.set",
	OpcodeMemorySize: "memory.size", OpcodeMemoryGrow: "memory.grow", OpcodeCall: "call",
	OpcodeCallIndirect: "call_indirect", OpcodePoll: "poll", OpcodeTrapIfZero: "trap_if_zero",
	OpcodeTrapIfDivOverflow: "trap_if_div_overflow", OpcodeTrapIfTruncInvalid: "trap_if_trunc_invalid",
	OpcodeBoundsCheck: "bounds_check", OpcodeTableBoundsCheck: "table_bounds_check",
	OpcodeSignatureCheck: "signature_check", OpcodeUnreachable: "unreachable", OpcodeJump: "jump",
	OpcodeBrIf: "br_if", OpcodeBrTable: "br_table", OpcodeReturn: "return",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if o < opcodeEnd {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", byte(o))
}

// Unary kinds.
const (
	UnaryClz byte = iota
	UnaryCtz
	UnaryPopcnt
	UnaryEqz
	UnaryFAbs
	UnaryFNeg
	UnaryFSqrt
	UnaryFCeil
	UnaryFFloor
	UnaryFTrunc
	UnaryFNearest
	// UnaryExtend8S, UnaryExtend16S and UnaryExtend32S sign-extend within Type.
	UnaryExtend8S
	UnaryExtend16S
	UnaryExtend32S
	// UnaryExtendU32 zero-extends an i32 to i64.
	UnaryExtendU32
	// UnaryWrap truncates an i64 to i32.
	UnaryWrap
	// UnaryReinterpret keeps the bits and changes the type.
	UnaryReinterpret
	UnaryDemote
	UnaryPromote
)

var unaryNames = [...]string{
	"clz", "ctz", "popcnt", "eqz", "abs", "neg", "sqrt", "ceil", "floor", "trunc", "nearest", "extend8_s",
	"extend16_s", "extend32_s", "extend_u32", "wrap", "reinterpret", "demote", "promote",
}

// Binary kinds.
const (
	BinaryAdd byte = iota
	BinarySub
	BinaryMul
	BinaryDivS
	BinaryDivU
	BinaryRemS
	BinaryRemU
	BinaryAnd
	BinaryOr
	BinaryXor
	BinaryShl
	BinaryShrS
	BinaryShrU
	BinaryRotl
	BinaryRotr
	BinaryFAdd
	BinaryFSub
	BinaryFMul
	BinaryFDiv
	BinaryFMin
	BinaryFMax
	BinaryFCopysign
)

var binaryNames = [...]string{
	"add", "sub", "mul", "div_s", "div_u", "rem_s", "rem_u", "and", "or", "xor", "shl", "shr_s", "shr_u", "rotl",
	"rotr", "fadd", "fsub", "fmul", "fdiv", "fmin", "fmax", "fcopysign",
}

// Compare kinds. The float kinds start at CmpFEq.
const (
	CmpEq byte = iota
	CmpNe
	CmpLtS
	CmpLtU
	CmpGtS
	CmpGtU
	CmpLeS
	CmpLeU
	CmpGeS
	CmpGeU
	CmpFEq
	CmpFNe
	CmpFLt
	CmpFGt
	CmpFLe
	CmpFGe
)

var compareNames = [...]string{
	"eq", "ne", "lt_s", "lt_u", "gt_s", "gt_u", "le_s", "le_u", "ge_s", "ge_u", "feq", "fne", "flt", "fgt", "fle",
	"fge",
}

// Conv flags of OpcodeConvert.
const (
	ConvSrc64 byte = 1 << iota
	ConvDst64
	ConvSigned
	ConvSaturating
	// ConvToFloat selects integer to float conversion; otherwise the conversion truncates a float.
	ConvToFloat
)

// LoadSigned marks a sign-extending load in the Kind of OpcodeLoad.
const LoadSigned byte = 0x10

// AccessWidthMask selects the access width of OpcodeLoad and OpcodeStore: 0 to 3 for 1 to 8 bytes.
const AccessWidthMask byte = 0x03

// Suspend describes the WebAssembly state at an instruction that is a suspend point.
type Suspend struct {
	// WasmOffset is the offset of the WebAssembly instruction in the function body, or math.MaxUint64 for the
	// function header.
	WasmOffset uint64
	// Depth is the operand stack depth.
	Depth int
	// ArgBase is the first operand stack depth consumed by a call. Entries at and above it are not visible after
	// the call returns. ArgBase equals Depth for suspend points other than calls.
	ArgBase int
}

// BlockID identifies a Block within a Function.
type BlockID int

// Instruction is one IR instruction. Since Go doesn't have union types, this flattened type is used for all
// opcodes, and the meaning of each field depends on Op.
type Instruction struct {
	Op   Opcode
	Type wasm.ValueType
	Kind byte

	Dst, X, Y, Z     Slot
	Imm, Imm2, Imm3 uint64

	Target, Else BlockID
	Targets      []BlockID

	// Suspend is set on suspend points.
	Suspend *Suspend
}

// IsTerminator returns true if i ends a block.
func (i *Instruction) IsTerminator() bool {
	switch i.Op {
	case OpcodeJump, OpcodeBrIf, OpcodeBrTable, OpcodeReturn, OpcodeUnreachable:
		return true
	}
	return false
}

// IsGuard returns true if i may trap.
func (i *Instruction) IsGuard() bool {
	switch i.Op {
	case OpcodeTrapIfZero, OpcodeTrapIfDivOverflow, OpcodeTrapIfTruncInvalid, OpcodeBoundsCheck,
		OpcodeTableBoundsCheck, OpcodeSignatureCheck, OpcodeUnreachable:
		return true
	}
	return false
}

// Succs appends the successors of the terminator i to dst.
func (i *Instruction) Succs(dst []BlockID) []BlockID {
	switch i.Op {
	case OpcodeJump:
		dst = append(dst, i.Target)
	case OpcodeBrIf:
		dst = append(dst, i.Target, i.Else)
	case OpcodeBrTable:
		dst = append(dst, i.Targets...)
	}
	return dst
}

// TruncExponent returns the exponent shift and the all-ones exponent of the float type of a
// OpcodeTrapIfTruncInvalid.
func (i *Instruction) TruncExponent() (shift, invalid uint64) {
	return i.Imm3 >> 16, i.Imm3 & 0xffff
}

// Format returns a human readable form of i.
func (i *Instruction) Format() string {
	var b strings.Builder
	if i.Dst.Valid() {
		b.WriteString(i.Dst.String())
		b.WriteString(" = ")
	}
	switch i.Op {
	case OpcodeUnary:
		fmt.Fprintf(&b, "%s.%s %s", unaryNames[i.Kind], typeName(i.Type), i.X)
	case OpcodeBinary:
		fmt.Fprintf(&b, "%s.%s %s, %s", binaryNames[i.Kind], typeName(i.Type), i.X, i.Y)
	case OpcodeCompare:
		fmt.Fprintf(&b, "%s.%s %s, %s", compareNames[i.Kind], typeName(i.Type), i.X, i.Y)
	case OpcodeConst:
		fmt.Fprintf(&b, "const.%s %#x", typeName(i.Type), i.Imm)
	case OpcodeMove:
		fmt.Fprintf(&b, "move %s", i.X)
	case OpcodeSelect:
		fmt.Fprintf(&b, "select %s, %s, %s", i.X, i.Y, i.Z)
	case OpcodeConvert:
		fmt.Fprintf(&b, "convert.%#x %s", i.Kind, i.X)
	case OpcodeLoad:
		fmt.Fprintf(&b, "load%d.%s %s%+d", 8<<(i.Kind&AccessWidthMask), typeName(i.Type), i.X, i.Imm)
	case OpcodeStore:
		fmt.Fprintf(&b, "store%d %s%+d, %s", 8<<(i.Kind&AccessWidthMask), i.X, i.Imm, i.Y)
	case OpcodeGlobalGet:
		fmt.Fprintf(&b, "global.get %d", i.Imm)
	case OpcodeGlobalSet:
		fmt.Fprintf(&b, "global.set %d, %s", i.Imm, i.X)
	case OpcodeMemoryGrow:
		fmt.Fprintf(&b, "memory.grow %s", i.X)
	case OpcodeCall:
		fmt.Fprintf(&b, "call f%d, %s..+%d", i.Imm, i.X, i.Imm2)
	case OpcodeCallIndirect:
		fmt.Fprintf(&b, "call_indirect type%d[%s], %s..+%d", i.Imm, i.Y, i.X, i.Imm3)
	case OpcodeTrapIfZero, OpcodeTableBoundsCheck:
		fmt.Fprintf(&b, "%s %s", i.Op, i.X)
	case OpcodeTrapIfDivOverflow:
		fmt.Fprintf(&b, "%s.%s %s, %s", i.Op, typeName(i.Type), i.X, i.Y)
	case OpcodeTrapIfTruncInvalid:
		fmt.Fprintf(&b, "%s.%s %s, (%#x, %#x)", i.Op, typeName(i.Type), i.X, i.Imm, i.Imm2)
	case OpcodeBoundsCheck:
		fmt.Fprintf(&b, "bounds_check %s+%d, %d", i.X, i.Imm, i.Imm2)
	case OpcodeSignatureCheck:
		fmt.Fprintf(&b, "signature_check %s, %d", i.X, i.Imm2)
	case OpcodeJump:
		fmt.Fprintf(&b, "jump blk%d", i.Target)
	case OpcodeBrIf:
		fmt.Fprintf(&b, "br_if %s, blk%d, blk%d", i.X, i.Target, i.Else)
	case OpcodeBrTable:
		b.WriteString("br_table ")
		b.WriteString(i.X.String())
		for _, t := range i.Targets {
			fmt.Fprintf(&b, ", blk%d", t)
		}
	case OpcodeReturn:
		b.WriteString("return")
		if i.X.Valid() {
			b.WriteByte(' ')
			b.WriteString(i.X.String())
		}
	default:
		b.WriteString(i.Op.String())
	}
	if s := i.Suspend; s != nil {
		if s.WasmOffset == math.MaxUint64 {
			fmt.Fprintf(&b, " @header depth=%d", s.Depth)
		} else {
			fmt.Fprintf(&b, " @%#x depth=%d", s.WasmOffset, s.Depth)
		}
		if s.ArgBase != s.Depth {
			fmt.Fprintf(&b, " args=%d", s.ArgBase)
		}
	}
	return b.String()
}

func typeName(t wasm.ValueType) string {
	return api.ValueTypeName(t)
}

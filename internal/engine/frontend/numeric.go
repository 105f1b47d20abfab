package frontend

import (
	"github.com/tetratelabs/wazero/api"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/wasm"
)

type numericClass byte

const (
	numericUnary numericClass = iota
	numericBinary
	numericCompare
	numericConvert
)

// numericOp describes a numeric instruction without immediates.
type numericOp struct {
	class numericClass
	// kind is the ir kind, or the Conv flags for numericConvert.
	kind    byte
	in, out wasm.ValueType
	// lower and upper are the exclusive bounds of the values a trapping truncation accepts.
	lower, upper float64
}

const (
	i32 = wasm.ValueTypeI32
	i64 = wasm.ValueTypeI64
	f32 = wasm.ValueTypeF32
	f64 = wasm.ValueTypeF64
)

func unop(kind byte, in, out wasm.ValueType) numericOp {
	return numericOp{class: numericUnary, kind: kind, in: in, out: out}
}

func binop(kind byte, t wasm.ValueType) numericOp {
	return numericOp{class: numericBinary, kind: kind, in: t, out: t}
}

func cmpop(kind byte, t wasm.ValueType) numericOp {
	return numericOp{class: numericCompare, kind: kind, in: t, out: i32}
}

func convop(in, out wasm.ValueType, signed bool, extra byte) numericOp {
	kind := extra
	if in == i64 || in == f64 {
		kind |= ir.ConvSrc64
	}
	if out == i64 || out == f64 {
		kind |= ir.ConvDst64
	}
	if signed {
		kind |= ir.ConvSigned
	}
	return numericOp{class: numericConvert, kind: kind, in: in, out: out}
}

func truncop(in, out wasm.ValueType, signed bool, lower, upper float64) numericOp {
	op := convop(in, out, signed, 0)
	op.lower, op.upper = lower, upper
	return op
}

var numericOps = map[wasm.Opcode]numericOp{
	wasm.OpcodeI32Eqz: unop(ir.UnaryEqz, i32, i32),
	wasm.OpcodeI32Eq:  cmpop(ir.CmpEq, i32),
	wasm.OpcodeI32Ne:  cmpop(ir.CmpNe, i32),
	wasm.OpcodeI32LtS: cmpop(ir.CmpLtS, i32),
	wasm.OpcodeI32LtU: cmpop(ir.CmpLtU, i32),
	wasm.OpcodeI32GtS: cmpop(ir.CmpGtS, i32),
	wasm.OpcodeI32GtU: cmpop(ir.CmpGtU, i32),
	wasm.OpcodeI32LeS: cmpop(ir.CmpLeS, i32),
	wasm.OpcodeI32LeU: cmpop(ir.CmpLeU, i32),
	wasm.OpcodeI32GeS: cmpop(ir.CmpGeS, i32),
	wasm.OpcodeI32GeU: cmpop(ir.CmpGeU, i32),

	wasm.OpcodeI64Eqz: unop(ir.UnaryEqz, i64, i32),
	wasm.OpcodeI64Eq:  cmpop(ir.CmpEq, i64),
	wasm.OpcodeI64Ne:  cmpop(ir.CmpNe, i64),
	wasm.OpcodeI64LtS: cmpop(ir.CmpLtS, i64),
	wasm.OpcodeI64LtU: cmpop(ir.CmpLtU, i64),
	wasm.OpcodeI64GtS: cmpop(ir.CmpGtS, i64),
	wasm.OpcodeI64GtU: cmpop(ir.CmpGtU, i64),
	wasm.OpcodeI64LeS: cmpop(ir.CmpLeS, i64),
	wasm.OpcodeI64LeU: cmpop(ir.CmpLeU, i64),
	wasm.OpcodeI64GeS: cmpop(ir.CmpGeS, i64),
	wasm.OpcodeI64GeU: cmpop(ir.CmpGeU, i64),

	wasm.OpcodeF32Eq: cmpop(ir.CmpFEq, f32),
	wasm.OpcodeF32Ne: cmpop(ir.CmpFNe, f32),
	wasm.OpcodeF32Lt: cmpop(ir.CmpFLt, f32),
	wasm.OpcodeF32Gt: cmpop(ir.CmpFGt, f32),
	wasm.OpcodeF32Le: cmpop(ir.CmpFLe, f32),
	wasm.OpcodeF32Ge: cmpop(ir.CmpFGe, f32),
	wasm.OpcodeF64Eq: cmpop(ir.CmpFEq, f64),
	wasm.OpcodeF64Ne: cmpop(ir.CmpFNe, f64),
	wasm.OpcodeF64Lt: cmpop(ir.CmpFLt, f64),
	wasm.OpcodeF64Gt: cmpop(ir.CmpFGt, f64),
	wasm.OpcodeF64Le: cmpop(ir.CmpFLe, f64),
	wasm.OpcodeF64Ge: cmpop(ir.CmpFGe, f64),

	wasm.OpcodeI32Clz:    unop(ir.UnaryClz, i32, i32),
	wasm.OpcodeI32Ctz:    unop(ir.UnaryCtz, i32, i32),
	wasm.OpcodeI32Popcnt: unop(ir.UnaryPopcnt, i32, i32),
	wasm.OpcodeI32Add:    binop(ir.BinaryAdd, i32),
	wasm.OpcodeI32Sub:    binop(ir.BinarySub, i32),
	wasm.OpcodeI32Mul:    binop(ir.BinaryMul, i32),
	wasm.OpcodeI32DivS:   binop(ir.BinaryDivS, i32),
	wasm.OpcodeI32DivU:   binop(ir.BinaryDivU, i32),
	wasm.OpcodeI32RemS:   binop(ir.BinaryRemS, i32),
	wasm.OpcodeI32RemU:   binop(ir.BinaryRemU, i32),
	wasm.OpcodeI32And:    binop(ir.BinaryAnd, i32),
	wasm.OpcodeI32Or:     binop(ir.BinaryOr, i32),
	wasm.OpcodeI32Xor:    binop(ir.BinaryXor, i32),
	wasm.OpcodeI32Shl:    binop(ir.BinaryShl, i32),
	wasm.OpcodeI32ShrS:   binop(ir.BinaryShrS, i32),
	wasm.OpcodeI32ShrU:   binop(ir.BinaryShrU, i32),
	wasm.OpcodeI32Rotl:   binop(ir.BinaryRotl, i32),
	wasm.OpcodeI32Rotr:   binop(ir.BinaryRotr, i32),

	wasm.OpcodeI64Clz:    unop(ir.UnaryClz, i64, i64),
	wasm.OpcodeI64Ctz:    unop(ir.UnaryCtz, i64, i64),
	wasm.OpcodeI64Popcnt: unop(ir.UnaryPopcnt, i64, i64),
	wasm.OpcodeI64Add:    binop(ir.BinaryAdd, i64),
	wasm.OpcodeI64Sub:    binop(ir.BinarySub, i64),
	wasm.OpcodeI64Mul:    binop(ir.BinaryMul, i64),
	wasm.OpcodeI64DivS:   binop(ir.BinaryDivS, i64),
	wasm.OpcodeI64DivU:   binop(ir.BinaryDivU, i64),
	wasm.OpcodeI64RemS:   binop(ir.BinaryRemS, i64),
	wasm.OpcodeI64RemU:   binop(ir.BinaryRemU, i64),
	wasm.OpcodeI64And:    binop(ir.BinaryAnd, i64),
	wasm.OpcodeI64Or:     binop(ir.BinaryOr, i64),
	wasm.OpcodeI64Xor:    binop(ir.BinaryXor, i64),
	wasm.OpcodeI64Shl:    binop(ir.BinaryShl, i64),
	wasm.OpcodeI64ShrS:   binop(ir.BinaryShrS, i64),
	wasm.OpcodeI64ShrU:   binop(ir.BinaryShrU, i64),
	wasm.OpcodeI64Rotl:   binop(ir.BinaryRotl, i64),
	wasm.OpcodeI64Rotr:   binop(ir.BinaryRotr, i64),

	wasm.OpcodeF32Abs:      unop(ir.UnaryFAbs, f32, f32),
	wasm.OpcodeF32Neg:      unop(ir.UnaryFNeg, f32, f32),
	wasm.OpcodeF32Ceil:     unop(ir.UnaryFCeil, f32, f32),
	wasm.OpcodeF32Floor:    unop(ir.UnaryFFloor, f32, f32),
	wasm.OpcodeF32Trunc:    unop(ir.UnaryFTrunc, f32, f32),
	wasm.OpcodeF32Nearest:  unop(ir.UnaryFNearest, f32, f32),
	wasm.OpcodeF32Sqrt:     unop(ir.UnaryFSqrt, f32, f32),
	wasm.OpcodeF32Add:      binop(ir.BinaryFAdd, f32),
	wasm.OpcodeF32Sub:      binop(ir.BinaryFSub, f32),
	wasm.OpcodeF32Mul:      binop(ir.BinaryFMul, f32),
	wasm.OpcodeF32Div:      binop(ir.BinaryFDiv, f32),
	wasm.OpcodeF32Min:      binop(ir.BinaryFMin, f32),
	wasm.OpcodeF32Max:      binop(ir.BinaryFMax, f32),
	wasm.OpcodeF32Copysign: binop(ir.BinaryFCopysign, f32),

	wasm.OpcodeF64Abs:      unop(ir.UnaryFAbs, f64, f64),
	wasm.OpcodeF64Neg:      unop(ir.UnaryFNeg, f64, f64),
	wasm.OpcodeF64Ceil:     unop(ir.UnaryFCeil, f64, f64),
	wasm.OpcodeF64Floor:    unop(ir.UnaryFFloor, f64, f64),
	wasm.OpcodeF64Trunc:    unop(ir.UnaryFTrunc, f64, f64),
	wasm.OpcodeF64Nearest:  unop(ir.UnaryFNearest, f64, f64),
	wasm.OpcodeF64Sqrt:     unop(ir.UnaryFSqrt, f64, f64),
	wasm.OpcodeF64Add:      binop(ir.BinaryFAdd, f64),
	wasm.OpcodeF64Sub:      binop(ir.BinaryFSub, f64),
	wasm.OpcodeF64Mul:      binop(ir.BinaryFMul, f64),
	wasm.OpcodeF64Div:      binop(ir.BinaryFDiv, f64),
	wasm.OpcodeF64Min:      binop(ir.BinaryFMin, f64),
	wasm.OpcodeF64Max:      binop(ir.BinaryFMax, f64),
	wasm.OpcodeF64Copysign: binop(ir.BinaryFCopysign, f64),

	wasm.OpcodeI32WrapI64:   unop(ir.UnaryWrap, i64, i32),
	wasm.OpcodeI32TruncF32S: truncop(f32, i32, true, -2147483904.0, 2147483648.0),
	wasm.OpcodeI32TruncF32U: truncop(f32, i32, false, -1.0, 4294967296.0),
	wasm.OpcodeI32TruncF64S: truncop(f64, i32, true, -2147483649.0, 2147483648.0),
	wasm.OpcodeI32TruncF64U: truncop(f64, i32, false, -1.0, 4294967296.0),

	wasm.OpcodeI64ExtendI32S: unop(ir.UnaryExtend32S, i32, i64),
	wasm.OpcodeI64ExtendI32U: unop(ir.UnaryExtendU32, i32, i64),
	wasm.OpcodeI64TruncF32S:  truncop(f32, i64, true, -9223373136366403584.0, 9223372036854775808.0),
	wasm.OpcodeI64TruncF32U:  truncop(f32, i64, false, -1.0, 18446744073709551616.0),
	wasm.OpcodeI64TruncF64S:  truncop(f64, i64, true, -9223372036854777856.0, 9223372036854775808.0),
	wasm.OpcodeI64TruncF64U:  truncop(f64, i64, false, -1.0, 18446744073709551616.0),

	wasm.OpcodeF32ConvertI32S: convop(i32, f32, true, ir.ConvToFloat),
	wasm.OpcodeF32ConvertI32U: convop(i32, f32, false, ir.ConvToFloat),
	wasm.OpcodeF32ConvertI64S: convop(i64, f32, true, ir.ConvToFloat),
	wasm.OpcodeF32ConvertI64U: convop(i64, f32, false, ir.ConvToFloat),
	wasm.OpcodeF32DemoteF64:   unop(ir.UnaryDemote, f64, f32),
	wasm.OpcodeF64ConvertI32S: convop(i32, f64, true, ir.ConvToFloat),
	wasm.OpcodeF64ConvertI32U: convop(i32, f64, false, ir.ConvToFloat),
	wasm.OpcodeF64ConvertI64S: convop(i64, f64, true, ir.ConvToFloat),
	wasm.OpcodeF64ConvertI64U: convop(i64, f64, false, ir.ConvToFloat),
	wasm.OpcodeF64PromoteF32:  unop(ir.UnaryPromote, f32, f64),

	wasm.OpcodeI32ReinterpretF32: unop(ir.UnaryReinterpret, f32, i32),
	wasm.OpcodeI64ReinterpretF64: unop(ir.UnaryReinterpret, f64, i64),
	wasm.OpcodeF32ReinterpretI32: unop(ir.UnaryReinterpret, i32, f32),
	wasm.OpcodeF64ReinterpretI64: unop(ir.UnaryReinterpret, i64, f64),

	wasm.OpcodeI32Extend8S:  unop(ir.UnaryExtend8S, i32, i32),
	wasm.OpcodeI32Extend16S: unop(ir.UnaryExtend16S, i32, i32),
	wasm.OpcodeI64Extend8S:  unop(ir.UnaryExtend8S, i64, i64),
	wasm.OpcodeI64Extend16S: unop(ir.UnaryExtend16S, i64, i64),
	wasm.OpcodeI64Extend32S: unop(ir.UnaryExtend32S, i64, i64),
}

// satTruncOps is indexed by the misc opcode of the saturating truncations.
var satTruncOps = [...]numericOp{
	wasm.OpcodeMiscI32TruncSatF32S: convop(f32, i32, true, ir.ConvSaturating),
	wasm.OpcodeMiscI32TruncSatF32U: convop(f32, i32, false, ir.ConvSaturating),
	wasm.OpcodeMiscI32TruncSatF64S: convop(f64, i32, true, ir.ConvSaturating),
	wasm.OpcodeMiscI32TruncSatF64U: convop(f64, i32, false, ir.ConvSaturating),
	wasm.OpcodeMiscI64TruncSatF32S: convop(f32, i64, true, ir.ConvSaturating),
	wasm.OpcodeMiscI64TruncSatF32U: convop(f32, i64, false, ir.ConvSaturating),
	wasm.OpcodeMiscI64TruncSatF64S: convop(f64, i64, true, ir.ConvSaturating),
	wasm.OpcodeMiscI64TruncSatF64U: convop(f64, i64, false, ir.ConvSaturating),
}

func (c *Compiler) lowerNumeric(op wasm.Opcode, n numericOp) error {
	depth := len(c.loweringState.types)
	switch n.class {
	case numericUnary:
		x, _, err := c.pop()
		if err != nil {
			return err
		}
		dst := c.push(n.out)
		c.insert(ir.Instruction{Op: ir.OpcodeUnary, Type: n.in, Kind: n.kind, Dst: dst, X: x})
	case numericBinary, numericCompare:
		y, _, err := c.pop()
		if err != nil {
			return err
		}
		x, _, err := c.pop()
		if err != nil {
			return err
		}
		if n.class == numericCompare {
			dst := c.push(n.out)
			c.insert(ir.Instruction{Op: ir.OpcodeCompare, Type: n.in, Kind: n.kind, Dst: dst, X: x, Y: y})
			return nil
		}
		switch n.kind {
		case ir.BinaryDivS, ir.BinaryDivU, ir.BinaryRemS, ir.BinaryRemU:
			c.insert(ir.Instruction{Op: ir.OpcodeTrapIfZero, Type: n.in, X: y, Suspend: c.suspend(depth, depth)})
			if n.kind == ir.BinaryDivS {
				c.insert(ir.Instruction{
					Op: ir.OpcodeTrapIfDivOverflow, Type: n.in, X: x, Y: y, Suspend: c.suspend(depth, depth),
				})
			}
		}
		dst := c.push(n.out)
		c.insert(ir.Instruction{Op: ir.OpcodeBinary, Type: n.in, Kind: n.kind, Dst: dst, X: x, Y: y})
	case numericConvert:
		return c.lowerConvert(n)
	default:
		panic(op)
	}
	return nil
}

// lowerConvert lowers integer and float conversions. Trapping truncations are preceded by a guard rejecting NaN
// and values outside (lower, upper).
func (c *Compiler) lowerConvert(n numericOp) error {
	depth := len(c.loweringState.types)
	x, _, err := c.pop()
	if err != nil {
		return err
	}
	if n.kind&(ir.ConvToFloat|ir.ConvSaturating) == 0 {
		guard := ir.Instruction{Op: ir.OpcodeTrapIfTruncInvalid, Type: n.in, X: x, Suspend: c.suspend(depth, depth)}
		if n.in == f32 {
			guard.Imm = api.EncodeF32(float32(n.lower))
			guard.Imm2 = api.EncodeF32(float32(n.upper))
			guard.Imm3 = 23<<16 | 0xff
		} else {
			guard.Imm = api.EncodeF64(n.lower)
			guard.Imm2 = api.EncodeF64(n.upper)
			guard.Imm3 = 52<<16 | 0x7ff
		}
		c.insert(guard)
	}
	dst := c.push(n.out)
	c.insert(ir.Instruction{Op: ir.OpcodeConvert, Type: n.in, Kind: n.kind, Dst: dst, X: x})
	return nil
}

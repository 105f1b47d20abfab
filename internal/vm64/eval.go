package vm64

import "math"

// Eval computes the result of a side-effect free instruction on constant operands, exactly as the CPU would.
// x is the value of register B and y of register C. It returns false if op is not a pure computation or would trap,
// including signed division overflow.
func Eval(op Op, mode byte, x, y uint64) (uint64, bool) {
	switch op {
	case OpAdd, OpSub, OpMul, OpDivS, OpDivU, OpRemS, OpRemU, OpAnd, OpOr, OpXor, OpShl, OpShrS, OpShrU,
		OpRotl, OpRotr:
		w32 := mode&ModeW32 != 0
		if op == OpDivS {
			if w32 && uint32(x) == 0x8000_0000 && uint32(y) == math.MaxUint32 {
				return 0, false
			} else if !w32 && x == 1<<63 && y == math.MaxUint64 {
				return 0, false
			}
		}
		return intBinary(op, w32, x, y)
	case OpClz, OpCtz, OpPopcnt, OpEqz:
		return intUnary(op, mode&ModeW32 != 0, x), true
	case OpSext:
		v := signExtend(x, mode&widthMask)
		if mode&ModeW32 != 0 {
			v = uint64(uint32(v))
		}
		return v, true
	case OpZext:
		return zeroExtend(x, mode&widthMask), true
	case OpCmp:
		return boolToU64(intCompare(mode&condMask, mode&ModeW32 != 0, x, y)), true
	case OpFCmp:
		return boolToU64(floatCompare(mode&condMask, mode&ModeF32 != 0, x, y)), true
	case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFMin, OpFMax, OpFCopysign:
		return floatBinary(op, mode&ModeF32 != 0, x, y), true
	case OpFAbs, OpFNeg, OpFSqrt, OpFCeil, OpFFloor, OpFTrunc, OpFNearest:
		return floatUnary(op, mode&ModeF32 != 0, x), true
	case OpIToF:
		return intToFloat(mode, x), true
	case OpFDemote:
		return uint64(math.Float32bits(float32(math.Float64frombits(x)))), true
	case OpFPromote:
		return math.Float64bits(float64(math.Float32frombits(uint32(x)))), true
	}
	return 0, false
}

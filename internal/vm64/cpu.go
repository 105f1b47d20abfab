package vm64

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/wasmsnap/wasmsnap/internal/moremath"
)

// ExitStatus is why Run returned.
type ExitStatus byte

const (
	// ExitReturned means OpHalt was executed, normally at the host return trampoline.
	ExitReturned ExitStatus = iota
	// ExitTrapped means OpTrap was executed.
	ExitTrapped
	// ExitInterrupted means OpPoll observed a raised interrupt.
	ExitInterrupted
)

// String implements fmt.Stringer.
func (s ExitStatus) String() string {
	switch s {
	case ExitReturned:
		return "returned"
	case ExitTrapped:
		return "trapped"
	case ExitInterrupted:
		return "interrupted"
	}
	return fmt.Sprintf("exit_status(%d)", byte(s))
}

// Exit describes the machine state when Run returned without error.
type Exit struct {
	Status ExitStatus
	// Trap is valid when Status is ExitTrapped.
	Trap TrapCode
	// PC is the address of the instruction that stopped the machine.
	PC uint64
}

// Fault is returned by Run when the machine cannot continue: an unmapped access, an undecodable instruction or a
// failing host call.
type Fault struct {
	PC     uint64
	Reason string
	Err    error
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("machine fault at pc=%#x: %s: %v", f.PC, f.Reason, f.Err)
	}
	return fmt.Sprintf("machine fault at pc=%#x: %s", f.PC, f.Reason)
}

// Unwrap implements errors.Unwrap.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Host receives OpHostCall. It may read and write registers and the bus through the CPU.
type Host interface {
	HostCall(ctx context.Context, c *CPU, id uint32) error
}

// pollInterval is how many instructions run between checks of the context.
const pollInterval = 1 << 12

// CPU executes instructions from the Bus. A CPU is not safe for concurrent use, except Interrupt.
type CPU struct {
	Regs [NumRegisters]uint64
	PC   uint64
	Bus  *Bus
	Host Host

	interrupted atomic.Bool
	// Steps counts executed instructions.
	Steps uint64
}

// NewCPU returns a CPU executing from bus.
func NewCPU(bus *Bus, host Host) *CPU {
	return &CPU{Bus: bus, Host: host}
}

// Interrupt makes the next OpPoll stop the machine. Safe to call from any goroutine.
func (c *CPU) Interrupt() {
	c.interrupted.Store(true)
}

// Push pushes v onto the machine stack.
func (c *CPU) Push(v uint64) bool {
	c.Regs[SP] -= 8
	return c.Bus.Write64(c.Regs[SP], v)
}

// Pop pops a word from the machine stack.
func (c *CPU) Pop() (uint64, bool) {
	v, ok := c.Bus.Read64(c.Regs[SP])
	c.Regs[SP] += 8
	return v, ok
}

func (c *CPU) fault(pc uint64, format string, args ...interface{}) error {
	return &Fault{PC: pc, Reason: fmt.Sprintf(format, args...)}
}

// Run executes from PC until the machine halts, traps, is interrupted at a poll point, or faults. Cancellation of
// ctx raises the interrupt.
func (c *CPU) Run(ctx context.Context) (Exit, error) {
	done := ctx.Done()
	for {
		if done != nil && c.Steps%pollInterval == 0 {
			select {
			case <-done:
				c.Interrupt()
			default:
			}
		}
		c.Steps++

		pc := c.PC
		raw, ok := c.Bus.Slice(pc, InstructionSize)
		if !ok {
			return Exit{}, c.fault(pc, "instruction fetch out of bounds")
		}
		in := Decode(raw)
		next := pc + InstructionSize
		r := &c.Regs

		switch in.Op {
		case OpNop:
		case OpHalt:
			c.PC = next
			return Exit{Status: ExitReturned, PC: pc}, nil
		case OpMovImm:
			r[in.A] = uint64(in.Imm)
		case OpMov:
			r[in.A] = r[in.B]
		case OpLoad:
			v, ok := c.Bus.Read(r[in.B]+uint64(in.Imm), in.Mode&widthMask)
			if !ok {
				return Exit{}, c.fault(pc, "load from %#x out of bounds", r[in.B]+uint64(in.Imm))
			}
			if in.Mode&ModeSigned != 0 {
				v = signExtend(v, in.Mode&widthMask)
			}
			if in.Mode&ModeW32 != 0 {
				v = uint64(uint32(v))
			}
			r[in.A] = v
		case OpStore:
			if !c.Bus.Write(r[in.B]+uint64(in.Imm), in.Mode&widthMask, r[in.A]) {
				return Exit{}, c.fault(pc, "store to %#x out of bounds", r[in.B]+uint64(in.Imm))
			}
		case OpAddImm:
			r[in.A] = r[in.B] + uint64(in.Imm)
		case OpAdd, OpSub, OpMul, OpDivS, OpDivU, OpRemS, OpRemU, OpAnd, OpOr, OpXor, OpShl, OpShrS, OpShrU,
			OpRotl, OpRotr:
			v, ok := intBinary(in.Op, in.Mode&ModeW32 != 0, r[in.B], r[in.C])
			if !ok {
				return Exit{Status: ExitTrapped, Trap: TrapCodeIllegalArithmetic, PC: pc}, nil
			}
			r[in.A] = v
		case OpClz, OpCtz, OpPopcnt, OpEqz:
			r[in.A] = intUnary(in.Op, in.Mode&ModeW32 != 0, r[in.B])
		case OpSext:
			v := signExtend(r[in.B], in.Mode&widthMask)
			if in.Mode&ModeW32 != 0 {
				v = uint64(uint32(v))
			}
			r[in.A] = v
		case OpZext:
			r[in.A] = zeroExtend(r[in.B], in.Mode&widthMask)
		case OpCmp:
			r[in.A] = boolToU64(intCompare(in.Mode&condMask, in.Mode&ModeW32 != 0, r[in.B], r[in.C]))
		case OpFCmp:
			r[in.A] = boolToU64(floatCompare(in.Mode&condMask, in.Mode&ModeF32 != 0, r[in.B], r[in.C]))
		case OpFAdd, OpFSub, OpFMul, OpFDiv, OpFMin, OpFMax, OpFCopysign:
			r[in.A] = floatBinary(in.Op, in.Mode&ModeF32 != 0, r[in.B], r[in.C])
		case OpFAbs, OpFNeg, OpFSqrt, OpFCeil, OpFFloor, OpFTrunc, OpFNearest:
			r[in.A] = floatUnary(in.Op, in.Mode&ModeF32 != 0, r[in.B])
		case OpFToI:
			v, ok := floatToInt(in.Mode, r[in.B])
			if !ok {
				return Exit{Status: ExitTrapped, Trap: TrapCodeIllegalArithmetic, PC: pc}, nil
			}
			r[in.A] = v
		case OpIToF:
			r[in.A] = intToFloat(in.Mode, r[in.B])
		case OpFDemote:
			r[in.A] = uint64(math.Float32bits(float32(math.Float64frombits(r[in.B]))))
		case OpFPromote:
			r[in.A] = math.Float64bits(float64(math.Float32frombits(uint32(r[in.B]))))
		case OpCMovNZ:
			if r[in.B] != 0 {
				r[in.A] = r[in.C]
			}
		case OpJmp:
			next = pc + uint64(in.Imm)
		case OpJz:
			if r[in.A] == 0 {
				next = pc + uint64(in.Imm)
			}
		case OpJnz:
			if r[in.A] != 0 {
				next = pc + uint64(in.Imm)
			}
		case OpBrTable:
			idx := uint64(uint32(r[in.A]))
			if idx > uint64(in.Imm) {
				idx = uint64(in.Imm)
			}
			next = pc + InstructionSize*(1+idx)
		case OpCall:
			if !c.Push(next) {
				return Exit{}, c.fault(pc, "stack overflow on call")
			}
			next = pc + uint64(in.Imm)
		case OpCallR:
			target := r[in.A]
			if !c.Push(next) {
				return Exit{}, c.fault(pc, "stack overflow on call")
			}
			next = target
		case OpRet:
			v, ok := c.Pop()
			if !ok {
				return Exit{}, c.fault(pc, "return address out of bounds")
			}
			next = v
		case OpPush:
			if !c.Push(r[in.A]) {
				return Exit{}, c.fault(pc, "push out of bounds")
			}
		case OpPop:
			v, ok := c.Pop()
			if !ok {
				return Exit{}, c.fault(pc, "pop out of bounds")
			}
			r[in.A] = v
		case OpTrap:
			c.PC = pc
			return Exit{Status: ExitTrapped, Trap: TrapCode(in.Imm), PC: pc}, nil
		case OpPoll:
			if c.interrupted.Swap(false) {
				c.PC = pc
				return Exit{Status: ExitInterrupted, PC: pc}, nil
			}
		case OpHostCall:
			if c.Host == nil {
				return Exit{}, c.fault(pc, "host call %d without host", in.Imm)
			}
			c.PC = next
			if err := c.Host.HostCall(ctx, c, uint32(in.Imm)); err != nil {
				return Exit{}, &Fault{PC: pc, Reason: fmt.Sprintf("host call %d", in.Imm), Err: err}
			}
			next = c.PC
		default:
			return Exit{}, c.fault(pc, "invalid opcode %d", in.Op)
		}
		c.PC = next
	}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func signExtend(v uint64, w Width) uint64 {
	switch w & widthMask {
	case Width8:
		return uint64(int64(int8(v)))
	case Width16:
		return uint64(int64(int16(v)))
	case Width32:
		return uint64(int64(int32(v)))
	}
	return v
}

func zeroExtend(v uint64, w Width) uint64 {
	switch w & widthMask {
	case Width8:
		return uint64(uint8(v))
	case Width16:
		return uint64(uint16(v))
	case Width32:
		return uint64(uint32(v))
	}
	return v
}

// intBinary returns false on integer division by zero.
func intBinary(op Op, w32 bool, x, y uint64) (uint64, bool) {
	if w32 {
		a, b := uint32(x), uint32(y)
		var v uint32
		switch op {
		case OpAdd:
			v = a + b
		case OpSub:
			v = a - b
		case OpMul:
			v = a * b
		case OpDivS:
			if b == 0 {
				return 0, false
			}
			v = uint32(int32(a) / int32(b))
		case OpDivU:
			if b == 0 {
				return 0, false
			}
			v = a / b
		case OpRemS:
			if b == 0 {
				return 0, false
			}
			v = uint32(int32(a) % int32(b))
		case OpRemU:
			if b == 0 {
				return 0, false
			}
			v = a % b
		case OpAnd:
			v = a & b
		case OpOr:
			v = a | b
		case OpXor:
			v = a ^ b
		case OpShl:
			v = a << (b % 32)
		case OpShrS:
			v = uint32(int32(a) >> (b % 32))
		case OpShrU:
			v = a >> (b % 32)
		case OpRotl:
			v = bits.RotateLeft32(a, int(b))
		case OpRotr:
			v = bits.RotateLeft32(a, -int(b))
		}
		return uint64(v), true
	}

	switch op {
	case OpAdd:
		return x + y, true
	case OpSub:
		return x - y, true
	case OpMul:
		return x * y, true
	case OpDivS:
		if y == 0 {
			return 0, false
		}
		return uint64(int64(x) / int64(y)), true
	case OpDivU:
		if y == 0 {
			return 0, false
		}
		return x / y, true
	case OpRemS:
		if y == 0 {
			return 0, false
		}
		return uint64(int64(x) % int64(y)), true
	case OpRemU:
		if y == 0 {
			return 0, false
		}
		return x % y, true
	case OpAnd:
		return x & y, true
	case OpOr:
		return x | y, true
	case OpXor:
		return x ^ y, true
	case OpShl:
		return x << (y % 64), true
	case OpShrS:
		return uint64(int64(x) >> (y % 64)), true
	case OpShrU:
		return x >> (y % 64), true
	case OpRotl:
		return bits.RotateLeft64(x, int(y%64)), true
	case OpRotr:
		return bits.RotateLeft64(x, -int(y%64)), true
	}
	return 0, true
}

func intUnary(op Op, w32 bool, x uint64) uint64 {
	if w32 {
		a := uint32(x)
		switch op {
		case OpClz:
			return uint64(bits.LeadingZeros32(a))
		case OpCtz:
			return uint64(bits.TrailingZeros32(a))
		case OpPopcnt:
			return uint64(bits.OnesCount32(a))
		default:
			return boolToU64(a == 0)
		}
	}
	switch op {
	case OpClz:
		return uint64(bits.LeadingZeros64(x))
	case OpCtz:
		return uint64(bits.TrailingZeros64(x))
	case OpPopcnt:
		return uint64(bits.OnesCount64(x))
	default:
		return boolToU64(x == 0)
	}
}

func intCompare(cond Cond, w32 bool, x, y uint64) bool {
	var sx, sy int64
	if w32 {
		x, y = uint64(uint32(x)), uint64(uint32(y))
		sx, sy = int64(int32(x)), int64(int32(y))
	} else {
		sx, sy = int64(x), int64(y)
	}
	switch cond {
	case CondEq:
		return x == y
	case CondNe:
		return x != y
	case CondLtS:
		return sx < sy
	case CondLtU:
		return x < y
	case CondGtS:
		return sx > sy
	case CondGtU:
		return x > y
	case CondLeS:
		return sx <= sy
	case CondLeU:
		return x <= y
	case CondGeS:
		return sx >= sy
	default:
		return x >= y
	}
}

func toFloat(f32 bool, v uint64) float64 {
	if f32 {
		return float64(math.Float32frombits(uint32(v)))
	}
	return math.Float64frombits(v)
}

func floatCompare(cond FCond, f32 bool, x, y uint64) bool {
	a, b := toFloat(f32, x), toFloat(f32, y)
	switch cond {
	case FCondEq:
		return a == b
	case FCondNe:
		return a != b
	case FCondLt:
		return a < b
	case FCondGt:
		return a > b
	case FCondLe:
		return a <= b
	default:
		return a >= b
	}
}

func floatBinary(op Op, f32 bool, x, y uint64) uint64 {
	if f32 {
		// f32 arithmetic must round once in single precision.
		a, b := math.Float32frombits(uint32(x)), math.Float32frombits(uint32(y))
		var v float32
		switch op {
		case OpFAdd:
			v = a + b
		case OpFSub:
			v = a - b
		case OpFMul:
			v = a * b
		case OpFDiv:
			v = a / b
		case OpFMin:
			v = moremath.WasmCompatMinF32(a, b)
		case OpFMax:
			v = moremath.WasmCompatMaxF32(a, b)
		case OpFCopysign:
			v = float32(math.Copysign(float64(a), float64(b)))
		}
		return uint64(math.Float32bits(v))
	}
	a, b := math.Float64frombits(x), math.Float64frombits(y)
	var v float64
	switch op {
	case OpFAdd:
		v = a + b
	case OpFSub:
		v = a - b
	case OpFMul:
		v = a * b
	case OpFDiv:
		v = a / b
	case OpFMin:
		v = moremath.WasmCompatMin(a, b)
	case OpFMax:
		v = moremath.WasmCompatMax(a, b)
	case OpFCopysign:
		v = math.Copysign(a, b)
	}
	return math.Float64bits(v)
}

func floatUnary(op Op, f32 bool, x uint64) uint64 {
	// abs and neg only touch the sign bit so that NaN payloads survive.
	switch op {
	case OpFAbs:
		if f32 {
			return x & 0x7fff_ffff
		}
		return x &^ (1 << 63)
	case OpFNeg:
		if f32 {
			return uint64(uint32(x) ^ 0x8000_0000)
		}
		return x ^ (1 << 63)
	}
	if f32 {
		a := math.Float32frombits(uint32(x))
		var v float32
		switch op {
		case OpFSqrt:
			v = float32(math.Sqrt(float64(a)))
		case OpFCeil:
			v = float32(math.Ceil(float64(a)))
		case OpFFloor:
			v = float32(math.Floor(float64(a)))
		case OpFTrunc:
			v = float32(math.Trunc(float64(a)))
		case OpFNearest:
			v = moremath.WasmCompatNearestF32(a)
		}
		return uint64(math.Float32bits(v))
	}
	a := math.Float64frombits(x)
	var v float64
	switch op {
	case OpFSqrt:
		v = math.Sqrt(a)
	case OpFCeil:
		v = math.Ceil(a)
	case OpFFloor:
		v = math.Floor(a)
	case OpFTrunc:
		v = math.Trunc(a)
	case OpFNearest:
		v = moremath.WasmCompatNearestF64(a)
	}
	return math.Float64bits(v)
}

// floatToInt truncates toward zero. The non-saturating form returns false when the result is not representable; the
// code generator guards every such conversion so this only fires for hand-written code.
func floatToInt(mode byte, x uint64) (uint64, bool) {
	f := toFloat(mode&ConvSrc64 == 0, x)
	if math.IsNaN(f) {
		if mode&ConvSaturating != 0 {
			return 0, true
		}
		return 0, false
	}
	f = math.Trunc(f)

	var lo, hi float64
	signed, dst64 := mode&ConvSigned != 0, mode&ConvDst64 != 0
	switch {
	case signed && dst64:
		lo, hi = math.MinInt64, 9223372036854775808.0
	case signed:
		lo, hi = math.MinInt32, 2147483648.0
	case dst64:
		lo, hi = 0, 18446744073709551616.0
	default:
		lo, hi = 0, 4294967296.0
	}

	if f < lo || f >= hi {
		if mode&ConvSaturating == 0 {
			return 0, false
		}
		switch {
		case signed && dst64 && f < lo:
			return uint64(1) << 63, true
		case signed && dst64:
			return math.MaxInt64, true
		case signed && f < lo:
			return 0x8000_0000, true
		case signed:
			return math.MaxInt32, true
		case f < lo:
			return 0, true
		case dst64:
			return math.MaxUint64, true
		default:
			return math.MaxUint32, true
		}
	}

	switch {
	case signed && dst64:
		return uint64(int64(f)), true
	case signed:
		return uint64(uint32(int32(f))), true
	case dst64:
		if f >= 9223372036854775808.0 {
			return uint64(f-9223372036854775808.0) | 1<<63, true
		}
		return uint64(int64(f)), true
	default:
		return uint64(uint32(int64(f))), true
	}
}

func intToFloat(mode byte, x uint64) uint64 {
	f32 := mode&ConvDst64 == 0
	signed, src64 := mode&ConvSigned != 0, mode&ConvSrc64 != 0
	switch {
	case signed && src64:
		if f32 {
			return uint64(math.Float32bits(float32(int64(x))))
		}
		return math.Float64bits(float64(int64(x)))
	case signed:
		if f32 {
			return uint64(math.Float32bits(float32(int32(x))))
		}
		return math.Float64bits(float64(int32(x)))
	case src64:
		if f32 {
			return uint64(math.Float32bits(float32(x)))
		}
		return math.Float64bits(float64(x))
	default:
		if f32 {
			return uint64(math.Float32bits(float32(uint32(x))))
		}
		return math.Float64bits(float64(uint32(x)))
	}
}

package vm64

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testCodeBase  = 0x1000
	testStackBase = 0x10000
	testStackSize = 0x1000
)

func newTestCPU(t *testing.T, a *Assembler, host Host) *CPU {
	code, err := a.Assemble()
	require.NoError(t, err)
	bus := &Bus{}
	require.NoError(t, bus.Map(&Segment{Name: "text", Base: testCodeBase, Data: code, Exec: true}))
	require.NoError(t, bus.Map(&Segment{Name: "stack", Base: testStackBase, Data: make([]byte, testStackSize)}))
	c := NewCPU(bus, host)
	c.PC = testCodeBase
	c.Regs[SP] = testStackBase + testStackSize
	return c
}

func TestCPU_LoopAndCall(t *testing.T) {
	a := NewAssembler()
	// sum 1..10 via a called helper that adds R1 to R0.
	loop := a.NewLabel()
	a.MovImm(R0, 0)
	a.MovImm(R1, 10)
	a.Bind(loop)
	callOff := a.Emit(Instruction{Op: OpCall})
	a.AddImm(R1, R1, -1)
	a.Jump(OpJnz, R1, loop)
	a.Emit(Instruction{Op: OpHalt})
	helperOff := a.Offset()
	a.Op3(OpAdd, 0, R0, R0, R1)
	a.Emit(Instruction{Op: OpRet})
	// Direct calls are relocated by the caller of the assembler.
	a.Patch(callOff, int64(helperOff-callOff))

	c := newTestCPU(t, a, nil)
	exit, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitReturned, exit.Status)
	require.Equal(t, uint64(55), c.Regs[R0])
	require.Equal(t, uint64(testStackBase+testStackSize), c.Regs[SP])
}

func TestAssembler_UnboundLabel(t *testing.T) {
	a := NewAssembler()
	a.Jump(OpJmp, 0, a.NewLabel())
	_, err := a.Assemble()
	require.EqualError(t, err, "label 0 is not bound")
}

func TestCPU_BrTable(t *testing.T) {
	for _, tc := range []struct {
		index, exp uint64
	}{
		{index: 0, exp: 100},
		{index: 1, exp: 101},
		{index: 2, exp: 102},
		{index: 1 << 40, exp: 100}, // only the low 32 bits are the index
		{index: 7, exp: 102},
	} {
		a := NewAssembler()
		l0, l1, def := a.NewLabel(), a.NewLabel(), a.NewLabel()
		a.MovImm(R2, int64(tc.index))
		a.BrTable(R2, []Label{l0, l1, def})
		for i, l := range []Label{l0, l1, def} {
			a.Bind(l)
			a.MovImm(R0, int64(100+i))
			a.Emit(Instruction{Op: OpHalt})
		}
		c := newTestCPU(t, a, nil)
		_, err := c.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, tc.exp, c.Regs[R0])
	}
}

func TestCPU_TrapAndPoll(t *testing.T) {
	a := NewAssembler()
	a.Emit(Instruction{Op: OpPoll})
	trapOff := a.Trap(TrapCodeMemoryOutOfBounds)

	c := newTestCPU(t, a, nil)
	exit, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exit{Status: ExitTrapped, Trap: TrapCodeMemoryOutOfBounds, PC: testCodeBase + trapOff}, exit)

	c.PC = testCodeBase
	c.Interrupt()
	exit, err = c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Exit{Status: ExitInterrupted, PC: testCodeBase}, exit)

	// The interrupt is consumed.
	exit, err = c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitTrapped, exit.Status)
}

func TestCPU_ContextCancelInterrupts(t *testing.T) {
	a := NewAssembler()
	loop := a.NewLabel()
	a.Bind(loop)
	a.Emit(Instruction{Op: OpPoll})
	a.Jump(OpJmp, 0, loop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestCPU(t, a, nil)
	exit, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ExitInterrupted, exit.Status)
}

type hostFunc func(ctx context.Context, c *CPU, id uint32) error

func (f hostFunc) HostCall(ctx context.Context, c *CPU, id uint32) error { return f(ctx, c, id) }

func TestCPU_HostCall(t *testing.T) {
	a := NewAssembler()
	a.MovImm(R0, 20)
	a.Emit(Instruction{Op: OpHostCall, Imm: 3})
	a.Emit(Instruction{Op: OpHalt})

	c := newTestCPU(t, a, hostFunc(func(_ context.Context, c *CPU, id uint32) error {
		c.Regs[R0] += uint64(id)
		return nil
	}))
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(23), c.Regs[R0])

	boom := errors.New("boom")
	c = newTestCPU(t, a, hostFunc(func(context.Context, *CPU, uint32) error { return boom }))
	_, err = c.Run(context.Background())
	require.ErrorIs(t, err, boom)
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	require.Equal(t, uint64(testCodeBase+InstructionSize), fault.PC)
}

func TestCPU_Fault(t *testing.T) {
	a := NewAssembler()
	a.MovImm(R1, 0xdead_0000)
	a.Load64(R0, R1, 0)

	c := newTestCPU(t, a, nil)
	_, err := c.Run(context.Background())
	require.EqualError(t, err, "machine fault at pc=0x1010: load from 0xdead0000 out of bounds")
}

func TestIntBinary(t *testing.T) {
	for _, tc := range []struct {
		name  string
		op    Op
		w32   bool
		x, y  uint64
		exp   uint64
		expOk bool
	}{
		{name: "add32 wraps", op: OpAdd, w32: true, x: math.MaxUint32, y: 1, exp: 0, expOk: true},
		{name: "divs32 min/-1 wraps", op: OpDivS, w32: true, x: 0x8000_0000, y: 0xffff_ffff, exp: 0x8000_0000, expOk: true},
		{name: "divu32 by zero", op: OpDivU, w32: true, x: 1, y: 0},
		{name: "rems64 by zero", op: OpRemS, x: 1, y: 0},
		{name: "shl32 masks", op: OpShl, w32: true, x: 1, y: 33, exp: 2, expOk: true},
		{name: "shrs64", op: OpShrS, x: 1 << 63, y: 63, exp: math.MaxUint64, expOk: true},
		{name: "rotr32", op: OpRotr, w32: true, x: 1, y: 1, exp: 0x8000_0000, expOk: true},
		{name: "rems32 negative", op: OpRemS, w32: true, x: uint64(uint32(0xffff_fff9)), y: 2, exp: 0xffff_ffff, expOk: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v, ok := intBinary(tc.op, tc.w32, tc.x, tc.y)
			require.Equal(t, tc.expOk, ok)
			require.Equal(t, tc.exp, v)
		})
	}
}

func TestFloatToInt(t *testing.T) {
	f32 := func(f float32) uint64 { return uint64(math.Float32bits(f)) }
	f64 := math.Float64bits
	for _, tc := range []struct {
		name  string
		mode  byte
		in    uint64
		exp   uint64
		expOk bool
	}{
		{name: "i32.trunc_f32_s", mode: ConvSigned, in: f32(-3.9), exp: 0xffff_fffd, expOk: true},
		{name: "i32.trunc_f64_s overflow", mode: ConvSigned | ConvSrc64, in: f64(2147483648.0)},
		{name: "i32.trunc_f64_u", mode: ConvSrc64, in: f64(4294967295.0), exp: 0xffff_ffff, expOk: true},
		{name: "i64.trunc_f64_u large", mode: ConvSrc64 | ConvDst64, in: f64(18446744073709549568.0), exp: 18446744073709549568, expOk: true},
		{name: "nan", mode: ConvSigned, in: f32(float32(math.NaN()))},
		{name: "sat nan", mode: ConvSigned | ConvSaturating, in: f32(float32(math.NaN())), exp: 0, expOk: true},
		{name: "sat i32 -inf", mode: ConvSigned | ConvSaturating | ConvSrc64, in: f64(math.Inf(-1)), exp: 0x8000_0000, expOk: true},
		{name: "sat u64 +inf", mode: ConvDst64 | ConvSaturating | ConvSrc64, in: f64(math.Inf(1)), exp: math.MaxUint64, expOk: true},
		{name: "sat u32 negative", mode: ConvSaturating, in: f32(-5), exp: 0, expOk: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v, ok := floatToInt(tc.mode, tc.in)
			require.Equal(t, tc.expOk, ok)
			require.Equal(t, tc.exp, v)
		})
	}
}

func TestFloatBinary_MinMax(t *testing.T) {
	negZero := math.Copysign(0, -1)
	require.Equal(t, math.Float64bits(negZero), floatBinary(OpFMin, false, math.Float64bits(0), math.Float64bits(negZero)))
	v := floatBinary(OpFMax, true, uint64(math.Float32bits(float32(math.NaN()))), uint64(math.Float32bits(1)))
	require.True(t, math.IsNaN(float64(math.Float32frombits(uint32(v)))))
}

func TestBus_Map(t *testing.T) {
	bus := &Bus{}
	require.NoError(t, bus.Map(&Segment{Name: "a", Base: 0x100, Data: make([]byte, 0x10)}))
	require.NoError(t, bus.Map(&Segment{Name: "b", Base: 0x200, Data: make([]byte, 0x10), Limit: 0x100}))
	err := bus.Map(&Segment{Name: "c", Base: 0x108, Data: make([]byte, 8)})
	require.EqualError(t, err, "segment c [0x108, 0x110) overlaps a [0x100, 0x110)")

	require.True(t, bus.Write64(0x208, 0x1122334455667788))
	v, ok := bus.Read(0x20c, Width32)
	require.True(t, ok)
	require.Equal(t, uint64(0x11223344), v)

	// Reserved but not backed.
	_, ok = bus.Read64(0x210)
	require.False(t, ok)

	bus.Unmap("b")
	_, ok = bus.Read64(0x208)
	require.False(t, ok)
}

func TestEval(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   Op
		mode byte
		x, y uint64
		exp  uint64
		ok   bool
	}{
		{name: "add32 wraps", op: OpAdd, mode: ModeW32, x: 0xffff_ffff, y: 2, exp: 1, ok: true},
		{name: "div_s overflow 32", op: OpDivS, mode: ModeW32, x: 0x8000_0000, y: 0xffff_ffff},
		{name: "div_s overflow 64", op: OpDivS, x: 1 << 63, y: math.MaxUint64},
		{name: "div_s", op: OpDivS, mode: ModeW32, x: 0xffff_fffa, y: 3, exp: 0xffff_fffe, ok: true},
		{name: "div by zero", op: OpDivU, x: 1},
		{name: "eqz", op: OpEqz, exp: 1, ok: true},
		{name: "cmp lt_s", op: OpCmp, mode: ModeW32 | CondLtS, x: 0xffff_ffff, y: 0, exp: 1, ok: true},
		{name: "cmp lt_u", op: OpCmp, mode: ModeW32 | CondLtU, x: 0xffff_ffff, y: 0, exp: 0, ok: true},
		{name: "sext 32", op: OpSext, mode: Width32, x: 0x8000_0000, exp: 0xffff_ffff_8000_0000, ok: true},
		{name: "fmin", op: OpFMin, x: math.Float64bits(math.Copysign(0, -1)), y: math.Float64bits(0), exp: math.Float64bits(math.Copysign(0, -1)), ok: true},
		{name: "trap op", op: OpTrap},
		{name: "ftoi is guarded", op: OpFToI},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v, ok := Eval(tc.op, tc.mode, tc.x, tc.y)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.exp, v)
		})
	}
}

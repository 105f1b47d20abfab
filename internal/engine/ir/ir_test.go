package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wasmsnap/wasmsnap/wasm"
)

func newTestFunction() *Function {
	return &Function{
		Type:       &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}},
		LocalTypes: []wasm.ValueType{wasm.ValueTypeI32},
	}
}

func TestBuilder_Finish(t *testing.T) {
	b := NewBuilder()
	fn := newTestFunction()
	b.Init(fn)

	entry := b.CurrentBlock()
	then, els, following := b.AllocateBlock(), b.AllocateBlock(), b.AllocateBlock()
	b.Insert(Instruction{Op: OpcodePoll, Suspend: &Suspend{WasmOffset: math.MaxUint64}})
	b.Insert(Instruction{Op: OpcodeMove, Type: wasm.ValueTypeI32, Dst: Stack(0), X: Local(0)})
	b.InsertBrIf(Stack(0), then, els)
	require.True(t, b.Terminated())
	// Dropped: the block is already terminated.
	b.Insert(Instruction{Op: OpcodeConst, Dst: Stack(0)})
	require.Len(t, entry.Instrs, 3)

	b.SetCurrentBlock(then)
	b.Insert(Instruction{Op: OpcodeConst, Type: wasm.ValueTypeI32, Dst: Stack(0), Imm: 1})
	b.InsertJump(following)
	b.SetCurrentBlock(els)
	b.Insert(Instruction{Op: OpcodeConst, Type: wasm.ValueTypeI32, Dst: Stack(0), Imm: 2})
	b.InsertJump(following)
	b.SetCurrentBlock(following)
	b.InsertReturn(Stack(0))
	// Never reached, left open.
	orphan := b.AllocateBlock()

	b.Finish()
	require.Equal(t, []BlockID{0}, then.Preds)
	require.Equal(t, []BlockID{0}, els.Preds)
	require.Equal(t, []BlockID{1, 2}, following.Preds)
	require.Equal(t, OpcodeUnreachable, orphan.Terminator().Op)
	require.Nil(t, orphan.Terminator().Suspend)

	require.Equal(t, `func[0] i32_i32 locals=1 max_depth=0
blk0:
	poll @header depth=0
	s0 = move l0
	br_if s0, blk1, blk2
blk1: <-- (blk0)
	s0 = const.i32 0x1
	jump blk3
blk2: <-- (blk0)
	s0 = const.i32 0x2
	jump blk3
blk3: <-- (blk1, blk2)
	return s0
blk4:
	unreachable
`, fn.Format())
}

func TestSimplify(t *testing.T) {
	b := NewBuilder()
	fn := newTestFunction()
	b.Init(fn)

	hop1, hop2, exit, dead := b.AllocateBlock(), b.AllocateBlock(), b.AllocateBlock(), b.AllocateBlock()
	loop := b.AllocateBlock()
	loop.LoopHeader = true
	b.InsertBrIf(Local(0), hop1, loop)
	b.SetCurrentBlock(hop1)
	b.InsertJump(hop2)
	b.SetCurrentBlock(hop2)
	b.InsertJump(exit)
	b.SetCurrentBlock(exit)
	b.InsertReturn(Local(0))
	b.SetCurrentBlock(dead)
	b.InsertJump(exit)
	b.SetCurrentBlock(loop)
	b.Insert(Instruction{Op: OpcodePoll, Suspend: &Suspend{WasmOffset: 3}})
	b.InsertBrTable(Local(0), []*Block{hop2, loop})
	fn = b.Finish()

	Simplify(fn)

	var ids []BlockID
	for _, blk := range fn.Blocks {
		ids = append(ids, blk.ID)
	}
	require.Equal(t, []BlockID{0, 3, 5}, ids)
	require.Equal(t, BlockID(3), fn.Entry().Terminator().Target)
	require.Equal(t, BlockID(5), fn.Entry().Terminator().Else)
	require.Equal(t, []BlockID{3, 5}, loop.Terminator().Targets)
	require.Equal(t, []BlockID{0, 5}, exit.Preds)
	require.Equal(t, []BlockID{0, 5}, loop.Preds)
}

func TestSimplify_EmptyCycle(t *testing.T) {
	b := NewBuilder()
	fn := newTestFunction()
	b.Init(fn)
	x, y := b.AllocateBlock(), b.AllocateBlock()
	b.InsertJump(x)
	b.SetCurrentBlock(x)
	b.InsertJump(y)
	b.SetCurrentBlock(y)
	b.InsertJump(x)
	fn = b.Finish()

	Simplify(fn)
	// The entry jumps into the cycle, which stays intact.
	require.Len(t, fn.Blocks, 3)
}

func TestInstruction_Format(t *testing.T) {
	for _, tc := range []struct {
		in  Instruction
		exp string
	}{
		{
			in:  Instruction{Op: OpcodeBinary, Kind: BinaryDivS, Type: wasm.ValueTypeI64, Dst: Stack(0), X: Stack(0), Y: Stack(1)},
			exp: "s0 = div_s.i64 s0, s1",
		},
		{
			in:  Instruction{Op: OpcodeCompare, Kind: CmpFLt, Type: wasm.ValueTypeF32, Dst: Stack(1), X: Stack(1), Y: Local(2)},
			exp: "s1 = flt.f32 s1, l2",
		},
		{
			in:  Instruction{Op: OpcodeLoad, Kind: 2 | LoadSigned, Type: wasm.ValueTypeI64, Dst: Stack(0), X: Stack(0), Imm: 16},
			exp: "s0 = load32.i64 s0+16",
		},
		{
			in:  Instruction{Op: OpcodeBoundsCheck, X: Stack(3), Imm: 4, Imm2: 8, Suspend: &Suspend{WasmOffset: 0x10, Depth: 5, ArgBase: 5}},
			exp: "bounds_check s3+4, 8 @0x10 depth=5",
		},
		{
			in:  Instruction{Op: OpcodeCall, Imm: 3, Imm2: 2, X: Stack(1), Dst: Stack(1), Suspend: &Suspend{WasmOffset: 0x20, Depth: 3, ArgBase: 1}},
			exp: "s1 = call f3, s1..+2 @0x20 depth=3 args=1",
		},
		{
			in:  Instruction{Op: OpcodeBrTable, X: Stack(0), Targets: []BlockID{1, 2}},
			exp: "br_table s0, blk1, blk2",
		},
		{
			in:  Instruction{Op: OpcodeReturn},
			exp: "return",
		},
	} {
		require.Equal(t, tc.exp, tc.in.Format())
	}
}

func TestInstruction_TruncExponent(t *testing.T) {
	i := Instruction{Op: OpcodeTrapIfTruncInvalid, Imm3: 52<<16 | 0x7ff}
	shift, invalid := i.TruncExponent()
	require.Equal(t, uint64(52), shift)
	require.Equal(t, uint64(0x7ff), invalid)
}

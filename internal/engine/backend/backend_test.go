package backend

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/engine/frontend"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/leb128"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

const (
	i32 = wasm.ValueTypeI32
	i64 = wasm.ValueTypeI64

	testTextBase    = 0x1000
	testVmctxBase   = 0x8000
	testStackBase   = 0x10000
	testStackSize   = 0x4000
	testMemoryBase  = 0x100000
	testGlobalsBase = 0x9000
)

var tiers = []Tier{TierBaseline, TierOptimized}

func singleFunctionModule(typ wasm.FunctionType, body []byte, localTypes []wasm.ValueType) *wasm.Module {
	return &wasm.Module{
		TypeSection:     []wasm.FunctionType{typ},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []wasm.Code{{LocalTypes: localTypes, Body: body}},
	}
}

func compileFunction(t *testing.T, m *wasm.Module, tier Tier) *Compiled {
	fn, err := frontend.NewFrontendCompiler(m, ir.NewBuilder()).Lower(0)
	require.NoError(t, err)
	compiled, err := Compile(fn, &Env{Module: m}, tier)
	require.NoError(t, err)
	return compiled
}

// testMachine runs a single compiled function whose code follows a halt trampoline.
type testMachine struct {
	cpu   *vm64.CPU
	entry uint64
}

func newTestMachine(t *testing.T, compiled *Compiled, memoryPages uint32) *testMachine {
	halt := make([]byte, vm64.InstructionSize)
	(&vm64.Instruction{Op: vm64.OpHalt}).Encode(halt)
	text := append(halt, compiled.Code...)

	bus := &vm64.Bus{}
	require.NoError(t, bus.Map(&vm64.Segment{Name: "text", Base: testTextBase, Data: text, Exec: true}))
	require.NoError(t, bus.Map(&vm64.Segment{Name: "vmctx", Base: testVmctxBase, Data: make([]byte, engineapi.VmctxSize)}))
	require.NoError(t, bus.Map(&vm64.Segment{Name: "globals", Base: testGlobalsBase, Data: make([]byte, 64)}))
	require.NoError(t, bus.Map(&vm64.Segment{Name: "stack", Base: testStackBase, Data: make([]byte, testStackSize)}))
	memSize := uint64(memoryPages) * uint64(wasm.MemoryPageSize)
	if memSize > 0 {
		require.NoError(t, bus.Map(&vm64.Segment{Name: "memory", Base: testMemoryBase, Data: make([]byte, memSize)}))
	}
	off := engineapi.VmctxOffsets
	bus.Write64(testVmctxBase+off.MemoryBase.U64(), testMemoryBase)
	bus.Write64(testVmctxBase+off.MemoryBound.U64(), memSize)
	bus.Write64(testVmctxBase+off.GlobalsBase.U64(), testGlobalsBase)
	bus.Write64(testVmctxBase+off.StackLimit.U64(), testStackBase)
	return &testMachine{cpu: vm64.NewCPU(bus, nil), entry: testTextBase + vm64.InstructionSize}
}

func (m *testMachine) call(t *testing.T, params ...uint64) vm64.Exit {
	c := m.cpu
	c.Regs[vm64.SP] = testStackBase + testStackSize - 8*uint64(len(params))
	for i, p := range params {
		require.True(t, c.Bus.Write64(c.Regs[vm64.SP]+8*uint64(i), p))
	}
	require.True(t, c.Push(testTextBase))
	c.Regs[vm64.VmctxRegister] = testVmctxBase
	c.PC = m.entry
	exit, err := c.Run(context.Background())
	require.NoError(t, err)
	return exit
}

func TestCompile_run(t *testing.T) {
	sumLoop := []byte{
		wasm.OpcodeBlock, 0x40,
		wasm.OpcodeLoop, 0x40,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Eqz, wasm.OpcodeBrIf, 1,
		wasm.OpcodeLocalGet, 1, wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Add, wasm.OpcodeLocalSet, 1,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Sub, wasm.OpcodeLocalSet, 0,
		wasm.OpcodeBr, 0,
		wasm.OpcodeEnd,
		wasm.OpcodeEnd,
		wasm.OpcodeLocalGet, 1,
		wasm.OpcodeEnd,
	}
	sevenParams := wasm.FunctionType{Params: []wasm.ValueType{i64, i64, i64, i64, i64, i64, i64}, Results: []wasm.ValueType{i64}}
	sevenBody := []byte{wasm.OpcodeLocalGet, 0}
	for i := byte(1); i < 7; i++ {
		sevenBody = append(sevenBody, wasm.OpcodeLocalGet, i, wasm.OpcodeI64Add)
	}
	sevenBody = append(sevenBody, wasm.OpcodeEnd)

	for _, tc := range []struct {
		name   string
		m      *wasm.Module
		params []uint64
		exp    uint64
	}{
		{
			name: "add",
			m: singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}},
				[]byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}, nil),
			params: []uint64{0xffff_ffff, 2},
			exp:    1,
		},
		{
			name: "constants",
			m: singleFunctionModule(wasm.FunctionType{Results: []wasm.ValueType{i32}},
				[]byte{wasm.OpcodeI32Const, 6, wasm.OpcodeI32Const, 7, wasm.OpcodeI32Mul, wasm.OpcodeEnd}, nil),
			exp: 42,
		},
		{
			name:   "loop",
			m:      singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}, sumLoop, []wasm.ValueType{i32}),
			params: []uint64{10},
			exp:    55,
		},
		{
			name:   "stack parameters",
			m:      singleFunctionModule(sevenParams, sevenBody, nil),
			params: []uint64{1, 2, 3, 4, 5, 6, 7},
			exp:    28,
		},
		{
			name: "select",
			m: singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}},
				[]byte{wasm.OpcodeI32Const, 3, wasm.OpcodeI32Const, 4, wasm.OpcodeLocalGet, 0, wasm.OpcodeSelect, wasm.OpcodeEnd}, nil),
			params: []uint64{0},
			exp:    4,
		},
	} {
		tc := tc
		for _, tier := range tiers {
			tier := tier
			t.Run(tc.name+"/"+tier.String(), func(t *testing.T) {
				m := newTestMachine(t, compileFunction(t, tc.m, tier), 0)
				exit := m.call(t, tc.params...)
				require.Equal(t, vm64.ExitReturned, exit.Status)
				require.Equal(t, tc.exp, m.cpu.Regs[vm64.ReturnRegister])
				require.Equal(t, uint64(testStackBase+testStackSize-8*len(tc.params)), m.cpu.Regs[vm64.SP])
			})
		}
	}
}

func TestCompile_memory(t *testing.T) {
	storeLoad := singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}}, []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, wasm.OpcodeI32Store, 2, 0,
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load, 2, 0,
		wasm.OpcodeEnd,
	}, nil)
	storeLoad.MemorySection = &wasm.Memory{Min: 1}
	load := singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}, []byte{
		wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Load, 2, 0,
		wasm.OpcodeEnd,
	}, nil)
	load.MemorySection = &wasm.Memory{Min: 1}
	loadConst := func(addr int32) *wasm.Module {
		body := append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(addr)...)
		body = append(body, wasm.OpcodeI32Load, 2, 0, wasm.OpcodeEnd)
		m := singleFunctionModule(wasm.FunctionType{Results: []wasm.ValueType{i32}}, body, nil)
		m.MemorySection = &wasm.Memory{Min: 1}
		return m
	}

	for _, tc := range []struct {
		name   string
		m      *wasm.Module
		params []uint64
		trap   bool
		exp    uint64
	}{
		{name: "store and load last word", m: storeLoad, params: []uint64{65532, 0xdead_beef}, exp: 0xdead_beef},
		{name: "store past the end", m: storeLoad, params: []uint64{65533, 1}, trap: true},
		{name: "load last word", m: load, params: []uint64{65532}, exp: 0},
		{name: "load straddling the end", m: load, params: []uint64{65533}, trap: true},
		{name: "load at max address", m: load, params: []uint64{0xffff_ffff}, trap: true},
		{name: "constant address in bounds", m: loadConst(65532), exp: 0},
		{name: "constant address straddling the end", m: loadConst(65533), trap: true},
	} {
		tc := tc
		for _, tier := range tiers {
			tier := tier
			t.Run(tc.name+"/"+tier.String(), func(t *testing.T) {
				tm := newTestMachine(t, compileFunction(t, tc.m, tier), 1)
				exit := tm.call(t, tc.params...)
				if tc.trap {
					require.Equal(t, vm64.ExitTrapped, exit.Status)
					require.Equal(t, vm64.TrapCodeMemoryOutOfBounds, exit.Trap)
					return
				}
				require.Equal(t, vm64.ExitReturned, exit.Status)
				require.Equal(t, tc.exp, tm.cpu.Regs[vm64.ReturnRegister])
			})
		}
	}
}

func TestCompile_traps(t *testing.T) {
	binop := func(op wasm.Opcode) *wasm.Module {
		return singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32, i32}, Results: []wasm.ValueType{i32}},
			[]byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeLocalGet, 1, op, wasm.OpcodeEnd}, nil)
	}
	divS, remS := binop(wasm.OpcodeI32DivS), binop(wasm.OpcodeI32RemS)
	truncS := singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeF64}, Results: []wasm.ValueType{i32}},
		[]byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeI32TruncF64S, wasm.OpcodeEnd}, nil)
	unreachable := singleFunctionModule(wasm.FunctionType{}, []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}, nil)
	f64 := math.Float64bits

	for _, tc := range []struct {
		name      string
		m         *wasm.Module
		params    []uint64
		exp       vm64.TrapCode
		returns   bool // the call returns expResult instead of trapping
		expResult uint32
	}{
		{name: "div by zero", m: divS, params: []uint64{1, 0}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "div overflow", m: divS, params: []uint64{0x8000_0000, 0xffff_ffff}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "rem by zero", m: remS, params: []uint64{7, 0}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "rem min by minus one", m: remS, params: []uint64{0x8000_0000, 0xffff_ffff}, returns: true, expResult: 0},
		{name: "rem negative", m: remS, params: []uint64{0xffff_fff9, 2}, returns: true, expResult: 0xffff_ffff},
		{name: "trunc below max", m: truncS, params: []uint64{f64(2147483647.9)}, returns: true, expResult: math.MaxInt32},
		{name: "trunc above min", m: truncS, params: []uint64{f64(-2147483648.9)}, returns: true, expResult: 0x8000_0000},
		{name: "trunc min minus one", m: truncS, params: []uint64{f64(-2147483649.0)}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "trunc max plus one", m: truncS, params: []uint64{f64(2147483648.0)}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "trunc nan", m: truncS, params: []uint64{f64(math.NaN())}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "trunc inf", m: truncS, params: []uint64{f64(math.Inf(1))}, exp: vm64.TrapCodeIllegalArithmetic},
		{name: "unreachable", m: unreachable, exp: vm64.TrapCodeUnreachable},
	} {
		tc := tc
		for _, tier := range tiers {
			tier := tier
			t.Run(tc.name+"/"+tier.String(), func(t *testing.T) {
				compiled := compileFunction(t, tc.m, tier)
				m := newTestMachine(t, compiled, 0)
				exit := m.call(t, tc.params...)
				if tc.returns {
					require.Equal(t, vm64.ExitReturned, exit.Status)
					require.Equal(t, tc.expResult, uint32(m.cpu.Regs[vm64.ReturnRegister]))
					return
				}
				require.Equal(t, vm64.ExitTrapped, exit.Status)
				require.Equal(t, tc.exp, exit.Trap)

				// The trap is covered by a trappable suspend point.
				off := exit.PC - m.entry
				e, ok := compiled.StateMap.TrappableOffsets.Floor(off)
				require.True(t, ok)
				require.True(t, off < e.Info.EndOffset)
			})
		}
	}
}

func TestCompile_stackOverflow(t *testing.T) {
	m := singleFunctionModule(wasm.FunctionType{}, []byte{wasm.OpcodeEnd}, nil)
	compiled := compileFunction(t, m, TierBaseline)
	tm := newTestMachine(t, compiled, 0)
	tm.cpu.Bus.Write64(testVmctxBase+engineapi.VmctxOffsets.StackLimit.U64(), testStackBase+testStackSize)
	exit := tm.call(t)
	require.Equal(t, vm64.ExitTrapped, exit.Status)
	require.Equal(t, vm64.TrapCodeStackOverflow, exit.Trap)
	require.Equal(t, uint64(testStackBase+testStackSize-8), tm.cpu.Regs[vm64.SP])
}

func TestCompile_baselineStateMap(t *testing.T) {
	typ := wasm.FunctionType{Params: []wasm.ValueType{i32, i32, i32, i32, i32, i32}, Results: []wasm.ValueType{i32}}
	m := singleFunctionModule(typ, []byte{wasm.OpcodeLocalGet, 5, wasm.OpcodeEnd}, []wasm.ValueType{i64})
	compiled := compileFunction(t, m, TierBaseline)
	fsm := compiled.StateMap
	require.Equal(t, uint64(explicitShadowSize), fsm.ShadowSize)
	require.NotNil(t, fsm.HeaderTarget)
	require.Equal(t, state.SuspendLoop, fsm.HeaderTarget.Kind)

	_, s, err := fsm.State(*fsm.HeaderTarget)
	require.NoError(t, err)
	require.Equal(t, []state.MachineValue{
		state.Vmctx(),
		state.PreserveRegister(vm64.R3),
		state.PreserveRegister(vm64.R12),
		state.PreserveRegister(vm64.R13),
		state.PreserveRegister(vm64.R14),
		state.PreserveRegister(vm64.R15),
		state.ExplicitShadow(),
		state.WasmLocal(6),
		state.Undefined(),
	}, s.StackValues)
	require.Equal(t, map[int]state.MachineValue{5: state.WasmLocal(5)}, s.PrevFrame)
	require.Equal(t, state.Vmctx(), s.RegisterValues[vm64.VmctxRegister])
	require.Equal(t, state.WasmLocal(0), s.RegisterValues[vm64.R3])
	require.Equal(t, state.WasmLocal(4), s.RegisterValues[vm64.R15])
	require.Equal(t, uint64(state.HeaderWasmOffset), s.WasmInstOffset)
	require.Equal(t, uint64(8*(1+5+4+1+1)), compiled.FrameSize)
}

func TestCompile_optimizedStateMap(t *testing.T) {
	typ := wasm.FunctionType{Params: []wasm.ValueType{i32, i64}, Results: []wasm.ValueType{i32}}
	// local 2 (i32) is written, local 3 (f64) is never written.
	m := singleFunctionModule(typ, []byte{
		wasm.OpcodeI32Const, 5, wasm.OpcodeLocalSet, 2,
		wasm.OpcodeLocalGet, 2, wasm.OpcodeEnd,
	}, []wasm.ValueType{i32, wasm.ValueTypeF64})
	compiled := compileFunction(t, m, TierOptimized)
	fsm := compiled.StateMap
	require.Equal(t, uint64(0), fsm.ShadowSize)
	require.Equal(t, []state.WasmAbstractValue{{}, {}, {}, state.Const(0)}, fsm.Locals)

	_, s, err := fsm.State(*fsm.HeaderTarget)
	require.NoError(t, err)
	require.Equal(t, []state.MachineValue{
		state.Vmctx(),
		state.VmctxDeref(16, 0),
		state.PreserveRegister(vm64.R12),
		state.WasmLocal(1),
		state.TwoHalves(state.WasmLocal(0), state.WasmLocal(2)),
		state.Undefined(),
	}, s.StackValues)
	require.Equal(t, state.VmctxDeref(0, 0), s.RegisterValues[vm64.R12])
	require.Equal(t, state.Vmctx(), s.RegisterValues[vm64.VmctxRegister])
}

func TestCompile_optimizedElidesSafeGuards(t *testing.T) {
	m := singleFunctionModule(wasm.FunctionType{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}},
		[]byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeI32Const, 3, wasm.OpcodeI32DivU, wasm.OpcodeEnd}, nil)
	baseline := compileFunction(t, m, TierBaseline)
	require.Equal(t, 1, len(baseline.StateMap.TrappableOffsets))
	optimized := compileFunction(t, m, TierOptimized)
	require.Equal(t, 0, len(optimized.StateMap.TrappableOffsets))

	tm := newTestMachine(t, optimized, 0)
	require.Equal(t, vm64.ExitReturned, tm.call(t, 10).Status)
	require.Equal(t, uint64(3), tm.cpu.Regs[vm64.ReturnRegister])
}

func TestCompile_optimizedCallRelocation(t *testing.T) {
	m := &wasm.Module{
		TypeSection:     []wasm.FunctionType{{Params: []wasm.ValueType{i32}, Results: []wasm.ValueType{i32}}},
		FunctionSection: []wasm.Index{0, 0},
		CodeSection: []wasm.Code{
			{Body: []byte{wasm.OpcodeI32Const, 2, wasm.OpcodeLocalGet, 0, wasm.OpcodeCall, 1, wasm.OpcodeI32Add, wasm.OpcodeEnd}},
			{Body: []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd}},
		},
	}
	compiled := compileFunction(t, m, TierOptimized)
	require.Len(t, compiled.Relocations, 1)
	require.Equal(t, wasm.Index(1), compiled.Relocations[0].FuncIndex)
	in := vm64.Decode(compiled.Code[compiled.Relocations[0].Offset:])
	require.Equal(t, vm64.OpCall, in.Op)

	require.Len(t, compiled.StateMap.CallOffsets, 1)
	e := compiled.StateMap.CallOffsets[0]
	require.Equal(t, compiled.Relocations[0].Offset+vm64.InstructionSize, e.Offset)
	_, s, err := compiled.StateMap.State(state.SuspendOffset{Kind: state.SuspendCall, Offset: e.Offset})
	require.NoError(t, err)
	// The constant below the argument is known, and the argument itself is private to the call.
	require.Equal(t, []state.WasmAbstractValue{state.Const(2), {}}, s.WasmStack)
	require.Equal(t, 1, s.WasmStackPrivateDepth)
	require.Equal(t, state.Undefined(), s.RegisterValues[vm64.VmctxRegister])
}

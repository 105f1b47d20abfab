package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wasmsnap/wasmsnap/internal/vm64"
)

func testStates() []*MachineState {
	s0 := NewMachineState()
	s0.StackValues = []MachineValue{Vmctx(), PreserveRegister(vm64.R12), ExplicitShadow()}
	s0.RegisterValues[vm64.R12] = WasmLocal(0)
	s0.RegisterValues[vm64.VmctxRegister] = Vmctx()
	s0.PrevFrame[0] = WasmLocal(5)

	s1 := s0.Clone()
	s1.StackValues = append(s1.StackValues, WasmStack(0), WasmStack(1))
	s1.WasmStack = []WasmAbstractValue{Runtime, Const(42)}
	s1.WasmInstOffset = 10

	s2 := s1.Clone()
	s2.StackValues = append(s2.StackValues[:3], TwoHalves(WasmLocal(1), WasmStack(0)), CopyStackBPRelative(-40))
	s2.RegisterValues[vm64.R13] = VmctxDeref(0, 0)
	s2.RegisterValues[vm64.VmctxRegister] = Undefined()
	s2.PrevFrame[1] = WasmLocal(6)
	delete(s2.PrevFrame, 0)
	s2.WasmStack = []WasmAbstractValue{Runtime}
	s2.WasmStackPrivateDepth = 1
	s2.WasmInstOffset = 17

	s3 := s2.Clone()
	s3.StackValues = nil
	s3.PrevFrame = map[int]MachineValue{}
	s3.WasmStack = []WasmAbstractValue{Const(1), Const(2), Runtime}
	s3.WasmStackPrivateDepth = 0
	s3.WasmInstOffset = 30
	return []*MachineState{s0, s1, s2, s3}
}

func TestMachineState_DiffRoundTrip(t *testing.T) {
	fsm := NewFunctionStateMap(0, 32, nil)
	states := testStates()
	for i, s := range states {
		fsm.Record(SuspendLoop, uint64(i)*16, uint64(i)*16, s)
	}
	require.True(t, fsm.Initial.Equal(states[0]))
	require.Equal(t, len(states), len(fsm.Diffs))
	for i, s := range states {
		require.Equal(t, i-1, fsm.Diffs[i].Last)
		actual, err := fsm.Diffs[i].BuildState(fsm)
		require.NoError(t, err)
		require.True(t, actual.Equal(s), "state %d: %+v", i, actual)
	}
}

func TestMachineState_Diff(t *testing.T) {
	states := testStates()
	d := states[2].Diff(states[1])
	require.Equal(t, RootDiff, d.Last)
	require.Equal(t, 2, d.StackPop)
	require.Equal(t, []MachineValue{TwoHalves(WasmLocal(1), WasmStack(0)), CopyStackBPRelative(-40)}, d.StackPush)
	require.Equal(t, []RegisterDiff{
		{Index: vm64.VmctxRegister, Value: Undefined()},
		{Index: vm64.R13, Value: VmctxDeref(0, 0)},
	}, d.RegDiff)
	require.Equal(t, []PrevFrameDiff{{Key: 0, Removed: true}, {Key: 1, Value: WasmLocal(6)}}, d.PrevFrameDiff)
	require.Equal(t, 1, d.WasmStackPop)
	require.Nil(t, d.WasmStackPush)
	require.Equal(t, 1, d.WasmStackPrivateDepth)
	require.Equal(t, uint64(17), d.WasmInstOffset)

	// Identical states produce an empty diff.
	d = states[3].Diff(states[3])
	require.Zero(t, d.StackPop)
	require.Empty(t, d.StackPush)
	require.Empty(t, d.RegDiff)
	require.Empty(t, d.PrevFrameDiff)
}

func TestMachineStateDiff_BuildState_Corrupt(t *testing.T) {
	fsm := NewFunctionStateMap(0, 0, nil)
	fsm.Record(SuspendLoop, 0, 0, NewMachineState())

	for _, tc := range []struct {
		name   string
		diff   MachineStateDiff
		expErr string
	}{
		{name: "last out of range", diff: MachineStateDiff{Last: 5}, expErr: "diff 5 out of range [0, 1)"},
		{name: "stack pop", diff: MachineStateDiff{Last: RootDiff, StackPop: 1}, expErr: "pop of 1 stack values from 0"},
		{name: "wasm stack pop", diff: MachineStateDiff{Last: RootDiff, WasmStackPop: 2}, expErr: "pop of 2 wasm stack values from 0"},
		{
			name:   "register",
			diff:   MachineStateDiff{Last: RootDiff, RegDiff: []RegisterDiff{{Index: vm64.NumRegisters}}},
			expErr: "register 24 out of range",
		},
		{
			name:   "prev frame removal",
			diff:   MachineStateDiff{Last: RootDiff, PrevFrameDiff: []PrevFrameDiff{{Key: 3, Removed: true}}},
			expErr: "removal of absent previous frame value 3",
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.diff.BuildState(fsm)
			require.EqualError(t, err, tc.expErr)
		})
	}

	t.Run("cycle", func(t *testing.T) {
		fsm.Diffs[0].Last = 0
		_, err := fsm.Diffs[0].BuildState(fsm)
		require.EqualError(t, err, "diff chain is cyclic at 0")
	})
}

func TestVmctxPath_Eval(t *testing.T) {
	mem := map[uint64]uint64{0x1000: 0x8000, 0x1010: 0x9000, 0x9008: 0xa000}
	load := func(addr uint64) (uint64, bool) {
		v, ok := mem[addr]
		return v, ok
	}
	for _, tc := range []struct {
		name  string
		path  VmctxPath
		exp   uint64
		expOk bool
	}{
		{name: "context", path: VmctxPath{Layout: VmctxLayoutV1}, exp: 0x1000, expOk: true},
		{name: "field address", path: VmctxPath{Layout: VmctxLayoutV1, Offsets: []uint64{8}}, exp: 0x1008, expOk: true},
		{name: "memory base", path: VmctxPath{Layout: VmctxLayoutV1, Offsets: []uint64{0, 0}}, exp: 0x8000, expOk: true},
		{name: "two loads", path: VmctxPath{Layout: VmctxLayoutV1, Offsets: []uint64{0x10, 8, 4}}, exp: 0xa004, expOk: true},
		{name: "unmapped", path: VmctxPath{Layout: VmctxLayoutV1, Offsets: []uint64{0x20, 0}}},
		{name: "unknown layout", path: VmctxPath{Layout: 7, Offsets: []uint64{0}}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			v, ok := tc.path.Eval(0x1000, load)
			require.Equal(t, tc.expOk, ok)
			require.Equal(t, tc.exp, v)
		})
	}
}

func TestMachineValue_Equal(t *testing.T) {
	require.True(t, VmctxDeref(16, 0).Equal(VmctxDeref(16, 0)))
	require.False(t, VmctxDeref(16, 0).Equal(VmctxDeref(16)))
	require.True(t, TwoHalves(WasmLocal(1), Undefined()).Equal(TwoHalves(WasmLocal(1), Undefined())))
	require.False(t, TwoHalves(WasmLocal(1), Undefined()).Equal(TwoHalves(WasmLocal(1), WasmLocal(2))))
	require.False(t, WasmStack(1).Equal(WasmLocal(1)))
	require.False(t, PreserveRegister(vm64.R3).Equal(PreserveRegister(vm64.R12)))
	require.True(t, Undefined().Equal(MachineValue{}))
}

func TestMachineValue_String(t *testing.T) {
	for _, tc := range []struct {
		v   MachineValue
		exp string
	}{
		{v: Undefined(), exp: "undefined"},
		{v: Vmctx(), exp: "vmctx"},
		{v: VmctxDeref(16, 0), exp: "vmctx_deref(0x10, 0x0)"},
		{v: PreserveRegister(vm64.R12), exp: "preserve(r12)"},
		{v: CopyStackBPRelative(-48), exp: "copy_bp(-48)"},
		{v: ExplicitShadow(), exp: "shadow"},
		{v: WasmStack(2), exp: "stack(2)"},
		{v: TwoHalves(WasmLocal(1), Undefined()), exp: "halves(local(1), undefined)"},
	} {
		require.Equal(t, tc.exp, tc.v.String())
	}
}

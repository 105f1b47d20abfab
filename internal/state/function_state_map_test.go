package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func stateAt(wasmOffset uint64, depth int) *MachineState {
	s := NewMachineState()
	s.StackValues = []MachineValue{Vmctx()}
	for i := 0; i < depth; i++ {
		s.StackValues = append(s.StackValues, WasmStack(i))
		s.WasmStack = append(s.WasmStack, Runtime)
	}
	s.WasmInstOffset = wasmOffset
	return s
}

// newTestFunction records a header poll at 0, a trap guard at 0x20, a call returning to 0x50, a loop poll at
// 0x60 and a second trap guard at 0x80, in a function of 0xa0 bytes.
func newTestFunction(id int) *FunctionStateMap {
	fsm := NewFunctionStateMap(id, 0, []WasmAbstractValue{Runtime, Const(7)})
	fsm.Record(SuspendLoop, 0, 0, stateAt(HeaderWasmOffset, 0))
	fsm.Record(SuspendTrappable, 0x20, 0x20, stateAt(3, 2))
	fsm.Record(SuspendCall, 0x50, 0x50, stateAt(3, 2))
	fsm.Record(SuspendLoop, 0x60, 0x60, stateAt(9, 1))
	fsm.Record(SuspendTrappable, 0x80, 0x80, stateAt(12, 1))
	fsm.Finalize(0xa0)
	return fsm
}

func TestFunctionStateMap_Record(t *testing.T) {
	fsm := newTestFunction(0)
	require.Equal(t, OffsetTable{
		{Offset: 0, Info: OffsetInfo{EndOffset: 0x20, DiffID: 0, ActivateOffset: 0}},
		{Offset: 0x60, Info: OffsetInfo{EndOffset: 0x80, DiffID: 3, ActivateOffset: 0x60}},
	}, fsm.LoopOffsets)
	require.Equal(t, OffsetTable{
		{Offset: 0x50, Info: OffsetInfo{EndOffset: 0x60, DiffID: 2, ActivateOffset: 0x50}},
	}, fsm.CallOffsets)
	require.Equal(t, OffsetTable{
		{Offset: 0x20, Info: OffsetInfo{EndOffset: 0x50, DiffID: 1, ActivateOffset: 0x20}},
		{Offset: 0x80, Info: OffsetInfo{EndOffset: 0xa0, DiffID: 4, ActivateOffset: 0x80}},
	}, fsm.TrappableOffsets)
	require.Equal(t, &SuspendOffset{Kind: SuspendLoop, Offset: 0}, fsm.HeaderTarget)
	require.Equal(t, map[uint64][]SuspendOffset{
		3:  {{Kind: SuspendTrappable, Offset: 0x20}, {Kind: SuspendCall, Offset: 0x50}},
		9:  {{Kind: SuspendLoop, Offset: 0x60}},
		12: {{Kind: SuspendTrappable, Offset: 0x80}},
	}, fsm.WasmOffsets)

	info, s, err := fsm.State(SuspendOffset{Kind: SuspendLoop, Offset: 0x60})
	require.NoError(t, err)
	require.Equal(t, uint64(0x60), info.ActivateOffset)
	require.True(t, s.Equal(stateAt(9, 1)))

	_, _, err = fsm.State(SuspendOffset{Kind: SuspendCall, Offset: 0x60})
	require.EqualError(t, err, "no call suspend point at 0x60")
}

func TestFunctionStateMap_ResumeTarget(t *testing.T) {
	fsm := newTestFunction(0)
	for _, tc := range []struct {
		name       string
		wasmOffset uint64
		innermost  bool
		exp        SuspendOffset
		expOk      bool
	}{
		{name: "header", wasmOffset: HeaderWasmOffset, exp: SuspendOffset{Kind: SuspendLoop, Offset: 0}, expOk: true},
		{name: "outer call", wasmOffset: 3, exp: SuspendOffset{Kind: SuspendCall, Offset: 0x50}, expOk: true},
		{name: "innermost guard", wasmOffset: 3, innermost: true, exp: SuspendOffset{Kind: SuspendTrappable, Offset: 0x20}, expOk: true},
		{name: "innermost loop", wasmOffset: 9, innermost: true, exp: SuspendOffset{Kind: SuspendLoop, Offset: 0x60}, expOk: true},
		{name: "outer without call", wasmOffset: 9},
		{name: "unknown", wasmOffset: 100, innermost: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			so, ok := fsm.ResumeTarget(tc.wasmOffset, tc.innermost)
			require.Equal(t, tc.expOk, ok)
			require.Equal(t, tc.exp, so)
		})
	}

	_, ok := NewFunctionStateMap(1, 0, nil).ResumeTarget(HeaderWasmOffset, true)
	require.False(t, ok)
}

func TestModuleStateMap_LookupIP(t *testing.T) {
	const base = 0x10000
	msm := &ModuleStateMap{TotalSize: 0x140}
	// Added out of order on purpose.
	msm.Add(0xa0, newTestFunction(1))
	msm.Add(0, newTestFunction(0))

	for _, tc := range []struct {
		name       string
		ip         uint64
		kind       SuspendKind
		expFunc    int
		expOffset  uint64
		expMissing bool
	}{
		{name: "below base", ip: base - 1, kind: SuspendLoop, expMissing: true},
		{name: "past total size", ip: base + 0x140, kind: SuspendLoop, expMissing: true},
		{name: "header", ip: base, kind: SuspendLoop, expFunc: 0, expOffset: HeaderWasmOffset},
		{name: "inside header range", ip: base + 0x1f, kind: SuspendLoop, expFunc: 0, expOffset: HeaderWasmOffset},
		{name: "superseded header", ip: base + 0x20, kind: SuspendLoop, expMissing: true},
		{name: "guard", ip: base + 0x20, kind: SuspendTrappable, expFunc: 0, expOffset: 3},
		{name: "guard end", ip: base + 0x50, kind: SuspendTrappable, expMissing: true},
		{name: "call", ip: base + 0x50, kind: SuspendCall, expFunc: 0, expOffset: 3},
		{name: "before call", ip: base + 0x4f, kind: SuspendCall, expMissing: true},
		{name: "last guard", ip: base + 0x9f, kind: SuspendTrappable, expFunc: 0, expOffset: 12},
		{name: "second function header", ip: base + 0xa0, kind: SuspendLoop, expFunc: 1, expOffset: HeaderWasmOffset},
		{name: "second function call", ip: base + 0xf0, kind: SuspendCall, expFunc: 1, expOffset: 3},
		{name: "second function loop", ip: base + 0x100, kind: SuspendLoop, expFunc: 1, expOffset: 9},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fe, s, ok := msm.LookupIP(tc.ip, base, tc.kind)
			if tc.expMissing {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.expFunc, fe.FSM.LocalFunctionID)
			require.Equal(t, tc.expOffset, s.WasmInstOffset)
		})
	}

	fe, ok := msm.FunctionByID(1)
	require.True(t, ok)
	require.Equal(t, uint64(0xa0), fe.Start)
	_, ok = msm.FunctionByID(2)
	require.False(t, ok)

	_, _, ok = msm.LookupCallIP(base+0x50, base)
	require.True(t, ok)
	_, _, ok = msm.LookupTrappableIP(base+0x50, base)
	require.False(t, ok)
	_, _, ok = msm.LookupLoopIP(base+0x60, base)
	require.True(t, ok)
}

func TestModuleStateMap_LookupIP_corruptDiffID(t *testing.T) {
	const base = 0x10000
	for _, tc := range []struct {
		name   string
		diffID int
	}{
		{name: "negative", diffID: -1},
		{name: "past the end", diffID: 5},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fsm := newTestFunction(0)
			fsm.CallOffsets[0].Info.DiffID = tc.diffID
			msm := &ModuleStateMap{TotalSize: 0xa0}
			msm.Add(0, fsm)

			fe, s, ok := msm.LookupCallIP(base+0x50, base)
			require.False(t, ok)
			require.Nil(t, fe)
			require.Nil(t, s)
		})
	}
}

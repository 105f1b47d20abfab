package state

import (
	"fmt"
	"math"
	"sort"

	"github.com/wasmsnap/wasmsnap/internal/vm64"
)

// HeaderWasmOffset is the WebAssembly offset of the function header suspend point, before the first instruction.
const HeaderWasmOffset = math.MaxUint64

// MachineState is the full description of a function's native frame at one suspend point.
type MachineState struct {
	// StackValues lists the frame's stack slots from the frame pointer downwards.
	StackValues []MachineValue
	// RegisterValues has one entry per vm64 register.
	RegisterValues []MachineValue
	// PrevFrame holds values stored in the caller's frame, keyed by word index above the return address.
	PrevFrame map[int]MachineValue
	// WasmStack is the abstract operand stack.
	WasmStack []WasmAbstractValue
	// WasmStackPrivateDepth is the number of top operand stack entries that are compiler scratch.
	WasmStackPrivateDepth int
	// WasmInstOffset is the offset of the WebAssembly instruction in the code section, or HeaderWasmOffset.
	WasmInstOffset uint64
}

// NewMachineState returns the state of a frame before its prologue runs.
func NewMachineState() *MachineState {
	return &MachineState{
		RegisterValues: make([]MachineValue, vm64.NumRegisters),
		PrevFrame:      map[int]MachineValue{},
		WasmInstOffset: HeaderWasmOffset,
	}
}

// Clone returns a deep enough copy of s that mutating either does not affect the other.
func (s *MachineState) Clone() *MachineState {
	ret := &MachineState{
		StackValues:           append([]MachineValue(nil), s.StackValues...),
		RegisterValues:        append([]MachineValue(nil), s.RegisterValues...),
		PrevFrame:             make(map[int]MachineValue, len(s.PrevFrame)),
		WasmStack:             append([]WasmAbstractValue(nil), s.WasmStack...),
		WasmStackPrivateDepth: s.WasmStackPrivateDepth,
		WasmInstOffset:        s.WasmInstOffset,
	}
	for k, v := range s.PrevFrame {
		ret.PrevFrame[k] = v
	}
	return ret
}

// Equal returns true if s and o describe the same frame.
func (s *MachineState) Equal(o *MachineState) bool {
	if len(s.StackValues) != len(o.StackValues) || len(s.RegisterValues) != len(o.RegisterValues) ||
		len(s.PrevFrame) != len(o.PrevFrame) || len(s.WasmStack) != len(o.WasmStack) ||
		s.WasmStackPrivateDepth != o.WasmStackPrivateDepth || s.WasmInstOffset != o.WasmInstOffset {
		return false
	}
	for i := range s.StackValues {
		if !s.StackValues[i].Equal(o.StackValues[i]) {
			return false
		}
	}
	for i := range s.RegisterValues {
		if !s.RegisterValues[i].Equal(o.RegisterValues[i]) {
			return false
		}
	}
	for k, v := range s.PrevFrame {
		if ov, ok := o.PrevFrame[k]; !ok || !v.Equal(ov) {
			return false
		}
	}
	for i := range s.WasmStack {
		if s.WasmStack[i] != o.WasmStack[i] {
			return false
		}
	}
	return true
}

// RegisterDiff is a changed register of a MachineStateDiff.
type RegisterDiff struct {
	Index RegisterIndex
	Value MachineValue
}

// PrevFrameDiff is an inserted, changed or removed entry of MachineState.PrevFrame.
type PrevFrameDiff struct {
	Key     int
	Value   MachineValue
	Removed bool
}

// RootDiff is the MachineStateDiff.Last of a diff taken against FunctionStateMap.Initial.
const RootDiff = -1

// MachineStateDiff is the change from the state described by the diff at index Last to a new state.
type MachineStateDiff struct {
	Last int

	StackPush []MachineValue
	StackPop  int
	RegDiff   []RegisterDiff
	// PrevFrameDiff is sorted by Key.
	PrevFrameDiff []PrevFrameDiff

	WasmStackPush []WasmAbstractValue
	WasmStackPop  int

	// WasmStackPrivateDepth and WasmInstOffset are absolute values.
	WasmStackPrivateDepth int
	WasmInstOffset        uint64
}

// Diff returns the change from old to s. The returned diff has Last set to RootDiff.
//
// Both states must have the same number of registers.
func (s *MachineState) Diff(old *MachineState) MachineStateDiff {
	if len(s.RegisterValues) != len(old.RegisterValues) {
		panic(fmt.Sprintf("BUG: register count changed from %d to %d", len(old.RegisterValues), len(s.RegisterValues)))
	}

	stackDepth := commonPrefix(len(s.StackValues), len(old.StackValues), func(i int) bool {
		return s.StackValues[i].Equal(old.StackValues[i])
	})
	wasmDepth := commonPrefix(len(s.WasmStack), len(old.WasmStack), func(i int) bool {
		return s.WasmStack[i] == old.WasmStack[i]
	})

	d := MachineStateDiff{
		Last:                  RootDiff,
		StackPush:             append([]MachineValue(nil), s.StackValues[stackDepth:]...),
		StackPop:              len(old.StackValues) - stackDepth,
		WasmStackPush:         append([]WasmAbstractValue(nil), s.WasmStack[wasmDepth:]...),
		WasmStackPop:          len(old.WasmStack) - wasmDepth,
		WasmStackPrivateDepth: s.WasmStackPrivateDepth,
		WasmInstOffset:        s.WasmInstOffset,
	}
	for i, v := range s.RegisterValues {
		if !v.Equal(old.RegisterValues[i]) {
			d.RegDiff = append(d.RegDiff, RegisterDiff{Index: RegisterIndex(i), Value: v})
		}
	}
	for k, v := range s.PrevFrame {
		if ov, ok := old.PrevFrame[k]; !ok || !ov.Equal(v) {
			d.PrevFrameDiff = append(d.PrevFrameDiff, PrevFrameDiff{Key: k, Value: v})
		}
	}
	for k := range old.PrevFrame {
		if _, ok := s.PrevFrame[k]; !ok {
			d.PrevFrameDiff = append(d.PrevFrameDiff, PrevFrameDiff{Key: k, Removed: true})
		}
	}
	sort.Slice(d.PrevFrameDiff, func(i, j int) bool { return d.PrevFrameDiff[i].Key < d.PrevFrameDiff[j].Key })
	return d
}

func commonPrefix(n, m int, same func(i int) bool) int {
	if m < n {
		n = m
	}
	for i := 0; i < n; i++ {
		if !same(i) {
			return i
		}
	}
	return n
}

// BuildState replays the diff chain ending in d, starting from fsm.Initial. It returns an error instead of
// panicking when the chain does not fit the function's diffs, so a corrupt table only stops a stack walk.
func (d *MachineStateDiff) BuildState(fsm *FunctionStateMap) (*MachineState, error) {
	chain := []*MachineStateDiff{d}
	for cur := d.Last; cur != RootDiff; {
		if cur < 0 || cur >= len(fsm.Diffs) {
			return nil, fmt.Errorf("diff %d out of range [0, %d)", cur, len(fsm.Diffs))
		}
		if len(chain) > len(fsm.Diffs) {
			return nil, fmt.Errorf("diff chain is cyclic at %d", cur)
		}
		that := &fsm.Diffs[cur]
		chain = append(chain, that)
		cur = that.Last
	}

	s := fsm.Initial.Clone()
	for i := len(chain) - 1; i >= 0; i-- {
		x := chain[i]
		if x.StackPop > len(s.StackValues) {
			return nil, fmt.Errorf("pop of %d stack values from %d", x.StackPop, len(s.StackValues))
		}
		s.StackValues = append(s.StackValues[:len(s.StackValues)-x.StackPop], x.StackPush...)
		for _, r := range x.RegDiff {
			if int(r.Index) >= len(s.RegisterValues) {
				return nil, fmt.Errorf("register %d out of range", r.Index)
			}
			s.RegisterValues[r.Index] = r.Value
		}
		for _, p := range x.PrevFrameDiff {
			if p.Removed {
				if _, ok := s.PrevFrame[p.Key]; !ok {
					return nil, fmt.Errorf("removal of absent previous frame value %d", p.Key)
				}
				delete(s.PrevFrame, p.Key)
			} else {
				s.PrevFrame[p.Key] = p.Value
			}
		}
		if x.WasmStackPop > len(s.WasmStack) {
			return nil, fmt.Errorf("pop of %d wasm stack values from %d", x.WasmStackPop, len(s.WasmStack))
		}
		s.WasmStack = append(s.WasmStack[:len(s.WasmStack)-x.WasmStackPop], x.WasmStackPush...)
	}
	s.WasmStackPrivateDepth = d.WasmStackPrivateDepth
	s.WasmInstOffset = d.WasmInstOffset
	return s, nil
}

package state

import (
	"fmt"
	"sort"
)

// SuspendKind is the kind of a suspend point, which selects the offset table it is recorded in.
type SuspendKind byte

const (
	// SuspendLoop is a loop header or the function header: an interrupt poll.
	SuspendLoop SuspendKind = iota
	// SuspendCall is the return address of a call.
	SuspendCall
	// SuspendTrappable is the first instruction of a trap guard.
	SuspendTrappable
)

func (k SuspendKind) String() string {
	switch k {
	case SuspendLoop:
		return "loop"
	case SuspendCall:
		return "call"
	case SuspendTrappable:
		return "trappable"
	}
	return fmt.Sprintf("suspend_kind(%d)", k)
}

// SuspendOffset locates a record in one of the offset tables of a FunctionStateMap.
type SuspendOffset struct {
	Kind   SuspendKind
	Offset uint64
}

// OffsetInfo is the record of one suspend point.
type OffsetInfo struct {
	// EndOffset is the exclusive bound of the code range the record is valid for.
	EndOffset uint64
	// DiffID indexes FunctionStateMap.Diffs.
	DiffID int
	// ActivateOffset is where execution resumes when re-entering the function at this point.
	ActivateOffset uint64
}

// OffsetEntry is an OffsetInfo keyed by its function relative code offset.
type OffsetEntry struct {
	Offset uint64
	Info   OffsetInfo
}

// OffsetTable is a list of suspend point records sorted by offset.
type OffsetTable []OffsetEntry

// Floor returns the record with the greatest offset not above off.
func (t OffsetTable) Floor(off uint64) (*OffsetEntry, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].Offset > off })
	if i == 0 {
		return nil, false
	}
	return &t[i-1], true
}

// Get returns the record at exactly off.
func (t OffsetTable) Get(off uint64) (*OffsetEntry, bool) {
	e, ok := t.Floor(off)
	if !ok || e.Offset != off {
		return nil, false
	}
	return e, true
}

func (t *OffsetTable) insert(off uint64, info OffsetInfo) int {
	i := sort.Search(len(*t), func(i int) bool { return (*t)[i].Offset >= off })
	if i < len(*t) && (*t)[i].Offset == off {
		(*t)[i].Info = info
		return i
	}
	*t = append(*t, OffsetEntry{})
	copy((*t)[i+1:], (*t)[i:])
	(*t)[i] = OffsetEntry{Offset: off, Info: info}
	return i
}

// FunctionStateMap holds the suspend points of one compiled function. Code offsets are relative to the start of
// the function.
type FunctionStateMap struct {
	Initial         *MachineState
	LocalFunctionID int
	// Locals has one entry per local, parameters first.
	Locals []WasmAbstractValue
	// ShadowSize is the size in bytes of the region reserved below the frame's stack values.
	ShadowSize uint64
	Diffs      []MachineStateDiff

	// HeaderTarget is the function header suspend point, if any.
	HeaderTarget *SuspendOffset
	// WasmOffsets lists, per WebAssembly instruction offset, its suspend points in code order.
	WasmOffsets map[uint64][]SuspendOffset

	LoopOffsets      OffsetTable
	CallOffsets      OffsetTable
	TrappableOffsets OffsetTable

	// CodeSize is the size in bytes of the function's code.
	CodeSize uint64

	last    *MachineState
	lastID  int
	pending []SuspendOffset
}

// NewFunctionStateMap returns an empty map for the local function localFunctionID.
func NewFunctionStateMap(localFunctionID int, shadowSize uint64, locals []WasmAbstractValue) *FunctionStateMap {
	return &FunctionStateMap{
		LocalFunctionID: localFunctionID,
		ShadowSize:      shadowSize,
		Locals:          locals,
		WasmOffsets:     map[uint64][]SuspendOffset{},
		lastID:          RootDiff,
	}
}

// Table returns the offset table for kind.
func (fsm *FunctionStateMap) Table(kind SuspendKind) *OffsetTable {
	switch kind {
	case SuspendCall:
		return &fsm.CallOffsets
	case SuspendTrappable:
		return &fsm.TrappableOffsets
	default:
		return &fsm.LoopOffsets
	}
}

// Record adds a suspend point at offset whose frame is described by s. Suspend points must be recorded in code
// order. The first recorded state becomes Initial, and every state is stored as a diff against the previously
// recorded one.
func (fsm *FunctionStateMap) Record(kind SuspendKind, offset, activateOffset uint64, s *MachineState) {
	if fsm.Initial == nil {
		fsm.Initial = s.Clone()
		fsm.last = fsm.Initial
	}
	d := s.Diff(fsm.last)
	d.Last = fsm.lastID
	id := len(fsm.Diffs)
	fsm.Diffs = append(fsm.Diffs, d)
	fsm.last, fsm.lastID = s.Clone(), id

	// A record stays valid until the next suspend point of any kind.
	rest := fsm.pending[:0]
	for _, p := range fsm.pending {
		if p.Offset < offset {
			e, _ := fsm.Table(p.Kind).Get(p.Offset)
			e.Info.EndOffset = offset
		} else {
			rest = append(rest, p)
		}
	}
	fsm.pending = rest

	so := SuspendOffset{Kind: kind, Offset: offset}
	fsm.Table(kind).insert(offset, OffsetInfo{EndOffset: offset + 1, DiffID: id, ActivateOffset: activateOffset})
	fsm.pending = append(fsm.pending, so)

	if s.WasmInstOffset == HeaderWasmOffset {
		fsm.HeaderTarget = &so
	} else {
		fsm.WasmOffsets[s.WasmInstOffset] = append(fsm.WasmOffsets[s.WasmInstOffset], so)
	}
}

// Finalize closes the records still open at the end of the function's code.
func (fsm *FunctionStateMap) Finalize(codeSize uint64) {
	fsm.CodeSize = codeSize
	for _, p := range fsm.pending {
		e, _ := fsm.Table(p.Kind).Get(p.Offset)
		e.Info.EndOffset = codeSize
	}
	fsm.pending, fsm.last = nil, nil
}

// State builds the state of the record at the given suspend offset.
func (fsm *FunctionStateMap) State(so SuspendOffset) (*OffsetInfo, *MachineState, error) {
	e, ok := fsm.Table(so.Kind).Get(so.Offset)
	if !ok {
		return nil, nil, fmt.Errorf("no %s suspend point at %#x", so.Kind, so.Offset)
	}
	if e.Info.DiffID < 0 || e.Info.DiffID >= len(fsm.Diffs) {
		return nil, nil, fmt.Errorf("diff %d out of range [0, %d)", e.Info.DiffID, len(fsm.Diffs))
	}
	s, err := fsm.Diffs[e.Info.DiffID].BuildState(fsm)
	if err != nil {
		return nil, nil, err
	}
	return &e.Info, s, nil
}

// ResumeTarget selects the suspend point to re-enter the function at for a frame stopped at wasmOffset. Frames
// that called into another frame re-enter at the call's return address. The innermost frame prefers a loop poll,
// then the first trap guard, then a call.
func (fsm *FunctionStateMap) ResumeTarget(wasmOffset uint64, innermost bool) (SuspendOffset, bool) {
	if wasmOffset == HeaderWasmOffset {
		if fsm.HeaderTarget == nil {
			return SuspendOffset{}, false
		}
		return *fsm.HeaderTarget, true
	}
	candidates := fsm.WasmOffsets[wasmOffset]
	order := []SuspendKind{SuspendCall}
	if innermost {
		order = []SuspendKind{SuspendLoop, SuspendTrappable, SuspendCall}
	}
	for _, kind := range order {
		for _, so := range candidates {
			if so.Kind == kind {
				return so, true
			}
		}
	}
	return SuspendOffset{}, false
}

// FunctionEntry is a FunctionStateMap placed at Start in a module's code.
type FunctionEntry struct {
	Start uint64
	FSM   *FunctionStateMap
}

// ModuleStateMap holds the FunctionStateMap of every local function of a compiled module.
type ModuleStateMap struct {
	// LocalFunctions is sorted by Start.
	LocalFunctions []FunctionEntry
	// TotalSize is the size in bytes of the module's code.
	TotalSize uint64
}

// Add places fsm at start, relative to the beginning of the module's code.
func (m *ModuleStateMap) Add(start uint64, fsm *FunctionStateMap) {
	i := sort.Search(len(m.LocalFunctions), func(i int) bool { return m.LocalFunctions[i].Start >= start })
	m.LocalFunctions = append(m.LocalFunctions, FunctionEntry{})
	copy(m.LocalFunctions[i+1:], m.LocalFunctions[i:])
	m.LocalFunctions[i] = FunctionEntry{Start: start, FSM: fsm}
}

// FunctionByID returns the map of the local function id and its start offset.
func (m *ModuleStateMap) FunctionByID(id int) (*FunctionEntry, bool) {
	for i := range m.LocalFunctions {
		if m.LocalFunctions[i].FSM.LocalFunctionID == id {
			return &m.LocalFunctions[i], true
		}
	}
	return nil, false
}

// LookupIP finds the suspend point of the given kind that covers ip, for code loaded at base, and builds its state.
func (m *ModuleStateMap) LookupIP(ip, base uint64, kind SuspendKind) (*FunctionEntry, *MachineState, bool) {
	if ip < base || ip-base >= m.TotalSize {
		return nil, nil, false
	}
	rel := ip - base
	i := sort.Search(len(m.LocalFunctions), func(i int) bool { return m.LocalFunctions[i].Start > rel })
	if i == 0 {
		return nil, nil, false
	}
	fe := &m.LocalFunctions[i-1]
	off := rel - fe.Start
	e, ok := fe.FSM.Table(kind).Floor(off)
	if !ok || off >= e.Info.EndOffset || e.Info.DiffID < 0 || e.Info.DiffID >= len(fe.FSM.Diffs) {
		return nil, nil, false
	}
	s, err := fe.FSM.Diffs[e.Info.DiffID].BuildState(fe.FSM)
	if err != nil {
		return nil, nil, false
	}
	return fe, s, true
}

func (m *ModuleStateMap) LookupCallIP(ip, base uint64) (*FunctionEntry, *MachineState, bool) {
	return m.LookupIP(ip, base, SuspendCall)
}

func (m *ModuleStateMap) LookupTrappableIP(ip, base uint64) (*FunctionEntry, *MachineState, bool) {
	return m.LookupIP(ip, base, SuspendTrappable)
}

func (m *ModuleStateMap) LookupLoopIP(ip, base uint64) (*FunctionEntry, *MachineState, bool) {
	return m.LookupIP(ip, base, SuspendLoop)
}

// CodeVersion is one compiled tier of a module, loaded at Base.
type CodeVersion struct {
	Base     uint64
	Baseline bool
	MSM      *ModuleStateMap
}

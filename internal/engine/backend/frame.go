package backend

import (
	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// baselineLocalRegisters hold the first locals of a baseline frame.
var baselineLocalRegisters = [...]vm64.Register{vm64.R3, vm64.R12, vm64.R13, vm64.R14, vm64.R15}

// memoryBaseRegister caches the linear memory base in optimized frames.
const memoryBaseRegister = vm64.R12

const (
	// explicitShadowSize is the size of the baseline shadow region.
	explicitShadowSize = 32
	// stackCheckMargin is the slack the prologue's stack check keeps below the frame.
	stackCheckMargin = 64
	// callerArgsOffset is the FP offset of the first stack argument, above the saved FP and the return address.
	callerArgsOffset = 16
)

type localKind byte

const (
	localInRegister localKind = iota
	// localInFrame is a word at FP+offset.
	localInFrame
	// localInFrame32 is the 32-bit half at FP+offset.
	localInFrame32
	// localInCaller is a stack parameter in the caller's outgoing area.
	localInCaller
	// localConstZero is never written and never stored.
	localConstZero
)

type localLocation struct {
	kind   localKind
	reg    vm64.Register
	offset int64
}

type savedRegister struct {
	reg    vm64.Register
	offset int64
}

// frameLayout places every slot of a function in its native frame.
type frameLayout struct {
	// stackValues is the template of MachineState.StackValues. Operand and outgoing slots are Undefined.
	stackValues []state.MachineValue
	prevFrame   map[int]state.MachineValue
	words       int

	locals         []localLocation
	abstractLocals []state.WasmAbstractValue

	operandIndex   int
	operandOffsets []int64
	outgoingIndex  int
	maxOut         int

	// frameBytes is the distance from FP to SP after the prologue.
	frameBytes    int64
	shadowSize    uint64
	vmctxOffset   int64
	globalsOffset int64
	saved         []savedRegister
}

// push appends v covering words stack words, returning the FP offset of its lowest address.
func (l *frameLayout) push(v state.MachineValue, words int) int64 {
	l.stackValues = append(l.stackValues, v)
	l.words += words
	return -8 * int64(l.words)
}

func (l *frameLayout) pushOperandsAndOutgoing(fn *ir.Function) {
	l.operandIndex = len(l.stackValues)
	l.operandOffsets = make([]int64, fn.MaxDepth)
	for d := 0; d < fn.MaxDepth; d++ {
		l.operandOffsets[d] = l.push(state.Undefined(), 1)
	}
	l.maxOut = fn.MaxCallArgs
}

func newBaselineLayout(fn *ir.Function) *frameLayout {
	l := &frameLayout{prevFrame: map[int]state.MachineValue{}, locals: make([]localLocation, len(fn.LocalTypes))}
	params := len(fn.Type.Params)
	l.vmctxOffset = l.push(state.Vmctx(), 1)
	for i := 0; i < len(fn.LocalTypes) && i < len(baselineLocalRegisters); i++ {
		r := baselineLocalRegisters[i]
		l.saved = append(l.saved, savedRegister{reg: r, offset: l.push(state.PreserveRegister(r), 1)})
		l.locals[i] = localLocation{kind: localInRegister, reg: r}
	}
	l.push(state.ExplicitShadow(), explicitShadowSize/8)
	l.shadowSize = explicitShadowSize
	for i := len(baselineLocalRegisters); i < len(fn.LocalTypes); i++ {
		if i < params {
			l.locals[i] = localLocation{kind: localInCaller, offset: callerArgsOffset + 8*int64(i)}
			l.prevFrame[i] = state.WasmLocal(i)
		} else {
			l.locals[i] = localLocation{kind: localInFrame, offset: l.push(state.WasmLocal(i), 1)}
		}
	}
	l.abstractLocals = make([]state.WasmAbstractValue, len(fn.LocalTypes))

	l.pushOperandsAndOutgoing(fn)
	l.outgoingIndex = len(l.stackValues)
	for j := l.maxOut - 1; j >= 0; j-- {
		l.push(state.Undefined(), 1)
	}
	l.frameBytes = 8 * int64(l.words)
	return l
}

func newOptimizedLayout(fn *ir.Function) *frameLayout {
	l := &frameLayout{prevFrame: map[int]state.MachineValue{}, locals: make([]localLocation, len(fn.LocalTypes))}
	params := len(fn.Type.Params)
	l.vmctxOffset = l.push(state.Vmctx(), 1)
	l.globalsOffset = l.push(state.VmctxDeref(engineapi.VmctxOffsets.GlobalsBase.U64(), 0), 1)
	l.saved = append(l.saved, savedRegister{
		reg: memoryBaseRegister, offset: l.push(state.PreserveRegister(memoryBaseRegister), 1),
	})

	l.abstractLocals = make([]state.WasmAbstractValue, len(fn.LocalTypes))
	var halves []int
	for i, t := range fn.LocalTypes {
		switch {
		case i >= params && !fn.WrittenLocals[i]:
			l.locals[i] = localLocation{kind: localConstZero}
			l.abstractLocals[i] = state.Const(0)
		case t == wasm.ValueTypeI32:
			halves = append(halves, i)
		default:
			l.locals[i] = localLocation{kind: localInFrame, offset: l.push(state.WasmLocal(i), 1)}
		}
	}
	for k := 0; k < len(halves); k += 2 {
		lo, hi := state.WasmLocal(halves[k]), state.Undefined()
		if k+1 < len(halves) {
			hi = state.WasmLocal(halves[k+1])
		}
		off := l.push(state.TwoHalves(lo, hi), 1)
		l.locals[halves[k]] = localLocation{kind: localInFrame32, offset: off}
		if k+1 < len(halves) {
			l.locals[halves[k+1]] = localLocation{kind: localInFrame32, offset: off + 4}
		}
	}

	l.pushOperandsAndOutgoing(fn)
	l.outgoingIndex = len(l.stackValues)
	l.shadowSize = 8 * uint64(l.maxOut)
	l.frameBytes = 8*int64(l.words) + int64(l.shadowSize)
	return l
}

// capture builds the frame state at a suspend point. consts are the operand stack entries known at compile time.
func (c *compiler) capture(s *ir.Suspend, call bool, argCount int) *state.MachineState {
	l := c.layout
	ms := state.NewMachineState()
	ms.StackValues = append(ms.StackValues, l.stackValues...)
	for k, v := range l.prevFrame {
		ms.PrevFrame[k] = v
	}
	ms.WasmInstOffset = s.WasmOffset
	ms.WasmStack = make([]state.WasmAbstractValue, s.Depth)
	ms.WasmStackPrivateDepth = s.Depth - s.ArgBase
	for d := 0; d < s.Depth; d++ {
		if v, ok := c.consts[d]; ok {
			ms.WasmStack[d] = state.Const(v)
			continue
		}
		ms.StackValues[l.operandIndex+d] = state.WasmStack(d)
	}
	if call && !c.optimized {
		for j := 0; j < argCount; j++ {
			ms.StackValues[l.outgoingIndex+l.maxOut-1-j] = state.CopyStackBPRelative(int32(l.operandOffsets[s.ArgBase+j]))
		}
	}

	if !call {
		ms.RegisterValues[vm64.VmctxRegister] = state.Vmctx()
	}
	if c.optimized {
		ms.RegisterValues[memoryBaseRegister] = state.VmctxDeref(engineapi.VmctxOffsets.MemoryBase.U64(), 0)
	} else {
		for i, loc := range l.locals {
			if loc.kind == localInRegister {
				ms.RegisterValues[loc.reg] = state.WasmLocal(i)
			}
		}
	}
	return ms
}

func (c *compiler) record(kind state.SuspendKind, offset, activate uint64, s *ir.Suspend, call bool, argCount int) {
	c.fsm.Record(kind, offset, activate, c.capture(s, call, argCount))
}

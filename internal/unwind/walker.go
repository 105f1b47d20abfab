// Package unwind decodes native call stacks into tier independent images and synthesizes native call stacks from
// them. It only depends on the state maps of the loaded code versions, never on how the code was generated.
package unwind

import (
	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
)

// Reader reads a word of the address space, returning false if it is not mapped. *vm64.Bus implements it.
type Reader interface {
	Read64(addr uint64) (uint64, bool)
}

// Registers is a register file where only some values may be known.
type Registers struct {
	Values [vm64.NumRegisters]uint64
	Known  [vm64.NumRegisters]bool
}

// Set marks r as known with the value v.
func (r *Registers) Set(reg vm64.Register, v uint64) {
	r.Values[reg], r.Known[reg] = v, true
}

// RegistersOf returns the fully known register file of c.
func RegistersOf(c *vm64.CPU) Registers {
	var r Registers
	for i := range r.Values {
		r.Set(vm64.Register(i), c.Regs[i])
	}
	return r
}

// Preserved is the content of the register preservation area, in engineapi.PreservedRegisters order.
type Preserved [len(engineapi.PreservedRegisters)]uint64

// lookupKinds is the priority order of suspend point kinds when recognizing an address.
var lookupKinds = [...]state.SuspendKind{state.SuspendCall, state.SuspendTrappable, state.SuspendLoop}

// lookup finds the first code version that recognizes ip as a suspend point.
func lookup(versions []state.CodeVersion, ip uint64) (*state.CodeVersion, *state.FunctionEntry, *state.MachineState, bool) {
	for _, kind := range lookupKinds {
		for i := range versions {
			v := &versions[i]
			if fe, ms, ok := v.MSM.LookupIP(ip, v.Base, kind); ok {
				return v, fe, ms, true
			}
		}
	}
	return nil, nil, nil, false
}

// ReadStack decodes the call stack whose innermost frame's stack pointer is sp. If initialAddress is not zero it is
// the instruction pointer of the innermost frame and regs holds its registers. Otherwise sp points at a return
// address, as right after a call. Walking stops at the first address no version recognizes, or after maxDepth
// frames when maxDepth is positive. It never fails: values that cannot be recovered are unknown.
func ReadStack(versions []state.CodeVersion, r Reader, sp uint64, regs Registers, initialAddress uint64,
	maxDepth int, preserved Preserved,
) *state.ExecutionStateImage {
	img := &state.ExecutionStateImage{}
	ip := initialAddress
	if ip == 0 {
		var ok bool
		if ip, ok = r.Read64(sp); !ok {
			return img
		}
		sp += 8
	}

	wasBaseline := true
	for maxDepth <= 0 || len(img.Frames) < maxDepth {
		v, fe, ms, ok := lookup(versions, ip)
		if !ok {
			break
		}
		if v.Baseline && !wasBaseline {
			for i, reg := range engineapi.PreservedRegisters {
				regs.Set(reg, preserved[i])
			}
		}
		wasBaseline = v.Baseline

		fsm := fe.FSM
		dump := state.WasmFunctionStateDump{
			LocalFunctionID: fsm.LocalFunctionID,
			WasmInstOffset:  ms.WasmInstOffset,
			Stack:           make([]state.DumpValue, len(ms.WasmStack)),
			Locals:          make([]state.DumpValue, len(fsm.Locals)),
		}
		for i, a := range ms.WasmStack {
			if a.IsConst {
				dump.Stack[i] = state.KnownValue(a.Value)
			}
		}
		for i, a := range fsm.Locals {
			if a.IsConst {
				dump.Locals[i] = state.KnownValue(a.Value)
			}
		}
		assign := func(mv state.MachineValue, value uint64, known bool) {
			if !known {
				return
			}
			switch mv.Kind {
			case state.KindWasmStack:
				if mv.Index < len(dump.Stack) {
					dump.Stack[mv.Index] = state.KnownValue(value)
				}
			case state.KindWasmLocal:
				if mv.Index < len(dump.Locals) {
					dump.Locals[mv.Index] = state.KnownValue(value)
				}
			}
		}

		for reg, mv := range ms.RegisterValues {
			assign(mv, regs.Values[reg], regs.Known[reg])
		}

		addr := sp
		if !hasExplicitShadow(ms) {
			addr += fsm.ShadowSize
		}
		for i := len(ms.StackValues) - 1; i >= 0; i-- {
			mv := ms.StackValues[i]
			if mv.Kind == state.KindExplicitShadow {
				addr += fsm.ShadowSize
				continue
			}
			word, known := r.Read64(addr)
			addr += 8
			switch mv.Kind {
			case state.KindPreserveRegister:
				if known {
					regs.Set(vm64.Register(mv.Index), word)
				} else {
					regs.Known[mv.Index] = false
				}
			case state.KindTwoHalves:
				assign(mv.Halves[0], uint64(uint32(word)), known)
				assign(mv.Halves[1], word>>32, known)
			default:
				assign(mv, word, known)
			}
		}

		// addr is now the frame pointer: the saved frame pointer, the return address, then the caller's outgoing area.
		for k, mv := range ms.PrevFrame {
			word, known := r.Read64(addr + 16 + 8*uint64(k))
			assign(mv, word, known)
		}
		if p := ms.WasmStackPrivateDepth; p > 0 && p <= len(dump.Stack) {
			dump.Stack = dump.Stack[:len(dump.Stack)-p]
		}
		img.Frames = append(img.Frames, dump)

		if ip, ok = r.Read64(addr + 8); !ok {
			break
		}
		sp = addr + 16
		// Only callee-saved registers survive into the caller.
		for reg := range regs.Known {
			if !isCalleeSaved(vm64.Register(reg)) {
				regs.Known[reg] = false
			}
		}
	}
	return img
}

func hasExplicitShadow(s *state.MachineState) bool {
	for _, v := range s.StackValues {
		if v.Kind == state.KindExplicitShadow {
			return true
		}
	}
	return false
}

func isCalleeSaved(r vm64.Register) bool {
	for _, c := range vm64.CalleeSaved {
		if c == r {
			return true
		}
	}
	return false
}

// BuildInstanceImage bundles a copy of memory, the globals and a decoded call stack.
func BuildInstanceImage(memory []byte, globals []state.Global, stack *state.ExecutionStateImage) *state.InstanceImage {
	img := &state.InstanceImage{Globals: append([]state.Global(nil), globals...)}
	if memory != nil {
		img.Memory = append([]byte{}, memory...)
	}
	if stack != nil {
		img.ExecutionState = *stack
	}
	return img
}

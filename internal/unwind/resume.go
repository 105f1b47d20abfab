package unwind

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
)

var (
	// ErrStackBufferExhausted is returned when the synthesized stack does not fit its buffer.
	ErrStackBufferExhausted = errors.New("stack buffer exhausted")
	// ErrResumeFailed wraps the trap that stopped a resumed computation.
	ErrResumeFailed = errors.New("resume failed")
	// ErrImageMismatch is returned for an image whose frames the code cannot re-enter.
	ErrImageMismatch = errors.New("image does not match the code")
)

// MaxStackBufferWords bounds the synthesized stack.
const MaxStackBufferWords = 1 << 16

// switchRegisters is the order the switch trampoline pops registers in, from the lowest address upwards. The
// activate address of the innermost frame follows.
var switchRegisters = []vm64.Register{
	vm64.V0, vm64.V1, vm64.V2, vm64.V3, vm64.V4, vm64.V5, vm64.V6, vm64.V7,
	vm64.FP,
	vm64.R0, vm64.R1, vm64.R2, vm64.R3,
	vm64.R6, vm64.R7, vm64.R8, vm64.R9, vm64.R10, vm64.R11, vm64.R12, vm64.R13, vm64.R14, vm64.R15,
}

// EmitSwitchTrampoline emits the code that enters a synthesized stack: it restores every register from the stack
// and returns into the innermost frame.
func EmitSwitchTrampoline(a *vm64.Assembler) {
	for _, r := range switchRegisters {
		a.Pop(r)
	}
	a.Emit(vm64.Instruction{Op: vm64.OpRet})
}

// Machine is the instance a stack is synthesized for.
type Machine interface {
	CPU() *vm64.CPU
	// RestoreMemory grows linear memory as needed and copies mem into it.
	RestoreMemory(mem []byte) error
	RestoreGlobals(globals []state.Global) error
	Vmctx() uint64
	// StackRange is the address range [lo, hi) of the machine stack.
	StackRange() (lo, hi uint64)
	// SwitchAddress is the address of the code emitted by EmitSwitchTrampoline.
	SwitchAddress() uint64
	// HaltAddress is the return address of the outermost frame.
	HaltAddress() uint64
}

// stackBuffer is a machine stack built downwards from top.
type stackBuffer struct {
	top   uint64
	words []uint64
	limit int
}

func (b *stackBuffer) sp() uint64 { return b.top - 8*uint64(len(b.words)) }

func (b *stackBuffer) push(v uint64) error {
	if len(b.words) >= b.limit {
		return ErrStackBufferExhausted
	}
	b.words = append(b.words, v)
	return nil
}

func (b *stackBuffer) reserve(bytes uint64) error {
	for i := uint64(0); i < bytes/8; i++ {
		if err := b.push(0); err != nil {
			return err
		}
	}
	return nil
}

func (b *stackBuffer) set(addr, v uint64) {
	if i := (b.top-addr)/8 - 1; addr < b.top && i < uint64(len(b.words)) {
		b.words[i] = v
	}
}

func (b *stackBuffer) get(addr uint64) uint64 {
	if i := (b.top-addr)/8 - 1; addr < b.top && i < uint64(len(b.words)) {
		return b.words[i]
	}
	return 0
}

// resumeFrame is one frame of the image with the suspend point it re-enters at.
type resumeFrame struct {
	dump  *state.WasmFunctionStateDump
	entry *state.FunctionEntry
	info  *state.OffsetInfo
	ms    *state.MachineState
	fp    uint64
}

func (f *resumeFrame) activateAddress(codeBase uint64) uint64 {
	return codeBase + f.entry.Start + f.info.ActivateOffset
}

// value returns the dumped value of mv, or 0 when it is unknown or not a logical value.
func (f *resumeFrame) value(mv state.MachineValue) uint64 {
	var vs []state.DumpValue
	switch mv.Kind {
	case state.KindWasmStack:
		vs = f.dump.Stack
	case state.KindWasmLocal:
		vs = f.dump.Locals
	default:
		return 0
	}
	if mv.Index < len(vs) && vs[mv.Index].Known {
		return vs[mv.Index].Value
	}
	return 0
}

// InvokeCallReturnOnStack restores memory and globals from img, synthesizes the native stack of its frames for the
// code version v, and runs the machine from the innermost frame until the outermost one returns,
// traps or is interrupted. A trap returns the exit together with an error wrapping ErrResumeFailed.
func InvokeCallReturnOnStack(ctx context.Context, m Machine, v state.CodeVersion, img *state.InstanceImage,
) (vm64.Exit, error) {
	frames, err := resolveFrames(v.MSM, img.ExecutionState.Frames)
	if err != nil {
		return vm64.Exit{}, err
	}
	if err = m.RestoreMemory(img.Memory); err != nil {
		return vm64.Exit{}, err
	}
	if err = m.RestoreGlobals(img.Globals); err != nil {
		return vm64.Exit{}, err
	}

	cpu := m.CPU()
	lo, hi := m.StackRange()
	buf := &stackBuffer{top: hi, limit: MaxStackBufferWords}
	if n := int((hi - lo) / 8); n < buf.limit {
		buf.limit = n
	}
	regs, err := synthesize(buf, m, frames, v.Base, v.Baseline)
	if err != nil {
		return vm64.Exit{}, err
	}

	sp := buf.sp()
	raw, ok := cpu.Bus.Slice(sp, hi-sp)
	if !ok {
		return vm64.Exit{}, fmt.Errorf("%w: stack [%#x, %#x) is not mapped", ErrStackBufferExhausted, sp, hi)
	}
	for i, w := range buf.words {
		binary.LittleEndian.PutUint64(raw[len(raw)-8*(i+1):], w)
	}
	for i, r := range engineapi.PreservedRegisters {
		off, _ := engineapi.PreservedRegisterOffset(r)
		cpu.Bus.Write64(m.Vmctx()+off.U64(), regs.preserved[i])
	}

	cpu.Regs[vm64.SP] = sp
	cpu.PC = m.SwitchAddress()
	exit, err := cpu.Run(ctx)
	if err != nil {
		return exit, err
	}
	if exit.Status == vm64.ExitTrapped {
		return exit, fmt.Errorf("%w: %s", ErrResumeFailed, exit.Trap)
	}
	return exit, nil
}

func resolveFrames(msm *state.ModuleStateMap, dumps []state.WasmFunctionStateDump) ([]*resumeFrame, error) {
	if len(dumps) == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrImageMismatch)
	}
	frames := make([]*resumeFrame, len(dumps))
	// Frames are laid out outermost first, dumps are innermost first.
	for i := range dumps {
		d := &dumps[len(dumps)-1-i]
		fe, ok := msm.FunctionByID(d.LocalFunctionID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown local function %d", ErrImageMismatch, d.LocalFunctionID)
		}
		so, ok := fe.FSM.ResumeTarget(d.WasmInstOffset, i == len(dumps)-1)
		if !ok {
			return nil, fmt.Errorf("%w: function %d has no suspend point at offset %d", ErrImageMismatch,
				d.LocalFunctionID, d.WasmInstOffset)
		}
		info, ms, err := fe.FSM.State(so)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrImageMismatch, err)
		}
		frames[i] = &resumeFrame{dump: d, entry: fe, info: info, ms: ms}
	}
	return frames, nil
}

type synthesized struct {
	preserved Preserved
}

// synthesize lays frames out in buf, outermost first, followed by the register block the switch trampoline pops.
func synthesize(buf *stackBuffer, m Machine, frames []*resumeFrame, codeBase uint64, baseline bool) (*synthesized, error) {
	vmctx := m.Vmctx()
	load := func(addr uint64) (uint64, bool) { return m.CPU().Bus.Read64(addr) }
	eval := func(mv state.MachineValue, f *resumeFrame) uint64 {
		switch mv.Kind {
		case state.KindVmctx:
			return vmctx
		case state.KindVmctxDeref:
			v, _ := mv.Path.Eval(vmctx, load)
			return v
		}
		return f.value(mv)
	}

	var regs [vm64.NumRegisters]uint64
	ret := &synthesized{}

	// Parameter area of the outermost frame, then its return address.
	outer := frames[0]
	params := 0
	for k := range outer.ms.PrevFrame {
		if k+1 > params {
			params = k + 1
		}
	}
	if err := buf.reserve(8 * uint64(params)); err != nil {
		return nil, err
	}
	for k, mv := range outer.ms.PrevFrame {
		buf.set(buf.top-8*uint64(params)+8*uint64(k), eval(mv, outer))
	}
	if err := buf.push(m.HaltAddress()); err != nil {
		return nil, err
	}

	var callerFP uint64
	for i, f := range frames {
		fsm := f.entry.FSM
		if i > 0 {
			caller := frames[i-1]
			for k, mv := range f.ms.PrevFrame {
				buf.set(buf.sp()+8*uint64(k), eval(mv, f))
			}
			if err := buf.push(caller.activateAddress(codeBase)); err != nil {
				return nil, err
			}
		}
		if err := buf.push(callerFP); err != nil {
			return nil, err
		}
		f.fp = buf.sp()
		callerFP = f.fp

		copies, explicit := false, false
		for _, mv := range f.ms.StackValues {
			var v uint64
			switch mv.Kind {
			case state.KindExplicitShadow:
				explicit = true
				if err := buf.reserve(fsm.ShadowSize); err != nil {
					return nil, err
				}
				continue
			case state.KindPreserveRegister:
				v = regs[mv.Index]
			case state.KindTwoHalves:
				v = uint64(uint32(eval(mv.Halves[0], f))) | eval(mv.Halves[1], f)<<32
			case state.KindCopyStackBPRelative:
				copies = true
			default:
				v = eval(mv, f)
			}
			if err := buf.push(v); err != nil {
				return nil, err
			}
		}
		if !explicit {
			if err := buf.reserve(fsm.ShadowSize); err != nil {
				return nil, err
			}
		}
		if copies {
			addr := f.fp
			for _, mv := range f.ms.StackValues {
				if mv.Kind == state.KindExplicitShadow {
					addr -= fsm.ShadowSize
					continue
				}
				addr -= 8
				if mv.Kind == state.KindCopyStackBPRelative {
					buf.set(addr, buf.get(uint64(int64(f.fp)+int64(mv.Offset))))
				}
			}
		}

		for r, mv := range f.ms.RegisterValues {
			if mv.Kind != state.KindUndefined {
				regs[r] = eval(mv, f)
			}
		}
		if baseline && i < len(frames)-1 {
			for k, r := range engineapi.PreservedRegisters {
				ret.preserved[k] = regs[r]
			}
		}
	}

	inner := frames[len(frames)-1]
	if err := buf.push(inner.activateAddress(codeBase)); err != nil {
		return nil, err
	}
	regs[vm64.FP] = inner.fp
	for i := len(switchRegisters) - 1; i >= 0; i-- {
		if err := buf.push(regs[switchRegisters[i]]); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

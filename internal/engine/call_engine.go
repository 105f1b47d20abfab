package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/unwind"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// Call calls the function exported as name. Parameters and the result are raw values, as in api.EncodeI32 and
// friends. A trap returns a *TrapError and an interrupt returns an *InterruptedError.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	idx, ok := i.module.Module.ExportedFunction(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExportNotFound, name)
	}
	return i.callFunction(ctx, idx, params)
}

// CallIndex calls the function at funcIndex in the function index namespace.
func (i *Instance) CallIndex(ctx context.Context, funcIndex wasm.Index, params ...uint64) ([]uint64, error) {
	if funcIndex >= i.module.Module.FunctionCount() {
		return nil, fmt.Errorf("invalid function index %d", funcIndex)
	}
	return i.callFunction(ctx, funcIndex, params)
}

func (i *Instance) callFunction(ctx context.Context, funcIndex wasm.Index, params []uint64) ([]uint64, error) {
	m := i.module.Module
	typeIndex, _ := m.TypeOfFunction(funcIndex)
	typ := &m.TypeSection[typeIndex]
	if len(params) != len(typ.Params) {
		return nil, fmt.Errorf("%w: expected %d, but passed %d", ErrParamCount, len(typ.Params), len(params))
	}
	if !i.running.CompareAndSwap(false, true) {
		return nil, ErrInstanceBusy
	}
	defer i.running.Store(false)

	c := i.cpu
	c.Regs = [vm64.NumRegisters]uint64{}
	// The arguments are where a caller leaves them, with the halt address as the return address.
	sp := stackTop - 8*uint64(len(params))
	for j, p := range params {
		c.Bus.Write64(sp+8*uint64(j), lowBits(typ.Params[j], p))
	}
	c.Regs[vm64.SP] = sp
	c.Push(runtimeBase)
	c.Regs[vm64.VmctxRegister] = vmctxBase
	c.PC, _ = c.Bus.Read64(i.funcPtrsAddr + 8*uint64(funcIndex))

	exit, err := c.Run(i.runContext(ctx))
	if err != nil {
		return nil, err
	}
	return i.finish(ctx, exit, typ, nil)
}

// Resume continues the computation captured in img, typically the Image of an InterruptedError, with the code of
// the current tier. Memory and globals are replaced by the image's. The result is the result of the outermost
// frame's function. A trap of the resumed computation returns a *TrapError wrapping unwind.ErrResumeFailed.
func (i *Instance) Resume(ctx context.Context, img *state.InstanceImage) ([]uint64, error) {
	if img == nil || len(img.ExecutionState.Frames) == 0 {
		return nil, ErrNoImage
	}
	m := i.module.Module
	frames := img.ExecutionState.Frames
	outer := frames[len(frames)-1].LocalFunctionID
	if outer < 0 || outer >= len(m.FunctionSection) {
		return nil, fmt.Errorf("%w: unknown local function %d", unwind.ErrImageMismatch, outer)
	}
	typ := &m.TypeSection[m.FunctionSection[outer]]
	if !i.running.CompareAndSwap(false, true) {
		return nil, ErrInstanceBusy
	}
	defer i.running.Store(false)

	Logger().Info("resuming",
		zap.Int("frames", len(frames)),
		zap.Stringer("tier", i.tier),
		zap.Int("local_function", frames[0].LocalFunctionID),
		zap.Uint64("offset", frames[0].WasmInstOffset))
	exit, err := unwind.InvokeCallReturnOnStack(i.runContext(ctx), machine{i}, i.currentVersion(), img)
	if err != nil && !errors.Is(err, unwind.ErrResumeFailed) {
		return nil, err
	}
	return i.finish(ctx, exit, typ, unwind.ErrResumeFailed)
}

// Interrupt makes the running call, or the next one, stop at its next poll point with an *InterruptedError. It is
// safe to call from any goroutine.
func (i *Instance) Interrupt() {
	i.cpu.Interrupt()
}

func (i *Instance) runContext(ctx context.Context) context.Context {
	if i.cfg.CloseOnContextDone {
		return ctx
	}
	return context.WithoutCancel(ctx)
}

// finish turns the exit of a run into results or errors. trapCause is wrapped by a trap.
func (i *Instance) finish(ctx context.Context, exit vm64.Exit, typ *wasm.FunctionType, trapCause error) ([]uint64, error) {
	switch exit.Status {
	case vm64.ExitReturned:
		if len(typ.Results) == 0 {
			return nil, nil
		}
		return []uint64{lowBits(typ.Results[0], i.cpu.Regs[vm64.ReturnRegister])}, nil
	case vm64.ExitTrapped:
		img := i.readStack(exit, i.cfg.BacktraceDepth)
		Logger().Info("trapped",
			zap.Stringer("code", exit.Trap),
			zap.Uint64("pc", exit.PC),
			zap.Int("frames", len(img.Frames)))
		return nil, &TrapError{Code: exit.Trap, Image: img, Err: trapCause}
	default:
		img := unwind.BuildInstanceImage(i.Memory(), i.Globals(), i.readStack(exit, 0))
		Logger().Info("interrupted",
			zap.Uint64("pc", exit.PC),
			zap.Int("frames", len(img.ExecutionState.Frames)))
		var cause error
		if i.cfg.CloseOnContextDone {
			cause = ctx.Err()
		}
		return nil, &InterruptedError{Image: img, Cause: cause}
	}
}

// readStack decodes up to maxDepth frames of the call stack the machine stopped in, all of them when maxDepth is 0.
func (i *Instance) readStack(exit vm64.Exit, maxDepth int) *state.ExecutionStateImage {
	c := i.cpu
	var preserved unwind.Preserved
	for k, r := range engineapi.PreservedRegisters {
		off, _ := engineapi.PreservedRegisterOffset(r)
		preserved[k] = i.readVmctx(off)
	}
	initial := exit.PC
	if exit.Status == vm64.ExitTrapped && exit.Trap == vm64.TrapCodeStackOverflow {
		// The stack check precedes the frame, so the stack pointer is at the return address.
		initial = 0
	}
	return unwind.ReadStack(i.versions, c.Bus, c.Regs[vm64.SP], unwind.RegistersOf(c), initial,
		maxDepth, preserved)
}

package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// HostFunction is a Go function a module imports.
type HostFunction struct {
	Type wasm.FunctionType
	// Func receives the parameters in stack and leaves its result, if any, in stack[0]. stack is at least as long
	// as the parameter and result counts. A returned error aborts the call.
	Func func(ctx context.Context, caller *Instance, stack []uint64) error
}

// Imports maps module and field names to host functions.
type Imports map[string]map[string]*HostFunction

// lowBits masks a raw value to the width of t.
func lowBits(t wasm.ValueType, v uint64) uint64 {
	switch t {
	case wasm.ValueTypeI32, wasm.ValueTypeF32:
		return uint64(uint32(v))
	}
	return v
}

// HostCall implements vm64.Host. Imported functions are entered through a trampoline, so the return address is at
// the stack pointer and the arguments follow it.
func (i *Instance) HostCall(ctx context.Context, c *vm64.CPU, id uint32) error {
	h := engineapi.HostCallID(id)
	switch h.Kind() {
	case engineapi.HostCallMemoryGrow:
		prev, ok := i.growMemory(uint32(c.Regs[vm64.ReturnRegister]))
		if !ok {
			c.Regs[vm64.ReturnRegister] = uint64(uint32(0xffff_ffff))
			return nil
		}
		c.Regs[vm64.ReturnRegister] = uint64(prev)
	case engineapi.HostCallMemorySize:
		c.Regs[vm64.ReturnRegister] = uint64(i.MemoryPages())
	case engineapi.HostCallImport:
		idx := engineapi.ImportIndexFromHostCall(h)
		if idx >= len(i.imports) {
			return fmt.Errorf("invalid import index %d", idx)
		}
		return i.callImport(ctx, c, idx)
	default:
		return fmt.Errorf("unknown host call %s", h)
	}
	return nil
}

func (i *Instance) callImport(ctx context.Context, c *vm64.CPU, idx int) (err error) {
	fn := i.imports[idx]
	imp := &i.module.Module.ImportSection[idx]
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("host function panicked",
				zap.String("module", imp.Module),
				zap.String("name", imp.Name),
				zap.Any("panic", r))
			err = fmt.Errorf("%s.%s panicked: %v", imp.Module, imp.Name, r)
		}
	}()

	params, results := fn.Type.Params, fn.Type.Results
	n := len(params)
	if len(results) > n {
		n = len(results)
	}
	stack := make([]uint64, n)
	sp := c.Regs[vm64.SP] + 8
	for j, t := range params {
		v, ok := c.Bus.Read64(sp + 8*uint64(j))
		if !ok {
			return fmt.Errorf("%s.%s: argument %d out of bounds", imp.Module, imp.Name, j)
		}
		stack[j] = lowBits(t, v)
	}
	if err = fn.Func(ctx, i, stack); err != nil {
		return fmt.Errorf("%s.%s: %w", imp.Module, imp.Name, err)
	}
	if len(results) > 0 {
		c.Regs[vm64.ReturnRegister] = lowBits(results[0], stack[0])
	}
	return nil
}

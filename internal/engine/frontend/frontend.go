// Package frontend lowers WebAssembly function bodies to the block IR of the ir package. It resolves structured
// control flow into basic blocks, inserts the trap guards of the WebAssembly semantics, and marks every suspend
// point with the WebAssembly state the backends record for it.
package frontend

import (
	"errors"
	"fmt"

	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/wasm"
)

var (
	// ErrUnsupported is wrapped by a CompileError for constructs the compiler does not implement, like multi-value
	// results.
	ErrUnsupported = errors.New("unsupported")
	// ErrMalformed is wrapped by a CompileError for bodies that are not structurally valid.
	ErrMalformed = errors.New("malformed function body")
)

// CompileError is the failure to lower one function.
type CompileError struct {
	// FuncIndex is the index of the function in the function index namespace.
	FuncIndex wasm.Index
	// Offset is the offset of the failing instruction in the function body.
	Offset uint64
	Err    error
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("function[%d] at offset %#x: %v", e.FuncIndex, e.Offset, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *CompileError) Unwrap() error {
	return e.Err
}

// Compiler is in charge of lowering Wasm to IR. A Compiler lowers one function at a time.
type Compiler struct {
	// Per-module data that is used across all functions.

	m *wasm.Module
	// sigIDs maps a type index to its canonical signature id.
	sigIDs  []uint32
	builder *ir.Builder

	// Followings are reset by per function.

	fn            *ir.Function
	body          []byte
	loweringState loweringState
}

// NewFrontendCompiler returns a frontend Compiler for m, appending to blocks of builder.
func NewFrontendCompiler(m *wasm.Module, builder *ir.Builder) *Compiler {
	return &Compiler{m: m, sigIDs: m.CanonicalTypeIDs(), builder: builder}
}

// Lower lowers the module-defined function at localIndex. The returned Function is valid until the next call.
func (c *Compiler) Lower(localIndex int) (fn *ir.Function, err error) {
	funcIndex := c.m.ImportFuncCount() + uint32(localIndex)
	if localIndex < 0 || localIndex >= len(c.m.CodeSection) {
		return nil, &CompileError{FuncIndex: funcIndex, Err: fmt.Errorf("%w: no code for function", ErrMalformed)}
	}
	typeIndex := c.m.FunctionSection[localIndex]
	typ := &c.m.TypeSection[typeIndex]
	if len(typ.Results) > 1 {
		return nil, &CompileError{FuncIndex: funcIndex, Err: fmt.Errorf("%w: multiple results", ErrUnsupported)}
	}

	code := &c.m.CodeSection[localIndex]
	localTypes := make([]wasm.ValueType, 0, len(typ.Params)+len(code.LocalTypes))
	localTypes = append(localTypes, typ.Params...)
	localTypes = append(localTypes, code.LocalTypes...)

	c.fn = &ir.Function{
		Index:         funcIndex,
		LocalIndex:    localIndex,
		Type:          typ,
		LocalTypes:    localTypes,
		WrittenLocals: make([]bool, len(localTypes)),
	}
	c.body = code.Body
	c.loweringState.reset()
	c.builder.Init(c.fn)

	if err = c.lowerBody(); err != nil {
		return nil, &CompileError{FuncIndex: funcIndex, Offset: uint64(c.loweringState.opOffset), Err: err}
	}
	return c.builder.Finish(), nil
}

// lowerBody lowers the body of the Wasm function to the IR.
func (c *Compiler) lowerBody() error {
	state := &c.loweringState

	// The function header is the first suspend point: interrupts are polled on every entry.
	c.builder.Insert(ir.Instruction{Op: ir.OpcodePoll, Suspend: &ir.Suspend{WasmOffset: headerWasmOffset}})

	var result wasm.ValueType
	if len(c.fn.Type.Results) > 0 {
		result = c.fn.Type.Results[0]
	}
	state.ctrlPush(controlFrame{kind: controlFrameKindFunction, result: result})

	for state.pc < len(c.body) {
		if len(state.controlFrames) == 0 {
			state.opOffset = state.pc
			return fmt.Errorf("%w: instructions after the end of the function", ErrMalformed)
		}
		if err := c.lowerCurrentOpcode(); err != nil {
			return err
		}
	}
	if len(state.controlFrames) > 0 {
		state.opOffset = len(c.body)
		return fmt.Errorf("%w: missing end", ErrMalformed)
	}
	return nil
}

package engine

import (
	"errors"
	"fmt"

	"github.com/wasmsnap/wasmsnap/internal/state"
	"github.com/wasmsnap/wasmsnap/internal/vm64"
)

var (
	// ErrExportNotFound is returned when calling a name the module does not export as a function.
	ErrExportNotFound = errors.New("export not found")
	// ErrNoImage is returned when resuming without an image.
	ErrNoImage = errors.New("no image to resume")
	// ErrInstanceBusy is returned when an instance is entered again while it runs.
	ErrInstanceBusy = errors.New("instance is already running")
	// ErrParamCount is returned when a call passes the wrong number of parameters.
	ErrParamCount = errors.New("wrong number of parameters")
)

// TrapError is a WebAssembly trap together with the call stack it was raised in.
type TrapError struct {
	Code vm64.TrapCode
	// Image is the decoded call stack, innermost frame first. It is empty when the trapping address is unknown.
	Image *state.ExecutionStateImage
	// Err is set when the trap stopped a resumed computation.
	Err error
}

// Error implements error.
func (e *TrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: wasm trap: %s", e.Err, e.Code)
	}
	return fmt.Sprintf("wasm trap: %s", e.Code)
}

// Unwrap implements errors.Unwrap.
func (e *TrapError) Unwrap() error {
	return e.Err
}

// InterruptedError is returned when a call stops at a poll point because it was interrupted. Image holds everything
// needed to continue the computation with Instance.Resume, possibly in another instance of the same module.
type InterruptedError struct {
	Image *state.InstanceImage
	// Cause is the context error when the interrupt came from cancellation.
	Cause error
}

// Error implements error.
func (e *InterruptedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("execution interrupted: %v", e.Cause)
	}
	return "execution interrupted"
}

// Unwrap implements errors.Unwrap.
func (e *InterruptedError) Unwrap() error {
	return e.Cause
}

// Package state describes where the logical WebAssembly values of a compiled function live at each suspend point,
// and holds the snapshots decoded from or encoded into a native call stack.
package state

import (
	"fmt"
	"strings"

	"github.com/wasmsnap/wasmsnap/internal/vm64"
)

// RegisterIndex indexes MachineState.RegisterValues. It is the vm64 register number: general registers first, then
// vector registers.
type RegisterIndex = vm64.Register

// MachineValueKind is the tag of a MachineValue.
type MachineValueKind byte

const (
	// KindUndefined is a dead slot or padding.
	KindUndefined MachineValueKind = iota
	// KindVmctx is the instance context pointer.
	KindVmctx
	// KindVmctxDeref is a value computed by following VmctxPath from the context pointer.
	KindVmctxDeref
	// KindPreserveRegister is the spilled value of a register that must be restored later.
	KindPreserveRegister
	// KindCopyStackBPRelative aliases another slot of the same frame, addressed by a byte offset from the frame pointer.
	KindCopyStackBPRelative
	// KindExplicitShadow marks the start of the shadow region, so decoders skip it where it is rather than inferring it.
	KindExplicitShadow
	// KindWasmStack is the i-th entry of the WebAssembly operand stack.
	KindWasmStack
	// KindWasmLocal is the i-th WebAssembly local.
	KindWasmLocal
	// KindTwoHalves packs two 32-bit values into one 64-bit slot, the first in the low half.
	KindTwoHalves
)

var machineValueKindNames = [...]string{
	KindUndefined:           "undefined",
	KindVmctx:               "vmctx",
	KindVmctxDeref:          "vmctx_deref",
	KindPreserveRegister:    "preserve",
	KindCopyStackBPRelative: "copy_bp",
	KindExplicitShadow:      "shadow",
	KindWasmStack:           "stack",
	KindWasmLocal:           "local",
	KindTwoHalves:           "halves",
}

func (k MachineValueKind) String() string {
	if int(k) < len(machineValueKindNames) {
		return machineValueKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// VmctxLayout versions the structure of the instance context that a VmctxPath walks.
type VmctxLayout byte

// VmctxLayoutV1 is the layout described by engineapi.VmctxOffsets.
const VmctxLayoutV1 VmctxLayout = 1

// VmctxPath describes a value reachable from the instance context pointer. The first offset is added to the context
// pointer; each following offset is added to the word loaded from the previous address. For example, {8} is the
// address vmctx+8 and {16, 0} is the pointer stored at vmctx+16.
type VmctxPath struct {
	Layout  VmctxLayout
	Offsets []uint64
}

// Eval computes the value described by p for the given context pointer. load reads a word of the address space and
// returns false if it is not mapped.
func (p *VmctxPath) Eval(vmctx uint64, load func(addr uint64) (uint64, bool)) (uint64, bool) {
	if p.Layout != VmctxLayoutV1 {
		return 0, false
	}
	v := vmctx
	for i, off := range p.Offsets {
		if i > 0 {
			var ok bool
			if v, ok = load(v); !ok {
				return 0, false
			}
		}
		v += off
	}
	return v, true
}

func (p *VmctxPath) equal(o *VmctxPath) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Layout != o.Layout || len(p.Offsets) != len(o.Offsets) {
		return false
	}
	for i := range p.Offsets {
		if p.Offsets[i] != o.Offsets[i] {
			return false
		}
	}
	return true
}

// MachineValue describes how one native stack slot or register encodes a logical value. The zero value is
// KindUndefined.
type MachineValue struct {
	Kind MachineValueKind
	// Index is the operand stack or local index for KindWasmStack and KindWasmLocal, and the register for
	// KindPreserveRegister.
	Index int
	// Offset is the frame pointer relative byte offset of KindCopyStackBPRelative.
	Offset int32
	// Path is set for KindVmctxDeref.
	Path *VmctxPath
	// Halves is set for KindTwoHalves. Each half is KindUndefined, KindWasmStack, KindWasmLocal or KindVmctxDeref.
	Halves *[2]MachineValue
}

// Undefined returns a dead slot.
func Undefined() MachineValue { return MachineValue{} }

// Vmctx returns the context pointer value.
func Vmctx() MachineValue { return MachineValue{Kind: KindVmctx} }

// VmctxDeref returns a value reached from the context pointer through offsets.
func VmctxDeref(offsets ...uint64) MachineValue {
	return MachineValue{Kind: KindVmctxDeref, Path: &VmctxPath{Layout: VmctxLayoutV1, Offsets: offsets}}
}

// PreserveRegister returns a slot holding the saved value of r.
func PreserveRegister(r RegisterIndex) MachineValue {
	return MachineValue{Kind: KindPreserveRegister, Index: int(r)}
}

// CopyStackBPRelative returns a slot that holds a copy of the word at FP+offset.
func CopyStackBPRelative(offset int32) MachineValue {
	return MachineValue{Kind: KindCopyStackBPRelative, Offset: offset}
}

// ExplicitShadow returns the shadow region marker.
func ExplicitShadow() MachineValue { return MachineValue{Kind: KindExplicitShadow} }

// WasmStack returns operand stack entry i.
func WasmStack(i int) MachineValue { return MachineValue{Kind: KindWasmStack, Index: i} }

// WasmLocal returns local i.
func WasmLocal(i int) MachineValue { return MachineValue{Kind: KindWasmLocal, Index: i} }

// TwoHalves returns a slot packing lo into the low and hi into the high 32 bits.
func TwoHalves(lo, hi MachineValue) MachineValue {
	return MachineValue{Kind: KindTwoHalves, Halves: &[2]MachineValue{lo, hi}}
}

// Equal returns true if v and o describe the same location.
func (v MachineValue) Equal(o MachineValue) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindVmctxDeref:
		return v.Path.equal(o.Path)
	case KindPreserveRegister, KindWasmStack, KindWasmLocal:
		return v.Index == o.Index
	case KindCopyStackBPRelative:
		return v.Offset == o.Offset
	case KindTwoHalves:
		if v.Halves == nil || o.Halves == nil {
			return v.Halves == o.Halves
		}
		return v.Halves[0].Equal(o.Halves[0]) && v.Halves[1].Equal(o.Halves[1])
	}
	return true
}

func (v MachineValue) String() string {
	switch v.Kind {
	case KindVmctxDeref:
		if v.Path == nil {
			return "vmctx_deref()"
		}
		parts := make([]string, len(v.Path.Offsets))
		for i, off := range v.Path.Offsets {
			parts[i] = fmt.Sprintf("%#x", off)
		}
		return "vmctx_deref(" + strings.Join(parts, ", ") + ")"
	case KindPreserveRegister:
		return "preserve(" + vm64.RegisterName(RegisterIndex(v.Index)) + ")"
	case KindCopyStackBPRelative:
		return fmt.Sprintf("copy_bp(%d)", v.Offset)
	case KindWasmStack, KindWasmLocal:
		return fmt.Sprintf("%s(%d)", v.Kind, v.Index)
	case KindTwoHalves:
		if v.Halves == nil {
			return "halves()"
		}
		return fmt.Sprintf("halves(%s, %s)", v.Halves[0], v.Halves[1])
	}
	return v.Kind.String()
}

// WasmAbstractValue is what the compiler statically knows about a logical value: either its constant value, or
// nothing, in which case it has to be read from the machine.
type WasmAbstractValue struct {
	IsConst bool
	Value   uint64
}

// Runtime is a value only known at run time.
var Runtime = WasmAbstractValue{}

// Const returns a statically known value.
func Const(v uint64) WasmAbstractValue {
	return WasmAbstractValue{IsConst: true, Value: v}
}

func (a WasmAbstractValue) String() string {
	if a.IsConst {
		return fmt.Sprintf("const(%d)", a.Value)
	}
	return "runtime"
}

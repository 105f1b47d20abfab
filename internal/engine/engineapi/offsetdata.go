package engineapi

// VmctxOffsets is the layout of the per-instance context the generated code reaches through the vmctx register.
// state.VmctxLayoutV1 describes paths into this layout.
var VmctxOffsets = VmctxOffsetData{
	MemoryBase:          0,
	MemoryBound:         8,
	GlobalsBase:         16,
	TableBase:           24,
	TableLength:         32,
	FunctionPointerBase: 40,
	StackLimit:          48,
	PreservedBegin:      56,
}

// VmctxOffsetData allows the compilers to get the offsets of the fields of an instance context.
type VmctxOffsetData struct {
	// MemoryBase is the address of the first byte of linear memory.
	MemoryBase Offset
	// MemoryBound is the current size of linear memory in bytes.
	MemoryBound Offset
	// GlobalsBase is the address of the first global. Each global takes GlobalSize bytes.
	GlobalsBase Offset
	// TableBase is the address of the first table element. Each element takes TableElementSize bytes.
	TableBase Offset
	// TableLength is the number of table elements.
	TableLength Offset
	// FunctionPointerBase is the address of the function pointer array, indexed by function index.
	FunctionPointerBase Offset
	// StackLimit is the lowest address the stack pointer may reach.
	StackLimit Offset
	// PreservedBegin is the first word of the register preservation area, see PreservedRegisterOffset.
	PreservedBegin Offset
}

// Offset represents an offset of a field of a struct.
type Offset int32

// U32 encodes an Offset as uint32 for convenience.
func (o Offset) U32() uint32 {
	return uint32(o)
}

// I64 encodes an Offset as int64 for convenience.
func (o Offset) I64() int64 {
	return int64(o)
}

// U64 encodes an Offset as uint64 for convenience.
func (o Offset) U64() uint64 {
	return uint64(o)
}

const (
	// GlobalSize is the size of one global slot. Globals are stored as 128-bit values.
	GlobalSize = 16

	// TableElementSize is the size of one table element: function address, instance context and signature id.
	TableElementSize = 24
	// TableElementFunctionOffset is the offset of the function address within a table element.
	TableElementFunctionOffset = 0
	// TableElementVmctxOffset is the offset of the callee's instance context within a table element.
	TableElementVmctxOffset = 8
	// TableElementSignatureOffset is the offset of the 32-bit signature id within a table element.
	TableElementSignatureOffset = 16

	// NullSignature is the signature id of an uninitialized table element. It never matches a call site.
	NullSignature = 0xFFFFFFFF

	// VmctxSize is the size of the instance context.
	VmctxSize = 96
)

// PreservedRegisters is the order of the registers in the preservation area.
var PreservedRegisters = [...]byte{15, 14, 13, 12, 3}

// PreservedRegisterOffset returns the offset of r in the preservation area, or false if r is not preserved.
func PreservedRegisterOffset(r byte) (Offset, bool) {
	for i, p := range PreservedRegisters {
		if p == r {
			return VmctxOffsets.PreservedBegin + Offset(8*i), true
		}
	}
	return 0, false
}

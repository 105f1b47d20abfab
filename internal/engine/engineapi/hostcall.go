package engineapi

import "fmt"

// HostCallID is the immediate of a host call instruction in generated code.
type HostCallID uint32

const (
	// HostCallMemoryGrow grows linear memory by the page count in the return register, leaving the previous page
	// count or -1 there.
	HostCallMemoryGrow HostCallID = iota
	// HostCallMemorySize leaves the page count of linear memory in the return register.
	HostCallMemorySize
	// HostCallImport calls an imported function. Its index is encoded above HostCallMask.
	HostCallImport

	hostCallMax
)

// HostCallMask selects the kind bits of a HostCallID.
const HostCallMask = 0xff

// Kind returns the kind of h, with any index stripped.
func (h HostCallID) Kind() HostCallID {
	return h & HostCallMask
}

// String implements fmt.Stringer.
func (h HostCallID) String() string {
	switch h.Kind() {
	case HostCallMemoryGrow:
		return "memory_grow"
	case HostCallMemorySize:
		return "memory_size"
	case HostCallImport:
		return fmt.Sprintf("import[%d]", ImportIndexFromHostCall(h))
	}
	return fmt.Sprintf("host_call(%d)", uint32(h))
}

// HostCallImportWithIndex returns the host call id of the imported function at index.
func HostCallImportWithIndex(index int) HostCallID {
	return HostCallImport | HostCallID(index<<8)
}

// ImportIndexFromHostCall returns the import index encoded in h.
func ImportIndexFromHostCall(h HostCallID) int {
	return int(h >> 8)
}

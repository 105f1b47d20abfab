// Package wasm is the read-only module model consumed by the compiler: function signatures, imports, exports and
// the memory, table and global descriptors of a validated WebAssembly 1.0 (MVP) module.
package wasm

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// ValueType is the numeric type of a value. The encoding follows api.ValueType.
type ValueType = api.ValueType

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64
)

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section.
type Index = uint32

// ExternType classifies imports and exports with their respective types.
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// MemoryPageSize is the unit of memory length in WebAssembly.
const MemoryPageSize = uint32(65536)

// MemoryMaxPages is the largest number of pages addressable by a 32-bit memory.
const MemoryMaxPages = uint32(65536)

// FunctionType is a possibly empty function signature.
type FunctionType struct {
	Params, Results []ValueType
}

// String returns a compact form of the signature such as "i32i64_f32", or "v_v" when empty.
func (t *FunctionType) String() string {
	var b strings.Builder
	if len(t.Params) == 0 {
		b.WriteString("v")
	}
	for _, p := range t.Params {
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteByte('_')
	if len(t.Results) == 0 {
		b.WriteString("v")
	}
	for _, r := range t.Results {
		b.WriteString(api.ValueTypeName(r))
	}
	return b.String()
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (t *FunctionType) EqualsSignature(o *FunctionType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Import is a function imported by the module. Table, memory and global imports are not supported.
type Import struct {
	Module, Name string
	// DescFunc is the type index of the imported function.
	DescFunc Index
}

// Export is a name bound to an entity in the module's index namespaces.
type Export struct {
	Type  ExternType
	Name  string
	Index Index
}

// Table is the single funcref table of a module.
type Table struct {
	Min uint32
	Max *uint32
}

// Memory is the single linear memory of a module, in pages.
type Memory struct {
	Min, Max     uint32
	IsMaxEncoded bool
}

// GlobalType is the value type and mutability of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a module-defined global and its initializer.
type Global struct {
	Type GlobalType
	Init ConstantExpression
}

// ElementSegment initializes a range of the table with function indexes.
type ElementSegment struct {
	OffsetExpr ConstantExpression
	Init       []Index
}

// DataSegment initializes a range of linear memory.
type DataSegment struct {
	OffsetExpression ConstantExpression
	Init             []byte
}

// Code is the body of a module-defined function.
type Code struct {
	// LocalTypes are the declared locals, excluding parameters.
	LocalTypes []ValueType
	// Body is the instruction stream, ending in OpcodeEnd.
	Body []byte
}

// NameSection holds the optional debug names of functions.
type NameSection struct {
	ModuleName    string
	FunctionNames map[Index]string
}

// Module is a decoded and validated WebAssembly module.
type Module struct {
	TypeSection     []FunctionType
	ImportSection   []Import
	FunctionSection []Index
	TableSection    *Table
	MemorySection   *Memory
	GlobalSection   []Global
	ExportSection   []Export
	StartSection    *Index
	ElementSection  []ElementSegment
	CodeSection     []Code
	DataSection     []DataSegment
	NameSection     *NameSection
}

// ImportFuncCount returns the number of imported functions, which precede module-defined ones in the function index
// namespace.
func (m *Module) ImportFuncCount() uint32 {
	return uint32(len(m.ImportSection))
}

// FunctionCount returns the size of the function index namespace.
func (m *Module) FunctionCount() uint32 {
	return m.ImportFuncCount() + uint32(len(m.FunctionSection))
}

// TypeOfFunction returns the type index of the function at funcIdx, or false if funcIdx is out of range.
func (m *Module) TypeOfFunction(funcIdx Index) (Index, bool) {
	if imports := m.ImportFuncCount(); funcIdx < imports {
		return m.ImportSection[funcIdx].DescFunc, true
	} else if local := funcIdx - imports; local < uint32(len(m.FunctionSection)) {
		return m.FunctionSection[local], true
	}
	return 0, false
}

// ExportedFunction returns the function index exported under name.
func (m *Module) ExportedFunction(name string) (Index, bool) {
	for i := range m.ExportSection {
		if e := &m.ExportSection[i]; e.Type == ExternTypeFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}

// FunctionName returns the debug name of a function, or a generated one.
func (m *Module) FunctionName(funcIdx Index) string {
	if m.NameSection != nil {
		if n, ok := m.NameSection.FunctionNames[funcIdx]; ok {
			return n
		}
	}
	for i := range m.ExportSection {
		if e := &m.ExportSection[i]; e.Type == ExternTypeFunc && e.Index == funcIdx {
			return e.Name
		}
	}
	return fmt.Sprintf("$%d", funcIdx)
}

// CanonicalTypeIDs maps each type index to the lowest type index with an identical signature. call_indirect compares
// these ids, so structurally equal types declared twice are interchangeable.
func (m *Module) CanonicalTypeIDs() []uint32 {
	ids := make([]uint32, len(m.TypeSection))
	for i := range m.TypeSection {
		ids[i] = uint32(i)
		for j := 0; j < i; j++ {
			if m.TypeSection[j].EqualsSignature(&m.TypeSection[i]) {
				ids[i] = uint32(j)
				break
			}
		}
	}
	return ids
}

// Validate checks the cross-section invariants the compiler relies on.
func (m *Module) Validate() error {
	if len(m.FunctionSection) != len(m.CodeSection) {
		return fmt.Errorf("function and code section have inconsistent lengths: %d != %d",
			len(m.FunctionSection), len(m.CodeSection))
	}
	for i, typeIdx := range m.FunctionSection {
		if typeIdx >= uint32(len(m.TypeSection)) {
			return fmt.Errorf("invalid type index %d for function %d", typeIdx, i)
		}
	}
	for i := range m.ImportSection {
		if m.ImportSection[i].DescFunc >= uint32(len(m.TypeSection)) {
			return fmt.Errorf("invalid type index %d for import %s.%s", m.ImportSection[i].DescFunc,
				m.ImportSection[i].Module, m.ImportSection[i].Name)
		}
	}
	if m.StartSection != nil && *m.StartSection >= m.FunctionCount() {
		return fmt.Errorf("invalid start function index %d", *m.StartSection)
	}
	for i := range m.ExportSection {
		e := &m.ExportSection[i]
		switch e.Type {
		case ExternTypeFunc:
			if e.Index >= m.FunctionCount() {
				return fmt.Errorf("export %q: function index %d out of range", e.Name, e.Index)
			}
		case ExternTypeMemory:
			if m.MemorySection == nil {
				return fmt.Errorf("export %q: memory not defined", e.Name)
			}
		case ExternTypeTable:
			if m.TableSection == nil {
				return fmt.Errorf("export %q: table not defined", e.Name)
			}
		case ExternTypeGlobal:
			if e.Index >= uint32(len(m.GlobalSection)) {
				return fmt.Errorf("export %q: global index %d out of range", e.Name, e.Index)
			}
		}
	}
	if len(m.ElementSection) > 0 && m.TableSection == nil {
		return fmt.Errorf("element segments require a table")
	}
	if len(m.DataSection) > 0 && m.MemorySection == nil {
		return fmt.Errorf("data segments require a memory")
	}
	return nil
}

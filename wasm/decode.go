package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/wasmsnap/wasmsnap/internal/leb128"
)

var (
	magic   = []byte{0x00, 0x61, 0x73, 0x6D}
	version = []byte{0x01, 0x00, 0x00, 0x00}
)

// SectionID identifies the sections of a Module in the WebAssembly 1.0 (MVP) Binary Format.
type SectionID = byte

const (
	SectionIDCustom SectionID = iota
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
)

const funcTypePrefix = 0x60

const refTypeFuncref = 0x70

// DecodeModule decodes a module in the WebAssembly 1.0 (MVP) Binary Format and validates its cross-section
// invariants.
func DecodeModule(binary []byte) (*Module, error) {
	r := bytes.NewReader(binary)

	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, magic) {
		return nil, ErrInvalidMagicNumber
	}
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	for {
		id, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}

		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get size of section %d: %w", id, err)
		}
		if int(size) > r.Len() {
			return nil, fmt.Errorf("section %d: %w", id, io.ErrUnexpectedEOF)
		}
		payload := make([]byte, size)
		if _, err = io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read section %d: %w", id, err)
		}
		sr := bytes.NewReader(payload)

		switch id {
		case SectionIDCustom:
			err = m.decodeCustomSection(sr)
		case SectionIDType:
			m.TypeSection, err = decodeTypeSection(sr)
		case SectionIDImport:
			m.ImportSection, err = decodeImportSection(sr)
		case SectionIDFunction:
			m.FunctionSection, err = decodeIndexVector(sr)
		case SectionIDTable:
			m.TableSection, err = decodeTableSection(sr)
		case SectionIDMemory:
			m.MemorySection, err = decodeMemorySection(sr)
		case SectionIDGlobal:
			m.GlobalSection, err = decodeGlobalSection(sr)
		case SectionIDExport:
			m.ExportSection, err = decodeExportSection(sr)
		case SectionIDStart:
			var idx Index
			idx, _, err = leb128.DecodeUint32(sr)
			m.StartSection = &idx
		case SectionIDElement:
			m.ElementSection, err = decodeElementSection(sr)
		case SectionIDCode:
			m.CodeSection, err = decodeCodeSection(sr)
		case SectionIDData:
			m.DataSection, err = decodeDataSection(sr)
		default:
			err = ErrInvalidSectionID
		}
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", SectionIDName(id), err)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// SectionIDName returns the canonical name of a module section.
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	}
	return "unknown"
}

func decodeValueType(r *bytes.Reader) (ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return b, nil
	default:
		return 0, fmt.Errorf("%w: value type %#x", ErrUnsupportedFeature, b)
	}
}

func decodeValueTypes(r *bytes.Reader) ([]ValueType, error) {
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	ret := make([]ValueType, n)
	for i := range ret {
		if ret[i], err = decodeValueType(r); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func decodeName(r *bytes.Reader) (string, error) {
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", fmt.Errorf("read size of name: %w", err)
	}
	if int(n) > r.Len() {
		return "", io.ErrUnexpectedEOF
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read bytes of name: %w", err)
	}
	return string(buf), nil
}

func decodeVectorLen(r *bytes.Reader) (uint32, error) {
	n, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return 0, fmt.Errorf("get size of vector: %w", err)
	}
	// Each element takes at least one byte.
	if int(n) > r.Len() {
		return 0, io.ErrUnexpectedEOF
	}
	return n, nil
}

func decodeTypeSection(r *bytes.Reader) ([]FunctionType, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]FunctionType, n)
	for i := range ret {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		} else if b != funcTypePrefix {
			return nil, fmt.Errorf("%w: function type prefix %#x", ErrInvalidByte, b)
		}
		if ret[i].Params, err = decodeValueTypes(r); err != nil {
			return nil, fmt.Errorf("read %d-th function type params: %w", i, err)
		}
		if ret[i].Results, err = decodeValueTypes(r); err != nil {
			return nil, fmt.Errorf("read %d-th function type results: %w", i, err)
		}
	}
	return ret, nil
}

func decodeImportSection(r *bytes.Reader) ([]Import, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]Import, n)
	for i := range ret {
		if ret[i].Module, err = decodeName(r); err != nil {
			return nil, fmt.Errorf("read name of imported module: %w", err)
		}
		if ret[i].Name, err = decodeName(r); err != nil {
			return nil, fmt.Errorf("read name of imported entity: %w", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if kind != ExternTypeFunc {
			return nil, fmt.Errorf("%w: import %s.%s of kind %#x", ErrUnsupportedFeature, ret[i].Module, ret[i].Name, kind)
		}
		if ret[i].DescFunc, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read typeindex: %w", err)
		}
	}
	return ret, nil
}

func decodeIndexVector(r *bytes.Reader) ([]Index, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]Index, n)
	for i := range ret {
		if ret[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
	}
	return ret, nil
}

func decodeLimits(r *bytes.Reader) (min uint32, max *uint32, err error) {
	flag, err := r.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("read limits flag: %w", err)
	}
	if min, _, err = leb128.DecodeUint32(r); err != nil {
		return 0, nil, fmt.Errorf("read min of limits: %w", err)
	}
	switch flag {
	case 0x00:
	case 0x01:
		m, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return 0, nil, fmt.Errorf("read max of limits: %w", err)
		}
		max = &m
	default:
		return 0, nil, fmt.Errorf("%w for limits: %#x", ErrInvalidByte, flag)
	}
	return
}

func decodeTableSection(r *bytes.Reader) (*Table, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	} else if n > 1 {
		return nil, fmt.Errorf("%w: multiple tables", ErrUnsupportedFeature)
	} else if n == 0 {
		return nil, nil
	}
	if b, err := r.ReadByte(); err != nil {
		return nil, err
	} else if b != refTypeFuncref {
		return nil, fmt.Errorf("%w: table element type %#x", ErrUnsupportedFeature, b)
	}
	min, max, err := decodeLimits(r)
	if err != nil {
		return nil, err
	}
	return &Table{Min: min, Max: max}, nil
}

func decodeMemorySection(r *bytes.Reader) (*Memory, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	} else if n > 1 {
		return nil, fmt.Errorf("%w: multiple memories", ErrUnsupportedFeature)
	} else if n == 0 {
		return nil, nil
	}
	min, max, err := decodeLimits(r)
	if err != nil {
		return nil, err
	}
	mem := &Memory{Min: min, Max: MemoryMaxPages}
	if max != nil {
		mem.Max, mem.IsMaxEncoded = *max, true
	}
	if mem.Min > mem.Max || mem.Max > MemoryMaxPages {
		return nil, fmt.Errorf("invalid memory limits: min=%d max=%d", mem.Min, mem.Max)
	}
	return mem, nil
}

func decodeGlobalSection(r *bytes.Reader) ([]Global, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]Global, n)
	for i := range ret {
		if ret[i].Type.ValType, err = decodeValueType(r); err != nil {
			return nil, fmt.Errorf("read global type: %w", err)
		}
		mut, err := r.ReadByte()
		if err != nil {
			return nil, err
		} else if mut > 1 {
			return nil, fmt.Errorf("%w for mutability: %#x", ErrInvalidByte, mut)
		}
		ret[i].Type.Mutable = mut == 1
		if ret[i].Init, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("get init expression: %w", err)
		}
	}
	return ret, nil
}

func decodeExportSection(r *bytes.Reader) ([]Export, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]Export, n)
	seen := make(map[string]struct{}, n)
	for i := range ret {
		if ret[i].Name, err = decodeName(r); err != nil {
			return nil, fmt.Errorf("read export name: %w", err)
		}
		if _, dup := seen[ret[i].Name]; dup {
			return nil, fmt.Errorf("export[%d] duplicates name %q", i, ret[i].Name)
		}
		seen[ret[i].Name] = struct{}{}
		if ret[i].Type, err = r.ReadByte(); err != nil {
			return nil, err
		} else if ret[i].Type > ExternTypeGlobal {
			return nil, fmt.Errorf("%w for export kind: %#x", ErrInvalidByte, ret[i].Type)
		}
		if ret[i].Index, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read export index: %w", err)
		}
	}
	return ret, nil
}

func decodeElementSection(r *bytes.Reader) ([]ElementSegment, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]ElementSegment, n)
	for i := range ret {
		flag, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		} else if flag != 0 {
			return nil, fmt.Errorf("%w: element segment flag %d", ErrUnsupportedFeature, flag)
		}
		if ret[i].OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
		if ret[i].Init, err = decodeIndexVector(r); err != nil {
			return nil, fmt.Errorf("read element indexes: %w", err)
		}
	}
	return ret, nil
}

func decodeCodeSection(r *bytes.Reader) ([]Code, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]Code, n)
	for i := range ret {
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get the size of code: %w", err)
		}
		if int(size) > r.Len() {
			return nil, io.ErrUnexpectedEOF
		}
		body := make([]byte, size)
		if _, err = io.ReadFull(r, body); err != nil {
			return nil, err
		}
		br := bytes.NewReader(body)

		groups, err := decodeVectorLen(br)
		if err != nil {
			return nil, fmt.Errorf("get the size of locals: %w", err)
		}
		var total uint64
		for g := uint32(0); g < groups; g++ {
			count, _, err := leb128.DecodeUint32(br)
			if err != nil {
				return nil, fmt.Errorf("read n of locals: %w", err)
			}
			if total += uint64(count); total > 50000 {
				return nil, fmt.Errorf("too many locals: %d", total)
			}
			vt, err := decodeValueType(br)
			if err != nil {
				return nil, fmt.Errorf("read type of local: %w", err)
			}
			for j := uint32(0); j < count; j++ {
				ret[i].LocalTypes = append(ret[i].LocalTypes, vt)
			}
		}
		ret[i].Body = body[len(body)-br.Len():]
		if len(ret[i].Body) == 0 || ret[i].Body[len(ret[i].Body)-1] != OpcodeEnd {
			return nil, fmt.Errorf("expr not end with OpcodeEnd")
		}
	}
	return ret, nil
}

func decodeDataSection(r *bytes.Reader) ([]DataSegment, error) {
	n, err := decodeVectorLen(r)
	if err != nil {
		return nil, err
	}
	ret := make([]DataSegment, n)
	for i := range ret {
		flag, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, err
		} else if flag != 0 {
			return nil, fmt.Errorf("%w: data segment flag %d", ErrUnsupportedFeature, flag)
		}
		if ret[i].OffsetExpression, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
		size, err := decodeVectorLen(r)
		if err != nil {
			return nil, err
		}
		ret[i].Init = make([]byte, size)
		if _, err = io.ReadFull(r, ret[i].Init); err != nil {
			return nil, fmt.Errorf("read bytes for init: %w", err)
		}
	}
	return ret, nil
}

// decodeCustomSection records the function names of the "name" section and skips any other custom section.
func (m *Module) decodeCustomSection(r *bytes.Reader) error {
	name, err := decodeName(r)
	if err != nil {
		return err
	} else if name != "name" {
		return nil
	}
	ns := &NameSection{FunctionNames: map[Index]string{}}
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read subsection ID: %w", err)
		}
		size, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return fmt.Errorf("failed to read the size of subsection %d: %w", id, err)
		}
		switch id {
		case 0:
			if ns.ModuleName, err = decodeName(r); err != nil {
				return fmt.Errorf("failed to read module name: %w", err)
			}
		case 1:
			n, err := decodeVectorLen(r)
			if err != nil {
				return fmt.Errorf("failed to read the size of name vector: %w", err)
			}
			for i := uint32(0); i < n; i++ {
				idx, _, err := leb128.DecodeUint32(r)
				if err != nil {
					return fmt.Errorf("failed to read function index: %w", err)
				}
				fn, err := decodeName(r)
				if err != nil {
					return fmt.Errorf("failed to read function name: %w", err)
				}
				ns.FunctionNames[idx] = fn
			}
		default:
			// Skip other subsections.
			if _, err = r.Seek(int64(size), io.SeekCurrent); err != nil {
				return fmt.Errorf("failed to skip subsection %d: %w", id, err)
			}
		}
	}
	m.NameSection = ns
	return nil
}

package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wasmsnap/wasmsnap/internal/leb128"
)

// ConstantExpression is an initializer of a global, element or data segment.
type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// I32Const returns a constant expression of an i32.const instruction.
func I32Const(v int32) ConstantExpression {
	return ConstantExpression{Opcode: OpcodeI32Const, Data: leb128.EncodeInt32(v)}
}

// I64Const returns a constant expression of an i64.const instruction.
func I64Const(v int64) ConstantExpression {
	return ConstantExpression{Opcode: OpcodeI64Const, Data: leb128.EncodeInt64(v)}
}

// Eval returns the raw value of the expression. globals holds the values of the globals initialized so far, which
// global.get may refer to.
func (c *ConstantExpression) Eval(globals []uint64) (uint64, error) {
	switch c.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.LoadInt32(c.Data)
		if err != nil {
			return 0, fmt.Errorf("read i32: %w", err)
		}
		return uint64(uint32(v)), nil
	case OpcodeI64Const:
		v, _, err := leb128.LoadInt64(c.Data)
		if err != nil {
			return 0, fmt.Errorf("read i64: %w", err)
		}
		return uint64(v), nil
	case OpcodeF32Const:
		if len(c.Data) < 4 {
			return 0, io.ErrUnexpectedEOF
		}
		return uint64(binary.LittleEndian.Uint32(c.Data)), nil
	case OpcodeF64Const:
		if len(c.Data) < 8 {
			return 0, io.ErrUnexpectedEOF
		}
		return binary.LittleEndian.Uint64(c.Data), nil
	case OpcodeGlobalGet:
		idx, _, err := leb128.LoadUint32(c.Data)
		if err != nil {
			return 0, fmt.Errorf("read global index: %w", err)
		}
		if idx >= uint32(len(globals)) {
			return 0, fmt.Errorf("global index %d out of range", idx)
		}
		return globals[idx], nil
	default:
		return 0, fmt.Errorf("%w for const expression opcode: %#x", ErrInvalidByte, c.Opcode)
	}
}

func decodeConstantExpression(r *bytes.Reader) (ConstantExpression, error) {
	opcode, err := r.ReadByte()
	if err != nil {
		return ConstantExpression{}, fmt.Errorf("read opcode: %v", err)
	}
	start := r.Len()
	switch opcode {
	case OpcodeI32Const:
		_, _, err = leb128.DecodeInt32(r)
	case OpcodeI64Const:
		_, _, err = leb128.DecodeInt64(r)
	case OpcodeF32Const:
		_, err = r.Seek(4, io.SeekCurrent)
	case OpcodeF64Const:
		_, err = r.Seek(8, io.SeekCurrent)
	case OpcodeGlobalGet:
		_, _, err = leb128.DecodeUint32(r)
	default:
		return ConstantExpression{}, fmt.Errorf("%v for const expression opcode: %#x", ErrInvalidByte, opcode)
	}
	if err != nil {
		return ConstantExpression{}, fmt.Errorf("read value: %v", err)
	}
	n := start - r.Len()
	if r.Len() < 1 {
		return ConstantExpression{}, fmt.Errorf("look for end opcode: %v", io.ErrUnexpectedEOF)
	}
	// Rewind to copy the immediate bytes.
	if _, err = r.Seek(int64(-n), io.SeekCurrent); err != nil {
		return ConstantExpression{}, err
	}
	data := make([]byte, n)
	if _, err = io.ReadFull(r, data); err != nil {
		return ConstantExpression{}, err
	}
	if end, _ := r.ReadByte(); end != OpcodeEnd {
		return ConstantExpression{}, fmt.Errorf("constant expression has been not terminated")
	}
	return ConstantExpression{Opcode: opcode, Data: data}, nil
}

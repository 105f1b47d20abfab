package frontend

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"github.com/wasmsnap/wasmsnap/internal/engine/ir"
	"github.com/wasmsnap/wasmsnap/internal/leb128"
	"github.com/wasmsnap/wasmsnap/wasm"
)

// headerWasmOffset is the WebAssembly offset of the function header suspend point.
const headerWasmOffset = math.MaxUint64

type (
	// loweringState is used to keep the state of lowering.
	loweringState struct {
		// types holds the types on the Wasm stack. The value at depth d lives in ir.Stack(d).
		types            []wasm.ValueType
		controlFrames    []controlFrame
		unreachable      bool
		unreachableDepth int
		// pc is the offset of the next byte to read, and opOffset the offset of the current opcode.
		pc, opOffset int
	}
	controlFrame struct {
		kind controlFrameKind
		// resetDepth is the Wasm stack depth when entering the frame. The result of the frame, if any, is merged
		// into ir.Stack(resetDepth).
		resetDepth int
		// result is the type of the single result, or zero.
		result wasm.ValueType
		// following is the block entered when reaching "end" of the frame.
		following *ir.Block
		// loopHeader is the target of branches to a loop frame.
		loopHeader *ir.Block
		// elseBlk is the block entered when the condition of an if frame is zero.
		elseBlk *ir.Block
		// reached is true once any edge into following exists.
		reached bool
	}

	controlFrameKind byte
)

const (
	controlFrameKindFunction controlFrameKind = iota + 1
	controlFrameKindLoop
	controlFrameKindIfWithElse
	controlFrameKindIfWithoutElse
	controlFrameKindBlock
)

var controlFrameKindNames = [...]string{
	controlFrameKindFunction:      "func",
	controlFrameKindLoop:          "loop",
	controlFrameKindIfWithElse:    "if/else",
	controlFrameKindIfWithoutElse: "if",
	controlFrameKindBlock:         "block",
}

// String implements fmt.Stringer.
func (k controlFrameKind) String() string {
	if int(k) < len(controlFrameKindNames) && controlFrameKindNames[k] != "" {
		return controlFrameKindNames[k]
	}
	return fmt.Sprintf("frame(%d)", byte(k))
}

// String renders the operand types and open frames, each with the depth its result merges into.
func (l *loweringState) String() string {
	var b strings.Builder
	b.WriteString("operands [")
	for i, t := range l.types {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(api.ValueTypeName(t))
	}
	b.WriteString("] frames [")
	for i := range l.controlFrames {
		if i > 0 {
			b.WriteByte(' ')
		}
		f := &l.controlFrames[i]
		fmt.Fprintf(&b, "%s@%d", f.kind, f.resetDepth)
	}
	b.WriteByte(']')
	if l.unreachable {
		fmt.Fprintf(&b, " skipping %d", l.unreachableDepth)
	}
	return b.String()
}

func (l *loweringState) reset() {
	l.types = l.types[:0]
	l.controlFrames = l.controlFrames[:0]
	l.pc, l.opOffset = 0, 0
	l.unreachable = false
	l.unreachableDepth = 0
}

func (l *loweringState) ctrlPop() (ret controlFrame) {
	tail := len(l.controlFrames) - 1
	ret = l.controlFrames[tail]
	l.controlFrames = l.controlFrames[:tail]
	return
}

func (l *loweringState) ctrlPush(ret controlFrame) {
	l.controlFrames = append(l.controlFrames, ret)
}

func (l *loweringState) ctrlPeekAt(n int) (ret *controlFrame) {
	tail := len(l.controlFrames) - 1
	return &l.controlFrames[tail-n]
}

func (c *Compiler) push(t wasm.ValueType) ir.Slot {
	state := &c.loweringState
	d := len(state.types)
	state.types = append(state.types, t)
	if d+1 > c.fn.MaxDepth {
		c.fn.MaxDepth = d + 1
	}
	return ir.Stack(d)
}

func (c *Compiler) pop() (ir.Slot, wasm.ValueType, error) {
	state := &c.loweringState
	tail := len(state.types) - 1
	if tail < state.ctrlPeekAt(0).resetDepth {
		return ir.Slot{}, 0, fmt.Errorf("%w: operand stack underflow", ErrMalformed)
	}
	t := state.types[tail]
	state.types = state.types[:tail]
	return ir.Stack(tail), t, nil
}

func (c *Compiler) peek() (ir.Slot, wasm.ValueType, error) {
	state := &c.loweringState
	tail := len(state.types) - 1
	if tail < state.ctrlPeekAt(0).resetDepth {
		return ir.Slot{}, 0, fmt.Errorf("%w: operand stack underflow", ErrMalformed)
	}
	return ir.Stack(tail), state.types[tail], nil
}

func (c *Compiler) insert(instr ir.Instruction) {
	c.builder.Insert(instr)
}

// suspend returns the suspend descriptor of the current instruction.
func (c *Compiler) suspend(depth, argBase int) *ir.Suspend {
	return &ir.Suspend{WasmOffset: uint64(c.loweringState.opOffset), Depth: depth, ArgBase: argBase}
}

func (c *Compiler) lowerCurrentOpcode() error {
	state := &c.loweringState
	state.opOffset = state.pc
	op := c.body[state.pc]
	state.pc++

	builder := c.builder
	switch op {
	case wasm.OpcodeUnreachable:
		if state.unreachable {
			break
		}
		c.insert(ir.Instruction{Op: ir.OpcodeUnreachable, Suspend: c.suspend(len(state.types), len(state.types))})
		state.unreachable = true

	case wasm.OpcodeNop:

	case wasm.OpcodeBlock:
		bt, err := c.readBlockType()
		if err != nil {
			return err
		}
		if state.unreachable {
			state.unreachableDepth++
			break
		}
		state.ctrlPush(controlFrame{
			kind:       controlFrameKindBlock,
			resetDepth: len(state.types),
			result:     bt,
			following:  builder.AllocateBlock(),
		})

	case wasm.OpcodeLoop:
		bt, err := c.readBlockType()
		if err != nil {
			return err
		}
		if state.unreachable {
			state.unreachableDepth++
			break
		}
		loopHeader, afterLoopBlock := builder.AllocateBlock(), builder.AllocateBlock()
		loopHeader.LoopHeader = true
		builder.InsertJump(loopHeader)
		builder.SetCurrentBlock(loopHeader)
		// Every back edge passes through the poll at the header.
		depth := len(state.types)
		c.insert(ir.Instruction{Op: ir.OpcodePoll, Suspend: c.suspend(depth, depth)})
		state.ctrlPush(controlFrame{
			kind:       controlFrameKindLoop,
			resetDepth: depth,
			result:     bt,
			loopHeader: loopHeader,
			following:  afterLoopBlock,
		})

	case wasm.OpcodeIf:
		bt, err := c.readBlockType()
		if err != nil {
			return err
		}
		if state.unreachable {
			state.unreachableDepth++
			break
		}
		cond, _, err := c.pop()
		if err != nil {
			return err
		}
		thenBlk, elseBlk, followingBlk := builder.AllocateBlock(), builder.AllocateBlock(), builder.AllocateBlock()
		builder.InsertBrIf(cond, thenBlk, elseBlk)
		state.ctrlPush(controlFrame{
			kind:       controlFrameKindIfWithoutElse,
			resetDepth: len(state.types),
			result:     bt,
			following:  followingBlk,
			elseBlk:    elseBlk,
		})
		builder.SetCurrentBlock(thenBlk)

	case wasm.OpcodeElse:
		if state.unreachable && state.unreachableDepth > 0 {
			// The whole if is unreachable, so is its else arm.
			break
		}
		ifctrl := state.ctrlPeekAt(0)
		if ifctrl.kind != controlFrameKindIfWithoutElse {
			return fmt.Errorf("%w: else without if", ErrMalformed)
		}
		ifctrl.kind = controlFrameKindIfWithElse
		if !state.unreachable {
			if err := c.insertFallthrough(ifctrl); err != nil {
				return err
			}
		} else {
			state.unreachable = false
		}
		// Reset the stack so that we can correctly handle the else block.
		state.types = state.types[:ifctrl.resetDepth]
		builder.SetCurrentBlock(ifctrl.elseBlk)

	case wasm.OpcodeEnd:
		if state.unreachableDepth > 0 {
			state.unreachableDepth--
			break
		}
		ctrl := state.ctrlPeekAt(0)
		if !state.unreachable {
			if err := c.insertFallthrough(ctrl); err != nil {
				return err
			}
		} else { // recover from the unreachable state.
			state.unreachable = false
		}
		frame := state.ctrlPop()

		switch frame.kind {
		case controlFrameKindFunction:
			return nil // This is the very end of function.
		case controlFrameKindIfWithoutElse:
			if frame.result != 0 {
				return fmt.Errorf("%w: if without else must not have a result", ErrMalformed)
			}
			// The implicit else arm falls through to the following block.
			builder.SetCurrentBlock(frame.elseBlk)
			builder.InsertJump(frame.following)
			frame.reached = true
		}

		state.types = state.types[:frame.resetDepth]
		builder.SetCurrentBlock(frame.following)
		if frame.result != 0 {
			c.push(frame.result)
		}
		if !frame.reached {
			// Nothing jumps here: the result above is a placeholder that keeps the depth accounting.
			state.unreachable = true
		}

	case wasm.OpcodeBr:
		labelIndex, err := c.readU32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		target, err := c.branchTarget(labelIndex)
		if err != nil {
			return err
		}
		if err = c.insertBranch(target); err != nil {
			return err
		}
		state.unreachable = true

	case wasm.OpcodeBrIf:
		labelIndex, err := c.readU32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		cond, _, err := c.pop()
		if err != nil {
			return err
		}
		target, err := c.branchTarget(labelIndex)
		if err != nil {
			return err
		}
		edge, err := c.branchNeedsEdge(target)
		if err != nil {
			return err
		}
		cont := builder.AllocateBlock()
		if edge {
			edgeBlk := builder.AllocateBlock()
			builder.InsertBrIf(cond, edgeBlk, cont)
			builder.SetCurrentBlock(edgeBlk)
			if err = c.insertBranch(target); err != nil {
				return err
			}
		} else {
			builder.InsertBrIf(cond, c.branchDestination(target), cont)
		}
		builder.SetCurrentBlock(cont)

	case wasm.OpcodeBrTable:
		labelCount, err := c.readU32()
		if err != nil {
			return err
		}
		if int(labelCount) > len(c.body)-state.pc {
			return fmt.Errorf("%w: br_table of %d labels exceeds the body", ErrMalformed, labelCount)
		}
		labels := make([]uint32, labelCount+1)
		for i := range labels {
			if labels[i], err = c.readU32(); err != nil {
				return err
			}
		}
		if state.unreachable {
			break
		}
		index, _, err := c.pop()
		if err != nil {
			return err
		}
		if err = c.lowerBrTable(index, labels); err != nil {
			return err
		}
		state.unreachable = true

	case wasm.OpcodeReturn:
		if state.unreachable {
			break
		}
		if err := c.insertBranch(&state.controlFrames[0]); err != nil {
			return err
		}
		state.unreachable = true

	case wasm.OpcodeCall:
		fnIndex, err := c.readU32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		typeIndex, ok := c.m.TypeOfFunction(fnIndex)
		if !ok {
			return fmt.Errorf("%w: call to unknown function %d", ErrMalformed, fnIndex)
		}
		return c.lowerCall(ir.Instruction{Op: ir.OpcodeCall, Imm: uint64(fnIndex)}, &c.m.TypeSection[typeIndex], false)

	case wasm.OpcodeCallIndirect:
		typeIndex, err := c.readU32()
		if err != nil {
			return err
		}
		tableIndex, err := c.readU32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		if tableIndex != 0 || c.m.TableSection == nil {
			return fmt.Errorf("%w: call_indirect to undefined table %d", ErrMalformed, tableIndex)
		}
		if typeIndex >= uint32(len(c.m.TypeSection)) {
			return fmt.Errorf("%w: call_indirect of unknown type %d", ErrMalformed, typeIndex)
		}
		return c.lowerCall(ir.Instruction{
			Op:   ir.OpcodeCallIndirect,
			Imm:  uint64(typeIndex),
			Imm2: uint64(c.sigIDs[typeIndex]),
		}, &c.m.TypeSection[typeIndex], true)

	case wasm.OpcodeDrop:
		if state.unreachable {
			break
		}
		if _, _, err := c.pop(); err != nil {
			return err
		}

	case wasm.OpcodeSelect, wasm.OpcodeTypedSelect:
		if op == wasm.OpcodeTypedSelect {
			n, err := c.readU32()
			if err != nil {
				return err
			}
			if n != 1 {
				return fmt.Errorf("%w: typed select with %d types", ErrUnsupported, n)
			}
			if _, err = c.readValueType(); err != nil {
				return err
			}
		}
		if state.unreachable {
			break
		}
		cond, _, err := c.pop()
		if err != nil {
			return err
		}
		y, _, err := c.pop()
		if err != nil {
			return err
		}
		x, typ, err := c.pop()
		if err != nil {
			return err
		}
		dst := c.push(typ)
		c.insert(ir.Instruction{Op: ir.OpcodeSelect, Type: typ, Dst: dst, X: x, Y: y, Z: cond})

	case wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee:
		index, err := c.readU32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		if index >= uint32(len(c.fn.LocalTypes)) {
			return fmt.Errorf("%w: unknown local %d", ErrMalformed, index)
		}
		typ := c.fn.LocalTypes[index]
		switch op {
		case wasm.OpcodeLocalGet:
			dst := c.push(typ)
			c.insert(ir.Instruction{Op: ir.OpcodeMove, Type: typ, Dst: dst, X: ir.Local(int(index))})
		case wasm.OpcodeLocalSet:
			src, _, err := c.pop()
			if err != nil {
				return err
			}
			c.insert(ir.Instruction{Op: ir.OpcodeMove, Type: typ, Dst: ir.Local(int(index)), X: src})
			c.fn.WrittenLocals[index] = true
		default:
			src, _, err := c.peek()
			if err != nil {
				return err
			}
			c.insert(ir.Instruction{Op: ir.OpcodeMove, Type: typ, Dst: ir.Local(int(index)), X: src})
			c.fn.WrittenLocals[index] = true
		}

	case wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet:
		index, err := c.readU32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		if index >= uint32(len(c.m.GlobalSection)) {
			return fmt.Errorf("%w: unknown global %d", ErrMalformed, index)
		}
		gt := c.m.GlobalSection[index].Type
		if op == wasm.OpcodeGlobalGet {
			dst := c.push(gt.ValType)
			c.insert(ir.Instruction{Op: ir.OpcodeGlobalGet, Type: gt.ValType, Dst: dst, Imm: uint64(index)})
		} else {
			if !gt.Mutable {
				return fmt.Errorf("%w: global %d is immutable", ErrMalformed, index)
			}
			src, _, err := c.pop()
			if err != nil {
				return err
			}
			c.insert(ir.Instruction{Op: ir.OpcodeGlobalSet, Type: gt.ValType, X: src, Imm: uint64(index)})
		}

	case wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		reserved, err := c.readByte()
		if err != nil {
			return err
		}
		if reserved != 0 {
			return fmt.Errorf("%w: memory index must be zero", ErrMalformed)
		}
		if state.unreachable {
			break
		}
		if c.m.MemorySection == nil {
			return fmt.Errorf("%w: %s without memory", ErrMalformed, wasm.InstructionName(op))
		}
		if op == wasm.OpcodeMemorySize {
			dst := c.push(wasm.ValueTypeI32)
			c.insert(ir.Instruction{Op: ir.OpcodeMemorySize, Type: wasm.ValueTypeI32, Dst: dst})
		} else {
			delta, _, err := c.pop()
			if err != nil {
				return err
			}
			dst := c.push(wasm.ValueTypeI32)
			c.insert(ir.Instruction{Op: ir.OpcodeMemoryGrow, Type: wasm.ValueTypeI32, Dst: dst, X: delta})
		}

	case wasm.OpcodeI32Const:
		v, err := c.readI32()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		c.insertConst(wasm.ValueTypeI32, uint64(uint32(v)))
	case wasm.OpcodeI64Const:
		v, err := c.readI64()
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		c.insertConst(wasm.ValueTypeI64, uint64(v))
	case wasm.OpcodeF32Const:
		v, err := c.readFixed(4)
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		c.insertConst(wasm.ValueTypeF32, v)
	case wasm.OpcodeF64Const:
		v, err := c.readFixed(8)
		if err != nil {
			return err
		}
		if state.unreachable {
			break
		}
		c.insertConst(wasm.ValueTypeF64, v)

	case wasm.OpcodeMiscPrefix:
		sub, err := c.readU32()
		if err != nil {
			return err
		}
		if sub > uint32(wasm.OpcodeMiscI64TruncSatF64U) {
			return fmt.Errorf("%w: misc opcode %#x", ErrUnsupported, sub)
		}
		if state.unreachable {
			break
		}
		return c.lowerConvert(satTruncOps[sub])

	default:
		if m, ok := memoryOps[op]; ok {
			if _, err := c.readU32(); err != nil { // alignment hint
				return err
			}
			offset, err := c.readU32()
			if err != nil {
				return err
			}
			if state.unreachable {
				break
			}
			return c.lowerMemoryAccess(op, m, offset)
		}
		if n, ok := numericOps[op]; ok {
			if state.unreachable {
				break
			}
			return c.lowerNumeric(op, n)
		}
		switch op {
		case 0x06, 0x07, 0x08, 0x09, 0x12, 0x13, 0x25, 0x26, 0xd0, 0xd1, 0xd2, 0xfd, 0xfe:
			return fmt.Errorf("%w: opcode %#x", ErrUnsupported, op)
		}
		return fmt.Errorf("%w: invalid opcode %#x", ErrMalformed, op)
	}
	return nil
}

func (c *Compiler) insertConst(typ wasm.ValueType, v uint64) {
	dst := c.push(typ)
	c.insert(ir.Instruction{Op: ir.OpcodeConst, Type: typ, Dst: dst, Imm: v})
}

// insertFallthrough terminates the current block at the end of ctrl, whose result must be the only value above
// its reset depth. The result is then already in the merge slot.
func (c *Compiler) insertFallthrough(ctrl *controlFrame) error {
	state := &c.loweringState
	arity := 0
	if ctrl.result != 0 {
		arity = 1
	}
	if len(state.types) != ctrl.resetDepth+arity {
		return fmt.Errorf("%w: %d values left at the end of a %s expecting %d", ErrMalformed,
			len(state.types)-ctrl.resetDepth, ctrl.kind, arity)
	}
	if arity == 1 && state.types[ctrl.resetDepth] != ctrl.result {
		return fmt.Errorf("%w: %s result is %s, want %s", ErrMalformed, ctrl.kind,
			api.ValueTypeName(state.types[ctrl.resetDepth]), api.ValueTypeName(ctrl.result))
	}
	if ctrl.kind == controlFrameKindFunction {
		var result ir.Slot
		if arity == 1 {
			result = ir.Stack(ctrl.resetDepth)
		}
		c.builder.InsertReturn(result)
		return nil
	}
	c.builder.InsertJump(ctrl.following)
	ctrl.reached = true
	return nil
}

func (c *Compiler) branchTarget(labelIndex uint32) (*controlFrame, error) {
	if int(labelIndex) >= len(c.loweringState.controlFrames) {
		return nil, fmt.Errorf("%w: branch depth %d out of range", ErrMalformed, labelIndex)
	}
	return c.loweringState.ctrlPeekAt(int(labelIndex)), nil
}

// branchValue returns the slot of the value carried by a branch to target, or ir.Slot{} if none.
func (c *Compiler) branchValue(target *controlFrame) (ir.Slot, error) {
	if target.kind == controlFrameKindLoop || target.result == 0 {
		return ir.Slot{}, nil
	}
	slot, typ, err := c.peek()
	if err != nil {
		return ir.Slot{}, err
	}
	if typ != target.result {
		return ir.Slot{}, fmt.Errorf("%w: branch value is %s, want %s", ErrMalformed, api.ValueTypeName(typ),
			api.ValueTypeName(target.result))
	}
	return slot, nil
}

// branchNeedsEdge returns true if a branch to target requires instructions besides the jump itself.
func (c *Compiler) branchNeedsEdge(target *controlFrame) (bool, error) {
	v, err := c.branchValue(target)
	if err != nil {
		return false, err
	}
	if target.kind == controlFrameKindFunction {
		return true, nil
	}
	return v.Valid() && v != ir.Stack(target.resetDepth), nil
}

// branchDestination returns the block a branch to target jumps to, marking it reached.
func (c *Compiler) branchDestination(target *controlFrame) *ir.Block {
	if target.kind == controlFrameKindLoop {
		return target.loopHeader
	}
	target.reached = true
	return target.following
}

// insertBranch moves the branch value into the merge slot of target and terminates the current block.
func (c *Compiler) insertBranch(target *controlFrame) error {
	v, err := c.branchValue(target)
	if err != nil {
		return err
	}
	if target.kind == controlFrameKindFunction {
		c.builder.InsertReturn(v)
		return nil
	}
	if merge := ir.Stack(target.resetDepth); v.Valid() && v != merge {
		c.insert(ir.Instruction{Op: ir.OpcodeMove, Type: target.result, Dst: merge, X: v})
	}
	c.builder.InsertJump(c.branchDestination(target))
	return nil
}

func (c *Compiler) lowerBrTable(index ir.Slot, labels []uint32) error {
	builder := c.builder
	targets := make([]*ir.Block, len(labels))
	edges := map[uint32]*ir.Block{}
	var edgeLabels []uint32
	for i, label := range labels {
		target, err := c.branchTarget(label)
		if err != nil {
			return err
		}
		edge, err := c.branchNeedsEdge(target)
		if err != nil {
			return err
		}
		if !edge {
			targets[i] = c.branchDestination(target)
			continue
		}
		blk, ok := edges[label]
		if !ok {
			blk = builder.AllocateBlock()
			edges[label] = blk
			edgeLabels = append(edgeLabels, label)
		}
		targets[i] = blk
	}
	builder.InsertBrTable(index, targets)
	for _, label := range edgeLabels {
		builder.SetCurrentBlock(edges[label])
		target, _ := c.branchTarget(label)
		if err := c.insertBranch(target); err != nil {
			return err
		}
	}
	return nil
}

// lowerCall lowers call and call_indirect. The arguments stay on the operand stack until the call returns.
func (c *Compiler) lowerCall(instr ir.Instruction, typ *wasm.FunctionType, indirect bool) error {
	state := &c.loweringState
	if len(typ.Results) > 1 {
		return fmt.Errorf("%w: call to a function with multiple results", ErrUnsupported)
	}
	depth := len(state.types)
	var index ir.Slot
	if indirect {
		var err error
		if index, _, err = c.pop(); err != nil {
			return err
		}
	}
	n := len(typ.Params)
	if len(state.types)-n < state.ctrlPeekAt(0).resetDepth {
		return fmt.Errorf("%w: operand stack underflow at call", ErrMalformed)
	}
	argBase := len(state.types) - n
	state.types = state.types[:argBase]
	if n > c.fn.MaxCallArgs {
		c.fn.MaxCallArgs = n
	}

	if indirect {
		c.insert(ir.Instruction{Op: ir.OpcodeTableBoundsCheck, X: index, Suspend: c.suspend(depth, depth)})
		c.insert(ir.Instruction{Op: ir.OpcodeSignatureCheck, X: index, Imm2: instr.Imm2, Suspend: c.suspend(depth, depth)})
		instr.Y = index
		instr.Imm3 = uint64(n)
	} else {
		instr.Imm2 = uint64(n)
	}
	instr.X = ir.Stack(argBase)
	instr.Suspend = c.suspend(depth, argBase)
	if len(typ.Results) == 1 {
		instr.Type = typ.Results[0]
		instr.Dst = c.push(instr.Type)
	}
	c.insert(instr)
	return nil
}

type memoryOp struct {
	typ    wasm.ValueType
	width  byte
	signed bool
	store  bool
}

var memoryOps = map[wasm.Opcode]memoryOp{
	wasm.OpcodeI32Load:    {typ: wasm.ValueTypeI32, width: 2},
	wasm.OpcodeI64Load:    {typ: wasm.ValueTypeI64, width: 3},
	wasm.OpcodeF32Load:    {typ: wasm.ValueTypeF32, width: 2},
	wasm.OpcodeF64Load:    {typ: wasm.ValueTypeF64, width: 3},
	wasm.OpcodeI32Load8S:  {typ: wasm.ValueTypeI32, width: 0, signed: true},
	wasm.OpcodeI32Load8U:  {typ: wasm.ValueTypeI32, width: 0},
	wasm.OpcodeI32Load16S: {typ: wasm.ValueTypeI32, width: 1, signed: true},
	wasm.OpcodeI32Load16U: {typ: wasm.ValueTypeI32, width: 1},
	wasm.OpcodeI64Load8S:  {typ: wasm.ValueTypeI64, width: 0, signed: true},
	wasm.OpcodeI64Load8U:  {typ: wasm.ValueTypeI64, width: 0},
	wasm.OpcodeI64Load16S: {typ: wasm.ValueTypeI64, width: 1, signed: true},
	wasm.OpcodeI64Load16U: {typ: wasm.ValueTypeI64, width: 1},
	wasm.OpcodeI64Load32S: {typ: wasm.ValueTypeI64, width: 2, signed: true},
	wasm.OpcodeI64Load32U: {typ: wasm.ValueTypeI64, width: 2},
	wasm.OpcodeI32Store:   {typ: wasm.ValueTypeI32, width: 2, store: true},
	wasm.OpcodeI64Store:   {typ: wasm.ValueTypeI64, width: 3, store: true},
	wasm.OpcodeF32Store:   {typ: wasm.ValueTypeF32, width: 2, store: true},
	wasm.OpcodeF64Store:   {typ: wasm.ValueTypeF64, width: 3, store: true},
	wasm.OpcodeI32Store8:  {typ: wasm.ValueTypeI32, width: 0, store: true},
	wasm.OpcodeI32Store16: {typ: wasm.ValueTypeI32, width: 1, store: true},
	wasm.OpcodeI64Store8:  {typ: wasm.ValueTypeI64, width: 0, store: true},
	wasm.OpcodeI64Store16: {typ: wasm.ValueTypeI64, width: 1, store: true},
	wasm.OpcodeI64Store32: {typ: wasm.ValueTypeI64, width: 2, store: true},
}

// lowerMemoryAccess emits the bounds check of the effective address followed by the access itself.
func (c *Compiler) lowerMemoryAccess(op wasm.Opcode, m memoryOp, offset uint32) error {
	if c.m.MemorySection == nil {
		return fmt.Errorf("%w: %s without memory", ErrMalformed, wasm.InstructionName(op))
	}
	depth := len(c.loweringState.types)
	var value ir.Slot
	if m.store {
		var err error
		if value, _, err = c.pop(); err != nil {
			return err
		}
	}
	addr, _, err := c.pop()
	if err != nil {
		return err
	}
	c.insert(ir.Instruction{
		Op: ir.OpcodeBoundsCheck, X: addr, Imm: uint64(offset), Imm2: 1 << m.width,
		Suspend: c.suspend(depth, depth),
	})
	if m.store {
		c.insert(ir.Instruction{Op: ir.OpcodeStore, Type: m.typ, Kind: m.width, X: addr, Y: value, Imm: uint64(offset)})
		return nil
	}
	kind := m.width
	if m.signed {
		kind |= ir.LoadSigned
	}
	dst := c.push(m.typ)
	c.insert(ir.Instruction{Op: ir.OpcodeLoad, Type: m.typ, Kind: kind, Dst: dst, X: addr, Imm: uint64(offset)})
	return nil
}

// readBlockType returns the single result type of a block, or zero for an empty block type.
func (c *Compiler) readBlockType() (wasm.ValueType, error) {
	state := &c.loweringState
	raw, n, err := leb128.DecodeInt33AsInt64(bytes.NewReader(c.body[state.pc:]))
	if err != nil {
		return 0, fmt.Errorf("%w: read block type: %v", ErrMalformed, err)
	}
	state.pc += int(n)
	switch raw {
	case -64: // 0x40
		return 0, nil
	case -1: // 0x7f
		return wasm.ValueTypeI32, nil
	case -2: // 0x7e
		return wasm.ValueTypeI64, nil
	case -3: // 0x7d
		return wasm.ValueTypeF32, nil
	case -4: // 0x7c
		return wasm.ValueTypeF64, nil
	}
	if raw >= 0 {
		return 0, fmt.Errorf("%w: block type index %d", ErrUnsupported, raw)
	}
	return 0, fmt.Errorf("%w: block type %#x", ErrUnsupported, byte(raw)&0x7f)
}

func (c *Compiler) readValueType() (wasm.ValueType, error) {
	b, err := c.readByte()
	if err != nil {
		return 0, err
	}
	switch b {
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64:
		return b, nil
	}
	return 0, fmt.Errorf("%w: value type %#x", ErrUnsupported, b)
}

func (c *Compiler) readByte() (byte, error) {
	state := &c.loweringState
	if state.pc >= len(c.body) {
		return 0, fmt.Errorf("%w: unexpected end of body", ErrMalformed)
	}
	b := c.body[state.pc]
	state.pc++
	return b, nil
}

func (c *Compiler) readU32() (uint32, error) {
	state := &c.loweringState
	v, n, err := leb128.LoadUint32(c.body[state.pc:])
	if err != nil {
		return 0, fmt.Errorf("%w: read immediate: %v", ErrMalformed, err)
	}
	state.pc += int(n)
	return v, nil
}

func (c *Compiler) readI32() (int32, error) {
	state := &c.loweringState
	v, n, err := leb128.LoadInt32(c.body[state.pc:])
	if err != nil {
		return 0, fmt.Errorf("%w: read immediate: %v", ErrMalformed, err)
	}
	state.pc += int(n)
	return v, nil
}

func (c *Compiler) readI64() (int64, error) {
	state := &c.loweringState
	v, n, err := leb128.LoadInt64(c.body[state.pc:])
	if err != nil {
		return 0, fmt.Errorf("%w: read immediate: %v", ErrMalformed, err)
	}
	state.pc += int(n)
	return v, nil
}

// readFixed reads a little-endian immediate of size 4 or 8 bytes.
func (c *Compiler) readFixed(size int) (uint64, error) {
	state := &c.loweringState
	if len(c.body)-state.pc < size {
		return 0, fmt.Errorf("%w: unexpected end of body", ErrMalformed)
	}
	raw := c.body[state.pc : state.pc+size]
	state.pc += size
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(raw)), nil
	}
	return binary.LittleEndian.Uint64(raw), nil
}

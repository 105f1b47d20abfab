package ir

import (
	"fmt"
	"strings"

	"github.com/wasmsnap/wasmsnap/wasm"
)

// Block is a basic block: a sequence of instructions ending with exactly one terminator.
type Block struct {
	ID     BlockID
	Instrs []Instruction
	Preds  []BlockID
	// LoopHeader is true if the block is the target of a loop's back edges.
	LoopHeader bool
}

// Terminator returns the last instruction of blk, or nil if it has none.
func (blk *Block) Terminator() *Instruction {
	if n := len(blk.Instrs); n > 0 && blk.Instrs[n-1].IsTerminator() {
		return &blk.Instrs[n-1]
	}
	return nil
}

// Function is a lowered function body.
type Function struct {
	// Index is the function index in the module's function index namespace.
	Index wasm.Index
	// LocalIndex is the index among the module-defined functions.
	LocalIndex int
	Type       *wasm.FunctionType
	// LocalTypes lists the types of all locals, parameters first.
	LocalTypes []wasm.ValueType
	// Blocks are in creation order. Blocks[0] is the entry.
	Blocks []*Block
	// MaxDepth is the maximum operand stack depth.
	MaxDepth int
	// MaxCallArgs is the maximum number of arguments of a call in the body.
	MaxCallArgs int
	// WrittenLocals marks the locals written by local.set or local.tee.
	WrittenLocals []bool
}

// Entry returns the entry block.
func (f *Function) Entry() *Block {
	return f.Blocks[0]
}

// ResultType returns the result type and true if the function returns a value.
func (f *Function) ResultType() (wasm.ValueType, bool) {
	if len(f.Type.Results) == 0 {
		return 0, false
	}
	return f.Type.Results[0], true
}

// Block returns the block with the given ID.
func (f *Function) Block(id BlockID) *Block {
	for _, blk := range f.Blocks {
		if blk.ID == id {
			return blk
		}
	}
	return nil
}

// Format returns a human readable form of the function.
func (f *Function) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "func[%d] %s locals=%d max_depth=%d\n", f.Index, f.Type, len(f.LocalTypes), f.MaxDepth)
	for _, blk := range f.Blocks {
		fmt.Fprintf(&b, "blk%d:", blk.ID)
		if blk.LoopHeader {
			b.WriteString(" (loop)")
		}
		if len(blk.Preds) > 0 {
			b.WriteString(" <-- (")
			for i, p := range blk.Preds {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "blk%d", p)
			}
			b.WriteByte(')')
		}
		b.WriteByte('\n')
		for i := range blk.Instrs {
			b.WriteByte('\t')
			b.WriteString(blk.Instrs[i].Format())
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (f *Function) calculatePredecessors() {
	byID := make(map[BlockID]*Block, len(f.Blocks))
	for _, blk := range f.Blocks {
		blk.Preds = blk.Preds[:0]
		byID[blk.ID] = blk
	}
	var succs []BlockID
	for _, blk := range f.Blocks {
		term := blk.Terminator()
		if term == nil {
			continue
		}
		succs = term.Succs(succs[:0])
		for _, s := range succs {
			if dst := byID[s]; dst != nil && !containsBlockID(dst.Preds, blk.ID) {
				dst.Preds = append(dst.Preds, blk.ID)
			}
		}
	}
}

func containsBlockID(ids []BlockID, id BlockID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

package ir

import (
	"github.com/wasmsnap/wasmsnap/internal/engine/engineapi"
)

// Builder appends instructions to the blocks of one Function at a time. A Builder is reused across functions; the
// Function returned by Finish stays valid until the next Init.
type Builder struct {
	fn         *Function
	cur        *Block
	blocksPool engineapi.Pool[Block]
}

// NewBuilder returns a Builder.
func NewBuilder() *Builder {
	return &Builder{blocksPool: engineapi.NewPool[Block]()}
}

// Init starts building fn, allocating its entry block as the current block.
func (b *Builder) Init(fn *Function) {
	b.blocksPool.Reset()
	b.fn = fn
	fn.Blocks = fn.Blocks[:0]
	b.cur = b.AllocateBlock()
}

// AllocateBlock returns a new empty block.
func (b *Builder) AllocateBlock() *Block {
	blk := b.blocksPool.Allocate()
	blk.ID = BlockID(len(b.fn.Blocks))
	b.fn.Blocks = append(b.fn.Blocks, blk)
	return blk
}

// SetCurrentBlock makes blk the block instructions are appended to.
func (b *Builder) SetCurrentBlock(blk *Block) {
	b.cur = blk
}

// CurrentBlock returns the block instructions are appended to.
func (b *Builder) CurrentBlock() *Block {
	return b.cur
}

// Terminated returns true if the current block already ends with a terminator.
func (b *Builder) Terminated() bool {
	return b.cur.Terminator() != nil
}

// Insert appends instr to the current block. Instructions after a terminator are dropped.
func (b *Builder) Insert(instr Instruction) {
	if b.Terminated() {
		return
	}
	b.cur.Instrs = append(b.cur.Instrs, instr)
}

// InsertJump terminates the current block with a jump to target.
func (b *Builder) InsertJump(target *Block) {
	b.Insert(Instruction{Op: OpcodeJump, Target: target.ID})
}

// InsertBrIf terminates the current block with a conditional branch.
func (b *Builder) InsertBrIf(cond Slot, then, els *Block) {
	b.Insert(Instruction{Op: OpcodeBrIf, X: cond, Target: then.ID, Else: els.ID})
}

// InsertBrTable terminates the current block with a jump table whose last target is the default.
func (b *Builder) InsertBrTable(index Slot, targets []*Block) {
	ids := make([]BlockID, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}
	b.Insert(Instruction{Op: OpcodeBrTable, X: index, Targets: ids})
}

// InsertReturn terminates the current block with a return of result, which may be SlotNone.
func (b *Builder) InsertReturn(result Slot) {
	b.Insert(Instruction{Op: OpcodeReturn, X: result})
}

// Finish terminates any block left open with an unreachable trap and computes the predecessors.
func (b *Builder) Finish() *Function {
	for _, blk := range b.fn.Blocks {
		if blk.Terminator() == nil {
			blk.Instrs = append(blk.Instrs, Instruction{Op: OpcodeUnreachable})
		}
	}
	b.fn.calculatePredecessors()
	return b.fn
}

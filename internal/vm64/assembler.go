package vm64

import (
	"fmt"
	"strings"
)

// Label is a position in the instruction stream that jumps can target before it is bound.
type Label int

type labelFixup struct {
	index int
	label Label
}

// Assembler builds position-independent machine code. All branch targets inside the code are PC-relative, so the
// result can be placed at any address.
type Assembler struct {
	code   []Instruction
	labels []int
	fixups []labelFixup
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Offset returns the offset of the next emitted instruction.
func (a *Assembler) Offset() uint64 {
	return uint64(len(a.code)) * InstructionSize
}

// Emit appends in and returns its offset.
func (a *Assembler) Emit(in Instruction) uint64 {
	off := a.Offset()
	a.code = append(a.code, in)
	return off
}

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind binds l to the next emitted instruction.
func (a *Assembler) Bind(l Label) {
	a.labels[l] = len(a.code)
}

// Bound returns true if l has been bound.
func (a *Assembler) Bound(l Label) bool {
	return a.labels[l] >= 0
}

// Jump emits an OpJmp, OpJz or OpJnz to l.
func (a *Assembler) Jump(op Op, cond Register, l Label) uint64 {
	a.fixups = append(a.fixups, labelFixup{index: len(a.code), label: l})
	return a.Emit(Instruction{Op: op, A: cond})
}

// Patch overwrites the immediate of the instruction at off, for relocations resolved after layout.
func (a *Assembler) Patch(off uint64, imm int64) {
	a.code[off/InstructionSize].Imm = imm
}

func (a *Assembler) MovImm(dst Register, imm int64) {
	a.Emit(Instruction{Op: OpMovImm, A: dst, Imm: imm})
}

func (a *Assembler) Mov(dst, src Register) {
	if dst != src {
		a.Emit(Instruction{Op: OpMov, A: dst, B: src})
	}
}

func (a *Assembler) Load(dst, base Register, disp int64, mode byte) {
	a.Emit(Instruction{Op: OpLoad, A: dst, B: base, Imm: disp, Mode: mode})
}

func (a *Assembler) Load64(dst, base Register, disp int64) {
	a.Load(dst, base, disp, Width64)
}

func (a *Assembler) Store(src, base Register, disp int64, mode byte) {
	a.Emit(Instruction{Op: OpStore, A: src, B: base, Imm: disp, Mode: mode})
}

func (a *Assembler) Store64(src, base Register, disp int64) {
	a.Store(src, base, disp, Width64)
}

func (a *Assembler) AddImm(dst, src Register, imm int64) {
	a.Emit(Instruction{Op: OpAddImm, A: dst, B: src, Imm: imm})
}

// Op3 emits a three-register instruction.
func (a *Assembler) Op3(op Op, mode byte, dst, x, y Register) {
	a.Emit(Instruction{Op: op, A: dst, B: x, C: y, Mode: mode})
}

// Op2 emits a two-register instruction.
func (a *Assembler) Op2(op Op, mode byte, dst, src Register) {
	a.Emit(Instruction{Op: op, A: dst, B: src, Mode: mode})
}

func (a *Assembler) Push(r Register) {
	a.Emit(Instruction{Op: OpPush, A: r})
}

func (a *Assembler) Pop(r Register) {
	a.Emit(Instruction{Op: OpPop, A: r})
}

func (a *Assembler) Trap(code TrapCode) uint64 {
	return a.Emit(Instruction{Op: OpTrap, Imm: int64(code)})
}

// BrTable emits an OpBrTable over targets, the last of which is the default.
func (a *Assembler) BrTable(index Register, targets []Label) {
	a.Emit(Instruction{Op: OpBrTable, A: index, Imm: int64(len(targets) - 1)})
	for _, l := range targets {
		a.Jump(OpJmp, 0, l)
	}
}

// Assemble resolves labels and returns the encoded code.
func (a *Assembler) Assemble() ([]byte, error) {
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("label %d is not bound", f.label)
		}
		a.code[f.index].Imm = int64(target-f.index) * InstructionSize
	}
	buf := make([]byte, len(a.code)*InstructionSize)
	for i := range a.code {
		a.code[i].Encode(buf[i*InstructionSize:])
	}
	return buf, nil
}

// Disassemble renders code one instruction per line, prefixed by its offset.
func Disassemble(code []byte) string {
	var b strings.Builder
	for off := 0; off+InstructionSize <= len(code); off += InstructionSize {
		in := Decode(code[off:])
		fmt.Fprintf(&b, "%04x: %s\n", off, in)
	}
	return b.String()
}

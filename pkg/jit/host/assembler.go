package host

import (
	"encoding/binary"
)

// Fixup is the position of a branch whose target is not known yet.
type Fixup int

// Assembler emits host code into a growable buffer. Offsets it reports are
// absolute arena offsets: the buffer is assembled as if it already sat at
// base, so it can be committed with a single copy.
type Assembler struct {
	buf  []byte
	base uint32
}

// NewAssembler creates an assembler for code that will live at base.
func NewAssembler(base uint32) *Assembler {
	return &Assembler{buf: make([]byte, 0, 4096), base: base}
}

// Reset clears the buffer for a new block at base, keeping its capacity.
func (a *Assembler) Reset(base uint32) {
	a.buf = a.buf[:0]
	a.base = base
}

// Base returns the arena offset of the first emitted instruction.
func (a *Assembler) Base() uint32 { return a.base }

// Offset returns the arena offset of the next instruction.
func (a *Assembler) Offset() uint32 { return a.base + uint32(len(a.buf)) }

// Len returns the number of bytes emitted.
func (a *Assembler) Len() int { return len(a.buf) }

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte { return a.buf }

// Emit appends one instruction and returns its offset.
func (a *Assembler) Emit(i Inst) uint32 {
	off := a.Offset()
	var b [InstSize]byte
	i.Encode(b[:])
	a.buf = append(a.buf, b[:]...)
	return off
}

func (a *Assembler) emitBranch(op Op, ra, rb Reg) Fixup {
	f := Fixup(len(a.buf))
	a.Emit(Inst{Op: op, Ra: ra, Rb: rb})
	return f
}

// SetTarget points a pending branch at target.
func (a *Assembler) SetTarget(f Fixup, target uint32) {
	binary.LittleEndian.PutUint32(a.buf[int(f)+4:], target)
}

// Bind points a pending branch at the current offset.
func (a *Assembler) Bind(f Fixup) { a.SetTarget(f, a.Offset()) }

func (a *Assembler) MovI(rd Reg, imm uint32) { a.Emit(Inst{Op: MovI, Rd: rd, Imm: imm}) }

func (a *Assembler) Mov(rd, ra Reg) {
	if rd != ra {
		a.Emit(Inst{Op: Mov, Rd: rd, Ra: ra})
	}
}

func (a *Assembler) LoadSlot(rd Reg, slot int) {
	a.Emit(Inst{Op: LoadSlot, Rd: rd, Imm: uint32(slot)})
}

func (a *Assembler) StoreSlot(slot int, ra Reg) {
	a.Emit(Inst{Op: StoreSlot, Ra: ra, Imm: uint32(slot)})
}

// ALU emits a three-register operation.
func (a *Assembler) ALU(op Op, rd, ra, rb Reg) { a.Emit(Inst{Op: op, Rd: rd, Ra: ra, Rb: rb}) }

// ALUI emits a register-immediate operation.
func (a *Assembler) ALUI(op Op, rd, ra Reg, imm uint32) {
	a.Emit(Inst{Op: op, Rd: rd, Ra: ra, Imm: imm})
}

// Cmp merges the compare of ra and rb into CR field of rd.
func (a *Assembler) Cmp(rd, ra, rb Reg, field uint32, signed bool) {
	imm := field & 7
	if signed {
		imm |= 8
	}
	a.Emit(Inst{Op: Cmp, Rd: rd, Ra: ra, Rb: rb, Imm: imm})
}

func (a *Assembler) SetCR0(rd, ra Reg) { a.Emit(Inst{Op: SetCR0, Rd: rd, Ra: ra}) }

func (a *Assembler) CRBit(rd, ra Reg, bit uint32) {
	a.Emit(Inst{Op: CRBit, Rd: rd, Ra: ra, Imm: bit})
}

// Load emits rd = mem[base+off] with a Load* op.
func (a *Assembler) Load(op Op, rd, base Reg, off uint32) {
	a.Emit(Inst{Op: op, Rd: rd, Ra: base, Imm: off})
}

// Store emits mem[base+off] = val with a Store* or FStore64 op.
func (a *Assembler) Store(op Op, val, base Reg, off uint32) {
	a.Emit(Inst{Op: op, Rd: val, Ra: base, Imm: off})
}

func (a *Assembler) FLoadSlot(fd Reg, fpr int) {
	a.Emit(Inst{Op: FLoadSlot, Rd: fd, Imm: uint32(fpr)})
}

func (a *Assembler) FStoreSlot(fpr int, fa Reg) {
	a.Emit(Inst{Op: FStoreSlot, Ra: fa, Imm: uint32(fpr)})
}

func (a *Assembler) Jmp(target uint32) { a.Emit(Inst{Op: Jmp, Imm: target}) }

// JmpFixup emits a jump whose target is bound later.
func (a *Assembler) JmpFixup() Fixup { return a.emitBranch(Jmp, 0, 0) }

func (a *Assembler) Bz(ra Reg) Fixup   { return a.emitBranch(Bz, ra, 0) }
func (a *Assembler) Bnz(ra Reg) Fixup  { return a.emitBranch(Bnz, ra, 0) }
func (a *Assembler) Blez(ra Reg) Fixup { return a.emitBranch(Blez, ra, 0) }

// Bexc branches when any exception bit in mask is set.
func (a *Assembler) Bexc(mask uint8) Fixup { return a.emitBranch(Bexc, 0, Reg(mask)) }

func (a *Assembler) Poll() Fixup { return a.emitBranch(Poll, 0, 0) }

func (a *Assembler) Call(helper uint32) { a.Emit(Inst{Op: Call, Imm: helper}) }

func (a *Assembler) Profile(block uint32) { a.Emit(Inst{Op: Profile, Imm: block}) }

// Dispatch emits a patchable exit stub for guest address target and returns
// its offset.
func (a *Assembler) Dispatch(target uint32) uint32 {
	return a.Emit(Inst{Op: Dispatch, Imm: target})
}

// LinkTo emits a direct jump into a block entry and returns its offset.
func (a *Assembler) LinkTo(entry uint32) uint32 {
	return a.Emit(Inst{Op: Link, Imm: entry})
}

func (a *Assembler) ExitReg(ra Reg) { a.Emit(Inst{Op: ExitReg, Ra: ra}) }

func (a *Assembler) Exit(kind ExitKind, pc uint32) {
	a.Emit(Inst{Op: Exit, Rd: Reg(kind), Imm: pc})
}

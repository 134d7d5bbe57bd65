// Package isa describes the guest instruction set: a big-endian, fixed-width
// 32-bit RISC ISA from the PowerPC family. It owns instruction decoding, the
// per-opcode metadata table (cycle cost and flags) shared by the interpreter
// and the recompiler's analyzer, an encoder and a disassembler.
package isa

// Inst is one raw 32-bit guest instruction word.
type Inst uint32

// InstSize is the size of one guest instruction in bytes.
const InstSize = 4

func (i Inst) OPCD() uint32 { return uint32(i) >> 26 }

func (i Inst) RD() int { return int(uint32(i)>>21) & 31 }

func (i Inst) RS() int { return int(uint32(i)>>21) & 31 }

func (i Inst) RA() int { return int(uint32(i)>>16) & 31 }

func (i Inst) RB() int { return int(uint32(i)>>11) & 31 }

// SIMM is the sign-extended 16-bit immediate.
func (i Inst) SIMM() int32 { return int32(int16(uint16(i))) }

// UIMM is the zero-extended 16-bit immediate.
func (i Inst) UIMM() uint32 { return uint32(i) & 0xFFFF }

// SubOp10 is the extended opcode of X/XO-form instructions.
func (i Inst) SubOp10() uint32 { return (uint32(i) >> 1) & 0x3FF }

// SubOp5 is the extended opcode of A-form instructions.
func (i Inst) SubOp5() uint32 { return (uint32(i) >> 1) & 0x1F }

// Rc reports whether the record bit is set (update CR0 or CR1).
func (i Inst) Rc() bool { return uint32(i)&1 != 0 }

// LI is the sign-extended, word-aligned displacement of an I-form branch.
func (i Inst) LI() int32 { return int32(uint32(i)<<6) >> 6 &^ 3 }

func (i Inst) AA() bool { return uint32(i)&2 != 0 }

func (i Inst) LK() bool { return uint32(i)&1 != 0 }

func (i Inst) BO() uint32 { return (uint32(i) >> 21) & 31 }

func (i Inst) BI() uint32 { return (uint32(i) >> 16) & 31 }

// BD is the sign-extended, word-aligned displacement of a B-form branch.
func (i Inst) BD() int32 { return int32(int16(uint16(i) &^ 3)) }

func (i Inst) SH() uint32 { return (uint32(i) >> 11) & 31 }

func (i Inst) MB() uint32 { return (uint32(i) >> 6) & 31 }

func (i Inst) ME() uint32 { return (uint32(i) >> 1) & 31 }

// CRFD is the destination condition register field of a compare.
func (i Inst) CRFD() uint32 { return (uint32(i) >> 23) & 7 }

// SPR decodes the split special-purpose register number.
func (i Inst) SPR() uint32 {
	return ((uint32(i) >> 16) & 0x1F) | (((uint32(i) >> 11) & 0x1F) << 5)
}

// Branch option bits.
const (
	BOIgnoreCR  = 0x10
	BOCRValue   = 0x08
	BOIgnoreCTR = 0x04
	BOCTRZero   = 0x02
	BOAlways    = BOIgnoreCR | BOIgnoreCTR
)

// Special-purpose register numbers.
const (
	SPRXER   = 1
	SPRLR    = 8
	SPRCTR   = 9
	SPRDSISR = 18
	SPRDAR   = 19
	SPRDEC   = 22
	SPRSRR0  = 26
	SPRSRR1  = 27
	SPRSPRG0 = 272
	SPRSPRG1 = 273
	SPRSPRG2 = 274
	SPRSPRG3 = 275
)

// Condition register field bits, in field-relative position.
const (
	CRLT = 8
	CRGT = 4
	CREQ = 2
	CRSO = 1
)

// CRFieldShift is the shift that places field f's four bits in the CR word.
func CRFieldShift(f uint32) uint32 { return 28 - 4*f }

// CRBit extracts condition register bit n (0 is the most significant).
func CRBit(cr, n uint32) bool { return (cr>>(31-n))&1 != 0 }

// Compare computes the four CR field bits for a compare of a against b.
// so is the summary-overflow bit copied from XER.
func Compare(a, b uint32, signed, so bool) uint32 {
	var f uint32
	switch {
	case signed && int32(a) < int32(b), !signed && a < b:
		f = CRLT
	case signed && int32(a) > int32(b), !signed && a > b:
		f = CRGT
	default:
		f = CREQ
	}
	if so {
		f |= CRSO
	}
	return f
}

// SetCRField replaces field f of cr with bits.
func SetCRField(cr, f, bits uint32) uint32 {
	shift := CRFieldShift(f)
	return cr&^(0xF<<shift) | (bits&0xF)<<shift
}

// RotateMask returns the rlwinm mask for the big-endian bit range mb..me.
func RotateMask(mb, me uint32) uint32 {
	begin := uint32(0xFFFFFFFF) >> mb
	end := uint32(0xFFFFFFFF) << (31 - me)
	if mb <= me {
		return begin & end
	}
	return begin | end
}

// BranchTarget resolves the target of an I-form or B-form branch at addr.
func BranchTarget(inst Inst, addr uint32) uint32 {
	var disp int32
	if inst.OPCD() == 18 {
		disp = inst.LI()
	} else {
		disp = inst.BD()
	}
	if inst.AA() {
		return uint32(disp)
	}
	return addr + uint32(disp)
}

// IsUnconditional reports whether a B-form branch always transfers control.
func IsUnconditional(inst Inst) bool {
	return inst.BO()&BOAlways == BOAlways
}

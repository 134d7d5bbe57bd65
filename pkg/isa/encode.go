package isa

// Encoders for building guest programs in tests, the demo image and the
// debug tooling. Register and field arguments are masked to their width.

func dForm(opcd uint32, rt, ra int, imm uint16) Inst {
	return Inst(opcd<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(imm))
}

func xForm(opcd uint32, rt, ra, rb int, sub uint32, rc bool) Inst {
	i := opcd<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(rb&31)<<11 | (sub&0x3FF)<<1
	if rc {
		i |= 1
	}
	return Inst(i)
}

func aForm(frt, fra, frb, frc int, sub uint32) Inst {
	return Inst(63<<26 | uint32(frt&31)<<21 | uint32(fra&31)<<16 | uint32(frb&31)<<11 |
		uint32(frc&31)<<6 | (sub&31)<<1)
}

func Addi(rd, ra int, simm int16) Inst  { return dForm(14, rd, ra, uint16(simm)) }
func Addis(rd, ra int, simm int16) Inst { return dForm(15, rd, ra, uint16(simm)) }
func Mulli(rd, ra int, simm int16) Inst { return dForm(7, rd, ra, uint16(simm)) }

// Li loads a sign-extended 16-bit immediate (addi rd, 0, simm).
func Li(rd int, simm int16) Inst { return Addi(rd, 0, simm) }

// Lis loads a shifted immediate (addis rd, 0, simm).
func Lis(rd int, simm int16) Inst { return Addis(rd, 0, simm) }

func Ori(ra, rs int, uimm uint16) Inst    { return dForm(24, rs, ra, uimm) }
func Oris(ra, rs int, uimm uint16) Inst   { return dForm(25, rs, ra, uimm) }
func Xori(ra, rs int, uimm uint16) Inst   { return dForm(26, rs, ra, uimm) }
func AndiRc(ra, rs int, uimm uint16) Inst { return dForm(28, rs, ra, uimm) }

// Nop is the canonical no-op (ori 0,0,0).
func Nop() Inst { return Ori(0, 0, 0) }

func Cmpwi(crf uint32, ra int, simm int16) Inst {
	return dForm(11, int(crf&7)<<2, ra, uint16(simm))
}

func Cmplwi(crf uint32, ra int, uimm uint16) Inst {
	return dForm(10, int(crf&7)<<2, ra, uimm)
}

func Cmpw(crf uint32, ra, rb int) Inst  { return xForm(31, int(crf&7)<<2, ra, rb, 0, false) }
func Cmplw(crf uint32, ra, rb int) Inst { return xForm(31, int(crf&7)<<2, ra, rb, 32, false) }

func Add(rd, ra, rb int) Inst   { return xForm(31, rd, ra, rb, 266, false) }
func AddRc(rd, ra, rb int) Inst { return xForm(31, rd, ra, rb, 266, true) }
func Subf(rd, ra, rb int) Inst  { return xForm(31, rd, ra, rb, 40, false) }
func Mullw(rd, ra, rb int) Inst { return xForm(31, rd, ra, rb, 235, false) }
func Divw(rd, ra, rb int) Inst  { return xForm(31, rd, ra, rb, 491, false) }
func Divwu(rd, ra, rb int) Inst { return xForm(31, rd, ra, rb, 459, false) }
func Neg(rd, ra int) Inst       { return xForm(31, rd, ra, 0, 104, false) }
func And(ra, rs, rb int) Inst   { return xForm(31, rs, ra, rb, 28, false) }
func Or(ra, rs, rb int) Inst    { return xForm(31, rs, ra, rb, 444, false) }
func Xor(ra, rs, rb int) Inst   { return xForm(31, rs, ra, rb, 316, false) }
func Slw(ra, rs, rb int) Inst   { return xForm(31, rs, ra, rb, 24, false) }
func Srw(ra, rs, rb int) Inst   { return xForm(31, rs, ra, rb, 536, false) }

// Mr copies a register (or rd, rs, rs).
func Mr(rd, rs int) Inst { return Or(rd, rs, rs) }

func Rlwinm(ra, rs int, sh, mb, me uint32) Inst {
	return Inst(21<<26 | uint32(rs&31)<<21 | uint32(ra&31)<<16 | (sh&31)<<11 | (mb&31)<<6 | (me&31)<<1)
}

func Mfspr(rd int, spr uint32) Inst {
	return xForm(31, rd, int(spr&0x1F), int(spr>>5&0x1F), 339, false)
}

func Mtspr(spr uint32, rs int) Inst {
	return xForm(31, rs, int(spr&0x1F), int(spr>>5&0x1F), 467, false)
}

func Mflr(rd int) Inst  { return Mfspr(rd, SPRLR) }
func Mtlr(rs int) Inst  { return Mtspr(SPRLR, rs) }
func Mtctr(rs int) Inst { return Mtspr(SPRCTR, rs) }

func Mfmsr(rd int) Inst    { return xForm(31, rd, 0, 0, 83, false) }
func Mtmsr(rs int) Inst    { return xForm(31, rs, 0, 0, 146, false) }
func Icbi(ra, rb int) Inst { return xForm(31, 0, ra, rb, 982, false) }
func Isync() Inst          { return xForm(19, 0, 0, 0, 150, false) }
func Rfi() Inst            { return xForm(19, 0, 0, 0, 50, false) }
func Sc() Inst             { return Inst(17<<26 | 2) }

func Lwz(rd int, d int16, ra int) Inst   { return dForm(32, rd, ra, uint16(d)) }
func Lwzu(rd int, d int16, ra int) Inst  { return dForm(33, rd, ra, uint16(d)) }
func Lbz(rd int, d int16, ra int) Inst   { return dForm(34, rd, ra, uint16(d)) }
func Lhz(rd int, d int16, ra int) Inst   { return dForm(40, rd, ra, uint16(d)) }
func Lha(rd int, d int16, ra int) Inst   { return dForm(42, rd, ra, uint16(d)) }
func Stw(rs int, d int16, ra int) Inst   { return dForm(36, rs, ra, uint16(d)) }
func Stwu(rs int, d int16, ra int) Inst  { return dForm(37, rs, ra, uint16(d)) }
func Stb(rs int, d int16, ra int) Inst   { return dForm(38, rs, ra, uint16(d)) }
func Sth(rs int, d int16, ra int) Inst   { return dForm(44, rs, ra, uint16(d)) }
func Lfd(frd int, d int16, ra int) Inst  { return dForm(50, frd, ra, uint16(d)) }
func Stfd(frs int, d int16, ra int) Inst { return dForm(54, frs, ra, uint16(d)) }

func Fadd(frd, fra, frb int) Inst { return aForm(frd, fra, frb, 0, 21) }
func Fsub(frd, fra, frb int) Inst { return aForm(frd, fra, frb, 0, 20) }
func Fmul(frd, fra, frc int) Inst { return aForm(frd, fra, 0, frc, 25) }
func Fdiv(frd, fra, frb int) Inst { return aForm(frd, fra, frb, 0, 18) }
func Fmr(frd, frb int) Inst       { return xForm(63, frd, 0, frb, 72, false) }
func Fneg(frd, frb int) Inst      { return xForm(63, frd, 0, frb, 40, false) }

// B encodes a relative branch by disp bytes.
func B(disp int32) Inst { return Inst(18<<26 | uint32(disp)&0x03FFFFFC) }

// Bl encodes a relative branch-and-link.
func Bl(disp int32) Inst { return B(disp) | 1 }

// Ba encodes an absolute branch.
func Ba(target uint32) Inst { return Inst(18<<26 | target&0x03FFFFFC | 2) }

// Bc encodes a conditional relative branch by disp bytes.
func Bc(bo, bi uint32, disp int16) Inst {
	return Inst(16<<26 | (bo&31)<<21 | (bi&31)<<16 | uint32(uint16(disp))&0xFFFC)
}

func Bclr(bo, bi uint32, lk bool) Inst {
	i := xForm(19, int(bo), int(bi), 0, 16, false)
	if lk {
		i |= 1
	}
	return i
}

func Bcctr(bo, bi uint32, lk bool) Inst {
	i := xForm(19, int(bo), int(bi), 0, 528, false)
	if lk {
		i |= 1
	}
	return i
}

// Blr returns to the link register.
func Blr() Inst { return Bclr(BOAlways, 0, false) }

// Bctr jumps to the count register.
func Bctr() Inst { return Bcctr(BOAlways, 0, false) }

// Branch condition helpers for the common BO/BI combinations on field crf.
const (
	condLT = 0
	condGT = 1
	condEQ = 2
)

func Beq(crf uint32, disp int16) Inst { return Bc(BOIgnoreCTR|BOCRValue, crf*4+condEQ, disp) }
func Bne(crf uint32, disp int16) Inst { return Bc(BOIgnoreCTR, crf*4+condEQ, disp) }
func Blt(crf uint32, disp int16) Inst { return Bc(BOIgnoreCTR|BOCRValue, crf*4+condLT, disp) }
func Bge(crf uint32, disp int16) Inst { return Bc(BOIgnoreCTR, crf*4+condLT, disp) }
func Bgt(crf uint32, disp int16) Inst { return Bc(BOIgnoreCTR|BOCRValue, crf*4+condGT, disp) }
func Ble(crf uint32, disp int16) Inst { return Bc(BOIgnoreCTR, crf*4+condGT, disp) }

// Bdnz decrements CTR and branches while it is non-zero.
func Bdnz(disp int16) Inst { return Bc(BOIgnoreCR, 0, disp) }

// Program assembles instruction words into big-endian bytes.
func Program(insts ...Inst) []byte {
	out := make([]byte, 0, len(insts)*InstSize)
	for _, i := range insts {
		out = append(out, byte(i>>24), byte(i>>16), byte(i>>8), byte(i))
	}
	return out
}

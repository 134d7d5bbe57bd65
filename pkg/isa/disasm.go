package isa

import "fmt"

// Disassemble renders inst at addr in assembler syntax.
func Disassemble(inst Inst, addr uint32) string {
	op := Decode(inst)
	name := op.String()
	switch op {
	case OpIllegal:
		return fmt.Sprintf(".long 0x%08x", uint32(inst))
	case OpAddi, OpAddis, OpMulli:
		return fmt.Sprintf("%s r%d, r%d, %d", name, inst.RD(), inst.RA(), inst.SIMM())
	case OpOri, OpOris, OpXori, OpAndiRc:
		if op == OpOri && inst == Nop() {
			return "nop"
		}
		return fmt.Sprintf("%s r%d, r%d, 0x%x", name, inst.RA(), inst.RS(), inst.UIMM())
	case OpCmpi:
		return fmt.Sprintf("cmpwi cr%d, r%d, %d", inst.CRFD(), inst.RA(), inst.SIMM())
	case OpCmpli:
		return fmt.Sprintf("cmplwi cr%d, r%d, 0x%x", inst.CRFD(), inst.RA(), inst.UIMM())
	case OpCmp, OpCmpl:
		return fmt.Sprintf("%sw cr%d, r%d, r%d", name, inst.CRFD(), inst.RA(), inst.RB())
	case OpRlwinm:
		return fmt.Sprintf("rlwinm%s r%d, r%d, %d, %d, %d", dot(inst), inst.RA(), inst.RS(), inst.SH(), inst.MB(), inst.ME())
	case OpAdd, OpSubf, OpMullw, OpDivw, OpDivwu:
		return fmt.Sprintf("%s%s r%d, r%d, r%d", name, dot(inst), inst.RD(), inst.RA(), inst.RB())
	case OpNeg:
		return fmt.Sprintf("neg%s r%d, r%d", dot(inst), inst.RD(), inst.RA())
	case OpAnd, OpOr, OpXor, OpSlw, OpSrw:
		if op == OpOr && inst.RS() == inst.RB() {
			return fmt.Sprintf("mr%s r%d, r%d", dot(inst), inst.RA(), inst.RS())
		}
		return fmt.Sprintf("%s%s r%d, r%d, r%d", name, dot(inst), inst.RA(), inst.RS(), inst.RB())
	case OpMfspr:
		return fmt.Sprintf("mfspr r%d, %d", inst.RD(), inst.SPR())
	case OpMtspr:
		return fmt.Sprintf("mtspr %d, r%d", inst.SPR(), inst.RS())
	case OpMfmsr:
		return fmt.Sprintf("mfmsr r%d", inst.RD())
	case OpMtmsr:
		return fmt.Sprintf("mtmsr r%d", inst.RS())
	case OpIcbi:
		return fmt.Sprintf("icbi r%d, r%d", inst.RA(), inst.RB())
	case OpIsync, OpSc, OpRfi:
		return name
	case OpLwz, OpLwzu, OpLbz, OpLhz, OpLha, OpStw, OpStwu, OpStb, OpSth:
		return fmt.Sprintf("%s r%d, %d(r%d)", name, inst.RD(), inst.SIMM(), inst.RA())
	case OpLfd, OpStfd:
		return fmt.Sprintf("%s f%d, %d(r%d)", name, inst.RD(), inst.SIMM(), inst.RA())
	case OpFadd, OpFsub, OpFdiv:
		return fmt.Sprintf("%s%s f%d, f%d, f%d", name, dot(inst), inst.RD(), inst.RA(), inst.RB())
	case OpFmul:
		return fmt.Sprintf("fmul%s f%d, f%d, f%d", dot(inst), inst.RD(), inst.RA(), (uint32(inst)>>6)&31)
	case OpFmr, OpFneg:
		return fmt.Sprintf("%s%s f%d, f%d", name, dot(inst), inst.RD(), inst.RB())
	case OpB:
		return fmt.Sprintf("b%s%s 0x%08x", link(inst), abs(inst), BranchTarget(inst, addr))
	case OpBc:
		return fmt.Sprintf("bc%s%s %d, %d, 0x%08x", link(inst), abs(inst), inst.BO(), inst.BI(), BranchTarget(inst, addr))
	case OpBclr:
		if IsUnconditional(inst) {
			return "blr" + link(inst)
		}
		return fmt.Sprintf("bclr%s %d, %d", link(inst), inst.BO(), inst.BI())
	case OpBcctr:
		if IsUnconditional(inst) {
			return "bctr" + link(inst)
		}
		return fmt.Sprintf("bcctr%s %d, %d", link(inst), inst.BO(), inst.BI())
	}
	return name
}

func dot(inst Inst) string {
	if inst.Rc() {
		return "."
	}
	return ""
}

func link(inst Inst) string {
	if inst.LK() {
		return "l"
	}
	return ""
}

func abs(inst Inst) string {
	if inst.AA() {
		return "a"
	}
	return ""
}

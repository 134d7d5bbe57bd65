package jit

import (
	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

func emitNop(t *Translator, op *GuestOp) bool { return true }

func emitAddImm(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	imm := uint32(inst.SIMM())
	if op.Op == isa.OpAddis {
		imm <<= 16
	}
	if inst.RA() == 0 {
		d := t.rc.BindForWrite(inst.RD())
		t.asm.MovI(d, imm)
		return true
	}
	a := t.rc.Bind(inst.RA())
	d := t.rc.BindForWrite(inst.RD())
	t.asm.ALUI(host.AddI, d, a, imm)
	return true
}

func emitMulli(t *Translator, op *GuestOp) bool {
	a := t.rc.Bind(op.Inst.RA())
	d := t.rc.BindForWrite(op.Inst.RD())
	t.asm.ALUI(host.MulI, d, a, uint32(op.Inst.SIMM()))
	return true
}

func emitLogicalImm(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	imm := inst.UIMM()
	var hop host.Op
	switch op.Op {
	case isa.OpOri:
		if imm == 0 && inst.RS() == inst.RA() {
			return true
		}
		hop = host.OrI
	case isa.OpOris:
		hop, imm = host.OrI, imm<<16
	case isa.OpXori:
		hop = host.XorI
	case isa.OpAndiRc:
		hop = host.AndI
	}
	s := t.rc.Bind(inst.RS())
	d := t.rc.BindForWrite(inst.RA())
	t.asm.ALUI(hop, d, s, imm)
	if op.Op == isa.OpAndiRc {
		t.setCR0(d)
	}
	return true
}

func emitCompare(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	a := t.rc.Bind(inst.RA())
	b := host.S1
	signed := false
	switch op.Op {
	case isa.OpCmpi:
		t.asm.MovI(host.S1, uint32(inst.SIMM()))
		signed = true
	case isa.OpCmpli:
		t.asm.MovI(host.S1, inst.UIMM())
	case isa.OpCmp:
		b = t.rc.Bind(inst.RB())
		signed = true
	case isa.OpCmpl:
		b = t.rc.Bind(inst.RB())
	}
	t.asm.LoadSlot(host.S0, cpu.SlotCR)
	t.asm.Cmp(host.S0, a, b, inst.CRFD(), signed)
	t.asm.StoreSlot(cpu.SlotCR, host.S0)
	return true
}

func emitRlwinm(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	s := t.rc.Bind(inst.RS())
	d := t.rc.BindForWrite(inst.RA())
	t.asm.ALUI(host.RotlI, d, s, inst.SH())
	t.asm.ALUI(host.AndI, d, d, isa.RotateMask(inst.MB(), inst.ME()))
	if inst.Rc() {
		t.setCR0(d)
	}
	return true
}

func emitArith(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	a := t.rc.Bind(inst.RA())
	var b host.Reg
	if op.Op != isa.OpNeg {
		b = t.rc.Bind(inst.RB())
	}
	d := t.rc.BindForWrite(inst.RD())
	switch op.Op {
	case isa.OpAdd:
		t.asm.ALU(host.Add, d, a, b)
	case isa.OpSubf:
		t.asm.ALU(host.Sub, d, b, a)
	case isa.OpMullw:
		t.asm.ALU(host.Mul, d, a, b)
	case isa.OpNeg:
		t.asm.ALU(host.Neg, d, a, 0)
	}
	if inst.Rc() {
		t.setCR0(d)
	}
	return true
}

var logicalOps = map[isa.Op]host.Op{
	isa.OpAnd: host.And,
	isa.OpOr:  host.Or,
	isa.OpXor: host.Xor,
	isa.OpSlw: host.Slw,
	isa.OpSrw: host.Srw,
}

func emitLogical(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	s := t.rc.Bind(inst.RS())
	b := t.rc.Bind(inst.RB())
	d := t.rc.BindForWrite(inst.RA())
	t.asm.ALU(logicalOps[op.Op], d, s, b)
	if inst.Rc() {
		t.setCR0(d)
	}
	return true
}

// userSPR maps the SPRs that need no privilege check to their slots.
func userSPR(spr uint32) (int, bool) {
	switch spr {
	case isa.SPRLR:
		return cpu.SlotLR, true
	case isa.SPRCTR:
		return cpu.SlotCTR, true
	}
	return 0, false
}

func emitMfspr(t *Translator, op *GuestOp) bool {
	slot, ok := userSPR(op.Inst.SPR())
	if !ok {
		return false
	}
	d := t.rc.BindForWrite(op.Inst.RD())
	t.asm.LoadSlot(d, slot)
	return true
}

func emitMtspr(t *Translator, op *GuestOp) bool {
	slot, ok := userSPR(op.Inst.SPR())
	if !ok {
		return false
	}
	s := t.rc.Bind(op.Inst.RS())
	t.asm.StoreSlot(slot, s)
	return true
}

// setCR0 records the signed compare of r against zero in CR0.
func (t *Translator) setCR0(r host.Reg) {
	t.asm.LoadSlot(host.S0, cpu.SlotCR)
	t.asm.SetCR0(host.S0, r)
	t.asm.StoreSlot(cpu.SlotCR, host.S0)
}

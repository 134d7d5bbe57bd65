package jit

import (
	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

func emitB(t *Translator, op *GuestOp) bool {
	if op.Inst.LK() {
		t.asm.MovI(host.S0, op.Address+isa.InstSize)
		t.asm.StoreSlot(cpu.SlotLR, host.S0)
	}
	t.rc.Flush(false)
	t.debit(op.CycleOffset)
	t.exitTo(isa.BranchTarget(op.Inst, op.Address))
	return true
}

// emitBc handles bc, bclr and bcctr. Side effects on CTR and LR happen on
// the straight-line path; the taken path is a side exit and the not-taken
// path continues with the register cache intact.
func emitBc(t *Translator, op *GuestOp) bool {
	a := t.asm
	inst := op.Inst
	bo := inst.BO()
	dynamic := op.Op != isa.OpBc
	switch op.Op {
	case isa.OpBclr:
		a.LoadSlot(host.S0, cpu.SlotLR)
		a.ALUI(host.AndI, host.S0, host.S0, ^uint32(3))
	case isa.OpBcctr:
		bo |= isa.BOIgnoreCTR
		a.LoadSlot(host.S0, cpu.SlotCTR)
		a.ALUI(host.AndI, host.S0, host.S0, ^uint32(3))
	}

	if bo&isa.BOIgnoreCTR == 0 {
		a.LoadSlot(host.S1, cpu.SlotCTR)
		a.ALUI(host.AddI, host.S1, host.S1, 0xFFFFFFFF)
		a.StoreSlot(cpu.SlotCTR, host.S1)
	}
	if inst.LK() {
		a.MovI(host.S2, op.Address+isa.InstSize)
		a.StoreSlot(cpu.SlotLR, host.S2)
	}

	var notTaken []host.Fixup
	if bo&isa.BOIgnoreCTR == 0 {
		if bo&isa.BOCTRZero != 0 {
			notTaken = append(notTaken, a.Bnz(host.S1))
		} else {
			notTaken = append(notTaken, a.Bz(host.S1))
		}
	}
	if bo&isa.BOIgnoreCR == 0 {
		a.LoadSlot(host.S2, cpu.SlotCR)
		a.CRBit(host.S2, host.S2, inst.BI())
		if bo&isa.BOCRValue != 0 {
			notTaken = append(notTaken, a.Bz(host.S2))
		} else {
			notTaken = append(notTaken, a.Bnz(host.S2))
		}
	}

	ends := op.Flags&isa.FlEndBlock != 0
	t.rc.Flush(!ends)
	t.debit(op.CycleOffset)
	if dynamic {
		a.ExitReg(host.S0)
	} else {
		t.exitTo(isa.BranchTarget(inst, op.Address))
	}
	for _, f := range notTaken {
		a.Bind(f)
	}
	return true
}

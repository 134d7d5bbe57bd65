package jit

import (
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

var loadOps = map[isa.Op]host.Op{
	isa.OpLwz:  host.Load32,
	isa.OpLwzu: host.Load32,
	isa.OpLbz:  host.Load8,
	isa.OpLhz:  host.Load16,
	isa.OpLha:  host.Load16S,
}

var storeOps = map[isa.Op]host.Op{
	isa.OpStw:  host.Store32,
	isa.OpStwu: host.Store32,
	isa.OpStb:  host.Store8,
	isa.OpSth:  host.Store16,
}

// address returns the base register and offset of a D-form access. Update
// forms compute the effective address into S1 so it can be written back.
func (t *Translator) address(inst isa.Inst, update bool) (host.Reg, uint32) {
	disp := uint32(inst.SIMM())
	if inst.RA() == 0 {
		t.asm.MovI(host.S1, disp)
		return host.S1, 0
	}
	base := t.rc.Bind(inst.RA())
	if update {
		t.asm.ALUI(host.AddI, host.S1, base, disp)
		return host.S1, 0
	}
	return base, disp
}

func emitLoad(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	update := op.Op == isa.OpLwzu
	if update && inst.RA() == 0 {
		return false
	}
	base, off := t.address(inst, update)
	t.asm.Load(loadOps[op.Op], host.S0, base, off)
	t.faultCheck(op)
	d := t.rc.BindForWrite(inst.RD())
	t.asm.Mov(d, host.S0)
	if update {
		u := t.rc.BindForWrite(inst.RA())
		t.asm.Mov(u, host.S1)
	}
	return true
}

func emitStore(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	update := op.Op == isa.OpStwu
	if update && inst.RA() == 0 {
		return false
	}
	v := t.rc.Bind(inst.RS())
	base, off := t.address(inst, update)
	t.asm.Store(storeOps[op.Op], v, base, off)
	t.faultCheck(op)
	if update {
		u := t.rc.BindForWrite(inst.RA())
		t.asm.Mov(u, host.S1)
	}
	return true
}

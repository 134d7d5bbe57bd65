package jit

import (
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

func emitLfd(t *Translator, op *GuestOp) bool {
	base, off := t.address(op.Inst, false)
	t.asm.Load(host.FLoad64, host.S0, base, off)
	t.faultCheck(op)
	d := t.rc.FBindForWrite(op.Inst.RD())
	t.asm.ALU(host.FMov, d, host.S0, 0)
	return true
}

func emitStfd(t *Translator, op *GuestOp) bool {
	v := t.rc.FBind(op.Inst.RS())
	base, off := t.address(op.Inst, false)
	t.asm.Store(host.FStore64, v, base, off)
	t.faultCheck(op)
	return true
}

func emitFloatArith(t *Translator, op *GuestOp) bool {
	inst := op.Inst
	a := t.rc.FBind(inst.RA())
	var b host.Reg
	var hop host.Op
	switch op.Op {
	case isa.OpFadd:
		b, hop = t.rc.FBind(inst.RB()), host.FAdd
	case isa.OpFsub:
		b, hop = t.rc.FBind(inst.RB()), host.FSub
	case isa.OpFmul:
		b, hop = t.rc.FBind(frc(inst)), host.FMul
	case isa.OpFdiv:
		b, hop = t.rc.FBind(inst.RB()), host.FDiv
	}
	d := t.rc.FBindForWrite(inst.RD())
	t.asm.ALU(hop, d, a, b)
	return true
}

func emitFloatMove(t *Translator, op *GuestOp) bool {
	b := t.rc.FBind(op.Inst.RB())
	d := t.rc.FBindForWrite(op.Inst.RD())
	hop := host.FMov
	if op.Op == isa.OpFneg {
		hop = host.FNeg
	}
	t.asm.ALU(hop, d, b, 0)
	return true
}

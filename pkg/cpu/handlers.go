package cpu

import (
	"math"
	"math/bits"

	"dynarec/pkg/isa"
)

// icacheLine is the granularity of icbi.
const icacheLine = 32

func handleIllegal(in *Interpreter, inst isa.Inst, addr uint32) {
	in.state.Raise(ExceptionProgram)
}

// baseOrZero implements the (rA|0) addressing convention.
func (in *Interpreter) baseOrZero(ra int) uint32 {
	if ra == 0 {
		return 0
	}
	return in.state.GPR(ra)
}

func handleAddi(in *Interpreter, inst isa.Inst, addr uint32) {
	in.state.SetGPR(inst.RD(), in.baseOrZero(inst.RA())+uint32(inst.SIMM()))
}

func handleAddis(in *Interpreter, inst isa.Inst, addr uint32) {
	in.state.SetGPR(inst.RD(), in.baseOrZero(inst.RA())+uint32(inst.SIMM())<<16)
}

func handleMulli(in *Interpreter, inst isa.Inst, addr uint32) {
	in.state.SetGPR(inst.RD(), in.state.GPR(inst.RA())*uint32(inst.SIMM()))
}

func handleLogicalImm(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	rs := s.GPR(inst.RS())
	var v uint32
	switch isa.Decode(inst) {
	case isa.OpOri:
		v = rs | inst.UIMM()
	case isa.OpOris:
		v = rs | inst.UIMM()<<16
	case isa.OpXori:
		v = rs ^ inst.UIMM()
	case isa.OpAndiRc:
		v = rs & inst.UIMM()
		s.SetGPR(inst.RA(), v)
		s.SetCR0(v)
		return
	}
	s.SetGPR(inst.RA(), v)
}

func handleCompare(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	a := s.GPR(inst.RA())
	var b uint32
	var signed bool
	switch isa.Decode(inst) {
	case isa.OpCmpi:
		b, signed = uint32(inst.SIMM()), true
	case isa.OpCmpli:
		b = inst.UIMM()
	case isa.OpCmp:
		b, signed = s.GPR(inst.RB()), true
	case isa.OpCmpl:
		b = s.GPR(inst.RB())
	}
	f := isa.Compare(a, b, signed, s.Regs[SlotXER]&XERSO != 0)
	s.Regs[SlotCR] = isa.SetCRField(s.Regs[SlotCR], inst.CRFD(), f)
}

func handleRlwinm(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	v := bits.RotateLeft32(s.GPR(inst.RS()), int(inst.SH())) & isa.RotateMask(inst.MB(), inst.ME())
	s.SetGPR(inst.RA(), v)
	if inst.Rc() {
		s.SetCR0(v)
	}
}

// DivideWord implements divw, including the undefined cases the hardware
// resolves to all-ones or zero.
func DivideWord(a, b uint32) uint32 {
	if b == 0 || (a == 0x80000000 && b == 0xFFFFFFFF) {
		if int32(a) < 0 {
			return 0xFFFFFFFF
		}
		return 0
	}
	return uint32(int32(a) / int32(b))
}

// DivideWordUnsigned implements divwu; division by zero yields zero.
func DivideWordUnsigned(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return a / b
}

func handleArith(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	a, b := s.GPR(inst.RA()), s.GPR(inst.RB())
	var v uint32
	switch isa.Decode(inst) {
	case isa.OpAdd:
		v = a + b
	case isa.OpSubf:
		v = b - a
	case isa.OpMullw:
		v = uint32(int32(a) * int32(b))
	case isa.OpDivw:
		v = DivideWord(a, b)
	case isa.OpDivwu:
		v = DivideWordUnsigned(a, b)
	case isa.OpNeg:
		v = -a
	}
	s.SetGPR(inst.RD(), v)
	if inst.Rc() {
		s.SetCR0(v)
	}
}

// ShiftLeftWord implements slw: shift amounts of 32 to 63 produce zero.
func ShiftLeftWord(v, n uint32) uint32 {
	if n&0x20 != 0 {
		return 0
	}
	return v << (n & 31)
}

// ShiftRightWord implements srw.
func ShiftRightWord(v, n uint32) uint32 {
	if n&0x20 != 0 {
		return 0
	}
	return v >> (n & 31)
}

func handleLogical(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	rs, rb := s.GPR(inst.RS()), s.GPR(inst.RB())
	var v uint32
	switch isa.Decode(inst) {
	case isa.OpAnd:
		v = rs & rb
	case isa.OpOr:
		v = rs | rb
	case isa.OpXor:
		v = rs ^ rb
	case isa.OpSlw:
		v = ShiftLeftWord(rs, rb)
	case isa.OpSrw:
		v = ShiftRightWord(rs, rb)
	}
	s.SetGPR(inst.RA(), v)
	if inst.Rc() {
		s.SetCR0(v)
	}
}

// privileged raises a program exception in user mode.
func (in *Interpreter) privileged() bool {
	if in.state.MSR()&MSRPR != 0 {
		in.state.Raise(ExceptionProgram)
		return false
	}
	return true
}

// sprSlot maps an SPR number to its state slot. Supervisor-only registers
// report priv=true.
func sprSlot(spr uint32) (slot int, priv bool, ok bool) {
	switch spr {
	case isa.SPRXER:
		return SlotXER, false, true
	case isa.SPRLR:
		return SlotLR, false, true
	case isa.SPRCTR:
		return SlotCTR, false, true
	case isa.SPRDAR:
		return SlotDAR, true, true
	case isa.SPRSRR0:
		return SlotSRR0, true, true
	case isa.SPRSRR1:
		return SlotSRR1, true, true
	case isa.SPRSPRG0:
		return SlotSPRG0, true, true
	case isa.SPRSPRG1:
		return SlotSPRG1, true, true
	case isa.SPRSPRG2:
		return SlotSPRG2, true, true
	case isa.SPRSPRG3:
		return SlotSPRG3, true, true
	}
	return 0, false, false
}

func handleMfspr(in *Interpreter, inst isa.Inst, addr uint32) {
	slot, priv, ok := sprSlot(inst.SPR())
	if !ok {
		in.state.Raise(ExceptionProgram)
		return
	}
	if priv && !in.privileged() {
		return
	}
	in.state.SetGPR(inst.RD(), in.state.Regs[slot])
}

func handleMtspr(in *Interpreter, inst isa.Inst, addr uint32) {
	slot, priv, ok := sprSlot(inst.SPR())
	if !ok {
		in.state.Raise(ExceptionProgram)
		return
	}
	if priv && !in.privileged() {
		return
	}
	in.state.Regs[slot] = in.state.GPR(inst.RS())
}

func handleMfmsr(in *Interpreter, inst isa.Inst, addr uint32) {
	if in.privileged() {
		in.state.SetGPR(inst.RD(), in.state.MSR())
	}
}

func handleMtmsr(in *Interpreter, inst isa.Inst, addr uint32) {
	if in.privileged() {
		in.state.Regs[SlotMSR] = in.state.GPR(inst.RS())
	}
}

func handleIcbi(in *Interpreter, inst isa.Inst, addr uint32) {
	ea := in.baseOrZero(inst.RA()) + in.state.GPR(inst.RB())
	if in.icache != nil {
		in.icache.InvalidateRange(ea&^(icacheLine-1), icacheLine)
	}
}

func handleIsync(in *Interpreter, inst isa.Inst, addr uint32) {}

func handleSc(in *Interpreter, inst isa.Inst, addr uint32) {
	in.state.Raise(ExceptionSyscall)
}

func handleRfi(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	if !in.privileged() {
		return
	}
	s.Regs[SlotMSR] = s.MSR()&^srr1Mask | s.Regs[SlotSRR1]&srr1Mask
	s.Regs[SlotMSR] &^= 1 << 18
	s.SetNPC(s.Regs[SlotSRR0] &^ 3)
}

func (in *Interpreter) dataFault(ea uint32) {
	in.state.Regs[SlotDAR] = ea
	in.state.Raise(ExceptionDSI)
}

func (in *Interpreter) effectiveAddress(inst isa.Inst, update bool) (uint32, bool) {
	if update {
		if inst.RA() == 0 {
			in.state.Raise(ExceptionProgram)
			return 0, false
		}
		return in.state.GPR(inst.RA()) + uint32(inst.SIMM()), true
	}
	return in.baseOrZero(inst.RA()) + uint32(inst.SIMM()), true
}

func handleLoad(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	op := isa.Decode(inst)
	update := op == isa.OpLwzu
	ea, ok := in.effectiveAddress(inst, update)
	if !ok {
		return
	}
	var v uint32
	switch op {
	case isa.OpLwz, isa.OpLwzu:
		v, ok = in.mem.ReadU32(ea)
	case isa.OpLbz:
		var b uint8
		b, ok = in.mem.ReadU8(ea)
		v = uint32(b)
	case isa.OpLhz:
		var h uint16
		h, ok = in.mem.ReadU16(ea)
		v = uint32(h)
	case isa.OpLha:
		var h uint16
		h, ok = in.mem.ReadU16(ea)
		v = uint32(int32(int16(h)))
	}
	if !ok {
		in.dataFault(ea)
		return
	}
	s.SetGPR(inst.RD(), v)
	if update {
		s.SetGPR(inst.RA(), ea)
	}
}

func handleStore(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	op := isa.Decode(inst)
	update := op == isa.OpStwu
	ea, ok := in.effectiveAddress(inst, update)
	if !ok {
		return
	}
	v := s.GPR(inst.RS())
	switch op {
	case isa.OpStw, isa.OpStwu:
		ok = in.mem.WriteU32(ea, v)
	case isa.OpStb:
		ok = in.mem.WriteU8(ea, uint8(v))
	case isa.OpSth:
		ok = in.mem.WriteU16(ea, uint16(v))
	}
	if !ok {
		in.dataFault(ea)
		return
	}
	if update {
		s.SetGPR(inst.RA(), ea)
	}
}

func handleLfd(in *Interpreter, inst isa.Inst, addr uint32) {
	ea := in.baseOrZero(inst.RA()) + uint32(inst.SIMM())
	v, ok := in.mem.ReadU64(ea)
	if !ok {
		in.dataFault(ea)
		return
	}
	in.state.FPR[inst.RD()] = math.Float64frombits(v)
}

func handleStfd(in *Interpreter, inst isa.Inst, addr uint32) {
	ea := in.baseOrZero(inst.RA()) + uint32(inst.SIMM())
	if !in.mem.WriteU64(ea, math.Float64bits(in.state.FPR[inst.RS()])) {
		in.dataFault(ea)
	}
}

func handleFloat(in *Interpreter, inst isa.Inst, addr uint32) {
	f := &in.state.FPR
	a, b := f[inst.RA()], f[inst.RB()]
	var v float64
	switch isa.Decode(inst) {
	case isa.OpFadd:
		v = a + b
	case isa.OpFsub:
		v = a - b
	case isa.OpFmul:
		v = a * f[(uint32(inst)>>6)&31]
	case isa.OpFdiv:
		v = a / b
	case isa.OpFmr:
		v = b
	case isa.OpFneg:
		v = -b
	}
	f[inst.RD()] = v
}

func handleB(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	if inst.LK() {
		s.Regs[SlotLR] = addr + isa.InstSize
	}
	s.SetNPC(isa.BranchTarget(inst, addr))
}

// branchTaken evaluates the BO/BI condition, decrementing CTR when BO asks
// for it.
func (in *Interpreter) branchTaken(inst isa.Inst) bool {
	s := in.state
	bo := inst.BO()
	ctrOK := true
	if bo&isa.BOIgnoreCTR == 0 {
		s.Regs[SlotCTR]--
		ctrOK = (s.Regs[SlotCTR] != 0) != (bo&isa.BOCTRZero != 0)
	}
	condOK := bo&isa.BOIgnoreCR != 0 || isa.CRBit(s.Regs[SlotCR], inst.BI()) == (bo&isa.BOCRValue != 0)
	return ctrOK && condOK
}

func handleBc(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	taken := in.branchTaken(inst)
	if inst.LK() {
		s.Regs[SlotLR] = addr + isa.InstSize
	}
	if taken {
		s.SetNPC(isa.BranchTarget(inst, addr))
	}
}

func handleBclr(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	target := s.Regs[SlotLR] &^ 3
	taken := in.branchTaken(inst)
	if inst.LK() {
		s.Regs[SlotLR] = addr + isa.InstSize
	}
	if taken {
		s.SetNPC(target)
	}
}

func handleBcctr(in *Interpreter, inst isa.Inst, addr uint32) {
	s := in.state
	target := s.Regs[SlotCTR] &^ 3
	// Decrementing CTR is an invalid form for bcctr; it is ignored.
	inst |= isa.BOIgnoreCTR << 21
	taken := in.branchTaken(inst)
	if inst.LK() {
		s.Regs[SlotLR] = addr + isa.InstSize
	}
	if taken {
		s.SetNPC(target)
	}
}

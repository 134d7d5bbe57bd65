package jit

import (
	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

// InterpreterBridge runs single guest instructions on the live register
// file. Generated code writes its cached registers back before calling it.
type InterpreterBridge struct {
	interp *cpu.Interpreter

	// Calls counts instructions executed on behalf of generated code.
	Calls uint64
	// Steps counts whole instructions stepped by the dispatcher.
	Steps uint64
}

func NewInterpreterBridge(interp *cpu.Interpreter) *InterpreterBridge {
	return &InterpreterBridge{interp: interp}
}

// Execute runs op in place. PC and NPC are left describing op; the caller
// decides where execution continues.
func (b *InterpreterBridge) Execute(op GuestOp) {
	b.Calls++
	b.interp.Execute(op.Inst, op.Address)
}

// Step fetches, executes and retires the instruction at PC, debiting the
// downcount. It returns the cycles consumed.
func (b *InterpreterBridge) Step() int {
	b.Steps++
	return b.interp.Step()
}

// helper adapts Execute to the machine calling convention: S0 holds the
// instruction word and S1 its address.
func (b *InterpreterBridge) helper(m *host.Machine) {
	inst := isa.Inst(m.Reg(host.S0))
	b.Execute(GuestOp{Inst: inst, Op: isa.Decode(inst), Address: m.Reg(host.S1)})
}

package cpu

import (
	"go.uber.org/zap"

	"dynarec/pkg/isa"
)

// Interpreter executes one guest instruction at a time directly on State.
// It is the reference semantics for the recompiler and its fallback for
// anything it does not translate.
type Interpreter struct {
	state  *State
	mem    Memory
	costs  *isa.CostTable
	icache CodeInvalidator
	log    *zap.Logger
}

type InterpreterOptions struct {
	Costs *isa.CostTable
	// ICache receives icbi invalidations.
	ICache CodeInvalidator
	Logger *zap.Logger
}

func NewInterpreter(state *State, mem Memory, opts InterpreterOptions) *Interpreter {
	if opts.Costs == nil {
		opts.Costs = isa.DefaultCosts()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Interpreter{state: state, mem: mem, costs: opts.Costs, icache: opts.ICache, log: opts.Logger}
}

// SetCodeInvalidator replaces the icbi target.
func (in *Interpreter) SetCodeInvalidator(c CodeInvalidator) { in.icache = c }

// Costs returns the cycle table the interpreter debits with.
func (in *Interpreter) Costs() *isa.CostTable { return in.costs }

// Execute runs inst as if it were fetched from addr. On return NPC holds the
// address of the next instruction and any fault is recorded in the
// exception word with no architectural side effects.
func (in *Interpreter) Execute(inst isa.Inst, addr uint32) isa.Op {
	s := in.state
	s.SetPC(addr)
	s.SetNPC(addr + isa.InstSize)
	op := isa.Decode(inst)
	if isa.Info(op).Flags&isa.FlUsesFPU != 0 && !s.FPUEnabled() {
		s.Raise(ExceptionFPUUnavailable)
		return op
	}
	dispatchTable[op](in, inst, addr)
	return op
}

// Step fetches and executes the instruction at PC, advances PC unless a
// precise exception was raised, and debits the downcount. It returns the
// cycles consumed.
func (in *Interpreter) Step() int {
	s := in.state
	pc := s.PC()
	word, ok := in.mem.FetchU32(pc)
	if !ok {
		s.Raise(ExceptionISI)
		s.AddDowncount(-1)
		return 1
	}
	op := in.Execute(isa.Inst(word), pc)
	if s.Exceptions()&PreciseExceptions == 0 {
		s.SetPC(s.NPC())
	}
	cycles := in.costs.Cycles(op)
	s.AddDowncount(-int32(cycles))
	return cycles
}

type instructionHandler func(in *Interpreter, inst isa.Inst, addr uint32)

var dispatchTable = [isa.NumOps]instructionHandler{
	isa.OpIllegal: handleIllegal,

	isa.OpAddi:   handleAddi,
	isa.OpAddis:  handleAddis,
	isa.OpMulli:  handleMulli,
	isa.OpOri:    handleLogicalImm,
	isa.OpOris:   handleLogicalImm,
	isa.OpXori:   handleLogicalImm,
	isa.OpAndiRc: handleLogicalImm,
	isa.OpCmpi:   handleCompare,
	isa.OpCmpli:  handleCompare,
	isa.OpCmp:    handleCompare,
	isa.OpCmpl:   handleCompare,
	isa.OpRlwinm: handleRlwinm,
	isa.OpAdd:    handleArith,
	isa.OpSubf:   handleArith,
	isa.OpMullw:  handleArith,
	isa.OpDivw:   handleArith,
	isa.OpDivwu:  handleArith,
	isa.OpNeg:    handleArith,
	isa.OpAnd:    handleLogical,
	isa.OpOr:     handleLogical,
	isa.OpXor:    handleLogical,
	isa.OpSlw:    handleLogical,
	isa.OpSrw:    handleLogical,

	isa.OpMfspr: handleMfspr,
	isa.OpMtspr: handleMtspr,
	isa.OpMfmsr: handleMfmsr,
	isa.OpMtmsr: handleMtmsr,
	isa.OpIcbi:  handleIcbi,
	isa.OpIsync: handleIsync,
	isa.OpSc:    handleSc,
	isa.OpRfi:   handleRfi,

	isa.OpLwz:  handleLoad,
	isa.OpLwzu: handleLoad,
	isa.OpLbz:  handleLoad,
	isa.OpLhz:  handleLoad,
	isa.OpLha:  handleLoad,
	isa.OpStw:  handleStore,
	isa.OpStwu: handleStore,
	isa.OpStb:  handleStore,
	isa.OpSth:  handleStore,

	isa.OpLfd:  handleLfd,
	isa.OpStfd: handleStfd,
	isa.OpFadd: handleFloat,
	isa.OpFsub: handleFloat,
	isa.OpFmul: handleFloat,
	isa.OpFdiv: handleFloat,
	isa.OpFmr:  handleFloat,
	isa.OpFneg: handleFloat,

	isa.OpB:     handleB,
	isa.OpBc:    handleBc,
	isa.OpBclr:  handleBclr,
	isa.OpBcctr: handleBcctr,
}

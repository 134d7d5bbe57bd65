package jit

import "dynarec/pkg/isa"

type strategy uint8

const (
	viaInterpreter strategy = iota
	native
)

// emitFunc emits host code for one op. It returns false, before emitting
// anything, when this particular encoding has to go to the interpreter.
type emitFunc func(t *Translator, op *GuestOp) bool

type opTranslation struct {
	strategy strategy
	emit     emitFunc
}

func nat(fn emitFunc) opTranslation { return opTranslation{strategy: native, emit: fn} }

// translations is indexed by op. Missing entries run in the interpreter:
// division, MSR and privileged SPR access, icbi, sc, rfi and illegal words.
var translations = [isa.NumOps]opTranslation{
	isa.OpAddi:   nat(emitAddImm),
	isa.OpAddis:  nat(emitAddImm),
	isa.OpMulli:  nat(emitMulli),
	isa.OpOri:    nat(emitLogicalImm),
	isa.OpOris:   nat(emitLogicalImm),
	isa.OpXori:   nat(emitLogicalImm),
	isa.OpAndiRc: nat(emitLogicalImm),
	isa.OpCmpi:   nat(emitCompare),
	isa.OpCmpli:  nat(emitCompare),
	isa.OpCmp:    nat(emitCompare),
	isa.OpCmpl:   nat(emitCompare),
	isa.OpRlwinm: nat(emitRlwinm),
	isa.OpAdd:    nat(emitArith),
	isa.OpSubf:   nat(emitArith),
	isa.OpMullw:  nat(emitArith),
	isa.OpNeg:    nat(emitArith),
	isa.OpAnd:    nat(emitLogical),
	isa.OpOr:     nat(emitLogical),
	isa.OpXor:    nat(emitLogical),
	isa.OpSlw:    nat(emitLogical),
	isa.OpSrw:    nat(emitLogical),

	isa.OpMfspr: nat(emitMfspr),
	isa.OpMtspr: nat(emitMtspr),
	isa.OpIsync: nat(emitNop),

	isa.OpLwz:  nat(emitLoad),
	isa.OpLwzu: nat(emitLoad),
	isa.OpLbz:  nat(emitLoad),
	isa.OpLhz:  nat(emitLoad),
	isa.OpLha:  nat(emitLoad),
	isa.OpStw:  nat(emitStore),
	isa.OpStwu: nat(emitStore),
	isa.OpStb:  nat(emitStore),
	isa.OpSth:  nat(emitStore),

	isa.OpLfd:  nat(emitLfd),
	isa.OpStfd: nat(emitStfd),
	isa.OpFadd: nat(emitFloatArith),
	isa.OpFsub: nat(emitFloatArith),
	isa.OpFmul: nat(emitFloatArith),
	isa.OpFdiv: nat(emitFloatArith),
	isa.OpFmr:  nat(emitFloatMove),
	isa.OpFneg: nat(emitFloatMove),

	isa.OpB:     nat(emitB),
	isa.OpBc:    nat(emitBc),
	isa.OpBclr:  nat(emitBc),
	isa.OpBcctr: nat(emitBc),
}

// Native reports whether op has a native translation.
func Native(op isa.Op) bool {
	return op < isa.NumOps && translations[op].strategy == native
}

package isa

import (
	"github.com/cockroachdb/errors"
)

// Op identifies a decoded guest operation.
type Op uint16

const (
	OpIllegal Op = iota

	// integer
	OpAddi
	OpAddis
	OpMulli
	OpOri
	OpOris
	OpXori
	OpAndiRc
	OpCmpi
	OpCmpli
	OpRlwinm
	OpAdd
	OpSubf
	OpMullw
	OpDivw
	OpDivwu
	OpAnd
	OpOr
	OpXor
	OpSlw
	OpSrw
	OpNeg
	OpCmp
	OpCmpl

	// system
	OpMfspr
	OpMtspr
	OpMfmsr
	OpMtmsr
	OpIcbi
	OpIsync
	OpSc
	OpRfi

	// load/store
	OpLwz
	OpLwzu
	OpLbz
	OpLhz
	OpLha
	OpStw
	OpStwu
	OpStb
	OpSth

	// floating point
	OpLfd
	OpStfd
	OpFadd
	OpFsub
	OpFmul
	OpFdiv
	OpFmr
	OpFneg

	// branch
	OpB
	OpBc
	OpBclr
	OpBcctr

	NumOps
)

// Flags describe static properties of an operation.
type Flags uint32

const (
	// FlEndBlock marks an unconditional control transfer. B-form branches
	// carry it only when their BO field makes them unconditional.
	FlEndBlock Flags = 1 << iota
	FlBranch
	FlUsesFPU
	FlLoadStore
	FlCanFault
	FlSetCR0
	FlSetCRField
	FlReadsCR
	FlReadsLR
	FlWritesLR
	FlReadsCTR
	FlWritesCTR
	FlUpdatesRA
	FlSystem
)

// Class groups operations so that whole families can be sent to the
// interpreter by configuration.
type Class uint8

const (
	ClassInteger Class = iota
	ClassLoadStore
	ClassFloat
	ClassBranch
	ClassSystem
	NumClasses
)

var classNames = [NumClasses]string{"integer", "loadstore", "float", "branch", "system"}

func (c Class) String() string {
	if c < NumClasses {
		return classNames[c]
	}
	return "unknown"
}

// ParseClass looks up a class by name.
func ParseClass(name string) (Class, bool) {
	for c := Class(0); c < NumClasses; c++ {
		if classNames[c] == name {
			return c, true
		}
	}
	return 0, false
}

// OpInfo is the static description of one operation.
type OpInfo struct {
	Name   string
	Cycles int
	Flags  Flags
	Class  Class
}

var opInfo = [NumOps]OpInfo{
	OpIllegal: {"illegal", 1, FlEndBlock | FlCanFault, ClassSystem},

	OpAddi:   {"addi", 1, 0, ClassInteger},
	OpAddis:  {"addis", 1, 0, ClassInteger},
	OpMulli:  {"mulli", 3, 0, ClassInteger},
	OpOri:    {"ori", 1, 0, ClassInteger},
	OpOris:   {"oris", 1, 0, ClassInteger},
	OpXori:   {"xori", 1, 0, ClassInteger},
	OpAndiRc: {"andi.", 1, FlSetCR0, ClassInteger},
	OpCmpi:   {"cmpi", 1, FlSetCRField, ClassInteger},
	OpCmpli:  {"cmpli", 1, FlSetCRField, ClassInteger},
	OpRlwinm: {"rlwinm", 1, 0, ClassInteger},
	OpAdd:    {"add", 1, 0, ClassInteger},
	OpSubf:   {"subf", 1, 0, ClassInteger},
	OpMullw:  {"mullw", 5, 0, ClassInteger},
	OpDivw:   {"divw", 40, 0, ClassInteger},
	OpDivwu:  {"divwu", 40, 0, ClassInteger},
	OpAnd:    {"and", 1, 0, ClassInteger},
	OpOr:     {"or", 1, 0, ClassInteger},
	OpXor:    {"xor", 1, 0, ClassInteger},
	OpSlw:    {"slw", 1, 0, ClassInteger},
	OpSrw:    {"srw", 1, 0, ClassInteger},
	OpNeg:    {"neg", 1, 0, ClassInteger},
	OpCmp:    {"cmp", 1, FlSetCRField, ClassInteger},
	OpCmpl:   {"cmpl", 1, FlSetCRField, ClassInteger},

	OpMfspr: {"mfspr", 1, FlSystem, ClassSystem},
	OpMtspr: {"mtspr", 2, FlSystem, ClassSystem},
	OpMfmsr: {"mfmsr", 1, FlSystem, ClassSystem},
	OpMtmsr: {"mtmsr", 1, FlSystem | FlEndBlock, ClassSystem},
	OpIcbi:  {"icbi", 4, FlSystem | FlEndBlock | FlLoadStore, ClassSystem},
	OpIsync: {"isync", 1, FlSystem, ClassSystem},
	OpSc:    {"sc", 2, FlSystem | FlEndBlock | FlCanFault, ClassSystem},
	OpRfi:   {"rfi", 2, FlSystem | FlEndBlock | FlBranch, ClassSystem},

	OpLwz:  {"lwz", 2, FlLoadStore | FlCanFault, ClassLoadStore},
	OpLwzu: {"lwzu", 2, FlLoadStore | FlCanFault | FlUpdatesRA, ClassLoadStore},
	OpLbz:  {"lbz", 2, FlLoadStore | FlCanFault, ClassLoadStore},
	OpLhz:  {"lhz", 2, FlLoadStore | FlCanFault, ClassLoadStore},
	OpLha:  {"lha", 2, FlLoadStore | FlCanFault, ClassLoadStore},
	OpStw:  {"stw", 2, FlLoadStore | FlCanFault, ClassLoadStore},
	OpStwu: {"stwu", 2, FlLoadStore | FlCanFault | FlUpdatesRA, ClassLoadStore},
	OpStb:  {"stb", 2, FlLoadStore | FlCanFault, ClassLoadStore},
	OpSth:  {"sth", 2, FlLoadStore | FlCanFault, ClassLoadStore},

	OpLfd:  {"lfd", 2, FlLoadStore | FlCanFault | FlUsesFPU, ClassFloat},
	OpStfd: {"stfd", 2, FlLoadStore | FlCanFault | FlUsesFPU, ClassFloat},
	OpFadd: {"fadd", 1, FlUsesFPU, ClassFloat},
	OpFsub: {"fsub", 1, FlUsesFPU, ClassFloat},
	OpFmul: {"fmul", 2, FlUsesFPU, ClassFloat},
	OpFdiv: {"fdiv", 31, FlUsesFPU, ClassFloat},
	OpFmr:  {"fmr", 1, FlUsesFPU, ClassFloat},
	OpFneg: {"fneg", 1, FlUsesFPU, ClassFloat},

	OpB:     {"b", 1, FlBranch | FlEndBlock, ClassBranch},
	OpBc:    {"bc", 1, FlBranch | FlReadsCR, ClassBranch},
	OpBclr:  {"bclr", 1, FlBranch | FlReadsCR | FlReadsLR, ClassBranch},
	OpBcctr: {"bcctr", 1, FlBranch | FlReadsCR | FlReadsCTR, ClassBranch},
}

// Info returns the static description of op.
func Info(op Op) OpInfo {
	if op >= NumOps {
		return opInfo[OpIllegal]
	}
	return opInfo[op]
}

func (op Op) String() string { return Info(op).Name }

// Lookup finds an operation by mnemonic.
func Lookup(name string) (Op, bool) {
	for op := Op(0); op < NumOps; op++ {
		if opInfo[op].Name == name {
			return op, true
		}
	}
	return OpIllegal, false
}

// Decode maps a raw instruction word to its operation.
func Decode(inst Inst) Op {
	switch inst.OPCD() {
	case 7:
		return OpMulli
	case 10:
		return OpCmpli
	case 11:
		return OpCmpi
	case 14:
		return OpAddi
	case 15:
		return OpAddis
	case 16:
		return OpBc
	case 17:
		if uint32(inst)&2 != 0 {
			return OpSc
		}
	case 18:
		return OpB
	case 19:
		switch inst.SubOp10() {
		case 16:
			return OpBclr
		case 50:
			return OpRfi
		case 150:
			return OpIsync
		case 528:
			return OpBcctr
		}
	case 21:
		return OpRlwinm
	case 24:
		return OpOri
	case 25:
		return OpOris
	case 26:
		return OpXori
	case 28:
		return OpAndiRc
	case 31:
		return decode31(inst)
	case 32:
		return OpLwz
	case 33:
		return OpLwzu
	case 34:
		return OpLbz
	case 36:
		return OpStw
	case 37:
		return OpStwu
	case 38:
		return OpStb
	case 40:
		return OpLhz
	case 42:
		return OpLha
	case 44:
		return OpSth
	case 50:
		return OpLfd
	case 54:
		return OpStfd
	case 63:
		return decode63(inst)
	}
	return OpIllegal
}

func decode31(inst Inst) Op {
	// XO-form arithmetic ignores the OE bit.
	switch inst.SubOp10() & 0x1FF {
	case 266:
		return OpAdd
	case 40:
		return OpSubf
	case 235:
		return OpMullw
	case 491:
		return OpDivw
	case 459:
		return OpDivwu
	case 104:
		return OpNeg
	}
	switch inst.SubOp10() {
	case 0:
		return OpCmp
	case 32:
		return OpCmpl
	case 28:
		return OpAnd
	case 444:
		return OpOr
	case 316:
		return OpXor
	case 24:
		return OpSlw
	case 536:
		return OpSrw
	case 339:
		return OpMfspr
	case 467:
		return OpMtspr
	case 83:
		return OpMfmsr
	case 146:
		return OpMtmsr
	case 982:
		return OpIcbi
	}
	return OpIllegal
}

func decode63(inst Inst) Op {
	switch inst.SubOp5() {
	case 18:
		return OpFdiv
	case 20:
		return OpFsub
	case 21:
		return OpFadd
	case 25:
		return OpFmul
	}
	switch inst.SubOp10() {
	case 40:
		return OpFneg
	case 72:
		return OpFmr
	}
	return OpIllegal
}

// FlagsOf returns the flags of a concrete instruction. It refines the static
// table: B-form branches end a block only when they are unconditional, and
// the record forms of integer arithmetic set CR0.
func FlagsOf(op Op, inst Inst) Flags {
	f := Info(op).Flags
	switch op {
	case OpBc, OpBclr, OpBcctr:
		if IsUnconditional(inst) {
			f |= FlEndBlock
		}
		if inst.BO()&BOIgnoreCTR == 0 {
			f |= FlReadsCTR | FlWritesCTR
		}
		if inst.BO()&BOIgnoreCR != 0 {
			f &^= FlReadsCR
		}
		if inst.LK() {
			f |= FlWritesLR
		}
	case OpB:
		if inst.LK() {
			f |= FlWritesLR
		}
	case OpMfspr:
		switch inst.SPR() {
		case SPRLR:
			f |= FlReadsLR
		case SPRCTR:
			f |= FlReadsCTR
		}
	case OpMtspr:
		switch inst.SPR() {
		case SPRLR:
			f |= FlWritesLR
		case SPRCTR:
			f |= FlWritesCTR
		}
	case OpAdd, OpSubf, OpMullw, OpDivw, OpDivwu, OpAnd, OpOr, OpXor,
		OpSlw, OpSrw, OpNeg, OpRlwinm:
		if inst.Rc() {
			f |= FlSetCR0
		}
	}
	return f
}

// ErrUnknownOp is returned when a cost override names no known operation.
var ErrUnknownOp = errors.New("unknown operation")

// CostTable holds the cycle cost of every operation. It is injected into the
// analyzer and interpreter so that timing policy stays out of the core.
type CostTable [NumOps]int

// DefaultCosts returns the built-in cycle costs.
func DefaultCosts() *CostTable {
	var t CostTable
	for op := range opInfo {
		t[op] = opInfo[op].Cycles
	}
	return &t
}

// Cycles returns the cost of op, never less than one cycle.
func (t *CostTable) Cycles(op Op) int {
	if op >= NumOps || t[op] < 1 {
		return 1
	}
	return t[op]
}

// Override applies per-mnemonic costs on top of the table.
func (t *CostTable) Override(costs map[string]int) error {
	for name, cycles := range costs {
		op, ok := Lookup(name)
		if !ok {
			return errors.Wrapf(ErrUnknownOp, "cost override %q", name)
		}
		if cycles < 1 {
			return errors.Newf("cost override %q: cycles must be positive, got %d", name, cycles)
		}
		t[op] = cycles
	}
	return nil
}

package jit

import (
	"github.com/cockroachdb/errors"

	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
)

const (
	DefaultMaxBlockInstructions = 64
	DefaultMaxBlockBytes        = 1024
)

// RegMask is a set of guest register numbers, bit n for register n.
type RegMask uint32

func (m RegMask) Has(r int) bool { return m&(1<<uint(r&31)) != 0 }

func regBit(r int) RegMask { return 1 << uint(r&31) }

// GuestOp is one decoded guest instruction of the block being translated.
type GuestOp struct {
	Inst    isa.Inst
	Op      isa.Op
	Address uint32
	Flags   isa.Flags
	Cycles  int
	// CycleOffset is the cost of the block up to and including this op.
	CycleOffset int

	// Register usage, consulted by the register cache to pick victims.
	GPRReads, GPRWrites RegMask
	FPRReads, FPRWrites RegMask
}

// CodeBuffer holds the ops of one block. It is reused across translations.
type CodeBuffer struct {
	ops []GuestOp
	max int
}

func NewCodeBuffer(max int) *CodeBuffer {
	if max <= 0 {
		max = DefaultMaxBlockInstructions
	}
	return &CodeBuffer{ops: make([]GuestOp, 0, max), max: max}
}

func (cb *CodeBuffer) Reset()           { cb.ops = cb.ops[:0] }
func (cb *CodeBuffer) Len() int         { return len(cb.ops) }
func (cb *CodeBuffer) Cap() int         { return cb.max }
func (cb *CodeBuffer) Ops() []GuestOp   { return cb.ops }
func (cb *CodeBuffer) At(i int) GuestOp { return cb.ops[i] }

// BlockStats summarizes an analyzed block.
type BlockStats struct {
	Start        uint32
	Instructions int
	Cycles       int
	UsesFPU      bool
	CanFault     bool
	// Debugging is set when breakpoints or stepping were active during the
	// scan.
	Debugging bool
	// Broken is set when the scan stopped at an instruction that could not
	// be fetched. BrokenAt is its address.
	Broken   bool
	BrokenAt uint32
	// End is the address after the last op.
	End uint32
}

// Analyzer decodes straight-line runs of guest code.
type Analyzer struct {
	mem      cpu.Memory
	costs    *isa.CostTable
	maxInsts int
	maxBytes int
	debugger *cpu.Debugger

	// stopAt reports addresses that already start a block. The scan ends
	// in front of them so that steady-state blocks do not overlap.
	stopAt func(addr uint32) bool
}

func NewAnalyzer(mem cpu.Memory, costs *isa.CostTable, maxInsts, maxBytes int) *Analyzer {
	if costs == nil {
		costs = isa.DefaultCosts()
	}
	if maxInsts <= 0 {
		maxInsts = DefaultMaxBlockInstructions
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBlockBytes
	}
	return &Analyzer{mem: mem, costs: costs, maxInsts: maxInsts, maxBytes: maxBytes}
}

// Analyze scans from pc into buf. It returns ErrMemoryException, with buf
// empty, when the first instruction cannot be fetched. Single steps never
// reach it: the dispatcher runs them through the interpreter.
func (a *Analyzer) Analyze(pc uint32, buf *CodeBuffer) (BlockStats, error) {
	buf.Reset()
	stats := BlockStats{Start: pc, Debugging: a.debugger.Active() || a.debugger.StepRequested()}

	limit := max(min(a.maxInsts, a.maxBytes/isa.InstSize, buf.Cap()), 1)

	addr := pc
	for buf.Len() < limit {
		if buf.Len() > 0 {
			if a.stopAt != nil && a.stopAt(addr) {
				break
			}
			if a.debugger.IsBreakpoint(addr) {
				break
			}
		}
		word, ok := a.mem.FetchU32(addr)
		if !ok {
			if buf.Len() == 0 {
				return stats, errors.Wrapf(ErrMemoryException, "fetch at 0x%08x", addr)
			}
			stats.Broken = true
			stats.BrokenAt = addr
			break
		}

		inst := isa.Inst(word)
		op := isa.Decode(inst)
		g := GuestOp{
			Inst:    inst,
			Op:      op,
			Address: addr,
			Flags:   isa.FlagsOf(op, inst),
			Cycles:  a.costs.Cycles(op),
		}
		stats.Cycles += g.Cycles
		g.CycleOffset = stats.Cycles
		g.GPRReads, g.GPRWrites, g.FPRReads, g.FPRWrites = operands(op, inst)
		if g.Flags&isa.FlUsesFPU != 0 {
			stats.UsesFPU = true
		}
		if g.Flags&isa.FlCanFault != 0 {
			stats.CanFault = true
		}
		buf.ops = append(buf.ops, g)
		addr += isa.InstSize

		if g.Flags&isa.FlEndBlock != 0 {
			break
		}
	}
	stats.Instructions = buf.Len()
	stats.End = addr
	return stats, nil
}

// operands returns the guest registers op reads and writes.
func operands(op isa.Op, inst isa.Inst) (gr, gw, fr, fw RegMask) {
	rd, ra, rb := inst.RD(), inst.RA(), inst.RB()
	baseOrZero := func() RegMask {
		if ra == 0 {
			return 0
		}
		return regBit(ra)
	}
	switch op {
	case isa.OpAddi, isa.OpAddis:
		return baseOrZero(), regBit(rd), 0, 0
	case isa.OpMulli, isa.OpNeg:
		return regBit(ra), regBit(rd), 0, 0
	case isa.OpOri, isa.OpOris, isa.OpXori, isa.OpAndiRc, isa.OpRlwinm:
		return regBit(inst.RS()), regBit(ra), 0, 0
	case isa.OpCmpi, isa.OpCmpli:
		return regBit(ra), 0, 0, 0
	case isa.OpCmp, isa.OpCmpl:
		return regBit(ra) | regBit(rb), 0, 0, 0
	case isa.OpAdd, isa.OpSubf, isa.OpMullw, isa.OpDivw, isa.OpDivwu:
		return regBit(ra) | regBit(rb), regBit(rd), 0, 0
	case isa.OpAnd, isa.OpOr, isa.OpXor, isa.OpSlw, isa.OpSrw:
		return regBit(inst.RS()) | regBit(rb), regBit(ra), 0, 0
	case isa.OpMfspr, isa.OpMfmsr:
		return 0, regBit(rd), 0, 0
	case isa.OpMtspr, isa.OpMtmsr:
		return regBit(inst.RS()), 0, 0, 0
	case isa.OpIcbi:
		return baseOrZero() | regBit(rb), 0, 0, 0
	case isa.OpLwz, isa.OpLbz, isa.OpLhz, isa.OpLha:
		return baseOrZero(), regBit(rd), 0, 0
	case isa.OpLwzu:
		return regBit(ra), regBit(rd) | regBit(ra), 0, 0
	case isa.OpStw, isa.OpStb, isa.OpSth:
		return baseOrZero() | regBit(inst.RS()), 0, 0, 0
	case isa.OpStwu:
		return regBit(ra) | regBit(inst.RS()), regBit(ra), 0, 0
	case isa.OpLfd:
		return baseOrZero(), 0, 0, regBit(rd)
	case isa.OpStfd:
		return baseOrZero(), 0, regBit(inst.RS()), 0
	case isa.OpFadd, isa.OpFsub, isa.OpFdiv:
		return 0, 0, regBit(ra) | regBit(rb), regBit(rd)
	case isa.OpFmul:
		return 0, 0, regBit(ra) | regBit(frc(inst)), regBit(rd)
	case isa.OpFmr, isa.OpFneg:
		return 0, 0, regBit(rb), regBit(rd)
	}
	return 0, 0, 0, 0
}

// frc extracts the C operand of an A-form float instruction.
func frc(inst isa.Inst) int { return int(uint32(inst)>>6) & 31 }

package host

import (
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
)

// ErrBadCode is returned when execution reaches bytes that are not a valid
// instruction. It always means a recompiler bug or a stale entry pointer.
var ErrBadCode = errors.New("invalid host code")

// Result describes why Run returned.
type Result struct {
	Kind ExitKind
	// Target is the guest address execution continues at (or the faulting
	// instruction for ExitException).
	Target uint32
	// Stub is the code offset of the exit instruction. For ExitDispatch
	// from a Dispatch instruction it is the patch site for linking.
	Stub uint32
	// Patchable is set when Stub is a Dispatch instruction.
	Patchable bool
}

// Helper is a host-side routine reachable through Call. Arguments are in S0
// and S1; the result, if any, goes to S0.
type Helper func(m *Machine)

// Machine executes host code directly from the code arena. Its register
// banks are scratch: generated code writes every guest register it changed
// back to the state before leaving a block.
type Machine struct {
	code    []byte
	state   *cpu.State
	mem     cpu.Memory
	poll    *atomic.Uint32
	helpers []Helper

	r [NumRegs]uint32
	f [NumRegs]float64

	// OnProfile receives Profile instructions.
	OnProfile func(block uint32)

	// Executed counts host instructions run.
	Executed uint64
	// Links counts direct block-to-block transfers.
	Links uint64
}

// NewMachine returns a machine executing code against state and mem. poll
// is the shared signal word tested by Poll; it may be nil.
func NewMachine(code []byte, state *cpu.State, mem cpu.Memory, poll *atomic.Uint32) *Machine {
	return &Machine{code: code, state: state, mem: mem, poll: poll}
}

// RegisterHelper adds h to the call table and returns its index.
func (m *Machine) RegisterHelper(h Helper) uint32 {
	m.helpers = append(m.helpers, h)
	return uint32(len(m.helpers) - 1)
}

func (m *Machine) State() *cpu.State { return m.state }

func (m *Machine) Reg(r Reg) uint32         { return m.r[r&(NumRegs-1)] }
func (m *Machine) SetReg(r Reg, v uint32)   { m.r[r&(NumRegs-1)] = v }
func (m *Machine) FReg(r Reg) float64       { return m.f[r&(NumRegs-1)] }
func (m *Machine) SetFReg(r Reg, v float64) { m.f[r&(NumRegs-1)] = v }

func (m *Machine) dataFault(addr uint32) {
	m.state.Raise(cpu.ExceptionDSI)
	m.state.Regs[cpu.SlotDAR] = addr
}

// Run executes from entry until an exit instruction.
func (m *Machine) Run(entry uint32) (Result, error) {
	s := m.state
	pc := entry
	for {
		if int(pc)+InstSize > len(m.code) || pc%InstSize != 0 {
			return Result{}, errors.Wrapf(ErrBadCode, "pc 0x%x outside arena", pc)
		}
		in := DecodeInst(m.code[pc:])
		m.Executed++
		next := pc + InstSize
		r := &m.r
		f := &m.f
		rd, ra, rb := in.Rd&(NumRegs-1), in.Ra&(NumRegs-1), in.Rb&(NumRegs-1)

		switch in.Op {
		case Nop:
		case MovI:
			r[rd] = in.Imm
		case Mov:
			r[rd] = r[ra]
		case LoadSlot:
			r[rd] = s.Regs[in.Imm]
		case StoreSlot:
			s.Regs[in.Imm] = r[ra]

		case Add:
			r[rd] = r[ra] + r[rb]
		case Sub:
			r[rd] = r[ra] - r[rb]
		case Mul:
			r[rd] = r[ra] * r[rb]
		case And:
			r[rd] = r[ra] & r[rb]
		case Or:
			r[rd] = r[ra] | r[rb]
		case Xor:
			r[rd] = r[ra] ^ r[rb]
		case Slw:
			r[rd] = cpu.ShiftLeftWord(r[ra], r[rb])
		case Srw:
			r[rd] = cpu.ShiftRightWord(r[ra], r[rb])
		case AddI:
			r[rd] = r[ra] + in.Imm
		case MulI:
			r[rd] = r[ra] * in.Imm
		case AndI:
			r[rd] = r[ra] & in.Imm
		case OrI:
			r[rd] = r[ra] | in.Imm
		case XorI:
			r[rd] = r[ra] ^ in.Imm
		case RotlI:
			r[rd] = bits.RotateLeft32(r[ra], int(in.Imm&31))
		case Neg:
			r[rd] = -r[ra]

		case Cmp:
			so := s.Regs[cpu.SlotXER]&cpu.XERSO != 0
			res := isa.Compare(r[ra], r[rb], in.Imm&8 != 0, so)
			r[rd] = isa.SetCRField(r[rd], in.Imm&7, res)
		case SetCR0:
			so := s.Regs[cpu.SlotXER]&cpu.XERSO != 0
			r[rd] = isa.SetCRField(r[rd], 0, isa.Compare(r[ra], 0, true, so))
		case CRBit:
			var v uint32
			if isa.CRBit(r[ra], in.Imm&31) {
				v = 1
			}
			r[rd] = v

		case Load8:
			addr := r[ra] + in.Imm
			if v, ok := m.mem.ReadU8(addr); ok {
				r[rd] = uint32(v)
			} else {
				m.dataFault(addr)
			}
		case Load16:
			addr := r[ra] + in.Imm
			if v, ok := m.mem.ReadU16(addr); ok {
				r[rd] = uint32(v)
			} else {
				m.dataFault(addr)
			}
		case Load16S:
			addr := r[ra] + in.Imm
			if v, ok := m.mem.ReadU16(addr); ok {
				r[rd] = uint32(int32(int16(v)))
			} else {
				m.dataFault(addr)
			}
		case Load32:
			addr := r[ra] + in.Imm
			if v, ok := m.mem.ReadU32(addr); ok {
				r[rd] = v
			} else {
				m.dataFault(addr)
			}
		case Store8:
			addr := r[ra] + in.Imm
			if !m.mem.WriteU8(addr, uint8(r[rd])) {
				m.dataFault(addr)
			}
		case Store16:
			addr := r[ra] + in.Imm
			if !m.mem.WriteU16(addr, uint16(r[rd])) {
				m.dataFault(addr)
			}
		case Store32:
			addr := r[ra] + in.Imm
			if !m.mem.WriteU32(addr, r[rd]) {
				m.dataFault(addr)
			}

		case FLoadSlot:
			f[rd] = s.FPR[in.Imm&(cpu.NumFPRs-1)]
		case FStoreSlot:
			s.FPR[in.Imm&(cpu.NumFPRs-1)] = f[ra]
		case FAdd:
			f[rd] = f[ra] + f[rb]
		case FSub:
			f[rd] = f[ra] - f[rb]
		case FMul:
			f[rd] = f[ra] * f[rb]
		case FDiv:
			f[rd] = f[ra] / f[rb]
		case FNeg:
			f[rd] = -f[ra]
		case FMov:
			f[rd] = f[ra]
		case FLoad64:
			addr := r[ra] + in.Imm
			if v, ok := m.mem.ReadU64(addr); ok {
				f[rd] = math.Float64frombits(v)
			} else {
				m.dataFault(addr)
			}
		case FStore64:
			addr := r[ra] + in.Imm
			if !m.mem.WriteU64(addr, math.Float64bits(f[rd])) {
				m.dataFault(addr)
			}

		case Jmp:
			next = in.Imm
		case Link:
			m.Links++
			next = in.Imm
		case Bz:
			if r[ra] == 0 {
				next = in.Imm
			}
		case Bnz:
			if r[ra] != 0 {
				next = in.Imm
			}
		case Blez:
			if int32(r[ra]) <= 0 {
				next = in.Imm
			}
		case Bexc:
			if s.Exceptions()&uint32(in.Rb) != 0 {
				next = in.Imm
			}
		case Poll:
			if m.poll != nil && m.poll.Load() != 0 {
				next = in.Imm
			}
		case Call:
			if int(in.Imm) >= len(m.helpers) {
				return Result{}, errors.Wrapf(ErrBadCode, "call to unknown helper %d at 0x%x", in.Imm, pc)
			}
			m.helpers[in.Imm](m)
		case Profile:
			if m.OnProfile != nil {
				m.OnProfile(in.Imm)
			}

		case Dispatch:
			return Result{Kind: ExitDispatch, Target: in.Imm, Stub: pc, Patchable: true}, nil
		case ExitReg:
			return Result{Kind: ExitDispatch, Target: r[ra], Stub: pc}, nil
		case Exit:
			return Result{Kind: ExitKind(in.Rd), Target: in.Imm, Stub: pc}, nil

		default:
			return Result{}, errors.Wrapf(ErrBadCode, "opcode %d at 0x%x", in.Op, pc)
		}
		pc = next
	}
}

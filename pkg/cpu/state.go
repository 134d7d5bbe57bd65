// Package cpu holds the guest processor state and the collaborators that the
// recompiler consumes: the memory interface, the exception controller, the
// timer, the debugger and the reference interpreter.
package cpu

import "strconv"

// Slot indices into State.Regs. The general-purpose registers come first so
// that GPR n is slot n; generated code addresses every architectural
// register through these indices.
const (
	SlotPC = 32 + iota
	SlotNPC
	SlotLR
	SlotCTR
	SlotCR
	SlotXER
	SlotMSR
	SlotSRR0
	SlotSRR1
	SlotDAR
	SlotSPRG0
	SlotSPRG1
	SlotSPRG2
	SlotSPRG3
	SlotDowncount
	SlotExceptions
	NumSlots
)

const NumGPRs = 32

const NumFPRs = 32

// MSR bits used by the core.
const (
	MSREE = 1 << 15
	MSRPR = 1 << 14
	MSRFP = 1 << 13
	MSRME = 1 << 12
	MSRIR = 1 << 5
	MSRDR = 1 << 4
	MSRRI = 1 << 1
)

// XERSO is the summary-overflow bit.
const XERSO = 1 << 31

var slotNames = [NumSlots]string{
	SlotPC: "pc", SlotNPC: "npc", SlotLR: "lr", SlotCTR: "ctr", SlotCR: "cr",
	SlotXER: "xer", SlotMSR: "msr", SlotSRR0: "srr0", SlotSRR1: "srr1",
	SlotDAR: "dar", SlotSPRG0: "sprg0", SlotSPRG1: "sprg1", SlotSPRG2: "sprg2",
	SlotSPRG3: "sprg3", SlotDowncount: "downcount", SlotExceptions: "exceptions",
}

// SlotName returns the register name of slot i.
func SlotName(i int) string {
	if i >= 0 && i < NumGPRs {
		return "r" + strconv.Itoa(i)
	}
	if i >= 0 && i < NumSlots {
		return slotNames[i]
	}
	return "?"
}

// State is the architectural register file of one guest CPU. Generated code
// and the interpreter both operate on it directly.
type State struct {
	Regs [NumSlots]uint32
	FPR  [NumFPRs]float64
}

func (s *State) GPR(i int) uint32       { return s.Regs[i&31] }
func (s *State) SetGPR(i int, v uint32) { s.Regs[i&31] = v }

func (s *State) PC() uint32       { return s.Regs[SlotPC] }
func (s *State) SetPC(pc uint32)  { s.Regs[SlotPC] = pc }
func (s *State) NPC() uint32      { return s.Regs[SlotNPC] }
func (s *State) SetNPC(pc uint32) { s.Regs[SlotNPC] = pc }

// Jump sets both PC and NPC.
func (s *State) Jump(pc uint32) {
	s.Regs[SlotPC] = pc
	s.Regs[SlotNPC] = pc
}

func (s *State) MSR() uint32 { return s.Regs[SlotMSR] }

// Downcount is the signed number of cycles left in the current slice.
func (s *State) Downcount() int32 { return int32(s.Regs[SlotDowncount]) }

func (s *State) SetDowncount(v int32) { s.Regs[SlotDowncount] = uint32(v) }

// AddDowncount debits (negative n) or credits the downcount.
func (s *State) AddDowncount(n int32) {
	s.Regs[SlotDowncount] = uint32(int32(s.Regs[SlotDowncount]) + n)
}

func (s *State) Exceptions() uint32 { return s.Regs[SlotExceptions] }

// Raise sets exception bits.
func (s *State) Raise(mask uint32) { s.Regs[SlotExceptions] |= mask }

// FPUEnabled reports MSR.FP.
func (s *State) FPUEnabled() bool { return s.Regs[SlotMSR]&MSRFP != 0 }

// SetCR0 records the signed comparison of result against zero in CR0.
func (s *State) SetCR0(result uint32) {
	var f uint32
	switch {
	case int32(result) < 0:
		f = 8
	case int32(result) > 0:
		f = 4
	default:
		f = 2
	}
	if s.Regs[SlotXER]&XERSO != 0 {
		f |= 1
	}
	s.Regs[SlotCR] = s.Regs[SlotCR]&0x0FFFFFFF | f<<28
}

// Reset puts the CPU in its power-on state with execution at pc.
func (s *State) Reset(pc, msr uint32) {
	*s = State{}
	s.Regs[SlotMSR] = msr
	s.Jump(pc)
}

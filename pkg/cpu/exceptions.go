package cpu

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Exception bits kept in SlotExceptions.
const (
	ExceptionDSI uint32 = 1 << iota
	ExceptionISI
	ExceptionExternal
	ExceptionProgram
	ExceptionFPUUnavailable
	ExceptionDecrementer
	ExceptionSyscall
)

// PreciseExceptions are raised by an instruction and always delivered at
// once, independent of MSR.EE.
const PreciseExceptions = ExceptionDSI | ExceptionISI | ExceptionProgram |
	ExceptionFPUUnavailable | ExceptionSyscall

// AsyncExceptions are gated by MSR.EE.
const AsyncExceptions = ExceptionExternal | ExceptionDecrementer

// Exception vectors.
const (
	VectorDSI            = 0x300
	VectorISI            = 0x400
	VectorExternal       = 0x500
	VectorProgram        = 0x700
	VectorFPUUnavailable = 0x800
	VectorDecrementer    = 0x900
	VectorSyscall        = 0xC00
)

// SRR1 keeps these MSR bits on exception entry.
const srr1Mask = 0x87C0FFFF

// MSR bits cleared on exception entry (EE, PR, FP, FE0, SE, BE, FE1, IR, DR, RI).
const msrClearOnException = 0x04EF36

// ExceptionController decides when a pending exception is taken and
// redirects the guest to its vector.
type ExceptionController struct {
	state    *State
	external atomic.Bool
	log      *zap.Logger

	// Taken counts delivered exceptions by vector.
	Taken map[uint32]uint64
}

func NewExceptionController(state *State, log *zap.Logger) *ExceptionController {
	if log == nil {
		log = zap.NewNop()
	}
	return &ExceptionController{state: state, log: log, Taken: make(map[uint32]uint64)}
}

// RaiseExternal asserts the external interrupt line. It is safe to call from
// any goroutine; the line is sampled at the next block boundary.
func (c *ExceptionController) RaiseExternal() { c.external.Store(true) }

// ClearExternal deasserts the external interrupt line.
func (c *ExceptionController) ClearExternal() { c.external.Store(false) }

func (c *ExceptionController) sample() {
	if c.external.Load() {
		c.state.Raise(ExceptionExternal)
	} else {
		c.state.Regs[SlotExceptions] &^= ExceptionExternal
	}
}

// Pending reports whether CheckExceptions would redirect control now.
func (c *ExceptionController) Pending() bool {
	c.sample()
	exc := c.state.Exceptions()
	if exc&PreciseExceptions != 0 {
		return true
	}
	return exc&AsyncExceptions != 0 && c.state.MSR()&MSREE != 0
}

// CheckExceptions delivers the highest-priority pending exception, if any,
// and returns the PC execution continues at. pc is the address of the
// instruction that would run next (or that faulted, for precise faults).
func (c *ExceptionController) CheckExceptions(pc uint32) uint32 {
	s := c.state
	s.SetPC(pc)
	c.sample()
	exc := s.Exceptions()

	switch {
	case exc&ExceptionISI != 0:
		return c.enter(ExceptionISI, VectorISI, pc)
	case exc&ExceptionProgram != 0:
		return c.enter(ExceptionProgram, VectorProgram, pc)
	case exc&ExceptionSyscall != 0:
		return c.enter(ExceptionSyscall, VectorSyscall, s.NPC())
	case exc&ExceptionFPUUnavailable != 0:
		return c.enter(ExceptionFPUUnavailable, VectorFPUUnavailable, pc)
	case exc&ExceptionDSI != 0:
		return c.enter(ExceptionDSI, VectorDSI, pc)
	}

	if s.MSR()&MSREE == 0 {
		return pc
	}
	switch {
	case exc&ExceptionExternal != 0:
		// Level triggered: the line stays asserted until the device clears it.
		return c.enter(ExceptionExternal, VectorExternal, pc)
	case exc&ExceptionDecrementer != 0:
		return c.enter(ExceptionDecrementer, VectorDecrementer, pc)
	}
	return pc
}

func (c *ExceptionController) enter(bit, vector, srr0 uint32) uint32 {
	s := c.state
	s.Regs[SlotSRR0] = srr0
	s.Regs[SlotSRR1] = s.MSR() & srr1Mask
	s.Regs[SlotMSR] &^= msrClearOnException
	if bit != ExceptionExternal {
		s.Regs[SlotExceptions] &^= bit
	}
	s.Jump(vector)
	c.Taken[vector]++
	c.log.Debug("exception taken",
		zap.Uint32("vector", vector),
		zap.Uint32("srr0", srr0))
	return vector
}

package cpu

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Debugger holds the breakpoint set and the single-step request flag. It is
// mutated from debugger front ends on other goroutines and read by the CPU
// thread once per dispatch.
type Debugger struct {
	mu          sync.RWMutex
	breakpoints map[uint32]struct{}
	active      atomic.Bool
	step        atomic.Bool
	onChange    func()
}

func NewDebugger() *Debugger {
	return &Debugger{breakpoints: make(map[uint32]struct{})}
}

// OnChange registers fn to run after the breakpoint set changes. Translated
// code may have been compiled without a check at the new address, so the
// owner typically requests a cache clear here.
func (d *Debugger) OnChange(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

func (d *Debugger) AddBreakpoint(addr uint32) {
	d.mu.Lock()
	d.breakpoints[addr] = struct{}{}
	d.active.Store(true)
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *Debugger) RemoveBreakpoint(addr uint32) {
	d.mu.Lock()
	delete(d.breakpoints, addr)
	d.active.Store(len(d.breakpoints) > 0)
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Breakpoints returns the sorted breakpoint addresses.
func (d *Debugger) Breakpoints() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint32, 0, len(d.breakpoints))
	for addr := range d.breakpoints {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Active reports whether any breakpoint is set.
func (d *Debugger) Active() bool { return d != nil && d.active.Load() }

// IsBreakpoint reports whether addr has a breakpoint.
func (d *Debugger) IsBreakpoint(addr uint32) bool {
	if !d.Active() {
		return false
	}
	d.mu.RLock()
	_, ok := d.breakpoints[addr]
	d.mu.RUnlock()
	return ok
}

// RequestStep asks the CPU thread to execute exactly one instruction and
// then pause.
func (d *Debugger) RequestStep() { d.step.Store(true) }

// TakeStep consumes a pending step request.
func (d *Debugger) TakeStep() bool { return d != nil && d.step.Swap(false) }

// StepRequested reports a pending step request without consuming it.
func (d *Debugger) StepRequested() bool { return d != nil && d.step.Load() }

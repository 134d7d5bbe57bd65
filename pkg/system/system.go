// Package system assembles guest memory, CPU state, timer and recompiler
// into a machine that runs on its own goroutine and can be inspected and
// controlled from others.
package system

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dynarec/pkg/config"
	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit"
	"dynarec/pkg/ram"
	"dynarec/pkg/staterepository"
)

var (
	// ErrNoRepository is returned by savestate operations when no
	// repository was configured.
	ErrNoRepository = errors.New("savestates are not configured")
	// ErrRunning is returned by Step when the machine is not paused.
	ErrRunning = errors.New("machine is running")
)

type Options struct {
	Logger     *zap.Logger
	Registerer prometheus.Registerer
	// Repository stores savestates and profiles. It stays owned by the
	// caller.
	Repository *staterepository.PebbleRepository
	// MaxCycles halts the machine after that many guest cycles. Zero runs
	// until the context is cancelled.
	MaxCycles int64
}

// System is one emulated machine. Run drives it; every other method is safe
// from any goroutine and waits for the CPU to reach a block boundary when it
// needs a consistent view.
type System struct {
	state    *cpu.State
	mem      *ram.RAM
	ctrl     *cpu.ExceptionController
	timer    *cpu.Timer
	debugger *cpu.Debugger
	rt       *jit.Runtime
	repo     *staterepository.PebbleRepository
	log      *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	waiters int

	// cpuMu is held by the goroutine executing guest code.
	cpuMu  sync.Mutex
	halted atomic.Bool
}

// New builds a machine from cfg. All of RAM is mapped read-write and the
// CPU is reset to the configured entry point.
func New(cfg config.Config, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	jitOpts, err := cfg.RuntimeOptions()
	if err != nil {
		return nil, err
	}

	mem, err := ram.NewRAM(cfg.CPU.RAMSize)
	if err != nil {
		return nil, err
	}
	if err := mem.MutateAccessRange(0, mem.Size(), ram.Mutable); err != nil {
		return nil, err
	}

	s := &System{
		state:    &cpu.State{},
		mem:      mem,
		debugger: cpu.NewDebugger(),
		repo:     opts.Repository,
		log:      opts.Logger.Named("system"),
		paused:   cfg.Debug.StartPaused,
	}
	s.cond = sync.NewCond(&s.mu)
	s.state.Reset(cfg.CPU.Entry, cfg.CPU.MSR)
	s.ctrl = cpu.NewExceptionController(s.state, opts.Logger.Named("exceptions"))
	s.timer = cpu.NewTimer(s.state, cfg.Timer.SliceLength)
	s.timer.Advance()
	s.timer.EnableDecrementer(s.ctrl, cfg.Timer.DecrementerPeriod)
	if opts.MaxCycles > 0 {
		s.timer.Schedule(opts.MaxCycles, "halt", func(int64) { s.halt() })
	}

	jitOpts.Debugger = s.debugger
	jitOpts.Logger = opts.Logger
	jitOpts.Registerer = opts.Registerer
	s.rt, err = jit.NewRuntime(s.state, mem, s.ctrl, s.timer, jitOpts)
	if err != nil {
		return nil, errors.Wrap(err, "create runtime")
	}
	mem.SetWriteWatcher(s.rt)

	s.log.Info("machine created",
		zap.Uint32("ram", cfg.CPU.RAMSize),
		zap.String("entry", hex32(cfg.CPU.Entry)),
		zap.Bool("jit", cfg.JIT.Enabled),
		zap.Bool("paused", s.paused))
	return s, nil
}

// Close releases the code space. Run must have returned.
func (s *System) Close() error {
	return s.rt.Free()
}

func (s *System) halt() {
	s.halted.Store(true)
	s.rt.Stop()
}

// Halted reports whether the cycle limit was reached.
func (s *System) Halted() bool { return s.halted.Load() }

// Run executes the guest until ctx is cancelled or the cycle limit is
// reached. Breakpoints pause the machine; Run keeps waiting for Continue.
func (s *System) Run(ctx context.Context) error {
	wake := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer wake()

	for !s.halted.Load() {
		if s.waitRunnable(ctx) != nil {
			return nil
		}
		s.cpuMu.Lock()
		err := s.rt.Run(ctx)
		s.cpuMu.Unlock()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, jit.ErrStopped):
		case errors.Is(err, jit.ErrBreakpoint):
			s.mu.Lock()
			s.paused = true
			s.mu.Unlock()
			s.log.Info("paused", zap.String("pc", hex32(s.state.PC())), zap.Error(err))
		default:
			return errors.Wrap(err, "cpu")
		}
	}
	s.log.Info("cycle limit reached", zap.String("pc", hex32(s.state.PC())))
	return nil
}

// waitRunnable blocks while the machine is paused or another goroutine is
// waiting for exclusive access.
func (s *System) waitRunnable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for (s.paused || s.waiters > 0) && ctx.Err() == nil {
		s.cond.Wait()
	}
	return ctx.Err()
}

// exclusive stops the CPU at the next block boundary and runs fn while it is
// parked.
func (s *System) exclusive(fn func()) {
	s.mu.Lock()
	s.waiters++
	s.mu.Unlock()

	s.rt.Stop()
	s.cpuMu.Lock()
	fn()
	s.cpuMu.Unlock()

	s.mu.Lock()
	s.waiters--
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *System) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	// Wait for the CPU to leave guest code.
	s.exclusive(func() {})
}

func (s *System) Continue() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *System) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Step executes one instruction of a paused machine.
func (s *System) Step() error {
	if !s.Paused() {
		return ErrRunning
	}
	s.exclusive(s.rt.SingleStep)
	return nil
}

func (s *System) Registers() cpu.State {
	var out cpu.State
	s.exclusive(func() { out = *s.state })
	return out
}

// SetRegisters replaces the register file. The running time slice is kept.
func (s *System) SetRegisters(state cpu.State) {
	s.exclusive(func() {
		downcount := s.state.Downcount()
		*s.state = state
		s.state.SetDowncount(downcount)
	})
}

// ReadMemory copies guest memory regardless of page rights.
func (s *System) ReadMemory(addr, size uint32) ([]byte, error) {
	var data []byte
	var err error
	s.exclusive(func() { data, err = s.mem.InspectRange(addr, size) })
	return data, err
}

// WriteMemory stores data regardless of page rights. Translated code
// covering the range is discarded.
func (s *System) WriteMemory(addr uint32, data []byte) error {
	var err error
	s.exclusive(func() { err = s.mem.MutateRange(addr, data) })
	return err
}

// LoadProgram writes insts at addr.
func (s *System) LoadProgram(addr uint32, insts ...isa.Inst) error {
	return s.WriteMemory(addr, isa.Program(insts...))
}

func (s *System) AddBreakpoint(addr uint32)    { s.debugger.AddBreakpoint(addr) }
func (s *System) RemoveBreakpoint(addr uint32) { s.debugger.RemoveBreakpoint(addr) }
func (s *System) Breakpoints() []uint32        { return s.debugger.Breakpoints() }

// RaiseExternal asserts the external interrupt line.
func (s *System) RaiseExternal() { s.rt.RaiseExternal() }

func (s *System) ClearCache() { s.exclusive(s.rt.ClearCache) }

func (s *System) Profile() []jit.BlockProfile {
	var out []jit.BlockProfile
	s.exclusive(func() { out = s.rt.Profile() })
	return out
}

func (s *System) Stats() jit.Stats {
	var out jit.Stats
	s.exclusive(func() { out = s.rt.Stats() })
	return out
}

// Disassemble renders the host code translated for the block at pc.
func (s *System) Disassemble(pc uint32) (string, bool) {
	var text string
	var ok bool
	s.exclusive(func() { text, ok = s.rt.Disassemble(pc) })
	return text, ok
}

// SaveState stores the registers and memory under name.
func (s *System) SaveState(name string) (uuid.UUID, error) {
	if s.repo == nil {
		return uuid.Nil, ErrNoRepository
	}
	save := staterepository.Savestate{Name: name, Created: time.Now().UTC()}
	s.exclusive(func() {
		save.State = *s.state
		save.Memory = s.mem.Snapshot()
	})
	id, err := s.repo.SaveState(save)
	if err != nil {
		return uuid.Nil, err
	}
	s.log.Info("savestate written",
		zap.Stringer("id", id),
		zap.String("name", name),
		zap.String("pc", hex32(save.State.PC())))
	return id, nil
}

// LoadState restores a savestate. Every translated block is discarded.
func (s *System) LoadState(id uuid.UUID) error {
	if s.repo == nil {
		return ErrNoRepository
	}
	save, err := s.repo.LoadState(id)
	if err != nil {
		return err
	}
	s.exclusive(func() {
		if err = s.mem.Restore(save.Memory); err != nil {
			return
		}
		s.rt.ClearCache()
		downcount := s.state.Downcount()
		*s.state = save.State
		s.state.SetDowncount(downcount)
	})
	if err != nil {
		return errors.Wrapf(err, "restore savestate %s", id)
	}
	s.log.Info("savestate loaded",
		zap.Stringer("id", id),
		zap.String("name", save.Name),
		zap.String("pc", hex32(save.State.PC())))
	return nil
}

// SaveProfile stores the current block profile under name.
func (s *System) SaveProfile(name string) (uuid.UUID, error) {
	if s.repo == nil {
		return uuid.Nil, ErrNoRepository
	}
	return s.repo.SaveProfile(staterepository.ProfileSnapshot{
		Name:    name,
		Created: time.Now().UTC(),
		Blocks:  s.Profile(),
	})
}

func hex32(v uint32) string { return fmt.Sprintf("0x%08x", v) }

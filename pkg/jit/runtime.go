package jit

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

// Bits of the poll word shared with generated code. Any non-zero value makes
// the next checked entry leave to the dispatcher.
const (
	signalStop uint32 = 1 << iota
	signalClear
	signalInterrupt
)

// Options configure a Runtime. The zero value translates with default
// limits, linking on and profiling off.
type Options struct {
	// InterpreterOnly runs every instruction through the interpreter.
	InterpreterOnly      bool
	CodeSpaceSize        int
	MaxBlockInstructions int
	MaxBlockBytes        int
	DisableLinking       bool
	Profiling            bool
	RegAlloc             RegAllocPolicy
	DisabledClasses      []isa.Class
	// MemorySize bounds the code-line bitmap. It defaults to the size of
	// mem when mem reports one.
	MemorySize uint32

	Costs      *isa.CostTable
	Debugger   *cpu.Debugger
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	Dispatches       uint64 `json:"dispatches"`
	BlocksCompiled   uint64 `json:"blocksCompiled"`
	CacheClears      uint64 `json:"cacheClears"`
	LinksPatched     uint64 `json:"linksPatched"`
	LinkedJumps      uint64 `json:"linkedJumps"`
	InterpreterCalls uint64 `json:"interpreterCalls"`
	InterpreterSteps uint64 `json:"interpreterSteps"`
	ExceptionExits   uint64 `json:"exceptionExits"`
	FetchFaults      uint64 `json:"fetchFaults"`
	HostInstructions uint64 `json:"hostInstructions"`
	LiveBlocks       int    `json:"liveBlocks"`
	PendingLinks     int    `json:"pendingLinks"`
	CodeBytes        int    `json:"codeBytes"`
	CodeCapacity     int    `json:"codeCapacity"`
}

// Runtime is the recompiler context of one guest CPU: code space, block
// cache, linker, translator and the dispatcher loop. Everything except the
// methods documented as goroutine-safe belongs to the goroutine calling Run.
type Runtime struct {
	state    *cpu.State
	mem      cpu.Memory
	ctrl     *cpu.ExceptionController
	timer    *cpu.Timer
	debugger *cpu.Debugger

	space      *CodeSpace
	cache      *BlockCache
	linker     *Linker
	analyzer   *Analyzer
	translator *Translator
	bridge     *InterpreterBridge
	machine    *host.Machine

	interpreterOnly bool
	poll            atomic.Uint32
	stop            atomic.Bool

	// resumeAt lets execution continue past the breakpoint Run last
	// stopped at.
	resume   bool
	resumeAt uint32

	stats    Stats
	reported struct{ patched, fallbacks uint64 }
	metrics  *Metrics
	log      *zap.Logger
}

type sizedMemory interface {
	Size() uint32
}

// NewRuntime builds a runtime for state, executing against mem and
// delivering exceptions through ctrl with time kept by timer.
func NewRuntime(state *cpu.State, mem cpu.Memory, ctrl *cpu.ExceptionController, timer *cpu.Timer, opts Options) (*Runtime, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Costs == nil {
		opts.Costs = isa.DefaultCosts()
	}
	if opts.MemorySize == 0 {
		if sm, ok := mem.(sizedMemory); ok {
			opts.MemorySize = sm.Size()
		} else {
			opts.MemorySize = 1 << 30
		}
	}

	space, err := NewCodeSpace(opts.CodeSpaceSize)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(opts.Registerer)
	if err != nil {
		_ = space.Free()
		return nil, errors.Wrap(err, "register metrics")
	}

	r := &Runtime{
		state:           state,
		mem:             mem,
		ctrl:            ctrl,
		timer:           timer,
		debugger:        opts.Debugger,
		space:           space,
		interpreterOnly: opts.InterpreterOnly,
		metrics:         metrics,
		log:             opts.Logger.Named("jit"),
	}
	r.cache = NewBlockCache(opts.MemorySize, func() { r.poll.Or(signalClear) }, r.log)
	r.linker = NewLinker(r.cache, space, !opts.DisableLinking)

	interp := cpu.NewInterpreter(state, mem, cpu.InterpreterOptions{
		Costs:  opts.Costs,
		ICache: r,
		Logger: opts.Logger,
	})
	r.bridge = NewInterpreterBridge(interp)

	r.machine = host.NewMachine(space.Bytes(), state, mem, &r.poll)
	interpHelper := r.machine.RegisterHelper(r.bridge.helper)
	if opts.Profiling {
		r.machine.OnProfile = r.countRun
	}

	r.analyzer = NewAnalyzer(mem, opts.Costs, opts.MaxBlockInstructions, opts.MaxBlockBytes)
	r.analyzer.debugger = opts.Debugger
	r.translator = NewTranslator(space, r.cache, r.linker, r.analyzer, interpHelper, TranslatorOptions{
		Profiling: opts.Profiling,
		Disabled:  opts.DisabledClasses,
		RegAlloc:  opts.RegAlloc,
		Logger:    r.log,
	})

	if opts.Debugger != nil {
		opts.Debugger.OnChange(r.cache.RequestClear)
	}
	return r, nil
}

// Free releases the code space. The runtime must not be used afterwards.
func (r *Runtime) Free() error {
	return r.space.Free()
}

func (r *Runtime) State() *cpu.State { return r.state }

// Cache exposes the block cache for inspection.
func (r *Runtime) Cache() *BlockCache { return r.cache }

// Run executes guest code until ctx is cancelled, Stop is called, or a
// breakpoint is reached. Stop and cancellation are honoured at block
// boundaries. Calling Run again after ErrBreakpoint resumes past the
// breakpoint.
func (r *Runtime) Run(ctx context.Context) error {
	cancel := context.AfterFunc(ctx, r.Stop)
	defer cancel()

	for {
		if err := r.boundary(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if r.debugger.TakeStep() {
			r.SingleStep()
			return errors.Wrapf(ErrBreakpoint, "step to 0x%08x", r.state.PC())
		}

		pc := r.state.PC()
		if r.debugger.IsBreakpoint(pc) && (!r.resume || r.resumeAt != pc) {
			r.resume, r.resumeAt = true, pc
			return errors.Wrapf(ErrBreakpoint, "at 0x%08x", pc)
		}
		r.resume = false

		if err := r.dispatch(pc); err != nil {
			return err
		}
	}
}

// Stop asks Run to return ErrStopped at the next block boundary. A Stop
// issued while Run is not active makes the next Run return at once. Safe
// from any goroutine.
func (r *Runtime) Stop() {
	r.stop.Store(true)
	r.poll.Or(signalStop)
}

// RaiseExternal asserts the external interrupt line and makes running code
// return to the dispatcher promptly. Safe from any goroutine.
func (r *Runtime) RaiseExternal() {
	r.ctrl.RaiseExternal()
	r.poll.Or(signalInterrupt)
}

// NotifyWrite implements the guest memory write watcher. Safe from any
// goroutine.
func (r *Runtime) NotifyWrite(addr, size uint32) {
	r.cache.NotifyWrite(addr, size)
}

// RequestClear schedules a full cache clear at the next block boundary.
// Safe from any goroutine.
func (r *Runtime) RequestClear() {
	r.cache.RequestClear()
}

// InvalidateRange handles icbi. Translated code covering the range is
// dropped at the next block boundary.
func (r *Runtime) InvalidateRange(addr, size uint32) {
	if len(r.cache.BlocksCovering(addr, size)) > 0 {
		r.cache.RequestClear()
	}
}

// ClearCache discards every block and resets the code space. It must be
// called from the CPU goroutine or while Run is not active.
func (r *Runtime) ClearCache() {
	r.cache.ClearPending()
	r.clear("request")
}

func (r *Runtime) clear(reason string) {
	r.cache.ClearAll()
	r.linker.Reset()
	r.space.Reset()
	r.stats.CacheClears++
	r.metrics.CacheClears.WithLabelValues(reason).Inc()
	r.metrics.CodeBytes.Set(0)
	r.metrics.LiveBlocks.Set(0)
	r.log.Debug("code cache cleared", zap.String("reason", reason))
}

// SingleStep executes exactly one guest instruction through the
// interpreter and then runs the exception check.
func (r *Runtime) SingleStep() {
	if r.cache.ClearPending() {
		r.clear("invalidate")
	}
	r.bridge.Step()
	r.afterBlock()
}

// boundary handles cross-goroutine requests between blocks.
func (r *Runtime) boundary() error {
	sig := r.poll.Swap(0)
	if r.cache.ClearPending() {
		r.clear("invalidate")
	}
	if r.stop.Swap(false) {
		return ErrStopped
	}
	if sig&signalInterrupt != 0 && r.ctrl.Pending() {
		r.ctrl.CheckExceptions(r.state.PC())
	}
	return nil
}

func (r *Runtime) dispatch(pc uint32) error {
	r.stats.Dispatches++
	r.metrics.Dispatches.Inc()

	if r.interpreterOnly {
		r.bridge.Step()
		r.afterBlock()
		return nil
	}

	var entry uint32
	if b := r.cache.Find(pc); b != nil {
		entry = b.CheckedEntry
	} else {
		b, err := r.compile(pc)
		if errors.Is(err, ErrMemoryException) {
			r.stats.FetchFaults++
			r.state.Raise(cpu.ExceptionISI)
			r.ctrl.CheckExceptions(pc)
			return nil
		}
		if err != nil {
			return err
		}
		entry = b.NormalEntry
	}

	res, err := r.machine.Run(entry)
	if err != nil {
		return errors.Wrapf(err, "running block at 0x%08x", pc)
	}
	switch res.Kind {
	case host.ExitDispatch, host.ExitTiming:
		r.state.Jump(res.Target)
	case host.ExitException:
		r.state.SetPC(res.Target)
		r.stats.ExceptionExits++
		r.metrics.Exceptions.Inc()
	case host.ExitInterpret:
		r.state.Jump(res.Target)
		r.bridge.Step()
	}
	r.afterBlock()
	return nil
}

// afterBlock advances time when the slice is used up and delivers pending
// exceptions.
func (r *Runtime) afterBlock() {
	if r.state.Downcount() <= 0 {
		r.timer.Advance()
	}
	if r.ctrl.Pending() {
		r.ctrl.CheckExceptions(r.state.PC())
	}
	fallbacks := r.bridge.Calls + r.bridge.Steps
	if d := fallbacks - r.reported.fallbacks; d > 0 {
		r.metrics.Fallbacks.Add(float64(d))
		r.reported.fallbacks = fallbacks
	}
}

func (r *Runtime) compile(pc uint32) (*JitBlock, error) {
	b, err := r.translator.Translate(pc)
	if errors.Is(err, ErrOutOfCodeSpace) {
		r.log.Info("code space exhausted, clearing cache",
			zap.Uint32("pc", pc),
			zap.Int("used", r.space.Used()))
		r.clear("code space")
		b, err = r.translator.Translate(pc)
	}
	if err != nil {
		return nil, err
	}
	r.stats.BlocksCompiled++
	r.metrics.BlocksCompiled.Inc()
	r.metrics.CodeBytes.Set(float64(r.space.Used()))
	r.metrics.LiveBlocks.Set(float64(r.cache.Len()))
	if d := r.linker.Patched - r.reported.patched; d > 0 {
		r.metrics.LinksPatched.Add(float64(d))
		r.reported.patched = r.linker.Patched
	}
	return b, nil
}

// Stats returns the current counters.
func (r *Runtime) Stats() Stats {
	s := r.stats
	s.LinksPatched = r.linker.Patched
	s.LinkedJumps = r.machine.Links
	s.InterpreterCalls = r.bridge.Calls
	s.InterpreterSteps = r.bridge.Steps
	s.HostInstructions = r.machine.Executed
	s.LiveBlocks = r.cache.Len()
	s.PendingLinks = r.linker.Pending()
	s.CodeBytes = r.space.Used()
	s.CodeCapacity = r.space.Capacity()
	return s
}

// Disassemble renders the host code of the block starting at pc.
func (r *Runtime) Disassemble(pc uint32) (string, bool) {
	b := r.cache.Find(pc)
	if b == nil {
		return "", false
	}
	code := r.space.Bytes()[b.CodeStart : b.CodeStart+uint32(b.CodeSize)]
	return host.Disassemble(code, b.CodeStart), true
}

package jit

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/jit/host"
)

// Worst-case host instructions per guest op and per block. Translation
// refuses to start unless this much space is left.
const (
	maxHostPerOp  = 96
	blockOverhead = 64
)

// farStub is an out-of-line exception exit emitted after the block body.
type farStub struct {
	fixup  host.Fixup
	spills []Spill
	debit  int
	pc     uint32
}

// TranslatorOptions tune code generation.
type TranslatorOptions struct {
	// Profiling emits a run counter at every normal entry.
	Profiling bool
	// Disabled op classes are always handed to the interpreter.
	Disabled []isa.Class
	RegAlloc RegAllocPolicy
	Logger   *zap.Logger
}

// Translator turns analyzed guest code into host code in the code space.
type Translator struct {
	space    *CodeSpace
	cache    *BlockCache
	linker   *Linker
	analyzer *Analyzer
	buf      *CodeBuffer
	asm      *host.Assembler
	rc       *RegCache
	interp   uint32
	disabled [isa.NumClasses]bool
	profile  bool
	log      *zap.Logger

	// Per-block state.
	stats BlockStats
	links []LinkData
	stubs []farStub
	link  bool
}

// NewTranslator creates a translator. interpHelper is the machine helper id
// that runs one instruction in the interpreter.
func NewTranslator(space *CodeSpace, cache *BlockCache, linker *Linker, analyzer *Analyzer, interpHelper uint32, opts TranslatorOptions) *Translator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	t := &Translator{
		space:    space,
		cache:    cache,
		linker:   linker,
		analyzer: analyzer,
		buf:      NewCodeBuffer(analyzer.maxInsts),
		asm:      host.NewAssembler(0),
		rc:       NewRegCache(opts.RegAlloc),
		interp:   interpHelper,
		profile:  opts.Profiling,
		log:      opts.Logger,
	}
	for _, c := range opts.Disabled {
		if int(c) < len(t.disabled) {
			t.disabled[c] = true
		}
	}
	analyzer.stopAt = cache.Contains
	return t
}

// Translate analyzes and compiles the block at pc and registers it with the
// cache and linker. It returns ErrMemoryException when pc cannot be fetched
// and ErrOutOfCodeSpace, with nothing committed, when the arena is full.
func (t *Translator) Translate(pc uint32) (*JitBlock, error) {
	stats, err := t.analyzer.Analyze(pc, t.buf)
	if err != nil {
		return nil, err
	}
	ops := t.buf.Ops()
	worst := (blockOverhead + len(ops)*maxHostPerOp) * host.InstSize
	if t.space.Remaining() < worst {
		return nil, errors.Wrapf(ErrOutOfCodeSpace, "block at 0x%08x needs up to %d bytes", pc, worst)
	}

	id := t.cache.Allocate(pc)
	base := t.space.Cursor()
	t.asm.Reset(base)
	t.stats = stats
	t.links = t.links[:0]
	t.stubs = t.stubs[:0]
	t.link = t.linker.Enabled() && !stats.Debugging

	checked, normal := t.emitBlock(id, ops)

	off, err := t.space.Commit(t.asm.Bytes())
	if err != nil {
		t.cache.Release(id)
		return nil, err
	}
	if off != base {
		t.cache.Release(id)
		return nil, errors.AssertionFailedf("block assembled for 0x%x committed at 0x%x", base, off)
	}

	blk := t.cache.Finalize(id, JitBlock{
		Size:         stats.Instructions,
		Cycles:       stats.Cycles,
		CheckedEntry: checked,
		NormalEntry:  normal,
		CodeStart:    base,
		CodeSize:     t.asm.Len(),
		Links:        append([]LinkData(nil), t.links...),
		Broken:       stats.Broken,
		UsesFPU:      stats.UsesFPU,
		Fingerprint:  fingerprint(ops),
	})
	if t.link {
		t.linker.Register(blk)
	}

	t.log.Debug("block translated",
		zap.Uint32("pc", pc),
		zap.Int("instructions", blk.Size),
		zap.Int("cycles", blk.Cycles),
		zap.Int("codeBytes", blk.CodeSize),
		zap.Bool("broken", blk.Broken))
	return blk, nil
}

// emitBlock lays out:
//
//	timing stub   exit timing, start
//	checked entry downcount and poll checks
//	normal entry  profile counter, FPU guard
//	body
//	far stubs
func (t *Translator) emitBlock(id int, ops []GuestOp) (checked, normal uint32) {
	a := t.asm
	start := t.stats.Start

	timing := a.Offset()
	a.Exit(host.ExitTiming, start)

	checked = a.Offset()
	a.LoadSlot(host.S0, cpu.SlotDowncount)
	a.SetTarget(a.Blez(host.S0), timing)
	a.SetTarget(a.Poll(), timing)

	normal = a.Offset()
	if t.profile {
		a.Profile(uint32(id))
	}
	if t.stats.UsesFPU {
		a.LoadSlot(host.S0, cpu.SlotMSR)
		a.ALUI(host.AndI, host.S0, host.S0, cpu.MSRFP)
		body := a.Bnz(host.S0)
		a.LoadSlot(host.S0, cpu.SlotExceptions)
		a.ALUI(host.OrI, host.S0, host.S0, cpu.ExceptionFPUUnavailable)
		a.StoreSlot(cpu.SlotExceptions, host.S0)
		a.Exit(host.ExitException, start)
		a.Bind(body)
	}

	t.rc.Start(a, ops)
	ended := false
	for i := range ops {
		t.rc.Advance(i)
		op := &ops[i]
		if !t.emitNative(op) {
			t.emitInterpreted(op)
		}
		if op.Flags&isa.FlEndBlock != 0 {
			ended = true
		}
	}
	if !ended {
		t.rc.Flush(false)
		t.debit(t.stats.Cycles)
		if t.stats.Broken {
			a.Exit(host.ExitInterpret, t.stats.BrokenAt)
		} else {
			t.exitTo(t.stats.End)
		}
	}

	for _, s := range t.stubs {
		a.Bind(s.fixup)
		EmitSpills(a, s.spills)
		t.debit(s.debit)
		a.Exit(host.ExitException, s.pc)
	}
	return checked, normal
}

func (t *Translator) emitNative(op *GuestOp) bool {
	if t.disabled[isa.Info(op.Op).Class] {
		return false
	}
	tr := translations[op.Op]
	if tr.strategy != native {
		return false
	}
	return tr.emit(t, op)
}

// emitInterpreted hands one instruction to the interpreter with every guest
// register written back.
func (t *Translator) emitInterpreted(op *GuestOp) {
	a := t.asm
	t.rc.Flush(false)
	a.MovI(host.S0, uint32(op.Inst))
	a.MovI(host.S1, op.Address)
	a.Call(t.interp)
	t.stubs = append(t.stubs, farStub{
		fixup: a.Bexc(uint8(cpu.PreciseExceptions)),
		debit: op.CycleOffset,
		pc:    op.Address,
	})

	switch {
	case op.Flags&isa.FlEndBlock != 0:
		a.LoadSlot(host.S0, cpu.SlotNPC)
		t.debit(op.CycleOffset)
		a.ExitReg(host.S0)
	case op.Flags&isa.FlBranch != 0:
		a.LoadSlot(host.S0, cpu.SlotNPC)
		a.ALUI(host.XorI, host.S1, host.S0, op.Address+isa.InstSize)
		cont := a.Bz(host.S1)
		t.debit(op.CycleOffset)
		a.ExitReg(host.S0)
		a.Bind(cont)
	}
}

// faultCheck branches to an exception stub when the memory access just
// emitted raised DSI. The stub writes back what was dirty at this point.
func (t *Translator) faultCheck(op *GuestOp) {
	t.stubs = append(t.stubs, farStub{
		spills: t.rc.Snapshot(),
		fixup:  t.asm.Bexc(uint8(cpu.ExceptionDSI)),
		debit:  op.CycleOffset,
		pc:     op.Address,
	})
}

// debit subtracts cycles from the downcount. Only S2 is clobbered.
func (t *Translator) debit(cycles int) {
	if cycles == 0 {
		return
	}
	a := t.asm
	a.LoadSlot(host.S2, cpu.SlotDowncount)
	a.ALUI(host.AddI, host.S2, host.S2, uint32(-int32(cycles)))
	a.StoreSlot(cpu.SlotDowncount, host.S2)
}

// exitTo leaves the block for a static guest address, linking directly when
// the target is already translated.
func (t *Translator) exitTo(target uint32) {
	a := t.asm
	if t.link {
		if b := t.cache.Find(target); b != nil {
			stub := a.LinkTo(b.CheckedEntry)
			t.links = append(t.links, LinkData{Target: target, Stub: stub, Linked: true})
			return
		}
	}
	stub := a.Dispatch(target)
	t.links = append(t.links, LinkData{Target: target, Stub: stub})
}

func fingerprint(ops []GuestOp) [32]byte {
	buf := make([]byte, 0, len(ops)*8)
	for _, op := range ops {
		buf = binary.BigEndian.AppendUint32(buf, op.Address)
		buf = binary.BigEndian.AppendUint32(buf, uint32(op.Inst))
	}
	return blake2b.Sum256(buf)
}

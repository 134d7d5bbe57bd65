package jit

import (
	"dynarec/pkg/jit/host"
)

// RegAllocPolicy selects how the register cache picks a victim.
type RegAllocPolicy int

const (
	// AllocFurthestUse evicts the register whose next use in the block is
	// furthest away, preferring clean registers on ties.
	AllocFurthestUse RegAllocPolicy = iota
	// AllocLRU evicts the least recently used register.
	AllocLRU
)

const noGuest = -1

type hostSlot struct {
	guest   int
	dirty   bool
	locked  bool
	lastUse int
}

// regBank caches one guest register file (integer or float) in the
// allocatable host registers of the matching bank.
type regBank struct {
	float   bool
	slots   [host.NumAllocatable]hostSlot
	guestTo [32]int8
}

func (b *regBank) reset() {
	for i := range b.slots {
		b.slots[i] = hostSlot{guest: noGuest}
	}
	for i := range b.guestTo {
		b.guestTo[i] = -1
	}
}

// Spill is one dirty guest register held in a host register.
type Spill struct {
	Guest int
	Reg   host.Reg
	Float bool
}

// RegCache binds guest registers to host registers for the duration of one
// block. All host code it emits goes through asm; registers are loaded
// lazily and written back on flush or eviction.
type RegCache struct {
	asm    *host.Assembler
	policy RegAllocPolicy
	gpr    regBank
	fpr    regBank
	ops    []GuestOp
	pos    int
}

func NewRegCache(policy RegAllocPolicy) *RegCache {
	rc := &RegCache{policy: policy}
	rc.fpr.float = true
	return rc
}

// Start resets the cache for a new block.
func (rc *RegCache) Start(asm *host.Assembler, ops []GuestOp) {
	rc.asm = asm
	rc.ops = ops
	rc.pos = 0
	rc.gpr.reset()
	rc.fpr.reset()
}

// Advance moves to op i and releases all locks held for the previous op.
func (rc *RegCache) Advance(i int) {
	rc.pos = i
	rc.UnlockAll()
}

func (rc *RegCache) UnlockAll() {
	for i := range rc.gpr.slots {
		rc.gpr.slots[i].locked = false
		rc.fpr.slots[i].locked = false
	}
}

// Bind returns a host register holding guest GPR g, loading it if needed.
// The register stays locked until the next Advance.
func (rc *RegCache) Bind(g int) host.Reg { return rc.bind(&rc.gpr, g, true) }

// BindForWrite returns a host register for g that the caller overwrites. The
// old value is not loaded.
func (rc *RegCache) BindForWrite(g int) host.Reg {
	r := rc.bind(&rc.gpr, g, false)
	rc.gpr.slots[r].dirty = true
	return r
}

func (rc *RegCache) FBind(g int) host.Reg { return rc.bind(&rc.fpr, g, true) }

func (rc *RegCache) FBindForWrite(g int) host.Reg {
	r := rc.bind(&rc.fpr, g, false)
	rc.fpr.slots[r].dirty = true
	return r
}

func (rc *RegCache) bind(b *regBank, g int, load bool) host.Reg {
	g &= 31
	if r := b.guestTo[g]; r >= 0 {
		s := &b.slots[r]
		s.locked = true
		s.lastUse = rc.pos
		return host.Reg(r)
	}
	r := rc.allocate(b)
	b.slots[r] = hostSlot{guest: g, locked: true, lastUse: rc.pos}
	b.guestTo[g] = int8(r)
	if load {
		if b.float {
			rc.asm.FLoadSlot(r, g)
		} else {
			rc.asm.LoadSlot(r, g)
		}
	}
	return r
}

func (rc *RegCache) allocate(b *regBank) host.Reg {
	victim := -1
	bestDist, bestClean, bestAge := -1, false, 0
	for i := range b.slots {
		s := &b.slots[i]
		if s.guest == noGuest {
			return host.Reg(i)
		}
		if s.locked {
			continue
		}
		dist := 0
		if rc.policy == AllocFurthestUse {
			dist = rc.nextUse(b.float, s.guest)
		}
		clean := !s.dirty
		better := victim < 0 ||
			dist > bestDist ||
			dist == bestDist && clean && !bestClean ||
			dist == bestDist && clean == bestClean && s.lastUse < bestAge
		if better {
			victim, bestDist, bestClean, bestAge = i, dist, clean, s.lastUse
		}
	}
	if victim < 0 {
		// Every host register is locked by the current op, which never
		// touches more guest registers than there are host registers.
		panic("register cache exhausted")
	}
	rc.evict(b, host.Reg(victim))
	return host.Reg(victim)
}

// nextUse returns the distance to the next op that reads g. Registers that
// are overwritten before being read, or never used again, count as
// infinitely far.
func (rc *RegCache) nextUse(float bool, g int) int {
	const never = 1 << 30
	for j := rc.pos; j < len(rc.ops); j++ {
		op := &rc.ops[j]
		reads, writes := op.GPRReads, op.GPRWrites
		if float {
			reads, writes = op.FPRReads, op.FPRWrites
		}
		if reads.Has(g) {
			return j - rc.pos
		}
		if writes.Has(g) {
			return never
		}
	}
	return never
}

func (rc *RegCache) evict(b *regBank, r host.Reg) {
	s := &b.slots[r]
	if s.dirty {
		rc.store(b.float, s.guest, r)
	}
	b.guestTo[s.guest] = -1
	*s = hostSlot{guest: noGuest}
}

func (rc *RegCache) store(float bool, g int, r host.Reg) {
	if float {
		rc.asm.FStoreSlot(g, r)
	} else {
		rc.asm.StoreSlot(g, r)
	}
}

// Flush writes every dirty register back to the guest state. With keep set
// the cache state is left untouched, which is what a side exit needs: the
// stores only run on the exiting path. Without keep every binding is
// dropped.
func (rc *RegCache) Flush(keep bool) {
	for _, b := range []*regBank{&rc.gpr, &rc.fpr} {
		for i := range b.slots {
			s := &b.slots[i]
			if s.guest == noGuest {
				continue
			}
			if s.dirty {
				rc.store(b.float, s.guest, host.Reg(i))
			}
			if !keep {
				b.guestTo[s.guest] = -1
				*s = hostSlot{guest: noGuest}
			}
		}
	}
}

// Snapshot lists the dirty registers at this point of the block.
func (rc *RegCache) Snapshot() []Spill {
	var out []Spill
	for _, b := range []*regBank{&rc.gpr, &rc.fpr} {
		for i, s := range b.slots {
			if s.guest != noGuest && s.dirty {
				out = append(out, Spill{Guest: s.guest, Reg: host.Reg(i), Float: b.float})
			}
		}
	}
	return out
}

// EmitSpills stores a snapshot taken earlier.
func EmitSpills(asm *host.Assembler, spills []Spill) {
	for _, s := range spills {
		if s.Float {
			asm.FStoreSlot(s.Guest, s.Reg)
		} else {
			asm.StoreSlot(s.Guest, s.Reg)
		}
	}
}

// Bound reports the host register caching guest GPR g, if any.
func (rc *RegCache) Bound(g int) (host.Reg, bool) {
	r := rc.gpr.guestTo[g&31]
	return host.Reg(r), r >= 0
}

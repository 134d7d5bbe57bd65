package jit

import (
	"dynarec/pkg/jit/host"
)

type linkRef struct {
	block int
	exit  int
}

// Linker patches dispatch exits into direct jumps once their target block
// exists. It never unlinks; Reset forgets everything along with the cache.
type Linker struct {
	cache   *BlockCache
	space   *CodeSpace
	pending map[uint32][]linkRef
	enabled bool

	// Patched counts exits rewritten since creation.
	Patched uint64
}

func NewLinker(cache *BlockCache, space *CodeSpace, enabled bool) *Linker {
	return &Linker{
		cache:   cache,
		space:   space,
		pending: make(map[uint32][]linkRef),
		enabled: enabled,
	}
}

func (l *Linker) Enabled() bool { return l.enabled }

// Register records the unlinked exits of a newly finalized block and then
// links every outstanding exit that targets it, including its own.
func (l *Linker) Register(b *JitBlock) int {
	if !l.enabled {
		return 0
	}
	for i := range b.Links {
		if !b.Links[i].Linked {
			t := b.Links[i].Target
			l.pending[t] = append(l.pending[t], linkRef{block: b.ID, exit: i})
		}
	}
	return l.LinkTo(b)
}

// LinkTo patches all pending exits targeting b.Start and returns how many
// were patched.
func (l *Linker) LinkTo(b *JitBlock) int {
	refs := l.pending[b.Start]
	if len(refs) == 0 {
		return 0
	}
	delete(l.pending, b.Start)
	n := 0
	for _, ref := range refs {
		from := l.cache.Block(ref.block)
		if from == nil {
			continue
		}
		ld := &from.Links[ref.exit]
		if ld.Linked || ld.Target != b.Start {
			continue
		}
		l.space.Patch(ld.Stub, host.Inst{Op: host.Link, Imm: b.CheckedEntry})
		ld.Linked = true
		n++
	}
	l.Patched += uint64(n)
	return n
}

// Pending returns the number of unlinked exits waiting for a target.
func (l *Linker) Pending() int {
	n := 0
	for _, refs := range l.pending {
		n += len(refs)
	}
	return n
}

// Reset forgets all pending exits.
func (l *Linker) Reset() { clear(l.pending) }

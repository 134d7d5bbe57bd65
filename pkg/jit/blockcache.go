package jit

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// codeLineShift sets the granularity of the code-page bitmap: 64-byte lines.
const codeLineShift = 6

// LinkData is one exit stub of a block.
type LinkData struct {
	// Target is the guest address the exit continues at.
	Target uint32
	// Stub is the arena offset of the patchable exit instruction.
	Stub   uint32
	Linked bool
}

// JitBlock is one translated block.
type JitBlock struct {
	ID    int
	Start uint32
	// Size is the number of guest instructions translated.
	Size   int
	Cycles int
	// CheckedEntry tests the downcount and pending signals before falling
	// into NormalEntry. Linked predecessors jump here.
	CheckedEntry uint32
	// NormalEntry runs the body; the dispatcher uses it on first entry.
	NormalEntry uint32
	CodeStart   uint32
	CodeSize    int
	Links       []LinkData
	Broken      bool
	UsesFPU     bool
	Fingerprint [32]byte

	RunCount uint64
}

// End returns the address after the last translated instruction.
func (b *JitBlock) End() uint32 { return b.Start + uint32(b.Size)*4 }

// BlockCache maps guest addresses to translated blocks. It is owned by the
// CPU goroutine; only NotifyWrite may be called from elsewhere.
type BlockCache struct {
	blocks  []*JitBlock
	byStart map[uint32]*JitBlock
	// lines maps a code line to the ids of blocks that cover it.
	lines map[uint32][]int

	// codeLines has one bit per code line of guest RAM that some live block
	// was translated from. Writers on any goroutine test it.
	codeLines []atomic.Uint64
	memSize   uint32

	invalidate atomic.Bool
	signal     func()
	log        *zap.Logger
}

// NewBlockCache creates a cache tracking code in the first memSize bytes of
// guest memory. signal is called, from the writer's goroutine, when a write
// lands in translated code.
func NewBlockCache(memSize uint32, signal func(), log *zap.Logger) *BlockCache {
	if log == nil {
		log = zap.NewNop()
	}
	nlines := (uint64(memSize) + (1 << codeLineShift) - 1) >> codeLineShift
	return &BlockCache{
		byStart:   make(map[uint32]*JitBlock),
		lines:     make(map[uint32][]int),
		codeLines: make([]atomic.Uint64, (nlines+63)/64),
		memSize:   memSize,
		signal:    signal,
		log:       log,
	}
}

// Allocate reserves a block id for code starting at start. The block is not
// visible to Find until Finalize.
func (c *BlockCache) Allocate(start uint32) int {
	b := &JitBlock{ID: len(c.blocks), Start: start}
	c.blocks = append(c.blocks, b)
	return b.ID
}

// Release drops the most recently allocated block when its translation did
// not commit.
func (c *BlockCache) Release(id int) {
	if id == len(c.blocks)-1 && c.byStart[c.blocks[id].Start] != c.blocks[id] {
		c.blocks = c.blocks[:id]
	}
}

// Block returns a block by id, finalized or not.
func (c *BlockCache) Block(id int) *JitBlock {
	if id < 0 || id >= len(c.blocks) {
		return nil
	}
	return c.blocks[id]
}

// Finalize publishes a translated block.
func (c *BlockCache) Finalize(id int, b JitBlock) *JitBlock {
	blk := c.blocks[id]
	b.ID = id
	b.Start = blk.Start
	*blk = b
	c.byStart[blk.Start] = blk

	first := blk.Start >> codeLineShift
	last := (blk.End() - 1) >> codeLineShift
	for line := first; line <= last; line++ {
		c.lines[line] = append(c.lines[line], id)
		c.markLine(line)
	}
	return blk
}

func (c *BlockCache) markLine(line uint32) {
	if uint64(line)>>6 >= uint64(len(c.codeLines)) {
		return
	}
	c.codeLines[line>>6].Or(1 << (line & 63))
}

// Find returns the block starting at addr, or nil.
func (c *BlockCache) Find(addr uint32) *JitBlock {
	return c.byStart[addr]
}

// Contains reports whether addr starts a block.
func (c *BlockCache) Contains(addr uint32) bool {
	_, ok := c.byStart[addr]
	return ok
}

// Len returns the number of live blocks.
func (c *BlockCache) Len() int { return len(c.byStart) }

// Blocks returns the live blocks in allocation order.
func (c *BlockCache) Blocks() []*JitBlock {
	out := make([]*JitBlock, 0, len(c.byStart))
	for _, b := range c.blocks {
		if c.byStart[b.Start] == b {
			out = append(out, b)
		}
	}
	return out
}

// BlocksCovering returns the ids of blocks translated from [addr, addr+size).
func (c *BlockCache) BlocksCovering(addr, size uint32) []int {
	if size == 0 {
		return nil
	}
	var ids []int
	seen := make(map[int]bool)
	for line := addr >> codeLineShift; line <= (addr+size-1)>>codeLineShift; line++ {
		for _, id := range c.lines[line] {
			b := c.blocks[id]
			if !seen[id] && addr < b.End() && b.Start < addr+size {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if line == ^uint32(0)>>codeLineShift {
			break
		}
	}
	return ids
}

// NotifyWrite is called for every guest memory write, from any goroutine.
// A write into a code line requests a full clear at the next block boundary.
func (c *BlockCache) NotifyWrite(addr, size uint32) {
	if size == 0 || addr >= c.memSize {
		return
	}
	end := min(uint64(addr)+uint64(size), uint64(c.memSize))
	for line := uint64(addr) >> codeLineShift; line <= (end-1)>>codeLineShift; line++ {
		if c.codeLines[line>>6].Load()&(1<<(line&63)) != 0 {
			c.RequestClear()
			return
		}
	}
}

// RequestClear asks the CPU goroutine to clear the cache at the next block
// boundary. Safe from any goroutine.
func (c *BlockCache) RequestClear() {
	if !c.invalidate.Swap(true) && c.signal != nil {
		c.signal()
	}
}

// ClearPending reports and consumes an outstanding clear request.
func (c *BlockCache) ClearPending() bool { return c.invalidate.Swap(false) }

// ClearAll drops every block. CPU goroutine only.
func (c *BlockCache) ClearAll() {
	for i := range c.codeLines {
		c.codeLines[i].Store(0)
	}
	c.blocks = c.blocks[:0]
	clear(c.byStart)
	clear(c.lines)
	c.log.Debug("block cache cleared")
}

package jit

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"

	"dynarec/pkg/jit/host"
)

func newTestSpace(t *testing.T, size int) *CodeSpace {
	t.Helper()
	space, err := NewCodeSpace(size)
	if err != nil {
		t.Fatalf("NewCodeSpace: %v", err)
	}
	t.Cleanup(func() {
		if err := space.Free(); err != nil {
			t.Errorf("Free: %v", err)
		}
	})
	return space
}

// TestCodeSpaceCommit checks page rounding, aligned commits and the
// all-or-nothing failure when the arena is full.
func TestCodeSpaceCommit(t *testing.T) {
	space := newTestSpace(t, 100)
	if space.Capacity() != pageSize {
		t.Fatalf("Capacity = %d, want %d", space.Capacity(), pageSize)
	}

	off, err := space.Commit(make([]byte, 8))
	if err != nil || off != 0 {
		t.Fatalf("Commit = %d, %v, want 0", off, err)
	}
	if space.Cursor() != codeAlign {
		t.Errorf("Cursor = %d, want %d", space.Cursor(), codeAlign)
	}
	off, err = space.Commit(make([]byte, codeAlign+8))
	if err != nil || off != codeAlign {
		t.Fatalf("Commit = %d, %v, want %d", off, err, codeAlign)
	}
	if space.Used() != 3*codeAlign {
		t.Errorf("Used = %d, want %d", space.Used(), 3*codeAlign)
	}

	used := space.Used()
	if _, err := space.Commit(make([]byte, space.Remaining()+1)); !errors.Is(err, ErrOutOfCodeSpace) {
		t.Errorf("oversized Commit = %v, want ErrOutOfCodeSpace", err)
	}
	if space.Used() != used {
		t.Errorf("failed Commit moved the cursor from %d to %d", used, space.Used())
	}

	space.Reset()
	if space.Used() != 0 || space.Remaining() != space.Capacity() {
		t.Errorf("after Reset: Used = %d, Remaining = %d", space.Used(), space.Remaining())
	}
}

func TestCodeSpacePatch(t *testing.T) {
	space := newTestSpace(t, 4096)
	asm := host.NewAssembler(space.Cursor())
	asm.MovI(0, 1)
	stub := asm.Dispatch(0x8000)
	if _, err := space.Commit(asm.Bytes()); err != nil {
		t.Fatal(err)
	}

	want := host.Inst{Op: host.Dispatch, Imm: 0x8000}
	if got := space.Read(stub); got != want {
		t.Errorf("Read = %+v, want %+v", got, want)
	}
	want = host.Inst{Op: host.Link, Imm: 0x40}
	space.Patch(stub, want)
	if got := space.Read(stub); got != want {
		t.Errorf("Read after Patch = %+v, want %+v", got, want)
	}
	if got := space.Read(0); got.Op != host.MovI {
		t.Errorf("Patch clobbered the neighbouring instruction: %+v", got)
	}
}

func TestCodeSpaceFreeTwice(t *testing.T) {
	space, err := NewCodeSpace(4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := space.Free(); err != nil {
		t.Fatal(err)
	}
	if err := space.Free(); err != nil {
		t.Errorf("second Free = %v, want nil", err)
	}
}

func finalizeTestBlock(c *BlockCache, start uint32, size int) *JitBlock {
	id := c.Allocate(start)
	return c.Finalize(id, JitBlock{Size: size, Cycles: size})
}

func TestBlockCacheFindAndRelease(t *testing.T) {
	c := NewBlockCache(64*1024, nil, nil)
	a := finalizeTestBlock(c, 0x1000, 4)
	b := finalizeTestBlock(c, 0x1010, 2)

	if c.Find(0x1000) != a || c.Find(0x1010) != b {
		t.Fatal("Find did not return the finalized blocks")
	}
	if c.Find(0x1004) != nil {
		t.Error("Find returned a block for an address inside a block")
	}
	if !c.Contains(0x1010) || c.Contains(0x1014) {
		t.Error("Contains disagrees with Find")
	}

	id := c.Allocate(0x2000)
	if c.Find(0x2000) != nil {
		t.Error("allocated block visible before Finalize")
	}
	c.Release(id)
	if c.Block(id) != nil {
		t.Errorf("released block %d still allocated", id)
	}
	if got := c.Allocate(0x2000); got != id {
		t.Errorf("Allocate after Release = %d, want id %d reused", got, id)
	}

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	var starts []uint32
	for _, blk := range c.Blocks() {
		starts = append(starts, blk.Start)
	}
	if diff := cmp.Diff([]uint32{0x1000, 0x1010}, starts); diff != "" {
		t.Errorf("Blocks mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockCacheBlocksCovering(t *testing.T) {
	c := NewBlockCache(64*1024, nil, nil)
	a := finalizeTestBlock(c, 0x1000, 4) // 0x1000-0x1010
	b := finalizeTestBlock(c, 0x1030, 8) // 0x1030-0x1050
	finalizeTestBlock(c, 0x3000, 1)

	tests := []struct {
		name       string
		addr, size uint32
		want       []int
	}{
		{"first word", 0x1000, 4, []int{a.ID}},
		{"gap on a shared line", 0x1010, 0x20, nil},
		{"both", 0x100C, 0x28, []int{a.ID, b.ID}},
		{"last byte", 0x104F, 1, []int{b.ID}},
		{"empty", 0x1000, 0, nil},
		{"far away", 0x8000, 0x100, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.BlocksCovering(tt.addr, tt.size)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("BlocksCovering(0x%x, %d) mismatch (-want +got):\n%s", tt.addr, tt.size, diff)
			}
		})
	}
}

// TestBlockCacheNotifyWrite checks that only writes into translated code
// lines request a clear, and that the request is consumed once.
func TestBlockCacheNotifyWrite(t *testing.T) {
	signals := 0
	c := NewBlockCache(64*1024, func() { signals++ }, nil)
	finalizeTestBlock(c, 0x1000, 4)

	c.NotifyWrite(0x2000, 4)
	c.NotifyWrite(0x0FC0, 0x40)
	c.NotifyWrite(0x20000, 4)
	if signals != 0 || c.ClearPending() {
		t.Fatalf("writes outside code lines signalled %d times", signals)
	}

	c.NotifyWrite(0x103C, 1)
	c.NotifyWrite(0x1000, 4)
	if signals != 1 {
		t.Errorf("signals = %d, want 1 while a request is outstanding", signals)
	}
	if !c.ClearPending() {
		t.Fatal("ClearPending = false after a code write")
	}
	if c.ClearPending() {
		t.Error("ClearPending reported the same request twice")
	}

	c.ClearAll()
	if c.Len() != 0 || c.Find(0x1000) != nil {
		t.Errorf("ClearAll left %d blocks", c.Len())
	}
	c.NotifyWrite(0x1000, 4)
	if c.ClearPending() {
		t.Error("write into a cleared code line requested a clear")
	}
}

// linkerEnv builds blocks whose exits are real dispatch stubs in a code
// space so that patches can be read back.
type linkerEnv struct {
	space  *CodeSpace
	cache  *BlockCache
	linker *Linker
}

func newLinkerEnv(t *testing.T, enabled bool) *linkerEnv {
	space := newTestSpace(t, 4096)
	cache := NewBlockCache(64*1024, nil, nil)
	return &linkerEnv{space: space, cache: cache, linker: NewLinker(cache, space, enabled)}
}

func (e *linkerEnv) block(t *testing.T, start uint32, targets ...uint32) *JitBlock {
	t.Helper()
	id := e.cache.Allocate(start)
	asm := host.NewAssembler(e.space.Cursor())
	entry := asm.Offset()
	var links []LinkData
	for _, target := range targets {
		links = append(links, LinkData{Target: target, Stub: asm.Dispatch(target)})
	}
	if _, err := e.space.Commit(asm.Bytes()); err != nil {
		t.Fatal(err)
	}
	return e.cache.Finalize(id, JitBlock{Size: 1, CheckedEntry: entry, NormalEntry: entry, Links: links})
}

func TestLinkerPatchesWhenTargetAppears(t *testing.T) {
	e := newLinkerEnv(t, true)
	a := e.block(t, 0x100, 0x200, 0x300)
	if n := e.linker.Register(a); n != 0 {
		t.Errorf("Register(a) patched %d exits, want 0", n)
	}
	if e.linker.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", e.linker.Pending())
	}

	b := e.block(t, 0x200)
	if n := e.linker.Register(b); n != 1 {
		t.Errorf("Register(b) patched %d exits, want 1", n)
	}
	want := host.Inst{Op: host.Link, Imm: b.CheckedEntry}
	if got := e.space.Read(a.Links[0].Stub); got != want {
		t.Errorf("stub = %+v, want %+v", got, want)
	}
	if !a.Links[0].Linked || a.Links[1].Linked {
		t.Errorf("Linked flags = %v, %v, want true, false", a.Links[0].Linked, a.Links[1].Linked)
	}
	if got := e.space.Read(a.Links[1].Stub); got.Op != host.Dispatch {
		t.Errorf("unrelated stub rewritten to %+v", got)
	}
	if e.linker.Pending() != 1 || e.linker.Patched != 1 {
		t.Errorf("Pending = %d, Patched = %d, want 1, 1", e.linker.Pending(), e.linker.Patched)
	}

	e.linker.Reset()
	if e.linker.Pending() != 0 {
		t.Errorf("Pending after Reset = %d, want 0", e.linker.Pending())
	}
}

func TestLinkerSelfLink(t *testing.T) {
	e := newLinkerEnv(t, true)
	loop := e.block(t, 0x400, 0x400)
	if n := e.linker.Register(loop); n != 1 {
		t.Fatalf("Register patched %d exits, want the self exit", n)
	}
	want := host.Inst{Op: host.Link, Imm: loop.CheckedEntry}
	if got := e.space.Read(loop.Links[0].Stub); got != want {
		t.Errorf("stub = %+v, want %+v", got, want)
	}
}

func TestLinkerDisabled(t *testing.T) {
	e := newLinkerEnv(t, false)
	a := e.block(t, 0x100, 0x200)
	b := e.block(t, 0x200)
	if n := e.linker.Register(a) + e.linker.Register(b); n != 0 {
		t.Errorf("disabled linker patched %d exits", n)
	}
	if e.linker.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", e.linker.Pending())
	}
	if got := e.space.Read(a.Links[0].Stub); got.Op != host.Dispatch {
		t.Errorf("stub = %+v, want a dispatch", got)
	}
}

package jit

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"dynarec/pkg/jit/host"
)

// emitted decodes everything asm has produced since mark.
func emitted(asm *host.Assembler, mark int) []host.Inst {
	code := asm.Bytes()[mark:]
	var out []host.Inst
	for i := 0; i+host.InstSize <= len(code); i += host.InstSize {
		out = append(out, host.DecodeInst(code[i:]))
	}
	return out
}

// fillCache binds guests 1..12 at ops 0..11.
func fillCache(rc *RegCache) {
	for i := 0; i < host.NumAllocatable; i++ {
		rc.Advance(i)
		rc.Bind(i + 1)
	}
}

func TestRegCacheLoadsOnce(t *testing.T) {
	asm := host.NewAssembler(0)
	rc := NewRegCache(AllocFurthestUse)
	rc.Start(asm, make([]GuestOp, 2))

	r := rc.Bind(7)
	if again := rc.Bind(7); again != r {
		t.Errorf("second Bind gave r%d, want r%d", again, r)
	}
	w := rc.BindForWrite(8)
	want := []host.Inst{{Op: host.LoadSlot, Rd: r, Imm: 7}}
	if diff := cmp.Diff(want, emitted(asm, 0)); diff != "" {
		t.Errorf("emitted code mismatch (-want +got):\n%s", diff)
	}

	mark := asm.Len()
	rc.Flush(false)
	want = []host.Inst{{Op: host.StoreSlot, Ra: w, Imm: 8}}
	if diff := cmp.Diff(want, emitted(asm, mark)); diff != "" {
		t.Errorf("flush mismatch (-want +got):\n%s", diff)
	}
	if _, ok := rc.Bound(7); ok {
		t.Error("r7 still bound after Flush(false)")
	}
}

func TestRegCacheFlushKeep(t *testing.T) {
	asm := host.NewAssembler(0)
	rc := NewRegCache(AllocFurthestUse)
	rc.Start(asm, make([]GuestOp, 1))
	w := rc.BindForWrite(3)
	f := rc.FBindForWrite(1)

	snap := rc.Snapshot()
	wantSnap := []Spill{{Guest: 3, Reg: w}, {Guest: 1, Reg: f, Float: true}}
	if diff := cmp.Diff(wantSnap, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	rc.Flush(true)
	if r, ok := rc.Bound(3); !ok || r != w {
		t.Error("Flush(true) dropped the binding of r3")
	}
	mark := asm.Len()
	rc.Flush(false)
	if n := len(emitted(asm, mark)); n != 2 {
		t.Errorf("second flush emitted %d stores, want 2 (still dirty)", n)
	}
}

func TestRegCacheEviction(t *testing.T) {
	tests := []struct {
		name   string
		policy RegAllocPolicy
		// reads lists guests read by the op after the eviction point.
		reads   RegMask
		evicted int
	}{
		{"lru", AllocLRU, 0, 2},
		{"lru ignores future reads", AllocLRU, regBit(2), 2},
		{"furthest use", AllocFurthestUse, 0, 2},
		{"furthest use keeps upcoming reads", AllocFurthestUse, regBit(2) | regBit(3), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := make([]GuestOp, 16)
			ops[13].GPRReads = tt.reads
			asm := host.NewAssembler(0)
			rc := NewRegCache(tt.policy)
			rc.Start(asm, ops)
			fillCache(rc)

			rc.Advance(12)
			rc.Bind(1)
			rc.Bind(13)
			if _, ok := rc.Bound(tt.evicted); ok {
				t.Errorf("r%d still bound, want it evicted", tt.evicted)
			}
			for g := 1; g <= 13; g++ {
				if _, ok := rc.Bound(g); !ok && g != tt.evicted {
					t.Errorf("r%d was evicted, want r%d", g, tt.evicted)
				}
			}
		})
	}
}

func TestRegCachePrefersCleanVictim(t *testing.T) {
	asm := host.NewAssembler(0)
	rc := NewRegCache(AllocFurthestUse)
	rc.Start(asm, make([]GuestOp, 16))
	for i := 0; i < host.NumAllocatable; i++ {
		rc.Advance(0)
		if i == 5 {
			rc.Bind(i + 1)
		} else {
			rc.BindForWrite(i + 1)
		}
	}
	rc.Advance(1)
	mark := asm.Len()
	rc.Bind(20)
	if _, ok := rc.Bound(6); ok {
		t.Error("clean r6 not chosen as victim")
	}
	for _, in := range emitted(asm, mark) {
		if in.Op == host.StoreSlot {
			t.Errorf("evicting a clean register emitted %v", in)
		}
	}
}

func TestRegCacheWritesBackDirtyVictim(t *testing.T) {
	asm := host.NewAssembler(0)
	rc := NewRegCache(AllocLRU)
	rc.Start(asm, make([]GuestOp, 16))
	for i := 0; i < host.NumAllocatable; i++ {
		rc.Advance(i)
		rc.BindForWrite(i + 1)
	}
	r1, _ := rc.Bound(1)
	rc.Advance(12)
	mark := asm.Len()
	rc.Bind(20)

	got := emitted(asm, mark)
	want := []host.Inst{
		{Op: host.StoreSlot, Ra: r1, Imm: 1},
		{Op: host.LoadSlot, Rd: r1, Imm: 20},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("eviction code mismatch (-want +got):\n%s", diff)
	}
}

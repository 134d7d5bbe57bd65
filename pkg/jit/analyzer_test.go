package jit

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"

	"dynarec/pkg/cpu"
	"dynarec/pkg/isa"
	"dynarec/pkg/ram"
)

func newAnalyzerRAM(t *testing.T, addr uint32, prog ...isa.Inst) *ram.RAM {
	t.Helper()
	mem, err := ram.NewRAM(64 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.MutateAccessRange(0, mappedBytes, ram.Mutable); err != nil {
		t.Fatal(err)
	}
	if err := mem.MutateRange(addr, isa.Program(prog...)); err != nil {
		t.Fatal(err)
	}
	return mem
}

func TestAnalyzeEndsAtUnconditionalBranch(t *testing.T) {
	mem := newAnalyzerRAM(t, 0x8000, isa.Li(3, 1), isa.Lwz(4, 8, 3), isa.Fadd(1, 2, 3), isa.B(0x40), isa.Li(5, 1))
	a := NewAnalyzer(mem, nil, 0, 0)
	buf := NewCodeBuffer(0)

	stats, err := a.Analyze(0x8000, buf)
	if err != nil {
		t.Fatal(err)
	}
	want := BlockStats{
		Start:        0x8000,
		Instructions: 4,
		Cycles:       1 + 2 + 1 + 1,
		UsesFPU:      true,
		CanFault:     true,
		End:          0x8010,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	var offsets []int
	for _, op := range buf.Ops() {
		offsets = append(offsets, op.CycleOffset)
	}
	if diff := cmp.Diff([]int{1, 3, 4, 5}, offsets); diff != "" {
		t.Errorf("cycle offsets mismatch (-want +got):\n%s", diff)
	}
	lwz := buf.At(1)
	if !lwz.GPRReads.Has(3) || !lwz.GPRWrites.Has(4) || lwz.GPRReads.Has(4) {
		t.Errorf("lwz operands: reads %b writes %b", lwz.GPRReads, lwz.GPRWrites)
	}
	fadd := buf.At(2)
	if fadd.FPRReads != regBit(2)|regBit(3) || fadd.FPRWrites != regBit(1) {
		t.Errorf("fadd operands: reads %b writes %b", fadd.FPRReads, fadd.FPRWrites)
	}
}

func TestAnalyzeConditionalBranchContinues(t *testing.T) {
	mem := newAnalyzerRAM(t, 0x8000, isa.Cmpwi(0, 3, 0), isa.Beq(0, 8), isa.Li(4, 1), isa.Blr())
	a := NewAnalyzer(mem, nil, 0, 0)
	stats, err := a.Analyze(0x8000, NewCodeBuffer(0))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Instructions != 4 {
		t.Errorf("Instructions = %d, want 4", stats.Instructions)
	}
}

func TestAnalyzeLimits(t *testing.T) {
	prog := make([]isa.Inst, 32)
	for i := range prog {
		prog[i] = isa.Addi(3, 3, 1)
	}
	mem := newAnalyzerRAM(t, 0x8000, prog...)

	tests := []struct {
		name               string
		maxInsts, maxBytes int
		want               int
	}{
		{"instructions", 5, 0, 5},
		{"bytes", 0, 24, 6},
		{"both", 10, 16, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(mem, nil, tt.maxInsts, tt.maxBytes)
			stats, err := a.Analyze(0x8000, NewCodeBuffer(tt.maxInsts))
			if err != nil {
				t.Fatal(err)
			}
			if stats.Instructions != tt.want || stats.End != 0x8000+uint32(tt.want)*4 {
				t.Errorf("got %d instructions ending at 0x%x, want %d", stats.Instructions, stats.End, tt.want)
			}
		})
	}
}

func TestAnalyzeFetchFaults(t *testing.T) {
	mem := newAnalyzerRAM(t, mappedBytes-8, isa.Li(3, 1), isa.Li(4, 1))
	a := NewAnalyzer(mem, nil, 0, 0)
	buf := NewCodeBuffer(0)

	stats, err := a.Analyze(mappedBytes-8, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !stats.Broken || stats.BrokenAt != mappedBytes || stats.Instructions != 2 {
		t.Errorf("stats = %+v, want broken at 0x%x after 2", stats, mappedBytes)
	}

	if _, err := a.Analyze(mappedBytes, buf); !errors.Is(err, ErrMemoryException) {
		t.Errorf("Analyze(unmapped) = %v, want ErrMemoryException", err)
	}
	if buf.Len() != 0 {
		t.Errorf("buffer holds %d ops after a failed scan", buf.Len())
	}
	if _, err := a.Analyze(0x8002, buf); !errors.Is(err, ErrMemoryException) {
		t.Errorf("Analyze(misaligned) = %v, want ErrMemoryException", err)
	}
}

func TestAnalyzeStopsBeforeKnownBlocksAndBreakpoints(t *testing.T) {
	prog := make([]isa.Inst, 8)
	for i := range prog {
		prog[i] = isa.Addi(3, 3, 1)
	}
	mem := newAnalyzerRAM(t, 0x8000, prog...)
	a := NewAnalyzer(mem, nil, 0, 0)
	a.stopAt = func(addr uint32) bool { return addr == 0x800C }

	stats, err := a.Analyze(0x8000, NewCodeBuffer(0))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Instructions != 3 || stats.Debugging {
		t.Errorf("stats = %+v, want 3 instructions without debugging", stats)
	}
	stats, _ = a.Analyze(0x800C, NewCodeBuffer(0))
	if stats.Instructions != 8-3 {
		t.Errorf("scan from a known block start got %d instructions, want 5", stats.Instructions)
	}

	dbg := cpu.NewDebugger()
	dbg.AddBreakpoint(0x8008)
	a.stopAt = nil
	a.debugger = dbg
	stats, _ = a.Analyze(0x8000, NewCodeBuffer(0))
	if stats.Instructions != 2 || !stats.Debugging {
		t.Errorf("stats = %+v, want 2 instructions while debugging", stats)
	}
}

package system

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"dynarec/pkg/config"
	"dynarec/pkg/isa"
	"dynarec/pkg/staterepository"
)

const entry = 0x3100

// counterLoop clears r3 and then increments it forever. The loop body at
// entry+4 costs two cycles per iteration.
var counterLoop = []isa.Inst{
	isa.Li(3, 0),
	isa.Addi(3, 3, 1),
	isa.B(-4),
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.CPU.RAMSize = 1 << 20
	cfg.CPU.Entry = entry
	cfg.JIT.CodeSpaceSize = 256 * 1024
	return cfg
}

func newTestSystem(t *testing.T, cfg config.Config, opts Options) *System {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	s, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	if err := s.LoadProgram(entry, counterLoop...); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	return s
}

// start runs s on its own goroutine. The returned function cancels it and
// waits for Run to return.
func start(t *testing.T, s *System) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunHaltsAfterCycleLimit(t *testing.T) {
	s := newTestSystem(t, testConfig(), Options{MaxCycles: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run returned because of the timeout")
	}
	if !s.Halted() {
		t.Error("got Halted false, want true")
	}
	regs := s.Registers()
	if got := regs.GPR(3); got < 490 || got > 510 {
		t.Errorf("got r3 = %d after 1000 cycles, want about 500", got)
	}
	if err := s.Run(ctx); err != nil {
		t.Errorf("Run after halt: %v", err)
	}
}

func TestPauseStepContinue(t *testing.T) {
	cfg := testConfig()
	cfg.Debug.StartPaused = true
	s := newTestSystem(t, cfg, Options{})
	stop := start(t, s)
	defer stop()

	wantPC := []uint32{entry + 4, entry + 8, entry + 4}
	wantR3 := []uint32{0, 1, 1}
	for i := range wantPC {
		if err := s.Step(); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
		regs := s.Registers()
		if regs.PC() != wantPC[i] || regs.GPR(3) != wantR3[i] {
			t.Errorf("step %d: got pc 0x%x r3 %d, want pc 0x%x r3 %d",
				i, regs.PC(), regs.GPR(3), wantPC[i], wantR3[i])
		}
	}

	s.Continue()
	if err := s.Step(); !errors.Is(err, ErrRunning) {
		t.Errorf("Step while running: got %v, want ErrRunning", err)
	}
	waitFor(t, "the counter to advance", func() bool { regs := s.Registers(); return regs.GPR(3) > 100 })

	s.Pause()
	if !s.Paused() {
		t.Fatal("got Paused false after Pause")
	}
	first := s.Registers()
	time.Sleep(10 * time.Millisecond)
	if diff := cmp.Diff(first, s.Registers()); diff != "" {
		t.Errorf("registers changed while paused (-before +after):\n%s", diff)
	}
	if stats := s.Stats(); stats.BlocksCompiled == 0 {
		t.Error("no blocks were compiled")
	}
}

func TestBreakpointPausesMachine(t *testing.T) {
	s := newTestSystem(t, testConfig(), Options{})
	s.AddBreakpoint(entry + 4)
	stop := start(t, s)
	defer stop()

	for hit := range uint32(3) {
		waitFor(t, "the breakpoint", s.Paused)
		regs := s.Registers()
		if regs.PC() != entry+4 || regs.GPR(3) != hit {
			t.Errorf("hit %d: got pc 0x%x r3 %d, want pc 0x%x r3 %d",
				hit, regs.PC(), regs.GPR(3), entry+4, hit)
		}
		s.Continue()
	}

	s.RemoveBreakpoint(entry + 4)
	if got := s.Breakpoints(); len(got) != 0 {
		t.Errorf("got breakpoints %v, want none", got)
	}
	waitFor(t, "the counter to advance", func() bool { regs := s.Registers(); return regs.GPR(3) > 100 })
	if s.Paused() {
		t.Error("machine paused without a breakpoint")
	}
}

func TestSaveAndLoadState(t *testing.T) {
	repo, err := staterepository.Open("db", vfs.NewMem())
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	s := newTestSystem(t, testConfig(), Options{Repository: repo, MaxCycles: 1000})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	id, err := s.SaveState("halted")
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	want := s.Registers()
	wantCode, err := s.ReadMemory(entry, 12)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.WriteMemory(entry, make([]byte, 12)); err != nil {
		t.Fatal(err)
	}
	clobbered := want
	clobbered.SetGPR(3, 0)
	clobbered.SetPC(0)
	s.SetRegisters(clobbered)

	if err := s.LoadState(id); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if diff := cmp.Diff(want, s.Registers()); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	code, err := s.ReadMemory(entry, 12)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantCode, code); diff != "" {
		t.Errorf("memory mismatch (-want +got):\n%s", diff)
	}
	if got := s.Stats().LiveBlocks; got != 0 {
		t.Errorf("got %d live blocks after LoadState, want 0", got)
	}

	pid, err := s.SaveProfile("run")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.LoadProfile(pid); err != nil {
		t.Errorf("LoadProfile: %v", err)
	}
}

func TestSavestatesNeedRepository(t *testing.T) {
	s := newTestSystem(t, testConfig(), Options{})
	if _, err := s.SaveState("x"); !errors.Is(err, ErrNoRepository) {
		t.Errorf("SaveState: got %v, want ErrNoRepository", err)
	}
	if _, err := s.SaveProfile("x"); !errors.Is(err, ErrNoRepository) {
		t.Errorf("SaveProfile: got %v, want ErrNoRepository", err)
	}
}

func TestInterpreterOnlyMatchesJIT(t *testing.T) {
	run := func(enabled bool) uint32 {
		cfg := testConfig()
		cfg.JIT.Enabled = enabled
		s := newTestSystem(t, cfg, Options{MaxCycles: 5000})
		if err := s.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		regs := s.Registers()
		return regs.GPR(3)
	}
	jitted, interpreted := run(true), run(false)
	if interpreted < 2490 || interpreted > 2510 || jitted < 2490 || jitted > 2510 {
		t.Errorf("got r3 = %d with the jit and %d interpreted, want about 2500 both", jitted, interpreted)
	}
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CPU.RAMSize = 100
	if _, err := New(cfg, Options{}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("got %v, want config.ErrInvalid", err)
	}
}

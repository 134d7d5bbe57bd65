package net

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"dynarec/pkg/cpu"
	"dynarec/pkg/jit"
)

type fakeTarget struct {
	mu          sync.Mutex
	state       cpu.State
	mem         []byte
	breakpoints []uint32
	paused      bool
	cleared     int
	saved       map[uuid.UUID]string
}

func newFakeTarget() *fakeTarget {
	f := &fakeTarget{mem: make([]byte, 0x1000), paused: true, saved: map[uuid.UUID]string{}}
	f.state.Reset(0x100, cpu.MSRFP)
	f.state.SetGPR(3, 7)
	f.state.FPR[1] = math.Copysign(0, -1)
	f.state.FPR[2] = math.Inf(1)
	return f
}

func (f *fakeTarget) Registers() cpu.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) ReadMemory(addr, size uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(addr)+uint64(size) > uint64(len(f.mem)) {
		return nil, errors.Newf("range %#x+%d out of bounds", addr, size)
	}
	return slices.Clone(f.mem[addr : addr+size]), nil
}

func (f *fakeTarget) WriteMemory(addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(addr)+uint64(len(data)) > uint64(len(f.mem)) {
		return errors.Newf("range %#x+%d out of bounds", addr, len(data))
	}
	copy(f.mem[addr:], data)
	return nil
}

func (f *fakeTarget) AddBreakpoint(addr uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !slices.Contains(f.breakpoints, addr) {
		f.breakpoints = append(f.breakpoints, addr)
		slices.Sort(f.breakpoints)
	}
}

func (f *fakeTarget) RemoveBreakpoint(addr uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakpoints = slices.DeleteFunc(f.breakpoints, func(a uint32) bool { return a == addr })
}

func (f *fakeTarget) Breakpoints() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.breakpoints)
}

func (f *fakeTarget) Step() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.paused {
		return errors.New("not paused")
	}
	f.state.Jump(f.state.PC() + 4)
	return nil
}

func (f *fakeTarget) Continue() { f.setPaused(false) }
func (f *fakeTarget) Pause()    { f.setPaused(true) }

func (f *fakeTarget) setPaused(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = p
}

func (f *fakeTarget) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeTarget) Profile() []jit.BlockProfile {
	return []jit.BlockProfile{{Start: 0x100, Instructions: 3, Cycles: 4, Runs: 9}}
}

func (f *fakeTarget) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeTarget) clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeTarget) Stats() jit.Stats { return jit.Stats{} }

func (f *fakeTarget) SaveState(name string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		return uuid.Nil, errors.New("no repository")
	}
	id := uuid.New()
	f.saved[id] = name
	return id, nil
}

func (f *fakeTarget) LoadState(id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[id]; !ok {
		return errors.New("unknown savestate")
	}
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeTarget) {
	t.Helper()
	target := newFakeTarget()
	s, err := NewServer(target, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s, target
}

func TestHandle(t *testing.T) {
	s, target := newTestServer(t)

	resp := s.Handle(Request{Command: CmdRegs})
	if resp.Error != nil {
		t.Fatalf("regs: %v", resp.Error)
	}
	if diff := cmp.Diff(target.state, resp.Registers.State()); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}
	if !resp.Paused {
		t.Error("got Paused false, want true")
	}

	resp = s.Handle(Request{Command: "poke"})
	if resp.Error == nil || resp.Error.Code != CodeUnknownCommand {
		t.Errorf("unknown command: got %+v, want code %d", resp.Error, CodeUnknownCommand)
	}

	resp = s.Handle(Request{Command: CmdLoadState, ID: "not-a-uuid"})
	if resp.Error == nil || resp.Error.Code != CodeBadRequest {
		t.Errorf("bad uuid: got %+v, want code %d", resp.Error, CodeBadRequest)
	}

	resp = s.Handle(Request{Command: CmdRead, Addr: 0xFFF, Size: 8})
	if resp.Error == nil || resp.Error.Code != CodeFailed {
		t.Errorf("out of range read: got %+v, want code %d", resp.Error, CodeFailed)
	}

	resp = s.Handle(Request{Command: CmdSaveState})
	if resp.Error == nil || resp.Error.Code != CodeUnavailable {
		t.Errorf("savestate: got %+v, want code %d", resp.Error, CodeUnavailable)
	}

	s.Handle(Request{Command: CmdBreak, Addr: 0x200})
	resp = s.Handle(Request{Command: CmdBreak, Addr: 0x104})
	if diff := cmp.Diff([]uint32{0x104, 0x200}, resp.Breakpoints); diff != "" {
		t.Errorf("breakpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMessageRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], maxMessageSize+1)
	buf.Write(size[:])

	_, err := ReadMessage(&buf)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeBadRequest {
		t.Errorf("got %v, want a bad request protocol error", err)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	for _, msg := range [][]byte{[]byte("first"), {}, []byte("third")} {
		if err := SendMessage(&buf, msg); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range []string{"first", "", "third"} {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func startServer(t *testing.T) (*Server, *fakeTarget) {
	t.Helper()
	s, target := newTestServer(t)
	if err := s.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return s, target
}

func TestClientSession(t *testing.T) {
	s, target := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := Dial(ctx, s.Addr().String(), s.PublicKey())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	state, err := c.Registers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(target.Registers(), state); diff != "" {
		t.Errorf("registers mismatch (-want +got):\n%s", diff)
	}

	if err := c.WriteMemory(ctx, 0x20, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	data, err := c.ReadMemory(ctx, 0x1E, 6)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{0, 0, 1, 2, 3, 4}, data); diff != "" {
		t.Errorf("memory mismatch (-want +got):\n%s", diff)
	}

	state, err = c.Step(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := state.PC(), uint32(0x104); got != want {
		t.Errorf("got PC %#x after step, want %#x", got, want)
	}

	if err := c.Continue(ctx); err != nil {
		t.Fatal(err)
	}
	if paused, err := c.Paused(ctx); err != nil || paused {
		t.Errorf("got paused %v (%v) after continue, want false", paused, err)
	}
	_, err = c.Step(ctx)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeFailed {
		t.Errorf("step while running: got %v, want a failed protocol error", err)
	}
	if _, err := c.Pause(ctx); err != nil {
		t.Fatal(err)
	}

	profile, err := c.Profile(ctx)
	if err != nil || len(profile) != 1 || profile[0].Runs != 9 {
		t.Errorf("got profile %+v (%v)", profile, err)
	}
	if err := c.ClearCache(ctx); err != nil {
		t.Fatal(err)
	}
	if got := target.clears(); got != 1 {
		t.Errorf("got %d cache clears, want 1", got)
	}

	id, err := c.SaveState(ctx, "boot")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.LoadState(ctx, id); err != nil {
		t.Errorf("LoadState: %v", err)
	}
	if err := c.LoadState(ctx, uuid.New()); err == nil {
		t.Error("LoadState of an unknown id succeeded")
	}
}

func TestDialRejectsWrongKey(t *testing.T) {
	s, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	other, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Dial(ctx, s.Addr().String(), other)
	if err == nil {
		c.Close()
		t.Fatal("Dial with the wrong pinned key succeeded")
	}
}

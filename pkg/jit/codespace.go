package jit

import (
	"sync"

	"github.com/cockroachdb/errors"

	"dynarec/pkg/jit/host"
)

const (
	DefaultCodeSpaceSize = 16 * 1024 * 1024 // 16MB
	codeAlign            = 64
)

// CodeSpace is one contiguous, page-aligned code arena with a bump cursor.
// Blocks are committed whole; the arena is never compacted, only reset.
type CodeSpace struct {
	buffer []byte
	used   int
	mapped bool
	mu     sync.Mutex
}

// NewCodeSpace reserves size bytes for generated code.
func NewCodeSpace(size int) (*CodeSpace, error) {
	if size <= 0 {
		size = DefaultCodeSpaceSize
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	buffer, mapped, err := mapArena(size)
	if err != nil {
		return nil, errors.Wrapf(err, "reserve %d bytes of code space", size)
	}
	return &CodeSpace{buffer: buffer, mapped: mapped}, nil
}

// Bytes returns the whole arena. Offsets handed out by the code space index
// into it and stay valid until Reset.
func (cs *CodeSpace) Bytes() []byte { return cs.buffer }

// Cursor returns the offset the next committed block will start at.
func (cs *CodeSpace) Cursor() uint32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return uint32(cs.used)
}

// Remaining returns the free bytes after the cursor.
func (cs *CodeSpace) Remaining() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.buffer) - cs.used
}

// Commit copies code to the cursor and advances it. code must have been
// assembled for the current cursor.
func (cs *CodeSpace) Commit(code []byte) (uint32, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.used+len(code) > len(cs.buffer) {
		return 0, errors.Wrapf(ErrOutOfCodeSpace, "need %d, have %d", len(code), len(cs.buffer)-cs.used)
	}
	off := uint32(cs.used)
	copy(cs.buffer[cs.used:], code)
	cs.used = (cs.used + len(code) + codeAlign - 1) &^ (codeAlign - 1)
	cs.used = min(cs.used, len(cs.buffer))
	return off, nil
}

// Patch overwrites the instruction at off.
func (cs *CodeSpace) Patch(off uint32, inst host.Inst) {
	inst.Encode(cs.buffer[off : off+host.InstSize])
}

// Read decodes the instruction at off.
func (cs *CodeSpace) Read(off uint32) host.Inst {
	return host.DecodeInst(cs.buffer[off : off+host.InstSize])
}

// Reset moves the cursor back to the start. Everything committed before is
// garbage afterwards.
func (cs *CodeSpace) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.used = 0
}

// Used returns the amount of memory currently in use
func (cs *CodeSpace) Used() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.used
}

func (cs *CodeSpace) Capacity() int { return len(cs.buffer) }

// Free releases the arena.
func (cs *CodeSpace) Free() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.buffer == nil {
		return nil
	}
	var err error
	if cs.mapped {
		err = unmapArena(cs.buffer)
	}
	cs.buffer = nil
	cs.used = 0
	return err
}

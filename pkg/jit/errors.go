package jit

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfCodeSpace means the arena cannot hold the worst-case size of
	// the block being translated. Nothing was committed.
	ErrOutOfCodeSpace = errors.New("out of code space")
	// ErrMemoryException means the first instruction of a block could not be
	// fetched.
	ErrMemoryException = errors.New("instruction fetch fault")
	// ErrBreakpoint is returned by Run when execution reaches a breakpoint.
	ErrBreakpoint = errors.New("breakpoint hit")
	// ErrStopped is returned by Run after Stop.
	ErrStopped = errors.New("cpu stopped")
)

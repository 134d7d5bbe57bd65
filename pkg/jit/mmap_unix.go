//go:build unix

package jit

import (
	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// The arena holds host-machine code that is interpreted, not executed by the
// CPU, so it only needs to be readable and writable.
func mapArena(size int) ([]byte, bool, error) {
	buffer, err := unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, false, err
	}
	return buffer, true, nil
}

func unmapArena(buffer []byte) error {
	return unix.Munmap(buffer)
}

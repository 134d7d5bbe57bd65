//go:build !unix

package jit

const pageSize = 4096

func mapArena(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapArena([]byte) error { return nil }

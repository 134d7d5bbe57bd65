package cpu

// Memory is the guest address space as seen by the CPU. Every accessor
// returns ok=false when the access faults; the caller turns that into a
// guest exception. Multi-byte accesses are big-endian.
type Memory interface {
	ReadU8(addr uint32) (uint8, bool)
	ReadU16(addr uint32) (uint16, bool)
	ReadU32(addr uint32) (uint32, bool)
	ReadU64(addr uint32) (uint64, bool)
	WriteU8(addr uint32, v uint8) bool
	WriteU16(addr uint32, v uint16) bool
	WriteU32(addr uint32, v uint32) bool
	WriteU64(addr uint32, v uint64) bool
	// FetchU32 reads an instruction word. It may apply different access
	// rules than a data read.
	FetchU32(addr uint32) (uint32, bool)
}

// CodeInvalidator is told about instruction-cache invalidations so that
// translated code covering the range is discarded.
type CodeInvalidator interface {
	InvalidateRange(addr, size uint32)
}

// Package ram implements the guest physical memory: a bounded, page-mapped,
// big-endian address space with per-page access rights and a write watcher
// hook used to keep translated code coherent.
package ram

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Constants for RAM layout and access control
const (
	PageSize    = 1 << 12
	DefaultSize = 24 << 20
	MaxSize     = 1 << 31
)

// Access permission types for RAM pages
type Access uint8

const (
	Inaccessible Access = iota
	Immutable
	Mutable
)

func (a Access) String() string {
	switch a {
	case Immutable:
		return "immutable"
	case Mutable:
		return "mutable"
	}
	return "inaccessible"
}

// WriteWatcher is told about every successful write. It may be called from
// any goroutine that writes guest memory.
type WriteWatcher interface {
	NotifyWrite(addr, size uint32)
}

// ErrOutOfRange is returned when a mapping or load falls outside RAM.
var ErrOutOfRange = errors.New("address range outside ram")

// RAM represents the guest physical memory.
type RAM struct {
	size    uint32
	pages   [][]byte // page number -> content, nil until first written
	access  []Access // page number -> access rights
	watcher WriteWatcher
}

// NewRAM creates size bytes of unmapped memory. size is rounded up to a
// whole page.
func NewRAM(size uint32) (*RAM, error) {
	if size == 0 || size > MaxSize {
		return nil, errors.Newf("invalid ram size %d", size)
	}
	numPages := (uint64(size) + PageSize - 1) / PageSize
	return &RAM{
		size:   uint32(numPages * PageSize),
		pages:  make([][]byte, numPages),
		access: make([]Access, numPages),
	}, nil
}

// Size returns the size of the address space in bytes.
func (r *RAM) Size() uint32 { return r.size }

// SetWriteWatcher installs w. It must be called before the CPU starts.
func (r *RAM) SetWriteWatcher(w WriteWatcher) { r.watcher = w }

//
// Memory access control methods
//

func (r *RAM) inRange(addr, length uint32) bool {
	return uint64(addr)+uint64(length) <= uint64(r.size)
}

// MutateAccessRange sets the access type for all pages overlapping
// [start, start+length).
func (r *RAM) MutateAccessRange(start, length uint32, access Access) error {
	if length == 0 {
		return nil
	}
	if !r.inRange(start, length) {
		return errors.Wrapf(ErrOutOfRange, "map 0x%x+0x%x", start, length)
	}
	for page := start / PageSize; page <= (start+length-1)/PageSize; page++ {
		r.access[page] = access
	}
	return nil
}

// InspectAccess returns the access type of the page holding addr.
func (r *RAM) InspectAccess(addr uint32) Access {
	if addr >= r.size {
		return Inaccessible
	}
	return r.access[addr/PageSize]
}

// RangeUniform checks if all pages in the range have the given access.
func (r *RAM) RangeUniform(access Access, start, length uint32) bool {
	if length == 0 {
		return true
	}
	if !r.inRange(start, length) {
		return false
	}
	for page := start / PageSize; page <= (start+length-1)/PageSize; page++ {
		if r.access[page] != access {
			return false
		}
	}
	return true
}

// readable reports whether every page touched by [addr, addr+n) may be read.
func (r *RAM) readable(addr, n uint32) bool {
	if !r.inRange(addr, n) {
		return false
	}
	first, last := addr/PageSize, (addr+n-1)/PageSize
	return r.access[first] != Inaccessible && r.access[last] != Inaccessible
}

func (r *RAM) writable(addr, n uint32) bool {
	if !r.inRange(addr, n) {
		return false
	}
	first, last := addr/PageSize, (addr+n-1)/PageSize
	return r.access[first] == Mutable && r.access[last] == Mutable
}

//
// Page helpers
//

func (r *RAM) getByte(addr uint32) byte {
	page := r.pages[addr/PageSize]
	if page == nil {
		return 0 // Unallocated memory reads as zero
	}
	return page[addr%PageSize]
}

func (r *RAM) getOrCreatePage(pageNum uint32) []byte {
	page := r.pages[pageNum]
	if page == nil {
		page = make([]byte, PageSize)
		r.pages[pageNum] = page
	}
	return page
}

func (r *RAM) setByte(addr uint32, v byte) {
	r.getOrCreatePage(addr / PageSize)[addr%PageSize] = v
}

// view returns the bytes [addr, addr+n) when they sit inside one page.
func (r *RAM) view(addr, n uint32, create bool) []byte {
	off := addr % PageSize
	if off+n > PageSize {
		return nil
	}
	var page []byte
	if create {
		page = r.getOrCreatePage(addr / PageSize)
	} else if page = r.pages[addr/PageSize]; page == nil {
		return zeroPage[:n]
	}
	return page[off : off+n]
}

var zeroPage [8]byte

func (r *RAM) read(addr, n uint32) uint64 {
	if b := r.view(addr, n, false); b != nil {
		switch n {
		case 1:
			return uint64(b[0])
		case 2:
			return uint64(binary.BigEndian.Uint16(b))
		case 4:
			return uint64(binary.BigEndian.Uint32(b))
		case 8:
			return binary.BigEndian.Uint64(b)
		}
	}
	var v uint64
	for i := uint32(0); i < n; i++ {
		v = v<<8 | uint64(r.getByte(addr+i))
	}
	return v
}

func (r *RAM) write(addr, n uint32, v uint64) {
	if b := r.view(addr, n, true); b != nil {
		switch n {
		case 1:
			b[0] = byte(v)
		case 2:
			binary.BigEndian.PutUint16(b, uint16(v))
		case 4:
			binary.BigEndian.PutUint32(b, uint32(v))
		case 8:
			binary.BigEndian.PutUint64(b, v)
		}
	} else {
		for i := n; i > 0; i-- {
			r.setByte(addr+i-1, byte(v))
			v >>= 8
		}
	}
	if r.watcher != nil {
		r.watcher.NotifyWrite(addr, n)
	}
}

//
// Guest accessors
//

func (r *RAM) ReadU8(addr uint32) (uint8, bool) {
	if !r.readable(addr, 1) {
		return 0, false
	}
	return uint8(r.read(addr, 1)), true
}

func (r *RAM) ReadU16(addr uint32) (uint16, bool) {
	if !r.readable(addr, 2) {
		return 0, false
	}
	return uint16(r.read(addr, 2)), true
}

func (r *RAM) ReadU32(addr uint32) (uint32, bool) {
	if !r.readable(addr, 4) {
		return 0, false
	}
	return uint32(r.read(addr, 4)), true
}

func (r *RAM) ReadU64(addr uint32) (uint64, bool) {
	if !r.readable(addr, 8) {
		return 0, false
	}
	return r.read(addr, 8), true
}

// FetchU32 reads an instruction word; instructions must be word aligned.
func (r *RAM) FetchU32(addr uint32) (uint32, bool) {
	if addr&3 != 0 || !r.readable(addr, 4) {
		return 0, false
	}
	return uint32(r.read(addr, 4)), true
}

func (r *RAM) WriteU8(addr uint32, v uint8) bool {
	if !r.writable(addr, 1) {
		return false
	}
	r.write(addr, 1, uint64(v))
	return true
}

func (r *RAM) WriteU16(addr uint32, v uint16) bool {
	if !r.writable(addr, 2) {
		return false
	}
	r.write(addr, 2, uint64(v))
	return true
}

func (r *RAM) WriteU32(addr uint32, v uint32) bool {
	if !r.writable(addr, 4) {
		return false
	}
	r.write(addr, 4, uint64(v))
	return true
}

func (r *RAM) WriteU64(addr uint32, v uint64) bool {
	if !r.writable(addr, 8) {
		return false
	}
	r.write(addr, 8, v)
	return true
}

//
// Bulk access for loaders, DMA and debuggers
//

// InspectRange copies length bytes starting at start, ignoring access
// rights.
func (r *RAM) InspectRange(start, length uint32) ([]byte, error) {
	if !r.inRange(start, length) {
		return nil, errors.Wrapf(ErrOutOfRange, "read 0x%x+0x%x", start, length)
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = r.getByte(start + uint32(i))
	}
	return out, nil
}

// MutateRange writes data at start, ignoring access rights, and reports the
// write to the watcher. Device DMA and program loaders use it.
func (r *RAM) MutateRange(start uint32, data []byte) error {
	if !r.inRange(start, uint32(len(data))) {
		return errors.Wrapf(ErrOutOfRange, "write 0x%x+0x%x", start, len(data))
	}
	for i, b := range data {
		r.setByte(start+uint32(i), b)
	}
	if r.watcher != nil && len(data) > 0 {
		r.watcher.NotifyWrite(start, uint32(len(data)))
	}
	return nil
}

// ZeroPage drops a page's content; it reads as zero afterwards.
func (r *RAM) ZeroPage(pageNum uint32) {
	if pageNum < uint32(len(r.pages)) {
		r.pages[pageNum] = nil
	}
}

// AllocatedPages returns the number of pages holding data.
func (r *RAM) AllocatedPages() int {
	n := 0
	for _, p := range r.pages {
		if p != nil {
			n++
		}
	}
	return n
}

package ram

import (
	"github.com/cockroachdb/errors"
)

// Snapshot is a copy of RAM contents and page rights.
type Snapshot struct {
	Size   uint32
	Access []Access
	// Data holds the full contents; unallocated pages are zero.
	Data []byte
}

// Snapshot copies the whole address space.
func (r *RAM) Snapshot() Snapshot {
	data := make([]byte, r.size)
	for i, page := range r.pages {
		if page != nil {
			copy(data[i*PageSize:], page)
		}
	}
	access := make([]Access, len(r.access))
	copy(access, r.access)
	return Snapshot{Size: r.size, Access: access, Data: data}
}

// Restore replaces contents and rights with snap. All-zero pages stay
// unallocated. The watcher is told about the whole range.
func (r *RAM) Restore(snap Snapshot) error {
	if snap.Size != r.size || uint32(len(snap.Data)) != r.size || len(snap.Access) != len(r.access) {
		return errors.Newf("snapshot size %d does not match ram size %d", snap.Size, r.size)
	}
	copy(r.access, snap.Access)
	for i := range r.pages {
		chunk := snap.Data[i*PageSize : (i+1)*PageSize]
		if isZero(chunk) {
			r.pages[i] = nil
			continue
		}
		page := r.getOrCreatePage(uint32(i))
		copy(page, chunk)
	}
	if r.watcher != nil {
		r.watcher.NotifyWrite(0, r.size)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

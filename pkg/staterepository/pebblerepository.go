package staterepository

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	// ErrNotFound is returned for unknown savestate or profile ids.
	ErrNotFound = errors.New("not found")
	// ErrChecksum is returned when a stored savestate does not match its
	// checksum.
	ErrChecksum = errors.New("checksum mismatch")
)

// PebbleRepository stores savestates and profile snapshots in PebbleDB.
type PebbleRepository struct {
	db    *pebble.DB
	batch *pebble.Batch // For transaction support
}

// Open opens or creates the repository in dir. A nil fs uses the OS
// filesystem.
func Open(dir string, fs vfs.FS) (*PebbleRepository, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open repository %s", dir)
	}
	return &PebbleRepository{db: db}, nil
}

// Get retrieves a value, reading through the open transaction if any.
func (r *PebbleRepository) Get(key []byte) ([]byte, io.Closer, error) {
	if r.batch != nil {
		return r.batch.Get(key)
	}
	return r.db.Get(key)
}

// getCopy returns a copy of the value at key, or ErrNotFound.
func (r *PebbleRepository) getCopy(key []byte) ([]byte, error) {
	value, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

// NewIter iterates the database merged with the open transaction.
func (r *PebbleRepository) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	if r.batch != nil {
		return r.batch.NewIter(opts)
	}
	return r.db.NewIter(opts)
}

// BeginTransaction starts a transaction; writes are buffered until
// CommitTransaction.
func (r *PebbleRepository) BeginTransaction() error {
	if r.batch != nil {
		return errors.New("transaction already in progress")
	}
	r.batch = r.db.NewIndexedBatch()
	return nil
}

func (r *PebbleRepository) CommitTransaction() error {
	if r.batch == nil {
		return errors.New("no transaction in progress")
	}
	err := r.batch.Commit(pebble.Sync)
	r.batch = nil
	return err
}

func (r *PebbleRepository) RollbackTransaction() error {
	if r.batch == nil {
		return errors.New("no transaction in progress")
	}
	err := r.batch.Close()
	r.batch = nil
	return err
}

// write applies fn to the open transaction, or to a batch of its own that
// is committed when fn succeeds.
func (r *PebbleRepository) write(fn func(b *pebble.Batch) error) error {
	if r.batch != nil {
		return fn(r.batch)
	}
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := fn(batch); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// scan calls fn for every key with prefix.
func (r *PebbleRepository) scan(prefix byte, fn func(key, value []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	return iter.Close()
}

// Close closes the database, discarding an open transaction.
func (r *PebbleRepository) Close() error {
	if r.batch != nil {
		r.batch.Close()
		r.batch = nil
	}
	return r.db.Close()
}

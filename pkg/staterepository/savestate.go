package staterepository

import (
	"cmp"
	"encoding/binary"
	"encoding/hex"
	"math"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/segmentio/encoding/json"
	"golang.org/x/crypto/blake2b"

	"dynarec/pkg/cpu"
	"dynarec/pkg/ram"
)

// Key prefixes. Each key is the prefix followed by the 16 id bytes.
const (
	prefixSavestate byte = 's'
	prefixMemory    byte = 'm'
	prefixProfile   byte = 'p'
)

func makeKey(prefix byte, id uuid.UUID) []byte {
	key := make([]byte, 1+len(id))
	key[0] = prefix
	copy(key[1:], id[:])
	return key
}

// Savestate is a complete guest machine image.
type Savestate struct {
	ID      uuid.UUID
	Name    string
	Created time.Time
	State   cpu.State
	Memory  ram.Snapshot
}

// SavestateInfo describes a stored savestate without loading its memory.
type SavestateInfo struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	PC      uint32    `json:"pc"`
	RAMSize uint32    `json:"ramSize"`
	// Compressed is the stored size of the memory image.
	Compressed int `json:"compressed"`
}

type savestateRecord struct {
	SavestateInfo
	Regs     [cpu.NumSlots]uint32 `json:"regs"`
	FPR      [cpu.NumFPRs]uint64  `json:"fpr"`
	Access   []byte               `json:"access"`
	Checksum string               `json:"checksum"`
}

// checksum covers the registers, page rights and uncompressed memory.
func (rec *savestateRecord) checksum(data []byte) string {
	h, _ := blake2b.New256(nil)
	var buf []byte
	for _, v := range rec.Regs {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	for _, v := range rec.FPR {
		buf = binary.BigEndian.AppendUint64(buf, v)
	}
	h.Write(buf)
	h.Write(rec.Access)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SaveState stores s and returns its id. A nil ID is replaced by a fresh
// one and a zero Created by the current time.
func (r *PebbleRepository) SaveState(s Savestate) (uuid.UUID, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Created.IsZero() {
		s.Created = time.Now().UTC()
	}

	rec := savestateRecord{
		SavestateInfo: SavestateInfo{
			ID:      s.ID,
			Name:    s.Name,
			Created: s.Created,
			PC:      s.State.PC(),
			RAMSize: s.Memory.Size,
		},
		Regs:   s.State.Regs,
		Access: make([]byte, len(s.Memory.Access)),
	}
	for i, f := range s.State.FPR {
		rec.FPR[i] = math.Float64bits(f)
	}
	for i, a := range s.Memory.Access {
		rec.Access[i] = byte(a)
	}
	rec.Checksum = rec.checksum(s.Memory.Data)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "zstd writer")
	}
	image := enc.EncodeAll(s.Memory.Data, nil)
	if err := enc.Close(); err != nil {
		return uuid.Nil, errors.Wrap(err, "zstd writer")
	}
	rec.Compressed = len(image)

	meta, err := json.Marshal(&rec)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "encode savestate")
	}
	err = r.write(func(b *pebble.Batch) error {
		if err := b.Set(makeKey(prefixSavestate, s.ID), meta, nil); err != nil {
			return err
		}
		return b.Set(makeKey(prefixMemory, s.ID), image, nil)
	})
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "store savestate %s", s.ID)
	}
	return s.ID, nil
}

func (r *PebbleRepository) loadRecord(id uuid.UUID) (savestateRecord, error) {
	var rec savestateRecord
	meta, err := r.getCopy(makeKey(prefixSavestate, id))
	if err != nil {
		return rec, errors.Wrapf(err, "savestate %s", id)
	}
	if err := json.Unmarshal(meta, &rec); err != nil {
		return rec, errors.Wrapf(err, "decode savestate %s", id)
	}
	return rec, nil
}

// LoadState reads and verifies a savestate.
func (r *PebbleRepository) LoadState(id uuid.UUID) (Savestate, error) {
	rec, err := r.loadRecord(id)
	if err != nil {
		return Savestate{}, err
	}
	image, err := r.getCopy(makeKey(prefixMemory, id))
	if err != nil {
		return Savestate{}, errors.Wrapf(err, "savestate %s memory", id)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Savestate{}, errors.Wrap(err, "zstd reader")
	}
	defer dec.Close()
	data, err := dec.DecodeAll(image, nil)
	if err != nil {
		return Savestate{}, errors.Mark(errors.Wrapf(err, "savestate %s memory", id), ErrChecksum)
	}
	if uint32(len(data)) != rec.RAMSize || rec.checksum(data) != rec.Checksum {
		return Savestate{}, errors.Wrapf(ErrChecksum, "savestate %s", id)
	}

	s := Savestate{
		ID:      rec.ID,
		Name:    rec.Name,
		Created: rec.Created,
		Memory: ram.Snapshot{
			Size:   rec.RAMSize,
			Access: make([]ram.Access, len(rec.Access)),
			Data:   data,
		},
	}
	s.State.Regs = rec.Regs
	for i, bits := range rec.FPR {
		s.State.FPR[i] = math.Float64frombits(bits)
	}
	for i, a := range rec.Access {
		s.Memory.Access[i] = ram.Access(a)
	}
	return s, nil
}

// ListStates returns every stored savestate, oldest first.
func (r *PebbleRepository) ListStates() ([]SavestateInfo, error) {
	var out []SavestateInfo
	err := r.scan(prefixSavestate, func(_, value []byte) error {
		var rec savestateRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return errors.Wrap(err, "decode savestate")
		}
		out = append(out, rec.SavestateInfo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b SavestateInfo) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

// DeleteState removes a savestate.
func (r *PebbleRepository) DeleteState(id uuid.UUID) error {
	if _, err := r.loadRecord(id); err != nil {
		return err
	}
	return r.write(func(b *pebble.Batch) error {
		if err := b.Delete(makeKey(prefixSavestate, id), nil); err != nil {
			return err
		}
		return b.Delete(makeKey(prefixMemory, id), nil)
	})
}

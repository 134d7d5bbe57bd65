package staterepository

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"

	"dynarec/pkg/jit"
)

// ProfileSnapshot is a saved block profile.
type ProfileSnapshot struct {
	ID      uuid.UUID          `json:"id"`
	Name    string             `json:"name"`
	Created time.Time          `json:"created"`
	Blocks  []jit.BlockProfile `json:"blocks"`
}

// SaveProfile stores p, filling in ID and Created when unset.
func (r *PebbleRepository) SaveProfile(p ProfileSnapshot) (uuid.UUID, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Created.IsZero() {
		p.Created = time.Now().UTC()
	}
	value, err := json.Marshal(&p)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "encode profile")
	}
	err = r.write(func(b *pebble.Batch) error {
		return b.Set(makeKey(prefixProfile, p.ID), value, nil)
	})
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "store profile %s", p.ID)
	}
	return p.ID, nil
}

func (r *PebbleRepository) LoadProfile(id uuid.UUID) (ProfileSnapshot, error) {
	var p ProfileSnapshot
	value, err := r.getCopy(makeKey(prefixProfile, id))
	if err != nil {
		return p, errors.Wrapf(err, "profile %s", id)
	}
	if err := json.Unmarshal(value, &p); err != nil {
		return p, errors.Wrapf(err, "decode profile %s", id)
	}
	return p, nil
}

// ListProfiles returns all stored profiles in key order.
func (r *PebbleRepository) ListProfiles() ([]ProfileSnapshot, error) {
	var out []ProfileSnapshot
	err := r.scan(prefixProfile, func(_, value []byte) error {
		var p ProfileSnapshot
		if err := json.Unmarshal(value, &p); err != nil {
			return errors.Wrap(err, "decode profile")
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

package jit

import (
	"cmp"
	"encoding/hex"
	"slices"
)

// BlockProfile is the profiling readout for one live block.
type BlockProfile struct {
	Start        uint32 `json:"start"`
	Instructions int    `json:"instructions"`
	Cycles       int    `json:"cycles"`
	Runs         uint64 `json:"runs"`
	// Fingerprint identifies the guest code the block was translated from
	// across cache clears and runs.
	Fingerprint string `json:"fingerprint"`
}

// TotalCycles is the estimated guest time spent in the block.
func (p BlockProfile) TotalCycles() uint64 { return p.Runs * uint64(p.Cycles) }

// Profile returns the live blocks ordered by estimated time spent, most
// expensive first. Run counts are only collected with profiling enabled.
func (r *Runtime) Profile() []BlockProfile {
	blocks := r.cache.Blocks()
	out := make([]BlockProfile, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockProfile{
			Start:        b.Start,
			Instructions: b.Size,
			Cycles:       b.Cycles,
			Runs:         b.RunCount,
			Fingerprint:  hex.EncodeToString(b.Fingerprint[:]),
		})
	}
	slices.SortStableFunc(out, func(a, b BlockProfile) int {
		if c := cmp.Compare(b.TotalCycles(), a.TotalCycles()); c != 0 {
			return c
		}
		return cmp.Compare(a.Start, b.Start)
	})
	return out
}

func (r *Runtime) countRun(id uint32) {
	if b := r.cache.Block(int(id)); b != nil {
		b.RunCount++
	}
}

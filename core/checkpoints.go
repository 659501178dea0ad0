package core

import (
	"sort"
)

// Checkpoint records a quantity's value from Height onward until superseded
// by a later checkpoint.
type Checkpoint struct {
	Height uint64 `json:"height"`
	Value  uint64 `json:"value"`
}

// History is an append-only series of checkpoints with strictly increasing
// heights. The zero value is an empty, usable history.
type History struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Push records value at the given height. A push at the current last height
// updates it in place, a push at a greater height appends. Heights never
// regress.
func (h *History) Push(height, value uint64) error {
	n := len(h.Checkpoints)
	if n > 0 {
		last := &h.Checkpoints[n-1]
		if height < last.Height {
			return ErrHeightRegression
		}
		if height == last.Height {
			last.Value = value
			return nil
		}
	}

	h.Checkpoints = append(h.Checkpoints, Checkpoint{Height: height, Value: value})
	return nil
}

// PushAdd pushes latest()+delta at the given height.
func (h *History) PushAdd(height, delta uint64) error {
	return h.Push(height, h.Latest()+delta)
}

// PushSub pushes latest()-delta at the given height.
func (h *History) PushSub(height, delta uint64) error {
	cur := h.Latest()
	if delta > cur {
		return ErrValueUnderflow
	}
	return h.Push(height, cur-delta)
}

// Latest returns the value at the most recent height, zero when empty.
func (h *History) Latest() uint64 {
	if n := len(h.Checkpoints); n > 0 {
		return h.Checkpoints[n-1].Value
	}
	return 0
}

// LatestHeight returns the height of the most recent checkpoint, zero when
// empty.
func (h *History) LatestHeight() uint64 {
	if n := len(h.Checkpoints); n > 0 {
		return h.Checkpoints[n-1].Height
	}
	return 0
}

// AtHeight returns the value of the latest checkpoint with height <= the
// query height, or zero if none exists. Only finalized heights may be
// queried: height must be strictly below current.
func (h *History) AtHeight(height, current uint64) (uint64, error) {
	if height >= current {
		return 0, ErrFutureLookup
	}

	n := len(h.Checkpoints)
	if n == 0 {
		return 0, nil
	}

	// Callers usually query recent history, so probe the last checkpoint
	// before falling back to binary search.
	if h.Checkpoints[n-1].Height <= height {
		return h.Checkpoints[n-1].Value, nil
	}

	// Smallest index with Height > height; the answer precedes it.
	idx := sort.Search(n, func(i int) bool {
		return h.Checkpoints[i].Height > height
	})
	if idx == 0 {
		return 0, nil
	}
	return h.Checkpoints[idx-1].Value, nil
}

// Len returns the number of recorded checkpoints.
func (h *History) Len() int {
	return len(h.Checkpoints)
}

package core

import (
	"github.com/bits-and-blooms/bitset"
)

// RepresentationSet is the compact set of member ids currently contributing
// nonzero power to a senator. Member ids are sequential and permanent, which
// keeps the bitset encoding stable across bans.
type RepresentationSet struct {
	bits *bitset.BitSet
}

func NewRepresentationSet() *RepresentationSet {
	return &RepresentationSet{bits: bitset.New(0)}
}

func (r *RepresentationSet) Add(id uint64) {
	r.bits.Set(uint(id))
}

func (r *RepresentationSet) Remove(id uint64) {
	r.bits.Clear(uint(id))
}

func (r *RepresentationSet) Contains(id uint64) bool {
	return r.bits.Test(uint(id))
}

func (r *RepresentationSet) Count() uint64 {
	return uint64(r.bits.Count())
}

// IDs enumerates the set in ascending id order.
func (r *RepresentationSet) IDs() []uint64 {
	out := make([]uint64, 0, r.bits.Count())
	for i, ok := r.bits.NextSet(0); ok; i, ok = r.bits.NextSet(i + 1) {
		out = append(out, uint64(i))
	}
	return out
}

func (r *RepresentationSet) Clone() *RepresentationSet {
	return &RepresentationSet{bits: r.bits.Clone()}
}

// MarshalBinary encodes the set in the compact byte-array format used for
// proposal snapshots and persisted state.
func (r *RepresentationSet) MarshalBinary() ([]byte, error) {
	return r.bits.MarshalBinary()
}

func (r *RepresentationSet) UnmarshalBinary(data []byte) error {
	bits := bitset.New(0)
	if len(data) > 0 {
		if err := bits.UnmarshalBinary(data); err != nil {
			return err
		}
	}
	r.bits = bits
	return nil
}

package session

import (
	"github.com/bits-and-blooms/bitset"
)

// reassembly places payload fragments at their stream offsets. It remembers
// which bytes were already written so that duplicated or overlapping
// fragments are not counted twice. Owned by exactly one session; never
// reused.
type reassembly struct {
	data    []byte
	written *bitset.BitSet
	gen     uint64 // advanced by every write; matched against Session.gen
}

func newReassembly(size uint32) *reassembly {
	return &reassembly{
		data:    make([]byte, size),
		written: bitset.New(uint(size)),
	}
}

// write copies p to offset and returns how many of its bytes were not
// covered before, and the buffer's new generation. The caller has checked
// the bounds.
func (r *reassembly) write(offset uint32, p []byte) (uint32, uint64) {
	copy(r.data[offset:], p)
	r.gen++

	var fresh uint32
	for i := range p {
		pos := uint(offset) + uint(i)
		if !r.written.Test(pos) {
			r.written.Set(pos)
			fresh++
		}
	}
	return fresh, r.gen
}

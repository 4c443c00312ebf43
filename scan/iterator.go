package scan

import (
	"fmt"
	"io"
	"math/bits"
)

// Iteration modes for AddressSource.
const (
	ModeSequential = "sequential"
	ModeRandom     = "random"
)

// AddressSource produces the candidate addresses of a scan, either in integer
// order or as a seeded random permutation that visits every address in the
// range exactly once. Next returns io.EOF once the range is exhausted.
//
// The position of the sequence is fully captured by the index, so a scan can
// be resumed from a checkpoint with SetIndex without materializing anything.
type AddressSource struct {
	start uint32
	size  uint64
	port  uint16
	mode  string
	seed  int64
	index uint64
	perm  *permutation
}

func NewAddressSource(start, end uint32, port uint16, mode string, seed int64) (*AddressSource, error) {
	if end < start {
		return nil, fmt.Errorf("range start is above range end")
	}
	s := &AddressSource{
		start: start,
		size:  uint64(end) - uint64(start) + 1,
		port:  port,
		mode:  mode,
		seed:  seed,
	}
	switch mode {
	case ModeSequential:
	case ModeRandom:
		s.perm = newPermutation(s.size, seed)
	default:
		return nil, fmt.Errorf("unknown iteration mode: %s", mode)
	}
	return s, nil
}

// Next returns the next address of the sequence, or io.EOF when the range has
// been fully visited. Exhaustion is a normal terminal signal, not an error.
func (s *AddressSource) Next() (Address, error) {
	if s.index >= s.size {
		return Address{}, io.EOF
	}
	offset := s.index
	if s.perm != nil {
		offset = s.perm.apply(offset)
	}
	s.index++
	return Address{IP: s.start + uint32(offset), Port: s.port}, nil
}

// Index reports how many addresses have been produced so far.
func (s *AddressSource) Index() uint64 { return s.index }

// SetIndex restores the sequence position from a checkpoint.
func (s *AddressSource) SetIndex(idx uint64) {
	if idx > s.size {
		idx = s.size
	}
	s.index = idx
}

// Size is the total number of addresses in the range.
func (s *AddressSource) Size() uint64 { return s.size }

// permutation is a keyed bijection over [0,size) built from a 4-round Feistel
// network over the smallest even-bit-width domain covering the range, with
// cycle-walking to stay inside it. Positions map to addresses without any
// per-address state, which is what makes random-mode resume cheap.
type permutation struct {
	size     uint64
	halfBits uint
	halfMask uint64
	keys     [4]uint32
}

func newPermutation(size uint64, seed int64) *permutation {
	if size < 2 {
		return &permutation{size: size, halfBits: 1, halfMask: 1}
	}
	width := uint(bits.Len64(size - 1))
	if width%2 != 0 {
		width++
	}
	p := &permutation{
		size:     size,
		halfBits: width / 2,
		halfMask: 1<<(width/2) - 1,
	}
	// Derive round keys from the seed with a splitmix64-style mix.
	state := uint64(seed)
	for i := range p.keys {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		p.keys[i] = uint32(z ^ (z >> 31))
	}
	return p
}

func (p *permutation) apply(i uint64) uint64 {
	if p.size < 2 {
		return i
	}
	v := p.encrypt(i)
	// Cycle-walk: the Feistel domain may exceed the range, so re-encrypt
	// until the value lands inside it. Terminates because the mapping is a
	// bijection over the domain.
	for v >= p.size {
		v = p.encrypt(v)
	}
	return v
}

func (p *permutation) encrypt(v uint64) uint64 {
	left := uint32(v >> p.halfBits)
	right := uint32(v & p.halfMask)
	for r := 0; r < 4; r++ {
		left, right = right, left^p.round(right, p.keys[r])
	}
	return uint64(left)<<p.halfBits | uint64(right&uint32(p.halfMask))
}

func (p *permutation) round(v, key uint32) uint32 {
	h := v*0xcc9e2d51 + key
	h = (h << 15) | (h >> 17)
	h *= 0x1b873593
	h ^= h >> 16
	return h & uint32(p.halfMask)
}

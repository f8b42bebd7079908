package core

import (
	"fmt"

	"github.com/willf/bitset"
)

// Bitfield is a fixed-length bit vector indicating which pieces of a torrent
// are present, backed by willf/bitset the way the scheduler's peer state
// tracks remote availability.
type Bitfield struct {
	len int
	b   *bitset.BitSet
}

// NewBitfield creates an all-zero Bitfield of the given piece count.
func NewBitfield(numPieces int) *Bitfield {
	return &Bitfield{len: numPieces, b: bitset.New(uint(numPieces))}
}

// NewBitfieldFromBytes decodes a wire-format (MSB-first per byte, zero
// trailing padding) bitfield of numPieces bits.
func NewBitfieldFromBytes(data []byte, numPieces int) (*Bitfield, error) {
	want := (numPieces + 7) / 8
	if len(data) != want {
		return nil, fmt.Errorf("bitfield: expected %d bytes for %d pieces, got %d", want, numPieces, len(data))
	}
	bf := NewBitfield(numPieces)
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		bitIdx := 7 - uint(i%8)
		if data[byteIdx]&(1<<bitIdx) != 0 {
			bf.b.Set(uint(i))
		}
	}
	return bf, nil
}

// Bytes encodes the bitfield MSB-first per byte, zero-padding trailing bits.
func (bf *Bitfield) Bytes() []byte {
	out := make([]byte, (bf.len+7)/8)
	for i := 0; i < bf.len; i++ {
		if bf.b.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// Len returns the number of pieces the bitfield tracks.
func (bf *Bitfield) Len() int {
	return bf.len
}

// Get returns whether piece i is present.
func (bf *Bitfield) Get(i int) bool {
	return bf.b.Test(uint(i))
}

// Set marks piece i present or absent.
func (bf *Bitfield) Set(i int, v bool) {
	bf.b.SetTo(uint(i), v)
}

// SetCount returns the number of set bits.
func (bf *Bitfield) SetCount() int {
	return int(bf.b.Count())
}

// Complete returns true iff every piece is present.
func (bf *Bitfield) Complete() bool {
	return bf.len > 0 && bf.SetCount() == bf.len
}

// Copy returns an independent copy of bf.
func (bf *Bitfield) Copy() *Bitfield {
	return &Bitfield{len: bf.len, b: bf.b.Clone()}
}

// Intersection returns the bitwise AND of bf and other.
func (bf *Bitfield) Intersection(other *Bitfield) *Bitfield {
	return &Bitfield{len: bf.len, b: bf.b.Intersection(other.b)}
}

// Complement returns the bitwise NOT of bf, still bounded to Len().
func (bf *Bitfield) Complement() *Bitfield {
	c := bitset.New(uint(bf.len))
	for i := 0; i < bf.len; i++ {
		c.SetTo(uint(i), !bf.b.Test(uint(i)))
	}
	return &Bitfield{len: bf.len, b: c}
}

// SetAll sets every bit to v.
func (bf *Bitfield) SetAll(v bool) {
	for i := 0; i < bf.len; i++ {
		bf.b.SetTo(uint(i), v)
	}
}

// GetAllSet returns the indices of all set bits.
func (bf *Bitfield) GetAllSet() []uint {
	res := make([]uint, 0, bf.SetCount())
	for i, e := bf.b.NextSet(0); e; i, e = bf.b.NextSet(i + 1) {
		res = append(res, i)
	}
	return res
}

// RawBitSet exposes the underlying bitset for packages that need direct
// set-algebra (swarm picker candidate filtering).
func (bf *Bitfield) RawBitSet() *bitset.BitSet {
	return bf.b
}

func (bf *Bitfield) String() string {
	return fmt.Sprintf("Bitfield(%d/%d)", bf.SetCount(), bf.len)
}

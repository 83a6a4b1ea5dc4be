package wire

import "github.com/willf/bitset"

// Bitfield tracks which piece indices a peer has announced as available.
// Backed by willf/bitset, the same library uber-kraken's scheduler uses for
// its own sync bitfield wrapper, but this one exposes the MSB-first wire
// (un)packing the peer protocol needs rather than kraken's set-algebra API.
type Bitfield struct {
	bits *bitset.BitSet
	n    uint
}

// NewBitfield returns an all-clear bitfield sized for n pieces.
func NewBitfield(n int) *Bitfield {
	return &Bitfield{bits: bitset.New(uint(n)), n: uint(n)}
}

func (b *Bitfield) Len() int { return int(b.n) }

func (b *Bitfield) Has(i int) bool {
	if i < 0 || uint(i) >= b.n {
		return false
	}
	return b.bits.Test(uint(i))
}

func (b *Bitfield) Set(i int) {
	if i < 0 || uint(i) >= b.n {
		return
	}
	b.bits.Set(uint(i))
}

// DecodeBitfieldPayload builds a Bitfield of length pieceCount from a wire
// bitfield message payload (MSB-first packing, one bit per piece index).
// Payload bits beyond pieceCount, if any, are ignored.
func DecodeBitfieldPayload(payload []byte, pieceCount int) *Bitfield {
	bf := NewBitfield(pieceCount)
	for i := 0; i < pieceCount; i++ {
		byteIndex := i / 8
		if byteIndex >= len(payload) {
			break
		}
		bitIndex := uint(i % 8)
		if (payload[byteIndex]>>(7-bitIndex))&1 == 1 {
			bf.Set(i)
		}
	}
	return bf
}

// Bytes returns the MSB-first wire packing of b, padded with clear bits to a
// whole number of bytes.
func (b *Bitfield) Bytes() []byte {
	numBytes := (int(b.n) + 7) / 8
	out := make([]byte, numBytes)
	for i := 0; i < int(b.n); i++ {
		if b.bits.Test(uint(i)) {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

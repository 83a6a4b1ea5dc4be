// Package piece implements per-piece block assembly and SHA-1 verification,
// and the PieceManager work queue peers pull from.
package piece

import (
	"bytes"
	"crypto/sha1"

	"github.com/pkg/errors"

	"github.com/lbealr/leech/config"
)

// BlockSize is the fixed request/response block size the wire protocol
// uses for every block except possibly the torrent's final one. config is
// the single source of truth for this constant.
const BlockSize = config.BlockSize

var (
	ErrHashMismatch     = errors.New("piece: hash mismatch")
	ErrWrongIndex       = errors.New("piece: block belongs to a different piece")
	ErrMisalignedBegin  = errors.New("piece: begin is not block-aligned")
	ErrUnknownBlockBegin = errors.New("piece: no block at this begin offset")
)

// Block is one [begin, length) slice of a piece's byte range.
type Block struct {
	Begin  int
	Length int
}

// Piece accumulates blocks for one torrent piece and validates the
// assembled bytes against the expected SHA-1 digest once every block has
// arrived.
type Piece struct {
	Index          int
	ExpectedHash   [20]byte
	ExpectedLength int
	Layout         []Block

	blockData     [][]byte
	receivedCount int
	assembled     []byte
}

// New builds a Piece ready to receive blocks per layout.
func New(index int, hash [20]byte, length int, layout []Block) *Piece {
	return &Piece{
		Index:          index,
		ExpectedHash:   hash,
		ExpectedLength: length,
		Layout:         layout,
		blockData:      make([][]byte, len(layout)),
	}
}

// Reset clears any partially-received block data, returning the piece to
// its just-created state so it can be requeued for a different peer.
func (p *Piece) Reset() {
	p.blockData = make([][]byte, len(p.Layout))
	p.receivedCount = 0
	p.assembled = nil
}

// PieceIndex and Blocks satisfy wire.BlockGeometry.
func (p *Piece) PieceIndex() int { return p.Index }

func (p *Piece) Blocks() [][2]int {
	out := make([][2]int, len(p.Layout))
	for i, b := range p.Layout {
		out[i] = [2]int{b.Begin, b.Length}
	}
	return out
}

// Bytes returns the fully assembled, hash-verified piece bytes. Only valid
// after WriteBlock has returned complete=true.
func (p *Piece) Bytes() []byte { return p.assembled }

func (p *Piece) slotFor(begin int) (int, error) {
	for i, b := range p.Layout {
		if b.Begin == begin {
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrUnknownBlockBegin, "piece %d: begin=%d", p.Index, begin)
}

// WriteBlock stores a received block. It returns (true, nil) once every
// block has arrived and the assembled piece matches its expected hash; a
// non-nil error means the piece should be discarded and requeued - the
// block data received so far is not trustworthy.
func (p *Piece) WriteBlock(index, begin int, data []byte) (bool, error) {
	if index != p.Index {
		return false, errors.Wrapf(ErrWrongIndex, "piece %d received a block for piece %d", p.Index, index)
	}
	if begin%BlockSize != 0 {
		return false, errors.Wrapf(ErrMisalignedBegin, "piece %d: begin=%d", p.Index, begin)
	}
	slot, err := p.slotFor(begin)
	if err != nil {
		return false, err
	}
	if p.blockData[slot] == nil {
		p.blockData[slot] = append([]byte(nil), data...)
		p.receivedCount++
	}
	if p.receivedCount < len(p.Layout) {
		return false, nil
	}
	return p.verify()
}

func (p *Piece) verify() (bool, error) {
	buf := make([]byte, 0, p.ExpectedLength)
	for _, d := range p.blockData {
		buf = append(buf, d...)
	}
	if len(buf) != p.ExpectedLength {
		return false, errors.Wrapf(ErrHashMismatch, "piece %d: assembled %d bytes, expected %d", p.Index, len(buf), p.ExpectedLength)
	}
	sum := sha1.Sum(buf)
	if !bytes.Equal(sum[:], p.ExpectedHash[:]) {
		return false, errors.Wrapf(ErrHashMismatch, "piece %d: digest mismatch", p.Index)
	}
	p.assembled = buf
	return true, nil
}

// Package peer implements the per-peer connection state machine: handshake
// validation, bitfield/have tracking, and the choke/interested/request/piece
// dance that pulls pieces from a piece.Manager.
package peer

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lbealr/leech/piece"
	"github.com/lbealr/leech/wire"
)

// State is a peer session's position in the handshake/transfer protocol.
type State int

const (
	StateConnectionPending State = iota
	StateHandshakePending
	StateBitfieldParsing
	StateRequestPassing
)

func (s State) String() string {
	switch s {
	case StateConnectionPending:
		return "connection_pending"
	case StateHandshakePending:
		return "handshake_pending"
	case StateBitfieldParsing:
		return "bitfield_parsing"
	case StateRequestPassing:
		return "request_passing"
	default:
		return "unknown"
	}
}

// PieceSource is the subset of *piece.Manager a Session needs, satisfied
// directly by *piece.Manager.
type PieceSource interface {
	Acquire(has func(index int) bool) *piece.Piece
	Release(p *piece.Piece)
}

// OnPieceComplete is called once a piece's blocks have all arrived and
// verified. Returning an error tears the session down.
type OnPieceComplete func(index int, data []byte) error

// Session drives one peer connection through CONNECTION_PENDING ->
// HANDSHAKE_PENDING -> BITFIELD_PARSING -> REQUEST_PASSING. One goroutine
// owns a Session's Conn and mutable state for its entire lifetime - this is
// the Go-native reading of "a single cooperative thread per peer": only that
// goroutine touches the session's read buffer or changes its current piece,
// so no lock is needed here (unlike the shared piece.Manager). The one
// outside entry point is Close, whose teardown runs at most once.
type Session struct {
	Addr      string
	Conn      net.Conn
	handshake []byte
	infoHash  [20]byte

	pieces     PieceSource
	onComplete OnPieceComplete
	log        *logrus.Entry

	state          State
	peerChoking    bool
	amChoking      bool
	amInterested   bool
	peerInterested bool

	bitfield   *wire.Bitfield
	pieceCount int
	current    *piece.Piece

	closeOnce sync.Once
}

// NewSession builds a session for a freshly-dialed connection. Run must be
// called to actually drive it.
func NewSession(addr string, conn net.Conn, handshake []byte, infoHash [20]byte, pieceCount int,
	pieces PieceSource, onComplete OnPieceComplete, log *logrus.Entry) *Session {
	return &Session{
		Addr:        addr,
		Conn:        conn,
		handshake:   handshake,
		infoHash:    infoHash,
		pieces:      pieces,
		onComplete:  onComplete,
		log:         log,
		state:       StateConnectionPending,
		peerChoking: true,
		amChoking:   true,
		pieceCount:  pieceCount,
	}
}

// Run performs the handshake and then services incoming messages until the
// connection ends, the peer violates the protocol, or there is no more work
// this peer can do. It always returns a non-nil error describing why the
// session ended; ErrDone indicates a graceful, expected end.
func (s *Session) Run() error {
	defer s.teardown("run loop exited")

	s.state = StateHandshakePending
	if _, err := s.Conn.Write(s.handshake); err != nil {
		return errors.Wrap(ErrPeerIO, err.Error())
	}
	if err := s.readHandshake(); err != nil {
		return err
	}
	s.state = StateBitfieldParsing

	var pending []byte
	buf := make([]byte, 32*1024)
	for {
		n, rerr := s.Conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			rest, everr := wire.DrainFrames(pending, s.evaluate)
			if everr != nil {
				return everr
			}
			pending = rest
			if len(pending) > 0 {
				if _, err := s.Conn.Write(wire.EncodeKeepAlive()); err != nil {
					return errors.Wrap(ErrPeerIO, err.Error())
				}
			}
		}
		if rerr != nil {
			return errors.Wrap(ErrPeerIO, rerr.Error())
		}
	}
}

// Close tears the session down from outside its own goroutine - used by the
// orchestrator once every piece has been downloaded, to stop peers still
// blocked in Conn.Read.
func (s *Session) Close() {
	s.teardown("closed by orchestrator")
}

func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		if s.current != nil {
			s.pieces.Release(s.current)
			s.current = nil
		}
		s.Conn.Close()
		s.log.Debugf("session closed: %s", reason)
	})
}

func (s *Session) readHandshake() error {
	buf := make([]byte, len(s.handshake))
	if _, err := io.ReadFull(s.Conn, buf); err != nil {
		return errors.Wrap(ErrPeerIO, err.Error())
	}
	if !bytes.Equal(buf[28:48], s.infoHash[:]) {
		return errors.Wrap(ErrHandshakeInvalid, "info_hash mismatch")
	}
	return nil
}

func (s *Session) write(b []byte) error {
	if _, err := s.Conn.Write(b); err != nil {
		return errors.Wrap(ErrPeerIO, err.Error())
	}
	return nil
}

func (s *Session) ensureBitfield() {
	if s.bitfield == nil {
		s.bitfield = wire.NewBitfield(s.pieceCount)
	}
}

// acquirePiece ensures s.current is set, pulling a new piece from the
// manager (restricted to what the peer's bitfield claims to have) if one
// isn't already held. Returns false if nothing usable could be acquired.
func (s *Session) acquirePiece() bool {
	if s.current != nil {
		return true
	}
	if s.bitfield == nil {
		return false
	}
	p := s.pieces.Acquire(func(i int) bool { return s.bitfield.Has(i) })
	if p == nil {
		return false
	}
	s.current = p
	return true
}

func (s *Session) evaluate(msg *wire.Message) error {
	if msg == nil {
		return s.write(wire.EncodeKeepAlive())
	}
	switch s.state {
	case StateBitfieldParsing:
		return s.evaluateBitfieldParsing(msg)
	case StateRequestPassing:
		return s.evaluateRequestPassing(msg)
	default:
		return errors.Wrapf(ErrProtocolViolation, "message %v received in state %v", msg.ID, s.state)
	}
}

func (s *Session) evaluateBitfieldParsing(msg *wire.Message) error {
	switch msg.ID {
	case wire.MsgBitfield:
		s.bitfield = wire.DecodeBitfieldPayload(msg.Payload, s.pieceCount)
		s.amInterested = true
		s.state = StateRequestPassing
		return s.write(wire.EncodeInterested())
	case wire.MsgHave:
		index, err := wire.DecodeHave(msg)
		if err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		s.ensureBitfield()
		s.bitfield.Set(index)
		return nil
	case wire.MsgChoke:
		// the peer choking us is our cue to check whether its announced
		// pieces (via "have", so far) include anything we still need.
		s.peerChoking = true
		if s.acquirePiece() {
			s.amInterested = true
			return s.write(wire.EncodeInterested())
		}
		return s.write(wire.EncodeNotInterested())
	case wire.MsgUnchoke:
		s.peerChoking = false
		if s.current != nil {
			s.state = StateRequestPassing
			return s.evaluateRequestPassing(msg)
		}
		return nil
	default:
		return errors.Wrapf(ErrProtocolViolation, "unexpected message %v during bitfield parsing", msg.ID)
	}
}

func (s *Session) evaluateRequestPassing(msg *wire.Message) error {
	switch msg.ID {
	case wire.MsgUnchoke:
		s.peerChoking = false
		if !s.amInterested {
			return nil
		}
		if s.acquirePiece() {
			return s.write(wire.EncodeRequestAll(s.current))
		}
		return ErrDone
	case wire.MsgChoke:
		s.peerChoking = true
		return nil
	case wire.MsgHave:
		index, err := wire.DecodeHave(msg)
		if err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		s.ensureBitfield()
		s.bitfield.Set(index)
		return nil
	case wire.MsgBitfield:
		s.bitfield = wire.DecodeBitfieldPayload(msg.Payload, s.pieceCount)
		return nil
	case wire.MsgPiece:
		if s.current == nil {
			return errors.Wrap(ErrProtocolViolation, "piece message with no piece in flight")
		}
		index, begin, block, err := wire.DecodePiece(msg)
		if err != nil {
			return errors.Wrap(ErrProtocolViolation, err.Error())
		}
		complete, err := s.current.WriteBlock(index, begin, block)
		if err != nil {
			return err
		}
		if !complete {
			return nil
		}
		s.log.Infof("piece %d complete from %s", s.current.Index, s.Addr)
		data := s.current.Bytes()
		index = s.current.Index
		// clear s.current before invoking the callback: onComplete may, on the
		// last piece, synchronously Close every live session (including this
		// one) to unblock their Conn.Read calls. A reentrant teardown() must
		// not see this already-written piece as still held, or it re-releases
		// a verified piece back onto the live queue.
		s.current = nil
		if err := s.onComplete(index, data); err != nil {
			return err
		}
		if s.acquirePiece() {
			return s.write(wire.EncodeRequestAll(s.current))
		}
		return ErrDone
	default:
		return errors.Wrapf(ErrProtocolViolation, "unexpected message %v during request passing", msg.ID)
	}
}

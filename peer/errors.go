package peer

import "github.com/pkg/errors"

var (
	// ErrHandshakeInvalid marks a peer whose handshake doesn't carry the
	// expected info_hash. Per-peer: close this connection, try another peer.
	ErrHandshakeInvalid = errors.New("peer: invalid handshake")

	// ErrProtocolViolation marks a message received in a state that
	// doesn't expect it, or with a malformed payload. Per-peer.
	ErrProtocolViolation = errors.New("peer: protocol violation")

	// ErrPeerIO marks a transport-level read/write failure. Per-peer.
	ErrPeerIO = errors.New("peer: io error")

	// ErrDone signals a session ending normally because the manager had
	// no further piece this peer's bitfield could satisfy.
	ErrDone = errors.New("peer: no further pieces needed from this peer")
)

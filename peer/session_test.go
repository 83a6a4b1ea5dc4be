package peer

import (
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lbealr/leech/piece"
	"github.com/lbealr/leech/wire"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

// driveSession wires a Session to one end of a net.Pipe and returns the
// peer-side end for the test to script against, plus a channel receiving
// Run's eventual result.
func driveSession(t *testing.T, pieces PieceSource, onComplete OnPieceComplete) (net.Conn, *Session, chan error) {
	t.Helper()
	clientConn, peerConn := net.Pipe()

	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")
	handshake := append([]byte{19}, []byte("BitTorrent protocol")...)
	handshake = append(handshake, make([]byte, 8)...)
	handshake = append(handshake, infoHash[:]...)
	handshake = append(handshake, []byte("localpeeridlocalpeer")[:20]...)

	sess := NewSession("test-peer", clientConn, handshake, infoHash, 2, pieces, onComplete, discardLogger())

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	// consume and discard the outbound handshake the session writes first.
	buf := make([]byte, 68)
	_, err := io.ReadFull(peerConn, buf)
	require.NoError(t, err)

	// reply with our own handshake (same info_hash).
	_, err = peerConn.Write(handshake)
	require.NoError(t, err)

	return peerConn, sess, done
}

func TestSessionHandshakeMismatchCloses(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	handshake := append([]byte{19}, []byte("BitTorrent protocol")...)
	handshake = append(handshake, make([]byte, 8)...)
	handshake = append(handshake, infoHash[:]...)
	handshake = append(handshake, make([]byte, 20)...)

	pm := piece.NewManager(nil)
	sess := NewSession("p", clientConn, handshake, infoHash, 1, pm, func(int, []byte) error { return nil }, discardLogger())

	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	buf := make([]byte, 68)
	_, err := io.ReadFull(peerConn, buf)
	require.NoError(t, err)

	// reply with a handshake carrying a different info_hash.
	var wrongHash [20]byte
	copy(wrongHash[:], "bbbbbbbbbbbbbbbbbbbb")
	bad := append([]byte{19}, []byte("BitTorrent protocol")...)
	bad = append(bad, make([]byte, 8)...)
	bad = append(bad, wrongHash[:]...)
	bad = append(bad, make([]byte, 20)...)
	_, err = peerConn.Write(bad)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrHandshakeInvalid)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return after bad handshake")
	}
}

func TestSessionBitfieldInterestedAndPieceDownload(t *testing.T) {
	data := []byte("abcdefgh") // 8 bytes, one block
	hash := sha1.Sum(data)
	p := piece.New(0, hash, len(data), []piece.Block{{Begin: 0, Length: 8}})
	pm := piece.NewManager([]*piece.Piece{p})

	completed := make(chan struct{}, 1)
	onComplete := func(index int, got []byte) error {
		assert.Equal(t, 0, index)
		assert.Equal(t, data, got)
		completed <- struct{}{}
		return nil
	}

	peerConn, _, done := driveSession(t, pm, onComplete)
	defer peerConn.Close()

	readFrame := func() *wire.Message {
		lenBuf := make([]byte, 4)
		_, err := io.ReadFull(peerConn, lenBuf)
		require.NoError(t, err)
		length := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
		if length == 0 {
			return nil
		}
		rest := make([]byte, length)
		_, err = io.ReadFull(peerConn, rest)
		require.NoError(t, err)
		return &wire.Message{ID: wire.MessageID(rest[0]), Payload: rest[1:]}
	}

	bf := wire.NewBitfield(1)
	bf.Set(0)
	_, err := peerConn.Write(wire.EncodeBitfield(bf))
	require.NoError(t, err)

	msg := readFrame()
	require.NotNil(t, msg)
	assert.Equal(t, wire.MsgInterested, msg.ID)

	_, err = peerConn.Write(wire.EncodeUnchoke())
	require.NoError(t, err)

	reqMsg := readFrame()
	require.NotNil(t, reqMsg)
	assert.Equal(t, wire.MsgRequest, reqMsg.ID)
	index, begin, length, err := wire.DecodeRequest(reqMsg)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.Equal(t, 0, begin)
	assert.Equal(t, 8, length)

	_, err = peerConn.Write(wire.EncodePiece(0, 0, data))
	require.NoError(t, err)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete was never called")
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDone)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after its only piece completed")
	}
}

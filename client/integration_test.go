package client

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lbealr/leech/torrent"
	"github.com/lbealr/leech/wire"
)

// mockPeer serves every piece of data over one accepted connection: it
// replies to the handshake, announces a full bitfield, unchokes on
// interest, and answers every "request" with the matching "piece" - playing
// the part of spec.md's "3 cooperating mock peers each holding all pieces".
func mockPeer(t *testing.T, ln net.Listener, mi *torrent.Metainfo, pieces [][]byte, errs chan<- error) {
	conn, err := ln.Accept()
	if err != nil {
		errs <- err
		return
	}
	defer conn.Close()

	hsIn := make([]byte, 68)
	if _, err := io.ReadFull(conn, hsIn); err != nil {
		errs <- err
		return
	}
	if string(hsIn[28:48]) != string(mi.InfoHash[:]) {
		errs <- fmt.Errorf("mockPeer: info_hash mismatch")
		return
	}
	if _, err := conn.Write(mi.Handshake([20]byte{'m', 'o', 'c', 'k'})); err != nil {
		errs <- err
		return
	}

	bf := wire.NewBitfield(mi.PieceCount)
	for i := 0; i < mi.PieceCount; i++ {
		bf.Set(i)
	}
	if _, err := conn.Write(wire.EncodeBitfield(bf)); err != nil {
		errs <- err
		return
	}

	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			rest, everr := wire.DrainFrames(pending, func(msg *wire.Message) error {
				if msg == nil {
					return nil
				}
				switch msg.ID {
				case wire.MsgInterested:
					_, werr := conn.Write(wire.EncodeUnchoke())
					return werr
				case wire.MsgRequest:
					index, begin, length, derr := wire.DecodeRequest(msg)
					if derr != nil {
						return derr
					}
					block := pieces[index][begin : begin+length]
					_, werr := conn.Write(wire.EncodePiece(index, begin, block))
					return werr
				default:
					return nil
				}
			})
			if everr != nil {
				errs <- everr
				return
			}
			pending = rest
		}
		if rerr != nil {
			errs <- nil // EOF/closed is the expected end once the client is done
			return
		}
	}
}

func TestClientEndToEndMockedSwarm(t *testing.T) {
	pieces := [][]byte{[]byte("AAAA"), []byte("BBBB"), []byte("CCCC")}
	var piecesField []byte
	for _, p := range pieces {
		h := sha1.Sum(p)
		piecesField = append(piecesField, h[:]...)
	}

	const pieceLength = 4
	const name = "test"
	totalLength := int64(len(pieces) * pieceLength)

	listeners := make([]net.Listener, 3)
	for i := range listeners {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		listeners[i] = ln
	}

	var compactPeers []byte
	for _, ln := range listeners {
		addr := ln.Addr().(*net.TCPAddr)
		compactPeers = append(compactPeers, addr.IP.To4()...)
		compactPeers = append(compactPeers, byte(addr.Port>>8), byte(addr.Port))
	}

	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali60e5:peers%d:%se", len(compactPeers), compactPeers)
	}))
	defer tracker.Close()

	raw := fmt.Sprintf("d8:announce%d:%s4:infod6:lengthi%de4:name%d:%s12:piece lengthi%de6:pieces%d:%see",
		len(tracker.URL), tracker.URL,
		totalLength,
		len(name), name,
		pieceLength,
		len(piecesField), piecesField)

	mi, err := torrent.Parse([]byte(raw))
	require.NoError(t, err)

	errs := make(chan error, len(listeners))
	for _, ln := range listeners {
		go mockPeer(t, ln, mi, pieces, errs)
	}

	torrentPath := filepath.Join(t.TempDir(), "test.torrent")
	require.NoError(t, os.WriteFile(torrentPath, []byte(raw), 0o644))
	dataRoot := t.TempDir()

	c, err := New(torrentPath, dataRoot)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client.Run did not complete in time")
	}

	for range listeners {
		require.NoError(t, <-errs)
	}

	pieceFiles, err := filepath.Glob(filepath.Join(dataRoot, name, "piece_dir", "*.piece"))
	require.NoError(t, err)
	require.Len(t, pieceFiles, 3)

	outputDir := t.TempDir()
	require.NoError(t, c.WriteFiles(outputDir))

	got, err := os.ReadFile(filepath.Join(outputDir, name))
	require.NoError(t, err)
	require.Equal(t, "AAAABBBBCCCC", string(got))
}

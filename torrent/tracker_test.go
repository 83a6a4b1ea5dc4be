package torrent

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrackerRejectsNonHTTPScheme(t *testing.T) {
	_, err := NewTracker("udp://tracker.test:80/announce", [20]byte{}, [20]byte{}, 100)
	assert.ErrorIs(t, err, ErrUnsupportedTracker)
}

func TestParseCompactPeers(t *testing.T) {
	raw := []byte{192, 168, 1, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x00, 0x50}
	peers, err := ParseCompactPeers(raw)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, PeerAddr{IP: "192.168.1.1", Port: 6881}, peers[0])
	assert.Equal(t, PeerAddr{IP: "10.0.0.1", Port: 80}, peers[1])
}

func TestParseCompactPeersRejectsBadLength(t *testing.T) {
	_, err := ParseCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestGetPeersParsesResponseAndCachesWithinInterval(t *testing.T) {
	var hits int
	peerBytes := []byte{127, 0, 0, 1, 0x1A, 0xE1}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("d8:intervali3600e5:peers6:" + string(peerBytes) + "e"))
	}))
	defer server.Close()

	tr, err := NewTracker(server.URL, [20]byte{1}, [20]byte{2}, 1000)
	require.NoError(t, err)

	peers, err := tr.GetPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "127.0.0.1", peers[0].IP)
	assert.Equal(t, uint16(6881), peers[0].Port)
	assert.Equal(t, 1, hits)

	// second call within the announced interval must not hit the server.
	_, err = tr.GetPeers()
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestGetPeersSurfacesFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason9:not founde"))
	}))
	defer server.Close()

	tr, err := NewTracker(server.URL, [20]byte{}, [20]byte{}, 0)
	require.NoError(t, err)

	_, err = tr.GetPeers()
	assert.ErrorIs(t, err, ErrTrackerUnreachable)
}

func TestGetPeersSurfacesNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr, err := NewTracker(server.URL, [20]byte{}, [20]byte{}, 0)
	require.NoError(t, err)

	_, err = tr.GetPeers()
	assert.ErrorIs(t, err, ErrTrackerUnreachable)
}

func TestAnnouncePortConstant(t *testing.T) {
	assert.Equal(t, 6881, AnnouncePort)
}

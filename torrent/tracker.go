package torrent

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/lbealr/leech/config"
)

// PeerAddr is one compact peer entry from a tracker announce response.
type PeerAddr struct {
	IP   string
	Port uint16
}

func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

type trackerResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
	Failure  string `bencode:"failure reason"`
}

// Tracker announces to a single HTTP tracker and caches the peer list for
// the announced interval, matching pytorrent's Tracker.get_peers rate
// limiting. UDP trackers (BEP 15) are an explicit Non-goal and are not
// supported - NewTracker rejects any non-http(s) scheme up front.
type Tracker struct {
	announceURL string
	infoHash    [20]byte
	peerID      [20]byte
	totalLength int64
	client      *http.Client
	log         *logrus.Entry

	mu       sync.Mutex
	interval time.Duration
	lastReq  time.Time
	cached   []PeerAddr
}

// NewTracker validates the announce URL and builds a Tracker for one
// torrent / local peer identity.
func NewTracker(announceURL string, infoHash, peerID [20]byte, totalLength int64) (*Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedTracker, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(ErrUnsupportedTracker, "scheme %q", u.Scheme)
	}
	return &Tracker{
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		totalLength: totalLength,
		client:      &http.Client{Timeout: 15 * time.Second},
		log:         logrus.WithField("component", "tracker"),
	}, nil
}

// AnnouncePort is advertised to the tracker as the port this client listens
// on. This client never accepts inbound connections, but trackers require a
// port value in every announce. config is the single source of truth for
// this constant.
const AnnouncePort = config.AnnouncePort

// GetPeers announces (or returns the cached response, if the previous
// announce's interval hasn't elapsed yet) and returns the peer list.
func (t *Tracker) GetPeers() ([]PeerAddr, error) {
	t.mu.Lock()
	if !t.lastReq.IsZero() && t.interval > 0 && time.Since(t.lastReq) < t.interval {
		cached := t.cached
		t.mu.Unlock()
		t.log.Debug("serving cached peer list, announce interval has not elapsed")
		return cached, nil
	}
	t.mu.Unlock()

	u, err := url.Parse(t.announceURL)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedTracker, err.Error())
	}
	q := url.Values{}
	q.Set("info_hash", string(t.infoHash[:]))
	q.Set("peer_id", string(t.peerID[:]))
	q.Set("port", strconv.Itoa(AnnouncePort))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(t.totalLength, 10))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	resp, err := t.client.Get(u.String())
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrTrackerUnreachable, "tracker returned status %d", resp.StatusCode)
	}

	var tr trackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, err.Error())
	}
	if tr.Failure != "" {
		return nil, errors.Wrapf(ErrTrackerUnreachable, "tracker failure reason: %s", tr.Failure)
	}

	peers, err := ParseCompactPeers([]byte(tr.Peers))
	if err != nil {
		return nil, errors.Wrap(ErrTrackerUnreachable, err.Error())
	}

	t.mu.Lock()
	t.interval = time.Duration(tr.Interval) * time.Second
	t.lastReq = time.Now()
	t.cached = peers
	t.mu.Unlock()

	t.log.Infof("tracker returned %d peers, interval %s", len(peers), t.interval)
	return peers, nil
}

// ParseCompactPeers decodes the BEP 23 compact peer list format: 6 bytes
// per peer, a 4-byte big-endian IPv4 address followed by a 2-byte
// big-endian port.
func ParseCompactPeers(raw []byte) ([]PeerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, errors.Errorf("torrent: compact peer list length %d is not a multiple of 6", len(raw))
	}
	peers := make([]PeerAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers, nil
}

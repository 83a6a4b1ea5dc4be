// Package client orchestrates a single torrent download: it wires together
// a Metainfo, a Tracker, a piece.Manager, and a storage.Writer, then spawns
// one peer.Session goroutine per announced peer.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mitchellh/colorstring"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/syncmap"

	"github.com/lbealr/leech/peer"
	"github.com/lbealr/leech/piece"
	"github.com/lbealr/leech/storage"
	"github.com/lbealr/leech/torrent"
)

// Client owns every component needed to download one torrent end to end.
type Client struct {
	mi      *torrent.Metainfo
	peerID  [20]byte
	tracker *torrent.Tracker
	pieces  *piece.Manager
	writer  *storage.Writer
	log     *logrus.Entry

	sessions  syncmap.Map // string (addr) -> *peer.Session
	completed int32       // atomic count of pieces on disk this run
}

// New loads torrentPath, prepares the on-disk piece cache under dataRoot,
// and builds the piece queue and tracker client.
func New(torrentPath, dataRoot string) (*Client, error) {
	mi, err := torrent.Load(torrentPath)
	if err != nil {
		return nil, err
	}

	writer, err := storage.NewWriter(dataRoot, mi.Name)
	if err != nil {
		return nil, err
	}

	onDisk := writer.CurrPieces()
	pieces := piece.BuildQueue(mi.PieceLength, mi.TotalLength, mi.PieceHashes, onDisk)
	pm := piece.NewManager(pieces)

	peerID := generatePeerID()

	tr, err := torrent.NewTracker(mi.Announce, mi.InfoHash, peerID, mi.TotalLength)
	if err != nil {
		return nil, err
	}

	return &Client{
		mi:        mi,
		peerID:    peerID,
		tracker:   tr,
		pieces:    pm,
		writer:    writer,
		log:       logrus.WithField("torrent", mi.Name),
		completed: int32(len(onDisk)),
	}, nil
}

// generatePeerID builds an Azureus-style 20-byte peer ID, using a UUID as
// the entropy source in place of the teacher's weaker math/rand generator.
func generatePeerID() [20]byte {
	const prefix = "-GL0001-"
	var id [20]byte
	copy(id[:], prefix)
	u := uuid.New()
	copy(id[len(prefix):], u[:])
	return id
}

// Run announces to the tracker, downloads every piece that isn't already on
// disk, and blocks until every peer session has ended (either because the
// download completed or because every peer ran out of useful work).
func (c *Client) Run(ctx context.Context) error {
	if c.pieces.Len() == 0 {
		c.log.Info(colorstring.Color("[green]every piece is already on disk, nothing to download[reset]"))
		return nil
	}

	peers, err := c.tracker.GetPeers()
	if err != nil {
		return err
	}
	c.log.Info(colorstring.Color(fmt.Sprintf("[green]tracker returned %d peers[reset]", len(peers))))

	bar := progressbar.DefaultBytes(c.mi.TotalLength, "downloading "+c.mi.Name)
	_ = bar.Set64(int64(atomic.LoadInt32(&c.completed)) * c.mi.PieceLength)

	scheduler := peer.NewTCPScheduler()

	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr torrent.PeerAddr) {
			defer wg.Done()
			c.runPeer(ctx, scheduler, addr, bar)
		}(addr)
	}
	wg.Wait()

	if int(atomic.LoadInt32(&c.completed)) != c.mi.PieceCount {
		return errors.Errorf("download incomplete: %d/%d pieces", c.completed, c.mi.PieceCount)
	}
	c.log.Info(colorstring.Color("[green]download complete[reset]"))
	return nil
}

func (c *Client) runPeer(ctx context.Context, sch peer.Scheduler, addr torrent.PeerAddr, bar *progressbar.ProgressBar) {
	log := c.log.WithField("peer", addr.String())

	conn, err := sch.Connect(ctx, addr.String())
	if err != nil {
		log.WithError(err).Debug("peer unreachable")
		return
	}

	sess := peer.NewSession(addr.String(), conn, c.mi.Handshake(c.peerID), c.mi.InfoHash, c.mi.PieceCount, c.pieces,
		func(index int, data []byte) error {
			return c.onPieceComplete(index, data, bar)
		},
		log,
	)
	c.sessions.Store(addr.String(), sess)
	defer c.sessions.Delete(addr.String())

	if err := sess.Run(); err != nil {
		log.WithError(err).Debug("session ended")
	}
}

func (c *Client) onPieceComplete(index int, data []byte, bar *progressbar.ProgressBar) error {
	if err := c.writer.WritePiece(index, data); err != nil {
		return err
	}
	_ = bar.Add(len(data))

	if atomic.AddInt32(&c.completed, 1) == int32(c.mi.PieceCount) {
		c.log.Info(colorstring.Color("[green]all pieces downloaded, closing remaining peer sessions[reset]"))
		c.sessions.Range(func(_, v interface{}) bool {
			v.(*peer.Session).Close()
			return true
		})
	}
	return nil
}

// WriteFiles reassembles the torrent's declared files from the piece cache
// into outputDir (the data root's own files directory, if outputDir is
// empty).
func (c *Client) WriteFiles(outputDir string) error {
	files := make([]storage.FileEntry, len(c.mi.Files))
	for i, f := range c.mi.Files {
		files[i] = storage.FileEntry{Path: f.Path, Length: f.Length}
	}
	offsets := make([]storage.PieceOffset, len(c.mi.FileOffsets))
	for i, o := range c.mi.FileOffsets {
		offsets[i] = storage.PieceOffset{PieceIndex: o.PieceIndex, ByteOffset: o.ByteOffset}
	}
	return c.writer.WriteFiles(outputDir, files, offsets)
}

package torrent

import "github.com/pkg/errors"

var (
	// ErrMetainfoInvalid marks a .torrent file that fails to parse or
	// violates an invariant (pieces not a multiple of 20 bytes, zero
	// pieces, inconsistent length accounting). Fatal at startup.
	ErrMetainfoInvalid = errors.New("torrent: invalid metainfo")

	// ErrUnsupportedTracker marks an announce URL using anything other
	// than http/https. Fatal at startup - this client speaks HTTP
	// trackers only.
	ErrUnsupportedTracker = errors.New("torrent: unsupported tracker scheme")

	// ErrTrackerUnreachable marks a network failure, non-200 response, or
	// tracker-reported failure reason. Fatal at startup: Client.Run returns
	// it without retrying the announce.
	ErrTrackerUnreachable = errors.New("torrent: tracker unreachable")
)

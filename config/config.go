// Package config holds the small set of compile-time constants and the
// single computed default this client needs - there is no multi-key
// configuration surface here to justify a file-format parser.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// BlockSize is the fixed wire-protocol block size. piece.BlockSize is
// defined in terms of this constant rather than duplicating the literal.
const BlockSize = 16384

// AnnouncePort is the port advertised to trackers. torrent.AnnouncePort is
// defined in terms of this constant rather than duplicating the literal.
const AnnouncePort = 6881

// DataRoot returns the per-user directory pieces and reassembled files are
// written under by default ($HOME/.leech), creating it if necessary. The
// CLI's -o/--output-dir flag moves only the reassembled files elsewhere;
// pieces always go under this root. No environment variable is honored.
func DataRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "config: resolving home directory")
	}
	root := filepath.Join(home, ".leech")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", errors.Wrap(err, "config: creating data root")
	}
	return root, nil
}

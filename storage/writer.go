// Package storage persists downloaded pieces to a per-torrent piece
// directory and reassembles them into the torrent's declared files.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileEntry is one output file, in metainfo order.
type FileEntry struct {
	Path   string
	Length int64
}

// PieceOffset is the exclusive end boundary of a file, as a piece index and
// a byte offset within that piece.
type PieceOffset struct {
	PieceIndex int
	ByteOffset int64
}

// Writer owns one torrent's on-disk state: a piece_dir of completed,
// individually-named pieces (the crash-recovery cache PieceManager scans
// on startup) and the reassembled output files.
type Writer struct {
	pieceDir string
	filesDir string
}

// sanitizeName mirrors pytorrent's directory-naming rule: keep only
// alphanumeric characters, lowercased.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

// NewWriter creates (if needed) the piece and default files directories for
// torrentName under root.
func NewWriter(root, torrentName string) (*Writer, error) {
	dir := filepath.Join(root, sanitizeName(torrentName))
	pieceDir := filepath.Join(dir, "piece_dir")
	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(pieceDir, 0o755); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return &Writer{pieceDir: pieceDir, filesDir: filesDir}, nil
}

// CurrPieces returns the set of piece indices already present in piece_dir,
// letting PieceManager skip re-downloading them on a resumed run.
func (w *Writer) CurrPieces() map[int]bool {
	out := map[int]bool{}
	entries, err := os.ReadDir(w.pieceDir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".piece") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".piece"))
		if err != nil {
			continue
		}
		out[idx] = true
	}
	return out
}

func (w *Writer) piecePath(index int) string {
	return filepath.Join(w.pieceDir, fmt.Sprintf("%d.piece", index))
}

// WritePiece persists a verified piece's bytes atomically (write to a temp
// file, then rename), so a crash mid-write can never leave a corrupt
// ".piece" file behind for CurrPieces to wrongly trust.
func (w *Writer) WritePiece(index int, data []byte) error {
	final := w.piecePath(index)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}

// ReadPiece loads a previously-written piece's bytes.
func (w *Writer) ReadPiece(index int) ([]byte, error) {
	data, err := os.ReadFile(w.piecePath(index))
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return data, nil
}

// WriteFiles reassembles files (in metainfo order) from the piece cache,
// using endOffsets as each file's exclusive end boundary, and writes them
// under outputDir (the default files directory, if outputDir is empty).
// Each reassembled file's length must equal its declared length exactly -
// not merely be present - matching spec's correction of pytorrent's own
// unresolved write_files behavior.
func (w *Writer) WriteFiles(outputDir string, files []FileEntry, endOffsets []PieceOffset) error {
	if len(files) != len(endOffsets) {
		return errors.Wrapf(ErrIO, "file count %d does not match offset count %d", len(files), len(endOffsets))
	}
	if outputDir == "" {
		outputDir = w.filesDir
	}

	start := PieceOffset{PieceIndex: 0, ByteOffset: 0}
	for i, f := range files {
		end := endOffsets[i]
		data, err := w.sliceRange(start, end)
		if err != nil {
			return err
		}
		if int64(len(data)) != f.Length {
			return errors.Wrapf(ErrIO, "file %q: reassembled %d bytes, want %d", f.Path, len(data), f.Length)
		}

		full := filepath.Join(outputDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
		start = end
	}
	return nil
}

func (w *Writer) sliceRange(start, end PieceOffset) ([]byte, error) {
	if start.PieceIndex == end.PieceIndex {
		p, err := w.ReadPiece(start.PieceIndex)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), p[start.ByteOffset:end.ByteOffset]...), nil
	}

	var out []byte
	head, err := w.ReadPiece(start.PieceIndex)
	if err != nil {
		return nil, err
	}
	out = append(out, head[start.ByteOffset:]...)

	for idx := start.PieceIndex + 1; idx < end.PieceIndex; idx++ {
		mid, err := w.ReadPiece(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, mid...)
	}

	tail, err := w.ReadPiece(end.PieceIndex)
	if err != nil {
		return nil, err
	}
	out = append(out, tail[:end.ByteOffset]...)
	return out, nil
}

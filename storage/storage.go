// Package storage maps torrent pieces onto a multi-file, on-disk layout and
// verifies them against SHA-1, adapted from the single-file, CRC32-based
// agentstorage.Torrent to the multi-file, SHA-1 contract of this engine.
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"

	"github.com/riftwire/torrent/core"
)

// ErrPieceComplete is returned by WritePiece when the piece has already been
// written and verified.
var ErrPieceComplete = errors.New("storage: piece already complete")

// ErrHashMismatch is returned by WritePiece when the supplied bytes do not
// hash to the expected piece hash.
var ErrHashMismatch = errors.New("storage: piece hash mismatch")

type fileHandle struct {
	entry core.FileEntry
	f     *os.File
}

// Torrent is the on-disk representation of a single torrent's data: a set of
// files pre-created at their declared lengths, addressed by piece index.
type Torrent struct {
	mu          sync.Mutex
	meta        *core.Metadata
	dir         string
	files       []*fileHandle
	bitfield    *core.Bitfield
	numComplete *atomic.Int32
}

// Open pre-creates (if necessary) the sparse files for meta under dir and
// returns a Torrent. It does not verify existing content; call
// VerifyExisting for that.
func Open(dir string, meta *core.Metadata) (*Torrent, error) {
	root := dir
	if len(meta.Files) > 1 || meta.Name != meta.Files[0].Path {
		root = filepath.Join(dir, meta.Name)
	}

	t := &Torrent{
		meta:        meta,
		dir:         dir,
		bitfield:    core.NewBitfield(meta.NumPieces()),
		numComplete: atomic.NewInt32(0),
	}

	for _, entry := range meta.Files {
		path := filepath.Join(root, entry.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("mkdir: %s", err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %s", path, err)
		}
		if err := f.Truncate(entry.Length); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %s", path, err)
		}
		t.files = append(t.files, &fileHandle{entry: entry, f: f})
	}

	return t, nil
}

// Close closes all underlying file handles.
func (t *Torrent) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, fh := range t.files {
		if err := fh.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InfoHash returns the torrent's info hash.
func (t *Torrent) InfoHash() core.InfoHash {
	return t.meta.InfoHash
}

// NumPieces returns the total piece count.
func (t *Torrent) NumPieces() int {
	return t.meta.NumPieces()
}

// Length returns the total torrent length in bytes.
func (t *Torrent) Length() int64 {
	return t.meta.TotalLength
}

// PieceLength returns the length of piece i.
func (t *Torrent) PieceLength(i int) int64 {
	return t.meta.PieceLen(i)
}

// MaxPieceLength returns the configured (non-final) piece length.
func (t *Torrent) MaxPieceLength() int64 {
	return t.meta.PieceLength
}

// Bitfield returns a snapshot of which pieces are present.
func (t *Torrent) Bitfield() *core.Bitfield {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.Copy()
}

// HasPiece reports whether piece i has been verified and written.
func (t *Torrent) HasPiece(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.Get(i)
}

// Complete reports whether every piece is present.
func (t *Torrent) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.Complete()
}

// pieceOffsets returns the (file, fileOffset, length) slices piece i spans.
func (t *Torrent) pieceOffsets(i int) []struct {
	fh     *fileHandle
	offset int64
	length int64
} {
	start := int64(i) * t.meta.PieceLength
	length := t.meta.PieceLen(i)
	end := start + length

	var spans []struct {
		fh     *fileHandle
		offset int64
		length int64
	}
	for _, fh := range t.files {
		fileStart := fh.entry.Offset
		fileEnd := fileStart + fh.entry.Length
		if fileEnd <= start || fileStart >= end {
			continue
		}
		spanStart := max64(start, fileStart)
		spanEnd := min64(end, fileEnd)
		spans = append(spans, struct {
			fh     *fileHandle
			offset int64
			length int64
		}{fh, spanStart - fileStart, spanEnd - spanStart})
	}
	return spans
}

// WritePiece verifies data against the expected SHA-1 hash for piece i and,
// on success, splits it across the files it spans and writes each slice at
// an absolute seek offset, then marks the piece present.
func (t *Torrent) WritePiece(i int, data []byte) error {
	if i < 0 || i >= t.NumPieces() {
		return fmt.Errorf("storage: piece index %d out of bounds", i)
	}
	if int64(len(data)) != t.PieceLength(i) {
		return fmt.Errorf("storage: piece %d has length %d, expected %d", i, len(data), t.PieceLength(i))
	}

	t.mu.Lock()
	if t.bitfield.Get(i) {
		t.mu.Unlock()
		return ErrPieceComplete
	}
	t.mu.Unlock()

	expected, err := t.meta.PieceHash(i)
	if err != nil {
		return err
	}
	sum := sha1.Sum(data)
	if string(sum[:]) != string(expected) {
		return ErrHashMismatch
	}

	// Write each file span using its offset within data (computed relative
	// to the piece start, not the file).
	pieceStart := int64(i) * t.meta.PieceLength
	for _, span := range t.pieceOffsets(i) {
		absFileStart := span.fh.entry.Offset
		dataOffset := (absFileStart + span.offset) - pieceStart
		if _, err := span.fh.f.WriteAt(data[dataOffset:dataOffset+span.length], span.offset); err != nil {
			return fmt.Errorf("write %s: %s", span.fh.entry.Path, err)
		}
	}

	t.mu.Lock()
	t.bitfield.Set(i, true)
	t.numComplete.Inc()
	t.mu.Unlock()

	return nil
}

// ReadPiece reads and returns piece i, or an error if it is not yet present.
func (t *Torrent) ReadPiece(i int) ([]byte, error) {
	if !t.HasPiece(i) {
		return nil, fmt.Errorf("storage: piece %d not present", i)
	}
	length := t.PieceLength(i)
	buf := make([]byte, length)
	pieceStart := int64(i) * t.meta.PieceLength
	for _, span := range t.pieceOffsets(i) {
		absFileStart := span.fh.entry.Offset
		dataOffset := (absFileStart + span.offset) - pieceStart
		if _, err := span.fh.f.ReadAt(buf[dataOffset:dataOffset+span.length], span.offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %s", span.fh.entry.Path, err)
		}
	}
	return buf, nil
}

// VerifyExisting reads every piece from disk, SHA-1 compares it against the
// metadata, and sets the corresponding bitfield bit on match. It is invoked
// once at torrent init; partial pieces are treated as absent.
func (t *Torrent) VerifyExisting() (*core.Bitfield, error) {
	bf := core.NewBitfield(t.NumPieces())
	pieceStart := int64(0)
	for i := 0; i < t.NumPieces(); i++ {
		length := t.meta.PieceLen(i)
		buf := make([]byte, length)
		ok := true
		for _, span := range t.pieceOffsets(i) {
			absFileStart := span.fh.entry.Offset
			dataOffset := (absFileStart + span.offset) - pieceStart
			if _, err := span.fh.f.ReadAt(buf[dataOffset:dataOffset+span.length], span.offset); err != nil && err != io.EOF {
				ok = false
				break
			}
		}
		if ok {
			expected, err := t.meta.PieceHash(i)
			if err != nil {
				return nil, err
			}
			sum := sha1.Sum(buf)
			if string(sum[:]) == string(expected) {
				bf.Set(i, true)
			}
		}
		pieceStart += length
	}

	t.mu.Lock()
	t.bitfield = bf.Copy()
	t.numComplete.Store(int32(bf.SetCount()))
	t.mu.Unlock()

	return bf, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

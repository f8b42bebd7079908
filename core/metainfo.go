// Package core defines the torrent identity and metadata types shared by
// every other package: info-hash, peer-id, bitfield, and the parsed
// Metadata value produced from a raw .torrent file.
package core

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/riftwire/torrent/lib/torrent/bencode"
)

// ErrInvalidFormat is returned when a .torrent file cannot be parsed into a
// valid Metadata value.
var ErrInvalidFormat = errors.New("metadata: invalid format")

const pieceHashSize = sha1.Size

// FileEntry describes one file within a (possibly multi-file) torrent and
// its absolute byte offset within the concatenated piece stream.
type FileEntry struct {
	Path   string
	Length int64
	Offset int64
}

// Metadata is the immutable, parsed form of a .torrent file.
type Metadata struct {
	Name         string
	InfoHash     InfoHash
	TotalLength  int64
	PieceLength  int64
	PieceHashes  []byte // piece_count * 20 bytes
	Files        []FileEntry
	Trackers     []string
	Comment      string
	CreatedBy    string
	CreationDate int64
	Private      bool
}

// NumPieces returns the number of pieces described by PieceHashes.
func (m *Metadata) NumPieces() int {
	return len(m.PieceHashes) / pieceHashSize
}

// PieceHash returns the expected SHA-1 hash of piece i.
func (m *Metadata) PieceHash(i int) ([]byte, error) {
	if i < 0 || i >= m.NumPieces() {
		return nil, fmt.Errorf("metadata: piece index %d out of range", i)
	}
	start := i * pieceHashSize
	return m.PieceHashes[start : start+pieceHashSize], nil
}

// PieceLen returns the length of piece i, accounting for a short last piece.
func (m *Metadata) PieceLen(i int) int64 {
	if i == m.NumPieces()-1 {
		last := m.TotalLength - int64(i)*m.PieceLength
		if last > 0 {
			return last
		}
	}
	return m.PieceLength
}

type rawInfoDict struct {
	Info struct {
		Name        string      `bencode:"name"`
		PieceLength int64       `bencode:"piece length"`
		Pieces      string      `bencode:"pieces"`
		Length      int64       `bencode:"length,omitempty"`
		Private     int64       `bencode:"private,omitempty"`
		Files       []rawFile   `bencode:"files,omitempty"`
	} `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// ParseMetadata parses the raw bytes of a .torrent file into a Metadata
// value, computing the info-hash from the raw bytes of the info dictionary
// without reserializing it.
func ParseMetadata(raw []byte) (*Metadata, error) {
	var rd rawInfoDict
	if err := bencode.Unmarshal(raw, &rd); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	if rd.Info.Name == "" && len(rd.Info.Files) == 0 && rd.Info.Length == 0 {
		return nil, fmt.Errorf("%w: missing info dict", ErrInvalidFormat)
	}
	if rd.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive", ErrInvalidFormat)
	}

	pieces := []byte(rd.Info.Pieces)
	if len(pieces)%pieceHashSize != 0 {
		pieces = pieces[:len(pieces)-len(pieces)%pieceHashSize]
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w: missing piece hashes", ErrInvalidFormat)
	}

	m := &Metadata{
		Name:         rd.Info.Name,
		PieceLength:  rd.Info.PieceLength,
		PieceHashes:  pieces,
		Comment:      rd.Comment,
		CreatedBy:    rd.CreatedBy,
		CreationDate: rd.CreationDate,
		Private:      rd.Info.Private != 0,
	}

	if len(rd.Info.Files) > 0 {
		var offset int64
		for _, f := range rd.Info.Files {
			path := f.Path
			full := rd.Info.Name
			for _, p := range path {
				full += "/" + p
			}
			m.Files = append(m.Files, FileEntry{Path: full, Length: f.Length, Offset: offset})
			offset += f.Length
		}
		m.TotalLength = offset
	} else {
		m.TotalLength = rd.Info.Length
		m.Files = []FileEntry{{Path: rd.Info.Name, Length: rd.Info.Length, Offset: 0}}
	}

	expectedPieces := int((m.TotalLength + m.PieceLength - 1) / m.PieceLength)
	if expectedPieces != m.NumPieces() {
		return nil, fmt.Errorf(
			"%w: piece count mismatch: have %d hashes, expected %d from length",
			ErrInvalidFormat, m.NumPieces(), expectedPieces)
	}

	m.Trackers = collectTrackers(rd.Announce, rd.AnnounceList)

	span, err := infoDictSpan(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	m.InfoHash = NewInfoHashFromBytes(span)

	return m, nil
}

// collectTrackers flattens announce + announce-list tiers, preserving
// first-seen order and deduplicating by exact URL.
func collectTrackers(announce string, tiers [][]string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	add(announce)
	for _, tier := range tiers {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// infoDictSpan locates the raw byte span of the "info" value within the
// top-level bencoded dict without reserializing it: it scans for the
// literal key "4:info" and then walks the bencode grammar from that point,
// tracking string-length-prefix state, dict/list nesting depth, and integer
// runs, until the closing 'e' returns nesting depth to zero.
func infoDictSpan(raw []byte) ([]byte, error) {
	key := []byte("4:info")
	idx := bytes.Index(raw, key)
	for idx != -1 {
		valueStart := idx + len(key)
		if valueStart >= len(raw) {
			return nil, errors.New("info key has no value")
		}
		end, ok := scanValueSpan(raw, valueStart)
		if ok && raw[valueStart] == 'd' {
			return raw[valueStart:end], nil
		}
		next := bytes.Index(raw[idx+1:], key)
		if next == -1 {
			idx = -1
		} else {
			idx = idx + 1 + next
		}
	}
	return nil, errors.New("could not locate info dict")
}

// scanValueSpan walks a single bencoded value starting at start and returns
// the offset one past its end. It tracks nesting depth for 'd'/'l' (which
// increment) and 'e' (which decrements), integer runs 'i...e', and
// length-prefixed strings "N:...".
func scanValueSpan(data []byte, start int) (end int, ok bool) {
	pos := start
	depth := 0
	for {
		if pos >= len(data) {
			return 0, false
		}
		c := data[pos]
		switch {
		case c == 'd' || c == 'l':
			depth++
			pos++
		case c == 'i':
			pos++
			for pos < len(data) && data[pos] != 'e' {
				pos++
			}
			if pos >= len(data) {
				return 0, false
			}
			pos++ // consume trailing 'e' of the integer
			if depth == 0 {
				return pos, true
			}
		case c == 'e':
			pos++
			depth--
			if depth == 0 {
				return pos, true
			}
			if depth < 0 {
				return 0, false
			}
		case c >= '0' && c <= '9':
			lenStart := pos
			for pos < len(data) && data[pos] != ':' {
				pos++
			}
			if pos >= len(data) {
				return 0, false
			}
			n := 0
			for _, d := range data[lenStart:pos] {
				n = n*10 + int(d-'0')
			}
			pos++ // consume ':'
			if pos+n > len(data) {
				return 0, false
			}
			pos += n
			if depth == 0 {
				return pos, true
			}
		default:
			return 0, false
		}
	}
}

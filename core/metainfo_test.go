package core

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSingleFileTorrent hand-assembles a minimal, valid bencoded .torrent
// file for a single-file torrent with one piece hash per entry of
// pieceData, to exercise
// ParseMetadata without depending on the encoder under test.
func buildSingleFileTorrent(announce, name string, pieceLength int64, pieceData [][]byte) []byte {
	var info bytes.Buffer
	info.WriteString("d")
	length := int64(0)
	for _, p := range pieceData {
		length += int64(len(p))
	}
	fmt.Fprintf(&info, "6:lengthi%de", length)
	fmt.Fprintf(&info, "4:name%d:%s", len(name), name)
	fmt.Fprintf(&info, "12:piece lengthi%de", pieceLength)

	var pieces bytes.Buffer
	for _, p := range pieceData {
		sum := sha1.Sum(p)
		pieces.Write(sum[:])
	}
	fmt.Fprintf(&info, "6:pieces%d:", pieces.Len())
	info.Write(pieces.Bytes())
	info.WriteString("e")

	var top bytes.Buffer
	top.WriteString("d")
	fmt.Fprintf(&top, "8:announce%d:%s", len(announce), announce)
	fmt.Fprintf(&top, "4:info")
	top.Write(info.Bytes())
	top.WriteString("e")

	return top.Bytes()
}

func TestParseMetadataSingleFile(t *testing.T) {
	require := require.New(t)

	pieceData := [][]byte{[]byte("AAAA"), []byte("BBBB")}
	raw := buildSingleFileTorrent("http://tracker.test/announce", "a.txt", 4, pieceData)

	meta, err := ParseMetadata(raw)
	require.NoError(err)

	require.Equal("a.txt", meta.Name)
	require.Equal(int64(8), meta.TotalLength)
	require.Equal(int64(4), meta.PieceLength)
	require.Equal(2, meta.NumPieces())
	require.Equal([]string{"http://tracker.test/announce"}, meta.Trackers)

	require.Len(meta.Files, 1)
	require.Equal("a.txt", meta.Files[0].Path)
	require.Equal(int64(8), meta.Files[0].Length)

	for i, p := range pieceData {
		expected := sha1.Sum(p)
		got, err := meta.PieceHash(i)
		require.NoError(err)
		require.Equal(expected[:], got)
	}
}

func TestParseMetadataInfoHashIsSpanOfInfoDict(t *testing.T) {
	require := require.New(t)

	pieceData := [][]byte{[]byte("CCCC")}
	raw := buildSingleFileTorrent("http://tracker.test/announce", "b.txt", 4, pieceData)

	meta, err := ParseMetadata(raw)
	require.NoError(err)

	span, err := infoDictSpan(raw)
	require.NoError(err)
	require.Equal(NewInfoHashFromBytes(span), meta.InfoHash)
}

func TestParseMetadataRejectsGarbage(t *testing.T) {
	_, err := ParseMetadata([]byte("not bencode"))
	require.Error(t, err)
}

func TestPieceLenShortLastPiece(t *testing.T) {
	require := require.New(t)

	pieceData := [][]byte{[]byte("AAAA"), []byte("BB")}
	raw := buildSingleFileTorrent("http://tracker.test/announce", "c.txt", 4, pieceData)

	meta, err := ParseMetadata(raw)
	require.NoError(err)
	require.Equal(int64(4), meta.PieceLen(0))
	require.Equal(int64(2), meta.PieceLen(1))
}

package torrentd

import (
	"crypto/sha1"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
)

func newTestTorrentFixture(t *testing.T) (*core.Metadata, string) {
	t.Helper()

	data := []byte("AAAABBBBCCCCDDDD")
	sum := sha1.Sum(data)

	meta := &core.Metadata{
		Name:        "fixture.bin",
		PieceLength: int64(len(data)),
		PieceHashes: sum[:],
		TotalLength: int64(len(data)),
		Files:       []core.FileEntry{{Path: "fixture.bin", Length: int64(len(data)), Offset: 0}},
	}

	dir, err := ioutil.TempDir("", "torrentd_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	return meta, dir
}

func TestNewStartsStopped(t *testing.T) {
	require := require.New(t)

	meta, dir := newTestTorrentFixture(t)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	tor, err := New(Config{}, meta, dir, peerID, Callbacks{}, clock.NewMock(), zap.NewNop().Sugar())
	require.NoError(err)
	defer tor.Stop()

	require.Equal(StateStopped, tor.State())
	require.Equal(meta.InfoHash, tor.InfoHash())
}

func TestStartTransitionsToDownloadingWhenIncomplete(t *testing.T) {
	require := require.New(t)

	meta, dir := newTestTorrentFixture(t)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	var states []State
	callbacks := Callbacks{OnStateChanged: func(s State) { states = append(states, s) }}

	tor, err := New(Config{}, meta, dir, peerID, callbacks, clock.NewMock(), zap.NewNop().Sugar())
	require.NoError(err)
	defer tor.Stop()

	tor.Start()
	require.Equal(StateDownloading, tor.State())
	require.Contains(states, StateDownloading)
}

func TestStopIsIdempotent(t *testing.T) {
	require := require.New(t)

	meta, dir := newTestTorrentFixture(t)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	tor, err := New(Config{}, meta, dir, peerID, Callbacks{}, clock.NewMock(), zap.NewNop().Sugar())
	require.NoError(err)

	tor.Start()
	require.NoError(tor.Stop())
	require.NoError(tor.Stop())
	require.Equal(StateStopped, tor.State())
}

func TestStateStringValues(t *testing.T) {
	require := require.New(t)
	require.Equal("stopped", StateStopped.String())
	require.Equal("downloading", StateDownloading.String())
	require.Equal("seeding", StateSeeding.String())
	require.Equal("error", StateError.String())
}

func TestOnDownloadCompleteTransitionsToSeeding(t *testing.T) {
	require := require.New(t)

	meta, dir := newTestTorrentFixture(t)
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	completed := make(chan struct{}, 1)
	callbacks := Callbacks{OnDownloadCompleted: func() { completed <- struct{}{} }}

	tor, err := New(Config{}, meta, dir, peerID, callbacks, clock.NewMock(), zap.NewNop().Sugar())
	require.NoError(err)
	defer tor.Stop()

	tor.onDownloadComplete()
	require.Equal(StateSeeding, tor.State())

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("expected OnDownloadCompleted to fire")
	}
}

package peerwire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riftwire/torrent/core"
)

func TestHandshakeMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	peerID, err := core.RandomPeerID()
	require.NoError(err)
	infoHash := core.NewInfoHashFromBytes([]byte("some info dict bytes"))

	msg := handshakeMsg{reserved: NewReserved(true, true, false), infoHash: infoHash, peerID: peerID}
	encoded := msg.encode()
	require.Len(encoded, handshakeLen)

	r := &byteReader{buf: encoded}
	got, err := readHandshake(r)
	require.NoError(err)
	require.Equal(infoHash, got.infoHash)
	require.Equal(peerID, got.peerID)
	require.True(got.reserved.SupportsExtension())
	require.True(got.reserved.SupportsDHT())
}

type byteReader struct {
	buf []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	bad := make([]byte, handshakeLen)
	bad[0] = byte(len(pstr))
	copy(bad[1:], "Not the right protocol str!!")
	_, err := readHandshake(&byteReader{buf: bad})
	require.ErrorIs(t, err, ErrHandshakeRejected)
}

// TestFullHandshakeOverLoopback exercises Initialize/Accept/Establish over a
// real TCP loopback connection, the same way two independent processes would
// speak the protocol to each other.
func TestFullHandshakeOverLoopback(t *testing.T) {
	require := require.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	serverID, err := core.RandomPeerID()
	require.NoError(err)
	clientID, err := core.RandomPeerID()
	require.NoError(err)
	infoHash := core.NewInfoHashFromBytes([]byte("another info dict"))

	serverHS := NewHandshaker(serverID, NewReserved(true, false, false))
	clientHS := NewHandshaker(clientID, NewReserved(true, false, false))

	serverConnCh := make(chan *Conn, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			serverErrCh <- err
			return
		}
		pc, err := serverHS.Accept(nc)
		if err != nil {
			serverErrCh <- err
			return
		}
		conn, err := serverHS.Establish(pc, infoHash, nil)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverConnCh <- conn
	}()

	clientConn, err := clientHS.Initialize(ln.Addr().String(), infoHash, nil)
	require.NoError(err)
	defer clientConn.Close()

	select {
	case err := <-serverErrCh:
		t.Fatalf("server side handshake failed: %s", err)
	case serverConn := <-serverConnCh:
		defer serverConn.Close()
		require.Equal(serverID, clientConn.PeerID())
		require.Equal(clientID, serverConn.PeerID())
	}
}

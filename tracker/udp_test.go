package tracker

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftwire/torrent/core"
)

func TestUDPEventCode(t *testing.T) {
	require := require.New(t)
	require.Equal(uint32(0), udpEventCode(EventNone))
	require.Equal(uint32(1), udpEventCode(EventCompleted))
	require.Equal(uint32(2), udpEventCode(EventStarted))
	require.Equal(uint32(3), udpEventCode(EventStopped))
}

// fakeUDPTracker speaks just enough BEP 15 to exercise UDPTracker.Announce
// end to end over a real loopback UDP socket.
func fakeUDPTracker(t *testing.T, connID uint64, peerIP net.IP, peerPort uint16) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])

			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				conn.WriteToUDP(resp, addr)
			case actionAnnounce:
				if n < 98 {
					continue
				}
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], 2)
				binary.BigEndian.PutUint32(resp[16:20], 7)
				copy(resp[20:24], peerIP.To4())
				binary.BigEndian.PutUint16(resp[24:26], peerPort)
				conn.WriteToUDP(resp, addr)
			}
		}
	}()

	return conn
}

// fakeFlakyUDPConnectTracker replies to the first failConnects connect
// attempts with silence (forcing a timeout/retry) before finally answering,
// letting tests observe udpConnect's retry loop without waiting out a full
// 5s timeout on every attempt.
func fakeFlakyUDPConnectTracker(t *testing.T, failConnects int, connID uint64) (*net.UDPConn, *int32) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	var attempts int32
	go func() {
		buf := make([]byte, 4096)
		for {
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if binary.BigEndian.Uint32(buf[8:12]) != actionConnect {
				continue
			}
			i := atomic.AddInt32(&attempts, 1)
			if int(i) <= failConnects {
				continue // drop it; the client will time out and retry.
			}
			txID := binary.BigEndian.Uint32(buf[12:16])
			resp := make([]byte, 16)
			binary.BigEndian.PutUint32(resp[0:4], actionConnect)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			binary.BigEndian.PutUint64(resp[8:16], connID)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn, &attempts
}

func fakeUDPConnectErrorTracker(t *testing.T, reason string) (*net.UDPConn, *int32) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	var attempts int32
	go func() {
		buf := make([]byte, 4096)
		for {
			_, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			atomic.AddInt32(&attempts, 1)
			txID := binary.BigEndian.Uint32(buf[12:16])
			resp := make([]byte, 8+len(reason))
			binary.BigEndian.PutUint32(resp[0:4], actionError)
			binary.BigEndian.PutUint32(resp[4:8], txID)
			copy(resp[8:], reason)
			conn.WriteToUDP(resp, addr)
		}
	}()

	return conn, &attempts
}

func TestUDPConnectRetriesAfterTimeout(t *testing.T) {
	require := require.New(t)

	server, attempts := fakeFlakyUDPConnectTracker(t, 1, 0x1122334455667788)
	defer server.Close()

	conn, err := net.DialTimeout("udp", server.LocalAddr().String(), time.Second)
	require.NoError(err)
	defer conn.Close()

	connID, err := udpConnect(conn)
	require.NoError(err)
	require.Equal(uint64(0x1122334455667788), connID)
	require.Equal(int32(2), atomic.LoadInt32(attempts))
}

func TestUDPConnectDoesNotRetryTrackerError(t *testing.T) {
	require := require.New(t)

	server, attempts := fakeUDPConnectErrorTracker(t, "banned")
	defer server.Close()

	conn, err := net.DialTimeout("udp", server.LocalAddr().String(), time.Second)
	require.NoError(err)
	defer conn.Close()

	_, err = udpConnect(conn)
	require.Error(err)
	require.Equal("tracker: banned", err.Error())
	require.Eventually(func() bool { return atomic.LoadInt32(attempts) == 1 }, time.Second, 10*time.Millisecond)
}

func TestUDPTrackerAnnounceRoundTrip(t *testing.T) {
	require := require.New(t)

	server := fakeUDPTracker(t, 0xABCDEF1234567890, net.ParseIP("9.9.9.9"), 6969)
	defer server.Close()

	infoHash := core.NewInfoHashFromBytes([]byte("udp tracker test info dict"))
	peerID, err := core.RandomPeerID()
	require.NoError(err)

	tr := NewUDPTracker(server.LocalAddr().String(), 2*time.Second)
	resp, err := tr.Announce(AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
		Event:    EventStarted,
	})
	require.NoError(err)
	require.Equal(1800*time.Second, resp.Interval)
	require.Equal(2, resp.Incomplete)
	require.Equal(7, resp.Complete)
	require.Len(resp.Peers, 1)
	require.Equal("9.9.9.9", resp.Peers[0].IP.String())
	require.Equal(uint16(6969), resp.Peers[0].Port)
}

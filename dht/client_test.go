package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riftwire/torrent/core"
)

// fakeDHTNode answers find_node with a single compact node and get_peers
// with a single compact peer, enough to exercise Client's query/response
// matching over a real loopback UDP socket.
func fakeDHTNode(t *testing.T, neighbor Node, peer PeerContact) *net.UDPConn {
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
			m, err := decodeMessage(buf[:n])
			if err != nil {
				continue
			}

			switch m.Q {
			case methodFindNode:
				var nodeBuf []byte
				nodeBuf = append(nodeBuf, neighbor.ID[:]...)
				nodeBuf = append(nodeBuf, neighbor.IP.To4()...)
				nodeBuf = append(nodeBuf, byte(neighbor.Port>>8), byte(neighbor.Port))
				resp := message{T: m.T, Y: typeResponse, R: &queryResponse{ID: "server-id-0123456789", Nodes: string(nodeBuf)}}
				data, _ := encodeMessage(resp)
				conn.WriteToUDP(data, addr)
			case methodGetPeers:
				var peerBuf []byte
				peerBuf = append(peerBuf, peer.IP.To4()...)
				peerBuf = append(peerBuf, byte(peer.Port>>8), byte(peer.Port))
				resp := message{T: m.T, Y: typeResponse, R: &queryResponse{ID: "server-id-0123456789", Values: []string{string(peerBuf)}}}
				data, _ := encodeMessage(resp)
				conn.WriteToUDP(data, addr)
			}
		}
	}()

	return conn
}

func TestFindNodePopulatesTable(t *testing.T) {
	require := require.New(t)

	neighbor := Node{ID: nodeID{9}, IP: net.ParseIP("8.8.8.8"), Port: 6881}
	server := fakeDHTNode(t, neighbor, PeerContact{})
	defer server.Close()

	peerID, err := core.RandomPeerID()
	require.NoError(err)
	c, err := New(peerID, zap.NewNop().Sugar())
	require.NoError(err)
	defer c.Close()

	c.findNode(server.LocalAddr().String(), c.selfID)

	require.Eventually(func() bool {
		return c.NumNodes() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFindPeersReturnsCompactPeer(t *testing.T) {
	require := require.New(t)

	server := fakeDHTNode(t, Node{}, PeerContact{IP: net.ParseIP("4.4.4.4"), Port: 4444})
	defer server.Close()

	peerID, err := core.RandomPeerID()
	require.NoError(err)
	c, err := New(peerID, zap.NewNop().Sugar())
	require.NoError(err)
	defer c.Close()

	// Seed the table directly: the fake server listens on loopback, which
	// validNode (correctly) refuses to admit via the normal Add path.
	addr := server.LocalAddr().(*net.UDPAddr)
	c.table.nodes = append(c.table.nodes, Node{ID: nodeID{1}, IP: addr.IP, Port: addr.Port})
	c.table.seen[Node{ID: nodeID{1}, IP: addr.IP, Port: addr.Port}.addr()] = true

	peers := c.FindPeers(core.NewInfoHashFromBytes([]byte("some torrent")), 2*time.Second)
	require.Len(peers, 1)
	require.Equal("4.4.4.4", peers[0].IP.String())
	require.Equal(4444, peers[0].Port)
}

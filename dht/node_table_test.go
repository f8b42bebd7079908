package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidNodeRejectsZeroPort(t *testing.T) {
	require.False(t, validNode(net.ParseIP("1.2.3.4"), 0))
}

func TestValidNodeRejectsLoopbackAndUnspecified(t *testing.T) {
	require := require.New(t)
	require.False(validNode(net.ParseIP("127.0.0.1"), 6881))
	require.False(validNode(net.ParseIP("0.0.0.0"), 6881))
	require.False(validNode(nil, 6881))
}

func TestValidNodeAcceptsRoutable(t *testing.T) {
	require.True(t, validNode(net.ParseIP("8.8.8.8"), 6881))
}

func TestTableDedupesByAddr(t *testing.T) {
	require := require.New(t)
	tbl := newTable()

	n := Node{ID: nodeID{1}, IP: net.ParseIP("8.8.8.8"), Port: 6881}
	tbl.Add(n)
	tbl.Add(n)
	require.Equal(1, tbl.Len())
}

func TestTableIgnoresInvalidNodes(t *testing.T) {
	require := require.New(t)
	tbl := newTable()
	tbl.Add(Node{ID: nodeID{1}, IP: net.ParseIP("127.0.0.1"), Port: 6881})
	require.Equal(0, tbl.Len())
}

func TestTableEvictsOldestAtCapacity(t *testing.T) {
	require := require.New(t)
	tbl := newTable()

	first := Node{ID: nodeID{1}, IP: net.ParseIP("10.0.0.1"), Port: 1}
	tbl.Add(first)

	for i := 0; i < maxTableSize; i++ {
		ip := net.IPv4(10, 0, byte(i>>8), byte(i))
		tbl.Add(Node{ID: nodeID{byte(i)}, IP: ip, Port: 2})
	}

	require.Equal(maxTableSize, tbl.Len())

	snap := tbl.Snapshot()
	for _, n := range snap {
		require.NotEqual(first.addr(), n.addr())
	}
}

func TestDecodeCompactNodes(t *testing.T) {
	require := require.New(t)

	var raw []byte
	var id nodeID
	id[0] = 0xAB
	raw = append(raw, id[:]...)
	raw = append(raw, net.ParseIP("1.2.3.4").To4()...)
	raw = append(raw, 0x1A, 0xE1) // port 6881

	nodes := decodeCompactNodes(string(raw))
	require.Len(nodes, 1)
	require.Equal(id, nodes[0].ID)
	require.Equal("1.2.3.4", nodes[0].IP.String())
	require.Equal(6881, nodes[0].Port)
}

func TestDecodeCompactPeer(t *testing.T) {
	require := require.New(t)

	var raw []byte
	raw = append(raw, net.ParseIP("9.9.9.9").To4()...)
	raw = append(raw, 0x00, 0x50) // port 80

	p, ok := decodeCompactPeer(string(raw))
	require.True(ok)
	require.Equal("9.9.9.9", p.IP.String())
	require.Equal(80, p.Port)

	_, ok = decodeCompactPeer("short")
	require.False(ok)
}

package pex

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	added := []Peer{
		{IP: net.ParseIP("1.2.3.4").To4(), Port: 6881},
		{IP: net.ParseIP("5.6.7.8").To4(), Port: 51413},
	}
	dropped := []Peer{
		{IP: net.ParseIP("9.9.9.9").To4(), Port: 1234},
	}

	data, err := Encode(added, dropped)
	require.NoError(err)

	gotAdded, gotDropped, err := Decode(data)
	require.NoError(err)
	require.Equal(added, gotAdded)
	require.Equal(dropped, gotDropped)
}

func TestEncodeCapsAtMaxPeersPerMessage(t *testing.T) {
	require := require.New(t)

	var added []Peer
	for i := 0; i < MaxPeersPerMessage+10; i++ {
		added = append(added, Peer{IP: net.ParseIP("1.1.1.1"), Port: uint16(i)})
	}

	data, err := Encode(added, nil)
	require.NoError(err)

	gotAdded, _, err := Decode(data)
	require.NoError(err)
	require.Len(gotAdded, MaxPeersPerMessage)
}

func TestEncodeSkipsNonIPv4Peers(t *testing.T) {
	require := require.New(t)

	added := []Peer{{IP: net.ParseIP("::1"), Port: 1}}
	data, err := Encode(added, nil)
	require.NoError(err)

	gotAdded, _, err := Decode(data)
	require.NoError(err)
	require.Empty(gotAdded)
}

func TestMessageUsesNegotiatedExtID(t *testing.T) {
	require := require.New(t)

	m, err := Message(5, []Peer{{IP: net.ParseIP("1.2.3.4"), Port: 1}}, nil)
	require.NoError(err)
	require.Equal(byte(5), m.ExtID)
}

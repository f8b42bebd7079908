package tracker

import (
	"bytes"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAnnounceResponseCompactPeers(t *testing.T) {
	require := require.New(t)

	var peers bytes.Buffer
	peers.Write(net.ParseIP("1.2.3.4").To4())
	peers.Write([]byte{0x1A, 0xE1}) // port 6881

	var body bytes.Buffer
	body.WriteString("d")
	fmt.Fprintf(&body, "8:intervali1800e")
	fmt.Fprintf(&body, "8:completei3e")
	fmt.Fprintf(&body, "10:incompletei5e")
	fmt.Fprintf(&body, "5:peers%d:", peers.Len())
	body.Write(peers.Bytes())
	body.WriteString("e")

	resp, err := parseAnnounceResponse(body.Bytes())
	require.NoError(err)
	require.Equal(3, resp.Complete)
	require.Equal(5, resp.Incomplete)
	require.Len(resp.Peers, 1)
	require.Equal("1.2.3.4", resp.Peers[0].IP.String())
	require.Equal(uint16(6881), resp.Peers[0].Port)
}

func TestParseAnnounceResponseDictPeers(t *testing.T) {
	require := require.New(t)

	var body bytes.Buffer
	body.WriteString("d")
	fmt.Fprintf(&body, "8:intervali1800e")
	body.WriteString("5:peersl")
	body.WriteString("d2:ip7:5.6.7.84:porti51413ee")
	body.WriteString("e")
	body.WriteString("e")

	resp, err := parseAnnounceResponse(body.Bytes())
	require.NoError(err)
	require.Len(resp.Peers, 1)
	require.Equal("5.6.7.8", resp.Peers[0].IP.String())
	require.Equal(uint16(51413), resp.Peers[0].Port)
}

func TestParseAnnounceResponseFailureReason(t *testing.T) {
	body := []byte("d14:failure reason17:torrent not founde")
	_, err := parseAnnounceResponse(body)
	require.Error(t, err)
}

func TestDecodeCompactPeersIPv4(t *testing.T) {
	require := require.New(t)

	var raw bytes.Buffer
	raw.Write(net.ParseIP("10.0.0.1").To4())
	raw.Write([]byte{0x00, 0x50}) // port 80
	raw.Write(net.ParseIP("10.0.0.2").To4())
	raw.Write([]byte{0x01, 0xBB}) // port 443

	peers := decodeCompactPeers(raw.String(), 4)
	require.Len(peers, 2)
	require.Equal("10.0.0.1", peers[0].IP.String())
	require.Equal(uint16(80), peers[0].Port)
	require.Equal("10.0.0.2", peers[1].IP.String())
	require.Equal(uint16(443), peers[1].Port)
}

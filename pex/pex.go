// Package pex implements BEP 11 Peer Exchange: periodic bencoded
// ut_pex messages carrying compact peer lists exchanged over the
// extension-protocol channel peerwire negotiates.
package pex

import (
	"net"
	"time"

	"github.com/riftwire/torrent/lib/torrent/bencode"
	"github.com/riftwire/torrent/peerwire"
)

const (
	// MinInterval is the minimum spacing between ut_pex messages to a
	// single peer.
	MinInterval = 30 * time.Second

	// MaxPeersPerMessage caps how many peers a single ut_pex message may
	// advertise.
	MaxPeersPerMessage = 50
)

// Peer is a single endpoint carried in a ut_pex message.
type Peer struct {
	IP   net.IP
	Port uint16
}

type payload struct {
	Added   string `bencode:"added"`
	Dropped string `bencode:"dropped,omitempty"`
}

// Encode builds a ut_pex extended-message payload advertising added (and
// optionally dropped) peers, capped at MaxPeersPerMessage each.
func Encode(added, dropped []Peer) ([]byte, error) {
	if len(added) > MaxPeersPerMessage {
		added = added[:MaxPeersPerMessage]
	}
	if len(dropped) > MaxPeersPerMessage {
		dropped = dropped[:MaxPeersPerMessage]
	}
	p := payload{
		Added:   encodeCompact(added),
		Dropped: encodeCompact(dropped),
	}
	return bencode.Marshal(p)
}

// Decode parses a ut_pex extended-message payload.
func Decode(data []byte) (added, dropped []Peer, err error) {
	var p payload
	if err := bencode.Unmarshal(data, &p); err != nil {
		return nil, nil, err
	}
	return decodeCompact(p.Added), decodeCompact(p.Dropped), nil
}

func encodeCompact(peers []Peer) string {
	buf := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = append(buf, byte(p.Port>>8), byte(p.Port))
	}
	return string(buf)
}

func decodeCompact(raw string) []Peer {
	b := []byte(raw)
	var peers []Peer
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(append([]byte(nil), b[i:i+4]...))
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers
}

// Message wraps a decoded ut_pex payload into a ready-to-send extended
// peerwire.Message using the extension id negotiated for this connection.
func Message(extID byte, added, dropped []Peer) (*peerwire.Message, error) {
	body, err := Encode(added, dropped)
	if err != nil {
		return nil, err
	}
	return peerwire.NewExtended(extID, body), nil
}

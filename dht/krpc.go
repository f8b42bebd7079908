// Package dht implements a minimal BEP 5 Mainline DHT client: bootstrap via
// well-known routers, find_node self-lookups to populate a bounded node
// table, and get_peers lookups to locate swarms for a given info hash. The
// KRPC envelope is bencoded, grounded on the same hand-rolled bencode codec
// lib/torrent/bencode uses for torrent metadata.
package dht

import (
	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/lib/torrent/bencode"
)

// Query/response type strings (the "y" key).
const (
	typeQuery    = "q"
	typeResponse = "r"
	typeError    = "e"
)

// Query method names (the "q" key).
const (
	methodPing       = "ping"
	methodFindNode   = "find_node"
	methodGetPeers   = "get_peers"
	methodAnnouncePeer = "announce_peer"
)

// message is the generic KRPC envelope. Only the fields relevant to a
// client (not a full server) are modeled.
type message struct {
	T string                 `bencode:"t"`
	Y string                 `bencode:"y"`
	Q string                 `bencode:"q,omitempty"`
	A *queryArgs             `bencode:"a,omitempty"`
	R *queryResponse         `bencode:"r,omitempty"`
	E []interface{}          `bencode:"e,omitempty"`
}

type queryArgs struct {
	ID       string `bencode:"id"`
	Target   string `bencode:"target,omitempty"`
	InfoHash string `bencode:"info_hash,omitempty"`
	Port     int    `bencode:"port,omitempty"`
	Token    string `bencode:"token,omitempty"`
}

type queryResponse struct {
	ID     string `bencode:"id"`
	Nodes  string `bencode:"nodes,omitempty"`
	Token  string `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

func encodeMessage(m message) ([]byte, error) {
	return bencode.Marshal(m)
}

func decodeMessage(data []byte) (message, error) {
	var m message
	err := bencode.Unmarshal(data, &m)
	return m, err
}

// nodeID is the 160-bit DHT node identifier, distinct from a torrent
// info-hash but the same shape.
type nodeID = core.InfoHash

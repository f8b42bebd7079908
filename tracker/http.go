// Package tracker implements BEP 3 HTTP and BEP 15 UDP tracker announces,
// adapted from announceclient.Client's announce-and-parse shape to the
// standard tracker wire protocol instead of the internal cluster protocol
// announceclient speaks.
package tracker

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/riftwire/torrent/core"
	"github.com/riftwire/torrent/lib/torrent/bencode"
)

// Event values sent on the "event" announce parameter.
const (
	EventNone      = ""
	EventStarted   = "started"
	EventStopped   = "stopped"
	EventCompleted = "completed"
)

// PeerAddr is a single peer endpoint returned by a tracker.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// AnnounceRequest describes one announce call.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string
	NumWant    int
}

// AnnounceResponse is a tracker's reply to an announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	Peers       []PeerAddr
}

// HTTPTracker announces to a single BEP 3 HTTP(S) tracker endpoint.
type HTTPTracker struct {
	announceURL string
	client      *http.Client
}

// NewHTTPTracker creates an HTTPTracker for the given announce URL.
func NewHTTPTracker(announceURL string, timeout time.Duration) *HTTPTracker {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTracker{
		announceURL: announceURL,
		client:      &http.Client{Timeout: timeout},
	}
}

// Announce performs one HTTP announce, percent-encoding the raw info-hash
// and peer-id bytes per BEP 3 rather than their hex representations.
func (t *HTTPTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash.Bytes()))
	v.Set("peer_id", string(req.PeerID.Bytes()))
	v.Set("port", strconv.Itoa(int(req.Port)))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	v.Set("compact", "1")
	if req.Event != EventNone {
		v.Set("event", req.Event)
	}
	numWant := req.NumWant
	if numWant == 0 {
		numWant = 50
	}
	v.Set("numwant", strconv.Itoa(numWant))

	u := t.announceURL + "?" + encodeRawValues(v)

	resp, err := t.client.Get(u)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %s", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: read response: %s", err)
	}

	return parseAnnounceResponse(body)
}

// encodeRawValues returns v.Encode() unchanged: url.QueryEscape already
// percent-encodes arbitrary bytes, including the raw info-hash and peer-id
// fields. It is kept as a named seam for clarity at the call site.
func encodeRawValues(v url.Values) string {
	return v.Encode()
}

type rawAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	MinInterval   int    `bencode:"min interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
	Peers6        string `bencode:"peers6"`
}

func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	var raw rawAnnounceResponse
	if err := bencode.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("tracker: unmarshal response: %s", err)
	}
	if raw.FailureReason != "" {
		return nil, fmt.Errorf("tracker: %s", raw.FailureReason)
	}

	resp := &AnnounceResponse{
		Interval:    time.Duration(raw.Interval) * time.Second,
		MinInterval: time.Duration(raw.MinInterval) * time.Second,
		Complete:    raw.Complete,
		Incomplete:  raw.Incomplete,
	}

	switch peers := raw.Peers.(type) {
	case string:
		resp.Peers = append(resp.Peers, decodeCompactPeers(peers, 4)...)
	case []interface{}:
		for _, p := range peers {
			m, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := m["ip"].(string)
			port, _ := m["port"].(int64)
			if addr := net.ParseIP(ip); addr != nil {
				resp.Peers = append(resp.Peers, PeerAddr{IP: addr, Port: uint16(port)})
			}
		}
	}
	if raw.Peers6 != "" {
		resp.Peers = append(resp.Peers, decodeCompactPeers(raw.Peers6, 16)...)
	}

	return resp, nil
}

// decodeCompactPeers parses the compact binary peer format: addrLen-byte IP
// followed by a 2-byte big-endian port, repeated.
func decodeCompactPeers(raw string, addrLen int) []PeerAddr {
	stride := addrLen + 2
	var peers []PeerAddr
	b := []byte(raw)
	for i := 0; i+stride <= len(b); i += stride {
		ip := net.IP(append([]byte(nil), b[i:i+addrLen]...))
		port := binary.BigEndian.Uint16(b[i+addrLen : i+stride])
		peers = append(peers, PeerAddr{IP: ip, Port: port})
	}
	return peers
}

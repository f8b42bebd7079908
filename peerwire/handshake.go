package peerwire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/riftwire/torrent/core"
)

const (
	pstr       = "BitTorrent protocol"
	handshakeLen = 49 + len(pstr)
)

// Reserved-byte bit assignments (spec §4.3).
const (
	reservedExtensionByte = 0
	reservedExtensionBit  = 0x01 // byte 0 bit 0

	reservedDHTByte  = 7
	reservedDHTBit   = 0x01 // byte 7 bit 0

	reservedFastByte = 7
	reservedFastBit  = 0x04 // byte 7 bit 2
)

// ErrHandshakeRejected is returned when a remote handshake fails protocol
// validation: wrong pstrlen, wrong protocol string, or info-hash mismatch.
var ErrHandshakeRejected = errors.New("peerwire: handshake rejected")

// Reserved models the 8 reserved handshake bytes as a small set of flags.
type Reserved [8]byte

// NewReserved builds a reserved-byte set advertising the given capabilities.
func NewReserved(extension, dht, fast bool) Reserved {
	var r Reserved
	if extension {
		r[reservedExtensionByte] |= reservedExtensionBit
	}
	if dht {
		r[reservedDHTByte] |= reservedDHTBit
	}
	if fast {
		r[reservedFastByte] |= reservedFastBit
	}
	return r
}

// SupportsExtension reports whether the extension protocol bit is set.
func (r Reserved) SupportsExtension() bool {
	return r[reservedExtensionByte]&reservedExtensionBit != 0
}

// SupportsDHT reports whether the DHT bit is set.
func (r Reserved) SupportsDHT() bool {
	return r[reservedDHTByte]&reservedDHTBit != 0
}

type handshakeMsg struct {
	reserved Reserved
	infoHash core.InfoHash
	peerID   core.PeerID
}

func (h handshakeMsg) encode() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(pstr))
	copy(buf[1:], pstr)
	copy(buf[1+len(pstr):], h.reserved[:])
	copy(buf[1+len(pstr)+8:], h.infoHash[:])
	copy(buf[1+len(pstr)+8+20:], h.peerID[:])
	return buf
}

func readHandshake(r io.Reader) (handshakeMsg, error) {
	var h handshakeMsg
	buf := make([]byte, handshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, fmt.Errorf("read handshake: %s", err)
	}
	if buf[0] != byte(len(pstr)) {
		return h, ErrHandshakeRejected
	}
	if string(buf[1:1+len(pstr)]) != pstr {
		return h, ErrHandshakeRejected
	}
	copy(h.reserved[:], buf[1+len(pstr):1+len(pstr)+8])
	copy(h.infoHash[:], buf[1+len(pstr)+8:1+len(pstr)+8+20])
	copy(h.peerID[:], buf[1+len(pstr)+8+20:])
	return h, nil
}

// DialTimeout is the outbound TCP connect deadline (spec default 30s).
var DialTimeout = 30 * time.Second

// Dial opens an outbound connection to addr, applying the socket tuning
// spec.md §4.4 calls for: Nagle off, zero-linger, larger socket buffers.
func Dial(addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	nc, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tuneSocket(nc)
	return nc, nil
}

func tuneSocket(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetLinger(0)
		tc.SetReadBuffer(256 * 1024)
		tc.SetWriteBuffer(256 * 1024)
	}
}

// Handshaker performs inbound and outbound BEP 3 handshakes.
type Handshaker struct {
	localPeerID core.PeerID
	reserved    Reserved
}

// NewHandshaker creates a Handshaker which identifies as peerID and
// advertises reserved capability bits.
func NewHandshaker(peerID core.PeerID, reserved Reserved) *Handshaker {
	return &Handshaker{localPeerID: peerID, reserved: reserved}
}

// LocalPeerID returns the peer id this Handshaker identifies as.
func (hs *Handshaker) LocalPeerID() core.PeerID {
	return hs.localPeerID
}

// PendingConn is an accepted inbound connection that has completed the read
// half of the handshake but not yet been matched to a local torrent.
type PendingConn struct {
	nc       net.Conn
	remote   handshakeMsg
	hs       *Handshaker
}

// InfoHash returns the info hash the remote peer is requesting.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.remote.infoHash
}

// PeerID returns the remote peer's id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.remote.peerID
}

// RemoteAddr returns the underlying socket's remote address.
func (pc *PendingConn) RemoteAddr() net.Addr {
	return pc.nc.RemoteAddr()
}

// Close closes the underlying socket.
func (pc *PendingConn) Close() error {
	return pc.nc.Close()
}

// Accept reads an inbound handshake off nc without yet replying, so the
// caller can look up the requested torrent before committing.
func (hs *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	tuneSocket(nc)
	remote, err := readHandshake(nc)
	if err != nil {
		return nil, err
	}
	return &PendingConn{nc: nc, remote: remote, hs: hs}, nil
}

// Establish completes an inbound handshake for a known infoHash: sends our
// handshake, optionally the extension handshake, then our bitfield.
func (hs *Handshaker) Establish(pc *PendingConn, infoHash core.InfoHash, ourBitfield []byte) (*Conn, error) {
	if pc.remote.infoHash != infoHash {
		return nil, ErrHandshakeRejected
	}
	out := handshakeMsg{reserved: hs.reserved, infoHash: infoHash, peerID: hs.localPeerID}
	if _, err := pc.nc.Write(out.encode()); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}
	return newConn(pc.nc, pc.remote.peerID, infoHash, pc.remote.reserved, ourBitfield)
}

// Initialize performs a full outbound handshake to addr for infoHash.
func (hs *Handshaker) Initialize(addr string, infoHash core.InfoHash, ourBitfield []byte) (*Conn, error) {
	nc, err := Dial(addr)
	if err != nil {
		return nil, err
	}

	out := handshakeMsg{reserved: hs.reserved, infoHash: infoHash, peerID: hs.localPeerID}
	if _, err := nc.Write(out.encode()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("write handshake: %s", err)
	}

	remote, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if remote.infoHash != infoHash {
		nc.Close()
		return nil, ErrHandshakeRejected
	}

	return newConn(nc, remote.peerID, infoHash, remote.reserved, ourBitfield)
}

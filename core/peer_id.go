package core

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrInvalidPeerIDLength is returned when a string peer id does not decode
// into exactly 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is the 20-byte identifier a peer presents during the handshake.
type PeerID [20]byte

// NewPeerID parses a hex-encoded PeerID.
func NewPeerID(s string) (PeerID, error) {
	var p PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(b) != 20 {
		return p, ErrInvalidPeerIDLength
	}
	copy(p[:], b)
	return p, nil
}

// String renders p as lowercase hex.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the raw 20 bytes of p.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// RandomPeerID generates a PeerID prefixed with a conventional client id,
// "-RW0001-", followed by random bytes.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	prefix := []byte("-RW0001-")
	copy(p[:], prefix)
	if _, err := rand.Read(p[len(prefix):]); err != nil {
		return p, err
	}
	return p, nil
}

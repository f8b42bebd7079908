package core

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// InfoHash is the 20-byte SHA-1 identity of a torrent, computed over the raw
// bencoded bytes of its info dictionary.
type InfoHash [20]byte

// Bytes returns the raw 20 bytes of h.
func (h InfoHash) Bytes() []byte {
	return h[:]
}

// String renders h as lowercase hex.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// NewInfoHashFromHex parses a 40-character hex string into an InfoHash.
func NewInfoHashFromHex(s string) (InfoHash, error) {
	var h InfoHash
	if len(s) != 40 {
		return h, fmt.Errorf("info hash hex string has bad length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// NewInfoHashFromBytes computes the SHA-1 info hash of raw.
func NewInfoHashFromBytes(raw []byte) InfoHash {
	var h InfoHash
	sum := sha1.Sum(raw)
	copy(h[:], sum[:])
	return h
}

// Package bencode implements the bencode encoding used throughout the
// wire protocol: .torrent metainfo, tracker responses, DHT messages, and
// the ut_metadata/ut_pex extension payloads.
package bencode

import (
	"bufio"
	"bytes"
	"io"
)

// Marshaler is implemented by types that encode themselves to bencode
// directly rather than through reflection.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Unmarshaler is implemented by types that decode themselves from a raw
// bencode value rather than through reflection.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

// Marshal encodes v to its bencode form.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := Encoder{w: bufio.NewWriter(&buf)}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes bencoded data into the value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	dec := Decoder{r: bytes.NewBuffer(data)}
	return dec.Decode(v)
}

// NewDecoder returns a Decoder that reads bencoded values from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// NewEncoder returns an Encoder that writes bencoded values to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	require := require.New(t)

	m := message{
		T: "ab",
		Y: typeQuery,
		Q: methodFindNode,
		A: &queryArgs{ID: "01234567890123456789", Target: "98765432109876543210"},
	}

	data, err := encodeMessage(m)
	require.NoError(err)

	got, err := decodeMessage(data)
	require.NoError(err)
	require.Equal(m.T, got.T)
	require.Equal(m.Y, got.Y)
	require.Equal(m.Q, got.Q)
	require.NotNil(got.A)
	require.Equal(m.A.ID, got.A.ID)
	require.Equal(m.A.Target, got.A.Target)
}

func TestDecodeMessageResponseWithValues(t *testing.T) {
	require := require.New(t)

	m := message{
		T: "cd",
		Y: typeResponse,
		R: &queryResponse{ID: "01234567890123456789", Values: []string{"abcdef", "ghijkl"}},
	}

	data, err := encodeMessage(m)
	require.NoError(err)

	got, err := decodeMessage(data)
	require.NoError(err)
	require.NotNil(got.R)
	require.Equal([]string{"abcdef", "ghijkl"}, got.R.Values)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := decodeMessage([]byte("not bencode"))
	require.Error(t, err)
}

package statestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jellyfish-labs/ledgerdb/jmt"
)

func TestValueChunkCompressedRoundTrip(t *testing.T) {
	chunk := &ValueChunk{
		Values: []KeyPrefixValue{
			{Key: jmt.StateKey("acct/1/balance"), Value: []byte("100")},
			{Key: jmt.StateKey("acct/1/nonce"), Value: []byte("5")},
			{Key: jmt.StateKey("acct/2/balance"), Value: []byte("50")},
		},
	}

	encoded, err := chunk.EncodeValuesCompressed()
	require.NoError(t, err)

	decoded, err := DecodeValuesCompressed(encoded)
	require.NoError(t, err)
	require.Equal(t, chunk.Values, decoded.Values)
}

func TestValueChunkCompressedEmpty(t *testing.T) {
	chunk := &ValueChunk{}
	encoded, err := chunk.EncodeValuesCompressed()
	require.NoError(t, err)

	decoded, err := DecodeValuesCompressed(encoded)
	require.NoError(t, err)
	require.Empty(t, decoded.Values)
}

package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jellyfish-labs/ledgerdb/jmt"
)

func leafHash(s string) jmt.Hash { return jmt.HashValue([]byte(s)) }

func TestFrozenSubtreesAppendMatchesBinaryCounter(t *testing.T) {
	var f FrozenSubtrees
	for i := 0; i < 7; i++ {
		f = f.Append([]jmt.Hash{leafHash(string(rune('a' + i)))})
		require.Equal(t, uint64(i+1), f.NumLeaves())
	}
}

func TestFrozenSubtreesRootStableUnderBatching(t *testing.T) {
	leaves := []jmt.Hash{leafHash("a"), leafHash("b"), leafHash("c"), leafHash("d"), leafHash("e")}

	var oneAtATime FrozenSubtrees
	for _, l := range leaves {
		oneAtATime = oneAtATime.Append([]jmt.Hash{l})
	}

	var batched FrozenSubtrees
	batched = batched.Append(leaves)

	require.Equal(t, oneAtATime.RootHash(), batched.RootHash())
	require.Equal(t, oneAtATime.NumLeaves(), batched.NumLeaves())
}

func TestFrozenSubtreesEncodeRoundTrip(t *testing.T) {
	var f FrozenSubtrees
	f = f.Append([]jmt.Hash{leafHash("a"), leafHash("b"), leafHash("c")})

	encoded := f.Encode()
	decoded, err := DecodeFrozenSubtrees(encoded)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
	require.Equal(t, f.RootHash(), decoded.RootHash())
}

func TestFrozenSubtreesEmptyRootIsZero(t *testing.T) {
	var f FrozenSubtrees
	require.Equal(t, jmt.Hash{}, f.RootHash())
	require.Equal(t, uint64(0), f.NumLeaves())
}

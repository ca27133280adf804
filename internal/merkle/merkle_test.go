package merkle

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func hashOfByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// merkleRoot computes the root the reference way: pairwise double-SHA256,
// duplicating the last node of odd levels.
func merkleRoot(level []chainhash.Hash) chainhash.Hash {
	if len(level) == 1 {
		return level[0]
	}
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([]chainhash.Hash, len(level)/2)
	for i := range next {
		next[i] = hashNodes(level[2*i], level[2*i+1])
	}
	return merkleRoot(next)
}

func TestSingleTxProofIsEmpty(t *testing.T) {
	txids := []chainhash.Hash{hashOfByte(1)}
	proof := Create(txids, 0)
	require.Empty(t, proof.Branch())
	require.Equal(t, 0, proof.Pos())
	require.Equal(t, txids[0], proof.Root(txids[0]))
}

func TestProofRootMatchesMerkleRoot(t *testing.T) {
	for _, size := range []int{2, 3, 4, 5, 7, 8, 13} {
		txids := make([]chainhash.Hash, size)
		for i := range txids {
			txids[i] = hashOfByte(byte(i + 1))
		}
		want := merkleRoot(append([]chainhash.Hash(nil), txids...))

		for pos := 0; pos < size; pos++ {
			proof := Create(txids, pos)
			require.Equal(t, pos, proof.Pos())
			require.Equal(t, want, proof.Root(txids[pos]),
				"size %d pos %d", size, pos)
		}
	}
}

func TestProofRejectsWrongLeaf(t *testing.T) {
	txids := []chainhash.Hash{hashOfByte(1), hashOfByte(2), hashOfByte(3)}
	want := merkleRoot(append([]chainhash.Hash(nil), txids...))
	proof := Create(txids, 1)
	require.NotEqual(t, want, proof.Root(hashOfByte(9)))
}

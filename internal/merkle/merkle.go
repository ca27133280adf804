// Package merkle builds inclusion proofs for transactions within a block.
package merkle

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Proof is a Merkle branch proving a transaction's position in a block. The
// branch lists sibling hashes from the leaf level upward.
type Proof struct {
	branch []chainhash.Hash
	pos    int
}

// Create builds the proof for the transaction at position pos of a block
// whose txids are given in block order. Odd levels duplicate their last
// node, as in block Merkle root construction.
func Create(txids []chainhash.Hash, pos int) *Proof {
	proof := &Proof{pos: pos}
	level := append([]chainhash.Hash(nil), txids...)
	index := pos

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		sibling := index ^ 1
		proof.branch = append(proof.branch, level[sibling])

		next := make([]chainhash.Hash, len(level)/2)
		for i := range next {
			next[i] = hashNodes(level[2*i], level[2*i+1])
		}
		level = next
		index /= 2
	}
	return proof
}

func hashNodes(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// Branch returns the sibling hashes, leaf level first.
func (p *Proof) Branch() []chainhash.Hash {
	return p.branch
}

// Pos returns the transaction's position within the block.
func (p *Proof) Pos() int {
	return p.pos
}

// Root folds the branch over txid, yielding the Merkle root the proof
// commits to.
func (p *Proof) Root(txid chainhash.Hash) chainhash.Hash {
	root := txid
	index := p.pos
	for _, sibling := range p.branch {
		if index%2 == 0 {
			root = hashNodes(root, sibling)
		} else {
			root = hashNodes(sibling, root)
		}
		index /= 2
	}
	return root
}

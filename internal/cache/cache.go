// Package cache holds full transactions and Merkle proofs fetched during
// status syncs, so wallet requests are served without another round-trip to
// the node. Entries are content-addressed and insertion is idempotent; a
// single coarse lock is enough because readers never mutate.
package cache

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/klingon-exchange/klingwatch/internal/merkle"
)

type proofKey struct {
	blockhash chainhash.Hash
	txid      chainhash.Hash
}

// Cache is a shared transaction and proof cache.
type Cache struct {
	mu     sync.RWMutex
	txs    map[chainhash.Hash]*btcutil.Tx
	proofs map[proofKey]*merkle.Proof
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		txs:    make(map[chainhash.Hash]*btcutil.Tx),
		proofs: make(map[proofKey]*merkle.Proof),
	}
}

// AddTx stores the transaction built by create under txid unless it is
// already present. The closure is only invoked on a miss.
func (c *Cache) AddTx(txid chainhash.Hash, create func() *btcutil.Tx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txs[txid]; ok {
		return
	}
	c.txs[txid] = create()
}

// GetTx returns the cached transaction for txid.
func (c *Cache) GetTx(txid chainhash.Hash) (*btcutil.Tx, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.txs[txid]
	return tx, ok
}

// AddProof stores the Merkle proof built by create for (blockhash, txid)
// unless it is already present.
func (c *Cache) AddProof(blockhash, txid chainhash.Hash, create func() *merkle.Proof) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := proofKey{blockhash: blockhash, txid: txid}
	if _, ok := c.proofs[key]; ok {
		return
	}
	c.proofs[key] = create()
}

// GetProof returns the cached Merkle proof of txid within blockhash.
func (c *Cache) GetProof(blockhash, txid chainhash.Hash) (*merkle.Proof, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	proof, ok := c.proofs[proofKey{blockhash: blockhash, txid: txid}]
	return proof, ok
}

// Package chain defines the supported networks and the active-chain view the
// index and status trackers read heights from.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Chain is an in-memory view of the active header chain: block hash by
// height and height by block hash. It is rebuilt by the indexer on each tip
// update and swapped atomically; readers treat it as immutable.
type Chain struct {
	headers []indexedHeader
	heights map[chainhash.Hash]int
}

type indexedHeader struct {
	hash   chainhash.Hash
	header wire.BlockHeader
}

// NewChain returns a view containing only the genesis block of params.
func NewChain(params *Params) *Chain {
	c := &Chain{heights: make(map[chainhash.Hash]int)}
	genesis := params.ChainParams.GenesisBlock.Header
	c.addHeader(genesis.BlockHash(), genesis)
	return c
}

func (c *Chain) addHeader(hash chainhash.Hash, header wire.BlockHeader) {
	c.heights[hash] = len(c.headers)
	c.headers = append(c.headers, indexedHeader{hash: hash, header: header})
}

// Clone returns a copy that may be extended without disturbing readers of
// the original.
func (c *Chain) Clone() *Chain {
	clone := &Chain{
		headers: append([]indexedHeader(nil), c.headers...),
		heights: make(map[chainhash.Hash]int, len(c.heights)),
	}
	for hash, height := range c.heights {
		clone.heights[hash] = height
	}
	return clone
}

// Add extends the chain with header, which must connect to the current tip.
func (c *Chain) Add(header wire.BlockHeader) error {
	tip := c.Tip()
	if header.PrevBlock != tip {
		return fmt.Errorf("header %s does not connect to tip %s", header.BlockHash(), tip)
	}
	c.addHeader(header.BlockHash(), header)
	return nil
}

// Rewind drops every block above height, making it the new tip. Used when
// the node reports a branch below our tip.
func (c *Chain) Rewind(height int) {
	for i := height + 1; i < len(c.headers); i++ {
		delete(c.heights, c.headers[i].hash)
	}
	c.headers = c.headers[:height+1]
}

// Height returns the tip height (genesis is 0).
func (c *Chain) Height() int {
	return len(c.headers) - 1
}

// Tip returns the hash of the best block in the view.
func (c *Chain) Tip() chainhash.Hash {
	return c.headers[len(c.headers)-1].hash
}

// TipHeader returns the best block's header.
func (c *Chain) TipHeader() wire.BlockHeader {
	return c.headers[len(c.headers)-1].header
}

// GetBlockHeight returns the height of blockhash, or false if the block is
// not on the active chain. Orphaned blocks fail this lookup, which is how
// every read path absorbs reorgs.
func (c *Chain) GetBlockHeight(blockhash chainhash.Hash) (int, bool) {
	height, ok := c.heights[blockhash]
	return height, ok
}

// GetBlockHash returns the active-chain block hash at height, or false if
// the chain is shorter.
func (c *Chain) GetBlockHash(height int) (chainhash.Hash, bool) {
	if height < 0 || height >= len(c.headers) {
		return chainhash.Hash{}, false
	}
	return c.headers[height].hash, true
}

// GetHeader returns the header at height.
func (c *Chain) GetHeader(height int) (wire.BlockHeader, bool) {
	if height < 0 || height >= len(c.headers) {
		return wire.BlockHeader{}, false
	}
	return c.headers[height].header, true
}

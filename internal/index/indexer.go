// Package index maintains the on-disk address index: funding rows by script
// hash, spending rows by outpoint, tx heights and block headers. The indexer
// is the single writer; query paths read concurrently through prefix scans
// filtered by the active chain.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/internal/metrics"
	"github.com/klingon-exchange/klingwatch/internal/store"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// ErrHashMismatch is returned when a downloaded block does not hash to the
// hash the node announced for it. It signals a misbehaving node, not an I/O
// failure, and aborts the update.
var ErrHashMismatch = errors.New("block hash mismatch")

// BlockSource is the part of the daemon the indexer needs.
type BlockSource interface {
	GetBestBlockHash(ctx context.Context) (chainhash.Hash, error)
	GetBlockCount(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error)
	GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error)
}

// Index owns the store's write path and the active-chain view.
type Index struct {
	store  *store.Store
	params *chain.Params

	mu    sync.RWMutex
	chain *chain.Chain

	log *logging.Logger
}

// Load opens the index over st: every stored block header is read, ordered
// into the active-chain view by following previous-block links from genesis.
// Where several stored headers share a parent (an orphaned block and its
// replacement), only the one whose block hash sorts last is followed,
// orphaned or not; the next Update compares the view with the node's chain
// and rewinds past any orphaned block it holds.
func Load(st *store.Store, params *chain.Params) (*Index, error) {
	byPrev := make(map[chainhash.Hash]wire.BlockHeader)

	iter := st.Scan(BlockPrefix())
	defer iter.Release()
	count := 0
	for iter.Next() {
		row, err := DecodeBlockRow(store.Row{Key: append([]byte(nil), iter.Key()...), Value: append([]byte(nil), iter.Value()...)})
		if err != nil {
			return nil, fmt.Errorf("failed to load headers: %w", err)
		}
		byPrev[row.Header.PrevBlock] = row.Header
		count++
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan headers: %w", err)
	}

	c := chain.NewChain(params)
	for {
		header, ok := byPrev[c.Tip()]
		if !ok {
			break
		}
		if err := c.Add(header); err != nil {
			return nil, err
		}
	}

	ix := &Index{
		store:  st,
		params: params,
		chain:  c,
		log:    logging.GetDefault().Component("index"),
	}
	ix.log.Info("index loaded", "headers", count, "height", c.Height(), "tip", c.Tip())
	metrics.IndexHeight.Set(float64(c.Height()))
	return ix, nil
}

// Chain returns the current active-chain view. The returned view is
// immutable; a later tip update swaps in a fresh one.
func (ix *Index) Chain() *chain.Chain {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.chain
}

func (ix *Index) swapChain(c *chain.Chain) {
	ix.mu.Lock()
	ix.chain = c
	ix.mu.Unlock()
	metrics.IndexHeight.Set(float64(c.Height()))
}

// Store exposes the underlying store for query scans.
func (ix *Index) Store() *store.Store {
	return ix.store
}

// StoredTip returns the tip marker committed by the last Update, or false if
// the store has never been synced.
func (ix *Index) StoredTip() (chainhash.Hash, bool) {
	var tip chainhash.Hash
	value, err := ix.store.Get(tipKey)
	if err != nil || len(value) != chainhash.HashSize {
		return tip, false
	}
	copy(tip[:], value)
	return tip, true
}

// Update brings the store forward to the node's best block and returns the
// new tip. Re-entrant: with no new blocks it is a no-op. On context
// cancellation it flushes what it has, commits the partial tip and returns
// the context error; the next call resumes from there.
func (ix *Index) Update(ctx context.Context, node BlockSource) (chainhash.Hash, error) {
	best, err := node.GetBestBlockHash(ctx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get best block hash: %w", err)
	}

	current := ix.Chain()
	if best == current.Tip() {
		return best, nil
	}

	next := current.Clone()
	if err := ix.rewindToFork(ctx, node, next); err != nil {
		return chainhash.Hash{}, err
	}

	bestHeight, err := node.GetBlockCount(ctx)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("failed to get block count: %w", err)
	}

	indexed := 0
	for height := int64(next.Height()) + 1; height <= bestHeight; height++ {
		select {
		case <-ctx.Done():
			tip := next.Tip()
			if err := ix.commit(tip); err != nil {
				return tip, err
			}
			ix.log.Warn("index update interrupted", "height", next.Height(), "tip", tip)
			return tip, ctx.Err()
		default:
		}

		hash, err := node.GetBlockHash(ctx, height)
		if err != nil {
			return chainhash.Hash{}, fmt.Errorf("failed to get block hash at %d: %w", height, err)
		}

		header, alreadyIndexed, err := ix.loadStoredHeader(hash)
		if err != nil {
			return chainhash.Hash{}, err
		}
		if !alreadyIndexed {
			header, err = ix.indexBlock(ctx, node, hash, uint32(height))
			if err != nil {
				return chainhash.Hash{}, err
			}
			indexed++
		}

		if err := next.Add(header); err != nil {
			return chainhash.Hash{}, err
		}
		ix.swapChain(next.Clone())
	}

	tip := next.Tip()
	if err := ix.commit(tip); err != nil {
		return tip, err
	}
	if indexed > 0 {
		ix.log.Info("index updated", "blocks", indexed, "height", next.Height(), "tip", tip)
	}
	return tip, nil
}

// rewindToFork drops blocks above the last height where our view and the
// node's active chain agree. Orphaned rows stay in the store; height lookups
// simply stop claiming them.
func (ix *Index) rewindToFork(ctx context.Context, node BlockSource, next *chain.Chain) error {
	bestHeight, err := node.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block count: %w", err)
	}
	height := int64(next.Height())
	if height > bestHeight {
		height = bestHeight
	}
	for height > 0 {
		ours, _ := next.GetBlockHash(int(height))
		theirs, err := node.GetBlockHash(ctx, height)
		if err != nil {
			return fmt.Errorf("failed to get block hash at %d: %w", height, err)
		}
		if ours == theirs {
			break
		}
		height--
	}
	if int(height) < next.Height() {
		ix.log.Warn("chain reorg detected", "fork_height", height, "old_height", next.Height())
		next.Rewind(int(height))
	}
	return nil
}

// loadStoredHeader reports whether hash already has a block row (written by
// an earlier, possibly interrupted run) and decodes its header if so.
func (ix *Index) loadStoredHeader(hash chainhash.Hash) (wire.BlockHeader, bool, error) {
	value, err := ix.store.Get(BlockKey(hash))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.BlockHeader{}, false, nil
		}
		return wire.BlockHeader{}, false, fmt.Errorf("failed to read block row: %w", err)
	}
	row, err := DecodeBlockRow(store.Row{Key: BlockKey(hash), Value: value})
	if err != nil {
		return wire.BlockHeader{}, false, err
	}
	return row.Header, true, nil
}

// indexBlock downloads one block, derives its rows and writes them as a
// single atomic batch. Partially indexed blocks therefore cannot exist.
func (ix *Index) indexBlock(ctx context.Context, node BlockSource, hash chainhash.Hash, height uint32) (wire.BlockHeader, error) {
	raw, err := node.GetBlock(ctx, hash)
	if err != nil {
		return wire.BlockHeader{}, fmt.Errorf("failed to fetch block %s: %w", hash, err)
	}

	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return wire.BlockHeader{}, fmt.Errorf("failed to parse block %s: %w", hash, err)
	}
	if *block.Hash() != hash {
		return wire.BlockHeader{}, fmt.Errorf("%w: got %s, expected %s", ErrHashMismatch, block.Hash(), hash)
	}

	rows := blockRows(block, height)
	if err := ix.store.WriteBatch(rows); err != nil {
		return wire.BlockHeader{}, err
	}

	metrics.BlocksIndexed.Inc()
	metrics.RowsWritten.Add(float64(len(rows)))
	return block.MsgBlock().Header, nil
}

// blockRows derives the index rows of a parsed block: spending rows for each
// non-coinbase input, funding rows for each output, one tx row per
// transaction and the block row last.
func blockRows(block *btcutil.Block, height uint32) []store.Row {
	var zero chainhash.Hash
	var rows []store.Row

	for pos, tx := range block.Transactions() {
		msgTx := tx.MsgTx()
		txid := *tx.Hash()

		for _, txIn := range msgTx.TxIn {
			prev := txIn.PreviousOutPoint
			if prev.Hash == zero {
				continue // coinbase
			}
			rows = append(rows, SpendingRow{
				Txid:         prev.Hash,
				Vout:         prev.Index,
				Height:       height,
				SpendingTxid: txid,
				Pos:          uint32(pos),
			}.Encode())
		}

		for _, txOut := range msgTx.TxOut {
			rows = append(rows, FundingRow{
				ScriptHash: NewScriptHash(txOut.PkScript),
				Height:     height,
				Txid:       txid,
				Pos:        uint32(pos),
			}.Encode())
		}

		rows = append(rows, TxRow{Txid: txid, Height: height}.Encode())
	}

	rows = append(rows, BlockRow{
		BlockHash: *block.Hash(),
		Header:    block.MsgBlock().Header,
	}.Encode())
	return rows
}

// commit makes everything written so far durable and records tip as the
// store's well-known progress marker.
func (ix *Index) commit(tip chainhash.Hash) error {
	if err := ix.store.Flush(); err != nil {
		return err
	}
	if err := ix.store.Put(tipKey, tip[:]); err != nil {
		return fmt.Errorf("failed to commit tip: %w", err)
	}
	return nil
}

// Package status tracks one wallet subscription per script hash: the
// confirmed and unconfirmed transactions touching the script, the unspent
// outpoint view derived from them, and the compact status hash wallets use
// to detect change.
package status

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingwatch/internal/cache"
	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/mempool"
	"github.com/klingon-exchange/klingwatch/internal/merkle"
	"github.com/klingon-exchange/klingwatch/pkg/helpers"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// spendingFanout bounds the concurrent index scans when resolving which
// blocks spend the tracked outpoints.
const spendingFanout = 32

// TxEntry is one transaction relevant to the subscription: the output
// positions funding the script and the previously funded outpoints the
// transaction consumes.
type TxEntry struct {
	Txid    chainhash.Hash
	Outputs []uint32
	Spent   []wire.OutPoint
}

// ConfirmedEntry is a confirmed history item as rendered to wallets.
type ConfirmedEntry struct {
	Txid   chainhash.Hash
	Height int
}

func (e ConfirmedEntry) hashInto(engine io.Writer) {
	fmt.Fprintf(engine, "%s:%d:", e.Txid, e.Height)
}

// MempoolEntry is an unconfirmed history item as rendered to wallets.
type MempoolEntry struct {
	Txid                 chainhash.Hash
	HasUnconfirmedInputs bool
	Fee                  btcutil.Amount
}

// Height returns the pseudo-height wallets expect for unconfirmed entries:
// -1 while any input is unconfirmed, 0 otherwise.
func (e MempoolEntry) Height() int {
	if e.HasUnconfirmedInputs {
		return -1
	}
	return 0
}

func (e MempoolEntry) hashInto(engine io.Writer) {
	fmt.Fprintf(engine, "%s:%d:", e.Txid, e.Height())
}

// BlockFetcher is the part of the daemon a status sync needs.
type BlockFetcher interface {
	GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error)
}

// Status is the per-subscription state. It is created on subscribe and
// mutated only by its subscription's sync worker; concurrent readers go
// through the tracker, which serializes access.
type Status struct {
	scripthash index.ScriptHash
	tip        chainhash.Hash
	statushash *index.StatusHash

	// confirmed maps block hash to the position-ordered entries within
	// that block. Entries of orphaned blocks may linger; every read path
	// filters through the active chain, so they are invisible.
	confirmed map[chainhash.Hash][]TxEntry
	mempool   []TxEntry

	log *logging.Logger
}

// New creates an empty subscription state for sh. The zero tip means never
// synced.
func New(sh index.ScriptHash) *Status {
	return &Status{
		scripthash: sh,
		confirmed:  make(map[chainhash.Hash][]TxEntry),
		log:        logging.GetDefault().Component("status"),
	}
}

// ScriptHash returns the subscription key.
func (s *Status) ScriptHash() index.ScriptHash {
	return s.scripthash
}

// StatusHash returns the current digest; ok is false when the subscription
// has no history at all.
func (s *Status) StatusHash() (index.StatusHash, bool) {
	if s.statushash == nil {
		return index.StatusHash{}, false
	}
	return *s.statushash, true
}

// filterOutputs returns the output positions of tx paying the subscribed
// script hash.
func (s *Status) filterOutputs(tx *wire.MsgTx) []uint32 {
	var outputs []uint32
	for vout, txOut := range tx.TxOut {
		if index.NewScriptHash(txOut.PkScript) == s.scripthash {
			outputs = append(outputs, uint32(vout))
		}
	}
	return outputs
}

// filterInputs returns the subset of tx's inputs spending tracked outpoints.
func (s *Status) filterInputs(tx *wire.MsgTx, outpoints map[wire.OutPoint]struct{}) []wire.OutPoint {
	var spent []wire.OutPoint
	for _, txIn := range tx.TxIn {
		if _, ok := outpoints[txIn.PreviousOutPoint]; ok {
			spent = append(spent, txIn.PreviousOutPoint)
		}
	}
	return spent
}

func makeOutpoints(txid chainhash.Hash, outputs []uint32, into map[wire.OutPoint]struct{}) {
	for _, vout := range outputs {
		into[wire.OutPoint{Hash: txid, Index: vout}] = struct{}{}
	}
}

// fundingConfirmed collects the outpoints funded by the script in confirmed
// entries whose blocks are still on the active chain. This height filter is
// how a reorg is absorbed without touching stored state.
func (s *Status) fundingConfirmed(c *chain.Chain) map[wire.OutPoint]struct{} {
	outpoints := make(map[wire.OutPoint]struct{})
	for blockhash, entries := range s.confirmed {
		if _, ok := c.GetBlockHeight(blockhash); !ok {
			continue
		}
		for _, entry := range entries {
			makeOutpoints(entry.Txid, entry.Outputs, outpoints)
		}
	}
	return outpoints
}

// GetUnspent returns the outpoints funded by the script and not yet spent,
// across confirmed and mempool entries. A spent outpoint that was never
// funded indicates index corruption and aborts the process.
func (s *Status) GetUnspent(c *chain.Chain) map[wire.OutPoint]struct{} {
	unspent := s.fundingConfirmed(c)
	for _, entry := range s.mempool {
		makeOutpoints(entry.Txid, entry.Outputs, unspent)
	}

	spend := func(op wire.OutPoint) {
		if _, ok := unspent[op]; !ok {
			panic(fmt.Sprintf("missing outpoint %s in unspent set of %s", op, s.scripthash))
		}
		delete(unspent, op)
	}
	for blockhash, entries := range s.confirmed {
		if _, ok := c.GetBlockHeight(blockhash); !ok {
			continue
		}
		for _, entry := range entries {
			for _, op := range entry.Spent {
				spend(op)
			}
		}
	}
	for _, entry := range s.mempool {
		for _, op := range entry.Spent {
			spend(op)
		}
	}
	return unspent
}

// GetConfirmed returns the confirmed history in chain order: ascending
// height, then position within the block.
func (s *Status) GetConfirmed(c *chain.Chain) []ConfirmedEntry {
	type heightEntries struct {
		height  int
		entries []TxEntry
	}
	var blocks []heightEntries
	for blockhash, entries := range s.confirmed {
		if height, ok := c.GetBlockHeight(blockhash); ok {
			blocks = append(blocks, heightEntries{height: height, entries: entries})
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].height < blocks[j].height })

	var result []ConfirmedEntry
	for _, b := range blocks {
		for _, entry := range b.entries {
			result = append(result, ConfirmedEntry{Txid: entry.Txid, Height: b.height})
		}
	}
	return result
}

// GetMempool returns the unconfirmed history, entries with confirmed parents
// first, then by txid. Entries that left the node's mempool since the last
// sync are dropped from the rendering.
func (s *Status) GetMempool(mp *mempool.Mempool) []MempoolEntry {
	var result []MempoolEntry
	for _, e := range s.mempool {
		entry, ok := mp.Get(e.Txid)
		if !ok {
			continue
		}
		result = append(result, MempoolEntry{
			Txid:                 entry.Txid,
			HasUnconfirmedInputs: entry.HasUnconfirmedInputs,
			Fee:                  entry.Fee,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].HasUnconfirmedInputs != result[j].HasUnconfirmedInputs {
			return !result[i].HasUnconfirmedInputs
		}
		return helpers.CompareBytes(result[i].Txid[:], result[j].Txid[:]) < 0
	})
	return result
}

// forNewBlocks fetches each block not already present in confirmed, parses
// it and passes it to fn. A block returned by both the funding and the
// spending lookup of one sync is fetched once for each.
func (s *Status) forNewBlocks(ctx context.Context, node BlockFetcher, blockhashes []chainhash.Hash, fn func(chainhash.Hash, *btcutil.Block)) error {
	for _, blockhash := range blockhashes {
		if _, ok := s.confirmed[blockhash]; ok {
			continue
		}
		raw, err := node.GetBlock(ctx, blockhash)
		if err != nil {
			return fmt.Errorf("failed to fetch block %s: %w", blockhash, err)
		}
		block, err := btcutil.NewBlockFromBytes(raw)
		if err != nil {
			return fmt.Errorf("failed to parse block %s: %w", blockhash, err)
		}
		if *block.Hash() != blockhash {
			return fmt.Errorf("block hash mismatch: got %s, expected %s", block.Hash(), blockhash)
		}
		fn(blockhash, block)
	}
	return nil
}

type posTxid struct {
	pos  uint32
	txid chainhash.Hash
}

type scratchEntry struct {
	outputs []uint32
	spent   []wire.OutPoint
}

// syncConfirmed walks the funding-then-spending closure over the index:
// locate funding blocks, extract matching outputs, locate blocks spending
// the funded outpoints, extract matching inputs. The returned map is merged
// into confirmed only on full success.
func (s *Status) syncConfirmed(ctx context.Context, ix *index.Index, node BlockFetcher, c *cache.Cache, outpoints map[wire.OutPoint]struct{}) (map[chainhash.Hash][]TxEntry, error) {
	scratch := make(map[chainhash.Hash]map[posTxid]*scratchEntry)
	at := func(blockhash chainhash.Hash, key posTxid) *scratchEntry {
		if scratch[blockhash] == nil {
			scratch[blockhash] = make(map[posTxid]*scratchEntry)
		}
		if scratch[blockhash][key] == nil {
			scratch[blockhash][key] = &scratchEntry{}
		}
		return scratch[blockhash][key]
	}

	fundingBlocks, err := ix.FilterByFunding(s.scripthash)
	if err != nil {
		return nil, err
	}
	err = s.forNewBlocks(ctx, node, fundingBlocks, func(blockhash chainhash.Hash, block *btcutil.Block) {
		txids := blockTxids(block)
		for pos, tx := range block.Transactions() {
			fundingOutputs := s.filterOutputs(tx.MsgTx())
			if len(fundingOutputs) == 0 {
				continue
			}
			txid := txids[pos]
			tx := tx
			pos := pos
			c.AddTx(txid, func() *btcutil.Tx { return tx })
			c.AddProof(blockhash, txid, func() *merkle.Proof { return merkle.Create(txids, pos) })
			makeOutpoints(txid, fundingOutputs, outpoints)
			at(blockhash, posTxid{pos: uint32(pos), txid: txid}).outputs = fundingOutputs
		}
	})
	if err != nil {
		return nil, err
	}

	spendingBlocks, err := filterBySpendingParallel(ix, outpoints)
	if err != nil {
		return nil, err
	}
	err = s.forNewBlocks(ctx, node, spendingBlocks, func(blockhash chainhash.Hash, block *btcutil.Block) {
		txids := blockTxids(block)
		for pos, tx := range block.Transactions() {
			spentOutpoints := s.filterInputs(tx.MsgTx(), outpoints)
			if len(spentOutpoints) == 0 {
				continue
			}
			txid := txids[pos]
			tx := tx
			pos := pos
			c.AddTx(txid, func() *btcutil.Tx { return tx })
			c.AddProof(blockhash, txid, func() *merkle.Proof { return merkle.Create(txids, pos) })
			at(blockhash, posTxid{pos: uint32(pos), txid: txid}).spent = spentOutpoints
		}
	})
	if err != nil {
		return nil, err
	}

	result := make(map[chainhash.Hash][]TxEntry, len(scratch))
	for blockhash, entries := range scratch {
		keys := make([]posTxid, 0, len(entries))
		for key := range entries {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].pos != keys[j].pos {
				return keys[i].pos < keys[j].pos
			}
			return helpers.CompareBytes(keys[i].txid[:], keys[j].txid[:]) < 0
		})
		sorted := make([]TxEntry, 0, len(keys))
		for _, key := range keys {
			entry := entries[key]
			sorted = append(sorted, TxEntry{Txid: key.txid, Outputs: entry.outputs, Spent: entry.spent})
		}
		result[blockhash] = sorted
	}
	return result, nil
}

// filterBySpendingParallel fans the spending lookups out over the index; the
// per-outpoint scans are independent.
func filterBySpendingParallel(ix *index.Index, outpoints map[wire.OutPoint]struct{}) ([]chainhash.Hash, error) {
	var g errgroup.Group
	results := make(chan []chainhash.Hash, len(outpoints))
	g.SetLimit(spendingFanout)
	for op := range outpoints {
		op := op
		g.Go(func() error {
			blockhashes, err := ix.FilterBySpending(op)
			if err != nil {
				return err
			}
			results <- blockhashes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	seen := make(map[chainhash.Hash]struct{})
	var merged []chainhash.Hash
	for blockhashes := range results {
		for _, blockhash := range blockhashes {
			if _, dup := seen[blockhash]; dup {
				continue
			}
			seen[blockhash] = struct{}{}
			merged = append(merged, blockhash)
		}
	}
	return merged, nil
}

// syncMempool assembles the unconfirmed entries: transactions funding the
// script first (extending the outpoint set), then transactions spending any
// tracked outpoint. Both filters match by construction, so empty results are
// programming errors.
func (s *Status) syncMempool(mp *mempool.Mempool, c *cache.Cache, outpoints map[wire.OutPoint]struct{}) []TxEntry {
	scratch := make(map[chainhash.Hash]*scratchEntry)
	at := func(txid chainhash.Hash) *scratchEntry {
		if scratch[txid] == nil {
			scratch[txid] = &scratchEntry{}
		}
		return scratch[txid]
	}

	for _, entry := range mp.FilterByFunding(s.scripthash) {
		fundingOutputs := s.filterOutputs(entry.Tx.MsgTx())
		if len(fundingOutputs) == 0 {
			panic(fmt.Sprintf("mempool funding filter returned non-funding tx %s", entry.Txid))
		}
		makeOutpoints(entry.Txid, fundingOutputs, outpoints)
		at(entry.Txid).outputs = fundingOutputs
		tx := entry.Tx
		c.AddTx(entry.Txid, func() *btcutil.Tx { return tx })
	}

	for op := range outpoints {
		for _, entry := range mp.FilterBySpending(op) {
			spentOutpoints := s.filterInputs(entry.Tx.MsgTx(), outpoints)
			if len(spentOutpoints) == 0 {
				panic(fmt.Sprintf("mempool spending filter returned non-spending tx %s", entry.Txid))
			}
			at(entry.Txid).spent = spentOutpoints
			tx := entry.Tx
			c.AddTx(entry.Txid, func() *btcutil.Tx { return tx })
		}
	}

	result := make([]TxEntry, 0, len(scratch))
	for txid, entry := range scratch {
		result = append(result, TxEntry{Txid: txid, Outputs: entry.outputs, Spent: entry.spent})
	}
	return result
}

// computeStatusHash feeds "{txid}:{height}:" per entry, confirmed history
// first, then mempool, with no separator between the sections. The framing
// is part of the wallet protocol; any deviation breaks change detection.
func (s *Status) computeStatusHash(c *chain.Chain, mp *mempool.Mempool) *index.StatusHash {
	confirmed := s.GetConfirmed(c)
	unconfirmed := s.GetMempool(mp)
	if len(confirmed) == 0 && len(unconfirmed) == 0 {
		return nil
	}

	engine := sha256.New()
	for _, entry := range confirmed {
		entry.hashInto(engine)
	}
	for _, entry := range unconfirmed {
		entry.hashInto(engine)
	}

	var digest index.StatusHash
	copy(digest[:], engine.Sum(nil))
	return &digest
}

// Sync brings the subscription up to date with the current chain tip and
// mempool, recomputing the status hash. On error the state is unchanged.
func (s *Status) Sync(ctx context.Context, ix *index.Index, mp *mempool.Mempool, node BlockFetcher, c *cache.Cache) error {
	chainView := ix.Chain()
	outpoints := s.fundingConfirmed(chainView)

	newTip := chainView.Tip()
	if s.tip != newTip {
		update, err := s.syncConfirmed(ctx, ix, node, c, outpoints)
		if err != nil {
			return err
		}
		for blockhash, entries := range update {
			s.confirmed[blockhash] = entries
		}
		s.tip = newTip
	}
	if len(s.confirmed) > 0 {
		total := 0
		for _, entries := range s.confirmed {
			total += len(entries)
		}
		s.log.Debug("confirmed entries", "txs", total, "blocks", len(s.confirmed))
	}

	s.mempool = s.syncMempool(mp, c, outpoints)
	if len(s.mempool) > 0 {
		s.log.Debug("mempool entries", "txs", len(s.mempool))
	}

	s.statushash = s.computeStatusHash(chainView, mp)
	return nil
}

func blockTxids(block *btcutil.Block) []chainhash.Hash {
	txids := make([]chainhash.Hash, len(block.Transactions()))
	for i, tx := range block.Transactions() {
		txids[i] = *tx.Hash()
	}
	return txids
}

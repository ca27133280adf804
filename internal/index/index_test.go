package index

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/internal/store"
)

// fakeNode serves a hand-built chain the way bitcoind would.
type fakeNode struct {
	blocks []*wire.MsgBlock // by height; blocks[0] is genesis

	// onGetBlock, if set, runs before serving each block body.
	onGetBlock func(hash chainhash.Hash)

	// corrupt makes GetBlock serve a block that does not match the
	// announced hash.
	corrupt bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{blocks: []*wire.MsgBlock{chaincfg.RegressionNetParams.GenesisBlock}}
}

func (f *fakeNode) hashAt(height int) chainhash.Hash {
	return f.blocks[height].Header.BlockHash()
}

func (f *fakeNode) GetBestBlockHash(ctx context.Context) (chainhash.Hash, error) {
	return f.hashAt(len(f.blocks) - 1), nil
}

func (f *fakeNode) GetBlockCount(ctx context.Context) (int64, error) {
	return int64(len(f.blocks) - 1), nil
}

func (f *fakeNode) GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error) {
	return f.hashAt(int(height)), nil
}

func (f *fakeNode) GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	for _, block := range f.blocks {
		if block.Header.BlockHash() == hash {
			if f.onGetBlock != nil {
				f.onGetBlock(hash)
			}
			if f.corrupt {
				block = f.blocks[0]
			}
			var buf bytes.Buffer
			if err := block.Serialize(&buf); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}
	}
	return nil, context.Canceled
}

// addBlock appends a block containing txs on top of the current tip.
func (f *fakeNode) addBlock(txs ...*wire.MsgTx) *wire.MsgBlock {
	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: f.hashAt(len(f.blocks) - 1),
			Timestamp: time.Unix(1600000000+int64(len(f.blocks)), 0),
			Bits:      0x207fffff,
			Nonce:     uint32(len(f.blocks)),
		},
	}
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	f.blocks = append(f.blocks, block)
	return block
}

// reorg replaces the top n blocks with fresh ones carrying txs in the new
// tip block.
func (f *fakeNode) reorg(n int, txs ...*wire.MsgTx) {
	f.blocks = f.blocks[:len(f.blocks)-n]
	for i := 0; i < n-1; i++ {
		f.addBlock()
	}
	tip := f.addBlock(txs...)
	// Nudge the nonce so the replacement differs from the original.
	tip.Header.Nonce += 1000000
}

func fundingTx(prev chainhash.Hash, pkScript []byte, value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

func openIndex(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	st, err := store.Open(&store.Config{Path: "", AutoCompact: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	params, err := chain.GetParams(chain.Regtest)
	require.NoError(t, err)
	ix, err := Load(st, params)
	require.NoError(t, err)
	return ix, st
}

func countRows(t *testing.T, st *store.Store, prefix []byte) int {
	t.Helper()
	iter := st.Scan(prefix)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	require.NoError(t, iter.Error())
	return count
}

func TestUpdateIndexesNewBlocks(t *testing.T) {
	node := newFakeNode()
	script := []byte{0x51}
	tx := fundingTx(hashFromByte(7), script, 5000)
	node.addBlock(tx)
	node.addBlock()

	ix, st := openIndex(t)
	tip, err := ix.Update(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, node.hashAt(2), tip)
	require.Equal(t, 2, ix.Chain().Height())

	// One funding row, one spending row, one tx row, two block rows.
	require.Equal(t, 1, countRows(t, st, FundingPrefix(NewScriptHash(script))))
	require.Equal(t, 1, countRows(t, st, []byte{tagSpending}))
	require.Equal(t, 1, countRows(t, st, []byte{tagTx}))
	require.Equal(t, 2, countRows(t, st, BlockPrefix()))

	// Tip marker was committed.
	stored, ok := ix.StoredTip()
	require.True(t, ok)
	require.Equal(t, tip, stored)
}

func TestUpdateIsIdempotent(t *testing.T) {
	node := newFakeNode()
	node.addBlock(fundingTx(hashFromByte(7), []byte{0x51}, 5000))

	ix, st := openIndex(t)
	tip1, err := ix.Update(context.Background(), node)
	require.NoError(t, err)
	rows1 := countRows(t, st, BlockPrefix()) + countRows(t, st, []byte{tagFunding}) +
		countRows(t, st, []byte{tagSpending}) + countRows(t, st, []byte{tagTx})

	tip2, err := ix.Update(context.Background(), node)
	require.NoError(t, err)
	rows2 := countRows(t, st, BlockPrefix()) + countRows(t, st, []byte{tagFunding}) +
		countRows(t, st, []byte{tagSpending}) + countRows(t, st, []byte{tagTx})

	require.Equal(t, tip1, tip2)
	require.Equal(t, rows1, rows2)
}

func TestUpdateDetectsHashMismatch(t *testing.T) {
	node := newFakeNode()
	node.addBlock(fundingTx(hashFromByte(7), []byte{0x51}, 5000))
	node.corrupt = true

	ix, _ := openIndex(t)
	_, err := ix.Update(context.Background(), node)
	require.ErrorIs(t, err, ErrHashMismatch)
}

func TestUpdateResumesAfterCancellation(t *testing.T) {
	node := newFakeNode()
	script := []byte{0x52}
	for i := 0; i < 10; i++ {
		node.addBlock(fundingTx(hashFromByte(byte(i+1)), script, 1000))
	}

	// Cancel after five block downloads.
	ctx, cancel := context.WithCancel(context.Background())
	fetched := 0
	node.onGetBlock = func(chainhash.Hash) {
		fetched++
		if fetched == 5 {
			cancel()
		}
	}

	ix, st := openIndex(t)
	partialTip, err := ix.Update(ctx, node)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEqual(t, node.hashAt(10), partialTip)

	partialBlocks := countRows(t, st, BlockPrefix())
	require.GreaterOrEqual(t, partialBlocks, 4)
	require.Less(t, partialBlocks, 10)

	// A fresh run converges to the same state as an uninterrupted one.
	node.onGetBlock = nil
	tip, err := ix.Update(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, node.hashAt(10), tip)
	require.Equal(t, 10, countRows(t, st, BlockPrefix()))
	require.Equal(t, 10, countRows(t, st, FundingPrefix(NewScriptHash(script))))
	require.Equal(t, 10, ix.Chain().Height())
}

func TestLoadRebuildsChainFromStore(t *testing.T) {
	node := newFakeNode()
	node.addBlock(fundingTx(hashFromByte(7), []byte{0x51}, 5000))
	node.addBlock()

	st, err := store.Open(&store.Config{Path: "", AutoCompact: true})
	require.NoError(t, err)
	defer st.Close()
	params, err := chain.GetParams(chain.Regtest)
	require.NoError(t, err)

	ix, err := Load(st, params)
	require.NoError(t, err)
	tip, err := ix.Update(context.Background(), node)
	require.NoError(t, err)

	// Reload over the same store: the chain view is rebuilt from B rows.
	reloaded, err := Load(st, params)
	require.NoError(t, err)
	require.Equal(t, tip, reloaded.Chain().Tip())
	require.Equal(t, 2, reloaded.Chain().Height())
}

func TestFilterByFundingAndSpending(t *testing.T) {
	node := newFakeNode()
	script := []byte{0x51, 0x87}
	sh := NewScriptHash(script)

	t1 := fundingTx(hashFromByte(7), script, 5000)
	b1 := node.addBlock(t1)

	spend := wire.NewMsgTx(wire.TxVersion)
	spend.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: t1.TxHash(), Index: 0}, nil, nil))
	spend.AddTxOut(wire.NewTxOut(4000, []byte{0x52}))
	b2 := node.addBlock(spend)

	ix, _ := openIndex(t)
	_, err := ix.Update(context.Background(), node)
	require.NoError(t, err)

	funding, err := ix.FilterByFunding(sh)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{b1.Header.BlockHash()}, funding)

	spending, err := ix.FilterBySpending(wire.OutPoint{Hash: t1.TxHash(), Index: 0})
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{b2.Header.BlockHash()}, spending)

	// Unknown script and outpoint yield nothing.
	none, err := ix.FilterByFunding(NewScriptHash([]byte{0x99}))
	require.NoError(t, err)
	require.Empty(t, none)
	none, err = ix.FilterBySpending(wire.OutPoint{Hash: hashFromByte(0xaa), Index: 1})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestReorgFiltersOrphanedRows(t *testing.T) {
	node := newFakeNode()
	script := []byte{0x53}
	sh := NewScriptHash(script)
	t1 := fundingTx(hashFromByte(7), script, 5000)
	orphan := node.addBlock(t1)

	ix, st := openIndex(t)
	_, err := ix.Update(context.Background(), node)
	require.NoError(t, err)

	// Replace the tip block; the same tx confirms in the new block.
	node.reorg(1, t1)
	replacement := node.blocks[len(node.blocks)-1]
	require.NotEqual(t, orphan.Header.BlockHash(), replacement.Header.BlockHash())

	tip, err := ix.Update(context.Background(), node)
	require.NoError(t, err)
	require.Equal(t, replacement.Header.BlockHash(), tip)

	// The orphaned block row is still stored but invisible to the facade.
	require.Equal(t, 2, countRows(t, st, BlockPrefix()))
	_, onChain := ix.Chain().GetBlockHeight(orphan.Header.BlockHash())
	require.False(t, onChain)

	funding, err := ix.FilterByFunding(sh)
	require.NoError(t, err)
	require.Equal(t, []chainhash.Hash{replacement.Header.BlockHash()}, funding)
}

func TestLookupTxHeight(t *testing.T) {
	node := newFakeNode()
	t1 := fundingTx(hashFromByte(7), []byte{0x51}, 5000)
	node.addBlock(t1)

	ix, _ := openIndex(t)
	_, err := ix.Update(context.Background(), node)
	require.NoError(t, err)

	height, ok, err := ix.LookupTxHeight(t1.TxHash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, height)

	_, ok, err = ix.LookupTxHeight(hashFromByte(0xee))
	require.NoError(t, err)
	require.False(t, ok)
}

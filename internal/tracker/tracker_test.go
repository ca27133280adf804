package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwatch/internal/cache"
	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/internal/daemon"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/mempool"
	"github.com/klingon-exchange/klingwatch/internal/status"
	"github.com/klingon-exchange/klingwatch/internal/store"
)

// fakeFetcher serves no blocks; the tests drive history through the mempool.
type fakeFetcher struct{}

func (fakeFetcher) GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	return nil, fmt.Errorf("unexpected block fetch %s", hash)
}

type fakeTxSource struct {
	mu  sync.Mutex
	txs map[chainhash.Hash]*wire.MsgTx
}

func (f *fakeTxSource) put(tx *wire.MsgTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[tx.TxHash()] = tx
}

func (f *fakeTxSource) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var txids []chainhash.Hash
	for txid := range f.txs {
		txids = append(txids, txid)
	}
	return txids, nil
}

func (f *fakeTxSource) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*daemon.MempoolEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.txs[txid]; !ok {
		return nil, daemon.ErrTxNotFound
	}
	return &daemon.MempoolEntry{Fee: 100}, nil
}

func (f *fakeTxSource) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*btcutil.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txid]
	if !ok {
		return nil, daemon.ErrTxNotFound
	}
	return btcutil.NewTx(tx), nil
}

func newTestTracker(t *testing.T) (*Tracker, *mempool.Mempool, *fakeTxSource) {
	t.Helper()
	st, err := store.Open(&store.Config{Path: "", AutoCompact: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	params, err := chain.GetParams(chain.Regtest)
	require.NoError(t, err)
	ix, err := index.Load(st, params)
	require.NoError(t, err)

	mp := mempool.New()
	trk := New(&Config{
		Index:   ix,
		Mempool: mp,
		Daemon:  fakeFetcher{},
		Cache:   cache.New(),
		Workers: 2,
	})
	return trk, mp, &fakeTxSource{txs: make(map[chainhash.Hash]*wire.MsgTx)}
}

func fundingFor(script []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	var prev chainhash.Hash
	prev[0] = 0x77
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: prev, Index: 0}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(900, script))
	return tx
}

func TestSubscribeEmptyScript(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	sh := index.NewScriptHash([]byte{0x51})

	_, has, err := trk.Subscribe(context.Background(), sh)
	require.NoError(t, err)
	require.False(t, has)

	// Idempotent.
	_, has, err = trk.Subscribe(context.Background(), sh)
	require.NoError(t, err)
	require.False(t, has)

	found := trk.Get(sh, func(st *status.Status) {})
	require.True(t, found)

	trk.Unsubscribe(sh)
	found = trk.Get(sh, func(st *status.Status) {})
	require.False(t, found)
}

func TestSyncAllNotifiesOnChange(t *testing.T) {
	trk, mp, source := newTestTracker(t)
	script := []byte{0x52}
	sh := index.NewScriptHash(script)

	var mu sync.Mutex
	var notes []Notification
	trk.SetOnChange(func(n Notification) {
		mu.Lock()
		notes = append(notes, n)
		mu.Unlock()
	})

	_, has, err := trk.Subscribe(context.Background(), sh)
	require.NoError(t, err)
	require.False(t, has)

	// A funding tx appears in the mempool.
	source.put(fundingFor(script))
	require.NoError(t, mp.Update(context.Background(), source))
	require.NoError(t, trk.SyncAll(context.Background()))

	mu.Lock()
	require.Len(t, notes, 1)
	require.Equal(t, sh, notes[0].ScriptHash)
	require.True(t, notes[0].HasStatus)
	mu.Unlock()

	// No further change, no further notification.
	require.NoError(t, trk.SyncAll(context.Background()))
	mu.Lock()
	require.Len(t, notes, 1)
	mu.Unlock()
}

// Package mempool tracks the node's unconfirmed transactions, indexed two
// ways: by the script hashes their outputs fund and by the outpoints their
// inputs spend. Status syncs read it in-process; Update polls the node.
package mempool

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwatch/internal/daemon"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/metrics"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// Entry is one tracked unconfirmed transaction.
type Entry struct {
	Txid chainhash.Hash
	Tx   *btcutil.Tx
	Fee  btcutil.Amount

	// HasUnconfirmedInputs marks transactions spending outputs that are
	// themselves unconfirmed; wallets sort these after confirmed-parent
	// transactions.
	HasUnconfirmedInputs bool
}

// TxSource is the part of the daemon the mempool tracker polls.
type TxSource interface {
	GetRawMempool(ctx context.Context) ([]chainhash.Hash, error)
	GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*daemon.MempoolEntry, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*btcutil.Tx, error)
}

// Mempool is the in-process mempool view.
type Mempool struct {
	mu         sync.RWMutex
	entries    map[chainhash.Hash]*Entry
	byFunding  map[index.ScriptHash]map[chainhash.Hash]struct{}
	bySpending map[wire.OutPoint]map[chainhash.Hash]struct{}

	log *logging.Logger
}

// New creates an empty mempool view.
func New() *Mempool {
	return &Mempool{
		entries:    make(map[chainhash.Hash]*Entry),
		byFunding:  make(map[index.ScriptHash]map[chainhash.Hash]struct{}),
		bySpending: make(map[wire.OutPoint]map[chainhash.Hash]struct{}),
		log:        logging.GetDefault().Component("mempool"),
	}
}

// Update diffs the view against the node's current mempool: departed
// transactions are dropped, new ones fetched and indexed. Transactions that
// leave the mempool between listing and fetching are skipped silently.
func (m *Mempool) Update(ctx context.Context, node TxSource) error {
	txids, err := node.GetRawMempool(ctx)
	if err != nil {
		return err
	}

	current := make(map[chainhash.Hash]struct{}, len(txids))
	for _, txid := range txids {
		current[txid] = struct{}{}
	}

	m.mu.Lock()
	var removed int
	for txid := range m.entries {
		if _, ok := current[txid]; !ok {
			m.removeLocked(txid)
			removed++
		}
	}
	known := make(map[chainhash.Hash]struct{}, len(m.entries))
	for txid := range m.entries {
		known[txid] = struct{}{}
	}
	m.mu.Unlock()

	var added int
	for _, txid := range txids {
		if _, ok := known[txid]; ok {
			continue
		}
		entry, err := fetchEntry(ctx, node, txid)
		if err != nil {
			if errors.Is(err, daemon.ErrTxNotFound) {
				continue
			}
			return err
		}
		m.mu.Lock()
		m.addLocked(entry)
		m.mu.Unlock()
		added++
	}

	m.mu.RLock()
	size := len(m.entries)
	m.mu.RUnlock()
	metrics.MempoolTxs.Set(float64(size))
	if added > 0 || removed > 0 {
		m.log.Debug("mempool updated", "added", added, "removed", removed, "size", size)
	}
	return nil
}

func fetchEntry(ctx context.Context, node TxSource, txid chainhash.Hash) (*Entry, error) {
	info, err := node.GetMempoolEntry(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx, err := node.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Txid:                 txid,
		Tx:                   tx,
		Fee:                  info.Fee,
		HasUnconfirmedInputs: info.DependsCount > 0,
	}, nil
}

func (m *Mempool) addLocked(entry *Entry) {
	m.entries[entry.Txid] = entry
	for _, txOut := range entry.Tx.MsgTx().TxOut {
		sh := index.NewScriptHash(txOut.PkScript)
		if m.byFunding[sh] == nil {
			m.byFunding[sh] = make(map[chainhash.Hash]struct{})
		}
		m.byFunding[sh][entry.Txid] = struct{}{}
	}
	for _, txIn := range entry.Tx.MsgTx().TxIn {
		op := txIn.PreviousOutPoint
		if m.bySpending[op] == nil {
			m.bySpending[op] = make(map[chainhash.Hash]struct{})
		}
		m.bySpending[op][entry.Txid] = struct{}{}
	}
}

func (m *Mempool) removeLocked(txid chainhash.Hash) {
	entry, ok := m.entries[txid]
	if !ok {
		return
	}
	delete(m.entries, txid)
	for _, txOut := range entry.Tx.MsgTx().TxOut {
		sh := index.NewScriptHash(txOut.PkScript)
		if txids := m.byFunding[sh]; txids != nil {
			delete(txids, txid)
			if len(txids) == 0 {
				delete(m.byFunding, sh)
			}
		}
	}
	for _, txIn := range entry.Tx.MsgTx().TxIn {
		op := txIn.PreviousOutPoint
		if txids := m.bySpending[op]; txids != nil {
			delete(txids, txid)
			if len(txids) == 0 {
				delete(m.bySpending, op)
			}
		}
	}
}

// Get returns the entry for txid, if still tracked.
func (m *Mempool) Get(txid chainhash.Hash) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[txid]
	return entry, ok
}

// FilterByFunding returns the entries with at least one output paying sh.
func (m *Mempool) FilterByFunding(sh index.ScriptHash) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Entry
	for txid := range m.byFunding[sh] {
		result = append(result, m.entries[txid])
	}
	return result
}

// FilterBySpending returns the entries spending outpoint op.
func (m *Mempool) FilterBySpending(op wire.OutPoint) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Entry
	for txid := range m.bySpending[op] {
		result = append(result, m.entries[txid])
	}
	return result
}

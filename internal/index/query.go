package index

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwatch/internal/store"
)

// FilterByFunding returns the distinct active-chain block hashes that may
// contain transactions funding sh. Rows from orphaned blocks resolve through
// their height to the live block at that height (or to nothing); the caller
// re-derives actual matches by opening the blocks, so the index stays a
// locator, never a source of transaction content.
func (ix *Index) FilterByFunding(sh ScriptHash) ([]chainhash.Hash, error) {
	c := ix.Chain()
	seen := make(map[chainhash.Hash]struct{})
	var result []chainhash.Hash

	iter := ix.store.Scan(FundingPrefix(sh))
	defer iter.Release()
	for iter.Next() {
		row, err := DecodeFundingRow(store.Row{Key: iter.Key()})
		if err != nil {
			return nil, err
		}
		blockhash, ok := c.GetBlockHash(int(row.Height))
		if !ok {
			continue
		}
		if _, dup := seen[blockhash]; dup {
			continue
		}
		seen[blockhash] = struct{}{}
		result = append(result, blockhash)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan funding rows: %w", err)
	}
	return result, nil
}

// FilterBySpending returns the distinct active-chain block hashes that may
// contain the transaction spending outpoint op.
func (ix *Index) FilterBySpending(op wire.OutPoint) ([]chainhash.Hash, error) {
	c := ix.Chain()
	seen := make(map[chainhash.Hash]struct{})
	var result []chainhash.Hash

	iter := ix.store.Scan(SpendingPrefix(op))
	defer iter.Release()
	for iter.Next() {
		row, err := DecodeSpendingRow(store.Row{Key: iter.Key()})
		if err != nil {
			return nil, err
		}
		blockhash, ok := c.GetBlockHash(int(row.Height))
		if !ok {
			continue
		}
		if _, dup := seen[blockhash]; dup {
			continue
		}
		seen[blockhash] = struct{}{}
		result = append(result, blockhash)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan spending rows: %w", err)
	}
	return result, nil
}

// LookupTxHeight returns the confirmation height of txid if the transaction
// is indexed and its recorded height is still on the active chain.
func (ix *Index) LookupTxHeight(txid chainhash.Hash) (int, bool, error) {
	value, err := ix.store.Get(TxKey(txid))
	if err != nil {
		if err == store.ErrNotFound {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read tx row: %w", err)
	}
	row, err := DecodeTxRow(store.Row{Key: TxKey(txid), Value: value})
	if err != nil {
		return 0, false, err
	}
	if _, ok := ix.Chain().GetBlockHash(int(row.Height)); !ok {
		return 0, false, nil
	}
	return int(row.Height), true, nil
}

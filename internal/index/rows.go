package index

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwatch/internal/store"
)

// Row tags. A single byte prefix keeps each row kind in its own contiguous
// key range, so a shared prefix turns into one range scan.
const (
	tagFunding  = 'F'
	tagSpending = 'S'
	tagTx       = 'T'
	tagBlock    = 'B'
)

// tipKey is the only well-known named key in the store; its value is the
// block hash the indexer last committed.
var tipKey = []byte("Mtip")

const (
	fundingKeyLen  = 1 + 32 + 4 + 32 + 4
	spendingKeyLen = 1 + 32 + 4 + 4 + 32 + 4
	txKeyLen       = 1 + 32
	blockKeyLen    = 1 + 32
	headerLen      = 80
)

// FundingRow records that Txid at chain position (Height, Pos) creates an
// output paying ScriptHash. Height is big-endian so prefix scans return
// funding in chain order.
type FundingRow struct {
	ScriptHash ScriptHash
	Height     uint32
	Txid       chainhash.Hash
	Pos        uint32
}

// SpendingRow records that SpendingTxid at (Height, Pos) consumes output
// (Txid, Vout).
type SpendingRow struct {
	Txid         chainhash.Hash
	Vout         uint32
	Height       uint32
	SpendingTxid chainhash.Hash
	Pos          uint32
}

// TxRow maps a txid to its confirmation height.
type TxRow struct {
	Txid   chainhash.Hash
	Height uint32
}

// BlockRow marks a block as indexed and carries its 80-byte header.
type BlockRow struct {
	BlockHash chainhash.Hash
	Header    wire.BlockHeader
}

// FundingPrefix returns the key prefix enumerating all funding rows of a
// script hash, ascending by height. Rows at the same height follow in txid
// byte order, not by position, since the txid precedes pos in the key.
func FundingPrefix(sh ScriptHash) []byte {
	prefix := make([]byte, 0, 1+32)
	prefix = append(prefix, tagFunding)
	return append(prefix, sh[:]...)
}

// SpendingPrefix returns the key prefix enumerating all spending rows of an
// outpoint, ascending by height. Rows at the same height follow in
// spending-txid byte order, not by position.
func SpendingPrefix(op wire.OutPoint) []byte {
	prefix := make([]byte, 0, 1+32+4)
	prefix = append(prefix, tagSpending)
	prefix = append(prefix, op.Hash[:]...)
	return binary.LittleEndian.AppendUint32(prefix, op.Index)
}

// TxKey returns the exact key of a txid's height row.
func TxKey(txid chainhash.Hash) []byte {
	key := make([]byte, 0, txKeyLen)
	key = append(key, tagTx)
	return append(key, txid[:]...)
}

// BlockKey returns the exact key of a block's header row.
func BlockKey(blockhash chainhash.Hash) []byte {
	key := make([]byte, 0, blockKeyLen)
	key = append(key, tagBlock)
	return append(key, blockhash[:]...)
}

// BlockPrefix enumerates every indexed block header.
func BlockPrefix() []byte {
	return []byte{tagBlock}
}

func (r FundingRow) Encode() store.Row {
	key := FundingPrefix(r.ScriptHash)
	key = binary.BigEndian.AppendUint32(key, r.Height)
	key = append(key, r.Txid[:]...)
	key = binary.LittleEndian.AppendUint32(key, r.Pos)
	return store.Row{Key: key}
}

// DecodeFundingRow reverses FundingRow.Encode.
func DecodeFundingRow(row store.Row) (FundingRow, error) {
	var r FundingRow
	if len(row.Key) != fundingKeyLen || row.Key[0] != tagFunding {
		return r, fmt.Errorf("malformed funding row key (%d bytes)", len(row.Key))
	}
	copy(r.ScriptHash[:], row.Key[1:33])
	r.Height = binary.BigEndian.Uint32(row.Key[33:37])
	copy(r.Txid[:], row.Key[37:69])
	r.Pos = binary.LittleEndian.Uint32(row.Key[69:73])
	return r, nil
}

func (r SpendingRow) Encode() store.Row {
	key := SpendingPrefix(wire.OutPoint{Hash: r.Txid, Index: r.Vout})
	key = binary.BigEndian.AppendUint32(key, r.Height)
	key = append(key, r.SpendingTxid[:]...)
	key = binary.LittleEndian.AppendUint32(key, r.Pos)
	return store.Row{Key: key}
}

// DecodeSpendingRow reverses SpendingRow.Encode.
func DecodeSpendingRow(row store.Row) (SpendingRow, error) {
	var r SpendingRow
	if len(row.Key) != spendingKeyLen || row.Key[0] != tagSpending {
		return r, fmt.Errorf("malformed spending row key (%d bytes)", len(row.Key))
	}
	copy(r.Txid[:], row.Key[1:33])
	r.Vout = binary.LittleEndian.Uint32(row.Key[33:37])
	r.Height = binary.BigEndian.Uint32(row.Key[37:41])
	copy(r.SpendingTxid[:], row.Key[41:73])
	r.Pos = binary.LittleEndian.Uint32(row.Key[73:77])
	return r, nil
}

func (r TxRow) Encode() store.Row {
	value := binary.LittleEndian.AppendUint32(nil, r.Height)
	return store.Row{Key: TxKey(r.Txid), Value: value}
}

// DecodeTxRow reverses TxRow.Encode.
func DecodeTxRow(row store.Row) (TxRow, error) {
	var r TxRow
	if len(row.Key) != txKeyLen || row.Key[0] != tagTx || len(row.Value) != 4 {
		return r, fmt.Errorf("malformed tx row (%d key bytes, %d value bytes)", len(row.Key), len(row.Value))
	}
	copy(r.Txid[:], row.Key[1:33])
	r.Height = binary.LittleEndian.Uint32(row.Value)
	return r, nil
}

func (r BlockRow) Encode() store.Row {
	var buf bytes.Buffer
	buf.Grow(headerLen)
	// Serialize on an in-memory buffer cannot fail.
	if err := r.Header.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("failed to serialize header %s: %v", r.BlockHash, err))
	}
	return store.Row{Key: BlockKey(r.BlockHash), Value: buf.Bytes()}
}

// DecodeBlockRow reverses BlockRow.Encode.
func DecodeBlockRow(row store.Row) (BlockRow, error) {
	var r BlockRow
	if len(row.Key) != blockKeyLen || row.Key[0] != tagBlock || len(row.Value) != headerLen {
		return r, fmt.Errorf("malformed block row (%d key bytes, %d value bytes)", len(row.Key), len(row.Value))
	}
	copy(r.BlockHash[:], row.Key[1:33])
	if err := r.Header.Deserialize(bytes.NewReader(row.Value)); err != nil {
		return r, fmt.Errorf("failed to decode header of %s: %w", r.BlockHash, err)
	}
	return r, nil
}

// Package daemon provides the JSON-RPC client for the trusted bitcoind node.
// The node is the chain source of truth; this client only fetches, it never
// validates beyond matching hashes.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/pkg/helpers"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// Sentinel errors.
var (
	ErrNotConnected = errors.New("daemon not connected")
	ErrTxNotFound   = errors.New("transaction not found")
	ErrWrongChain   = errors.New("daemon is tracking a different chain")
)

// RPCError is an error returned by the node itself, as opposed to a
// transport failure. The server loop logs these as protocol errors rather
// than as an unreachable node; both are retried after the same backoff.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// MempoolEntry is the subset of getmempoolentry the tracker needs.
type MempoolEntry struct {
	Fee          btcutil.Amount
	DependsCount int
}

// Daemon is a bitcoind JSON-RPC client. Safe for concurrent use.
type Daemon struct {
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
	log        *logging.Logger
}

// Config holds daemon client configuration.
type Config struct {
	RPCURL  string
	RPCUser string
	RPCPass string
	Timeout time.Duration
}

// New creates a daemon client. Connect must be called before use.
func New(cfg *Config) *Daemon {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Daemon{
		rpcURL:  cfg.RPCURL,
		rpcUser: cfg.RPCUser,
		rpcPass: cfg.RPCPass,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logging.GetDefault().Component("daemon"),
	}
}

// Connect verifies the node is reachable and tracking the expected network.
func (d *Daemon) Connect(ctx context.Context, params *chain.Params) error {
	result, err := d.call(ctx, "getblockchaininfo", []interface{}{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	var info struct {
		Chain  string `json:"chain"`
		Blocks int64  `json:"blocks"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return fmt.Errorf("failed to parse getblockchaininfo: %w", err)
	}

	// bitcoind reports "main"/"test"/"regtest".
	expected := map[chain.Network]string{
		chain.Mainnet: "main",
		chain.Testnet: "test",
		chain.Regtest: "regtest",
	}[params.Network]
	if info.Chain != expected {
		return fmt.Errorf("%w: node on %q, expected %q", ErrWrongChain, info.Chain, params.Network)
	}

	d.log.Info("connected to daemon", "chain", info.Chain, "blocks", info.Blocks)
	return nil
}

// GetBestBlockHash returns the node's current tip hash.
func (d *Daemon) GetBestBlockHash(ctx context.Context) (chainhash.Hash, error) {
	var hash chainhash.Hash
	result, err := d.call(ctx, "getbestblockhash", []interface{}{})
	if err != nil {
		return hash, err
	}
	return unmarshalHash(result)
}

// GetBlockCount returns the node's current tip height.
func (d *Daemon) GetBlockCount(ctx context.Context) (int64, error) {
	result, err := d.call(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockHash returns the active-chain block hash at height.
func (d *Daemon) GetBlockHash(ctx context.Context, height int64) (chainhash.Hash, error) {
	var hash chainhash.Hash
	result, err := d.call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return hash, err
	}
	return unmarshalHash(result)
}

// GetBlockHeader fetches and decodes the 80-byte header of hash.
func (d *Daemon) GetBlockHeader(ctx context.Context, hash chainhash.Hash) (wire.BlockHeader, error) {
	var header wire.BlockHeader
	result, err := d.call(ctx, "getblockheader", []interface{}{hash.String(), false})
	if err != nil {
		return header, err
	}
	raw, err := unmarshalHex(result)
	if err != nil {
		return header, err
	}
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return header, fmt.Errorf("failed to decode header %s: %w", hash, err)
	}
	return header, nil
}

// GetBlock fetches the raw serialized block body of hash.
func (d *Daemon) GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	result, err := d.call(ctx, "getblock", []interface{}{hash.String(), 0})
	if err != nil {
		return nil, err
	}
	return unmarshalHex(result)
}

// GetRawMempool returns the txids currently in the node's mempool.
func (d *Daemon) GetRawMempool(ctx context.Context) ([]chainhash.Hash, error) {
	result, err := d.call(ctx, "getrawmempool", []interface{}{})
	if err != nil {
		return nil, err
	}
	var hexes []string
	if err := json.Unmarshal(result, &hexes); err != nil {
		return nil, err
	}
	txids := make([]chainhash.Hash, 0, len(hexes))
	for _, s := range hexes {
		txid, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid mempool txid %q: %w", s, err)
		}
		txids = append(txids, *txid)
	}
	return txids, nil
}

// GetMempoolEntry returns fee and ancestor info for an in-mempool txid.
// Returns ErrTxNotFound if the tx left the mempool meanwhile.
func (d *Daemon) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*MempoolEntry, error) {
	result, err := d.call(ctx, "getmempoolentry", []interface{}{txid.String()})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	var entry struct {
		Fees struct {
			Base float64 `json:"base"`
		} `json:"fees"`
		Depends []string `json:"depends"`
	}
	if err := json.Unmarshal(result, &entry); err != nil {
		return nil, err
	}

	fee, err := btcutil.NewAmount(entry.Fees.Base)
	if err != nil {
		return nil, fmt.Errorf("invalid fee for %s: %w", txid, err)
	}
	return &MempoolEntry{Fee: fee, DependsCount: len(entry.Depends)}, nil
}

// GetRawTransaction fetches and decodes a transaction by txid.
func (d *Daemon) GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*btcutil.Tx, error) {
	result, err := d.call(ctx, "getrawtransaction", []interface{}{txid.String(), false})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}
	raw, err := unmarshalHex(result)
	if err != nil {
		return nil, err
	}
	tx, err := btcutil.NewTxFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx %s: %w", txid, err)
	}
	return tx, nil
}

// SendRawTransaction broadcasts a serialized transaction, returning its txid.
func (d *Daemon) SendRawTransaction(ctx context.Context, rawTxHex string) (chainhash.Hash, error) {
	var hash chainhash.Hash
	result, err := d.call(ctx, "sendrawtransaction", []interface{}{rawTxHex})
	if err != nil {
		return hash, err
	}
	return unmarshalHash(result)
}

// WaitForNewBlock blocks until the node's tip changes or timeout elapses,
// returning the (possibly unchanged) tip hash. This is the tip-notification
// channel; no ZMQ socket is needed.
func (d *Daemon) WaitForNewBlock(ctx context.Context, timeout time.Duration) (chainhash.Hash, error) {
	var hash chainhash.Hash
	result, err := d.call(ctx, "waitfornewblock", []interface{}{timeout.Milliseconds()})
	if err != nil {
		return hash, err
	}
	var tip struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &tip); err != nil {
		return hash, err
	}
	parsed, err := chainhash.NewHashFromStr(tip.Hash)
	if err != nil {
		return hash, fmt.Errorf("invalid tip hash %q: %w", tip.Hash, err)
	}
	return *parsed, nil
}

func (d *Daemon) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := d.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", d.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if d.rpcUser != "" {
		req.SetBasicAuth(d.rpcUser, d.rpcPass)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", method, err)
	}

	if response.Error != nil {
		return nil, &RPCError{Code: response.Error.Code, Message: response.Error.Message}
	}

	return response.Result, nil
}

func unmarshalHash(result json.RawMessage) (chainhash.Hash, error) {
	var hash chainhash.Hash
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return hash, err
	}
	parsed, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return hash, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return *parsed, nil
}

func unmarshalHex(result json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return nil, err
	}
	return helpers.HexToBytes(s)
}

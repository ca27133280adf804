package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwatch/internal/chain"
)

// fakeBitcoind answers JSON-RPC with canned results per method.
type fakeBitcoind struct {
	t       *testing.T
	results map[string]interface{}
	errors  map[string]*RPCError
	calls   []string
}

func (f *fakeBitcoind) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64        `json:"id"`
			Method string        `json:"method"`
			Params []interface{} `json:"params"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		f.calls = append(f.calls, req.Method)

		response := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr, ok := f.errors[req.Method]; ok {
			response["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
		} else if result, ok := f.results[req.Method]; ok {
			response["result"] = result
		} else {
			response["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
		}
		require.NoError(f.t, json.NewEncoder(w).Encode(response))
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeBitcoind) {
	t.Helper()
	fake := &fakeBitcoind{
		t:       t,
		results: make(map[string]interface{}),
		errors:  make(map[string]*RPCError),
	}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	d := New(&Config{RPCURL: server.URL, RPCUser: "u", RPCPass: "p", Timeout: 5 * time.Second})
	return d, fake
}

func TestConnectChecksChain(t *testing.T) {
	d, fake := newTestDaemon(t)
	params, err := chain.GetParams(chain.Mainnet)
	require.NoError(t, err)

	fake.results["getblockchaininfo"] = map[string]interface{}{"chain": "main", "blocks": 10}
	require.NoError(t, d.Connect(context.Background(), params))

	fake.results["getblockchaininfo"] = map[string]interface{}{"chain": "test", "blocks": 10}
	err = d.Connect(context.Background(), params)
	require.ErrorIs(t, err, ErrWrongChain)
}

func TestGetBestBlockHash(t *testing.T) {
	d, fake := newTestDaemon(t)
	genesis := chaincfg.MainNetParams.GenesisHash
	fake.results["getbestblockhash"] = genesis.String()

	hash, err := d.GetBestBlockHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, *genesis, hash)
}

func TestGetBlockDecodesHex(t *testing.T) {
	d, fake := newTestDaemon(t)
	fake.results["getblock"] = "deadbeef"

	raw, err := d.GetBlock(context.Background(), *chaincfg.MainNetParams.GenesisHash)
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)
}

func TestRPCErrorIsTyped(t *testing.T) {
	d, fake := newTestDaemon(t)
	fake.errors["getblockcount"] = &RPCError{Code: -32601, Message: "Method not found"}

	_, err := d.GetBlockCount(context.Background())
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
}

func TestGetMempoolEntry(t *testing.T) {
	d, fake := newTestDaemon(t)
	txid := *chaincfg.MainNetParams.GenesisHash
	fake.results["getmempoolentry"] = map[string]interface{}{
		"fees":    map[string]interface{}{"base": 0.00000500},
		"depends": []string{"aa"},
	}

	entry, err := d.GetMempoolEntry(context.Background(), txid)
	require.NoError(t, err)
	require.Equal(t, int64(500), int64(entry.Fee))
	require.Equal(t, 1, entry.DependsCount)

	// A tx that left the mempool maps to ErrTxNotFound.
	fake.errors["getmempoolentry"] = &RPCError{Code: -5, Message: "Transaction not in mempool"}
	_, err = d.GetMempoolEntry(context.Background(), txid)
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestGetRawMempool(t *testing.T) {
	d, fake := newTestDaemon(t)
	genesis := chaincfg.MainNetParams.GenesisHash
	fake.results["getrawmempool"] = []string{genesis.String()}

	txids, err := d.GetRawMempool(context.Background())
	require.NoError(t, err)
	require.Len(t, txids, 1)
	require.Equal(t, *genesis, txids[0])
}

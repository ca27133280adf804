package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingwatch/internal/cache"
	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/mempool"
	"github.com/klingon-exchange/klingwatch/internal/store"
	"github.com/klingon-exchange/klingwatch/internal/tracker"
)

type fakeFetcher struct{}

func (fakeFetcher) GetBlock(ctx context.Context, hash chainhash.Hash) ([]byte, error) {
	return nil, fmt.Errorf("unexpected block fetch %s", hash)
}

func startServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(&store.Config{Path: "", AutoCompact: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	params, err := chain.GetParams(chain.Regtest)
	require.NoError(t, err)
	ix, err := index.Load(st, params)
	require.NoError(t, err)

	mp := mempool.New()
	txCache := cache.New()
	trk := tracker.New(&tracker.Config{
		Index:   ix,
		Mempool: mp,
		Daemon:  fakeFetcher{},
		Cache:   txCache,
		Workers: 2,
	})

	server := NewServer(&Config{
		Index:   ix,
		Mempool: mp,
		Tracker: trk,
		Cache:   txCache,
		Daemon:  nil,
		WSHub:   nil,
	})
	trk.SetOnChange(server.OnStatusChange)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = server.Serve(ctx, "127.0.0.1:0")
	}()

	require.Eventually(t, func() bool { return server.Addr() != nil },
		2*time.Second, 10*time.Millisecond)
	return server
}

type client struct {
	conn   net.Conn
	reader *bufio.Reader
	nextID int
}

func dial(t *testing.T, server *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) call(t *testing.T, method string, params ...interface{}) *Response {
	t.Helper()
	c.nextID++
	if params == nil {
		params = []interface{}{}
	}
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)

	line, err := c.reader.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	return &resp
}

func TestServerVersionAndPing(t *testing.T) {
	server := startServer(t)
	c := dial(t, server)

	resp := c.call(t, "server.version", "test-client", "1.4")
	require.Nil(t, resp.Error)
	version, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Len(t, version, 2)
	require.Equal(t, ProtocolVersion, version[1])

	resp = c.call(t, "server.ping")
	require.Nil(t, resp.Error)
	require.Nil(t, resp.Result)
}

func TestUnknownMethod(t *testing.T) {
	server := startServer(t)
	c := dial(t, server)

	resp := c.call(t, "blockchain.nope")
	require.NotNil(t, resp.Error)
	require.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestSubscribeEmptyScriptHash(t *testing.T) {
	server := startServer(t)
	c := dial(t, server)

	sh := index.NewScriptHash([]byte{0x51})
	resp := c.call(t, "blockchain.scripthash.subscribe", sh.String())
	require.Nil(t, resp.Error)
	require.Nil(t, resp.Result)

	// History of a subscribed empty script is an empty array.
	resp = c.call(t, "blockchain.scripthash.get_history", sh.String())
	require.Nil(t, resp.Error)
	history, ok := resp.Result.([]interface{})
	require.True(t, ok)
	require.Empty(t, history)

	resp = c.call(t, "blockchain.scripthash.unsubscribe", sh.String())
	require.Nil(t, resp.Error)
	require.Equal(t, true, resp.Result)
}

func TestGetHistoryRequiresSubscription(t *testing.T) {
	server := startServer(t)
	c := dial(t, server)

	sh := index.NewScriptHash([]byte{0x77})
	resp := c.call(t, "blockchain.scripthash.get_history", sh.String())
	require.NotNil(t, resp.Error)
}

func TestHeadersSubscribeReturnsTip(t *testing.T) {
	server := startServer(t)
	c := dial(t, server)

	resp := c.call(t, "blockchain.headers.subscribe")
	require.Nil(t, resp.Error)
	tip, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, float64(0), tip["height"])
	require.Len(t, tip["hex"], 160)
}

func TestInvalidParams(t *testing.T) {
	server := startServer(t)
	c := dial(t, server)

	resp := c.call(t, "blockchain.scripthash.subscribe", 42)
	require.NotNil(t, resp.Error)
	require.Equal(t, InvalidParams, resp.Error.Code)

	resp = c.call(t, "blockchain.scripthash.subscribe")
	require.NotNil(t, resp.Error)
	require.Equal(t, InvalidParams, resp.Error.Code)

	resp = c.call(t, "blockchain.block.header", 99)
	require.NotNil(t, resp.Error)
	require.Equal(t, InvalidParams, resp.Error.Code)
}

func TestParseParams(t *testing.T) {
	var s string
	var n int
	err := parseParams(json.RawMessage(`["abc", 7]`), &s, &n)
	require.NoError(t, err)
	require.Equal(t, "abc", s)
	require.Equal(t, 7, n)

	err = parseParams(json.RawMessage(`"not-an-array"`), &s)
	require.Error(t, err)

	err = parseParams(json.RawMessage(`[]`), &s)
	require.Error(t, err)
}

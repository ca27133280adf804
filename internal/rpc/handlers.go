package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/status"
	"github.com/klingon-exchange/klingwatch/pkg/helpers"
)

// serverVersion is reported to wallets on server.version.
const serverVersion = "klingwatch 0.1.0"

func (s *Server) registerHandlers() {
	s.handlers["server.version"] = s.handleVersion
	s.handlers["server.ping"] = s.handlePing
	s.handlers["server.banner"] = s.handleBanner
	s.handlers["blockchain.headers.subscribe"] = s.handleHeadersSubscribe
	s.handlers["blockchain.block.header"] = s.handleBlockHeader
	s.handlers["blockchain.scripthash.subscribe"] = s.handleScriptHashSubscribe
	s.handlers["blockchain.scripthash.unsubscribe"] = s.handleScriptHashUnsubscribe
	s.handlers["blockchain.scripthash.get_history"] = s.handleGetHistory
	s.handlers["blockchain.scripthash.listunspent"] = s.handleListUnspent
	s.handlers["blockchain.transaction.get"] = s.handleTransactionGet
	s.handlers["blockchain.transaction.get_merkle"] = s.handleTransactionGetMerkle
	s.handlers["blockchain.transaction.broadcast"] = s.handleTransactionBroadcast
}

func (s *Server) handleVersion(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	return []string{serverVersion, ProtocolVersion}, nil
}

func (s *Server) handlePing(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	return nil, nil
}

func (s *Server) handleBanner(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	return fmt.Sprintf("%s (protocol %s)", serverVersion, ProtocolVersion), nil
}

func (s *Server) handleHeadersSubscribe(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	session.mu.Lock()
	session.wantsHeaders = true
	session.mu.Unlock()

	c := s.index.Chain()
	headerHex, err := headerToHex(c.TipHeader())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"hex": headerHex, "height": c.Height()}, nil
}

func (s *Server) handleBlockHeader(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	var height int
	if err := parseParams(params, &height); err != nil {
		return nil, err
	}
	header, ok := s.index.Chain().GetHeader(height)
	if !ok {
		return nil, &Error{Code: InvalidParams, Message: fmt.Sprintf("no header at height %d", height)}
	}
	return headerToHex(header)
}

func (s *Server) handleScriptHashSubscribe(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}

	statusHash, has, err := s.tracker.Subscribe(ctx, sh)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	session.scriptHashes[sh] = struct{}{}
	session.mu.Unlock()

	s.mu.Lock()
	if s.subscribers[sh] == nil {
		s.subscribers[sh] = make(map[string]*Session)
	}
	s.subscribers[sh][session.ID] = session
	s.mu.Unlock()

	if !has {
		return nil, nil
	}
	return statusHash.String(), nil
}

func (s *Server) handleScriptHashUnsubscribe(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}

	session.mu.Lock()
	_, wasSubscribed := session.scriptHashes[sh]
	delete(session.scriptHashes, sh)
	session.mu.Unlock()

	s.mu.Lock()
	orphaned := false
	if sessions := s.subscribers[sh]; sessions != nil {
		delete(sessions, session.ID)
		if len(sessions) == 0 {
			delete(s.subscribers, sh)
			orphaned = true
		}
	}
	s.mu.Unlock()

	if orphaned {
		s.tracker.Unsubscribe(sh)
	}
	return wasSubscribed, nil
}

func (s *Server) handleGetHistory(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}

	// Electrum renders confirmed entries first, then mempool entries with
	// their fee; an empty history is an empty array, not null.
	history := make([]map[string]interface{}, 0)
	found := s.tracker.Get(sh, func(st *status.Status) {
		c := s.index.Chain()
		for _, entry := range st.GetConfirmed(c) {
			history = append(history, map[string]interface{}{
				"tx_hash": entry.Txid.String(),
				"height":  entry.Height,
			})
		}
		for _, entry := range st.GetMempool(s.mempool) {
			history = append(history, map[string]interface{}{
				"tx_hash": entry.Txid.String(),
				"height":  entry.Height(),
				"fee":     int64(entry.Fee),
			})
		}
	})
	if !found {
		return nil, &Error{Code: InvalidRequest, Message: "scripthash not subscribed"}
	}
	return history, nil
}

func (s *Server) handleListUnspent(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	sh, err := scriptHashParam(params)
	if err != nil {
		return nil, err
	}

	unspent := make([]map[string]interface{}, 0)
	var innerErr error
	found := s.tracker.Get(sh, func(st *status.Status) {
		c := s.index.Chain()
		for op := range st.GetUnspent(c) {
			entry := map[string]interface{}{
				"tx_hash": op.Hash.String(),
				"tx_pos":  op.Index,
				"height":  0,
			}
			if tx, ok := s.cache.GetTx(op.Hash); ok && int(op.Index) < len(tx.MsgTx().TxOut) {
				entry["value"] = tx.MsgTx().TxOut[op.Index].Value
			}
			height, confirmed, err := s.index.LookupTxHeight(op.Hash)
			if err != nil {
				innerErr = err
				return
			}
			if confirmed {
				entry["height"] = height
			}
			unspent = append(unspent, entry)
		}
	})
	if innerErr != nil {
		return nil, innerErr
	}
	if !found {
		return nil, &Error{Code: InvalidRequest, Message: "scripthash not subscribed"}
	}
	return unspent, nil
}

func (s *Server) handleTransactionGet(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	var txidHex string
	if err := parseParams(params, &txidHex); err != nil {
		return nil, err
	}
	txid, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return nil, &Error{Code: InvalidParams, Message: fmt.Sprintf("invalid txid %q", txidHex)}
	}

	tx, ok := s.cache.GetTx(*txid)
	if !ok {
		tx, err = s.daemon.GetRawTransaction(ctx, *txid)
		if err != nil {
			return nil, err
		}
	}
	return txToHex(tx)
}

func (s *Server) handleTransactionGetMerkle(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	var txidHex string
	var height int
	if err := parseParams(params, &txidHex, &height); err != nil {
		return nil, err
	}
	txid, err := chainhash.NewHashFromStr(txidHex)
	if err != nil {
		return nil, &Error{Code: InvalidParams, Message: fmt.Sprintf("invalid txid %q", txidHex)}
	}

	blockhash, ok := s.index.Chain().GetBlockHash(height)
	if !ok {
		return nil, &Error{Code: InvalidParams, Message: fmt.Sprintf("no block at height %d", height)}
	}
	proof, ok := s.cache.GetProof(blockhash, *txid)
	if !ok {
		return nil, &Error{Code: InvalidRequest, Message: "no cached proof; subscribe to the script first"}
	}

	branch := make([]string, 0, len(proof.Branch()))
	for _, hash := range proof.Branch() {
		branch = append(branch, hash.String())
	}
	return map[string]interface{}{
		"merkle":       branch,
		"block_height": height,
		"pos":          proof.Pos(),
	}, nil
}

func (s *Server) handleTransactionBroadcast(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error) {
	var rawTxHex string
	if err := parseParams(params, &rawTxHex); err != nil {
		return nil, err
	}
	txid, err := s.daemon.SendRawTransaction(ctx, rawTxHex)
	if err != nil {
		return nil, err
	}
	return txid.String(), nil
}

// parseParams unmarshals a positional JSON-RPC params array into targets.
func parseParams(params json.RawMessage, targets ...interface{}) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return &Error{Code: InvalidParams, Message: "params must be an array"}
	}
	if len(raw) < len(targets) {
		return &Error{Code: InvalidParams, Message: fmt.Sprintf("expected %d params, got %d", len(targets), len(raw))}
	}
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return &Error{Code: InvalidParams, Message: fmt.Sprintf("invalid param %d: %v", i, err)}
		}
	}
	return nil
}

func scriptHashParam(params json.RawMessage) (index.ScriptHash, error) {
	var shHex string
	if err := parseParams(params, &shHex); err != nil {
		return index.ScriptHash{}, err
	}
	sh, err := index.NewScriptHashFromStr(shHex)
	if err != nil {
		return index.ScriptHash{}, &Error{Code: InvalidParams, Message: err.Error()}
	}
	return sh, nil
}

func headerToHex(header wire.BlockHeader) (string, error) {
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return "", err
	}
	return helpers.BytesToHex(buf.Bytes()), nil
}

func txToHex(tx *btcutil.Tx) (string, error) {
	var buf bytes.Buffer
	if err := tx.MsgTx().Serialize(&buf); err != nil {
		return "", err
	}
	return helpers.BytesToHex(buf.Bytes()), nil
}

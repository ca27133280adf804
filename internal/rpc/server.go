// Package rpc serves wallet clients over the Electrum line protocol:
// newline-delimited JSON-RPC 2.0 on a plain TCP socket, plus a WebSocket
// hub mirroring subscription notifications for dashboards.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingwatch/internal/cache"
	"github.com/klingon-exchange/klingwatch/internal/daemon"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/mempool"
	"github.com/klingon-exchange/klingwatch/internal/tracker"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

// ProtocolVersion is the Electrum protocol version served to clients.
const ProtocolVersion = "1.4"

// maxLineSize bounds a single request line; raw transactions dominate.
const maxLineSize = 4 << 20

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, session *Session, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Notification is a server-initiated JSON-RPC message (no id).
type Notification struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server serves the Electrum protocol.
type Server struct {
	index   *index.Index
	mempool *mempool.Mempool
	tracker *tracker.Tracker
	cache   *cache.Cache
	daemon  *daemon.Daemon
	wsHub   *WSHub
	log     *logging.Logger

	listener net.Listener

	mu       sync.RWMutex
	handlers map[string]Handler
	sessions map[string]*Session

	// subscribers maps a script hash to the sessions that subscribed to
	// it; the tracker subscription is dropped when the last one leaves.
	subscribers map[index.ScriptHash]map[string]*Session
}

// Session is one connected wallet client.
type Session struct {
	ID   string
	conn net.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	scriptHashes map[index.ScriptHash]struct{}
	wantsHeaders bool
}

// Config holds server dependencies.
type Config struct {
	Index   *index.Index
	Mempool *mempool.Mempool
	Tracker *tracker.Tracker
	Cache   *cache.Cache
	Daemon  *daemon.Daemon
	WSHub   *WSHub
}

// NewServer creates the server and registers its method handlers.
func NewServer(cfg *Config) *Server {
	s := &Server{
		index:       cfg.Index,
		mempool:     cfg.Mempool,
		tracker:     cfg.Tracker,
		cache:       cfg.Cache,
		daemon:      cfg.Daemon,
		wsHub:       cfg.WSHub,
		log:         logging.GetDefault().Component("rpc"),
		handlers:    make(map[string]Handler),
		sessions:    make(map[string]*Session),
		subscribers: make(map[index.ScriptHash]map[string]*Session),
	}
	s.registerHandlers()
	return s
}

// Serve accepts wallet connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info("serving electrum RPC", "addr", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr returns the bound listen address once Serve has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	session := &Session{
		ID:           uuid.NewString(),
		conn:         conn,
		scriptHashes: make(map[index.ScriptHash]struct{}),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	s.log.Debug("client connected", "session", session.ID, "remote", conn.RemoteAddr())

	defer func() {
		s.dropSession(session)
		conn.Close()
		s.log.Debug("client disconnected", "session", session.ID)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		response := s.dispatch(ctx, session, line)
		if response == nil {
			continue
		}
		if err := session.send(response); err != nil {
			s.log.Debug("failed to write response", "session", session.ID, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, session *Session, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return &Response{JSONRPC: "2.0", Error: &Error{Code: ParseError, Message: "parse error"}}
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: MethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}}
	}

	result, err := handler(ctx, session, req.Params)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			rpcErr = &Error{Code: InternalError, Message: err.Error()}
		}
		s.log.Debug("request failed", "method", req.Method, "error", err)
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (session *Session) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	session.writeMu.Lock()
	defer session.writeMu.Unlock()
	if _, err := session.conn.Write(data); err != nil {
		return err
	}
	_, err = session.conn.Write([]byte("\n"))
	return err
}

func (s *Server) dropSession(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	session.mu.Lock()
	hashes := make([]index.ScriptHash, 0, len(session.scriptHashes))
	for sh := range session.scriptHashes {
		hashes = append(hashes, sh)
	}
	session.mu.Unlock()

	var orphaned []index.ScriptHash
	for _, sh := range hashes {
		if sessions := s.subscribers[sh]; sessions != nil {
			delete(sessions, session.ID)
			if len(sessions) == 0 {
				delete(s.subscribers, sh)
				orphaned = append(orphaned, sh)
			}
		}
	}
	s.mu.Unlock()

	for _, sh := range orphaned {
		s.tracker.Unsubscribe(sh)
	}
}

// OnStatusChange is wired as the tracker's change callback: it pushes a
// subscription notification to every session subscribed to the script hash
// and mirrors the event onto the WebSocket hub.
func (s *Server) OnStatusChange(n tracker.Notification) {
	var statusParam interface{}
	if n.HasStatus {
		statusParam = n.StatusHash.String()
	}

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.subscribers[n.ScriptHash]))
	for _, session := range s.subscribers[n.ScriptHash] {
		sessions = append(sessions, session)
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		err := session.send(&Notification{
			JSONRPC: "2.0",
			Method:  "blockchain.scripthash.subscribe",
			Params:  []interface{}{n.ScriptHash.String(), statusParam},
		})
		if err != nil {
			s.log.Debug("failed to notify", "session", session.ID, "error", err)
		}
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventStatusChanged, map[string]interface{}{
			"scripthash": n.ScriptHash.String(),
			"status":     statusParam,
		})
	}
}

// NotifyTip pushes a headers notification to every session that subscribed
// to header updates.
func (s *Server) NotifyTip() {
	c := s.index.Chain()
	height := c.Height()
	headerHex, err := headerToHex(c.TipHeader())
	if err != nil {
		s.log.Error("failed to serialize tip header", "error", err)
		return
	}

	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		session.mu.Lock()
		wants := session.wantsHeaders
		session.mu.Unlock()
		if wants {
			sessions = append(sessions, session)
		}
	}
	s.mu.RUnlock()

	for _, session := range sessions {
		err := session.send(&Notification{
			JSONRPC: "2.0",
			Method:  "blockchain.headers.subscribe",
			Params:  []interface{}{map[string]interface{}{"hex": headerHex, "height": height}},
		})
		if err != nil {
			s.log.Debug("failed to notify tip", "session", session.ID, "error", err)
		}
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(EventTipChanged, map[string]interface{}{
			"height": height,
			"hash":   c.Tip().String(),
		})
	}
}

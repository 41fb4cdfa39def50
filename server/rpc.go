package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"

	"github.com/signadot/beansync/command"
)

// RPCListener serves exchanges as JSON-RPC 2.0 calls over TCP.
type RPCListener struct {
	listener net.Listener
	server   *Server

	conns   map[string]jsonrpc2.Conn
	connsMu sync.RWMutex
	connSeq atomic.Int64

	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewRPCListener(addr string, server *Server) (*RPCListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &RPCListener{
		listener: listener,
		server:   server,
		conns:    make(map[string]jsonrpc2.Conn),
	}, nil
}

// Addr returns the listener's network address.
func (l *RPCListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until Close is called.
func (l *RPCListener) Serve() error {
	log := l.server.Spec.Log
	log.Info("JSON-RPC listener started", "addr", l.listener.Addr().String())
	for {
		nc, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			log.Error("accept error", "error", err)
			continue
		}
		l.wg.Add(1)
		go l.handleConnection(nc)
	}
}

func (l *RPCListener) handleConnection(nc net.Conn) {
	defer l.wg.Done()
	log := l.server.Spec.Log
	connID := fmt.Sprintf("rpc-%d", l.connSeq.Add(1))
	log.Debug("new JSON-RPC connection", "conn", connID, "remote", nc.RemoteAddr().String())

	ctx, cancel := context.WithCancel(context.Background())
	var polls sync.WaitGroup
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(nc))

	l.connsMu.Lock()
	l.conns[connID] = conn
	l.connsMu.Unlock()

	conn.Go(ctx, l.handler(&polls))
	<-conn.Done()
	cancel()
	polls.Wait()
	if err := conn.Err(); err != nil && !l.closed.Load() {
		log.Debug("JSON-RPC connection ended", "conn", connID, "error", err)
	}

	l.connsMu.Lock()
	delete(l.conns, connID)
	l.connsMu.Unlock()
}

// handler replies to exchanges in order. A long poll replies from its own
// goroutine so the connection keeps reading.
func (l *RPCListener) handler(polls *sync.WaitGroup) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		if req.Method() != command.MethodExchange {
			return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
		}
		var env command.Envelope
		if err := json.Unmarshal(req.Params(), &env); err != nil {
			return reply(ctx, nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "%v", err))
		}
		if isLongPoll(env.Commands) {
			polls.Add(1)
			go func() {
				defer polls.Done()
				if err := reply(ctx, l.server.exchangeEnvelope(ctx, env), nil); err != nil {
					l.server.Spec.Log.Debug("JSON-RPC reply failed", "error", err)
				}
			}()
			return nil
		}
		return reply(ctx, l.server.exchangeEnvelope(ctx, env), nil)
	}
}

// Close stops accepting connections and closes the open ones.
func (l *RPCListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if err := l.listener.Close(); err != nil {
		l.server.Spec.Log.Error("error closing listener", "error", err)
	}
	l.connsMu.RLock()
	for _, conn := range l.conns {
		conn.Close()
	}
	l.connsMu.RUnlock()
	l.wg.Wait()
	l.server.Spec.Log.Info("JSON-RPC listener stopped")
	return nil
}

// ConnCount returns the number of open connections.
func (l *RPCListener) ConnCount() int {
	l.connsMu.RLock()
	defer l.connsMu.RUnlock()
	return len(l.conns)
}

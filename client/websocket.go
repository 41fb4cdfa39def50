package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"

	"github.com/signadot/beansync/command"
)

// WebSocketTransport exchanges envelopes over one WebSocket connection.
// Concurrent exchanges are matched to their replies by sequence number.
type WebSocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan command.Envelope
	err     error
	done    chan struct{}
}

func DialWebSocket(ctx context.Context, url string, header http.Header) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	t := &WebSocketTransport{
		conn:    conn,
		pending: map[uint64]chan command.Envelope{},
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	var err error
	defer func() {
		t.mu.Lock()
		t.err = err
		t.pending = nil
		t.mu.Unlock()
		close(t.done)
	}()
	for {
		var data []byte
		_, data, err = t.conn.ReadMessage()
		if err != nil {
			return
		}
		var env command.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		t.mu.Lock()
		ch := t.pending[env.Seq]
		delete(t.pending, env.Seq)
		t.mu.Unlock()
		if ch != nil {
			ch <- env
		}
	}
}

func (t *WebSocketTransport) Exchange(ctx context.Context, clientID string, cmds []command.Command) (string, []command.Command, error) {
	seq := t.seq.Add(1)
	ch := make(chan command.Envelope, 1)
	t.mu.Lock()
	if t.pending == nil {
		err := t.err
		t.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return "", nil, err
	}
	t.pending[seq] = ch
	t.mu.Unlock()
	forget := func() {
		t.mu.Lock()
		if t.pending != nil {
			delete(t.pending, seq)
		}
		t.mu.Unlock()
	}

	data, err := json.Marshal(command.Envelope{ClientID: clientID, Seq: seq, Commands: cmds})
	if err != nil {
		forget()
		return "", nil, err
	}
	t.writeMu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		forget()
		return "", nil, err
	}
	select {
	case env := <-ch:
		return envelopeResult(env)
	case <-ctx.Done():
		forget()
		return "", nil, ctx.Err()
	case <-t.done:
		return "", nil, ErrClosed
	}
}

// Close closes the connection; pending exchanges fail with ErrClosed.
func (t *WebSocketTransport) Close() error {
	t.writeMu.Lock()
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

package client

import (
	"context"
	"net"

	"go.lsp.dev/jsonrpc2"

	"github.com/signadot/beansync/command"
)

// RPCTransport exchanges envelopes as JSON-RPC 2.0 calls over TCP.
type RPCTransport struct {
	conn jsonrpc2.Conn
}

func DialRPC(ctx context.Context, addr string) (*RPCTransport, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(nc))
	conn.Go(context.Background(), jsonrpc2.MethodNotFoundHandler)
	return &RPCTransport{conn: conn}, nil
}

func (t *RPCTransport) Exchange(ctx context.Context, clientID string, cmds []command.Command) (string, []command.Command, error) {
	var out command.Envelope
	if _, err := t.conn.Call(ctx, command.MethodExchange, command.Envelope{ClientID: clientID, Commands: cmds}, &out); err != nil {
		return "", nil, err
	}
	return envelopeResult(out)
}

func (t *RPCTransport) Close() error {
	err := t.conn.Close()
	<-t.conn.Done()
	return err
}

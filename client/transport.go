package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/signadot/beansync/command"
)

// Transport carries one exchange: a batch for the session clientID goes
// out, the session id and the outbound batch of the server come back. An
// empty clientID asks the server to create a session.
type Transport interface {
	Exchange(ctx context.Context, clientID string, cmds []command.Command) (string, []command.Command, error)
	Close() error
}

// HTTPTransport posts batches as JSON arrays.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{URL: url, Client: http.DefaultClient}
}

func (t *HTTPTransport) Exchange(ctx context.Context, clientID string, cmds []command.Command) (string, []command.Command, error) {
	body, err := command.EncodeBatch(cmds)
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if clientID != "" {
		req.Header.Set(command.ClientIDHeader, clientID)
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	out, err := command.DecodeBatch(data)
	if err != nil {
		return "", nil, fmt.Errorf("decoding response: %w", err)
	}
	id := resp.Header.Get(command.ClientIDHeader)
	if id == "" {
		id = clientID
	}
	return id, out, nil
}

func (t *HTTPTransport) Close() error {
	t.Client.CloseIdleConnections()
	return nil
}

// envelopeResult turns a reply envelope into exchange results.
func envelopeResult(env command.Envelope) (string, []command.Command, error) {
	if env.Error != "" || env.Status != 0 {
		status := env.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return "", nil, &StatusError{Status: status, Message: env.Error}
	}
	return env.ClientID, env.Commands, nil
}

// Breaker guards a transport with a circuit breaker. While the circuit is
// open exchanges fail fast with gobreaker.ErrOpenState. Rejections caused
// by the request, such as a lost session, do not count as failures.
type Breaker struct {
	next Transport
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Transport, st gobreaker.Settings) *Breaker {
	if st.Name == "" {
		st.Name = "beansync"
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool {
			var se *StatusError
			return err == nil || errors.Is(err, context.Canceled) || (errors.As(err, &se) && se.clientFault())
		}
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

type exchangeResult struct {
	id  string
	out []command.Command
}

func (b *Breaker) Exchange(ctx context.Context, clientID string, cmds []command.Command) (string, []command.Command, error) {
	res, err := b.cb.Execute(func() (any, error) {
		id, out, err := b.next.Exchange(ctx, clientID, cmds)
		if err != nil {
			return nil, err
		}
		return exchangeResult{id: id, out: out}, nil
	})
	if err != nil {
		return "", nil, err
	}
	r := res.(exchangeResult)
	return r.id, r.out, nil
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Close() error { return b.next.Close() }

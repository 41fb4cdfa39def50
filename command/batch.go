package command

import (
	"bytes"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// EncodeBatch returns the JSON array of cmds. An empty batch is "[]".
func EncodeBatch(cmds []Command) ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, c := range cmds {
		if i > 0 {
			b.WriteByte(',')
		}
		data, err := Encode(c)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		b.Write(data)
	}
	b.WriteByte(']')
	return b.Bytes(), nil
}

// DecodeBatch decodes a JSON array of commands. It fails on the first
// malformed element and returns no commands in that case.
func DecodeBatch(data []byte) ([]Command, error) {
	if k := kindOf(data); k != kindArray {
		return nil, &ParseError{Index: -1, Err: fmt.Errorf("expected an array of commands, got %s", k)}
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}
	cmds := make([]Command, 0, len(raws))
	for i, raw := range raws {
		c, err := decode(raw, i)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}

const (
	// ClientIDHeader names the session of an HTTP exchange, in both
	// directions.
	ClientIDHeader = "X-Remoting-Client-Id"
	// MethodExchange is the JSON-RPC method taking and returning an
	// Envelope.
	MethodExchange = "remoting.exchange"
)

// Envelope frames a batch on message oriented transports.
type Envelope struct {
	ClientID string
	Seq      uint64
	Commands []Command
	// Error is set by the server when the whole exchange failed. Status
	// then carries the HTTP status the same failure has on HTTP.
	Error  string
	Status int
}

type envelopeJSON struct {
	ClientID string          `json:"clientId"`
	Seq      uint64          `json:"seq"`
	Commands json.RawMessage `json:"commands"`
	Error    string          `json:"error,omitempty"`
	Status   int             `json:"status,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	cmds, err := EncodeBatch(e.Commands)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{
		ClientID: e.ClientID,
		Seq:      e.Seq,
		Commands: cmds,
		Error:    e.Error,
		Status:   e.Status,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ParseError{Index: -1, Err: fmt.Errorf("envelope: %w", err)}
	}
	var cmds []Command
	if len(raw.Commands) > 0 {
		var err error
		cmds, err = DecodeBatch(raw.Commands)
		if err != nil {
			return err
		}
	}
	*e = Envelope{ClientID: raw.ClientID, Seq: raw.Seq, Commands: cmds, Error: raw.Error, Status: raw.Status}
	return nil
}

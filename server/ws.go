package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"

	"github.com/signadot/beansync/command"
)

// serveWebSocket exchanges envelopes over one connection. Batches are
// applied in the order received, except long polls which wait in their own
// goroutine so that later messages can interrupt them.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Spec.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	log := s.Spec.Log.With("remote", conn.RemoteAddr().String())
	log.Debug("websocket connected")

	var (
		writeMu sync.Mutex
		polls   sync.WaitGroup
	)
	write := func(env command.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			log.Error("encoding envelope", "seq", env.Seq, "error", err)
			data, _ = json.Marshal(command.Envelope{ClientID: env.ClientID, Seq: env.Seq, Error: err.Error(), Status: http.StatusInternalServerError})
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug("websocket write failed", "error", err)
		}
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer polls.Wait()
	defer cancel()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", "error", err)
			}
			return
		}
		var env command.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			write(command.Envelope{Error: err.Error(), Status: http.StatusBadRequest})
			continue
		}
		if isLongPoll(env.Commands) {
			polls.Add(1)
			go func() {
				defer polls.Done()
				write(s.exchangeEnvelope(ctx, env))
			}()
			continue
		}
		write(s.exchangeEnvelope(ctx, env))
	}
}

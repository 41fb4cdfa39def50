package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/segmentio/encoding/json"

	"github.com/signadot/beansync/command"
)

const maxBatchBytes = 16 << 20

// serveExchange handles POST requests whose body is a JSON array of
// commands. A body that does not parse is rejected before any session is
// looked up or created.
func (s *Server) serveExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmds, err := command.DecodeBatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, out, err := s.Exchange(r.Context(), r.Header.Get(command.ClientIDHeader), cmds)
	if err != nil {
		s.Spec.Log.Warn("exchange failed", "session", r.Header.Get(command.ClientIDHeader), "error", err)
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	data, err := command.EncodeBatch(out)
	if err != nil {
		s.Spec.Log.Error("encoding response", "session", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(command.ClientIDHeader, id)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// serveSnapshot writes the snapshot of the session named by the clientId
// query parameter, or the list of session ids without it.
func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	var v any
	if id := r.URL.Query().Get("clientId"); id != "" {
		c, err := s.Store.Get(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		snap, err := c.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), statusOf(err))
			return
		}
		v = snap
	} else {
		v = map[string][]string{"sessions": s.Store.IDs()}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSessionGone is matched by exchanges rejected because the server
	// no longer knows the session.
	ErrSessionGone  = errors.New("remoting session gone")
	ErrNotConnected = errors.New("client not connected")
	ErrClosed       = errors.New("transport closed")
)

// StatusError is an exchange the server rejected as a whole.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange failed with status %d: %s", e.Status, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrSessionGone && e.Status == http.StatusGone
}

// clientFault reports failures caused by the request rather than by the
// transport or the server.
func (e *StatusError) clientFault() bool {
	return e.Status >= 400 && e.Status < 500
}

// RemoteError is an ErrorResponse sent by the server.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("request %s: %s", e.RequestID, e.Message)
}

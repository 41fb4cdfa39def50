package server

import "errors"

var (
	// ErrContextNotFound is returned for a client id naming no live
	// session, either never created or expired.
	ErrContextNotFound = errors.New("remoting context not found")
	// ErrContextDestroyed is returned for a request reaching a session
	// that was destroyed while the request was in flight.
	ErrContextDestroyed = errors.New("remoting context destroyed")
	// ErrMissingClientID is returned for a batch that neither names a
	// session nor starts with CreateContext.
	ErrMissingClientID = errors.New("missing client id")
)

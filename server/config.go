package server

import (
	"log/slog"

	"github.com/signadot/beansync/beans"
	"github.com/signadot/beansync/remoting"
)

// Spec holds the runtime specification for the server.
// Config contains the serializable settings loaded from a file.
type Spec struct {
	Config *Config
	// Classes names the bean classes shared with clients. Required.
	Classes *beans.ClassRegistry
	// Controllers are the controllers clients may create.
	Controllers *remoting.Registry
	Metrics     *Metrics
	Log         *slog.Logger
}

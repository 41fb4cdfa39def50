package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/signadot/beansync/command"
)

// Server routes client exchanges to their sessions.
type Server struct {
	Spec  Spec
	Store *Store

	trace    *command.Filter
	upgrader websocket.Upgrader
}

// New creates a server. The session store is not started; Run starts it.
func New(spec *Spec) (*Server, error) {
	if spec.Log == nil {
		spec.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slogLevel(),
		}))
	}
	if spec.Config == nil {
		spec.Config = DefaultConfig()
	}
	if spec.Classes == nil {
		return nil, errors.New("server: nil class registry")
	}
	if err := spec.Config.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	if spec.Metrics == nil {
		spec.Metrics = NewMetrics(nil)
	}
	s := &Server{
		Spec:  *spec,
		Store: NewStore(spec.Config.Session.Timeout.D(), spec.Log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if src := spec.Config.Trace.Filter; src != "" {
		f, err := command.NewFilter(src)
		if err != nil {
			return nil, err
		}
		s.trace = f
	}
	return s, nil
}

func slogLevel() slog.Level {
	if os.Getenv("DEBUG") != "" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// Exchange applies a batch to the session named by clientID and returns
// the session id with the outbound commands. An empty clientID creates a
// session when the batch starts with CreateContext.
func (s *Server) Exchange(ctx context.Context, clientID string, cmds []command.Command) (string, []command.Command, error) {
	var (
		c   *Context
		err error
	)
	switch {
	case clientID != "":
		c, err = s.Store.Get(clientID)
	case len(cmds) > 0 && cmds[0].Type() == command.TypeCreateContext:
		c, err = s.newSession()
	default:
		err = ErrMissingClientID
	}
	if err != nil {
		return clientID, nil, err
	}
	out, err := c.Exchange(ctx, cmds)
	return c.ID(), out, err
}

func (s *Server) newSession() (*Context, error) {
	c, err := newContext(&contextSpec{
		ID:          ulid.Make().String(),
		Config:      s.Spec.Config,
		Classes:     s.Spec.Classes,
		Controllers: s.Spec.Controllers,
		Trace:       s.trace,
		Metrics:     s.Spec.Metrics,
		Log:         s.Spec.Log,
		OnDestroy:   func(c *Context) { s.Store.Remove(c.ID()) },
	})
	if err != nil {
		return nil, err
	}
	s.Store.Put(c)
	return c, nil
}

// exchangeEnvelope runs an exchange for a framed transport. Failures of the
// whole exchange are reported in the envelope.
func (s *Server) exchangeEnvelope(ctx context.Context, in command.Envelope) command.Envelope {
	id, out, err := s.Exchange(ctx, in.ClientID, in.Commands)
	if err != nil {
		s.Spec.Log.Warn("exchange failed", "session", in.ClientID, "error", err)
		return command.Envelope{ClientID: in.ClientID, Seq: in.Seq, Error: err.Error(), Status: statusOf(err)}
	}
	return command.Envelope{ClientID: id, Seq: in.Seq, Commands: out}
}

// statusOf maps exchange failures to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrContextNotFound), errors.Is(err, ErrContextDestroyed):
		return http.StatusGone
	case errors.Is(err, ErrMissingClientID), errors.Is(err, command.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Handler returns the HTTP routes enabled in the config.
func (s *Server) Handler() http.Handler {
	cfg := s.Spec.Config.HTTP
	mux := http.NewServeMux()
	if cfg.Path != "" {
		mux.HandleFunc(cfg.Path, s.serveExchange)
	}
	if cfg.WebSocketPath != "" {
		mux.HandleFunc(cfg.WebSocketPath, s.serveWebSocket)
	}
	if cfg.MetricsPath != "" {
		mux.Handle(cfg.MetricsPath, s.Spec.Metrics.Handler())
	}
	if cfg.SnapshotPath != "" {
		mux.HandleFunc(cfg.SnapshotPath, s.serveSnapshot)
	}
	return mux
}

// Run serves HTTP and, when configured, JSON-RPC until ctx is done or a
// listener fails. Sessions are destroyed on return.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.Spec.Config
	log := s.Spec.Log
	s.Store.Start()
	defer s.Store.Close()

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
	}
	hs := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	var rpc *RPCListener
	if cfg.RPC.Addr != "" {
		rpc, err = NewRPCListener(cfg.RPC.Addr, s)
		if err != nil {
			ln.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listener started", "addr", ln.Addr().String())
		if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if rpc != nil {
		g.Go(rpc.Serve)
	}
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := hs.Shutdown(sctx)
		if rpc != nil {
			rpc.Close()
		}
		log.Info("server stopped")
		return err
	})
	return g.Wait()
}

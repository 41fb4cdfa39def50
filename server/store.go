package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Store holds the live sessions keyed by client id. A session not touched
// for the configured timeout is evicted and destroyed.
type Store struct {
	cache     *ttlcache.Cache[string, *Context]
	stopEvict func()
	started   atomic.Bool
	log       *slog.Logger
}

func NewStore(timeout time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		cache: ttlcache.New(ttlcache.WithTTL[string, *Context](timeout)),
		log:   log,
	}
	s.stopEvict = s.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Context]) {
		if reason == ttlcache.EvictionReasonExpired {
			s.log.Info("session expired", "session", item.Key())
		}
		item.Value().Destroy(ctx)
	})
	return s
}

// Start runs the expiry loop until Close.
func (s *Store) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.cache.Start()
}

// Get returns the session for id and extends its lifetime.
func (s *Store) Get(id string) (*Context, error) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, ErrContextNotFound
	}
	return item.Value(), nil
}

func (s *Store) Put(c *Context) {
	s.cache.Set(c.ID(), c, ttlcache.DefaultTTL)
}

// Remove forgets the session for id; the session is destroyed.
func (s *Store) Remove(id string) {
	s.cache.Delete(id)
}

func (s *Store) Len() int {
	return s.cache.Len()
}

// IDs returns the ids of the live sessions.
func (s *Store) IDs() []string {
	return s.cache.Keys()
}

// Close destroys every session and stops the expiry loop.
func (s *Store) Close() {
	if s.started.Swap(false) {
		s.cache.Stop()
	}
	s.cache.DeleteAll()
	s.stopEvict()
}

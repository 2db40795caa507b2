// Package peers keeps bounded, expiring metadata about peers the node has
// connected to. It feeds off the connection manager's event surface.
package peers

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"overmesh/pkg/connections"
	"overmesh/pkg/transport"
)

// Meta is what the node remembers about one peer.
type Meta struct {
	ID          connections.Id
	Address     string
	Outbound    bool
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Store holds peer metadata in an expiring LRU: stale entries age out on
// their own, so teardown paths do not have to chase every exit.
type Store struct {
	cache *expirable.LRU[connections.Id, Meta]
}

// NewStore builds a store holding at most size entries for at most ttl.
func NewStore(size int, ttl time.Duration) *Store {
	return &Store{cache: expirable.NewLRU[connections.Id, Meta](size, nil, ttl)}
}

// Upsert records or refreshes a peer.
func (s *Store) Upsert(meta Meta) {
	meta.LastSeen = time.Now()
	s.cache.Add(meta.ID, meta)
	zap.L().Debug("peer upsert", zap.Stringer("peer", meta.ID), zap.String("addr", meta.Address))
}

// Get returns the remembered metadata for id.
func (s *Store) Get(id connections.Id) (Meta, bool) { return s.cache.Get(id) }

// Remove forgets a peer.
func (s *Store) Remove(id connections.Id) { s.cache.Remove(id) }

// Peers returns a snapshot of every remembered peer.
func (s *Store) Peers() []Meta { return s.cache.Values() }

// Len returns the number of remembered peers.
func (s *Store) Len() int { return s.cache.Len() }

// Purge forgets everything.
func (s *Store) Purge() { s.cache.Purge() }

// Recorder maintains a Store from the connection manager's events.
type Recorder struct {
	store *Store
}

func NewRecorder(store *Store) *Recorder { return &Recorder{store: store} }

// NewConnection implements connections.Notifiee.
func (r *Recorder) NewConnection(con *connections.Connection, local bool) {
	now := time.Now()
	r.store.Upsert(Meta{
		ID:          con.RemoteId(),
		Address:     con.Edge().RemoteAddress().String(),
		Outbound:    local,
		ConnectedAt: now,
	})
}

// ConnectionAttemptFailure implements connections.Notifiee.
func (r *Recorder) ConnectionAttemptFailure(addr transport.Address, reason string) {
	zap.L().Debug("connection attempt failed", zap.String("addr", addr.String()), zap.String("reason", reason))
}

// Disconnected implements connections.Notifiee. The manager is gone, so the
// remembered peers go with it.
func (r *Recorder) Disconnected() { r.store.Purge() }

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/solnode/internal/logging"
	"github.com/nishisan-dev/solnode/internal/protocol"
	gocache "github.com/patrickmn/go-cache"
)

// EvictionBudget is the best-effort close deadline per connection (§4.F).
// Not one of config.RDTInfo's recognized tunables.
const EvictionBudget = 5 * time.Second

// Registry is a concurrent map from connectionId to Connection, bounded by
// capacity with an idle-access TTL (§4.F). It uses go-cache's TTL map to
// drive eviction instead of a hand-rolled sweep goroutine — every access
// resets the entry's expiration, and expired entries are handed to the
// eviction hook through go-cache's OnEvicted callback.
type Registry struct {
	mu         sync.Mutex
	cache      *gocache.Cache
	params     Params
	wheel      *TimerWheel
	ids        *IDGenerator
	correlator Correlator
	dispatcher Dispatcher
	sendFrame  func(f *protocol.Frame, addr net.Addr) error
	logger     *slog.Logger

	// connLogDir, if non-empty, makes every created Connection also log to
	// its own per-connection debug file (see internal/logging).
	connLogDir string
}

// NewRegistry constructs a Registry. correlator and dispatcher are wired
// into every Connection it creates. Per-connection debug log files are
// enabled separately, with WithConnectionLogDir.
func NewRegistry(params Params, wheel *TimerWheel, ids *IDGenerator, correlator Correlator, dispatcher Dispatcher, sendFrame func(f *protocol.Frame, addr net.Addr) error, logger *slog.Logger) *Registry {
	r := &Registry{
		cache:      gocache.New(params.ConnectionIdleTTL, params.ConnectionIdleTTL/2),
		params:     params,
		wheel:      wheel,
		ids:        ids,
		correlator: correlator,
		dispatcher: dispatcher,
		sendFrame:  sendFrame,
		logger:     logger,
	}
	r.cache.OnEvicted(func(key string, value interface{}) {
		conn, ok := value.(*Connection)
		if !ok {
			return
		}
		r.closeWithBudget(conn)
	})
	return r
}

// WithConnectionLogDir enables per-connection debug log files under dir.
// Must be called before any connection is created.
func (r *Registry) WithConnectionLogDir(dir string) *Registry {
	r.connLogDir = dir
	return r
}

// closeWithBudget closes conn within EvictionBudget and removes its
// per-connection debug log file, if any (the eviction hook every Connection
// ultimately funnels through, whether by idle TTL, heartbeat failure, or
// Registry.Close).
func (r *Registry) closeWithBudget(conn *Connection) {
	done := make(chan struct{})
	go func() {
		conn.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(EvictionBudget):
		r.logger.Warn("connection close exceeded eviction budget, forcing", "connection", conn.ID)
	}
	if r.connLogDir != "" {
		logging.RemoveConnectionLog(r.connLogDir, conn.ID)
	}
}

// GetOrCreate computes the connectionId per §4.B and returns the existing
// Connection for it, or creates and registers a new one.
func (r *Registry) GetOrCreate(localEndpoint, remoteEndpoint string, remoteAddr net.Addr, outbound bool) (*Connection, bool) {
	id := protocol.DeriveConnectionID(localEndpoint, remoteEndpoint)
	key := keyFor(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(key); ok {
		conn := v.(*Connection)
		r.cache.Set(key, conn, gocache.DefaultExpiration)
		return conn, false
	}

	if r.cache.ItemCount() >= r.params.RegistryCapacity {
		r.logger.Warn("connection registry at capacity, rejecting new connection", "capacity", r.params.RegistryCapacity)
		return nil, false
	}

	connLogger, closer, _, err := logging.NewConnectionLogger(r.logger, r.connLogDir, id)
	if err != nil {
		r.logger.Warn("connection log setup failed, falling back to base logger", "connection", id, "error", err)
		connLogger, closer = r.logger, nopCloser{}
	}

	conn := NewConnection(id, remoteAddr, outbound, r.params, r.wheel, r.ids, r.correlator, r.dispatcher, r.sendFrame, r.evict, connLogger)
	conn.logCloser = closer
	r.cache.Set(key, conn, gocache.DefaultExpiration)
	return conn, true
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Get looks up a Connection by id in O(1) without refreshing its TTL.
func (r *Registry) Get(connectionID uint64) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.cache.Get(keyFor(connectionID))
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// evict is the UnreachableNotifier handed to every Connection: a heartbeat
// failure removes the connection from the registry and runs the eviction
// hook immediately instead of waiting out the idle TTL.
func (r *Registry) evict(connectionID uint64) {
	r.mu.Lock()
	key := keyFor(connectionID)
	v, ok := r.cache.Get(key)
	if ok {
		r.cache.Delete(key)
	}
	r.mu.Unlock()

	if ok {
		r.closeWithBudget(v.(*Connection))
	}
}

// RegistryStats is a point-in-time snapshot across every live connection,
// consumed by tests and by the node's periodic log line.
type RegistryStats struct {
	ActiveConnections int
	SendUnitsInFlight int
	RecvUnitsInFlight int
	TotalRetransmits  int
}

// Stats aggregates Connection.Stats() across the whole registry.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	items := r.cache.Items()
	r.mu.Unlock()

	stats := RegistryStats{ActiveConnections: len(items)}
	for _, item := range items {
		conn, ok := item.Object.(*Connection)
		if !ok {
			continue
		}
		cs := conn.Stats()
		stats.SendUnitsInFlight += cs.SendUnitsActive
		stats.RecvUnitsInFlight += cs.RecvUnitsActive
		stats.TotalRetransmits += cs.RetransmitCount
	}
	return stats
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.ItemCount()
}

// Close tears down every connection in the registry (used on process shutdown).
func (r *Registry) Close() {
	r.mu.Lock()
	items := r.cache.Items()
	r.cache.Flush()
	r.mu.Unlock()

	for _, item := range items {
		if conn, ok := item.Object.(*Connection); ok {
			r.closeWithBudget(conn)
		}
	}
}

func keyFor(connectionID uint64) string {
	// go-cache keys on string; connectionId is already 63 bits of hashed
	// entropy so a plain decimal string is a fine cache key.
	return strconv.FormatUint(connectionID, 10)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package dispatch implements the response correlator (§4.I) and the
// protocol dispatch table (§4.J): routing reassembled payloads to
// per-protocol-tag handlers, and correlating async completions (PONGs,
// CONNECT_RESPONSEs, protocol responses) back to their requesters.
package dispatch

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CorrelatorTTL is the default entry lifetime (§4.I).
const CorrelatorTTL = 30 * time.Second

// CorrelatorCapacity bounds the number of outstanding correlations (§4.I).
const CorrelatorCapacity = 1_000_000

// Correlator is a TTL-bounded map from request id to a completion channel
// (§3 "Global request-response registry", §4.I). It is built on go-cache's
// TTL map rather than a hand-rolled sweep goroutine: registrations refresh
// nothing (a request either completes or silently expires), which is
// exactly go-cache's default expiry semantics.
//
// Values hold only a channel, not the waiter itself, matching the "weak
// reference" framing in §9: once the caller stops reading from the channel
// there is nothing else pinning memory beyond the cache entry itself, which
// go-cache reclaims on TTL expiry regardless.
type Correlator struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

type pending struct {
	ch   chan []byte
	done bool // set under Correlator.mu once completed or expired
}

// NewCorrelator constructs a Correlator capped at CorrelatorCapacity live
// registrations.
func NewCorrelator() *Correlator {
	return &Correlator{
		cache: gocache.New(CorrelatorTTL, CorrelatorTTL/2),
	}
}

// Register installs a new pending request for id and returns the channel
// its eventual completion will be delivered on. The channel is closed
// without a value if the entry expires before Complete is called.
func (c *Correlator) Register(id uint64, ttl time.Duration) <-chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cache.ItemCount() >= CorrelatorCapacity {
		// Capacity exhausted: return an already-closed channel so the
		// caller's select sees an immediate (empty) completion rather than
		// blocking forever.
		ch := make(chan []byte)
		close(ch)
		return ch
	}

	p := &pending{ch: make(chan []byte, 1)}
	key := keyFor(id)
	if ttl <= 0 {
		ttl = CorrelatorTTL
	}
	c.cache.Set(key, p, ttl)

	go c.closeOnExpiry(key, p, ttl)

	return p.ch
}

// closeOnExpiry closes p's channel once its TTL elapses and it has not
// already been completed (Complete marks it done).
func (c *Correlator) closeOnExpiry(key string, p *pending, ttl time.Duration) {
	timer := time.NewTimer(ttl)
	defer timer.Stop()
	<-timer.C

	c.mu.Lock()
	v, ok := c.cache.Get(key)
	if ok && v.(*pending) == p {
		c.cache.Delete(key)
	}
	expired := !p.done
	p.done = true
	c.mu.Unlock()

	if expired {
		close(p.ch)
	}
}

// Complete delivers payload to id's registered waiter, if any, and removes
// the entry. Completing an unknown or already-expired id is a no-op that
// returns false (§4.I).
func (c *Correlator) Complete(id uint64, payload []byte) bool {
	c.mu.Lock()
	key := keyFor(id)
	v, ok := c.cache.Get(key)
	if ok {
		c.cache.Delete(key)
		v.(*pending).done = true
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	p := v.(*pending)
	p.ch <- payload
	close(p.ch)
	return true
}

// Count returns the number of outstanding registrations.
func (c *Correlator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.ItemCount()
}

func keyFor(id uint64) string {
	// 16 hex digits always fit a uint64; cheaper than strconv's decimal path
	// at this call frequency (every heartbeat tick, every protocol request).
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[id&0xF]
		id >>= 4
	}
	return string(buf)
}

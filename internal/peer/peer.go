// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package peer implements peer identity and a k-bucket style routing table
// skeleton (§2 component L, §4's "Peer registry & routing" framing): enough
// to back a fan-out of mempool transaction gossip to N known peers.
package peer

import (
	"math/bits"
	"sync"
)

// IDSize is the byte length of a peer identity (matches a connectionId-scale
// identifier space — 8 bytes is ample for the skeleton's bucket math).
const IDSize = 8

// ID identifies a peer for routing-table distance calculations.
type ID [IDSize]byte

// Info is everything the routing table stores about one known peer.
type Info struct {
	ID       ID
	Endpoint string // host:port, default port 8333 (§6)
}

// xorDistance computes the XOR metric between two ids, used to place a peer
// into its bucket and to rank "closest" peers for a query.
func xorDistance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// bucketIndex returns which of BucketCount buckets a distance falls into:
// the index of its highest set bit, matching standard Kademlia-style
// bucketing. A zero distance (self) has no bucket and is never routed.
func bucketIndex(d ID) (int, bool) {
	for i, b := range d {
		if b == 0 {
			continue
		}
		bitInByte := 7 - bits.LeadingZeros8(b)
		return (IDSize-1-i)*8 + bitInByte, true
	}
	return 0, false
}

// BucketCount is the number of distance buckets (8 bytes * 8 bits).
const BucketCount = IDSize * 8

// BucketCapacity bounds how many peers a single bucket retains — once full,
// the table is a skeleton and simply stops inserting new peers into that
// bucket rather than implementing full least-recently-seen eviction.
const BucketCapacity = 20

// Table is a minimal k-bucket routing table: insert and closest-N, enough
// to back "submit to N random known peers" gossip fan-out (§9 supplemented
// features). It intentionally does not implement bucket refresh, peer
// liveness pinging, or iterative lookups — those belong to a fuller DHT,
// out of scope for this prototype's "skeleton" framing (§2).
type Table struct {
	self ID

	mu      sync.RWMutex
	buckets [BucketCount][]Info
}

// NewTable constructs a routing table for self.
func NewTable(self ID) *Table {
	return &Table{self: self}
}

// Insert adds peer to its bucket if the bucket has room. Returns false if
// the bucket was full or peer is self.
func (t *Table) Insert(p Info) bool {
	if p.ID == t.self {
		return false
	}
	idx, ok := bucketIndex(xorDistance(t.self, p.ID))
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.buckets[idx] {
		if existing.ID == p.ID {
			return true // already known
		}
	}
	if len(t.buckets[idx]) >= BucketCapacity {
		return false
	}
	t.buckets[idx] = append(t.buckets[idx], p)
	return true
}

// Remove drops a peer from the table, if present.
func (t *Table) Remove(id ID) bool {
	idx, ok := bucketIndex(xorDistance(t.self, id))
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i, p := range bucket {
		if p.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return true
		}
	}
	return false
}

// ClosestN returns up to n peers nearest to target by XOR distance,
// scanning outward from target's own bucket. Sufficient for a gossip
// fan-out target set; not a full iterative Kademlia lookup.
func (t *Table) ClosestN(target ID, n int) []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	startIdx, ok := bucketIndex(xorDistance(t.self, target))
	if !ok {
		startIdx = 0
	}

	var out []Info
	out = append(out, t.buckets[startIdx]...)
	for radius := 1; radius < BucketCount && len(out) < n; radius++ {
		if idx := startIdx + radius; idx < BucketCount {
			out = append(out, t.buckets[idx]...)
		}
		if idx := startIdx - radius; idx >= 0 {
			out = append(out, t.buckets[idx]...)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Count returns the number of peers currently tracked.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, b := range t.buckets {
		total += len(b)
	}
	return total
}

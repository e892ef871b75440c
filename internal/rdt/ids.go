// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rdt implements the reliable datagram transport: per-payload
// fragmentation and reassembly (SendUnit/ReceiveUnit), the Connection that
// owns them, the connection registry, and the timer wheel driving retransmit,
// global-deadline, and heartbeat scheduling.
package rdt

import "sync/atomic"

// IDGenerator hands out monotonically increasing, process-unique 64-bit ids
// for dataIds and request correlation (§4.C of the design notes). Zero is
// never returned, since both connectionId and dataId are defined as nonzero.
type IDGenerator struct {
	counter atomic.Uint64
}

// NewIDGenerator returns an IDGenerator starting from 1.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next id in the sequence.
func (g *IDGenerator) Next() uint64 {
	return g.counter.Add(1)
}

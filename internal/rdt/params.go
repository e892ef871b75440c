// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"time"

	"github.com/nishisan-dev/solnode/internal/protocol"
)

// Default tunables (§4, §5, §6) — used by DefaultParams and by every test in
// this package that does not care about non-default values.
const (
	defaultMaxFramePayload    = protocol.MaxFramePayload
	defaultPublicBatchSize    = 1000
	defaultRetransmitInterval = 50 * time.Millisecond
	defaultMaxRetransmitTimes = 6
	defaultGlobalTimeout      = 300 * time.Millisecond
	defaultConnectionIdleTTL  = 60 * time.Second
	defaultHeartbeatInterval  = 400 * time.Millisecond
	defaultRegistryCapacity   = 10_000
)

// Params collects the tunables that size RDT's fragmentation, batching,
// per-frame retransmit, global timeout, idle-eviction, and heartbeat
// behavior (§4/§5, surfaced as config.RDTInfo in §6). A single Params value
// is shared by every SendUnit, ReceiveUnit, Connection, and Registry a
// runtime creates, so the whole transport is tuned consistently from one
// source — the node's configuration file.
type Params struct {
	MaxFramePayload    int
	PublicBatchSize    int
	RetransmitInterval time.Duration
	MaxRetransmitTimes int
	GlobalTimeout      time.Duration
	ConnectionIdleTTL  time.Duration
	HeartbeatInterval  time.Duration
	RegistryCapacity   int
}

// DefaultParams returns the baseline RDT tunables.
func DefaultParams() Params {
	return Params{
		MaxFramePayload:    defaultMaxFramePayload,
		PublicBatchSize:    defaultPublicBatchSize,
		RetransmitInterval: defaultRetransmitInterval,
		MaxRetransmitTimes: defaultMaxRetransmitTimes,
		GlobalTimeout:      defaultGlobalTimeout,
		ConnectionIdleTTL:  defaultConnectionIdleTTL,
		HeartbeatInterval:  defaultHeartbeatInterval,
		RegistryCapacity:   defaultRegistryCapacity,
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"

	"github.com/twmb/murmur3"
)

// connectionIDMask clears the top bit, yielding a 63-bit id (§4.B).
const connectionIDMask = 0x7FFF_FFFF_FFFF_FFFF

// DeriveConnectionID computes the locally-derived connectionId for a
// (local, remote) endpoint pair: the lower 64 bits of murmur3_128 over
// "local-remote", masked to 63 bits.
//
// The derivation is intentionally asymmetric: the two peers canonicalize
// the tuple in their own (local,remote) order, so each side stores a
// different connectionId for the same flow (§4.B, §9 open question). This
// is not a bug to fix — the registry is keyed by the local derivation only.
func DeriveConnectionID(localEndpoint, remoteEndpoint string) uint64 {
	key := fmt.Sprintf("%s-%s", localEndpoint, remoteEndpoint)
	lo, _ := murmur3.SeedSum128(0, 0, []byte(key))
	return lo & connectionIDMask
}

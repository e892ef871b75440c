// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package mempool implements the sharded, priority-ordered transaction pool
// (§3 "Mempool shard", §4.G, §4.H): admission under global and per-shard
// byte/count budgets, expiry, and bounded top-by-fee selection.
package mempool

import "time"

// Transaction is the opaque (to the core) unit the mempool orders and
// evicts. Ordering is (Fee DESC, TxID ASC) (§3). A shard holds at most one
// transaction per TxID: admission rejects a transaction as a duplicate when
// its TxID is already present, whatever its fee.
type Transaction struct {
	TxID       string
	TxIDBytes  []byte
	Sender     string
	Fee        uint64
	Size       int
	SubmitTime time.Time
}

// IsExpired reports whether the transaction has outlived expireAfter as of now.
func (t Transaction) IsExpired(now time.Time, expireAfter time.Duration) bool {
	return now.Sub(t.SubmitTime) >= expireAfter
}

// Less implements the mempool's total order: fee descending, then txId
// ascending, matching the invariant tested by the ordering property (§8).
func Less(a, b Transaction) bool {
	if a.Fee != b.Fee {
		return a.Fee > b.Fee
	}
	return a.TxID < b.TxID
}

// Equal reports whether a and b agree on (fee, txId). Removal of a
// snapshotted entry uses it to confirm the entry is still the one stored.
func Equal(a, b Transaction) bool {
	return a.Fee == b.Fee && a.TxID == b.TxID
}

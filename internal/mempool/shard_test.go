// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mempool

import (
	"testing"
	"time"
)

func TestShardAdmitOrdering(t *testing.T) {
	s := newShard(100, 1<<20)
	txs := []Transaction{
		{TxID: "b", Fee: 10, Size: 1},
		{TxID: "a", Fee: 10, Size: 1},
		{TxID: "z", Fee: 20, Size: 1},
	}
	for _, tx := range txs {
		if err := s.admit(tx); err != AdmitOK {
			t.Fatalf("admit: %v", err)
		}
	}

	snap := s.snapshotHead(3)
	if snap[0].TxID != "z" {
		t.Fatalf("got first %q, want z (highest fee)", snap[0].TxID)
	}
	if snap[1].TxID != "a" || snap[2].TxID != "b" {
		t.Fatalf("got order %q,%q, want a,b (tie broken by txId asc)", snap[1].TxID, snap[2].TxID)
	}
}

func TestShardAdmitRejectsDuplicate(t *testing.T) {
	s := newShard(100, 1<<20)
	tx := Transaction{TxID: "a", Fee: 10, Size: 1}
	if err := s.admit(tx); err != AdmitOK {
		t.Fatalf("admit: %v", err)
	}
	if err := s.admit(tx); err != AdmitDuplicate {
		t.Fatalf("got %v, want AdmitDuplicate", err)
	}
	if s.Count() != 1 {
		t.Fatalf("got count %d, want 1", s.Count())
	}
}

func TestShardAdmitRollsBackBytesOnShardFull(t *testing.T) {
	s := newShard(100, 15)
	if err := s.admit(Transaction{TxID: "a", Fee: 1, Size: 10}); err != AdmitOK {
		t.Fatalf("admit: %v", err)
	}
	if err := s.admit(Transaction{TxID: "b", Fee: 1, Size: 10}); err != AdmitShardFull {
		t.Fatalf("got %v, want AdmitShardFull", err)
	}
	if s.Bytes() != 10 {
		t.Fatalf("got bytes %d, want 10 (rollback must undo the rejected reservation)", s.Bytes())
	}
}

func TestShardSweepExpired(t *testing.T) {
	s := newShard(100, 1<<20)
	now := time.Now()
	s.admit(Transaction{TxID: "a", Fee: 1, Size: 1, SubmitTime: now})
	s.admit(Transaction{TxID: "b", Fee: 2, Size: 1, SubmitTime: now})

	removed := s.sweepExpired(now.Add(time.Second), 500*time.Millisecond)
	if removed != 2 {
		t.Fatalf("got removed %d, want 2", removed)
	}
	if s.Count() != 0 {
		t.Fatalf("got count %d, want 0", s.Count())
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mempool

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestMempool(cfg Config) *Mempool {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func txFor(id string, fee uint64, size int) Transaction {
	return Transaction{TxID: id, Fee: fee, Size: size, SubmitTime: time.Now()}
}

func TestAddAndFindByID(t *testing.T) {
	m := newTestMempool(DefaultConfig())
	tx := txFor("tx-1", 100, 64)

	if err := m.Add(tx); err != AdmitOK {
		t.Fatalf("Add: %v", err)
	}

	got, ok := m.FindByID("tx-1")
	if !ok {
		t.Fatal("expected tx-1 to be found")
	}
	if got.Fee != 100 {
		t.Fatalf("got fee %d, want 100", got.Fee)
	}
	if m.TotalCount() != 1 {
		t.Fatalf("got total count %d, want 1", m.TotalCount())
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	m := newTestMempool(DefaultConfig())
	tx := txFor("tx-1", 100, 64)

	if err := m.Add(tx); err != AdmitOK {
		t.Fatalf("first Add: %v", err)
	}
	if err := m.Add(tx); err != AdmitDuplicate {
		t.Fatalf("got %v, want AdmitDuplicate", err)
	}
	if m.TotalCount() != 1 {
		t.Fatalf("got total count %d, want 1 (no drift from rejected duplicate)", m.TotalCount())
	}
}

func TestAddRejectsWhenGlobalFull(t *testing.T) {
	m := newTestMempool(Config{MaxCapacity: 2, MaxBytes: 1 << 20, ShardCount: 1, SelectionSize: 10, ExpireAfter: time.Second})

	for i := 0; i < 2; i++ {
		if err := m.Add(txFor(fmt.Sprintf("tx-%d", i), uint64(i), 10)); err != AdmitOK {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	if err := m.Add(txFor("tx-overflow", 1, 10)); err != AdmitGlobalFull {
		t.Fatalf("got %v, want AdmitGlobalFull", err)
	}
}

func TestSelectAndRemoveTopOrdersByFeeDesc(t *testing.T) {
	m := newTestMempool(DefaultConfig())

	fees := []uint64{10, 50, 5, 100, 25}
	for i, fee := range fees {
		if err := m.Add(txFor(fmt.Sprintf("tx-%d", i), fee, 10)); err != AdmitOK {
			t.Fatalf("Add: %v", err)
		}
	}

	got := m.SelectAndRemoveTop(3)
	if len(got) != 3 {
		t.Fatalf("got %d transactions, want 3", len(got))
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Fee > got[j].Fee }) {
		t.Fatalf("selection not sorted by fee desc: %+v", got)
	}
	if got[0].Fee != 100 || got[1].Fee != 50 || got[2].Fee != 25 {
		t.Fatalf("got fees %d,%d,%d want 100,50,25", got[0].Fee, got[1].Fee, got[2].Fee)
	}
	if m.TotalCount() != int64(len(fees)-3) {
		t.Fatalf("got remaining %d, want %d", m.TotalCount(), len(fees)-3)
	}
}

func TestSelectAndRemoveTopNoDoubleDelivery(t *testing.T) {
	m := newTestMempool(DefaultConfig())
	for i := 0; i < 200; i++ {
		if err := m.Add(txFor(fmt.Sprintf("tx-%d", i), uint64(i), 10)); err != AdmitOK {
			t.Fatalf("Add: %v", err)
		}
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := m.SelectAndRemoveTop(30)
			mu.Lock()
			for _, tx := range batch {
				if seen[tx.TxID] {
					t.Errorf("tx %s delivered twice across concurrent selectors", tx.TxID)
				}
				seen[tx.TxID] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
}

func TestCleanExpiredRemovesAll(t *testing.T) {
	m := newTestMempool(Config{MaxCapacity: 10_000, MaxBytes: 1 << 20, ShardCount: 8, SelectionSize: 100, ExpireAfter: 400 * time.Millisecond})

	for i := 0; i < 1000; i++ {
		if err := m.Add(txFor(fmt.Sprintf("tx-%d", i), uint64(i), 10)); err != AdmitOK {
			t.Fatalf("Add: %v", err)
		}
	}

	future := time.Now().Add(500 * time.Millisecond)
	removed := m.CleanExpired(future)
	if removed != 1000 {
		t.Fatalf("got %d removed, want 1000", removed)
	}
	if m.TotalCount() != 0 {
		t.Fatalf("got total count %d, want 0", m.TotalCount())
	}
	if m.TotalBytes() != 0 {
		t.Fatalf("got total bytes %d, want 0", m.TotalBytes())
	}
}

func TestRemoveByID(t *testing.T) {
	m := newTestMempool(DefaultConfig())
	if err := m.Add(txFor("tx-1", 1, 10)); err != AdmitOK {
		t.Fatalf("Add: %v", err)
	}
	if !m.RemoveByID("tx-1") {
		t.Fatal("expected RemoveByID to succeed")
	}
	if m.RemoveByID("tx-1") {
		t.Fatal("second RemoveByID must return false")
	}
	if m.TotalCount() != 0 {
		t.Fatalf("got total count %d, want 0", m.TotalCount())
	}
}

func TestAddUnderContentionNoCounterDrift(t *testing.T) {
	m := newTestMempool(Config{MaxCapacity: 5000, MaxBytes: 1 << 24, ShardCount: 16, SelectionSize: 100, ExpireAfter: time.Minute})

	const perWorker = 1000
	const workers = 8
	var wg sync.WaitGroup
	admitted := make([]int64, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tx := txFor(fmt.Sprintf("w%d-tx-%d", w, i), uint64(i), 10)
				if m.Add(tx) == AdmitOK {
					admitted[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	var totalAdmitted int64
	for _, a := range admitted {
		totalAdmitted += a
	}
	if m.TotalCount() != totalAdmitted {
		t.Fatalf("got total count %d, want %d (counter drift)", m.TotalCount(), totalAdmitted)
	}
	if m.TotalCount() > 5000 {
		t.Fatalf("admitted %d exceeds MaxCapacity 5000", m.TotalCount())
	}
}

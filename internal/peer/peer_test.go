// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import "testing"

func idFor(b byte) ID {
	var id ID
	id[IDSize-1] = b
	return id
}

func TestTableInsertAndClosestN(t *testing.T) {
	self := idFor(0)
	table := NewTable(self)

	for i := byte(1); i <= 5; i++ {
		if !table.Insert(Info{ID: idFor(i), Endpoint: "10.0.0.1:8333"}) {
			t.Fatalf("Insert failed for peer %d", i)
		}
	}
	if table.Count() != 5 {
		t.Fatalf("got count %d, want 5", table.Count())
	}

	closest := table.ClosestN(idFor(0), 3)
	if len(closest) != 3 {
		t.Fatalf("got %d peers, want 3", len(closest))
	}
}

func TestTableInsertRejectsSelf(t *testing.T) {
	self := idFor(0)
	table := NewTable(self)
	if table.Insert(Info{ID: self, Endpoint: "x"}) {
		t.Fatal("Insert must reject self")
	}
}

func TestTableInsertIdempotent(t *testing.T) {
	table := NewTable(idFor(0))
	p := Info{ID: idFor(1), Endpoint: "10.0.0.1:8333"}
	table.Insert(p)
	table.Insert(p)
	if table.Count() != 1 {
		t.Fatalf("got count %d, want 1 (re-insert must not duplicate)", table.Count())
	}
}

func TestTableRemove(t *testing.T) {
	table := NewTable(idFor(0))
	p := Info{ID: idFor(1), Endpoint: "10.0.0.1:8333"}
	table.Insert(p)
	if !table.Remove(p.ID) {
		t.Fatal("Remove must succeed for a known peer")
	}
	if table.Count() != 0 {
		t.Fatalf("got count %d, want 0", table.Count())
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/solnode/internal/protocol"
)

type stubCorrelator struct{}

func (stubCorrelator) Register(id uint64, ttl time.Duration) <-chan []byte {
	return make(chan []byte)
}
func (stubCorrelator) Complete(id uint64, payload []byte) bool { return false }

type stubDispatcher struct{}

func (stubDispatcher) Dispatch(connID uint64, payload []byte) ([]byte, bool) { return nil, false }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	w := NewTimerWheel(64, 2)
	t.Cleanup(w.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	sendFrame := func(f *protocol.Frame, addr net.Addr) error { return nil }
	return NewRegistry(DefaultParams(), w, NewIDGenerator(), stubCorrelator{}, stubDispatcher{}, sendFrame, logger)
}

func TestRegistryGetOrCreateReusesConnection(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	c1, created1 := r.GetOrCreate("local:1", "remote:1", addr, true)
	if !created1 {
		t.Fatal("expected first call to create a connection")
	}

	c2, created2 := r.GetOrCreate("local:1", "remote:1", addr, true)
	if created2 {
		t.Fatal("expected second call to reuse the existing connection")
	}
	if c1 != c2 {
		t.Fatal("expected the same *Connection for the same endpoint pair")
	}
	c1.Close()
}

func TestRegistryCountAndStats(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9001}
	_, _ = r.GetOrCreate("local:1", "remote:a", addr, true)
	_, _ = r.GetOrCreate("local:1", "remote:b", addr, true)

	if got := r.Count(); got != 2 {
		t.Fatalf("got count %d, want 2", got)
	}

	stats := r.Stats()
	if stats.ActiveConnections != 2 {
		t.Fatalf("got active connections %d, want 2", stats.ActiveConnections)
	}
	if stats.SendUnitsInFlight != 0 || stats.RecvUnitsInFlight != 0 || stats.TotalRetransmits != 0 {
		t.Fatalf("expected zeroed stats on idle connections, got %+v", stats)
	}
}

func TestRegistryEvictRemovesConnection(t *testing.T) {
	r := newTestRegistry(t)
	defer r.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9002}
	c, _ := r.GetOrCreate("local:1", "remote:evict", addr, true)

	r.evict(c.ID)

	if _, ok := r.Get(c.ID); ok {
		t.Fatal("expected connection to be gone after evict")
	}
	if got := r.Count(); got != 0 {
		t.Fatalf("got count %d, want 0 after evict", got)
	}
}

func TestRegistryWithConnectionLogDirWritesPerConnectionLog(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t).WithConnectionLogDir(dir)
	defer r.Close()

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9003}
	c, _ := r.GetOrCreate("local:1", "remote:logged", addr, true)

	logPath := filepath.Join(dir, itoa(c.ID)+".log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected connection log file at %s: %v", logPath, err)
	}

	// Registry-driven eviction removes the per-connection log file; a bare
	// Connection.Close() (no registry in the loop) does not, since cleanup
	// is the registry's responsibility, not the connection's.
	r.evict(c.ID)
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("expected connection log file to be removed after eviction, stat err: %v", err)
	}
}

func itoa(id uint64) string {
	return keyFor(id)
}

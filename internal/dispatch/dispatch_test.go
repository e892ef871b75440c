// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func newTestTable() *Table {
	return NewTable(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchReturningHandler(t *testing.T) {
	table := newTestTable()
	table.RegisterReturning(TagPing, func(connID uint64, body []byte) ([]byte, bool) {
		return []byte("pong"), true
	})

	resp, ok := table.Dispatch(1, EncodeTagged(TagPing, []byte("ping")))
	if !ok {
		t.Fatal("expected a response")
	}
	tag := Tag(uint16(resp[0])<<8 | uint16(resp[1]))
	if tag != TagPing {
		t.Fatalf("got tag %x, want %x", tag, TagPing)
	}
	if !bytes.Equal(resp[tagHeaderSize:], []byte("pong")) {
		t.Fatalf("got body %q, want %q", resp[tagHeaderSize:], "pong")
	}
}

func TestDispatchVoidHandler(t *testing.T) {
	table := newTestTable()
	var called bool
	table.RegisterVoid(TagTextMessage, func(connID uint64, body []byte) {
		called = true
	})

	_, hasResp := table.Dispatch(1, EncodeTagged(TagTextMessage, []byte("hi")))
	if hasResp {
		t.Fatal("void handler must not produce a response")
	}
	if !called {
		t.Fatal("void handler was not invoked")
	}
}

func TestDispatchUnknownTagDropped(t *testing.T) {
	table := newTestTable()
	_, ok := table.Dispatch(1, EncodeTagged(Tag(0xBEEF), []byte("?")))
	if ok {
		t.Fatal("unknown tag must not produce a response")
	}
}

func TestDispatchShortPayloadDropped(t *testing.T) {
	table := newTestTable()
	_, ok := table.Dispatch(1, []byte{0x01})
	if ok {
		t.Fatal("short payload must be dropped without response")
	}
}

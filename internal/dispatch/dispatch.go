// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dispatch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnknownProtocol is surfaced (and only logged) when a reassembled
// payload's tag has no registered handler (§7 "UnknownProtocol").
var ErrUnknownProtocol = errors.New("dispatch: unknown protocol tag")

// Tag identifies a reassembled payload's protocol kind (§3, §4.J): the
// first two bytes of every payload delivered by a ReceiveUnit.
type Tag uint16

// Reference protocol tags (§4.J lists these as examples, not an exhaustive
// enum — node operators may register additional tags).
const (
	TagPing          Tag = 0x0001
	TagHandshake     Tag = 0x0002
	TagTextMessage   Tag = 0x0003
	TagBlockQuery    Tag = 0x0010
	TagChainQuery    Tag = 0x0011
	TagTxSubmit      Tag = 0x0020
)

const tagHeaderSize = 2

// ReturningHandler produces an optional response payload, sent back via
// SendUnit on the same connection under a fresh dataId (§4.J).
type ReturningHandler func(connID uint64, body []byte) (response []byte, ok bool)

// VoidHandler performs an action with no response (§4.J).
type VoidHandler func(connID uint64, body []byte)

// handlerEntry is a tagged alternative between the two handler shapes,
// mirroring "protocol handlers polymorphic over return shape" (§9).
type handlerEntry struct {
	returning ReturningHandler
	void      VoidHandler
}

// Table is the immutable-at-runtime tag→handler registry (§4.J). Handlers
// must all be registered before the node starts serving traffic; there is
// no concurrent-safe mutation path by design, matching "the registry is
// immutable during runtime."
type Table struct {
	handlers map[Tag]handlerEntry
	logger   *slog.Logger
}

// NewTable constructs an empty dispatch table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{handlers: make(map[Tag]handlerEntry), logger: logger}
}

// RegisterReturning installs a returning handler for tag, replacing any
// handler already registered for it. The table takes no lock and does not
// detect a call made after serving has started, so registration is a
// startup-only operation.
func (t *Table) RegisterReturning(tag Tag, h ReturningHandler) {
	t.handlers[tag] = handlerEntry{returning: h}
}

// RegisterVoid installs a void handler for tag.
func (t *Table) RegisterVoid(tag Tag, h VoidHandler) {
	t.handlers[tag] = handlerEntry{void: h}
}

// Dispatch implements rdt.Dispatcher: it strips the tag header from payload,
// looks up the handler, and invokes it. An unknown tag is logged and
// dropped (§4.J, §7).
func (t *Table) Dispatch(connID uint64, payload []byte) ([]byte, bool) {
	if len(payload) < tagHeaderSize {
		t.logger.Debug("dropping payload shorter than tag header", "connection", connID, "len", len(payload))
		return nil, false
	}

	tag := Tag(binary.BigEndian.Uint16(payload[:tagHeaderSize]))
	body := payload[tagHeaderSize:]

	entry, ok := t.handlers[tag]
	if !ok {
		t.logger.Info("dropping unknown protocol tag", "connection", connID, "tag", fmt.Sprintf("0x%04x", uint16(tag)))
		return nil, false
	}

	if entry.returning != nil {
		resp, hasResp := entry.returning(connID, body)
		if !hasResp {
			return nil, false
		}
		return EncodeTagged(tag, resp), true
	}

	if entry.void != nil {
		entry.void(connID, body)
	}
	return nil, false
}

// EncodeTagged prepends tag to payload, producing a buffer suitable for
// sending as a fresh application payload.
func EncodeTagged(tag Tag, payload []byte) []byte {
	buf := make([]byte, tagHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[:tagHeaderSize], uint16(tag))
	copy(buf[tagHeaderSize:], payload)
	return buf
}

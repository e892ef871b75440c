// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nishisan-dev/solnode/internal/protocol"
)

// SendOutcome is the terminal state of a SendUnit.
type SendOutcome int

const (
	SendPending SendOutcome = iota
	SendSucceeded
	SendFailedTimeout
	SendFailedRetryExhausted
)

var (
	// ErrEmptyPayload is returned by NewSendUnit for a zero-length payload (§4.C.1).
	ErrEmptyPayload = errors.New("rdt: empty payload")
)

// SendResult is delivered exactly once on a SendUnit's completion channel.
type SendResult struct {
	Outcome  SendOutcome
	Sequence int32 // populated for SendFailedRetryExhausted
}

// frameState tracks one outbound DATA frame's retransmit bookkeeping.
type frameState struct {
	payload   []byte
	retryCount int
	timer     *Timer
}

// SendUnit is the per-dataId sender state machine (§3 "SendUnit", §4.C).
// Exactly one completion is ever delivered on Done.
type SendUnit struct {
	ConnectionID uint64
	DataID       uint64
	Total        int32

	params Params
	wheel  *TimerWheel
	sendFn func(f *protocol.Frame) error

	mu       sync.Mutex
	frames   []frameState
	acked    map[int32]struct{}
	done     bool
	deadline *Timer

	Done chan SendResult
}

// NewSendUnit fragments payload into ≤params.MaxFramePayload slices and
// constructs the per-frame send state, but does not dispatch anything —
// call Start.
func NewSendUnit(connectionID, dataID uint64, payload []byte, params Params, wheel *TimerWheel, sendFn func(f *protocol.Frame) error) (*SendUnit, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	maxFramePayload := params.MaxFramePayload
	total := (len(payload) + maxFramePayload - 1) / maxFramePayload
	su := &SendUnit{
		ConnectionID: connectionID,
		DataID:       dataID,
		Total:        int32(total),
		params:       params,
		wheel:        wheel,
		sendFn:       sendFn,
		frames:       make([]frameState, total),
		acked:        make(map[int32]struct{}, total),
		Done:         make(chan SendResult, 1),
	}

	for seq := 0; seq < total; seq++ {
		start := seq * maxFramePayload
		end := start + maxFramePayload
		if end > len(payload) {
			end = len(payload)
		}
		slice := make([]byte, end-start)
		copy(slice, payload[start:end])
		su.frames[seq] = frameState{payload: slice}
	}

	return su, nil
}

// Start dispatches all frames in batches of params.PublicBatchSize, arms the
// global deadline, and arms a per-frame retransmit timer for every frame sent.
func (su *SendUnit) Start() {
	su.mu.Lock()
	su.deadline = su.wheel.Schedule(su.params.GlobalTimeout, su.onGlobalTimeout)
	su.mu.Unlock()

	batchSize := su.params.PublicBatchSize
	for batchStart := 0; batchStart < int(su.Total); batchStart += batchSize {
		batchEnd := batchStart + batchSize
		if batchEnd > int(su.Total) {
			batchEnd = int(su.Total)
		}
		for seq := batchStart; seq < batchEnd; seq++ {
			su.sendFrame(int32(seq))
		}
	}
}

func (su *SendUnit) sendFrame(seq int32) {
	su.mu.Lock()
	if su.done {
		su.mu.Unlock()
		return
	}
	fs := &su.frames[seq]
	payload := fs.payload
	su.mu.Unlock()

	f := &protocol.Frame{
		ConnectionID: su.ConnectionID,
		DataID:       su.DataID,
		Total:        su.Total,
		Type:         protocol.FrameData,
		Sequence:     seq,
		Payload:      payload,
	}
	f.FrameTotalLength = int32(f.EncodedLen())
	_ = su.sendFn(f)

	su.mu.Lock()
	if !su.done {
		fs.timer = su.wheel.Schedule(su.params.RetransmitInterval, func() { su.onRetransmitTimeout(seq) })
	}
	su.mu.Unlock()
}

func (su *SendUnit) onRetransmitTimeout(seq int32) {
	su.mu.Lock()
	if su.done {
		su.mu.Unlock()
		return
	}
	if _, ok := su.acked[seq]; ok {
		su.mu.Unlock()
		return
	}
	fs := &su.frames[seq]
	if fs.retryCount >= su.params.MaxRetransmitTimes {
		su.mu.Unlock()
		su.fail(SendFailedRetryExhausted, seq)
		return
	}
	fs.retryCount++
	su.mu.Unlock()

	su.sendFrame(seq)
}

// OnACK marks seq acknowledged (set semantics — a repeat is a no-op) and
// cancels that frame's retransmit timer. When every sequence is acked, the
// SendUnit succeeds (§4.C.7).
func (su *SendUnit) OnACK(seq int32) {
	su.mu.Lock()
	if su.done || seq < 0 || seq >= su.Total {
		su.mu.Unlock()
		return
	}
	if _, already := su.acked[seq]; already {
		su.mu.Unlock()
		return
	}
	su.acked[seq] = struct{}{}
	if t := su.frames[seq].timer; t != nil {
		t.Cancel()
	}
	complete := len(su.acked) == int(su.Total)
	su.mu.Unlock()

	if complete {
		su.succeed()
	}
}

// OnImmediateRequest resends seq out of band without counting it against the
// per-frame retry budget (§4.C.8) — the request is remote-driven, not a
// local retransmit failure.
func (su *SendUnit) OnImmediateRequest(seq int32) {
	su.mu.Lock()
	if su.done || seq < 0 || seq >= su.Total {
		su.mu.Unlock()
		return
	}
	if _, already := su.acked[seq]; already {
		su.mu.Unlock()
		return
	}
	su.mu.Unlock()

	su.sendFrame(seq)
}

func (su *SendUnit) onGlobalTimeout() {
	su.fail(SendFailedTimeout, -1)
}

func (su *SendUnit) succeed() {
	if !su.markDone() {
		return
	}
	su.cancelAllTimers()
	su.Done <- SendResult{Outcome: SendSucceeded}
}

func (su *SendUnit) fail(outcome SendOutcome, seq int32) {
	if !su.markDone() {
		return
	}
	su.cancelAllTimers()
	su.Done <- SendResult{Outcome: outcome, Sequence: seq}
}

func (su *SendUnit) markDone() bool {
	su.mu.Lock()
	defer su.mu.Unlock()
	if su.done {
		return false
	}
	su.done = true
	return true
}

func (su *SendUnit) cancelAllTimers() {
	su.mu.Lock()
	defer su.mu.Unlock()
	if su.deadline != nil {
		su.deadline.Cancel()
	}
	for i := range su.frames {
		if su.frames[i].timer != nil {
			su.frames[i].timer.Cancel()
		}
	}
}

// RetransmitCount returns the total per-frame retransmit attempts made so
// far, for the registry's Stats() snapshot.
func (su *SendUnit) RetransmitCount() int {
	su.mu.Lock()
	defer su.mu.Unlock()
	total := 0
	for i := range su.frames {
		total += su.frames[i].retryCount
	}
	return total
}

// String aids log lines (e.g. connection-level diagnostics).
func (su *SendUnit) String() string {
	return fmt.Sprintf("SendUnit{conn=%d data=%d total=%d}", su.ConnectionID, su.DataID, su.Total)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"sync"

	"github.com/nishisan-dev/solnode/internal/protocol"
)

// ReceiveOutcome is the terminal state of a ReceiveUnit.
type ReceiveOutcome int

const (
	ReceivePending ReceiveOutcome = iota
	ReceiveCompleted
	ReceiveFailedTimeout
	ReceiveFailedNackExhausted
)

// ReceiveResult is delivered exactly once on a ReceiveUnit's completion channel.
type ReceiveResult struct {
	Outcome  ReceiveOutcome
	Sequence int32 // populated for ReceiveFailedNackExhausted
	Payload  []byte
}

// seqState tracks one inbound sequence's gap-request bookkeeping, in the
// style of server.GapTracker's firstSeen/notifiedGaps split — except here
// each sequence owns its own wheel timer rather than a poll loop.
type seqState struct {
	data         []byte
	received     bool
	requestCount int
	ackCount     int
	timer        *Timer
}

// ReceiveUnit is the per-dataId reassembler state machine (§3 "ReceiveUnit", §4.D).
type ReceiveUnit struct {
	ConnectionID uint64
	DataID       uint64
	Total        int32

	params   Params
	wheel    *TimerWheel
	sendFn   func(f *protocol.Frame) error

	mu           sync.Mutex
	seqs         []seqState
	receivedCount int
	done         bool
	deadline     *Timer

	Done chan ReceiveResult
}

// NewReceiveUnit allocates a ReceiveUnit sized from the first frame's total
// and arms the global deadline (§4.D.1).
func NewReceiveUnit(connectionID, dataID uint64, total int32, params Params, wheel *TimerWheel, sendFn func(f *protocol.Frame) error) *ReceiveUnit {
	ru := &ReceiveUnit{
		ConnectionID: connectionID,
		DataID:       dataID,
		Total:        total,
		params:       params,
		wheel:        wheel,
		sendFn:       sendFn,
		seqs:         make([]seqState, total),
		Done:         make(chan ReceiveResult, 1),
	}
	ru.deadline = wheel.Schedule(params.GlobalTimeout, ru.onGlobalTimeout)
	return ru
}

// OnData handles one inbound DATA frame for this dataId (§4.D.2-3,5).
func (ru *ReceiveUnit) OnData(sequence int32, payload []byte) {
	ru.mu.Lock()
	if ru.done {
		// A finished unit still acknowledges a duplicate of a sequence it
		// holds (capped like any other ACK), so the sender stops resending it.
		dup := sequence >= 0 && sequence < ru.Total && ru.seqs[sequence].received
		receivedCount := ru.receivedCount
		ru.mu.Unlock()
		if dup {
			ru.sendACKCapped(sequence, true, receivedCount)
		}
		return
	}

	if sequence < 0 || sequence >= ru.Total {
		ru.mu.Unlock()
		// Malformed for us, but the sender may be retransmitting a frame we
		// already consider out of range; ack it so the sender does not spin.
		ru.sendACK(sequence, true, 0, nil)
		return
	}

	st := &ru.seqs[sequence]
	if st.received {
		receivedCount := ru.receivedCount
		if st.timer != nil {
			st.timer.Cancel()
			st.timer = nil
		}
		ru.mu.Unlock()
		ru.sendACKCapped(sequence, true, receivedCount)
		return
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	st.data = data
	st.received = true
	ru.receivedCount++
	receivedCount := ru.receivedCount
	complete := ru.receivedCount == int(ru.Total)
	ru.mu.Unlock()

	ru.sendACKCapped(sequence, true, receivedCount)

	if complete {
		ru.complete()
		return
	}

	ru.scheduleGapRequests()
}

// scheduleGapRequests arms (or extends) a per-sequence immediate-request
// timer for every currently-missing sequence (§4.D.3).
func (ru *ReceiveUnit) scheduleGapRequests() {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	if ru.done {
		return
	}
	for seq := int32(0); seq < ru.Total; seq++ {
		st := &ru.seqs[seq]
		if st.received || st.timer != nil {
			continue
		}
		s := seq
		st.timer = ru.wheel.Schedule(ru.params.RetransmitInterval, func() { ru.onGapTimeout(s) })
	}
}

func (ru *ReceiveUnit) onGapTimeout(seq int32) {
	ru.mu.Lock()
	if ru.done {
		ru.mu.Unlock()
		return
	}
	st := &ru.seqs[seq]
	if st.received {
		ru.mu.Unlock()
		return
	}
	if st.requestCount >= ru.params.MaxRetransmitTimes {
		ru.mu.Unlock()
		ru.fail(ReceiveFailedNackExhausted, seq)
		return
	}
	st.requestCount++
	st.timer = ru.wheel.Schedule(ru.params.RetransmitInterval, func() { ru.onGapTimeout(seq) })
	ru.mu.Unlock()

	f := &protocol.Frame{
		ConnectionID: ru.ConnectionID,
		DataID:       ru.DataID,
		Total:        ru.Total,
		Type:         protocol.FrameImmediateRequest,
		Sequence:     seq,
		Payload:      protocol.EncodeImmediateRequestPayload(protocol.ImmediateRequestPayload{DataID: ru.DataID, Sequence: seq, RequestCount: st.requestCount}),
	}
	f.FrameTotalLength = int32(f.EncodedLen())
	_ = ru.sendFn(f)
}

// sendACKCapped enforces the MAX_RETRANSMIT_TIMES cap on ACK emissions per
// sequence (§4.D.4).
func (ru *ReceiveUnit) sendACKCapped(sequence int32, received bool, receivedCount int) {
	ru.mu.Lock()
	if sequence < 0 || sequence >= ru.Total {
		ru.mu.Unlock()
		ru.sendACK(sequence, received, receivedCount, nil)
		return
	}
	st := &ru.seqs[sequence]
	if st.ackCount >= ru.params.MaxRetransmitTimes {
		ru.mu.Unlock()
		return
	}
	st.ackCount++
	ru.mu.Unlock()

	ru.sendACK(sequence, received, receivedCount, nil)
}

func (ru *ReceiveUnit) sendACK(sequence int32, received bool, receivedCount int, batch []int32) {
	f := &protocol.Frame{
		ConnectionID: ru.ConnectionID,
		DataID:       ru.DataID,
		Total:        ru.Total,
		Type:         protocol.FrameACK,
		Sequence:     sequence,
		Payload: protocol.EncodeACKPayload(protocol.ACKPayload{
			DataID:        ru.DataID,
			Sequence:      sequence,
			Received:      received,
			ReceivedCount: int32(receivedCount),
			BatchSeq:      batch,
		}),
	}
	f.FrameTotalLength = int32(f.EncodedLen())
	_ = ru.sendFn(f)
}

func (ru *ReceiveUnit) onGlobalTimeout() {
	ru.fail(ReceiveFailedTimeout, -1)
}

func (ru *ReceiveUnit) complete() {
	if !ru.markDone() {
		return
	}

	ru.mu.Lock()
	buf := make([]byte, 0)
	for i := range ru.seqs {
		buf = append(buf, ru.seqs[i].data...)
	}
	ru.mu.Unlock()

	ru.cancelAllTimers()
	ru.Done <- ReceiveResult{Outcome: ReceiveCompleted, Payload: buf}
}

func (ru *ReceiveUnit) fail(outcome ReceiveOutcome, seq int32) {
	if !ru.markDone() {
		return
	}
	ru.cancelAllTimers()
	ru.Done <- ReceiveResult{Outcome: outcome, Sequence: seq}
}

func (ru *ReceiveUnit) markDone() bool {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	if ru.done {
		return false
	}
	ru.done = true
	return true
}

func (ru *ReceiveUnit) cancelAllTimers() {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	if ru.deadline != nil {
		ru.deadline.Cancel()
	}
	for i := range ru.seqs {
		if ru.seqs[i].timer != nil {
			ru.seqs[i].timer.Cancel()
		}
	}
}

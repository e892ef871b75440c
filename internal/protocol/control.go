// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
)

// ACKPayload is the payload carried by an ACK frame (§6):
// dataId:u64 | sequence:i32 | received:u8 | receivedCount:i32 | batchCount:i32 | batchSeq[batchCount]:i32
type ACKPayload struct {
	DataID        uint64
	Sequence      int32
	Received      bool
	ReceivedCount int32
	BatchSeq      []int32
}

// EncodeACKPayload serializes an ACKPayload for use as a Frame's Payload.
func EncodeACKPayload(p ACKPayload) []byte {
	buf := make([]byte, 8+4+1+4+4+4*len(p.BatchSeq))
	binary.BigEndian.PutUint64(buf[0:8], p.DataID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Sequence))
	if p.Received {
		buf[12] = 1
	}
	binary.BigEndian.PutUint32(buf[13:17], uint32(p.ReceivedCount))
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(p.BatchSeq)))
	off := 21
	for _, seq := range p.BatchSeq {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(seq))
		off += 4
	}
	return buf
}

// DecodeACKPayload parses an ACK frame's payload.
func DecodeACKPayload(buf []byte) (ACKPayload, error) {
	const fixedLen = 8 + 4 + 1 + 4 + 4
	if len(buf) < fixedLen {
		return ACKPayload{}, fmt.Errorf("%w: ack payload truncated", ErrMalformedFrame)
	}
	p := ACKPayload{
		DataID:        binary.BigEndian.Uint64(buf[0:8]),
		Sequence:      int32(binary.BigEndian.Uint32(buf[8:12])),
		Received:      buf[12] != 0,
		ReceivedCount: int32(binary.BigEndian.Uint32(buf[13:17])),
	}
	batchCount := int(binary.BigEndian.Uint32(buf[17:21]))
	if batchCount < 0 || fixedLen+4*batchCount != len(buf) {
		return ACKPayload{}, fmt.Errorf("%w: ack batch length mismatch", ErrMalformedFrame)
	}
	if batchCount > 0 {
		p.BatchSeq = make([]int32, batchCount)
		off := fixedLen
		for i := range p.BatchSeq {
			p.BatchSeq[i] = int32(binary.BigEndian.Uint32(buf[off : off+4]))
			off += 4
		}
	}
	return p, nil
}

// ImmediateRequestPayload is the payload of an IMMEDIATE_REQUEST frame (§6):
// dataId:u64 | sequence:i32 | requestCount:i32
type ImmediateRequestPayload struct {
	DataID       uint64
	Sequence     int32
	RequestCount int32
}

// EncodeImmediateRequestPayload serializes an ImmediateRequestPayload.
func EncodeImmediateRequestPayload(p ImmediateRequestPayload) []byte {
	buf := make([]byte, 8+4+4)
	binary.BigEndian.PutUint64(buf[0:8], p.DataID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Sequence))
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.RequestCount))
	return buf
}

// DecodeImmediateRequestPayload parses an IMMEDIATE_REQUEST frame's payload.
func DecodeImmediateRequestPayload(buf []byte) (ImmediateRequestPayload, error) {
	if len(buf) != 16 {
		return ImmediateRequestPayload{}, fmt.Errorf("%w: immediate-request payload length", ErrMalformedFrame)
	}
	return ImmediateRequestPayload{
		DataID:       binary.BigEndian.Uint64(buf[0:8]),
		Sequence:     int32(binary.BigEndian.Uint32(buf[8:12])),
		RequestCount: int32(binary.BigEndian.Uint32(buf[12:16])),
	}, nil
}

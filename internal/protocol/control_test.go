// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"reflect"
	"testing"
)

func TestACKPayloadRoundTrip(t *testing.T) {
	cases := []ACKPayload{
		{DataID: 1, Sequence: 0, Received: true, ReceivedCount: 1},
		{DataID: 99, Sequence: 5, Received: false, ReceivedCount: 0},
		{DataID: 7, Sequence: 3, Received: true, ReceivedCount: 4, BatchSeq: []int32{0, 1, 2, 3}},
	}

	for _, want := range cases {
		buf := EncodeACKPayload(want)
		got, err := DecodeACKPayload(buf)
		if err != nil {
			t.Fatalf("DecodeACKPayload: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeACKPayloadTruncated(t *testing.T) {
	if _, err := DecodeACKPayload([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on truncated ack payload")
	}
}

func TestImmediateRequestPayloadRoundTrip(t *testing.T) {
	want := ImmediateRequestPayload{DataID: 123, Sequence: 4, RequestCount: 2}
	buf := EncodeImmediateRequestPayload(want)
	got, err := DecodeImmediateRequestPayload(buf)
	if err != nil {
		t.Fatalf("DecodeImmediateRequestPayload: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

package buffers

import (
	"bytes"
	"fmt"
	"testing"
)

func TestRingWriteRead(t *testing.T) {
	ring, err := NewRingBuffer(make([]byte, 1024+RingTrailerLength))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ring.Write(int32(i+1), []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	var got []string
	n := ring.Read(func(msgType int32, payload []byte) {
		got = append(got, fmt.Sprintf("%d:%s", msgType, payload))
	}, 10)
	if n != 3 {
		t.Fatalf("read count: %d", n)
	}
	want := []string{"1:msg-0", "2:msg-1", "3:msg-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: want %q got %q", i, want[i], got[i])
		}
	}

	// Ring is drained.
	if n := ring.Read(func(int32, []byte) {}, 10); n != 0 {
		t.Fatalf("drained ring returned %d records", n)
	}
}

func TestRingWrapsWithPadding(t *testing.T) {
	ring, err := NewRingBuffer(make([]byte, 1024+RingTrailerLength))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}

	payload := make([]byte, 48) // 56-byte records, forcing wrap padding
	total := 0
	for round := 0; round < 20; round++ {
		for ring.Write(1, payload) == nil {
			total++
		}
		if n := ring.Read(func(_ int32, p []byte) {
			if len(p) != 48 {
				t.Fatalf("payload length %d", len(p))
			}
		}, 100); n == 0 {
			t.Fatalf("round %d: nothing to read", round)
		}
	}
	if total < 20 {
		t.Fatalf("too few writes succeeded: %d", total)
	}
}

func TestRingBackPressure(t *testing.T) {
	ring, err := NewRingBuffer(make([]byte, 1024+RingTrailerLength))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	payload := make([]byte, 56)
	for ring.Write(1, payload) == nil {
	}
	if err := ring.Write(1, payload); err != ErrRingFull {
		t.Fatalf("want ErrRingFull, got %v", err)
	}

	// Draining frees space.
	ring.Read(func(int32, []byte) {}, 100)
	if err := ring.Write(1, payload); err != nil {
		t.Fatalf("write after drain: %v", err)
	}
}

func TestRingCorrelationIDs(t *testing.T) {
	ring, err := NewRingBuffer(make([]byte, 256+RingTrailerLength))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	a := ring.NextCorrelationID()
	b := ring.NextCorrelationID()
	if b != a+1 {
		t.Fatalf("correlation ids not sequential: %d %d", a, b)
	}
}

func TestBroadcastTransmitReceive(t *testing.T) {
	region := make([]byte, 1024+BroadcastTrailerLength)
	tx, err := NewBroadcastTransmitter(region)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	rx, err := NewBroadcastReceiver(region)
	if err != nil {
		t.Fatalf("new rx: %v", err)
	}

	if _, _, ok := rx.ReceiveNext(); ok {
		t.Fatalf("empty channel should return nothing")
	}

	for i := 0; i < 5; i++ {
		if err := tx.Transmit(7, []byte{byte(i)}); err != nil {
			t.Fatalf("transmit: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		msgType, payload, ok := rx.ReceiveNext()
		if !ok {
			t.Fatalf("record %d missing", i)
		}
		if msgType != 7 || !bytes.Equal(payload, []byte{byte(i)}) {
			t.Fatalf("record %d: type=%d payload=%v", i, msgType, payload)
		}
	}
}

func TestBroadcastLapsSlowReceiver(t *testing.T) {
	region := make([]byte, 1024+BroadcastTrailerLength)
	tx, err := NewBroadcastTransmitter(region)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	rx, err := NewBroadcastReceiver(region)
	if err != nil {
		t.Fatalf("new rx: %v", err)
	}

	// Push far more than the capacity without the receiver keeping up.
	for i := 0; i < 50; i++ {
		if err := tx.Transmit(1, make([]byte, 40)); err != nil {
			t.Fatalf("transmit: %v", err)
		}
	}

	received := 0
	for {
		_, _, ok := rx.ReceiveNext()
		if !ok {
			break
		}
		received++
	}
	if rx.LappedCount() == 0 {
		t.Fatalf("receiver should have been lapped")
	}
	if received == 0 {
		t.Fatalf("receiver should still get the most recent records")
	}
}

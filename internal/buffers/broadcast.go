package buffers

import (
	"errors"
)

// Single-producer/many-consumer broadcast channel carrying driver-to-client
// events. Unlike the command ring there is no back-pressure: a slow
// receiver is lapped and must resynchronize, dropping what it missed.
//
// The transmitter publishes a tail-intent before mutating the buffer and
// the tail after, so a receiver can detect that a record it just copied
// may have been overwritten mid-read and discard it.
const (
	broadcastRecordHeaderLength int32 = 8
	broadcastRecordAlignment    int32 = 8

	// BroadcastTrailerLength is reserved past the data capacity.
	BroadcastTrailerLength int32 = 128

	broadcastPaddingMsgType int32 = -1
)

const (
	broadcastTailIntentOffset int32 = 0
	broadcastTailOffset       int32 = 8
	broadcastLatestOffset     int32 = 16
)

// BroadcastTransmitter is the driver-side writer.
type BroadcastTransmitter struct {
	buf      *AtomicBuffer
	capacity int32
	mask     int64
	maxMsg   int32
}

// NewBroadcastTransmitter lays a transmitter over region; the data
// capacity must be a power of two.
func NewBroadcastTransmitter(region []byte) (*BroadcastTransmitter, error) {
	capacity := int32(len(region)) - BroadcastTrailerLength
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, errors.New("broadcast capacity must be a power of two plus trailer")
	}
	return &BroadcastTransmitter{
		buf:      MakeAtomicBuffer(region),
		capacity: capacity,
		mask:     int64(capacity - 1),
		maxMsg:   capacity / 8,
	}, nil
}

// Transmit broadcasts one record. Never blocks; slow receivers lose.
func (t *BroadcastTransmitter) Transmit(msgType int32, payload []byte) error {
	recordLength := broadcastRecordHeaderLength + int32(len(payload))
	if recordLength > t.maxMsg {
		return ErrRecordTooLarge
	}
	aligned := (recordLength + broadcastRecordAlignment - 1) &^ (broadcastRecordAlignment - 1)

	tail := t.buf.GetInt64(t.capacity + broadcastTailOffset)
	recordIndex := int32(tail & t.mask)
	toEnd := t.capacity - recordIndex

	if aligned > toEnd {
		// Seal the remainder with padding and start at index zero.
		t.buf.PutInt64Ordered(t.capacity+broadcastTailIntentOffset, tail+int64(toEnd+aligned))
		t.buf.PutInt32(recordIndex+4, broadcastPaddingMsgType)
		t.buf.PutInt32(recordIndex, toEnd)
		tail += int64(toEnd)
		recordIndex = 0
	} else {
		t.buf.PutInt64Ordered(t.capacity+broadcastTailIntentOffset, tail+int64(aligned))
	}

	t.buf.PutInt32(recordIndex, recordLength)
	t.buf.PutInt32(recordIndex+4, msgType)
	t.buf.PutBytes(recordIndex+broadcastRecordHeaderLength, payload)
	t.buf.PutInt64(t.capacity+broadcastLatestOffset, tail)
	t.buf.PutInt64Ordered(t.capacity+broadcastTailOffset, tail+int64(aligned))
	return nil
}

// BroadcastReceiver is one client's cursor over the broadcast channel.
type BroadcastReceiver struct {
	buf      *AtomicBuffer
	capacity int32
	mask     int64
	cursor   int64
	lapped   int64
}

// NewBroadcastReceiver lays a receiver over the same region as the
// transmitter, starting at the current tail.
func NewBroadcastReceiver(region []byte) (*BroadcastReceiver, error) {
	capacity := int32(len(region)) - BroadcastTrailerLength
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, errors.New("broadcast capacity must be a power of two plus trailer")
	}
	r := &BroadcastReceiver{
		buf:      MakeAtomicBuffer(region),
		capacity: capacity,
		mask:     int64(capacity - 1),
	}
	r.cursor = r.buf.GetInt64Volatile(capacity + broadcastTailOffset)
	return r, nil
}

// LappedCount returns how many times this receiver lost its place.
func (r *BroadcastReceiver) LappedCount() int64 { return r.lapped }

// ReceiveNext copies the next record if one is available and still valid.
// Returns ok=false when caught up. A lapped receiver resynchronizes to the
// latest record and counts the lap.
func (r *BroadcastReceiver) ReceiveNext() (msgType int32, payload []byte, ok bool) {
	for {
		tail := r.buf.GetInt64Volatile(r.capacity + broadcastTailOffset)
		if r.cursor >= tail {
			return 0, nil, false
		}

		recordIndex := int32(r.cursor & r.mask)
		recordLength := r.buf.GetInt32(recordIndex)
		recordType := r.buf.GetInt32(recordIndex + 4)
		aligned := (recordLength + broadcastRecordAlignment - 1) &^ (broadcastRecordAlignment - 1)

		var copied []byte
		if recordType != broadcastPaddingMsgType {
			copied = r.buf.GetBytes(recordIndex+broadcastRecordHeaderLength, recordLength-broadcastRecordHeaderLength)
		}

		// A transmit may have overwritten the record while we copied it.
		tailIntent := r.buf.GetInt64Volatile(r.capacity + broadcastTailIntentOffset)
		if tailIntent-r.cursor > int64(r.capacity) {
			r.lapped++
			r.cursor = r.buf.GetInt64(r.capacity + broadcastLatestOffset)
			continue
		}

		r.cursor += int64(aligned)
		if recordType == broadcastPaddingMsgType {
			continue
		}
		return recordType, copied, true
	}
}

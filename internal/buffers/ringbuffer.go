package buffers

import (
	"errors"
)

// Many-producer/single-consumer ring buffer carrying the client-to-driver
// command stream. Framing mirrors the log buffer: a record is an 8-byte
// header (length i32, type i32) plus payload, aligned to 8 bytes, and the
// length word is release-stored last so the consumer sees whole records.
//
// The trailer region past the capacity holds the tail, the consumer head,
// a producer-cached head, and the correlation id counter.
const (
	ringRecordHeaderLength int32 = 8
	ringRecordAlignment    int32 = 8

	// RingTrailerLength is reserved past the data capacity.
	RingTrailerLength int32 = 128

	ringPaddingMsgType int32 = -1
)

// Trailer offsets relative to capacity.
const (
	ringTailOffset      int32 = 0
	ringHeadCacheOffset int32 = 8
	ringHeadOffset      int32 = 16
	ringCorrelationOffset int32 = 24
	ringConsumerHeartbeatOffset int32 = 32
)

// ErrRingFull reports insufficient space for a record.
var ErrRingFull = errors.New("ring buffer full")

// ErrRecordTooLarge reports a record larger than the ring can ever carry.
var ErrRecordTooLarge = errors.New("record exceeds ring capacity")

// RingBuffer is the many-producer/single-consumer command ring.
type RingBuffer struct {
	buf      *AtomicBuffer
	capacity int32
	mask     int64
	maxMsg   int32
}

// NewRingBuffer lays a RingBuffer over region; the data capacity is the
// region length minus the trailer and must be a power of two.
func NewRingBuffer(region []byte) (*RingBuffer, error) {
	capacity := int32(len(region)) - RingTrailerLength
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, errors.New("ring capacity must be a power of two plus trailer")
	}
	return &RingBuffer{
		buf:      MakeAtomicBuffer(region),
		capacity: capacity,
		mask:     int64(capacity - 1),
		maxMsg:   capacity / 8,
	}, nil
}

// Capacity returns the data capacity.
func (r *RingBuffer) Capacity() int32 { return r.capacity }

func (r *RingBuffer) tailOffset() int32 { return r.capacity + ringTailOffset }
func (r *RingBuffer) headOffset() int32 { return r.capacity + ringHeadOffset }
func (r *RingBuffer) headCacheOffset() int32 {
	return r.capacity + ringHeadCacheOffset
}

// NextCorrelationID issues a unique command correlation id.
func (r *RingBuffer) NextCorrelationID() int64 {
	return r.buf.GetAndAddInt64(r.capacity+ringCorrelationOffset, 1)
}

// ConsumerHeartbeatTime returns the consumer's last heartbeat in epoch ms.
func (r *RingBuffer) ConsumerHeartbeatTime() int64 {
	return r.buf.GetInt64Volatile(r.capacity + ringConsumerHeartbeatOffset)
}

// UpdateConsumerHeartbeatTime is called by the consumer each duty cycle.
func (r *RingBuffer) UpdateConsumerHeartbeatTime(nowMs int64) {
	r.buf.PutInt64Ordered(r.capacity+ringConsumerHeartbeatOffset, nowMs)
}

// Write appends a record of msgType with payload. Fails with ErrRingFull
// under back-pressure so the producer can retry.
func (r *RingBuffer) Write(msgType int32, payload []byte) error {
	recordLength := ringRecordHeaderLength + int32(len(payload))
	if recordLength > r.maxMsg {
		return ErrRecordTooLarge
	}
	aligned := (recordLength + ringRecordAlignment - 1) &^ (ringRecordAlignment - 1)

	recordIndex, err := r.claim(aligned)
	if err != nil {
		return err
	}

	r.buf.PutInt32(recordIndex+4, msgType)
	r.buf.PutBytes(recordIndex+ringRecordHeaderLength, payload)
	r.buf.PutInt32Ordered(recordIndex, recordLength)
	return nil
}

// claim reserves aligned bytes, inserting a padding record when the claim
// would wrap the end of the ring.
func (r *RingBuffer) claim(aligned int32) (int32, error) {
	head := r.buf.GetInt64Volatile(r.headCacheOffset())
	for {
		tail := r.buf.GetInt64Volatile(r.tailOffset())
		available := int64(r.capacity) - (tail - head)
		if available < int64(aligned) {
			head = r.buf.GetInt64Volatile(r.headOffset())
			if int64(r.capacity)-(tail-head) < int64(aligned) {
				return 0, ErrRingFull
			}
			r.buf.PutInt64Ordered(r.headCacheOffset(), head)
		}

		tailIndex := int32(tail & r.mask)
		toEnd := r.capacity - tailIndex
		padding := int32(0)
		if aligned > toEnd {
			// Wrap: the tail remainder becomes one padding record and the
			// record itself lands at index zero, which must be clear of the
			// consumer.
			headIndex := int32(head & r.mask)
			if aligned > headIndex {
				head = r.buf.GetInt64Volatile(r.headOffset())
				headIndex = int32(head & r.mask)
				if aligned > headIndex || tail-head+int64(toEnd+aligned) > int64(r.capacity) {
					return 0, ErrRingFull
				}
				r.buf.PutInt64Ordered(r.headCacheOffset(), head)
			}
			padding = toEnd
		}

		if r.buf.CompareAndSetInt64(r.tailOffset(), tail, tail+int64(aligned+padding)) {
			if padding > 0 {
				r.buf.PutInt32(tailIndex+4, ringPaddingMsgType)
				r.buf.PutInt32Ordered(tailIndex, padding)
				return 0, nil
			}
			return tailIndex, nil
		}
	}
}

// Read consumes up to limit records, invoking handler per record. Returns
// the number of records consumed.
func (r *RingBuffer) Read(handler func(msgType int32, payload []byte), limit int) int {
	head := r.buf.GetInt64Volatile(r.headOffset())
	consumed := 0
	bytesRead := int32(0)

	for consumed < limit {
		headIndex := int32((head + int64(bytesRead)) & r.mask)
		recordLength := r.buf.GetInt32Volatile(headIndex)
		if recordLength <= 0 {
			break
		}
		msgType := r.buf.GetInt32(headIndex + 4)
		aligned := (recordLength + ringRecordAlignment - 1) &^ (ringRecordAlignment - 1)

		if msgType != ringPaddingMsgType {
			payload := r.buf.GetBytes(headIndex+ringRecordHeaderLength, recordLength-ringRecordHeaderLength)
			handler(msgType, payload)
			consumed++
		}
		// Zero the consumed region so producers always find zeroed headers.
		r.buf.SetMemory(headIndex, aligned, 0)
		bytesRead += aligned
	}

	if bytesRead > 0 {
		r.buf.PutInt64Ordered(r.headOffset(), head+int64(bytesRead))
	}
	return consumed
}

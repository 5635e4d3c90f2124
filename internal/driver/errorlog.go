package driver

import (
	"github.com/rzbill/beam/internal/buffers"
)

// DistinctErrorLog records driver errors in a shared-memory region,
// deduplicating repeats of the same message into one entry with an
// observation count. External tools read the region without coordination:
// the entry length is release-stored last on creation, and the
// observation count is release-stored on update.
//
// Entry layout: length i32, observationCount i32, lastMs i64, firstMs i64,
// message bytes, aligned to 8.
type DistinctErrorLog struct {
	buf    *buffers.AtomicBuffer
	offset int32
	seen   map[string]int32
	clock  EpochClock
}

// EpochClock returns wall time in milliseconds.
type EpochClock func() int64

const errorEntryHeaderLength int32 = 24

// NewDistinctErrorLog lays a writer over region.
func NewDistinctErrorLog(region []byte, clock EpochClock) *DistinctErrorLog {
	return &DistinctErrorLog{
		buf:   buffers.MakeAtomicBuffer(region),
		seen:  map[string]int32{},
		clock: clock,
	}
}

// Record logs one error occurrence. Returns false when the region is full
// and the error was not a repeat.
func (l *DistinctErrorLog) Record(err error) bool {
	message := err.Error()
	nowMs := l.clock()

	if offset, ok := l.seen[message]; ok {
		l.buf.PutInt64(offset+8, nowMs)
		l.buf.PutInt32Ordered(offset+4, l.buf.GetInt32(offset+4)+1)
		return true
	}

	length := errorEntryHeaderLength + int32(len(message))
	aligned := (length + 7) &^ 7
	if l.offset+aligned > l.buf.Capacity() {
		return false
	}

	offset := l.offset
	l.buf.PutInt32(offset+4, 1)
	l.buf.PutInt64(offset+8, nowMs)
	l.buf.PutInt64(offset+16, nowMs)
	l.buf.PutBytes(offset+errorEntryHeaderLength, []byte(message))
	l.offset += aligned
	l.seen[message] = offset
	l.buf.PutInt32Ordered(offset, length)
	return true
}

// ErrorObservation is one decoded error log entry.
type ErrorObservation struct {
	ObservationCount int32
	FirstMs          int64
	LastMs           int64
	Message          string
}

// ReadErrorLog walks entries in region, invoking fn per distinct error.
func ReadErrorLog(region []byte, fn func(ErrorObservation)) int {
	buf := buffers.MakeAtomicBuffer(region)
	offset := int32(0)
	count := 0
	for offset+errorEntryHeaderLength < buf.Capacity() {
		length := buf.GetInt32Volatile(offset)
		if length <= 0 {
			break
		}
		fn(ErrorObservation{
			ObservationCount: buf.GetInt32(offset + 4),
			LastMs:           buf.GetInt64(offset + 8),
			FirstMs:          buf.GetInt64(offset + 16),
			Message:          string(buf.GetBytes(offset+errorEntryHeaderLength, length-errorEntryHeaderLength)),
		})
		count++
		offset += (length + 7) &^ 7
	}
	return count
}

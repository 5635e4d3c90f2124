package driver

import (
	"github.com/rzbill/beam/internal/buffers"
)

// LossReport is an append-only shared-memory record of observed stream
// loss, one entry per (session, stream, channel, source). Repeat
// observations update the existing entry; external tools read the region
// without coordination, so the observation count is release-stored after
// the other fields, both on creation and on update.
//
// Entry layout: observationCount i64, totalBytesLost i64, firstMs i64,
// lastMs i64, sessionId i32, streamId i32, channelLen i32, channel,
// sourceLen i32, source, aligned to 8.
type LossReport struct {
	buf    *buffers.AtomicBuffer
	offset int32
}

const lossEntryHeaderLength int32 = 40

// NewLossReport lays a writer over region.
func NewLossReport(region []byte) *LossReport {
	return &LossReport{buf: buffers.MakeAtomicBuffer(region)}
}

type lossEntry struct {
	offset int32
}

// CreateEntry appends a new observation entry; returns ok=false when the
// region is full.
func (r *LossReport) CreateEntry(bytesLost int64, nowMs int64, sessionID, streamID int32, channelName, source string) (lossEntry, bool) {
	required := lossEntryHeaderLength + 4 + int32(len(channelName)) + 4 + int32(len(source))
	required = (required + 7) &^ 7
	if r.offset+required > r.buf.Capacity() {
		return lossEntry{}, false
	}

	offset := r.offset
	r.buf.PutInt64(offset+8, bytesLost)
	r.buf.PutInt64(offset+16, nowMs)
	r.buf.PutInt64(offset+24, nowMs)
	r.buf.PutInt32(offset+32, sessionID)
	r.buf.PutInt32(offset+36, streamID)
	cursor := offset + lossEntryHeaderLength
	r.buf.PutInt32(cursor, int32(len(channelName)))
	r.buf.PutBytes(cursor+4, []byte(channelName))
	cursor += 4 + int32(len(channelName))
	r.buf.PutInt32(cursor, int32(len(source)))
	r.buf.PutBytes(cursor+4, []byte(source))

	r.offset += required
	r.buf.PutInt64Ordered(offset, 1)
	return lossEntry{offset: offset}, true
}

// RecordObservation folds another loss observation into an entry.
func (r *LossReport) RecordObservation(e lossEntry, bytesLost int64, nowMs int64) {
	count := r.buf.GetInt64(e.offset) + 1
	r.buf.PutInt64(e.offset+8, r.buf.GetInt64(e.offset+8)+bytesLost)
	r.buf.PutInt64(e.offset+24, nowMs)
	r.buf.PutInt64Ordered(e.offset, count)
}

// ObservationCount reads an entry's observation count.
func (r *LossReport) ObservationCount(e lossEntry) int64 {
	return r.buf.GetInt64Volatile(e.offset)
}

// LossObservation is one decoded loss report entry.
type LossObservation struct {
	ObservationCount int64
	TotalBytesLost   int64
	FirstMs          int64
	LastMs           int64
	SessionID        int32
	StreamID         int32
	Channel          string
	Source           string
}

// ReadLossReport walks the entries in region, invoking fn per entry.
// Returns the number of entries read. Safe against a concurrently
// appending driver: reading stops at the first unpublished entry.
func ReadLossReport(region []byte, fn func(LossObservation)) int {
	buf := buffers.MakeAtomicBuffer(region)
	offset := int32(0)
	count := 0
	for offset+lossEntryHeaderLength < buf.Capacity() {
		observations := buf.GetInt64Volatile(offset)
		if observations == 0 {
			break
		}
		cursor := offset + lossEntryHeaderLength
		channelLen := buf.GetInt32(cursor)
		channelName := string(buf.GetBytes(cursor+4, channelLen))
		cursor += 4 + channelLen
		sourceLen := buf.GetInt32(cursor)
		source := string(buf.GetBytes(cursor+4, sourceLen))
		cursor += 4 + sourceLen

		fn(LossObservation{
			ObservationCount: observations,
			TotalBytesLost:   buf.GetInt64(offset + 8),
			FirstMs:          buf.GetInt64(offset + 16),
			LastMs:           buf.GetInt64(offset + 24),
			SessionID:        buf.GetInt32(offset + 32),
			StreamID:         buf.GetInt32(offset + 36),
			Channel:          channelName,
			Source:           source,
		})
		count++
		offset = (cursor + 7) &^ 7
	}
	return count
}

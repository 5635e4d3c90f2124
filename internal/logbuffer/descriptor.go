package logbuffer

import (
	"fmt"

	"github.com/rzbill/beam/internal/buffers"
)

// PartitionCount is the number of term buffers in a log.
const PartitionCount int32 = 3

// Term buffer length bounds. Both bounds and every accepted length are
// powers of two.
const (
	TermMinLength int32 = 64 * 1024
	TermMaxLength int32 = 1 << 30
)

// Page size bounds for mapped files.
const (
	PageMinSize int32 = 4 * 1024
	PageMaxSize int32 = 1 << 30
)

// LogMetaDataLength is the length of the metadata section of a log buffer.
const LogMetaDataLength int32 = 4 * 1024

// MaxUDPPayloadLength bounds the mtu for network channels.
const MaxUDPPayloadLength int32 = 65504

// Metadata section field offsets. Tail counters first, hot fields spaced
// onto their own cache lines.
const (
	tailCounter0Offset        int32 = 0
	activeTermCountOffset     int32 = 24
	endOfStreamPositionOffset int32 = 64
	isConnectedOffset         int32 = 72
	activeTransportCountOffset int32 = 76
	revokedOffset             int32 = 80
	correlationIDOffset       int32 = 128
	initialTermIDOffset       int32 = 136
	mtuLengthOffset           int32 = 140
	termLengthOffset          int32 = 144
	pageSizeOffset            int32 = 148
)

// CheckTermLength validates a term buffer length.
func CheckTermLength(termLength int32) error {
	if termLength < TermMinLength || termLength > TermMaxLength {
		return fmt.Errorf("term length %d outside [%d, %d]", termLength, TermMinLength, TermMaxLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("term length %d not a power of two", termLength)
	}
	return nil
}

// CheckPageSize validates a file page size.
func CheckPageSize(pageSize int32) error {
	if pageSize < PageMinSize || pageSize > PageMaxSize {
		return fmt.Errorf("page size %d outside [%d, %d]", pageSize, PageMinSize, PageMaxSize)
	}
	if pageSize&(pageSize-1) != 0 {
		return fmt.Errorf("page size %d not a power of two", pageSize)
	}
	return nil
}

// ComputeLogLength returns the total file length for a log buffer.
func ComputeLogLength(termLength, filePageSize int32) int64 {
	return int64(termLength)*int64(PartitionCount) + int64(Align(LogMetaDataLength, filePageSize))
}

// ComputeMaxMessageLength returns the largest message a term can carry.
func ComputeMaxMessageLength(termLength int32) int32 {
	max := termLength / 8
	if max > 16*1024*1024 {
		max = 16 * 1024 * 1024
	}
	return max
}

// PackRawTail packs a (termId, termOffset) pair into a rawTail word.
func PackRawTail(termID, termOffset int32) int64 {
	return int64(termID)<<32 | int64(uint32(termOffset))
}

// RawTailTermID extracts the term id from a rawTail word.
func RawTailTermID(rawTail int64) int32 {
	return int32(rawTail >> 32)
}

// RawTailTermOffset extracts the term offset from a rawTail word, capped at
// termLength once the term is sealed by an overflowing claim.
func RawTailTermOffset(rawTail int64, termLength int32) int32 {
	offset := rawTail & 0xFFFFFFFF
	if offset > int64(termLength) {
		return termLength
	}
	return int32(offset)
}

// MetaData wraps the metadata section of a log buffer.
type MetaData struct {
	buf *buffers.AtomicBuffer
}

func tailCounterOffset(partitionIndex int32) int32 {
	return tailCounter0Offset + partitionIndex*8
}

// RawTailVolatile loads a partition's rawTail with acquire ordering.
func (m *MetaData) RawTailVolatile(partitionIndex int32) int64 {
	return m.buf.GetInt64Volatile(tailCounterOffset(partitionIndex))
}

// CasRawTail swaps a partition's rawTail if it still equals expected.
func (m *MetaData) CasRawTail(partitionIndex int32, expected, updated int64) bool {
	return m.buf.CompareAndSetInt64(tailCounterOffset(partitionIndex), expected, updated)
}

// GetAndAddRawTail reserves length bytes on a partition's rawTail.
func (m *MetaData) GetAndAddRawTail(partitionIndex int32, length int32) int64 {
	return m.buf.GetAndAddInt64(tailCounterOffset(partitionIndex), int64(length))
}

// SetRawTail writes a partition's rawTail with plain ordering; only used
// before the log is published.
func (m *MetaData) SetRawTail(partitionIndex int32, rawTail int64) {
	m.buf.PutInt64(tailCounterOffset(partitionIndex), rawTail)
}

// ActiveTermCount loads the active term count with acquire ordering.
func (m *MetaData) ActiveTermCount() int32 {
	return m.buf.GetInt32Volatile(activeTermCountOffset)
}

// CasActiveTermCount advances the active term count if it still equals
// expected.
func (m *MetaData) CasActiveTermCount(expected, updated int32) bool {
	return m.buf.CompareAndSetInt32(activeTermCountOffset, expected, updated)
}

// EndOfStreamPosition loads the end-of-stream position with acquire
// ordering.
func (m *MetaData) EndOfStreamPosition() int64 {
	return m.buf.GetInt64Volatile(endOfStreamPositionOffset)
}

// SetEndOfStreamPosition release-stores the end-of-stream position.
func (m *MetaData) SetEndOfStreamPosition(position int64) {
	m.buf.PutInt64Ordered(endOfStreamPositionOffset, position)
}

// IsConnected reports whether the publication has any consumer.
func (m *MetaData) IsConnected() bool {
	return m.buf.GetInt32Volatile(isConnectedOffset) == 1
}

// SetIsConnected release-stores the connected flag.
func (m *MetaData) SetIsConnected(connected bool) {
	v := int32(0)
	if connected {
		v = 1
	}
	m.buf.PutInt32Ordered(isConnectedOffset, v)
}

// ActiveTransportCount loads the number of live transports feeding an image.
func (m *MetaData) ActiveTransportCount() int32 {
	return m.buf.GetInt32Volatile(activeTransportCountOffset)
}

// SetActiveTransportCount release-stores the active transport count.
func (m *MetaData) SetActiveTransportCount(count int32) {
	m.buf.PutInt32Ordered(activeTransportCountOffset, count)
}

// IsRevoked reports whether the producer has revoked the publication.
func (m *MetaData) IsRevoked() bool {
	return m.buf.GetInt32Volatile(revokedOffset) == 1
}

// SetRevoked release-stores the revocation flag.
func (m *MetaData) SetRevoked() {
	m.buf.PutInt32Ordered(revokedOffset, 1)
}

// CorrelationID returns the registration/correlation id of the owner.
func (m *MetaData) CorrelationID() int64 { return m.buf.GetInt64(correlationIDOffset) }

// InitialTermID returns the initial term id of the stream.
func (m *MetaData) InitialTermID() int32 { return m.buf.GetInt32(initialTermIDOffset) }

// MTULength returns the stream's mtu.
func (m *MetaData) MTULength() int32 { return m.buf.GetInt32(mtuLengthOffset) }

// TermLength returns the term buffer length.
func (m *MetaData) TermLength() int32 { return m.buf.GetInt32(termLengthOffset) }

// PageSize returns the file page size the log was created with.
func (m *MetaData) PageSize() int32 { return m.buf.GetInt32(pageSizeOffset) }

// Init writes the immutable metadata fields and seeds the tail counters so
// the first claim lands on (initialTermId, 0).
func (m *MetaData) Init(correlationID int64, initialTermID, termLength, mtuLength, pageSize int32) {
	m.buf.PutInt64(correlationIDOffset, correlationID)
	m.buf.PutInt32(initialTermIDOffset, initialTermID)
	m.buf.PutInt32(termLengthOffset, termLength)
	m.buf.PutInt32(mtuLengthOffset, mtuLength)
	m.buf.PutInt32(pageSizeOffset, pageSize)
	m.buf.PutInt64(endOfStreamPositionOffset, int64(^uint64(0)>>1))
	m.SetRawTail(0, PackRawTail(initialTermID, 0))
	for i := int32(1); i < PartitionCount; i++ {
		m.SetRawTail(i, PackRawTail(initialTermID+i-PartitionCount, 0))
	}
}

// RotateLog seeds the next partition for (termId + 1) and advances the
// active term count. Safe to race between producer and conductor; the CAS
// pair makes the rotation idempotent.
func (m *MetaData) RotateLog(currentTermCount, currentTermID int32) bool {
	nextTermID := currentTermID + 1
	termCount := currentTermCount + 1
	nextIndex := IndexByTermCount(termCount)
	expectedTermID := nextTermID - PartitionCount
	newRawTail := PackRawTail(nextTermID, 0)
	for {
		rawTail := m.RawTailVolatile(nextIndex)
		if expectedTermID != RawTailTermID(rawTail) {
			break
		}
		if m.CasRawTail(nextIndex, rawTail, newRawTail) {
			break
		}
	}
	return m.CasActiveTermCount(currentTermCount, termCount)
}

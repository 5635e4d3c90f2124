package logbuffer

import (
	"github.com/rzbill/beam/internal/buffers"
)

// LogBuffer aggregates the three term partitions and the metadata section
// of one stream's log. The backing region is either an anonymous slice
// (IPC and tests) or a memory-mapped file shared with client processes.
type LogBuffer struct {
	terms      [PartitionCount]*buffers.AtomicBuffer
	meta       MetaData
	termLength int32
	freeHook   func() error
}

// NewLogBuffer lays a LogBuffer over region, which must be sized
// ComputeLogLength(termLength, pageSize) with the metadata section last.
func NewLogBuffer(region []byte, termLength int32) *LogBuffer {
	lb := &LogBuffer{termLength: termLength}
	whole := buffers.MakeAtomicBuffer(region)
	for i := int32(0); i < PartitionCount; i++ {
		lb.terms[i] = whole.Slice(i*termLength, termLength)
	}
	metaLength := int32(len(region)) - PartitionCount*termLength
	lb.meta = MetaData{buf: whole.Slice(PartitionCount*termLength, metaLength)}
	return lb
}

// AllocateLogBuffer builds an in-process LogBuffer and initialises its
// metadata. Used for IPC publications and tests; network logs come off
// mapped files.
func AllocateLogBuffer(correlationID int64, initialTermID, termLength, mtuLength int32) (*LogBuffer, error) {
	if err := CheckTermLength(termLength); err != nil {
		return nil, err
	}
	region := make([]byte, ComputeLogLength(termLength, PageMinSize))
	lb := NewLogBuffer(region, termLength)
	lb.meta.Init(correlationID, initialTermID, termLength, mtuLength, PageMinSize)
	return lb, nil
}

// Term returns the term buffer for a partition index.
func (lb *LogBuffer) Term(partitionIndex int32) *buffers.AtomicBuffer {
	return lb.terms[partitionIndex]
}

// Meta returns the metadata accessor.
func (lb *LogBuffer) Meta() *MetaData { return &lb.meta }

// TermLength returns the term buffer length.
func (lb *LogBuffer) TermLength() int32 { return lb.termLength }

// OnFree registers a hook invoked by Free; the mapping owner uses it to
// unmap and delete the backing file.
func (lb *LogBuffer) OnFree(hook func() error) { lb.freeHook = hook }

// Free releases the backing storage once the owning publication or image
// reaches end of life.
func (lb *LogBuffer) Free() error {
	if lb.freeHook != nil {
		return lb.freeHook()
	}
	return nil
}

// ProducerPosition derives the producer position from the active
// partition's rawTail.
func (lb *LogBuffer) ProducerPosition() int64 {
	termCount := lb.meta.ActiveTermCount()
	rawTail := lb.meta.RawTailVolatile(IndexByTermCount(termCount))
	termOffset := RawTailTermOffset(rawTail, lb.termLength)
	bits := PositionBitsToShift(lb.termLength)
	return ComputePosition(RawTailTermID(rawTail), termOffset, bits, lb.meta.InitialTermID())
}

// CleanTo zeroes term bytes in (cleanPosition, position], writing the first
// eight bytes of each frame slot last with release ordering so a concurrent
// reader never observes a partially-zeroed header ahead of the body.
// Returns the new clean position.
func (lb *LogBuffer) CleanTo(cleanPosition, position int64) int64 {
	bits := PositionBitsToShift(lb.termLength)
	for cleanPosition < position {
		termIndex := IndexByPosition(cleanPosition, bits)
		termOffset := ComputeTermOffsetFromPosition(cleanPosition, bits)
		chunk := lb.termLength - termOffset
		if remaining := position - cleanPosition; int64(chunk) > remaining {
			chunk = int32(remaining)
		}
		term := lb.terms[termIndex]
		if chunk > 8 {
			term.SetMemory(termOffset+8, chunk-8, 0)
		}
		term.PutInt64Ordered(termOffset, 0)
		cleanPosition += int64(chunk)
	}
	return cleanPosition
}

package logbuffer

import "math/bits"

// PositionBitsToShift returns log2(termBufferLength).
func PositionBitsToShift(termBufferLength int32) int32 {
	return int32(bits.TrailingZeros32(uint32(termBufferLength)))
}

// ComputePosition computes the stream position for a (termId, termOffset)
// pair. The termId delta is taken in 32-bit space before widening so the
// arithmetic survives term id wrap.
func ComputePosition(termID, termOffset, positionBitsToShift, initialTermID int32) int64 {
	termCount := int64(termID - initialTermID)
	return (termCount << uint(positionBitsToShift)) + int64(termOffset)
}

// ComputeTermBeginPosition computes the position of the first byte of a term.
func ComputeTermBeginPosition(termID, positionBitsToShift, initialTermID int32) int64 {
	return ComputePosition(termID, 0, positionBitsToShift, initialTermID)
}

// ComputeTermIDFromPosition recovers the term id holding position.
func ComputeTermIDFromPosition(position int64, positionBitsToShift, initialTermID int32) int32 {
	return int32(position>>uint(positionBitsToShift)) + initialTermID
}

// ComputeTermOffsetFromPosition recovers the offset within the term holding
// position.
func ComputeTermOffsetFromPosition(position int64, positionBitsToShift int32) int32 {
	mask := (int64(1) << uint(positionBitsToShift)) - 1
	return int32(position & mask)
}

// IndexByTerm returns the partition index for termId.
func IndexByTerm(initialTermID, termID int32) int32 {
	return ((termID - initialTermID) % PartitionCount + PartitionCount) % PartitionCount
}

// IndexByTermCount returns the partition index for a term count.
func IndexByTermCount(termCount int32) int32 {
	return (termCount%PartitionCount + PartitionCount) % PartitionCount
}

// IndexByPosition returns the partition index for a stream position.
func IndexByPosition(position int64, positionBitsToShift int32) int32 {
	return int32(uint64(position) >> uint(positionBitsToShift) % uint64(PartitionCount))
}

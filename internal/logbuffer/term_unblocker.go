package logbuffer

// Unblock recovers a stream stalled by a producer that claimed a frame and
// never committed it. If the frame at blockedPosition still has a zero
// length while the tail has moved on, the gap up to the next committed
// frame (or the tail, or the end of the term if the log has rotated) is
// sealed with a padding frame. Returns true when a padding frame was
// written.
func (lb *LogBuffer) Unblock(blockedPosition int64, sessionID, streamID int32) bool {
	bits := PositionBitsToShift(lb.termLength)
	index := IndexByPosition(blockedPosition, bits)
	termOffset := ComputeTermOffsetFromPosition(blockedPosition, bits)
	term := lb.terms[index]

	if FrameLengthVolatile(term, termOffset) != 0 {
		return false
	}

	expectedTermID := ComputeTermIDFromPosition(blockedPosition, bits, lb.meta.InitialTermID())
	rawTail := lb.meta.RawTailVolatile(index)

	var limit int32
	if RawTailTermID(rawTail) != expectedTermID {
		// The log rotated past this term; everything to the term end is
		// abandoned.
		limit = lb.termLength
	} else {
		limit = RawTailTermOffset(rawTail, lb.termLength)
	}
	if limit <= termOffset {
		return false
	}

	// Find the first committed frame after the blocked one; the pad covers
	// everything before it.
	padEnd := termOffset + FrameAlignment
	for padEnd < limit && FrameLengthVolatile(term, padEnd) == 0 {
		padEnd += FrameAlignment
	}
	if padEnd > limit {
		padEnd = limit
	}

	writeHeader(term, termOffset, Unfragmented, HdrTypePad, termOffset, sessionID, streamID, expectedTermID)
	FrameLengthOrdered(term, termOffset, padEnd-termOffset)
	return true
}

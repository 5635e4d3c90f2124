package logbuffer

import (
	"github.com/rzbill/beam/internal/buffers"
)

// FragmentHandler receives one committed frame's payload. flags carries the
// B/E fragmentation bits; header access is by offset for callers that need
// the raw frame.
type FragmentHandler func(payload []byte, flags uint8, frameType uint16)

// ReadFrames consumes committed frames from position up to limit, invoking
// handler per non-padding frame. Returns the position after the last frame
// consumed. Stops at the first uncommitted frame.
func ReadFrames(lb *LogBuffer, position, limit int64, handler FragmentHandler) int64 {
	bits := PositionBitsToShift(lb.termLength)
	for position < limit {
		index := IndexByPosition(position, bits)
		termOffset := ComputeTermOffsetFromPosition(position, bits)
		term := lb.Term(index)

		frameLength := FrameLengthVolatile(term, termOffset)
		if frameLength <= 0 {
			break
		}
		if !IsPaddingFrame(term, termOffset) {
			payload := term.Bytes()[termOffset+HeaderLength : termOffset+frameLength]
			handler(payload, FrameFlags(term, termOffset), FrameType(term, termOffset))
		}
		position += int64(Align(frameLength, FrameAlignment))
	}
	return position
}

// BlockForFrames copies whole committed frames between position and limit
// out of the term buffer, up to maxLength bytes. Used by the sender to fill
// datagrams; the copy is headers included, byte identical to the committed
// frames. Returns the copied region (nil when nothing is committed) and the
// position after it.
func BlockForFrames(lb *LogBuffer, position, limit int64, maxLength int32) ([]byte, int64) {
	bits := PositionBitsToShift(lb.termLength)
	index := IndexByPosition(position, bits)
	startOffset := ComputeTermOffsetFromPosition(position, bits)
	term := lb.Term(index)

	scanOffset := startOffset
	termLimit := startOffset + maxLength
	if termLimit > lb.termLength {
		termLimit = lb.termLength
	}
	if streamRemaining := limit - position; int64(termLimit-startOffset) > streamRemaining {
		termLimit = startOffset + int32(streamRemaining)
	}

	for scanOffset < termLimit {
		frameLength := FrameLengthVolatile(term, scanOffset)
		if frameLength <= 0 {
			break
		}
		aligned := Align(frameLength, FrameAlignment)
		if scanOffset+aligned > termLimit {
			break
		}
		scanOffset += aligned
	}
	if scanOffset == startOffset {
		return nil, position
	}
	return term.Bytes()[startOffset:scanOffset], position + int64(scanOffset-startOffset)
}

// frameAt exposes a frame view for tests.
func frameAt(term *buffers.AtomicBuffer, termOffset int32) []byte {
	length := FrameLengthVolatile(term, termOffset)
	return term.Bytes()[termOffset : termOffset+length]
}

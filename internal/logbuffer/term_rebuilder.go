package logbuffer

import (
	"encoding/binary"

	"github.com/rzbill/beam/internal/buffers"
)

// RebuildInsert copies a received frame (header included) into the term at
// termOffset. The body lands first; the first eight header bytes are
// release-stored last so a reader never observes a frame length ahead of
// its payload. Writing the same frame twice is harmless, which is what an
// out-of-order UDP stream with retransmits requires.
func RebuildInsert(term *buffers.AtomicBuffer, termOffset int32, packet []byte) {
	if FrameLengthVolatile(term, termOffset) != 0 {
		return
	}
	term.PutBytes(termOffset+8, packet[8:])
	firstWord := int64(binary.LittleEndian.Uint64(packet[:8]))
	term.PutInt64Ordered(termOffset, firstWord)
}

// ScanForGap walks committed frames from rebuildOffset toward hwmOffset and
// reports the first gap of uncommitted bytes. Returns (gapOffset,
// gapLength, true) when a gap exists below the high water mark.
func ScanForGap(term *buffers.AtomicBuffer, rebuildOffset, hwmOffset, termLength int32) (int32, int32, bool) {
	offset := rebuildOffset
	for offset < hwmOffset {
		frameLength := FrameLengthVolatile(term, offset)
		if frameLength <= 0 {
			break
		}
		offset += Align(frameLength, FrameAlignment)
	}
	if offset >= hwmOffset {
		return 0, 0, false
	}

	gapBegin := offset
	for offset < hwmOffset && FrameLengthVolatile(term, offset) == 0 {
		offset += FrameAlignment
		if offset >= termLength {
			break
		}
	}
	return gapBegin, offset - gapBegin, true
}

package logbuffer

import (
	"github.com/rzbill/beam/internal/buffers"
)

// Frame header field offsets within a frame.
const (
	FrameLengthOffset   = 0
	FrameVersionOffset  = 4
	FrameFlagsOffset    = 5
	FrameTypeOffset     = 6
	FrameTermOffset     = 8
	FrameSessionOffset  = 12
	FrameStreamOffset   = 16
	FrameTermIDOffset   = 20
	FrameReservedOffset = 24

	// HeaderLength is the length of a data frame header.
	HeaderLength = 32

	// FrameAlignment is the boundary every frame starts and ends on.
	FrameAlignment = 32
)

// CurrentVersion is the protocol version stamped in every frame.
const CurrentVersion uint8 = 1

// Frame flags.
const (
	BeginFrag    uint8 = 0x80
	EndFrag      uint8 = 0x40
	Unfragmented uint8 = BeginFrag | EndFrag

	// EndOfStreamFlag marks a heartbeat carrying the final position.
	EndOfStreamFlag uint8 = 0x20

	// RevokedFlag marks a heartbeat for a revoked publication.
	RevokedFlag uint8 = 0x10
)

// Frame types shared between the log buffer and the wire.
const (
	HdrTypePad   uint16 = 0x00
	HdrTypeData  uint16 = 0x01
	HdrTypeNak   uint16 = 0x02
	HdrTypeSM    uint16 = 0x03
	HdrTypeErr   uint16 = 0x04
	HdrTypeSetup uint16 = 0x05
	HdrTypeRttm  uint16 = 0x06
	HdrTypeRes   uint16 = 0x07
)

// FrameLengthVolatile loads the frame length at frameOffset with acquire
// ordering. A zero result means the frame is not yet committed.
func FrameLengthVolatile(buf *buffers.AtomicBuffer, frameOffset int32) int32 {
	return buf.GetInt32Volatile(frameOffset + FrameLengthOffset)
}

// FrameLengthOrdered commits the frame by release-storing its length.
func FrameLengthOrdered(buf *buffers.AtomicBuffer, frameOffset, length int32) {
	buf.PutInt32Ordered(frameOffset+FrameLengthOffset, length)
}

// FrameType returns the type field of the frame at frameOffset.
func FrameType(buf *buffers.AtomicBuffer, frameOffset int32) uint16 {
	return uint16(buf.GetInt32(frameOffset+FrameTypeOffset) & 0xFFFF)
}

// FrameFlags returns the flags byte of the frame at frameOffset.
func FrameFlags(buf *buffers.AtomicBuffer, frameOffset int32) uint8 {
	return buf.Bytes()[frameOffset+FrameFlagsOffset]
}

// IsPaddingFrame reports whether the frame at frameOffset is padding.
func IsPaddingFrame(buf *buffers.AtomicBuffer, frameOffset int32) bool {
	return FrameType(buf, frameOffset) == HdrTypePad
}

// FrameTermID returns the term id field of the frame at frameOffset.
func FrameTermID(buf *buffers.AtomicBuffer, frameOffset int32) int32 {
	return buf.GetInt32(frameOffset + FrameTermIDOffset)
}

// FrameSessionID returns the session id field of the frame at frameOffset.
func FrameSessionID(buf *buffers.AtomicBuffer, frameOffset int32) int32 {
	return buf.GetInt32(frameOffset + FrameSessionOffset)
}

// writeHeader fills in every header field except the length, which the
// committer release-stores last.
func writeHeader(buf *buffers.AtomicBuffer, frameOffset int32, flags uint8, frameType uint16, termOffset, sessionID, streamID, termID int32) {
	data := buf.Bytes()
	data[frameOffset+FrameVersionOffset] = CurrentVersion
	data[frameOffset+FrameFlagsOffset] = flags
	data[frameOffset+FrameTypeOffset] = byte(frameType)
	data[frameOffset+FrameTypeOffset+1] = byte(frameType >> 8)
	buf.PutInt32(frameOffset+FrameTermOffset, termOffset)
	buf.PutInt32(frameOffset+FrameSessionOffset, sessionID)
	buf.PutInt32(frameOffset+FrameStreamOffset, streamID)
	buf.PutInt32(frameOffset+FrameTermIDOffset, termID)
	buf.PutInt64(frameOffset+FrameReservedOffset, 0)
}

// Align rounds value up to the next multiple of alignment (a power of two).
func Align(value, alignment int32) int32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

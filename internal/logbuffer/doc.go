// Package logbuffer implements the triple-partitioned append-only term
// storage that carries every stream the driver manages.
//
// # Overview
//
// A log buffer is three equal power-of-two term buffers plus a metadata
// page. Writers claim space by advancing a per-partition rawTail counter
// packed as (termId << 32 | termOffset), fill in the payload, then commit
// by release-storing the frame length, so a reader either observes the
// whole frame or a zero length. When a claim would cross the end of a
// term the remainder is sealed with a padding frame and the claim retries
// in the next partition.
//
// Layout of a frame (little-endian, 32-byte aligned):
//
//	frameLength i32 | version u8 | flags u8 | type u16 | termOffset i32 |
//	sessionId i32 | streamId i32 | termId i32 | reservedValue i64 | payload
//
// The same header doubles as the UDP frame header, so sending a committed
// frame is a straight copy out of the term buffer.
//
// Positions are the bijection between (termId, termOffset) and a
// monotonic 64-bit stream byte offset; see position.go.
package logbuffer

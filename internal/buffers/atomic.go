package buffers

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// AtomicBuffer is a view over a byte region supporting plain, volatile
// (acquire), and ordered (release) accesses. The region is typically a
// slice of a memory-mapped file shared with other processes.
//
// Multi-byte plain accessors are little-endian, matching the wire protocol
// and the on-disk layouts.
type AtomicBuffer struct {
	data []byte
}

// MakeAtomicBuffer wraps data in an AtomicBuffer.
func MakeAtomicBuffer(data []byte) *AtomicBuffer {
	return &AtomicBuffer{data: data}
}

// Capacity returns the length of the underlying region.
func (b *AtomicBuffer) Capacity() int32 { return int32(len(b.data)) }

// Bytes returns the underlying region.
func (b *AtomicBuffer) Bytes() []byte { return b.data }

// Slice returns a sub-view of the region.
func (b *AtomicBuffer) Slice(offset, length int32) *AtomicBuffer {
	return &AtomicBuffer{data: b.data[offset : offset+length]}
}

func (b *AtomicBuffer) int32At(offset int32) *int32 {
	return (*int32)(unsafe.Pointer(&b.data[offset]))
}

func (b *AtomicBuffer) int64At(offset int32) *int64 {
	return (*int64)(unsafe.Pointer(&b.data[offset]))
}

// GetInt32 reads a little-endian int32 with plain ordering.
func (b *AtomicBuffer) GetInt32(offset int32) int32 {
	return int32(binary.LittleEndian.Uint32(b.data[offset:]))
}

// PutInt32 writes a little-endian int32 with plain ordering.
func (b *AtomicBuffer) PutInt32(offset int32, value int32) {
	binary.LittleEndian.PutUint32(b.data[offset:], uint32(value))
}

// GetInt64 reads a little-endian int64 with plain ordering.
func (b *AtomicBuffer) GetInt64(offset int32) int64 {
	return int64(binary.LittleEndian.Uint64(b.data[offset:]))
}

// PutInt64 writes a little-endian int64 with plain ordering.
func (b *AtomicBuffer) PutInt64(offset int32, value int64) {
	binary.LittleEndian.PutUint64(b.data[offset:], uint64(value))
}

// GetInt32Volatile reads an int32 with acquire ordering.
func (b *AtomicBuffer) GetInt32Volatile(offset int32) int32 {
	return atomic.LoadInt32(b.int32At(offset))
}

// PutInt32Ordered writes an int32 with release ordering.
func (b *AtomicBuffer) PutInt32Ordered(offset int32, value int32) {
	atomic.StoreInt32(b.int32At(offset), value)
}

// GetInt64Volatile reads an int64 with acquire ordering.
func (b *AtomicBuffer) GetInt64Volatile(offset int32) int64 {
	return atomic.LoadInt64(b.int64At(offset))
}

// PutInt64Ordered writes an int64 with release ordering.
func (b *AtomicBuffer) PutInt64Ordered(offset int32, value int64) {
	atomic.StoreInt64(b.int64At(offset), value)
}

// CompareAndSetInt64 atomically swaps the int64 at offset if it equals
// expected.
func (b *AtomicBuffer) CompareAndSetInt64(offset int32, expected, updated int64) bool {
	return atomic.CompareAndSwapInt64(b.int64At(offset), expected, updated)
}

// CompareAndSetInt32 atomically swaps the int32 at offset if it equals
// expected.
func (b *AtomicBuffer) CompareAndSetInt32(offset int32, expected, updated int32) bool {
	return atomic.CompareAndSwapInt32(b.int32At(offset), expected, updated)
}

// GetAndAddInt64 atomically adds delta to the int64 at offset, returning the
// previous value.
func (b *AtomicBuffer) GetAndAddInt64(offset int32, delta int64) int64 {
	return atomic.AddInt64(b.int64At(offset), delta) - delta
}

// GetBytes copies length bytes starting at offset into a new slice.
func (b *AtomicBuffer) GetBytes(offset, length int32) []byte {
	out := make([]byte, length)
	copy(out, b.data[offset:offset+length])
	return out
}

// PutBytes copies src into the region at offset.
func (b *AtomicBuffer) PutBytes(offset int32, src []byte) {
	copy(b.data[offset:], src)
}

// SetMemory fills length bytes at offset with value.
func (b *AtomicBuffer) SetMemory(offset, length int32, value byte) {
	region := b.data[offset : offset+length]
	for i := range region {
		region[i] = value
	}
}

// Package buffers provides the shared-memory primitives the driver and its
// clients agree on: an atomic view over a byte region, a many-producer
// command ring, and a single-producer broadcast channel.
//
// # Overview
//
// All driver state that crosses a process boundary lives in memory-mapped
// files. AtomicBuffer wraps such a region and exposes plain, volatile
// (acquire), and ordered (release) accessors plus compare-and-set and
// fetch-add, so single-writer/multi-reader protocols can be expressed
// without locks. Offsets handed to the atomic accessors must be naturally
// aligned for the access width.
package buffers

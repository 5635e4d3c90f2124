// Package counters implements the fixed-slot counter registry shared
// between the driver and client processes.
//
// # Overview
//
// Counters live in two parallel regions of the CnC file: a metadata region
// describing each slot (state, type id, key, label) and a values region of
// cache-line padded 64-bit slots. Slot state transitions publish with
// release ordering and are read with acquire ordering, so an external
// reader walking the metadata sees a consistent (state, type, label) for
// every allocated counter.
//
// Slots move UNUSED -> ALLOCATED -> RECLAIMED -> UNUSED; the reclaimed
// grace period keeps a freed slot's value readable until any stale handle
// has observed the state change. Static counters are owned by no client
// and survive client lifecycle; they are idempotent on
// (typeId, registrationId).
//
// Position handles over counter slots carry every publication and
// subscriber position in the system.
package counters

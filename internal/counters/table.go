package counters

import (
	"errors"
	"fmt"

	"github.com/rzbill/beam/internal/buffers"
)

// Record states, published with release ordering on the state word.
const (
	RecordUnused    int32 = 0
	RecordAllocated int32 = 1
	RecordReclaimed int32 = -1
)

// NullValue marks an absent registrationId or ownerId.
const NullValue int64 = -1

// Metadata record layout.
const (
	MetadataRecordLength int32 = 512

	stateOffset       int32 = 0
	typeIDOffset      int32 = 4
	reuseDeadlineOffset int32 = 8
	keyOffset         int32 = 16
	labelLengthOffset int32 = 16 + MaxKeyLength
	labelOffset       int32 = labelLengthOffset + 4
)

// Value record layout; a value slot is padded to keep hot counters off
// shared cache lines.
const (
	ValueRecordLength int32 = 128

	valueOffset          int32 = 0
	registrationIDOffset int32 = 8
	ownerIDOffset        int32 = 16
)

// Limits on caller-supplied metadata.
const (
	MaxKeyLength   int32 = 64
	MaxLabelLength int32 = 380
)

var (
	// ErrTableFull means no slot is available for allocation.
	ErrTableFull = errors.New("counter table full")

	// ErrCounterConflict means a (typeId, registrationId) pair collided
	// with an incompatible existing counter.
	ErrCounterConflict = errors.New("counter registration conflict")
)

// EpochClock returns wall time in milliseconds.
type EpochClock func() int64

// Table is the fixed-capacity counter registry. All mutation happens on
// the conductor; reads are lock-free from any thread or process mapping
// the same regions.
type Table struct {
	meta            *buffers.AtomicBuffer
	values          *buffers.AtomicBuffer
	maxCounters     int32
	reuseGraceMs    int64
	clock           EpochClock
}

// NewTable lays a Table over the metadata and values regions. Capacity is
// bounded by the smaller of the two regions.
func NewTable(meta, values []byte, reuseGraceMs int64, clock EpochClock) *Table {
	byMeta := int32(len(meta)) / MetadataRecordLength
	byValues := int32(len(values)) / ValueRecordLength
	max := byMeta
	if byValues < max {
		max = byValues
	}
	return &Table{
		meta:         buffers.MakeAtomicBuffer(meta),
		values:       buffers.MakeAtomicBuffer(values),
		maxCounters:  max,
		reuseGraceMs: reuseGraceMs,
		clock:        clock,
	}
}

// MaxCounters returns the table capacity.
func (t *Table) MaxCounters() int32 { return t.maxCounters }

func (t *Table) metaOffset(id int32) int32  { return id * MetadataRecordLength }
func (t *Table) valueOffset(id int32) int32 { return id * ValueRecordLength }

// Allocate claims a slot for a client-owned counter. registrationID and
// ownerID may be NullValue. Fails with ErrCounterConflict when the
// (typeId, registrationId) pair is already taken by a static counter.
func (t *Table) Allocate(typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	if registrationID != NullValue {
		if existing, ok := t.findByTypeAndRegistration(typeID, registrationID); ok {
			if t.OwnerID(existing) == NullValue {
				return 0, fmt.Errorf("%w: static counter %d holds (type=%d, registration=%d)",
					ErrCounterConflict, existing, typeID, registrationID)
			}
		}
	}
	return t.allocate(typeID, key, label, registrationID, ownerID)
}

// AllocateStatic claims or finds the static counter for
// (typeId, registrationId). Re-allocation with the same pair returns the
// existing id without touching key or label; collision with a non-static
// counter fails with ErrCounterConflict.
func (t *Table) AllocateStatic(typeID int32, key []byte, label string, registrationID int64) (int32, error) {
	if existing, ok := t.findByTypeAndRegistration(typeID, registrationID); ok {
		if t.OwnerID(existing) != NullValue {
			return 0, fmt.Errorf("%w: non-static counter %d holds (type=%d, registration=%d)",
				ErrCounterConflict, existing, typeID, registrationID)
		}
		return existing, nil
	}
	return t.allocate(typeID, key, label, registrationID, NullValue)
}

func (t *Table) allocate(typeID int32, key []byte, label string, registrationID, ownerID int64) (int32, error) {
	if int32(len(key)) > MaxKeyLength {
		return 0, fmt.Errorf("key length %d exceeds %d", len(key), MaxKeyLength)
	}
	if int32(len(label)) > int32(MaxLabelLength) {
		label = label[:MaxLabelLength]
	}

	id, ok := t.findFreeSlot()
	if !ok {
		return 0, ErrTableFull
	}

	mo := t.metaOffset(id)
	vo := t.valueOffset(id)

	t.meta.SetMemory(mo+keyOffset, MaxKeyLength, 0)
	t.meta.PutBytes(mo+keyOffset, key)
	t.meta.PutInt32(mo+typeIDOffset, typeID)
	t.meta.PutInt64(mo+reuseDeadlineOffset, 0)
	t.meta.PutInt32(mo+labelLengthOffset, int32(len(label)))
	t.meta.SetMemory(mo+labelOffset, MaxLabelLength, 0)
	t.meta.PutBytes(mo+labelOffset, []byte(label))

	t.values.PutInt64(vo+valueOffset, 0)
	t.values.PutInt64(vo+registrationIDOffset, registrationID)
	t.values.PutInt64(vo+ownerIDOffset, ownerID)

	t.meta.PutInt32Ordered(mo+stateOffset, RecordAllocated)
	return id, nil
}

func (t *Table) findFreeSlot() (int32, bool) {
	nowMs := t.clock()
	for id := int32(0); id < t.maxCounters; id++ {
		mo := t.metaOffset(id)
		switch t.meta.GetInt32Volatile(mo + stateOffset) {
		case RecordUnused:
			return id, true
		case RecordReclaimed:
			if nowMs >= t.meta.GetInt64(mo+reuseDeadlineOffset) {
				return id, true
			}
		}
	}
	return 0, false
}

func (t *Table) findByTypeAndRegistration(typeID int32, registrationID int64) (int32, bool) {
	for id := int32(0); id < t.maxCounters; id++ {
		mo := t.metaOffset(id)
		if t.meta.GetInt32Volatile(mo+stateOffset) != RecordAllocated {
			continue
		}
		if t.meta.GetInt32(mo+typeIDOffset) != typeID {
			continue
		}
		if t.RegistrationID(id) == registrationID {
			return id, true
		}
	}
	return 0, false
}

// Free reclaims a counter slot; the slot becomes reusable after the grace
// period. Static counters are never freed through client lifecycle; the
// caller enforces that.
func (t *Table) Free(id int32) {
	mo := t.metaOffset(id)
	t.meta.PutInt64(mo+reuseDeadlineOffset, t.clock()+t.reuseGraceMs)
	t.meta.PutInt32Ordered(mo+stateOffset, RecordReclaimed)
}

// State returns the slot state with acquire ordering.
func (t *Table) State(id int32) int32 {
	return t.meta.GetInt32Volatile(t.metaOffset(id) + stateOffset)
}

// TypeID returns the slot's counter type.
func (t *Table) TypeID(id int32) int32 {
	return t.meta.GetInt32(t.metaOffset(id) + typeIDOffset)
}

// Label returns the slot's label.
func (t *Table) Label(id int32) string {
	mo := t.metaOffset(id)
	length := t.meta.GetInt32(mo + labelLengthOffset)
	return string(t.meta.GetBytes(mo+labelOffset, length))
}

// Key returns a copy of the slot's key region.
func (t *Table) Key(id int32) []byte {
	return t.meta.GetBytes(t.metaOffset(id)+keyOffset, MaxKeyLength)
}

// RegistrationID returns the slot's registration id.
func (t *Table) RegistrationID(id int32) int64 {
	return t.values.GetInt64(t.valueOffset(id) + registrationIDOffset)
}

// OwnerID returns the slot's owning client id, NullValue for static
// counters.
func (t *Table) OwnerID(id int32) int64 {
	return t.values.GetInt64(t.valueOffset(id) + ownerIDOffset)
}

// ReclaimForOwner frees every non-static counter owned by ownerID and
// reports the freed ids.
func (t *Table) ReclaimForOwner(ownerID int64) []int32 {
	var freed []int32
	for id := int32(0); id < t.maxCounters; id++ {
		if t.State(id) != RecordAllocated {
			continue
		}
		if t.OwnerID(id) == ownerID && ownerID != NullValue {
			t.Free(id)
			freed = append(freed, id)
		}
	}
	return freed
}

// ForEach invokes fn for every allocated counter.
func (t *Table) ForEach(fn func(id, typeID int32, label string, value int64)) {
	for id := int32(0); id < t.maxCounters; id++ {
		if t.State(id) != RecordAllocated {
			continue
		}
		fn(id, t.TypeID(id), t.Label(id), t.GetValue(id))
	}
}

// GetValue loads a counter value with acquire ordering.
func (t *Table) GetValue(id int32) int64 {
	return t.values.GetInt64Volatile(t.valueOffset(id) + valueOffset)
}

// SetValue release-stores a counter value.
func (t *Table) SetValue(id int32, value int64) {
	t.values.PutInt64Ordered(t.valueOffset(id)+valueOffset, value)
}

// AddValue atomically adds delta to a counter value.
func (t *Table) AddValue(id int32, delta int64) int64 {
	return t.values.GetAndAddInt64(t.valueOffset(id)+valueOffset, delta) + delta
}

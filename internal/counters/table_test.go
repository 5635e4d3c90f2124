package counters

import (
	"errors"
	"testing"
)

func newTestTable(t *testing.T, nowMs *int64) *Table {
	t.Helper()
	meta := make([]byte, 64*MetadataRecordLength)
	values := make([]byte, 64*ValueRecordLength)
	return NewTable(meta, values, 1000, func() int64 { return *nowMs })
}

func TestAllocateAndRead(t *testing.T) {
	now := int64(0)
	table := newTestTable(t, &now)

	id, err := table.Allocate(7, []byte("key"), "a label", 99, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if table.State(id) != RecordAllocated {
		t.Fatalf("state: want ALLOCATED got %d", table.State(id))
	}
	if table.TypeID(id) != 7 {
		t.Fatalf("typeId: got %d", table.TypeID(id))
	}
	if table.Label(id) != "a label" {
		t.Fatalf("label: got %q", table.Label(id))
	}
	if table.RegistrationID(id) != 99 || table.OwnerID(id) != 1 {
		t.Fatalf("ids: got reg=%d owner=%d", table.RegistrationID(id), table.OwnerID(id))
	}

	table.SetValue(id, 42)
	if table.GetValue(id) != 42 {
		t.Fatalf("value: got %d", table.GetValue(id))
	}
	table.AddValue(id, 8)
	if table.GetValue(id) != 50 {
		t.Fatalf("value after add: got %d", table.GetValue(id))
	}
}

func TestFreeAndReuseGrace(t *testing.T) {
	now := int64(0)
	table := newTestTable(t, &now)

	id, err := table.Allocate(1, nil, "one", NullValue, NullValue)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	table.Free(id)
	if table.State(id) != RecordReclaimed {
		t.Fatalf("state after free: %d", table.State(id))
	}

	// Inside the grace period the slot is not reused.
	id2, err := table.Allocate(1, nil, "two", NullValue, NullValue)
	if err != nil {
		t.Fatalf("allocate two: %v", err)
	}
	if id2 == id {
		t.Fatalf("slot reused inside grace period")
	}

	// Past the deadline the reclaimed slot is reused.
	now = 2000
	id3, err := table.Allocate(1, nil, "three", NullValue, NullValue)
	if err != nil {
		t.Fatalf("allocate three: %v", err)
	}
	if id3 != id {
		t.Fatalf("want reclaimed slot %d, got %d", id, id3)
	}
}

func TestStaticCounterIdempotent(t *testing.T) {
	now := int64(0)
	table := newTestTable(t, &now)

	id, err := table.AllocateStatic(1101, []byte("K"), "L", 100)
	if err != nil {
		t.Fatalf("allocate static: %v", err)
	}
	if table.OwnerID(id) != NullValue {
		t.Fatalf("static counter owner: want NullValue got %d", table.OwnerID(id))
	}

	// Second allocation with the same pair returns the same id without
	// touching the label.
	again, err := table.AllocateStatic(1101, []byte("other"), "other label", 100)
	if err != nil {
		t.Fatalf("re-allocate static: %v", err)
	}
	if again != id {
		t.Fatalf("static idempotence: want %d got %d", id, again)
	}
	if table.Label(id) != "L" {
		t.Fatalf("label mutated: %q", table.Label(id))
	}

	// A non-static counter colliding on (typeId, registrationId) is
	// rejected.
	if _, err := table.Allocate(1101, nil, "clash", 100, 7); !errors.Is(err, ErrCounterConflict) {
		t.Fatalf("want ErrCounterConflict, got %v", err)
	}

	// A static request colliding with a non-static counter is rejected.
	if _, err := table.Allocate(500, nil, "plain", 200, 7); err != nil {
		t.Fatalf("allocate plain: %v", err)
	}
	if _, err := table.AllocateStatic(500, nil, "static clash", 200); !errors.Is(err, ErrCounterConflict) {
		t.Fatalf("want ErrCounterConflict for static over non-static, got %v", err)
	}
}

func TestStaticSurvivesOwnerReclaim(t *testing.T) {
	now := int64(0)
	table := newTestTable(t, &now)

	staticID, err := table.AllocateStatic(1101, []byte("K"), "L", 100)
	if err != nil {
		t.Fatalf("allocate static: %v", err)
	}
	ownedID, err := table.Allocate(5, nil, "owned", NullValue, 77)
	if err != nil {
		t.Fatalf("allocate owned: %v", err)
	}

	freed := table.ReclaimForOwner(77)
	if len(freed) != 1 || freed[0] != ownedID {
		t.Fatalf("reclaim: got %v", freed)
	}
	if table.State(staticID) != RecordAllocated {
		t.Fatalf("static counter reclaimed with owner")
	}
	if table.State(ownedID) != RecordReclaimed {
		t.Fatalf("owned counter not reclaimed")
	}
}

func TestPositionProposeMax(t *testing.T) {
	now := int64(0)
	table := newTestTable(t, &now)
	id, err := table.Allocate(TypeIDSubscriberPosition, nil, "sub pos", NullValue, NullValue)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	pos := NewPosition(table, id)
	pos.SetOrdered(100)
	pos.ProposeMaxOrdered(50)
	if pos.Get() != 100 {
		t.Fatalf("propose lower should not regress: %d", pos.Get())
	}
	pos.ProposeMaxOrdered(150)
	if pos.Get() != 150 {
		t.Fatalf("propose higher should advance: %d", pos.Get())
	}
}

func TestSystemCountersAllocate(t *testing.T) {
	now := int64(0)
	table := newTestTable(t, &now)
	sc, err := NewSystemCounters(table)
	if err != nil {
		t.Fatalf("system counters: %v", err)
	}
	sc.Errors.Increment()
	if sc.Errors.Get() != 1 {
		t.Fatalf("errors counter: %d", sc.Errors.Get())
	}
	if table.Label(sc.UnblockedPublications.ID()) != "Unblocked publications" {
		t.Fatalf("label: %q", table.Label(sc.UnblockedPublications.ID()))
	}
}

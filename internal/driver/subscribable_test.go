package driver

import (
	"testing"

	"github.com/rzbill/beam/internal/counters"
)

func newTestCounters(t *testing.T) *counters.Table {
	t.Helper()
	meta := make([]byte, 256*counters.MetadataRecordLength)
	values := make([]byte, 256*counters.ValueRecordLength)
	return NewTestTable(meta, values)
}

// NewTestTable builds a counter table with a fixed clock for tests.
func NewTestTable(meta, values []byte) *counters.Table {
	return counters.NewTable(meta, values, 0, func() int64 { return 0 })
}

func newTestPosition(t *testing.T, table *counters.Table) *counters.Position {
	t.Helper()
	id, err := table.Allocate(counters.TypeIDSubscriberPosition, nil, "test pos", counters.NullValue, counters.NullValue)
	if err != nil {
		t.Fatalf("allocate position: %v", err)
	}
	return counters.NewPosition(table, id)
}

func TestSubscribableMinMax(t *testing.T) {
	table := newTestCounters(t)
	var s Subscribable

	if got := s.MinSubscriberPosition(42); got != 42 {
		t.Fatalf("empty min should be default: %d", got)
	}

	a := newTestPosition(t, table)
	b := newTestPosition(t, table)
	a.SetOrdered(100)
	b.SetOrdered(200)
	s.AddSubscriber(&SubscriptionLink{RegistrationID: 1, IsTethered: true}, a, 0)
	s.AddSubscriber(&SubscriptionLink{RegistrationID: 2, IsTethered: true}, b, 0)

	if got := s.MinSubscriberPosition(0); got != 100 {
		t.Fatalf("min: %d", got)
	}
	if got := s.MaxSubscriberPosition(0); got != 200 {
		t.Fatalf("max: %d", got)
	}
}

func TestUntetheredLifecycle(t *testing.T) {
	table := newTestCounters(t)
	var s Subscribable

	timeouts := UntetheredTimeouts{WindowLimitNs: 100, LingerNs: 200, RestingNs: 300}
	link := &SubscriptionLink{RegistrationID: 9, IsTethered: false, IsRejoin: true}
	pos := newTestPosition(t, table)
	s.AddSubscriber(link, pos, 0)

	tethered := newTestPosition(t, table)
	tethered.SetOrdered(100_000)
	s.AddSubscriber(&SubscriptionLink{RegistrationID: 10, IsTethered: true}, tethered, 0)

	var unavailable, available []int64
	var joinPosition int64
	cb := UntetheredCallbacks{
		OnUnavailable: func(l *SubscriptionLink) { unavailable = append(unavailable, l.RegistrationID) },
		OnAvailable: func(l *SubscriptionLink, join int64) {
			available = append(available, l.RegistrationID)
			joinPosition = join
		},
	}

	termWindow := int32(64 * 1024)
	consumerPos := int64(200_000)

	// Position below the window limit, but not yet past the timeout.
	pos.SetOrdered(0)
	s.CheckUntethered(50, consumerPos, termWindow, timeouts, cb)
	if len(unavailable) != 0 {
		t.Fatalf("no transition before window-limit timeout")
	}

	// Past the timeout: LINGER, detached, notified unavailable.
	s.CheckUntethered(150, consumerPos, termWindow, timeouts, cb)
	if len(unavailable) != 1 || unavailable[0] != 9 {
		t.Fatalf("unavailable events: %v", unavailable)
	}
	if s.SubscriberCount() != 1 {
		t.Fatalf("untethered sub should be detached, count=%d", s.SubscriberCount())
	}

	// After linger: RESTING (rejoinable).
	s.CheckUntethered(400, consumerPos, termWindow, timeouts, cb)
	if len(available) != 0 {
		t.Fatalf("should not rejoin while resting")
	}

	// After resting: ACTIVE again at the current min subscriber position.
	s.CheckUntethered(800, consumerPos, termWindow, timeouts, cb)
	if len(available) != 1 || available[0] != 9 {
		t.Fatalf("available events: %v", available)
	}
	if joinPosition != 100_000 {
		t.Fatalf("join position should be min of live positions: %d", joinPosition)
	}
	if s.SubscriberCount() != 2 {
		t.Fatalf("rejoined sub should be attached, count=%d", s.SubscriberCount())
	}
	if pos.Get() != 100_000 {
		t.Fatalf("rejoined position should be reset to join position: %d", pos.Get())
	}
}

func TestUntetheredNonRejoinDropped(t *testing.T) {
	table := newTestCounters(t)
	var s Subscribable

	timeouts := UntetheredTimeouts{WindowLimitNs: 100, LingerNs: 200, RestingNs: 300}
	link := &SubscriptionLink{RegistrationID: 9, IsTethered: false, IsRejoin: false}
	pos := newTestPosition(t, table)
	s.AddSubscriber(link, pos, 0)

	cb := UntetheredCallbacks{}
	s.CheckUntethered(150, 200_000, 64*1024, timeouts, cb)
	s.CheckUntethered(400, 200_000, 64*1024, timeouts, cb)

	// Dropped entirely: no untethered record remains.
	if len(s.untethered) != 0 {
		t.Fatalf("non-rejoin sub should be dropped")
	}
}

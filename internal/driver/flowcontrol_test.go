package driver

import (
	"testing"

	"github.com/rzbill/beam/internal/channel"
	"github.com/rzbill/beam/internal/protocol"
)

func TestMaxFlowControl(t *testing.T) {
	fc := &MaxFlowControl{}
	if fc.HasRequiredReceivers() {
		t.Fatalf("no receivers yet")
	}

	limit := fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 1, ReceiverWindow: 1000}, 0, 0)
	if limit != 1000 {
		t.Fatalf("limit: %d", limit)
	}
	// A slower receiver does not pull the max limit back.
	limit = fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 2, ReceiverWindow: 100}, 0, 0)
	if limit != 1000 {
		t.Fatalf("max should hold fastest limit: %d", limit)
	}
	if !fc.HasRequiredReceivers() {
		t.Fatalf("receiver seen")
	}
}

func TestMinFlowControlTracksSlowest(t *testing.T) {
	fc := NewMinFlowControl(1000)

	fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 1, ReceiverWindow: 1000}, 0, 0)
	limit := fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 2, ReceiverWindow: 100}, 0, 0)
	if limit != 100 {
		t.Fatalf("min should hold slowest limit: %d", limit)
	}

	// The slow receiver goes quiet and ages out.
	limit = fc.OnIdle(5000, limit)
	fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 1, ReceiverWindow: 1000}, 0, 5000)
	limit = fc.OnIdle(5500, limit)
	if limit != 1000 {
		t.Fatalf("after aging out the slow receiver: %d", limit)
	}
}

func TestTaggedFlowControlIgnoresUntagged(t *testing.T) {
	fc := NewTaggedFlowControl(1000, 7, 1)

	limit := fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 1, ReceiverWindow: 100}, 0, 0)
	if limit != 0 {
		t.Fatalf("untagged sm should not register: %d", limit)
	}
	if fc.HasRequiredReceivers() {
		t.Fatalf("no tagged receivers yet")
	}

	limit = fc.OnStatusMessage(protocol.StatusFrame{ReceiverID: 2, ReceiverWindow: 500, GroupTag: 7, HasGroupTag: true}, 0, 0)
	if limit != 500 {
		t.Fatalf("tagged sm should register: %d", limit)
	}
	if !fc.HasRequiredReceivers() {
		t.Fatalf("required receivers present")
	}
}

func TestResolveFlowControl(t *testing.T) {
	uri, _ := channel.Parse("aeron:udp?endpoint=h:1")
	fc, err := ResolveFlowControl(uri, 1000)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, ok := fc.(*MaxFlowControl); !ok {
		t.Fatalf("default should be max: %T", fc)
	}

	uri, _ = channel.Parse("aeron:udp?endpoint=h:1|fc=min")
	if _, err := ResolveFlowControl(uri, 1000); err != nil {
		t.Fatalf("min: %v", err)
	}

	uri, _ = channel.Parse("aeron:udp?endpoint=h:1|fc=tagged,g:123/3")
	fc, err = ResolveFlowControl(uri, 1000)
	if err != nil {
		t.Fatalf("tagged: %v", err)
	}
	min, ok := fc.(*MinFlowControl)
	if !ok || !min.useGroupTag || min.groupTag != 123 || min.requiredReceivers != 3 {
		t.Fatalf("tagged parse: %+v", min)
	}

	// Tagged without a tag anywhere fails.
	uri, _ = channel.Parse("aeron:udp?endpoint=h:1|fc=tagged")
	if _, err := ResolveFlowControl(uri, 1000); err == nil {
		t.Fatalf("tagged without tag should fail")
	}

	// Falls back to the gtag param.
	uri, _ = channel.Parse("aeron:udp?endpoint=h:1|fc=tagged|gtag=55")
	fc, err = ResolveFlowControl(uri, 1000)
	if err != nil {
		t.Fatalf("tagged with gtag: %v", err)
	}
	if min := fc.(*MinFlowControl); min.groupTag != 55 {
		t.Fatalf("gtag fallback: %d", min.groupTag)
	}

	uri, _ = channel.Parse("aeron:udp?endpoint=h:1|fc=bogus")
	if _, err := ResolveFlowControl(uri, 1000); err == nil {
		t.Fatalf("unknown strategy should fail")
	}
}

func TestRetransmitDedup(t *testing.T) {
	handler := NewRetransmitHandler(&StaticDelayGenerator{DelayNs: 0}, &StaticDelayGenerator{DelayNs: 1000}, 0)

	var sent []int32
	sender := func(termID, termOffset, length int32) { sent = append(sent, termOffset) }

	handler.OnNak(2, 0, 1024, 0, sender)
	if len(sent) != 1 {
		t.Fatalf("zero delay should resend inline: %v", sent)
	}

	// Overlapping request while lingering is suppressed.
	handler.OnNak(2, 512, 1024, 100, sender)
	if len(sent) != 1 {
		t.Fatalf("overlap should be suppressed: %v", sent)
	}

	// Non-overlapping range in the same term is honored.
	handler.OnNak(2, 4096, 1024, 100, sender)
	if len(sent) != 2 || sent[1] != 4096 {
		t.Fatalf("disjoint range should resend: %v", sent)
	}

	// Once the linger expires the same range may retransmit again.
	handler.ProcessTimeouts(5000, sender)
	handler.OnNak(2, 0, 1024, 5000, sender)
	if len(sent) != 3 {
		t.Fatalf("after linger expiry: %v", sent)
	}
}

func TestRetransmitDelayed(t *testing.T) {
	handler := NewRetransmitHandler(&StaticDelayGenerator{DelayNs: 500}, &StaticDelayGenerator{DelayNs: 1000}, 0)

	var sent []int32
	sender := func(termID, termOffset, length int32) { sent = append(sent, termOffset) }

	handler.OnNak(1, 0, 256, 0, sender)
	if len(sent) != 0 {
		t.Fatalf("delayed action should not fire inline")
	}
	handler.ProcessTimeouts(400, sender)
	if len(sent) != 0 {
		t.Fatalf("before delay expiry")
	}
	handler.ProcessTimeouts(600, sender)
	if len(sent) != 1 {
		t.Fatalf("after delay expiry: %v", sent)
	}
}

func TestExponentialDelayGeneratorBounds(t *testing.T) {
	gen := NewExponentialDelayGenerator(100, 1000, 42)
	for i := 0; i < 50; i++ {
		d := gen.Generate(i%3 != 0)
		if d < 100 || d > 1000 {
			t.Fatalf("delay out of bounds: %d", d)
		}
	}
}

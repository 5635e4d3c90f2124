package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rzbill/beam/internal/logbuffer"
)

func TestSetupRoundTrip(t *testing.T) {
	in := SetupFrame{
		TermOffset:    128,
		SessionID:     7,
		StreamID:      1001,
		InitialTermID: 3,
		ActiveTermID:  5,
		TermLength:    64 * 1024,
		MTULength:     1408,
		TTL:           16,
	}
	b := in.Encode(nil)
	if len(b) != SetupFrameLength {
		t.Fatalf("encoded length: %d", len(b))
	}
	if FrameType(b) != logbuffer.HdrTypeSetup {
		t.Fatalf("type: %#x", FrameType(b))
	}
	out, err := DecodeSetup(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusRoundTripWithGroupTag(t *testing.T) {
	in := StatusFrame{
		Flags:                 SendSetupFlag,
		SessionID:             7,
		StreamID:              1001,
		ConsumptionTermID:     2,
		ConsumptionTermOffset: 4096,
		ReceiverWindow:        128 * 1024,
		ReceiverID:            0x1122334455667788,
		GroupTag:              55,
		HasGroupTag:           true,
	}
	b := in.Encode(nil)
	if len(b) != StatusFrameWithTag {
		t.Fatalf("encoded length: %d", len(b))
	}
	out, err := DecodeStatus(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Without the tag the shorter layout decodes as untagged.
	in.HasGroupTag = false
	in.GroupTag = 0
	b = in.Encode(nil)
	if len(b) != StatusFrameLength {
		t.Fatalf("untagged length: %d", len(b))
	}
	out, err = DecodeStatus(b)
	if err != nil {
		t.Fatalf("decode untagged: %v", err)
	}
	if out.HasGroupTag {
		t.Fatalf("untagged frame decoded a group tag")
	}
}

func TestNakRoundTrip(t *testing.T) {
	in := NakFrame{SessionID: 1, StreamID: 2, TermID: 2, TermOffset: 0, Length: 1024}
	out, err := DecodeNak(in.Encode(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRttRoundTrip(t *testing.T) {
	in := RttFrame{Flags: RttReplyFlag, SessionID: 1, StreamID: 2, EchoTimestampNs: 123456789, ReceptionDelayNs: 5500, ReceiverID: 42}
	out, err := DecodeRtt(in.Encode(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestShortFrames(t *testing.T) {
	if _, err := DecodeSetup(make([]byte, 8)); err != ErrShortFrame {
		t.Fatalf("setup: want ErrShortFrame got %v", err)
	}
	if _, err := DecodeStatus(make([]byte, 8)); err != ErrShortFrame {
		t.Fatalf("status: want ErrShortFrame got %v", err)
	}
	if _, err := DecodeNak(make([]byte, 8)); err != ErrShortFrame {
		t.Fatalf("nak: want ErrShortFrame got %v", err)
	}
}

func TestHeartbeatHeader(t *testing.T) {
	h := DataHeader{
		FrameLength: 0,
		Flags:       logbuffer.Unfragmented | logbuffer.EndOfStreamFlag,
		Type:        logbuffer.HdrTypeData,
		TermOffset:  2048,
		SessionID:   7,
		StreamID:    9,
		TermID:      1,
	}
	b := EncodeDataHeader(nil, h)
	out, err := DecodeDataHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(h, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

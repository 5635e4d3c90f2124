package driver

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rzbill/beam/internal/buffers"
	"github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/counters"
	logpkg "github.com/rzbill/beam/pkg/log"
)

func TestCommandCodecRoundTrip(t *testing.T) {
	ring, err := buffers.NewRingBuffer(make([]byte, 64*1024+buffers.RingTrailerLength))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}

	cases := []Command{
		{Type: CmdAddPublication, ClientID: 1, CorrelationID: 2, StreamID: 1001, Channel: "aeron:udp?endpoint=h:1"},
		{Type: CmdAddExclusivePublication, ClientID: 1, CorrelationID: 3, StreamID: 1001, Channel: "aeron:ipc"},
		{Type: CmdAddSubscription, ClientID: 2, CorrelationID: 4, StreamID: 7, Channel: "aeron:ipc"},
		{Type: CmdRemovePublication, ClientID: 1, CorrelationID: 5, RegistrationID: 2},
		{Type: CmdAddCounter, ClientID: 1, CorrelationID: 6, CounterTypeID: 9, Key: []byte("k"), Label: "lbl"},
		{Type: CmdAddStaticCounter, ClientID: 1, CorrelationID: 7, CounterTypeID: 1101, RegistrationID: 100, Key: []byte("K"), Label: "L"},
		{Type: CmdClientKeepalive, ClientID: 1, CorrelationID: 8},
		{Type: CmdClientClose, ClientID: 1, CorrelationID: 9},
		{Type: CmdRejectImage, ClientID: 2, CorrelationID: 10, ImageCorrelationID: 42, Position: 4096, Reason: "bad"},
		{Type: CmdAddDestination, ClientID: 1, CorrelationID: 11, RegistrationID: 2, DestinationChannel: "aeron:udp?endpoint=h:2"},
		{Type: CmdTerminateDriver, ClientID: 1, CorrelationID: 12, Token: []byte("secret")},
	}
	for _, cmd := range cases {
		if err := WriteCommand(ring, cmd); err != nil {
			t.Fatalf("write %#x: %v", cmd.Type, err)
		}
	}

	var decoded []Command
	ring.Read(func(msgType int32, payload []byte) {
		cmd, err := decodeCommand(msgType, payload)
		if err != nil {
			t.Fatalf("decode %#x: %v", msgType, err)
		}
		decoded = append(decoded, cmd)
	}, 100)

	if len(decoded) != len(cases) {
		t.Fatalf("decoded %d of %d", len(decoded), len(cases))
	}
	for i := range cases {
		if diff := cmp.Diff(cases[i], decoded[i]); diff != "" {
			t.Fatalf("command %d round trip (-want +got):\n%s", i, diff)
		}
	}
}

func TestDecodeCommandTruncated(t *testing.T) {
	if _, err := decodeCommand(CmdAddPublication, make([]byte, 4)); err == nil {
		t.Fatalf("want error for truncated record")
	}
	if _, err := decodeCommand(0x7F, make([]byte, 32)); err == nil {
		t.Fatalf("want error for unknown command type")
	}
}

func TestConductorDrainsCommandRing(t *testing.T) {
	cfg := config.Default()
	cfg.IPCTermBufferLength = 64 * 1024
	cfg.ClientLivenessTimeout = config.Duration(time.Hour)

	ring, err := buffers.NewRingBuffer(make([]byte, 64*1024+buffers.RingTrailerLength))
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}

	table := newTestCounters(t)
	sc, err := counters.NewSystemCounters(table)
	if err != nil {
		t.Fatalf("system counters: %v", err)
	}
	proxy := &recordingProxy{}
	clock := &CachedNanoClock{}
	cond := NewConductor(ConductorOptions{
		Config:      cfg,
		Clock:       clock,
		Logger:      logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)),
		Table:       table,
		System:      sc,
		Proxy:       proxy,
		Sender:      NewSender(clock),
		Receiver:    NewReceiver(clock),
		Logs:        MemoryLogFactory{},
		LossReport:  NewLossReport(make([]byte, 64*1024)),
		CommandRing: ring,
	})

	// Commands arrive as encoded ring records, as an external client
	// process would write them.
	if err := WriteCommand(ring, Command{Type: CmdAddPublication, ClientID: 1, CorrelationID: 10, StreamID: 1001, Channel: "aeron:ipc"}); err != nil {
		t.Fatalf("write add publication: %v", err)
	}
	if err := WriteCommand(ring, Command{Type: CmdAddSubscription, ClientID: 2, CorrelationID: 11, StreamID: 1001, Channel: "aeron:ipc"}); err != nil {
		t.Fatalf("write add subscription: %v", err)
	}
	cond.DoWork()

	if _, ok := proxy.find("publication-ready"); !ok {
		t.Fatalf("publication-ready missing: %+v", proxy.events)
	}
	if _, ok := proxy.find("subscription-ready"); !ok {
		t.Fatalf("subscription-ready missing: %+v", proxy.events)
	}
	if _, ok := proxy.find("available-image"); !ok {
		t.Fatalf("available-image missing: %+v", proxy.events)
	}
	if len(cond.Publications()) != 1 || !cond.Publications()[0].HasSubscribers() {
		t.Fatalf("ring commands did not drive the conductor")
	}

	// A malformed record is reported, not fatal.
	errorsBefore := sc.Errors.Get()
	if err := ring.Write(CmdAddPublication, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	cond.DoWork()
	if sc.Errors.Get() != errorsBefore+1 {
		t.Fatalf("malformed record should count an error")
	}
}

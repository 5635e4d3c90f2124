package driver

import (
	"testing"
	"time"

	"github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/counters"
	logpkg "github.com/rzbill/beam/pkg/log"
)

type proxyEvent struct {
	kind          string
	correlationID int64
	code          ErrorCode
	counterID     int32
	image         ImageReady
	clientID      int64
}

type recordingProxy struct {
	events []proxyEvent
}

func (p *recordingProxy) OnPublicationReady(correlationID, registrationID int64, streamID, sessionID, publisherLimitID int32, logFileName string, exclusive bool) {
	kind := "publication-ready"
	if exclusive {
		kind = "exclusive-publication-ready"
	}
	p.events = append(p.events, proxyEvent{kind: kind, correlationID: correlationID})
}

func (p *recordingProxy) OnSubscriptionReady(correlationID int64, channelStatusID int32) {
	p.events = append(p.events, proxyEvent{kind: "subscription-ready", correlationID: correlationID})
}

func (p *recordingProxy) OnAvailableImage(image ImageReady) {
	p.events = append(p.events, proxyEvent{kind: "available-image", image: image})
}

func (p *recordingProxy) OnUnavailableImage(correlationID, subscriptionRegistrationID int64, streamID int32, channelName string) {
	p.events = append(p.events, proxyEvent{kind: "unavailable-image", correlationID: correlationID})
}

func (p *recordingProxy) OnOperationSuccess(correlationID int64) {
	p.events = append(p.events, proxyEvent{kind: "operation-success", correlationID: correlationID})
}

func (p *recordingProxy) OnError(correlationID int64, code ErrorCode, message string) {
	p.events = append(p.events, proxyEvent{kind: "error", correlationID: correlationID, code: code})
}

func (p *recordingProxy) OnCounterReady(correlationID int64, counterID int32) {
	p.events = append(p.events, proxyEvent{kind: "counter-ready", correlationID: correlationID, counterID: counterID})
}

func (p *recordingProxy) OnStaticCounter(correlationID int64, counterID int32) {
	p.events = append(p.events, proxyEvent{kind: "static-counter", correlationID: correlationID, counterID: counterID})
}

func (p *recordingProxy) OnUnavailableCounter(registrationID int64, counterID int32) {
	p.events = append(p.events, proxyEvent{kind: "unavailable-counter", counterID: counterID})
}

func (p *recordingProxy) OnClientTimeout(clientID int64) {
	p.events = append(p.events, proxyEvent{kind: "client-timeout", clientID: clientID})
}

func (p *recordingProxy) OnPublicationError(registrationID int64, sessionID, streamID int32, code ErrorCode, message string) {
	p.events = append(p.events, proxyEvent{kind: "publication-error", correlationID: registrationID, code: code})
}

func (p *recordingProxy) last() proxyEvent {
	if len(p.events) == 0 {
		return proxyEvent{}
	}
	return p.events[len(p.events)-1]
}

func (p *recordingProxy) find(kind string) (proxyEvent, bool) {
	for _, e := range p.events {
		if e.kind == kind {
			return e, true
		}
	}
	return proxyEvent{}, false
}

type conductorFixture struct {
	cond  *Conductor
	proxy *recordingProxy
	table *counters.Table
}

func newConductorFixture(t *testing.T) *conductorFixture {
	t.Helper()
	cfg := config.Default()
	cfg.IPCTermBufferLength = 64 * 1024
	cfg.TermBufferLength = 64 * 1024
	cfg.ClientLivenessTimeout = config.Duration(time.Hour)

	table := newTestCounters(t)
	sc, err := counters.NewSystemCounters(table)
	if err != nil {
		t.Fatalf("system counters: %v", err)
	}
	proxy := &recordingProxy{}
	clock := &CachedNanoClock{}
	logger := logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel))

	cond := NewConductor(ConductorOptions{
		Config:     cfg,
		Clock:      clock,
		Logger:     logger,
		Table:      table,
		System:     sc,
		Proxy:      proxy,
		Sender:     NewSender(clock),
		Receiver:   NewReceiver(clock),
		Logs:       MemoryLogFactory{},
		LossReport: NewLossReport(make([]byte, 64*1024)),
	})
	return &conductorFixture{cond: cond, proxy: proxy, table: table}
}

func (f *conductorFixture) run(t *testing.T, cmd Command) {
	t.Helper()
	if err := f.cond.Enqueue(cmd); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.cond.DoWork()
}

func TestConductorAddIpcPublicationAndSubscription(t *testing.T) {
	f := newConductorFixture(t)

	f.run(t, Command{Type: CmdAddPublication, ClientID: 1, CorrelationID: 10, StreamID: 1001, Channel: "aeron:ipc"})
	if e := f.proxy.last(); e.kind != "publication-ready" || e.correlationID != 10 {
		t.Fatalf("publication ready: %+v", e)
	}
	if len(f.cond.Publications()) != 1 {
		t.Fatalf("publications: %d", len(f.cond.Publications()))
	}

	f.run(t, Command{Type: CmdAddSubscription, ClientID: 2, CorrelationID: 11, StreamID: 1001, Channel: "aeron:ipc"})
	if _, ok := f.proxy.find("subscription-ready"); !ok {
		t.Fatalf("subscription ready missing: %+v", f.proxy.events)
	}
	img, ok := f.proxy.find("available-image")
	if !ok {
		t.Fatalf("available image missing")
	}
	if img.image.CorrelationID != 10 || img.image.SubscriptionRegistrationID != 11 {
		t.Fatalf("available image ids: %+v", img.image)
	}
	if !f.cond.Publications()[0].HasSubscribers() {
		t.Fatalf("subscriber not attached")
	}
}

func TestConductorSharedAndExclusivePublications(t *testing.T) {
	f := newConductorFixture(t)

	f.run(t, Command{Type: CmdAddPublication, ClientID: 1, CorrelationID: 10, StreamID: 5, Channel: "aeron:ipc"})
	f.run(t, Command{Type: CmdAddPublication, ClientID: 2, CorrelationID: 11, StreamID: 5, Channel: "aeron:ipc"})
	if len(f.cond.Publications()) != 1 {
		t.Fatalf("shared add should reuse the log: %d", len(f.cond.Publications()))
	}
	if f.cond.Publications()[0].RefCount() != 2 {
		t.Fatalf("ref count: %d", f.cond.Publications()[0].RefCount())
	}

	f.run(t, Command{Type: CmdAddExclusivePublication, ClientID: 1, CorrelationID: 12, StreamID: 5, Channel: "aeron:ipc"})
	if len(f.cond.Publications()) != 2 {
		t.Fatalf("exclusive add should create a new log: %d", len(f.cond.Publications()))
	}
	if e := f.proxy.last(); e.kind != "exclusive-publication-ready" {
		t.Fatalf("exclusive ready: %+v", e)
	}

	// Removing one shared reference keeps the publication alive.
	f.run(t, Command{Type: CmdRemovePublication, ClientID: 1, CorrelationID: 13, RegistrationID: 10})
	if f.cond.Publications()[0].State() != StateActive {
		t.Fatalf("shared publication should stay active")
	}
	// Nothing was published and no subscriber is attached, so the last
	// decref drains at once and the publication lingers in the same cycle.
	f.run(t, Command{Type: CmdRemovePublication, ClientID: 2, CorrelationID: 14, RegistrationID: 11})
	if f.cond.Publications()[0].State() != StateLinger {
		t.Fatalf("last decref should drain and linger: %v", f.cond.Publications()[0].State())
	}
}

func TestConductorUnknownRegistrations(t *testing.T) {
	f := newConductorFixture(t)

	f.run(t, Command{Type: CmdRemovePublication, ClientID: 1, CorrelationID: 20, RegistrationID: 999})
	if e := f.proxy.last(); e.kind != "error" || e.code != ErrorCodeUnknownPublication {
		t.Fatalf("unknown publication: %+v", e)
	}

	f.run(t, Command{Type: CmdRemoveSubscription, ClientID: 1, CorrelationID: 21, RegistrationID: 999})
	if e := f.proxy.last(); e.kind != "error" || e.code != ErrorCodeUnknownSubscription {
		t.Fatalf("unknown subscription: %+v", e)
	}

	f.run(t, Command{Type: CmdAddPublication, ClientID: 1, CorrelationID: 22, StreamID: 1, Channel: "not-a-channel"})
	if e := f.proxy.last(); e.kind != "error" || e.code != ErrorCodeInvalidChannel {
		t.Fatalf("invalid channel: %+v", e)
	}
}

func TestConductorStaticCounterIdempotence(t *testing.T) {
	f := newConductorFixture(t)

	f.run(t, Command{Type: CmdAddStaticCounter, ClientID: 1, CorrelationID: 30, CounterTypeID: 1101, Key: []byte("K"), Label: "L", RegistrationID: 100})
	first, ok := f.proxy.find("static-counter")
	if !ok {
		t.Fatalf("static counter event missing")
	}
	counterID := first.counterID
	if f.table.OwnerID(counterID) != counters.NullValue {
		t.Fatalf("static counter owner: %d", f.table.OwnerID(counterID))
	}

	// Client A closing leaves the counter allocated.
	f.run(t, Command{Type: CmdClientClose, ClientID: 1})
	if f.table.State(counterID) != counters.RecordAllocated {
		t.Fatalf("static counter reclaimed on client close")
	}

	// Client B gets the same id back.
	f.run(t, Command{Type: CmdAddStaticCounter, ClientID: 2, CorrelationID: 31, CounterTypeID: 1101, Key: []byte("K"), Label: "L", RegistrationID: 100})
	if e := f.proxy.last(); e.kind != "static-counter" || e.counterID != counterID {
		t.Fatalf("static idempotence: %+v", e)
	}

	// A non-static counter on the same (typeId, registrationId) fails.
	f.run(t, Command{Type: CmdAddCounter, ClientID: 2, CorrelationID: 100, CounterTypeID: 1101, Label: "clash"})
	if e := f.proxy.last(); e.kind != "error" || e.code != ErrorCodeGeneric {
		t.Fatalf("counter clash: %+v", e)
	}
}

func TestConductorClientCloseReclaims(t *testing.T) {
	f := newConductorFixture(t)

	f.run(t, Command{Type: CmdAddPublication, ClientID: 7, CorrelationID: 40, StreamID: 9, Channel: "aeron:ipc"})
	f.run(t, Command{Type: CmdAddCounter, ClientID: 7, CorrelationID: 41, CounterTypeID: 55, Label: "owned"})
	counterEvent, ok := f.proxy.find("counter-ready")
	if !ok {
		t.Fatalf("counter ready missing")
	}

	f.run(t, Command{Type: CmdClientClose, ClientID: 7})
	if f.cond.Publications()[0].State() != StateDraining {
		t.Fatalf("client close should release publications: %v", f.cond.Publications()[0].State())
	}
	if f.table.State(counterEvent.counterID) != counters.RecordReclaimed {
		t.Fatalf("owned counter should be reclaimed")
	}
	if _, ok := f.proxy.find("unavailable-counter"); !ok {
		t.Fatalf("unavailable counter event missing")
	}
}

func TestConductorRejectIpcPublication(t *testing.T) {
	f := newConductorFixture(t)

	f.run(t, Command{Type: CmdAddPublication, ClientID: 1, CorrelationID: 50, StreamID: 9, Channel: "aeron:ipc"})
	f.run(t, Command{Type: CmdRejectImage, ClientID: 2, CorrelationID: 51, ImageCorrelationID: 50, Position: 0, Reason: "bad data"})

	if _, ok := f.proxy.find("publication-error"); !ok {
		t.Fatalf("publication error missing: %+v", f.proxy.events)
	}
	if f.cond.Publications()[0].IsAcceptingSubscribers() {
		t.Fatalf("rejected publication should refuse subscribers")
	}

	// New subscriptions do not link during cooldown.
	f.run(t, Command{Type: CmdAddSubscription, ClientID: 3, CorrelationID: 52, StreamID: 9, Channel: "aeron:ipc"})
	if f.cond.Publications()[0].HasSubscribers() {
		t.Fatalf("cooldown should refuse new subscribers")
	}
}

func TestConductorTerminate(t *testing.T) {
	f := newConductorFixture(t)
	terminated := false
	f.cond.onTerminate = func() { terminated = true }
	f.cond.validateTerminationToken = func(token []byte) bool { return string(token) == "secret" }

	f.run(t, Command{Type: CmdTerminateDriver, ClientID: 1, CorrelationID: 60, Token: []byte("wrong")})
	if e := f.proxy.last(); e.kind != "error" || e.code != ErrorCodeUnauthorisedAction {
		t.Fatalf("bad token: %+v", e)
	}
	if terminated {
		t.Fatalf("terminated on bad token")
	}

	f.run(t, Command{Type: CmdTerminateDriver, ClientID: 1, CorrelationID: 61, Token: []byte("secret")})
	if !terminated {
		t.Fatalf("not terminated on good token")
	}
}

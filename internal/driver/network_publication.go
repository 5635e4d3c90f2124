package driver

import (
	"sync/atomic"

	"github.com/rzbill/beam/internal/counters"
	"github.com/rzbill/beam/internal/logbuffer"
	"github.com/rzbill/beam/internal/protocol"
)

// Sender timing constants.
const (
	// SetupTimeoutNs paces SETUP emission while a receiver is unseen.
	SetupTimeoutNs int64 = 100 * 1000 * 1000

	// HeartbeatTimeoutNs paces heartbeats on an idle connected stream.
	HeartbeatTimeoutNs int64 = 100 * 1000 * 1000

	// ConnectionTimeoutNs is how long after the last status message a
	// publication still counts as connected.
	ConnectionTimeoutNs int64 = 5 * 1000 * 1000 * 1000

	// maxMessagesPerSend bounds datagrams per publication per send tick.
	maxMessagesPerSend = 2
)

// SendTransport delivers datagrams for one network channel.
type SendTransport interface {
	// Send transmits one datagram; short sends report the bytes taken.
	Send(b []byte) (int, error)

	// Address names the destination for diagnostics.
	Address() string
}

// NetworkPublicationParams carries construction inputs.
type NetworkPublicationParams struct {
	RegistrationID     int64
	SessionID          int32
	StreamID           int32
	Channel            string
	IsExclusive        bool
	TermBufferLength   int32
	MTULength          int32
	TermWindowLength   int32
	InitialTermID      int32
	StartingTermID     int32
	StartingTermOffset int32
	TTL                int32
	LingerTimeoutNs    int64
	UnblockTimeoutNs   int64
	LivenessTimeoutNs  int64
	Untethered         UntetheredTimeouts
	SpiesSimulateConnection bool
	MaxResend          int
}

// NetworkPublication is the sender side of one UDP stream. The conductor
// owns lifecycle and the publisher limit; the sender agent runs the send
// loop and flow control.
type NetworkPublication struct {
	// Spy subscribers attach directly to the log buffer.
	spies Subscribable

	registrationID   int64
	sessionID        int32
	streamID         int32
	channelName      string
	isExclusive      bool
	initialTermID    int32
	positionBits     int32
	termBufferLength int32
	termWindowLength int32
	tripGain         int32
	mtuLength        int32
	ttl              int32

	lb             *logbuffer.LogBuffer
	publisherPos   *counters.Position
	publisherLimit *counters.Position
	senderPosition *counters.Position
	senderLimit    *counters.Position

	transport  SendTransport
	flow       FlowControl
	retransmit *RetransmitHandler

	state            PublicationState
	refCount         int
	reachedEndOfLife bool

	cleanPosition int64
	tripLimit     int64

	// Sender-thread state.
	timeOfLastSetupNs    int64
	timeOfLastDataOrHbNs int64
	setupElicited        atomic.Bool
	lastSMTimestampNs    atomic.Int64
	hasReceivers         atomic.Bool
	hasSentEOS           bool

	// Conductor-observed drain state.
	timeOfLastActivityNs int64

	lingerTimeoutNs         int64
	unblockTimeoutNs        int64
	livenessTimeoutNs       int64
	untethered              UntetheredTimeouts
	spiesSimulateConnection bool

	notifications subscriberNotifications
	sc            *counters.SystemCounters
}

// NewNetworkPublication builds an ACTIVE network publication.
func NewNetworkPublication(params NetworkPublicationParams, lb *logbuffer.LogBuffer, transport SendTransport, flow FlowControl, publisherPos, publisherLimit, senderPos, senderLimit *counters.Position, notifications subscriberNotifications, sc *counters.SystemCounters, nakDelayGen, lingerGen FeedbackDelayGenerator) *NetworkPublication {
	bits := logbuffer.PositionBitsToShift(params.TermBufferLength)
	startPos := logbuffer.ComputePosition(params.StartingTermID, params.StartingTermOffset, bits, params.InitialTermID)
	p := &NetworkPublication{
		registrationID:          params.RegistrationID,
		sessionID:               params.SessionID,
		streamID:                params.StreamID,
		channelName:             params.Channel,
		isExclusive:             params.IsExclusive,
		initialTermID:           params.InitialTermID,
		positionBits:            bits,
		termBufferLength:        params.TermBufferLength,
		termWindowLength:        params.TermWindowLength,
		tripGain:                params.TermWindowLength / 8,
		mtuLength:               params.MTULength,
		ttl:                     params.TTL,
		lb:                      lb,
		publisherPos:            publisherPos,
		publisherLimit:          publisherLimit,
		senderPosition:          senderPos,
		senderLimit:             senderLimit,
		transport:               transport,
		flow:                    flow,
		retransmit:              NewRetransmitHandler(nakDelayGen, lingerGen, params.MaxResend),
		state:                   StateActive,
		refCount:                1,
		cleanPosition:           startPos,
		lingerTimeoutNs:         params.LingerTimeoutNs,
		unblockTimeoutNs:        params.UnblockTimeoutNs,
		livenessTimeoutNs:       params.LivenessTimeoutNs,
		untethered:              params.Untethered,
		spiesSimulateConnection: params.SpiesSimulateConnection,
		notifications:           notifications,
		sc:                      sc,
	}
	publisherPos.SetOrdered(startPos)
	publisherLimit.SetOrdered(startPos)
	senderPos.SetOrdered(startPos)
	senderLimit.SetOrdered(startPos + int64(params.TermWindowLength))
	return p
}

// RegistrationID returns the registration id.
func (p *NetworkPublication) RegistrationID() int64 { return p.registrationID }

// SessionID returns the session id.
func (p *NetworkPublication) SessionID() int32 { return p.sessionID }

// StreamID returns the stream id.
func (p *NetworkPublication) StreamID() int32 { return p.streamID }

// Channel returns the channel URI text.
func (p *NetworkPublication) Channel() string { return p.channelName }

// IsExclusive reports whether the publication refuses sharing.
func (p *NetworkPublication) IsExclusive() bool { return p.isExclusive }

// State returns the lifecycle state.
func (p *NetworkPublication) State() PublicationState { return p.state }

// LogBuffer returns the backing log.
func (p *NetworkPublication) LogBuffer() *logbuffer.LogBuffer { return p.lb }

// PublisherLimitID returns the limit counter id for clients.
func (p *NetworkPublication) PublisherLimitID() int32 { return p.publisherLimit.ID() }

// ProducerPosition reads the producer position off the log tail.
func (p *NetworkPublication) ProducerPosition() int64 { return p.lb.ProducerPosition() }

// SenderPosition reads the sender's progress.
func (p *NetworkPublication) SenderPosition() int64 { return p.senderPosition.Get() }

// IncRef adds one client reference.
func (p *NetworkPublication) IncRef() { p.refCount++ }

// DecRef drops one reference; at zero the publication drains after
// stamping the end-of-stream position.
func (p *NetworkPublication) DecRef() {
	p.refCount--
	if p.refCount == 0 && p.state == StateActive {
		p.state = StateDraining
		p.lb.Meta().SetEndOfStreamPosition(p.ProducerPosition())
	}
}

// RefCount returns the live reference count.
func (p *NetworkPublication) RefCount() int { return p.refCount }

// HasReachedEndOfLife reports the publication is DONE and freeable.
func (p *NetworkPublication) HasReachedEndOfLife() bool { return p.reachedEndOfLife }

// IsAcceptingSubscribers reports whether a spy may attach.
func (p *NetworkPublication) IsAcceptingSubscribers() bool {
	return p.state == StateActive || p.state == StateDraining
}

// AttachSpy wires a local spy subscriber at the sender position.
func (p *NetworkPublication) AttachSpy(link *SubscriptionLink, position *counters.Position, nowNs int64) {
	position.SetOrdered(p.senderPosition.Get())
	p.spies.AddSubscriber(link, position, nowNs)
	p.updateConnectedStatus()
}

// DetachSpy removes a spy; caller closes the returned position.
func (p *NetworkPublication) DetachSpy(link *SubscriptionLink) *counters.Position {
	position := p.spies.RemoveSubscriber(link)
	p.updateConnectedStatus()
	return position
}

// HasSpies reports whether any spy is attached.
func (p *NetworkPublication) HasSpies() bool { return p.spies.HasSubscribers() }

// IsConnected reports a live receiver, or a spy when spies simulate a
// connection.
func (p *NetworkPublication) IsConnected(nowNs int64) bool {
	if p.hasReceivers.Load() && nowNs-p.lastSMTimestampNs.Load() <= ConnectionTimeoutNs {
		return true
	}
	return p.spiesSimulateConnection && p.spies.HasSubscribers()
}

// --- Sender-thread path ---

// OnStatusMessage folds a receiver report into flow control. Sender
// thread only. Spy positions never enter the flow-control aggregate; they
// only influence the publisher limit on the conductor side.
func (p *NetworkPublication) OnStatusMessage(sm protocol.StatusFrame, nowNs int64) {
	p.lastSMTimestampNs.Store(nowNs)
	p.hasReceivers.Store(true)
	if sm.Flags&protocol.SendSetupFlag != 0 {
		p.setupElicited.Store(true)
	}

	position := logbuffer.ComputePosition(sm.ConsumptionTermID, sm.ConsumptionTermOffset, p.positionBits, p.initialTermID)
	newLimit := p.flow.OnStatusMessage(sm, position, nowNs)
	if newLimit > p.senderLimit.Get() {
		p.senderLimit.SetOrdered(newLimit)
	}
	p.sc.StatusMessagesReceived.Increment()
}

// OnNak schedules a retransmission. Sender thread only.
func (p *NetworkPublication) OnNak(nak protocol.NakFrame, nowNs int64) {
	p.sc.NaksReceived.Increment()
	p.retransmit.OnNak(nak.TermID, nak.TermOffset, nak.Length, nowNs, p.resend)
}

// OnRttMeasurement echoes RTT probes. Sender thread only.
func (p *NetworkPublication) OnRttMeasurement(rtt protocol.RttFrame, nowNs int64) {
	if rtt.Flags&protocol.RttReplyFlag != 0 {
		return
	}
	reply := protocol.RttFrame{
		Flags:           protocol.RttReplyFlag,
		SessionID:       p.sessionID,
		StreamID:        p.streamID,
		EchoTimestampNs: rtt.EchoTimestampNs,
		ReceiverID:      rtt.ReceiverID,
	}
	_, _ = p.transport.Send(reply.Encode(nil))
}

// resend copies committed frames for a NAK range back onto the wire, only
// touching bytes that are both committed and not yet cleaned.
func (p *NetworkPublication) resend(termID, termOffset, length int32) {
	resendPosition := logbuffer.ComputePosition(termID, termOffset, p.positionBits, p.initialTermID)
	bottom := p.cleanPosition
	if resendPosition < bottom || resendPosition >= p.ProducerPosition() {
		return
	}

	remaining := length
	position := resendPosition
	for remaining > 0 {
		chunk, next := logbuffer.BlockForFrames(p.lb, position, position+int64(remaining), p.mtuLength)
		if chunk == nil {
			break
		}
		n, err := p.transport.Send(chunk)
		if err != nil || n < len(chunk) {
			p.sc.ShortSends.Increment()
			break
		}
		remaining -= int32(next - position)
		position = next
		p.sc.RetransmitsSent.Increment()
	}
}

// Send is one sender duty-cycle tick: SETUP while eliciting, then data up
// to the flow-control limit, then heartbeats on idle. Returns bytes sent.
func (p *NetworkPublication) Send(nowNs int64) int {
	bytesSent := 0

	if !p.hasReceivers.Load() || p.setupElicited.Load() {
		if nowNs-p.timeOfLastSetupNs >= SetupTimeoutNs {
			p.sendSetup(nowNs)
		}
	}

	senderPosition := p.senderPosition.Get()
	limit := p.senderLimit.Get()
	if producer := p.ProducerPosition(); producer < limit {
		limit = producer
	}

	for i := 0; i < maxMessagesPerSend && senderPosition < limit; i++ {
		chunk, next := logbuffer.BlockForFrames(p.lb, senderPosition, limit, p.mtuLength)
		if chunk == nil {
			break
		}
		n, err := p.transport.Send(chunk)
		if err != nil || n < len(chunk) {
			p.sc.ShortSends.Increment()
			break
		}
		senderPosition = next
		bytesSent += n
		p.timeOfLastDataOrHbNs = nowNs
		p.sc.BytesSent.Add(int64(n))
	}

	if bytesSent > 0 {
		p.senderPosition.SetOrdered(senderPosition)
	} else {
		if senderPosition < limit {
			// Data available but nothing sent; receivers will see the gap
			// next tick.
			p.sc.BackPressureEvents.Increment()
		}
		if p.hasReceivers.Load() && nowNs-p.timeOfLastDataOrHbNs >= HeartbeatTimeoutNs {
			p.sendHeartbeat(nowNs)
		}
	}

	p.retransmit.ProcessTimeouts(nowNs, p.resend)
	newLimit := p.flow.OnIdle(nowNs, p.senderLimit.Get())
	if newLimit != p.senderLimit.Get() {
		p.senderLimit.SetOrdered(newLimit)
	}
	return bytesSent
}

func (p *NetworkPublication) sendSetup(nowNs int64) {
	termCount := p.lb.Meta().ActiveTermCount()
	activeTermID := p.initialTermID + termCount
	rawTail := p.lb.Meta().RawTailVolatile(logbuffer.IndexByTermCount(termCount))
	setup := protocol.SetupFrame{
		TermOffset:    logbuffer.RawTailTermOffset(rawTail, p.termBufferLength),
		SessionID:     p.sessionID,
		StreamID:      p.streamID,
		InitialTermID: p.initialTermID,
		ActiveTermID:  activeTermID,
		TermLength:    p.termBufferLength,
		MTULength:     p.mtuLength,
		TTL:           p.ttl,
	}
	if _, err := p.transport.Send(setup.Encode(nil)); err == nil {
		p.timeOfLastSetupNs = nowNs
		p.setupElicited.Store(false)
	}
}

func (p *NetworkPublication) sendHeartbeat(nowNs int64) {
	senderPosition := p.senderPosition.Get()
	termID := logbuffer.ComputeTermIDFromPosition(senderPosition, p.positionBits, p.initialTermID)
	termOffset := logbuffer.ComputeTermOffsetFromPosition(senderPosition, p.positionBits)

	flags := logbuffer.Unfragmented
	if p.state == StateDraining || p.state == StateLinger {
		flags |= logbuffer.EndOfStreamFlag
		p.hasSentEOS = true
	}
	if p.lb.Meta().IsRevoked() {
		flags |= logbuffer.RevokedFlag
	}

	hb := protocol.DataHeader{
		FrameLength: 0,
		Flags:       flags,
		Type:        logbuffer.HdrTypeData,
		TermOffset:  termOffset,
		SessionID:   p.sessionID,
		StreamID:    p.streamID,
		TermID:      termID,
	}
	if _, err := p.transport.Send(protocol.EncodeDataHeader(nil, hb)); err == nil {
		p.timeOfLastDataOrHbNs = nowNs
		p.sc.HeartbeatsSent.Increment()
	}
}

// --- Conductor path ---

// OnTimeEvent advances lifecycle one conductor tick.
func (p *NetworkPublication) OnTimeEvent(nowNs int64) {
	switch p.state {
	case StateActive:
		if p.lb.Meta().IsRevoked() {
			producerPosition := p.ProducerPosition()
			p.publisherLimit.SetOrdered(producerPosition)
			p.lb.Meta().SetEndOfStreamPosition(producerPosition)
			p.sc.PublicationsRevoked.Increment()
			p.disconnectSpies()
			p.state = StateLinger
			p.timeOfLastActivityNs = nowNs
			return
		}
		p.spies.CheckUntethered(nowNs, p.senderPosition.Get(), p.termWindowLength, p.untethered, UntetheredCallbacks{
			OnUnavailable: func(link *SubscriptionLink) {
				p.notifications.NotifyUnavailableImage(p.registrationID, link, p.streamID, p.channelName)
			},
			OnAvailable: func(link *SubscriptionLink, joinPosition int64) {
				p.notifications.NotifyAvailableImage(p.registrationID, p.sessionID, p.streamID, link, 0, joinPosition, "", p.channelName)
			},
		})
		p.publisherPos.SetOrdered(p.ProducerPosition())
		if !p.isExclusive {
			p.checkForBlockedPublisher(nowNs)
		}
		p.updateConnectedStatus()

	case StateDraining:
		producerPosition := p.ProducerPosition()
		p.publisherPos.SetOrdered(producerPosition)
		senderPosition := p.senderPosition.Get()
		if senderPosition >= producerPosition && p.spiesDrained(producerPosition) {
			p.state = StateLinger
			p.timeOfLastActivityNs = nowNs
			p.disconnectSpies()
		} else if p.lb.Unblock(senderPosition, p.sessionID, p.streamID) {
			p.sc.UnblockedPublications.Increment()
		}

	case StateLinger:
		if p.refCount == 0 && nowNs-p.timeOfLastActivityNs >= p.lingerTimeoutNs {
			p.state = StateDone
			p.reachedEndOfLife = true
		}
	}
}

// UpdatePublisherPositionAndLimit derives the publisher limit from the
// slowest of the sender position and any spy subscriber, so both network
// back-pressure and spy lag throttle the publisher.
func (p *NetworkPublication) UpdatePublisherPositionAndLimit() int {
	workCount := 0
	minPosition := p.senderPosition.Get()
	if p.spies.HasSubscribers() {
		if spyMin := p.spies.MinSubscriberPosition(minPosition); spyMin < minPosition {
			minPosition = spyMin
		}
	}

	proposedLimit := minPosition + int64(p.termWindowLength)
	if proposedLimit >= p.tripLimit {
		p.cleanBufferTo(minPosition)
		p.publisherLimit.SetOrdered(proposedLimit)
		p.tripLimit = proposedLimit + int64(p.tripGain)
		workCount = 1
	}
	return workCount
}

func (p *NetworkPublication) cleanBufferTo(position int64) {
	reclaimable := position - int64(p.termBufferLength)
	if reclaimable > p.cleanPosition {
		p.cleanPosition = p.lb.CleanTo(p.cleanPosition, reclaimable)
	}
}

func (p *NetworkPublication) checkForBlockedPublisher(nowNs int64) {
	senderPosition := p.senderPosition.Get()
	if p.ProducerPosition() > senderPosition &&
		nowNs-p.timeOfLastActivityNs >= p.unblockTimeoutNs {
		if p.lb.Unblock(senderPosition, p.sessionID, p.streamID) {
			p.sc.UnblockedPublications.Increment()
			p.timeOfLastActivityNs = nowNs
		}
	} else if p.ProducerPosition() == senderPosition {
		p.timeOfLastActivityNs = nowNs
	}
}

func (p *NetworkPublication) spiesDrained(position int64) bool {
	return p.spies.MinSubscriberPosition(position) >= position
}

func (p *NetworkPublication) updateConnectedStatus() {
	connected := p.hasReceivers.Load() || (p.spiesSimulateConnection && p.spies.HasSubscribers())
	p.lb.Meta().SetIsConnected(connected)
}

func (p *NetworkPublication) disconnectSpies() {
	p.spies.CloseAll(func(link *SubscriptionLink, position *counters.Position) {
		p.notifications.NotifyUnavailableImage(p.registrationID, link, p.streamID, p.channelName)
		position.Close()
	})
	p.lb.Meta().SetIsConnected(false)
}

// Close releases positions and the log; conductor-only, after DONE.
func (p *NetworkPublication) Close() {
	p.spies.CloseAll(func(_ *SubscriptionLink, position *counters.Position) {
		position.Close()
	})
	p.publisherPos.Close()
	p.publisherLimit.Close()
	p.senderPosition.Close()
	p.senderLimit.Close()
	_ = p.lb.Free()
}

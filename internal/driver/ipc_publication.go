package driver

import (
	"github.com/rzbill/beam/internal/counters"
	"github.com/rzbill/beam/internal/logbuffer"
)

// IpcPublicationParams carries construction inputs resolved from config
// and channel URI.
type IpcPublicationParams struct {
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
	LingerTimeoutNs    int64
	UnblockTimeoutNs   int64
	LivenessTimeoutNs  int64
	Untethered         UntetheredTimeouts
}

// IpcPublication is an in-process shared-memory stream: the producer and
// every consumer share one log buffer, and the driver only runs position
// accounting, cleaning, and lifecycle.
type IpcPublication struct {
	Subscribable

	registrationID     int64
	sessionID          int32
	streamID           int32
	channelName        string
	isExclusive        bool
	initialTermID      int32
	startingTermID     int32
	startingTermOffset int32
	positionBits       int32
	termBufferLength   int32
	termWindowLength   int32
	tripGain           int32

	lb             *logbuffer.LogBuffer
	publisherPos   *counters.Position
	publisherLimit *counters.Position

	state            PublicationState
	refCount         int
	reachedEndOfLife bool

	consumerPosition                   int64
	lastConsumerPosition               int64
	timeOfLastConsumerPositionUpdateNs int64
	cleanPosition                      int64
	tripLimit                          int64

	inCoolDown       bool
	coolDownExpireNs int64

	lingerTimeoutNs   int64
	unblockTimeoutNs  int64
	livenessTimeoutNs int64
	untethered        UntetheredTimeouts

	notifications         subscriberNotifications
	unblockedPublications *counters.Counter
	publicationsRevoked   *counters.Counter
}

// NewIpcPublication builds an ACTIVE publication over lb.
func NewIpcPublication(params IpcPublicationParams, lb *logbuffer.LogBuffer, publisherPos, publisherLimit *counters.Position, notifications subscriberNotifications, unblocked, revoked *counters.Counter) *IpcPublication {
	bits := logbuffer.PositionBitsToShift(params.TermBufferLength)
	startPos := logbuffer.ComputePosition(params.StartingTermID, params.StartingTermOffset, bits, params.InitialTermID)
	p := &IpcPublication{
		registrationID:        params.RegistrationID,
		sessionID:             params.SessionID,
		streamID:              params.StreamID,
		channelName:           params.Channel,
		isExclusive:           params.IsExclusive,
		initialTermID:         params.InitialTermID,
		startingTermID:        params.StartingTermID,
		startingTermOffset:    params.StartingTermOffset,
		positionBits:          bits,
		termBufferLength:      params.TermBufferLength,
		termWindowLength:      params.TermWindowLength,
		tripGain:              params.TermWindowLength / 8,
		lb:                    lb,
		publisherPos:          publisherPos,
		publisherLimit:        publisherLimit,
		state:                 StateActive,
		refCount:              1,
		consumerPosition:      startPos,
		lastConsumerPosition:  startPos,
		cleanPosition:         startPos,
		lingerTimeoutNs:       params.LingerTimeoutNs,
		unblockTimeoutNs:      params.UnblockTimeoutNs,
		livenessTimeoutNs:     params.LivenessTimeoutNs,
		untethered:            params.Untethered,
		notifications:         notifications,
		unblockedPublications: unblocked,
		publicationsRevoked:   revoked,
	}
	publisherPos.SetOrdered(startPos)
	publisherLimit.SetOrdered(startPos)
	return p
}

// RegistrationID returns the publication's registration id.
func (p *IpcPublication) RegistrationID() int64 { return p.registrationID }

// SessionID returns the stream's session id.
func (p *IpcPublication) SessionID() int32 { return p.sessionID }

// StreamID returns the stream id.
func (p *IpcPublication) StreamID() int32 { return p.streamID }

// Channel returns the channel the publication was added on.
func (p *IpcPublication) Channel() string { return p.channelName }

// IsExclusive reports whether the publication refuses sharing.
func (p *IpcPublication) IsExclusive() bool { return p.isExclusive }

// State returns the lifecycle state.
func (p *IpcPublication) State() PublicationState { return p.state }

// LogBuffer returns the backing log.
func (p *IpcPublication) LogBuffer() *logbuffer.LogBuffer { return p.lb }

// PublisherLimitID returns the counter id clients poll for their limit.
func (p *IpcPublication) PublisherLimitID() int32 { return p.publisherLimit.ID() }

// ProducerPosition reads the producer position off the log tail.
func (p *IpcPublication) ProducerPosition() int64 { return p.lb.ProducerPosition() }

// ConsumerPosition returns the fastest consumer position seen.
func (p *IpcPublication) ConsumerPosition() int64 { return p.consumerPosition }

// JoinPosition is where a new subscriber starts reading.
func (p *IpcPublication) JoinPosition() int64 { return p.consumerPosition }

// IncRef adds one client reference.
func (p *IpcPublication) IncRef() { p.refCount++ }

// DecRef drops one client reference; at zero an ACTIVE publication
// drains. A revoked publication is already lingering and keeps its state.
func (p *IpcPublication) DecRef() {
	p.refCount--
	if p.refCount == 0 && p.state == StateActive {
		p.state = StateDraining
		p.lb.Meta().SetEndOfStreamPosition(p.ProducerPosition())
	}
}

// RefCount returns the live reference count.
func (p *IpcPublication) RefCount() int { return p.refCount }

// HasReachedEndOfLife reports the publication is DONE and freeable.
func (p *IpcPublication) HasReachedEndOfLife() bool { return p.reachedEndOfLife }

// IsAcceptingSubscribers reports whether a new subscriber may join.
func (p *IpcPublication) IsAcceptingSubscribers() bool {
	return !p.inCoolDown && (p.state == StateActive || p.state == StateDraining)
}

// AttachSubscriber wires a subscriber starting at the join position.
func (p *IpcPublication) AttachSubscriber(link *SubscriptionLink, position *counters.Position, nowNs int64) {
	position.SetOrdered(p.JoinPosition())
	p.AddSubscriber(link, position, nowNs)
	p.lb.Meta().SetIsConnected(true)
}

// DetachSubscriber removes a subscriber; the caller closes the returned
// position.
func (p *IpcPublication) DetachSubscriber(link *SubscriptionLink) *counters.Position {
	position := p.RemoveSubscriber(link)
	if !p.HasSubscribers() {
		p.lb.Meta().SetIsConnected(false)
	}
	return position
}

// Reject disconnects every subscriber at position with an error and
// enters cooldown; no new subscriber may join until the liveness timeout
// passes.
func (p *IpcPublication) Reject(reason string, nowNs int64) {
	p.disconnectSubscribers()
	p.inCoolDown = true
	p.coolDownExpireNs = nowNs + p.livenessTimeoutNs
	_ = reason
}

// OnTimeEvent advances the state machine one conductor tick.
func (p *IpcPublication) OnTimeEvent(nowNs int64) {
	switch p.state {
	case StateActive:
		if p.lb.Meta().IsRevoked() {
			producerPosition := p.ProducerPosition()
			p.publisherLimit.SetOrdered(producerPosition)
			p.lb.Meta().SetEndOfStreamPosition(producerPosition)
			p.publicationsRevoked.Increment()
			p.disconnectSubscribers()
			p.state = StateLinger
			p.timeOfLastConsumerPositionUpdateNs = nowNs
			return
		}
		p.CheckUntethered(nowNs, p.consumerPosition, p.termWindowLength, p.untethered, UntetheredCallbacks{
			OnUnavailable: func(link *SubscriptionLink) {
				p.notifications.NotifyUnavailableImage(p.registrationID, link, p.streamID, p.channelName)
			},
			OnAvailable: func(link *SubscriptionLink, joinPosition int64) {
				p.notifications.NotifyAvailableImage(p.registrationID, p.sessionID, p.streamID, link, 0, joinPosition, "", "aeron:ipc")
			},
		})
		p.publisherPos.SetOrdered(p.ProducerPosition())
		if !p.isExclusive {
			p.checkForBlockedPublisher(nowNs)
		}
		if p.inCoolDown && nowNs >= p.coolDownExpireNs {
			p.inCoolDown = false
		}

	case StateDraining:
		producerPosition := p.ProducerPosition()
		p.publisherPos.SetOrdered(producerPosition)
		if p.isDrained(producerPosition) {
			p.state = StateLinger
			p.timeOfLastConsumerPositionUpdateNs = nowNs
			p.disconnectSubscribers()
		} else if p.lb.Unblock(p.consumerPosition, p.sessionID, p.streamID) {
			p.unblockedPublications.Increment()
		}

	case StateLinger:
		if p.refCount == 0 && nowNs-p.timeOfLastConsumerPositionUpdateNs >= p.lingerTimeoutNs {
			p.state = StateDone
			p.reachedEndOfLife = true
		}
	}
}

// UpdatePublisherPositionAndLimit advances the consumer position, cleans
// consumed terms, and publishes a new publisher limit when it moves by at
// least the trip gain. Returns a work count for the duty cycle.
func (p *IpcPublication) UpdatePublisherPositionAndLimit() int {
	workCount := 0

	if p.HasSubscribers() {
		minSub := p.MinSubscriberPosition(p.consumerPosition)
		maxSub := p.MaxSubscriberPosition(p.consumerPosition)
		if maxSub > p.consumerPosition {
			p.consumerPosition = maxSub
		}

		proposedLimit := minSub + int64(p.termWindowLength)
		if proposedLimit >= p.tripLimit {
			p.cleanBufferTo(minSub)
			p.publisherLimit.SetOrdered(proposedLimit)
			p.tripLimit = proposedLimit + int64(p.tripGain)
			workCount = 1
		}
	} else if p.publisherLimit.Get() > p.consumerPosition {
		p.tripLimit = p.consumerPosition
		p.publisherLimit.SetOrdered(p.consumerPosition)
		p.cleanBufferTo(p.consumerPosition)
		workCount = 1
	}

	return workCount
}

func (p *IpcPublication) cleanBufferTo(position int64) {
	reclaimable := position - int64(p.termBufferLength)
	if reclaimable > p.cleanPosition {
		p.cleanPosition = p.lb.CleanTo(p.cleanPosition, reclaimable)
	}
}

// checkForBlockedPublisher pads over a claimed-but-never-committed frame
// once consumers have been stuck on it for the unblock timeout.
func (p *IpcPublication) checkForBlockedPublisher(nowNs int64) {
	consumerPosition := p.consumerPosition
	if consumerPosition == p.lastConsumerPosition && p.HasSubscribers() {
		if p.ProducerPosition() > consumerPosition &&
			nowNs-p.timeOfLastConsumerPositionUpdateNs >= p.unblockTimeoutNs {
			if p.lb.Unblock(consumerPosition, p.sessionID, p.streamID) {
				p.unblockedPublications.Increment()
			}
		}
	} else {
		p.timeOfLastConsumerPositionUpdateNs = nowNs
		p.lastConsumerPosition = consumerPosition
	}
}

func (p *IpcPublication) isDrained(producerPosition int64) bool {
	return p.MinSubscriberPosition(producerPosition) >= producerPosition
}

func (p *IpcPublication) disconnectSubscribers() {
	p.CloseAll(func(link *SubscriptionLink, position *counters.Position) {
		p.notifications.NotifyUnavailableImage(p.registrationID, link, p.streamID, p.channelName)
		position.Close()
	})
	p.lb.Meta().SetIsConnected(false)
}

// Close releases positions and the log; conductor-only, after DONE.
func (p *IpcPublication) Close() {
	p.CloseAll(func(_ *SubscriptionLink, position *counters.Position) {
		position.Close()
	})
	p.publisherPos.Close()
	p.publisherLimit.Close()
	_ = p.lb.Free()
}

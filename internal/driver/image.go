package driver

import (
	"sync/atomic"

	"github.com/rzbill/beam/internal/counters"
	"github.com/rzbill/beam/internal/logbuffer"
	"github.com/rzbill/beam/internal/protocol"
)

// Image lifecycle states.
type ImageState int32

const (
	ImageInit ImageState = iota
	ImageActive
	ImageLinger
	ImageDone
)

// PublicationImageParams carries construction inputs for an image.
type PublicationImageParams struct {
	CorrelationID     int64
	SessionID         int32
	StreamID          int32
	Channel           string
	SourceIdentity    string
	InitialTermID     int32
	ActiveTermID      int32
	TermOffset        int32
	TermLength        int32
	MTULength         int32
	WindowLength      int32
	ReceiverID        int64
	LivenessTimeoutNs int64
	SMTimeoutNs       int64
	Untethered        UntetheredTimeouts
	NakDelayGen       FeedbackDelayGenerator
}

// PublicationImage reassembles one sender's stream observed on one receive
// channel. The receiver thread inserts packets and runs loss detection;
// the conductor owns lifecycle and subscriber linkage.
type PublicationImage struct {
	Subscribable

	correlationID  int64
	sessionID      int32
	streamID       int32
	channelName    string
	sourceIdentity string
	initialTermID  int32
	positionBits   int32
	termLength     int32
	mtuLength      int32
	windowLength   int32
	receiverID     int64

	lb          *logbuffer.LogBuffer
	hwmPosition *counters.Position
	rcvPosition *counters.Position

	// Receiver-thread rebuild cursor; mirrored into rcvPosition with
	// release stores.
	rebuildPosition int64

	state            ImageState
	reachedEndOfLife bool
	inCoolDown       bool
	coolDownExpireNs int64

	timeOfLastPacketNs atomic.Int64
	endOfStreamPos     atomic.Int64
	eosSeen            atomic.Bool
	lastRttNs          atomic.Int64

	livenessTimeoutNs int64
	smTimeoutNs       int64
	untethered        UntetheredTimeouts

	// Status message pacing.
	smDeadlineNs        int64
	lastSMPosition      int64
	lastSMWindowLimit   int64
	lastStatusMessageNs atomic.Int64

	// NAK state.
	nakDelayGen FeedbackDelayGenerator
	activeGap   gap
	hasGap      bool
	nakDeadline int64
	rcvNaksSent atomic.Int64

	// Loss tracking for the loss report, published with a begin/end
	// counter pair so observers can take a consistent snapshot.
	beginLossChange atomic.Int64
	endLossChange   atomic.Int64
	lossTermID      int32
	lossTermOffset  int32
	lossLength      int32

	heartbeatsReceived     *counters.Counter
	flowControlUnderRuns   *counters.Counter
	flowControlOverRuns    *counters.Counter
	naksSentCounter        *counters.Counter
	statusMessagesSent     *counters.Counter

	notifications subscriberNotifications
}

type gap struct {
	termID int32
	offset int32
	length int32
}

// NewPublicationImage builds an image in INIT; it becomes ACTIVE when
// Activate is called after SETUP handling.
func NewPublicationImage(params PublicationImageParams, lb *logbuffer.LogBuffer, hwm, rcv *counters.Position, notifications subscriberNotifications, sc *counters.SystemCounters) *PublicationImage {
	bits := logbuffer.PositionBitsToShift(params.TermLength)
	initialPosition := logbuffer.ComputePosition(params.ActiveTermID, params.TermOffset, bits, params.InitialTermID)
	img := &PublicationImage{
		correlationID:        params.CorrelationID,
		sessionID:            params.SessionID,
		streamID:             params.StreamID,
		channelName:          params.Channel,
		sourceIdentity:       params.SourceIdentity,
		initialTermID:        params.InitialTermID,
		positionBits:         bits,
		termLength:           params.TermLength,
		mtuLength:            params.MTULength,
		windowLength:         params.WindowLength,
		receiverID:           params.ReceiverID,
		lb:                   lb,
		hwmPosition:          hwm,
		rcvPosition:          rcv,
		rebuildPosition:      initialPosition,
		state:                ImageInit,
		livenessTimeoutNs:    params.LivenessTimeoutNs,
		smTimeoutNs:          params.SMTimeoutNs,
		untethered:           params.Untethered,
		nakDelayGen:          params.NakDelayGen,
		heartbeatsReceived:   sc.HeartbeatsReceived,
		flowControlUnderRuns: sc.FlowControlUnderRuns,
		flowControlOverRuns:  sc.FlowControlOverRuns,
		naksSentCounter:      sc.NaksSent,
		statusMessagesSent:   sc.StatusMessagesSent,
		notifications:        notifications,
	}
	img.endOfStreamPos.Store(int64(^uint64(0) >> 1))
	hwm.SetOrdered(initialPosition)
	rcv.SetOrdered(initialPosition)
	return img
}

// CorrelationID identifies the image to subscribers.
func (img *PublicationImage) CorrelationID() int64 { return img.correlationID }

// SessionID returns the sender's session id.
func (img *PublicationImage) SessionID() int32 { return img.sessionID }

// StreamID returns the stream id.
func (img *PublicationImage) StreamID() int32 { return img.streamID }

// Channel returns the receive channel.
func (img *PublicationImage) Channel() string { return img.channelName }

// SourceIdentity names the sender's address.
func (img *PublicationImage) SourceIdentity() string { return img.sourceIdentity }

// State returns the lifecycle state.
func (img *PublicationImage) State() ImageState { return img.state }

// LogBuffer returns the backing log.
func (img *PublicationImage) LogBuffer() *logbuffer.LogBuffer { return img.lb }

// HwmPosition reads the high water mark.
func (img *PublicationImage) HwmPosition() int64 { return img.hwmPosition.Get() }

// RcvPosition reads the contiguous receive position.
func (img *PublicationImage) RcvPosition() int64 { return img.rcvPosition.Get() }

// NaksSent returns how many NAKs this image has emitted.
func (img *PublicationImage) NaksSent() int64 { return img.rcvNaksSent.Load() }

// RecordRttMeasurement stores the latest measured round-trip time. No
// congestion-control strategy consumes it; it is kept for inspection.
func (img *PublicationImage) RecordRttMeasurement(rttNs int64) { img.lastRttNs.Store(rttNs) }

// LastRttNs returns the latest measured round-trip time, zero before any
// measurement completes.
func (img *PublicationImage) LastRttNs() int64 { return img.lastRttNs.Load() }

// Activate marks the image live after SETUP handling.
func (img *PublicationImage) Activate(nowNs int64) {
	img.state = ImageActive
	img.timeOfLastPacketNs.Store(nowNs)
	img.smDeadlineNs = nowNs
}

// IsAcceptingSubscribers reports whether a new subscriber may attach.
func (img *PublicationImage) IsAcceptingSubscribers() bool {
	return !img.inCoolDown && (img.state == ImageInit || img.state == ImageActive)
}

// InsertPacket copies a DATA or PAD frame into the term buffer and
// advances the high water mark. Heartbeats (bare headers with a zero
// frame length) advance the mark without inserting. Receiver thread only.
func (img *PublicationImage) InsertPacket(termID, termOffset int32, packet []byte, nowNs int64) {
	isHeartbeat := len(packet) == logbuffer.HeaderLength
	packetPosition := logbuffer.ComputePosition(termID, termOffset, img.positionBits, img.initialTermID)
	proposedPosition := packetPosition
	if !isHeartbeat {
		proposedPosition += int64(len(packet))
	}

	hwm := img.hwmPosition.Get()
	window := int64(img.windowLength)
	if proposedPosition < hwm-window {
		img.flowControlUnderRuns.Increment()
		return
	}
	if proposedPosition > hwm+window {
		img.flowControlOverRuns.Increment()
		return
	}

	img.timeOfLastPacketNs.Store(nowNs)

	if isHeartbeat {
		img.heartbeatsReceived.Increment()
		hdr, err := protocol.DecodeDataHeader(packet)
		if err == nil && hdr.Flags&logbuffer.EndOfStreamFlag != 0 {
			img.endOfStreamPos.Store(packetPosition)
			img.eosSeen.Store(true)
		}
	} else {
		index := logbuffer.IndexByTerm(img.initialTermID, termID)
		logbuffer.RebuildInsert(img.lb.Term(index), termOffset, packet)
	}

	img.hwmPosition.ProposeMaxOrdered(proposedPosition)
}

// Rebuild advances the contiguous receive position over committed frames
// and runs gap detection. Receiver thread only. Returns a NAK frame to
// send when a gap's feedback delay has expired.
func (img *PublicationImage) Rebuild(nowNs int64) (protocol.NakFrame, bool) {
	hwm := img.hwmPosition.Get()
	rebuild := img.rebuildPosition

	for rebuild < hwm {
		index := logbuffer.IndexByPosition(rebuild, img.positionBits)
		termOffset := logbuffer.ComputeTermOffsetFromPosition(rebuild, img.positionBits)
		frameLength := logbuffer.FrameLengthVolatile(img.lb.Term(index), termOffset)
		if frameLength <= 0 {
			break
		}
		rebuild += int64(logbuffer.Align(frameLength, logbuffer.FrameAlignment))
	}
	if rebuild != img.rebuildPosition {
		img.rebuildPosition = rebuild
		img.rcvPosition.SetOrdered(rebuild)
	}

	return img.detectLoss(rebuild, hwm, nowNs)
}

func (img *PublicationImage) detectLoss(rebuild, hwm int64, nowNs int64) (protocol.NakFrame, bool) {
	if rebuild >= hwm {
		img.hasGap = false
		return protocol.NakFrame{}, false
	}

	termID := logbuffer.ComputeTermIDFromPosition(rebuild, img.positionBits, img.initialTermID)
	index := logbuffer.IndexByPosition(rebuild, img.positionBits)
	rebuildOffset := logbuffer.ComputeTermOffsetFromPosition(rebuild, img.positionBits)

	hwmOffset := img.termLength
	if hwmTermID := logbuffer.ComputeTermIDFromPosition(hwm, img.positionBits, img.initialTermID); hwmTermID == termID {
		hwmOffset = logbuffer.ComputeTermOffsetFromPosition(hwm, img.positionBits)
	}

	gapOffset, gapLength, found := logbuffer.ScanForGap(img.lb.Term(index), rebuildOffset, hwmOffset, img.termLength)
	if !found {
		img.hasGap = false
		return protocol.NakFrame{}, false
	}

	g := gap{termID: termID, offset: gapOffset, length: gapLength}
	if !img.hasGap || img.activeGap != g {
		img.hasGap = true
		img.activeGap = g
		img.trackLoss(g)
		img.nakDeadline = nowNs + img.nakDelayGen.Generate(false)
		return protocol.NakFrame{}, false
	}

	if nowNs < img.nakDeadline {
		return protocol.NakFrame{}, false
	}

	img.rcvNaksSent.Add(1)
	img.naksSentCounter.Increment()
	img.nakDeadline = nowNs + img.nakDelayGen.Generate(true)
	return protocol.NakFrame{
		SessionID:  img.sessionID,
		StreamID:   img.streamID,
		TermID:     g.termID,
		TermOffset: g.offset,
		Length:     g.length,
	}, true
}

// trackLoss records a gap observation only when it extends the currently
// tracked one: longer, overlapping at a higher offset, or a new term. The
// begin/end pair lets an observer retry until it reads a stable snapshot.
func (img *PublicationImage) trackLoss(g gap) {
	if img.lossTermID == g.termID && img.lossTermOffset == g.offset && img.lossLength >= g.length {
		return
	}
	seq := img.beginLossChange.Add(1)
	img.lossTermID = g.termID
	img.lossTermOffset = g.offset
	img.lossLength = g.length
	img.endLossChange.Store(seq)
}

// LossSnapshot reads a consistent (termId, termOffset, length) loss
// observation, retrying while a change is in flight. ok is false when no
// loss has been recorded.
func (img *PublicationImage) LossSnapshot() (termID, termOffset, length int32, ok bool) {
	for {
		end := img.endLossChange.Load()
		if end == 0 {
			return 0, 0, 0, false
		}
		termID = img.lossTermID
		termOffset = img.lossTermOffset
		length = img.lossLength
		if img.beginLossChange.Load() == end {
			return termID, termOffset, length, true
		}
	}
}

// StatusMessageTick emits a status message when the deadline passed or
// consumption advanced by the window gain. Receiver thread only.
func (img *PublicationImage) StatusMessageTick(nowNs int64) (protocol.StatusFrame, bool) {
	position := img.rebuildPosition
	windowGain := int64(img.windowLength / 4)
	windowEdge := img.lastSMPosition + windowGain

	if nowNs < img.smDeadlineNs && position < windowEdge {
		return protocol.StatusFrame{}, false
	}

	img.smDeadlineNs = nowNs + img.smTimeoutNs
	img.lastSMPosition = position
	img.lastSMWindowLimit = position + int64(img.windowLength)
	img.statusMessagesSent.Increment()

	termID := logbuffer.ComputeTermIDFromPosition(position, img.positionBits, img.initialTermID)
	termOffset := logbuffer.ComputeTermOffsetFromPosition(position, img.positionBits)
	flags := uint8(0)
	if img.eosSeen.Load() && position >= img.endOfStreamPos.Load() {
		flags |= protocol.EndOfStreamFlag
	}
	return protocol.StatusFrame{
		Flags:                 flags,
		SessionID:             img.sessionID,
		StreamID:              img.streamID,
		ConsumptionTermID:     termID,
		ConsumptionTermOffset: termOffset,
		ReceiverWindow:        img.windowLength,
		ReceiverID:            img.receiverID,
	}, true
}

// AttachSubscriber wires a subscriber at the image's rebuild position.
func (img *PublicationImage) AttachSubscriber(link *SubscriptionLink, position *counters.Position, nowNs int64) {
	position.SetOrdered(img.rcvPosition.Get())
	img.AddSubscriber(link, position, nowNs)
	img.lb.Meta().SetIsConnected(true)
}

// DetachSubscriber removes a subscriber; the caller closes the returned
// position.
func (img *PublicationImage) DetachSubscriber(link *SubscriptionLink) *counters.Position {
	position := img.RemoveSubscriber(link)
	if !img.HasSubscribers() {
		img.lb.Meta().SetIsConnected(false)
	}
	return position
}

// Reject tears the image down on client request and enters cooldown until
// the liveness timeout expires; new subscribers are refused meanwhile.
func (img *PublicationImage) Reject(reason string, nowNs int64) {
	img.inCoolDown = true
	img.coolDownExpireNs = nowNs + img.livenessTimeoutNs
	img.disconnectSubscribers()
	img.state = ImageLinger
	_ = reason
}

// OnTimeEvent advances lifecycle on the conductor thread.
func (img *PublicationImage) OnTimeEvent(nowNs int64) {
	switch img.state {
	case ImageInit, ImageActive:
		img.CheckUntethered(nowNs, img.rcvPosition.Get(), img.windowLength, img.untethered, UntetheredCallbacks{
			OnUnavailable: func(link *SubscriptionLink) {
				img.notifications.NotifyUnavailableImage(img.correlationID, link, img.streamID, img.channelName)
			},
			OnAvailable: func(link *SubscriptionLink, joinPosition int64) {
				img.notifications.NotifyAvailableImage(img.correlationID, img.sessionID, img.streamID, link, 0, joinPosition, "", img.sourceIdentity)
			},
		})
		if nowNs-img.timeOfLastPacketNs.Load() >= img.livenessTimeoutNs {
			img.state = ImageLinger
			img.disconnectSubscribers()
		}
	case ImageLinger:
		if img.inCoolDown {
			if nowNs >= img.coolDownExpireNs {
				img.inCoolDown = false
				img.state = ImageDone
				img.reachedEndOfLife = true
			}
		} else if !img.HasSubscribers() {
			img.state = ImageDone
			img.reachedEndOfLife = true
		}
	}
}

// HasReachedEndOfLife reports the image is DONE and freeable.
func (img *PublicationImage) HasReachedEndOfLife() bool { return img.reachedEndOfLife }

func (img *PublicationImage) disconnectSubscribers() {
	img.CloseAll(func(link *SubscriptionLink, position *counters.Position) {
		img.notifications.NotifyUnavailableImage(img.correlationID, link, img.streamID, img.channelName)
		position.Close()
	})
	img.lb.Meta().SetIsConnected(false)
}

// Close releases positions and the log; conductor-only, after DONE.
func (img *PublicationImage) Close() {
	img.CloseAll(func(_ *SubscriptionLink, position *counters.Position) {
		position.Close()
	})
	img.hwmPosition.Close()
	img.rcvPosition.Close()
	_ = img.lb.Free()
}

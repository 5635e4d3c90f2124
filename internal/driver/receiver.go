package driver

import (
	"net"
	"sync"

	"github.com/rzbill/beam/internal/logbuffer"
	"github.com/rzbill/beam/internal/protocol"
)

type imageKey struct {
	streamID  int32
	sessionID int32
}

// ReceiveEndpoint is one bound UDP channel with the images assembled from
// it. The receiver thread dispatches datagrams; the conductor adds and
// removes images and stream interest under the endpoint lock.
type ReceiveEndpoint struct {
	channelName string
	transport   *UDPTransport

	mu      sync.Mutex
	images  map[imageKey]*PublicationImage
	streams map[int32]int // streamID -> subscription refcount

	// Receiver-thread only: where to send control frames per image.
	controlAddrs map[imageKey]*net.UDPAddr

	refCount int // conductor-owned endpoint sharing count
}

// NewReceiveEndpoint binds a receive channel.
func NewReceiveEndpoint(channelName, endpoint string) (*ReceiveEndpoint, error) {
	transport, err := ListenUDPTransport(endpoint)
	if err != nil {
		return nil, err
	}
	return &ReceiveEndpoint{
		channelName:  channelName,
		transport:    transport,
		images:       map[imageKey]*PublicationImage{},
		streams:      map[int32]int{},
		controlAddrs: map[imageKey]*net.UDPAddr{},
	}, nil
}

// AddStreamInterest registers a subscription for streamID.
func (e *ReceiveEndpoint) AddStreamInterest(streamID int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[streamID]++
}

// RemoveStreamInterest drops a subscription; returns true when the stream
// has no subscribers left.
func (e *ReceiveEndpoint) RemoveStreamInterest(streamID int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[streamID]--
	if e.streams[streamID] <= 0 {
		delete(e.streams, streamID)
		return true
	}
	return false
}

func (e *ReceiveEndpoint) hasStreamInterest(streamID int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streams[streamID] > 0
}

// AddImage registers an image for dispatch; conductor only.
func (e *ReceiveEndpoint) AddImage(img *PublicationImage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.images[imageKey{streamID: img.streamID, sessionID: img.sessionID}] = img
}

// RemoveImage deregisters an image; conductor only.
func (e *ReceiveEndpoint) RemoveImage(img *PublicationImage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.images, imageKey{streamID: img.streamID, sessionID: img.sessionID})
}

func (e *ReceiveEndpoint) lookupImage(key imageKey) *PublicationImage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[key]
}

// ImageForSession returns the live image for (streamID, sessionID).
func (e *ReceiveEndpoint) ImageForSession(streamID, sessionID int32) *PublicationImage {
	return e.lookupImage(imageKey{streamID: streamID, sessionID: sessionID})
}

// Close shuts the endpoint's socket down.
func (e *ReceiveEndpoint) Close() error { return e.transport.Close() }

// SetupRequest asks the conductor to build an image for a newly observed
// sender.
type SetupRequest struct {
	Endpoint *ReceiveEndpoint
	Setup    protocol.SetupFrame
	SrcAddr  *net.UDPAddr
}

// Receiver is the agent draining receive channels, rebuilding images, and
// emitting status messages and NAKs.
type Receiver struct {
	clock *CachedNanoClock

	mu        sync.Mutex
	endpoints []*ReceiveEndpoint

	pendingSetups chan SetupRequest
	pendingKeys   map[imageKey]struct{}
	pendingMu     sync.Mutex
}

// NewReceiver builds the receiver agent.
func NewReceiver(clock *CachedNanoClock) *Receiver {
	return &Receiver{
		clock:         clock,
		pendingSetups: make(chan SetupRequest, 64),
		pendingKeys:   map[imageKey]struct{}{},
	}
}

// AddEndpoint registers a receive endpoint; conductor only.
func (r *Receiver) AddEndpoint(e *ReceiveEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, e)
}

// RemoveEndpoint deregisters a receive endpoint; conductor only.
func (r *Receiver) RemoveEndpoint(e *ReceiveEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.endpoints {
		if existing == e {
			r.endpoints = append(r.endpoints[:i], r.endpoints[i+1:]...)
			return
		}
	}
}

// PollSetup returns one pending setup request, if any; conductor only.
func (r *Receiver) PollSetup() (SetupRequest, bool) {
	select {
	case req := <-r.pendingSetups:
		r.pendingMu.Lock()
		delete(r.pendingKeys, imageKey{streamID: req.Setup.StreamID, sessionID: req.Setup.SessionID})
		r.pendingMu.Unlock()
		return req, true
	default:
		return SetupRequest{}, false
	}
}

// DoWork runs one receiver duty cycle.
func (r *Receiver) DoWork() int {
	nowNs := r.clock.NowNs()
	workCount := 0

	r.mu.Lock()
	endpoints := r.endpoints
	r.mu.Unlock()

	for _, e := range endpoints {
		workCount += e.transport.Poll(64, func(d Datagram) {
			r.dispatch(e, d, nowNs)
		})
		workCount += r.serviceImages(e, nowNs)
	}
	return workCount
}

func (r *Receiver) dispatch(e *ReceiveEndpoint, d Datagram, nowNs int64) {
	switch protocol.FrameType(d.Data) {
	case logbuffer.HdrTypeData, logbuffer.HdrTypePad:
		hdr, err := protocol.DecodeDataHeader(d.Data)
		if err != nil {
			return
		}
		key := imageKey{streamID: hdr.StreamID, sessionID: hdr.SessionID}
		img := e.lookupImage(key)
		if img == nil {
			return
		}
		e.controlAddrs[key] = d.Addr
		img.InsertPacket(hdr.TermID, hdr.TermOffset, d.Data, nowNs)

	case logbuffer.HdrTypeSetup:
		setup, err := protocol.DecodeSetup(d.Data)
		if err != nil {
			return
		}
		if !e.hasStreamInterest(setup.StreamID) {
			return
		}
		key := imageKey{streamID: setup.StreamID, sessionID: setup.SessionID}
		if img := e.lookupImage(key); img != nil {
			e.controlAddrs[key] = d.Addr
			return
		}
		r.pendingMu.Lock()
		if _, pending := r.pendingKeys[key]; !pending {
			select {
			case r.pendingSetups <- SetupRequest{Endpoint: e, Setup: setup, SrcAddr: d.Addr}:
				r.pendingKeys[key] = struct{}{}
			default:
			}
		}
		r.pendingMu.Unlock()

	case logbuffer.HdrTypeRttm:
		rtt, err := protocol.DecodeRtt(d.Data)
		if err != nil || rtt.Flags&protocol.RttReplyFlag == 0 {
			return
		}
		img := e.lookupImage(imageKey{streamID: rtt.StreamID, sessionID: rtt.SessionID})
		if img == nil {
			return
		}
		img.RecordRttMeasurement(nowNs - rtt.EchoTimestampNs - rtt.ReceptionDelayNs)
	}
}

func (r *Receiver) serviceImages(e *ReceiveEndpoint, nowNs int64) int {
	workCount := 0
	e.mu.Lock()
	images := make([]*PublicationImage, 0, len(e.images))
	for _, img := range e.images {
		images = append(images, img)
	}
	e.mu.Unlock()

	for _, img := range images {
		key := imageKey{streamID: img.streamID, sessionID: img.sessionID}
		addr := e.controlAddrs[key]

		nak, sendNak := img.Rebuild(nowNs)
		if sendNak && addr != nil {
			if _, err := e.transport.SendTo(nak.Encode(nil), addr); err == nil {
				workCount++
			}
		}

		if sm, ok := img.StatusMessageTick(nowNs); ok && addr != nil {
			if _, err := e.transport.SendTo(sm.Encode(nil), addr); err == nil {
				img.lastStatusMessageNs.Store(nowNs)
				workCount++
			}
		}
	}
	return workCount
}

package driver

import (
	"sync"

	"github.com/rzbill/beam/internal/logbuffer"
	"github.com/rzbill/beam/internal/protocol"
)

// Sender is the agent transmitting network publications and consuming the
// control frames their receivers send back.
type Sender struct {
	clock *CachedNanoClock

	mu           sync.Mutex
	publications []*NetworkPublication
}

// NewSender builds the sender agent.
func NewSender(clock *CachedNanoClock) *Sender {
	return &Sender{clock: clock}
}

// AddPublication registers a publication; called from the conductor.
func (s *Sender) AddPublication(p *NetworkPublication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publications = append(s.publications, p)
}

// RemovePublication deregisters a publication; called from the conductor.
func (s *Sender) RemovePublication(p *NetworkPublication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.publications {
		if existing == p {
			s.publications = append(s.publications[:i], s.publications[i+1:]...)
			return
		}
	}
}

// DoWork runs one sender duty cycle: drain control frames, then send.
func (s *Sender) DoWork() int {
	nowNs := s.clock.NowNs()
	workCount := 0

	s.mu.Lock()
	publications := s.publications
	s.mu.Unlock()

	for _, p := range publications {
		if t, ok := p.transport.(*UDPTransport); ok {
			workCount += t.Poll(16, func(d Datagram) {
				s.dispatchControlFrame(p, d, nowNs)
			})
		}
		workCount += p.Send(nowNs)
	}
	return workCount
}

func (s *Sender) dispatchControlFrame(p *NetworkPublication, d Datagram, nowNs int64) {
	switch protocol.FrameType(d.Data) {
	case logbuffer.HdrTypeSM:
		sm, err := protocol.DecodeStatus(d.Data)
		if err != nil || sm.SessionID != p.sessionID || sm.StreamID != p.streamID {
			return
		}
		p.OnStatusMessage(sm, nowNs)
	case logbuffer.HdrTypeNak:
		nak, err := protocol.DecodeNak(d.Data)
		if err != nil || nak.SessionID != p.sessionID || nak.StreamID != p.streamID {
			return
		}
		p.OnNak(nak, nowNs)
	case logbuffer.HdrTypeRttm:
		rtt, err := protocol.DecodeRtt(d.Data)
		if err != nil || rtt.SessionID != p.sessionID || rtt.StreamID != p.streamID {
			return
		}
		p.OnRttMeasurement(rtt, nowNs)
	}
}

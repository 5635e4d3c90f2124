package driver

import (
	"github.com/rzbill/beam/internal/channel"
	"github.com/rzbill/beam/internal/counters"
)

// SubscriptionLink ties one client subscription to the streams it matches.
// Owned by the conductor; publications and images reference it by pointer
// but never mutate it.
type SubscriptionLink struct {
	RegistrationID int64
	ClientID       int64
	StreamID       int32
	Channel        string
	URI            *channel.URI
	IsTethered     bool
	IsRejoin       bool
	IsSpy          bool
	HasSessionID   bool
	SessionID      int32
}

// Untethered subscriber states.
type untetheredState int32

const (
	untetheredActive untetheredState = iota
	untetheredLinger
	untetheredResting
)

// UntetheredTimeouts are the per-stream untethered state machine delays.
type UntetheredTimeouts struct {
	WindowLimitNs int64
	LingerNs      int64
	RestingNs     int64
}

type subscriberPosition struct {
	link     *SubscriptionLink
	position *counters.Position
}

type untetheredSub struct {
	link               *SubscriptionLink
	position           *counters.Position
	state              untetheredState
	timeOfLastUpdateNs int64
}

// UntetheredCallbacks notify the conductor of untethered transitions so it
// can emit image availability events.
type UntetheredCallbacks struct {
	OnUnavailable func(link *SubscriptionLink)
	OnAvailable   func(link *SubscriptionLink, joinPosition int64)
}

// Subscribable is the set of subscriber positions attached to one stream,
// with the untethered state machine layered on top.
type Subscribable struct {
	positions  []subscriberPosition
	untethered []*untetheredSub
}

// AddSubscriber attaches a subscriber position.
func (s *Subscribable) AddSubscriber(link *SubscriptionLink, position *counters.Position, nowNs int64) {
	s.positions = append(s.positions, subscriberPosition{link: link, position: position})
	if !link.IsTethered {
		s.untethered = append(s.untethered, &untetheredSub{
			link:               link,
			position:           position,
			state:              untetheredActive,
			timeOfLastUpdateNs: nowNs,
		})
	}
}

// RemoveSubscriber detaches a subscriber and returns its position for the
// caller to close, or nil when the link was not attached.
func (s *Subscribable) RemoveSubscriber(link *SubscriptionLink) *counters.Position {
	var removed *counters.Position
	for i, sp := range s.positions {
		if sp.link == link {
			removed = sp.position
			s.positions = append(s.positions[:i], s.positions[i+1:]...)
			break
		}
	}
	for i, u := range s.untethered {
		if u.link == link {
			if removed == nil {
				removed = u.position
			}
			s.untethered = append(s.untethered[:i], s.untethered[i+1:]...)
			break
		}
	}
	return removed
}

// HasSubscribers reports whether any position is attached.
func (s *Subscribable) HasSubscribers() bool { return len(s.positions) > 0 }

// SubscriberCount returns the number of attached positions.
func (s *Subscribable) SubscriberCount() int { return len(s.positions) }

// MinSubscriberPosition returns the slowest position, or def when empty.
func (s *Subscribable) MinSubscriberPosition(def int64) int64 {
	if len(s.positions) == 0 {
		return def
	}
	min := s.positions[0].position.Get()
	for _, sp := range s.positions[1:] {
		if v := sp.position.Get(); v < min {
			min = v
		}
	}
	return min
}

// MaxSubscriberPosition returns the fastest position, or def when empty.
func (s *Subscribable) MaxSubscriberPosition(def int64) int64 {
	if len(s.positions) == 0 {
		return def
	}
	max := s.positions[0].position.Get()
	for _, sp := range s.positions[1:] {
		if v := sp.position.Get(); v > max {
			max = v
		}
	}
	return max
}

// ForEachPosition invokes fn for every attached position.
func (s *Subscribable) ForEachPosition(fn func(link *SubscriptionLink, position *counters.Position)) {
	for _, sp := range s.positions {
		fn(sp.link, sp.position)
	}
}

// CheckUntethered runs the untethered state machine. A subscriber falling
// below the window limit for the window-limit timeout stops receiving and
// is notified unavailable; after lingering it rests; a resting rejoinable
// subscriber is reattached at joinPosition after the resting timeout,
// otherwise it is dropped.
func (s *Subscribable) CheckUntethered(nowNs, consumerPosition int64, termWindowLength int32, timeouts UntetheredTimeouts, cb UntetheredCallbacks) {
	windowLimit := consumerPosition - int64(termWindowLength) + int64(termWindowLength)/4

	for i := len(s.untethered) - 1; i >= 0; i-- {
		u := s.untethered[i]
		switch u.state {
		case untetheredActive:
			if u.position.Get() > windowLimit {
				u.timeOfLastUpdateNs = nowNs
			} else if nowNs-u.timeOfLastUpdateNs >= timeouts.WindowLimitNs {
				s.detachPosition(u.position)
				u.state = untetheredLinger
				u.timeOfLastUpdateNs = nowNs
				if cb.OnUnavailable != nil {
					cb.OnUnavailable(u.link)
				}
			}
		case untetheredLinger:
			if nowNs-u.timeOfLastUpdateNs >= timeouts.LingerNs {
				if u.link.IsRejoin {
					u.state = untetheredResting
					u.timeOfLastUpdateNs = nowNs
				} else {
					s.untethered = append(s.untethered[:i], s.untethered[i+1:]...)
				}
			}
		case untetheredResting:
			if nowNs-u.timeOfLastUpdateNs >= timeouts.RestingNs {
				joinPosition := s.MinSubscriberPosition(consumerPosition)
				u.position.SetOrdered(joinPosition)
				s.positions = append(s.positions, subscriberPosition{link: u.link, position: u.position})
				u.state = untetheredActive
				u.timeOfLastUpdateNs = nowNs
				if cb.OnAvailable != nil {
					cb.OnAvailable(u.link, joinPosition)
				}
			}
		}
	}
}

func (s *Subscribable) detachPosition(position *counters.Position) {
	for i, sp := range s.positions {
		if sp.position == position {
			s.positions = append(s.positions[:i], s.positions[i+1:]...)
			return
		}
	}
}

// CloseAll detaches every subscriber, invoking fn per link so the caller
// can emit unavailable events and close positions.
func (s *Subscribable) CloseAll(fn func(link *SubscriptionLink, position *counters.Position)) {
	for _, sp := range s.positions {
		fn(sp.link, sp.position)
	}
	s.positions = nil
	for _, u := range s.untethered {
		if u.state != untetheredActive {
			// Lingering and resting positions are already detached but
			// still need closing.
			fn(u.link, u.position)
		}
	}
	s.untethered = nil
}

package driver

import (
	"github.com/rzbill/beam/internal/logbuffer"
)

// maxRetransmitActions bounds concurrent retransmit state per publication.
const maxRetransmitActions = 16

type retransmitState int32

const (
	retransmitDelayed retransmitState = iota
	retransmitLingering
	retransmitInactive
)

type retransmitAction struct {
	termID     int32
	termOffset int32
	length     int32
	state      retransmitState
	expiryNs   int64
}

// RetransmitSender performs the actual resend of a range.
type RetransmitSender func(termID, termOffset, length int32)

// RetransmitHandler turns incoming NAKs into delayed, deduplicated
// resends. Overlapping requests for a range already scheduled or recently
// sent are suppressed while the action lingers.
type RetransmitHandler struct {
	actions       [maxRetransmitActions]retransmitAction
	delayGen      FeedbackDelayGenerator
	lingerGen     FeedbackDelayGenerator
	maxResend     int
	activeActions int
}

// NewRetransmitHandler builds a handler. maxResend caps how many resend
// actions can be in flight; zero means the default cap.
func NewRetransmitHandler(delayGen, lingerGen FeedbackDelayGenerator, maxResend int) *RetransmitHandler {
	if maxResend <= 0 || maxResend > maxRetransmitActions {
		maxResend = maxRetransmitActions
	}
	h := &RetransmitHandler{delayGen: delayGen, lingerGen: lingerGen, maxResend: maxResend}
	for i := range h.actions {
		h.actions[i].state = retransmitInactive
	}
	return h
}

// OnNak schedules a retransmit for the requested range unless an
// overlapping action already covers it. With a zero delay the resend runs
// inline.
func (h *RetransmitHandler) OnNak(termID, termOffset, length int32, nowNs int64, sender RetransmitSender) {
	if h.overlaps(termID, termOffset, length) {
		return
	}
	if h.activeActions >= h.maxResend {
		return
	}

	slot := h.freeSlot()
	if slot < 0 {
		return
	}
	delay := h.delayGen.Generate(false)
	h.actions[slot] = retransmitAction{
		termID:     termID,
		termOffset: termOffset,
		length:     length,
		state:      retransmitDelayed,
		expiryNs:   nowNs + delay,
	}
	h.activeActions++
	if delay == 0 {
		h.fire(slot, nowNs, sender)
	}
}

// ProcessTimeouts advances delayed actions whose timers expired and
// retires lingering ones.
func (h *RetransmitHandler) ProcessTimeouts(nowNs int64, sender RetransmitSender) {
	for i := range h.actions {
		switch h.actions[i].state {
		case retransmitDelayed:
			if nowNs >= h.actions[i].expiryNs {
				h.fire(i, nowNs, sender)
			}
		case retransmitLingering:
			if nowNs >= h.actions[i].expiryNs {
				h.actions[i].state = retransmitInactive
				h.activeActions--
			}
		}
	}
}

func (h *RetransmitHandler) fire(slot int, nowNs int64, sender RetransmitSender) {
	a := &h.actions[slot]
	sender(a.termID, a.termOffset, a.length)
	a.state = retransmitLingering
	a.expiryNs = nowNs + h.lingerGen.Generate(false)
}

func (h *RetransmitHandler) overlaps(termID, termOffset, length int32) bool {
	begin := int64(termOffset)
	end := begin + int64(logbuffer.Align(length, logbuffer.FrameAlignment))
	for i := range h.actions {
		a := &h.actions[i]
		if a.state == retransmitInactive || a.termID != termID {
			continue
		}
		aBegin := int64(a.termOffset)
		aEnd := aBegin + int64(logbuffer.Align(a.length, logbuffer.FrameAlignment))
		if begin < aEnd && end > aBegin {
			return true
		}
	}
	return false
}

func (h *RetransmitHandler) freeSlot() int {
	for i := range h.actions {
		if h.actions[i].state == retransmitInactive {
			return i
		}
	}
	return -1
}

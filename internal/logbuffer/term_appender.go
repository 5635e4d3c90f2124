package logbuffer

import (
	"errors"
)

// Append results. BackPressured means the publisher limit was reached;
// AdminAction means the term rotated under the claim and the caller should
// retry; the remaining errors are terminal for the message.
var (
	ErrBackPressured       = errors.New("back pressured")
	ErrAdminAction         = errors.New("admin action, retry")
	ErrMessageTooLong      = errors.New("message too long")
	ErrMaxPositionExceeded = errors.New("max position exceeded")
)

// Claim is a reserved frame awaiting payload and commit.
type Claim struct {
	lb          *LogBuffer
	partition   int32
	frameOffset int32
	frameLength int32
}

// Buffer returns the payload region of the claim.
func (c *Claim) Buffer() []byte {
	term := c.lb.terms[c.partition]
	return term.Bytes()[c.frameOffset+HeaderLength : c.frameOffset+c.frameLength]
}

// Commit publishes the frame by release-storing its length.
func (c *Claim) Commit() {
	FrameLengthOrdered(c.lb.terms[c.partition], c.frameOffset, c.frameLength)
}

// Abort turns the claimed slot into a committed padding frame.
func (c *Claim) Abort() {
	term := c.lb.terms[c.partition]
	data := term.Bytes()
	data[c.frameOffset+FrameTypeOffset] = byte(HdrTypePad)
	data[c.frameOffset+FrameTypeOffset+1] = byte(HdrTypePad >> 8)
	FrameLengthOrdered(term, c.frameOffset, c.frameLength)
}

// Appender writes frames into a LogBuffer on behalf of one publication.
// Concurrent appenders share the tail via fetch-add; an exclusive appender
// uses plain read-modify-write on the same counters.
type Appender struct {
	lb        *LogBuffer
	sessionID int32
	streamID  int32
	exclusive bool
	bits      int32
}

// NewAppender returns an Appender for lb stamping frames with the stream's
// identity.
func NewAppender(lb *LogBuffer, sessionID, streamID int32, exclusive bool) *Appender {
	return &Appender{
		lb:        lb,
		sessionID: sessionID,
		streamID:  streamID,
		exclusive: exclusive,
		bits:      PositionBitsToShift(lb.termLength),
	}
}

// Position returns the current producer position.
func (a *Appender) Position() int64 { return a.lb.ProducerPosition() }

// Claim reserves space for a message of length bytes and writes every
// header field except the frame length. The caller fills the payload and
// commits. limit is the publisher limit position.
func (a *Appender) Claim(length int32, limit int64) (Claim, int64, error) {
	maxMessage := ComputeMaxMessageLength(a.lb.termLength)
	if length > maxMessage {
		return Claim{}, 0, ErrMessageTooLong
	}

	frameLength := length + HeaderLength
	alignedLength := Align(frameLength, FrameAlignment)

	meta := a.lb.Meta()
	termCount := meta.ActiveTermCount()
	index := IndexByTermCount(termCount)

	rawTail := meta.RawTailVolatile(index)
	termID := RawTailTermID(rawTail)
	termOffset := RawTailTermOffset(rawTail, a.lb.termLength)
	position := ComputeTermBeginPosition(termID, a.bits, meta.InitialTermID()) + int64(termOffset)

	if position+int64(alignedLength) > limit {
		return Claim{}, position, ErrBackPressured
	}

	var claimedOffset int32
	if a.exclusive {
		claimedOffset = termOffset
		meta.SetRawTail(index, PackRawTail(termID, termOffset+alignedLength))
	} else {
		prev := meta.GetAndAddRawTail(index, alignedLength)
		if RawTailTermID(prev) != termID {
			return Claim{}, position, ErrAdminAction
		}
		claimedOffset = RawTailTermOffset(prev, a.lb.termLength)
	}

	resultingOffset := claimedOffset + alignedLength
	if resultingOffset > a.lb.termLength {
		a.handleEndOfLog(index, termCount, termID, claimedOffset)
		return Claim{}, position, ErrAdminAction
	}

	term := a.lb.terms[index]
	writeHeader(term, claimedOffset, Unfragmented, HdrTypeData, claimedOffset, a.sessionID, a.streamID, termID)
	newPosition := ComputeTermBeginPosition(termID, a.bits, meta.InitialTermID()) + int64(resultingOffset)
	return Claim{lb: a.lb, partition: index, frameOffset: claimedOffset, frameLength: frameLength}, newPosition, nil
}

// AppendUnfragmented writes a whole message as a single frame. Returns the
// stream position after the frame.
func (a *Appender) AppendUnfragmented(payload []byte, limit int64) (int64, error) {
	claim, position, err := a.Claim(int32(len(payload)), limit)
	if err != nil {
		return position, err
	}
	copy(claim.Buffer(), payload)
	claim.Commit()
	return position, nil
}

// AppendFragmented writes a message larger than maxPayloadLength as a chain
// of frames, B set on the first and E on the last.
func (a *Appender) AppendFragmented(payload []byte, maxPayloadLength int32, limit int64) (int64, error) {
	if maxPayloadLength <= 0 {
		return 0, ErrMessageTooLong
	}
	length := int32(len(payload))
	if length > ComputeMaxMessageLength(a.lb.termLength) {
		return 0, ErrMessageTooLong
	}

	numMaxPayloads := length / maxPayloadLength
	remainingPayload := length % maxPayloadLength
	lastFrameLength := int32(0)
	if remainingPayload > 0 {
		lastFrameLength = Align(remainingPayload+HeaderLength, FrameAlignment)
	}
	requiredLength := numMaxPayloads*Align(maxPayloadLength+HeaderLength, FrameAlignment) + lastFrameLength

	meta := a.lb.Meta()
	termCount := meta.ActiveTermCount()
	index := IndexByTermCount(termCount)

	rawTail := meta.RawTailVolatile(index)
	termID := RawTailTermID(rawTail)
	termOffset := RawTailTermOffset(rawTail, a.lb.termLength)
	position := ComputeTermBeginPosition(termID, a.bits, meta.InitialTermID()) + int64(termOffset)

	if position+int64(requiredLength) > limit {
		return position, ErrBackPressured
	}

	var claimedOffset int32
	if a.exclusive {
		claimedOffset = termOffset
		meta.SetRawTail(index, PackRawTail(termID, termOffset+requiredLength))
	} else {
		prev := meta.GetAndAddRawTail(index, requiredLength)
		if RawTailTermID(prev) != termID {
			return position, ErrAdminAction
		}
		claimedOffset = RawTailTermOffset(prev, a.lb.termLength)
	}

	if claimedOffset+requiredLength > a.lb.termLength {
		a.handleEndOfLog(index, termCount, termID, claimedOffset)
		return position, ErrAdminAction
	}

	term := a.lb.terms[index]
	flags := BeginFrag
	frameOffset := claimedOffset
	remaining := length
	for remaining > 0 {
		chunk := remaining
		if chunk > maxPayloadLength {
			chunk = maxPayloadLength
		}
		if chunk == remaining {
			flags |= EndFrag
		}
		frameLength := chunk + HeaderLength
		writeHeader(term, frameOffset, flags, HdrTypeData, frameOffset, a.sessionID, a.streamID, termID)
		term.PutBytes(frameOffset+HeaderLength, payload[length-remaining:length-remaining+chunk])
		FrameLengthOrdered(term, frameOffset, frameLength)
		frameOffset += Align(frameLength, FrameAlignment)
		remaining -= chunk
		flags = 0
	}

	resultingOffset := claimedOffset + requiredLength
	return ComputeTermBeginPosition(termID, a.bits, meta.InitialTermID()) + int64(resultingOffset), nil
}

// handleEndOfLog seals the remainder of the term with a padding frame and
// rotates the log to the next partition.
func (a *Appender) handleEndOfLog(index, termCount, termID, claimedOffset int32) {
	if claimedOffset < a.lb.termLength {
		term := a.lb.terms[index]
		paddingLength := a.lb.termLength - claimedOffset
		writeHeader(term, claimedOffset, Unfragmented, HdrTypePad, claimedOffset, a.sessionID, a.streamID, termID)
		FrameLengthOrdered(term, claimedOffset, paddingLength)
	}
	a.lb.Meta().RotateLog(termCount, termID)
}

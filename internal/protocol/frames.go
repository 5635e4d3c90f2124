package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/rzbill/beam/internal/logbuffer"
)

// Frame lengths.
const (
	SetupFrameLength    = 40
	StatusFrameLength   = 36
	StatusFrameWithTag  = 44
	NakFrameLength      = 28
	RttFrameLength      = 40
	DataHeaderLength    = logbuffer.HeaderLength
)

// Status message flags.
const (
	// SendSetupFlag asks the sender to re-emit SETUP.
	SendSetupFlag uint8 = 0x80

	// EndOfStreamFlag on a status message acknowledges end of stream.
	EndOfStreamFlag uint8 = 0x02
)

// RTT measurement flags.
const (
	// RttReplyFlag marks the frame as a reply carrying the echoed
	// timestamp.
	RttReplyFlag uint8 = 0x80
)

// ErrShortFrame reports a datagram shorter than its declared layout.
var ErrShortFrame = errors.New("short frame")

func putPrefix(b []byte, frameLength int32, flags uint8, frameType uint16) {
	binary.LittleEndian.PutUint32(b[0:], uint32(frameLength))
	b[4] = logbuffer.CurrentVersion
	b[5] = flags
	binary.LittleEndian.PutUint16(b[6:], frameType)
}

// FrameType returns the type field of any datagram, or HdrTypeRes when the
// datagram is too short to carry one.
func FrameType(b []byte) uint16 {
	if len(b) < 8 {
		return logbuffer.HdrTypeRes
	}
	return binary.LittleEndian.Uint16(b[6:])
}

// FrameFlags returns the flags byte of any datagram.
func FrameFlags(b []byte) uint8 {
	if len(b) < 8 {
		return 0
	}
	return b[5]
}

// SetupFrame announces a stream's geometry so a receiver can build an
// image before the first data arrives.
type SetupFrame struct {
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MTULength     int32
	TTL           int32
}

// Encode appends the frame to dst.
func (f *SetupFrame) Encode(dst []byte) []byte {
	b := append(dst, make([]byte, SetupFrameLength)...)
	out := b[len(dst):]
	putPrefix(out, SetupFrameLength, 0, logbuffer.HdrTypeSetup)
	binary.LittleEndian.PutUint32(out[8:], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(out[12:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(out[16:], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(out[20:], uint32(f.InitialTermID))
	binary.LittleEndian.PutUint32(out[24:], uint32(f.ActiveTermID))
	binary.LittleEndian.PutUint32(out[28:], uint32(f.TermLength))
	binary.LittleEndian.PutUint32(out[32:], uint32(f.MTULength))
	binary.LittleEndian.PutUint32(out[36:], uint32(f.TTL))
	return b
}

// DecodeSetup parses a SETUP datagram.
func DecodeSetup(b []byte) (SetupFrame, error) {
	if len(b) < SetupFrameLength {
		return SetupFrame{}, ErrShortFrame
	}
	return SetupFrame{
		TermOffset:    int32(binary.LittleEndian.Uint32(b[8:])),
		SessionID:     int32(binary.LittleEndian.Uint32(b[12:])),
		StreamID:      int32(binary.LittleEndian.Uint32(b[16:])),
		InitialTermID: int32(binary.LittleEndian.Uint32(b[20:])),
		ActiveTermID:  int32(binary.LittleEndian.Uint32(b[24:])),
		TermLength:    int32(binary.LittleEndian.Uint32(b[28:])),
		MTULength:     int32(binary.LittleEndian.Uint32(b[32:])),
		TTL:           int32(binary.LittleEndian.Uint32(b[36:])),
	}, nil
}

// StatusFrame reports a receiver's consumption position and window.
type StatusFrame struct {
	Flags          uint8
	SessionID      int32
	StreamID       int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow int32
	ReceiverID     int64
	GroupTag       int64
	HasGroupTag    bool
}

// Encode appends the frame to dst.
func (f *StatusFrame) Encode(dst []byte) []byte {
	length := StatusFrameLength
	if f.HasGroupTag {
		length = StatusFrameWithTag
	}
	b := append(dst, make([]byte, length)...)
	out := b[len(dst):]
	putPrefix(out, int32(length), f.Flags, logbuffer.HdrTypeSM)
	binary.LittleEndian.PutUint32(out[8:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(out[12:], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(out[16:], uint32(f.ConsumptionTermID))
	binary.LittleEndian.PutUint32(out[20:], uint32(f.ConsumptionTermOffset))
	binary.LittleEndian.PutUint32(out[24:], uint32(f.ReceiverWindow))
	binary.LittleEndian.PutUint64(out[28:], uint64(f.ReceiverID))
	if f.HasGroupTag {
		binary.LittleEndian.PutUint64(out[36:], uint64(f.GroupTag))
	}
	return b
}

// DecodeStatus parses a status message datagram.
func DecodeStatus(b []byte) (StatusFrame, error) {
	if len(b) < StatusFrameLength {
		return StatusFrame{}, ErrShortFrame
	}
	f := StatusFrame{
		Flags:                 b[5],
		SessionID:             int32(binary.LittleEndian.Uint32(b[8:])),
		StreamID:              int32(binary.LittleEndian.Uint32(b[12:])),
		ConsumptionTermID:     int32(binary.LittleEndian.Uint32(b[16:])),
		ConsumptionTermOffset: int32(binary.LittleEndian.Uint32(b[20:])),
		ReceiverWindow:        int32(binary.LittleEndian.Uint32(b[24:])),
		ReceiverID:            int64(binary.LittleEndian.Uint64(b[28:])),
	}
	if len(b) >= StatusFrameWithTag {
		f.GroupTag = int64(binary.LittleEndian.Uint64(b[36:]))
		f.HasGroupTag = true
	}
	return f, nil
}

// NakFrame requests retransmission of a missing range.
type NakFrame struct {
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// Encode appends the frame to dst.
func (f *NakFrame) Encode(dst []byte) []byte {
	b := append(dst, make([]byte, NakFrameLength)...)
	out := b[len(dst):]
	putPrefix(out, NakFrameLength, 0, logbuffer.HdrTypeNak)
	binary.LittleEndian.PutUint32(out[8:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(out[12:], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(out[16:], uint32(f.TermID))
	binary.LittleEndian.PutUint32(out[20:], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(out[24:], uint32(f.Length))
	return b
}

// DecodeNak parses a NAK datagram.
func DecodeNak(b []byte) (NakFrame, error) {
	if len(b) < NakFrameLength {
		return NakFrame{}, ErrShortFrame
	}
	return NakFrame{
		SessionID:  int32(binary.LittleEndian.Uint32(b[8:])),
		StreamID:   int32(binary.LittleEndian.Uint32(b[12:])),
		TermID:     int32(binary.LittleEndian.Uint32(b[16:])),
		TermOffset: int32(binary.LittleEndian.Uint32(b[20:])),
		Length:     int32(binary.LittleEndian.Uint32(b[24:])),
	}, nil
}

// RttFrame measures round-trip time between a receiver and a sender.
type RttFrame struct {
	Flags            uint8
	SessionID        int32
	StreamID         int32
	EchoTimestampNs  int64
	ReceptionDelayNs int64
	ReceiverID       int64
}

// Encode appends the frame to dst.
func (f *RttFrame) Encode(dst []byte) []byte {
	b := append(dst, make([]byte, RttFrameLength)...)
	out := b[len(dst):]
	putPrefix(out, RttFrameLength, f.Flags, logbuffer.HdrTypeRttm)
	binary.LittleEndian.PutUint32(out[8:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(out[12:], uint32(f.StreamID))
	binary.LittleEndian.PutUint64(out[16:], uint64(f.EchoTimestampNs))
	binary.LittleEndian.PutUint64(out[24:], uint64(f.ReceptionDelayNs))
	binary.LittleEndian.PutUint64(out[32:], uint64(f.ReceiverID))
	return b
}

// DecodeRtt parses an RTT measurement datagram.
func DecodeRtt(b []byte) (RttFrame, error) {
	if len(b) < RttFrameLength {
		return RttFrame{}, ErrShortFrame
	}
	return RttFrame{
		Flags:            b[5],
		SessionID:        int32(binary.LittleEndian.Uint32(b[8:])),
		StreamID:         int32(binary.LittleEndian.Uint32(b[12:])),
		EchoTimestampNs:  int64(binary.LittleEndian.Uint64(b[16:])),
		ReceptionDelayNs: int64(binary.LittleEndian.Uint64(b[24:])),
		ReceiverID:       int64(binary.LittleEndian.Uint64(b[32:])),
	}, nil
}

// DataHeader is the decoded view of a DATA or PAD datagram header.
type DataHeader struct {
	FrameLength int32
	Flags       uint8
	Type        uint16
	TermOffset  int32
	SessionID   int32
	StreamID    int32
	TermID      int32
}

// DecodeDataHeader parses the header of a DATA or PAD datagram.
func DecodeDataHeader(b []byte) (DataHeader, error) {
	if len(b) < DataHeaderLength {
		return DataHeader{}, ErrShortFrame
	}
	return DataHeader{
		FrameLength: int32(binary.LittleEndian.Uint32(b[0:])),
		Flags:       b[5],
		Type:        binary.LittleEndian.Uint16(b[6:]),
		TermOffset:  int32(binary.LittleEndian.Uint32(b[8:])),
		SessionID:   int32(binary.LittleEndian.Uint32(b[12:])),
		StreamID:    int32(binary.LittleEndian.Uint32(b[16:])),
		TermID:      int32(binary.LittleEndian.Uint32(b[20:])),
	}, nil
}

// EncodeDataHeader writes a bare data/heartbeat header (no payload) to dst.
func EncodeDataHeader(dst []byte, h DataHeader) []byte {
	b := append(dst, make([]byte, DataHeaderLength)...)
	out := b[len(dst):]
	putPrefix(out, h.FrameLength, h.Flags, h.Type)
	binary.LittleEndian.PutUint32(out[8:], uint32(h.TermOffset))
	binary.LittleEndian.PutUint32(out[12:], uint32(h.SessionID))
	binary.LittleEndian.PutUint32(out[16:], uint32(h.StreamID))
	binary.LittleEndian.PutUint32(out[20:], uint32(h.TermID))
	return b
}

package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/rzbill/beam/internal/buffers"
)

// Wire encoding for control commands carried on the to-driver ring. Every
// record starts with clientId i64 and correlationId i64, little-endian,
// followed by the command's own fields; strings and byte blobs are
// length-prefixed with an i32. The record type on the ring is the command
// id from events.go, so the layout here is the counterpart of the
// BroadcastProxy event encoding.

// WriteCommand encodes cmd onto the to-driver ring. Clients retry on
// ErrRingFull.
func WriteCommand(ring *buffers.RingBuffer, cmd Command) error {
	var b []byte
	b = appendInt64(b, cmd.ClientID)
	b = appendInt64(b, cmd.CorrelationID)

	switch cmd.Type {
	case CmdAddPublication, CmdAddExclusivePublication, CmdAddSubscription:
		b = appendInt32(b, cmd.StreamID)
		b = appendString(b, cmd.Channel)
	case CmdRemovePublication, CmdRemoveSubscription, CmdRemoveCounter:
		b = appendInt64(b, cmd.RegistrationID)
	case CmdAddCounter:
		b = appendInt32(b, cmd.CounterTypeID)
		b = appendBlob(b, cmd.Key)
		b = appendString(b, cmd.Label)
	case CmdAddStaticCounter:
		b = appendInt32(b, cmd.CounterTypeID)
		b = appendInt64(b, cmd.RegistrationID)
		b = appendBlob(b, cmd.Key)
		b = appendString(b, cmd.Label)
	case CmdClientKeepalive, CmdClientClose:
		// Prefix only.
	case CmdRejectImage:
		b = appendInt64(b, cmd.ImageCorrelationID)
		b = appendInt64(b, cmd.Position)
		b = appendString(b, cmd.Reason)
	case CmdAddDestination, CmdRemoveDestination:
		b = appendInt64(b, cmd.RegistrationID)
		b = appendString(b, cmd.DestinationChannel)
	case CmdTerminateDriver:
		b = appendBlob(b, cmd.Token)
	default:
		return fmt.Errorf("unknown command type %#x", cmd.Type)
	}
	return ring.Write(cmd.Type, b)
}

type commandReader struct {
	b   []byte
	pos int
	err error
}

func (r *commandReader) int32() int32 {
	if r.err != nil || r.pos+4 > len(r.b) {
		r.err = errShortCommand
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(r.b[r.pos:]))
	r.pos += 4
	return v
}

func (r *commandReader) int64() int64 {
	if r.err != nil || r.pos+8 > len(r.b) {
		r.err = errShortCommand
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.b[r.pos:]))
	r.pos += 8
	return v
}

func (r *commandReader) blob() []byte {
	length := r.int32()
	if r.err != nil || length < 0 || r.pos+int(length) > len(r.b) {
		r.err = errShortCommand
		return nil
	}
	out := r.b[r.pos : r.pos+int(length)]
	r.pos += int(length)
	return out
}

func (r *commandReader) string() string { return string(r.blob()) }

var errShortCommand = fmt.Errorf("truncated command record")

// decodeCommand rebuilds a Command from a ring record.
func decodeCommand(msgType int32, payload []byte) (Command, error) {
	r := &commandReader{b: payload}
	cmd := Command{
		Type:          msgType,
		ClientID:      r.int64(),
		CorrelationID: r.int64(),
	}

	switch msgType {
	case CmdAddPublication, CmdAddExclusivePublication, CmdAddSubscription:
		cmd.StreamID = r.int32()
		cmd.Channel = r.string()
	case CmdRemovePublication, CmdRemoveSubscription, CmdRemoveCounter:
		cmd.RegistrationID = r.int64()
	case CmdAddCounter:
		cmd.CounterTypeID = r.int32()
		cmd.Key = append([]byte(nil), r.blob()...)
		cmd.Label = r.string()
	case CmdAddStaticCounter:
		cmd.CounterTypeID = r.int32()
		cmd.RegistrationID = r.int64()
		cmd.Key = append([]byte(nil), r.blob()...)
		cmd.Label = r.string()
	case CmdClientKeepalive, CmdClientClose:
		// Prefix only.
	case CmdRejectImage:
		cmd.ImageCorrelationID = r.int64()
		cmd.Position = r.int64()
		cmd.Reason = r.string()
	case CmdAddDestination, CmdRemoveDestination:
		cmd.RegistrationID = r.int64()
		cmd.DestinationChannel = r.string()
	case CmdTerminateDriver:
		cmd.Token = append([]byte(nil), r.blob()...)
	default:
		return Command{}, fmt.Errorf("unknown command type %#x", msgType)
	}
	if r.err != nil {
		return Command{}, fmt.Errorf("command %#x: %w", msgType, r.err)
	}
	return cmd, nil
}

func appendBlob(b []byte, blob []byte) []byte {
	b = appendInt32(b, int32(len(blob)))
	return append(b, blob...)
}

package driver

import (
	"encoding/binary"

	"github.com/rzbill/beam/internal/buffers"
)

// Control message type ids carried on the command ring and broadcast
// channel.
const (
	CmdAddPublication          int32 = 0x01
	CmdRemovePublication       int32 = 0x02
	CmdAddExclusivePublication int32 = 0x03
	CmdAddSubscription         int32 = 0x04
	CmdRemoveSubscription      int32 = 0x05
	CmdClientKeepalive         int32 = 0x06
	CmdAddDestination          int32 = 0x07
	CmdRemoveDestination       int32 = 0x08
	CmdAddCounter              int32 = 0x09
	CmdRemoveCounter           int32 = 0x0A
	CmdClientClose             int32 = 0x0B
	CmdTerminateDriver         int32 = 0x0E
	CmdAddStaticCounter        int32 = 0x0F
	CmdRejectImage             int32 = 0x10

	EvtOnError                    int32 = 0x0F01
	EvtOnAvailableImage           int32 = 0x0F02
	EvtOnPublicationReady         int32 = 0x0F03
	EvtOnOperationSuccess         int32 = 0x0F04
	EvtOnUnavailableImage         int32 = 0x0F05
	EvtOnExclusivePublicationReady int32 = 0x0F06
	EvtOnSubscriptionReady        int32 = 0x0F07
	EvtOnCounterReady             int32 = 0x0F08
	EvtOnUnavailableCounter       int32 = 0x0F09
	EvtOnClientTimeout            int32 = 0x0F0A
	EvtOnStaticCounter            int32 = 0x0F0B
	EvtOnPublicationError         int32 = 0x0F0C
)

// Command is one decoded control request from a client. Commands arrive
// decoded from the to-driver ring (command_codec.go) or are enqueued in
// process; the conductor consumes these views.
type Command struct {
	Type           int32
	ClientID       int64
	CorrelationID  int64
	RegistrationID int64
	StreamID       int32
	Channel        string

	// Counter commands.
	CounterTypeID int32
	Key           []byte
	Label         string

	// Image rejection.
	ImageCorrelationID int64
	Position           int64
	Reason             string

	// Destination commands.
	DestinationChannel string

	// Driver termination.
	Token []byte
}

// ImageReady describes an available image to a subscriber.
type ImageReady struct {
	CorrelationID              int64
	SessionID                  int32
	StreamID                   int32
	SubscriptionRegistrationID int64
	SubscriberPositionID       int32
	LogFileName                string
	SourceIdentity             string
}

// ClientProxy emits driver-to-client events. The conductor is the only
// caller.
type ClientProxy interface {
	OnPublicationReady(correlationID, registrationID int64, streamID, sessionID, publisherLimitID int32, logFileName string, exclusive bool)
	OnSubscriptionReady(correlationID int64, channelStatusID int32)
	OnAvailableImage(image ImageReady)
	OnUnavailableImage(correlationID, subscriptionRegistrationID int64, streamID int32, channel string)
	OnOperationSuccess(correlationID int64)
	OnError(correlationID int64, code ErrorCode, message string)
	OnCounterReady(correlationID int64, counterID int32)
	OnStaticCounter(correlationID int64, counterID int32)
	OnUnavailableCounter(registrationID int64, counterID int32)
	OnClientTimeout(clientID int64)
	OnPublicationError(registrationID int64, sessionID, streamID int32, code ErrorCode, message string)
}

// BroadcastProxy encodes events onto the to-clients broadcast channel.
// Layouts are fixed little-endian structs; strings are length-prefixed and
// trail the fixed fields.
type BroadcastProxy struct {
	tx *buffers.BroadcastTransmitter
}

// NewBroadcastProxy wraps a broadcast transmitter.
func NewBroadcastProxy(tx *buffers.BroadcastTransmitter) *BroadcastProxy {
	return &BroadcastProxy{tx: tx}
}

func appendInt32(b []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendString(b []byte, s string) []byte {
	b = appendInt32(b, int32(len(s)))
	return append(b, s...)
}

func (p *BroadcastProxy) OnPublicationReady(correlationID, registrationID int64, streamID, sessionID, publisherLimitID int32, logFileName string, exclusive bool) {
	var b []byte
	b = appendInt64(b, correlationID)
	b = appendInt64(b, registrationID)
	b = appendInt32(b, streamID)
	b = appendInt32(b, sessionID)
	b = appendInt32(b, publisherLimitID)
	b = appendString(b, logFileName)
	evt := EvtOnPublicationReady
	if exclusive {
		evt = EvtOnExclusivePublicationReady
	}
	_ = p.tx.Transmit(evt, b)
}

func (p *BroadcastProxy) OnSubscriptionReady(correlationID int64, channelStatusID int32) {
	var b []byte
	b = appendInt64(b, correlationID)
	b = appendInt32(b, channelStatusID)
	_ = p.tx.Transmit(EvtOnSubscriptionReady, b)
}

func (p *BroadcastProxy) OnAvailableImage(image ImageReady) {
	var b []byte
	b = appendInt64(b, image.CorrelationID)
	b = appendInt64(b, image.SubscriptionRegistrationID)
	b = appendInt32(b, image.SessionID)
	b = appendInt32(b, image.StreamID)
	b = appendInt32(b, image.SubscriberPositionID)
	b = appendString(b, image.LogFileName)
	b = appendString(b, image.SourceIdentity)
	_ = p.tx.Transmit(EvtOnAvailableImage, b)
}

func (p *BroadcastProxy) OnUnavailableImage(correlationID, subscriptionRegistrationID int64, streamID int32, channel string) {
	var b []byte
	b = appendInt64(b, correlationID)
	b = appendInt64(b, subscriptionRegistrationID)
	b = appendInt32(b, streamID)
	b = appendString(b, channel)
	_ = p.tx.Transmit(EvtOnUnavailableImage, b)
}

func (p *BroadcastProxy) OnOperationSuccess(correlationID int64) {
	_ = p.tx.Transmit(EvtOnOperationSuccess, appendInt64(nil, correlationID))
}

func (p *BroadcastProxy) OnError(correlationID int64, code ErrorCode, message string) {
	var b []byte
	b = appendInt64(b, correlationID)
	b = appendInt32(b, int32(code))
	b = appendString(b, message)
	_ = p.tx.Transmit(EvtOnError, b)
}

func (p *BroadcastProxy) OnCounterReady(correlationID int64, counterID int32) {
	var b []byte
	b = appendInt64(b, correlationID)
	b = appendInt32(b, counterID)
	_ = p.tx.Transmit(EvtOnCounterReady, b)
}

func (p *BroadcastProxy) OnStaticCounter(correlationID int64, counterID int32) {
	var b []byte
	b = appendInt64(b, correlationID)
	b = appendInt32(b, counterID)
	_ = p.tx.Transmit(EvtOnStaticCounter, b)
}

func (p *BroadcastProxy) OnUnavailableCounter(registrationID int64, counterID int32) {
	var b []byte
	b = appendInt64(b, registrationID)
	b = appendInt32(b, counterID)
	_ = p.tx.Transmit(EvtOnUnavailableCounter, b)
}

func (p *BroadcastProxy) OnClientTimeout(clientID int64) {
	_ = p.tx.Transmit(EvtOnClientTimeout, appendInt64(nil, clientID))
}

func (p *BroadcastProxy) OnPublicationError(registrationID int64, sessionID, streamID int32, code ErrorCode, message string) {
	var b []byte
	b = appendInt64(b, registrationID)
	b = appendInt32(b, sessionID)
	b = appendInt32(b, streamID)
	b = appendInt32(b, int32(code))
	b = appendString(b, message)
	_ = p.tx.Transmit(EvtOnPublicationError, b)
}

package driver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rzbill/beam/internal/buffers"
	"github.com/rzbill/beam/internal/channel"
	"github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/counters"
	"github.com/rzbill/beam/internal/logbuffer"
	logpkg "github.com/rzbill/beam/pkg/log"
)

// conductorServiceIntervalNs bounds one duty cycle before the conductor
// reports itself late.
const conductorServiceIntervalNs int64 = 1_000_000_000

// LogFactory creates log buffers for publications and images. The mapped
// implementation lives with the driver directory; tests use the in-memory
// one.
type LogFactory interface {
	NewPublicationLog(registrationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error)
	NewImageLog(correlationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error)
}

// MemoryLogFactory allocates logs on the process heap; IPC streams and
// tests run on it.
type MemoryLogFactory struct{}

func (MemoryLogFactory) NewPublicationLog(registrationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error) {
	lb, err := logbuffer.AllocateLogBuffer(registrationID, initialTermID, termLength, mtuLength)
	return lb, fmt.Sprintf("mem:pub:%d", registrationID), err
}

func (MemoryLogFactory) NewImageLog(correlationID int64, initialTermID, termLength, mtuLength int32) (*logbuffer.LogBuffer, string, error) {
	lb, err := logbuffer.AllocateLogBuffer(correlationID, initialTermID, termLength, mtuLength)
	return lb, fmt.Sprintf("mem:image:%d", correlationID), err
}

type clientState struct {
	id              int64
	lastKeepaliveNs int64
}

type pubAttachment struct {
	registrationID int64
	clientID       int64
	ipc            *IpcPublication
	network        *NetworkPublication
}

type sendEndpointEntry struct {
	transport *UDPTransport
	refCount  int
}

type lossTrack struct {
	entry      lossEntry
	haveEntry  bool
	termID     int32
	termOffset int32
	length     int32
}

// ConductorOptions wires the conductor's collaborators.
type ConductorOptions struct {
	Config      config.Config
	Clock       *CachedNanoClock
	Logger      logpkg.Logger
	Table       *counters.Table
	System      *counters.SystemCounters
	Proxy       ClientProxy
	Sender      *Sender
	Receiver    *Receiver
	Logs        LogFactory
	LossReport  *LossReport
	CommandRing *buffers.RingBuffer
	OnError     ErrorHandler
	OnTerminate func()
	// ValidateTerminationToken guards TERMINATE_DRIVER; nil refuses all.
	ValidateTerminationToken func(token []byte) bool
}

// Conductor is the single-threaded owner of all driver lifecycle state.
type Conductor struct {
	cfg        config.Config
	clock      *CachedNanoClock
	logger     logpkg.Logger
	table      *counters.Table
	sc         *counters.SystemCounters
	proxy      ClientProxy
	sender     *Sender
	receiver   *Receiver
	logs       LogFactory
	lossReport *LossReport
	ring       *buffers.RingBuffer

	commands chan Command

	nextSessionID     int32
	nextCorrelationID int64

	clients             map[int64]*clientState
	attachments         map[int64]*pubAttachment
	ipcPublications     []*IpcPublication
	networkPublications []*NetworkPublication
	images              []*PublicationImage
	subscriptions       []*SubscriptionLink
	sendEndpoints       map[string]*sendEndpointEntry
	receiveEndpoints    map[string]*ReceiveEndpoint
	lossTracks          map[int64]*lossTrack

	timeOfLastCycleNs int64
	lastHeartbeatMs   int64

	onError                  ErrorHandler
	onTerminate              func()
	validateTerminationToken func(token []byte) bool
}

// NewConductor builds a conductor.
func NewConductor(opts ConductorOptions) *Conductor {
	c := &Conductor{
		cfg:                      opts.Config,
		clock:                    opts.Clock,
		logger:                   opts.Logger.With(logpkg.Component("conductor")),
		table:                    opts.Table,
		sc:                       opts.System,
		proxy:                    opts.Proxy,
		sender:                   opts.Sender,
		receiver:                 opts.Receiver,
		logs:                     opts.Logs,
		lossReport:               opts.LossReport,
		ring:                     opts.CommandRing,
		commands:                 make(chan Command, 256),
		nextSessionID:            1,
		nextCorrelationID:        1 << 56, // driver-issued ids sit far above client correlation ids
		clients:                  map[int64]*clientState{},
		attachments:              map[int64]*pubAttachment{},
		sendEndpoints:            map[string]*sendEndpointEntry{},
		receiveEndpoints:         map[string]*ReceiveEndpoint{},
		lossTracks:               map[int64]*lossTrack{},
		onError:                  opts.OnError,
		onTerminate:              opts.OnTerminate,
		validateTerminationToken: opts.ValidateTerminationToken,
	}
	if c.onError == nil {
		c.onError = func(err error) {
			c.sc.Errors.Increment()
			c.logger.Error("driver error", logpkg.Err(err))
		}
	}
	return c
}

// Enqueue submits a decoded client command; safe from any goroutine.
// Fails when the command queue is saturated so the client can retry.
func (c *Conductor) Enqueue(cmd Command) error {
	select {
	case c.commands <- cmd:
		return nil
	default:
		return controlErrorf(ErrorCodeResourceTemporarilyUnavailable, "command queue full")
	}
}

// DoWork runs one conductor duty cycle.
func (c *Conductor) DoWork() int {
	nowNs := SystemNanoClock()
	c.clock.Update(nowNs)
	workCount := 0

	workCount += c.drainCommands(nowNs)
	workCount += c.processSetups(nowNs)

	for _, p := range c.ipcPublications {
		p.OnTimeEvent(nowNs)
		workCount += p.UpdatePublisherPositionAndLimit()
	}
	for _, p := range c.networkPublications {
		p.OnTimeEvent(nowNs)
		workCount += p.UpdatePublisherPositionAndLimit()
	}
	for _, img := range c.images {
		img.OnTimeEvent(nowNs)
		c.harvestLoss(img)
	}

	c.checkClientLiveness(nowNs)
	c.reapEndOfLife()
	c.heartbeatRing()
	c.checkServiceInterval(nowNs)

	return workCount
}

func (c *Conductor) drainCommands(nowNs int64) int {
	workCount := 0

	// Encoded records from out-of-process clients on the to-driver ring.
	if c.ring != nil {
		workCount += c.ring.Read(func(msgType int32, payload []byte) {
			cmd, err := decodeCommand(msgType, payload)
			if err != nil {
				c.onError(err)
				return
			}
			c.processCommand(cmd, nowNs)
		}, 16)
	}

	// Decoded views from in-process clients.
	for workCount < 16 {
		select {
		case cmd := <-c.commands:
			c.processCommand(cmd, nowNs)
			workCount++
		default:
			return workCount
		}
	}
	return workCount
}

func (c *Conductor) processCommand(cmd Command, nowNs int64) {
	c.onClientActivity(cmd.ClientID, nowNs)
	if err := c.dispatch(cmd, nowNs); err != nil {
		var ctrl *ControlError
		if errors.As(err, &ctrl) {
			c.proxy.OnError(cmd.CorrelationID, ctrl.Code, ctrl.Message)
		} else {
			c.proxy.OnError(cmd.CorrelationID, ErrorCodeGeneric, err.Error())
			c.onError(err)
		}
	}
}

func (c *Conductor) dispatch(cmd Command, nowNs int64) error {
	switch cmd.Type {
	case CmdAddPublication, CmdAddExclusivePublication:
		return c.onAddPublication(cmd, cmd.Type == CmdAddExclusivePublication, nowNs)
	case CmdRemovePublication:
		return c.onRemovePublication(cmd)
	case CmdAddSubscription:
		return c.onAddSubscription(cmd, nowNs)
	case CmdRemoveSubscription:
		return c.onRemoveSubscription(cmd)
	case CmdAddCounter:
		return c.onAddCounter(cmd)
	case CmdAddStaticCounter:
		return c.onAddStaticCounter(cmd)
	case CmdRemoveCounter:
		return c.onRemoveCounter(cmd)
	case CmdClientKeepalive:
		return nil // activity already recorded
	case CmdClientClose:
		c.closeClient(cmd.ClientID)
		return nil
	case CmdRejectImage:
		return c.onRejectImage(cmd, nowNs)
	case CmdAddDestination:
		return c.onAddDestination(cmd)
	case CmdRemoveDestination:
		return c.onRemoveDestination(cmd)
	case CmdTerminateDriver:
		return c.onTerminateDriver(cmd)
	default:
		return controlErrorf(ErrorCodeUnknownCommand, "command type %#x", cmd.Type)
	}
}

func (c *Conductor) correlationID() int64 {
	c.nextCorrelationID++
	return c.nextCorrelationID
}

func positionKey(registrationID int64, sessionID, streamID int32) []byte {
	key := make([]byte, 16)
	binary.LittleEndian.PutUint64(key, uint64(registrationID))
	binary.LittleEndian.PutUint32(key[8:], uint32(sessionID))
	binary.LittleEndian.PutUint32(key[12:], uint32(streamID))
	return key
}

func (c *Conductor) allocatePosition(typeID int32, label string, registrationID int64, sessionID, streamID int32, ownerID int64) (*counters.Position, error) {
	id, err := c.table.Allocate(typeID, positionKey(registrationID, sessionID, streamID), label, counters.NullValue, ownerID)
	if err != nil {
		return nil, controlErrorf(ErrorCodeGeneric, "counter allocation failed: %v", err)
	}
	return counters.NewPosition(c.table, id), nil
}

func (c *Conductor) untetheredTimeouts(uri *channel.URI) (UntetheredTimeouts, error) {
	windowLimit, err := uri.Duration(channel.ParamUntetheredWindowLimitTimeout, c.cfg.UntetheredWindowLimitTimeout)
	if err != nil {
		return UntetheredTimeouts{}, err
	}
	linger, err := uri.Duration(channel.ParamUntetheredLingerTimeout, c.cfg.UntetheredLingerTimeout)
	if err != nil {
		return UntetheredTimeouts{}, err
	}
	resting, err := uri.Duration(channel.ParamUntetheredRestingTimeout, c.cfg.UntetheredRestingTimeout)
	if err != nil {
		return UntetheredTimeouts{}, err
	}
	return UntetheredTimeouts{WindowLimitNs: windowLimit.Ns(), LingerNs: linger.Ns(), RestingNs: resting.Ns()}, nil
}

// --- Publications ---

func (c *Conductor) onAddPublication(cmd Command, exclusive bool, nowNs int64) error {
	uri, err := channel.Parse(cmd.Channel)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	if uri.IsSpy {
		return controlErrorf(ErrorCodeInvalidChannel, "cannot publish on a spy channel")
	}
	if uri.Media == channel.MediaIPC {
		return c.addIpcPublication(cmd, uri, exclusive, nowNs)
	}
	return c.addNetworkPublication(cmd, uri, exclusive, nowNs)
}

func (c *Conductor) addIpcPublication(cmd Command, uri *channel.URI, exclusive bool, nowNs int64) error {
	registrationID := cmd.CorrelationID

	if !exclusive {
		for _, existing := range c.ipcPublications {
			if !existing.IsExclusive() && existing.StreamID() == cmd.StreamID &&
				existing.Channel() == cmd.Channel && existing.State() == StateActive {
				existing.IncRef()
				c.attachments[registrationID] = &pubAttachment{registrationID: registrationID, clientID: cmd.ClientID, ipc: existing}
				c.proxy.OnPublicationReady(cmd.CorrelationID, existing.RegistrationID(), existing.StreamID(), existing.SessionID(), existing.PublisherLimitID(), "", false)
				return nil
			}
		}
	}

	termLength, err := uri.Int32(channel.ParamTermLength, c.cfg.IPCTermBufferLength)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	if err := logbuffer.CheckTermLength(termLength); err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	initialTermID, err := uri.Int32(channel.ParamInitialTermID, 0)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	startingTermID, err := uri.Int32(channel.ParamTermID, initialTermID)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	startingTermOffset, err := uri.Int32(channel.ParamTermOffset, 0)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	sessionID, err := uri.Int32(channel.ParamSessionID, c.allocateSessionID())
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	linger, err := uri.Duration(channel.ParamLinger, c.cfg.PublicationLingerTimeout)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	untethered, err := c.untetheredTimeouts(uri)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}

	lb, logFileName, err := c.logs.NewPublicationLog(registrationID, initialTermID, termLength, c.cfg.MTULength)
	if err != nil {
		return controlErrorf(ErrorCodeGeneric, "log allocation failed: %v", err)
	}
	if startingTermID != initialTermID || startingTermOffset != 0 {
		termCount := startingTermID - initialTermID
		lb.Meta().SetRawTail(logbuffer.IndexByTermCount(termCount), logbuffer.PackRawTail(startingTermID, startingTermOffset))
		for lb.Meta().ActiveTermCount() < termCount {
			if !lb.Meta().CasActiveTermCount(lb.Meta().ActiveTermCount(), termCount) {
				break
			}
		}
	}

	publisherPos, err := c.allocatePosition(counters.TypeIDPublisherPosition, "pub-pos", registrationID, sessionID, cmd.StreamID, counters.NullValue)
	if err != nil {
		return err
	}
	publisherLimit, err := c.allocatePosition(counters.TypeIDPublisherLimit, "pub-lmt", registrationID, sessionID, cmd.StreamID, counters.NullValue)
	if err != nil {
		publisherPos.Close()
		return err
	}

	params := IpcPublicationParams{
		RegistrationID:     registrationID,
		SessionID:          sessionID,
		StreamID:           cmd.StreamID,
		Channel:            cmd.Channel,
		IsExclusive:        exclusive,
		TermBufferLength:   termLength,
		MTULength:          c.cfg.MTULength,
		TermWindowLength:   termLength / 2,
		InitialTermID:      initialTermID,
		StartingTermID:     startingTermID,
		StartingTermOffset: startingTermOffset,
		LingerTimeoutNs:    linger.Ns(),
		UnblockTimeoutNs:   c.cfg.PublicationUnblockTimeout.Ns(),
		LivenessTimeoutNs:  c.cfg.ImageLivenessTimeout.Ns(),
		Untethered:         untethered,
	}
	pub := NewIpcPublication(params, lb, publisherPos, publisherLimit, c, c.sc.UnblockedPublications, c.sc.PublicationsRevoked)
	c.ipcPublications = append(c.ipcPublications, pub)
	c.attachments[registrationID] = &pubAttachment{registrationID: registrationID, clientID: cmd.ClientID, ipc: pub}

	c.proxy.OnPublicationReady(cmd.CorrelationID, registrationID, cmd.StreamID, sessionID, publisherLimit.ID(), logFileName, exclusive)
	c.linkIpcSubscribers(pub, logFileName, nowNs)
	return nil
}

func (c *Conductor) linkIpcSubscribers(pub *IpcPublication, logFileName string, nowNs int64) {
	for _, link := range c.subscriptions {
		if !c.ipcLinkMatches(link, pub) {
			continue
		}
		subPos, err := c.allocatePosition(counters.TypeIDSubscriberPosition, "sub-pos", link.RegistrationID, pub.SessionID(), pub.StreamID(), counters.NullValue)
		if err != nil {
			c.onError(err)
			continue
		}
		pub.AttachSubscriber(link, subPos, nowNs)
		c.proxy.OnAvailableImage(ImageReady{
			CorrelationID:              pub.RegistrationID(),
			SessionID:                  pub.SessionID(),
			StreamID:                   pub.StreamID(),
			SubscriptionRegistrationID: link.RegistrationID,
			SubscriberPositionID:       subPos.ID(),
			LogFileName:                logFileName,
			SourceIdentity:             "aeron:ipc",
		})
	}
}

func (c *Conductor) ipcLinkMatches(link *SubscriptionLink, pub *IpcPublication) bool {
	if link.IsSpy || link.URI.Media != channel.MediaIPC || link.StreamID != pub.StreamID() {
		return false
	}
	if link.HasSessionID && link.SessionID != pub.SessionID() {
		return false
	}
	return pub.IsAcceptingSubscribers()
}

func (c *Conductor) addNetworkPublication(cmd Command, uri *channel.URI, exclusive bool, nowNs int64) error {
	registrationID := cmd.CorrelationID
	endpoint := uri.Endpoint()
	if endpoint == "" {
		return controlErrorf(ErrorCodeInvalidChannel, "publication requires an endpoint")
	}

	if !exclusive {
		for _, existing := range c.networkPublications {
			if !existing.IsExclusive() && existing.StreamID() == cmd.StreamID &&
				existing.Channel() == cmd.Channel && existing.State() == StateActive {
				existing.IncRef()
				c.attachments[registrationID] = &pubAttachment{registrationID: registrationID, clientID: cmd.ClientID, network: existing}
				c.proxy.OnPublicationReady(cmd.CorrelationID, existing.RegistrationID(), existing.StreamID(), existing.SessionID(), existing.PublisherLimitID(), "", false)
				return nil
			}
		}
	}

	termLength, err := uri.Int32(channel.ParamTermLength, c.cfg.TermBufferLength)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	if err := logbuffer.CheckTermLength(termLength); err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	mtu, err := uri.Int32(channel.ParamMTU, c.cfg.MTULength)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	initialTermID, err := uri.Int32(channel.ParamInitialTermID, 0)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	sessionID, err := uri.Int32(channel.ParamSessionID, c.allocateSessionID())
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	ttl, err := uri.Int32(channel.ParamTTL, 0)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	maxResend, err := uri.Int32(channel.ParamMaxResend, 0)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	linger, err := uri.Duration(channel.ParamLinger, c.cfg.PublicationLingerTimeout)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	nakDelay, err := uri.Duration(channel.ParamNakDelay, c.cfg.NakUnicastDelay)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	untethered, err := c.untetheredTimeouts(uri)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	ssc, err := uri.Bool(channel.ParamSSC, c.cfg.SpiesSimulateConnection)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}

	flow, err := ResolveFlowControl(uri, c.cfg.FlowControlReceiverTimeout.Ns())
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}

	entry, err := c.sendEndpoint(endpoint)
	if err != nil {
		return controlErrorf(ErrorCodeChannelEndpointError, "%v", err)
	}

	lb, logFileName, err := c.logs.NewPublicationLog(registrationID, initialTermID, termLength, mtu)
	if err != nil {
		c.releaseSendEndpoint(endpoint)
		return controlErrorf(ErrorCodeGeneric, "log allocation failed: %v", err)
	}

	publisherPos, err := c.allocatePosition(counters.TypeIDPublisherPosition, "pub-pos", registrationID, sessionID, cmd.StreamID, counters.NullValue)
	if err != nil {
		c.releaseSendEndpoint(endpoint)
		return err
	}
	publisherLimit, err := c.allocatePosition(counters.TypeIDPublisherLimit, "pub-lmt", registrationID, sessionID, cmd.StreamID, counters.NullValue)
	if err != nil {
		publisherPos.Close()
		c.releaseSendEndpoint(endpoint)
		return err
	}
	senderPos, err := c.allocatePosition(counters.TypeIDSenderPosition, "snd-pos", registrationID, sessionID, cmd.StreamID, counters.NullValue)
	if err != nil {
		publisherPos.Close()
		publisherLimit.Close()
		c.releaseSendEndpoint(endpoint)
		return err
	}
	senderLimit, err := c.allocatePosition(counters.TypeIDSenderLimit, "snd-lmt", registrationID, sessionID, cmd.StreamID, counters.NullValue)
	if err != nil {
		publisherPos.Close()
		publisherLimit.Close()
		senderPos.Close()
		c.releaseSendEndpoint(endpoint)
		return err
	}

	windowLength := termLength / 2
	if windowLength > c.cfg.InitialWindowLength*8 {
		windowLength = c.cfg.InitialWindowLength * 8
	}
	if pubWnd, err := uri.Int32(channel.ParamPubWnd, 0); err == nil && pubWnd > 0 {
		windowLength = pubWnd
	}

	params := NetworkPublicationParams{
		RegistrationID:          registrationID,
		SessionID:               sessionID,
		StreamID:                cmd.StreamID,
		Channel:                 cmd.Channel,
		IsExclusive:             exclusive,
		TermBufferLength:        termLength,
		MTULength:               mtu,
		TermWindowLength:        windowLength,
		InitialTermID:           initialTermID,
		StartingTermID:          initialTermID,
		StartingTermOffset:      0,
		TTL:                     ttl,
		LingerTimeoutNs:         linger.Ns(),
		UnblockTimeoutNs:        c.cfg.PublicationUnblockTimeout.Ns(),
		LivenessTimeoutNs:       c.cfg.ImageLivenessTimeout.Ns(),
		Untethered:              untethered,
		SpiesSimulateConnection: ssc,
		MaxResend:               int(maxResend),
	}
	retransmitDelay := &StaticDelayGenerator{DelayNs: 0}
	retransmitLinger := &StaticDelayGenerator{DelayNs: nakDelay.Ns()}
	pub := NewNetworkPublication(params, lb, entry.transport, flow, publisherPos, publisherLimit, senderPos, senderLimit, c, c.sc, retransmitDelay, retransmitLinger)
	c.networkPublications = append(c.networkPublications, pub)
	c.attachments[registrationID] = &pubAttachment{registrationID: registrationID, clientID: cmd.ClientID, network: pub}
	c.sender.AddPublication(pub)

	c.proxy.OnPublicationReady(cmd.CorrelationID, registrationID, cmd.StreamID, sessionID, publisherLimit.ID(), logFileName, exclusive)
	c.linkSpySubscribers(pub, logFileName, nowNs)
	return nil
}

func (c *Conductor) linkSpySubscribers(pub *NetworkPublication, logFileName string, nowNs int64) {
	for _, link := range c.subscriptions {
		if !c.spyLinkMatches(link, pub) {
			continue
		}
		subPos, err := c.allocatePosition(counters.TypeIDSubscriberPosition, "spy-pos", link.RegistrationID, pub.SessionID(), pub.StreamID(), counters.NullValue)
		if err != nil {
			c.onError(err)
			continue
		}
		pub.AttachSpy(link, subPos, nowNs)
		c.proxy.OnAvailableImage(ImageReady{
			CorrelationID:              pub.RegistrationID(),
			SessionID:                  pub.SessionID(),
			StreamID:                   pub.StreamID(),
			SubscriptionRegistrationID: link.RegistrationID,
			SubscriberPositionID:       subPos.ID(),
			LogFileName:                logFileName,
			SourceIdentity:             pub.Channel(),
		})
	}
}

func (c *Conductor) spyLinkMatches(link *SubscriptionLink, pub *NetworkPublication) bool {
	if !link.IsSpy || link.StreamID != pub.StreamID() {
		return false
	}
	pubURI, err := channel.Parse(pub.Channel())
	if err != nil {
		return false
	}
	if link.URI.Endpoint() != pubURI.Endpoint() {
		return false
	}
	if link.HasSessionID && link.SessionID != pub.SessionID() {
		return false
	}
	return pub.IsAcceptingSubscribers()
}

func (c *Conductor) onRemovePublication(cmd Command) error {
	att, ok := c.attachments[cmd.RegistrationID]
	if !ok {
		return controlErrorf(ErrorCodeUnknownPublication, "unknown publication registration %d", cmd.RegistrationID)
	}
	delete(c.attachments, cmd.RegistrationID)
	if att.ipc != nil {
		att.ipc.DecRef()
	}
	if att.network != nil {
		att.network.DecRef()
	}
	c.proxy.OnOperationSuccess(cmd.CorrelationID)
	return nil
}

// --- Subscriptions ---

func (c *Conductor) onAddSubscription(cmd Command, nowNs int64) error {
	uri, err := channel.Parse(cmd.Channel)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	tethered, err := uri.Bool(channel.ParamTether, true)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	rejoin, err := uri.Bool(channel.ParamRejoin, true)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	sessionID, err := uri.Int32(channel.ParamSessionID, 0)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}

	link := &SubscriptionLink{
		RegistrationID: cmd.CorrelationID,
		ClientID:       cmd.ClientID,
		StreamID:       cmd.StreamID,
		Channel:        cmd.Channel,
		URI:            uri,
		IsTethered:     tethered,
		IsRejoin:       rejoin,
		IsSpy:          uri.IsSpy,
		HasSessionID:   uri.Has(channel.ParamSessionID),
		SessionID:      sessionID,
	}
	c.subscriptions = append(c.subscriptions, link)

	channelStatusID := int32(0)
	if uri.Media == channel.MediaUDP && !uri.IsSpy {
		endpointAddr := uri.Endpoint()
		if endpointAddr == "" {
			c.removeSubscriptionLink(link)
			return controlErrorf(ErrorCodeInvalidChannel, "subscription requires an endpoint")
		}
		e, ok := c.receiveEndpoints[endpointAddr]
		if !ok {
			e, err = NewReceiveEndpoint(cmd.Channel, endpointAddr)
			if err != nil {
				c.removeSubscriptionLink(link)
				return controlErrorf(ErrorCodeChannelEndpointError, "%v", err)
			}
			c.receiveEndpoints[endpointAddr] = e
			c.receiver.AddEndpoint(e)
		}
		e.refCount++
		e.AddStreamInterest(cmd.StreamID)
	}

	c.proxy.OnSubscriptionReady(cmd.CorrelationID, channelStatusID)

	// Link to live streams the subscription matches.
	if uri.Media == channel.MediaIPC {
		for _, pub := range c.ipcPublications {
			if c.ipcLinkMatches(link, pub) {
				subPos, err := c.allocatePosition(counters.TypeIDSubscriberPosition, "sub-pos", link.RegistrationID, pub.SessionID(), pub.StreamID(), counters.NullValue)
				if err != nil {
					c.onError(err)
					continue
				}
				pub.AttachSubscriber(link, subPos, nowNs)
				c.proxy.OnAvailableImage(ImageReady{
					CorrelationID:              pub.RegistrationID(),
					SessionID:                  pub.SessionID(),
					StreamID:                   pub.StreamID(),
					SubscriptionRegistrationID: link.RegistrationID,
					SubscriberPositionID:       subPos.ID(),
					SourceIdentity:             "aeron:ipc",
				})
			}
		}
	} else if uri.IsSpy {
		for _, pub := range c.networkPublications {
			if c.spyLinkMatches(link, pub) {
				subPos, err := c.allocatePosition(counters.TypeIDSubscriberPosition, "spy-pos", link.RegistrationID, pub.SessionID(), pub.StreamID(), counters.NullValue)
				if err != nil {
					c.onError(err)
					continue
				}
				pub.AttachSpy(link, subPos, nowNs)
				c.proxy.OnAvailableImage(ImageReady{
					CorrelationID:              pub.RegistrationID(),
					SessionID:                  pub.SessionID(),
					StreamID:                   pub.StreamID(),
					SubscriptionRegistrationID: link.RegistrationID,
					SubscriberPositionID:       subPos.ID(),
					SourceIdentity:             pub.Channel(),
				})
			}
		}
	} else {
		for _, img := range c.images {
			if c.imageLinkMatches(link, img) {
				subPos, err := c.allocatePosition(counters.TypeIDSubscriberPosition, "sub-pos", link.RegistrationID, img.SessionID(), img.StreamID(), counters.NullValue)
				if err != nil {
					c.onError(err)
					continue
				}
				img.AttachSubscriber(link, subPos, nowNs)
				c.proxy.OnAvailableImage(ImageReady{
					CorrelationID:              img.CorrelationID(),
					SessionID:                  img.SessionID(),
					StreamID:                   img.StreamID(),
					SubscriptionRegistrationID: link.RegistrationID,
					SubscriberPositionID:       subPos.ID(),
					SourceIdentity:             img.SourceIdentity(),
				})
			}
		}
	}
	return nil
}

func (c *Conductor) imageLinkMatches(link *SubscriptionLink, img *PublicationImage) bool {
	if link.IsSpy || link.URI.Media != channel.MediaUDP || link.StreamID != img.StreamID() {
		return false
	}
	imgURI, err := channel.Parse(img.Channel())
	if err != nil {
		return false
	}
	if link.URI.Endpoint() != imgURI.Endpoint() {
		return false
	}
	if link.HasSessionID && link.SessionID != img.SessionID() {
		return false
	}
	return img.IsAcceptingSubscribers()
}

func (c *Conductor) onRemoveSubscription(cmd Command) error {
	var link *SubscriptionLink
	for _, existing := range c.subscriptions {
		if existing.RegistrationID == cmd.RegistrationID {
			link = existing
			break
		}
	}
	if link == nil {
		return controlErrorf(ErrorCodeUnknownSubscription, "unknown subscription registration %d", cmd.RegistrationID)
	}
	c.unlinkSubscription(link)
	c.removeSubscriptionLink(link)
	c.proxy.OnOperationSuccess(cmd.CorrelationID)
	return nil
}

func (c *Conductor) unlinkSubscription(link *SubscriptionLink) {
	for _, pub := range c.ipcPublications {
		if pos := pub.DetachSubscriber(link); pos != nil {
			pos.Close()
		}
	}
	for _, pub := range c.networkPublications {
		if pos := pub.DetachSpy(link); pos != nil {
			pos.Close()
		}
	}
	for _, img := range c.images {
		if pos := img.DetachSubscriber(link); pos != nil {
			pos.Close()
		}
	}
	if link.URI.Media == channel.MediaUDP && !link.IsSpy {
		endpointAddr := link.URI.Endpoint()
		if e, ok := c.receiveEndpoints[endpointAddr]; ok {
			e.RemoveStreamInterest(link.StreamID)
			e.refCount--
			if e.refCount == 0 {
				c.receiver.RemoveEndpoint(e)
				delete(c.receiveEndpoints, endpointAddr)
				if err := e.Close(); err != nil {
					c.onError(err)
				}
			}
		}
	}
}

func (c *Conductor) removeSubscriptionLink(link *SubscriptionLink) {
	for i, existing := range c.subscriptions {
		if existing == link {
			c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
			return
		}
	}
}

// --- Images ---

func (c *Conductor) processSetups(nowNs int64) int {
	workCount := 0
	for {
		req, ok := c.receiver.PollSetup()
		if !ok {
			return workCount
		}
		if err := c.createPublicationImage(req, nowNs); err != nil {
			c.onError(err)
		}
		workCount++
	}
}

func (c *Conductor) createPublicationImage(req SetupRequest, nowNs int64) error {
	setup := req.Setup
	if err := logbuffer.CheckTermLength(setup.TermLength); err != nil {
		return err
	}

	correlationID := c.correlationID()
	lb, logFileName, err := c.logs.NewImageLog(correlationID, setup.InitialTermID, setup.TermLength, setup.MTULength)
	if err != nil {
		return err
	}

	hwm, err := c.allocatePosition(counters.TypeIDReceiverHwm, "rcv-hwm", correlationID, setup.SessionID, setup.StreamID, counters.NullValue)
	if err != nil {
		return err
	}
	rcv, err := c.allocatePosition(counters.TypeIDReceiverPosition, "rcv-pos", correlationID, setup.SessionID, setup.StreamID, counters.NullValue)
	if err != nil {
		hwm.Close()
		return err
	}

	windowLength := c.cfg.InitialWindowLength
	if windowLength > setup.TermLength/2 {
		windowLength = setup.TermLength / 2
	}

	params := PublicationImageParams{
		CorrelationID:     correlationID,
		SessionID:         setup.SessionID,
		StreamID:          setup.StreamID,
		Channel:           req.Endpoint.channelName,
		SourceIdentity:    req.SrcAddr.String(),
		InitialTermID:     setup.InitialTermID,
		ActiveTermID:      setup.ActiveTermID,
		TermOffset:        setup.TermOffset,
		TermLength:        setup.TermLength,
		MTULength:         setup.MTULength,
		WindowLength:      windowLength,
		ReceiverID:        correlationID,
		LivenessTimeoutNs: c.cfg.ImageLivenessTimeout.Ns(),
		SMTimeoutNs:       c.cfg.StatusMessageTimeout.Ns(),
		Untethered: UntetheredTimeouts{
			WindowLimitNs: c.cfg.UntetheredWindowLimitTimeout.Ns(),
			LingerNs:      c.cfg.UntetheredLingerTimeout.Ns(),
			RestingNs:     c.cfg.UntetheredRestingTimeout.Ns(),
		},
		NakDelayGen: &StaticDelayGenerator{DelayNs: c.cfg.NakUnicastDelay.Ns()},
	}
	img := NewPublicationImage(params, lb, hwm, rcv, c, c.sc)
	img.Activate(nowNs)
	c.images = append(c.images, img)
	req.Endpoint.AddImage(img)

	for _, link := range c.subscriptions {
		if !c.imageLinkMatches(link, img) {
			continue
		}
		subPos, err := c.allocatePosition(counters.TypeIDSubscriberPosition, "sub-pos", link.RegistrationID, img.SessionID(), img.StreamID(), counters.NullValue)
		if err != nil {
			c.onError(err)
			continue
		}
		img.AttachSubscriber(link, subPos, nowNs)
		c.proxy.OnAvailableImage(ImageReady{
			CorrelationID:              img.CorrelationID(),
			SessionID:                  img.SessionID(),
			StreamID:                   img.StreamID(),
			SubscriptionRegistrationID: link.RegistrationID,
			SubscriberPositionID:       subPos.ID(),
			LogFileName:                logFileName,
			SourceIdentity:             img.SourceIdentity(),
		})
	}
	return nil
}

func (c *Conductor) onRejectImage(cmd Command, nowNs int64) error {
	for _, img := range c.images {
		if img.CorrelationID() == cmd.ImageCorrelationID {
			img.Reject(cmd.Reason, nowNs)
			c.proxy.OnOperationSuccess(cmd.CorrelationID)
			return nil
		}
	}
	for _, pub := range c.ipcPublications {
		if pub.RegistrationID() == cmd.ImageCorrelationID {
			pub.Reject(cmd.Reason, nowNs)
			c.proxy.OnPublicationError(pub.RegistrationID(), pub.SessionID(), pub.StreamID(), ErrorCodeImageRejected, cmd.Reason)
			c.proxy.OnOperationSuccess(cmd.CorrelationID)
			return nil
		}
	}
	return controlErrorf(ErrorCodeUnknownPublication, "unknown image %d", cmd.ImageCorrelationID)
}

// --- Destinations ---

func (c *Conductor) onAddDestination(cmd Command) error {
	att, ok := c.attachments[cmd.RegistrationID]
	if !ok || att.network == nil {
		return controlErrorf(ErrorCodeUnknownPublication, "unknown publication registration %d", cmd.RegistrationID)
	}
	uri, err := channel.Parse(cmd.DestinationChannel)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	transport, ok := att.network.transport.(*UDPTransport)
	if !ok {
		return controlErrorf(ErrorCodeNotSupported, "destinations unsupported on this transport")
	}
	if err := transport.AddDestination(uri.Endpoint()); err != nil {
		return controlErrorf(ErrorCodeUnknownHost, "%v", err)
	}
	c.proxy.OnOperationSuccess(cmd.CorrelationID)
	return nil
}

func (c *Conductor) onRemoveDestination(cmd Command) error {
	att, ok := c.attachments[cmd.RegistrationID]
	if !ok || att.network == nil {
		return controlErrorf(ErrorCodeUnknownPublication, "unknown publication registration %d", cmd.RegistrationID)
	}
	transport, ok := att.network.transport.(*UDPTransport)
	if !ok {
		return controlErrorf(ErrorCodeNotSupported, "destinations unsupported on this transport")
	}
	uri, err := channel.Parse(cmd.DestinationChannel)
	if err != nil {
		return controlErrorf(ErrorCodeInvalidChannel, "%v", err)
	}
	if !transport.RemoveDestination(uri.Endpoint()) {
		return controlErrorf(ErrorCodeUnknownHost, "destination %q not present", cmd.DestinationChannel)
	}
	c.proxy.OnOperationSuccess(cmd.CorrelationID)
	return nil
}

// --- Counters ---

func (c *Conductor) onAddCounter(cmd Command) error {
	id, err := c.table.Allocate(cmd.CounterTypeID, cmd.Key, cmd.Label, cmd.CorrelationID, cmd.ClientID)
	if err != nil {
		if errors.Is(err, counters.ErrCounterConflict) {
			return controlErrorf(ErrorCodeGeneric, "%v", err)
		}
		return controlErrorf(ErrorCodeGeneric, "counter allocation failed: %v", err)
	}
	c.proxy.OnCounterReady(cmd.CorrelationID, id)
	return nil
}

func (c *Conductor) onAddStaticCounter(cmd Command) error {
	id, err := c.table.AllocateStatic(cmd.CounterTypeID, cmd.Key, cmd.Label, cmd.RegistrationID)
	if err != nil {
		if errors.Is(err, counters.ErrCounterConflict) {
			return controlErrorf(ErrorCodeGeneric, "%v", err)
		}
		return controlErrorf(ErrorCodeGeneric, "static counter allocation failed: %v", err)
	}
	c.proxy.OnStaticCounter(cmd.CorrelationID, id)
	return nil
}

func (c *Conductor) onRemoveCounter(cmd Command) error {
	for id := int32(0); id < c.table.MaxCounters(); id++ {
		if c.table.State(id) != counters.RecordAllocated {
			continue
		}
		if c.table.RegistrationID(id) == cmd.RegistrationID && c.table.OwnerID(id) == cmd.ClientID {
			c.table.Free(id)
			c.proxy.OnUnavailableCounter(cmd.RegistrationID, id)
			c.proxy.OnOperationSuccess(cmd.CorrelationID)
			return nil
		}
	}
	return controlErrorf(ErrorCodeUnknownCounter, "unknown counter registration %d", cmd.RegistrationID)
}

// --- Clients ---

func (c *Conductor) onClientActivity(clientID int64, nowNs int64) {
	if clientID == 0 {
		return
	}
	client, ok := c.clients[clientID]
	if !ok {
		client = &clientState{id: clientID}
		c.clients[clientID] = client
	}
	client.lastKeepaliveNs = nowNs
}

func (c *Conductor) checkClientLiveness(nowNs int64) {
	for id, client := range c.clients {
		if nowNs-client.lastKeepaliveNs >= c.cfg.ClientLivenessTimeout.Ns() {
			c.sc.ClientTimeouts.Increment()
			c.proxy.OnClientTimeout(id)
			c.closeClient(id)
		}
	}
}

func (c *Conductor) closeClient(clientID int64) {
	delete(c.clients, clientID)

	for regID, att := range c.attachments {
		if att.clientID != clientID {
			continue
		}
		delete(c.attachments, regID)
		if att.ipc != nil {
			att.ipc.DecRef()
		}
		if att.network != nil {
			att.network.DecRef()
		}
	}

	for i := len(c.subscriptions) - 1; i >= 0; i-- {
		link := c.subscriptions[i]
		if link.ClientID == clientID {
			c.unlinkSubscription(link)
			c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
		}
	}

	for _, id := range c.table.ReclaimForOwner(clientID) {
		c.proxy.OnUnavailableCounter(c.table.RegistrationID(id), id)
	}
}

// --- Housekeeping ---

func (c *Conductor) reapEndOfLife() {
	for i := len(c.ipcPublications) - 1; i >= 0; i-- {
		pub := c.ipcPublications[i]
		if pub.HasReachedEndOfLife() {
			pub.Close()
			c.ipcPublications = append(c.ipcPublications[:i], c.ipcPublications[i+1:]...)
		}
	}
	for i := len(c.networkPublications) - 1; i >= 0; i-- {
		pub := c.networkPublications[i]
		if pub.HasReachedEndOfLife() {
			c.sender.RemovePublication(pub)
			pub.Close()
			c.releaseSendEndpointTransport(pub)
			c.networkPublications = append(c.networkPublications[:i], c.networkPublications[i+1:]...)
		}
	}
	for i := len(c.images) - 1; i >= 0; i-- {
		img := c.images[i]
		if img.HasReachedEndOfLife() {
			for _, e := range c.receiveEndpoints {
				e.RemoveImage(img)
			}
			img.Close()
			delete(c.lossTracks, img.CorrelationID())
			c.images = append(c.images[:i], c.images[i+1:]...)
		}
	}
}

func (c *Conductor) harvestLoss(img *PublicationImage) {
	termID, termOffset, length, ok := img.LossSnapshot()
	if !ok || c.lossReport == nil {
		return
	}
	track, exists := c.lossTracks[img.CorrelationID()]
	if !exists {
		track = &lossTrack{}
		c.lossTracks[img.CorrelationID()] = track
	}
	if exists && track.termID == termID && track.termOffset == termOffset && track.length == length {
		return
	}

	bytesLost := int64(length)
	if track.haveEntry && track.termID == termID && track.termOffset == termOffset && length > track.length {
		bytesLost = int64(length - track.length)
	}
	nowMs := EpochMs()
	if track.haveEntry {
		c.lossReport.RecordObservation(track.entry, bytesLost, nowMs)
	} else {
		entry, ok := c.lossReport.CreateEntry(bytesLost, nowMs, img.SessionID(), img.StreamID(), img.Channel(), img.SourceIdentity())
		if !ok {
			return
		}
		track.entry = entry
		track.haveEntry = true
	}
	track.termID = termID
	track.termOffset = termOffset
	track.length = length
}

func (c *Conductor) heartbeatRing() {
	nowMs := EpochMs()
	if c.ring != nil && nowMs-c.lastHeartbeatMs >= 100 {
		c.ring.UpdateConsumerHeartbeatTime(nowMs)
		c.lastHeartbeatMs = nowMs
	}
}

func (c *Conductor) checkServiceInterval(nowNs int64) {
	if c.timeOfLastCycleNs != 0 && nowNs-c.timeOfLastCycleNs > conductorServiceIntervalNs {
		c.sc.ConductorCycleTimeExceeded.Increment()
		c.onError(fmt.Errorf("conductor service interval exceeded: %dns", nowNs-c.timeOfLastCycleNs))
	}
	c.timeOfLastCycleNs = nowNs
}

func (c *Conductor) onTerminateDriver(cmd Command) error {
	if c.validateTerminationToken == nil || !c.validateTerminationToken(cmd.Token) {
		return controlErrorf(ErrorCodeUnauthorisedAction, "termination refused")
	}
	c.proxy.OnOperationSuccess(cmd.CorrelationID)
	if c.onTerminate != nil {
		c.onTerminate()
	}
	return nil
}

func (c *Conductor) allocateSessionID() int32 {
	id := c.nextSessionID
	c.nextSessionID++
	return id
}

func (c *Conductor) sendEndpoint(endpoint string) (*sendEndpointEntry, error) {
	if entry, ok := c.sendEndpoints[endpoint]; ok {
		entry.refCount++
		return entry, nil
	}
	transport, err := DialUDPTransport(endpoint)
	if err != nil {
		return nil, err
	}
	entry := &sendEndpointEntry{transport: transport, refCount: 1}
	c.sendEndpoints[endpoint] = entry
	return entry, nil
}

func (c *Conductor) releaseSendEndpoint(endpoint string) {
	entry, ok := c.sendEndpoints[endpoint]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount == 0 {
		_ = entry.transport.Close()
		delete(c.sendEndpoints, endpoint)
	}
}

func (c *Conductor) releaseSendEndpointTransport(pub *NetworkPublication) {
	uri, err := channel.Parse(pub.Channel())
	if err != nil {
		return
	}
	c.releaseSendEndpoint(uri.Endpoint())
}

// --- subscriberNotifications ---

// NotifyUnavailableImage forwards an image detach to the owning client.
func (c *Conductor) NotifyUnavailableImage(streamRegistrationID int64, link *SubscriptionLink, streamID int32, channelName string) {
	c.proxy.OnUnavailableImage(streamRegistrationID, link.RegistrationID, streamID, channelName)
}

// NotifyAvailableImage forwards an untethered rejoin to the owning client.
func (c *Conductor) NotifyAvailableImage(streamRegistrationID int64, sessionID, streamID int32, link *SubscriptionLink, subscriberPositionID int32, joinPosition int64, logFileName, sourceIdentity string) {
	c.proxy.OnAvailableImage(ImageReady{
		CorrelationID:              streamRegistrationID,
		SessionID:                  sessionID,
		StreamID:                   streamID,
		SubscriptionRegistrationID: link.RegistrationID,
		SubscriberPositionID:       subscriberPositionID,
		LogFileName:                logFileName,
		SourceIdentity:             sourceIdentity,
	})
}

// Publications exposes live ipc publications for tools and tests.
func (c *Conductor) Publications() []*IpcPublication { return c.ipcPublications }

// NetworkPublicationsList exposes live network publications.
func (c *Conductor) NetworkPublicationsList() []*NetworkPublication { return c.networkPublications }

// Images exposes live images.
func (c *Conductor) Images() []*PublicationImage { return c.images }

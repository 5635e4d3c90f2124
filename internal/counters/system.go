package counters

// Counter type ids. Position counters carry the owning registration id in
// their key so external tools can attribute them.
const (
	TypeIDSystem             int32 = 0
	TypeIDPublisherLimit     int32 = 1
	TypeIDSenderPosition     int32 = 2
	TypeIDReceiverHwm        int32 = 3
	TypeIDSubscriberPosition int32 = 4
	TypeIDSenderLimit        int32 = 5
	TypeIDPublisherPosition  int32 = 12
	TypeIDReceiverPosition   int32 = 13
)

// SystemCounters aggregates the driver-wide statistics counters allocated
// at startup in fixed order.
type SystemCounters struct {
	Errors                     *Counter
	BytesSent                  *Counter
	BytesReceived              *Counter
	NaksSent                   *Counter
	NaksReceived               *Counter
	StatusMessagesSent         *Counter
	StatusMessagesReceived     *Counter
	HeartbeatsSent             *Counter
	HeartbeatsReceived         *Counter
	RetransmitsSent            *Counter
	FlowControlUnderRuns       *Counter
	FlowControlOverRuns        *Counter
	UnblockedPublications      *Counter
	PublicationsRevoked        *Counter
	LossGapFills               *Counter
	ShortSends                 *Counter
	SenderFlowControlLimits    *Counter
	BackPressureEvents         *Counter
	ClientTimeouts             *Counter
	ConductorCycleTimeExceeded *Counter
}

// NewSystemCounters allocates the system counter set in table.
func NewSystemCounters(table *Table) (*SystemCounters, error) {
	sc := &SystemCounters{}
	labels := []struct {
		dst   **Counter
		label string
	}{
		{&sc.Errors, "Errors"},
		{&sc.BytesSent, "Bytes sent"},
		{&sc.BytesReceived, "Bytes received"},
		{&sc.NaksSent, "NAKs sent"},
		{&sc.NaksReceived, "NAKs received"},
		{&sc.StatusMessagesSent, "Status messages sent"},
		{&sc.StatusMessagesReceived, "Status messages received"},
		{&sc.HeartbeatsSent, "Heartbeats sent"},
		{&sc.HeartbeatsReceived, "Heartbeats received"},
		{&sc.RetransmitsSent, "Retransmits sent"},
		{&sc.FlowControlUnderRuns, "Flow control under runs"},
		{&sc.FlowControlOverRuns, "Flow control over runs"},
		{&sc.UnblockedPublications, "Unblocked publications"},
		{&sc.PublicationsRevoked, "Publications revoked"},
		{&sc.LossGapFills, "Loss gap fills"},
		{&sc.ShortSends, "Short sends"},
		{&sc.SenderFlowControlLimits, "Sender flow control limits applied"},
		{&sc.BackPressureEvents, "Sender back pressure events"},
		{&sc.ClientTimeouts, "Client timeouts"},
		{&sc.ConductorCycleTimeExceeded, "Conductor max cycle time exceeded"},
	}
	for _, entry := range labels {
		id, err := table.Allocate(TypeIDSystem, nil, entry.label, NullValue, NullValue)
		if err != nil {
			return nil, err
		}
		*entry.dst = NewCounter(table, id)
	}
	return sc, nil
}

package driver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rzbill/beam/internal/channel"
	"github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/protocol"
)

// FlowControl computes a network publication's sender limit from the
// status messages its receivers report. Implementations are driven from
// the sender agent only.
type FlowControl interface {
	// OnStatusMessage folds one status message into the strategy and
	// returns the new sender limit.
	OnStatusMessage(sm protocol.StatusFrame, position int64, nowNs int64) int64

	// OnIdle lets time-based strategies age out silent receivers.
	OnIdle(nowNs int64, senderLimit int64) int64

	// HasRequiredReceivers reports whether enough receivers are present
	// for the publication to count as connected.
	HasRequiredReceivers() bool
}

// MaxFlowControl tracks the fastest receiver; slow receivers experience
// loss and recover via NAK.
type MaxFlowControl struct {
	lastPosition int64
	seenReceiver bool
}

func (f *MaxFlowControl) OnStatusMessage(sm protocol.StatusFrame, position int64, _ int64) int64 {
	f.seenReceiver = true
	limit := position + int64(sm.ReceiverWindow)
	if limit > f.lastPosition {
		f.lastPosition = limit
	}
	return f.lastPosition
}

func (f *MaxFlowControl) OnIdle(_ int64, senderLimit int64) int64 { return senderLimit }

func (f *MaxFlowControl) HasRequiredReceivers() bool { return f.seenReceiver }

type fcReceiver struct {
	receiverID   int64
	lastPosition int64
	lastSeenNs   int64
}

// MinFlowControl tracks every receiver and holds the limit to the slowest
// live one. Receivers silent past the timeout are dropped from the set.
type MinFlowControl struct {
	receiverTimeoutNs int64
	groupTag          int64
	useGroupTag       bool
	requiredReceivers int
	receivers         []fcReceiver
}

// NewMinFlowControl builds a min strategy with the given receiver timeout.
func NewMinFlowControl(receiverTimeoutNs int64) *MinFlowControl {
	return &MinFlowControl{receiverTimeoutNs: receiverTimeoutNs}
}

// NewTaggedFlowControl builds a min strategy restricted to receivers
// carrying groupTag, requiring at least requiredReceivers of them.
func NewTaggedFlowControl(receiverTimeoutNs, groupTag int64, requiredReceivers int) *MinFlowControl {
	return &MinFlowControl{
		receiverTimeoutNs: receiverTimeoutNs,
		groupTag:          groupTag,
		useGroupTag:       true,
		requiredReceivers: requiredReceivers,
	}
}

func (f *MinFlowControl) OnStatusMessage(sm protocol.StatusFrame, position int64, nowNs int64) int64 {
	if f.useGroupTag && (!sm.HasGroupTag || sm.GroupTag != f.groupTag) {
		return f.currentLimit(position)
	}

	limit := position + int64(sm.ReceiverWindow)
	found := false
	for i := range f.receivers {
		if f.receivers[i].receiverID == sm.ReceiverID {
			f.receivers[i].lastPosition = limit
			f.receivers[i].lastSeenNs = nowNs
			found = true
			break
		}
	}
	if !found {
		f.receivers = append(f.receivers, fcReceiver{receiverID: sm.ReceiverID, lastPosition: limit, lastSeenNs: nowNs})
	}
	return f.currentLimit(position)
}

func (f *MinFlowControl) OnIdle(nowNs int64, senderLimit int64) int64 {
	kept := f.receivers[:0]
	for _, r := range f.receivers {
		if nowNs-r.lastSeenNs <= f.receiverTimeoutNs {
			kept = append(kept, r)
		}
	}
	f.receivers = kept
	if len(f.receivers) == 0 {
		return senderLimit
	}
	return f.currentLimit(senderLimit)
}

func (f *MinFlowControl) currentLimit(def int64) int64 {
	if len(f.receivers) == 0 {
		return def
	}
	min := f.receivers[0].lastPosition
	for _, r := range f.receivers[1:] {
		if r.lastPosition < min {
			min = r.lastPosition
		}
	}
	return min
}

func (f *MinFlowControl) HasRequiredReceivers() bool {
	return len(f.receivers) >= f.requiredReceivers && len(f.receivers) > 0
}

// ResolveFlowControl builds the strategy named by the URI fc parameter:
// max (default), min, or tagged with an optional g:<tag>[/<minsize>]
// suffix and t:<timeout> receiver timeout.
func ResolveFlowControl(uri *channel.URI, defaultReceiverTimeoutNs int64) (FlowControl, error) {
	value, ok := uri.Get(channel.ParamFC)
	if !ok || value == "" {
		return &MaxFlowControl{}, nil
	}

	parts := strings.Split(value, ",")
	timeoutNs := defaultReceiverTimeoutNs
	groupTag := int64(0)
	hasGroupTag := false
	required := 1
	for _, part := range parts[1:] {
		switch {
		case strings.HasPrefix(part, "t:"):
			d, err := config.ParseDuration(part[2:])
			if err != nil {
				return nil, fmt.Errorf("fc receiver timeout: %w", err)
			}
			timeoutNs = d.Ns()
		case strings.HasPrefix(part, "g:"):
			spec := part[2:]
			tagPart := spec
			if idx := strings.IndexByte(spec, '/'); idx >= 0 {
				tagPart = spec[:idx]
				n, err := strconv.Atoi(spec[idx+1:])
				if err != nil {
					return nil, fmt.Errorf("fc group min size: %w", err)
				}
				required = n
			}
			if tagPart != "" {
				n, err := strconv.ParseInt(tagPart, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("fc group tag: %w", err)
				}
				groupTag = n
				hasGroupTag = true
			}
		default:
			return nil, fmt.Errorf("unknown fc option %q", part)
		}
	}

	switch parts[0] {
	case "max":
		return &MaxFlowControl{}, nil
	case "min":
		return NewMinFlowControl(timeoutNs), nil
	case "tagged":
		if !hasGroupTag {
			if tag, err := uri.Int64(channel.ParamGroupTag, 0); err == nil && uri.Has(channel.ParamGroupTag) {
				groupTag = tag
				hasGroupTag = true
			}
		}
		if !hasGroupTag {
			return nil, fmt.Errorf("tagged fc requires a group tag")
		}
		return NewTaggedFlowControl(timeoutNs, groupTag, required), nil
	default:
		return nil, fmt.Errorf("unknown fc strategy %q", parts[0])
	}
}

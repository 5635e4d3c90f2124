package channel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rzbill/beam/internal/config"
)

// Media kinds.
const (
	MediaUDP = "udp"
	MediaIPC = "ipc"
)

// URI scheme pieces.
const (
	scheme    = "aeron:"
	spyPrefix = "aeron-spy:"
)

// Recognized parameter keys.
const (
	ParamEndpoint       = "endpoint"
	ParamControl        = "control"
	ParamControlMode    = "control-mode"
	ParamTermLength     = "term-length"
	ParamMTU            = "mtu"
	ParamInitialTermID  = "init-term-id"
	ParamTermID         = "term-id"
	ParamTermOffset     = "term-offset"
	ParamSessionID      = "session-id"
	ParamLinger         = "linger"
	ParamSparse         = "sparse"
	ParamEOS            = "eos"
	ParamTether         = "tether"
	ParamGroup          = "group"
	ParamRejoin         = "rejoin"
	ParamSSC            = "ssc"
	ParamSndBuf         = "so-sndbuf"
	ParamRcvBuf         = "so-rcvbuf"
	ParamRcvWnd         = "rcv-wnd"
	ParamPubWnd         = "pub-wnd"
	ParamReliable       = "reliable"
	ParamTTL            = "ttl"
	ParamCC             = "cc"
	ParamFC             = "fc"
	ParamGroupTag       = "gtag"
	ParamAlias          = "alias"
	ParamTags           = "tags"
	ParamResponseCorrID = "response-correlation-id"
	ParamNakDelay       = "nak-delay"
	ParamUntetheredWindowLimitTimeout = "untethered-window-limit-timeout"
	ParamUntetheredLingerTimeout      = "untethered-linger-timeout"
	ParamUntetheredRestingTimeout     = "untethered-resting-timeout"
	ParamMaxResend      = "max-resend"
	ParamStreamID       = "stream-id"
	ParamChannelRcvTimestampOffset = "channel-rcv-ts-offset"
	ParamChannelSndTimestampOffset = "channel-snd-ts-offset"
	ParamMediaRcvTimestampOffset   = "media-rcv-ts-offset"
)

// ReservedTimestampOffset asks the driver to stamp into the reserved field.
const ReservedTimestampOffset = "reserved"

// URI is a parsed channel URI.
type URI struct {
	IsSpy  bool
	Media  string
	params map[string]string
	raw    string
}

// Parse parses a channel URI string.
func Parse(raw string) (*URI, error) {
	u := &URI{raw: raw, params: map[string]string{}}
	rest := raw
	if strings.HasPrefix(rest, spyPrefix) {
		u.IsSpy = true
		rest = rest[len(spyPrefix):]
	}
	if !strings.HasPrefix(rest, scheme) {
		return nil, fmt.Errorf("invalid channel %q: missing %q scheme", raw, scheme)
	}
	rest = rest[len(scheme):]

	media := rest
	query := ""
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		media = rest[:idx]
		query = rest[idx+1:]
	}
	switch media {
	case MediaUDP, MediaIPC:
		u.Media = media
	default:
		return nil, fmt.Errorf("invalid channel %q: unknown media %q", raw, media)
	}
	if u.IsSpy && u.Media != MediaUDP {
		return nil, fmt.Errorf("invalid channel %q: spies only apply to udp media", raw)
	}

	if query != "" {
		for _, pair := range strings.Split(query, "|") {
			if pair == "" {
				continue
			}
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 || kv[0] == "" {
				return nil, fmt.Errorf("invalid channel %q: malformed param %q", raw, pair)
			}
			u.params[kv[0]] = kv[1]
		}
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// String returns the original URI text.
func (u *URI) String() string { return u.raw }

// Get returns a raw parameter value.
func (u *URI) Get(key string) (string, bool) {
	v, ok := u.params[key]
	return v, ok
}

// Has reports whether key is present.
func (u *URI) Has(key string) bool {
	_, ok := u.params[key]
	return ok
}

// Endpoint returns the endpoint parameter.
func (u *URI) Endpoint() string { return u.params[ParamEndpoint] }

// Control returns the control address parameter.
func (u *URI) Control() string { return u.params[ParamControl] }

// Int32 returns a parameter as int32, or def when absent.
func (u *URI) Int32(key string, def int32) (int32, error) {
	v, ok := u.params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("channel param %s=%q: %w", key, v, err)
	}
	return int32(n), nil
}

// Int64 returns a parameter as int64, or def when absent.
func (u *URI) Int64(key string, def int64) (int64, error) {
	v, ok := u.params[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel param %s=%q: %w", key, v, err)
	}
	return n, nil
}

// Bool returns a parameter as bool, or def when absent.
func (u *URI) Bool(key string, def bool) (bool, error) {
	v, ok := u.params[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("channel param %s=%q: %w", key, v, err)
	}
	return b, nil
}

// Duration returns a time parameter, or def when absent. Values accept a
// bare nanosecond count or an ns/us/ms/s suffix.
func (u *URI) Duration(key string, def config.Duration) (config.Duration, error) {
	v, ok := u.params[key]
	if !ok {
		return def, nil
	}
	d, err := config.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("channel param %s=%q: %w", key, v, err)
	}
	return d, nil
}

// IsSameChannel reports whether two URIs address the same stream transport
// for publication sharing: same media, spy-ness and endpoint/control pair.
func (u *URI) IsSameChannel(other *URI) bool {
	return u.Media == other.Media &&
		u.IsSpy == other.IsSpy &&
		u.Endpoint() == other.Endpoint() &&
		u.Control() == other.Control()
}

func (u *URI) validate() error {
	if u.Has(ParamTermID) || u.Has(ParamTermOffset) {
		if !u.Has(ParamInitialTermID) {
			return fmt.Errorf("invalid channel %q: term-id/term-offset require init-term-id", u.raw)
		}
	}
	if v, ok := u.params[ParamTermLength]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 64*1024 || n > 1<<30 || n&(n-1) != 0 {
			return fmt.Errorf("invalid channel %q: term-length %q must be a power of two in [64K, 1G]", u.raw, v)
		}
	}
	if v, ok := u.params[ParamControlMode]; ok {
		switch v {
		case "manual", "dynamic", "response":
		default:
			return fmt.Errorf("invalid channel %q: control-mode %q", u.raw, v)
		}
	}
	if v, ok := u.params[ParamResponseCorrID]; ok && v != "prototype" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < -1 {
			return fmt.Errorf("invalid channel %q: response-correlation-id %q", u.raw, v)
		}
	}
	for _, key := range []string{ParamChannelRcvTimestampOffset, ParamChannelSndTimestampOffset, ParamMediaRcvTimestampOffset} {
		if v, ok := u.params[key]; ok && v != ReservedTimestampOffset {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid channel %q: %s %q must be %q or a non-negative offset", u.raw, key, v, ReservedTimestampOffset)
			}
		}
	}
	for _, key := range []string{ParamNakDelay, ParamLinger, ParamUntetheredWindowLimitTimeout, ParamUntetheredLingerTimeout, ParamUntetheredRestingTimeout} {
		if v, ok := u.params[key]; ok {
			if _, err := config.ParseDuration(v); err != nil {
				return fmt.Errorf("invalid channel %q: %s: %w", u.raw, key, err)
			}
		}
	}
	if u.Media == MediaUDP && !u.IsSpy {
		if !u.Has(ParamEndpoint) && !u.Has(ParamControl) {
			return fmt.Errorf("invalid channel %q: udp media requires endpoint or control", u.raw)
		}
	}
	return nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ThreadingMode selects how the three agent loops map onto goroutines.
type ThreadingMode string

// Threading modes.
const (
	ThreadingShared        ThreadingMode = "shared"
	ThreadingSharedNetwork ThreadingMode = "shared-network"
	ThreadingDedicated     ThreadingMode = "dedicated"
)

// Config is the immutable driver configuration assembled at startup.
type Config struct {
	DirName string `json:"dirName" yaml:"dirName"`

	ThreadingMode ThreadingMode `json:"threadingMode" yaml:"threadingMode"`

	TermBufferLength    int32 `json:"termBufferLength" yaml:"termBufferLength"`
	IPCTermBufferLength int32 `json:"ipcTermBufferLength" yaml:"ipcTermBufferLength"`
	MTULength           int32 `json:"mtuLength" yaml:"mtuLength"`
	InitialWindowLength int32 `json:"initialWindowLength" yaml:"initialWindowLength"`
	FilePageSize        int32 `json:"filePageSize" yaml:"filePageSize"`

	ConductorBufferLength     int32 `json:"conductorBufferLength" yaml:"conductorBufferLength"`
	ToClientsBufferLength     int32 `json:"toClientsBufferLength" yaml:"toClientsBufferLength"`
	CounterValuesBufferLength int32 `json:"counterValuesBufferLength" yaml:"counterValuesBufferLength"`
	ErrorBufferLength         int32 `json:"errorBufferLength" yaml:"errorBufferLength"`
	LossReportBufferLength    int32 `json:"lossReportBufferLength" yaml:"lossReportBufferLength"`

	PublicationUnblockTimeout Duration `json:"publicationUnblockTimeout" yaml:"publicationUnblockTimeout"`
	PublicationLingerTimeout  Duration `json:"publicationLingerTimeout" yaml:"publicationLingerTimeout"`
	ImageLivenessTimeout      Duration `json:"imageLivenessTimeout" yaml:"imageLivenessTimeout"`
	ClientLivenessTimeout     Duration `json:"clientLivenessTimeout" yaml:"clientLivenessTimeout"`
	StatusMessageTimeout      Duration `json:"statusMessageTimeout" yaml:"statusMessageTimeout"`

	NakUnicastDelay        Duration `json:"nakUnicastDelay" yaml:"nakUnicastDelay"`
	NakMulticastMaxBackoff Duration `json:"nakMulticastMaxBackoff" yaml:"nakMulticastMaxBackoff"`

	UntetheredWindowLimitTimeout Duration `json:"untetheredWindowLimitTimeout" yaml:"untetheredWindowLimitTimeout"`
	UntetheredLingerTimeout      Duration `json:"untetheredLingerTimeout" yaml:"untetheredLingerTimeout"`
	UntetheredRestingTimeout     Duration `json:"untetheredRestingTimeout" yaml:"untetheredRestingTimeout"`

	CounterFreeToReuseTimeout Duration `json:"counterFreeToReuseTimeout" yaml:"counterFreeToReuseTimeout"`
	FlowControlReceiverTimeout Duration `json:"flowControlReceiverTimeout" yaml:"flowControlReceiverTimeout"`

	SpiesSimulateConnection bool `json:"spiesSimulateConnection" yaml:"spiesSimulateConnection"`

	AsyncTaskExecutorThreads int `json:"asyncTaskExecutorThreads" yaml:"asyncTaskExecutorThreads"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DirName:                      defaultDirName(),
		ThreadingMode:                ThreadingShared,
		TermBufferLength:             16 * 1024 * 1024,
		IPCTermBufferLength:          64 * 1024 * 1024,
		MTULength:                    1408,
		InitialWindowLength:          128 * 1024,
		FilePageSize:                 4 * 1024,
		// Ring capacity plus the 128-byte trailer each buffer reserves.
		ConductorBufferLength:        1024*1024 + 128,
		ToClientsBufferLength:        1024*1024 + 128,
		CounterValuesBufferLength:    1024 * 1024,
		ErrorBufferLength:            1024 * 1024,
		LossReportBufferLength:       1024 * 1024,
		PublicationUnblockTimeout:    Duration(15 * time.Second),
		PublicationLingerTimeout:     Duration(5 * time.Second),
		ImageLivenessTimeout:         Duration(10 * time.Second),
		ClientLivenessTimeout:        Duration(10 * time.Second),
		StatusMessageTimeout:         Duration(200 * time.Millisecond),
		NakUnicastDelay:              Duration(100 * time.Microsecond),
		NakMulticastMaxBackoff:       Duration(10 * time.Millisecond),
		UntetheredWindowLimitTimeout: Duration(5 * time.Second),
		UntetheredLingerTimeout:      Duration(5 * time.Second),
		UntetheredRestingTimeout:     Duration(10 * time.Second),
		CounterFreeToReuseTimeout:    Duration(1 * time.Second),
		FlowControlReceiverTimeout:   Duration(2 * time.Second),
		SpiesSimulateConnection:      false,
		AsyncTaskExecutorThreads:     1,
	}
}

func defaultDirName() string {
	base := os.TempDir()
	if _, err := os.Stat("/dev/shm"); err == nil {
		base = "/dev/shm"
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "default"
	}
	return filepath.Join(base, "beam-"+user)
}

// Load reads configuration from a YAML or JSON file (by extension). If
// path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate rejects settings the driver cannot run with.
func (c *Config) Validate() error {
	if c.TermBufferLength < 64*1024 || c.TermBufferLength&(c.TermBufferLength-1) != 0 {
		return fmt.Errorf("termBufferLength %d must be a power of two >= 64K", c.TermBufferLength)
	}
	if c.IPCTermBufferLength < 64*1024 || c.IPCTermBufferLength&(c.IPCTermBufferLength-1) != 0 {
		return fmt.Errorf("ipcTermBufferLength %d must be a power of two >= 64K", c.IPCTermBufferLength)
	}
	if c.MTULength < 64 || c.MTULength > 65504 || c.MTULength%32 != 0 {
		return fmt.Errorf("mtuLength %d must be a multiple of 32 in [64, 65504]", c.MTULength)
	}
	if c.FilePageSize < 4*1024 || c.FilePageSize&(c.FilePageSize-1) != 0 {
		return fmt.Errorf("filePageSize %d must be a power of two >= 4K", c.FilePageSize)
	}
	switch c.ThreadingMode {
	case ThreadingShared, ThreadingSharedNetwork, ThreadingDedicated:
	default:
		return fmt.Errorf("unknown threading mode %q", c.ThreadingMode)
	}
	return nil
}

// Duration is a time.Duration that parses from a bare nanosecond count or
// a number with an ns/us/ms/s suffix.
type Duration time.Duration

// Ns returns the duration in nanoseconds.
func (d Duration) Ns() int64 { return int64(d) }

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration parses a duration value: a bare number is nanoseconds,
// otherwise a ns/us/ms/s suffix scales it.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	unit := int64(1)
	switch {
	case strings.HasSuffix(s, "ns"):
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "us"):
		unit = int64(time.Microsecond)
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "ms"):
		unit = int64(time.Millisecond)
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "s"):
		unit = int64(time.Second)
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(n * unit), nil
}

// UnmarshalJSON accepts either a number (nanoseconds) or a suffixed string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.unmarshalText(strings.Trim(string(b), `"`))
}

// UnmarshalYAML accepts either a number (nanoseconds) or a suffixed string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.unmarshalText(value.Value)
}

func (d *Duration) unmarshalText(s string) error {
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON renders the duration as nanoseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(d), 10)), nil
}

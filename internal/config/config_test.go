package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"100", 100 * time.Nanosecond},
		{"100ns", 100 * time.Nanosecond},
		{"100us", 100 * time.Microsecond},
		{"5ms", 5 * time.Millisecond},
		{"10s", 10 * time.Second},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if err != nil {
			t.Fatalf("parse %q: %v", c.in, err)
		}
		if got.Std() != c.want {
			t.Fatalf("parse %q: want %v got %v", c.in, c.want, got.Std())
		}
	}
	if _, err := ParseDuration("abc"); err == nil {
		t.Fatalf("want error for garbage duration")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beam.yaml")
	content := "mtuLength: 4096\nstatusMessageTimeout: 100ms\nspiesSimulateConnection: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MTULength != 4096 {
		t.Fatalf("mtu: got %d", cfg.MTULength)
	}
	if cfg.StatusMessageTimeout.Std() != 100*time.Millisecond {
		t.Fatalf("sm timeout: got %v", cfg.StatusMessageTimeout.Std())
	}
	if !cfg.SpiesSimulateConnection {
		t.Fatalf("spies flag not set")
	}
	// Untouched fields keep their defaults.
	if cfg.TermBufferLength != Default().TermBufferLength {
		t.Fatalf("term length default lost: %d", cfg.TermBufferLength)
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("BEAM_MTU_LENGTH", "8192")
	t.Setenv("BEAM_CLIENT_LIVENESS_TIMEOUT", "5s")
	t.Setenv("BEAM_THREADING_MODE", "dedicated")

	cfg := Default()
	FromEnv(&cfg)
	if cfg.MTULength != 8192 {
		t.Fatalf("mtu: got %d", cfg.MTULength)
	}
	if cfg.ClientLivenessTimeout.Std() != 5*time.Second {
		t.Fatalf("client liveness: got %v", cfg.ClientLivenessTimeout.Std())
	}
	if cfg.ThreadingMode != ThreadingDedicated {
		t.Fatalf("threading mode: got %q", cfg.ThreadingMode)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.TermBufferLength = 100000 // not a power of two
	if err := cfg.Validate(); err == nil {
		t.Fatalf("want error for non power-of-two term length")
	}

	cfg = Default()
	cfg.MTULength = 33
	if err := cfg.Validate(); err == nil {
		t.Fatalf("want error for unaligned mtu")
	}

	cfg = Default()
	cfg.ThreadingMode = "turbo"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("want error for unknown threading mode")
	}
}

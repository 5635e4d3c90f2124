package channel

import (
	"testing"
	"time"
)

func TestParseIPC(t *testing.T) {
	u, err := Parse("aeron:ipc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Media != MediaIPC || u.IsSpy {
		t.Fatalf("media: %+v", u)
	}
}

func TestParseUDPWithParams(t *testing.T) {
	u, err := Parse("aeron:udp?endpoint=localhost:40456|term-length=65536|mtu=1408|fc=min|gtag=7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Media != MediaUDP {
		t.Fatalf("media: %q", u.Media)
	}
	if u.Endpoint() != "localhost:40456" {
		t.Fatalf("endpoint: %q", u.Endpoint())
	}
	termLength, err := u.Int32(ParamTermLength, 0)
	if err != nil || termLength != 65536 {
		t.Fatalf("term-length: %d %v", termLength, err)
	}
	gtag, err := u.Int64(ParamGroupTag, -1)
	if err != nil || gtag != 7 {
		t.Fatalf("gtag: %d %v", gtag, err)
	}
}

func TestParseSpy(t *testing.T) {
	u, err := Parse("aeron-spy:aeron:udp?endpoint=localhost:40456")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !u.IsSpy || u.Media != MediaUDP {
		t.Fatalf("spy: %+v", u)
	}

	if _, err := Parse("aeron-spy:aeron:ipc"); err == nil {
		t.Fatalf("spy over ipc should fail")
	}
}

func TestDurationParams(t *testing.T) {
	u, err := Parse("aeron:udp?endpoint=h:1|nak-delay=100us|linger=5s")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, err := u.Duration(ParamNakDelay, 0)
	if err != nil || d.Std() != 100*time.Microsecond {
		t.Fatalf("nak-delay: %v %v", d.Std(), err)
	}
	d, err = u.Duration(ParamLinger, 0)
	if err != nil || d.Std() != 5*time.Second {
		t.Fatalf("linger: %v %v", d.Std(), err)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []string{
		"tcp://localhost",
		"aeron:rdma?endpoint=h:1",
		"aeron:udp?endpoint=h:1|term-id=5",              // term-id without init-term-id
		"aeron:udp?endpoint=h:1|term-length=100000",     // not a power of two
		"aeron:udp?endpoint=h:1|control-mode=broadcast", // unknown mode
		"aeron:udp?endpoint=h:1|response-correlation-id=-5",
		"aeron:udp?endpoint=h:1|channel-rcv-ts-offset=-4",
		"aeron:udp?endpoint=h:1|nak-delay=fast",
		"aeron:udp",          // no endpoint or control
		"aeron:udp?endpoint", // malformed param
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("want parse error for %q", c)
		}
	}

	// term-id with init-term-id is accepted.
	if _, err := Parse("aeron:udp?endpoint=h:1|init-term-id=3|term-id=5|term-offset=64"); err != nil {
		t.Fatalf("valid term params rejected: %v", err)
	}
	// reserved timestamp offsets are accepted.
	if _, err := Parse("aeron:udp?endpoint=h:1|channel-rcv-ts-offset=reserved"); err != nil {
		t.Fatalf("reserved ts offset rejected: %v", err)
	}
}

func TestIsSameChannel(t *testing.T) {
	a, _ := Parse("aeron:udp?endpoint=h:1|term-length=65536")
	b, _ := Parse("aeron:udp?endpoint=h:1")
	c, _ := Parse("aeron:udp?endpoint=h:2")
	d, _ := Parse("aeron-spy:aeron:udp?endpoint=h:1")
	if !a.IsSameChannel(b) {
		t.Fatalf("same endpoint should share channel")
	}
	if a.IsSameChannel(c) {
		t.Fatalf("different endpoint should not share")
	}
	if a.IsSameChannel(d) {
		t.Fatalf("spy should not share with plain channel")
	}
}

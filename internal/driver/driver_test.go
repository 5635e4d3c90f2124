package driver

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/logbuffer"
	logpkg "github.com/rzbill/beam/pkg/log"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func testDriver(t *testing.T, name string) *MediaDriver {
	t.Helper()
	cfg := config.Default()
	cfg.DirName = t.TempDir() + "/" + name
	cfg.TermBufferLength = 64 * 1024
	cfg.IPCTermBufferLength = 64 * 1024
	cfg.CounterValuesBufferLength = 128 * 1024
	cfg.ErrorBufferLength = 64 * 1024
	cfg.LossReportBufferLength = 64 * 1024
	cfg.ConductorBufferLength = 64*1024 + 128
	cfg.ToClientsBufferLength = 64*1024 + 128

	md, err := Start(MediaDriverOptions{
		Config: cfg,
		Logger: logpkg.NewLogger(logpkg.WithLevel(logpkg.ErrorLevel)),
	})
	if err != nil {
		t.Fatalf("start driver %s: %v", name, err)
	}
	t.Cleanup(func() { _ = md.Close() })
	return md
}

func await(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNetworkPubSubEndToEnd(t *testing.T) {
	port := freeUDPPort(t)
	channelURI := fmt.Sprintf("aeron:udp?endpoint=127.0.0.1:%d", port)

	pubDriver := testDriver(t, "pub")
	subDriver := testDriver(t, "sub")

	if err := subDriver.Conductor().Enqueue(Command{
		Type: CmdAddSubscription, ClientID: 1, CorrelationID: 1, StreamID: 1001, Channel: channelURI,
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := pubDriver.Conductor().Enqueue(Command{
		Type: CmdAddPublication, ClientID: 1, CorrelationID: 2, StreamID: 1001, Channel: channelURI,
	}); err != nil {
		t.Fatalf("add publication: %v", err)
	}

	var pub *NetworkPublication
	await(t, "publication creation", func() bool {
		pubs := pubDriver.Conductor().NetworkPublicationsList()
		if len(pubs) == 0 {
			return false
		}
		pub = pubs[0]
		return true
	})

	// SETUP propagates and the subscriber driver builds an image.
	var img *PublicationImage
	await(t, "image creation", func() bool {
		images := subDriver.Conductor().Images()
		if len(images) == 0 {
			return false
		}
		img = images[0]
		return true
	})
	if img.SessionID() != pub.SessionID() || img.StreamID() != 1001 {
		t.Fatalf("image identity: session=%d stream=%d", img.SessionID(), img.StreamID())
	}

	// Status messages connect the publication and open the send window.
	await(t, "publication connected", func() bool {
		return pub.IsConnected(SystemNanoClock())
	})

	// Publish and verify the payload crosses the wire byte for byte.
	payload := []byte("hello across the wire, this is frame one")
	app := logbuffer.NewAppender(pub.LogBuffer(), pub.SessionID(), pub.StreamID(), false)
	await(t, "publisher window", func() bool {
		_, err := app.AppendUnfragmented(payload, pub.publisherLimit.Get())
		return err == nil
	})

	await(t, "image receive", func() bool {
		return img.RcvPosition() >= int64(logbuffer.Align(int32(len(payload))+logbuffer.HeaderLength, logbuffer.FrameAlignment))
	})

	var received []byte
	logbuffer.ReadFrames(img.LogBuffer(), 0, img.RcvPosition(), func(p []byte, flags uint8, frameType uint16) {
		received = append(received, p...)
	})
	if !bytes.Equal(received, payload) {
		t.Fatalf("payload mismatch: %q", received)
	}
}

func TestIpcPubSubThroughMediaDriver(t *testing.T) {
	md := testDriver(t, "ipc")

	if err := md.Conductor().Enqueue(Command{
		Type: CmdAddSubscription, ClientID: 1, CorrelationID: 1, StreamID: 42, Channel: "aeron:ipc",
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := md.Conductor().Enqueue(Command{
		Type: CmdAddPublication, ClientID: 2, CorrelationID: 2, StreamID: 42, Channel: "aeron:ipc",
	}); err != nil {
		t.Fatalf("add publication: %v", err)
	}

	var pub *IpcPublication
	await(t, "ipc publication", func() bool {
		pubs := md.Conductor().Publications()
		if len(pubs) == 0 {
			return false
		}
		pub = pubs[0]
		return pub.HasSubscribers()
	})

	payload := []byte("in-process bytes")
	app := logbuffer.NewAppender(pub.LogBuffer(), pub.SessionID(), pub.StreamID(), false)
	await(t, "publisher window", func() bool {
		_, err := app.AppendUnfragmented(payload, pub.publisherLimit.Get())
		return err == nil
	})

	var received []byte
	logbuffer.ReadFrames(pub.LogBuffer(), 0, pub.ProducerPosition(), func(p []byte, flags uint8, frameType uint16) {
		received = append(received, p...)
	})
	if !bytes.Equal(received, payload) {
		t.Fatalf("payload mismatch: %q", received)
	}
}

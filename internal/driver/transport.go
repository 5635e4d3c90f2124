package driver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Datagram is one received UDP payload with its source address.
type Datagram struct {
	Data []byte
	Addr *net.UDPAddr
}

// UDPTransport wraps one UDP socket. A background reader feeds received
// datagrams into a bounded queue the owning agent drains in its duty
// cycle, so the agent loops never block in a socket read.
type UDPTransport struct {
	conn    *net.UDPConn
	dest    atomic.Pointer[net.UDPAddr]
	inbound chan Datagram
	closed  atomic.Bool
	wg      sync.WaitGroup

	extraMu    sync.Mutex
	extraDests []*net.UDPAddr
}

const transportQueueLength = 1024

// DialUDPTransport opens an unbound socket sending to endpoint. Used by
// the sender side; the socket still receives status messages and NAKs
// from receivers.
func DialUDPTransport(endpoint string) (*UDPTransport, error) {
	dest, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", endpoint, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open send socket: %w", err)
	}
	t := newUDPTransport(conn)
	t.dest.Store(dest)
	return t, nil
}

// ListenUDPTransport binds a socket on endpoint. Used by the receive side;
// control frames are sent back to each datagram's source.
func ListenUDPTransport(endpoint string) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", endpoint, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %q: %w", endpoint, err)
	}
	return newUDPTransport(conn), nil
}

func newUDPTransport(conn *net.UDPConn) *UDPTransport {
	t := &UDPTransport{
		conn:    conn,
		inbound: make(chan Datagram, transportQueueLength),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.inbound <- Datagram{Data: data, Addr: addr}:
		default:
			// Queue overrun: drop; loss recovery handles the gap.
		}
	}
}

// Send transmits one datagram to the configured destination and any
// manually added destinations. The primary destination's result is
// reported; extra destinations are best effort.
func (t *UDPTransport) Send(b []byte) (int, error) {
	dest := t.dest.Load()
	if dest == nil {
		return 0, fmt.Errorf("transport has no destination")
	}
	n, err := t.conn.WriteToUDP(b, dest)
	t.extraMu.Lock()
	extras := t.extraDests
	t.extraMu.Unlock()
	for _, addr := range extras {
		_, _ = t.conn.WriteToUDP(b, addr)
	}
	return n, err
}

// AddDestination appends a manual destination.
func (t *UDPTransport) AddDestination(endpoint string) error {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", endpoint, err)
	}
	t.extraMu.Lock()
	defer t.extraMu.Unlock()
	t.extraDests = append(t.extraDests, addr)
	return nil
}

// RemoveDestination drops a manual destination; returns false when it was
// not present.
func (t *UDPTransport) RemoveDestination(endpoint string) bool {
	t.extraMu.Lock()
	defer t.extraMu.Unlock()
	for i, addr := range t.extraDests {
		if addr.String() == endpoint {
			t.extraDests = append(t.extraDests[:i], t.extraDests[i+1:]...)
			return true
		}
	}
	// Fall back to resolved comparison for hostname forms.
	if resolved, err := net.ResolveUDPAddr("udp", endpoint); err == nil {
		for i, addr := range t.extraDests {
			if addr.String() == resolved.String() {
				t.extraDests = append(t.extraDests[:i], t.extraDests[i+1:]...)
				return true
			}
		}
	}
	return false
}

// SendTo transmits one datagram to addr.
func (t *UDPTransport) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return t.conn.WriteToUDP(b, addr)
}

// SetDestination repoints Send; used by manual destination control.
func (t *UDPTransport) SetDestination(addr *net.UDPAddr) { t.dest.Store(addr) }

// Address names the destination or local binding.
func (t *UDPTransport) Address() string {
	if dest := t.dest.Load(); dest != nil {
		return dest.String()
	}
	return t.conn.LocalAddr().String()
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Poll drains up to max received datagrams into fn.
func (t *UDPTransport) Poll(max int, fn func(Datagram)) int {
	count := 0
	for count < max {
		select {
		case d := <-t.inbound:
			fn(d)
			count++
		default:
			return count
		}
	}
	return count
}

// Close shuts the socket and reader down.
func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

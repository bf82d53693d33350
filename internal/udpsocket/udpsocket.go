// Package udpsocket implements internal/eventloop's Socket and
// SocketFactory capability interfaces over real OS UDP sockets, the only
// concrete (non-sans-IO) networking code in this module. Binding and
// address resolution go through
// pion/transport/v4's stdnet.Net, the same net.PacketConn plumbing
// pion/ice and pion/turn build on, so this module's real sockets share
// one abstraction with the vendored pion packages instead of reaching
// past it straight to net.ListenUDP.
package udpsocket

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/transport/v4/stdnet"

	"github.com/firezone/tunnel-core/internal/eventloop"
)

// recvQueueDepth bounds how many not-yet-polled datagrams a socket's
// reader goroutine will buffer before it starts dropping, mirroring the
// bounded-queue discipline used throughout internal/noise and internal/nat.
const recvQueueDepth = 512

type datagram struct {
	from    netip.AddrPort
	payload []byte
}

// Socket is a bound UDP socket. A single background goroutine performs
// the blocking net.PacketConn.ReadFrom and feeds a channel; PollRecvMany
// never blocks, matching the eventloop.Socket contract.
type Socket struct {
	conn  net.PacketConn
	local netip.AddrPort

	mu     sync.Mutex
	recv   chan datagram
	ready  chan struct{}
	closed chan struct{}
}

func newSocket(conn net.PacketConn) *Socket {
	local, _ := netip.ParseAddrPort(conn.LocalAddr().String())
	s := &Socket{
		conn:   conn,
		local:  local,
		recv:   make(chan datagram, recvQueueDepth),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Socket) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			close(s.closed)
			return
		}
		from, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case s.recv <- datagram{from: from, payload: payload}:
		default:
			// Queue full: drop, matching every other bounded queue in this
			// codebase rather than blocking the reader goroutine.
		}
		select {
		case s.ready <- struct{}{}:
		default:
		}
	}
}

func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

func (s *Socket) PollSend(dgram []byte, dst netip.AddrPort) error {
	_, err := s.conn.WriteTo(dgram, net.UDPAddrFromAddrPort(dst))
	return err
}

func (s *Socket) PollRecvMany(bufs [][]byte) (n int, froms []netip.AddrPort, err error) {
	froms = make([]netip.AddrPort, 0, len(bufs))
	for n < len(bufs) {
		select {
		case d := <-s.recv:
			copy(bufs[n], d.payload)
			bufs[n] = bufs[n][:len(d.payload)]
			froms = append(froms, d.from)
			n++
		default:
			return n, froms, nil
		}
	}
	return n, froms, nil
}

func (s *Socket) ReadyChan() <-chan struct{} { return s.ready }

func (s *Socket) Close() error { return s.conn.Close() }

// Factory opens real UDP sockets via pion/transport/v4's stdnet.Net.
type Factory struct {
	net *stdnet.Net
}

// NewFactory builds a Factory backed by the real operating system network
// stack (as opposed to pion/transport's vnet, used only in pion's own
// tests).
func NewFactory() (*Factory, error) {
	n, err := stdnet.NewNet()
	if err != nil {
		return nil, fmt.Errorf("build stdnet: %w", err)
	}
	return &Factory{net: n}, nil
}

// Bind opens a socket for "udp4" or "udp6" on an OS-chosen ephemeral port.
func (f *Factory) Bind(network string) (eventloop.Socket, error) {
	conn, err := f.net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", network, err)
	}
	return newSocket(conn), nil
}

// ResolveSourceFor picks the local address the OS would use to reach dst,
// without sending anything: connect a throwaway UDP socket and read back
// its local address, the standard no-traffic technique for source
// selection.
func (f *Factory) ResolveSourceFor(dst netip.Addr) (netip.Addr, error) {
	network := "udp4"
	if dst.Is6() && !dst.Is4In6() {
		network = "udp6"
	}
	conn, err := f.net.Dial(network, netip.AddrPortFrom(dst, 9).String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve source for %s: %w", dst, err)
	}
	defer conn.Close()
	local, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return local.Addr(), nil
}

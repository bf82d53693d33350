package eventloop

import (
	"context"
	"net/netip"
	"time"
)

// EgressCore is implemented by roles (only GatewayCore today) that also
// drive a second pair of sockets facing the real Internet, distinct from
// the node's ICE/TURN sockets.
type EgressCore interface {
	PollEgressTransmit() (Transmit, bool)
	HandleEgressDatagram(from netip.AddrPort, datagram []byte, now time.Time) error
}

// Loop is the system's single cooperative task: it polls
// the TUN device, the node's UDP sockets, and (for a Gateway) the egress
// sockets, batches whatever is ready, and drives Core under a bounded
// iteration cap. A nil field means that source does not exist for this
// role (e.g. tun is nil for a Gateway) and is simply never selected on.
type Loop struct {
	tun TunDevice

	nodeV4, nodeV6     Socket
	egressV4, egressV6 Socket

	core Core

	// One buffer pool per source: a gathered Input holds references into
	// these until dispatch, so the TUN batch and each socket's batch must
	// not share backing arrays.
	tunBufs    [maxInboundBatch][]byte
	nodeV4Bufs [maxInboundBatch][]byte
	nodeV6Bufs [maxInboundBatch][]byte
	egressBufs [maxInboundBatch][]byte

	events chan any
}

// New builds a Loop. tun, egressV4 and egressV6 may be nil.
func New(tun TunDevice, nodeV4, nodeV6, egressV4, egressV6 Socket, core Core) *Loop {
	l := &Loop{
		tun: tun, nodeV4: nodeV4, nodeV6: nodeV6, egressV4: egressV4, egressV6: egressV6,
		core:   core,
		events: make(chan any, maxEventQueueDepth),
	}
	for _, pool := range []*[maxInboundBatch][]byte{&l.tunBufs, &l.nodeV4Bufs, &l.nodeV6Bufs, &l.egressBufs} {
		for i := range pool {
			pool[i] = make([]byte, 65535)
		}
	}
	return l
}

// Run drives the loop until ctx is cancelled or a fatal I/O error occurs.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now, timedOut, err := l.wait(ctx)
		if err != nil {
			return err
		}

		in := l.gatherInput(now, timedOut)
		l.dispatchInput(in)
		l.dispatchEgress(now)
		l.core.HandleTimeout(now)
		l.drainOutputs(now)
	}
}

// readyChan returns s.ReadyChan() or nil if s is nil; selecting on a nil
// channel simply never fires, which is exactly "this source doesn't exist".
func readyChan(s Socket) <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ReadyChan()
}

func tunReadyChan(t TunDevice) <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ReadyChan()
}

// wait blocks until ctx is done, one of the I/O sources is ready, or the
// core's next deadline elapses. The sleep is capped at tickInterval so
// periodic work (authorisation expiry sweeps, flow timeouts) runs even
// when the core exposes no deadline and no traffic arrives.
func (l *Loop) wait(ctx context.Context) (now time.Time, timedOut bool, err error) {
	wait := tickInterval
	if deadline := l.core.PollTimeout(); !deadline.IsZero() {
		if d := time.Until(deadline); d < wait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	timerC := timer.C

	select {
	case <-ctx.Done():
		return time.Time{}, false, ctx.Err()
	case <-tunReadyChan(l.tun):
	case <-readyChan(l.nodeV4):
	case <-readyChan(l.nodeV6):
	case <-readyChan(l.egressV4):
	case <-readyChan(l.egressV6):
	case <-timerC:
		return time.Now(), true, nil
	}
	return time.Now(), false, nil
}

// gatherInput reads everything immediately available from the TUN device
// and the node's sockets into one Input.
func (l *Loop) gatherInput(now time.Time, timedOut bool) Input {
	in := Input{Now: now, Timeout: timedOut}

	if l.tun != nil {
		bufs := make([][]byte, maxInboundBatch)
		copy(bufs, l.tunBufs[:])
		if n, err := l.tun.PollRecvMany(bufs); err == nil {
			in.TunPackets = append(in.TunPackets, bufs[:n]...)
		}
	}

	in.NodeDatagrams = append(in.NodeDatagrams, l.recvSocket(l.nodeV4, &l.nodeV4Bufs)...)
	in.NodeDatagrams = append(in.NodeDatagrams, l.recvSocket(l.nodeV6, &l.nodeV6Bufs)...)

	return in
}

func (l *Loop) recvSocket(s Socket, pool *[maxInboundBatch][]byte) []Datagram {
	if s == nil {
		return nil
	}
	bufs := make([][]byte, maxInboundBatch)
	copy(bufs, pool[:])
	n, froms, err := s.PollRecvMany(bufs)
	if err != nil {
		return nil
	}
	out := make([]Datagram, n)
	for i := 0; i < n; i++ {
		out[i] = Datagram{From: froms[i], Payload: bufs[i]}
	}
	return out
}

// dispatchInput feeds one gathered Input to Core, one item at a time so
// Core's own output queues interleave correctly with later iterations.
func (l *Loop) dispatchInput(in Input) {
	for _, packet := range in.TunPackets {
		_ = l.core.HandleTunPacket(packet, in.Now)
	}
	for _, dg := range in.NodeDatagrams {
		l.core.HandleNodeDatagram(dg.From, dg.Payload, in.Now)
	}
}

// dispatchEgress drains the Gateway's real-network sockets, if any. The
// NAT-mapped port the reply belongs to is carried inside the datagram
// itself (its destination port), so the core derives it there.
func (l *Loop) dispatchEgress(now time.Time) {
	ec, ok := l.core.(EgressCore)
	if !ok {
		return
	}
	for _, s := range []Socket{l.egressV4, l.egressV6} {
		if s == nil {
			continue
		}
		bufs := make([][]byte, maxInboundBatch)
		copy(bufs, l.egressBufs[:])
		n, froms, err := s.PollRecvMany(bufs)
		if err != nil {
			continue
		}
		for i := 0; i < n; i++ {
			_ = ec.HandleEgressDatagram(froms[i], bufs[i], now)
		}
	}
}

// drainOutputs writes back everything Core queued as a result of this
// iteration, bounded by maxIterations total items to preclude starvation.
func (l *Loop) drainOutputs(now time.Time) {
	iterations := 0

	for iterations < maxIterations {
		progressed := false

		if packet, ok := l.core.PollTunWrite(); ok {
			if l.tun != nil {
				_ = l.tun.Send(packet)
			}
			progressed = true
		}

		if tx, ok := l.core.PollNodeTransmit(); ok {
			l.sendOnNode(tx)
			progressed = true
		}

		if ec, ok := l.core.(EgressCore); ok {
			if tx, ok := ec.PollEgressTransmit(); ok {
				l.sendOnEgress(tx)
				progressed = true
			}
		}

		if e, ok := l.core.PollEvent(); ok {
			l.publishEvent(e)
			progressed = true
		}

		if !progressed {
			break
		}
		iterations++
	}
}

// Events delivers the core's upward events (ConnectionIntent, completed
// flow records, ...) to whatever owns the Portal connection. The loop
// goroutine is the only writer, so consumers never touch the sans-IO core
// directly.
func (l *Loop) Events() <-chan any { return l.events }

// publishEvent enqueues e for the Events consumer, evicting the oldest
// queued event when the consumer has fallen maxEventQueueDepth behind.
func (l *Loop) publishEvent(e any) {
	select {
	case l.events <- e:
		return
	default:
	}
	select {
	case <-l.events:
	default:
	}
	select {
	case l.events <- e:
	default:
	}
}

func (l *Loop) sendOnNode(tx Transmit) {
	s := l.nodeV4
	if tx.Dst.Addr().Is6() && !tx.Dst.Addr().Is4In6() {
		s = l.nodeV6
	}
	if s == nil {
		return
	}
	_ = s.PollSend(tx.Packet, tx.Dst)
}

func (l *Loop) sendOnEgress(tx Transmit) {
	s := l.egressV4
	if tx.Dst.Addr().Is6() && !tx.Dst.Addr().Is4In6() {
		s = l.egressV6
	}
	if s == nil {
		return
	}
	_ = s.PollSend(tx.Packet, tx.Dst)
}

package nat

import (
	"net/netip"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/metrics"
)

// Per-protocol flow timeouts.
const (
	TCPTimeout  = 2 * time.Hour
	UDPTimeout  = 120 * time.Second
	ICMPTimeout = 120 * time.Second
)

// Context is the outer 4-tuple a flow is currently bound to. A change
// here ("context changed") forcibly rotates the flow.
type Context struct {
	OuterSrc, OuterDst netip.Addr
	OuterSrcPort       uint16
}

// FlowKey identifies one flow: a client, the resource it targets, and the
// inner 5-tuple.
type FlowKey struct {
	Client     ids.ClientID
	Resource   ids.ResourceID
	InnerSrc   netip.Addr
	InnerDst   netip.Addr
	InnerPorts InnerTuple
}

// Flow is one tracked connection's accounting record.
type Flow struct {
	Key     FlowKey
	Proto   Protocol
	Start   time.Time
	Last    time.Time
	BytesTx, BytesRx     uint64
	PacketsTx, PacketsRx uint64
	Context Context

	finSent, finRecv bool
	reset            bool
}

// CompletedFlow is pushed to the export queue when a flow ends.
type CompletedFlow struct {
	Flow
	End    time.Time
	Reason string
}

// Tracker owns every live flow for one ClientOnGateway entry and the
// bounded queue of completed-flow records awaiting export.
type Tracker struct {
	flows     map[FlowKey]*Flow
	completed []CompletedFlow
	maxQueue  int
}

// NewTracker builds a Tracker with a completed-flow export queue bounded
// to maxQueue entries (tail-drop beyond that, matching the Noise packet
// queue's discipline elsewhere in this codebase).
func NewTracker(maxQueue int) *Tracker {
	if maxQueue <= 0 {
		maxQueue = 1024
	}
	return &Tracker{flows: make(map[FlowKey]*Flow), maxQueue: maxQueue}
}

// Observe records one packet against key's flow, creating it if absent,
// and force-rotating it if ctx differs from the flow's current context.
func (t *Tracker) Observe(key FlowKey, proto Protocol, ctx Context, bytes uint64, inbound bool, now time.Time) *Flow {
	f, ok := t.flows[key]
	if ok && f.Context != ctx {
		t.complete(f, now, "context changed")
		ok = false
	}
	if !ok {
		f = &Flow{Key: key, Proto: proto, Start: now, Context: ctx}
		t.flows[key] = f
		metrics.FlowsActive.Set(float64(len(t.flows)))
	}
	f.Last = now
	if inbound {
		f.BytesRx += bytes
		f.PacketsRx++
	} else {
		f.BytesTx += bytes
		f.PacketsTx++
	}
	return f
}

// ObserveTCPFlags updates FIN/RST bookkeeping and ends the flow on
// dual-FIN or RST.
func (t *Tracker) ObserveTCPFlags(key FlowKey, fin, rst bool, inbound bool, now time.Time) {
	f, ok := t.flows[key]
	if !ok {
		return
	}
	if rst {
		f.reset = true
		t.complete(f, now, "reset")
		return
	}
	if fin {
		if inbound {
			f.finRecv = true
		} else {
			f.finSent = true
		}
		if f.finSent && f.finRecv {
			t.complete(f, now, "completed")
		}
	}
}

// Sweep ends every flow that has exceeded its protocol's timeout since
// its last packet.
func (t *Tracker) Sweep(now time.Time) {
	for _, f := range t.flows {
		if now.Sub(f.Last) >= timeoutFor(f.Proto) {
			t.complete(f, now, "timeout")
		}
	}
}

// TerminateResource ends every flow keyed to resource, used when an
// authorisation is revoked.
func (t *Tracker) TerminateResource(resource ids.ResourceID, now time.Time) {
	for _, f := range t.flows {
		if f.Key.Resource == resource {
			t.complete(f, now, "revoked")
		}
	}
}

func (t *Tracker) complete(f *Flow, end time.Time, reason string) {
	delete(t.flows, f.Key)
	metrics.FlowsActive.Set(float64(len(t.flows)))
	metrics.FlowsCompleted.Inc()
	rec := CompletedFlow{Flow: *f, End: end, Reason: reason}
	if len(t.completed) >= t.maxQueue {
		return
	}
	t.completed = append(t.completed, rec)
}

// PollCompleted drains one completed-flow record for the caller to export
// (trace log; out of scope for this package).
func (t *Tracker) PollCompleted() (CompletedFlow, bool) {
	if len(t.completed) == 0 {
		return CompletedFlow{}, false
	}
	c := t.completed[0]
	t.completed = t.completed[1:]
	return c, true
}

func timeoutFor(p Protocol) time.Duration {
	switch p {
	case ProtocolTCP:
		return TCPTimeout
	case ProtocolICMP:
		return ICMPTimeout
	default:
		return UDPTimeout
	}
}

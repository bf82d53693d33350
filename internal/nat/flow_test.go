package nat

import (
	"net/netip"
	"testing"
	"time"

	"github.com/firezone/tunnel-core/internal/ids"
)

func testFlowKey() FlowKey {
	return FlowKey{
		Client:   ids.NewClientID(),
		Resource: ids.NewResourceID(),
		InnerSrc: netip.MustParseAddr("100.64.0.2"),
		InnerDst: netip.MustParseAddr("10.0.0.5"),
		InnerPorts: InnerTuple{
			ClientTunIP: netip.MustParseAddr("100.64.0.2"),
			SrcPort:     4000,
			ProxyIP:     netip.MustParseAddr("10.0.0.5"),
			DstPort:     443,
			Proto:       ProtocolTCP,
		},
	}
}

func TestTCPFlowDualFinEmitsOneCompletedRecordAtLaterFin(t *testing.T) {
	tracker := NewTracker(16)
	key := testFlowKey()
	ctx := Context{OuterSrc: netip.MustParseAddr("203.0.113.1"), OuterDst: netip.MustParseAddr("203.0.113.2"), OuterSrcPort: 51000}

	start := time.Now()
	tracker.Observe(key, ProtocolTCP, ctx, 100, false, start)

	firstFin := start.Add(time.Second)
	tracker.ObserveTCPFlags(key, true, false, false, firstFin)
	if _, ok := tracker.PollCompleted(); ok {
		t.Fatalf("expected no completed record after only one side's FIN")
	}

	laterFin := start.Add(2 * time.Second)
	tracker.ObserveTCPFlags(key, true, false, true, laterFin)

	rec, ok := tracker.PollCompleted()
	if !ok {
		t.Fatalf("expected exactly one completed record after dual FIN")
	}
	if !rec.End.Equal(laterFin) {
		t.Fatalf("completed record end time = %v, want the later FIN's arrival %v", rec.End, laterFin)
	}
	if rec.Reason != "completed" {
		t.Fatalf("reason = %q, want %q", rec.Reason, "completed")
	}
	if _, ok := tracker.PollCompleted(); ok {
		t.Fatalf("expected exactly one completed record, found a second")
	}
}

func TestTCPFlowRstEmitsOneCompletedRecordAtRstArrival(t *testing.T) {
	tracker := NewTracker(16)
	key := testFlowKey()
	ctx := Context{OuterSrc: netip.MustParseAddr("203.0.113.1"), OuterDst: netip.MustParseAddr("203.0.113.2"), OuterSrcPort: 51000}

	start := time.Now()
	tracker.Observe(key, ProtocolTCP, ctx, 100, false, start)

	rstAt := start.Add(3 * time.Second)
	tracker.ObserveTCPFlags(key, false, true, true, rstAt)

	rec, ok := tracker.PollCompleted()
	if !ok {
		t.Fatalf("expected a completed record after RST")
	}
	if !rec.End.Equal(rstAt) {
		t.Fatalf("completed record end time = %v, want RST arrival %v", rec.End, rstAt)
	}
	if rec.Reason != "reset" {
		t.Fatalf("reason = %q, want %q", rec.Reason, "reset")
	}
	if _, ok := tracker.PollCompleted(); ok {
		t.Fatalf("expected exactly one completed record, found a second")
	}
}

func TestFlowContextChangeRotatesFlow(t *testing.T) {
	tracker := NewTracker(16)
	key := testFlowKey()
	start := time.Now()

	ctx1 := Context{OuterSrc: netip.MustParseAddr("203.0.113.1"), OuterDst: netip.MustParseAddr("203.0.113.2"), OuterSrcPort: 51000}
	tracker.Observe(key, ProtocolUDP, ctx1, 50, false, start)

	ctx2 := Context{OuterSrc: netip.MustParseAddr("203.0.113.1"), OuterDst: netip.MustParseAddr("203.0.113.3"), OuterSrcPort: 51000}
	tracker.Observe(key, ProtocolUDP, ctx2, 50, false, start.Add(time.Second))

	rec, ok := tracker.PollCompleted()
	if !ok {
		t.Fatalf("expected the old context's flow to complete on rebind")
	}
	if rec.Reason != "context changed" {
		t.Fatalf("reason = %q, want %q", rec.Reason, "context changed")
	}
}

func TestFlowSweepTimesOutUDPAfter120Seconds(t *testing.T) {
	tracker := NewTracker(16)
	key := testFlowKey()
	key.InnerPorts.Proto = ProtocolUDP
	ctx := Context{OuterSrc: netip.MustParseAddr("203.0.113.1"), OuterDst: netip.MustParseAddr("203.0.113.2"), OuterSrcPort: 51000}

	start := time.Now()
	tracker.Observe(key, ProtocolUDP, ctx, 50, false, start)

	tracker.Sweep(start.Add(UDPTimeout - time.Second))
	if _, ok := tracker.PollCompleted(); ok {
		t.Fatalf("expected flow to remain alive just under the UDP timeout")
	}

	tracker.Sweep(start.Add(UDPTimeout + time.Second))
	rec, ok := tracker.PollCompleted()
	if !ok {
		t.Fatalf("expected the flow to time out past UDPTimeout")
	}
	if rec.Reason != "timeout" {
		t.Fatalf("reason = %q, want %q", rec.Reason, "timeout")
	}
}

func TestTerminateResourceEndsOnlyMatchingFlows(t *testing.T) {
	tracker := NewTracker(16)
	key1 := testFlowKey()
	key2 := testFlowKey() // distinct random client/resource IDs

	ctx := Context{OuterSrc: netip.MustParseAddr("203.0.113.1"), OuterDst: netip.MustParseAddr("203.0.113.2"), OuterSrcPort: 51000}
	now := time.Now()
	tracker.Observe(key1, ProtocolUDP, ctx, 10, false, now)
	tracker.Observe(key2, ProtocolUDP, ctx, 10, false, now)

	tracker.TerminateResource(key1.Resource, now.Add(time.Second))

	rec, ok := tracker.PollCompleted()
	if !ok || rec.Key.Resource != key1.Resource {
		t.Fatalf("expected the revoked resource's flow to complete, got ok=%v rec=%+v", ok, rec)
	}
	if _, ok := tracker.PollCompleted(); ok {
		t.Fatalf("expected the other resource's flow to remain untouched")
	}
}

package client

import (
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/model"
	"github.com/firezone/tunnel-core/internal/node"
)

// testUDPQueryPacket frames payload as an IPv4 UDP packet to port 53.
func testUDPQueryPacket(t *testing.T, src, dst netip.Addr, payload []byte) []byte {
	t.Helper()
	udpLen := 8 + len(payload)
	out := make([]byte, 20+udpLen)
	out[0] = 0x45
	out[2], out[3] = byte((20+udpLen)>>8), byte(20+udpLen)
	out[8] = 64
	out[9] = 17
	s4, d4 := src.As4(), dst.As4()
	copy(out[12:16], s4[:])
	copy(out[16:20], d4[:])
	out[20], out[21] = 0xC0, 0x00 // src port 49152
	out[22], out[23] = 0, 53
	out[24], out[25] = byte(udpLen>>8), byte(udpLen)
	copy(out[28:], payload)
	return out
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	n := node.New(
		netip.MustParseAddrPort("0.0.0.0:0"),
		netip.MustParseAddrPort("[::]:0"),
	)
	return New(
		netip.MustParseAddr("100.64.0.2"),
		netip.MustParseAddr("fd00:2021:1111::2"),
		n,
	)
}

func drainEvents(c *Client) []any {
	var out []any
	for {
		e, ok := c.PollEvent()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func TestResetWithNoSessionIsANoOp(t *testing.T) {
	c := newTestClient(t)
	c.Reset("no session yet", time.Now())
	if events := drainEvents(c); len(events) != 0 {
		t.Fatalf("expected no events from resetting an idle client, got %v", events)
	}
}

func TestResetTwiceEmitsExactlyOneDisconnectedGracefully(t *testing.T) {
	c := newTestClient(t)

	// Give the client an active "session" by registering a resource peer
	// directly, the way HandleFlowCreated would after brokerage completes.
	resourceID := ids.NewResourceID()
	c.peers[resourceID] = &peer{state: resourceConnected}

	now := time.Now()
	c.Reset("network change", now)
	c.Reset("network change again", now.Add(time.Second))

	var disconnects int
	for _, e := range drainEvents(c) {
		if _, ok := e.(model.DisconnectedGracefully); ok {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("expected exactly one DisconnectedGracefully across two Reset calls, got %d", disconnects)
	}
}

func TestResetKeepsResourceCatalogue(t *testing.T) {
	c := newTestClient(t)
	r := model.Resource{ID: ids.NewResourceID(), Kind: model.ResourceCIDR, Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	c.AddResource(r)

	c.Reset("network change", time.Now())

	if _, ok := c.resources[r.ID]; !ok {
		t.Fatalf("expected the resource catalogue to survive Reset")
	}
}

func TestDNSResourceAQueryReturnsFourProxyIPsLocally(t *testing.T) {
	c := newTestClient(t)
	r := model.Resource{
		ID:             ids.NewResourceID(),
		Kind:           model.ResourceDNS,
		AddressPattern: "**.example.com",
		IPStack:        model.IPStackDual,
	}
	c.AddResource(r)

	sentinel := netip.MustParseAddr("100.100.111.1")
	c.sentinels[sentinel] = sentinel

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("web.example.com"), dns.TypeA)
	query, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	packet := testUDPQueryPacket(t, netip.MustParseAddr("100.64.0.2"), sentinel, query)
	if err := c.HandleTunPacket(packet, time.Now()); err != nil {
		t.Fatalf("HandleTunPacket: %v", err)
	}

	events := drainEvents(c)
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %v", events)
	}
	resp, ok := events[0].(DNSResponse)
	if !ok {
		t.Fatalf("expected a DNSResponse event, got %T", events[0])
	}
	if len(resp.Response.Answer) != 4 {
		t.Fatalf("expected 4 proxy IPv4 answers, got %d", len(resp.Response.Answer))
	}
}

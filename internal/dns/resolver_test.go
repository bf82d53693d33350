package dns

import (
	"net/netip"
	"strconv"
	"testing"

	"github.com/miekg/dns"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/model"
)

func newQuery(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	return m
}

func TestHandleAReturnsUpToFourProxyIPs(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "*.example.com", model.IPStackDual)

	res := r.Handle(newQuery("foo.example.com", dns.TypeA))
	if res.Action != ActionLocalResponse {
		t.Fatalf("got action %v, want ActionLocalResponse", res.Action)
	}
	if len(res.Response.Answer) == 0 || len(res.Response.Answer) > model.MaxProxyIPsPerDomain {
		t.Fatalf("got %d answers, want 1..%d", len(res.Response.Answer), model.MaxProxyIPsPerDomain)
	}
	for _, rr := range res.Response.Answer {
		if _, ok := rr.(*dns.A); !ok {
			t.Fatalf("got non-A record %T in an A response", rr)
		}
	}
}

func TestHandleAAAAWrongFamilyReturnsEmptyAnswer(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "*.example.com", model.IPStackIPv4Only)

	res := r.Handle(newQuery("foo.example.com", dns.TypeAAAA))
	if res.Action != ActionLocalResponse {
		t.Fatalf("got action %v, want ActionLocalResponse", res.Action)
	}
	if res.Response.Rcode != dns.RcodeSuccess {
		t.Fatalf("got rcode %d, want NOERROR", res.Response.Rcode)
	}
	if len(res.Response.Answer) != 0 {
		t.Fatalf("got %d answers for the wrong address family, want 0", len(res.Response.Answer))
	}
}

func TestHandleSameDomainReturnsStableIPs(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "*.example.com", model.IPStackDual)

	first := r.Handle(newQuery("foo.example.com", dns.TypeA))
	second := r.Handle(newQuery("foo.example.com", dns.TypeA))

	if len(first.Response.Answer) != len(second.Response.Answer) {
		t.Fatal("expected the same domain to be assigned stable IPs across queries")
	}
	a1 := first.Response.Answer[0].(*dns.A).A.String()
	a2 := second.Response.Answer[0].(*dns.A).A.String()
	if a1 != a2 {
		t.Fatalf("got different IPs on repeat query: %s vs %s", a1, a2)
	}
}

func TestHandleDistinctDomainsGetDisjointProxyIPs(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "**.example.com", model.IPStackDual)

	first := r.Handle(newQuery("foo.example.com", dns.TypeA))
	second := r.Handle(newQuery("bar.example.com", dns.TypeA))

	seen := make(map[string]bool)
	for _, rr := range first.Response.Answer {
		seen[rr.(*dns.A).A.String()] = true
	}
	for _, rr := range second.Response.Answer {
		if ip := rr.(*dns.A).A.String(); seen[ip] {
			t.Fatalf("proxy IP %s was assigned to both domains", ip)
		}
	}
}

func TestHandleHTTPSForcesAAndAAAAFallback(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "*.example.com", model.IPStackDual)

	res := r.Handle(newQuery("foo.example.com", dns.TypeHTTPS))
	if res.Action != ActionLocalResponse {
		t.Fatalf("got action %v, want ActionLocalResponse", res.Action)
	}
	if res.Response.Rcode != dns.RcodeSuccess || len(res.Response.Answer) != 0 {
		t.Fatal("expected an empty NOERROR response for an intercepted HTTPS query")
	}
}

func TestHandleSRVRecursesToSite(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "*.example.com", model.IPStackDual)

	res := r.Handle(newQuery("foo.example.com", dns.TypeSRV))
	if res.Action != ActionRecurseSite {
		t.Fatalf("got action %v, want ActionRecurseSite", res.Action)
	}
	if res.ResourceID != rid {
		t.Fatal("expected the matched resource's id on the SRV recursion result")
	}
}

func TestHandleDoHCanaryReturnsNXDOMAIN(t *testing.T) {
	r := NewStubResolver()
	res := r.Handle(newQuery(dohCanaryDomain, dns.TypeA))
	if res.Action != ActionLocalResponse {
		t.Fatalf("got action %v, want ActionLocalResponse", res.Action)
	}
	if res.Response.Rcode != dns.RcodeNameError {
		t.Fatalf("got rcode %d, want NXDOMAIN", res.Response.Rcode)
	}
}

func TestHandleUnmatchedDomainRecursesLocally(t *testing.T) {
	r := NewStubResolver()
	res := r.Handle(newQuery("unrelated.org", dns.TypeA))
	if res.Action != ActionRecurseLocal {
		t.Fatalf("got action %v, want ActionRecurseLocal", res.Action)
	}
}

func TestHandlePTRResolvesAssignedProxyIP(t *testing.T) {
	r := NewStubResolver()
	rid := ids.NewResourceID()
	r.AddResource(rid, "*.example.com", model.IPStackDual)

	a := r.Handle(newQuery("foo.example.com", dns.TypeA))
	ip := a.Response.Answer[0].(*dns.A).A.String()

	reverseName := reverseNameFor(t, ip)
	res := r.Handle(newQuery(reverseName, dns.TypePTR))
	if res.Action != ActionLocalResponse {
		t.Fatalf("got action %v, want ActionLocalResponse", res.Action)
	}
	ptr := res.Response.Answer[0].(*dns.PTR).Ptr
	if ptr != dns.Fqdn("foo.example.com") {
		t.Fatalf("got PTR target %q, want foo.example.com.", ptr)
	}
}

func reverseNameFor(t *testing.T, ip string) string {
	t.Helper()
	addr := netip.MustParseAddr(ip)
	if !addr.Is4() {
		t.Fatalf("expected an IPv4 address, got %s", ip)
	}
	b := addr.As4()
	return dns.Fqdn(
		strconv.Itoa(int(b[3])) + "." + strconv.Itoa(int(b[2])) + "." +
			strconv.Itoa(int(b[1])) + "." + strconv.Itoa(int(b[0])) + ".in-addr.arpa",
	)
}

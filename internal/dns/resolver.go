// Package dns implements the Client-side stub DNS resolver:
// pattern matching against DNS resources, proxy-IP assignment, and the
// decision table that turns an incoming query into a local response, a
// forward to the site's Gateway, or a forward upstream. Wire-coded with
// github.com/miekg/dns.
package dns

import (
	"net/netip"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/firezone/tunnel-core/internal/ids"
	"github.com/firezone/tunnel-core/internal/metrics"
	"github.com/firezone/tunnel-core/internal/model"
)

// dnsTTL is the TTL stamped on every synthesised record. Proxy IPs can be
// rotated at any time so answers must not be cached downstream.
const dnsTTL = 1

// dohCanaryDomain is the domain Firefox probes to decide whether to
// auto-enable DNS-over-HTTPS; answering NXDOMAIN keeps it disabled.
const dohCanaryDomain = "use-application-dns.net."

// Action classifies how a query should be handled once StubResolver has
// looked it up.
type Action int

const (
	ActionLocalResponse Action = iota
	ActionRecurseLocal
	ActionRecurseSite
)

// Result is StubResolver.Handle's return value.
type Result struct {
	Action     Action
	Response   *dns.Msg      // set when Action == ActionLocalResponse
	ResourceID ids.ResourceID // set when Action == ActionRecurseSite
}

type fqdnKey struct {
	domain     string
	resourceID ids.ResourceID
}

type resourceEntry struct {
	pattern    pattern
	resourceID ids.ResourceID
	ipStack    model.IPStack
}

// RecordsChanged is emitted whenever a proxy-IP assignment is created for
// the first time, mirroring Event::RecordsChanged.
type RecordsChanged struct {
	Records []ResolvedRecord
}

// ResolvedRecord is one (domain, resource, proxy IPs) assignment.
type ResolvedRecord struct {
	Domain     string
	ResourceID ids.ResourceID
	IPs        []netip.Addr
}

// StubResolver owns the domain-pattern -> resource map, the proxy-IP
// assignment cache, and the reverse lookup used to answer PTR queries.
type StubResolver struct {
	fqdnToIPs map[fqdnKey][]netip.Addr
	ipsToFqdn map[netip.Addr]fqdnKey

	pool *ipPool

	// resources is kept sorted by pattern precedence; linear scan, first match wins.
	resources []resourceEntry

	searchDomain string

	events []RecordsChanged
}

func NewStubResolver() *StubResolver {
	return &StubResolver{
		fqdnToIPs: make(map[fqdnKey][]netip.Addr),
		ipsToFqdn: make(map[netip.Addr]fqdnKey),
		pool:      newIPPool(),
	}
}

// AddResource registers (or replaces) a DNS resource's address pattern.
// Reports false if addressPattern is not a valid glob.
func (s *StubResolver) AddResource(id ids.ResourceID, addressPattern string, stack model.IPStack) bool {
	p, err := newPattern(addressPattern)
	if err != nil {
		return false
	}

	for i, e := range s.resources {
		if e.pattern.original == p.original {
			s.resources[i] = resourceEntry{pattern: p, resourceID: id, ipStack: stack}
			return true
		}
	}

	s.resources = append(s.resources, resourceEntry{pattern: p, resourceID: id, ipStack: stack})
	sort.SliceStable(s.resources, func(i, j int) bool {
		return less(s.resources[i].pattern, s.resources[j].pattern)
	})
	return true
}

// RemoveResource drops every pattern registered for id.
func (s *StubResolver) RemoveResource(id ids.ResourceID) {
	out := s.resources[:0]
	for _, e := range s.resources {
		if e.resourceID != id {
			out = append(out, e)
		}
	}
	s.resources = out
}

// SetSearchDomain changes the suffix appended to single-label queries
// before pattern matching.
func (s *StubResolver) SetSearchDomain(domain string) { s.searchDomain = domain }

// ResolveResourceByIP answers a reverse lookup for a proxy IP minted by
// this resolver: is this address one we handed out, and for which
// domain/resource? Used in the Client's inbound-TUN classification hot
// path, so it must stay O(1).
func (s *StubResolver) ResolveResourceByIP(ip netip.Addr) (domain string, resourceID ids.ResourceID, ok bool) {
	k, found := s.ipsToFqdn[ip]
	if !found {
		return "", ids.ResourceID{}, false
	}
	return k.domain, k.resourceID, true
}

// ProxyIPsForDomain returns every proxy IP minted so far for (domain,
// resourceID), in minting order. The Client uses this to re-derive the
// complete, ordered set it must report in an AssignedIPsEvent: the
// Gateway's NAT table indexes real IPs by position within that set, so a
// caller must never report a partial prefix of it.
func (s *StubResolver) ProxyIPsForDomain(domain string, resourceID ids.ResourceID) []netip.Addr {
	ips := s.fqdnToIPs[fqdnKey{domain: domain, resourceID: resourceID}]
	out := make([]netip.Addr, len(ips))
	copy(out, ips)
	return out
}

// PollEvent drains the RecordsChanged queue.
func (s *StubResolver) PollEvent() (RecordsChanged, bool) {
	if len(s.events) == 0 {
		return RecordsChanged{}, false
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, true
}

func (s *StubResolver) matchResourceLinear(domain string) (resourceEntry, bool) {
	candidate := qualify(domain, s.searchDomain)
	for _, e := range s.resources {
		if e.pattern.matches(candidate) {
			return e, true
		}
	}
	return resourceEntry{}, false
}

// qualify strips the trailing root dot DNS wire names carry and appends
// the search domain to a bare, unqualified single-label query before
// matching, the way a stub resolver would before handing the query to the
// OS resolver.
func qualify(domain, searchDomain string) string {
	trimmed := strings.TrimSuffix(domain, ".")
	if searchDomain == "" || strings.Contains(trimmed, ".") {
		return trimmed
	}
	return trimmed + "." + strings.TrimSuffix(searchDomain, ".")
}

func (s *StubResolver) getOrAssignIPs(domain string, e resourceEntry) []netip.Addr {
	key := fqdnKey{domain: domain, resourceID: e.resourceID}
	if ips, ok := s.fqdnToIPs[key]; ok {
		return ips
	}

	var ips []netip.Addr
	if e.ipStack == model.IPStackDual || e.ipStack == model.IPStackIPv4Only {
		ips = append(ips, s.pool.v4.take(model.MaxProxyIPsPerDomain)...)
	}
	if e.ipStack == model.IPStackDual || e.ipStack == model.IPStackIPv6Only {
		ips = append(ips, s.pool.v6.take(model.MaxProxyIPsPerDomain)...)
	}

	s.fqdnToIPs[key] = ips
	for _, ip := range ips {
		s.ipsToFqdn[ip] = key
	}
	metrics.DNSProxyIPsMinted.Add(len(ips))

	s.events = append(s.events, RecordsChanged{Records: s.records()})
	return ips
}

func (s *StubResolver) records() []ResolvedRecord {
	out := make([]ResolvedRecord, 0, len(s.fqdnToIPs))
	for k, ips := range s.fqdnToIPs {
		out = append(out, ResolvedRecord{Domain: k.domain, ResourceID: k.resourceID, IPs: ips})
	}
	return out
}

// Handle runs the resolver's decision table against a single query and
// returns how the caller should respond.
func (s *StubResolver) Handle(query *dns.Msg) (result Result) {
	metrics.DNSQueriesTotal.Inc()
	defer func() {
		switch result.Action {
		case ActionLocalResponse:
			metrics.DNSLocalResponses.Inc()
		case ActionRecurseLocal:
			metrics.DNSRecursedUpQuery.Inc()
		}
	}()

	if len(query.Question) != 1 {
		return Result{Action: ActionRecurseLocal}
	}
	q := query.Question[0]
	domain := q.Name
	qtype := q.Qtype

	if strings.EqualFold(domain, dohCanaryDomain) {
		return Result{Action: ActionLocalResponse, Response: nxdomain(query)}
	}

	resource, matched := s.matchResourceLinear(domain)

	switch {
	case qtype == dns.TypeA && matched:
		ips := filterV4(s.getOrAssignIPs(domain, resource))
		return Result{Action: ActionLocalResponse, Response: aResponse(query, domain, ips)}

	case qtype == dns.TypeAAAA && matched:
		ips := filterV6(s.getOrAssignIPs(domain, resource))
		return Result{Action: ActionLocalResponse, Response: aResponse(query, domain, ips)}

	case qtype == dns.TypeSRV && matched, qtype == dns.TypeTXT && matched:
		return Result{Action: ActionRecurseSite, ResourceID: resource.resourceID}

	case qtype == dns.TypePTR:
		fqdn, ok := s.resourceNameByReverseDNS(domain)
		if !ok {
			return Result{Action: ActionRecurseLocal}
		}
		m := noError(query)
		m.Answer = append(m.Answer, &dns.PTR{
			Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: dnsTTL},
			Ptr: dns.Fqdn(fqdn),
		})
		return Result{Action: ActionLocalResponse, Response: m}

	case qtype == dns.TypeHTTPS && matched:
		// Force the client to fall back to A/AAAA, which we do intercept;
		// otherwise it would use an address we never proxy for.
		return Result{Action: ActionLocalResponse, Response: noError(query)}

	default:
		return Result{Action: ActionRecurseLocal}
	}
}

func (s *StubResolver) resourceNameByReverseDNS(reverseName string) (string, bool) {
	addr, ok := reverseDNSAddr(reverseName)
	if !ok {
		return "", false
	}
	k, ok := s.ipsToFqdn[addr]
	if !ok {
		return "", false
	}
	return k.domain, true
}

func filterV4(ips []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if ip.Is4() {
			out = append(out, ip)
		}
	}
	return out
}

func filterV6(ips []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if !ip.Is4() {
			out = append(out, ip)
		}
	}
	return out
}

func nxdomain(query *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(query, dns.RcodeNameError)
	return m
}

func noError(query *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(query)
	m.Rcode = dns.RcodeSuccess
	return m
}

func aResponse(query *dns.Msg, domain string, ips []netip.Addr) *dns.Msg {
	m := noError(query)
	for _, ip := range ips {
		if ip.Is4() {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: domain, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: dnsTTL},
				A:   ip.AsSlice(),
			})
			continue
		}
		m.Answer = append(m.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: domain, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: dnsTTL},
			AAAA: ip.AsSlice(),
		})
	}
	return m
}

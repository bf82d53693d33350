package dns

import (
	"net/netip"

	"github.com/firezone/tunnel-core/internal/model"
)

// ipProvider hands out unique proxy addresses from a fixed prefix by
// walking it in order, never reusing an address already minted this
// session.
type ipProvider struct {
	prefix netip.Prefix
	next   netip.Addr
}

func newIPProvider(prefix netip.Prefix) *ipProvider {
	return &ipProvider{prefix: prefix, next: prefix.Addr()}
}

// take mints up to n fresh addresses, stopping early if the prefix is
// exhausted.
func (p *ipProvider) take(n int) []netip.Addr {
	out := make([]netip.Addr, 0, n)
	for i := 0; i < n; i++ {
		if !p.prefix.Contains(p.next) {
			break
		}
		out = append(out, p.next)
		p.next = p.next.Next()
	}
	return out
}

// ipPool is the pair of per-family providers a StubResolver draws from,
// seeded from the Client-local proxy-IP pools.
type ipPool struct {
	v4 *ipProvider
	v6 *ipProvider
}

func newIPPool() *ipPool {
	return &ipPool{
		v4: newIPProvider(model.ProxyIPv4Pool),
		v6: newIPProvider(model.ProxyIPv6Pool),
	}
}

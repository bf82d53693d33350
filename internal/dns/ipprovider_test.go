package dns

import (
	"testing"

	"github.com/firezone/tunnel-core/internal/model"
)

func TestIPProviderNeverReusesAnAddress(t *testing.T) {
	p := newIPProvider(model.ProxyIPv4Pool)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		batch := p.take(4)
		if len(batch) != 4 {
			t.Fatalf("batch %d: got %d addresses, want 4", i, len(batch))
		}
		for _, ip := range batch {
			if seen[ip.String()] {
				t.Fatalf("address %s was handed out twice", ip)
			}
			seen[ip.String()] = true
		}
	}
}

func TestIPProviderStaysWithinItsPrefix(t *testing.T) {
	p := newIPProvider(model.ProxyIPv4Pool)
	for _, ip := range p.take(16) {
		if !model.ProxyIPv4Pool.Contains(ip) {
			t.Fatalf("address %s escaped its prefix %s", ip, model.ProxyIPv4Pool)
		}
	}
}

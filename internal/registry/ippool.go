// Package registry provides an in-memory allocator for the tunnel
// interface address pools. The real allocator lives on the Portal, which is
// out of scope for this core; this package exists so a local
// development harness or integration test can stand in for it without
// reimplementing address bookkeeping at every call site.
//
// Built around netip.Addr/netip.Prefix so the same pool type serves both
// IPv4 and IPv6 ranges.
package registry

import (
	"fmt"
	"net/netip"
	"sync"
)

// AddressPool hands out unique addresses from a CIDR prefix and tracks
// which have been released back for reuse.
type AddressPool struct {
	mu        sync.Mutex
	prefix    netip.Prefix
	next      netip.Addr
	allocated map[netip.Addr]bool
	released  []netip.Addr
}

// NewAddressPool builds a pool over prefix, reserving the first address
// (the network's base address, e.g. 100.64.0.0) so it is never handed
// out.
func NewAddressPool(prefix netip.Prefix) (*AddressPool, error) {
	if !prefix.IsValid() {
		return nil, fmt.Errorf("invalid prefix")
	}
	return &AddressPool{
		prefix:    prefix,
		next:      prefix.Masked().Addr().Next(),
		allocated: make(map[netip.Addr]bool),
	}, nil
}

// Allocate returns the next unused address in the pool, preferring a
// released address over advancing the cursor.
func (p *AddressPool) Allocate() (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.released); n > 0 {
		addr := p.released[n-1]
		p.released = p.released[:n-1]
		p.allocated[addr] = true
		return addr, nil
	}

	for p.prefix.Contains(p.next) {
		addr := p.next
		p.next = p.next.Next()
		if !p.allocated[addr] {
			p.allocated[addr] = true
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("address pool %s exhausted", p.prefix)
}

// Release returns addr to the pool for reuse.
func (p *AddressPool) Release(addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allocated[addr] {
		return fmt.Errorf("address %s was not allocated", addr)
	}
	delete(p.allocated, addr)
	p.released = append(p.released, addr)
	return nil
}

// Allocated reports how many addresses are currently checked out.
func (p *AddressPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}

// DualStackPool allocates matched IPv4/IPv6 tunnel addresses together:
// every peer gets exactly one address from each family.
type DualStackPool struct {
	v4 *AddressPool
	v6 *AddressPool
}

// NewDualStackPool builds a DualStackPool over the global tunnel-interface
// pools or any other matched pair of prefixes (e.g. the
// proxy-IP pools, for test fixtures).
func NewDualStackPool(v4Prefix, v6Prefix netip.Prefix) (*DualStackPool, error) {
	v4, err := NewAddressPool(v4Prefix)
	if err != nil {
		return nil, fmt.Errorf("ipv4 pool: %w", err)
	}
	v6, err := NewAddressPool(v6Prefix)
	if err != nil {
		return nil, fmt.Errorf("ipv6 pool: %w", err)
	}
	return &DualStackPool{v4: v4, v6: v6}, nil
}

// Allocate returns one IPv4 and one IPv6 address for a newly registering
// peer, releasing the IPv4 address back if the IPv6 allocation fails so
// the pool never leaks a half-assigned pair.
func (d *DualStackPool) Allocate() (v4, v6 netip.Addr, err error) {
	v4, err = d.v4.Allocate()
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	v6, err = d.v6.Allocate()
	if err != nil {
		_ = d.v4.Release(v4)
		return netip.Addr{}, netip.Addr{}, err
	}
	return v4, v6, nil
}

// Release returns a previously allocated pair to their pools.
func (d *DualStackPool) Release(v4, v6 netip.Addr) {
	_ = d.v4.Release(v4)
	_ = d.v6.Release(v6)
}

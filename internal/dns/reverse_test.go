package dns

import (
	"net/netip"
	"testing"
)

func TestReverseDNSAddrV4(t *testing.T) {
	addr, ok := reverseDNSAddr("1.0.0.127.in-addr.arpa.")
	if !ok {
		t.Fatal("expected a parsed address")
	}
	want := netip.MustParseAddr("127.0.0.1")
	if addr != want {
		t.Fatalf("got %s, want %s", addr, want)
	}
}

func TestReverseDNSAddrV6(t *testing.T) {
	name := "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.1.0.0.2.ip6.arpa."
	addr, ok := reverseDNSAddr(name)
	if !ok {
		t.Fatal("expected a parsed address")
	}
	want := netip.MustParseAddr("2001::1")
	if addr != want {
		t.Fatalf("got %s, want %s", addr, want)
	}
}

func TestReverseDNSAddrRejectsGarbage(t *testing.T) {
	if _, ok := reverseDNSAddr("not-a-reverse-name.example.com."); ok {
		t.Fatal("expected no match for a non in-addr.arpa/ip6.arpa name")
	}
}

package beep

import (
	"net"
	"testing"
)

func TestResolverCacheResolvesAndCaches(t *testing.T) {
	r := newResolverCache()

	a, err := r.resolve("127.0.0.1", "1775", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(a.addrs) == 0 {
		t.Fatalf("expected at least one resolved address")
	}

	b, err := r.resolve("127.0.0.1", "1775", false)
	if err != nil {
		t.Fatalf("resolve (cached): %v", err)
	}
	if a != b {
		t.Fatalf("expected the second resolve to return the cached entry")
	}
}

func TestResolverCacheDistinctKeysPerPort(t *testing.T) {
	r := newResolverCache()
	a, _ := r.resolve("127.0.0.1", "1775", false)
	b, _ := r.resolve("127.0.0.1", "1776", false)
	if a == b {
		t.Fatalf("expected distinct cache entries for distinct host:port keys")
	}
}

func TestResolvedAddrPickPrefersRequestedFamily(t *testing.T) {
	v4 := net.ParseIP("127.0.0.1")
	v6 := net.ParseIP("::1")

	a := &resolvedAddr{addrs: []net.IP{v4, v6}, v6: false}
	if got := a.pick(); got.String() != "127.0.0.1" {
		t.Fatalf("pick() with v6=false = %v, want 127.0.0.1", got)
	}

	b := &resolvedAddr{addrs: []net.IP{v4, v6}, v6: true}
	if got := b.pick(); got.String() != "::1" {
		t.Fatalf("pick() with v6=true = %v, want ::1", got)
	}
}

package clientip

import (
	"net/http"
	"testing"
)

func headersOf(pairs map[string]string) http.Header {
	h := http.Header{}
	for k, v := range pairs {
		h.Set(k, v)
	}
	return h
}

func TestParseNetworksMixedInput(t *testing.T) {
	nets := ParseNetworks([]string{"10.0.0.0/8", " 192.0.2.7 ", "", "not-a-net", "2001:db8::1"})
	if len(nets) != 3 {
		t.Fatalf("expected 3 parsed networks, got %d", len(nets))
	}
	ones, bits := nets[1].Mask.Size()
	if ones != 32 || bits != 32 {
		t.Fatalf("bare IPv4 should become /32, got /%d", ones)
	}
	ones, bits = nets[2].Mask.Size()
	if ones != 128 || bits != 128 {
		t.Fatalf("bare IPv6 should become /128, got /%d", ones)
	}
}

func TestResolveTrustDisabledIgnoresHeaders(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: false}
	got := r.Resolve("10.10.10.10:4431", headersOf(map[string]string{
		"CF-Connecting-IP": "203.0.113.99",
		"X-Forwarded-For":  "198.51.100.10, 10.10.10.5",
		"X-Real-IP":        "198.51.100.77",
	}))
	if got != "10.10.10.10" {
		t.Fatalf("expected peer address, got %q", got)
	}
}

func TestResolveUntrustedPeerIgnoresHeaders(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: true}
	got := r.Resolve("198.51.100.20", headersOf(map[string]string{
		"X-Forwarded-For": "203.0.113.1",
	}))
	if got != "198.51.100.20" {
		t.Fatalf("expected peer address for untrusted peer, got %q", got)
	}
}

func TestResolveOverrideHeaderPriority(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: true}
	got := r.Resolve("10.10.10.10", headersOf(map[string]string{
		"CF-Connecting-IP": "203.0.113.99",
		"True-Client-IP":   "203.0.113.50",
		"X-Forwarded-For":  "198.51.100.10, 10.10.10.5",
	}))
	if got != "203.0.113.99" {
		t.Fatalf("CF-Connecting-IP should win, got %q", got)
	}
	got = r.Resolve("10.10.10.10", headersOf(map[string]string{
		"CF-Connecting-IP": "garbage",
		"True-Client-IP":   "203.0.113.50",
	}))
	if got != "203.0.113.50" {
		t.Fatalf("True-Client-IP should win over a malformed override, got %q", got)
	}
}

func TestResolveForwardedChainRightToLeft(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: true}
	got := r.Resolve("10.10.10.10", headersOf(map[string]string{
		"X-Forwarded-For": "198.51.100.10, 10.10.10.5",
	}))
	if got != "198.51.100.10" {
		t.Fatalf("expected first untrusted hop from the right, got %q", got)
	}
}

func TestResolveForwardedChainAllTrustedFallsBackLeftmost(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: true}
	got := r.Resolve("10.10.10.10", headersOf(map[string]string{
		"X-Forwarded-For": "10.0.0.1, 10.0.0.2",
	}))
	if got != "10.0.0.1" {
		t.Fatalf("expected leftmost hop when every hop is trusted, got %q", got)
	}
}

func TestResolveForwardedChainSkipsMalformedHops(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: true}
	got := r.Resolve("10.10.10.10", headersOf(map[string]string{
		"X-Forwarded-For": "bogus, 198.51.100.10, also-bogus, 10.10.10.5",
	}))
	if got != "198.51.100.10" {
		t.Fatalf("malformed hops must be skipped, got %q", got)
	}
}

func TestResolveRealIPFallback(t *testing.T) {
	r := Resolver{Trusted: ParseNetworks([]string{"10.0.0.0/8"}), TrustHeaders: true}
	got := r.Resolve("10.10.10.10", headersOf(map[string]string{
		"X-Real-IP": "198.51.100.77",
	}))
	if got != "198.51.100.77" {
		t.Fatalf("expected X-Real-IP fallback, got %q", got)
	}
	got = r.Resolve("10.10.10.10", http.Header{})
	if got != "10.10.10.10" {
		t.Fatalf("expected peer fallback, got %q", got)
	}
}

func TestResolveUnparseablePeer(t *testing.T) {
	r := Resolver{TrustHeaders: true}
	if got := r.Resolve("", http.Header{}); got != Unknown {
		t.Fatalf("expected %q, got %q", Unknown, got)
	}
	if got := r.Resolve("@garbage@", http.Header{}); got != "@garbage@" {
		t.Fatalf("expected raw peer passthrough, got %q", got)
	}
}

package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is returned when no candidate address parses.
const Unknown = "unknown"

// ParseNetworks accepts a list of CIDR ranges or bare IPs (treated as /32
// or /128) and drops anything malformed.
func ParseNetworks(values []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if strings.Contains(value, "/") {
			if _, cidr, err := net.ParseCIDR(value); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(value)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

// Resolver derives the effective caller IP from the raw peer address and
// proxy override headers. Pure string/CIDR arithmetic; no server types.
type Resolver struct {
	Trusted      []*net.IPNet
	TrustHeaders bool
}

// Resolve walks the proxy headers in fixed priority order. When header
// trust is off, or the TCP peer is not a trusted proxy, the peer address
// wins unconditionally. Malformed hops are skipped, never fatal.
func (r Resolver) Resolve(peerAddr string, header http.Header) string {
	peer := parseIP(peerAddr)
	if !r.TrustHeaders || peer == nil || !r.isTrusted(peer) {
		if peer != nil {
			return peer.String()
		}
		if strings.TrimSpace(peerAddr) != "" {
			return peerAddr
		}
		return Unknown
	}

	for _, name := range []string{"Cf-Connecting-Ip", "True-Client-Ip"} {
		if ip := parseIP(header.Get(name)); ip != nil {
			return ip.String()
		}
	}

	if chain := parseForwardedChain(header.Get("X-Forwarded-For")); len(chain) > 0 {
		hops := append(append([]net.IP{}, chain...), peer)
		// The rightmost untrusted hop is the true client; everything to
		// its right is our own proxy tier.
		for i := len(hops) - 1; i >= 0; i-- {
			if !r.isTrusted(hops[i]) {
				return hops[i].String()
			}
		}
		return chain[0].String()
	}

	if ip := parseIP(header.Get("X-Real-Ip")); ip != nil {
		return ip.String()
	}
	return peer.String()
}

func (r Resolver) isTrusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range r.Trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(value string) net.IP {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	// Peer addresses may arrive as host:port.
	if host, _, err := net.SplitHostPort(value); err == nil {
		value = host
	}
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	return net.ParseIP(value)
}

func parseForwardedChain(value string) []net.IP {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]net.IP, 0, len(parts))
	for _, part := range parts {
		if ip := net.ParseIP(strings.TrimSpace(part)); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

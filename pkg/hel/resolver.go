// Package hel implements the Host Egress List policy: allowlist matching
// plus DNS resolution gating so that a forward URL can never reach loopback,
// private, or link-local address space.
package hel

import (
	"context"
	"net"

	"github.com/odin-protocol/signet/pkg/contracts"
	"golang.org/x/net/idna"
)

// LookupFunc resolves a host to its address list. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver classifies the resolved addresses of a host.
type Resolver struct {
	lookup LookupFunc
}

// NewResolver returns a resolver backed by the system DNS resolver.
func NewResolver() *Resolver {
	return &Resolver{lookup: func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return net.DefaultResolver.LookupIPAddr(ctx, host)
	}}
}

// NewResolverWithLookup injects a lookup function. Used by tests and by the
// forwarder's pinned-dial path.
func NewResolverWithLookup(lookup LookupFunc) *Resolver {
	return &Resolver{lookup: lookup}
}

// CheckPublic resolves host and verifies every address is publicly
// routable. Returns (true, "ok") or (false, reason code).
func (r *Resolver) CheckPublic(ctx context.Context, host string) (bool, string) {
	_, ok, reason := r.resolve(ctx, host)
	return ok, reason
}

// PublicIPs resolves host and returns its addresses when all of them are
// public. The reason code mirrors CheckPublic on failure.
func (r *Resolver) PublicIPs(ctx context.Context, host string) ([]net.IP, bool, string) {
	return r.resolve(ctx, host)
}

func (r *Resolver) resolve(ctx context.Context, host string) ([]net.IP, bool, string) {
	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, false, contracts.ReasonResolutionFailed
	}
	addrs, err := r.lookup(ctx, asciiHost)
	if err != nil {
		return nil, false, contracts.ReasonResolutionFailed
	}
	if len(addrs) == 0 {
		return nil, false, contracts.ReasonNoResolution
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if reason := classify(a.IP); reason != "" {
			return nil, false, reason
		}
		ips = append(ips, a.IP)
	}
	return ips, true, "ok"
}

// classify returns a denial reason for non-public addresses, or "".
func classify(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return contracts.ReasonResolvedLoopback
	case ip.IsPrivate():
		return contracts.ReasonResolvedPrivate
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return contracts.ReasonResolvedLinkLocal
	case ip.IsUnspecified():
		return contracts.ReasonResolvedPrivate
	default:
		return ""
	}
}

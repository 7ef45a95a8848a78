package hel

import (
	"context"
	"net/url"
	"strings"

	"github.com/odin-protocol/signet/pkg/contracts"
)

// Engine evaluates forward URLs against the tenant and global allowlists.
type Engine struct {
	global   []string
	resolver *Resolver
}

// NewEngine builds a policy engine over the global allowlist.
func NewEngine(globalAllowlist []string, resolver *Resolver) *Engine {
	global := make([]string, 0, len(globalAllowlist))
	for _, h := range globalAllowlist {
		global = append(global, strings.ToLower(strings.TrimSpace(h)))
	}
	return &Engine{global: global, resolver: resolver}
}

// AllowForward decides whether forwardURL may be dialed on behalf of a
// tenant. An empty URL is always allowed: exchanges without forwarding have
// no egress to police.
func (e *Engine) AllowForward(ctx context.Context, tenantAllowlist []string, forwardURL string) contracts.PolicyResult {
	if forwardURL == "" {
		return contracts.PolicyAllowed("")
	}

	u, err := url.Parse(forwardURL)
	if err != nil || u.Hostname() == "" {
		return contracts.PolicyDenied(contracts.ReasonHostNotAllowed, "")
	}
	host := strings.ToLower(u.Hostname())

	if !strings.EqualFold(u.Scheme, "https") {
		return contracts.PolicyDenied(contracts.ReasonSchemeNotHTTPS, host)
	}

	if !hostAllowed(host, tenantAllowlist) && !hostAllowed(host, e.global) {
		return contracts.PolicyDenied(contracts.ReasonHostNotAllowed, host)
	}

	if ok, reason := e.resolver.CheckPublic(ctx, host); !ok {
		return contracts.PolicyDenied(reason, host)
	}

	return contracts.PolicyAllowed(host)
}

// hostAllowed matches host against an allowlist. Entries are compared
// case-insensitively; "*.domain" entries match the domain itself and any
// subdomain.
func hostAllowed(host string, allowlist []string) bool {
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == host {
			return true
		}
		if strings.HasPrefix(entry, "*.") {
			domain := entry[2:]
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return true
			}
		}
	}
	return false
}

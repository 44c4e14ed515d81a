package outbound

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Block reasons, used verbatim as the SSRF metric label.
const (
	ReasonPrivate    = "private"
	ReasonLoopback   = "loopback"
	ReasonLinkLocal  = "link_local"
	ReasonDNSFailure = "dns_failure"
)

// BlockedError reports a destination the guard refused and why.
type BlockedError struct {
	Host   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("destination %q blocked: %s", e.Host, e.Reason)
}

// Guard rejects outbound URLs that would land in private, loopback, or
// link-local address space: 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16,
// 127.0.0.0/8, 169.254.0.0/16, ::1/128, fc00::/7, fe80::/10. Hostnames are
// resolved first and every returned address must clear the check; a name
// that does not resolve is rejected outright.
type Guard struct {
	// lookup resolves a hostname to candidate addresses. Swappable so tests
	// can pin resolutions without touching real DNS.
	lookup func(ctx context.Context, host string) ([]net.IP, error)
}

// NewGuard returns a guard backed by the default resolver.
func NewGuard() *Guard {
	return &Guard{lookup: defaultLookup}
}

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Check validates one parsed URL. A nil return means the destination is
// safe to dial; any other return is a *BlockedError.
func (g *Guard) Check(ctx context.Context, u *url.URL) error {
	host := u.Hostname()
	if host == "" {
		return &BlockedError{Host: u.Host, Reason: ReasonDNSFailure}
	}
	if blockedHostname(host) {
		return &BlockedError{Host: host, Reason: ReasonLoopback}
	}
	if ip := net.ParseIP(host); ip != nil {
		if reason := classifyAddr(ip); reason != "" {
			return &BlockedError{Host: host, Reason: reason}
		}
		return nil
	}
	ips, err := g.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return &BlockedError{Host: host, Reason: ReasonDNSFailure}
	}
	for _, ip := range ips {
		if reason := classifyAddr(ip); reason != "" {
			return &BlockedError{Host: host, Reason: reason}
		}
	}
	return nil
}

// blockedHostname catches the loopback spellings that never need DNS.
func blockedHostname(host string) bool {
	h := strings.ToLower(host)
	return h == "localhost" || strings.HasSuffix(h, ".localhost") ||
		h == "127.0.0.1" || h == "::1" || h == "0.0.0.0"
}

// classifyAddr buckets a blocked address, or returns "" for a routable one.
func classifyAddr(ip net.IP) string {
	switch {
	case ip.IsLoopback() || ip.IsUnspecified():
		return ReasonLoopback
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return ReasonLinkLocal
	case ip.IsPrivate():
		return ReasonPrivate
	}
	return ""
}

package fetch

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// metadataHosts are rejected by name before any resolution happens.
// Cloud metadata endpoints stay blocked even when private addresses
// are allowed.
var metadataHosts = map[string]struct{}{
	"metadata.google.internal": {},
	"metadata":                 {},
	"169.254.169.254":          {},
}

// metadataAddrs are rejected at dial time regardless of policy.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"),
	netip.MustParseAddr("fd00:ec2::254"),
}

// reservedRanges lists address space that is never a legitimate
// disclosure host: carrier-grade NAT, test nets, benchmarking,
// documentation, and class E.
var reservedRanges = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// Guard validates outbound fetch targets twice: by name before the
// request is issued, and by resolved address at dial time so DNS
// answers cannot steer a fetch into internal networks.
type Guard struct {
	allowPrivate bool
}

// NewGuard builds a guard. allowPrivate admits loopback, RFC 1918, and
// link-local addresses for deployments that analyze intranet reports;
// metadata endpoints and reserved ranges stay blocked regardless.
func NewGuard(allowPrivate bool) *Guard {
	return &Guard{allowPrivate: allowPrivate}
}

// CheckURL enforces scheme and host policy before resolution.
func (g *Guard) CheckURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrHostNotAllowed)
	}
	if _, ok := metadataHosts[host]; ok {
		return fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
	}
	if !g.allowPrivate && (host == "localhost" || strings.HasSuffix(host, ".localhost")) {
		return fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return g.CheckAddr(ip)
	}
	return nil
}

// CheckAddr enforces address policy on a resolved IP.
func (g *Guard) CheckAddr(ip netip.Addr) error {
	ip = ip.Unmap()
	for _, m := range metadataAddrs {
		if ip == m {
			return fmt.Errorf("%w: %s is a metadata endpoint", ErrAddressNotAllowed, ip)
		}
	}
	if !ip.IsValid() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast() {
		return fmt.Errorf("%w: %s", ErrAddressNotAllowed, ip)
	}
	if !g.allowPrivate && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return fmt.Errorf("%w: %s", ErrAddressNotAllowed, ip)
	}
	for _, p := range reservedRanges {
		if p.Contains(ip) {
			return fmt.Errorf("%w: %s in %s", ErrAddressNotAllowed, ip, p)
		}
	}
	return nil
}

// control is installed as the net.Dialer Control hook. It sees every
// address the runtime actually dials, including each redirect hop.
func (g *Guard) control(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrAddressNotAllowed, address)
	}
	return g.CheckAddr(ap.Addr())
}

package admission

import (
	"fmt"
	"net/netip"
	"strings"
)

// Allowlist is a set of permitted source networks. An empty Allowlist admits
// every address.
type Allowlist struct {
	prefixes []netip.Prefix
}

// NewAllowlist parses CIDRs and bare addresses. Bare addresses become
// single-host prefixes. Any malformed entry is an error.
func NewAllowlist(entries []string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			a.prefixes = append(a.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", entry, err)
		}
		addr = addr.Unmap()
		a.prefixes = append(a.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return a, nil
}

// Empty reports whether the allowlist admits everything.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.prefixes) == 0
}

// Len returns the number of configured entries.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.prefixes)
}

// Allows reports whether ip is covered. IPv4-mapped IPv6 addresses are
// matched as IPv4.
func (a *Allowlist) Allows(ip netip.Addr) bool {
	if a.Empty() {
		return true
	}
	ip = ip.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

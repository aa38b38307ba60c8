// Package meshdns resolves mesh host names. Every phone and node on the
// mesh is addressable as {name}.local.mesh via an A record; there is no
// SRV and the port is fixed by the service.
package meshdns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Domain is the synthetic mesh DNS zone.
const Domain = "local.mesh"

// Resolver looks up the IPv4 address of a mesh host.
type Resolver interface {
	LookupIPv4(ctx context.Context, name string) (netip.Addr, error)
}

// SystemResolver resolves through the operating system resolver.
type SystemResolver struct {
	resolver *net.Resolver
}

// NewSystemResolver returns a resolver backed by net.DefaultResolver.
func NewSystemResolver() *SystemResolver {
	return &SystemResolver{resolver: net.DefaultResolver}
}

// LookupIPv4 resolves name (qualifying it under local.mesh when bare) and
// returns the first A record.
func (r *SystemResolver) LookupIPv4(ctx context.Context, name string) (netip.Addr, error) {
	fqdn := Qualify(name)
	ips, err := r.resolver.LookupIP(ctx, "ip4", fqdn)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolving %s: %w", fqdn, err)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			addr, _ := netip.AddrFromSlice(v4)
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no A record for %s", fqdn)
}

// Qualify appends the mesh domain to a bare host name. Names already
// containing a dot pass through unchanged, as do IP literals.
func Qualify(name string) string {
	if _, err := netip.ParseAddr(name); err == nil {
		return name
	}
	if strings.Contains(name, ".") {
		return name
	}
	return name + "." + Domain
}

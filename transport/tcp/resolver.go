package tcp

import (
	"context"
	"maps"
	"net/netip"
	"slices"

	"github.com/pkg/errors"
)

var (
	ErrHostNotFound    = errors.New("host not found")
	ErrServiceNotFound = errors.New("service not found")
)

// MapResolver resolves names from fixed tables.
// It is handy for tests and for environments without DNS.
type MapResolver struct {
	hosts    map[string][]netip.Addr
	services map[string]int
}

var _ Resolver = (*MapResolver)(nil)

func NewMapResolver(hosts map[string][]netip.Addr, services map[string]int) *MapResolver {
	r := &MapResolver{
		hosts:    make(map[string][]netip.Addr, len(hosts)),
		services: maps.Clone(services),
	}
	for host, addrs := range hosts {
		r.hosts[host] = slices.Clone(addrs)
	}
	if r.services == nil {
		r.services = make(map[string]int)
	}
	return r
}

func (m *MapResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	addrs, ok := m.hosts[host]
	if !ok {
		return nil, ErrHostNotFound
	}

	filtered := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		switch {
		case network == "ip4" && !addr.Unmap().Is4():
		case network == "ip6" && !addr.Is6():
		default:
			filtered = append(filtered, addr)
		}
	}
	return filtered, nil
}

func (m *MapResolver) LookupPort(ctx context.Context, network, service string) (int, error) {
	port, ok := m.services[service]
	if !ok {
		return 0, ErrServiceNotFound
	}
	return port, nil
}

package tcp

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"server-scaffold/transport"

	"github.com/pkg/errors"
)

type Addr struct {
	ip   netip.Addr // zero value means every local address.
	port uint16
}

var _ transport.Addr = Addr{}

func NewAddr(ip netip.Addr, port uint16) Addr {
	return Addr{ip.Unmap(), port}
}

func addrFromNet(a net.Addr) Addr {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok || tcpAddr == nil {
		return Addr{}
	}
	ap := tcpAddr.AddrPort()
	return NewAddr(ap.Addr(), ap.Port())
}

func (a Addr) IP() netip.Addr  { return a.ip }
func (a Addr) Port() uint16    { return a.port }
func (a Addr) Network() string { return string(transport.TCP) }

func (a Addr) String() string {
	if !a.ip.IsValid() {
		return ":" + strconv.FormatUint(uint64(a.port), 10)
	}
	return netip.AddrPortFrom(a.ip, a.port).String()
}

// Resolver is satisfied by [*net.Resolver].
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupPort(ctx context.Context, network, service string) (port int, err error)
}

var _ Resolver = (*net.Resolver)(nil)

// Resolve turns "host:port" into candidate endpoints, in the order the resolver returned them.
// An empty host yields a single address listening on every interface.
// The port may be a number or a service name.
func Resolve(ctx context.Context, r Resolver, address string) ([]Addr, error) {
	host, service, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Wrap(transport.ErrInvalidAddr, err.Error())
	}

	port, err := resolvePort(ctx, r, service)
	if err != nil {
		return nil, err
	}

	if host == "" {
		return []Addr{{port: port}}, nil
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return []Addr{NewAddr(ip, port)}, nil
	}

	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(transport.ErrAddrNotResolved, "looking up %q: %s", host, err)
	}
	if len(ips) == 0 {
		return nil, errors.Wrapf(transport.ErrAddrNotResolved, "no addresses for %q", host)
	}

	addrs := make([]Addr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, NewAddr(ip, port))
	}

	return addrs, nil
}

func resolvePort(ctx context.Context, r Resolver, service string) (uint16, error) {
	if service == "" {
		return 0, errors.Wrap(transport.ErrInvalidAddr, "missing port")
	}

	port, err := strconv.ParseUint(service, 10, 16)
	if err == nil {
		return uint16(port), nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, errors.Wrapf(transport.ErrInvalidAddr, "port %s out of range", service)
	}

	p, err := r.LookupPort(ctx, "tcp", service)
	if err != nil {
		return 0, errors.Wrapf(transport.ErrInvalidAddr, "unknown port %q", service)
	}

	return uint16(p), nil
}

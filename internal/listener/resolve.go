package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Family is the address-family hint for resolution.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unspec"
	}
}

func (f Family) network() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

func (f Family) matches(a netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return a.Is4()
	case FamilyIPv6:
		return a.Is6()
	default:
		return true
	}
}

// BindTarget describes what to bind. An empty Host means the wildcard address.
type BindTarget struct {
	Host   string
	Port   string
	Family Family
}

func (t BindTarget) String() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// ErrNoPort is returned when a bind target carries no port or service name.
var ErrNoPort = errors.New("listen mode requires a port")

// ResolveError reports a failure to turn a BindTarget into candidate addresses.
type ResolveError struct {
	Target BindTarget
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s (%s): %v", e.Target, e.Target.Family, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolve returns the ordered candidate addresses for t, resolved for a passive
// (bind) socket. With no host and no family hint the family defaults to IPv4.
func Resolve(ctx context.Context, r *net.Resolver, t BindTarget) ([]netip.AddrPort, error) {
	if t.Port == "" {
		return nil, ErrNoPort
	}
	if r == nil {
		r = net.DefaultResolver
	}
	if t.Host == "" && t.Family == FamilyUnspec {
		t.Family = FamilyIPv4
	}
	port, err := resolvePort(ctx, r, t.Port)
	if err != nil {
		return nil, &ResolveError{Target: t, Err: err}
	}
	addrs, err := resolveHost(ctx, r, t)
	if err != nil {
		return nil, &ResolveError{Target: t, Err: err}
	}
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.AddrPortFrom(a, port))
	}
	return out, nil
}

func resolvePort(ctx context.Context, r *net.Resolver, service string) (uint16, error) {
	if n, err := strconv.ParseUint(service, 10, 16); err == nil {
		return uint16(n), nil
	}
	p, err := r.LookupPort(ctx, "tcp", service)
	if err != nil {
		return 0, err
	}
	return uint16(p), nil
}

func resolveHost(ctx context.Context, r *net.Resolver, t BindTarget) ([]netip.Addr, error) {
	if t.Host == "" {
		if t.Family == FamilyIPv6 {
			return []netip.Addr{netip.IPv6Unspecified()}, nil
		}
		return []netip.Addr{netip.IPv4Unspecified()}, nil
	}
	if a, err := netip.ParseAddr(t.Host); err == nil {
		a = a.Unmap()
		if !t.Family.matches(a) {
			return nil, fmt.Errorf("address %s does not match family %s", a, t.Family)
		}
		return []netip.Addr{a}, nil
	}
	found, err := r.LookupNetIP(ctx, t.Family.network(), t.Host)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(found))
	for _, a := range found {
		a = a.Unmap()
		if t.Family.matches(a) {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no %s address for %s", t.Family, t.Host)
	}
	return addrs, nil
}

// Package addrutil resolves and renders the endpoint addresses the core
// bridging engine operates on. Resolution is the only externally-visible
// collaborator named in the bridge specification (name resolution of
// source and destination host/service pairs); everything downstream of
// it deals only in resolved IPs and ports.
package addrutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Endpoint is a resolved transport address: an IP (v4 or v6) plus a port.
type Endpoint struct {
	IP   netip.Addr
	Port int
}

// String renders the canonical textual form: A.B.C.D:P for IPv4,
// [addr]:P for IPv6.
func (e Endpoint) String() string {
	if e.IP.Is4() || e.IP.Is4In6() {
		return fmt.Sprintf("%s:%d", e.IP.Unmap().String(), e.Port)
	}
	return fmt.Sprintf("[%s]:%d", e.IP.String(), e.Port)
}

// TCPAddr converts the endpoint to a *net.TCPAddr, for use with the
// stdlib resolver and with sockaddr construction in package sock.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(e.IP.AsSlice()), Port: e.Port}
}

// FromTCPAddr builds an Endpoint from a resolved *net.TCPAddr.
func FromTCPAddr(a *net.TCPAddr) (Endpoint, error) {
	ip, ok := netip.AddrFromSlice(a.IP)
	if !ok {
		return Endpoint{}, fmt.Errorf("addrutil: invalid IP %v", a.IP)
	}
	return Endpoint{IP: ip.Unmap(), Port: a.Port}, nil
}

// ResolveAll resolves host against any address family with IPv4-mapped
// IPv6 allowed (the hint set named in §6 of the bridge specification),
// and service against the usual /etc/services-or-numeric rules. It
// returns every address the resolver turned up, in the order returned,
// so that a listener can be started on each one (§4.5) or the first
// successful destination can be chosen (§6).
func ResolveAll(ctx context.Context, host, service string) ([]Endpoint, error) {
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return nil, fmt.Errorf("addrutil: resolve service %q: %w", service, err)
	}

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("addrutil: resolve host %q: %w", host, err)
	}
	if len(ipAddrs) == 0 {
		return nil, fmt.Errorf("addrutil: no addresses for host %q", host)
	}

	endpoints := make([]Endpoint, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			continue
		}
		endpoints = append(endpoints, Endpoint{IP: addr.Unmap(), Port: port})
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("addrutil: no usable addresses for host %q", host)
	}
	return endpoints, nil
}

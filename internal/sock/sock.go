//go:build linux

// Package sock wraps the raw, non-blocking socket operations the
// bridging engine needs directly against the kernel: socket creation,
// bind/listen/accept, non-blocking connect, pending-error query,
// half-close, and buffer tuning. The core never goes through net.Conn —
// every descriptor here is driven exclusively by package reactor's
// epoll loop, so the two must agree on non-blocking semantics and
// would-block classification.
package sock

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/TheCount/connbridge/internal/addrutil"
)

// ErrWouldBlock is returned by Read/Write/Accept in place of
// EAGAIN/EWOULDBLOCK so callers can classify it with errors.Is without
// depending on this package's syscall choice.
var ErrWouldBlock = errors.New("sock: operation would block")

// FD is a non-blocking socket owned exclusively by whichever Bridge or
// listener created it; it is never shared.
type FD struct {
	fd int
}

// Fd returns the raw descriptor, for registration with package reactor.
func (f *FD) Fd() int { return f.fd }

func wrapErrno(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}

// Read performs a single non-blocking read.
func (f *FD) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, wrapErrno(err)
	}
}

// Write performs a single non-blocking write.
func (f *FD) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(f.fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, wrapErrno(err)
	}
}

// ShutdownRead half-closes the read side. Best-effort: failure is
// never fatal (§9 design note).
func (f *FD) ShutdownRead() error {
	return unix.Shutdown(f.fd, unix.SHUT_RD)
}

// ShutdownWrite half-closes the write side. Best-effort.
func (f *FD) ShutdownWrite() error {
	return unix.Shutdown(f.fd, unix.SHUT_WR)
}

// Close releases the descriptor.
func (f *FD) Close() error {
	return unix.Close(f.fd)
}

func domainFor(ip netip.Addr) int {
	if ip.Is4() || ip.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func sockaddrFor(ep addrutil.Endpoint) (unix.Sockaddr, error) {
	ip := ep.IP
	if ip.Is4() || ip.Is4In6() {
		var a unix.SockaddrInet4
		a.Addr = ip.As4()
		a.Port = ep.Port
		return &a, nil
	}
	if ip.Is6() {
		var a unix.SockaddrInet6
		a.Addr = ip.As16()
		a.Port = ep.Port
		return &a, nil
	}
	return nil, fmt.Errorf("sock: unrenderable address %v", ip)
}

func endpointFromSockaddr(sa unix.Sockaddr) (addrutil.Endpoint, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := netip.AddrFrom4(a.Addr)
		return addrutil.Endpoint{IP: ip, Port: a.Port}, nil
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(a.Addr)
		return addrutil.Endpoint{IP: ip, Port: a.Port}, nil
	default:
		return addrutil.Endpoint{}, fmt.Errorf("sock: unsupported sockaddr %T", sa)
	}
}

// Listen binds and listens on ep with the given backlog, applying
// address reuse as required by §4.5. The returned socket is
// non-blocking and close-on-exec.
func Listen(ep addrutil.Endpoint, backlog int) (*FD, error) {
	domain := domainFor(ep.IP)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("sock: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sock: SO_REUSEADDR: %w", err)
	}
	sa, err := sockaddrFor(ep)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sock: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sock: listen: %w", err)
	}
	f := &FD{fd: fd}
	tune(fd)
	return f, nil
}

// Accept accepts one pending connection; callers loop until
// ErrWouldBlock to take every connection available (§4.5). The returned FD is already
// non-blocking and tuned.
func Accept(l *FD) (*FD, addrutil.Endpoint, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, addrutil.Endpoint{}, wrapErrno(err)
		}
		peer, err := endpointFromSockaddr(sa)
		if err != nil {
			unix.Close(nfd)
			return nil, addrutil.Endpoint{}, err
		}
		tune(nfd)
		return &FD{fd: nfd}, peer, nil
	}
}

// ConnectNonBlocking initiates a non-blocking connect to ep. inProgress
// is true when the connect has not yet completed (EINPROGRESS, or
// EINTR, which this package treats identically per §9's open
// question about the source's EINTR-retry bug).
func ConnectNonBlocking(ep addrutil.Endpoint) (f *FD, inProgress bool, err error) {
	domain := domainFor(ep.IP)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, false, fmt.Errorf("sock: socket: %w", err)
	}
	sa, err := sockaddrFor(ep)
	if err != nil {
		unix.Close(fd)
		return nil, false, err
	}
	tune(fd)
	cerr := unix.Connect(fd, sa)
	switch {
	case cerr == nil:
		return &FD{fd: fd}, false, nil
	case cerr == unix.EINPROGRESS || cerr == unix.EINTR:
		return &FD{fd: fd}, true, nil
	default:
		unix.Close(fd)
		return nil, false, fmt.Errorf("sock: connect: %w", cerr)
	}
}

// PendingError returns the socket's pending error (SO_ERROR), used to
// test whether an in-progress connect completed successfully (§4.3).
func PendingError(f *FD) error {
	errno, err := unix.GetsockoptInt(f.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("sock: SO_ERROR: %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// LocalAddr returns the address the kernel assigned the socket. For a
// connecting socket this is valid as soon as connect() has been
// issued, which §6 relies on to name the destination journal file
// before the handshake completes.
func LocalAddr(f *FD) (addrutil.Endpoint, error) {
	sa, err := unix.Getsockname(f.fd)
	if err != nil {
		return addrutil.Endpoint{}, fmt.Errorf("sock: getsockname: %w", err)
	}
	return endpointFromSockaddr(sa)
}

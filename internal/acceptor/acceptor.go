// Package acceptor implements the glue named in §4.5 of the bridge
// specification: binding listener sockets, accepting inbound
// connections, and handing each one to a new Bridge. It is explicitly
// out of the core's scope but specified at its interface (§1, §6).
package acceptor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/TheCount/connbridge/internal/addrutil"
	"github.com/TheCount/connbridge/internal/bridge"
	"github.com/TheCount/connbridge/internal/reactor"
	"github.com/TheCount/connbridge/internal/sock"
)

// Listener binds one address from the source resolution and hands
// every accepted connection to a Bridge factory.
type Listener struct {
	fd      *sock.FD
	addr    addrutil.Endpoint
	rea     *reactor.Reactor
	factory *bridge.Factory
	logger  *slog.Logger
}

// Start binds ep, registers it with rea for read-readiness, and prints
// the §6 startup line to stdout on success. An error here is a
// listener setup error (§7): fatal to this listener only.
func Start(rea *reactor.Reactor, ep addrutil.Endpoint, backlog int, factory *bridge.Factory, logger *slog.Logger) (*Listener, error) {
	fd, err := sock.Listen(ep, backlog)
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen on %s: %w", ep, err)
	}
	bound, err := sock.LocalAddr(fd)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("acceptor: local address of listener on %s: %w", ep, err)
	}
	l := &Listener{fd: fd, addr: bound, rea: rea, factory: factory, logger: logger.With("listener", bound.String())}
	if err := rea.Register(fd.Fd(), reactor.Readable, l.onReadable); err != nil {
		fd.Close()
		return nil, fmt.Errorf("acceptor: register listener on %s: %w", bound, err)
	}
	fmt.Fprintf(os.Stdout, "Listener %d listening on %s\n", fd.Fd(), bound.String())
	return l, nil
}

// onReadable accepts as many connections as the kernel will give until
// would-block, handing each to the Bridge factory. A single accept
// failure ends only this burst; the listener stays registered and
// will fire again on the next inbound connection (§4.5, §7, §8 S4/S5).
func (l *Listener) onReadable(readable, writable bool) {
	for {
		conn, peer, err := sock.Accept(l.fd)
		if err != nil {
			if errors.Is(err, sock.ErrWouldBlock) {
				return
			}
			l.logger.Error("accept failed, ending this burst", "err", err)
			return
		}
		if _, err := l.factory.Start(conn, peer); err != nil {
			l.logger.Error("bridge start failed", "peer", peer.String(), "err", err)
			continue
		}
		l.logger.Debug("bridge started", "peer", peer.String())
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() addrutil.Endpoint {
	return l.addr
}

// Close unregisters and closes the listener socket. Nothing in the
// program calls it; listeners live for the process lifetime per §5.
func (l *Listener) Close() error {
	l.rea.Unregister(l.fd.Fd())
	return l.fd.Close()
}

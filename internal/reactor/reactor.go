//go:build linux

// Package reactor implements the single-threaded, level-triggered
// readiness dispatcher described in §4.4 of the bridge specification.
// It is grounded on the teacher's epoll-based zero-copy transfer loop
// (zero_copy_epoll_linux.go), generalized from a single fixed src/dst
// pair into a general-purpose registry so that many Bridges — and the
// acceptor's listeners — can share one epoll instance and one thread.
package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventMask is the set of readiness events a descriptor is watched for.
type EventMask uint32

const (
	// Readable requests notification when the descriptor has data to
	// read, has been half-closed for reading by the peer, or has
	// encountered an error.
	Readable EventMask = unix.EPOLLIN
	// Writable requests notification when the descriptor can accept a
	// write, or has encountered an error.
	Writable EventMask = unix.EPOLLOUT
)

// watchFlags returns the underlying epoll event bits registered for a
// logical mask, including the hangup/error conditions both pipe
// directions need to notice promptly.
func watchFlags(mask EventMask) uint32 {
	flags := uint32(mask)
	if mask != 0 {
		flags |= unix.EPOLLRDHUP
	}
	return flags
}

// Callback is invoked with which of the registered events fired.
// Readable/writable may both be true in the same call (e.g. on error).
type Callback func(readable, writable bool)

type entry struct {
	mask   EventMask // logical mask currently requested (0 == paused)
	cb     Callback
	paused bool // true once EPOLL_CTL_DEL'd via Reset(fd, 0)
}

// Reactor is the process-wide epoll loop. It is the only object in the
// system accessed from more than one Bridge, and it is accessed only
// from its own thread: all registration calls below must be made from
// inside the Run loop (i.e. from a callback) or before Run starts.
type Reactor struct {
	epfd    int
	entries map[int]*entry
}

// New creates a Reactor backed by a fresh epoll instance.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Reactor{epfd: epfd, entries: make(map[int]*entry)}, nil
}

// Register begins watching fd for the events in mask, invoking cb on
// every readiness transition. Per §9's design note, the dispatcher
// holds only the fd as an identifier; the caller (a Bridge or
// listener) owns the descriptor and the callback closure.
func (r *Reactor) Register(fd int, mask EventMask, cb Callback) error {
	if _, exists := r.entries[fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: watchFlags(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}
	r.entries[fd] = &entry{mask: mask, cb: cb}
	return nil
}

// Reset changes the watched event mask for fd. An empty mask pauses
// watching without forgetting the registration (token-equivalent to
// keeping the fd in the table but out of epoll's interest list).
func (r *Reactor) Reset(fd int, mask EventMask) error {
	e, ok := r.entries[fd]
	if !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	if mask == e.mask && e.paused == (mask == 0) {
		return nil
	}
	switch {
	case mask == 0:
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("reactor: epoll_ctl(DEL, %d): %w", fd, err)
		}
		e.paused = true
	case e.paused:
		ev := unix.EpollEvent{Events: watchFlags(mask), Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
		}
		e.paused = false
	default:
		ev := unix.EpollEvent{Events: watchFlags(mask), Fd: int32(fd)}
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return fmt.Errorf("reactor: epoll_ctl(MOD, %d): %w", fd, err)
		}
	}
	e.mask = mask
	return nil
}

// Unregister stops watching fd and releases its bookkeeping. Safe to
// call from within a callback for a *different* fd than the one
// currently firing (a Bridge tearing itself down while handling a
// readiness event on its peer's descriptor is the common case).
func (r *Reactor) Unregister(fd int) {
	e, ok := r.entries[fd]
	if !ok {
		return
	}
	if !e.paused {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	delete(r.entries, fd)
}

// Run processes readiness events until no watched descriptors remain.
// It blocks in epoll_wait between bursts of activity rather than
// busy-spinning, and tolerates a callback unregistering other fds
// mid-batch by re-checking liveness before each dispatch.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, 256)
	for len(r.entries) > 0 {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			e, ok := r.entries[fd]
			if !ok || e.paused {
				// Unregistered or paused by an earlier callback in this
				// same batch; the event no longer has an owner.
				continue
			}
			flags := events[i].Events
			readable := flags&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0
			writable := flags&(unix.EPOLLOUT|unix.EPOLLERR) != 0
			e.cb(readable, writable)
		}
	}
	return nil
}

// Close releases the epoll instance. Call only after Run returns.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

//go:build linux

package sock

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer wraps a non-blocking timerfd(2): a periodic tick delivered as
// plain readability, so the single-threaded reactor can drive a
// recurring sweep (idle-connection reaping) without a second thread or
// goroutine touching its state.
type Timer struct {
	fd int
}

// NewTimer creates a Timer that fires every interval on the monotonic
// clock, starting after one interval has elapsed.
func NewTimer(interval time.Duration) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sock: timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sock: timerfd_settime: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the raw descriptor, for registration with package reactor.
func (t *Timer) Fd() int { return t.fd }

// Drain reads and discards the expiration counter so epoll stops
// reporting this descriptor as readable until the next tick.
func (t *Timer) Drain() error {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	return wrapErrno(err)
}

// Close releases the timer.
func (t *Timer) Close() error {
	return unix.Close(t.fd)
}

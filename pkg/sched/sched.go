// Package sched implements the explicit scheduling-strategy parameter
// called for in spec.md §9: rather than detecting at runtime whether the
// caller happens to be inside a cooperative coroutine context, the caller
// chooses "blocking" or "yield-on-fd-readable" once, at connection open.
package sched

import (
	"fmt"
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// Strategy is how a Waiter blocks while awaiting readability of a
// connection's underlying file descriptor (the control socket, or an
// RDMA completion channel fd).
type Strategy int

const (
	// Blocking performs a plain blocking read/poll call.
	Blocking Strategy = iota
	// YieldOnFDReadable polls the fd with a bounded timeout in a loop,
	// so the calling goroutine never blocks the runtime for longer than
	// one poll interval — useful when the caller must cooperatively
	// interleave with other work on the same OS thread.
	YieldOnFDReadable
)

// Waiter waits for a net.Conn's underlying fd to become readable,
// according to the chosen Strategy.
type Waiter struct {
	strategy Strategy
	fd       int
	interval time.Duration
}

// DefaultPollInterval bounds how long a single YieldOnFDReadable poll
// waits before yielding back to the caller.
const DefaultPollInterval = 20 * time.Millisecond

// New extracts conn's raw fd (via netfd, as the teacher's exporter does
// for Prometheus TCPInfo collection) and returns a Waiter using strategy.
func New(conn net.Conn, strategy Strategy) (*Waiter, error) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return nil, fmt.Errorf("sched: could not extract fd from connection")
	}
	return &Waiter{strategy: strategy, fd: fd, interval: DefaultPollInterval}, nil
}

// WaitReadable blocks until the fd is readable. Under Blocking it issues a
// single unix.Poll with no timeout; under YieldOnFDReadable it polls in a
// loop with DefaultPollInterval, so a caller sharing the OS thread with
// other cooperative work gets a chance to run between polls.
func (w *Waiter) WaitReadable() error {
	fds := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}

	switch w.strategy {
	case Blocking:
		for {
			n, err := unix.Poll(fds, -1)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fmt.Errorf("sched: poll: %w", err)
			}
			if n > 0 {
				return nil
			}
		}
	case YieldOnFDReadable:
		for {
			fds[0].Revents = 0
			n, err := unix.Poll(fds, int(w.interval/time.Millisecond))
			if err != nil && err != unix.EINTR {
				return fmt.Errorf("sched: poll: %w", err)
			}
			if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
				return nil
			}
		}
	default:
		return fmt.Errorf("sched: unknown strategy %d", w.strategy)
	}
}

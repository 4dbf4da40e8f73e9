// Package eventloop is the event-loop helper the pump drives:
// multiplexed readiness notification across the queue eventfds and
// the stats timerfd. Two backends are provided: a default epoll-based
// one built from golang.org/x/sys/unix, and an io_uring POLL_ADD based
// one selected with -tags giouring, mirroring how the teacher project
// swaps its real io_uring ring in behind the same build tag.
package eventloop

import "errors"

// ErrClosed is returned by Wait after Close.
var ErrClosed = errors.New("eventloop: closed")

// Pump multiplexes readiness across a fixed set of registered fds.
type Pump interface {
	// Register arms fd for level-triggered readiness, associated with
	// the opaque tag returned by Wait when it fires.
	Register(fd int, tag uint64) error

	// Deregister removes fd from the pump.
	Deregister(fd int) error

	// Wait blocks until one registered fd is ready and returns its
	// tag. It returns ErrClosed after Close.
	Wait() (tag uint64, err error)

	// Close releases the pump's resources.
	Close() error
}

// New constructs the default Pump for this build. Which backend gets
// compiled in is decided by the giouring build tag.
func New() (Pump, error) {
	return newBackend()
}

package poller

import "errors"

// ErrClosed is returned by Wait, Wake and Close once the poller is closed
var ErrClosed = errors.New("poller: closed")

// EventMask is a set of readiness conditions and delivery flags
type EventMask uint32

// Readiness conditions
const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventPeerClosed // peer shut down its writing half
	EventError      // error or hangup
)

// Delivery flags
const (
	// EdgeTriggered delivers once per state transition; the handler must
	// drain the descriptor until it would block before waiting again
	EdgeTriggered EventMask = 1 << (iota + 8)

	// OneShot disables the descriptor after one delivery until Modify re-arms it
	OneShot
)

// Event is one ready descriptor returned by Wait
type Event struct {
	Fd   int
	Mask EventMask
}

// Has reports whether any condition in m is set on the event
func (e Event) Has(m EventMask) bool { return e.Mask&m != 0 }

// Poller is the I/O multiplexing interface
type Poller interface {
	Register(fd int, mask EventMask) error
	Modify(fd int, mask EventMask) error
	Deregister(fd int) error

	// Wait blocks until at least one descriptor is ready, Wake is called,
	// or timeoutMs elapses (-1 waits forever). The returned slice is reused
	// by the next call.
	Wait(timeoutMs int) ([]Event, error)

	// Wake interrupts a concurrent or subsequent Wait
	Wake() error

	Close() error
}

// String renders the mask for log lines
func (m EventMask) String() string {
	if m == 0 {
		return "none"
	}
	names := []struct {
		bit  EventMask
		name string
	}{
		{EventRead, "read"},
		{EventWrite, "write"},
		{EventPeerClosed, "rdhup"},
		{EventError, "error"},
		{EdgeTriggered, "et"},
		{OneShot, "oneshot"},
	}

	s := ""
	for _, n := range names {
		if m&n.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	return s
}

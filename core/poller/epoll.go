//go:build linux

package poller

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

const defaultMaxEvents = 1024

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
	ready  []Event

	// Guards wakefd against Wake racing Close
	mu     sync.RWMutex
	closed bool
}

// NewPoller creates a new Poller (Linux). maxEvents bounds how many ready
// descriptors one Wait call can report.
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
		ready:  make([]Event, 0, maxEvents),
	}, nil
}

// Register adds a file descriptor to the interest set
func (p *EpollPoller) Register(fd int, mask EventMask) error {
	if fd < 0 {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest set of a registered descriptor and re-arms
// one-shot descriptors
func (p *EpollPoller) Modify(fd int, mask EventMask) error {
	if fd < 0 {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Deregister removes a file descriptor from the interest set
func (p *EpollPoller) Deregister(fd int) error {
	if fd < 0 {
		return unix.EBADF
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events
func (p *EpollPoller) Wait(timeoutMs int) ([]Event, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		p.ready = append(p.ready, Event{Fd: fd, Mask: fromEpoll(p.events[i].Events)})
	}

	return p.ready, nil
}

// Wake makes the current or next Wait return
func (p *EpollPoller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	_, err := unix.Write(p.wakefd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		// Counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (p *EpollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close closes the Poller. Wait, Wake and Close after it return ErrClosed.
func (p *EpollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	return err
}

func toEpoll(m EventMask) uint32 {
	var ev uint32
	if m&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if m&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	if m&EventPeerClosed != 0 {
		ev |= unix.EPOLLRDHUP
	}
	if m&EventError != 0 {
		ev |= unix.EPOLLERR | unix.EPOLLHUP
	}
	if m&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	if m&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func fromEpoll(ev uint32) EventMask {
	var m EventMask
	if ev&unix.EPOLLIN != 0 {
		m |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		m |= EventWrite
	}
	if ev&unix.EPOLLRDHUP != 0 {
		m |= EventPeerClosed
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		m |= EventError
	}
	return m
}

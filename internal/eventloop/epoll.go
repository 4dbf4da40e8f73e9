//go:build !giouring

package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollPump is the default Pump backend: a single epoll instance in
// level-triggered mode, one EPOLLIN registration per fd.
type epollPump struct {
	epfd int

	mu     sync.Mutex
	tags   map[int]uint64
	closed bool
}

func newBackend() (Pump, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPump{epfd: epfd, tags: make(map[int]uint64)}, nil
}

func (p *epollPump) Register(fd int, tag uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tags[fd] = tag
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPump) Deregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tags, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPump) Wait() (uint64, error) {
	var events [1]unix.EpollEvent
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, ErrClosed
		}

		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			continue
		}

		fd := int(events[0].Fd)
		p.mu.Lock()
		tag, ok := p.tags[fd]
		p.mu.Unlock()
		if !ok {
			// Raced with Deregister; retry.
			continue
		}
		return tag, nil
	}
}

func (p *epollPump) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return unix.Close(p.epfd)
}

//go:build linux

// Package poller wraps epoll for the event loop. It knows nothing about
// connections or buffers; it only ever deals in file descriptors and
// interest masks.
package poller

import (
	"golang.org/x/sys/unix"
)

// Event is the readiness mask delivered for one fd.
type Event uint32

const (
	// EventReadable fires on EPOLLIN or EPOLLRDHUP.
	EventReadable Event = 1 << iota
	// EventWritable fires on EPOLLOUT.
	EventWritable
	// EventError fires on EPOLLERR.
	EventError
	// EventClosed fires on EPOLLHUP.
	EventClosed
)

// Poller is a thin epoll wrapper: one epoll instance, add/modify/remove
// by fd, and a blocking Poll call that reports ready fds.
type Poller struct {
	epfd int
	// events is reused across Poll calls to avoid an allocation per
	// wakeup.
	events []unix.EpollEvent
}

// New creates an epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: epfd, events: make([]unix.EpollEvent, 128)}, nil
}

func toEpollMask(readable, writable bool) uint32 {
	var mask uint32 = unix.EPOLLRDHUP
	if readable {
		mask |= unix.EPOLLIN
	}
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Add registers fd for the given interest.
func (p *Poller) Add(fd int, readable, writable bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpollMask(readable, writable),
	})
}

// Modify updates fd's interest mask.
func (p *Poller) Modify(fd int, readable, writable bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpollMask(readable, writable),
	})
}

// Remove deregisters fd. It is not an error to remove an fd that was
// already closed out from under the poller.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Poll blocks up to timeoutMs (or indefinitely when negative) and
// invokes cb once per ready fd with its readiness mask.
func (p *Poller) Poll(timeoutMs int, cb func(fd int, ev Event)) error {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		e := p.events[i]
		var ev Event
		if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ev |= EventReadable
		}
		if e.Events&unix.EPOLLOUT != 0 {
			ev |= EventWritable
		}
		if e.Events&unix.EPOLLERR != 0 {
			ev |= EventError
		}
		if e.Events&unix.EPOLLHUP != 0 {
			ev |= EventClosed
		}
		cb(int(e.Fd), ev)
	}
	if n == len(p.events) {
		// Every slot was used; grow so a busy loop doesn't starve
		// fds that didn't fit this round.
		p.events = make([]unix.EpollEvent, len(p.events)*2)
	}
	return nil
}

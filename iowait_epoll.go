//go:build linux

package beep

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend implements ioBackend over epoll, level-triggered, as named
// in §4.4. The epoll fd itself is created CLOEXEC per §6's socket-level
// configuration note.
type epollBackend struct {
	epfd     int
	watching map[int]uint32 // fd -> registered event mask
}

func newEpollBackend() (*epollBackend, bool) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, false
	}
	return &epollBackend{epfd: fd, watching: make(map[int]uint32)}, true
}

func (b *epollBackend) register(fd int, events uint32) {
	existing, present := b.watching[fd]
	op := unix.EPOLL_CTL_ADD
	if present {
		op = unix.EPOLL_CTL_MOD
		events |= existing
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, op, fd, &ev); err == nil {
		b.watching[fd] = events
	}
}

func (b *epollBackend) addRead(fd int)  { b.register(fd, unix.EPOLLIN) }
func (b *epollBackend) addWrite(fd int) { b.register(fd, unix.EPOLLOUT) }

func (b *epollBackend) remove(fd int) {
	if _, ok := b.watching[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(b.watching, fd)
}

// clear drops every watched fd and recreates the epoll fd, per §4.4's note
// that a back-end swap should leave readiness semantics intact rather
// than accumulate stale registrations.
func (b *epollBackend) clear() {
	_ = unix.Close(b.epfd)
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err == nil {
		b.epfd = fd
	}
	b.watching = make(map[int]uint32)
}

func (b *epollBackend) close() error {
	return unix.Close(b.epfd)
}

func (b *epollBackend) wait(timeout time.Duration) ([]readyFD, error) {
	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(b.epfd, events, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]readyFD, 0, n)
	for _, ev := range events[:n] {
		r := readyFD{fd: int(ev.Fd)}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0 {
			r.readable = true
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.writable = true
		}
		if ev.Events&unix.EPOLLERR != 0 {
			r.errored = true
		}
		ready = append(ready, r)
	}
	return ready, nil
}

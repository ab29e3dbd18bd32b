//go:build unix

package beep

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend implements ioBackend over unix.Poll, using a growable
// []unix.PollFd plus a map from each fd to its index in that slice. It
// keeps no session array; the caller associates sessions with fds itself.
type pollBackend struct {
	fds []unix.PollFd
	idx map[int]int // fd -> index into fds
}

func newPollBackend() (*pollBackend, bool) {
	return &pollBackend{idx: make(map[int]int)}, true
}

func (b *pollBackend) entry(fd int) *unix.PollFd {
	if i, ok := b.idx[fd]; ok {
		return &b.fds[i]
	}
	b.idx[fd] = len(b.fds)
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd)})
	return &b.fds[len(b.fds)-1]
}

func (b *pollBackend) addRead(fd int) {
	e := b.entry(fd)
	e.Events |= unix.POLLIN
}

func (b *pollBackend) addWrite(fd int) {
	e := b.entry(fd)
	e.Events |= unix.POLLOUT
}

func (b *pollBackend) remove(fd int) {
	i, ok := b.idx[fd]
	if !ok {
		return
	}
	last := len(b.fds) - 1
	b.fds[i] = b.fds[last]
	b.fds = b.fds[:last]
	delete(b.idx, fd)
	if i < len(b.fds) {
		b.idx[int(b.fds[i].Fd)] = i
	}
}

func (b *pollBackend) clear() {
	b.fds = b.fds[:0]
	b.idx = make(map[int]int)
}

func (b *pollBackend) close() error { return nil }

func (b *pollBackend) wait(timeout time.Duration) ([]readyFD, error) {
	if len(b.fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	n, err := unix.Poll(b.fds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	var ready []readyFD
	for _, pfd := range b.fds {
		if pfd.Revents == 0 {
			continue
		}
		r := readyFD{fd: int(pfd.Fd)}
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			r.readable = true
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			r.writable = true
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			r.errored = true
		}
		ready = append(ready, r)
	}
	return ready, nil
}

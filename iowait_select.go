//go:build unix

package beep

import (
	"time"

	"golang.org/x/sys/unix"
)

// selectBackend implements ioBackend over unix.Select, the universal
// fallback named in §4.4. It rejects fds at or above FD_SETSIZE, which
// the poll and epoll back-ends don't need to worry about.
type selectBackend struct {
	read  map[int]bool
	write map[int]bool
}

func newSelectBackend() *selectBackend {
	return &selectBackend{read: make(map[int]bool), write: make(map[int]bool)}
}

func (b *selectBackend) addRead(fd int) {
	if fd < unix.FD_SETSIZE {
		b.read[fd] = true
	}
}

func (b *selectBackend) addWrite(fd int) {
	if fd < unix.FD_SETSIZE {
		b.write[fd] = true
	}
}

func (b *selectBackend) remove(fd int) {
	delete(b.read, fd)
	delete(b.write, fd)
}

func (b *selectBackend) clear() {
	b.read = make(map[int]bool)
	b.write = make(map[int]bool)
}

func (b *selectBackend) close() error { return nil }

func (b *selectBackend) wait(timeout time.Duration) ([]readyFD, error) {
	if len(b.read) == 0 && len(b.write) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	// §4.4 names fixed per-call bounds for this back-end: 500ms when any
	// fd is awaiting read-readiness, 1s when only writers are pending.
	// The caller-supplied timeout is honored when tighter, clamped
	// otherwise, so no select call ever blocks past the mandated bound.
	bound := selectReadTimeout
	if len(b.read) == 0 {
		bound = selectWriteTimeout
	}
	if timeout <= 0 || timeout > bound {
		timeout = bound
	}

	var rfds, wfds unix.FdSet
	maxFD := 0
	for fd := range b.read {
		fdSetAdd(&rfds, fd)
		if fd > maxFD {
			maxFD = fd
		}
	}
	for fd := range b.write {
		fdSetAdd(&wfds, fd)
		if fd > maxFD {
			maxFD = fd
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &rfds, &wfds, nil, &tv)
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
	for fd := range b.read {
		if fdSetIsSet(&rfds, fd) {
			ready = append(ready, readyFD{fd: fd, readable: true})
		}
	}
	for fd := range b.write {
		if fdSetIsSet(&wfds, fd) {
			ready = append(ready, readyFD{fd: fd, writable: true})
		}
	}
	return ready, nil
}

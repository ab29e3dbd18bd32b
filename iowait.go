//go:build unix

package beep

import "time"

// ioBackend is the pluggable readiness back-end named in §4.4. Exactly
// one implementation is active per Context at a time, swappable at
// runtime via Context.SetIOBackend. All three concrete back-ends
// (select, poll, epoll) satisfy this interface; which ones compile in is
// controlled by Go build tags per file.
type ioBackend interface {
	// addRead registers fd for read-readiness notification.
	addRead(fd int)
	// addWrite registers fd for write-readiness notification.
	addWrite(fd int)
	// remove drops fd from the watched set entirely.
	remove(fd int)
	// wait blocks up to timeout for any watched fd to become ready,
	// returning the ready set. A zero-length result with a nil error means
	// the bounded wait elapsed with nothing ready.
	wait(timeout time.Duration) ([]readyFD, error)
	// clear drops every watched fd, recreating any backing OS handle.
	// Context.SetIOBackend does not call it; a swap installs a freshly
	// constructed back-end instead.
	clear()
	// close releases the back-end's OS resources.
	close() error
}

// readyFD reports one fd's observed readiness after a wait call.
type readyFD struct {
	fd        int
	readable  bool
	writable  bool
	errored   bool
}

// newIOBackend resolves IOBackendAuto to a concrete implementation and
// constructs it; epoll on Linux, poll elsewhere on Unix, select as the
// universal fallback, matching the priority named in §4.4's "back-ends
// are build-tag-selected" note.
func newIOBackend(b IOBackend) ioBackend {
	switch b {
	case IOBackendEpoll:
		if be, ok := newEpollBackend(); ok {
			return be
		}
		return newSelectBackend()
	case IOBackendPoll:
		if be, ok := newPollBackend(); ok {
			return be
		}
		return newSelectBackend()
	case IOBackendSelect:
		return newSelectBackend()
	default: // IOBackendAuto
		if be, ok := newEpollBackend(); ok {
			return be
		}
		if be, ok := newPollBackend(); ok {
			return be
		}
		return newSelectBackend()
	}
}

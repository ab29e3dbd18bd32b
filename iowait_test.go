//go:build unix

package beep

import (
	"os"
	"testing"
	"time"
)

// backendCases returns every concrete ioBackend this platform builds, so
// the readiness contract is exercised identically across select/poll/epoll.
func backendCases(t *testing.T) map[string]ioBackend {
	t.Helper()
	cases := map[string]ioBackend{
		"select": newSelectBackend(),
	}
	if be, ok := newPollBackend(); ok {
		cases["poll"] = be
	}
	if be, ok := newEpollBackend(); ok {
		cases["epoll"] = be
	}
	return cases
}

func TestIOBackendReportsReadReadiness(t *testing.T) {
	for name, be := range backendCases(t) {
		name, be := name, be
		t.Run(name, func(t *testing.T) {
			r, w, err := os.Pipe()
			if err != nil {
				t.Fatalf("os.Pipe: %v", err)
			}
			defer r.Close()
			defer w.Close()
			defer be.close()

			rfd := int(r.Fd())
			be.addRead(rfd)

			if _, err := w.Write([]byte("x")); err != nil {
				t.Fatalf("write: %v", err)
			}

			ready, err := be.wait(time.Second)
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
			var found bool
			for _, rdy := range ready {
				if rdy.fd == rfd && rdy.readable {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected fd %d reported readable, got %+v", rfd, ready)
			}
		})
	}
}

func TestIOBackendWaitTimesOutWhenIdle(t *testing.T) {
	for name, be := range backendCases(t) {
		name, be := name, be
		t.Run(name, func(t *testing.T) {
			r, w, err := os.Pipe()
			if err != nil {
				t.Fatalf("os.Pipe: %v", err)
			}
			defer r.Close()
			defer w.Close()
			defer be.close()

			be.addRead(int(r.Fd()))
			start := time.Now()
			ready, err := be.wait(50 * time.Millisecond)
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
			if len(ready) != 0 {
				t.Fatalf("expected no ready fds on an idle pipe, got %+v", ready)
			}
			if time.Since(start) < 50*time.Millisecond {
				t.Fatalf("wait returned before its timeout elapsed")
			}
		})
	}
}

func TestIOBackendRemoveDropsFD(t *testing.T) {
	for name, be := range backendCases(t) {
		name, be := name, be
		t.Run(name, func(t *testing.T) {
			r, w, err := os.Pipe()
			if err != nil {
				t.Fatalf("os.Pipe: %v", err)
			}
			defer r.Close()
			defer w.Close()
			defer be.close()

			rfd := int(r.Fd())
			be.addRead(rfd)
			be.remove(rfd)

			if _, err := w.Write([]byte("x")); err != nil {
				t.Fatalf("write: %v", err)
			}
			ready, err := be.wait(50 * time.Millisecond)
			if err != nil {
				t.Fatalf("wait: %v", err)
			}
			for _, rdy := range ready {
				if rdy.fd == rfd {
					t.Fatalf("removed fd %d should not be reported ready", rfd)
				}
			}
		})
	}
}

func TestNewIOBackendFallsBackToSelect(t *testing.T) {
	be := newIOBackend(IOBackendSelect)
	if _, ok := be.(*selectBackend); !ok {
		t.Fatalf("IOBackendSelect should always resolve to *selectBackend, got %T", be)
	}
}

func TestNewIOBackendAutoPicksSomething(t *testing.T) {
	be := newIOBackend(IOBackendAuto)
	if be == nil {
		t.Fatalf("IOBackendAuto must resolve to a concrete backend")
	}
}

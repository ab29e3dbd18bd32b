//go:build unix && !linux

package beep

import "time"

// newEpollBackend reports false on non-Linux Unix platforms; newIOBackend
// falls back to poll there.
func newEpollBackend() (*epollBackend, bool) { return nil, false }

type epollBackend struct{}

func (b *epollBackend) addRead(fd int)                           {}
func (b *epollBackend) addWrite(fd int)                          {}
func (b *epollBackend) remove(fd int)                            {}
func (b *epollBackend) clear()                                   {}
func (b *epollBackend) close() error                             { return nil }
func (b *epollBackend) wait(d time.Duration) ([]readyFD, error) { return nil, nil }

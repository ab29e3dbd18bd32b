// Package beep implements the session-level engine of a BEEP (RFC
// 3080/3081) peer: frame encoding and decoding, the MIME sub-layer
// carried in frame payloads, a context-wide greetings cache, reference-
// counted sessions and channels with windowed flow control, and a
// pluggable select/poll/epoll readiness back-end.
//
// It does not implement any BEEP profile, the channel-management state
// machine, or a reader/writer scheduling loop; callers drive those from
// the Session and Channel primitives exposed here. Context selects which
// readiness back-end is installed (WithIOBackend, SetIOBackend); neither
// the Session read path nor any exported call waits on it.
package beep

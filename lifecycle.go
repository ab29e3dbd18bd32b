package beep

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// workerPool is the small, capped goroutine dispatcher used
// for the asynchronous portions of the lifecycle: close-handler fan-out
// (§4.5, §9) and DialAsync's threaded creation mode. No pack example
// imports a goroutine-pool library; every networking repo in the corpus
// dispatches with ad hoc `go func(){...}()` plus WaitGroup/refcount
// bookkeeping (teacher's keepAlive/janitor), which is what this does,
// with a semaphore only to bound worst-case concurrency.
type workerPool struct {
	sem chan struct{}
}

func newWorkerPool(limit int) *workerPool {
	if limit <= 0 {
		limit = 256
	}
	return &workerPool{sem: make(chan struct{}, limit)}
}

func (w *workerPool) Go(fn func()) {
	w.sem <- struct{}{}
	go func() {
		defer func() { <-w.sem }()
		fn()
	}()
}

// closeDispatch is the package-wide pool close-handlers and DialAsync
// callbacks run on.
var closeDispatch = newWorkerPool(256)

// ---- Frame I/O over a live session ----

// writeFrame encodes and sends a complete data frame, serialized against
// any concurrent writer by wmu.
func (s *Session) writeFrame(f *Frame) error {
	var buf bytes.Buffer
	if err := EncodeFrameFull(&buf, f); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.writeAll(buf.Bytes()); err != nil {
		return err
	}
	s.ctx.Metrics().IncrementFramesSent()
	return nil
}

// writeSeq encodes and sends a SEQ (flow-control) frame.
func (s *Session) writeSeq(sf *SeqFrame) error {
	var buf bytes.Buffer
	EncodeSeq(&buf, sf)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeAll(buf.Bytes())
}

// writeAll drives data through sendFn to completion, applying the
// write-retry backoff named in §5: on a temporary/timeout error it waits
// and retries, up to Config.writeRetryLimit cycles unless
// disableWriteRetryLimit is set, at which point it fatal-closes the
// session.
func (s *Session) writeAll(data []byte) error {
	cfg := s.ctx.cfg
	b := newBackoff(5*time.Millisecond, 200*time.Millisecond)
	retries := 0
	for len(data) > 0 {
		n, err := s.sendFn(s, data)
		if n > 0 {
			s.refMu.Lock()
			s.bytesSent += int64(n)
			s.refMu.Unlock()
			s.ctx.Metrics().IncrementBytesSent(int64(n))
			data = data[n:]
			b.Reset()
			continue
		}
		if err == nil {
			continue
		}
		if isTemporary(err) {
			retries++
			if !cfg.disableWriteRetryLimit && retries > cfg.writeRetryLimit {
				s.shutdown(StatusConnectionForcedClose, "write-retry limit exceeded")
				return fmt.Errorf("%w: write retries exhausted", ErrConnectionForcedClose)
			}
			b.Sleep()
			continue
		}
		return err
	}
	return nil
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// readDataFrame reads the next complete non-SEQ frame off the session's
// buffered reader: header line, exactly Size payload bytes, and the END
// trailer (§4.1 decoding steps). SEQ frames are interleaved on the same
// stream as flow-control-only notifications; they carry no payload/
// trailer of their own, so each one is consumed and applied to its
// channel's outbound window state in place, and the loop continues until
// a data frame's header is read.
func (s *Session) readDataFrame() (*Frame, error) {
	r := s.ensureReader()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		h, err := decodeHeaderLine(strings.TrimRight(line, "\r\n"))
		if err != nil {
			s.ctx.Metrics().IncrementProtocolErrors()
			return nil, err
		}
		if h.Type == FrameSEQ {
			s.touchIdle()
			s.applyIncomingSeq(h.Channel, h.Ackno, h.Window)
			continue
		}

		content := make([]byte, h.Size)
		if _, err := io.ReadFull(r, content); err != nil {
			return nil, err
		}
		trailer := make([]byte, len(frameTrailer))
		if _, err := io.ReadFull(r, trailer); err != nil {
			return nil, err
		}
		if !verifyTrailer(trailer) {
			s.ctx.Metrics().IncrementProtocolErrors()
			return nil, fmt.Errorf("%w: missing END trailer", ErrProtocolError)
		}

		f := &Frame{
			id:       s.ctx.nextFrameIDVal(),
			Type:     h.Type,
			Channel:  h.Channel,
			Msgno:    h.Msgno,
			More:     h.More,
			MoreChar: h.MoreChar,
			Seqno:    h.Seqno,
			Size:     h.Size,
			Ansno:    h.Ansno,
			Content:  content,
			Payload:  content,
		}
		_ = f.parseMime()

		s.ctx.Metrics().IncrementFramesReceived()
		s.refMu.Lock()
		s.bytesReceived += int64(len(line) + len(content) + len(trailer))
		s.refMu.Unlock()
		s.touchIdle()
		return f, nil
	}
}

// applyIncomingSeq updates the named channel's outbound flow-control
// state from a received SEQ frame; a SEQ naming an unknown (already
// closed) channel is silently ignored rather than treated as fatal.
func (s *Session) applyIncomingSeq(channel, ackno, window uint32) {
	if ch, ok := s.GetChannel(channel); ok {
		ch.applySeq(ackno, window)
	}
}

// dispatchFrame attaches a received data frame to its channel, enforcing
// invariant 5 (seqno+size must lie within the advertised receive window)
// before advancing the channel's expected-next-seqno. Consuming payload
// bytes narrows how much more the peer may send without hearing back, so
// every non-empty frame is acknowledged with a SEQ frame announcing the
// channel's now-current window, unless SEQ frames are disabled for this
// session.
func (s *Session) dispatchFrame(f *Frame) error {
	ch, ok := s.GetChannel(f.Channel)
	if !ok {
		return fmt.Errorf("%w: channel %d", ErrChannelNotFound, f.Channel)
	}
	if f.Seqno+f.Size > ch.maxAcceptedSeqno() {
		s.ctx.Metrics().IncrementProtocolErrors()
		s.shutdown(StatusProtocolError, "seqno outside advertised window")
		return fmt.Errorf("%w: channel %d", ErrSeqnoOutOfWindow, f.Channel)
	}
	ch.advanceRecv(f.Seqno, f.Size)
	f.channel = ch

	if f.Size > 0 && !s.seqFramesDisabled {
		ackno, window := ch.recvWindowState()
		if err := s.writeSeq(&SeqFrame{Channel: ch.number, Ackno: ackno, Window: window}); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage frames payload as a MSG on channel and writes it out,
// advancing the channel's outbound seqno. It is the minimal send path a
// profile implementation builds message semantics (msgno allocation,
// ANS/NUL replies) on top of; this engine only guarantees the frame
// reaches the wire correctly seqno-accounted.
func (s *Session) SendMessage(channel uint32, payload []byte) error {
	ch, ok := s.GetChannel(channel)
	if !ok {
		return fmt.Errorf("%w: channel %d", ErrChannelNotFound, channel)
	}
	ch.mu.Lock()
	ch.lastMsgno++
	msgno := ch.lastMsgno
	seqno := ch.sendNextSeqno
	ch.sendNextSeqno += uint32(len(payload))
	ch.mu.Unlock()

	f := &Frame{
		Type:     FrameMSG,
		Channel:  channel,
		Msgno:    msgno,
		MoreChar: '.',
		Seqno:    seqno,
		Payload:  payload,
		Size:     uint32(len(payload)),
	}
	return s.writeFrame(f)
}

// ReceiveFrame reads the next complete data frame and dispatches it
// through its channel's window check, returning the frame ready for the
// caller's (profile-level) handling.
func (s *Session) ReceiveFrame() (*Frame, error) {
	f, err := s.readDataFrame()
	if err != nil {
		return nil, err
	}
	if err := s.dispatchFrame(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ---- Socket creation with the sanity checks named in §4.6 step 2 ----

func rawFDOf(conn net.Conn) int {
	type syscallConner interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sc, ok := conn.(syscallConner)
	if !ok {
		return -1
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = rc.Control(func(p uintptr) { fd = int(p) })
	return fd
}

// probeFDHeadroom opens and immediately closes a throwaway fd to check
// the process isn't at or near its descriptor limit, per §4.6 step 2
// ("checked by attempting to create a probe socket and closing it").
func probeFDHeadroom(hardLimit int) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: probe failed: %v", ErrSocketSanityError, err)
	}
	defer r.Close()
	defer w.Close()
	if hardLimit > 0 && int(r.Fd()) >= hardLimit {
		return fmt.Errorf("%w: at or near fd limit (%d)", ErrSocketSanityError, hardLimit)
	}
	return nil
}

// dialWithSanity performs step 2-3 of creation: fd-limit probe, a
// non-blocking connect bounded by the configured connect timeout (via
// net.Dialer, which implements the EINPROGRESS/poll-for-writable pattern
// internally), rejection of sockets landing on reserved fds 0/1/2 when
// sanity checking is enabled, and TCP_NODELAY.
func dialWithSanity(ctx *Context, network string, ip net.IP, port string) (net.Conn, int, error) {
	cfg := ctx.cfg
	if err := probeFDHeadroom(cfg.hardFDLimit); err != nil {
		return nil, -1, err
	}

	dialer := &net.Dialer{
		Timeout: cfg.connectTimeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			if !cfg.sanityCheckFDs {
				return nil
			}
			var sanityErr error
			_ = c.Control(func(fd uintptr) {
				if fd <= 2 {
					sanityErr = fmt.Errorf("%w: candidate socket landed on reserved fd %d", ErrSocketSanityError, fd)
				}
			})
			return sanityErr
		},
	}

	addr := net.JoinHostPort(ip.String(), port)
	conn, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, -1, newStatusErr(StatusConnectionError, err.Error())
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, rawFDOf(conn), nil
}

// ---- Greetings exchange (§4.6 step 5) ----

// exchangeGreetings sends the local greeting, reads (and joins, on
// fragmentation) frames until a complete greeting document arrives,
// parses it via the greetings cache, and installs the result on the
// session. The whole exchange is bounded by the sync-op timeout; the
// connection's read/write deadline stands in for the "switch to
// blocking" step the spec describes, since net.Conn has no separate
// blocking/non-blocking mode to toggle.
func (s *Session) exchangeGreetings(localProfiles []string) error {
	deadline := time.Now().Add(s.ctx.cfg.syncOpTimeout)
	_ = s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})

	greeting := BuildGreeting("", "", s.filterLocalProfiles(localProfiles))
	// The greeting is carried as a reply on channel 0 (§8 scenario 1: "RPY
	// 0 0 . 0 94"), not a MSG — there is no corresponding request frame,
	// but BEEP fixes the greeting's frame type to RPY by convention.
	out := &Frame{Type: FrameRPY, Channel: 0, MoreChar: '.', Payload: greeting, Size: uint32(len(greeting))}
	if err := s.writeFrame(out); err != nil {
		return newStatusErr(StatusGreetingsFailure, err.Error())
	}

	var acc *Frame
	for {
		if time.Now().After(deadline) {
			return newStatusErr(StatusGreetingsFailure, "timed out waiting for greeting")
		}
		f, err := s.readDataFrame()
		if err != nil {
			return newStatusErr(StatusGreetingsFailure, err.Error())
		}
		if acc == nil {
			acc = f
		} else {
			joined, jerr := Join(acc, f)
			if jerr != nil {
				return newStatusErr(StatusGreetingsFailure, jerr.Error())
			}
			acc = joined
		}
		if !acc.More {
			break
		}
	}

	entry, err := s.ctx.greetings.parseAndCache(acc.Payload)
	if err != nil {
		return err
	}

	if _, err := s.ctx.runActions(s, StageProcessGreetingsFeatures); err != nil {
		return err
	}

	s.profileMu.Lock()
	s.greetingEntry = entry
	s.remoteProfiles = entry.Profiles
	s.localFeatures = entry.Features
	s.profileMu.Unlock()
	return nil
}

// ---- Creation path shared by Connect and Reconnect ----

func statusFromErr(err error) Status {
	var se *StatusErr
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusConnectionError
}

// establish runs steps 1-6 of §4.6's initiator creation path against an
// already-allocated Session, honoring stage actions (including
// replace-connection) along the way.
func (ctx *Context) establish(s *Session, network string, localProfiles []string) (*Session, error) {
	preferV6 := network == "tcp6"
	resolved, err := ctx.resolver.resolve(s.host, s.port, preferV6)
	if err != nil {
		return s, err
	}
	s.hostIP = resolved.pick()
	s.ipv6 = resolved.v6

	conn, rawFD, err := dialWithSanity(ctx, network, s.hostIP, s.port)
	if err != nil {
		return s, err
	}
	s.conn = conn
	s.rawFD = rawFD
	s.refMu.Lock()
	s.isConnected = true
	s.refMu.Unlock()
	if host, port, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
		s.localAddr, s.localPort = host, port
	}

	ch0 := NewChannel(0)
	if err := s.AddChannel(ch0, false); err != nil {
		return s, err
	}

	cur, err := ctx.runActions(s, StagePostCreated)
	if err != nil {
		return cur, err
	}

	if err := cur.exchangeGreetings(localProfiles); err != nil {
		return cur, err
	}

	final, err := ctx.runActions(cur, StagePostCreatedOK)
	if err != nil {
		return cur, err
	}
	sessionLog(final).Info("session established")
	return final, nil
}

// Connect creates and connects an initiator session against the shared
// Context's resolver and greetings caches, advertising localProfiles in
// its greeting.
func (ctx *Context) Connect(network, address string, localProfiles ...string) (*Session, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionError, err)
	}
	s := newSession(ctx, RoleInitiator)
	s.host, s.port = host, port

	final, err := ctx.establish(s, network, localProfiles)
	if err != nil {
		final.shutdown(statusFromErr(err), err.Error())
		return final, err
	}
	return final, nil
}

// ConnectAsync is the threaded creation mode: the work runs on the
// package's worker pool and cb is invoked with the resulting session.
func (ctx *Context) ConnectAsync(network, address string, cb func(*Session, error), localProfiles ...string) {
	closeDispatch.Go(func() {
		s, err := ctx.Connect(network, address, localProfiles...)
		cb(s, err)
	})
}

// Reconnect re-uses host/port/transport/user-data, discarding channels
// and pools (with the removed-notification path run on each), and
// re-runs the creation path on the existing Session object (§4.6
// Reconnect).
func (s *Session) Reconnect(localProfiles ...string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.channels != nil {
		var numbers []uint32
		s.ForeachChannel(func(ch *Channel) bool {
			numbers = append(numbers, ch.Number())
			return true
		})
		for _, n := range numbers {
			_, _ = s.RemoveChannel(n, true)
		}
	}
	if s.pools != nil {
		s.pools.reset()
	}
	s.pendingErrMu.Lock()
	s.pendingErr = nil
	s.pendingErrMu.Unlock()
	s.refMu.Lock()
	s.status = StatusOk
	s.message = ""
	s.refMu.Unlock()
	s.closeOnce = sync.Once{}
	s.reader = nil
	if s.conn != nil {
		_ = s.conn.Close()
	}

	network := "tcp"
	if s.ipv6 {
		network = "tcp6"
	}
	final, err := s.ctx.establish(s, network, localProfiles)
	if err != nil {
		final.shutdown(statusFromErr(err), err.Error())
		return err
	}
	return nil
}

// ---- Shutdown and close (§4.6 "Shutdown", "Close") ----

// shutdown flips is_connected false, records the outcome, fires the
// close-handler lists asynchronously (with the session refcount bumped
// for the duration, per §4.5), and closes the socket unless close_session
// is false. Idempotent: the second and later calls are no-ops.
func (s *Session) shutdown(status Status, msg string) {
	s.closeOnce.Do(func() {
		s.refMu.Lock()
		s.isConnected = false
		s.status = status
		s.message = msg
		closeSocket := s.closeSession
		s.refMu.Unlock()

		s.Ref("shutdown")
		closeDispatch.Go(func() {
			defer s.Unref("shutdown")
			s.fireCloseHandlers()
		})

		if closeSocket && s.conn != nil {
			_ = s.conn.Close()
		}
		sessionLog(s).WithField("status", status.String()).WithField("message", msg).Info("session shutdown")
	})
}

// fireCloseHandlers drains both handler lists FIFO, removing each before
// invoking it so a handler can never fire twice (invariant 8).
func (s *Session) fireCloseHandlers() {
	s.handlersMu.Lock()
	simple := s.closeSimple
	s.closeSimple = nil
	full := s.closeFull
	s.closeFull = nil
	s.handlersMu.Unlock()

	for _, fn := range simple {
		fn(s)
	}
	for _, h := range full {
		if h.fired {
			continue
		}
		h.fired = true
		h.fn(s, h.data)
	}
}

// Close performs BEEP's "friendly" close: every channel other than 0,
// then channel 0 itself, then shutdown. If any channel refuses to close
// the whole operation fails without shutting down (per §4.7's "returns
// failure if any close rejects").
func (s *Session) Close() error {
	if s.channels != nil {
		var others []uint32
		s.ForeachChannel(func(ch *Channel) bool {
			if ch.Number() != 0 {
				others = append(others, ch.Number())
			}
			return true
		})
		var failed []uint32
		for _, n := range others {
			if _, err := s.RemoveChannel(n, true); err != nil {
				failed = append(failed, n)
			}
		}
		if len(failed) > 0 {
			return fmt.Errorf("%w: channels %v refused to close", ErrProtocolError, failed)
		}
		if _, err := s.RemoveChannel(0, true); err != nil {
			return err
		}
	}
	s.shutdown(StatusConnectionCloseCalled, "close called")
	return nil
}

// ---- Listener (§4.6 "Creation (listener)", generalized from teacher's Listener) ----

// Listener accepts inbound BEEP sessions, completing the listener-role
// creation path (steps 2-6, minus resolving/dialing) for each. Live
// sessions are tracked in a sync.Map, reaped by a background janitor,
// mirroring the teacher's Listener.conns + janitor() shape.
type Listener struct {
	ctx           *Context
	ln            net.Listener
	localProfiles []string
	sessions      sync.Map // int64 -> *Session
	closeOnce     sync.Once
}

// Listen binds network/address and starts the janitor that prunes
// disconnected sessions.
func (ctx *Context) Listen(network, address string, localProfiles ...string) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionError, err)
	}
	l := &Listener{ctx: ctx, ln: ln, localProfiles: localProfiles}
	go l.janitor()
	return l, nil
}

// Accept blocks until the next peer completes the listener-role creation
// path (PRE_ACCEPT action, add channel 0, greetings exchange,
// POST_CREATED_OK action) and returns the resulting Session. Connections
// that fail any step are silently discarded and the loop continues.
func (l *Listener) Accept() (*Session, error) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}

		s := newSession(l.ctx, RoleListener)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		s.conn = conn
		s.rawFD = rawFDOf(conn)
		if host, port, splitErr := net.SplitHostPort(conn.RemoteAddr().String()); splitErr == nil {
			s.host, s.port = host, port
		}
		if host, port, splitErr := net.SplitHostPort(conn.LocalAddr().String()); splitErr == nil {
			s.localAddr, s.localPort = host, port
		}
		s.refMu.Lock()
		s.isConnected = true
		s.refMu.Unlock()

		cur, err := l.ctx.runActions(s, StagePreAccept)
		if err != nil {
			_ = conn.Close()
			continue
		}

		ch0 := NewChannel(0)
		if err := cur.AddChannel(ch0, false); err != nil {
			_ = conn.Close()
			continue
		}

		if err := cur.exchangeGreetings(l.localProfiles); err != nil {
			cur.shutdown(StatusGreetingsFailure, err.Error())
			continue
		}

		final, err := l.ctx.runActions(cur, StagePostCreatedOK)
		if err != nil {
			final.shutdown(statusFromErr(err), err.Error())
			continue
		}

		l.sessions.Store(final.id, final)
		sessionLog(final).Info("accepted session")
		return final, nil
	}
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close shuts down every tracked session and the underlying listener.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.sessions.Range(func(_, v any) bool {
			_ = v.(*Session).Close()
			return true
		})
		err = l.ln.Close()
	})
	return err
}

// janitor periodically drops sessions that are no longer connected from
// the live-session map, mirroring the teacher's idle-reaper goroutine
// (repurposed here to prune dead entries rather than enforce blob TTL).
func (l *Listener) janitor() {
	interval := l.ctx.cfg.acceptPollInterval * 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.cfg.ctx.Done():
			return
		case <-ticker.C:
			l.sessions.Range(func(k, v any) bool {
				if !v.(*Session).IsOk(false) {
					l.sessions.Delete(k)
				}
				return true
			})
		}
	}
}

// ---- Package-level convenience wrappers, mirroring the teacher's
// top-level Dial/Listen functions over an ephemeral Context. ----

// Dial is the blocking creation mode: it allocates a private Context from
// opts and connects.
func Dial(network, address string, opts ...Option) (*Session, error) {
	ctx := NewContext(opts...)
	return ctx.Connect(network, address)
}

// DialAsync is the threaded creation mode.
func DialAsync(network, address string, cb func(*Session, error), opts ...Option) {
	ctx := NewContext(opts...)
	ctx.ConnectAsync(network, address, cb)
}

// Listen allocates a private Context from opts and binds a listener.
func Listen(network, address string, opts ...Option) (*Listener, error) {
	ctx := NewContext(opts...)
	return ctx.Listen(network, address)
}

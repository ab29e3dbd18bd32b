package beep

import (
	"bufio"
	"fmt"
	"net"
	"reflect"
	"sync"
	"time"
)

// Role is the session's position in the connection: who dialed whom.
type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleListener
	RoleMasterListener
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleListener:
		return "listener"
	case RoleMasterListener:
		return "master-listener"
	default:
		return "unknown"
	}
}

// channelError is one entry in the per-session pending-error LIFO (§4.5
// "Error queue").
type channelError struct {
	status  Status
	message string
}

// closeFullHandler is one entry in the "full" (with user data) on-close
// handler list.
type closeFullHandler struct {
	fn      func(*Session, any)
	data    any
	fired   bool
	fnPtr   uintptr
	dataEq  any
}

// profileMaskEntry is one installed profile filter (§4.5 "Profile
// filtering").
type profileMaskEntry struct {
	id   int
	fn   ProfileMaskFunc
	data any
}

// ProfileMaskFunc predicates whether a profile/channel-start should be
// hidden or rejected. The first mask to report filtered=true wins.
type ProfileMaskFunc func(channelNumber uint32, uri, content, encoding, serverName string, frame *Frame, data any) (filtered bool, errMsg string)

// Session is the central per-connection object (§3, §4.5): socket, role,
// channel table, pool table, user data, and every mutex serializing
// access to them. Grounded on the teacher's Conn struct (mutex set,
// atomic-ish flags, flush-style send path) generalized to BEEP's
// multi-channel, text-framed wire format.
type Session struct {
	ctx  *Context
	id   int64
	role Role

	host   string
	port   string
	hostIP net.IP
	ipv6   bool

	localAddr string
	localPort string

	conn  net.Conn
	rawFD int // -1 when not applicable (e.g. not yet connected)

	channels *channelTable // nil for master-listener sessions
	pools    *poolTable    // nil for master-listener sessions

	userData *dataDict
	optData  *dataDict

	profileMu      sync.Mutex
	remoteProfiles []string // borrowed from a GreetingsCacheEntry; never mutated
	greetingEntry  *GreetingsCacheEntry
	localFeatures  string
	localLocalize  string

	maskMu      sync.Mutex
	masks       []*profileMaskEntry
	nextMaskID  int

	handlersMu     sync.Mutex
	closeSimple    []func(*Session)
	closeFull      []*closeFullHandler
	channelAdded   []func(*Session, *Channel)
	channelRemoved []func(*Session, *Channel)

	opMu  sync.Mutex
	refMu sync.Mutex
	refs  int32

	pendingErrMu sync.Mutex
	pendingErr   []channelError

	isConnected  bool
	isBlocked    bool
	closeSession bool
	status       Status
	message      string

	bytesReceived int64
	bytesSent     int64
	lastIdleStamp time.Time

	seqFramesDisabled bool

	// Continuation state for a frame header/payload split across reads.
	partialHeader  string
	partialBody    []byte
	partialNeed    int
	havePartialHdr *header

	reader *bufio.Reader // lazily built over recvFn, for line-oriented header reads

	wmu sync.Mutex // serializes writes to conn

	sendFn func(*Session, []byte) (int, error)
	recvFn func(*Session, []byte) (int, error)

	prereadHook func(*Session)

	closeOnce sync.Once
}

// newSession allocates a Session owned by ctx, with refcount 1 held by
// the caller, per the lifecycle rule "created by connect/accept -> refcount
// 1 held by creator".
func newSession(ctx *Context, role Role) *Session {
	s := &Session{
		ctx:          ctx,
		id:           ctx.nextSessionID(),
		role:         role,
		rawFD:        -1,
		userData:     newDataDict(),
		optData:      newDataDict(),
		closeSession: true,
		refs:         1,
		lastIdleStamp: time.Now(),
	}
	if role != RoleMasterListener {
		s.channels = newChannelTable()
		s.pools = newPoolTable()
	}
	s.sendFn = defaultSend
	s.recvFn = defaultRecv
	return s
}

func defaultSend(s *Session, buf []byte) (int, error) { return s.conn.Write(buf) }
func defaultRecv(s *Session, buf []byte) (int, error) { return s.conn.Read(buf) }

// sessionReader adapts a Session's recvFn to io.Reader, so the frame
// decoder can layer a bufio.Reader over it for line-oriented header
// reads without bypassing a custom recv callback.
type sessionReader struct{ s *Session }

func (r sessionReader) Read(p []byte) (int, error) { return r.s.recvFn(r.s, p) }

// ensureReader lazily builds the buffered reader readDataFrame reads
// through, firing the preread hook (§6) exactly once, immediately before
// that reader performs its first read of the session.
func (s *Session) ensureReader() *bufio.Reader {
	if s.reader == nil {
		if s.prereadHook != nil {
			s.prereadHook(s)
		}
		s.reader = bufio.NewReader(sessionReader{s})
	}
	return s.reader
}

// ID returns the process-local monotonic session identity.
func (s *Session) ID() int64 { return s.id }

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// Host returns the remote host this session connects (or connected) to.
func (s *Session) Host() string { return s.host }

// Port returns the remote port.
func (s *Session) Port() string { return s.port }

func (s *Session) remoteAddrString() string {
	if s.conn != nil {
		return s.conn.RemoteAddr().String()
	}
	return net.JoinHostPort(s.host, s.port)
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr {
	if s.conn != nil {
		return s.conn.RemoteAddr()
	}
	return nil
}

// LocalAddr returns this session's local address.
func (s *Session) LocalAddr() net.Addr {
	if s.conn != nil {
		return s.conn.LocalAddr()
	}
	return nil
}

// SetSendCallback installs a custom send callback, replacing the default
// (net.Conn.Write). Per §6, profile/channel code may install one per
// session.
func (s *Session) SetSendCallback(fn func(*Session, []byte) (int, error)) {
	if fn != nil {
		s.sendFn = fn
	}
}

// SetRecvCallback installs a custom receive callback, replacing the
// default (net.Conn.Read).
func (s *Session) SetRecvCallback(fn func(*Session, []byte) (int, error)) {
	if fn != nil {
		s.recvFn = fn
	}
}

// SetPrereadHook installs a hook invoked before the reader first reads
// from the session post-accept.
func (s *Session) SetPrereadHook(fn func(*Session)) { s.prereadHook = fn }

// ---- Refcounting (§4.5 "Refcount") ----

// Ref increments the refcount unconditionally ("unchecked").
func (s *Session) Ref(who string) {
	s.refMu.Lock()
	s.refs++
	s.refMu.Unlock()
}

// RefChecked increments the refcount only if the session is still
// connected, returning false otherwise.
func (s *Session) RefChecked(who string) bool {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	if !s.isConnected {
		return false
	}
	s.refs++
	return true
}

// Unref decrements the refcount, freeing the session on the transition to
// zero (invariant 3: free happens exactly once).
func (s *Session) Unref(who string) {
	s.refMu.Lock()
	s.refs--
	dead := s.refs == 0
	s.refMu.Unlock()
	if dead {
		s.free()
	}
}

// RefCount reports the current refcount, for tests and diagnostics.
func (s *Session) RefCount() int32 {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.refs
}

func (s *Session) free() {
	s.userData.Clear()
	s.optData.Clear()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	sessionLog(s).Debug("session freed")
}

// ---- Status query (§4.5 "Status query") ----

// IsOk reports whether the session is connected and its socket is valid.
// If freeOnFail is true and the check fails, a close is scheduled.
func (s *Session) IsOk(freeOnFail bool) bool {
	s.refMu.Lock()
	ok := s.isConnected && s.conn != nil
	s.refMu.Unlock()
	if !ok && freeOnFail {
		s.shutdown(StatusConnectionError, "is_ok check failed")
	}
	return ok
}

// GetStatus returns the last recorded status.
func (s *Session) GetStatus() Status {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.status
}

// GetMessage returns the last recorded human-readable message.
func (s *Session) GetMessage() string {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.message
}

// BytesReceived / BytesSent report cumulative byte counters.
func (s *Session) BytesReceived() int64 { return s.bytesReceived }
func (s *Session) BytesSent() int64     { return s.bytesSent }

// LastIdleStamp reports the last time this session observed activity,
// used by synchronous-op and idle-timeout bookkeeping.
func (s *Session) LastIdleStamp() time.Time {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	return s.lastIdleStamp
}

func (s *Session) touchIdle() {
	s.refMu.Lock()
	s.lastIdleStamp = time.Now()
	s.refMu.Unlock()
}

// ---- Data dictionary (§4.5 "Data dictionary") ----

// SetData stores an application value under key, with an optional
// destructor run on overwrite or session free.
func (s *Session) SetData(key string, value any, destructor func(any)) {
	s.userData.Set(key, value, destructor)
}

// GetData retrieves an application value by key.
func (s *Session) GetData(key string) (any, bool) { return s.userData.Get(key) }

// DeleteKeyData removes an application value by key, running its
// destructor.
func (s *Session) DeleteKeyData(key string) { s.userData.Delete(key) }

// setOption/getOption are the internal-use counterpart to
// SetData/GetData, kept in a separate dict per the design notes' split of
// internal bookkeeping from application data.
func (s *Session) setOption(key string, value any) { s.optData.Set(key, value, nil) }
func (s *Session) getOption(key string) (any, bool) { return s.optData.Get(key) }

// ---- Channel access (§4.5 "Channel access") ----

// GetChannel looks up a channel by number.
func (s *Session) GetChannel(number uint32) (*Channel, bool) {
	if s.channels == nil {
		return nil, false
	}
	return s.channels.get(number)
}

// ChannelExists reports whether a channel number is present.
func (s *Session) ChannelExists(number uint32) bool {
	_, ok := s.GetChannel(number)
	return ok
}

// ChannelsCount returns how many channels the session currently has.
func (s *Session) ChannelsCount() int {
	if s.channels == nil {
		return 0
	}
	return s.channels.count()
}

// ForeachChannel visits every channel; fn returning false stops iteration
// early.
func (s *Session) ForeachChannel(fn func(*Channel) bool) {
	if s.channels == nil {
		return
	}
	s.channels.foreach(fn)
}

// GetChannelByURI returns the first channel running the given profile.
func (s *Session) GetChannelByURI(uri string) *Channel {
	if s.channels == nil {
		return nil
	}
	return s.channels.byURI(uri)
}

// GetChannelByFunc generalizes GetChannelByURI to an arbitrary selector.
func (s *Session) GetChannelByFunc(sel func(*Channel) bool) *Channel {
	if s.channels == nil {
		return nil
	}
	return s.channels.bySelector(sel)
}

// GetChannelCount returns how many channels run the given profile.
func (s *Session) GetChannelCount(uri string) int {
	if s.channels == nil {
		return 0
	}
	return s.channels.countByURI(uri)
}

// GetNextChannel returns the next channel number the allocation policy
// would assign (odd for initiators, even for listeners, never 0).
func (s *Session) GetNextChannel() (uint32, error) {
	if s.channels == nil {
		return 0, fmt.Errorf("%w: session has no channel table", ErrWrongReference)
	}
	return s.channels.nextChannelNumber(s.role == RoleInitiator)
}

// ---- Channel table mutation (§4.5 "Channel table mutation", §4.7) ----

// AddChannel inserts ch into the table. Unless notify is false, the
// session's channel-added handlers fire after the insertion; the handler
// list is copied under the handler-list mutex and the handlers run with no
// mutex held, never the channel-table mutex, to avoid reentrancy deadlocks
// (§4.7). There are no context-wide channel-added handlers.
func (s *Session) AddChannel(ch *Channel, notify bool) error {
	if s.channels == nil {
		return fmt.Errorf("%w: session has no channel table", ErrWrongReference)
	}
	if err := s.channels.addChannel(ch); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.session = s
	ch.connected = true
	ch.mu.Unlock()
	ch.ref()

	if s.ctx != nil {
		s.ctx.Metrics().IncrementChannelsOpened()
	}
	if notify {
		s.fireChannelAdded(ch)
	}
	return nil
}

// RemoveChannel removes channel number from the table, firing the
// channel-removed handlers unless notify is false, and dropping the
// channel's table-held reference.
func (s *Session) RemoveChannel(number uint32, notify bool) (*Channel, error) {
	if s.channels == nil {
		return nil, fmt.Errorf("%w: session has no channel table", ErrWrongReference)
	}
	ch, ok := s.channels.removeChannel(number)
	if !ok {
		return nil, fmt.Errorf("%w: channel %d", ErrChannelNotFound, number)
	}
	ch.mu.Lock()
	ch.connected = false
	ch.mu.Unlock()

	if s.ctx != nil {
		s.ctx.Metrics().IncrementChannelsClosed()
	}
	if notify {
		s.fireChannelRemoved(ch)
	}
	ch.unref()
	return ch, nil
}

func (s *Session) fireChannelAdded(ch *Channel) {
	s.handlersMu.Lock()
	fns := append([]func(*Session, *Channel){}, s.channelAdded...)
	s.handlersMu.Unlock()
	for _, fn := range fns {
		fn(s, ch)
	}
}

func (s *Session) fireChannelRemoved(ch *Channel) {
	s.handlersMu.Lock()
	fns := append([]func(*Session, *Channel){}, s.channelRemoved...)
	s.handlersMu.Unlock()
	for _, fn := range fns {
		fn(s, ch)
	}
}

// OnChannelAdded registers fn to run whenever a channel is added.
func (s *Session) OnChannelAdded(fn func(*Session, *Channel)) {
	s.handlersMu.Lock()
	s.channelAdded = append(s.channelAdded, fn)
	s.handlersMu.Unlock()
}

// OnChannelRemoved registers fn to run whenever a channel is removed.
func (s *Session) OnChannelRemoved(fn func(*Session, *Channel)) {
	s.handlersMu.Lock()
	s.channelRemoved = append(s.channelRemoved, fn)
	s.handlersMu.Unlock()
}

// ---- Lifecycle hooks (§4.5 "Lifecycle hooks") ----

// SetOnClose registers a simple (no user data) close handler, FIFO.
func (s *Session) SetOnClose(fn func(*Session)) {
	s.handlersMu.Lock()
	s.closeSimple = append(s.closeSimple, fn)
	s.handlersMu.Unlock()
}

// SetOnCloseFull registers a close handler carrying user data. insertLast
// controls whether it is appended or prepended relative to existing full
// handlers.
func (s *Session) SetOnCloseFull(fn func(*Session, any), data any, insertLast bool) {
	h := &closeFullHandler{fn: fn, data: data, fnPtr: reflect.ValueOf(fn).Pointer(), dataEq: data}
	s.handlersMu.Lock()
	if insertLast {
		s.closeFull = append(s.closeFull, h)
	} else {
		s.closeFull = append([]*closeFullHandler{h}, s.closeFull...)
	}
	s.handlersMu.Unlock()
}

// RemoveOnCloseFull removes a previously registered full handler matching
// both fn and data, if present and not yet fired.
func (s *Session) RemoveOnCloseFull(fn func(*Session, any), data any) {
	target := reflect.ValueOf(fn).Pointer()
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	out := s.closeFull[:0]
	for _, h := range s.closeFull {
		if h.fnPtr == target && h.dataEq == data {
			continue
		}
		out = append(out, h)
	}
	s.closeFull = out
}

// ---- Error queue (§4.5 "Error queue") ----

// PushChannelError pushes a (status, message) pair onto the per-session
// error LIFO, used to stash start-channel failures for later retrieval.
func (s *Session) PushChannelError(status Status, msg string) {
	s.pendingErrMu.Lock()
	s.pendingErr = append(s.pendingErr, channelError{status: status, message: msg})
	s.pendingErrMu.Unlock()
}

// PopChannelError pops the most recently pushed error, LIFO.
func (s *Session) PopChannelError() (status Status, msg string, ok bool) {
	s.pendingErrMu.Lock()
	defer s.pendingErrMu.Unlock()
	n := len(s.pendingErr)
	if n == 0 {
		return StatusOk, "", false
	}
	e := s.pendingErr[n-1]
	s.pendingErr = s.pendingErr[:n-1]
	return e.status, e.message, true
}

// ---- Profile filtering (§4.5 "Profile filtering") ----

// SetProfileMask installs a mask, returning its id for later reference.
func (s *Session) SetProfileMask(fn ProfileMaskFunc, data any) int {
	s.maskMu.Lock()
	defer s.maskMu.Unlock()
	s.nextMaskID++
	s.masks = append(s.masks, &profileMaskEntry{id: s.nextMaskID, fn: fn, data: data})
	return s.nextMaskID
}

// IsProfileFiltered runs every installed mask in registration order; the
// first to report filtered=true wins.
func (s *Session) IsProfileFiltered(channelNumber uint32, uri, content, encoding, serverName string, frame *Frame) (bool, string) {
	s.maskMu.Lock()
	masks := append([]*profileMaskEntry{}, s.masks...)
	s.maskMu.Unlock()
	for _, m := range masks {
		if filtered, errMsg := m.fn(channelNumber, uri, content, encoding, serverName, frame, m.data); filtered {
			return true, errMsg
		}
	}
	return false, ""
}

// filterLocalProfiles drops every profile an installed mask rejects
// before it is advertised in this session's outbound greeting (§4.5
// "profile masks ... hide a profile from advertisement"). Channel 0
// carries the greeting itself, so masks run with channelNumber 0 and no
// frame.
func (s *Session) filterLocalProfiles(profiles []string) []string {
	if len(profiles) == 0 {
		return profiles
	}
	out := make([]string, 0, len(profiles))
	for _, uri := range profiles {
		if filtered, _ := s.IsProfileFiltered(0, uri, "", "", s.host, nil); !filtered {
			out = append(out, uri)
		}
	}
	return out
}

// RemoteProfiles returns the profile URIs the peer advertised in its
// greeting, borrowed by reference from the shared GreetingsCacheEntry
// (invariant 7: must not be freed per-session).
func (s *Session) RemoteProfiles() []string {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	return s.remoteProfiles
}

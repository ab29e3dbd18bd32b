package beep

import (
	"fmt"
	"sort"
	"sync"
)

// maxChannelNumber bounds the channel-number space; BEEP channel numbers
// are an unsigned 31-bit quantity; allocation wraps through this range.
const maxChannelNumber = 0x7FFFFFFF

// DefaultInitialWindow is the inbound flow-control window a channel
// advertises before any data has been exchanged (RFC 3081's default
// initial window; grounded on original_source/src/vortex_connection.c's
// channel-zero/vortex_channel_new seeding of VORTEX_CHANNEL_DEFAULT_WINDOW_SIZE).
const DefaultInitialWindow = 4096

// Channel is one flow-controlled logical stream within a Session. Channel
// 0 carries the channel-management profile and always exists on a
// non-master-listener session for the session's lifetime (invariant 1).
type Channel struct {
	mu sync.Mutex

	number     uint32
	profileURI string
	poolID     uint32
	hasPool    bool

	session *Session // cleared (set nil) before the channel is dropped
	refs    int32

	connected bool

	// Outbound flow control: what we may still send without exceeding the
	// peer's advertised window.
	sendNextSeqno uint32
	sendAckno     uint32 // last ackno the peer SEQ'd back to us
	sendWindow    uint32 // peer's advertised window for data we send

	// Inbound flow control: what we will accept from the peer.
	recvNextSeqno uint32
	recvWindow    uint32 // window we've advertised to the peer

	lastMsgno uint32 // last MSG msgno we issued on this channel (initiator side)

	pendingFragment *Frame // partially joined multi-fragment message, if any

	seqFramesDisabled bool // not set anywhere; dispatchFrame checks Session.seqFramesDisabled
}

// NewChannel allocates a Channel ready for AddChannel, with the default
// inbound window already advertised (invariant: a channel must never sit
// at recvWindow == 0, or dispatchFrame rejects every frame it receives).
func NewChannel(number uint32) *Channel {
	return &Channel{number: number, recvWindow: DefaultInitialWindow}
}

// Number returns the channel's number.
func (c *Channel) Number() uint32 { return c.number }

// ProfileURI returns the profile URI this channel runs, if known.
func (c *Channel) ProfileURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profileURI
}

// SetProfileURI records the profile URI negotiated for this channel.
func (c *Channel) SetProfileURI(uri string) {
	c.mu.Lock()
	c.profileURI = uri
	c.mu.Unlock()
}

// Session returns the owning session, or nil if the channel has been
// removed from its table.
func (c *Channel) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ref/unref implement the per-channel refcount contract named in §7 of
// the component design (channel table & allocation).
func (c *Channel) ref() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

func (c *Channel) unref() {
	c.mu.Lock()
	c.refs--
	dead := c.refs <= 0
	c.mu.Unlock()
	if dead {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
	}
}

// maxAcceptedSeqno is the inbound bound invariant 5 checks against: any
// received frame must satisfy seqno+size <= recvNextSeqno+recvWindow.
func (c *Channel) maxAcceptedSeqno() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvNextSeqno + c.recvWindow
}

// advanceRecv records that size bytes starting at seqno were accepted,
// moving the expected-next-seqno forward. Called after a frame passes the
// window check.
func (c *Channel) advanceRecv(seqno, size uint32) {
	c.mu.Lock()
	if seqno+size > c.recvNextSeqno {
		c.recvNextSeqno = seqno + size
	}
	c.mu.Unlock()
}

// applySeq updates outbound flow-control state from a received SEQ frame
// (the peer acknowledging bytes and announcing its receive window).
func (c *Channel) applySeq(ackno, window uint32) {
	c.mu.Lock()
	c.sendAckno = ackno
	c.sendWindow = window
	c.mu.Unlock()
}

// recvWindowState returns the (ackno, window) pair to advertise back to
// the peer in a SEQ frame after consuming received data, per §4.1's "SEQ
// frames announce the advertised window".
func (c *Channel) recvWindowState() (ackno, window uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvNextSeqno, c.recvWindow
}

// channelTable is the per-session map from channel number to Channel
// (§4.7), plus the next-channel-number allocation cursor.
type channelTable struct {
	mu       sync.Mutex
	channels map[uint32]*Channel
	lastNum  uint32
}

func newChannelTable() *channelTable {
	return &channelTable{channels: make(map[uint32]*Channel)}
}

// addChannel inserts ch, rejecting duplicates (§4.7 "Insertion ... rejects
// duplicates").
func (t *channelTable) addChannel(ch *Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.channels[ch.number]; exists {
		return fmt.Errorf("%w: channel %d", ErrChannelExists, ch.number)
	}
	t.channels[ch.number] = ch
	return nil
}

func (t *channelTable) removeChannel(number uint32) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[number]
	if !ok {
		return nil, false
	}
	delete(t.channels, number)
	return ch, true
}

func (t *channelTable) get(number uint32) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[number]
	return ch, ok
}

func (t *channelTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// foreach calls fn for every channel in ascending channel-number order,
// stopping early if fn returns false.
// A snapshot slice is built first so fn may safely call back into
// channel-table mutators without deadlocking or invalidating the
// iteration, per §4.7 "Close-all ... collects channels into a snapshot
// list first".
func (t *channelTable) foreach(fn func(*Channel) bool) {
	t.mu.Lock()
	snapshot := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		snapshot = append(snapshot, ch)
	}
	t.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].number < snapshot[j].number })

	for _, ch := range snapshot {
		if !fn(ch) {
			return
		}
	}
}

// byURI returns the lowest-numbered channel reporting the given profile
// URI.
func (t *channelTable) byURI(uri string) *Channel {
	var found *Channel
	t.foreach(func(ch *Channel) bool {
		if ch.ProfileURI() == uri {
			found = ch
			return false
		}
		return true
	})
	return found
}

// bySelector generalizes byURI to an arbitrary predicate.
func (t *channelTable) bySelector(sel func(*Channel) bool) *Channel {
	var found *Channel
	t.foreach(func(ch *Channel) bool {
		if sel(ch) {
			found = ch
			return false
		}
		return true
	})
	return found
}

// countByURI returns how many channels report the given profile URI.
func (t *channelTable) countByURI(uri string) int {
	n := 0
	t.foreach(func(ch *Channel) bool {
		if ch.ProfileURI() == uri {
			n++
		}
		return true
	})
	return n
}

// nextChannelNumber implements the allocation policy in §4.7: next =
// (last+2) mod MAX_CHANNELS; if that lands on 0, reset to the role's
// starting parity (1 for initiator, 2 for listener); skip numbers already
// present.
func (t *channelTable) nextChannelNumber(initiator bool) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.lastNum
	for i := 0; i < maxChannelNumber; i++ {
		var next uint32
		if start == 0 {
			// Nothing allocated yet this session: the first dynamic
			// channel number is the role's starting parity, not
			// channel 0 + 2.
			if initiator {
				next = 1
			} else {
				next = 2
			}
		} else {
			next = (start + 2) % maxChannelNumber
			if next == 0 {
				if initiator {
					next = 1
				} else {
					next = 2
				}
			}
		}
		start = next
		if _, exists := t.channels[next]; !exists {
			t.lastNum = next
			return next, nil
		}
	}
	return 0, ErrNoChannelsFree
}

// ChannelPool groups channels under an application-assigned pool id for
// bulk operations, per the data model's "channel-pool table" entry.
type ChannelPool struct {
	mu       sync.Mutex
	id       uint32
	channels map[uint32]*Channel
}

func newChannelPool(id uint32) *ChannelPool {
	return &ChannelPool{id: id, channels: make(map[uint32]*Channel)}
}

// ID returns the pool's id.
func (p *ChannelPool) ID() uint32 { return p.id }

// Add registers a channel as a member of this pool.
func (p *ChannelPool) Add(ch *Channel) {
	p.mu.Lock()
	p.channels[ch.number] = ch
	p.mu.Unlock()
	ch.mu.Lock()
	ch.poolID = p.id
	ch.hasPool = true
	ch.mu.Unlock()
}

// Remove drops a channel from this pool's membership.
func (p *ChannelPool) Remove(number uint32) {
	p.mu.Lock()
	delete(p.channels, number)
	p.mu.Unlock()
}

// Members returns a snapshot of the pool's current channels.
func (p *ChannelPool) Members() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	return out
}

// poolTable is the per-session pool-id -> ChannelPool map.
type poolTable struct {
	mu     sync.Mutex
	pools  map[uint32]*ChannelPool
	nextID uint32
}

func newPoolTable() *poolTable {
	return &poolTable{pools: make(map[uint32]*ChannelPool)}
}

// create allocates a fresh pool with the next sequential id.
func (t *poolTable) create() *ChannelPool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	p := newChannelPool(t.nextID)
	t.pools[p.id] = p
	return p
}

func (t *poolTable) get(id uint32) (*ChannelPool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pools[id]
	return p, ok
}

func (t *poolTable) remove(id uint32) {
	t.mu.Lock()
	delete(t.pools, id)
	t.mu.Unlock()
}

// reset clears every pool and its next-id counter, used on reconnect
// (§4.6 Reconnect: "resets the next-pool-id").
func (t *poolTable) reset() {
	t.mu.Lock()
	t.pools = make(map[uint32]*ChannelPool)
	t.nextID = 0
	t.mu.Unlock()
}

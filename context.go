package beep

import "sync"

// Context is the process-wide (or application-wide, if more than one is
// created) collection of shared, mutex-guarded structures named in §5
// "Shared resources": the session-id counter, the DNS cache, the
// greetings cache, the stage-action registry, and the active I/O
// back-end. Every Session belongs to exactly one Context.
type Context struct {
	cfg *Config

	idMu   sync.Mutex
	nextID int64

	frameIDMu   sync.Mutex
	nextFrameID uint64

	greetings *greetingsCache
	resolver  *resolverCache

	actionsMu sync.Mutex
	actions   map[Stage][]Action

	ioMu      sync.RWMutex
	io        ioBackend
	ioBackend IOBackend
}

// NewContext creates a Context with the given options applied on top of
// library defaults.
func NewContext(opts ...Option) *Context {
	cfg := applyOptions(opts)
	ctx := &Context{
		cfg:       cfg,
		greetings: newGreetingsCache(),
		resolver:  newResolverCache(),
		actions:   make(map[Stage][]Action),
	}
	ctx.installIOBackend(cfg.ioBackend)
	return ctx
}

// Config returns the Context's configuration. Mutating fields directly is
// not safe for concurrent use; use the With* options at creation time, or
// Config.RefreshEnv for the environment-controlled subset.
func (c *Context) Config() *Config { return c.cfg }

// Metrics returns the Context's metrics sink.
func (c *Context) Metrics() Metrics { return c.cfg.metrics }

func (c *Context) nextSessionID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *Context) nextFrameIDVal() uint64 {
	c.frameIDMu.Lock()
	defer c.frameIDMu.Unlock()
	c.nextFrameID++
	return c.nextFrameID
}

// installIOBackend resolves IOBackendAuto to a concrete backend and wires
// it onto the Context, swappable at runtime per §4.4's "waiting mechanism
// is swappable" note.
func (c *Context) installIOBackend(b IOBackend) {
	backend := newIOBackend(b)
	c.ioMu.Lock()
	c.io = backend
	c.ioBackend = b
	c.ioMu.Unlock()
}

// SetIOBackend swaps the active readiness back-end at runtime. Per §4.4,
// this should be called while the reader that owns the current wait-set
// is quiesced; callers running their own reader loop are responsible for
// pausing it around this call.
func (c *Context) SetIOBackend(b IOBackend) {
	c.installIOBackend(b)
}

func (c *Context) currentIOBackend() ioBackend {
	c.ioMu.RLock()
	defer c.ioMu.RUnlock()
	return c.io
}

// Close cancels the Context's base context, which stops the janitor of
// every Listener created from it. Sessions, the greetings cache and the
// resolver cache are left as they are.
func (c *Context) Close() {
	c.cfg.cancel()
}

package beep

import (
	"context"
	"os"
	"strconv"
	"time"
)

// IOBackend selects which readiness back-end (§4.4) a Context's reader
// uses to wait for ready sessions.
type IOBackend int

const (
	// IOBackendAuto picks epoll on Linux, falling back to poll, falling
	// back to select.
	IOBackendAuto IOBackend = iota
	IOBackendSelect
	IOBackendPoll
	IOBackendEpoll
)

const (
	// DefaultConnectTimeout is the default non-blocking-connect deadline.
	DefaultConnectTimeout = 60 * time.Second
	// DefaultSyncOpTimeout bounds synchronous, user-visible blocking
	// operations (e.g. the greetings exchange).
	DefaultSyncOpTimeout = 60 * time.Second
	// DefaultWriteRetryLimit is the "conn_close_on_write_timeout" default
	// named in §5 and decided in DESIGN.md's Open Question section.
	DefaultWriteRetryLimit = 3
	// DefaultAcceptPollInterval sets the Listener janitor's pace: the
	// janitor prunes disconnected sessions every 4x this interval.
	DefaultAcceptPollInterval = 100 * time.Millisecond

	// selectReadTimeout and selectWriteTimeout are the select back-end's
	// per-call wait bounds, named explicitly in §4.4.
	selectReadTimeout  = 500 * time.Millisecond
	selectWriteTimeout = 1 * time.Second

	// defaultHardFDLimit is a conservative ceiling checked before opening
	// a new socket, per §4.6 step 2 ("reject if at/near process fd
	// limit").
	defaultHardFDLimit = 4096
)

// Env var names read at Context init (§6 "Environment controls"),
// refreshed whenever RefreshEnv is called.
const (
	EnvConnectTimeoutUsec = "BEEP_CONNECT_TIMEOUT"
	EnvSyncOpTimeoutUsec  = "BEEP_SYNC_TIMEOUT"
	EnvIOBackend          = "BEEP_IO_BACKEND"
	EnvHardFDLimit        = "BEEP_HARD_FD_LIMIT"
	EnvSoftFDLimit        = "BEEP_SOFT_FD_LIMIT"
)

// Option configures a Context via functional options, following the
// teacher's options.go Option/Config pattern.
type Option func(*Config)

// Config holds the per-Context tunables named in §6. The zero value is
// never used directly; NewContext always starts from defaultConfig().
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	metrics Metrics

	connectTimeout  time.Duration
	syncOpTimeout   time.Duration
	writeRetryLimit int
	disableWriteRetryLimit bool

	ioBackend IOBackend

	hardFDLimit int
	softFDLimit int

	sanityCheckFDs bool

	acceptPollInterval time.Duration
}

func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{
		ctx:                ctx,
		cancel:             cancel,
		metrics:            NewDefaultMetrics(),
		connectTimeout:     DefaultConnectTimeout,
		syncOpTimeout:      DefaultSyncOpTimeout,
		writeRetryLimit:    DefaultWriteRetryLimit,
		ioBackend:          IOBackendAuto,
		hardFDLimit:        defaultHardFDLimit,
		softFDLimit:        defaultHardFDLimit,
		sanityCheckFDs:     true,
		acceptPollInterval: DefaultAcceptPollInterval,
	}
	cfg.applyEnv()
	return cfg
}

// applyEnv reads the environment controls named in §6, overriding
// whatever was set so far. Called once at defaultConfig() time and again
// whenever RefreshEnv is invoked.
func (c *Config) applyEnv() {
	if v, ok := envUint(EnvConnectTimeoutUsec); ok {
		c.connectTimeout = time.Duration(v) * time.Microsecond
	}
	if v, ok := envUint(EnvSyncOpTimeoutUsec); ok {
		c.syncOpTimeout = time.Duration(v) * time.Microsecond
	}
	if v, ok := envUint(EnvHardFDLimit); ok {
		c.hardFDLimit = int(v)
	}
	if v, ok := envUint(EnvSoftFDLimit); ok {
		c.softFDLimit = int(v)
	}
	switch os.Getenv(EnvIOBackend) {
	case "select":
		c.ioBackend = IOBackendSelect
	case "poll":
		c.ioBackend = IOBackendPoll
	case "epoll":
		c.ioBackend = IOBackendEpoll
	}
}

func envUint(name string) (uint64, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// RefreshEnv re-reads the environment controls, per §6's "refreshed on
// re-read flags" note.
func (c *Config) RefreshEnv() { c.applyEnv() }

func applyOptions(opts []Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithContext sets the base context of a Context. Cancelling it stops the
// janitor goroutine of every Listener created from that Context; it does
// not close sessions and does not bound connect or greetings operations.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithConnectTimeout sets the non-blocking-connect deadline. Zero or
// negative leaves the current value (by default DefaultConnectTimeout)
// unchanged.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithSyncOpTimeout sets the bound on synchronous user-visible operations
// such as the greetings exchange.
func WithSyncOpTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.syncOpTimeout = d
		}
	}
}

// WithWriteRetryLimit sets how many wait-then-retry cycles the write path
// attempts before fatal-closing the session. Zero means unbounded
// (disable_conn_close_on_write_timeout).
func WithWriteRetryLimit(n int) Option {
	return func(c *Config) {
		if n == 0 {
			c.disableWriteRetryLimit = true
			return
		}
		if n > 0 {
			c.writeRetryLimit = n
		}
	}
}

// WithIOBackend selects the readiness back-end explicitly, overriding
// platform auto-detection.
func WithIOBackend(b IOBackend) Option {
	return func(c *Config) { c.ioBackend = b }
}

// WithFDLimits sets the hard and soft socket-count ceilings. Only the hard
// limit is checked before opening a new socket; the soft limit is stored
// but not consulted.
func WithFDLimits(hard, soft int) Option {
	return func(c *Config) {
		if hard > 0 {
			c.hardFDLimit = hard
		}
		if soft > 0 {
			c.softFDLimit = soft
		}
	}
}

// WithSanityCheckFDs toggles rejecting sockets that land on fd 0/1/2.
func WithSanityCheckFDs(enabled bool) Option {
	return func(c *Config) { c.sanityCheckFDs = enabled }
}

// WithMetrics installs a custom Metrics implementation.
func WithMetrics(m Metrics) Option {
	return func(c *Config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithAcceptPollInterval sets the interval the Listener janitor's pace is
// derived from (it prunes disconnected sessions every 4x this interval).
func WithAcceptPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.acceptPollInterval = d
		}
	}
}

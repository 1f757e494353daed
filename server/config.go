package server

import (
	"github.com/joeycumines/go-catrate"
)

// Default tuning constants. The watermark asymmetry provides hysteresis
// against rapid READ-interest toggling.
const (
	DefaultReadBufSize   = 4096
	DefaultHighWatermark = 100
	DefaultLowWatermark  = 90
	DefaultBacklog       = 128
	defaultPollTimeoutMs = 1000
)

// Config holds resolved Server construction options. See Option and the
// With* constructors.
type Config struct {
	NAcceptors     int
	NWorkers       int // 0 selects the single-threaded variant
	ReadBufSize    int
	HighWatermark  int
	LowWatermark   int
	Backlog        int
	RateLimiter    *catrate.Limiter
	MetricsEnabled bool
}

func defaultConfig() Config {
	return Config{
		NAcceptors:    1,
		NWorkers:      0,
		ReadBufSize:   DefaultReadBufSize,
		HighWatermark: DefaultHighWatermark,
		LowWatermark:  DefaultLowWatermark,
		Backlog:       DefaultBacklog,
	}
}

// Option configures a Server. See the With* constructors.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithWorkers selects the multi-threaded variant with n worker readiness
// loops. n == 0 (the default) selects the single-threaded variant.
func WithWorkers(n int) Option {
	return optionFunc(func(c *Config) { c.NWorkers = n })
}

// WithAcceptors sets the number of acceptor goroutines (ST variant always
// uses exactly one regardless of this value).
func WithAcceptors(n int) Option {
	return optionFunc(func(c *Config) { c.NAcceptors = n })
}

// WithReadBufSize overrides the fixed per-connection read buffer size.
func WithReadBufSize(n int) Option {
	return optionFunc(func(c *Config) { c.ReadBufSize = n })
}

// WithWatermarks overrides the output-queue backpressure thresholds.
func WithWatermarks(high, low int) Option {
	return optionFunc(func(c *Config) { c.HighWatermark = high; c.LowWatermark = low })
}

// WithBacklog overrides the listen() backlog.
func WithBacklog(n int) Option {
	return optionFunc(func(c *Config) { c.Backlog = n })
}

// WithAcceptRateLimiter installs a sliding-window limiter the acceptor
// consults per accepted connection, rejecting (closing) connections that
// exceed the configured rate before a Connection is ever constructed. A nil
// limiter (the default) disables rate limiting entirely.
func WithAcceptRateLimiter(l *catrate.Limiter) Option {
	return optionFunc(func(c *Config) { c.RateLimiter = l })
}

// WithMetrics enables the Server's atomic counters (Server.Metrics).
func WithMetrics(enabled bool) Option {
	return optionFunc(func(c *Config) { c.MetricsEnabled = enabled })
}

func resolveOptions(opts []Option) Config {
	c := defaultConfig()
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(&c)
	}
	return c
}

// pollTimeoutMs is how long (in milliseconds) a readiness loop blocks
// between wakeup checks; a var rather than a const so tests can shrink it.
var pollTimeoutMs = defaultPollTimeoutMs

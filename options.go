package collsync

import (
	"log/slog"
	"time"
)

const (
	defaultSpins         = 64
	defaultSleep         = 50 * time.Microsecond
	defaultEscalateAfter = 2
)

type config struct {
	name          string
	spins         int
	sleep         time.Duration
	escalateAfter int
	onEvent       func(LockEvent)
	logger        *slog.Logger
}

// Option configures a lock or strategy. Options are applied once at
// construction; the resulting configuration never changes.
type Option func(*config)

func defaultConfig() config {
	return config{
		spins:         defaultSpins,
		sleep:         defaultSleep,
		escalateAfter: defaultEscalateAfter,
	}
}

func newConfig(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithName labels the lock in events and log records.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithSpin tunes blocking waits: a waiter yields the processor for the first
// spins iterations, then sleeps for sleep between checks.
//
// WithSpin panics if spins is negative or sleep is not positive.
func WithSpin(spins int, sleep time.Duration) Option {
	if spins < 0 {
		panic("collsync: WithSpin requires non-negative spins")
	}
	if sleep <= 0 {
		panic("collsync: WithSpin requires sleep > 0")
	}
	return func(c *config) {
		c.spins = spins
		c.sleep = sleep
	}
}

// WithEscalateAfter sets how many consecutive failed optimistic attempts a
// [Stamped] strategy tolerates before it takes a full read lock.
// The default is 2. WithEscalateAfter panics if n < 1.
func WithEscalateAfter(n int) Option {
	if n < 1 {
		panic("collsync: WithEscalateAfter requires n >= 1")
	}
	return func(c *config) {
		c.escalateAfter = n
	}
}

// WithOnEvent registers a hook invoked synchronously for every [LockEvent].
// The hook runs on the goroutine that caused the event, possibly while locks
// are held, so it must not acquire locks itself.
//
// Panics if fn is nil.
func WithOnEvent(fn func(LockEvent)) Option {
	if fn == nil {
		panic("collsync: WithOnEvent requires non-nil callback")
	}
	return func(c *config) {
		c.onEvent = fn
	}
}

// WithLogger writes every [LockEvent] to logger at debug level.
// Records are only built when the logger has debug enabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

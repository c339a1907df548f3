// Package hlc implements the hybrid logical clock that stamps every
// mutation accepted by the engine: a (wall, logical, node) triple that is
// monotonically increasing per clock and causally updated on receipt of a
// remote timestamp, providing the total order Last-Writer-Wins relies on.
package hlc

import (
	"expvar"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/l3kv/l3kv/core"
)

// PhysicalClock returns the current wall-clock reading in microseconds. It
// is a var, not a hardcoded call to time.Now, so tests can inject a
// controllable or regressing clock.
type PhysicalClock func() int64

func systemWallMicros() int64 {
	return time.Now().UnixMicro()
}

// Clock is a single node's hybrid logical clock. One Clock is owned by the
// Engine and shared process-wide; per-goroutine Allocators batch-reserve
// logical counters from it to keep the hot path off this mutex.
type Clock struct {
	mu         sync.Mutex
	maxWall    int64
	maxLogical uint32
	node       uint32
	phys       PhysicalClock
	logger     *slog.Logger

	driftWarnings *expvar.Int
	lastWarnWall  int64
}

// Option configures a Clock at construction.
type Option func(*Clock)

// WithPhysicalClock overrides the physical time source, for tests.
func WithPhysicalClock(f PhysicalClock) Option {
	return func(c *Clock) { c.phys = f }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Clock) { c.logger = logger }
}

// WithDriftMetric wires an expvar counter incremented whenever the clock's
// wall component runs more than 5s ahead of the physical clock.
func WithDriftMetric(counter *expvar.Int) Option {
	return func(c *Clock) { c.driftWarnings = counter }
}

// New creates a Clock for the given node id.
func New(node uint32, opts ...Option) *Clock {
	c := &Clock{
		node:   node,
		phys:   systemWallMicros,
		logger: slog.Default().With("component", "hlc"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const driftWarnThreshold = 5 * time.Second

// Now returns a fresh timestamp, strictly greater than every timestamp
// previously returned by this clock (invariant I1).
func (c *Clock) Now() core.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowLocked()
}

// nowLocked implements spec.md §4.1's now() algorithm. Must hold c.mu.
func (c *Clock) nowLocked() core.Timestamp {
	for {
		phys := c.phys()
		if phys > c.maxWall {
			c.maxWall = phys
			c.maxLogical = 0
			break
		}
		if c.maxLogical == math.MaxUint32 {
			// Clock overflow: block until physical time advances rather
			// than returning a non-monotonic timestamp. Not an error
			// (spec.md §7): release the lock so other goroutines and the
			// physical clock can make progress, then retry.
			c.mu.Unlock()
			runtime.Gosched()
			time.Sleep(time.Microsecond)
			c.mu.Lock()
			continue
		}
		c.maxLogical++
		break
	}
	c.warnIfDriftingLocked()
	return core.Timestamp{Wall: c.maxWall, Logical: c.maxLogical, Node: c.node}
}

func (c *Clock) warnIfDriftingLocked() {
	phys := c.phys()
	if c.maxWall-phys <= int64(driftWarnThreshold/time.Microsecond) {
		return
	}
	// Rate-limit: only warn once per second of wall-clock lead, matching
	// spec.md's "rate-limited warning" requirement without a separate timer.
	if c.maxWall-c.lastWarnWall < int64(time.Second/time.Microsecond) {
		return
	}
	c.lastWarnWall = c.maxWall
	if c.driftWarnings != nil {
		c.driftWarnings.Add(1)
	}
	if c.logger != nil {
		c.logger.Warn("hlc wall time leads physical clock", "lead_us", c.maxWall-phys)
	}
}

// Update folds a received timestamp into the clock, guaranteeing that any
// subsequent Now() exceeds both ts_in and every previously returned
// timestamp (invariant I2).
func (c *Clock) Update(tsIn core.Timestamp) core.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.phys()
	l := c.maxWall
	if tsIn.Wall > l {
		l = tsIn.Wall
	}
	if phys > l {
		l = phys
	}

	var logical uint32
	switch {
	case l == c.maxWall && l == tsIn.Wall:
		if c.maxLogical > tsIn.Logical {
			logical = c.maxLogical + 1
		} else {
			logical = tsIn.Logical + 1
		}
	case l == c.maxWall:
		logical = c.maxLogical + 1
	case l == tsIn.Wall:
		logical = tsIn.Logical + 1
	default:
		logical = 0
	}

	c.maxWall = l
	c.maxLogical = logical
	c.warnIfDriftingLocked()
	return core.Timestamp{Wall: c.maxWall, Logical: c.maxLogical, Node: c.node}
}

// ReserveLogical atomically reserves count logical ticks at physical time
// forPhys, for a per-goroutine Allocator to hand out without taking the
// clock mutex on every call. It returns the first reserved logical value.
// ok is false if forPhys has already been passed by the clock (the caller
// must fall back to Now()) or if the reservation would overflow the
// logical counter.
func (c *Clock) ReserveLogical(forPhys int64, count uint32) (start uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.phys()
	newest := c.maxWall
	if phys > newest {
		newest = phys
	}
	if forPhys < newest {
		return 0, false
	}
	if forPhys > c.maxWall {
		c.maxWall = forPhys
		c.maxLogical = 0
	}
	if math.MaxUint32-c.maxLogical < count {
		return 0, false
	}
	start = c.maxLogical
	c.maxLogical += count
	return start, true
}

// Node returns the node id this clock stamps timestamps with.
func (c *Clock) Node() uint32 { return c.node }

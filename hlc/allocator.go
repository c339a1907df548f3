package hlc

import (
	"runtime"

	"github.com/l3kv/l3kv/core"
)

// batchSize is how many logical ticks an Allocator reserves per round-trip
// to the clock's mutex.
const batchSize = 50

// Allocator is a single-goroutine-owned batch allocator over a shared
// Clock, so a hot write path does not take the clock mutex per event. It is
// not safe for concurrent use: callers should keep one Allocator per
// writer goroutine (e.g. one per shard), the same way the teacher corpus
// keeps per-worker buffer pools rather than a single contended one.
type Allocator struct {
	clock       *Clock
	cachedWall  int64
	nextLogical uint32
	endLogical  uint32
	haveSlot    bool
}

// NewAllocator creates an Allocator bound to clock.
func NewAllocator(clock *Clock) *Allocator {
	return &Allocator{clock: clock}
}

// Now returns a fresh timestamp, allocating a new batch from the clock
// only when the cached one is exhausted or physical time has moved on.
func (a *Allocator) Now() core.Timestamp {
	phys := a.clock.phys()

	if a.haveSlot && a.cachedWall == phys && a.nextLogical < a.endLogical {
		l := a.nextLogical
		a.nextLogical++
		return core.Timestamp{Wall: a.cachedWall, Logical: l, Node: a.clock.node}
	}

	for attempt := 0; attempt < 2; attempt++ {
		phys = a.clock.phys()
		start, ok := a.clock.ReserveLogical(phys, batchSize)
		if ok {
			a.cachedWall = phys
			a.nextLogical = start + 1
			a.endLogical = start + batchSize
			a.haveSlot = true
			return core.Timestamp{Wall: phys, Logical: start, Node: a.clock.node}
		}
		// Reservation failed: another goroutine (or the physical clock)
		// has moved wall time past ours. Yield once and retry; if physical
		// time still hasn't advanced on the second attempt, fall back to
		// the slow, mutex-serialised path to guarantee forward progress.
		runtime.Gosched()
	}
	a.haveSlot = false
	return a.clock.Now()
}

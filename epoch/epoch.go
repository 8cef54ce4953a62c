// Package epoch provides the memory-reclamation collaborator used by the
// list and splitmap packages.
//
// The underlying data structures are lock-free: a reader may hold a pointer
// to a node that a concurrent writer has just logically deleted. In a
// language without a tracing garbage collector that pointer would dangle the
// moment the node is freed, which is why the reference design (crossbeam's
// epoch-based reclamation) threads a Guard through every operation and only
// retires memory once no guard can still observe it.
//
// Go's runtime already keeps a node alive for as long as any goroutine holds
// a reference to it, guard or not, so Collector does not free anything
// itself. What it still gives callers is the guard-scoped shape the rest of
// the module is written against, and a place to batch "this is logically
// gone, stop doing expensive work on it" cleanup (e.g. dropping a retired
// node's payload early so the GC doesn't have to trace through it while it
// waits for the last cursor to move past it).
package epoch

import (
	"sync"
	"sync/atomic"
)

// numEpochs is the size of the retirement ring, matching crossbeam-epoch's
// three-epoch scheme: a guard can only ever be pinned at the current epoch
// or the one before it, so garbage from two epochs back is always safe to
// run.
const numEpochs = 3

type bag struct {
	mu    sync.Mutex
	funcs []func()
}

func (b *bag) add(f func()) {
	b.mu.Lock()
	b.funcs = append(b.funcs, f)
	b.mu.Unlock()
}

func (b *bag) drain() []func() {
	b.mu.Lock()
	funcs := b.funcs
	b.funcs = nil
	b.mu.Unlock()
	return funcs
}

// Collector tracks a global epoch and the set of currently pinned guards.
// One Collector is owned per data structure instance.
type Collector struct {
	epoch  atomic.Uint64
	active sync.Map // *Guard -> uint64 (epoch pinned at)
	bags   [numEpochs]bag
}

// NewCollector returns a ready-to-use Collector. The initial epoch is 1 so
// that bag index arithmetic never has to special-case epoch 0.
func NewCollector() *Collector {
	c := &Collector{}
	c.epoch.Store(1)
	return c
}

// Guard pins the collector's current epoch for the duration it is held.
// Callers must call Unpin when done; every exported operation in this
// module does so via defer immediately after Pin.
type Guard struct {
	c  *Collector
	at uint64
}

// Pin registers a new guard at the collector's current epoch.
func (c *Collector) Pin() *Guard {
	g := &Guard{c: c, at: c.epoch.Load()}
	c.active.Store(g, g.at)
	return g
}

// Unpin releases the guard. It is safe to call at most once per Guard.
func (g *Guard) Unpin() {
	if g == nil {
		return
	}
	g.c.active.Delete(g)
}

// Defer queues f to run once no pinned guard can still observe memory
// retired during this guard's epoch, then opportunistically tries to
// advance the global epoch. f should be cheap and must not block.
func (g *Guard) Defer(f func()) {
	g.c.bags[g.at%numEpochs].add(f)
	g.c.tryAdvance()
}

// tryAdvance bumps the global epoch by one if every currently active guard
// is pinned at the current epoch (i.e. nobody is lagging behind), then runs
// whatever landed in the bag that is now two epochs stale.
func (c *Collector) tryAdvance() {
	current := c.epoch.Load()
	stale := false
	c.active.Range(func(_, v any) bool {
		if v.(uint64) != current {
			stale = true
			return false
		}
		return true
	})
	if stale {
		return
	}

	next := current + 1
	if !c.epoch.CompareAndSwap(current, next) {
		return
	}

	for _, f := range c.bags[next%numEpochs].drain() {
		f()
	}
}

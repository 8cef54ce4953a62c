// Package trie implements the growable trie of atomic pointer slots
// described in the module's SPEC_FULL.md §4.1: a concurrent, appendable
// vector of atomic slots built as a shallow tree of fixed-fanout segments
// whose height grows, monotonically and lock-free, as higher indices are
// first touched.
//
// A slot holds either a pointer to a child segment or a pointer to a leaf
// element, depending only on its depth, never on its type. That polymorphic
// storage is the one place this package reaches for unsafe.Pointer instead
// of a typed atomic.Pointer[T]: internal segments and leaf elements share
// the same backing array, and which one a slot holds is a property of the
// tree shape, not of Go's type system. Slot[T] is the typed façade callers
// actually use; the raw representation never escapes this file.
package trie

import (
	"sync/atomic"
	"unsafe"

	"github.com/gaarutyunov/splitordered/epoch"
)

// L is the base-2 logarithm of a segment's fanout.
const L = 10

// S is a segment's fanout, 2^L.
const S = 1 << L

// segmentMask extracts one L-bit digit from an index.
const segmentMask = S - 1

// rawSlot is a machine-word-sized atomic cell that holds either a *segment
// (at depths above the leaf) or a leaf element pointer (at the leaf depth).
// Null means "not yet allocated."
type rawSlot struct {
	p unsafe.Pointer
}

func (s *rawSlot) load() unsafe.Pointer {
	return atomic.LoadPointer(&s.p)
}

func (s *rawSlot) casFromNil(new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&s.p, nil, new)
}

func (s *rawSlot) cas(old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&s.p, old, new)
}

func (s *rawSlot) store(new unsafe.Pointer) {
	atomic.StorePointer(&s.p, new)
}

// segment is a fixed-size array of S atomic slots: an internal node or leaf
// of the trie, heap-allocated and owned by the trie that links it in.
type segment struct {
	slots [S]rawSlot
}

// rootState is the trie's atomic root: a segment pointer paired with the
// tree's current height, published together so a reader never observes a
// height without the segment it describes. Height 0 means the trie is
// empty (root is nil).
type rootState struct {
	seg    *segment
	height int
}

// Trie is a lock-free growable trie whose leaves hold *T.
type Trie[T any] struct {
	root atomic.Pointer[rootState]
}

// New creates an empty trie.
func New[T any]() *Trie[T] {
	t := &Trie[T]{}
	t.root.Store(&rootState{height: 0})
	return t
}

// maxAddressable returns the largest index reachable at the given height,
// clamped to the full uint64 range once L*height would overflow it.
func maxAddressable(height int) uint64 {
	bits := L * height
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

// Slot is the typed view of a leaf slot returned by Get. It is valid for as
// long as the trie itself is alive; once written, never overwritten.
type Slot[T any] struct {
	raw *rawSlot
}

// Load returns the element currently stored at the slot, or nil.
func (s Slot[T]) Load() *T {
	return (*T)(s.raw.load())
}

// CompareAndSwap atomically replaces the slot's value if it still equals
// old, returning whether it succeeded.
func (s Slot[T]) CompareAndSwap(old, new *T) bool {
	return s.raw.cas(unsafe.Pointer(old), unsafe.Pointer(new))
}

// Get returns the unique, stable slot at position index, allocating any
// missing segments along the path and growing the trie's height first if
// index isn't addressable yet. Once returned, repeated calls with the same
// index return the same Slot. The guard parameter exists for API parity
// with the rest of this module's guard-scoped operations; Get does not
// itself need Go's GC-backed reclamation to do anything special.
func (t *Trie[T]) Get(index uint64, _ *epoch.Guard) Slot[T] {
	rs := t.ensureHeight(index)

	node := rs.seg
	for d := rs.height - 1; d >= 1; d-- {
		digit := (index >> uint(d*L)) & segmentMask
		slot := &node.slots[digit]

		child := slot.load()
		if child == nil {
			fresh := unsafe.Pointer(&segment{})
			if slot.casFromNil(fresh) {
				child = fresh
			} else {
				child = slot.load()
			}
		}
		node = (*segment)(child)
	}

	digit0 := index & segmentMask
	return Slot[T]{raw: &node.slots[digit0]}
}

// ensureHeight raises the trie's height, one segment level (an S-fold
// increase in capacity) at a time, until index is addressable, then returns the resulting
// root. Only one racing grower's CAS succeeds per height raise; the losers
// discard their unpublished segment and retry.
func (t *Trie[T]) ensureHeight(index uint64) *rootState {
	for {
		rs := t.root.Load()
		if rs.height > 0 && index <= maxAddressable(rs.height) {
			return rs
		}

		grown := &rootState{
			seg:    &segment{},
			height: rs.height + 1,
		}
		grown.seg.slots[0].p = unsafe.Pointer(rs.seg)

		if t.root.CompareAndSwap(rs, grown) {
			if index <= maxAddressable(grown.height) {
				return grown
			}
			continue
		}
		// Lost the race: grown was never published, nothing to free beyond
		// letting the GC reclaim it.
	}
}

// Height reports the trie's current height, for diagnostics and tests.
func (t *Trie[T]) Height() int {
	return t.root.Load().height
}

// Walk visits every allocated segment depth-first, reporting the depth
// (height above the leaves) each segment sits at. It exists so tests can
// assert the structural invariants in SPEC_FULL.md §8 without reaching into
// package internals from outside.
func (t *Trie[T]) Walk(visit func(depth int)) {
	rs := t.root.Load()
	if rs.seg == nil {
		return
	}
	var walk func(seg *segment, depth int)
	walk = func(seg *segment, depth int) {
		visit(depth)
		if depth == 1 {
			return
		}
		for i := 0; i < S; i++ {
			child := seg.slots[i].load()
			if child != nil {
				walk((*segment)(child), depth-1)
			}
		}
	}
	walk(rs.seg, rs.height)
}

// Package list implements the sorted linked list collaborator that
// splitmap treats as an external, black-box dependency (see the module's
// SPEC_FULL.md §4.3): a Harris-style lock-free list of nodes keyed by
// uint64, searched and mutated through a Cursor.
//
// No such list ships as an importable dependency among the corpus this
// module was built from, so it is implemented here, scoped strictly to the
// cursor operations splitmap actually calls: Head, FromRaw, FindHarris,
// Insert, Delete, Lookup. splitmap never reaches past that boundary into a
// Node's fields directly.
package list

import (
	"errors"
	"sync/atomic"

	"github.com/gaarutyunov/splitordered/epoch"
)

// ErrRetry signals that a concurrent modification invalidated the in-flight
// search and the caller should retry with a freshly cloned cursor.
var ErrRetry = errors.New("list: concurrent modification, retry")

// ErrInsertRace signals that another goroutine linked a node at the same
// position first; the caller keeps its own node and retries.
var ErrInsertRace = errors.New("list: lost race inserting node")

// ErrDeleteRace signals that the cursor's current node was already marked
// or unlinked by another goroutine.
var ErrDeleteRace = errors.New("list: lost race deleting node")

// tailKey sorts after every valid sentinel or data key: a data key is
// reverse_bits(k | HI_BIT) and a sentinel key is reverse_bits(b) for b in
// [0, 2^63), so neither can ever equal ^uint64(0).
const tailKey = ^uint64(0)

// nextPtr is a node's successor together with that node's own logical-
// deletion mark, stored and swapped as a single pointer so the two change
// atomically as one unit. Folding the bit in here (rather than keeping it
// in a standalone atomic.Bool next to the pointer) is what makes the
// Harris algorithm's core invariant hold: once a node is marked, any CAS
// against its old, unmarked next value is guaranteed to fail, so a
// concurrent Insert that tries to link onto a node already being deleted
// loses the race instead of silently attaching to a node about to be
// excised.
type nextPtr[V any] struct {
	target *Node[V]
	marked bool
}

// Node is a node of the shared sorted list. A node with present == false is
// a sentinel (bucket head); present == true marks a data entry.
type Node[V any] struct {
	key     uint64
	present bool
	value   V
	next    atomic.Pointer[nextPtr[V]]
}

func newNode[V any](key uint64, present bool, value V) *Node[V] {
	n := &Node[V]{key: key, present: present, value: value}
	n.next.Store(&nextPtr[V]{})
	return n
}

// NewSentinel creates an unlinked sentinel node for the given list-key.
func NewSentinel[V any](key uint64) *Node[V] {
	var zero V
	return newNode(key, false, zero)
}

// NewData creates an unlinked data node carrying value for the given
// list-key.
func NewData[V any](key uint64, value V) *Node[V] {
	return newNode(key, true, value)
}

// Key returns the node's list-key.
func (n *Node[V]) Key() uint64 { return n.key }

// pointerSlot is the minimal shape needed to treat an arbitrary externally
// owned pointer cell as the anchor a Cursor starts from. Both
// *atomic.Pointer[Node[V]] (unused internally now, kept for symmetry with
// trie.Slot's shape) and trie.Slot[Node[V]] (used by splitmap to anchor a
// cursor at a bucket) satisfy it structurally, with no import cycle
// required in either direction.
type pointerSlot[V any] interface {
	Load() *Node[V]
	CompareAndSwap(old, new *Node[V]) bool
}

// succSlot is what a Cursor actually walks: something that can report a
// (successor, marked) pair and CAS it as one unit. Every list node
// satisfies it via nodeSlot; the one external anchor (a trie bucket slot,
// reached through FromRaw) satisfies it via rawAnchor, which never
// observes or produces a marked transition since a trie-anchored sentinel
// is never itself deleted.
type succSlot[V any] interface {
	Load() (target *Node[V], marked bool)
	CompareAndSwap(oldTarget *Node[V], oldMarked bool, newTarget *Node[V], newMarked bool) bool
}

// nodeSlot adapts a node's own next field to succSlot. Using the owning
// node (rather than the field alone) as the adapted value lets Head and
// FindHarris treat the list head exactly like any other node: the head is
// simply a node that present == false, not == true, keeps it from ever
// being marked, so no special-casing is needed for the first hop.
type nodeSlot[V any] struct {
	owner *Node[V]
}

func (s nodeSlot[V]) Load() (*Node[V], bool) {
	w := s.owner.next.Load()
	return w.target, w.marked
}

func (s nodeSlot[V]) CompareAndSwap(oldTarget *Node[V], oldMarked bool, newTarget *Node[V], newMarked bool) bool {
	old := s.owner.next.Load()
	if old.target != oldTarget || old.marked != oldMarked {
		return false
	}
	return s.owner.next.CompareAndSwap(old, &nextPtr[V]{target: newTarget, marked: newMarked})
}

// rawAnchor adapts an externally owned plain pointer cell (a trie bucket
// slot) to succSlot. The cell has no mark dimension of its own, so any
// attempted transition into or out of marked is rejected outright; this
// never rejects real traffic because sentinels anchored this way are never
// deleted.
type rawAnchor[V any] struct {
	slot pointerSlot[V]
}

func (a rawAnchor[V]) Load() (*Node[V], bool) {
	return a.slot.Load(), false
}

func (a rawAnchor[V]) CompareAndSwap(oldTarget *Node[V], oldMarked bool, newTarget *Node[V], newMarked bool) bool {
	if oldMarked || newMarked {
		return false
	}
	return a.slot.CompareAndSwap(oldTarget, newTarget)
}

// List is a sorted singly-linked list with head/tail sentinels bracketing
// the full uint64 key space.
type List[V any] struct {
	head Node[V]
	tail Node[V]
}

// New creates an empty list.
func New[V any]() *List[V] {
	l := &List[V]{}
	l.tail.key = tailKey
	l.tail.next.Store(&nextPtr[V]{})
	l.head.next.Store(&nextPtr[V]{target: &l.tail})
	return l
}

// Head returns a cursor anchored at the list head.
func (l *List[V]) Head(_ *epoch.Guard) Cursor[V] {
	target, _ := (nodeSlot[V]{owner: &l.head}).Load()
	return Cursor[V]{prev: nodeSlot[V]{owner: &l.head}, curr: target}
}

// FromRaw builds a cursor anchored at an arbitrary pointer slot, already
// known to hold node. This is how splitmap turns a materialized trie leaf
// slot directly into a list cursor without re-searching from the head.
func FromRaw[V any](slot pointerSlot[V], node *Node[V]) Cursor[V] {
	return Cursor[V]{prev: rawAnchor[V]{slot: slot}, curr: node}
}

// Cursor points at a node and the slot whose value is that node's address
// (conceptually the previous node's next field, or a trie bucket slot).
type Cursor[V any] struct {
	prev succSlot[V]
	curr *Node[V]
}

// Clone returns an independent copy positioned at the same node; advancing
// the clone does not move the original.
func (c Cursor[V]) Clone() Cursor[V] { return c }

// Curr returns the node the cursor currently points at.
func (c Cursor[V]) Curr() *Node[V] { return c.curr }

// FindHarris advances the cursor to the first unmarked node whose key is >=
// target, physically unlinking any marked nodes it passes over along the
// way. It returns whether that node's key equals target exactly.
//
// A failed unlink CAS means some other goroutine changed the predecessor's
// next pointer concurrently; FindHarris reports ErrRetry rather than
// silently continuing from stale state, matching the list's documented
// contract of surfacing transient contention to the caller.
func (c *Cursor[V]) FindHarris(target uint64, _ *epoch.Guard) (bool, error) {
	prev := c.prev
	curr := c.curr
	for {
		if curr == nil {
			return false, ErrRetry
		}
		next := nodeSlot[V]{owner: curr}
		succ, marked := next.Load()
		if marked {
			if !prev.CompareAndSwap(curr, false, succ, false) {
				return false, ErrRetry
			}
			curr = succ
			continue
		}
		if curr.key >= target {
			c.prev = prev
			c.curr = curr
			return curr.key == target, nil
		}
		prev = next
		curr = succ
	}
}

// Insert CAS-links node immediately before the cursor's current position.
// On success the cursor advances onto node. On failure the caller keeps
// node and retries the whole find/insert sequence with a fresh cursor.
//
// The CAS is against the predecessor's combined (successor, marked) word,
// not just its raw successor pointer: if the predecessor was concurrently
// marked for deletion, that word has already changed, so this CAS fails
// and the caller retries instead of linking node onto a node that is
// about to be excised from the list.
func (c *Cursor[V]) Insert(node *Node[V], _ *epoch.Guard) error {
	node.next.Store(&nextPtr[V]{target: c.curr})
	if !c.prev.CompareAndSwap(c.curr, false, node, false) {
		return ErrInsertRace
	}
	c.curr = node
	return nil
}

// Delete logically marks the cursor's current node deleted and attempts to
// physically unlink it, returning its value. If the node was already
// marked by a concurrent deleter it reports ErrDeleteRace.
//
// Marking is itself a CAS on the node's own combined (successor, marked)
// word, from (succ, false) to (succ, true): the successor is carried over
// unchanged, only the mark flips. Any concurrent Insert using this node as
// its predecessor is CAS-ing against that same word, so it necessarily
// loses the race the instant this CAS lands.
func (c *Cursor[V]) Delete(guard *epoch.Guard) (V, error) {
	var zero V
	curr := c.curr
	if curr == nil || !curr.present {
		return zero, ErrDeleteRace
	}

	// A failed mark CAS whose word is still unmarked only means the
	// successor changed underneath us (a neighbour insert or unlink), so
	// reload and try again; only an existing mark is a lost race.
	var w *nextPtr[V]
	for {
		w = curr.next.Load()
		if w.marked {
			return zero, ErrDeleteRace
		}
		if curr.next.CompareAndSwap(w, &nextPtr[V]{target: w.target, marked: true}) {
			break
		}
	}

	v := curr.value
	if c.prev.CompareAndSwap(curr, false, w.target, false) && guard != nil {
		guard.Defer(func() { curr.value = zero })
	}
	return v, nil
}

// Lookup returns the value at the cursor's current position, if any.
func (c Cursor[V]) Lookup() (V, bool) {
	if c.curr == nil || !c.curr.present {
		var zero V
		return zero, false
	}
	if w := c.curr.next.Load(); w.marked {
		var zero V
		return zero, false
	}
	return c.curr.value, true
}

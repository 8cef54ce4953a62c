// Package splitmap implements the split-ordered list map described in the
// module's SPEC_FULL.md §4.2: a lock-free hash table whose buckets are
// pointers into one shared sorted linked list, where the bucket count
// doubles without ever rehashing — each new bucket is materialized by
// inserting a sentinel at a reverse-bit-ordered position in the list that
// already exists.
package splitmap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/gaarutyunov/splitordered/epoch"
	"github.com/gaarutyunov/splitordered/list"
	"github.com/gaarutyunov/splitordered/trie"
)

// loadFactor is the count/size ratio that triggers doubling size.
const loadFactor = 2

// hiBit marks a data list-key so it always sorts after its bucket's
// sentinel: a sentinel's list-key is reverse_bits(b) for b < 2^63, so its
// lowest bit (after reversal) is always clear, while a data key's lowest
// bit is always set.
const hiBit = uint64(1) << 63

// ErrKeyAbsent is returned by Lookup and Delete when key is not present.
var ErrKeyAbsent = errors.New("splitmap: key not present")

// KeyPresentError is returned by Insert when key is already present; it
// carries the rejected value back to the caller unchanged.
type KeyPresentError[V any] struct {
	Value V
}

func (e *KeyPresentError[V]) Error() string {
	return "splitmap: key already present"
}

// assertValidKey enforces the one hard contract violation this package
// does not absorb: keys must fit in [0, 2^63-1]. Reserving the
// most-significant bit to discriminate data keys from sentinel keys halves
// the addressable key space.
func assertValidKey(key uint64) {
	if key&hiBit != 0 {
		panic(fmt.Sprintf("splitmap: invalid key %d: most-significant bit must be clear", key))
	}
}

func sentinelKey(bucket uint64) uint64 { return bits.Reverse64(bucket) }
func dataKey(key uint64) uint64        { return bits.Reverse64(key | hiBit) }

// highestPowerOfTwoAtMost returns the largest power of two <= b, or 0 if
// b == 0.
func highestPowerOfTwoAtMost(b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return uint64(1) << (63 - bits.LeadingZeros64(b))
}

// Map is a lock-free map from uint64 keys in [0, 2^63-1] to values of type
// V.
type Map[V any] struct {
	buckets *trie.Trie[list.Node[V]]
	items   *list.List[V]
	gc      *epoch.Collector
	size    atomic.Uint64
	count   atomic.Int64
}

// New creates an empty map with two buckets.
func New[V any]() *Map[V] {
	m := &Map[V]{
		buckets: trie.New[list.Node[V]](),
		items:   list.New[V](),
		gc:      epoch.NewCollector(),
	}
	m.size.Store(2)
	return m
}

// Lookup returns the value associated with key, if present.
func (m *Map[V]) Lookup(key uint64) (V, bool) {
	assertValidKey(key)
	guard := m.gc.Pin()
	defer guard.Unpin()

	_, found, cursor := m.find(key, guard)
	if !found {
		var zero V
		return zero, false
	}
	return cursor.Lookup()
}

// Insert adds key/value if key is absent. If key is already present it
// returns a *KeyPresentError[V] carrying the rejected value, leaving the
// existing entry untouched.
func (m *Map[V]) Insert(key uint64, value V) error {
	assertValidKey(key)
	guard := m.gc.Pin()
	defer guard.Unpin()

	node := list.NewData(dataKey(key), value)

	var size uint64
	for {
		s, found, cursor := m.find(key, guard)
		if found {
			return &KeyPresentError[V]{Value: value}
		}
		if err := cursor.Insert(node, guard); err == nil {
			size = s
			break
		}
		// Lost the race to insert at this position; re-find and retry.
	}

	count := m.count.Add(1)
	if uint64(count) > size*loadFactor {
		// Only one attempt: if it fails another goroutine already resized,
		// or will on its own next check. No retry needed or wanted here.
		m.size.CompareAndSwap(size, size*2)
	}
	return nil
}

// Delete removes key if present and returns its value. Delete does not
// retry internally on a race with a concurrent deleter of the same key: it
// reports ErrKeyAbsent, since by the time the race is lost the key is (or
// is about to be) gone either way and the caller's retry, if any, will
// observe that correctly. See SPEC_FULL.md §9 for why this policy was
// chosen over an internal retry loop.
func (m *Map[V]) Delete(key uint64) (V, error) {
	assertValidKey(key)
	guard := m.gc.Pin()
	defer guard.Unpin()

	_, found, cursor := m.find(key, guard)
	if !found {
		var zero V
		return zero, ErrKeyAbsent
	}

	v, err := cursor.Delete(guard)
	if err != nil {
		var zero V
		return zero, ErrKeyAbsent
	}
	m.count.Add(-1)
	return v, nil
}

// find locates key's position in the shared list, returning the size
// snapshot used to compute the bucket, whether key was found, and a cursor
// at that position.
func (m *Map[V]) find(key uint64, guard *epoch.Guard) (uint64, bool, list.Cursor[V]) {
	size := m.size.Load()
	bucket := key & (size - 1)
	cursor := m.lookupBucket(bucket, guard)

	target := dataKey(key)
	for {
		c := cursor.Clone()
		found, err := c.FindHarris(target, guard)
		if err != nil {
			continue
		}
		return size, found, c
	}
}

// lookupBucket returns a cursor anchored at bucket's sentinel, recursively
// materializing parent buckets and the sentinel itself if this is the
// first time bucket has been touched.
func (m *Map[V]) lookupBucket(bucket uint64, guard *epoch.Guard) list.Cursor[V] {
	slot := m.buckets.Get(sentinelKey(bucket), guard)
	if existing := slot.Load(); existing != nil {
		return list.FromRaw[V](slot, existing)
	}

	var parent list.Cursor[V]
	if bucket == 0 {
		parent = m.items.Head(guard)
	} else {
		parent = m.lookupBucket(bucket-highestPowerOfTwoAtMost(bucket), guard)
	}

	sentinel := list.NewSentinel[V](sentinelKey(bucket))

	var cursor list.Cursor[V]
	for {
		c := parent.Clone()
		found, err := c.FindHarris(sentinel.Key(), guard)
		if err != nil {
			continue
		}
		if found {
			// Another goroutine materialized this bucket first.
			cursor = c
			break
		}
		if err := c.Insert(sentinel, guard); err == nil {
			cursor = c
			break
		}
		// Lost the race; re-find from the parent and retry the insert.
	}

	if !slot.CompareAndSwap(nil, cursor.Curr()) {
		// Another goroutine already cached this bucket's sentinel in the
		// trie; its pointer is equal by list-key, so losing this CAS is
		// benign (see SPEC_FULL.md / spec.md §5: trie publication is not on
		// the map's linearization path).
	}
	return cursor
}

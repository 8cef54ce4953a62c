package trie

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaarutyunov/splitordered/epoch"
)

type leaf struct {
	tag string
}

func TestGetGrowsHeightAndReturnsDistinctSlots(t *testing.T) {
	tr := New[leaf]()
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	require.Equal(t, 0, tr.Height())

	// 0b111011 needs more than one digit's worth of bits once L is small;
	// with the production L=10 both indices fit in the root segment, so the
	// height only grows from 0 to 1 here.
	s1 := tr.Get(0b111011, g)
	s2 := tr.Get(0b000110, g)

	require.GreaterOrEqual(t, tr.Height(), 1)

	a := &leaf{tag: "cat"}
	b := &leaf{tag: "owl"}
	require.True(t, s1.CompareAndSwap(nil, a))
	require.True(t, s2.CompareAndSwap(nil, b))

	require.Same(t, a, s1.Load())
	require.Same(t, b, s2.Load())
	require.NotSame(t, s1.Load(), s2.Load())
}

func TestGetIsStableAcrossCalls(t *testing.T) {
	tr := New[leaf]()
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	idx := uint64(1) << 40 // forces several height raises
	s1 := tr.Get(idx, g)
	v := &leaf{tag: "first"}
	require.True(t, s1.CompareAndSwap(nil, v))

	s2 := tr.Get(idx, g)
	require.Same(t, v, s2.Load())
}

func TestHeightGrowsOnlyAsNeeded(t *testing.T) {
	tr := New[leaf]()
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	tr.Get(0, g)
	h0 := tr.Height()
	require.GreaterOrEqual(t, h0, 1)

	tr.Get(maxAddressable(h0), g)
	require.Equal(t, h0, tr.Height())

	tr.Get(maxAddressable(h0)+1, g)
	require.Greater(t, tr.Height(), h0)
}

func TestConcurrentGetConvergesOnSameSlot(t *testing.T) {
	tr := New[leaf]()
	col := epoch.NewCollector()

	const idx = uint64(123456789)
	const n = 64

	slots := make([]Slot[leaf], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := col.Pin()
			defer g.Unpin()
			slots[i] = tr.Get(idx, g)
		}(i)
	}
	wg.Wait()

	v := &leaf{tag: "winner"}
	require.True(t, slots[0].CompareAndSwap(nil, v))
	for i := 1; i < n; i++ {
		require.Same(t, v, slots[i].Load())
	}
}

func TestWalkVisitsFullFanoutNotJustMaxKey(t *testing.T) {
	tr := New[leaf]()
	col := epoch.NewCollector()
	g := col.Pin()
	defer g.Unpin()

	// Force the trie to height 2, then populate the very last slot of the
	// root segment (index S-1 at the top digit) to make sure Walk reaches
	// segments at every index, not just 0..max_key as the fragile
	// reference implementation did. The trie then holds three segments: the
	// root, the old height-1 root at slot 0, and the leaf segment at slot
	// S-1, which a walk stopping before the last slot would miss.
	top := uint64(S-1) << L
	slot := tr.Get(top, g)
	require.True(t, slot.CompareAndSwap(nil, &leaf{tag: "edge"}))

	var segCount int
	tr.Walk(func(depth int) { segCount++ })
	require.Equal(t, 3, segCount)
}

package epoch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPinUnpinTracksActiveGuards(t *testing.T) {
	c := NewCollector()

	g1 := c.Pin()
	g2 := c.Pin()

	var n int
	c.active.Range(func(_, _ any) bool { n++; return true })
	require.Equal(t, 2, n)

	g1.Unpin()
	g2.Unpin()

	n = 0
	c.active.Range(func(_, _ any) bool { n++; return true })
	require.Equal(t, 0, n)
}

func TestDeferRunsOnceAllGuardsAdvance(t *testing.T) {
	c := NewCollector()

	g := c.Pin()
	ran := false
	g.Defer(func() { ran = true })

	// The epoch advances from 1 to 2 here, but garbage filed at epoch 1
	// only runs when the epoch advances from 3 to 4.
	require.False(t, ran)

	g.Unpin()

	// With no guards active, two more pin/defer/unpin cycles advance the
	// epoch to 3 and then 4, and the second of them runs the first bag.
	g2 := c.Pin()
	g2.Defer(func() {})
	g2.Unpin()

	g3 := c.Pin()
	g3.Defer(func() {})
	g3.Unpin()

	require.True(t, ran)
}

func TestConcurrentPinUnpinDoesNotRace(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				g := c.Pin()
				g.Defer(func() {})
				g.Unpin()
			}
		}()
	}
	wg.Wait()
}

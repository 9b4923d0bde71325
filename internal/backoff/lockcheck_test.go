package backoff

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockOrderViolationPanics(t *testing.T) {
	s := orderedMutex{rank: rankSession}
	b := orderedMutex{rank: rankBackoff}

	s.Lock()
	defer s.Unlock()
	require.PanicsWithValue(t,
		"lock order violation: acquiring backoff lock while holding session lock",
		func() { b.Lock() })
}

func TestLockOrderSameRankPanics(t *testing.T) {
	a := orderedMutex{rank: rankPG}
	b := orderedMutex{rank: rankPG}

	a.Lock()
	defer a.Unlock()
	require.Panics(t, func() { b.Lock() })
}

func TestLockOrderDescendingAllowed(t *testing.T) {
	b := orderedMutex{rank: rankBackoff}
	p := orderedMutex{rank: rankPG}
	s := orderedMutex{rank: rankSession}

	b.Lock()
	p.Lock()
	s.Lock()
	s.Unlock()
	p.Unlock()
	b.Unlock()

	// Reacquire to confirm the held bookkeeping drained.
	s.Lock()
	s.Unlock()
}

func TestHeldByCurrent(t *testing.T) {
	m := orderedMutex{rank: rankBackoff}
	require.False(t, m.heldByCurrent())

	m.Lock()
	require.True(t, m.heldByCurrent())

	// Another goroutine does not own it.
	done := make(chan bool)
	go func() { done <- m.heldByCurrent() }()
	require.False(t, <-done)
	m.Unlock()
}

func TestLockCheckPerGoroutine(t *testing.T) {
	// Rank tracking is per goroutine: two goroutines may hold different
	// ranks at once without tripping the checker.
	p := orderedMutex{rank: rankPG}
	s := orderedMutex{rank: rankSession}

	p.Lock()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Lock()
		s.Unlock()
	}()
	wg.Wait()
	p.Unlock()
}

func TestGoidStable(t *testing.T) {
	g := goid()
	require.NotZero(t, g)
	require.Equal(t, g, goid())

	other := make(chan int64)
	go func() { other <- goid() }()
	require.NotEqual(t, g, <-other)
}

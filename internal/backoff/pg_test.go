package backoff

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeCovers(t *testing.T) {
	r := Range{Begin: "b", End: "d"}
	require.True(t, r.Covers("b"))
	require.True(t, r.Covers("c"))
	require.False(t, r.Covers("d"))
	require.False(t, r.Covers("a"))

	single := Range{Begin: "x", End: "x"}
	require.True(t, single.Covers("x"))
	require.False(t, single.Covers("y"))
}

func TestAddBackoffNotifies(t *testing.T) {
	n := &recordingNotifier{}
	s := NewSession(1, "test", n, nil)
	pg := newTestPG(t, "1.0")

	b := pg.AddBackoff(s, "a", "b")
	require.Equal(t, []string{fmt.Sprintf("block %d [a,b)", b.ID)}, n.snapshot())
}

func TestReleaseNotifiesAfterBlock(t *testing.T) {
	n := &recordingNotifier{}
	s := NewSession(1, "test", n, nil)
	pg := newTestPG(t, "1.0")

	b := pg.AddBackoff(s, "a", "b")
	require.Equal(t, 1, pg.ReleaseBackoffs("a", "b"))

	require.Equal(t, []string{
		fmt.Sprintf("block %d [a,b)", b.ID),
		fmt.Sprintf("unblock %d [a,b)", b.ID),
	}, n.snapshot())
}

func TestReleaseContainedOnly(t *testing.T) {
	s := NewSession(1, "test", nil, nil)
	pg := newTestPG(t, "1.0")

	inside := pg.AddBackoff(s, "c", "d")
	straddles := pg.AddBackoff(s, "b", "f")

	// Only ranges wholly inside [b, e] go; the straddling one does not fit.
	require.Equal(t, 1, pg.ReleaseBackoffs("b", "e"))
	require.True(t, inside.IsDeleting())
	require.True(t, straddles.IsNew())
	require.Equal(t, 1, pg.BackoffCount())
}

func TestReleaseAckedUnlinksImmediately(t *testing.T) {
	s := NewSession(1, "test", nil, nil)
	pg := newTestPG(t, "1.0")

	b := pg.AddBackoff(s, "a", "b")
	s.AckBackoff("1.0", b.ID, "a", "b")
	require.True(t, b.IsAcked())

	require.Equal(t, 1, pg.ReleaseBackoffs("a", "b"))
	require.True(t, b.IsDeleting())
	require.EqualValues(t, 0, s.BackoffCount(), "acked backoff needs no removal handshake")
	b.mu.Lock()
	require.Nil(t, b.session)
	require.Nil(t, b.pg)
	b.mu.Unlock()
}

func TestReleaseIdempotent(t *testing.T) {
	s := NewSession(1, "test", nil, nil)
	pg := newTestPG(t, "1.0")
	pg.AddBackoff(s, "a", "b")

	require.Equal(t, 1, pg.ReleaseBackoffs("a", "b"))
	require.Equal(t, 0, pg.ReleaseBackoffs("a", "b"))
	require.Equal(t, 0, pg.ClearBackoffs())
}

func TestClearBackoffsReleasesEverything(t *testing.T) {
	s1 := NewSession(1, "test", nil, nil)
	s2 := NewSession(2, "test", nil, nil)
	pg := newTestPG(t, "1.0")

	pg.AddBackoff(s1, "a", "b")
	pg.AddBackoff(s2, "c", "d")
	b := pg.AddBackoff(s2, "e", "f")
	s2.AckBackoff("1.0", b.ID, "e", "f")

	require.Equal(t, 3, pg.ClearBackoffs())
	require.Equal(t, 0, pg.BackoffCount())
	// Unacked ones wait for the removal ack, the acked one is gone.
	require.EqualValues(t, 1, s1.BackoffCount())
	require.EqualValues(t, 1, s2.BackoffCount())
}

func TestDegradeAndRecover(t *testing.T) {
	pg := newTestPG(t, "1.0")

	pg.Degrade("b", "d")
	pg.Degrade("b", "d") // duplicate collapses
	pg.Degrade("x", "z")
	require.Len(t, pg.DegradedRanges(), 2)

	r, ok := pg.DegradedRange("c")
	require.True(t, ok)
	require.Equal(t, Range{Begin: "b", End: "d"}, r)
	_, ok = pg.DegradedRange("d")
	require.False(t, ok)

	s := NewSession(1, "test", nil, nil)
	pg.AddBackoff(s, "b", "d")

	require.Equal(t, 1, pg.Recover("b", "d"))
	require.Len(t, pg.DegradedRanges(), 1)
	_, ok = pg.DegradedRange("c")
	require.False(t, ok)
}

func TestRecoverAll(t *testing.T) {
	pg := newTestPG(t, "1.0")
	s := NewSession(1, "test", nil, nil)

	pg.Degrade("a", "m")
	pg.Degrade("n", "z")
	pg.AddBackoff(s, "a", "m")
	pg.AddBackoff(s, "n", "z")

	require.Equal(t, 2, pg.RecoverAll())
	require.Empty(t, pg.DegradedRanges())
	require.Equal(t, 0, pg.BackoffCount())
}

func TestReleaseAfterSessionTeardown(t *testing.T) {
	s := NewSession(1, "test", nil, nil)
	pg := newTestPG(t, "1.0")
	b := pg.AddBackoff(s, "a", "b")

	s.ClearBackoffs()
	require.Equal(t, 0, pg.BackoffCount(), "teardown already unlinked the pg side")
	require.Equal(t, 0, pg.ReleaseBackoffs("a", "b"))
	b.mu.Lock()
	require.Nil(t, b.session)
	require.Nil(t, b.pg)
	b.mu.Unlock()
}

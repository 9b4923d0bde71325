package backoff

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	SetLockCheck(true)
	os.Exit(m.Run())
}

func TestStateNames(t *testing.T) {
	require.Equal(t, "new", StateNew.String())
	require.Equal(t, "acked", StateAcked.String())
	require.Equal(t, "deleting", StateDeleting.String())
	require.Equal(t, "???", State(0).String())
}

func TestBackoffPredicates(t *testing.T) {
	b := newBackoff("1.0", nil, nil, 1, "a", "b")
	require.True(t, b.IsNew())
	require.False(t, b.IsAcked())
	require.False(t, b.IsDeleting())
	require.Equal(t, "new", b.StateName())

	b.mu.Lock()
	b.setStateLocked(StateAcked)
	b.mu.Unlock()
	require.True(t, b.IsAcked())

	b.mu.Lock()
	b.setStateLocked(StateDeleting)
	b.mu.Unlock()
	require.True(t, b.IsDeleting())
}

func TestStateTransitionRequiresLock(t *testing.T) {
	b := newBackoff("1.0", nil, nil, 1, "a", "b")
	require.Panics(t, func() {
		b.setStateLocked(StateAcked)
	})
}

func TestBackoffString(t *testing.T) {
	b := newBackoff("1.7", nil, nil, 42, "obj10", "obj20")
	require.Equal(t, "Backoff(1.7 42 new [obj10,obj20))", b.String())
}

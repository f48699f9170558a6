package lock

import (
	"testing"
	"time"

	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMassNeverExceedsEight(t *testing.T) {
	table := NewTable()
	rel := catalog.OID(1)

	require.NoError(t, table.Acquire(rel, 1, RowExclusive, true, 0))
	require.NoError(t, table.Acquire(rel, 2, RowExclusive, true, 0))

	err := table.Acquire(rel, 3, AccessExclusive, true, 0)
	assert.Error(t, err)
	assert.LessOrEqual(t, table.CurrentMass(rel), maxMass)
}

func TestCompatibleModesBothGrant(t *testing.T) {
	table := NewTable()
	rel := catalog.OID(1)

	require.NoError(t, table.Acquire(rel, 1, AccessShare, true, 0))
	require.NoError(t, table.Acquire(rel, 2, RowShare, true, 0))
	assert.Equal(t, int(AccessShare)+int(RowShare), table.CurrentMass(rel))
}

func TestExclusiveRejectedWhenAnyMassHeld(t *testing.T) {
	table := NewTable()
	rel := catalog.OID(1)
	require.NoError(t, table.Acquire(rel, 1, AccessShare, true, 0))
	err := table.Acquire(rel, 2, AccessExclusive, true, 0)
	assert.Error(t, err)
}

func TestReleaseDecrementsMass(t *testing.T) {
	table := NewTable()
	rel := catalog.OID(1)
	require.NoError(t, table.Acquire(rel, 1, Exclusive, true, 0))
	assert.Equal(t, int(Exclusive), table.CurrentMass(rel))

	ok := table.Release(rel, 1, Exclusive)
	assert.True(t, ok)
	assert.Equal(t, 0, table.CurrentMass(rel))
}

func TestReleaseUnheldModeReturnsFalse(t *testing.T) {
	table := NewTable()
	rel := catalog.OID(1)
	require.NoError(t, table.Acquire(rel, 1, Share, true, 0))

	assert.False(t, table.Release(rel, 1, Exclusive))
	assert.False(t, table.Release(rel, 2, Share))
	assert.True(t, table.Release(rel, 1, Share))
}

func TestAcquireRetriesOnceAfterWait(t *testing.T) {
	table := NewTable()
	rel := catalog.OID(1)
	require.NoError(t, table.Acquire(rel, 1, AccessExclusive, true, 0))

	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		table.Release(rel, 1, AccessExclusive)
		close(done)
	}()

	// The first try fails while holder 1 still has AccessExclusive; the
	// retry after the wait succeeds once the goroutine has released it.
	require.NoError(t, table.Acquire(rel, 2, Share, false, 0.5))
	<-done
}

func TestLWLockExcludesConcurrentHolders(t *testing.T) {
	var l LWLock
	l.Lock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
		l.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired the latch while it was held")
	case <-time.After(50 * time.Millisecond):
	}
	l.Unlock()
	<-acquired
}

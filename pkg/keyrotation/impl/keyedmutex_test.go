package impl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesPerFeed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	locks := newKeyedMutex()

	release, err := locks.acquire(ctx, "feed-1")
	require.NoError(t, err)

	// Another feed's lock is independent.
	releaseOther, err := locks.acquire(ctx, "feed-2")
	require.NoError(t, err)
	releaseOther()

	// A second waiter on the same feed times out while the lock is held.
	shortCtx, cancel := context.WithTimeout(ctx, time.Millisecond*50)
	defer cancel()
	_, err = locks.acquire(shortCtx, "feed-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release, err = locks.acquire(ctx, "feed-1")
	require.NoError(t, err)
	release()

	// All locks released, the map must not leak entries.
	locks.mu.Lock()
	defer locks.mu.Unlock()
	require.Empty(t, locks.entries)
}

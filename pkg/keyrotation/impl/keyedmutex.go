package impl

import (
	"context"
	"sync"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// keyedMutex serializes rotations per feed. Entries are dropped once the
// last waiter releases, so the map only holds feeds with rotations in
// flight.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[feedmesh.FeedID]*mutexEntry
}

type mutexEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: map[feedmesh.FeedID]*mutexEntry{}}
}

// acquire blocks until the feed's lock is held or ctx is done. On success
// it returns the release function.
func (k *keyedMutex) acquire(ctx context.Context, feedID feedmesh.FeedID) (func(), error) {
	k.mu.Lock()
	entry, ok := k.entries[feedID]
	if !ok {
		entry = &mutexEntry{ch: make(chan struct{}, 1)}
		k.entries[feedID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return func() {
			<-entry.ch
			k.put(feedID, entry)
		}, nil
	case <-ctx.Done():
		k.put(feedID, entry)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) put(feedID feedmesh.FeedID, entry *mutexEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, feedID)
	}
}

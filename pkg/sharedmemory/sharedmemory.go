// Package sharedmemory exchanges the finalization watermark between the
// ingest pipeline and the read path.
package sharedmemory

import (
	"sync"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// SharedMemory is an in-memory thread-safe view of the chain clock. The
// ingest pipeline advances it on every finalized block; rotations and
// watermark bumps read it as "now".
type SharedMemory struct {
	mu                 sync.RWMutex
	lastFinalizedBlock feedmesh.BlockIndex
	seen               bool
}

// NewSharedMemory creates a new SharedMemory object.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{}
}

// SetLastFinalizedBlock advances the finalization watermark. Stale values
// are ignored so out-of-order callers can't rewind the clock.
func (sm *SharedMemory) SetLastFinalizedBlock(blockIndex feedmesh.BlockIndex) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.seen && blockIndex <= sm.lastFinalizedBlock {
		return
	}
	sm.lastFinalizedBlock = blockIndex
	sm.seen = true
}

// GetLastFinalizedBlock gets the finalization watermark.
func (sm *SharedMemory) GetLastFinalizedBlock() (feedmesh.BlockIndex, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastFinalizedBlock, sm.seen
}

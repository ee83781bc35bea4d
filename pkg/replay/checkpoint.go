package replay

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/efeslab/hase/pkg/decoder"
	"github.com/efeslab/hase/pkg/trace"
)

// Checkpoint is a plain-data snapshot of machine state at a trace
// offset, plus the decode position to resume from. Checkpoints hold no
// live references into the session and can be evicted and recomputed
// freely.
type Checkpoint struct {
	Offset   uint64
	Regs     trace.Registers
	Mem      *Memory
	Cursor   decoder.Cursor
	Desynced bool
}

// String returns a human-readable representation of the checkpoint.
func (c *Checkpoint) String() string {
	return fmt.Sprintf("Checkpoint{Offset: %d, RIP: 0x%x}", c.Offset, c.Regs.Rip)
}

// checkpointStore caches checkpoints with LRU eviction. Eviction is
// safe: a dropped checkpoint just costs a longer replay next time.
type checkpointStore struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newCheckpointStore(size int) (*checkpointStore, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &checkpointStore{cache: c}, nil
}

// nearest returns the cached checkpoint with the largest offset at or
// before target.
func (s *checkpointStore) nearest(target uint64) (*Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Checkpoint
	for _, k := range s.cache.Keys() {
		off := k.(uint64)
		if off > target {
			continue
		}
		if best == nil || off > best.Offset {
			if v, ok := s.cache.Peek(k); ok {
				best = v.(*Checkpoint)
			}
		}
	}
	if best == nil {
		return nil, false
	}
	// Touch it so hot checkpoints stay resident.
	s.cache.Get(best.Offset)
	return best, true
}

func (s *checkpointStore) add(cp *Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(cp.Offset, cp)
}

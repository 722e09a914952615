// Package evictor provides a reference Evictor implementation. spec.md §1
// treats the eviction algorithm itself as a Non-goal — only the pagestore.Evictor
// interface is mandated — but a worker still needs something pluggable in
// front of pagestore.Dir, so this package wires
// github.com/hashicorp/golang-lru as the default policy.
package evictor

import (
	"context"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/grafana/blockworker/pkg/pagestore"
)

// LRU is a pagestore.Evictor that evicts the least-recently-touched
// unpinned block first.
type LRU struct {
	mu     sync.Mutex
	pinned map[pagestore.BlockID]struct{}
	order  *lru.Cache
}

// New creates an LRU evictor. trackLimit bounds how many distinct block ids
// the recency order remembers; once exceeded the coldest entries are simply
// forgotten (they fall back to "unknown recency" rather than leaking
// memory). A trackLimit of 0 uses a generous default.
func New(trackLimit int) *LRU {
	if trackLimit <= 0 {
		trackLimit = math.MaxInt32 >> 4
	}
	c, err := lru.New(trackLimit)
	if err != nil {
		// lru.New only errors for size <= 0, which we've just excluded.
		panic(err)
	}
	return &LRU{
		pinned: make(map[pagestore.BlockID]struct{}),
		order:  c,
	}
}

// Touch records an access to blockID, moving it to the most-recently-used
// end. Not part of the pagestore.Evictor interface: only callers with
// direct access to an *LRU can call it, and nothing in this module does, so
// EvictUntil only sees blocks that some caller has touched.
func (e *LRU) Touch(blockID pagestore.BlockID) {
	e.order.Add(blockID, struct{}{})
}

func (e *LRU) AddPinned(blockID pagestore.BlockID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, already := e.pinned[blockID]; already {
		return false
	}
	e.pinned[blockID] = struct{}{}
	return true
}

func (e *LRU) RemovePinned(blockID pagestore.BlockID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pinned, blockID)
}

func (e *LRU) IsPinned(blockID pagestore.BlockID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pinned[blockID]
	return ok
}

// EvictUntil walks candidates oldest-first, skipping pinned blocks, calling
// reclaim on each until needed bytes have been freed or candidates are
// exhausted.
func (e *LRU) EvictUntil(ctx context.Context, needed int64, reclaim func(pagestore.BlockID) (int64, error)) error {
	var freed int64
	for _, key := range e.order.Keys() {
		if freed >= needed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		blockID := key.(pagestore.BlockID)
		e.mu.Lock()
		_, pinned := e.pinned[blockID]
		e.mu.Unlock()
		if pinned {
			continue
		}

		n, err := reclaim(blockID)
		if err != nil {
			return err
		}
		freed += n
		e.order.Remove(blockID)
	}
	return nil
}

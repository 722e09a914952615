package loadjob

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/blockworker/pkg/ufs"
)

// Iterator is the lazy, finite sequence of file status records spec.md §9's
// "Iterator abstraction for load listing" calls for: has_next/next advance
// monotonically and may suspend on network I/O. This implementation drives
// ufs.StreamCache.Walk on a background goroutine, the same
// channel-plus-errgroup handoff fetcher.go's fetchMetadata uses to turn a
// bucket Iter callback into something pullable one item at a time.
type Iterator struct {
	cache ufs.StreamCache
	path  string

	once      sync.Once
	items     chan ufs.ObjectInfo
	errOnce   sync.Once
	err       error
	done      chan struct{}
	exhausted atomic.Bool
}

// NewIterator creates an iterator over every regular file under path.
// Enumeration does not start until the first Next call.
func NewIterator(cache ufs.StreamCache, path string) *Iterator {
	return &Iterator{
		cache: cache,
		path:  path,
		items: make(chan ufs.ObjectInfo, 64),
		done:  make(chan struct{}),
	}
}

func (it *Iterator) start(ctx context.Context) {
	it.once.Do(func() {
		go func() {
			defer close(it.items)
			err := it.cache.Walk(ctx, it.path, func(obj ufs.ObjectInfo) error {
				select {
				case it.items <- obj:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				it.errOnce.Do(func() { it.err = errors.Wrapf(err, "enumerate %s", it.path) })
			}
		}()
	})
}

// Next returns the next file, or ok=false once enumeration is exhausted
// (check Err afterwards to distinguish clean exhaustion from failure).
func (it *Iterator) Next(ctx context.Context) (ufs.ObjectInfo, bool, error) {
	it.start(ctx)
	select {
	case obj, ok := <-it.items:
		if !ok {
			it.exhausted.Store(true)
			return ufs.ObjectInfo{}, false, it.Err()
		}
		return obj, true, nil
	case <-ctx.Done():
		return ufs.ObjectInfo{}, false, ctx.Err()
	}
}

// Err returns the first enumeration error, if any, once the item channel
// has been drained to exhaustion.
func (it *Iterator) Err() error { return it.err }

// Exhausted reports whether Next has already observed the end of the
// sequence.
func (it *Iterator) Exhausted() bool { return it.exhausted.Load() }

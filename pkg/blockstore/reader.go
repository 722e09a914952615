package blockstore

import (
	"context"
	"io"
	"sync"

	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"

	"github.com/grafana/blockworker/pkg/pagestore"
	"github.com/grafana/blockworker/pkg/ufs"
)

// Reader presents a byte stream over a block, filling cache gaps from UFS
// (spec.md §4.4). It is single-consumer: callers must not use a Reader from
// more than one goroutine concurrently.
//
// A Reader is returned by Store.CreateBlockReader already wired with the
// release hook the scoped-reader design note (spec.md §9) calls for; Close
// runs that hook exactly once regardless of how Read ends.
type Reader struct {
	ctx context.Context

	dir      pagestore.Dir
	fileID   uint64
	blockID  BlockID
	pageSize int64
	length   int64 // known length; -1 if unknown

	ufsCache ufs.StreamCache
	ufsPath  string
	caching  bool

	fetch *singleflight.Group

	offset  int64
	metrics *Metrics

	closeOnce sync.Once
	onClose   func() error
	closeErr  error
}

// ReaderOptions configures a Reader's UFS fallback. UfsCache/UfsPath may be
// zero if the block is already fully cached (no possible miss).
type ReaderOptions struct {
	UfsCache ufs.StreamCache
	UfsPath  string
	Caching  bool
	OnClose  func() error
}

// NewReader creates a reader over block starting logically at offset 0;
// callers position it with Seek before the first Read, after which it
// exposes only sequential io.Reader semantics. length is the known block
// length, or -1 if it is not known. fileID keys both cached-page lookups
// and the singleflight collapse of UFS fetches, so it must identify the
// block even when dir is nil.
func NewReader(ctx context.Context, blockID BlockID, dir pagestore.Dir, fileID uint64, pageSize, length int64, fetch *singleflight.Group, metrics *Metrics, opts ReaderOptions) *Reader {
	return &Reader{
		ctx:      ctx,
		dir:      dir,
		fileID:   fileID,
		blockID:  blockID,
		pageSize: pageSize,
		length:   length,
		ufsCache: opts.UfsCache,
		ufsPath:  opts.UfsPath,
		caching:  opts.Caching,
		fetch:    fetch,
		metrics:  metrics,
		onClose:  opts.OnClose,
	}
}

// Seek repositions the reader; only used internally (e.g. create_block_reader's
// offset parameter) before the first Read.
func (r *Reader) Seek(offset int64) { r.offset = offset }

// Read implements io.Reader, serving from cached pages and falling back to
// UFS page-by-page on miss.
func (r *Reader) Read(p []byte) (int, error) {
	if r.length >= 0 && r.offset >= r.length {
		return 0, io.EOF
	}

	pageIndex := uint32(r.offset / r.pageSize)
	pageStart := int64(pageIndex) * r.pageSize
	inPage := r.offset - pageStart

	page, err := r.pageAt(pageIndex)
	if err != nil {
		return 0, err
	}
	if inPage >= int64(len(page)) {
		return 0, io.EOF
	}

	n := copy(p, page[inPage:])
	r.offset += int64(n)
	if r.metrics != nil {
		r.metrics.BytesRead.Add(float64(n))
	}
	return n, nil
}

// pageAt returns the bytes of page index, from cache if present, else from
// UFS (collapsing concurrent misses for the same page via singleflight and
// populating the cache if r.caching).
func (r *Reader) pageAt(index uint32) ([]byte, error) {
	if r.dir != nil {
		data, err := r.dir.ReadPage(r.fileID, index)
		if err == nil {
			if r.metrics != nil {
				r.metrics.CacheHits.Inc()
			}
			return data, nil
		}
	}

	if r.ufsCache == nil {
		return nil, internal(errors.Errorf("page %d of block %d not cached and no UFS fallback configured", index, r.blockID))
	}
	if r.metrics != nil {
		r.metrics.CacheMisses.Inc()
	}

	key := ufsPageKey(r.fileID, index)
	v, err := r.fetch.Do(key, func() (interface{}, error) {
		return r.fetchAndMaybeCache(index)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (r *Reader) fetchAndMaybeCache(index uint32) ([]byte, error) {
	// Re-check the cache: another goroutine may have populated this page
	// between our miss and winning the singleflight race.
	if r.dir != nil {
		if data, err := r.dir.ReadPage(r.fileID, index); err == nil {
			return data, nil
		}
	}

	offset := int64(index) * r.pageSize
	want := r.pageSize
	if r.length >= 0 {
		if remaining := r.length - offset; remaining < want {
			want = remaining
		}
	}

	stream, err := r.ufsCache.OpenAt(r.ctx, r.ufsPath, offset)
	if err != nil {
		if errors.Is(err, ufs.ErrNotExist) {
			return nil, notFoundf("ufs path %s not found", r.ufsPath)
		}
		return nil, internal(errors.Wrapf(err, "open ufs path %s at offset %d", r.ufsPath, offset))
	}
	defer stream.Close()

	buf := make([]byte, want)
	n, err := io.ReadFull(stream, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, internal(errors.Wrapf(err, "read ufs path %s at offset %d", r.ufsPath, offset))
	}
	buf = buf[:n]

	if r.caching {
		if err := r.dir.WritePage(r.fileID, index, buf); err != nil {
			return nil, internal(errors.Wrapf(err, "cache page %d of block %d", index, r.blockID))
		}
	}
	return buf, nil
}

// Close runs the release hook exactly once, whatever the caller's exit path
// (spec.md §9 "Scoped reader with deferred release").
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		if r.onClose != nil {
			r.closeErr = r.onClose()
		}
	})
	return r.closeErr
}

func ufsPageKey(fileID uint64, index uint32) string {
	var buf [12]byte
	putUint64(buf[0:8], fileID)
	buf[8] = byte(index)
	buf[9] = byte(index >> 8)
	buf[10] = byte(index >> 16)
	buf[11] = byte(index >> 24)
	return string(buf[:])
}

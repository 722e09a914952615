// Package ufs models the underlying file system (UFS): the authoritative
// source streamed from on a block store cache miss, and the tree the load
// job enumerates (spec.md §1, §4.6). Both the block store's reader and the
// load job's file iterator depend only on the StreamCache interface here;
// BucketStreamCache is the one concrete implementation, backed by
// github.com/thanos-io/objstore the same way the teacher's BaseFetcher
// (pkg/storage/tsdb/block/fetcher.go) is backed by an
// objstore.InstrumentedBucketReader.
package ufs

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
)

// ErrNotExist is returned when a UFS path does not exist.
var ErrNotExist = errors.New("ufs: path does not exist")

// ObjectInfo is the subset of UFS file metadata the block store and load
// job need.
type ObjectInfo struct {
	Path   string
	Length int64
}

// StreamCache returns positioned input streams for UFS paths and lists
// directory trees.
type StreamCache interface {
	// OpenAt returns a stream starting at byte offset of ufsPath. The
	// caller must Close it.
	OpenAt(ctx context.Context, ufsPath string, offset int64) (io.ReadCloser, error)

	// Stat returns metadata for ufsPath, or ErrNotExist.
	Stat(ctx context.Context, ufsPath string) (ObjectInfo, error)

	// Walk calls fn for every regular file under prefix (a directory tree
	// enumeration, used by the load job). Iteration stops and Walk
	// returns the first error fn returns, other than the sentinel used to
	// stop early (errStop is unexported; return it via StopWalk()).
	Walk(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
}

var errStop = errors.New("ufs: stop walk")

// StopWalk is returned by a Walk callback to stop enumeration without
// propagating an error.
func StopWalk() error { return errStop }

// BucketStreamCache adapts an objstore.Bucket into a StreamCache.
type BucketStreamCache struct {
	bkt objstore.Bucket
}

// NewBucketStreamCache wraps bkt.
func NewBucketStreamCache(bkt objstore.Bucket) *BucketStreamCache {
	return &BucketStreamCache{bkt: bkt}
}

func (c *BucketStreamCache) OpenAt(ctx context.Context, ufsPath string, offset int64) (io.ReadCloser, error) {
	r, err := c.bkt.GetRange(ctx, ufsPath, offset, -1)
	if c.bkt.IsObjNotFoundErr(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s at offset %d", ufsPath, offset)
	}
	return r, nil
}

func (c *BucketStreamCache) Stat(ctx context.Context, ufsPath string) (ObjectInfo, error) {
	attrs, err := c.bkt.Attributes(ctx, ufsPath)
	if c.bkt.IsObjNotFoundErr(err) {
		return ObjectInfo{}, ErrNotExist
	}
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "stat %s", ufsPath)
	}
	return ObjectInfo{Path: ufsPath, Length: attrs.Size}, nil
}

func (c *BucketStreamCache) Walk(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	err := c.bkt.Iter(ctx, prefix, func(name string) error {
		if strings.HasSuffix(name, objstore.DirDelim) {
			return c.Walk(ctx, name, fn)
		}
		attrs, err := c.bkt.Attributes(ctx, name)
		if err != nil {
			return errors.Wrapf(err, "attributes %s", name)
		}
		return fn(ObjectInfo{Path: name, Length: attrs.Size})
	}, objstore.WithRecursiveIter)
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

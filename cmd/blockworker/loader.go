package main

import (
	"context"
	"hash/fnv"
	"io"

	"github.com/pkg/errors"

	"github.com/grafana/blockworker/pkg/blockstore"
	"github.com/grafana/blockworker/pkg/ufs"
	"github.com/grafana/blockworker/pkg/workerclient"
)

// storeLoader adapts the block store onto workerclient.Loader: loading a
// file means streaming it from the UFS into a freshly created block and
// committing it, the worker-side half of the load job's load_file RPC.
type storeLoader struct {
	store    *blockstore.Store
	ufsCache ufs.StreamCache
}

// blockIDFor derives a stable block id from a file's Alluxio path, the way
// a real worker would key a loaded file's single constituent block off the
// path a client addresses it by.
func blockIDFor(alluxioPath string) blockstore.BlockID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(alluxioPath))
	return blockstore.BlockID(h.Sum64())
}

func (l *storeLoader) LoadFile(ctx context.Context, ref workerclient.FileRef, verify bool) (bool, error) {
	block := blockIDFor(ref.AlluxioPath)
	if l.store.HasBlock(block) {
		return false, nil
	}

	writer, err := l.store.CreateBlockWriter(ctx, 0, block)
	if err != nil {
		return false, errors.Wrapf(err, "create writer for %s", ref.AlluxioPath)
	}

	src, err := l.ufsCache.OpenAt(ctx, ref.UfsPath, 0)
	if err != nil {
		if errors.Is(err, ufs.ErrNotExist) {
			return false, errors.Wrapf(err, "ufs path %s does not exist", ref.UfsPath)
		}
		return true, errors.Wrapf(err, "open ufs path %s", ref.UfsPath)
	}
	defer src.Close()

	buf := make([]byte, l.store.PageSize())
	for {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if werr := writer.WritePage(buf[:n]); werr != nil {
				_ = l.store.Abort(block)
				return true, errors.Wrapf(werr, "write page for %s", ref.AlluxioPath)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			_ = l.store.Abort(block)
			return true, errors.Wrapf(readErr, "read ufs path %s", ref.UfsPath)
		}
	}
	if err := writer.Close(); err != nil {
		return true, errors.Wrapf(err, "close writer for %s", ref.AlluxioPath)
	}

	if err := l.store.Commit(ctx, 0, block, false); err != nil {
		return true, errors.Wrapf(err, "commit %s", ref.AlluxioPath)
	}
	return false, nil
}

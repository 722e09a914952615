package blockstore

import (
	"github.com/pkg/errors"

	"github.com/grafana/blockworker/pkg/pagestore"
)

// Writer accepts sequential page-sized writes into a temp block (spec.md
// §4.4, "Writer adapter"). Every call but possibly the last must carry
// exactly pageSize bytes; the temp-bytes counter tracked by the owning
// directory advances one page at a time as WritePage succeeds.
//
// Writer is single-consumer: it is not safe for concurrent use by multiple
// goroutines, matching the reader adapter's contract.
type Writer struct {
	block    BlockID
	dir      pagestore.Dir
	fileID   uint64
	pageSize int64
	nextIdx  uint32
	metrics  *Metrics
	closed   bool
}

// NewWriter creates a writer appending pages to the temp file backing
// block on dir.
func NewWriter(block BlockID, dir pagestore.Dir, fileID uint64, pageSize int64, metrics *Metrics) *Writer {
	return &Writer{block: block, dir: dir, fileID: fileID, pageSize: pageSize, metrics: metrics}
}

// WritePage writes the next page of the block. data must be exactly
// pageSize bytes, except for the final page of the block which may be
// shorter; the caller (not Writer) knows when it has supplied the last
// page.
func (w *Writer) WritePage(data []byte) error {
	if w.closed {
		return invalidStatef("write to block %d after writer closed", w.block)
	}
	if int64(len(data)) > w.pageSize {
		return invalidStatef("page %d of block %d: %d bytes exceeds page size %d", w.nextIdx, w.block, len(data), w.pageSize)
	}
	if err := w.dir.WritePage(w.fileID, w.nextIdx, data); err != nil {
		return internal(errors.Wrapf(err, "write page %d of block %d", w.nextIdx, w.block))
	}
	w.nextIdx++
	if w.metrics != nil {
		w.metrics.BytesWritten.Add(float64(len(data)))
	}
	return nil
}

// CachedBytes returns the bytes committed to the directory so far.
func (w *Writer) CachedBytes() uint64 {
	return w.dir.TempBlockCachedBytes(pagestore.BlockID(w.block))
}

// Close marks the writer unusable. It does not touch the temp file: commit
// or abort decide its fate.
func (w *Writer) Close() error {
	w.closed = true
	return nil
}

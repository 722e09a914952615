package blockstore

import (
	"hash/fnv"

	"github.com/grafana/blockworker/pkg/pagestore"
)

// BlockID is the opaque, globally unique identifier of a block. Uniqueness
// across concurrent callers is the caller's responsibility; the store never
// generates one itself.
type BlockID uint64

// SessionID scopes lock ownership and pin bookkeeping to a single caller
// session (an RPC handler thread, in the worker's terms).
type SessionID uint64

// PageIndex is the zero-based position of a page within a block.
type PageIndex uint32

// PageID identifies a single page of cached content inside a storage
// directory: the file that backs it, plus the page's position in that file.
type PageID struct {
	FileID uint64
	Index  PageIndex
}

// finalFileID deterministically derives the file id a committed block's
// pages live under, from the block id and its final length. Two blocks with
// the same id can never coexist (invariant 1 in spec.md §8), so collisions
// across distinct (id, length) pairs are immaterial: only one is ever live.
func finalFileID(id BlockID, length int64) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	putUint64(buf[0:8], uint64(id))
	putUint64(buf[8:16], uint64(length))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// tempFileID deterministically derives the file id a temp block's pages are
// staged under, from the block id alone. The "temp" tag byte keeps it from
// ever colliding with a finalFileID for the same id (which also folds in a
// length), so a block mid-commit never aliases its own final pages.
func tempFileID(id BlockID) uint64 {
	h := fnv.New64a()
	var buf [9]byte
	buf[0] = 't'
	putUint64(buf[1:9], uint64(id))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// pageCount returns how many pages of size pageSize are needed to cover
// length bytes, the last one possibly short.
func pageCount(length int64, pageSize int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + pageSize - 1) / pageSize)
}

// BlockMeta is the immutable record of a committed block.
type BlockMeta struct {
	ID     BlockID
	Length int64
	Dir    pagestore.Dir
}

func (m *BlockMeta) fileID() uint64 {
	return finalFileID(m.ID, m.Length)
}

// TempBlockMeta is the record of a block currently being written. Its final
// length is unknown until commit; CachedBytes tracks what has been written
// so far via the owning directory's temp-bytes counter.
type TempBlockMeta struct {
	ID  BlockID
	Dir pagestore.Dir
}

func (m *TempBlockMeta) fileID() uint64 {
	return tempFileID(m.ID)
}

// Package pagestore defines the contract a storage directory backend must
// satisfy to back a paged block store (spec.md §6, "PageStoreDir contract"),
// plus a default on-disk implementation (DiskDir) and a pluggable Evictor.
//
// The block store in pkg/blockstore depends only on the Dir and Evictor
// interfaces here; it never assumes DiskDir or the LRU evictor in
// pkg/pagestore/evictor are the implementations in use.
package pagestore

import (
	"context"
	"io"
)

// PageID identifies a page by the file it belongs to and its index within
// that file. Duplicated here (rather than imported from pkg/blockstore) to
// keep this package free of any dependency on the block store it serves.
type PageID struct {
	FileID uint64
	Index  uint32
}

// BlockID is an opaque block identifier, as seen by the storage directory.
type BlockID uint64

// Dir is a single storage directory's contract, consumed by the block
// store. Implementations must be safe for concurrent use.
type Dir interface {
	// DirIndex returns the stable index of this directory for the lifetime
	// of the process.
	DirIndex() uint32

	// Capacity returns the total byte capacity of the directory.
	Capacity() int64

	// UsedBytes returns bytes currently accounted for (committed + temp).
	UsedBytes() int64

	// Allocate reserves size bytes against the directory's capacity for
	// fileID. Allocate is idempotent by fileID: calling it again for a
	// fileID that already reserved space is a no-op that returns nil.
	Allocate(fileID uint64, size int64) error

	// Release gives back space reserved by Allocate (used when an
	// allocation is aborted before any bytes are written).
	Release(fileID uint64, size int64)

	// PutTempFile registers fileID as a pending (not yet committed) file.
	PutTempFile(fileID uint64)

	// WritePage writes bytes as page index of fileID.
	WritePage(fileID uint64, index uint32, data []byte) error

	// ReadPage returns the bytes of page index of fileID.
	ReadPage(fileID uint64, index uint32) ([]byte, error)

	// Commit atomically renames tempFileID to finalFileID within the
	// directory. Expected to be fast: O(directory metadata), not O(bytes).
	Commit(tempFileID, finalFileID uint64) error

	// Abort deletes all pages staged under tempFileID.
	Abort(tempFileID uint64) error

	// DeletePage removes a single page.
	DeletePage(id PageID) error

	// BlockPages enumerates the pages currently registered for blockID.
	BlockPages(blockID BlockID) ([]PageID, error)

	// AssociateBlock records that fileID (initially the temp file id)
	// belongs to blockID, so BlockPages/TempBlockCachedBytes can find it
	// before commit and Commit can retarget the association to the final
	// file id afterwards. Called when a temp block is created, and with the
	// final file id when a block is registered directly as committed.
	// This is a necessary concretization of the original contract: Java's
	// worker keeps this link implicit in its directory-local metadata,
	// but a Go interface needs an explicit call to establish it.
	AssociateBlock(blockID BlockID, fileID uint64)

	// DisassociateBlock forgets blockID's file association. Called when a
	// temp block is aborted and when a committed block is removed (after
	// its pages are enumerated, before they are deleted).
	DisassociateBlock(blockID BlockID)

	// TempBlockCachedBytes returns the bytes written so far for a temp
	// block (sum of its written page sizes).
	TempBlockCachedBytes(blockID BlockID) uint64

	// Evictor returns this directory's eviction policy.
	Evictor() Evictor

	// Close releases any resources (open file handles, mmaps) held by the
	// directory.
	Close() error
}

// Evictor maintains a pinned set and selects victims for a single
// directory. The block store only ever calls AddPinned/RemovePinned; victim
// selection and capacity reclamation are the evictor's own business and are
// deliberately out of scope here (spec.md §1 Non-goals: "actual eviction
// algorithm choice").
type Evictor interface {
	// AddPinned marks blockID as pinned. Returns true iff the block
	// transitioned from unpinned to pinned (so callers can undo
	// symmetrically with RemovePinned).
	AddPinned(blockID BlockID) bool

	// RemovePinned unmarks blockID as pinned. A no-op if it wasn't pinned.
	RemovePinned(blockID BlockID)

	// IsPinned reports whether blockID is currently pinned.
	IsPinned(blockID BlockID) bool

	// EvictUntil asks the evictor to free at least needed bytes, calling
	// reclaim for each victim it selects (in whatever order its policy
	// dictates) until either needed bytes have been reclaimed or no
	// further unpinned victims remain.
	EvictUntil(ctx context.Context, needed int64, reclaim func(blockID BlockID) (freed int64, err error)) error
}

// ReaderAtCloser is satisfied by a page's backing storage when it is
// exposed as a random-access, closeable stream. Nothing in this module
// implements or consumes it; DiskDir's ReadPage copies pages out of a
// read-only mmap instead.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

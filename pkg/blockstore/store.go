package blockstore

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/groupcache/singleflight"
	"github.com/pkg/errors"

	"github.com/grafana/blockworker/pkg/masterclient"
	"github.com/grafana/blockworker/pkg/pagestore"
	"github.com/grafana/blockworker/pkg/ufs"
)

// PinHandle is returned by Pin; its Unpin undoes exactly the shared lock
// and (if this call was the one that pinned it) the evictor pin it
// acquired.
type PinHandle struct {
	lock     *Handle
	dir      pagestore.Dir
	block    BlockID
	didPin   bool
	unpinned bool
}

// Store is the PagedBlockStore facade (spec.md §4.3): it orchestrates the
// lock manager, metadata store, page I/O, event listeners and master
// reporting behind the block API. Constructed once per worker process.
type Store struct {
	cfg      Config
	workerID uint64
	logger   log.Logger
	metrics  *Metrics

	locks     *LockManager
	meta      *MetaStore
	listeners *ListenerRegistry
	master    masterclient.Client
	ufsCache  ufs.StreamCache
	fetch     singleflight.Group

	pinnedInodesMu sync.Mutex
	pinnedInodes   map[uint64]struct{}
}

// NewStore creates a block store backed by dirs, reporting commits as
// workerID to master.
func NewStore(cfg Config, workerID uint64, dirs []pagestore.Dir, master masterclient.Client, ufsCache ufs.StreamCache, metrics *Metrics, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{
		cfg:          cfg,
		workerID:     workerID,
		logger:       log.With(logger, "component", "blockstore.Store"),
		metrics:      metrics,
		locks:        NewLockManager(),
		meta:         NewMetaStore(dirs),
		listeners:    NewListenerRegistry(),
		master:       master,
		ufsCache:     ufsCache,
		pinnedInodes: make(map[uint64]struct{}),
	}
}

// Listeners exposes the registry so callers can Register implementations.
func (s *Store) Listeners() *ListenerRegistry { return s.listeners }

// PageSize returns the configured page size, so callers writing through
// CreateBlockWriter know how to chunk their input.
func (s *Store) PageSize() int64 { return s.cfg.PageSize }

// Pin acquires a shared block lock and, if the block is known, pins it in
// its directory's evictor. If the block is not known the lock is released
// immediately and Pin returns (nil, nil) — spec.md §4.3 assigns pin no
// error cases.
func (s *Store) Pin(ctx context.Context, session SessionID, block BlockID) (*PinHandle, error) {
	lock, err := s.locks.Acquire(ctx, session, block, Shared)
	if err != nil {
		return nil, err
	}
	meta, ok := s.meta.GetBlock(block)
	if !ok {
		lock.Release()
		return nil, nil
	}
	didPin := meta.Dir.Evictor().AddPinned(pagestore.BlockID(block))
	return &PinHandle{lock: lock, dir: meta.Dir, block: block, didPin: didPin}, nil
}

// Unpin releases the shared lock and undoes the evictor pin h.Pin
// established, if any. Unpinning an already-unpinned handle is a no-op,
// matching the idempotence spec.md §8 requires of close-like operations.
func (s *Store) Unpin(h *PinHandle) {
	if h == nil || h.unpinned {
		return
	}
	h.unpinned = true
	if h.didPin {
		h.dir.Evictor().RemovePinned(pagestore.BlockID(h.block))
	}
	h.lock.Release()
}

// createTemp is the shared core of CreateBlock and CreateBlockWriter:
// allocate space for a new temp block and register it, pinning it for the
// duration of the write (spec.md §4.3's "unpin unless pin_on_create" on
// Commit implies the block starts pinned at creation).
func (s *Store) createTemp(block BlockID, initialBytes int64) (*TempBlockMeta, error) {
	fileID := tempFileID(block)
	dir, err := s.meta.Allocate(fileID, initialBytes)
	if err != nil {
		return nil, err
	}
	meta := &TempBlockMeta{ID: block, Dir: dir}
	if err := s.meta.AddTempBlock(meta); err != nil {
		dir.Release(fileID, initialBytes)
		return nil, err
	}
	dir.Evictor().AddPinned(pagestore.BlockID(block))
	return meta, nil
}

// CreateBlock allocates a temp block of initialBytes without returning a
// writer (spec.md §4.3 `create_block`).
func (s *Store) CreateBlock(_ context.Context, _ SessionID, block BlockID, initialBytes int64) error {
	_, err := s.createTemp(block, initialBytes)
	return err
}

// CreateBlockWriter allocates a new temp block and returns a Writer
// targeting it. It fails with AlreadyExists if the block id is already
// known as a temp block (including one made by a prior CreateBlock) or as a
// committed block, so exactly one of two racing callers for the same block
// id succeeds (spec.md S4).
func (s *Store) CreateBlockWriter(_ context.Context, _ SessionID, block BlockID) (*Writer, error) {
	meta, err := s.createTemp(block, 0)
	if err != nil {
		return nil, err
	}
	return NewWriter(block, meta.Dir, meta.fileID(), s.cfg.PageSize, s.metrics), nil
}

// UfsReadOptions configures create_block_reader's miss behavior.
type UfsReadOptions struct {
	// NoCache serves a miss directly from UFS without populating the
	// cache.
	NoCache bool
	// BlockSize is the full length of the block, needed to materialize a
	// BlockMeta on a caching miss and to bound the final page's size.
	BlockSize int64
	// UfsPath is the source to read from on miss.
	UfsPath string
}

// CreateBlockReader implements spec.md §4.3 `create_block_reader`.
func (s *Store) CreateBlockReader(ctx context.Context, session SessionID, block BlockID, offset int64, opts UfsReadOptions) (*Reader, error) {
	if offset < 0 {
		return nil, invalidStatef("negative offset %d", offset)
	}

	lock, err := s.locks.Acquire(ctx, session, block, Shared)
	if err != nil {
		return nil, err
	}

	if meta, ok := s.meta.GetBlock(block); ok {
		didPin := meta.Dir.Evictor().AddPinned(pagestore.BlockID(block))
		onClose := func() error {
			if didPin {
				meta.Dir.Evictor().RemovePinned(pagestore.BlockID(block))
			}
			lock.Release()
			return nil
		}
		r := NewReader(ctx, block, meta.Dir, meta.fileID(), s.cfg.PageSize, meta.Length, &s.fetch, s.metrics, ReaderOptions{OnClose: onClose})
		r.Seek(offset)
		return r, nil
	}

	if opts.NoCache {
		lock.Release()
		if s.ufsCache == nil {
			return nil, notFoundf("block %d not cached and no UFS backing configured", block)
		}
		info, err := s.ufsCache.Stat(ctx, opts.UfsPath)
		if err != nil {
			if errors.Is(err, ufs.ErrNotExist) {
				return nil, notFoundf("block %d not found in UFS at %s", block, opts.UfsPath)
			}
			return nil, internal(err)
		}
		r := NewReader(ctx, block, nil, finalFileID(block, info.Length), s.cfg.PageSize, info.Length, &s.fetch, s.metrics, ReaderOptions{
			UfsCache: s.ufsCache, UfsPath: opts.UfsPath, Caching: false,
			OnClose: func() error { return nil },
		})
		r.Seek(offset)
		return r, nil
	}

	if s.ufsCache == nil {
		lock.Release()
		return nil, notFoundf("block %d not cached and no UFS backing configured", block)
	}

	finalID := finalFileID(block, opts.BlockSize)
	dir, err := s.meta.Allocate(finalID, opts.BlockSize)
	if err != nil {
		lock.Release()
		return nil, err
	}
	meta := &BlockMeta{ID: block, Length: opts.BlockSize, Dir: dir}
	if err := s.meta.AddBlock(meta); err != nil {
		dir.Release(finalID, opts.BlockSize)
		lock.Release()
		return nil, err
	}
	didPin := dir.Evictor().AddPinned(pagestore.BlockID(block))

	onClose := func() error {
		err := s.reportCommitToMaster(ctx, meta)
		if didPin {
			dir.Evictor().RemovePinned(pagestore.BlockID(block))
		}
		lock.Release()
		return err
	}
	r := NewReader(ctx, block, dir, finalID, s.cfg.PageSize, opts.BlockSize, &s.fetch, s.metrics, ReaderOptions{
		UfsCache: s.ufsCache, UfsPath: opts.UfsPath, Caching: true, OnClose: onClose,
	})
	r.Seek(offset)
	return r, nil
}

// CreateBlockReaderByLockID is the legacy overload spec.md §9's Open
// Questions note calls out: the original returns a reader over a local
// path via blockMeta.getPath(), which the paged store has no equivalent
// of. It always fails with NotFound here.
func (s *Store) CreateBlockReaderByLockID(_ SessionID, _ BlockID, _ uint64) (*Reader, error) {
	return nil, notFoundf("legacy path-based block reader is not supported by the paged store")
}

// Commit promotes a fully-written temp block to committed, reports it to
// master, and unpins it unless pinOnCreate is set.
//
// The metadata write lock is released before the master RPC, the
// relaxation spec.md §9's Design Notes explicitly permits provided
// commit_local strictly precedes commit_master (SPEC_FULL.md section C
// adopts this as the implemented behavior).
func (s *Store) Commit(ctx context.Context, session SessionID, block BlockID, pinOnCreate bool) error {
	lock, err := s.locks.Acquire(ctx, session, block, Exclusive)
	if err != nil {
		return err
	}
	defer lock.Release()

	meta, err := s.meta.Commit(block)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CommitErrors.Inc()
		}
		return err
	}
	s.listeners.Notify(Event{Kind: EventCommitLocal, BlockID: block})
	if s.metrics != nil {
		s.metrics.Commits.Inc()
	}

	err = s.reportCommitToMaster(ctx, meta)
	if !pinOnCreate {
		meta.Dir.Evictor().RemovePinned(pagestore.BlockID(block))
	}
	return err
}

// reportCommitToMaster issues commit_block and, only on success, fires
// commit_master — preserving the "local strictly before master" ordering
// invariant (spec.md §5, §8 invariant 5) regardless of which caller
// (Commit or a caching CreateBlockReader) invokes it.
func (s *Store) reportCommitToMaster(ctx context.Context, meta *BlockMeta) error {
	if s.master == nil {
		return nil
	}
	if s.metrics != nil {
		s.metrics.MasterRPCs.Inc()
	}
	err := s.master.CommitBlock(ctx, masterclient.CommitBlockRequest{
		WorkerID:  s.workerID,
		UsedBytes: s.meta.StoreMeta().UsedBytes,
		Tier:      s.cfg.DefaultTier,
		Medium:    s.cfg.DefaultMedium,
		BlockID:   uint64(meta.ID),
		Length:    meta.Length,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.MasterRPCFail.Inc()
		}
		level.Warn(s.logger).Log("msg", "commit_block RPC failed; local commit stands", "block", meta.ID, "err", err)
		return unavailable(err)
	}
	s.listeners.Notify(Event{Kind: EventCommitMaster, BlockID: meta.ID})
	return nil
}

// Abort discards a temp block's staged pages.
func (s *Store) Abort(block BlockID) error {
	tmp, err := s.meta.AbortTemp(block)
	if err != nil {
		return err
	}
	fileID := tmp.fileID()
	if err := tmp.Dir.Abort(fileID); err != nil {
		return internal(errors.Wrapf(err, "abort temp block %d", block))
	}
	tmp.Dir.Evictor().RemovePinned(pagestore.BlockID(block))
	s.listeners.Notify(Event{Kind: EventAbort, BlockID: block})
	if s.metrics != nil {
		s.metrics.Aborts.Inc()
	}
	return nil
}

// Remove deletes a committed block, bounded by timeout on the exclusive
// lock (spec.md §4.3 `remove`, S5).
func (s *Store) Remove(session SessionID, block BlockID, timeout time.Duration) error {
	lock, err := s.locks.TryAcquire(session, block, Exclusive, timeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	meta, pages, err := s.meta.RemoveBlock(block)
	if err != nil {
		return err
	}
	for _, p := range pages {
		if err := meta.Dir.DeletePage(pagestore.PageID{FileID: p.ID.FileID, Index: uint32(p.ID.Index)}); err != nil {
			level.Warn(s.logger).Log("msg", "failed to delete page during remove", "block", block, "page", p.ID, "err", err)
		}
	}
	s.listeners.Notify(Event{Kind: EventRemove, BlockID: block})
	if s.metrics != nil {
		s.metrics.Removes.Inc()
	}
	return nil
}

// Access notifies listeners of an access event without taking any lock
// (spec.md §4.3 `access`).
func (s *Store) Access(block BlockID) {
	s.listeners.Notify(Event{Kind: EventAccess, BlockID: block})
}

// UpdatePinnedInodes replaces the advisory pinned-inode set consulted by
// allocation policy (spec.md §4.3 `update_pinned_inodes`). It does not
// itself affect any block's lock or evictor pin state.
func (s *Store) UpdatePinnedInodes(inodes []uint64) {
	s.pinnedInodesMu.Lock()
	defer s.pinnedInodesMu.Unlock()
	s.pinnedInodes = make(map[uint64]struct{}, len(inodes))
	for _, id := range inodes {
		s.pinnedInodes[id] = struct{}{}
	}
}

// PinnedInodes returns a snapshot of the current advisory pinned-inode set.
func (s *Store) PinnedInodes() []uint64 {
	s.pinnedInodesMu.Lock()
	defer s.pinnedInodesMu.Unlock()
	out := make([]uint64, 0, len(s.pinnedInodes))
	for id := range s.pinnedInodes {
		out = append(out, id)
	}
	return out
}

// HasBlock reports whether block is committed, for tests and callers
// driving the scenarios in spec.md §8.
func (s *Store) HasBlock(block BlockID) bool { return s.meta.HasBlock(block) }

// RequestSpace is a stable placeholder (spec.md §9 Open Questions: the
// original contains placeholder logic and unreachable listener
// notifications). It is intentionally unimplemented.
func (s *Store) RequestSpace(SessionID, BlockID, int64) error {
	return errors.New("blockstore: RequestSpace is not implemented")
}

// MoveBlock is a stable placeholder; see RequestSpace.
func (s *Store) MoveBlock(SessionID, BlockID, uint32) error {
	return errors.New("blockstore: MoveBlock is not implemented")
}

// AccessBlock is a stable placeholder; see RequestSpace. Note this is
// distinct from Access, which is fully implemented.
func (s *Store) AccessBlock(BlockID) error {
	return errors.New("blockstore: AccessBlock is not implemented")
}

// RemoveInaccessibleStorage is a stable placeholder; see RequestSpace.
func (s *Store) RemoveInaccessibleStorage(uint32) error {
	return errors.New("blockstore: RemoveInaccessibleStorage is not implemented")
}

// Close releases every storage directory owned by this store.
func (s *Store) Close() error {
	return s.meta.closeAll()
}

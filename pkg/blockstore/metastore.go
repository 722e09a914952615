package blockstore

import (
	"sync"

	"github.com/grafana/dskit/multierror"

	"github.com/grafana/blockworker/pkg/pagestore"
)

// PageInfo is what remove_page returns: the page that was unregistered and
// the block it belonged to.
type PageInfo struct {
	ID      PageID
	BlockID BlockID
}

// DirReport is one directory's contribution to a master usage report.
type DirReport struct {
	Index     uint32
	Capacity  int64
	UsedBytes int64
}

// UsageReport is what store_meta/store_meta_full snapshot for the master
// heartbeat. UsedBytes is the sum of committed block lengths (spec.md §3
// invariant 4), which is not the same as summing DirReport.UsedBytes —
// directories also carry in-flight temp bytes.
type UsageReport struct {
	UsedBytes int64
	Dirs      []DirReport // only populated by StoreMetaFull
}

// MetaStore is the in-memory authority for block existence, temp-block
// existence, per-block directory assignment and allocation across
// directories (spec.md §4.2). It owns the metadata lock: lookups take the
// read side, mutations the write side.
type MetaStore struct {
	mu sync.RWMutex

	dirs      []pagestore.Dir
	nextDir   int
	blocks    map[BlockID]*BlockMeta
	temp      map[BlockID]*TempBlockMeta
	pageOwner map[PageID]BlockID
	usedBytes int64
}

// NewMetaStore creates a metadata store allocating across dirs.
func NewMetaStore(dirs []pagestore.Dir) *MetaStore {
	return &MetaStore{
		dirs:      dirs,
		blocks:    make(map[BlockID]*BlockMeta),
		temp:      make(map[BlockID]*TempBlockMeta),
		pageOwner: make(map[PageID]BlockID),
	}
}

// Allocate reserves size bytes for fileID in some directory with enough
// free capacity, using deterministic round-robin as the placement policy
// (spec.md §4.2 leaves the policy implementation-defined).
func (s *MetaStore) Allocate(fileID uint64, size int64) (pagestore.Dir, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirs) == 0 {
		return nil, resourceExhaustedf("no storage directories configured")
	}
	for i := 0; i < len(s.dirs); i++ {
		idx := (s.nextDir + i) % len(s.dirs)
		d := s.dirs[idx]
		if d.Capacity()-d.UsedBytes() >= size {
			if err := d.Allocate(fileID, size); err != nil {
				continue
			}
			s.nextDir = (idx + 1) % len(s.dirs)
			return d, nil
		}
	}
	return nil, resourceExhaustedf("no directory has %d free bytes", size)
}

func (s *MetaStore) HasTempBlock(id BlockID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.temp[id]
	return ok
}

func (s *MetaStore) GetTempBlock(id BlockID) (*TempBlockMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.temp[id]
	return m, ok
}

func (s *MetaStore) HasBlock(id BlockID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[id]
	return ok
}

func (s *MetaStore) GetBlock(id BlockID) (*BlockMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.blocks[id]
	return m, ok
}

// AddTempBlock registers a new temp block. Fails with AlreadyExists if id
// is known in either table (spec.md §3 invariant 1).
func (s *MetaStore) AddTempBlock(meta *TempBlockMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.temp[meta.ID]; ok {
		return alreadyExistsf("block %d already has an in-progress temp write", meta.ID)
	}
	if _, ok := s.blocks[meta.ID]; ok {
		return alreadyExistsf("block %d already committed", meta.ID)
	}
	s.temp[meta.ID] = meta
	fileID := meta.fileID()
	meta.Dir.PutTempFile(fileID)
	meta.Dir.AssociateBlock(pagestore.BlockID(meta.ID), fileID)
	return nil
}

// AddBlock directly registers a fully committed block, bypassing the
// temp stage. Used by the cache-miss-with-caching path of
// create_block_reader (spec.md §4.3), which materializes a block whose
// size is known up front from UFS attributes rather than from a prior
// writer.
func (s *MetaStore) AddBlock(meta *BlockMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.temp[meta.ID]; ok {
		return alreadyExistsf("block %d has an in-progress temp write", meta.ID)
	}
	if _, ok := s.blocks[meta.ID]; ok {
		return alreadyExistsf("block %d already committed", meta.ID)
	}
	meta.Dir.AssociateBlock(pagestore.BlockID(meta.ID), meta.fileID())
	s.blocks[meta.ID] = meta
	s.usedBytes += meta.Length
	return nil
}

// Commit atomically promotes blockID from temp to committed. The final
// length is the temp block's cached byte count (spec.md §3 invariant 3: it
// equals the sum of written page sizes).
func (s *MetaStore) Commit(blockID BlockID) (*BlockMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, ok := s.temp[blockID]
	if !ok {
		return nil, notFoundf("no temp block %d to commit", blockID)
	}
	if _, ok := s.blocks[blockID]; ok {
		return nil, invalidStatef("block %d already committed", blockID)
	}

	length := int64(tmp.Dir.TempBlockCachedBytes(pagestore.BlockID(blockID)))
	finalID := finalFileID(blockID, length)
	if err := tmp.Dir.Commit(tmp.fileID(), finalID); err != nil {
		return nil, internal(err)
	}

	meta := &BlockMeta{ID: blockID, Length: length, Dir: tmp.Dir}
	pages, err := meta.Dir.BlockPages(pagestore.BlockID(blockID))
	if err != nil {
		return nil, internal(err)
	}
	for _, p := range pages {
		s.pageOwner[PageID{FileID: p.FileID, Index: PageIndex(p.Index)}] = blockID
	}

	s.blocks[blockID] = meta
	delete(s.temp, blockID)
	s.usedBytes += length
	return meta, nil
}

// AbortTemp discards a temp block's bookkeeping. The caller is responsible
// for telling the directory to delete the staged pages (pkg/blockstore's
// Store.Abort does the I/O outside any lock).
func (s *MetaStore) AbortTemp(blockID BlockID) (*TempBlockMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, ok := s.temp[blockID]
	if !ok {
		return nil, notFoundf("no temp block %d to abort", blockID)
	}
	delete(s.temp, blockID)
	tmp.Dir.DisassociateBlock(pagestore.BlockID(blockID))
	return tmp, nil
}

// RemoveBlock drops blockID's bookkeeping and returns the pages that must
// now be deleted from storage (done by the caller, outside the metadata
// lock, per spec.md §5's "metadata ops never block on I/O" rule).
func (s *MetaStore) RemoveBlock(blockID BlockID) (*BlockMeta, []PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.blocks[blockID]
	if !ok {
		if _, isTemp := s.temp[blockID]; isTemp {
			return nil, nil, invalidStatef("block %d is a temp block, not committed", blockID)
		}
		return nil, nil, notFoundf("no committed block %d", blockID)
	}
	pages, err := meta.Dir.BlockPages(pagestore.BlockID(blockID))
	if err != nil {
		pages = nil
	}
	for _, p := range pages {
		delete(s.pageOwner, PageID{FileID: p.FileID, Index: PageIndex(p.Index)})
	}
	meta.Dir.DisassociateBlock(pagestore.BlockID(blockID))
	delete(s.blocks, blockID)
	s.usedBytes -= meta.Length

	out := make([]PageID, len(pages))
	for i, p := range pages {
		out[i] = PageID{FileID: p.FileID, Index: PageIndex(p.Index)}
	}
	return meta, out, nil
}

// RemovePage unregisters a single page (spec.md §4.2). Fails with
// PageNotFound (surfaced as CodeNotFound) if the page is not registered.
func (s *MetaStore) RemovePage(pageID PageID) (PageInfo, error) {
	s.mu.Lock()
	owner, ok := s.pageOwner[pageID]
	if ok {
		delete(s.pageOwner, pageID)
	}
	s.mu.Unlock()

	if !ok {
		return PageInfo{}, notFoundf("page %+v not registered", pageID)
	}
	return PageInfo{ID: pageID, BlockID: owner}, nil
}

// StoreMeta snapshots only the used-bytes total, for lightweight heartbeats.
func (s *MetaStore) StoreMeta() UsageReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return UsageReport{UsedBytes: s.usedBytes}
}

// StoreMetaFull snapshots used bytes plus per-directory capacity/usage.
func (s *MetaStore) StoreMetaFull() UsageReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := UsageReport{UsedBytes: s.usedBytes, Dirs: make([]DirReport, len(s.dirs))}
	for i, d := range s.dirs {
		r.Dirs[i] = DirReport{Index: d.DirIndex(), Capacity: d.Capacity(), UsedBytes: d.UsedBytes()}
	}
	return r
}

// closeAll closes every configured directory, aggregating any errors.
func (s *MetaStore) closeAll() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var errs multierror.MultiError
	for _, d := range s.dirs {
		errs.Add(d.Close())
	}
	return errs.Err()
}

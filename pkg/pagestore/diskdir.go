package pagestore

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// ErrPageNotFound is returned by ReadPage/DeletePage/BlockPages when the
// requested page or block has no registered entry.
var ErrPageNotFound = errors.New("page not found")

// DiskDir is the default Dir implementation: one regular file per fileID
// under baseDir, pages addressed by a fixed offset (index*pageSize).
// Reads are served through a read-only mmap of the backing file, grounded
// on the allocator/page-file split in buildbarn's local blobstore
// (partitioning_block_allocator.go, persistent_block_list.go).
//
// Safe for concurrent use.
type DiskDir struct {
	baseDir  string
	index    uint32
	capacity int64
	pageSize int64
	evictor  Evictor

	mu        sync.Mutex
	used      int64
	pages     map[uint64]map[uint32]int64 // fileID -> page index -> byte length
	blockFile map[BlockID]uint64          // blockID -> fileID, set by AssociateBlock
}

// NewDiskDir creates a DiskDir rooted at baseDir with the given capacity (in
// bytes) and page size. baseDir is created if it does not exist.
func NewDiskDir(baseDir string, index uint32, capacity, pageSize int64, evictor Evictor) (*DiskDir, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create storage directory %s", baseDir)
	}
	return &DiskDir{
		baseDir:   baseDir,
		index:     index,
		capacity:  capacity,
		pageSize:  pageSize,
		evictor:   evictor,
		pages:     make(map[uint64]map[uint32]int64),
		blockFile: make(map[BlockID]uint64),
	}, nil
}

func (d *DiskDir) DirIndex() uint32   { return d.index }
func (d *DiskDir) Capacity() int64    { return d.capacity }
func (d *DiskDir) Evictor() Evictor   { return d.evictor }
func (d *DiskDir) UsedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (d *DiskDir) path(fileID uint64) string {
	return filepath.Join(d.baseDir, strconv.FormatUint(fileID, 16))
}

func (d *DiskDir) Allocate(fileID uint64, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pages[fileID]; ok {
		return nil // idempotent by fileID
	}
	if d.used+size > d.capacity {
		return errors.Errorf("directory %d: %d bytes requested but only %d free", d.index, size, d.capacity-d.used)
	}
	d.used += size
	d.pages[fileID] = make(map[uint32]int64)
	return nil
}

func (d *DiskDir) Release(fileID uint64, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.used -= size
	if d.used < 0 {
		d.used = 0
	}
}

func (d *DiskDir) PutTempFile(fileID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pages[fileID]; !ok {
		d.pages[fileID] = make(map[uint32]int64)
	}
}

func (d *DiskDir) WritePage(fileID uint64, index uint32, data []byte) error {
	f, err := os.OpenFile(d.path(fileID), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open page file %x", fileID)
	}
	defer f.Close()

	off := int64(index) * d.pageSize
	if _, err := f.WriteAt(data, off); err != nil {
		return errors.Wrapf(err, "write page %x/%d", fileID, index)
	}

	d.mu.Lock()
	if d.pages[fileID] == nil {
		d.pages[fileID] = make(map[uint32]int64)
	}
	d.pages[fileID][index] = int64(len(data))
	d.mu.Unlock()
	return nil
}

func (d *DiskDir) ReadPage(fileID uint64, index uint32) ([]byte, error) {
	d.mu.Lock()
	sizes, ok := d.pages[fileID]
	var size int64
	if ok {
		size, ok = sizes[index]
	}
	d.mu.Unlock()
	if !ok {
		return nil, ErrPageNotFound
	}

	f, err := os.Open(d.path(fileID))
	if err != nil {
		return nil, errors.Wrapf(err, "open page file %x", fileID)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap page file %x", fileID)
	}
	defer m.Unmap()

	off := int64(index) * d.pageSize
	if off+size > int64(len(m)) {
		return nil, errors.Errorf("page %x/%d out of range of backing file (%d bytes)", fileID, index, len(m))
	}

	out := make([]byte, size)
	copy(out, m[off:off+size])
	return out, nil
}

func (d *DiskDir) Commit(tempFileID, finalFileID uint64) error {
	if err := os.Rename(d.path(tempFileID), d.path(finalFileID)); err != nil {
		return errors.Wrapf(err, "rename %x -> %x", tempFileID, finalFileID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[finalFileID] = d.pages[tempFileID]
	delete(d.pages, tempFileID)
	for blockID, fileID := range d.blockFile {
		if fileID == tempFileID {
			d.blockFile[blockID] = finalFileID
		}
	}
	return nil
}

func (d *DiskDir) Abort(tempFileID uint64) error {
	d.mu.Lock()
	var sz int64
	for _, l := range d.pages[tempFileID] {
		sz += l
	}
	delete(d.pages, tempFileID)
	d.used -= sz
	if d.used < 0 {
		d.used = 0
	}
	d.mu.Unlock()

	if err := os.Remove(d.path(tempFileID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove temp file %x", tempFileID)
	}
	return nil
}

func (d *DiskDir) DeletePage(id PageID) error {
	d.mu.Lock()
	sizes, ok := d.pages[id.FileID]
	if ok {
		if l, ok2 := sizes[id.Index]; ok2 {
			d.used -= l
			if d.used < 0 {
				d.used = 0
			}
			delete(sizes, id.Index)
		} else {
			ok = false
		}
	}
	empty := ok && len(sizes) == 0
	if empty {
		delete(d.pages, id.FileID)
	}
	d.mu.Unlock()

	if !ok {
		return ErrPageNotFound
	}
	if empty {
		if err := os.Remove(d.path(id.FileID)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove emptied page file %x", id.FileID)
		}
	}
	return nil
}

func (d *DiskDir) BlockPages(blockID BlockID) ([]PageID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fileID, ok := d.blockFile[blockID]
	if !ok {
		return nil, ErrPageNotFound
	}
	sizes := d.pages[fileID]
	out := make([]PageID, 0, len(sizes))
	for idx := range sizes {
		out = append(out, PageID{FileID: fileID, Index: idx})
	}
	return out, nil
}

func (d *DiskDir) TempBlockCachedBytes(blockID BlockID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tempBytesLocked(blockID)
}

func (d *DiskDir) tempBytesLocked(blockID BlockID) uint64 {
	fileID, ok := d.blockFile[blockID]
	if !ok {
		return 0
	}
	var sum uint64
	for _, l := range d.pages[fileID] {
		sum += uint64(l)
	}
	return sum
}

func (d *DiskDir) AssociateBlock(blockID BlockID, fileID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockFile[blockID] = fileID
}

func (d *DiskDir) DisassociateBlock(blockID BlockID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blockFile, blockID)
}

func (d *DiskDir) Close() error {
	return nil
}

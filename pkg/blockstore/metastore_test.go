package blockstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/blockworker/pkg/pagestore"
	"github.com/grafana/blockworker/pkg/pagestore/evictor"
)

func newTestDir(t *testing.T) pagestore.Dir {
	t.Helper()
	d, err := pagestore.NewDiskDir(t.TempDir(), 0, 1<<20, 16, evictor.New(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestMetaStore_AddTempBlockRejectsDuplicate(t *testing.T) {
	dir := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{dir})

	meta := &TempBlockMeta{ID: 1, Dir: dir}
	require.NoError(t, ms.AddTempBlock(meta))

	err := ms.AddTempBlock(&TempBlockMeta{ID: 1, Dir: dir})
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyExists, ErrCode(err))
}

func TestMetaStore_CommitComputesLengthFromCachedBytes(t *testing.T) {
	dir := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{dir})

	meta := &TempBlockMeta{ID: 1, Dir: dir}
	require.NoError(t, ms.AddTempBlock(meta))
	require.NoError(t, dir.WritePage(meta.fileID(), 0, []byte("0123456789"))) // 10 bytes, one page

	committed, err := ms.Commit(1)
	require.NoError(t, err)
	assert.EqualValues(t, 10, committed.Length)
	assert.True(t, ms.HasBlock(1))
	assert.False(t, ms.HasTempBlock(1))
}

func TestMetaStore_CommitWithNoTempBlockNotFound(t *testing.T) {
	dir := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{dir})

	_, err := ms.Commit(1)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, ErrCode(err))
}

func TestMetaStore_AddBlockRejectsWhenTempOrCommittedExists(t *testing.T) {
	dir := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{dir})

	require.NoError(t, ms.AddTempBlock(&TempBlockMeta{ID: 1, Dir: dir}))
	err := ms.AddBlock(&BlockMeta{ID: 1, Length: 5, Dir: dir})
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyExists, ErrCode(err))

	require.NoError(t, ms.AddBlock(&BlockMeta{ID: 2, Length: 5, Dir: dir}))
	err = ms.AddBlock(&BlockMeta{ID: 2, Length: 5, Dir: dir})
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyExists, ErrCode(err))
}

func TestMetaStore_RemoveBlockDistinguishesTempFromUnknown(t *testing.T) {
	dir := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{dir})

	_, _, err := ms.RemoveBlock(1)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, ErrCode(err))

	require.NoError(t, ms.AddTempBlock(&TempBlockMeta{ID: 2, Dir: dir}))
	_, _, err = ms.RemoveBlock(2)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, ErrCode(err))

	require.NoError(t, ms.AddBlock(&BlockMeta{ID: 3, Length: 5, Dir: dir}))
	meta, pages, err := ms.RemoveBlock(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, meta.ID)
	assert.Empty(t, pages)
	assert.False(t, ms.HasBlock(3))
}

func TestMetaStore_AllocateRoundRobinsAcrossDirectories(t *testing.T) {
	d1 := newTestDir(t)
	d2 := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{d1, d2})

	got1, err := ms.Allocate(1, 16)
	require.NoError(t, err)
	got2, err := ms.Allocate(2, 16)
	require.NoError(t, err)
	assert.NotSame(t, got1, got2)
}

func TestMetaStore_AllocateFailsWhenNoCapacity(t *testing.T) {
	d, err := pagestore.NewDiskDir(t.TempDir(), 0, 8, 16, evictor.New(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	ms := NewMetaStore([]pagestore.Dir{d})

	_, err = ms.Allocate(1, 16)
	require.Error(t, err)
	assert.Equal(t, CodeResourceExhausted, ErrCode(err))
}

func TestMetaStore_StoreMetaTracksUsedBytes(t *testing.T) {
	dir := newTestDir(t)
	ms := NewMetaStore([]pagestore.Dir{dir})
	require.NoError(t, ms.AddBlock(&BlockMeta{ID: 1, Length: 100, Dir: dir}))
	assert.EqualValues(t, 100, ms.StoreMeta().UsedBytes)

	_, _, err := ms.RemoveBlock(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, ms.StoreMeta().UsedBytes)
}

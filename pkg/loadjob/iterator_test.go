package loadjob

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/blockworker/pkg/ufs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type walkOnlyCache struct {
	objs    []ufs.ObjectInfo
	walkErr error
}

func (c *walkOnlyCache) OpenAt(context.Context, string, int64) (io.ReadCloser, error) {
	panic("not used by the iterator")
}

func (c *walkOnlyCache) Stat(_ context.Context, path string) (ufs.ObjectInfo, error) {
	for _, o := range c.objs {
		if o.Path == path {
			return o, nil
		}
	}
	return ufs.ObjectInfo{}, ufs.ErrNotExist
}

func (c *walkOnlyCache) Walk(_ context.Context, _ string, fn func(ufs.ObjectInfo) error) error {
	if c.walkErr != nil {
		return c.walkErr
	}
	for _, o := range c.objs {
		if err := fn(o); err != nil {
			return err
		}
	}
	return nil
}

func TestIterator_YieldsEveryObjectThenExhausts(t *testing.T) {
	cache := &walkOnlyCache{objs: []ufs.ObjectInfo{
		{Path: "/a", Length: 1},
		{Path: "/b", Length: 2},
	}}
	it := NewIterator(cache, "/")
	ctx := context.Background()

	var seen []string
	for {
		obj, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen = append(seen, obj.Path)
	}

	assert.ElementsMatch(t, []string{"/a", "/b"}, seen)
	assert.True(t, it.Exhausted())
	assert.NoError(t, it.Err())
}

func TestIterator_PropagatesWalkError(t *testing.T) {
	cache := &walkOnlyCache{walkErr: errTest("walk failed")}
	it := NewIterator(cache, "/")
	ctx := context.Background()

	_, ok, err := it.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errTest("walk failed"))
}

type errTest string

func (e errTest) Error() string { return string(e) }

package loadjob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/blockworker/pkg/workerclient"
)

type recordingLoadClient struct {
	mu    sync.Mutex
	got   []workerclient.LoadFileRequest
	delay time.Duration
}

func (c *recordingLoadClient) LoadFile(ctx context.Context, req workerclient.LoadFileRequest) (workerclient.LoadFileResponse, error) {
	c.mu.Lock()
	c.got = append(c.got, req)
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return workerclient.LoadFileResponse{}, ctx.Err()
		}
	}
	return workerclient.LoadFileResponse{Status: workerclient.StatusSuccess}, nil
}

func TestDispatcher_SendsEveryTaskToItsWorker(t *testing.T) {
	client := &recordingLoadClient{}
	pool := workerclient.NewPoolWithFactory(func(string) workerclient.Client { return client })

	j := newTestJob(t, &walkOnlyCache{})
	d := NewDispatcher(j, pool, 2)

	tasks := []Task{
		{ID: "t1", Worker: "w1", Files: []workerclient.FileRef{{AlluxioPath: "/a"}}},
		{ID: "t2", Worker: "w2", Files: []workerclient.FileRef{{AlluxioPath: "/b"}}},
	}
	j.inFlight.Add(int64(len(tasks)))

	require.NoError(t, d.Dispatch(context.Background(), tasks))
	assert.Len(t, client.got, 2)
	assert.EqualValues(t, 0, j.inFlight.Load())
}

// TestDispatcher_RespectsProcessResponseTimeout verifies Config.
// ProcessResponseTimeout actually bounds a task's in-flight RPC: a worker
// that never responds within the timeout is reconciled as an execution
// failure, retried since the job is still healthy, rather than left
// in-flight forever.
func TestDispatcher_RespectsProcessResponseTimeout(t *testing.T) {
	client := &recordingLoadClient{delay: 50 * time.Millisecond}
	pool := workerclient.NewPoolWithFactory(func(string) workerclient.Client { return client })

	cfg := testConfig()
	cfg.ProcessResponseTimeout = 5 * time.Millisecond
	j := NewJob(cfg, &walkOnlyCache{}, Opts{ID: ulid.Make(), Path: "/"}, nil, nil)
	d := NewDispatcher(j, pool, 1)

	task := Task{ID: "t1", Worker: "w1", Files: []workerclient.FileRef{{AlluxioPath: "/a", Length: 1}}}
	j.inFlight.Add(1)

	require.NoError(t, d.Dispatch(context.Background(), []Task{task}))
	assert.EqualValues(t, 0, j.inFlight.Load())

	j.retryMu.Lock()
	retried := len(j.retry)
	j.retryMu.Unlock()
	assert.Equal(t, 1, retried)
}

// TestDispatcher_WaitsForBandwidthBeforeDispatch verifies a configured
// bandwidth cap actually throttles dispatch: with a tiny limiter the first
// task's files must be paid for out of the token bucket before the
// dispatcher's RPC is ever issued.
func TestDispatcher_WaitsForBandwidthBeforeDispatch(t *testing.T) {
	client := &recordingLoadClient{}
	pool := workerclient.NewPoolWithFactory(func(string) workerclient.Client { return client })

	j := NewJob(testConfig(), &walkOnlyCache{}, Opts{
		ID: ulid.Make(), Path: "/", BandwidthBytesPerSec: 1024,
	}, nil, nil)
	d := NewDispatcher(j, pool, 1)

	task := Task{ID: "t1", Worker: "w1", Files: []workerclient.FileRef{{AlluxioPath: "/a", Length: 512}}}
	j.inFlight.Add(1)

	require.NoError(t, d.Dispatch(context.Background(), []Task{task}))
	assert.Len(t, client.got, 1)
}

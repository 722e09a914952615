package loadjob

import (
	"context"
	"testing"

	"github.com/oklog/ulid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/blockworker/pkg/ufs"
	"github.com/grafana/blockworker/pkg/workerclient"
)

func testConfig() Config {
	return Config{
		BatchSize:             10,
		MaxFilesPerTask:       4,
		FailureCountThreshold: 100,
		FailureRatioThreshold: 0.5,
		RetryBlockCapacity:    10,
	}
}

func newTestJob(t *testing.T, cache ufs.StreamCache) *Job {
	t.Helper()
	return NewJob(testConfig(), cache, Opts{ID: ulid.Make(), Path: "/"}, nil, nil)
}

func TestJob_PrepareNextTasksAssignsDeterministically(t *testing.T) {
	cache := &walkOnlyCache{objs: []ufs.ObjectInfo{
		{Path: "/a", Length: 1},
		{Path: "/b", Length: 2},
		{Path: "/c", Length: 3},
	}}
	j := newTestJob(t, cache)
	j.SetActiveWorkers([]string{"w1", "w2"})

	tasks, err := j.PrepareNextTasks(context.Background())
	require.NoError(t, err)
	var files int
	for _, task := range tasks {
		files += len(task.Files)
	}
	assert.Equal(t, 3, files)

	// Re-running PrepareNextTasks with the same worker set assigns the same
	// files to the same workers (spec.md §4.6 item 1's determinism).
	assignments := map[string]string{}
	for _, task := range tasks {
		for _, f := range task.Files {
			assignments[f.AlluxioPath] = task.Worker
		}
	}
	for path, worker := range assignments {
		got, ok := assignWorker(path, []string{"w1", "w2"})
		require.True(t, ok)
		assert.Equal(t, worker, got)
	}
}

func TestJob_PrepareNextTasksNoActiveWorkersRetriesEverything(t *testing.T) {
	cache := &walkOnlyCache{objs: []ufs.ObjectInfo{{Path: "/a", Length: 1}}}
	j := newTestJob(t, cache)

	tasks, err := j.PrepareNextTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)

	j.retryMu.Lock()
	n := len(j.retry)
	j.retryMu.Unlock()
	assert.Equal(t, 1, n)
}

func TestJob_PrepareNextTasksConcurrentCallersGetEmpty(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	j.preparing.Store(true)
	defer j.preparing.Store(false)

	tasks, err := j.PrepareNextTasks(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tasks)
}

// TestJob_ProcessResponseCountsOnlySuccesses mirrors spec.md §8 scenario S6:
// a 10-file batch with 3 retryable and 1 non-retryable failure leaves
// processed at 6 (10 - 3 retried - 1 permanently failed).
func TestJob_ProcessResponseCountsOnlySuccesses(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})

	files := make([]workerclient.FileRef, 10)
	for i := range files {
		files[i] = workerclient.FileRef{AlluxioPath: pathFor(i), Length: 1}
	}
	task := Task{ID: "t1", Worker: "w1", Files: files}

	resp := workerclient.LoadFileResponse{
		Status: workerclient.StatusPartial,
		Files: []workerclient.FileFailure{
			{File: pathFor(0), Retryable: true},
			{File: pathFor(1), Retryable: true},
			{File: pathFor(2), Retryable: true},
			{File: pathFor(3), Retryable: false},
		},
	}

	err := j.ProcessResponse(task, OutcomeCompleted, resp)
	require.NoError(t, err)
	assert.EqualValues(t, 6, j.processed.Load())
	assert.EqualValues(t, 1, j.failedCount.Load())

	j.retryMu.Lock()
	retried := len(j.retry)
	j.retryMu.Unlock()
	assert.Equal(t, 3, retried)
}

func TestJob_ProcessResponseCancelledRetriesAll(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	task := Task{ID: "t1", Worker: "w1", Files: []workerclient.FileRef{{AlluxioPath: "/a"}, {AlluxioPath: "/b"}}}

	err := j.ProcessResponse(task, OutcomeCancelled, workerclient.LoadFileResponse{})
	require.Error(t, err)

	j.retryMu.Lock()
	n := len(j.retry)
	j.retryMu.Unlock()
	assert.Equal(t, 2, n)
}

func TestJob_IsHealthyTripsPermanentlyUnhealthy(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	j.cfg.FailureCountThreshold = 1
	j.cfg.FailureRatioThreshold = 0.1

	j.recordFailure("/a", "boom", 500)
	j.recordFailure("/b", "boom", 500)
	assert.False(t, j.IsHealthy())

	// a later call that would otherwise look healthy still reports
	// unhealthy: the transition is monotonic (spec.md §8 invariant 8).
	j.failedCount.Store(0)
	assert.False(t, j.IsHealthy())
}

func TestJob_IsDoneRequiresExhaustedRetryEmptyAndNoInFlight(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	assert.False(t, j.IsDone())

	_, ok, err := j.iter.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	assert.True(t, j.IsDone())

	j.inFlight.Add(1)
	assert.False(t, j.IsDone())
	j.inFlight.Add(-1)
	assert.True(t, j.IsDone())
}

func TestJob_StatePromotesToSucceededOnceDone(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	assert.Equal(t, StateRunning, j.State())

	_, _, err := j.iter.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, j.State())
}

func TestJob_FailAndStopAreSticky(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	j.Fail()
	assert.Equal(t, StateFailed, j.State())

	j2 := newTestJob(t, &walkOnlyCache{})
	j2.Stop()
	assert.Equal(t, StateStopped, j2.State())
}

func pathFor(i int) string {
	return string(rune('a' + i))
}

func TestJob_WaitForBandwidthNoopWithoutLimiter(t *testing.T) {
	j := newTestJob(t, &walkOnlyCache{})
	require.NoError(t, j.waitForBandwidth(context.Background(), 1<<20))
}

// TestJob_WaitForBandwidthChunksAboveBurst verifies waitForBandwidth doesn't
// hand rate.Limiter.WaitN more than its burst size in one call, which would
// otherwise make WaitN return an error unconditionally.
func TestJob_WaitForBandwidthChunksAboveBurst(t *testing.T) {
	j := NewJob(testConfig(), &walkOnlyCache{}, Opts{
		ID: ulid.Make(), Path: "/", BandwidthBytesPerSec: 100,
	}, nil, nil)
	require.NoError(t, j.waitForBandwidth(context.Background(), 250))
}

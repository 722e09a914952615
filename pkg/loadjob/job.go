package loadjob

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/grafana/blockworker/pkg/ufs"
	"github.com/grafana/blockworker/pkg/workerclient"
)

// Job is the secondary core spec.md §4.6 describes: a scheduler-driven
// pipeline that enumerates a UFS directory tree, assigns files to workers
// deterministically, and drives a bounded batch pipeline with retry and
// failure accounting.
type Job struct {
	cfg  Config
	id   ulid.ULID
	path string

	verify         bool
	partialListing bool
	limiter        *rate.Limiter // nil if no bandwidth cap configured

	iter *Iterator

	preparing atomic.Bool
	taskSeq   atomic.Uint64

	retryMu sync.Mutex
	retry   []workerclient.FileRef

	failedMu sync.Mutex
	failed   map[string]FailureReason

	workersMu sync.RWMutex
	workers   []string

	processed   atomic.Int64
	loadedBytes atomic.Int64
	totalBytes  atomic.Int64
	failedCount atomic.Int64
	inFlight    atomic.Int64
	unhealthy   atomic.Bool

	state   atomic.String
	started time.Time

	metrics *Metrics
	logger  log.Logger
}

// Opts configures a new Job.
type Opts struct {
	ID             ulid.ULID
	Path           string
	Verify         bool
	PartialListing bool
	// BandwidthBytesPerSec caps total throughput if > 0.
	BandwidthBytesPerSec float64
	TotalBytes           int64 // known up front only if !PartialListing
}

// NewJob creates a load job over path, enumerated via cache.
func NewJob(cfg Config, cache ufs.StreamCache, opts Opts, metrics *Metrics, logger log.Logger) *Job {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var limiter *rate.Limiter
	if opts.BandwidthBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.BandwidthBytesPerSec), int(opts.BandwidthBytesPerSec))
	}
	j := &Job{
		cfg:            cfg,
		id:             opts.ID,
		path:           opts.Path,
		verify:         opts.Verify,
		partialListing: opts.PartialListing,
		limiter:        limiter,
		iter:           NewIterator(cache, opts.Path),
		failed:         make(map[string]FailureReason),
		metrics:        metrics,
		logger:         log.With(logger, "component", "loadjob.Job", "job", opts.ID.String()),
		started:        time.Now(),
	}
	j.totalBytes.Store(opts.TotalBytes)
	j.state.Store(string(StateRunning))
	return j
}

// ID returns the job's identifier.
func (j *Job) ID() ulid.ULID { return j.id }

// SetActiveWorkers replaces the set of workers tasks may be assigned to.
func (j *Job) SetActiveWorkers(addrs []string) {
	sorted := append([]string(nil), addrs...)
	sort.Strings(sorted)
	j.workersMu.Lock()
	j.workers = sorted
	j.workersMu.Unlock()
}

func (j *Job) activeWorkers() []string {
	j.workersMu.RLock()
	defer j.workersMu.RUnlock()
	return j.workers
}

// assignWorker deterministically maps a file path onto the current active
// worker set via an FNV-1a hash, so the same path always lands on the same
// worker while the set is stable (spec.md §4.6 item 1).
func assignWorker(path string, workers []string) (string, bool) {
	if len(workers) == 0 {
		return "", false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return workers[h.Sum32()%uint32(len(workers))], true
}

// PrepareNextTasks implements spec.md §4.6 item 1. Concurrent callers
// racing this method get an empty list: only one preparation runs at a
// time, guarded by j.preparing.
func (j *Job) PrepareNextTasks(ctx context.Context) ([]Task, error) {
	if !j.preparing.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer j.preparing.Store(false)

	batch := j.drainRetries(ctx)

	for len(batch) < j.cfg.BatchSize {
		obj, ok, err := j.iter.Next(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "enumerate load path")
		}
		if !ok {
			break
		}
		batch = append(batch, workerclient.FileRef{AlluxioPath: obj.Path, Length: obj.Length, UfsPath: obj.Path})
	}
	if len(batch) == 0 {
		return nil, nil
	}

	byWorker := make(map[string][]workerclient.FileRef)
	workers := j.activeWorkers()
	for _, f := range batch {
		w, ok := assignWorker(f.AlluxioPath, workers)
		if !ok {
			j.enqueueRetry(f)
			continue
		}
		byWorker[w] = append(byWorker[w], f)
	}

	var tasks []Task
	workerNames := make([]string, 0, len(byWorker))
	for w := range byWorker {
		workerNames = append(workerNames, w)
	}
	sort.Strings(workerNames)
	for _, w := range workerNames {
		files := byWorker[w]
		for len(files) > 0 {
			n := j.cfg.MaxFilesPerTask
			if n > len(files) {
				n = len(files)
			}
			tasks = append(tasks, Task{ID: j.nextTaskID(), Worker: w, Files: files[:n]})
			files = files[n:]
		}
	}
	j.inFlight.Add(int64(len(tasks)))
	if j.metrics != nil {
		j.metrics.TasksDispatched.Add(float64(len(tasks)))
	}
	return tasks, nil
}

func (j *Job) nextTaskID() string {
	return j.id.String() + "-" + strconv.FormatUint(j.taskSeq.Inc(), 10)
}

// drainRetries pulls up to RetryThreshold entries off the retry deque,
// re-stats each: dropped on FileNotFound, re-enqueued on any other error,
// else carried into the new batch with a refreshed length.
func (j *Job) drainRetries(ctx context.Context) []workerclient.FileRef {
	threshold := j.cfg.RetryThreshold()

	j.retryMu.Lock()
	n := len(j.retry)
	if n > threshold {
		n = threshold
	}
	drain := j.retry[:n]
	j.retry = append([]workerclient.FileRef(nil), j.retry[n:]...)
	j.retryMu.Unlock()

	out := make([]workerclient.FileRef, 0, len(drain))
	for _, f := range drain {
		info, err := j.iter.cache.Stat(ctx, f.UfsPath)
		if err != nil {
			if errors.Is(err, ufs.ErrNotExist) {
				continue
			}
			j.enqueueRetry(f)
			continue
		}
		f.Length = info.Length
		out = append(out, f)
	}
	return out
}

// enqueueRetry appends f to the retry deque, dropping it (and recording a
// permanent failure) if the deque is already at capacity.
func (j *Job) enqueueRetry(f workerclient.FileRef) {
	j.retryMu.Lock()
	if len(j.retry) >= j.cfg.RetryBlockCapacity {
		j.retryMu.Unlock()
		j.recordFailure(f.AlluxioPath, "retry deque at capacity", 0)
		return
	}
	j.retry = append(j.retry, f)
	j.retryMu.Unlock()
	if j.metrics != nil {
		j.metrics.FilesRetried.Inc()
	}
}

// recordFailure records the first-observed reason a file permanently
// failed; subsequent calls for the same path are no-ops (spec.md §7).
func (j *Job) recordFailure(path, message string, code int) {
	j.failedMu.Lock()
	_, exists := j.failed[path]
	if !exists {
		j.failed[path] = FailureReason{Message: message, Code: code, FirstObserved: time.Now()}
	}
	j.failedMu.Unlock()
	if !exists {
		j.failedCount.Inc()
		if j.metrics != nil {
			j.metrics.FilesFailed.Inc()
		}
	}
}

// ProcessResponse reconciles a task's outcome (spec.md §4.6 item 2, item 5).
func (j *Job) ProcessResponse(task Task, outcome ExecutorOutcome, resp workerclient.LoadFileResponse) error {
	j.inFlight.Add(-1)

	switch outcome {
	case OutcomeCancelled:
		for _, f := range task.Files {
			j.enqueueRetry(f)
		}
		return errors.New("task cancelled; all files retried")
	case OutcomeInterrupted:
		for _, f := range task.Files {
			j.enqueueRetry(f)
		}
		return context.Canceled
	case OutcomeExecutionError:
		healthy := j.IsHealthy()
		for _, f := range task.Files {
			if healthy {
				j.enqueueRetry(f)
			} else {
				j.recordFailure(f.AlluxioPath, "task execution failed", 0)
			}
		}
		return nil
	}

	failedFiles := make(map[string]workerclient.FileFailure, len(resp.Files))
	for _, ff := range resp.Files {
		failedFiles[ff.File] = ff
	}

	var successCount int64
	var successBytes int64
	healthy := j.IsHealthy()
	for _, f := range task.Files {
		ff, isFailed := failedFiles[f.AlluxioPath]
		if !isFailed {
			successCount++
			successBytes += f.Length
			continue
		}
		if healthy && ff.Retryable {
			j.enqueueRetry(f)
			continue
		}
		j.recordFailure(f.AlluxioPath, ff.Message, ff.Code)
	}

	j.processed.Add(successCount)
	j.loadedBytes.Add(successBytes)
	if j.metrics != nil {
		j.metrics.FilesLoaded.Add(float64(successCount))
		j.metrics.BytesLoaded.Add(float64(successBytes))
		if len(resp.Files) == 0 {
			j.metrics.TasksSucceeded.Inc()
		}
	}
	level.Debug(j.logger).Log("msg", "processed task response", "task", task.ID, "worker", task.Worker,
		"success", successCount, "failed", len(resp.Files))
	return nil
}

// waitForBandwidth blocks until the configured limiter's budget admits
// totalBytes, enforcing spec.md's configured load bandwidth cap at the
// point tasks are handed to workers (no-op if no cap is configured). Large
// requests are chunked to the limiter's burst size, since rate.Limiter.WaitN
// rejects any n exceeding it.
func (j *Job) waitForBandwidth(ctx context.Context, totalBytes int64) error {
	if j.limiter == nil || totalBytes <= 0 {
		return nil
	}
	burst := int64(j.limiter.Burst())
	if burst <= 0 {
		burst = 1
	}
	for totalBytes > 0 {
		n := totalBytes
		if n > burst {
			n = burst
		}
		if err := j.limiter.WaitN(ctx, int(n)); err != nil {
			return err
		}
		totalBytes -= n
	}
	return nil
}

// IsHealthy implements spec.md §4.6 item 3 / §8 invariant 8: once the job
// trips unhealthy it stays unhealthy (monotonic).
func (j *Job) IsHealthy() bool {
	if j.unhealthy.Load() {
		return false
	}
	if State(j.state.Load()) == StateFailed {
		j.unhealthy.Store(true)
		return false
	}
	failures := j.failedCount.Load()
	if failures <= int64(j.cfg.FailureCountThreshold) {
		return true
	}
	total := j.processed.Load() + failures
	if total == 0 {
		return true
	}
	ratio := float64(failures) / float64(total)
	if ratio <= j.cfg.FailureRatioThreshold {
		return true
	}
	j.unhealthy.Store(true)
	return false
}

// IsDone implements spec.md §4.6 item 4.
func (j *Job) IsDone() bool {
	j.retryMu.Lock()
	retryEmpty := len(j.retry) == 0
	j.retryMu.Unlock()
	return j.iter.Exhausted() && retryEmpty && j.inFlight.Load() == 0
}

// Fail transitions the job to FAILED.
func (j *Job) Fail() { j.state.Store(string(StateFailed)) }

// Stop transitions the job to STOPPED.
func (j *Job) Stop() { j.state.Store(string(StateStopped)) }

// State returns the job's current lifecycle state, promoting to SUCCEEDED
// once IsDone and still RUNNING.
func (j *Job) State() State {
	s := State(j.state.Load())
	if s == StateRunning && j.IsDone() {
		s = StateSucceeded
		j.state.Store(string(s))
	}
	return s
}

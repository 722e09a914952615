package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid"

	"github.com/grafana/blockworker/pkg/loadjob"
	"github.com/grafana/blockworker/pkg/ufs"
	"github.com/grafana/blockworker/pkg/workerclient"
)

// jobRunner is the scheduler-side half of the load job pipeline (spec.md
// §4.6): it constructs loadjob.Job instances over the configured UFS root
// and drives each one's prepare/dispatch loop to completion. It is the
// "operator-driven command" that actually exercises pkg/loadjob's Job and
// Dispatcher outside of their own unit tests.
type jobRunner struct {
	cfg     loadjob.Config
	cache   ufs.StreamCache
	pool    *workerclient.Pool
	metrics *loadjob.Metrics
	logger  log.Logger

	mu   sync.Mutex
	jobs map[string]*loadjob.Job
}

func newJobRunner(cfg loadjob.Config, cache ufs.StreamCache, pool *workerclient.Pool, metrics *loadjob.Metrics, logger log.Logger) *jobRunner {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &jobRunner{
		cfg:     cfg,
		cache:   cache,
		pool:    pool,
		metrics: metrics,
		logger:  log.With(logger, "component", "jobRunner"),
		jobs:    make(map[string]*loadjob.Job),
	}
}

// startLoadJobRequest is the body of POST /api/v1/load_jobs.
type startLoadJobRequest struct {
	Path                 string   `json:"path"`
	Workers              []string `json:"workers"`
	Verify               bool     `json:"verify"`
	PartialListing       bool     `json:"partial_listing"`
	BandwidthBytesPerSec float64  `json:"bandwidth_bytes_per_sec"`
}

type startLoadJobResponse struct {
	JobID string `json:"job_id"`
}

// handleStart serves POST /api/v1/load_jobs: it creates a Job over the
// requested path and worker set, registers it, and runs its
// prepare/dispatch loop on a background goroutine until the job succeeds,
// fails, or is stopped.
func (r *jobRunner) handleStart(w http.ResponseWriter, req *http.Request) {
	var body startLoadJobRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if body.Path == "" || len(body.Workers) == 0 {
		http.Error(w, "path and workers are required", http.StatusBadRequest)
		return
	}

	job := loadjob.NewJob(r.cfg, r.cache, loadjob.Opts{
		ID:                   ulid.Make(),
		Path:                 body.Path,
		Verify:               body.Verify,
		PartialListing:       body.PartialListing,
		BandwidthBytesPerSec: body.BandwidthBytesPerSec,
	}, r.metrics, r.logger)
	job.SetActiveWorkers(body.Workers)

	r.mu.Lock()
	r.jobs[job.ID().String()] = job
	r.mu.Unlock()

	go r.run(job)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(startLoadJobResponse{JobID: job.ID().String()})
}

// run drives job's prepare_next_tasks / dispatch loop to completion, idling
// briefly between rounds that produce no tasks so it doesn't spin while
// waiting on in-flight work or enumeration to catch up.
func (r *jobRunner) run(job *loadjob.Job) {
	d := loadjob.NewDispatcher(job, r.pool, r.cfg.DispatchConcurrency)
	ctx := context.Background()
	for job.State() == loadjob.StateRunning {
		tasks, err := job.PrepareNextTasks(ctx)
		if err != nil {
			level.Error(r.logger).Log("msg", "failed to enumerate load path", "job", job.ID(), "err", err)
			job.Fail()
			return
		}
		if len(tasks) == 0 {
			if job.IsDone() {
				return
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if err := d.Dispatch(ctx, tasks); err != nil {
			level.Warn(r.logger).Log("msg", "dispatch round failed", "job", job.ID(), "err", err)
		}
	}
}

// handleStatus serves GET /api/v1/load_jobs/{id} with the job's full
// structured progress report (spec.md §4.6), including its per-file
// failure map.
func (r *jobRunner) handleStatus(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	r.mu.Lock()
	job, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job.ProgressFull())
}

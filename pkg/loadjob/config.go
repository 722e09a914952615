package loadjob

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

// Config holds the options spec.md §4.6/§6 names for the load job.
type Config struct {
	// BatchSize bounds how many files prepare_next_tasks pulls together
	// before assigning and packing them into tasks.
	BatchSize int `yaml:"batch_size"`

	// MaxFilesPerTask is the most files ever packed into a single task
	// sent to one worker.
	MaxFilesPerTask int `yaml:"max_files_per_task"`

	// FailureCountThreshold and FailureRatioThreshold jointly gate
	// is_healthy(): the job is unhealthy once failures exceed the count
	// threshold AND the failure ratio exceeds the ratio threshold.
	FailureCountThreshold int     `yaml:"failure_count_threshold"`
	FailureRatioThreshold float64 `yaml:"failure_ratio_threshold"`

	// RetryBlockCapacity bounds the retry deque; RetryThreshold is how
	// many entries prepare_next_tasks drains from it per call.
	RetryBlockCapacity int `yaml:"retry_block_capacity"`

	// ProcessResponseTimeout bounds how long a single dispatched task may
	// stay in flight before the dispatcher gives up on it and the
	// scheduler treats it as lost: the in-flight RPC is cancelled and its
	// files are reconciled as a failed execution (not named directly in
	// spec.md, follows the same "default a generous bound" idiom as
	// blockstore.Config).
	ProcessResponseTimeout time.Duration `yaml:"process_response_timeout"`

	// DispatchConcurrency bounds how many tasks the dispatcher sends to
	// workers in parallel.
	DispatchConcurrency int `yaml:"dispatch_concurrency"`
}

// RetryThreshold is 0.8 * RetryBlockCapacity (spec.md §4.6), rounded down.
func (c Config) RetryThreshold() int {
	return int(0.8 * float64(c.RetryBlockCapacity))
}

// RegisterFlags wires Config into f.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.BatchSize, "loadjob.batch-size", 500, "Max files pulled together by prepare_next_tasks.")
	f.IntVar(&c.MaxFilesPerTask, "loadjob.max-files-per-task", 20, "Max files packed into a single task.")
	f.IntVar(&c.FailureCountThreshold, "loadjob.failure-count-threshold", 100, "Failure count above which the ratio threshold also applies.")
	f.Float64Var(&c.FailureRatioThreshold, "loadjob.failure-ratio-threshold", 0.05, "Failure ratio above which, combined with the count threshold, the job becomes unhealthy.")
	f.IntVar(&c.RetryBlockCapacity, "loadjob.retry-block-capacity", 1000, "Capacity of the retry deque.")
	f.DurationVar(&c.ProcessResponseTimeout, "loadjob.process-response-timeout", 5*time.Minute, "How long a dispatched task may stay in flight before it is considered lost.")
	f.IntVar(&c.DispatchConcurrency, "loadjob.dispatch-concurrency", 8, "Max tasks dispatched to workers in parallel.")
}

// Validate checks the options this package requires.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("loadjob.batch-size must be > 0")
	}
	if c.MaxFilesPerTask <= 0 {
		return errors.New("loadjob.max-files-per-task must be > 0")
	}
	if c.RetryBlockCapacity <= 0 {
		return errors.New("loadjob.retry-block-capacity must be > 0")
	}
	return nil
}

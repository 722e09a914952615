package loadjob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const jobSubSys = "load_job"

// Metrics holds the Prometheus instrumentation for a Job, built the same
// way as blockstore.Metrics and fetcher.go's FetcherMetrics.
type Metrics struct {
	TasksDispatched prometheus.Counter
	TasksSucceeded  prometheus.Counter
	FilesLoaded     prometheus.Counter
	FilesFailed     prometheus.Counter
	FilesRetried    prometheus.Counter
	BytesLoaded     prometheus.Counter
}

// NewMetrics registers and returns load job metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		TasksDispatched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: jobSubSys, Name: "tasks_dispatched_total", Help: "Tasks handed to prepare_next_tasks callers.",
		}),
		TasksSucceeded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: jobSubSys, Name: "tasks_succeeded_total", Help: "Tasks whose response carried no failures.",
		}),
		FilesLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: jobSubSys, Name: "files_loaded_total", Help: "Files successfully loaded.",
		}),
		FilesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: jobSubSys, Name: "files_failed_total", Help: "Files permanently recorded as failed.",
		}),
		FilesRetried: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: jobSubSys, Name: "files_retried_total", Help: "File attempts re-enqueued to the retry deque.",
		}),
		BytesLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: jobSubSys, Name: "bytes_loaded_total", Help: "Bytes successfully loaded.",
		}),
	}
}

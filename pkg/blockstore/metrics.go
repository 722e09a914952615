package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const storeSubSys = "block_store"

// Metrics holds the Prometheus instrumentation tracked by a Store,
// constructed the same way as fetcher.go's FetcherMetrics: one struct per
// component, built with promauto.With(reg).
type Metrics struct {
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Commits       prometheus.Counter
	CommitErrors  prometheus.Counter
	Aborts        prometheus.Counter
	Removes       prometheus.Counter
	MasterRPCs    prometheus.Counter
	MasterRPCFail prometheus.Counter
	BytesRead     prometheus.Counter
	BytesWritten  prometheus.Counter
}

// NewMetrics registers and returns block store metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "cache_hits_total", Help: "Reads served entirely from cached pages.",
		}),
		CacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "cache_misses_total", Help: "Reads that required at least one UFS fetch.",
		}),
		Commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "commits_total", Help: "Blocks successfully committed.",
		}),
		CommitErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "commit_errors_total", Help: "Commit attempts that failed.",
		}),
		Aborts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "aborts_total", Help: "Temp blocks aborted.",
		}),
		Removes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "removes_total", Help: "Committed blocks removed.",
		}),
		MasterRPCs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "master_rpcs_total", Help: "commit_block RPCs issued to the master.",
		}),
		MasterRPCFail: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "master_rpc_failures_total", Help: "commit_block RPCs that failed.",
		}),
		BytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "bytes_read_total", Help: "Bytes served to readers, from cached pages or UFS.",
		}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: storeSubSys, Name: "bytes_written_total", Help: "Bytes written into the page store by writers.",
		}),
	}
}

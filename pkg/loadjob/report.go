package loadjob

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is the structured progress report spec.md §4.6 describes.
type Progress struct {
	State              State
	BandwidthBytesPerSec float64
	Verify             bool
	Processed          int64
	LoadedBytes        int64
	TotalBytes         int64 // only meaningful if HasTotalBytes
	HasTotalBytes      bool
	ThroughputBytesPerSec float64
	FailurePercentage  float64
	FailedFileCount    int64
	FailedFiles        map[string]FailureReason // only populated by ProgressFull
}

// Progress builds the structured progress report without the per-file
// failure map (spec.md §4.6: "in either a human-readable form or a
// structured form").
func (j *Job) Progress() Progress {
	elapsed := time.Since(j.started).Seconds()
	loaded := j.loadedBytes.Load()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(loaded) / elapsed
	}

	processed := j.processed.Load()
	failedCount := j.failedCount.Load()
	var failurePct float64
	if total := processed + failedCount; total > 0 {
		failurePct = 100 * float64(failedCount) / float64(total)
	}

	var bw float64
	if j.limiter != nil {
		bw = float64(j.limiter.Limit())
	}

	p := Progress{
		State:                 j.State(),
		BandwidthBytesPerSec:  bw,
		Verify:                j.verify,
		Processed:             processed,
		LoadedBytes:           loaded,
		TotalBytes:            j.totalBytes.Load(),
		HasTotalBytes:         !j.partialListing,
		ThroughputBytesPerSec: throughput,
		FailurePercentage:     failurePct,
		FailedFileCount:       failedCount,
	}
	return p
}

// ProgressFull is Progress plus the full failed-file map.
func (j *Job) ProgressFull() Progress {
	p := j.Progress()
	j.failedMu.Lock()
	p.FailedFiles = make(map[string]FailureReason, len(j.failed))
	for k, v := range j.failed {
		p.FailedFiles[k] = v
	}
	j.failedMu.Unlock()
	return p
}

// HumanReadable renders p the way an operator-facing CLI or log line would
// (spec.md §4.6: "human-readable form"), using go-humanize for byte counts
// and throughput the same way a dataset tool reports transfer progress.
func (p Progress) HumanReadable() string {
	s := fmt.Sprintf("state=%s processed=%d loaded=%s (%s/s) failures=%d (%.2f%%)",
		p.State, p.Processed, humanize.Bytes(uint64(p.LoadedBytes)),
		humanize.Bytes(uint64(p.ThroughputBytesPerSec)), p.FailedFileCount, p.FailurePercentage)
	if p.HasTotalBytes {
		s += fmt.Sprintf(" total=%s", humanize.Bytes(uint64(p.TotalBytes)))
	}
	return s
}

// Package journal encodes the persisted load job journal entry spec.md §6
// names: { job_id, load_path, state, partial_listing, verify, user?,
// bandwidth?, end_time? }.
package journal

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is a single persisted journal record for a load job.
type Entry struct {
	JobID          string     `json:"job_id"`
	LoadPath       string     `json:"load_path"`
	State          string     `json:"state"`
	PartialListing bool       `json:"partial_listing"`
	Verify         bool       `json:"verify"`
	User           *string    `json:"user,omitempty"`
	Bandwidth      *float64   `json:"bandwidth,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
}

// Encode marshals e as its persisted JSON form.
func Encode(e Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode journal entry")
	}
	return b, nil
}

// Decode parses a persisted journal entry.
func Decode(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, errors.Wrap(err, "decode journal entry")
	}
	return e, nil
}

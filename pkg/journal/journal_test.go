package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrips(t *testing.T) {
	user := "alice"
	bandwidth := 1024.0
	end := time.Unix(1700000000, 0).UTC()

	e := Entry{
		JobID:          "01H000",
		LoadPath:       "/data/set",
		State:          "RUNNING",
		PartialListing: true,
		Verify:         true,
		User:           &user,
		Bandwidth:      &bandwidth,
		EndTime:        &end,
	}

	b, err := Encode(e)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, e.JobID, got.JobID)
	assert.Equal(t, e.LoadPath, got.LoadPath)
	assert.Equal(t, e.State, got.State)
	assert.Equal(t, e.PartialListing, got.PartialListing)
	require.NotNil(t, got.User)
	assert.Equal(t, user, *got.User)
	require.NotNil(t, got.Bandwidth)
	assert.Equal(t, bandwidth, *got.Bandwidth)
	require.NotNil(t, got.EndTime)
	assert.True(t, end.Equal(*got.EndTime))
}

func TestEncode_OmitsOptionalFieldsWhenNil(t *testing.T) {
	e := Entry{JobID: "01H000", LoadPath: "/data/set", State: "SUCCEEDED"}
	b, err := Encode(e)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\"user\"")
	assert.NotContains(t, string(b), "\"bandwidth\"")
	assert.NotContains(t, string(b), "\"end_time\"")
}

func TestDecode_RejectsMalformedInput(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

package loadjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_RetryThreshold(t *testing.T) {
	c := Config{RetryBlockCapacity: 1000}
	assert.Equal(t, 800, c.RetryThreshold())
}

func TestConfig_ValidateRejectsNonPositiveFields(t *testing.T) {
	c := testConfig()
	assert.NoError(t, c.Validate())

	bad := c
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())

	bad = c
	bad.MaxFilesPerTask = 0
	assert.Error(t, bad.Validate())

	bad = c
	bad.RetryBlockCapacity = 0
	assert.Error(t, bad.Validate())
}

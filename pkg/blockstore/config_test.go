package blockstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_ValidateRejectsBadFields(t *testing.T) {
	good := Config{PageSize: 1 << 20, RemoveBlockTimeout: time.Second}
	assert.NoError(t, good.Validate())

	bad := good
	bad.PageSize = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.RemoveBlockTimeout = 0
	assert.Error(t, bad.Validate())
}

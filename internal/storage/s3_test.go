package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsRestamp(t *testing.T) {
	assert.False(t, needsRestamp(0))
	assert.False(t, needsRestamp(partSize), "single part upload is stamped on completion")
	assert.True(t, needsRestamp(partSize+1))
	assert.True(t, needsRestamp(maxCopySize))
	assert.False(t, needsRestamp(maxCopySize+1), "too large for one server-side copy")
}

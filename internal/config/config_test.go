package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, uint32(16384), c.BlockSize)
	assert.Equal(t, 2, c.MinRequestQueueSize)
	assert.Equal(t, 200, c.MaxRequestQueueSize)
	assert.Equal(t, 10, c.AllowedFastSetSize)
	assert.True(t, c.RequestTimeout > 0)
}

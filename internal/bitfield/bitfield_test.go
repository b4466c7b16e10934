package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBytes(t *testing.T) {
	buf := []byte{0x0f}

	v := NewBytes(buf, 8)
	assert.Equal(t, "0f", v.Hex())

	v2 := NewBytes([]byte{0x0f}, 7)
	assert.Equal(t, "0e", v2.Hex())

	assert.Panics(t, func() {
		NewBytes([]byte{0x00}, 9)
	})
}

func TestSetClearTest(t *testing.T) {
	v := New(10)
	require.Equal(t, "0000", v.Hex())

	v.Set(0)
	assert.Equal(t, "8000", v.Hex())

	v.Set(9)
	assert.Equal(t, "8040", v.Hex())

	assert.Panics(t, func() { v.Set(10) })

	v.Clear(0)
	assert.Equal(t, "0040", v.Hex())

	assert.False(t, v.Test(2))
	assert.True(t, v.Test(9))
}

func TestCountAndAll(t *testing.T) {
	v := New(4)
	assert.Equal(t, uint32(0), v.Count())
	assert.False(t, v.All())

	v.SetAll()
	assert.Equal(t, uint32(4), v.Count())
	assert.True(t, v.All())

	v.ClearAll()
	assert.Equal(t, uint32(0), v.Count())
}

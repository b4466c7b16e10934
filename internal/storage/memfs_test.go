package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
)

func TestMemFileSystemWriteThenRead(t *testing.T) {
	pool := bufferpool.New(16)
	fs := NewMemFileSystem(pool, 32)

	buf := pool.Get(16)
	copy(buf.Data, []byte("0123456789abcdef"))
	writeC := make(chan WriteResult, 1)
	fs.AsyncWrite(0, 0, buf, writeC)
	wr := <-writeC
	require.NoError(t, wr.Err)

	readC := make(chan ReadResult, 1)
	fs.AsyncRead(0, 0, 16, readC)
	rr := <-readC
	require.NoError(t, rr.Err)
	assert.Equal(t, "0123456789abcdef", string(rr.Buffer.Data))
}

func TestMemFileSystemReadOfUnseenPieceIsZeroed(t *testing.T) {
	pool := bufferpool.New(16)
	fs := NewMemFileSystem(pool, 32)

	readC := make(chan ReadResult, 1)
	fs.AsyncRead(3, 0, 16, readC)
	rr := <-readC
	require.NoError(t, rr.Err)
	for _, b := range rr.Buffer.Data {
		assert.Equal(t, byte(0), b)
	}
}

func TestMemFileSystemHashMatchesSeededData(t *testing.T) {
	pool := bufferpool.New(16)
	fs := NewMemFileSystem(pool, 16)
	fs.Seed(0, []byte("0123456789abcdef"))

	hashC := make(chan HashResult, 1)
	fs.AsyncHash(0, hashC)
	hr := <-hashC
	require.NoError(t, hr.Err)
	assert.NotEqual(t, [20]byte{}, hr.Sum)
}

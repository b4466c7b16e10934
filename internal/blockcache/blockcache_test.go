package blockcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
	"github.com/cenkalti/rain/v2/internal/storage"
)

func testCache(capacity, ghost int) (*Cache, *bufferpool.Pool) {
	return New(Config{CapacityBlocks: capacity, GhostSize: ghost}), bufferpool.New(16)
}

func TestReadMissOnEmptyCache(t *testing.T) {
	c, _ := testCache(4, 4)
	_, err := c.TryRead(PieceKey{Storage: "a", Index: 0}, 0, "peer1")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, OpMiss, c.lastOp)
}

func TestFillThenReadHits(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 2, pool.Get(16)))

	ref, err := c.TryRead(key, 0, "peer1")
	require.NoError(t, err)
	assert.Equal(t, 16, len(ref.Data()))
	ref.Release()
}

func TestVolatileReadPromotesToLRU1ThenLRU2(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))

	ref, err := c.TryRead(key, 0, "peer1")
	require.NoError(t, err)
	ref.Release()
	assert.Equal(t, ListReadLRU1, c.index[key].Class)

	ref, err = c.TryRead(key, 0, "peer2") // different requester promotes
	require.NoError(t, err)
	ref.Release()
	assert.Equal(t, ListReadLRU2, c.index[key].Class)
}

func TestSameRequesterDoesNotPromote(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))

	ref, _ := c.TryRead(key, 0, "peer1")
	ref.Release()
	ref, _ = c.TryRead(key, 0, "peer1")
	ref.Release()
	assert.Equal(t, ListReadLRU1, c.index[key].Class)
}

func TestEvictionMovesEmptiedPieceToGhost(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))

	remaining := c.TryEvictBlocks(1)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, ListReadLRU1Ghost, c.index[key].Class)
}

func TestGhostHitPromotesToLRU2AndCountsAsMiss(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))
	c.TryEvictBlocks(1)
	require.Equal(t, ListReadLRU1Ghost, c.index[key].Class)

	_, err := c.TryRead(key, 0, "peer1")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, ListReadLRU2, c.index[key].Class)
	assert.Equal(t, OpGhostHitLRU1, c.lastOp)
}

func TestPinnedBlockIsNotEvicted(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))
	c.IncBlockRefCount(key, 0, ReasonReading)

	remaining := c.TryEvictBlocks(1)
	assert.Equal(t, 1, remaining, "pinned block must not be evicted")
	assert.True(t, c.index[key].Blocks[0].Present)
}

func TestDirtyBlockIsNotEvictedFromWriteUntilFlushed(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.AddDirtyBlock(key, 0, 1, pool.Get(16)))

	remaining := c.TryEvictBlocks(1)
	assert.Equal(t, 1, remaining)

	c.BlocksFlushed(key, []int{0})
	assert.Equal(t, ListReadLRU1, c.index[key].Class)
	remaining = c.TryEvictBlocks(1)
	assert.Equal(t, 0, remaining)
}

func TestDuplicateDirtyBlockNotOverwritten(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	first := pool.Get(16)
	require.NoError(t, c.AddDirtyBlock(key, 0, 1, first))
	require.NoError(t, c.AddDirtyBlock(key, 0, 1, pool.Get(16)))
	assert.Equal(t, first.Data, c.index[key].Blocks[0].Buf.Data)
}

func TestPinStatsBalance(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))

	ref, _ := c.TryRead(key, 0, "peer1")
	assert.Equal(t, int64(1), c.PinStats()[ReasonReading])
	ref.Release()
	assert.Equal(t, int64(0), c.PinStats()[ReasonReading])
}

func TestGhostListBounded(t *testing.T) {
	c, pool := testCache(8, 1)
	for i := uint32(0); i < 3; i++ {
		key := PieceKey{Storage: "a", Index: i}
		require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))
		c.TryEvictBlocks(1)
	}
	assert.LessOrEqual(t, c.lists[ListReadLRU1Ghost].Len(), 1)
}

func TestRemoveDropsPiece(t *testing.T) {
	c, pool := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	require.NoError(t, c.FillBlock(key, 0, 1, pool.Get(16)))
	c.Remove(key)
	_, ok := c.index[key]
	assert.False(t, ok)
}

func TestReadThroughFallsBackToDiskOnMiss(t *testing.T) {
	c, pool := testCache(4, 4)
	fs := storage.NewMemFileSystem(pool, 16)
	fs.Seed(0, []byte("0123456789abcdef"))
	c.SetFileSystem(fs)

	key := PieceKey{Storage: "a", Index: 0}
	ref, err := c.ReadThrough(key, 0, 1, 16, "peer1")
	require.NoError(t, err)
	defer ref.Release()
	assert.Equal(t, "0123456789abcdef", string(ref.Data()))
}

func TestReadThroughWithoutFileSystemStaysMiss(t *testing.T) {
	c, _ := testCache(4, 4)
	key := PieceKey{Storage: "a", Index: 0}
	_, err := c.ReadThrough(key, 0, 1, 16, "peer1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestFlushOneWritesDirtyBlockAndPromotesToLRU1(t *testing.T) {
	c, pool := testCache(4, 4)
	fs := storage.NewMemFileSystem(pool, 16)
	key := PieceKey{Storage: "a", Index: 0}
	buf := pool.Get(16)
	copy(buf.Data, []byte("0123456789abcdef"))
	require.NoError(t, c.AddDirtyBlock(key, 0, 1, buf))

	flushed := c.FlushOne(fs, 16)
	assert.True(t, flushed)
	assert.Equal(t, ListReadLRU1, c.index[key].Class)
	assert.Equal(t, int64(0), c.PinStats()[ReasonFlushing])

	readC := make(chan storage.ReadResult, 1)
	fs.AsyncRead(0, 0, 16, readC)
	assert.Equal(t, "0123456789abcdef", string((<-readC).Buffer.Data))
}

func TestFlushOneReturnsFalseWhenNothingDirty(t *testing.T) {
	c, pool := testCache(4, 4)
	assert.False(t, c.FlushOne(storage.NewMemFileSystem(pool, 16), 16))
}

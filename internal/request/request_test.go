package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePicker struct {
	blocks   []Block
	aborted  []Block
	finished []Block
}

func (p *fakePicker) Pick(Bitfield, Hints) (Block, bool) {
	if len(p.blocks) == 0 {
		return Block{}, false
	}
	b := p.blocks[0]
	p.blocks = p.blocks[1:]
	return b, true
}
func (p *fakePicker) MarkAsDownloading(Block, string) {}
func (p *fakePicker) AbortDownload(b Block, _ string)  { p.aborted = append(p.aborted, b) }
func (p *fakePicker) MarkAsWriting(Block, string)      {}
func (p *fakePicker) MarkAsFinished(b Block, _ string) { p.finished = append(p.finished, b) }
func (p *fakePicker) IsDownloaded(Block) bool          { return false }
func (p *fakePicker) NumPeers(Block) int               { return 0 }

type fakePeer struct {
	requested []Block
	cancelled []Block
	rate      int64
}

func (p *fakePeer) Key() string { return "peer1" }
func (p *fakePeer) RequestPiece(index, begin, length uint32) {
	p.requested = append(p.requested, Block{index, begin, length})
}
func (p *fakePeer) CancelPiece(index, begin, length uint32) {
	p.cancelled = append(p.cancelled, Block{index, begin, length})
}
func (p *fakePeer) EnabledFast() bool  { return false }
func (p *fakePeer) DownloadRate() int64 { return p.rate }

func testConfig() Config {
	return Config{
		BlockSize:              16384,
		RequestQueueTimeTarget: 3 * time.Second,
		MinQueueSize:           2,
		MaxQueueSize:           500,
		RequestTimeout:         10 * time.Second,
		MaxTimeoutExtensions:   30,
	}
}

func TestFillAndFlush(t *testing.T) {
	picker := &fakePicker{blocks: []Block{
		{PieceIndex: 0, Begin: 0, Length: 16384},
		{PieceIndex: 0, Begin: 16384, Length: 16384},
	}}
	peer := &fakePeer{}
	pl := New(peer, picker, testConfig())

	pl.Fill(nil, false)
	pl.Flush(false)

	assert.Len(t, peer.requested, 2)
	assert.Equal(t, 2, pl.QueueDepth())
}

func TestChokeClearsRequestQueueOnly(t *testing.T) {
	picker := &fakePicker{blocks: []Block{
		{PieceIndex: 0, Begin: 0, Length: 16384},
		{PieceIndex: 0, Begin: 16384, Length: 16384},
		{PieceIndex: 0, Begin: 32768, Length: 16384},
	}}
	peer := &fakePeer{}
	pl := New(peer, picker, testConfig())
	pl.desiredQueueSize = 3

	pl.Fill(nil, false)
	pl.Flush(false)
	require.Equal(t, 3, pl.QueueDepth())

	// Put one block back in the request queue by forcing a fresh pick.
	picker.blocks = append(picker.blocks, Block{PieceIndex: 1, Begin: 0, Length: 16384})
	pl.desiredQueueSize = 4
	pl.Fill(nil, false)
	require.Len(t, pl.requestQueue, 1)

	pl.HandleChoke()
	assert.Empty(t, pl.requestQueue)
	assert.Len(t, pl.downloadQueue, 3)
	assert.Len(t, picker.aborted, 1)
}

func TestChokeOnParoleKeepsQueue(t *testing.T) {
	picker := &fakePicker{blocks: []Block{{PieceIndex: 0, Begin: 0, Length: 16384}}}
	peer := &fakePeer{}
	pl := New(peer, picker, testConfig())
	pl.SetOnParole(true)
	pl.Fill(nil, false)

	pl.HandleChoke()
	assert.Len(t, pl.requestQueue, 1)
}

func TestGotBlockCompletesRequest(t *testing.T) {
	picker := &fakePicker{blocks: []Block{{PieceIndex: 5, Begin: 0, Length: 16384}}}
	peer := &fakePeer{}
	pl := New(peer, picker, testConfig())
	pl.Fill(nil, false)
	pl.Flush(false)

	err := pl.GotBlock(5, 0, 16384)
	require.NoError(t, err)
	assert.Empty(t, pl.downloadQueue)
	assert.Len(t, picker.finished, 1)

	err = pl.GotBlock(5, 0, 16384)
	assert.ErrorIs(t, err, ErrBlockNotRequested)
}

func TestRejectReturnsBlockToPicker(t *testing.T) {
	picker := &fakePicker{blocks: []Block{{PieceIndex: 5, Begin: 0, Length: 16384}}}
	peer := &fakePeer{}
	pl := New(peer, picker, testConfig())
	pl.Fill(nil, false)
	pl.Flush(false)

	ok := pl.HandleReject(5, 0, 16384)
	assert.True(t, ok)
	assert.Empty(t, pl.downloadQueue)
	assert.Len(t, picker.aborted, 1)
}

func TestTickSnubsOnTimeout(t *testing.T) {
	picker := &fakePicker{blocks: []Block{{PieceIndex: 0, Begin: 0, Length: 16384}}}
	peer := &fakePeer{}
	cfg := testConfig()
	cfg.RequestTimeout = time.Millisecond
	pl := New(peer, picker, cfg)
	pl.Fill(nil, false)
	pl.Flush(false)

	time.Sleep(5 * time.Millisecond)
	snubbed := pl.Tick(time.Now())
	assert.True(t, snubbed)
	assert.True(t, pl.Snubbed())
	assert.Equal(t, 1, pl.desiredQueueSize)
}

package alert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSinkEmitsToFeed(t *testing.T) {
	s := New(4)
	s.PeerConnected("1.2.3.4:1234")
	a := <-s.Feed()
	assert.Equal(t, PeerConnected, a.Kind)
	assert.Equal(t, "1.2.3.4:1234", a.Remote)
}

func TestSinkDropsWhenFeedFull(t *testing.T) {
	s := New(1)
	s.PeerConnected("a")
	s.PeerConnected("b") // queue full, should drop and count, not block
	a := <-s.Feed()
	assert.Equal(t, "a", a.Remote)
}

func TestSinkTracksPeerErrorWithErr(t *testing.T) {
	s := New(4)
	wantErr := errors.New("boom")
	s.PeerError("1.2.3.4:1234", wantErr)
	a := <-s.Feed()
	assert.Equal(t, PeerError, a.Kind)
	assert.Equal(t, wantErr, a.Err)
}

func TestSinkInvalidRequestCarriesCoordinates(t *testing.T) {
	s := New(4)
	s.InvalidRequest("p1", 3, 16384, 16384)
	a := <-s.Feed()
	assert.Equal(t, uint32(3), a.Index)
	assert.Equal(t, uint32(16384), a.Begin)
	assert.Equal(t, uint32(16384), a.Length)
}

func TestKindStringCoversAllKinds(t *testing.T) {
	for k := PeerConnected; k <= FileError; k++ {
		assert.NotEqual(t, "unknown", k.String())
	}
}

func TestTickAdvancesRates(t *testing.T) {
	s := New(4)
	s.BlockFinished("p1", 0, 0)
	s.Tick()
	s.Tick()
	assert.Greater(t, s.Rate(BlockFinished), 0.0)
}

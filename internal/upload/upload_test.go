package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTorrent struct {
	pieceCount  uint32
	pieceLength uint32
	have        map[uint32]bool
}

func (t *fakeTorrent) PieceCount() uint32         { return t.pieceCount }
func (t *fakeTorrent) PieceLength(uint32) uint32  { return t.pieceLength }
func (t *fakeTorrent) HasPiece(i uint32) bool     { return t.have[i] }

func testServer() (*Server, *fakeTorrent) {
	tr := &fakeTorrent{pieceCount: 10, pieceLength: 32768, have: map[uint32]bool{0: true, 1: true}}
	cfg := Config{BlockSize: 16384, MaxAllowedInRequestQueue: 10, AbuseDisconnectThreshold: 3, MaxSuperseededPieces: 2}
	return New(tr, cfg, []uint32{2, 3}), tr
}

func TestValidateHappyPath(t *testing.T) {
	s, _ := testServer()
	err := s.Validate(0, 0, 16384, true, false)
	assert.NoError(t, err)
}

func TestValidateRejectsOutOfRangePiece(t *testing.T) {
	s, _ := testServer()
	err := s.Validate(99, 0, 16384, true, false)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestValidateRejectsOversizedLength(t *testing.T) {
	s, _ := testServer()
	err := s.Validate(0, 0, 99999, true, false)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestValidateRejectsChokedNonFast(t *testing.T) {
	s, _ := testServer()
	err := s.Validate(0, 0, 16384, true, true)
	assert.ErrorIs(t, err, ErrChokedAndNotFast)
}

func TestValidateAllowsChokedFast(t *testing.T) {
	s, tr := testServer()
	tr.have[2] = true
	err := s.Validate(2, 0, 16384, true, true)
	assert.NoError(t, err)
}

func TestValidateRejectsIncompletePiece(t *testing.T) {
	s, _ := testServer()
	err := s.Validate(5, 0, 16384, true, false)
	assert.ErrorIs(t, err, ErrPieceNotComplete)
}

func TestAbuseThreshold(t *testing.T) {
	s, _ := testServer()
	assert.False(t, s.RecordInvalid())
	assert.False(t, s.RecordInvalid())
	assert.True(t, s.RecordInvalid())
}

func TestEnqueueDequeueCancel(t *testing.T) {
	s, _ := testServer()
	s.Enqueue(0, 0, 16384)
	s.Enqueue(0, 16384, 16384)
	assert.Equal(t, 2, s.QueueLen())

	assert.True(t, s.Cancel(0, 0, 16384))
	assert.Equal(t, 1, s.QueueLen())

	r, ok := s.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, uint32(16384), r.Begin)
}

func TestSuperseedRotatesOnAnnounce(t *testing.T) {
	s, _ := testServer()
	s.Superseed(7)
	s.Superseed(8)
	assert.Len(t, s.Superseeded(), 2)

	next := func() (uint32, bool) { return 9, true }
	s.AnnouncedHave(7, next)
	assert.ElementsMatch(t, []uint32{8, 9}, s.Superseeded())
}

// Package upload implements the Upload Server: validating incoming
// block requests, tracking the allowed-fast set, and fulfilling
// requests through the block cache.
package upload

import (
	"errors"
	"io"
	"time"

	"github.com/cenkalti/rain/v2/internal/blockcache"
	"github.com/cenkalti/rain/v2/internal/wire"
)

// Request is a validated incoming block request awaiting fulfillment.
type Request struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
	QueuedAt   time.Time
}

var (
	// ErrInvalidCoordinate is returned when the index/begin/length
	// triple does not fit within the piece layout.
	ErrInvalidCoordinate = errors.New("upload: invalid request coordinate")
	// ErrNotInterested is returned when a request arrives from a peer
	// who never declared interest.
	ErrNotInterested = errors.New("upload: peer is not interested")
	// ErrChokedAndNotFast is returned when a choked peer requests a
	// piece outside its allowed-fast set.
	ErrChokedAndNotFast = errors.New("upload: peer is choked and piece is not allowed-fast")
	// ErrPieceNotComplete is returned when the requested piece has not
	// been verified locally yet (and is not being predictively served).
	ErrPieceNotComplete = errors.New("upload: piece not complete")
	// ErrQueueFull is returned when the upload queue is already at
	// max_allowed_in_request_queue.
	ErrQueueFull = errors.New("upload: request queue full")
)

// Torrent is the narrow view of torrent state validation needs.
type Torrent interface {
	PieceCount() uint32
	PieceLength(index uint32) uint32
	HasPiece(index uint32) bool
}

// Config carries the Upload Server's tunables.
type Config struct {
	BlockSize               int
	MaxAllowedInRequestQueue int
	AbuseDisconnectThreshold int // default 300 per spec.md
	MaxSuperseededPieces    int // default 2

	// StorageKey identifies the torrent's pieces in the shared block
	// cache; it must match the key the peer layer uses when it adds
	// received blocks to the same cache (blockcache.PieceKey.Storage).
	StorageKey string
}

// Server tracks one peer's incoming request queue, allowed-fast set,
// and superseeding rotation.
type Server struct {
	torrent Torrent
	cfg     Config

	queue []Request

	allowedFast map[uint32]int // piece index -> hit counter
	invalidRequests int

	superseeded []uint32 // at most cfg.MaxSuperseededPieces
}

// New returns a Server for one peer connection, seeded with the
// deterministically generated allowed-fast set.
func New(torrent Torrent, cfg Config, allowedFastSet []uint32) *Server {
	if cfg.AbuseDisconnectThreshold == 0 {
		cfg.AbuseDisconnectThreshold = 300
	}
	if cfg.MaxSuperseededPieces == 0 {
		cfg.MaxSuperseededPieces = 2
	}
	s := &Server{
		torrent:     torrent,
		cfg:         cfg,
		allowedFast: make(map[uint32]int, len(allowedFastSet)),
	}
	for _, idx := range allowedFastSet {
		s.allowedFast[idx] = 0
	}
	return s
}

// AllowedFast reports whether idx is in the allowed-fast set.
func (s *Server) AllowedFast(idx uint32) bool {
	_, ok := s.allowedFast[idx]
	return ok
}

// RemoveAllowedFast drops idx from the allowed-fast set, e.g. on a
// reject received while choked.
func (s *Server) RemoveAllowedFast(idx uint32) { delete(s.allowedFast, idx) }

// Validate checks an incoming request per spec.md §4.5. peerInterested
// and peerChoked are the local view of the remote's declared interest
// and our current choke of them.
func (s *Server) Validate(index, begin, length uint32, peerInterested, peerChoked bool) error {
	if index >= s.torrent.PieceCount() {
		return ErrInvalidCoordinate
	}
	if length == 0 || length > uint32(s.cfg.BlockSize) {
		return ErrInvalidCoordinate
	}
	if begin+length > s.torrent.PieceLength(index) {
		return ErrInvalidCoordinate
	}
	if !peerInterested {
		return ErrNotInterested
	}
	if peerChoked && !s.AllowedFast(index) {
		return ErrChokedAndNotFast
	}
	if !s.torrent.HasPiece(index) {
		return ErrPieceNotComplete
	}
	if len(s.queue) >= s.cfg.MaxAllowedInRequestQueue {
		return ErrQueueFull
	}
	if s.AllowedFast(index) {
		s.allowedFast[index]++
	}
	return nil
}

// Enqueue records a validated request so it can be fulfilled and later
// cancelled.
func (s *Server) Enqueue(index, begin, length uint32) {
	s.queue = append(s.queue, Request{PieceIndex: index, Begin: begin, Length: length, QueuedAt: time.Now()})
}

// Cancel removes a matching queued request, as sent by a cancel message
// or implied by a reject-request round trip. Returns true if found.
func (s *Server) Cancel(index, begin, length uint32) bool {
	for i, r := range s.queue {
		if r.PieceIndex == index && r.Begin == begin && r.Length == length {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Dequeue pops the oldest queued request for fulfillment.
func (s *Server) Dequeue() (Request, bool) {
	if len(s.queue) == 0 {
		return Request{}, false
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r, true
}

// QueueLen reports how many requests are currently queued.
func (s *Server) QueueLen() int { return len(s.queue) }

// RecordInvalid counts one abusive request (choked-and-requesting or
// otherwise invalid). Reports true once the disconnect threshold is
// crossed.
func (s *Server) RecordInvalid() (disconnect bool) {
	s.invalidRequests++
	return s.invalidRequests >= s.cfg.AbuseDisconnectThreshold
}

// AnnouncedHave is called when the remote announces possession of a
// piece; internal/peer calls it for have messages only, not for
// bitfield or have-all. If that piece was superseeded to this
// peer, it rotates to a new superseeded piece chosen by next (called
// only once the old entry has actually been dropped) without
// reassigning the history of the one that was just announced, per
// spec.md's Open Question (c) resolution. next returning false leaves
// the rotation slot empty rather than forcing a pick.
func (s *Server) AnnouncedHave(idx uint32, next func() (uint32, bool)) {
	for i, p := range s.superseeded {
		if p == idx {
			s.superseeded = append(s.superseeded[:i], s.superseeded[i+1:]...)
			if next != nil {
				if nextIdx, ok := next(); ok && len(s.superseeded) < s.cfg.MaxSuperseededPieces {
					s.superseeded = append(s.superseeded, nextIdx)
				}
			}
			return
		}
	}
}

// Superseed adds idx to the superseeded set if there is room.
func (s *Server) Superseed(idx uint32) bool {
	if len(s.superseeded) >= s.cfg.MaxSuperseededPieces {
		return false
	}
	s.superseeded = append(s.superseeded, idx)
	return true
}

// Superseeded returns the currently superseeded piece indices.
func (s *Server) Superseeded() []uint32 { return s.superseeded }

// IsSuperseeded reports whether idx is currently in the superseeded
// set, so a rotation source can avoid picking a piece that is already
// in it.
func (s *Server) IsSuperseeded(idx uint32) bool {
	for _, p := range s.superseeded {
		if p == idx {
			return true
		}
	}
	return false
}

// blockReaderAt adapts one cached block's bytes to io.ReaderAt so
// wire.Framer.WritePiece can read the requested range without an
// intermediate copy into a whole-piece buffer. base is the block's
// starting offset within the piece.
type blockReaderAt struct {
	data []byte
	base uint32
}

func (r blockReaderAt) ReadAt(p []byte, off int64) (int, error) {
	rel := off - int64(r.base)
	if rel < 0 || rel+int64(len(p)) > int64(len(r.data)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, r.data[rel:rel+int64(len(p))]), nil
}

// Fulfill pops the oldest queued request and serves it: it reads the
// requested block through cache (falling through to cache's attached
// FileSystem on a miss), writes the piece message out over fr, and
// releases the cache pin once the write has completed — spec.md §4.5's
// pin "released on transmission". Write quota is acquired and settled
// by fr itself (see wire.Framer.SetBandwidthGate); Fulfill does not
// gate a second time around the same write. served is false when the
// queue was empty; err reports a cache, disk or write failure for an
// otherwise served request.
func (s *Server) Fulfill(cache *blockcache.Cache, fr *wire.Framer, peerKey string) (served bool, err error) {
	req, ok := s.Dequeue()
	if !ok {
		return false, nil
	}

	blockSize := s.cfg.BlockSize
	block := int(req.Begin) / blockSize
	pieceLength := s.torrent.PieceLength(req.PieceIndex)
	numBlocks := int((pieceLength + uint32(blockSize) - 1) / uint32(blockSize))
	key := blockcache.PieceKey{Storage: s.cfg.StorageKey, Index: req.PieceIndex}

	ref, err := cache.ReadThrough(key, block, numBlocks, blockSize, peerKey)
	if err != nil {
		return true, err
	}
	defer ref.Release()

	r := blockReaderAt{data: ref.Data(), base: uint32(block * blockSize)}
	_, err = fr.WritePiece(req.PieceIndex, req.Begin, r, req.Length)
	return true, err
}

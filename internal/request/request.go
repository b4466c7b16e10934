// Package request implements the Request Pipeline: the outgoing side of
// a peer's block exchange — queue sizing, timeouts, snubbing and
// endgame duplication.
package request

import (
	"errors"
	"time"
)

// Block identifies one block-sized piece of a torrent.
type Block struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

var (
	// ErrBlockInvalid is returned from GotBlock when the reported
	// coordinate does not belong to this piece's block layout.
	ErrBlockInvalid = errors.New("request: received block is invalid")
	// ErrBlockDuplicate is returned from GotBlock when the block has
	// already been delivered.
	ErrBlockDuplicate = errors.New("request: received duplicate block")
	// ErrBlockNotRequested is returned from GotBlock when the block
	// arrived without a matching pending request; the data is still
	// accepted, the caller decides whether that is abuse.
	ErrBlockNotRequested = errors.New("request: received block that was not requested")
)

// PendingBlock is one entry of a peer's download or request queue.
type PendingBlock struct {
	Block       Block
	Busy        bool // requested from >=2 peers
	NotWanted   bool // cancelled after being enqueued
	TimedOut    bool
	Receiving   bool // first payload byte has arrived
	RequestedAt time.Time
	SendOffset  int // negative once the request byte has left the send buffer
}

// Picker is the piece picker collaborator the Request Pipeline consumes.
// Implemented by the Torrent in a full engine; this core only calls
// through the interface.
type Picker interface {
	// Pick returns a block the given peer may request next, or ok=false
	// if nothing is pickable right now.
	Pick(peerBitfield Bitfield, hints Hints) (Block, bool)
	MarkAsDownloading(b Block, peerKey string)
	AbortDownload(b Block, peerKey string)
	MarkAsWriting(b Block, peerKey string)
	MarkAsFinished(b Block, peerKey string)
	IsDownloaded(b Block) bool
	NumPeers(b Block) int
}

// Bitfield is the narrow bitfield view the picker needs; satisfied by
// *bitfield.BitField without this package importing it directly, so the
// picker contract stays storage-agnostic.
type Bitfield interface {
	Test(i uint32) bool
	Len() uint32
}

// Hints steer the picker's selection.
type Hints struct {
	RarestFirst      bool
	Sequential       bool
	Reverse          bool
	PrioritizePartial bool
	TimeCritical     bool
	Endgame          bool
	OnParole         bool
	PreferWholePiece bool
}

// Peer is the narrow view of a connection the pipeline drives.
type Peer interface {
	Key() string
	RequestPiece(index, begin, length uint32)
	CancelPiece(index, begin, length uint32)
	EnabledFast() bool
	DownloadRate() int64 // bytes/sec, EMA
}

// Config carries the tunables named in spec.md's desired_queue_size
// formula and the timeout/snub rules.
type Config struct {
	BlockSize               int
	RequestQueueTimeTarget time.Duration
	MinQueueSize            int
	MaxQueueSize            int
	RequestTimeout          time.Duration
	MaxTimeoutExtensions    int
	EndgameThreshold        int // not read by Pipeline; endgame changes only through SetEndgame
}

// Pipeline manages one peer's outgoing request queue and download queue.
type Pipeline struct {
	peer   Peer
	picker Picker
	cfg    Config

	requestQueue []*PendingBlock // not yet sent
	downloadQueue []*PendingBlock // sent, awaiting payload

	desiredQueueSize int
	timeoutExtend    time.Duration
	snubbed          bool
	endgame          bool
	onParole         bool

	// peerMax is the remote-advertised reqq hint from the extended
	// handshake; zero means unbounded.
	peerMax int
}

// New returns a Pipeline for one peer.
func New(peer Peer, picker Picker, cfg Config) *Pipeline {
	return &Pipeline{
		peer:             peer,
		picker:           picker,
		cfg:              cfg,
		desiredQueueSize: cfg.MinQueueSize,
	}
}

// SetOnParole marks the peer as restricted to blocks no one else has in
// flight, isolating it after it supplied a block that failed a piece
// hash check.
func (p *Pipeline) SetOnParole(v bool) { p.onParole = v }

// SetPeerMax clamps desired_queue_size to the remote's advertised reqq.
func (p *Pipeline) SetPeerMax(n int) { p.peerMax = n }

// RecomputeDesiredQueueSize implements spec.md's formula:
// clamp(request_queue_time * download_rate / block_size, min, min(max, peer_max)).
func (p *Pipeline) RecomputeDesiredQueueSize() {
	rate := p.peer.DownloadRate()
	n := int(float64(p.cfg.RequestQueueTimeTarget) / float64(time.Second) * float64(rate) / float64(p.cfg.BlockSize))
	upper := p.cfg.MaxQueueSize
	if p.peerMax > 0 && p.peerMax < upper {
		upper = p.peerMax
	}
	if n < p.cfg.MinQueueSize {
		n = p.cfg.MinQueueSize
	}
	if n > upper {
		n = upper
	}
	if p.snubbed {
		n = 1
	}
	p.desiredQueueSize = n
}

// Fill pulls block coordinates from the picker into the request queue
// while the request and download queues together hold fewer blocks than
// the desired size.
func (p *Pipeline) Fill(peerBitfield Bitfield, uploadOnly bool) {
	if uploadOnly {
		return
	}
	for len(p.downloadQueue)+len(p.requestQueue) < p.desiredQueueSize {
		hints := Hints{OnParole: p.onParole, Endgame: p.endgame}
		b, ok := p.picker.Pick(peerBitfield, hints)
		if !ok {
			break
		}
		busy := !p.onParole && p.picker.NumPeers(b) > 0
		if busy && !hints.TimeCritical {
			// only one busy block may be in flight per peer
			if p.hasBusyBlock() {
				continue
			}
		}
		p.requestQueue = append(p.requestQueue, &PendingBlock{Block: b, Busy: busy})
		p.picker.MarkAsDownloading(b, p.peer.Key())
	}
}

func (p *Pipeline) hasBusyBlock() bool {
	for _, pb := range p.downloadQueue {
		if pb.Busy {
			return true
		}
	}
	for _, pb := range p.requestQueue {
		if pb.Busy {
			return true
		}
	}
	return false
}

// Flush sends queued requests over the wire while unchoked, moving them
// from requestQueue to downloadQueue.
func (p *Pipeline) Flush(choked bool) {
	if choked {
		return
	}
	for len(p.requestQueue) > 0 && len(p.downloadQueue) < p.desiredQueueSize {
		pb := p.requestQueue[0]
		p.requestQueue = p.requestQueue[1:]
		if pb.NotWanted {
			continue
		}
		p.peer.RequestPiece(pb.Block.PieceIndex, pb.Block.Begin, pb.Block.Length)
		pb.RequestedAt = timeNow()
		p.downloadQueue = append(p.downloadQueue, pb)
	}
}

// HandleChoke clears all not-yet-sent requests and returns them to the
// picker, unless the peer is on parole.
func (p *Pipeline) HandleChoke() {
	if p.onParole {
		return
	}
	for _, pb := range p.requestQueue {
		p.picker.AbortDownload(pb.Block, p.peer.Key())
	}
	p.requestQueue = p.requestQueue[:0]
}

// GotBlock is called when a piece payload for this peer has arrived in
// full. It locates the matching download-queue entry, removes it, and
// tells the picker the block finished.
func (p *Pipeline) GotBlock(index, begin uint32, length int) error {
	for i, pb := range p.downloadQueue {
		if pb.Block.PieceIndex == index && pb.Block.Begin == begin {
			if int(pb.Block.Length) != length {
				return ErrBlockInvalid
			}
			p.downloadQueue = append(p.downloadQueue[:i], p.downloadQueue[i+1:]...)
			p.picker.MarkAsWriting(pb.Block, p.peer.Key())
			p.picker.MarkAsFinished(pb.Block, p.peer.Key())
			return nil
		}
	}
	return ErrBlockNotRequested
}

// HandleReject removes the matching download-queue entry and returns the
// block to the picker unless it was marked not-wanted.
func (p *Pipeline) HandleReject(index, begin, length uint32) bool {
	for i, pb := range p.downloadQueue {
		if pb.Block.PieceIndex == index && pb.Block.Begin == begin && pb.Block.Length == length {
			p.downloadQueue = append(p.downloadQueue[:i], p.downloadQueue[i+1:]...)
			if !pb.NotWanted {
				p.picker.AbortDownload(pb.Block, p.peer.Key())
			}
			return true
		}
	}
	return false
}

// Tick checks the download queue for timeouts. Any timed-out block that
// has not started receiving marks the peer snubbed; whether other blocks
// of its piece are still pickable is not checked. Then the desired queue size collapses to 1, queued requests return to the
// picker, and the timeout-extend grows (linearly, capped, never
// exponential backoff).
func (p *Pipeline) Tick(now time.Time) (snubbedNow bool) {
	timeout := p.cfg.RequestTimeout + p.timeoutExtend
	for _, pb := range p.downloadQueue {
		if pb.Receiving {
			continue
		}
		if now.Sub(pb.RequestedAt) > timeout {
			pb.TimedOut = true
			p.snubbed = true
			p.desiredQueueSize = 1
			for _, q := range p.requestQueue {
				p.picker.AbortDownload(q.Block, p.peer.Key())
			}
			p.requestQueue = p.requestQueue[:0]
			if p.timeoutExtend < time.Duration(p.cfg.MaxTimeoutExtensions)*time.Second {
				p.timeoutExtend += time.Second
			}
			snubbedNow = true
		}
	}
	return
}

// Snubbed reports whether the peer is currently snubbed.
func (p *Pipeline) Snubbed() bool { return p.snubbed }

// Unsnub clears the snubbed flag, e.g. once a fresh block arrives.
func (p *Pipeline) Unsnub() { p.snubbed = false }

// SetEndgame enables or disables endgame-mode re-picking, which permits
// requesting blocks already in flight on other peers.
func (p *Pipeline) SetEndgame(v bool) { p.endgame = v }

// QueueDepth returns the combined request+download queue depth.
func (p *Pipeline) QueueDepth() int { return len(p.requestQueue) + len(p.downloadQueue) }

// CancelAll cancels every outstanding request (used on disconnect to
// drain queues back to the picker).
func (p *Pipeline) CancelAll() {
	for _, pb := range p.downloadQueue {
		p.peer.CancelPiece(pb.Block.PieceIndex, pb.Block.Begin, pb.Block.Length)
		p.picker.AbortDownload(pb.Block, p.peer.Key())
	}
	for _, pb := range p.requestQueue {
		p.picker.AbortDownload(pb.Block, p.peer.Key())
	}
	p.downloadQueue = nil
	p.requestQueue = nil
}

// timeNow is a seam so tests can avoid real wall-clock dependence if
// needed; production code just calls time.Now.
var timeNow = time.Now

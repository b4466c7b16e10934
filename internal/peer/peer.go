// Package peer implements the Peer data model, the Wire State Machine's
// message dispatch, and the Peer Lifecycle: construction from a
// completed handshake, attachment to a Torrent, and disconnect.
package peer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/cenkalti/rain/v2/internal/bandwidth"
	"github.com/cenkalti/rain/v2/internal/bitfield"
	"github.com/cenkalti/rain/v2/internal/blockcache"
	"github.com/cenkalti/rain/v2/internal/handshake"
	"github.com/cenkalti/rain/v2/internal/logger"
	"github.com/cenkalti/rain/v2/internal/peerprotocol"
	"github.com/cenkalti/rain/v2/internal/request"
	"github.com/cenkalti/rain/v2/internal/upload"
	"github.com/cenkalti/rain/v2/internal/wire"
)

// DisconnectError carries the operation tag and severity required by
// spec.md §7 for every disconnection.
type DisconnectError struct {
	Op       string
	Err      error
	Severity Severity
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("peer: %s failed (severity=%d): %v", e.Op, e.Severity, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// Severity classifies a disconnect per spec.md §7.
type Severity int

const (
	SeverityClean Severity = iota
	SeverityUnexpected
	SeverityProtocolViolation
)

// Torrent is the external collaborator a Peer holds a reference into but
// never owns.
type Torrent interface {
	InfoHash() [20]byte
	PieceCount() uint32
	PieceLength(index uint32) uint32
	BlockSize() int
	Bitfield() *bitfield.BitField
	Picker() request.Picker
	AddPeer(p *Peer)
	RemovePeer(p *Peer)
}

// Alerts receives structured lifecycle events; satisfied by
// internal/alert.Sink without this package importing it, to keep the
// dependency direction leaf-ward.
type Alerts interface {
	PeerConnected(remote string)
	PeerDisconnected(remote string, err error)
	PeerError(remote string, err error)
	InvalidRequest(remote string, index, begin, length uint32)
	BlockDownloading(remote string, index, begin uint32)
	BlockFinished(remote string, index, begin uint32)
	BlockTimeout(remote string, index, begin uint32)
	PeerSnubbed(remote string)
	PeerUnsnubbed(remote string)
}

// Direction records whether the connection was dialed or accepted.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// Peer is a connection-scoped entity implementing spec.md §3's data
// model. Construction happens after a handshake.Result is already in
// hand, so a Peer always starts attached: the info-hash match that
// gates attachment has already been confirmed by internal/handshake.
type Peer struct {
	conn      net.Conn
	framer    *wire.Framer
	direction Direction
	log       logger.Logger

	id       [20]byte
	features handshake.Features
	torrent  Torrent

	mu sync.Mutex

	remoteBitfield *bitfield.BitField
	haveCount      int

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	optimistic bool
	onParole   bool
	endgame    bool

	allowedFastHits map[uint32]int // pieces we may request while choked

	suggestSent *bitfield.BitField

	downRate metrics.EWMA
	upRate   metrics.EWMA
	downPeak int64
	upPeak   int64

	lastPiece    time.Time
	lastRequest  time.Time
	lastUnchoke  time.Time
	lastReceive  time.Time
	lastSent     time.Time
	lastChoke    time.Time

	timeoutExtensions int
	snubbed           bool

	requestPipeline *request.Pipeline
	uploadServer    *upload.Server
	bandwidth       *bandwidth.Hierarchy
	blockCache      *blockcache.Cache

	liveness uuid.UUID

	closeC chan struct{}
	doneC  chan struct{}
	alerts Alerts
}

// Config is the subset of the ambient config.Config a Peer needs at
// construction.
type Config struct {
	MaxRequestsIn  int
	MaxRequestsOut int
	PieceTimeout   time.Duration
	ReadTimeout    time.Duration
}

// New constructs an attached Peer from a completed handshake result. dp
// may be nil; a nil DiskPressure never suspends reads.
func New(result *handshake.Result, direction Direction, torrent Torrent, alerts Alerts, bw *bandwidth.Hierarchy, dp *bandwidth.DiskPressure) (*Peer, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	p := &Peer{
		conn:            result.Conn,
		framer:          result.Framer,
		direction:       direction,
		log:             logger.New("peer " + result.Conn.RemoteAddr().String()),
		id:              result.PeerID,
		features:        result.Features,
		torrent:         torrent,
		amChoking:       true,
		peerChoking:     true,
		allowedFastHits: make(map[uint32]int),
		downRate:        metrics.NewEWMA1(),
		upRate:          metrics.NewEWMA1(),
		bandwidth:       bw,
		liveness:        id,
		closeC:          make(chan struct{}),
		doneC:           make(chan struct{}),
		alerts:          alerts,
	}
	if torrent != nil {
		rb := bitfield.New(torrent.PieceCount())
		p.remoteBitfield = &rb
		sb := bitfield.New(torrent.PieceCount())
		p.suggestSent = &sb
	}
	if result.Framer != nil {
		result.Framer.SetBandwidthGate(bw, dp, p.Key(), p.closeC)
	}
	return p, nil
}

// ID returns the remote peer id.
func (p *Peer) ID() [20]byte { return p.id }

// Key is a stable identity string used by the picker to track which
// peer is responsible for a download.
func (p *Peer) Key() string { return p.conn.RemoteAddr().String() }

// RemoteAddr returns the underlying connection's remote address.
func (p *Peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// Liveness returns the per-connection token used to drop disk
// completions that arrive after the peer has already disconnected.
func (p *Peer) Liveness() uuid.UUID { return p.liveness }

// SetPipeline attaches the Request Pipeline once the torrent's picker is
// known; kept separate from New so tests can construct a bare Peer.
func (p *Peer) SetPipeline(pl *request.Pipeline) { p.requestPipeline = pl }

// SetUploadServer attaches the Upload Server.
func (p *Peer) SetUploadServer(s *upload.Server) { p.uploadServer = s }

// SetBlockCache attaches the shared Block Cache that received pieces are
// written into and served pieces are read through.
func (p *Peer) SetBlockCache(c *blockcache.Cache) { p.blockCache = c }

// pieceKey builds the cache key for a piece of the attached torrent,
// keyed by the torrent's info hash so that multiple torrents sharing one
// process-wide cache never collide.
func (p *Peer) pieceKey(index uint32) blockcache.PieceKey {
	storageKey := ""
	if p.torrent != nil {
		ih := p.torrent.InfoHash()
		storageKey = hex.EncodeToString(ih[:])
	}
	return blockcache.PieceKey{Storage: storageKey, Index: index}
}

func numBlocksInPiece(pieceLength uint32, blockSize int) int {
	return int((pieceLength + uint32(blockSize) - 1) / uint32(blockSize))
}

// Choking reports whether we are currently choking the remote.
func (p *Peer) Choking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoking
}

// Interested reports whether the remote has declared interest in us.
func (p *Peer) Interested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

// AmInterested reports whether we have declared interest in the remote.
func (p *Peer) AmInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amInterested
}

// PeerChoking reports whether the remote is choking us.
func (p *Peer) PeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

// Optimistic reports whether the unchoker currently holds this peer
// unchoked via the optimistic rotation rather than the regular quota.
func (p *Peer) Optimistic() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optimistic
}

// SetOptimistic is called by the unchoker to record which bucket this
// peer's unchoke belongs to.
func (p *Peer) SetOptimistic(v bool) {
	p.mu.Lock()
	p.optimistic = v
	p.mu.Unlock()
}

// OnParole reports whether the peer is isolated after supplying a block
// that failed a piece hash check.
func (p *Peer) OnParole() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onParole
}

// SetOnParole sets the parole flag and propagates it to the request
// pipeline, which bypasses the busy-block sharing rule while on parole.
func (p *Peer) SetOnParole(v bool) {
	p.mu.Lock()
	p.onParole = v
	p.mu.Unlock()
	if p.requestPipeline != nil {
		p.requestPipeline.SetOnParole(v)
	}
}

// DownloadSpeed returns the current EWMA download rate in bytes/sec.
func (p *Peer) DownloadSpeed() int { p.downRate.Tick(); return int(p.downRate.Rate()) }

// UploadSpeed returns the current EWMA upload rate in bytes/sec.
func (p *Peer) UploadSpeed() int { p.upRate.Tick(); return int(p.upRate.Rate()) }

// DownloadRate satisfies internal/request.Peer with an int64 rate.
func (p *Peer) DownloadRate() int64 { return int64(p.DownloadSpeed()) }

// EnabledFast reports whether the fast extension was negotiated.
func (p *Peer) EnabledFast() bool { return p.features.Fast }

// RemoteBitfield returns the remote's last-known piece availability, or
// nil if this Peer was constructed without a Torrent.
func (p *Peer) RemoteBitfield() *bitfield.BitField {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteBitfield
}

// Snubbed reports whether the request pipeline currently considers this
// peer snubbed.
func (p *Peer) Snubbed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snubbed
}

// Choke sends a choke message; it is idempotent. Allowed-fast state is
// left unchanged.
func (p *Peer) Choke() error {
	p.mu.Lock()
	if p.amChoking {
		p.mu.Unlock()
		return nil
	}
	p.amChoking = true
	p.lastChoke = time.Now()
	p.mu.Unlock()
	return p.framer.WriteMessage(peerprotocol.ChokeMessage{})
}

// Unchoke sends an unchoke message.
func (p *Peer) Unchoke() error {
	p.mu.Lock()
	if !p.amChoking {
		p.mu.Unlock()
		return nil
	}
	p.amChoking = false
	p.lastUnchoke = time.Now()
	p.mu.Unlock()
	return p.framer.WriteMessage(peerprotocol.UnchokeMessage{})
}

// RequestPiece sends a request message and records bookkeeping
// timestamps; it satisfies internal/request.Peer.
func (p *Peer) RequestPiece(index, begin, length uint32) {
	p.mu.Lock()
	p.lastRequest = time.Now()
	p.mu.Unlock()
	_ = p.framer.WriteMessage(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
}

// CancelPiece sends a cancel message; it satisfies internal/request.Peer.
func (p *Peer) CancelPiece(index, begin, length uint32) {
	_ = p.framer.WriteMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}})
}

// SendHave announces a newly completed piece.
func (p *Peer) SendHave(index uint32) error {
	return p.framer.WriteMessage(peerprotocol.HaveMessage{Index: index})
}

// SendBitfield announces the local piece possession. When the fast
// extension is negotiated, an all-set or all-clear bitfield is sent as
// have-all/have-none instead, per spec.md §4.2.
func (p *Peer) SendBitfield(bf *bitfield.BitField) error {
	if p.features.Fast {
		switch {
		case bf.Count() == bf.Len():
			return p.framer.WriteMessage(peerprotocol.HaveAllMessage{})
		case bf.Count() == 0:
			return p.framer.WriteMessage(peerprotocol.HaveNoneMessage{})
		}
	}
	return p.framer.WriteMessage(peerprotocol.BitfieldMessage{Data: bf.Bytes()})
}

// SendInterested/SendNotInterested announce our interest state.
func (p *Peer) SendInterested() error {
	p.mu.Lock()
	if p.amInterested {
		p.mu.Unlock()
		return nil
	}
	p.amInterested = true
	p.mu.Unlock()
	return p.framer.WriteMessage(peerprotocol.InterestedMessage{})
}

func (p *Peer) SendNotInterested() error {
	p.mu.Lock()
	if !p.amInterested {
		p.mu.Unlock()
		return nil
	}
	p.amInterested = false
	p.mu.Unlock()
	return p.framer.WriteMessage(peerprotocol.NotInterestedMessage{})
}

// HandleMessage is the Wire State Machine's dispatch table (spec.md
// §4.3), called once per decoded message by Run.
func (p *Peer) HandleMessage(msg wire.Message) error {
	p.mu.Lock()
	p.lastReceive = time.Now()
	p.mu.Unlock()

	switch m := msg.(type) {
	case peerprotocol.ChokeMessage:
		p.mu.Lock()
		p.peerChoking = true
		p.mu.Unlock()
		if p.requestPipeline != nil {
			p.requestPipeline.HandleChoke()
		}
	case peerprotocol.UnchokeMessage:
		p.mu.Lock()
		p.peerChoking = false
		p.mu.Unlock()
	case peerprotocol.InterestedMessage:
		p.mu.Lock()
		p.peerInterested = true
		p.mu.Unlock()
	case peerprotocol.NotInterestedMessage:
		p.mu.Lock()
		p.peerInterested = false
		p.mu.Unlock()
	case peerprotocol.HaveMessage:
		p.handleHave(m.Index)
	case peerprotocol.HaveAllMessage:
		if p.remoteBitfield != nil {
			p.remoteBitfield.SetAll()
			p.haveCount = int(p.remoteBitfield.Count())
		}
	case peerprotocol.HaveNoneMessage:
		if p.remoteBitfield != nil {
			p.remoteBitfield.ClearAll()
			p.haveCount = 0
		}
	case peerprotocol.BitfieldMessage:
		var count uint32
		if p.torrent != nil {
			count = p.torrent.PieceCount()
		} else {
			count = uint32(len(m.Data)) * 8
		}
		bf := bitfield.NewBytes(m.Data, count)
		p.remoteBitfield = &bf
		p.haveCount = int(bf.Count())
	case peerprotocol.RequestMessage:
		return p.handleRequest(m.Index, m.Begin, m.Length)
	case peerprotocol.CancelMessage:
		if p.uploadServer != nil {
			p.uploadServer.Cancel(m.Index, m.Begin, m.Length)
		}
	case peerprotocol.PortMessage:
		// Handed to an external DHT collaborator; out of scope here.
	case peerprotocol.SuggestMessage:
		// Recorded as a suggestion; this core does not act on it beyond
		// logging, the picker's hint-weighting is an external concern.
		p.log.Debugf("peer suggested piece %d", m.Index)
	case peerprotocol.AllowedFastMessage:
		p.allowedFastHits[m.Index]++
	case peerprotocol.RejectMessage:
		if p.requestPipeline != nil {
			p.requestPipeline.HandleReject(m.Index, m.Begin, m.Length)
		}
		if p.peerChoking {
			delete(p.allowedFastHits, m.Index)
		}
	case wire.Piece:
		return p.handlePiece(m)
	case peerprotocol.ExtensionHandshakeMessage:
		// Only relevant during the handshake exchange; if it arrives
		// later it's a no-op renegotiation attempt.
	default:
		return fmt.Errorf("peer: unhandled message type %T", msg)
	}
	return nil
}

func (p *Peer) handleHave(index uint32) {
	if p.remoteBitfield == nil {
		return
	}
	if !p.remoteBitfield.Test(index) {
		p.remoteBitfield.Set(index)
		p.haveCount++
	}
	if p.uploadServer != nil {
		p.uploadServer.AnnouncedHave(index, p.nextSuperseedCandidate)
	}
}

// nextSuperseedCandidate picks a piece we have that the remote doesn't
// and that isn't already in this peer's superseeded set, to refill the
// rotation slot vacated by AnnouncedHave. It has no rarity weighting —
// it returns the first eligible piece found.
func (p *Peer) nextSuperseedCandidate() (uint32, bool) {
	if p.torrent == nil || p.remoteBitfield == nil {
		return 0, false
	}
	bf := p.torrent.Bitfield()
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) && !p.remoteBitfield.Test(i) && !p.uploadServer.IsSuperseeded(i) {
			return i, true
		}
	}
	return 0, false
}

func (p *Peer) handleRequest(index, begin, length uint32) error {
	if p.uploadServer == nil {
		return nil
	}
	p.mu.Lock()
	interested := p.peerInterested
	choking := p.amChoking
	p.mu.Unlock()
	if err := p.uploadServer.Validate(index, begin, length, interested, choking); err != nil {
		if p.alerts != nil {
			p.alerts.InvalidRequest(p.Key(), index, begin, length)
		}
		if choking {
			if disconnect := p.uploadServer.RecordInvalid(); disconnect {
				return &DisconnectError{Op: "request", Err: errors.New("too many requests when choked"), Severity: SeverityProtocolViolation}
			}
		}
		return nil
	}
	p.uploadServer.Enqueue(index, begin, length)
	if p.blockCache != nil {
		if _, err := p.uploadServer.Fulfill(p.blockCache, p.framer, p.Key()); err != nil {
			p.log.Debugf("fulfill failed for piece %d begin %d: %v", index, begin, err)
		}
	}
	return nil
}

func (p *Peer) handlePiece(pc wire.Piece) error {
	p.mu.Lock()
	p.lastPiece = time.Now()
	wasSnubbed := p.snubbed
	p.snubbed = false
	p.mu.Unlock()
	if wasSnubbed && p.alerts != nil {
		p.alerts.PeerUnsnubbed(p.Key())
	}
	p.downRate.Update(int64(len(pc.Buffer.Data)))

	if p.blockCache != nil && p.torrent != nil {
		blockSize := p.torrent.BlockSize()
		block := int(pc.Begin) / blockSize
		numBlocks := numBlocksInPiece(p.torrent.PieceLength(pc.Index), blockSize)
		if err := p.blockCache.AddDirtyBlock(p.pieceKey(pc.Index), block, numBlocks, pc.Buffer); err != nil {
			p.log.Debugf("block cache rejected block (%d, %d): %v", pc.Index, pc.Begin, err)
			pc.Buffer.Release()
		}
	} else {
		pc.Buffer.Release()
	}

	if p.requestPipeline == nil {
		return nil
	}
	if err := p.requestPipeline.GotBlock(pc.Index, pc.Begin, len(pc.Buffer.Data)); err != nil {
		// Redundant or unrequested data is not a protocol violation by
		// itself; it is accounted as wasted bytes by the caller.
		p.log.Debugf("got unexpected block (%d, %d): %v", pc.Index, pc.Begin, err)
		return nil
	}
	if p.alerts != nil {
		p.alerts.BlockFinished(p.Key(), pc.Index, pc.Begin)
	}
	return nil
}

// Run reads frames from the Framer until disconnect, dispatching each
// to HandleMessage. It returns the disconnect error, always non-nil.
func (p *Peer) Run(cfg Config) error {
	defer close(p.doneC)
	for {
		select {
		case <-p.closeC:
			return &DisconnectError{Op: "read", Err: errors.New("closed locally"), Severity: SeverityClean}
		default:
		}

		msg, err := p.framer.ReadMessage(cfg.ReadTimeout, cfg.PieceTimeout)
		if err != nil {
			return classifyReadError(err)
		}
		if err := p.HandleMessage(msg); err != nil {
			var de *DisconnectError
			if errors.As(err, &de) {
				return de
			}
			return &DisconnectError{Op: "dispatch", Err: err, Severity: SeverityProtocolViolation}
		}
	}
}

func classifyReadError(err error) error {
	sev := SeverityUnexpected
	if errors.Is(err, wire.ErrProtocolViolation) || errors.Is(err, wire.ErrInvalidProtocol) {
		sev = SeverityProtocolViolation
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		sev = SeverityUnexpected
	}
	return &DisconnectError{Op: "read", Err: err, Severity: sev}
}

// Close tears the connection down: it signals Run to stop, drains
// outgoing queues back to the picker via the request pipeline's
// CancelAll, and closes the socket. It releases no cache pins itself;
// upload.Server.Fulfill drops its pin before it returns.
func (p *Peer) Close() {
	select {
	case <-p.closeC:
		return
	default:
		close(p.closeC)
	}
	if p.requestPipeline != nil {
		p.requestPipeline.CancelAll()
	}
	_ = p.conn.Close()
	if p.torrent != nil {
		p.torrent.RemovePeer(p)
	}
}

// Done returns a channel closed once Run has returned.
func (p *Peer) Done() <-chan struct{} { return p.doneC }

// Tick runs the one-second periodic maintenance spec.md §5 names:
// stats update, desired-queue-size recompute, snub detection via the
// request pipeline, and a keepalive. The keepalive clock is lastSent,
// which only Tick's own keepalive advances: a keepalive goes out once
// keepAliveAfter has passed since the previous one, whatever other
// messages were written in between.
func (p *Peer) Tick(now time.Time, keepAliveAfter time.Duration) {
	p.downRate.Tick()
	p.upRate.Tick()

	if p.requestPipeline != nil {
		p.requestPipeline.RecomputeDesiredQueueSize()
		if p.requestPipeline.Tick(now) {
			p.mu.Lock()
			p.snubbed = true
			p.mu.Unlock()
			if p.alerts != nil {
				p.alerts.PeerSnubbed(p.Key())
			}
		}
	}

	p.mu.Lock()
	silence := now.Sub(p.lastSent)
	p.mu.Unlock()
	if silence > keepAliveAfter {
		if err := p.framer.WriteKeepAlive(); err == nil {
			p.mu.Lock()
			p.lastSent = now
			p.mu.Unlock()
		}
	}
}

// Command peersim drives two in-process peers — a seeder and a
// leecher — through a real handshake and wire exchange over a loopback
// TCP connection, backed by an in-memory picker and a memory-backed
// file system instead of a disk-backed session. It exists to exercise
// internal/peer, internal/request, internal/upload,
// internal/blockcache, internal/bandwidth, internal/storage and
// internal/alert together outside of a test binary, for manual smoke
// testing of the wire state machine end to end.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/log"

	"github.com/cenkalti/rain/v2/internal/alert"
	"github.com/cenkalti/rain/v2/internal/bandwidth"
	"github.com/cenkalti/rain/v2/internal/bitfield"
	"github.com/cenkalti/rain/v2/internal/blockcache"
	"github.com/cenkalti/rain/v2/internal/bufferpool"
	"github.com/cenkalti/rain/v2/internal/handshake"
	"github.com/cenkalti/rain/v2/internal/logger"
	"github.com/cenkalti/rain/v2/internal/peer"
	"github.com/cenkalti/rain/v2/internal/request"
	"github.com/cenkalti/rain/v2/internal/storage"
	"github.com/cenkalti/rain/v2/internal/upload"
)

const (
	pieceCount  = 8
	blocksPiece = 4
	blockSize   = 16384
	pieceLength = uint32(blocksPiece * blockSize)
)

func main() {
	logger.SetLevel(log.INFO)
	if len(os.Args) > 1 && os.Args[1] == "-d" {
		logger.SetLevel(log.DEBUG)
	}

	var infoHash [20]byte
	if _, err := rand.Read(infoHash[:]); err != nil {
		fmt.Fprintln(os.Stderr, "rand:", err)
		os.Exit(1)
	}

	picker := newMemPicker()
	seederTorrent := newMemTorrent(infoHash, allSet())
	leecherTorrent := newMemTorrent(infoHash, bitfield.New(pieceCount))
	leecherTorrent.picker = picker
	picker.onPieceComplete = leecherTorrent.markHave

	seederFS := storage.NewMemFileSystem(bufferpool.New(blockSize), pieceLength)
	for i := uint32(0); i < pieceCount; i++ {
		seederFS.Seed(i, pieceBytes(i))
	}
	leecherFS := storage.NewMemFileSystem(bufferpool.New(blockSize), pieceLength)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer ln.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	seederAlerts := alert.New(64)
	leecherAlerts := alert.New(64)
	go drainAlerts("seeder", seederAlerts)
	go drainAlerts("leecher", leecherAlerts)

	go func() {
		defer wg.Done()
		conn, err := ln.Accept()
		if err != nil {
			fmt.Fprintln(os.Stderr, "accept:", err)
			return
		}
		runSeeder(conn, infoHash, seederTorrent, seederAlerts, seederFS)
	}()

	go func() {
		defer wg.Done()
		runLeecher(ln.Addr(), infoHash, leecherTorrent, leecherAlerts, picker, leecherFS)
	}()

	wg.Wait()
}

func drainAlerts(who string, s *alert.Sink) {
	for a := range s.Feed() {
		fmt.Printf("[%s] %s remote=%s index=%d\n", who, a.Kind, a.Remote, a.Index)
	}
}

// pieceBytes deterministically fills one piece's worth of bytes so the
// leecher can tell pieces apart once flushed, without pulling in a real
// torrent file to seed from.
func pieceBytes(index uint32) []byte {
	buf := make([]byte, pieceLength)
	for i := range buf {
		buf[i] = byte(index) + byte(i)
	}
	return buf
}

func allSet() bitfield.BitField {
	bf := bitfield.New(pieceCount)
	bf.SetAll()
	return bf
}

var gateCfg = struct {
	limit, rate int64
}{limit: 1 << 30, rate: 0}

func newHierarchy() *bandwidth.Hierarchy {
	return &bandwidth.Hierarchy{
		Session: bandwidth.New(gateCfg.limit, gateCfg.rate),
		Torrent: bandwidth.New(gateCfg.limit, gateCfg.rate),
		Peer:    bandwidth.New(gateCfg.limit, gateCfg.rate),
	}
}

func runSeeder(conn net.Conn, infoHash [20]byte, t *memTorrent, alerts *alert.Sink, fs storage.FileSystem) {
	pool := bufferpool.New(blockSize)
	var ourID [20]byte
	_, _ = rand.Read(ourID[:])

	result, err := handshake.Accept(conn, 10*time.Second, ourID, handshake.Features{ExtendedProtocol: true}, pool, func(h [20]byte) bool { return h == infoHash })
	if err != nil {
		fmt.Fprintln(os.Stderr, "seeder handshake:", err)
		return
	}
	_ = result.ExchangeExtendedHandshake(0, "peersim/1.0", false, 200, 5*time.Second)

	dp := &bandwidth.DiskPressure{}
	p, err := peer.New(result, peer.Incoming, t, alerts, newHierarchy(), dp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seeder peer:", err)
		return
	}
	t.AddPeer(p)
	alerts.PeerConnected(p.Key())

	cache := blockcache.New(blockcache.Config{CapacityBlocks: pieceCount * blocksPiece, GhostSize: pieceCount * blocksPiece})
	cache.SetFileSystem(fs)
	p.SetBlockCache(cache)

	p.SetUploadServer(upload.New(t, upload.Config{
		BlockSize:                blockSize,
		MaxAllowedInRequestQueue: 250,
		AbuseDisconnectThreshold: 300,
		StorageKey:               hex.EncodeToString(infoHash[:]),
	}, nil))

	if err := p.SendBitfield(t.Bitfield()); err != nil {
		fmt.Fprintln(os.Stderr, "seeder bitfield:", err)
		return
	}
	if err := p.Unchoke(); err != nil {
		fmt.Fprintln(os.Stderr, "seeder unchoke:", err)
	}

	runPeerLoop(p, nil, alerts, nil)
}

func runLeecher(addr net.Addr, infoHash [20]byte, t *memTorrent, alerts *alert.Sink, picker *memPicker, fs storage.FileSystem) {
	pool := bufferpool.New(blockSize)
	var ourID [20]byte
	_, _ = rand.Read(ourID[:])

	result, err := dialWithRetry(addr, infoHash, ourID, pool)
	if err != nil {
		fmt.Fprintln(os.Stderr, "leecher handshake:", err)
		return
	}
	_ = result.ExchangeExtendedHandshake(0, "peersim/1.0", false, 200, 5*time.Second)

	dp := &bandwidth.DiskPressure{}
	p, err := peer.New(result, peer.Outgoing, t, alerts, newHierarchy(), dp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "leecher peer:", err)
		return
	}
	t.AddPeer(p)
	alerts.PeerConnected(p.Key())

	cache := blockcache.New(blockcache.Config{CapacityBlocks: pieceCount * blocksPiece, GhostSize: pieceCount * blocksPiece})
	cache.SetFileSystem(fs)
	p.SetBlockCache(cache)

	p.SetUploadServer(upload.New(t, upload.Config{
		BlockSize:                blockSize,
		MaxAllowedInRequestQueue: 250,
		AbuseDisconnectThreshold: 300,
		StorageKey:               hex.EncodeToString(infoHash[:]),
	}, nil))

	pipeline := request.New(p, picker, request.Config{
		BlockSize:              blockSize,
		RequestQueueTimeTarget: 3 * time.Second,
		MinQueueSize:           2,
		MaxQueueSize:           200,
		RequestTimeout:         10 * time.Second,
		MaxTimeoutExtensions:   10,
		EndgameThreshold:       4,
	})
	p.SetPipeline(pipeline)

	if err := p.SendInterested(); err != nil {
		fmt.Fprintln(os.Stderr, "leecher interested:", err)
	}

	runPeerLoop(p, pipeline, alerts, func() { cache.FlushOne(fs, blockSize) })
}

// dialWithRetry dials the seeder, retrying with a backoff if the
// listener has not started accepting yet, capped at five seconds
// total — the same capped-elapsed-time idea as a tracker announce
// retry, just much shorter since this is a loopback connection, not a
// network round trip.
func dialWithRetry(addr net.Addr, infoHash, ourID [20]byte, pool *bufferpool.Pool) (*handshake.Result, error) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	var lastErr error
	for {
		result, err := handshake.Dial(context.Background(), addr, 5*time.Second, 10*time.Second, ourID, infoHash, handshake.Features{ExtendedProtocol: true}, pool)
		if err == nil {
			return result, nil
		}
		lastErr = err
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, lastErr
		}
		time.Sleep(wait)
	}
}

// runPeerLoop drives one peer's Run loop and, on each tick, fills and
// flushes its request pipeline (if any) and invokes flushCache (if
// non-nil) to push one dirty block from the block cache out to disk,
// matching the flush cadence spec.md §4.4 describes as asynchronous
// rather than tied to any single piece-receive.
func runPeerLoop(p *peer.Peer, pipeline *request.Pipeline, alerts *alert.Sink, flushCache func()) {
	runErrC := make(chan error, 1)
	go func() { runErrC <- p.Run(peer.Config{MaxRequestsIn: 250, MaxRequestsOut: 250, PieceTimeout: 30 * time.Second, ReadTimeout: 2 * time.Minute}) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-runErrC:
			if err != nil {
				alerts.PeerError(p.Key(), err)
			}
			return
		case now := <-ticker.C:
			p.Tick(now, time.Minute)
			alerts.Tick()
			if flushCache != nil {
				flushCache()
			}
			if pipeline == nil {
				continue
			}
			rb := p.RemoteBitfield()
			if rb == nil || p.PeerChoking() {
				continue
			}
			pipeline.RecomputeDesiredQueueSize()
			pipeline.Fill(rb, false)
			pipeline.Flush(false)
			pipeline.Tick(now)
		case <-p.Done():
			return
		}
	}
}

// memTorrent is an in-memory stand-in for the Torrent a full session
// would provide, satisfying both internal/peer.Torrent and
// internal/upload.Torrent.
type memTorrent struct {
	infoHash [20]byte
	mu       sync.Mutex
	have     bitfield.BitField
	picker   request.Picker
	peers    []*peer.Peer
}

func newMemTorrent(infoHash [20]byte, have bitfield.BitField) *memTorrent {
	return &memTorrent{infoHash: infoHash, have: have}
}

func (t *memTorrent) InfoHash() [20]byte      { return t.infoHash }
func (t *memTorrent) PieceCount() uint32      { return pieceCount }
func (t *memTorrent) PieceLength(uint32) uint32 { return pieceLength }
func (t *memTorrent) BlockSize() int          { return blockSize }
func (t *memTorrent) HasPiece(index uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have.Test(index)
}
func (t *memTorrent) Bitfield() *bitfield.BitField { return &t.have }
func (t *memTorrent) Picker() request.Picker       { return t.picker }

func (t *memTorrent) AddPeer(p *peer.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append(t.peers, p)
}

func (t *memTorrent) RemovePeer(p *peer.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, pe := range t.peers {
		if pe == p {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			break
		}
	}
}

func (t *memTorrent) markHave(index uint32) {
	t.mu.Lock()
	t.have.Set(index)
	peers := append([]*peer.Peer(nil), t.peers...)
	t.mu.Unlock()
	for _, p := range peers {
		_ = p.SendHave(index)
	}
}

// memPicker is an in-memory request.Picker over a single torrent's
// blocks, good enough to drive the request pipeline end to end without
// a real piece store or hash verification.
type memPicker struct {
	mu              sync.Mutex
	blocks          map[request.Block]*blockState
	piecePending    map[uint32]int // remaining unfinished blocks per piece
	onPieceComplete func(index uint32)
}

type blockState struct {
	finished    bool
	downloaders map[string]struct{}
}

func newMemPicker() *memPicker {
	p := &memPicker{
		blocks:       make(map[request.Block]*blockState),
		piecePending: make(map[uint32]int),
	}
	for i := uint32(0); i < pieceCount; i++ {
		p.piecePending[i] = blocksPiece
		for b := 0; b < blocksPiece; b++ {
			blk := request.Block{PieceIndex: i, Begin: uint32(b * blockSize), Length: blockSize}
			p.blocks[blk] = &blockState{downloaders: make(map[string]struct{})}
		}
	}
	return p
}

func (p *memPicker) Pick(peerBitfield request.Bitfield, hints request.Hints) (request.Block, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for blk, st := range p.blocks {
		if st.finished || !peerBitfield.Test(blk.PieceIndex) {
			continue
		}
		if len(st.downloaders) > 0 && !hints.Endgame && !hints.OnParole {
			continue // one busy block rule, simplified: skip any already-requested block outside endgame
		}
		return blk, true
	}
	return request.Block{}, false
}

func (p *memPicker) MarkAsDownloading(b request.Block, peerKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.blocks[b]; ok {
		st.downloaders[peerKey] = struct{}{}
	}
}

func (p *memPicker) AbortDownload(b request.Block, peerKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.blocks[b]; ok {
		delete(st.downloaders, peerKey)
	}
}

func (p *memPicker) MarkAsWriting(request.Block, string) {}

func (p *memPicker) MarkAsFinished(b request.Block, peerKey string) {
	p.mu.Lock()
	st, ok := p.blocks[b]
	if !ok || st.finished {
		p.mu.Unlock()
		return
	}
	st.finished = true
	st.downloaders = make(map[string]struct{})
	p.piecePending[b.PieceIndex]--
	complete := p.piecePending[b.PieceIndex] == 0
	cb := p.onPieceComplete
	p.mu.Unlock()
	if complete && cb != nil {
		cb(b.PieceIndex)
	}
}

func (p *memPicker) IsDownloaded(b request.Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.blocks[b]
	return ok && st.finished
}

func (p *memPicker) NumPeers(b request.Block) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.blocks[b]; ok {
		return len(st.downloaders)
	}
	return 0
}

// Package bandwidth implements the Bandwidth Gate: quota-driven
// read/write scheduling across a hierarchy of peer, torrent and session
// channels, plus a disk back-pressure flag that suspends reads.
package bandwidth

import (
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// Gate arbitrates access to one level of the bandwidth hierarchy
// (session, torrent, or peer). The arbiter logic is a single goroutine
// serving requests and releases over channels, the same shape as the
// teacher's resource manager, generalized to carry a token-bucket so
// long-term rate is capped in addition to the in-flight quota.
type Gate struct {
	bucket *ratelimit.Bucket

	available int64
	requests  map[string]request
	requestC  chan request
	releaseC  chan int64
	closeC    chan struct{}
	doneC     chan struct{}
}

type request struct {
	key     string
	n       int64
	notifyC chan struct{}
	cancelC chan struct{}
	doneC   chan bool
}

// New returns a Gate with an initial quota of limit bytes and, if
// ratePerSec > 0, a token bucket capping sustained throughput to that
// rate (capacity = ratePerSec, i.e. up to one second of burst).
func New(limit int64, ratePerSec int64) *Gate {
	g := &Gate{
		available: limit,
		requests:  make(map[string]request),
		requestC:  make(chan request),
		releaseC:  make(chan int64),
		closeC:    make(chan struct{}),
		doneC:     make(chan struct{}),
	}
	if ratePerSec > 0 {
		g.bucket = ratelimit.NewBucketWithRate(float64(ratePerSec), ratePerSec)
	}
	go g.run()
	return g
}

// Close stops the Gate's arbiter goroutine.
func (g *Gate) Close() {
	close(g.closeC)
	<-g.doneC
}

// Request blocks until n bytes of quota are granted or cancelC fires.
// If the Gate has a rate limiter, the caller additionally waits out any
// token-bucket delay before the grant is considered acquired.
func (g *Gate) Request(key string, n int64, cancelC chan struct{}) (acquired bool) {
	if n <= 0 {
		return true
	}
	if g.bucket != nil {
		wait := g.bucket.Take(n)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-cancelC:
				return false
			}
		}
	}
	notifyC := make(chan struct{})
	r := request{key: key, n: n, notifyC: notifyC, cancelC: cancelC, doneC: make(chan bool)}
	select {
	case g.requestC <- r:
		select {
		case acquired = <-r.doneC:
		case <-cancelC:
			return false
		case <-g.closeC:
			return false
		}
	case <-g.closeC:
		return false
	}
	if acquired {
		return true
	}
	// Not granted on the first pass: the request is now queued inside
	// the arbiter goroutine, which will signal notifyC once enough
	// quota frees up via Release.
	select {
	case <-notifyC:
		return true
	case <-cancelC:
		return false
	case <-g.closeC:
		return false
	}
}

// Release returns n bytes of quota, e.g. bytes over-requested that were
// not actually transferred.
func (g *Gate) Release(n int64) {
	if n <= 0 {
		return
	}
	select {
	case g.releaseC <- n:
	case <-g.closeC:
	}
}

func (g *Gate) run() {
	for {
		req := g.randomRequest()

		select {
		case r := <-g.requestC:
			g.handleRequest(r)
		case n := <-g.releaseC:
			g.available += n
		case req.notifyC <- struct{}{}:
			g.available -= req.n
			delete(g.requests, req.key)
		case <-req.cancelC:
			delete(g.requests, req.key)
		case <-g.closeC:
			close(g.doneC)
			return
		}
	}
}

func (g *Gate) randomRequest() request {
	for _, r := range g.requests {
		if g.available >= r.n {
			return r
		}
	}
	return request{}
}

func (g *Gate) handleRequest(r request) {
	acquired := g.available >= r.n
	select {
	case r.doneC <- acquired:
		if acquired {
			g.available -= r.n
		} else {
			g.requests[r.key] = r
		}
	case <-r.cancelC:
	}
}

// Hierarchy chains a peer-level Gate under a torrent-level Gate under a
// session-level Gate: a grant only succeeds once quota is acquired at
// every level, and a cancel at any level cancels the whole chain.
type Hierarchy struct {
	Session *Gate
	Torrent *Gate
	Peer    *Gate
}

// Acquire requests n bytes from peer, then torrent, then session level,
// releasing already-acquired levels if a later level is denied before
// cancelC fires.
func (h *Hierarchy) Acquire(key string, n int64, cancelC chan struct{}) bool {
	if !h.Peer.Request(key, n, cancelC) {
		return false
	}
	if !h.Torrent.Request(key, n, cancelC) {
		h.Peer.Release(n)
		return false
	}
	if !h.Session.Request(key, n, cancelC) {
		h.Torrent.Release(n)
		h.Peer.Release(n)
		return false
	}
	return true
}

// Settle returns any unused quota (wanted minus actually transferred)
// back up the whole chain.
func (h *Hierarchy) Settle(wanted, transferred int64) {
	unused := wanted - transferred
	if unused <= 0 {
		return
	}
	h.Peer.Release(unused)
	h.Torrent.Release(unused)
	h.Session.Release(unused)
}

// DiskPressure tracks the global disk buffer high-watermark flag that
// suspends reads independently of quota.
type DiskPressure struct {
	mu   sync.RWMutex
	high bool
}

// Set updates the watermark flag.
func (d *DiskPressure) Set(high bool) {
	d.mu.Lock()
	d.high = high
	d.mu.Unlock()
}

// Exceeded reports whether reads should currently suspend.
func (d *DiskPressure) Exceeded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.high
}

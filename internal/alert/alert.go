// Package alert implements the Alert/Counter Sink: a process-wide fan-in
// for peer lifecycle events, exposing both a bounded alert feed for a
// consumer (e.g. cmd/peersim) to drain and a set of running rate
// counters for the events spec.md §6 requires to be observable.
package alert

import (
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/cenkalti/rain/v2/internal/logger"
)

// Kind identifies the category of an Alert, matching spec.md §6's
// enumerated event kinds.
type Kind int

const (
	PeerConnected Kind = iota
	PeerDisconnected
	PeerError
	InvalidRequest
	BlockDownloading
	BlockFinished
	BlockTimeout
	PeerSnubbed
	PeerUnsnubbed
	PerformanceWarning
	FileError
)

func (k Kind) String() string {
	switch k {
	case PeerConnected:
		return "peer-connected"
	case PeerDisconnected:
		return "peer-disconnected"
	case PeerError:
		return "peer-error"
	case InvalidRequest:
		return "invalid-request"
	case BlockDownloading:
		return "block-downloading"
	case BlockFinished:
		return "block-finished"
	case BlockTimeout:
		return "block-timeout"
	case PeerSnubbed:
		return "peer-snubbed"
	case PeerUnsnubbed:
		return "peer-unsnubbed"
	case PerformanceWarning:
		return "performance-warning"
	case FileError:
		return "file-error"
	default:
		return "unknown"
	}
}

// Alert is one emitted event, carrying whatever fields are relevant to
// its Kind; fields that don't apply to a given Kind are left zero.
type Alert struct {
	Kind   Kind
	Time   time.Time
	Remote string
	Err    error
	Index  uint32
	Begin  uint32
	Length uint32
}

// Sink fans events out to a bounded channel and into per-kind EWMA rate
// counters. It satisfies internal/peer.Alerts (and a superset of it)
// without that package importing this one.
type Sink struct {
	log logger.Logger

	feedC chan Alert

	rates map[Kind]metrics.EWMA

	droppedAlerts metrics.EWMA
}

// New returns a Sink whose feed channel buffers up to queueLen alerts;
// once full, new alerts are dropped and counted rather than blocking
// the peer goroutine that raised them.
func New(queueLen int) *Sink {
	s := &Sink{
		log:           logger.New("alert"),
		feedC:         make(chan Alert, queueLen),
		rates:         make(map[Kind]metrics.EWMA),
		droppedAlerts: metrics.NewEWMA1(),
	}
	for k := PeerConnected; k <= FileError; k++ {
		s.rates[k] = metrics.NewEWMA1()
	}
	return s
}

// Feed returns the channel a consumer drains alerts from.
func (s *Sink) Feed() <-chan Alert {
	return s.feedC
}

// Tick advances every rate counter's EWMA window, mirroring the teacher's
// piece cache counters. go-metrics' EWMA counts each call as five
// seconds elapsed.
func (s *Sink) Tick() {
	for _, r := range s.rates {
		r.Tick()
	}
	s.droppedAlerts.Tick()
}

// Rate reports the current EWMA rate for a Kind, in events per second
// as go-metrics computes it.
func (s *Sink) Rate(k Kind) float64 {
	r, ok := s.rates[k]
	if !ok {
		return 0
	}
	return r.Rate()
}

func (s *Sink) emit(a Alert) {
	s.rates[a.Kind].Update(1)
	select {
	case s.feedC <- a:
	default:
		s.droppedAlerts.Update(1)
		s.log.Debugln("alert dropped, feed full:", a.Kind)
	}
}

func (s *Sink) PeerConnected(remote string) {
	s.emit(Alert{Kind: PeerConnected, Time: timeNow(), Remote: remote})
}

func (s *Sink) PeerDisconnected(remote string, err error) {
	s.emit(Alert{Kind: PeerDisconnected, Time: timeNow(), Remote: remote, Err: err})
}

func (s *Sink) PeerError(remote string, err error) {
	s.log.Errorln("peer error:", remote, err)
	s.emit(Alert{Kind: PeerError, Time: timeNow(), Remote: remote, Err: err})
}

func (s *Sink) InvalidRequest(remote string, index, begin, length uint32) {
	s.emit(Alert{Kind: InvalidRequest, Time: timeNow(), Remote: remote, Index: index, Begin: begin, Length: length})
}

func (s *Sink) BlockDownloading(remote string, index, begin uint32) {
	s.emit(Alert{Kind: BlockDownloading, Time: timeNow(), Remote: remote, Index: index, Begin: begin})
}

func (s *Sink) BlockFinished(remote string, index, begin uint32) {
	s.emit(Alert{Kind: BlockFinished, Time: timeNow(), Remote: remote, Index: index, Begin: begin})
}

func (s *Sink) BlockTimeout(remote string, index, begin uint32) {
	s.emit(Alert{Kind: BlockTimeout, Time: timeNow(), Remote: remote, Index: index, Begin: begin})
}

func (s *Sink) PeerSnubbed(remote string) {
	s.emit(Alert{Kind: PeerSnubbed, Time: timeNow(), Remote: remote})
}

func (s *Sink) PeerUnsnubbed(remote string) {
	s.emit(Alert{Kind: PeerUnsnubbed, Time: timeNow(), Remote: remote})
}

// PerformanceWarning reports a sustained condition such as persistent
// disk back-pressure; not yet raised by internal/peer, reserved for the
// disk worker and bandwidth hierarchy.
func (s *Sink) PerformanceWarning(msg string) {
	s.log.Warningln("performance warning:", msg)
	s.emit(Alert{Kind: PerformanceWarning, Time: timeNow()})
}

// FileError reports a storage I/O failure for a piece.
func (s *Sink) FileError(path string, err error) {
	s.log.Errorln("file error:", path, err)
	s.emit(Alert{Kind: FileError, Time: timeNow(), Err: err})
}

var timeNow = time.Now

package peer

import (
	"math/rand"
	"sort"
)

// UnchokeTarget is the narrow view of a Peer the Unchoker needs; *Peer
// satisfies it, kept as an interface so choke policy can be tested
// without a live connection.
type UnchokeTarget interface {
	Choke() error
	Unchoke() error
	Choking() bool
	Interested() bool
	SetOptimistic(bool)
	Optimistic() bool
	DownloadSpeed() int
	UploadSpeed() int
}

// Unchoker selects which of a torrent's peers to unchoke, rotating one
// slot every third round for an optimistic unchoke so new or slow peers
// get a chance to prove themselves.
type Unchoker struct {
	numUnchoked           int
	numOptimisticUnchoked int
	round                 uint8

	peersUnchoked           map[UnchokeTarget]struct{}
	peersUnchokedOptimistic map[UnchokeTarget]struct{}
}

// NewUnchoker returns an Unchoker that keeps at most numUnchoked regular
// and numOptimisticUnchoked optimistic slots open.
func NewUnchoker(numUnchoked, numOptimisticUnchoked int) *Unchoker {
	return &Unchoker{
		numUnchoked:             numUnchoked,
		numOptimisticUnchoked:   numOptimisticUnchoked,
		peersUnchoked:           make(map[UnchokeTarget]struct{}, numUnchoked),
		peersUnchokedOptimistic: make(map[UnchokeTarget]struct{}, numUnchoked),
	}
}

// HandleDisconnect removes the peer from internal indexes.
func (u *Unchoker) HandleDisconnect(pe UnchokeTarget) {
	delete(u.peersUnchoked, pe)
	delete(u.peersUnchokedOptimistic, pe)
}

func (u *Unchoker) candidatesUnchoke(allPeers []UnchokeTarget) []UnchokeTarget {
	peers := allPeers[:0]
	for _, pe := range allPeers {
		if pe.Interested() {
			peers = append(peers, pe)
		}
	}
	return peers
}

func (u *Unchoker) sortPeers(peers []UnchokeTarget, completed bool) {
	byUploadSpeed := func(i, j int) bool { return peers[i].UploadSpeed() > peers[j].UploadSpeed() }
	byDownloadSpeed := func(i, j int) bool { return peers[i].DownloadSpeed() > peers[j].DownloadSpeed() }
	if completed {
		sort.Slice(peers, byUploadSpeed)
	} else {
		sort.Slice(peers, byDownloadSpeed)
	}
}

// TickUnchoke must be called every ten seconds per spec.md §5's tick.
func (u *Unchoker) TickUnchoke(allPeers []UnchokeTarget, torrentCompleted bool) {
	optimistic := u.round == 0
	peers := u.candidatesUnchoke(allPeers)
	u.sortPeers(peers, torrentCompleted)
	var i, unchoked int
	for ; i < len(peers) && unchoked < u.numUnchoked; i++ {
		if !optimistic && peers[i].Optimistic() {
			continue
		}
		u.unchokePeer(peers[i])
		unchoked++
	}
	peers = peers[i:]
	if optimistic {
		for i = 0; i < u.numOptimisticUnchoked && len(peers) > 0; i++ {
			n := rand.Intn(len(peers)) // nolint: gosec
			pe := peers[n]
			u.optimisticUnchokePeer(pe)
			peers[n], peers = peers[len(peers)-1], peers[:len(peers)-1]
		}
	}
	for _, pe := range peers {
		u.chokePeer(pe)
	}
	u.round = (u.round + 1) % 3
}

func (u *Unchoker) chokePeer(pe UnchokeTarget) {
	if pe.Choking() {
		return
	}
	_ = pe.Choke()
	pe.SetOptimistic(false)
	delete(u.peersUnchoked, pe)
	delete(u.peersUnchokedOptimistic, pe)
}

func (u *Unchoker) unchokePeer(pe UnchokeTarget) {
	if !pe.Choking() {
		if pe.Optimistic() {
			pe.SetOptimistic(false)
			delete(u.peersUnchokedOptimistic, pe)
			u.peersUnchoked[pe] = struct{}{}
		}
		return
	}
	_ = pe.Unchoke()
	u.peersUnchoked[pe] = struct{}{}
	pe.SetOptimistic(false)
}

func (u *Unchoker) optimisticUnchokePeer(pe UnchokeTarget) {
	if !pe.Choking() {
		if !pe.Optimistic() {
			pe.SetOptimistic(true)
			delete(u.peersUnchoked, pe)
			u.peersUnchokedOptimistic[pe] = struct{}{}
		}
		return
	}
	_ = pe.Unchoke()
	u.peersUnchokedOptimistic[pe] = struct{}{}
	pe.SetOptimistic(true)
}

// FastUnchoke unchokes pe immediately if there is spare quota, instead
// of making it wait for the next ten-second tick.
func (u *Unchoker) FastUnchoke(pe UnchokeTarget) {
	if pe.Choking() && pe.Interested() && len(u.peersUnchoked) < u.numUnchoked {
		u.unchokePeer(pe)
	}
	if pe.Choking() && pe.Interested() && len(u.peersUnchokedOptimistic) < u.numOptimisticUnchoked {
		u.optimisticUnchokePeer(pe)
	}
}

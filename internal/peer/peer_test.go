package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	choking, interested, optimistic bool
	down, up                        int
}

func (f *fakeTarget) Choke() error          { f.choking = true; return nil }
func (f *fakeTarget) Unchoke() error        { f.choking = false; return nil }
func (f *fakeTarget) Choking() bool         { return f.choking }
func (f *fakeTarget) Interested() bool      { return f.interested }
func (f *fakeTarget) SetOptimistic(v bool)  { f.optimistic = v }
func (f *fakeTarget) Optimistic() bool      { return f.optimistic }
func (f *fakeTarget) DownloadSpeed() int    { return f.down }
func (f *fakeTarget) UploadSpeed() int      { return f.up }

func TestUnchokerUnchokesFastestInterestedPeers(t *testing.T) {
	u := NewUnchoker(1, 1)
	a := &fakeTarget{choking: true, interested: true, down: 100}
	b := &fakeTarget{choking: true, interested: true, down: 50}
	c := &fakeTarget{choking: true, interested: false, down: 9999}

	u.TickUnchoke([]UnchokeTarget{a, b, c}, false)

	assert.False(t, a.choking, "fastest interested peer should be unchoked")
	assert.True(t, c.choking, "uninterested peer must stay choked regardless of speed")
}

func TestUnchokerOptimisticRotatesEveryThirdRound(t *testing.T) {
	u := NewUnchoker(0, 1)
	a := &fakeTarget{choking: true, interested: true}

	u.TickUnchoke([]UnchokeTarget{a}, false) // round 0: optimistic
	assert.False(t, a.choking)
	assert.True(t, a.optimistic)

	u.TickUnchoke([]UnchokeTarget{a}, false) // round 1: not optimistic, no regular quota
	assert.True(t, a.choking)
}

func TestFastUnchokeBypassesTick(t *testing.T) {
	u := NewUnchoker(1, 0)
	a := &fakeTarget{choking: true, interested: true}
	u.FastUnchoke(a)
	require.False(t, a.choking)
}

func TestHandleDisconnectClearsIndexes(t *testing.T) {
	u := NewUnchoker(1, 1)
	a := &fakeTarget{choking: true, interested: true}
	u.FastUnchoke(a)
	u.HandleDisconnect(a)
	assert.NotContains(t, u.peersUnchoked, a)
}

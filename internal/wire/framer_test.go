package wire

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
	"github.com/cenkalti/rain/v2/internal/logger"
	"github.com/cenkalti/rain/v2/internal/peerprotocol"
)

func pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestHandshakeRoundTrip(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	pool := bufferpool.New(16384)
	fa := New(a, pool, logger.New("a"))
	fb := New(b, pool, logger.New("b"))

	var ih, id [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(id[:], "bbbbbbbbbbbbbbbbbbbb")
	var ext [8]byte
	ext[5] = 0x10

	done := make(chan error, 1)
	go func() { done <- fa.WriteHandshake(ih, id, ext) }()

	gotExt, gotIH, err := fb.ReadHandshakePrefix()
	require.NoError(t, err)
	assert.Equal(t, ih, gotIH)
	assert.Equal(t, ext, gotExt)
	assert.Equal(t, PhaseInfoHash, fb.Phase())

	// The peer id is the tail of the same 68-byte write; the pipe's
	// Write returns only once it has been read.
	gotID, err := fb.ReadPeerID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	require.NoError(t, <-done)
}

func TestVersionProbe(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	pool := bufferpool.New(16384)
	fb := New(b, pool, logger.New("b"))

	go func() { _, _ = a.Write([]byte{7, 'v', 'e', 'r', 's', 'i', 'o', 'n'}) }()

	_, _, err := fb.ReadHandshakePrefix()
	assert.ErrorIs(t, err, ErrVersionProbe)
}

func TestMessageRoundTrip(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	pool := bufferpool.New(16384)
	fa := New(a, pool, logger.New("a"))
	fb := New(b, pool, logger.New("b"))

	go func() {
		_ = fa.WriteKeepAlive()
		_ = fa.WriteMessage(peerprotocol.RequestMessage{Index: 1, Begin: 0, Length: 16384})
	}()

	msg, err := fb.ReadMessage(5*time.Second, 5*time.Second)
	require.NoError(t, err)
	req, ok := msg.(peerprotocol.RequestMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(1), req.Index)
}

func TestPieceMessageUsesPool(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	pool := bufferpool.New(4)
	fa := New(a, pool, logger.New("a"))
	fb := New(b, pool, logger.New("b"))

	data := []byte{1, 2, 3, 4}
	r := bytes.NewReader(data)

	go func() { _, _ = fa.WritePiece(2, 0, r, 4) }()

	msg, err := fb.ReadMessage(5*time.Second, 5*time.Second)
	require.NoError(t, err)
	p, ok := msg.(Piece)
	require.True(t, ok)
	assert.Equal(t, uint32(2), p.Index)
	assert.Equal(t, data, p.Buffer.Data)
	p.Buffer.Release()
}

func TestOversizedPacketIsProtocolViolation(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	pool := bufferpool.New(16384)
	fb := New(b, pool, logger.New("b"))

	go func() {
		header := make([]byte, 4)
		big := uint32(MaxPacketSize + 1)
		header[0] = byte(big >> 24)
		header[1] = byte(big >> 16)
		header[2] = byte(big >> 8)
		header[3] = byte(big)
		_, _ = a.Write(header)
	}()

	_, err := fb.ReadMessage(5*time.Second, 5*time.Second)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

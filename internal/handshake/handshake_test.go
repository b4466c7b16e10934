package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
)

func TestAcceptDialRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	pool := bufferpool.New(16384)
	var ourID, theirID, infoHash [20]byte
	copy(ourID[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(theirID[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(infoHash[:], "cccccccccccccccccccc")

	serverDone := make(chan *Result, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		r, err := Accept(conn, 5*time.Second, ourID, Features{ExtendedProtocol: true}, pool, func(ih [20]byte) bool {
			return ih == infoHash
		})
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- r
	}()

	r, err := Dial(context.Background(), ln.Addr(), 5*time.Second, 5*time.Second, theirID, infoHash, Features{ExtendedProtocol: true}, pool)
	require.NoError(t, err)
	assert.Equal(t, ourID, r.PeerID)
	assert.True(t, r.Features.ExtendedProtocol)

	select {
	case sr := <-serverDone:
		assert.Equal(t, theirID, sr.PeerID)
		assert.Equal(t, infoHash, sr.InfoHash)
	case err := <-serverErr:
		t.Fatalf("server accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
}

func TestAcceptRejectsUnknownInfoHash(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	pool := bufferpool.New(16384)
	var ourID, theirID, infoHash [20]byte
	copy(ourID[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(theirID[:], "bbbbbbbbbbbbbbbbbbbb")
	copy(infoHash[:], "cccccccccccccccccccc")

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		_, err = Accept(conn, 5*time.Second, ourID, Features{}, pool, func([20]byte) bool { return false })
		serverErr <- err
	}()

	_, err = Dial(context.Background(), ln.Addr(), 5*time.Second, 5*time.Second, theirID, infoHash, Features{}, pool)
	// the dialer's read of the handshake prefix fails because the
	// server never writes one back.
	require.Error(t, err)

	err = <-serverErr
	assert.ErrorIs(t, err, ErrInfoHashNotFound)
}

func TestEncodeDecodeFeaturesRoundTrip(t *testing.T) {
	f := Features{ExtendedProtocol: true, DHT: true, Fast: true}
	reserved := EncodeFeatures(f)
	assert.Equal(t, f, decodeFeatures(reserved))
}

func TestSelfConnectionBan(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	pool := bufferpool.New(16384)
	var id, infoHash [20]byte
	copy(id[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(infoHash[:], "cccccccccccccccccccc")

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		_, err = Accept(conn, 5*time.Second, id, Features{}, pool, func(ih [20]byte) bool { return ih == infoHash })
		serverErr <- err
	}()

	_, err = Dial(context.Background(), ln.Addr(), 5*time.Second, 5*time.Second, id, infoHash, Features{}, pool)
	assert.ErrorIs(t, err, ErrOwnConnection)
	assert.ErrorIs(t, <-serverErr, ErrOwnConnection)
}

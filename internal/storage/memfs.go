package storage

import (
	"crypto/sha1" // nolint: gosec
	"sync"

	"github.com/cenkalti/rain/v2/internal/bufferpool"
)

// MemFileSystem is an in-memory FileSystem backing a fixed number of
// equal-length pieces. It stands in for a real on-disk, multi-file
// layout in tests and cmd/peersim: this core's Non-goals exclude file
// format parsing, so nothing here allocates files or resolves a piece
// index to a (file, offset) pair the way the teacher's filestorage
// does — every piece is just a byte slice in a map.
type MemFileSystem struct {
	mu          sync.Mutex
	pool        *bufferpool.Pool
	pieceLength uint32
	pieces      map[uint32][]byte
}

// NewMemFileSystem returns an empty MemFileSystem. pieceLength sizes
// freshly-allocated piece slices; pool is used to satisfy AsyncRead.
func NewMemFileSystem(pool *bufferpool.Pool, pieceLength uint32) *MemFileSystem {
	return &MemFileSystem{
		pool:        pool,
		pieceLength: pieceLength,
		pieces:      make(map[uint32][]byte),
	}
}

// Seed installs data as the full content of piece, for tests and
// cmd/peersim to pre-populate a seeder's pieces without going through
// AsyncWrite.
func (m *MemFileSystem) Seed(piece uint32, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, m.pieceLength)
	copy(buf, data)
	m.pieces[piece] = buf
}

// AsyncRead implements FileSystem.
func (m *MemFileSystem) AsyncRead(piece uint32, offset uint32, length int, resultC chan<- ReadResult) {
	go func() {
		m.mu.Lock()
		data := m.pieces[piece]
		m.mu.Unlock()

		buf := m.pool.Get(length)
		if int(offset)+length <= len(data) {
			copy(buf.Data, data[offset:int(offset)+length])
		}
		resultC <- ReadResult{Piece: piece, Offset: offset, Buffer: buf}
	}()
}

// AsyncWrite implements FileSystem.
func (m *MemFileSystem) AsyncWrite(piece uint32, offset uint32, buf bufferpool.Buffer, resultC chan<- WriteResult) {
	go func() {
		m.mu.Lock()
		data, ok := m.pieces[piece]
		if !ok {
			data = make([]byte, m.pieceLength)
			m.pieces[piece] = data
		}
		copy(data[offset:], buf.Data)
		m.mu.Unlock()
		resultC <- WriteResult{Piece: piece, Offset: offset}
	}()
}

// AsyncHash implements FileSystem.
func (m *MemFileSystem) AsyncHash(piece uint32, resultC chan<- HashResult) {
	go func() {
		m.mu.Lock()
		data := m.pieces[piece]
		m.mu.Unlock()
		resultC <- HashResult{Piece: piece, Sum: sha1.Sum(data)} // nolint: gosec
	}()
}
